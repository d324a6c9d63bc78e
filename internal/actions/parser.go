// Package actions extracts tagged tool-invocation intents from model output.
//
// An action tag is a well-formed pair of the form <name>payload</name>
// where name belongs to a closed set fixed at construction. The parser is
// the single authority the gateway and the engine share for deciding when
// a stream contains a complete, dispatchable action.
package actions

import (
	"strconv"
	"strings"
)

// DefaultMaxPayloadBytes caps payload size; larger payloads are treated as
// malformed input rather than propagated.
const DefaultMaxPayloadBytes = 1 << 20

// DefaultNames is the built-in closed set of action tag names.
var DefaultNames = []string{
	"execute",
	"execute_command",
	"search",
	"memory_search",
	"task_create",
	"task_update",
	"task_complete",
	"enhanced_read",
	"enhanced_write",
	"find_files_enhanced",
	"browser_navigate",
	"project_list",
	"delegate",
	"spawn_sub_agent",
	"stop_sub_agent",
	"resume_sub_agent",
	"add_declarative_note",
	"add_summary_note",
}

// Action is one complete tag pair extracted from model output.
// Payload is the raw inner text with whitespace preserved; splitting
// payload fields is the owning tool's concern.
type Action struct {
	Name    string
	Payload string
}

// ErrorHook receives parser-level failures (oversized payloads). The
// parser never returns an error from Parse; failures surface through the
// hook and an empty result.
type ErrorHook func(kind, message string)

// Parser detects complete action tags in text.
// Matching is case-insensitive on tag names. Safe for concurrent use.
type Parser struct {
	known      map[string]struct{}
	maxPayload int
	onError    ErrorHook
}

// Option configures a Parser.
type Option func(*Parser)

// WithMaxPayload overrides the payload size cap.
func WithMaxPayload(n int) Option {
	return func(p *Parser) {
		if n > 0 {
			p.maxPayload = n
		}
	}
}

// WithErrorHook installs a hook for parser-level failures.
func WithErrorHook(hook ErrorHook) Option {
	return func(p *Parser) { p.onError = hook }
}

// NewParser creates a parser over the given closed set of tag names.
// If names is empty, DefaultNames is used.
func NewParser(names []string, opts ...Option) *Parser {
	if len(names) == 0 {
		names = DefaultNames
	}
	known := make(map[string]struct{}, len(names))
	for _, n := range names {
		known[strings.ToLower(n)] = struct{}{}
	}
	p := &Parser{
		known:      known,
		maxPayload: DefaultMaxPayloadBytes,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Known reports whether name is in the parser's closed set.
func (p *Parser) Known(name string) bool {
	_, ok := p.known[strings.ToLower(name)]
	return ok
}

// Parse returns all complete, well-formed tag pairs in order of
// appearance. Unclosed tags and unknown names are ignored. Nested tags
// come back as a single action whose payload contains the nested text.
func (p *Parser) Parse(text string) []Action {
	var out []Action
	pos := 0
	for pos < len(text) {
		name, payload, next, ok := p.nextAction(text, pos)
		if !ok {
			break
		}
		if len(payload) > p.maxPayload {
			p.fail("oversized_payload", "action payload exceeds "+strconv.Itoa(p.maxPayload)+" bytes: "+name)
			return nil
		}
		out = append(out, Action{Name: name, Payload: payload})
		pos = next
	}
	return out
}

// ContainsCompleteAction reports whether text holds at least one complete
// tag pair. The gateway uses this to trigger mid-stream interrupts.
func (p *Parser) ContainsCompleteAction(text string) bool {
	_, _, _, ok := p.nextAction(text, 0)
	return ok
}

// StripIncompleteTags removes a partial opening tag (or an opened but
// unclosed known tag) trailing after the last complete action, so that
// interrupted streams never end mid-tag.
func (p *Parser) StripIncompleteTags(text string) string {
	// Find the end of the last complete action.
	tail := 0
	pos := 0
	for {
		_, _, next, ok := p.nextAction(text, pos)
		if !ok {
			break
		}
		tail = next
		pos = next
	}

	rest := text[tail:]
	for i := 0; i < len(rest); i++ {
		if rest[i] != '<' {
			continue
		}
		if p.isIncompleteOpenAt(rest, i) {
			return text[:tail] + rest[:i]
		}
	}
	return text
}

// nextAction scans for the first complete known tag pair at or after pos.
// Returns the canonical lower-case name, the raw payload, and the index
// just past the closing tag.
func (p *Parser) nextAction(text string, pos int) (name, payload string, next int, ok bool) {
	for i := pos; i < len(text); i++ {
		if text[i] != '<' {
			continue
		}
		tagName, openEnd, valid := p.openTagAt(text, i)
		if !valid {
			continue
		}
		closing := "</" + tagName + ">"
		rel := indexFold(text[openEnd:], closing)
		if rel < 0 {
			// Unclosed; keep scanning past this opener.
			continue
		}
		return tagName, text[openEnd : openEnd+rel], openEnd + rel + len(closing), true
	}
	return "", "", 0, false
}

// openTagAt parses a complete opening tag <name> at index i, returning the
// lower-cased name and the index just past '>' when the name is known.
func (p *Parser) openTagAt(text string, i int) (string, int, bool) {
	j := i + 1
	for j < len(text) && isTagNameByte(text[j]) {
		j++
	}
	if j >= len(text) || text[j] != '>' || j == i+1 {
		return "", 0, false
	}
	name := strings.ToLower(text[i+1 : j])
	if _, known := p.known[name]; !known {
		return "", 0, false
	}
	return name, j + 1, true
}

// isIncompleteOpenAt reports whether text[i:] starts a partial opening tag
// or a complete opening tag of a known name with no matching close.
func (p *Parser) isIncompleteOpenAt(text string, i int) bool {
	// Complete opener with no close.
	if name, openEnd, ok := p.openTagAt(text, i); ok {
		return indexFold(text[openEnd:], "</"+name+">") < 0
	}
	// Partial opener: "<", "<na", "<name" with no '>' yet. Only counts
	// when what we have so far is a prefix of a known name.
	j := i + 1
	for j < len(text) && isTagNameByte(text[j]) {
		j++
	}
	if j < len(text) {
		// A non-name byte before '>' means this was never a tag.
		return false
	}
	prefix := strings.ToLower(text[i+1 : j])
	for name := range p.known {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

func (p *Parser) fail(kind, msg string) {
	if p.onError != nil {
		p.onError(kind, msg)
	}
}

func isTagNameByte(b byte) bool {
	return b == '_' || b == '-' ||
		(b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

// indexFold is a case-insensitive strings.Index for ASCII needles.
func indexFold(haystack, needle string) int {
	return strings.Index(strings.ToLower(haystack), strings.ToLower(needle))
}
