package contextwin

import (
	"errors"
	"sort"
	"sync"

	"github.com/haasonsaas/penguin/pkg/models"
)

// DefaultMaxTokens is the default context window size in tokens.
const DefaultMaxTokens = 128000

// ErrMinimumUnsatisfiable reports that even the mandatory minimum (system
// prompt plus pinned context) does not fit the window. Fatal to the turn.
var ErrMinimumUnsatisfiable = errors.New("context window cannot fit mandatory minimum")

// DefaultFractions are the per-category budget fractions of MaxTokens.
// DIALOG takes the majority; REASONING is bounded small and trimmed first.
var DefaultFractions = map[models.Category]float64{
	models.CategorySystemPrompt: 0.05,
	models.CategoryContext:      0.20,
	models.CategoryDialog:       0.55,
	models.CategoryToolResult:   0.15,
	models.CategoryReasoning:    0.05,
}

// trimOrder is the category order applied on overflow.
var trimOrder = []models.Category{
	models.CategoryReasoning,
	models.CategoryToolResult,
	models.CategoryDialog,
	models.CategoryContext,
}

// Budget reports one category's occupancy for UI display.
type Budget struct {
	Used int `json:"used"`
	Max  int `json:"max"`
}

// Trim describes one trimming pass over a category.
type Trim struct {
	Category        models.Category `json:"category"`
	DroppedTokens   int             `json:"dropped_tokens"`
	DroppedMessages int             `json:"dropped_messages"`
}

// TrimHook observes trims as they happen (event emission, clamp notices).
type TrimHook func(Trim)

// Manager tracks token budgets for one session view. It is a single-writer
// structure: all mutations happen on the owning agent's task; readers get
// copies.
type Manager struct {
	mu        sync.Mutex
	maxTokens int
	fractions map[models.Category]float64
	counter   TokenCounter
	onTrim    TrimHook

	// usage tracks live (non-dropped) token estimates per category.
	usage map[models.Category]int

	// dropped holds message IDs excluded from the formatted view.
	dropped map[string]struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithCounter overrides the token counter.
func WithCounter(c TokenCounter) Option {
	return func(m *Manager) {
		if c != nil {
			m.counter = c
		}
	}
}

// WithFractions overrides the per-category budget fractions.
func WithFractions(f map[models.Category]float64) Option {
	return func(m *Manager) {
		if len(f) > 0 {
			m.fractions = f
		}
	}
}

// WithTrimHook installs a hook invoked for every trim.
func WithTrimHook(hook TrimHook) Option {
	return func(m *Manager) { m.onTrim = hook }
}

// NewManager creates a context window manager.
func NewManager(maxTokens int, opts ...Option) *Manager {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	m := &Manager{
		maxTokens: maxTokens,
		fractions: DefaultFractions,
		counter:   CharCounter{},
		usage:     make(map[models.Category]int),
		dropped:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// MaxTokens returns the window size.
func (m *Manager) MaxTokens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxTokens
}

// EstimateMessage returns the token estimate for a message, setting
// TokensEstimate when unset.
func (m *Manager) EstimateMessage(msg *models.Message) int {
	if msg.TokensEstimate > 0 {
		return msg.TokensEstimate
	}
	est := m.counter.Count(msg.Content) + MessageOverhead
	msg.TokensEstimate = est
	return est
}

// OnAppend accounts for a newly appended message and reconciles the
// window if the append pushed it over budget. Returned trims describe any
// messages dropped from the view.
func (m *Manager) OnAppend(session *models.Session, msg *models.Message) []Trim {
	m.mu.Lock()
	defer m.mu.Unlock()

	est := m.EstimateMessage(msg)
	m.usage[msg.Category] += est
	return m.reconcileLocked(session)
}

// SetAuthoritativeCount replaces a message's estimate with a
// gateway-reported count and adjusts usage retroactively.
func (m *Manager) SetAuthoritativeCount(session *models.Session, msg *models.Message, tokens int) []Trim {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, gone := m.dropped[msg.ID]; !gone {
		m.usage[msg.Category] += tokens - msg.TokensEstimate
	}
	msg.TokensEstimate = tokens
	return m.reconcileLocked(session)
}

// Reconcile re-derives usage from the session and trims until the window
// invariant holds.
func (m *Manager) Reconcile(session *models.Session) []Trim {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recountLocked(session)
	return m.reconcileLocked(session)
}

// Budgets returns per-category occupancy for UI display.
func (m *Manager) Budgets() map[models.Category]Budget {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[models.Category]Budget, len(m.fractions))
	for cat, frac := range m.fractions {
		out[cat] = Budget{
			Used: m.usage[cat],
			Max:  int(float64(m.maxTokens) * frac),
		}
	}
	return out
}

// TotalUsed returns the live token total.
func (m *Manager) TotalUsed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalLocked()
}

// FormatView returns the ordered, trimmed message view with the system
// prompt first and tool-result grouping preserved. clampTokens, when
// positive, narrows the visible window below MaxTokens (sub-agent clamp)
// without mutating manager state.
func (m *Manager) FormatView(session *models.Session, clampTokens int) ([]*models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	limit := m.maxTokens
	if clampTokens > 0 && clampTokens < limit {
		limit = clampTokens
	}

	var system *models.Message
	var rest []*models.Message
	for _, msg := range session.Messages {
		if _, gone := m.dropped[msg.ID]; gone {
			continue
		}
		if msg.Category == models.CategorySystemPrompt && system == nil {
			system = msg
			continue
		}
		rest = append(rest, msg)
	}

	mandatory := 0
	if system != nil {
		mandatory += m.EstimateMessage(system)
	}
	for _, msg := range rest {
		if isPinned(msg) {
			mandatory += m.EstimateMessage(msg)
		}
	}
	if mandatory > limit {
		return nil, ErrMinimumUnsatisfiable
	}

	// Clamped views drop newest-exceeding unpinned messages per the trim
	// order, without recording them as globally dropped.
	visible := rest
	if limit < m.maxTokens {
		visible = m.clampView(rest, limit-mandatoryTokens(system, m))
	}

	out := make([]*models.Message, 0, len(visible)+1)
	if system != nil {
		out = append(out, system)
	}
	out = append(out, visible...)
	return out, nil
}

// Dropped reports whether a message has been trimmed from the view.
func (m *Manager) Dropped(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, gone := m.dropped[id]
	return gone
}

func mandatoryTokens(system *models.Message, m *Manager) int {
	if system == nil {
		return 0
	}
	return m.EstimateMessage(system)
}

// clampView narrows a message list to a token budget using the standard
// trim order, keeping pinned messages always.
func (m *Manager) clampView(msgs []*models.Message, budget int) []*models.Message {
	total := 0
	for _, msg := range msgs {
		total += m.EstimateMessage(msg)
	}
	if total <= budget {
		return msgs
	}

	excluded := make(map[string]struct{})
	for _, cat := range trimOrder {
		if total <= budget {
			break
		}
		for _, msg := range m.trimCandidates(msgs, cat, excluded) {
			if total <= budget {
				break
			}
			excluded[msg.ID] = struct{}{}
			total -= m.EstimateMessage(msg)
		}
	}

	out := make([]*models.Message, 0, len(msgs))
	for _, msg := range msgs {
		if _, gone := excluded[msg.ID]; gone {
			continue
		}
		out = append(out, msg)
	}
	return out
}

// reconcileLocked trims dropped-eligible messages until the global
// invariant holds: sum of live usage <= maxTokens.
func (m *Manager) reconcileLocked(session *models.Session) []Trim {
	var trims []Trim
	for _, cat := range trimOrder {
		if m.totalLocked() <= m.maxTokens {
			break
		}
		trim := m.trimCategoryLocked(session, cat)
		if trim.DroppedMessages > 0 {
			trims = append(trims, trim)
			if m.onTrim != nil {
				m.onTrim(trim)
			}
		}
	}
	return trims
}

// trimCategoryLocked drops messages of one category until the window fits
// or the category has no more candidates.
func (m *Manager) trimCategoryLocked(session *models.Session, cat models.Category) Trim {
	trim := Trim{Category: cat}
	for _, msg := range m.trimCandidates(session.Messages, cat, m.dropped) {
		if m.totalLocked() <= m.maxTokens {
			break
		}
		est := m.EstimateMessage(msg)
		m.dropped[msg.ID] = struct{}{}
		m.usage[cat] -= est
		trim.DroppedTokens += est
		trim.DroppedMessages++
	}
	return trim
}

// trimCandidates returns the droppable messages of a category in drop
// order. DIALOG and REASONING drop oldest-first; TOOL_RESULT drops by age
// then size (biggest first within the older half); CONTEXT drops only
// unpinned messages, oldest first.
func (m *Manager) trimCandidates(msgs []*models.Message, cat models.Category, excluded map[string]struct{}) []*models.Message {
	var out []*models.Message
	for _, msg := range msgs {
		if msg.Category != cat {
			continue
		}
		if _, gone := excluded[msg.ID]; gone {
			continue
		}
		if cat == models.CategoryContext && isPinned(msg) {
			continue
		}
		if cat == models.CategorySystemPrompt {
			continue
		}
		out = append(out, msg)
	}

	if cat == models.CategoryToolResult && len(out) > 1 {
		// Age first: the older half goes before the newer half. Within
		// the older half, re-derivable results go before mutation
		// records, then bigger before smaller.
		half := len(out) / 2
		older := append([]*models.Message(nil), out[:half]...)
		newer := append([]*models.Message(nil), out[half:]...)
		sort.SliceStable(older, func(i, j int) bool {
			ri, rj := rederivable(older[i]), rederivable(older[j])
			if ri != rj {
				return ri
			}
			return m.EstimateMessage(older[i]) > m.EstimateMessage(older[j])
		})
		out = append(older, newer...)
	}
	return out
}

// rederivable reports whether a tool result came from a side-effect-free
// tool and can be recreated by rerunning it.
func rederivable(msg *models.Message) bool {
	v, _ := msg.Metadata["side_effects"].(string)
	return v == "none"
}

// recountLocked re-derives usage from session state, honoring drops.
func (m *Manager) recountLocked(session *models.Session) {
	m.usage = make(map[models.Category]int)
	for _, msg := range session.Messages {
		if _, gone := m.dropped[msg.ID]; gone {
			continue
		}
		m.usage[msg.Category] += m.EstimateMessage(msg)
	}
}

func (m *Manager) totalLocked() int {
	total := 0
	for _, v := range m.usage {
		total += v
	}
	return total
}

func isPinned(msg *models.Message) bool {
	return msg.Category == models.CategoryContext && msg.MetaBool("pinned")
}
