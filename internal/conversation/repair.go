package conversation

import (
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/penguin/pkg/models"
)

// RepairTranscript fixes tool-call pairing defects left by crashes or
// interrupted turns:
//
//   - an assistant tool call with no matching tool result gets a
//     synthetic error result inserted directly after the call, so
//     providers that require strict pairing accept the transcript;
//   - a tool-result message whose call ID matches no prior assistant
//     call is dropped.
//
// It returns the number of repairs applied. The session is modified in
// place.
func RepairTranscript(session *models.Session) int {
	repairs := 0
	known := make(map[string]bool) // call ID -> has a result
	var out []*models.Message

	for _, msg := range session.Messages {
		if msg.Category == models.CategoryToolResult {
			orphan := false
			for _, res := range msg.ToolResults {
				if _, ok := known[res.ToolCallID]; !ok {
					orphan = true
					break
				}
			}
			if orphan && len(msg.ToolResults) > 0 {
				repairs++
				continue
			}
			for _, res := range msg.ToolResults {
				known[res.ToolCallID] = true
			}
			out = append(out, msg)
			continue
		}

		if msg.Role == models.RoleAssistant {
			// Before a new assistant message, close out any unanswered
			// calls from the previous one.
			if synth := synthesizeMissing(session, known); synth != nil {
				out = append(out, synth)
				repairs++
			}
			for _, call := range msg.ToolCalls {
				known[call.ID] = false
			}
		}
		out = append(out, msg)
	}

	if synth := synthesizeMissing(session, known); synth != nil {
		out = append(out, synth)
		repairs++
	}

	session.Messages = out
	return repairs
}

// synthesizeMissing builds one TOOL_RESULT message carrying error
// results for every unanswered call, or nil when all calls are paired.
func synthesizeMissing(session *models.Session, known map[string]bool) *models.Message {
	var results []models.ToolResult
	for id, answered := range known {
		if answered {
			continue
		}
		results = append(results, models.ToolResult{
			ToolCallID: id,
			Content:    "Tool execution was interrupted before producing a result.",
			IsError:    true,
		})
		known[id] = true
	}
	if len(results) == 0 {
		return nil
	}
	return &models.Message{
		ID:          uuid.NewString(),
		SessionID:   session.ID,
		Role:        models.RoleTool,
		Category:    models.CategoryToolResult,
		ToolResults: results,
		Metadata:    map[string]any{"repaired": true},
		CreatedAt:   time.Now().UTC(),
	}
}
