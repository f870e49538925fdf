// ABOUTME: Pure mapping from one protocol event to a transcript mutation.
// ABOUTME: Owns no state; callers apply the returned effect to their turn.

package session

import (
	"time"

	"github.com/touwaeriol/claude-code-plus-sub005/internal/protocol"
)

// Effect describes what applying one event did.
type Effect struct {
	// SessionID is non-empty when the event confirmed a backend identity.
	SessionID string
	// Mutated reports whether the message changed and should be republished.
	Mutated bool
	// Done reports that the turn ended with this event.
	Done bool
	// Failed distinguishes an ERROR ending from a normal END.
	Failed bool
}

// translate applies one event to msg and reports the effect. msg may be nil
// only for events that never touch the transcript (START, and correlation
// misses are tolerated as no-ops). Text deltas accumulate, never replace;
// tool events splice into the same ordered timeline as they arrive.
func translate(msg *Message, ev *protocol.Event, now time.Time) Effect {
	switch ev.Kind {
	case protocol.KindStart:
		return Effect{SessionID: ev.SessionID}

	case protocol.KindText:
		msg.appendContent(ev.Text, now)
		return Effect{Mutated: true}

	case protocol.KindToolUse:
		msg.openToolCall(&ToolCall{
			ID:         ev.ToolUse.ID,
			Name:       ev.ToolUse.Name,
			Parameters: ev.ToolUse.Input,
			Status:     ToolRunning,
			StartTime:  now,
		}, now)
		return Effect{Mutated: true}

	case protocol.KindToolResult:
		return applyToolResult(msg, ev.ToolResult, now)

	case protocol.KindError:
		msg.Role = RoleError
		msg.Content = ev.Error
		msg.IsStreaming = false
		return Effect{Mutated: true, Done: true, Failed: true}

	case protocol.KindEnd:
		msg.IsStreaming = false
		if ev.Usage != nil {
			msg.Usage = ev.Usage
		}
		return Effect{Mutated: true, Done: true}

	default:
		return Effect{}
	}
}

// applyToolResult closes the matching ToolCall in place. Matching is by id
// first, then most-recent-running-by-name. An unmatched result is dropped
// as a no-op rather than failing the turn.
func applyToolResult(msg *Message, res *protocol.ToolResult, now time.Time) Effect {
	if msg == nil || res == nil {
		return Effect{}
	}

	call := msg.ToolCalls[res.ID]
	if call == nil && res.Name != "" {
		call = msg.lastRunningToolCallByName(res.Name)
	}
	if call == nil {
		return Effect{}
	}

	call.Result = res.Output
	call.EndTime = now
	if res.IsError {
		call.Status = ToolFailed
	} else {
		call.Status = ToolSuccess
	}
	return Effect{Mutated: true}
}
