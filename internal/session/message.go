// ABOUTME: Transcript data model: Message, ToolCall, and the ordered timeline.
// ABOUTME: Timeline ops are append-only and mirror event arrival order exactly.

package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/touwaeriol/claude-code-plus-sub005/internal/protocol"
)

// Role identifies who a transcript message belongs to.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleError     Role = "error"
)

// ToolStatus is the lifecycle state of a tool invocation.
type ToolStatus string

const (
	ToolPending   ToolStatus = "pending"
	ToolRunning   ToolStatus = "running"
	ToolSuccess   ToolStatus = "success"
	ToolFailed    ToolStatus = "failed"
	ToolCancelled ToolStatus = "cancelled"
)

// ToolCall is one tool invocation within an assistant message. It is
// mutated in place when its result arrives so timeline references to it
// stay valid.
type ToolCall struct {
	ID         string
	Name       string
	Parameters map[string]any
	Status     ToolStatus
	Result     string
	StartTime  time.Time
	EndTime    time.Time
}

// TimelineItemKind discriminates timeline entries.
type TimelineItemKind int

const (
	// ItemContent is a run of assistant text.
	ItemContent TimelineItemKind = iota
	// ItemToolCall references a ToolCall in the message's ToolCalls set.
	ItemToolCall
)

// TimelineItem is one entry in a message's presentation timeline: either a
// text run or a tool-call reference, in exact arrival order.
type TimelineItem struct {
	Kind       TimelineItemKind
	Text       string // ItemContent
	ToolCallID string // ItemToolCall
	Timestamp  time.Time
}

// Message is a single transcript entry. Assistant messages stream: content
// and timeline grow while IsStreaming is true and freeze once it flips.
type Message struct {
	ID          string
	Role        Role
	Content     string
	Timeline    []TimelineItem
	ToolCalls   map[string]*ToolCall
	IsStreaming bool
	Timestamp   time.Time
	Usage       *protocol.Usage
}

func newUserMessage(text string) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Role:      RoleUser,
		Content:   text,
		Timestamp: time.Now(),
	}
}

func newAssistantMessage() *Message {
	return &Message{
		ID:          uuid.New().String(),
		Role:        RoleAssistant,
		ToolCalls:   make(map[string]*ToolCall),
		IsStreaming: true,
		Timestamp:   time.Now(),
	}
}

func newErrorMessage(text string) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Role:      RoleError,
		Content:   text,
		Timestamp: time.Now(),
	}
}

// appendContent accumulates a text delta: the last timeline item is
// extended when it is already a content run, otherwise a new run opens.
func (m *Message) appendContent(text string, now time.Time) {
	m.Content += text
	if n := len(m.Timeline); n > 0 && m.Timeline[n-1].Kind == ItemContent {
		m.Timeline[n-1].Text += text
		return
	}
	m.Timeline = append(m.Timeline, TimelineItem{
		Kind:      ItemContent,
		Text:      text,
		Timestamp: now,
	})
}

// openToolCall registers a new ToolCall and appends its timeline reference,
// implicitly closing any open content run.
func (m *Message) openToolCall(call *ToolCall, now time.Time) {
	if m.ToolCalls == nil {
		m.ToolCalls = make(map[string]*ToolCall)
	}
	m.ToolCalls[call.ID] = call
	m.Timeline = append(m.Timeline, TimelineItem{
		Kind:       ItemToolCall,
		ToolCallID: call.ID,
		Timestamp:  now,
	})
}

// updateToolCall mutates the identified ToolCall in place. Its timeline
// position never moves. Returns false when no such call exists.
func (m *Message) updateToolCall(id string, mutate func(*ToolCall)) bool {
	call, ok := m.ToolCalls[id]
	if !ok {
		return false
	}
	mutate(call)
	return true
}

// lastRunningToolCallByName walks the timeline backwards looking for the
// most recent still-running call with the given name. This is the
// correlation fallback for results that arrive without a tool-call id; it
// can mis-correlate when same-named calls run concurrently.
func (m *Message) lastRunningToolCallByName(name string) *ToolCall {
	for i := len(m.Timeline) - 1; i >= 0; i-- {
		item := m.Timeline[i]
		if item.Kind != ItemToolCall {
			continue
		}
		call := m.ToolCalls[item.ToolCallID]
		if call != nil && call.Name == name && call.Status == ToolRunning {
			return call
		}
	}
	return nil
}

// Clone returns a deep copy safe to hand to observers. The original keeps
// being mutated while streaming; clones never are.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	out.Timeline = make([]TimelineItem, len(m.Timeline))
	copy(out.Timeline, m.Timeline)
	if m.ToolCalls != nil {
		out.ToolCalls = make(map[string]*ToolCall, len(m.ToolCalls))
		for id, call := range m.ToolCalls {
			c := *call
			if call.Parameters != nil {
				c.Parameters = make(map[string]any, len(call.Parameters))
				for k, v := range call.Parameters {
					c.Parameters[k] = v
				}
			}
			out.ToolCalls[id] = &c
		}
	}
	if m.Usage != nil {
		u := *m.Usage
		out.Usage = &u
	}
	return &out
}
