// ABOUTME: Terminal rendering of session updates: incremental text output,
// ABOUTME: tool call markers, and error display from message snapshots.

package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/fatih/color"

	"github.com/touwaeriol/claude-code-plus-sub005/internal/session"
)

// renderer turns message snapshots into incremental terminal output. Updates
// carry whole snapshots, so it tracks how much of each message it has
// already written and prints only the suffix.
type renderer struct {
	out  io.Writer
	msgs map[string]*renderedMessage
}

type renderedMessage struct {
	printed int
	tools   map[string]session.ToolStatus
	closed  bool
}

func newRenderer(out io.Writer) *renderer {
	return &renderer{
		out:  out,
		msgs: make(map[string]*renderedMessage),
	}
}

func (r *renderer) loop(updates <-chan session.Update) {
	for upd := range updates {
		r.apply(upd)
	}
}

func (r *renderer) apply(upd session.Update) {
	msg := upd.Message
	if msg == nil {
		return
	}

	switch msg.Role {
	case session.RoleUser:
		// The user already sees their own input; nothing to echo.
		return
	case session.RoleError:
		r.renderError(msg)
	case session.RoleAssistant:
		r.renderAssistant(msg)
	}
}

func (r *renderer) renderError(msg *session.Message) {
	state := r.state(msg.ID)
	if state.closed {
		return
	}
	state.closed = true
	fmt.Fprintln(r.out, color.RedString("[error] %s", msg.Content))
}

func (r *renderer) renderAssistant(msg *session.Message) {
	state := r.state(msg.ID)
	if state.closed {
		return
	}

	if len(msg.Content) > state.printed {
		fmt.Fprint(r.out, msg.Content[state.printed:])
		state.printed = len(msg.Content)
	}
	r.renderTools(msg, state)

	if !msg.IsStreaming {
		state.closed = true
		fmt.Fprintln(r.out)
	}
}

// renderTools prints one marker per tool call state transition, in a stable
// order so concurrent calls do not shuffle between snapshots.
func (r *renderer) renderTools(msg *session.Message, state *renderedMessage) {
	if len(msg.ToolCalls) == 0 {
		return
	}
	ids := make([]string, 0, len(msg.ToolCalls))
	for id := range msg.ToolCalls {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		call := msg.ToolCalls[id]
		if state.tools[id] == call.Status {
			continue
		}
		state.tools[id] = call.Status

		switch call.Status {
		case session.ToolRunning:
			fmt.Fprintln(r.out, color.YellowString("\n[tool] %s", call.Name))
		case session.ToolSuccess:
			fmt.Fprintln(r.out, color.GreenString("[tool done] %s", call.Name))
		case session.ToolFailed:
			fmt.Fprintln(r.out, color.RedString("[tool failed] %s: %s", call.Name, truncate(call.Result, 100)))
		case session.ToolCancelled:
			fmt.Fprintln(r.out, color.YellowString("[tool cancelled] %s", call.Name))
		}
	}
}

func (r *renderer) state(id string) *renderedMessage {
	state, ok := r.msgs[id]
	if !ok {
		state = &renderedMessage{tools: make(map[string]session.ToolStatus)}
		r.msgs[id] = state
	}
	return state
}

// truncate shortens a string to maxLen, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// terminalTab receives tab notifications for the single REPL conversation.
type terminalTab struct{}

// TitleCandidate sets the terminal window title from the first message.
func (terminalTab) TitleCandidate(tabID, text string) {
	fmt.Printf("\033]0;ccp: %s\007", truncate(text, 40))
}

// SessionReconciled announces the confirmed backend identity.
func (terminalTab) SessionReconciled(tabID, oldID, newID string) {
	color.HiBlack("[session %s]", newID)
}
