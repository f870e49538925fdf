// ABOUTME: One in-flight turn: consumes the process event stream and applies
// ABOUTME: mutations through the owning Session until terminal or cancelled.

package session

import (
	"context"

	"github.com/touwaeriol/claude-code-plus-sub005/internal/agent"
)

// outcome classifies how a turn ended.
type outcome int

const (
	outcomeCompleted outcome = iota
	outcomeErrored
	outcomeCancelled
)

func (o outcome) String() string {
	switch o {
	case outcomeCompleted:
		return "completed"
	case outcomeErrored:
		return "errored"
	case outcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// generation is the handle for one turn. All per-turn accumulator state
// (the lazily created assistant message) lives here, never outside the
// turn's scope. Transcript mutation always goes through the Session so the
// Session stays the single logical writer.
type generation struct {
	turnID string
	s      *Session
	proc   agent.Process
	ctx    context.Context
	cancel context.CancelFunc

	// msg is this turn's assistant message, created lazily on the first
	// content-bearing event. Guarded by the Session's lock.
	msg *Message

	done chan struct{}
}

// Cancel requests cooperative cancellation: the event loop stops at its
// next suspension point and the external process is signalled. Mutations
// already applied are never undone.
func (g *generation) Cancel() {
	g.cancel()
	g.proc.Terminate()
}

// Done closes when the turn's event loop has fully exited.
func (g *generation) Done() <-chan struct{} {
	return g.done
}

// run is the turn body. Every exit path reports back to the Session so
// isGenerating/activeGeneration are cleared unconditionally.
func (g *generation) run(prompt string, opts agent.RunOptions) {
	defer close(g.done)

	events, err := g.proc.Run(g.ctx, prompt, opts)
	if err != nil {
		g.s.recordProcessFailure(g, err)
		g.s.turnFinished(g, outcomeErrored)
		return
	}

	result := outcomeCompleted
loop:
	for {
		select {
		case <-g.ctx.Done():
			result = outcomeCancelled
			break loop

		case ev, ok := <-events:
			if !ok {
				// Stream ended without a terminal record; treat as a
				// normal end so the message still gets finalized.
				break loop
			}
			done, failed, live := g.s.applyEvent(g, ev)
			if !live {
				result = outcomeCancelled
				break loop
			}
			if done {
				if failed {
					result = outcomeErrored
				}
				break loop
			}
		}
	}

	g.s.finalizeTurn(g, result)
	g.s.turnFinished(g, result)
}
