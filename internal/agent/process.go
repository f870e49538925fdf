// ABOUTME: Process interface for the external agent CLI plus run options.
// ABOUTME: One Run per conversational turn; Terminate/IsAlive drive interruption.

package agent

import (
	"context"

	"github.com/touwaeriol/claude-code-plus-sub005/internal/protocol"
)

// RunOptions configures one agent invocation.
type RunOptions struct {
	// SessionID is the backend session to resume. Ignored unless Resume is set.
	SessionID string
	// Resume requests that the backend recall prior context for SessionID.
	// A placeholder session must run with Resume=false.
	Resume bool
	// WorkDir is the working directory the agent operates in.
	WorkDir string
	// Model selects the backend model. Empty means the agent's default.
	Model string
	// PermissionMode controls tool approval behavior (e.g. "acceptEdits").
	PermissionMode string
}

// Process is one conversation's handle on the external agent executable.
// Run starts a fresh invocation for a turn and streams its events; the
// channel closes when the invocation ends for any reason. A predecessor
// still alive at that point (one that ignored termination past the
// interrupt bound) never blocks Run. Terminate and IsAlive operate on the
// most recent invocation.
type Process interface {
	Run(ctx context.Context, prompt string, opts RunOptions) (<-chan *protocol.Event, error)
	Terminate() bool
	IsAlive() bool
}
