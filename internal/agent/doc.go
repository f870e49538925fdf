// Package agent runs the external agent CLI and exposes its event stream.
//
// # Overview
//
// Each conversational turn is one invocation of the agent binary. The
// Process interface captures what the session core needs:
//
//   - Run(ctx, prompt, opts): start an invocation, stream protocol.Events
//   - Terminate(): signal the current invocation to stop
//   - IsAlive(): liveness query, polled during interruption
//
// CLIProcess is the production implementation. It spawns the binary with
// stream-json output, decodes stdout line by line via the protocol
// package, and forwards events on a buffered channel. The channel closes
// when the invocation ends for any reason.
//
// # Resume semantics
//
// RunOptions.Resume passes --resume <session-id> so the backend recalls
// prior context. Placeholder sessions (a provisional local id with zero
// completed turns) must run with Resume=false; the confirmed id arrives on
// the stream's START event and is reconciled by the session layer.
//
// # Failure reporting
//
// A process that exits non-zero without having emitted a terminal record
// produces a synthetic ERROR event carrying the stderr tail. A cancelled
// context ends the stream quietly with no error event.
package agent
