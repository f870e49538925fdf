// Package session is the conversation orchestration core.
//
// # Overview
//
// A Session owns one conversation: its backend identity, transcript,
// pending-input queue, and generation control. The Store maps UI tab ids
// to Sessions (lazy create, explicit dispose, never shared across tabs).
//
// # Turn lifecycle
//
// Send starts a turn when idle, or queues the input when one is active.
// Each turn is one generation: a goroutine that runs the external agent
// process, consumes its event stream, and applies each event's transcript
// mutation through the Session. The queue drains automatically, strictly
// FIFO, whenever a turn ends — on success, error, or cancellation alike.
//
//	IDLE -> SENDING -> STREAMING -> {COMPLETED, ERRORED, CANCELLED} -> IDLE
//
// InterruptAndSend forces the active turn into CANCELLED, polls process
// liveness (bounded), and starts the new turn directly, bypassing the
// queue.
//
// # Single writer
//
// All transcript mutation funnels through the Session's own methods under
// its lock. A generation that has been superseded (by an interrupt or tab
// close) is refused at that boundary, so a cancelled turn contributes no
// further mutation. The UI layer only ever sees deep copies, via
// Messages() or the update Broadcaster.
//
// # Identity
//
// Sessions are born with a provisional placeholder id and never pass it as
// a resume target. The confirmed id arrives on the stream's START event;
// confirmation clears the placeholder flag, notifies the tab collaborator,
// and persists metadata. Store.Resume seeds a confirmed id directly for
// resumption across restarts.
//
// # Failure semantics
//
// Turn-level failures become an error-role Message and never propagate to
// callers. Cancellation ends the stream quietly: no error message, the
// streaming flag simply flips and running tool calls are marked cancelled.
// Persistence failures are logged and never surfaced.
package session
