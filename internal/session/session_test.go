// ABOUTME: Turn lifecycle tests for Session using a controllable fake
// ABOUTME: process: streaming, queueing, interrupts, identity, failures.

package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/touwaeriol/claude-code-plus-sub005/internal/agent"
	"github.com/touwaeriol/claude-code-plus-sub005/internal/protocol"
)

// fakeProcess implements agent.Process with a test-fed event channel per
// run. Terminate marks the process dead without closing the stream, so
// tests can exercise events arriving after cancellation.
type fakeProcess struct {
	mu           sync.Mutex
	runErr       error
	alive        bool
	stubborn     bool // ignores Terminate, like a child trapping SIGTERM
	runs         []*fakeRun
	terminations int
}

type fakeRun struct {
	proc   *fakeProcess
	prompt string
	opts   agent.RunOptions
	events chan *protocol.Event
	closed bool
}

func (f *fakeProcess) Run(ctx context.Context, prompt string, opts agent.RunOptions) (<-chan *protocol.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.runErr != nil {
		return nil, f.runErr
	}
	r := &fakeRun{proc: f, prompt: prompt, opts: opts, events: make(chan *protocol.Event, 32)}
	f.runs = append(f.runs, r)
	f.alive = true
	return r.events, nil
}

func (f *fakeProcess) Terminate() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminations++
	if !f.alive {
		return false
	}
	if !f.stubborn {
		f.alive = false
	}
	return true
}

func (f *fakeProcess) IsAlive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive
}

func (f *fakeProcess) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

func (f *fakeProcess) run(i int) *fakeRun {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs[i]
}

// emit feeds one event to the run's consumer.
func (r *fakeRun) emit(ev *protocol.Event) {
	r.events <- ev
}

// end closes the stream and marks the process dead, like a clean exit.
func (r *fakeRun) end() {
	r.proc.mu.Lock()
	defer r.proc.mu.Unlock()
	if !r.closed {
		r.closed = true
		close(r.events)
	}
	r.proc.alive = false
}

type fakeNotifier struct {
	mu         sync.Mutex
	titles     []string
	reconciled [][3]string
}

func (n *fakeNotifier) TitleCandidate(tabID, text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.titles = append(n.titles, text)
}

func (n *fakeNotifier) SessionReconciled(tabID, oldID, newID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reconciled = append(n.reconciled, [3]string{tabID, oldID, newID})
}

func (n *fakeNotifier) titleCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.titles)
}

func (n *fakeNotifier) reconciledCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.reconciled)
}

type fakeMetadata struct {
	mu         sync.Mutex
	saves      []Snapshot
	restore    *Config
	restoreErr error
}

func (m *fakeMetadata) SaveSessionMetadata(ctx context.Context, sessionID string, snap Snapshot, projectPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves = append(m.saves, snap)
	return nil
}

func (m *fakeMetadata) RestoreSessionConfig(ctx context.Context, sessionID, projectPath string) (*Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.restoreErr != nil {
		return nil, m.restoreErr
	}
	return m.restore, nil
}

func (m *fakeMetadata) saveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.saves)
}

func (m *fakeMetadata) lastSave() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves[len(m.saves)-1]
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestSession(t *testing.T, fp *fakeProcess, deps Deps) *Session {
	t.Helper()
	deps.NewProcess = func(string) agent.Process { return fp }
	if deps.InterruptTimeout == 0 {
		deps.InterruptTimeout = 300 * time.Millisecond
	}
	if deps.PollInterval == 0 {
		deps.PollInterval = 5 * time.Millisecond
	}
	st := NewStore(deps)
	t.Cleanup(st.Close)
	return st.GetOrCreate("tab-1")
}

// textEvent, toolUseEvent, and toolResultEvent are shared with
// translate_test.go.

func startEvent(id string) *protocol.Event {
	return &protocol.Event{Kind: protocol.KindStart, SessionID: id}
}

func endEvent() *protocol.Event {
	return &protocol.Event{Kind: protocol.KindEnd}
}

func errorEvent(msg string) *protocol.Event {
	return &protocol.Event{Kind: protocol.KindError, Error: msg}
}

func TestSessionSendStreamsAssistantReply(t *testing.T) {
	fp := &fakeProcess{}
	s := newTestSession(t, fp, Deps{})

	s.Send("explain this function")
	require.True(t, s.IsGenerating())

	waitFor(t, func() bool { return fp.runCount() == 1 }, "process run")
	run := fp.run(0)
	assert.Equal(t, "explain this function", run.prompt)
	assert.False(t, run.opts.Resume, "placeholder id must never be a resume target")
	assert.Empty(t, run.opts.SessionID)

	// The assistant message is created lazily; before any event there is
	// only the user message.
	require.Len(t, s.Messages(), 1)
	assert.Equal(t, RoleUser, s.Messages()[0].Role)

	run.emit(startEvent("sess-real"))
	run.emit(textEvent("It adds "))
	run.emit(textEvent("two numbers."))
	run.emit(&protocol.Event{Kind: protocol.KindEnd, Usage: &protocol.Usage{InputTokens: 10, OutputTokens: 4}})
	run.end()

	waitFor(t, func() bool { return !s.IsGenerating() }, "turn completion")

	msgs := s.Messages()
	require.Len(t, msgs, 2)
	reply := msgs[1]
	assert.Equal(t, RoleAssistant, reply.Role)
	assert.Equal(t, "It adds two numbers.", reply.Content)
	assert.False(t, reply.IsStreaming)
	require.Len(t, reply.Timeline, 1, "contiguous deltas extend one content run")
	require.NotNil(t, reply.Usage)
	assert.Equal(t, int64(10), reply.Usage.InputTokens)

	assert.Equal(t, "sess-real", s.SessionID())
}

func TestSessionQueuedInputDrainsInOrder(t *testing.T) {
	fp := &fakeProcess{}
	s := newTestSession(t, fp, Deps{})

	s.Send("first")
	waitFor(t, func() bool { return fp.runCount() == 1 }, "first run")

	s.Send("second")
	s.Send("third")
	assert.True(t, s.HasQueuedInput())
	assert.Equal(t, 1, fp.runCount(), "no new process while a turn is active")

	// Queued inputs are visible user messages immediately.
	msgs := s.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "second", msgs[1].Content)
	assert.Equal(t, "third", msgs[2].Content)

	run := fp.run(0)
	run.emit(startEvent("sess-1"))
	run.emit(textEvent("ok"))
	run.emit(endEvent())
	run.end()

	waitFor(t, func() bool { return fp.runCount() == 2 }, "queued turn to start")
	assert.Equal(t, "second", fp.run(1).prompt)
	assert.True(t, fp.run(1).opts.Resume)
	assert.Equal(t, "sess-1", fp.run(1).opts.SessionID)

	run2 := fp.run(1)
	run2.emit(textEvent("ok"))
	run2.emit(endEvent())
	run2.end()

	waitFor(t, func() bool { return fp.runCount() == 3 }, "second queued turn to start")
	assert.Equal(t, "third", fp.run(2).prompt)
	assert.False(t, s.HasQueuedInput())
}

func TestSessionToolCallLifecycle(t *testing.T) {
	fp := &fakeProcess{}
	s := newTestSession(t, fp, Deps{})

	s.Send("read the config file")
	waitFor(t, func() bool { return fp.runCount() == 1 }, "process run")
	run := fp.run(0)

	run.emit(textEvent("Let me check."))
	run.emit(toolUseEvent("tc-1", "Read"))
	waitFor(t, func() bool {
		msgs := s.Messages()
		return len(msgs) == 2 && len(msgs[1].ToolCalls) == 1
	}, "tool call to open")

	reply := s.Messages()[1]
	call := reply.ToolCalls["tc-1"]
	require.NotNil(t, call)
	assert.Equal(t, ToolRunning, call.Status)
	require.Len(t, reply.Timeline, 2)
	assert.Equal(t, ItemContent, reply.Timeline[0].Kind)
	assert.Equal(t, ItemToolCall, reply.Timeline[1].Kind)
	assert.Equal(t, "tc-1", reply.Timeline[1].ToolCallID)

	run.emit(toolResultEvent("tc-1", "", "port: 8080", false))
	run.emit(textEvent(" The port is 8080."))
	run.emit(endEvent())
	run.end()

	waitFor(t, func() bool { return !s.IsGenerating() }, "turn completion")

	reply = s.Messages()[1]
	call = reply.ToolCalls["tc-1"]
	assert.Equal(t, ToolSuccess, call.Status)
	assert.Equal(t, "port: 8080", call.Result)
	assert.False(t, call.EndTime.IsZero())
	// Text after the tool call opens a second content run.
	require.Len(t, reply.Timeline, 3)
	assert.Equal(t, ItemContent, reply.Timeline[2].Kind)
	assert.Equal(t, " The port is 8080.", reply.Timeline[2].Text)
}

func TestSessionInterruptAndSendSupersedesTurn(t *testing.T) {
	fp := &fakeProcess{}
	s := newTestSession(t, fp, Deps{})

	s.Send("long task")
	waitFor(t, func() bool { return fp.runCount() == 1 }, "first run")
	run1 := fp.run(0)
	run1.emit(startEvent("sess-1"))
	run1.emit(textEvent("working on"))
	waitFor(t, func() bool {
		msgs := s.Messages()
		return len(msgs) == 2 && msgs[1].Content == "working on"
	}, "partial content")

	s.InterruptAndSend("stop, do this instead")

	waitFor(t, func() bool { return fp.runCount() == 2 }, "replacement run")
	assert.Equal(t, "stop, do this instead", fp.run(1).prompt)
	assert.GreaterOrEqual(t, fp.terminations, 1)
	assert.True(t, s.IsGenerating(), "new turn is active immediately")
	assert.False(t, s.HasQueuedInput(), "interrupt bypasses the queue")

	// The interrupted assistant message is finalized, not deleted.
	waitFor(t, func() bool { return !s.Messages()[1].IsStreaming }, "old message finalized")
	assert.Equal(t, "working on", s.Messages()[1].Content)

	// A straggler event from the old process must not mutate anything.
	run1.emit(textEvent(" ghost"))
	time.Sleep(50 * time.Millisecond)
	for _, m := range s.Messages() {
		assert.NotContains(t, m.Content, "ghost")
	}

	run2 := fp.run(1)
	run2.emit(textEvent("done"))
	run2.emit(endEvent())
	run2.end()
	waitFor(t, func() bool { return !s.IsGenerating() }, "new turn completion")

	msgs := s.Messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, "done", msgs[3].Content)
	// Cancellation is not an error; no error-role message anywhere.
	for _, m := range msgs {
		assert.NotEqual(t, RoleError, m.Role)
	}
}

func TestSessionInterruptCancelsRunningToolCalls(t *testing.T) {
	fp := &fakeProcess{}
	s := newTestSession(t, fp, Deps{})

	s.Send("run the tests")
	waitFor(t, func() bool { return fp.runCount() == 1 }, "first run")
	run1 := fp.run(0)
	run1.emit(toolUseEvent("tc-9", "Bash"))
	waitFor(t, func() bool {
		msgs := s.Messages()
		return len(msgs) == 2 && len(msgs[1].ToolCalls) == 1
	}, "tool call to open")

	s.InterruptAndSend("never mind")
	waitFor(t, func() bool {
		call := s.Messages()[1].ToolCalls["tc-9"]
		return call != nil && call.Status == ToolCancelled
	}, "tool call cancellation")
}

func TestSessionInterruptProceedsAfterLivenessBound(t *testing.T) {
	fp := &fakeProcess{stubborn: true}
	s := newTestSession(t, fp, Deps{InterruptTimeout: 60 * time.Millisecond, PollInterval: 5 * time.Millisecond})

	s.Send("long task")
	waitFor(t, func() bool { return fp.runCount() == 1 }, "first run")
	fp.run(0).emit(textEvent("working"))

	// The process never reports dead; the bound elapses and the
	// replacement turn starts anyway, accepting the brief overlap.
	s.InterruptAndSend("do this instead")

	waitFor(t, func() bool { return fp.runCount() == 2 }, "replacement run despite lingering process")
	assert.Equal(t, "do this instead", fp.run(1).prompt)
	assert.True(t, s.IsGenerating())
	for _, m := range s.Messages() {
		assert.NotEqual(t, RoleError, m.Role, "proceeding after the bound is not a failure")
	}
}

func TestSessionInterruptWhenIdleJustSends(t *testing.T) {
	fp := &fakeProcess{}
	s := newTestSession(t, fp, Deps{})

	s.InterruptAndSend("hello")
	waitFor(t, func() bool { return fp.runCount() == 1 }, "run")
	assert.Equal(t, "hello", fp.run(0).prompt)
	assert.Zero(t, fp.terminations)
}

func TestSessionErrorEventBecomesErrorMessage(t *testing.T) {
	fp := &fakeProcess{}
	s := newTestSession(t, fp, Deps{})

	s.Send("do something")
	waitFor(t, func() bool { return fp.runCount() == 1 }, "run")
	run := fp.run(0)
	run.emit(textEvent("partial"))
	run.emit(errorEvent("credit balance too low"))
	run.end()

	waitFor(t, func() bool { return !s.IsGenerating() }, "turn end")
	msgs := s.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, RoleError, msgs[1].Role)
	assert.Equal(t, "credit balance too low", msgs[1].Content)
	assert.False(t, msgs[1].IsStreaming)
}

func TestSessionErrorStillDrainsQueue(t *testing.T) {
	fp := &fakeProcess{}
	s := newTestSession(t, fp, Deps{})

	s.Send("first")
	waitFor(t, func() bool { return fp.runCount() == 1 }, "run")
	s.Send("second")

	run := fp.run(0)
	run.emit(errorEvent("boom"))
	run.end()

	waitFor(t, func() bool { return fp.runCount() == 2 }, "queued turn after error")
	assert.Equal(t, "second", fp.run(1).prompt)
}

func TestSessionSpawnFailureSurfacesErrorMessage(t *testing.T) {
	fp := &fakeProcess{runErr: errors.New("claude: executable not found")}
	s := newTestSession(t, fp, Deps{})

	s.Send("hello")
	waitFor(t, func() bool { return !s.IsGenerating() }, "turn end")

	msgs := s.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, RoleError, msgs[1].Role)
	assert.Contains(t, msgs[1].Content, "executable not found")
}

func TestSessionEndWithoutContentLeavesNoEmptyBubble(t *testing.T) {
	fp := &fakeProcess{}
	s := newTestSession(t, fp, Deps{})

	s.Send("noop")
	waitFor(t, func() bool { return fp.runCount() == 1 }, "run")
	run := fp.run(0)
	run.emit(startEvent("sess-1"))
	run.emit(endEvent())
	run.end()

	waitFor(t, func() bool { return !s.IsGenerating() }, "turn end")
	assert.Len(t, s.Messages(), 1)
}

func TestSessionPlaceholderConfirmedOnStart(t *testing.T) {
	fp := &fakeProcess{}
	tabs := &fakeNotifier{}
	meta := &fakeMetadata{}
	s := newTestSession(t, fp, Deps{Tabs: tabs, Metadata: meta})

	provisional := s.SessionID()
	require.NotEmpty(t, provisional)

	s.Send("hi")
	waitFor(t, func() bool { return fp.runCount() == 1 }, "run")
	run := fp.run(0)
	assert.False(t, run.opts.Resume)

	run.emit(startEvent("sess-backend"))
	run.emit(textEvent("hello"))
	run.emit(endEvent())
	run.end()

	waitFor(t, func() bool { return s.SessionID() == "sess-backend" }, "identity confirmation")
	waitFor(t, func() bool { return tabs.reconciledCount() == 1 }, "reconciliation notice")
	tabs.mu.Lock()
	rec := tabs.reconciled[0]
	tabs.mu.Unlock()
	assert.Equal(t, [3]string{"tab-1", provisional, "sess-backend"}, rec)

	waitFor(t, func() bool { return meta.saveCount() >= 1 }, "metadata save")
	assert.Equal(t, "sess-backend", meta.lastSave().SessionID)

	// The next turn resumes with the confirmed id.
	waitFor(t, func() bool { return !s.IsGenerating() }, "turn end")
	s.Send("again")
	waitFor(t, func() bool { return fp.runCount() == 2 }, "second run")
	assert.True(t, fp.run(1).opts.Resume)
	assert.Equal(t, "sess-backend", fp.run(1).opts.SessionID)
}

func TestSessionUpdateSessionIDPreservesTranscript(t *testing.T) {
	fp := &fakeProcess{}
	s := newTestSession(t, fp, Deps{})

	s.Send("hi")
	waitFor(t, func() bool { return fp.runCount() == 1 }, "run")
	run := fp.run(0)
	run.emit(startEvent("sess-1"))
	run.emit(textEvent("hello"))
	run.emit(endEvent())
	run.end()
	waitFor(t, func() bool { return !s.IsGenerating() }, "turn end")

	before := len(s.Messages())
	s.UpdateSessionID("sess-forked")
	assert.Equal(t, "sess-forked", s.SessionID())
	assert.Len(t, s.Messages(), before)
}

func TestSessionFirstSendEmitsTitleCandidateOnce(t *testing.T) {
	fp := &fakeProcess{}
	tabs := &fakeNotifier{}
	s := newTestSession(t, fp, Deps{Tabs: tabs})

	s.Send("rename this symbol everywhere")
	waitFor(t, func() bool { return tabs.titleCount() == 1 }, "title candidate")

	s.Send("and update the docs")
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, tabs.titleCount())
}

func TestSessionContextsComposeAndAreConsumed(t *testing.T) {
	fp := &fakeProcess{}
	s := newTestSession(t, fp, Deps{})

	s.AddContext("internal/session/session.go")
	s.AddContext("internal/session/session.go") // dedup
	s.AddContext("docs/notes.md")
	s.RemoveContext("docs/notes.md")
	require.Equal(t, []string{"internal/session/session.go"}, s.Contexts())

	s.Send("review this file")
	waitFor(t, func() bool { return fp.runCount() == 1 }, "run")

	prompt := fp.run(0).prompt
	assert.True(t, strings.HasPrefix(prompt, "review this file"))
	assert.Contains(t, prompt, "@internal/session/session.go")
	assert.Empty(t, s.Contexts(), "contexts are consumed at turn start")

	// The visible user message keeps the bare text.
	assert.Equal(t, "review this file", s.Messages()[0].Content)
}

func TestSessionRunOptionsCarryConfig(t *testing.T) {
	fp := &fakeProcess{}
	s := newTestSession(t, fp, Deps{Defaults: Config{Model: "opus", WorkDir: "/tmp/proj"}})

	s.SetPermissionMode("acceptEdits")
	s.Send("go")
	waitFor(t, func() bool { return fp.runCount() == 1 }, "run")

	opts := fp.run(0).opts
	assert.Equal(t, "opus", opts.Model)
	assert.Equal(t, "acceptEdits", opts.PermissionMode)
	assert.Equal(t, "/tmp/proj", opts.WorkDir)
}

func TestSessionCompletedTurnPersistsMetadata(t *testing.T) {
	fp := &fakeProcess{}
	meta := &fakeMetadata{}
	s := newTestSession(t, fp, Deps{Metadata: meta})

	s.Send("hi")
	waitFor(t, func() bool { return fp.runCount() == 1 }, "run")
	run := fp.run(0)
	run.emit(startEvent("sess-1"))
	run.emit(textEvent("hello"))
	run.emit(endEvent())
	run.end()
	waitFor(t, func() bool { return !s.IsGenerating() }, "turn end")

	waitFor(t, func() bool {
		meta.mu.Lock()
		defer meta.mu.Unlock()
		for _, snap := range meta.saves {
			if snap.CompletedTurns == 1 {
				return true
			}
		}
		return false
	}, "completion snapshot")
}
