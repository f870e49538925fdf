// ABOUTME: Session owns one conversation: identity, transcript, queue, and
// ABOUTME: generation control. All transcript mutation funnels through here.

package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/touwaeriol/claude-code-plus-sub005/internal/agent"
	"github.com/touwaeriol/claude-code-plus-sub005/internal/protocol"
)

const (
	// defaultInterruptTimeout bounds how long InterruptAndSend waits for the
	// old process to die before starting the next turn anyway.
	defaultInterruptTimeout = 1200 * time.Millisecond
	// defaultPollInterval is the liveness polling cadence while interrupting.
	defaultPollInterval = 100 * time.Millisecond
	// persistTimeout bounds collaborator persistence calls.
	persistTimeout = 5 * time.Second
)

// Session is one conversation's state, exclusively owned by its Store and
// mutated only through its own methods.
type Session struct {
	TabID string

	mu             sync.Mutex
	sessionID      string
	placeholder    bool
	completedTurns int
	usage          protocol.Usage
	messages       []*Message
	contexts       []string
	config         Config
	generating     bool
	interrupting   bool
	active         *generation
	queue          Queue

	proc        agent.Process
	meta        MetadataStore
	tabs        TabNotifier
	broadcaster *Broadcaster
	logger      *slog.Logger
	projectPath string

	interruptTimeout time.Duration
	pollInterval     time.Duration
}

func newSession(tabID string, proc agent.Process, deps Deps) *Session {
	s := &Session{
		TabID:            tabID,
		sessionID:        uuid.New().String(),
		placeholder:      true,
		config:           deps.Defaults,
		proc:             proc,
		meta:             deps.Metadata,
		tabs:             deps.Tabs,
		broadcaster:      deps.Broadcaster,
		logger:           deps.logger().With("component", "session", "tab_id", tabID),
		projectPath:      deps.ProjectPath,
		interruptTimeout: deps.InterruptTimeout,
		pollInterval:     deps.PollInterval,
	}
	if s.interruptTimeout <= 0 {
		s.interruptTimeout = defaultInterruptTimeout
	}
	if s.pollInterval <= 0 {
		s.pollInterval = defaultPollInterval
	}
	return s
}

// Send starts a turn with text if the session is idle, or queues it when a
// turn is active. Either way the input becomes a visible user message
// immediately.
func (s *Session) Send(text string) {
	s.mu.Lock()
	first := !s.hasUserMessageLocked()
	msg := newUserMessage(text)
	s.messages = append(s.messages, msg)

	if s.generating || s.interrupting {
		s.queue.Enqueue(text)
		s.logger.Debug("input queued during active turn", "queued", s.queue.Len())
	} else {
		s.startTurnLocked(text)
	}
	upd := s.updateLocked(msg)
	tabs := s.tabs
	s.mu.Unlock()

	s.publish(upd)
	if first && tabs != nil {
		go tabs.TitleCandidate(s.TabID, text)
	}
}

// InterruptAndSend cancels the active turn, waits (bounded) for the
// external process to report dead, then starts a turn for text
// immediately, bypassing the queue.
func (s *Session) InterruptAndSend(text string) {
	s.mu.Lock()
	g := s.active
	if g == nil {
		s.mu.Unlock()
		s.Send(text)
		return
	}
	s.interrupting = true
	s.mu.Unlock()

	g.Cancel()
	s.waitForProcessExit()

	s.mu.Lock()
	s.interrupting = false
	first := !s.hasUserMessageLocked()
	msg := newUserMessage(text)
	s.messages = append(s.messages, msg)
	s.startTurnLocked(text)
	upd := s.updateLocked(msg)
	tabs := s.tabs
	s.mu.Unlock()

	s.publish(upd)
	if first && tabs != nil {
		go tabs.TitleCandidate(s.TabID, text)
	}
}

// waitForProcessExit polls process liveness until it dies or the bound
// elapses. Proceeding after the bound accepts a brief risk of overlap
// rather than blocking the user indefinitely.
func (s *Session) waitForProcessExit() {
	deadline := time.Now().Add(s.interruptTimeout)
	for time.Now().Before(deadline) {
		if !s.proc.IsAlive() {
			return
		}
		time.Sleep(s.pollInterval)
	}
	s.logger.Warn("agent process still alive after interrupt timeout, proceeding")
}

// UpdateSessionID reassigns the backend identity. The transcript is always
// preserved.
func (s *Session) UpdateSessionID(id string) {
	s.mu.Lock()
	s.confirmSessionIDLocked(id)
	s.mu.Unlock()
}

// AddContext registers a pending attachment reference for the next turn.
func (s *Session) AddContext(ref string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.contexts {
		if existing == ref {
			return
		}
	}
	s.contexts = append(s.contexts, ref)
}

// RemoveContext drops one pending attachment reference.
func (s *Session) RemoveContext(ref string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.contexts {
		if existing == ref {
			s.contexts = append(s.contexts[:i], s.contexts[i+1:]...)
			return
		}
	}
}

// ClearContexts drops all pending attachment references.
func (s *Session) ClearContexts() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contexts = nil
}

// Contexts returns the pending attachment references.
func (s *Session) Contexts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.contexts))
	copy(out, s.contexts)
	return out
}

// Messages returns a point-in-time deep copy of the transcript.
func (s *Session) Messages() []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Message, len(s.messages))
	for i, m := range s.messages {
		out[i] = m.Clone()
	}
	return out
}

// SessionID returns the current identity, which may still be provisional.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// IsGenerating reports whether a turn is active (or an interrupt is in
// progress, which blocks new turns the same way).
func (s *Session) IsGenerating() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generating || s.interrupting
}

// HasQueuedInput reports whether deferred inputs are waiting.
func (s *Session) HasQueuedInput() bool {
	return s.queue.Len() > 0
}

// Usage returns cumulative token usage across completed turns.
func (s *Session) Usage() protocol.Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

// Config returns the session's generation configuration.
func (s *Session) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config
}

// SetModel updates the model for subsequent turns and persists metadata.
func (s *Session) SetModel(model string) {
	s.mu.Lock()
	s.config.Model = model
	s.saveMetadataLocked()
	s.mu.Unlock()
}

// SetPermissionMode updates tool permission behavior for subsequent turns.
func (s *Session) SetPermissionMode(mode string) {
	s.mu.Lock()
	s.config.PermissionMode = mode
	s.saveMetadataLocked()
	s.mu.Unlock()
}

// --- turn lifecycle -----------------------------------------------------

// startTurnLocked spawns the generation goroutine for one turn. A
// placeholder identity never becomes a resume target; the confirmed id
// arrives on START and is reconciled then.
func (s *Session) startTurnLocked(text string) {
	prompt := s.composePromptLocked(text)
	opts := agent.RunOptions{
		WorkDir:        s.config.WorkDir,
		Model:          s.config.Model,
		PermissionMode: s.config.PermissionMode,
	}
	if s.sessionID != "" && !s.placeholder {
		opts.SessionID = s.sessionID
		opts.Resume = true
	}

	ctx, cancel := context.WithCancel(context.Background())
	g := &generation{
		turnID: uuid.New().String(),
		s:      s,
		proc:   s.proc,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.active = g
	s.generating = true
	s.logger.Debug("turn started", "turn_id", g.turnID, "resume", opts.Resume)
	go g.run(prompt, opts)
}

// composePromptLocked appends pending context references to the outgoing
// prompt and consumes them. The visible user message stays the bare text.
func (s *Session) composePromptLocked(text string) string {
	if len(s.contexts) == 0 {
		return text
	}
	var sb strings.Builder
	sb.WriteString(text)
	sb.WriteString("\n")
	for _, ref := range s.contexts {
		sb.WriteString("\n@")
		sb.WriteString(ref)
	}
	s.contexts = nil
	return sb.String()
}

// applyEvent routes one protocol event into the transcript on behalf of a
// generation. live=false tells a superseded generation to stop: it must
// contribute no further mutation.
func (s *Session) applyEvent(g *generation, ev *protocol.Event) (done, failed, live bool) {
	s.mu.Lock()
	if s.active != g || g.ctx.Err() != nil {
		s.mu.Unlock()
		return false, false, false
	}

	if g.msg == nil {
		switch ev.Kind {
		case protocol.KindText, protocol.KindToolUse, protocol.KindError:
			g.msg = newAssistantMessage()
			s.messages = append(s.messages, g.msg)
		case protocol.KindToolResult:
			// Correlation miss before any content; dropped as a no-op.
			s.mu.Unlock()
			return false, false, true
		case protocol.KindEnd:
			// Turn produced no content: nothing to finalize, no empty bubble.
			s.mu.Unlock()
			return true, false, true
		}
	}

	eff := translate(g.msg, ev, time.Now())
	if eff.SessionID != "" {
		s.confirmSessionIDLocked(eff.SessionID)
	}
	if ev.Kind == protocol.KindEnd && ev.Usage != nil {
		s.usage.InputTokens += ev.Usage.InputTokens
		s.usage.OutputTokens += ev.Usage.OutputTokens
		s.usage.CacheReadTokens += ev.Usage.CacheReadTokens
		s.usage.CacheWriteTokens += ev.Usage.CacheWriteTokens
	}

	var upd *Update
	if eff.Mutated {
		s.replaceByIDLocked(g.msg)
		u := s.updateLocked(g.msg)
		upd = &u
	}
	s.mu.Unlock()

	if upd != nil {
		s.publish(*upd)
	}
	return eff.Done, eff.Failed, true
}

// finalizeTurn flushes the streaming flag when a turn ends without a
// terminal event (cancellation, stream cut). Running tool calls are marked
// cancelled so nothing stays "running" forever. This runs even for a
// superseded generation: g.msg belongs to this turn alone and its
// streaming flag must flip exactly once.
func (s *Session) finalizeTurn(g *generation, result outcome) {
	s.mu.Lock()
	if g.msg == nil || !g.msg.IsStreaming {
		s.mu.Unlock()
		return
	}
	g.msg.IsStreaming = false
	if result == outcomeCancelled {
		now := time.Now()
		for _, call := range g.msg.ToolCalls {
			if call.Status == ToolRunning {
				call.Status = ToolCancelled
				call.EndTime = now
			}
		}
	}
	upd := s.updateLocked(g.msg)
	s.mu.Unlock()
	s.publish(upd)
}

// turnFinished is the completion hook: it clears generation state on every
// outcome and drains the queue unless an interrupt owns the next turn.
func (s *Session) turnFinished(g *generation, result outcome) {
	s.mu.Lock()
	if s.active != g {
		s.mu.Unlock()
		return
	}
	s.active = nil
	s.generating = false
	if result == outcomeCompleted {
		s.completedTurns++
		s.saveMetadataLocked()
	}
	s.logger.Debug("turn finished", "turn_id", g.turnID, "outcome", result.String(), "queued", s.queue.Len())

	if !s.interrupting {
		if text, ok := s.queue.Dequeue(); ok {
			s.startTurnLocked(text)
		}
	}
	upd := s.updateLocked(nil)
	s.mu.Unlock()
	s.publish(upd)
}

// recordProcessFailure surfaces a spawn failure as an error-role message.
// Nothing propagates to callers.
func (s *Session) recordProcessFailure(g *generation, err error) {
	s.logger.Error("agent process failed to start", "error", err)
	s.mu.Lock()
	if s.active != g {
		s.mu.Unlock()
		return
	}
	msg := newErrorMessage(fmt.Sprintf("agent process failed to start: %v", err))
	s.messages = append(s.messages, msg)
	upd := s.updateLocked(msg)
	s.mu.Unlock()
	s.publish(upd)
}

// confirmSessionIDLocked records or reassigns the backend identity,
// reconciling a placeholder id and persisting metadata. The transcript is
// never touched.
func (s *Session) confirmSessionIDLocked(id string) {
	if id == "" {
		return
	}
	old := s.sessionID
	if id == old {
		s.placeholder = false
		return
	}
	s.sessionID = id
	s.placeholder = false
	s.logger.Info("session identity assigned", "session_id", id, "previous", old)
	if s.tabs != nil && old != "" {
		go s.tabs.SessionReconciled(s.TabID, old, id)
	}
	s.saveMetadataLocked()
}

// saveMetadataLocked persists a metadata snapshot in the background with
// its own timeout. Persistence failures are logged and never block a turn.
func (s *Session) saveMetadataLocked() {
	if s.meta == nil || s.sessionID == "" || s.placeholder {
		return
	}
	snap := Snapshot{
		SessionID:      s.sessionID,
		TabID:          s.TabID,
		Model:          s.config.Model,
		PermissionMode: s.config.PermissionMode,
		WorkDir:        s.config.WorkDir,
		CompletedTurns: s.completedTurns,
		InputTokens:    s.usage.InputTokens,
		OutputTokens:   s.usage.OutputTokens,
		UpdatedAt:      time.Now(),
	}
	meta, id, project, logger := s.meta, s.sessionID, s.projectPath, s.logger
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := meta.SaveSessionMetadata(ctx, id, snap, project); err != nil {
			logger.Error("failed to save session metadata", "error", err, "session_id", id)
		}
	}()
}

// restoreConfig applies persisted per-session configuration, keeping
// current values where the restored ones are empty.
func (s *Session) restoreConfig(cfg *Config) {
	if cfg == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.Model != "" {
		s.config.Model = cfg.Model
	}
	if cfg.PermissionMode != "" {
		s.config.PermissionMode = cfg.PermissionMode
	}
	if cfg.WorkDir != "" {
		s.config.WorkDir = cfg.WorkDir
	}
}

// adoptSessionID seeds a confirmed identity on a freshly created session,
// used when resuming a known session across restarts.
func (s *Session) adoptSessionID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionID = id
	s.placeholder = false
}

// shutdown terminates any live turn and process. Called on tab close.
func (s *Session) shutdown() {
	s.mu.Lock()
	g := s.active
	s.active = nil
	s.generating = false
	s.mu.Unlock()

	if g != nil {
		g.Cancel()
	}
	if s.proc.IsAlive() {
		s.proc.Terminate()
	}
}

// --- helpers (lock held) --------------------------------------------------

func (s *Session) hasUserMessageLocked() bool {
	for _, m := range s.messages {
		if m.Role == RoleUser {
			return true
		}
	}
	return false
}

// replaceByIDLocked publishes msg back into the transcript by id,
// appending when absent.
func (s *Session) replaceByIDLocked(msg *Message) {
	for i, existing := range s.messages {
		if existing.ID == msg.ID {
			s.messages[i] = msg
			return
		}
	}
	s.messages = append(s.messages, msg)
}

// updateLocked builds a broadcast Update with a snapshot of msg (nil for
// flag-only updates) and the current flags.
func (s *Session) updateLocked(msg *Message) Update {
	return Update{
		TabID:          s.TabID,
		Message:        msg.Clone(),
		IsGenerating:   s.generating || s.interrupting,
		HasQueuedInput: s.queue.Len() > 0,
	}
}

func (s *Session) publish(upd Update) {
	if s.broadcaster != nil {
		s.broadcaster.Publish(upd)
	}
}
