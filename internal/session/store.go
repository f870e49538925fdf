// ABOUTME: Store maps UI tab ids to Sessions: lazy create, explicit dispose.
// ABOUTME: An injected object with explicit lifecycle, never a singleton.

package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/touwaeriol/claude-code-plus-sub005/internal/agent"
)

// Deps wires the collaborators a Store hands to every Session it creates.
// NewProcess is required; everything else is optional.
type Deps struct {
	// NewProcess creates the agent process handle for one tab's session.
	NewProcess func(tabID string) agent.Process
	// Metadata persists session config; failures are logged, non-fatal.
	Metadata MetadataStore
	// Tabs receives title candidates and id reconciliations.
	Tabs TabNotifier
	// Broadcaster fans transcript updates out to UI observers.
	Broadcaster *Broadcaster
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Defaults seeds each new session's generation config.
	Defaults Config
	// ProjectPath scopes metadata persistence.
	ProjectPath string
	// InterruptTimeout and PollInterval tune InterruptAndSend; zero values
	// pick the defaults (1.2s / 100ms).
	InterruptTimeout time.Duration
	PollInterval     time.Duration
}

func (d Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// Store is the process-wide registry mapping a tab id to exactly one
// Session. Sessions are created lazily on first access and never shared
// across tabs.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	deps     Deps
	logger   *slog.Logger
}

// NewStore creates a session store with the given collaborators.
func NewStore(deps Deps) *Store {
	return &Store{
		sessions: make(map[string]*Session),
		deps:     deps,
		logger:   deps.logger().With("component", "session-store"),
	}
}

// Get returns the session for a tab if one exists.
func (st *Store) Get(tabID string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[tabID]
	return s, ok
}

// GetOrCreate returns the tab's session, creating a fresh placeholder
// session on first access.
func (st *Store) GetOrCreate(tabID string) *Session {
	st.mu.RLock()
	if s, ok := st.sessions[tabID]; ok {
		st.mu.RUnlock()
		return s
	}
	st.mu.RUnlock()

	st.mu.Lock()
	defer st.mu.Unlock()
	if s, ok := st.sessions[tabID]; ok {
		return s
	}
	s := newSession(tabID, st.deps.NewProcess(tabID), st.deps)
	st.sessions[tabID] = s
	st.logger.Debug("session created", "tab_id", tabID, "session_id", s.SessionID())
	return s
}

// Resume creates the tab's session seeded with a confirmed backend
// identity, restoring persisted config when available, so the next turn
// resumes prior context across restarts. An existing session for the tab
// is returned unchanged.
func (st *Store) Resume(ctx context.Context, tabID, sessionID string) *Session {
	st.mu.Lock()
	if s, ok := st.sessions[tabID]; ok {
		st.mu.Unlock()
		return s
	}
	s := newSession(tabID, st.deps.NewProcess(tabID), st.deps)
	s.adoptSessionID(sessionID)
	st.sessions[tabID] = s
	st.mu.Unlock()

	if st.deps.Metadata != nil {
		cfg, err := st.deps.Metadata.RestoreSessionConfig(ctx, sessionID, st.deps.ProjectPath)
		if err != nil {
			st.logger.Warn("failed to restore session config", "error", err, "session_id", sessionID)
		} else {
			s.restoreConfig(cfg)
		}
	}
	st.logger.Info("session resumed", "tab_id", tabID, "session_id", sessionID)
	return s
}

// CloseTab disposes the tab's session: any live external process is
// terminated first, then observers are dropped.
func (st *Store) CloseTab(tabID string) {
	st.mu.Lock()
	s, ok := st.sessions[tabID]
	delete(st.sessions, tabID)
	st.mu.Unlock()

	if !ok {
		return
	}
	s.shutdown()
	if st.deps.Broadcaster != nil {
		st.deps.Broadcaster.CloseTab(tabID)
	}
	st.logger.Debug("session disposed", "tab_id", tabID)
}

// TabIDs lists tabs with live sessions.
func (st *Store) TabIDs() []string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	ids := make([]string, 0, len(st.sessions))
	for id := range st.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Close disposes every session.
func (st *Store) Close() {
	st.mu.Lock()
	sessions := st.sessions
	st.sessions = make(map[string]*Session)
	st.mu.Unlock()

	for tabID, s := range sessions {
		s.shutdown()
		if st.deps.Broadcaster != nil {
			st.deps.Broadcaster.CloseTab(tabID)
		}
	}
}
