// ABOUTME: Interfaces the session core needs from its external collaborators.
// ABOUTME: Persistence and tab/project notification; both optional, failures non-fatal.

package session

import (
	"context"
	"time"
)

// Config is the per-session generation configuration.
type Config struct {
	Model          string
	PermissionMode string
	WorkDir        string
}

// Snapshot is the persistable view of a session's metadata.
type Snapshot struct {
	SessionID      string
	TabID          string
	Model          string
	PermissionMode string
	WorkDir        string
	CompletedTurns int
	InputTokens    int64
	OutputTokens   int64
	UpdatedAt      time.Time
}

// MetadataStore persists session metadata around identity assignment and
// turn completion. Failures are logged by the caller and never block a turn.
type MetadataStore interface {
	SaveSessionMetadata(ctx context.Context, sessionID string, snap Snapshot, projectPath string) error
	RestoreSessionConfig(ctx context.Context, sessionID, projectPath string) (*Config, error)
}

// TabNotifier receives tab-level notifications from the core: a title
// candidate on the first user message, and placeholder-to-confirmed
// session id reconciliation.
type TabNotifier interface {
	TitleCandidate(tabID, text string)
	SessionReconciled(tabID, oldID, newID string)
}
