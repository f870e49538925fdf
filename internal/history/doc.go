// Package history persists session metadata so conversations can resume
// across restarts. It is a collaborator of the session core: save/restore
// failures are logged by callers and never block a turn.
package history
