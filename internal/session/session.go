// Package session abstracts over a terminal-multiplexer session
// running a single agent CLI process, and classifies its
// captured pane output into a discrete agent state. The
// driver is a pure wrapper: it has no knowledge of agents, teams, or
// stories.
package session

import (
	"context"
	"time"
)

// SpawnOptions configures a new session.
type SpawnOptions struct {
	// Name is the session's unique key, e.g. "hive-senior-acme-1".
	Name string
	// WorkDir is the directory the session's process runs in (an
	// agent's worktree).
	WorkDir string
	// Argv is the command and arguments to run inside the session.
	Argv []string
	// InitialPrompt, if non-empty, is written to a temp file and
	// appended to Argv as a file-backed positional argument rather
	// than keystroke-injected, so multi-line prompts are never
	// truncated by the terminal's paste buffer.
	InitialPrompt string
}

// Driver is the capability interface the Scheduler and Manager use to
// spawn, query, and drive terminal sessions. A concrete Driver never
// interprets the text it captures; that is the classifier's job.
type Driver interface {
	// Spawn creates a detached session running opts.Argv in
	// opts.WorkDir.
	Spawn(ctx context.Context, opts SpawnOptions) error
	// Send pastes text into the session without a trailing Enter.
	Send(ctx context.Context, name, text string) error
	// SendEnter delivers one Enter keystroke.
	SendEnter(ctx context.Context, name string) error
	// SendWithConfirmation sends text, then polls the session's
	// captured output for sentinel, retrying up to maxRetries times.
	// It returns whether the sentinel was observed.
	SendWithConfirmation(ctx context.Context, name, text, sentinel string, maxRetries int) (bool, error)
	// Capture returns the last `lines` rows of the session's pane
	// buffer as a single string.
	Capture(ctx context.Context, name string, lines int) (string, error)
	// Kill terminates the session. Killing an already-dead session is
	// not an error.
	Kill(ctx context.Context, name string) error
	// IsRunning reports whether a session by this name is alive.
	IsRunning(ctx context.Context, name string) (bool, error)
	// List returns every live session name with the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
	// WaitReady blocks until the CLI inside the session reports it
	// has finished initializing, or timeout elapses.
	WaitReady(ctx context.Context, name string, timeout time.Duration) error
}
