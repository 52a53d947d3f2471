package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// TmuxDriver implements Driver over the `tmux` binary: build argv,
// run, capture stdout/stderr into a buffer, wrap any error with
// context.
type TmuxDriver struct {
	// PromptDir is where file-backed initial prompts are written.
	// Defaults to os.TempDir() when empty.
	PromptDir string
	// PollInterval governs SendWithConfirmation and WaitReady polling.
	PollInterval time.Duration
}

// NewTmuxDriver returns a driver with sensible defaults.
func NewTmuxDriver() *TmuxDriver {
	return &TmuxDriver{PollInterval: 500 * time.Millisecond}
}

func (d *TmuxDriver) pollInterval() time.Duration {
	if d.PollInterval > 0 {
		return d.PollInterval
	}
	return 500 * time.Millisecond
}

func (d *TmuxDriver) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "tmux", args...) // #nosec G204 -- args are built from internal session names/paths, not raw user input
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		return stdout.String(), fmt.Errorf("session: tmux %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// Spawn creates a detached tmux session running opts.Argv in
// opts.WorkDir. When InitialPrompt is set, it is written to a file and
// appended to argv as a positional argument rather than typed in,
// since pasting a large multi-line prompt via send-keys can truncate
// or reorder under tmux's paste buffer limits.
func (d *TmuxDriver) Spawn(ctx context.Context, opts SpawnOptions) error {
	argv := append([]string(nil), opts.Argv...)
	if opts.InitialPrompt != "" {
		path, err := d.writePromptFile(opts.Name, opts.InitialPrompt)
		if err != nil {
			return fmt.Errorf("session: write prompt file for %s: %w", opts.Name, err)
		}
		argv = append(argv, path)
	}
	if len(argv) == 0 {
		return errors.New("session: spawn requires a non-empty argv")
	}

	args := []string{"new-session", "-d", "-s", opts.Name, "-c", opts.WorkDir}
	args = append(args, argv...)
	_, err := d.run(ctx, args...)
	return err
}

func (d *TmuxDriver) writePromptFile(name, prompt string) (string, error) {
	dir := d.PromptDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, "hive-prompt-"+sanitizeName(name)+".txt")
	if err := os.WriteFile(path, []byte(prompt), 0o600); err != nil {
		return "", err
	}
	return path, nil
}

func sanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// Send pastes text into the session with tmux's literal send-keys
// mode, without a trailing Enter.
func (d *TmuxDriver) Send(ctx context.Context, name, text string) error {
	_, err := d.run(ctx, "send-keys", "-t", name, "-l", text)
	return err
}

// SendEnter delivers one Enter keystroke.
func (d *TmuxDriver) SendEnter(ctx context.Context, name string) error {
	_, err := d.run(ctx, "send-keys", "-t", name, "Enter")
	return err
}

// SendWithConfirmation sends text and polls the pane buffer for
// sentinel up to maxRetries times, sleeping PollInterval between
// attempts.
func (d *TmuxDriver) SendWithConfirmation(ctx context.Context, name, text, sentinel string, maxRetries int) (bool, error) {
	if err := d.Send(ctx, name, text); err != nil {
		return false, err
	}
	if err := d.SendEnter(ctx, name); err != nil {
		return false, err
	}
	for attempt := 0; attempt < maxRetries; attempt++ {
		buf, err := d.Capture(ctx, name, 200)
		if err != nil {
			return false, err
		}
		if strings.Contains(buf, sentinel) {
			return true, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(d.pollInterval()):
		}
	}
	return false, nil
}

// Capture returns the last `lines` rows of the session's pane buffer.
func (d *TmuxDriver) Capture(ctx context.Context, name string, lines int) (string, error) {
	out, err := d.run(ctx, "capture-pane", "-t", name, "-p", "-S", "-"+strconv.Itoa(lines))
	if err != nil {
		return "", err
	}
	return out, nil
}

// Kill terminates the session. A missing session is not an error;
// cleanup stays best-effort.
func (d *TmuxDriver) Kill(ctx context.Context, name string) error {
	_, err := d.run(ctx, "kill-session", "-t", name)
	if err != nil && strings.Contains(err.Error(), "can't find session") {
		return nil
	}
	return err
}

// IsRunning reports whether a session by this name is alive.
func (d *TmuxDriver) IsRunning(ctx context.Context, name string) (bool, error) {
	_, err := d.run(ctx, "has-session", "-t", name)
	if err != nil {
		if strings.Contains(err.Error(), "can't find session") {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// List returns every live session name with the given prefix.
func (d *TmuxDriver) List(ctx context.Context, prefix string) ([]string, error) {
	out, err := d.run(ctx, "list-sessions", "-F", "#{session_name}")
	if err != nil {
		if strings.Contains(err.Error(), "no server running") || strings.Contains(err.Error(), "no current session") {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if prefix == "" || strings.HasPrefix(line, prefix) {
			names = append(names, line)
		}
	}
	return names, nil
}

// WaitReady blocks until the session produces any captured output
// (the CLI inside has drawn its first frame) or timeout elapses.
func (d *TmuxDriver) WaitReady(ctx context.Context, name string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		running, err := d.IsRunning(ctx, name)
		if err != nil {
			return err
		}
		if running {
			buf, err := d.Capture(ctx, name, 50)
			if err == nil && strings.TrimSpace(buf) != "" {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("session: %s did not become ready within %s", name, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.pollInterval()):
		}
	}
}
