// Command hive is the operator CLI for the hive orchestrator: it
// starts and inspects the Manager daemon, lists workflow state, and
// drives the inter-session mailbox. The planning wizard and
// issue-tracker connectors are deliberately external; subcommands that
// need them report so and exit non-zero.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"hive/internal/store"
)

const (
	dbFileName   = "hive.db"
	lockFileName = "manager.lock"
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorLine(err))
		if errors.Is(err, errClusterUnsupported) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// errorLine is the user-visible failure line: red on a terminal,
// plain when piped.
func errorLine(err error) string {
	if isatty.IsTerminal(os.Stderr.Fd()) {
		return ansiRed + "error: " + err.Error() + ansiReset
	}
	return "error: " + err.Error()
}

// rootState carries the flags and lazily-built collaborators shared by
// every subcommand.
type rootState struct {
	workspace string
	logger    *slog.Logger
}

func newRootCmd() *cobra.Command {
	state := &rootState{}

	root := &cobra.Command{
		Use:           "hive",
		Short:         "Multi-agent software-development orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			state.logger = newLogger()
		},
	}
	root.PersistentFlags().StringVar(&state.workspace, "workspace", ".hive", "workspace directory holding the database, lock, and config")

	root.AddCommand(
		newManagerCmd(state),
		newStatusCmd(state),
		newStoriesCmd(state),
		newPRCmd(state),
		newMsgCmd(state),
		newAddRepoCmd(state),
		newStubCmd("init", "Interactive workspace setup"),
		newStubCmd("req", "Create a requirement from text or an epic URL"),
		newStubCmd("approvals", "List and answer pending human escalations"),
	)
	return root
}

// newLogger builds the root logger once, before command dispatch: a
// colorized handler for human operators on a terminal, JSON when
// piped or daemonized.
func newLogger() *slog.Logger {
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		return slog.New(newColorHandler(os.Stderr, slog.LevelInfo))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func (s *rootState) dbPath() string   { return filepath.Join(s.workspace, dbFileName) }
func (s *rootState) lockPath() string { return filepath.Join(s.workspace, lockFileName) }

// openStore opens the workspace database, creating the workspace
// directory on first use.
func (s *rootState) openStore() (*store.Store, error) {
	if err := os.MkdirAll(s.workspace, 0o750); err != nil {
		return nil, fmt.Errorf("create workspace %s: %w", s.workspace, err)
	}
	db, err := store.Open(s.dbPath(), s.logger)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w (a backup may exist at %s.bak)", s.dbPath(), err, s.dbPath())
	}
	return db, nil
}

// newStubCmd documents a surface whose implementation lives outside
// the core (wizard, issue-tracker connectors, TUI). Exit code 1, per
// the user-error convention.
func newStubCmd(use, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return fmt.Errorf("%s is not wired in this build: it requires the setup wizard / issue-tracker connector layer", use)
		},
	}
}
