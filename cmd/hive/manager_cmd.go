package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"hive/internal/cluster"
	"hive/internal/codehost"
	"hive/internal/lock"
	"hive/internal/manager"
	"hive/internal/messaging"
	"hive/internal/scheduler"
	"hive/internal/session"
	"hive/internal/store"
	"hive/internal/worktree"
)

func newManagerCmd(state *rootState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "manager",
		Short: "Control the supervision daemon",
	}
	cmd.AddCommand(
		newManagerStartCmd(state),
		newManagerCheckCmd(state),
		newManagerHealthCmd(state),
		newManagerStatusCmd(state),
		newManagerStopCmd(state),
		newManagerNudgeCmd(state),
	)
	return cmd
}

// errClusterUnsupported is the role-error surfaced when config asks
// for cluster mode in a build that ships no leader-election backend.
// It carries its own exit code (> 1) at the process boundary.
var errClusterUnsupported = errors.New("cluster.enabled is set, but this build ships no cluster backend; unset it or deploy a build with one")

// buildManager assembles the full supervision stack against the
// workspace database.
func buildManager(state *rootState, db *store.Store, cfg appConfig) (*manager.Manager, error) {
	driver := session.NewTmuxDriver()
	worktrees := worktree.New(state.workspace)
	sched := scheduler.New(db, driver, worktrees, nil, state.logger, cfg.Scheduler)
	gateway := codehost.New(30*time.Second, state.logger)
	mail := messaging.New(db)

	// Leader election is an external backend; this build ships only
	// the single-node no-op, which is always leader. Refuse loudly
	// rather than let a multi-node operator believe gating is active.
	if cfg.ClusterEnabled {
		return nil, errClusterUnsupported
	}
	var clusterSync cluster.Sync = cluster.Disabled{}

	return manager.New(manager.Deps{
		Store:     db,
		Scheduler: sched,
		Driver:    driver,
		CodeHost:  gateway,
		Mail:      mail,
		Worktrees: worktrees,
		Cluster:   clusterSync,
		Logger:    state.logger,
	}, cfg.Manager), nil
}

func newManagerStartCmd(state *rootState) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the supervision daemon in the foreground",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(state.workspace)
			if err != nil {
				return err
			}
			db, err := state.openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			mgr, err := buildManager(state, db, cfg)
			if err != nil {
				return err
			}
			if err := mgr.Run(ctx, state.lockPath()); err != nil {
				if errors.Is(err, lock.ErrLockContention) {
					return fmt.Errorf("another manager holds %s; stop it first, or remove the file if its process is gone", state.lockPath())
				}
				return err
			}
			// A no-op under WAL; snapshot engines persist here.
			if err := db.SnapshotToDisk(); err != nil {
				state.logger.Warn("final snapshot failed", "error", err)
			}
			return nil
		},
	}
}

func newManagerCheckCmd(state *rootState) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Run a single supervision tick and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(state.workspace)
			if err != nil {
				return err
			}
			db, err := state.openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			mgr, err := buildManager(state, db, cfg)
			if err != nil {
				return err
			}
			if err := mgr.RunOnce(cmd.Context(), state.lockPath()); err != nil {
				if errors.Is(err, lock.ErrLockContention) {
					return fmt.Errorf("a running manager holds %s; use `hive manager stop` first", state.lockPath())
				}
				return err
			}
			return nil
		},
	}
}

func newManagerHealthCmd(state *rootState) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Reconcile agent rows with live sessions and report",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(state.workspace)
			if err != nil {
				return err
			}
			db, err := state.openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			driver := session.NewTmuxDriver()
			worktrees := worktree.New(state.workspace)
			sched := scheduler.New(db, driver, worktrees, nil, state.logger, cfg.Scheduler)
			result, err := sched.HealthCheck(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "health check: %d stories revived, %d orphaned assignments recovered\n",
				result.Revived, result.OrphanedRecovered)
			return nil
		},
	}
}

func newManagerStatusCmd(state *rootState) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether a manager daemon appears to be running",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			pid, mtime, err := readLockFile(state.lockPath())
			if err != nil {
				if os.IsNotExist(err) {
					fmt.Fprintln(out, "manager: not running (no lock file)")
					return nil
				}
				return err
			}
			fmt.Fprintf(out, "manager: lock held by pid %d (last refreshed %s)\n", pid, mtime.Format(time.RFC3339))
			return nil
		},
	}
}

func newManagerStopCmd(state *rootState) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Signal the running manager daemon to shut down",
		RunE: func(cmd *cobra.Command, _ []string) error {
			pid, _, err := readLockFile(state.lockPath())
			if err != nil {
				if os.IsNotExist(err) {
					return fmt.Errorf("no manager lock at %s; nothing to stop", state.lockPath())
				}
				return err
			}
			proc, err := os.FindProcess(pid)
			if err != nil {
				return fmt.Errorf("find manager process %d: %w", pid, err)
			}
			if err := proc.Signal(syscall.SIGTERM); err != nil {
				return fmt.Errorf("signal manager process %d: %w (remove %s if the process is gone)", pid, err, state.lockPath())
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent SIGTERM to manager pid %d\n", pid)
			return nil
		},
	}
}

func newManagerNudgeCmd(state *rootState) *cobra.Command {
	return &cobra.Command{
		Use:   "nudge <session>",
		Short: "Send a manual reminder into an agent session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			driver := session.NewTmuxDriver()
			name := args[0]
			running, err := driver.IsRunning(cmd.Context(), name)
			if err != nil {
				return err
			}
			if !running {
				return fmt.Errorf("session %s is not running", name)
			}
			if err := driver.Send(cmd.Context(), name, "Checking in: please continue with your current task."); err != nil {
				return err
			}
			return driver.SendEnter(cmd.Context(), name)
		},
	}
}

func readLockFile(path string) (pid int, mtime time.Time, err error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, time.Time{}, err
	}
	data, err := os.ReadFile(path) // #nosec G304 -- path is the workspace lock file
	if err != nil {
		return 0, time.Time{}, err
	}
	pid, err = strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("parse pid from %s: %w", path, err)
	}
	return pid, info.ModTime(), nil
}
