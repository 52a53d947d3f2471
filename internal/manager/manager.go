// Package manager runs the singleton supervision daemon:
// a fixed-cadence tick that reconciles agent health and capacity,
// synchronizes pull-request state with the code host, forwards mail,
// classifies every live session's terminal output, and nudges,
// approves, escalates, or terminates as the classification demands.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"hive/internal/cluster"
	"hive/internal/codehost"
	"hive/internal/lock"
	"hive/internal/model"
	"hive/internal/scheduler"
	"hive/internal/session"
)

const (
	sessionPrefix  = "hive-"
	managerSession = "hive-manager"
	techLeadPrefix = "hive-tech_lead"
	qaPrefix       = "hive-qa"
	seniorPrefix   = "hive-senior"
)

// Store is the subset of *store.Store the Manager depends on, kept as
// an interface so tests can substitute an in-memory fake.
type Store interface {
	ListTeams(ctx context.Context) ([]model.Team, error)

	GetStory(ctx context.Context, id string) (model.Story, error)
	ListStoriesByStatus(ctx context.Context, statuses ...model.StoryStatus) ([]model.Story, error)
	UpdateStoryStatus(ctx context.Context, storyID string, status model.StoryStatus, clearAssignment bool) error

	ListAgents(ctx context.Context) ([]model.Agent, error)
	GetAgent(ctx context.Context, id string) (model.Agent, error)
	TerminateAgent(ctx context.Context, agentID string) error

	ListPullRequestsByTeamStatus(ctx context.Context, teamID string, status model.PullRequestStatus) ([]model.PullRequest, error)
	ListPullRequestsMissingNumber(ctx context.Context) ([]model.PullRequest, error)
	BackfillPullRequestNumber(ctx context.Context, id string, number int) error
	UpdatePullRequestStatus(ctx context.Context, id string, status model.PullRequestStatus) error
	CreatePullRequest(ctx context.Context, pr model.PullRequest) error
	GetPullRequestByStory(ctx context.Context, storyID string) (model.PullRequest, error)

	CreateLog(ctx context.Context, agentID, storyID, eventType, status, message string, metadata map[string]any) error
}

// Capacity is the slice of the Scheduler's surface the Manager invokes
// each tick: health/orphan recovery, QA and senior scaling, and the
// assignment pass that puts planned stories into idle hands.
type Capacity interface {
	HealthCheck(ctx context.Context) (scheduler.HealthResult, error)
	CheckMergeQueue(ctx context.Context, team model.Team) error
	EnsureSeniors(ctx context.Context, team model.Team) error
	AssignStories(ctx context.Context) (scheduler.AssignResult, error)
}

// CodeHost is the slice of *codehost.Gateway the Manager consumes.
type CodeHost interface {
	ListOpenPRs(ctx context.Context, repoDir, repoSlug string) ([]codehost.PullRequest, error)
	ListMergedPRs(ctx context.Context, repoDir, repoSlug string, limit int) ([]codehost.PullRequest, error)
	MergePR(ctx context.Context, repoDir string, number int, strategy string) bool
	ClosePR(ctx context.Context, repoDir string, number int) bool
}

// Messenger is the slice of *messaging.Service the Manager consumes.
type Messenger interface {
	Inbox(ctx context.Context, toSession string, includeRead bool) ([]model.Message, error)
	DeliverBatch(ctx context.Context, ids []string) error
	Escalate(ctx context.Context, fromAgentID, toAgentID, storyID, reason string) (model.Escalation, error)
	HasRecentEscalation(ctx context.Context, fromAgentID string, within time.Duration) bool
	PendingEscalations(ctx context.Context) ([]model.Escalation, error)
	Resolve(ctx context.Context, id, resolution string) error
}

// WorktreeManager is the removal half of *worktree.Manager, all the
// Manager ever needs when spinning agents down.
type WorktreeManager interface {
	Remove(ctx context.Context, worktreePath string) error
}

// Tracker receives fire-and-forget story-status pushes to an external
// issue tracker. Implementations are connectors
// external to the core; a nil Tracker disables the push.
type Tracker interface {
	PushStoryStatus(ctx context.Context, story model.Story) error
}

// Config holds the supervision daemon's tuning knobs.
type Config struct {
	// SlowPollInterval is the default tick period.
	SlowPollInterval time.Duration
	// StuckThreshold is how long an idle state must persist before the
	// session is nudged.
	StuckThreshold time.Duration
	// NudgeCooldown is the minimum gap between two nudges to the same
	// session.
	NudgeCooldown time.Duration
	// LockStale is how old the singleton lockfile's mtime may be before
	// a starting Manager steals it.
	LockStale time.Duration
	// EscalationCooldown suppresses a second escalation for the same
	// agent within the window.
	EscalationCooldown time.Duration
	// StuckStoryAge is how long an in_progress story may sit unchanged
	// before its assignee is reminded.
	StuckStoryAge time.Duration
	// PRMaxAge, when positive, skips syncing open code-host PRs older
	// than this.
	PRMaxAge time.Duration
	// MergeStrategy is passed to the code host when auto-merging
	// approved PRs ("merge", "squash", "rebase").
	MergeStrategy string
	// CaptureLines is how many pane rows each classification reads.
	CaptureLines int
	// MessageRetries bounds send_with_confirmation polling per message.
	MessageRetries int
}

// DefaultConfig is a 60-second slow poll with 30-minute escalation
// and stuck-story windows.
func DefaultConfig() Config {
	return Config{
		SlowPollInterval:   60 * time.Second,
		StuckThreshold:     5 * time.Minute,
		NudgeCooldown:      5 * time.Minute,
		LockStale:          5 * time.Minute,
		EscalationCooldown: 30 * time.Minute,
		StuckStoryAge:      30 * time.Minute,
		MergeStrategy:      "squash",
		CaptureLines:       50,
		MessageRetries:     3,
	}
}

// sessionState is the per-session in-memory tracking struct. It is
// process-local and only touched from the Manager's
// single-threaded tick loop.
type sessionState struct {
	lastState       session.AgentState
	lastStateChange time.Time
	lastNudge       time.Time
}

// Deps collects the collaborators a Manager supervises through.
type Deps struct {
	Store     Store
	Scheduler Capacity
	Driver    session.Driver
	CodeHost  CodeHost
	Mail      Messenger
	Worktrees WorktreeManager
	Cluster   cluster.Sync
	Tracker   Tracker // optional
	Logger    *slog.Logger
}

// Manager is the singleton supervision daemon.
type Manager struct {
	store     Store
	sched     Capacity
	driver    session.Driver
	host      CodeHost
	mail      Messenger
	worktrees WorktreeManager
	cluster   cluster.Sync
	tracker   Tracker
	logger    *slog.Logger
	cfg       Config

	states map[string]*sessionState
	now    func() time.Time
}

// New builds a Manager from its collaborators. A nil Cluster defaults
// to cluster.Disabled; a nil Logger to slog.Default.
func New(deps Deps, cfg Config) *Manager {
	if deps.Cluster == nil {
		deps.Cluster = cluster.Disabled{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.CaptureLines <= 0 {
		cfg.CaptureLines = 50
	}
	if cfg.MessageRetries <= 0 {
		cfg.MessageRetries = 3
	}
	return &Manager{
		store:     deps.Store,
		sched:     deps.Scheduler,
		driver:    deps.Driver,
		host:      deps.CodeHost,
		mail:      deps.Mail,
		worktrees: deps.Worktrees,
		cluster:   deps.Cluster,
		tracker:   deps.Tracker,
		logger:    deps.Logger,
		cfg:       cfg,
		states:    map[string]*sessionState{},
		now:       time.Now,
	}
}

// Run acquires the singleton lock and ticks until ctx is cancelled.
// The Manager refuses to start without the lock; a held
// lock surfaces as lock.ErrLockContention for the CLI boundary to
// explain. On cancellation the in-flight tick finishes, the lock is
// released, and Run returns nil.
func (m *Manager) Run(ctx context.Context, lockPath string) error {
	lk, err := lock.Acquire(lockPath, lock.Options{
		StaleAfter: m.cfg.LockStale,
		Retries:    3,
		RetryDelay: 200 * time.Millisecond,
	})
	if err != nil {
		return fmt.Errorf("manager: acquire singleton lock: %w", err)
	}
	defer func() {
		if relErr := lk.Release(); relErr != nil {
			m.logger.Warn("manager: release lock failed", "error", relErr)
		}
	}()

	m.logger.Info("manager started", "interval", m.cfg.SlowPollInterval)
	ticker := time.NewTicker(m.cfg.SlowPollInterval)
	defer ticker.Stop()

	m.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("manager stopping")
			return nil
		case <-ticker.C:
			if err := lk.Touch(); err != nil {
				m.logger.Warn("manager: refresh lock mtime failed", "error", err)
			}
			m.Tick(ctx)
		}
	}
}

// RunOnce acquires the lock, runs a single tick, and releases. It
// backs the `manager check` CLI surface.
func (m *Manager) RunOnce(ctx context.Context, lockPath string) error {
	lk, err := lock.Acquire(lockPath, lock.Options{
		StaleAfter: m.cfg.LockStale,
		Retries:    3,
		RetryDelay: 200 * time.Millisecond,
	})
	if err != nil {
		return fmt.Errorf("manager: acquire singleton lock: %w", err)
	}
	defer func() {
		if relErr := lk.Release(); relErr != nil {
			m.logger.Warn("manager: release lock failed", "error", relErr)
		}
	}()
	m.Tick(ctx)
	return nil
}
