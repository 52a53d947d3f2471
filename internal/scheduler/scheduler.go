// Package scheduler owns planning, assignment, capacity, and recovery
// for the hive: dependency-ordered assignment of planned
// stories to idle agents, tiered by complexity, plus QA and senior
// headcount scaling and orphan recovery.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"hive/internal/model"
	"hive/internal/session"
)

// spawnReadyTimeout bounds how long SpawnAgent waits for a freshly
// spawned session to draw its first frame.
const spawnReadyTimeout = 30 * time.Second

// Store is the subset of *store.Store the Scheduler depends on, kept
// as an interface so tests can substitute an in-memory fake.
type Store interface {
	GetStory(ctx context.Context, id string) (model.Story, error)
	ListStoriesByStatus(ctx context.Context, statuses ...model.StoryStatus) ([]model.Story, error)
	ListStoriesByTeam(ctx context.Context, teamID string) ([]model.Story, error)
	ListStoriesByAgent(ctx context.Context, agentID string) ([]model.Story, error)
	ListStoryDependencies(ctx context.Context, storyIDs []string) ([]model.StoryDependency, error)
	AssignStory(ctx context.Context, storyID, agentID string) error
	UpdateStoryStatus(ctx context.Context, storyID string, status model.StoryStatus, clearAssignment bool) error

	ListTeams(ctx context.Context) ([]model.Team, error)
	GetTeam(ctx context.Context, id string) (model.Team, error)

	CreateAgent(ctx context.Context, a model.Agent) error
	GetAgent(ctx context.Context, id string) (model.Agent, error)
	ListAgents(ctx context.Context) ([]model.Agent, error)
	ListAgentsByTeam(ctx context.Context, teamID string) ([]model.Agent, error)
	UpdateAgentStatus(ctx context.Context, agentID string, status model.AgentStatus, clearStory bool) error
	TerminateAgent(ctx context.Context, agentID string) error
	CountTechLeads(ctx context.Context) (int, error)

	CreateLog(ctx context.Context, agentID, storyID, eventType, status, message string, metadata map[string]any) error
}

// WorktreeManager is the subset of *worktree.Manager the Scheduler
// needs, kept as an interface so tests can substitute a fake rather
// than shelling to real git.
type WorktreeManager interface {
	Create(ctx context.Context, agentID, teamID, repoPath string) (string, error)
	Remove(ctx context.Context, worktreePath string) error
}

// Scheduler assigns stories to agents, scales QA/senior headcount, and
// reconciles live sessions with persisted agent rows.
type Scheduler struct {
	store     Store
	driver    session.Driver
	worktrees WorktreeManager
	builder   session.CLIRuntimeBuilder
	logger    *slog.Logger
	cfg       Config

	titleCaser cases.Caser
}

// New builds a Scheduler. builder may be nil, in which case
// session.DefaultCLIRuntimeBuilder is used.
func New(store Store, driver session.Driver, worktrees WorktreeManager, builder session.CLIRuntimeBuilder, logger *slog.Logger, cfg Config) *Scheduler {
	if builder == nil {
		builder = session.DefaultCLIRuntimeBuilder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:      store,
		driver:     driver,
		worktrees:  worktrees,
		builder:    builder,
		logger:     logger,
		cfg:        cfg,
		titleCaser: cases.Title(language.English),
	}
}

// AssignResult summarizes one assign_stories() pass.
type AssignResult struct {
	Assigned            int
	PreventedDuplicates int
}

// AssignStories reads every planned story, topologically sorts the
// set, groups by team, and greedily assigns each story in order to
// the least-loaded idle candidate of the right tier, spawning agents
// as needed.
func (s *Scheduler) AssignStories(ctx context.Context) (AssignResult, error) {
	var result AssignResult

	planned, err := s.store.ListStoriesByStatus(ctx, model.StoryPlanned)
	if err != nil {
		return result, fmt.Errorf("scheduler: list planned stories: %w", err)
	}
	if len(planned) == 0 {
		return result, nil
	}

	ids := make([]string, len(planned))
	for i, st := range planned {
		ids[i] = st.ID
	}
	deps, err := s.store.ListStoryDependencies(ctx, ids)
	if err != nil {
		return result, fmt.Errorf("scheduler: list dependencies: %w", err)
	}

	sorted, err := TopologicalSort(planned, deps)
	if err != nil {
		s.logger.Error("scheduler: dependency cycle, assigning nothing", "error", err)
		return result, err
	}

	byTeam := make(map[string][]model.Story)
	var teamOrder []string
	for _, st := range sorted {
		if _, ok := byTeam[st.TeamID]; !ok {
			teamOrder = append(teamOrder, st.TeamID)
		}
		byTeam[st.TeamID] = append(byTeam[st.TeamID], st)
	}

	satisfiedCache := make(map[string]bool, len(sorted))
	depsByStory := make(map[string][]string, len(sorted))
	for _, d := range deps {
		depsByStory[d.StoryID] = append(depsByStory[d.StoryID], d.DependsOnID)
	}

	for _, teamID := range teamOrder {
		if teamID == "" {
			continue
		}
		team, err := s.store.GetTeam(ctx, teamID)
		if err != nil {
			s.logger.Warn("scheduler: team lookup failed, skipping", "team_id", teamID, "error", err)
			continue
		}

		agents, err := s.store.ListAgentsByTeam(ctx, teamID)
		if err != nil {
			s.logger.Warn("scheduler: list agents failed, skipping team", "team_id", teamID, "error", err)
			continue
		}

		if err := s.ensureSenior(ctx, team, agents); err != nil {
			s.logger.Warn("scheduler: ensure senior failed", "team_id", teamID, "error", err)
		}
		// Re-read agents: ensureSenior may have spawned one.
		agents, err = s.store.ListAgentsByTeam(ctx, teamID)
		if err != nil {
			s.logger.Warn("scheduler: list agents failed after ensure-senior", "team_id", teamID, "error", err)
			continue
		}

		idle := idleNonQAAgents(agents)

		for _, st := range byTeam[teamID] {
			if st.AssignedAgentID != "" {
				result.PreventedDuplicates++
				s.emit(ctx, "", st.ID, model.EventDuplicateAssignmentPrevented, "skipped story already assigned")
				continue
			}

			if !s.dependenciesSatisfied(ctx, st, depsByStory, satisfiedCache) {
				continue
			}

			complexity := st.ComplexityScore
			if complexity <= 0 {
				complexity = 5
			}
			tier := s.tierFor(complexity)

			candidate, candErr := s.pickOrSpawn(ctx, team, idle, tier)
			if candErr != nil {
				s.logger.Warn("scheduler: no candidate available for story", "story_id", st.ID, "tier", tier, "error", candErr)
				continue
			}

			if err := s.store.AssignStory(ctx, st.ID, candidate.ID); err != nil {
				s.logger.Warn("scheduler: assign story failed", "story_id", st.ID, "agent_id", candidate.ID, "error", err)
				continue
			}
			s.emit(ctx, candidate.ID, st.ID, model.EventStoryAssigned, "assigned to "+candidate.SessionName)
			result.Assigned++

			// The candidate is now busy; drop it from the idle pool and
			// replace it in the agent list so queue-depth math for the
			// next story in this team stays accurate.
			idle = removeAgent(idle, candidate.ID)
			for i := range agents {
				if agents[i].ID == candidate.ID {
					agents[i].Status = model.AgentWorking
					agents[i].CurrentStoryID = st.ID
				}
			}
		}
	}

	return result, nil
}

func (s *Scheduler) dependenciesSatisfied(ctx context.Context, st model.Story, depsByStory map[string][]string, cache map[string]bool) bool {
	return s.allPrereqsSatisfied(ctx, depsByStory[st.ID], cache)
}

func (s *Scheduler) allPrereqsSatisfied(ctx context.Context, prereqIDs []string, cache map[string]bool) bool {
	for _, id := range prereqIDs {
		if ok, seen := cache[id]; seen {
			if !ok {
				return false
			}
			continue
		}
		st, err := s.getStoryStatus(ctx, id)
		satisfied := err == nil && model.DependencySatisfyingStatuses[st]
		cache[id] = satisfied
		if !satisfied {
			return false
		}
	}
	return true
}

func (s *Scheduler) getStoryStatus(ctx context.Context, storyID string) (model.StoryStatus, error) {
	st, err := s.store.GetStory(ctx, storyID)
	if err != nil {
		return "", err
	}
	return st.Status, nil
}

func (s *Scheduler) tierFor(complexity int) model.AgentType {
	switch {
	case complexity <= s.cfg.JuniorMaxComplexity:
		return model.AgentJunior
	case complexity <= s.cfg.IntermediateMaxComplexity:
		return model.AgentIntermediate
	default:
		return model.AgentSenior
	}
}

func idleNonQAAgents(agents []model.Agent) []model.Agent {
	var out []model.Agent
	for _, a := range agents {
		if a.Status == model.AgentIdle && a.Type != model.AgentQA {
			out = append(out, a)
		}
	}
	return out
}

func removeAgent(agents []model.Agent, id string) []model.Agent {
	out := agents[:0:0]
	for _, a := range agents {
		if a.ID != id {
			out = append(out, a)
		}
	}
	return out
}

// queueDepth counts stories assigned to an agent that are still
// in-flight, for the least-loaded candidate tie-break.
func (s *Scheduler) queueDepth(ctx context.Context, agentID string) int {
	stories, err := s.store.ListStoriesByAgent(ctx, agentID)
	if err != nil {
		return 0
	}
	n := 0
	for _, st := range stories {
		switch st.Status {
		case model.StoryInProgress, model.StoryReview, model.StoryQA, model.StoryQAFailed:
			n++
		}
	}
	return n
}

func (s *Scheduler) pickOrSpawn(ctx context.Context, team model.Team, idle []model.Agent, tier model.AgentType) (model.Agent, error) {
	var candidates []model.Agent
	for _, a := range idle {
		if a.Type == tier {
			candidates = append(candidates, a)
		}
	}
	if len(candidates) > 0 {
		sort.SliceStable(candidates, func(i, j int) bool {
			di, dj := s.queueDepth(ctx, candidates[i].ID), s.queueDepth(ctx, candidates[j].ID)
			if di != dj {
				return di < dj
			}
			return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
		})
		return candidates[0], nil
	}

	// No idle candidate at this tier: spawn one, falling back to the
	// next tier up on failure.
	for _, t := range tierEscalation(tier) {
		agent, err := s.SpawnAgent(ctx, t, team.ID, team.Name, team.RepoPath, 0)
		if err == nil {
			return agent, nil
		}
		s.logger.Warn("scheduler: spawn failed, escalating tier", "tier", t, "error", err)
	}
	return model.Agent{}, fmt.Errorf("scheduler: no spawnable tier for %s", tier)
}

func tierEscalation(tier model.AgentType) []model.AgentType {
	switch tier {
	case model.AgentJunior:
		return []model.AgentType{model.AgentJunior, model.AgentIntermediate, model.AgentSenior}
	case model.AgentIntermediate:
		return []model.AgentType{model.AgentIntermediate, model.AgentSenior}
	default:
		return []model.AgentType{model.AgentSenior}
	}
}

func (s *Scheduler) ensureSenior(ctx context.Context, team model.Team, agents []model.Agent) error {
	for _, a := range agents {
		if a.Type == model.AgentSenior && a.Status != model.AgentTerminated {
			return nil
		}
	}
	_, err := s.SpawnAgent(ctx, model.AgentSenior, team.ID, team.Name, team.RepoPath, 0)
	return err
}

// ErrTechLeadExists is returned by SpawnAgent when a second tech lead
// is requested: at most one runs process-wide.
var ErrTechLeadExists = errors.New("scheduler: a tech lead is already running")

// SpawnAgent handles session naming, idempotent reuse
// of a live session, worktree creation, CLI spawn, wait_ready, forced
// bypass-permissions mode, and row persistence.
func (s *Scheduler) SpawnAgent(ctx context.Context, agentType model.AgentType, teamID, teamName, repoPath string, index int) (model.Agent, error) {
	sessionName := s.sessionName(agentType, teamName, index)

	existing, err := s.findLiveAgentForSession(ctx, teamID, sessionName)
	if err == nil {
		return existing, nil
	}

	if agentType == model.AgentTechLead {
		n, err := s.store.CountTechLeads(ctx)
		if err != nil {
			return model.Agent{}, fmt.Errorf("scheduler: count tech leads: %w", err)
		}
		if n > 0 {
			return model.Agent{}, ErrTechLeadExists
		}
	}

	agentID := uuid.NewString()
	worktreePath, err := s.worktrees.Create(ctx, agentID, teamID, repoPath)
	if err != nil {
		return model.Agent{}, fmt.Errorf("scheduler: create worktree: %w", err)
	}

	tierModel := s.cfg.Models[string(agentType)]
	argv := s.builder.BuildSpawnCommand(tierModel.CLITool, tierModel.Model, tierModel.Safety)

	if err := s.driver.Spawn(ctx, session.SpawnOptions{
		Name:          sessionName,
		WorkDir:       worktreePath,
		Argv:          argv,
		InitialPrompt: s.initialPrompt(agentType),
	}); err != nil {
		return model.Agent{}, fmt.Errorf("scheduler: spawn session %s: %w", sessionName, err)
	}

	if err := s.driver.WaitReady(ctx, sessionName, spawnReadyTimeout); err != nil {
		return model.Agent{}, fmt.Errorf("scheduler: session %s never became ready: %w", sessionName, err)
	}

	if err := s.forceBypassMode(ctx, sessionName); err != nil {
		s.logger.Warn("scheduler: force bypass mode failed", "session", sessionName, "error", err)
	}

	agent := model.Agent{
		ID:           agentID,
		Type:         agentType,
		TeamID:       teamID,
		SessionName:  sessionName,
		Model:        tierModel.Model,
		CLITool:      tierModel.CLITool,
		Status:       model.AgentIdle,
		WorktreePath: worktreePath,
	}
	if err := s.store.CreateAgent(ctx, agent); err != nil {
		return model.Agent{}, fmt.Errorf("scheduler: persist agent: %w", err)
	}

	return agent, nil
}

func (s *Scheduler) findLiveAgentForSession(ctx context.Context, teamID, sessionName string) (model.Agent, error) {
	agents, err := s.store.ListAgentsByTeam(ctx, teamID)
	if err != nil {
		return model.Agent{}, err
	}
	for _, a := range agents {
		if a.SessionName == sessionName && a.Status != model.AgentTerminated {
			live, err := s.driver.IsRunning(ctx, sessionName)
			if err == nil && live {
				return a, nil
			}
		}
	}
	return model.Agent{}, fmt.Errorf("scheduler: no live agent for session %s", sessionName)
}

func (s *Scheduler) sessionName(agentType model.AgentType, teamName string, index int) string {
	slug := slugify(teamName)
	if index > 0 {
		return fmt.Sprintf("hive-%s-%s-%d", agentType, slug, index)
	}
	return fmt.Sprintf("hive-%s-%s", agentType, slug)
}

func slugify(name string) string {
	var b strings.Builder
	prevDash := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			prevDash = false
		default:
			if !prevDash {
				b.WriteByte('-')
				prevDash = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}

func (s *Scheduler) initialPrompt(agentType model.AgentType) string {
	return fmt.Sprintf("You are the %s agent for this team. Wait for your first assignment.", s.titleCaser.String(string(agentType)))
}

func (s *Scheduler) forceBypassMode(ctx context.Context, sessionName string) error {
	const maxRetries = 3
	var lastErr error
	for i := 0; i < maxRetries; i++ {
		if err := s.driver.Send(ctx, sessionName, session.BypassModeMarker()); err != nil {
			lastErr = err
			continue
		}
		if err := s.driver.SendEnter(ctx, sessionName); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

func (s *Scheduler) emit(ctx context.Context, agentID, storyID, eventType, message string) {
	if err := s.store.CreateLog(ctx, agentID, storyID, eventType, "", message, nil); err != nil {
		s.logger.Warn("scheduler: emit event failed", "event_type", eventType, "error", err)
	}
}

// CheckMergeQueue scales QA headcount to
// min(5, ceil(pending/2.5)) where pending counts stories in {qa,
// pr_submitted} for the team.
func (s *Scheduler) CheckMergeQueue(ctx context.Context, team model.Team) error {
	stories, err := s.store.ListStoriesByTeam(ctx, team.ID)
	if err != nil {
		return fmt.Errorf("scheduler: list stories for merge queue: %w", err)
	}
	pending := 0
	for _, st := range stories {
		if st.Status == model.StoryQA || st.Status == model.StoryPRSubmitted {
			pending++
		}
	}

	agents, err := s.store.ListAgentsByTeam(ctx, team.ID)
	if err != nil {
		return fmt.Errorf("scheduler: list agents for merge queue: %w", err)
	}
	var qaAgents []model.Agent
	for _, a := range agents {
		if a.Type == model.AgentQA && a.Status != model.AgentTerminated {
			qaAgents = append(qaAgents, a)
		}
	}

	needed := neededQAAgents(pending)
	current := len(qaAgents)

	if needed > current {
		deficit := needed - current
		g, gctx := errgroup.WithContext(ctx)
		for i := 0; i < deficit; i++ {
			index := current + i + 1
			g.Go(func() error {
				_, err := s.SpawnAgent(gctx, model.AgentQA, team.ID, team.Name, team.RepoPath, index)
				return err
			})
		}
		if err := g.Wait(); err != nil {
			s.logger.Warn("scheduler: qa scale-up had failures", "team_id", team.ID, "error", err)
		}
		return nil
	}

	if needed < current {
		// Highest-indexed sessions go first, so the stable low-indexed
		// workers survive a partial scale-down.
		sort.SliceStable(qaAgents, func(i, j int) bool {
			return qaAgents[i].SessionName > qaAgents[j].SessionName
		})
		excess := current - needed
		for i := 0; i < excess && i < len(qaAgents); i++ {
			a := qaAgents[i]
			if err := s.driver.Kill(ctx, a.SessionName); err != nil {
				s.logger.Warn("scheduler: kill qa session failed", "session", a.SessionName, "error", err)
			}
			if err := s.worktrees.Remove(ctx, a.WorktreePath); err != nil {
				s.emit(ctx, a.ID, "", model.EventWorktreeRemovalFailed, err.Error())
			}
			if err := s.store.TerminateAgent(ctx, a.ID); err != nil {
				s.logger.Warn("scheduler: terminate qa agent failed", "agent_id", a.ID, "error", err)
			}
		}
		if err := s.store.CreateLog(ctx, "", "", model.EventTeamScaledDown, "",
			fmt.Sprintf("qa pool for %s scaled %d -> %d", team.Name, current, needed),
			map[string]any{"previousCount": current, "newCount": needed}); err != nil {
			s.logger.Warn("scheduler: emit scale-down event failed", "team_id", team.ID, "error", err)
		}
	}

	return nil
}

func neededQAAgents(pending int) int {
	if pending == 0 {
		return 0
	}
	return capAt5(ceilDiv25(pending))
}

func ceilDiv25(pending int) int {
	// ceil(pending / 2.5) == ceil(pending*2 / 5)
	return (pending*2 + 4) / 5
}

func capAt5(n int) int {
	if n > 5 {
		return 5
	}
	return n
}

// EnsureSeniors spawns senior agents until
// ceil(team_story_points / senior_capacity) are present. Seniors are
// never scaled down here.
func (s *Scheduler) EnsureSeniors(ctx context.Context, team model.Team) error {
	stories, err := s.store.ListStoriesByTeam(ctx, team.ID)
	if err != nil {
		return fmt.Errorf("scheduler: list stories for senior scaling: %w", err)
	}
	points := 0
	for _, st := range stories {
		switch st.Status {
		case model.StoryInProgress, model.StoryReview, model.StoryQA, model.StoryQAFailed, model.StoryPRSubmitted, model.StoryPlanned:
			points += st.CapacityPoints()
		}
	}
	if points == 0 || s.cfg.SeniorCapacity <= 0 {
		return nil
	}
	needed := (points + s.cfg.SeniorCapacity - 1) / s.cfg.SeniorCapacity

	agents, err := s.store.ListAgentsByTeam(ctx, team.ID)
	if err != nil {
		return fmt.Errorf("scheduler: list agents for senior scaling: %w", err)
	}
	current := 0
	for _, a := range agents {
		if a.Type == model.AgentSenior && a.Status != model.AgentTerminated {
			current++
		}
	}

	for i := current; i < needed; i++ {
		if _, err := s.SpawnAgent(ctx, model.AgentSenior, team.ID, team.Name, team.RepoPath, i+1); err != nil {
			s.logger.Warn("scheduler: senior scale-up spawn failed", "team_id", team.ID, "error", err)
		}
	}
	return nil
}

// HealthResult summarizes one health_check() pass.
type HealthResult struct {
	Revived           int
	OrphanedRecovered int
}

// HealthCheck compares non-terminated agents
// to live session names, terminating and cleaning up any agent whose
// session has died, and recovers stories left pointing at a
// terminated agent.
func (s *Scheduler) HealthCheck(ctx context.Context) (HealthResult, error) {
	var result HealthResult

	agents, err := s.store.ListAgents(ctx)
	if err != nil {
		return result, fmt.Errorf("scheduler: list agents: %w", err)
	}

	live, err := s.driver.List(ctx, "hive-")
	if err != nil {
		return result, fmt.Errorf("scheduler: list live sessions: %w", err)
	}
	liveSet := make(map[string]bool, len(live))
	for _, name := range live {
		liveSet[name] = true
	}

	for _, a := range agents {
		if a.Status == model.AgentTerminated {
			continue
		}
		if liveSet[a.SessionName] {
			continue
		}

		if err := s.worktrees.Remove(ctx, a.WorktreePath); err != nil {
			s.emit(ctx, a.ID, "", model.EventWorktreeRemovalFailed, err.Error())
		}
		storyID := a.CurrentStoryID
		if err := s.store.TerminateAgent(ctx, a.ID); err != nil {
			s.logger.Warn("scheduler: terminate dead agent failed", "agent_id", a.ID, "error", err)
			continue
		}
		if storyID != "" {
			if err := s.store.UpdateStoryStatus(ctx, storyID, model.StoryPlanned, true); err != nil {
				s.logger.Warn("scheduler: revive orphaned story failed", "story_id", storyID, "error", err)
			} else {
				result.Revived++
			}
		}
	}

	// A second pass catches stories whose assigned_agent_id points at
	// an agent that was already terminated by an earlier cycle.
	terminatedIDs := make(map[string]bool)
	for _, a := range agents {
		if a.Status == model.AgentTerminated {
			terminatedIDs[a.ID] = true
		}
	}
	inFlight, err := s.store.ListStoriesByStatus(ctx, model.StoryInProgress, model.StoryReview, model.StoryQA, model.StoryQAFailed)
	if err != nil {
		return result, fmt.Errorf("scheduler: list in-flight stories: %w", err)
	}
	for _, st := range inFlight {
		if st.AssignedAgentID != "" && terminatedIDs[st.AssignedAgentID] {
			if err := s.store.UpdateStoryStatus(ctx, st.ID, model.StoryPlanned, true); err != nil {
				s.logger.Warn("scheduler: recover orphaned assignment failed", "story_id", st.ID, "error", err)
				continue
			}
			result.OrphanedRecovered++
		}
	}

	return result, nil
}
