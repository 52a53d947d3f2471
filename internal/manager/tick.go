package manager

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"hive/internal/codehost"
	"hive/internal/model"
	"hive/internal/session"
)

// tickCounters accumulates the per-step totals reported by the
// one-line summary at the end of each tick.
type tickCounters struct {
	revived             int
	orphaned            int
	assigned            int
	preventedDuplicates int
	autoMerged          int
	storiesMerged       int
	prsSynced           int
	prsSkipped          int
	messages            int
	nudges              int
	autoApproved        int
	escalations         int
	resolved            int
	rejections          int
	spunDown            int
}

// Tick runs one supervision pass as a fixed sequence of ordered
// steps. Every step is wrapped: a step that fails is logged, the
// tick continues, and the next tick retries.
func (m *Manager) Tick(ctx context.Context) {
	c := &tickCounters{}

	if !m.clusterGate(ctx) {
		return
	}

	m.step("backfill pr numbers", func() error { return m.backfillPRNumbers(ctx) })
	m.step("health check", func() error { return m.healthCheck(ctx, c) })
	m.step("merge queue", func() error { return m.mergeQueues(ctx) })
	m.step("assign planned stories", func() error { return m.assignStories(ctx, c) })
	m.step("auto-merge approved prs", func() error { return m.autoMergeApproved(ctx, c) })
	m.step("sync merged prs", func() error { return m.syncMergedPRs(ctx, c) })
	m.step("sync open prs", func() error { return m.syncOpenPRs(ctx, c) })
	m.step("scan sessions", func() error { return m.scanSessions(ctx, c) })
	m.step("qa notification", func() error { return m.notifyQA(ctx) })
	m.step("rejected prs", func() error { return m.handleRejectedPRs(ctx, c) })
	m.step("qa-failed nudges", func() error { return m.remindQAFailed(ctx) })
	m.step("spin down merged", func() error { return m.spinDownMerged(ctx, c) })
	m.step("pipeline-empty spin down", func() error { return m.spinDownIdlePipeline(ctx, c) })
	m.step("stuck stories", func() error { return m.remindStuckStories(ctx) })
	m.step("unassigned planned stories", func() error { return m.announcePlanned(ctx) })

	m.logger.Info("supervision tick complete",
		"revived", c.revived,
		"orphaned_recovered", c.orphaned,
		"assigned", c.assigned,
		"prevented_duplicates", c.preventedDuplicates,
		"auto_merged", c.autoMerged,
		"stories_merged", c.storiesMerged,
		"prs_synced", c.prsSynced,
		"prs_skipped", c.prsSkipped,
		"messages_forwarded", c.messages,
		"nudges", c.nudges,
		"auto_approved", c.autoApproved,
		"escalations", c.escalations,
		"escalations_resolved", c.resolved,
		"rejections", c.rejections,
		"agents_spun_down", c.spunDown,
	)
}

func (m *Manager) step(name string, fn func() error) {
	if err := fn(); err != nil {
		m.logger.Warn("tick step failed", "step", name, "error", err)
	}
}

// clusterGate implements step 1: in cluster mode, sync and verify
// leadership; a follower logs its status, kills any local tech-lead
// session, and skips the rest of the tick.
func (m *Manager) clusterGate(ctx context.Context) bool {
	if !m.cluster.IsEnabled() {
		return true
	}
	result, err := m.cluster.Sync(ctx)
	if err != nil {
		m.logger.Warn("cluster sync failed", "error", err)
	} else {
		m.logger.Debug("cluster sync",
			"local_events_emitted", result.LocalEventsEmitted,
			"imported_events_applied", result.ImportedEventsApplied,
			"merged_duplicate_stories", result.MergedDuplicateStories)
	}

	leader, err := m.cluster.IsLeader(ctx)
	if err != nil {
		m.logger.Warn("cluster leadership check failed, skipping tick", "error", err)
		return false
	}
	if leader {
		return true
	}

	m.logger.Info("follower node, skipping supervision tick")
	names, err := m.driver.List(ctx, techLeadPrefix)
	if err == nil {
		for _, name := range names {
			if killErr := m.driver.Kill(ctx, name); killErr != nil {
				m.logger.Warn("kill tech-lead session on follower failed", "session", name, "error", killErr)
			}
		}
	}
	return false
}

// backfillPRNumbers implements step 2: derive code_host_number from
// code_host_url for rows written before the number column existed.
// Idempotent: already-backfilled rows are not selected.
func (m *Manager) backfillPRNumbers(ctx context.Context) error {
	prs, err := m.store.ListPullRequestsMissingNumber(ctx)
	if err != nil {
		return err
	}
	for _, pr := range prs {
		number := prNumberFromURL(pr.CodeHostURL)
		if number == 0 {
			continue
		}
		if err := m.store.BackfillPullRequestNumber(ctx, pr.ID, number); err != nil {
			m.logger.Warn("backfill pr number failed", "pr_id", pr.ID, "error", err)
		}
	}
	return nil
}

func prNumberFromURL(url string) int {
	idx := strings.LastIndex(strings.TrimRight(url, "/"), "/")
	if idx < 0 {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimRight(url, "/")[idx+1:])
	if err != nil {
		return 0
	}
	return n
}

// healthCheck implements step 3.
func (m *Manager) healthCheck(ctx context.Context, c *tickCounters) error {
	result, err := m.sched.HealthCheck(ctx)
	if err != nil {
		return err
	}
	c.revived = result.Revived
	c.orphaned = result.OrphanedRecovered
	if result.Revived > 0 || result.OrphanedRecovered > 0 {
		m.logger.Info("health check recovered work",
			"revived", result.Revived, "orphaned_recovered", result.OrphanedRecovered)
	}
	return nil
}

// mergeQueues implements step 4: QA scaling to review load, plus
// senior headcount scaling, per team.
func (m *Manager) mergeQueues(ctx context.Context) error {
	teams, err := m.store.ListTeams(ctx)
	if err != nil {
		return err
	}
	for _, team := range teams {
		if err := m.sched.CheckMergeQueue(ctx, team); err != nil {
			m.logger.Warn("merge-queue check failed", "team", team.Name, "error", err)
		}
		if err := m.sched.EnsureSeniors(ctx, team); err != nil {
			m.logger.Warn("senior scaling failed", "team", team.Name, "error", err)
		}
	}
	return nil
}

// assignStories hands planned stories to idle agents. The Scheduler is
// also invoked directly by the CLI on new-requirement events; running
// the same pass here keeps the pipeline moving when nobody is at the
// keyboard.
func (m *Manager) assignStories(ctx context.Context, c *tickCounters) error {
	result, err := m.sched.AssignStories(ctx)
	if err != nil {
		return err
	}
	c.assigned = result.Assigned
	c.preventedDuplicates = result.PreventedDuplicates
	return nil
}

// autoMergeApproved implements step 5.
func (m *Manager) autoMergeApproved(ctx context.Context, c *tickCounters) error {
	teams, err := m.store.ListTeams(ctx)
	if err != nil {
		return err
	}
	for _, team := range teams {
		prs, err := m.store.ListPullRequestsByTeamStatus(ctx, team.ID, model.PRApproved)
		if err != nil {
			m.logger.Warn("list approved prs failed", "team", team.Name, "error", err)
			continue
		}
		for _, pr := range prs {
			if pr.CodeHostNumber == 0 {
				continue
			}
			if !m.host.MergePR(ctx, team.RepoPath, pr.CodeHostNumber, m.cfg.MergeStrategy) {
				continue
			}
			if err := m.store.UpdatePullRequestStatus(ctx, pr.ID, model.PRMerged); err != nil {
				m.logger.Warn("mark pr merged failed", "pr_id", pr.ID, "error", err)
				continue
			}
			c.autoMerged++
		}
	}
	return nil
}

// syncMergedPRs implements step 6: the code host is the authority on
// what merged; local stories catch up, assignment is cleared, and the
// issue tracker is pushed fire-and-forget.
func (m *Manager) syncMergedPRs(ctx context.Context, c *tickCounters) error {
	teams, err := m.store.ListTeams(ctx)
	if err != nil {
		return err
	}
	for _, team := range teams {
		prs, err := m.host.ListMergedPRs(ctx, team.RepoPath, "", 50)
		if err != nil {
			m.logger.Warn("list merged prs failed", "team", team.Name, "error", err)
			continue
		}
		for _, pr := range prs {
			ref := storyRefFromBranch(pr.HeadRefName)
			if ref == "" {
				continue
			}
			st, err := m.store.GetStory(ctx, ref)
			if err != nil {
				continue
			}
			if st.Status == model.StoryMerged {
				continue
			}
			if err := m.store.UpdateStoryStatus(ctx, st.ID, model.StoryMerged, true); err != nil {
				m.logger.Warn("mark story merged failed", "story_id", st.ID, "error", err)
				continue
			}
			m.emit(ctx, st.AssignedAgentID, st.ID, model.EventStoryMerged,
				fmt.Sprintf("merged via %s (#%d)", pr.HeadRefName, pr.Number))
			c.storiesMerged++

			if m.tracker != nil {
				pushed := st
				pushed.Status = model.StoryMerged
				go func() {
					pushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
					defer cancel()
					if err := m.tracker.PushStoryStatus(pushCtx, pushed); err != nil {
						m.logger.Warn("issue-tracker status push failed", "story_id", pushed.ID, "error", err)
					}
				}()
			}
		}
	}
	return nil
}

// syncOpenPRs implements step 7: open code-host PRs are pulled into
// the local queue, skipping branches that reference a missing or
// already-merged story and, optionally, PRs older than PRMaxAge.
func (m *Manager) syncOpenPRs(ctx context.Context, c *tickCounters) error {
	teams, err := m.store.ListTeams(ctx)
	if err != nil {
		return err
	}
	for _, team := range teams {
		prs, err := m.host.ListOpenPRs(ctx, team.RepoPath, "")
		if err != nil {
			m.logger.Warn("list open prs failed", "team", team.Name, "error", err)
			continue
		}
		for _, pr := range prs {
			ref := storyRefFromBranch(pr.HeadRefName)
			if ref == "" {
				continue
			}
			st, err := m.store.GetStory(ctx, ref)
			if err != nil || st.Status == model.StoryMerged {
				m.emit(ctx, "", ref, model.EventPRSyncSkipped,
					fmt.Sprintf("branch %s references missing or merged story", pr.HeadRefName))
				c.prsSkipped++
				continue
			}
			if m.cfg.PRMaxAge > 0 {
				if old, age := codehost.IsOlderThan(pr, m.cfg.PRMaxAge, m.now()); old {
					m.logger.Info("skipping stale open pr", "branch", pr.HeadRefName, "age", age)
					c.prsSkipped++
					continue
				}
			}
			if _, err := m.store.GetPullRequestByStory(ctx, st.ID); err == nil {
				continue // already tracked locally
			}
			row := model.PullRequest{
				ID:             uuid.NewString(),
				StoryID:        st.ID,
				TeamID:         team.ID,
				BranchName:     pr.HeadRefName,
				CodeHostNumber: pr.Number,
				CodeHostURL:    pr.URL,
				Status:         model.PRQueued,
			}
			if err := m.store.CreatePullRequest(ctx, row); err != nil {
				m.logger.Warn("create local pr row failed", "branch", pr.HeadRefName, "error", err)
				continue
			}
			c.prsSynced++
		}
	}
	return nil
}

// notifyQA implements step 9: if any PRs sit queued, every live QA
// session is told how many await review.
func (m *Manager) notifyQA(ctx context.Context) error {
	teams, err := m.store.ListTeams(ctx)
	if err != nil {
		return err
	}
	queued := 0
	for _, team := range teams {
		prs, err := m.store.ListPullRequestsByTeamStatus(ctx, team.ID, model.PRQueued)
		if err != nil {
			continue
		}
		queued += len(prs)
	}
	if queued == 0 {
		return nil
	}
	names, err := m.driver.List(ctx, qaPrefix)
	if err != nil {
		return err
	}
	text := fmt.Sprintf("%d pull request(s) are waiting for review. Please pick up the next one from the queue.", queued)
	for _, name := range names {
		m.deliverLine(ctx, name, text)
	}
	return nil
}

// handleRejectedPRs implements step 10: a rejected PR fails its story
// back to qa_failed, notifies the submitter once, then moves the PR
// row to closed so the same rejection is never announced twice.
func (m *Manager) handleRejectedPRs(ctx context.Context, c *tickCounters) error {
	teams, err := m.store.ListTeams(ctx)
	if err != nil {
		return err
	}
	for _, team := range teams {
		prs, err := m.store.ListPullRequestsByTeamStatus(ctx, team.ID, model.PRRejected)
		if err != nil {
			m.logger.Warn("list rejected prs failed", "team", team.Name, "error", err)
			continue
		}
		for _, pr := range prs {
			if pr.StoryID != "" {
				if err := m.store.UpdateStoryStatus(ctx, pr.StoryID, model.StoryQAFailed, false); err != nil {
					m.logger.Warn("mark story qa_failed failed", "story_id", pr.StoryID, "error", err)
					continue
				}
				m.emit(ctx, "", pr.StoryID, model.EventStoryQAFailed,
					fmt.Sprintf("pr for %s rejected", pr.BranchName))
			}
			if pr.SubmittedBy != "" {
				note := fmt.Sprintf("Your PR for branch %s was rejected in review. Notes: %s. Please rework and resubmit.",
					pr.BranchName, orDash(pr.ReviewNotes))
				m.deliverLine(ctx, pr.SubmittedBy, note)
			}
			if err := m.store.UpdatePullRequestStatus(ctx, pr.ID, model.PRClosed); err != nil {
				m.logger.Warn("close rejected pr failed", "pr_id", pr.ID, "error", err)
				continue
			}
			c.rejections++
		}
	}
	return nil
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

// remindQAFailed implements step 11: developers with qa_failed rework
// outstanding get a reminder, but only when their session is idle and
// not mid-thought.
func (m *Manager) remindQAFailed(ctx context.Context) error {
	stories, err := m.store.ListStoriesByStatus(ctx, model.StoryQAFailed)
	if err != nil {
		return err
	}
	for _, st := range stories {
		if st.AssignedAgentID == "" {
			continue
		}
		agent, err := m.store.GetAgent(ctx, st.AssignedAgentID)
		if err != nil || agent.SessionName == "" {
			continue
		}
		if !m.sessionIdle(ctx, agent.SessionName) {
			continue
		}
		m.deliverLine(ctx, agent.SessionName,
			fmt.Sprintf("Story %q failed QA and needs rework. Please address the review notes and resubmit.", st.Title))
	}
	return nil
}

// spinDownMerged implements step 12: an agent whose story merged gets
// a send-off, its session is killed, worktree removed, and the row
// terminated. Stories marked merged by the sync step (assignment
// already cleared) are matched through the agent's current_story_id.
func (m *Manager) spinDownMerged(ctx context.Context, c *tickCounters) error {
	merged, err := m.store.ListStoriesByStatus(ctx, model.StoryMerged)
	if err != nil {
		return err
	}
	if len(merged) == 0 {
		return nil
	}

	agents, err := m.store.ListAgents(ctx)
	if err != nil {
		return err
	}
	byStory := map[string]model.Agent{}
	for _, a := range agents {
		if a.Status != model.AgentTerminated && a.CurrentStoryID != "" {
			byStory[a.CurrentStoryID] = a
		}
	}
	byID := map[string]model.Agent{}
	for _, a := range agents {
		byID[a.ID] = a
	}

	for _, st := range merged {
		agent, ok := byStory[st.ID]
		if !ok && st.AssignedAgentID != "" {
			if a, found := byID[st.AssignedAgentID]; found && a.Status != model.AgentTerminated {
				agent, ok = a, true
			}
		}
		if !ok {
			continue
		}

		if agent.SessionName != "" {
			m.deliverLine(ctx, agent.SessionName,
				fmt.Sprintf("Story %q is merged. Great work; this session is being retired.", st.Title))
			if err := m.driver.Kill(ctx, agent.SessionName); err != nil {
				m.logger.Warn("kill merged agent session failed", "session", agent.SessionName, "error", err)
			}
		}
		if err := m.worktrees.Remove(ctx, agent.WorktreePath); err != nil {
			m.emit(ctx, agent.ID, st.ID, model.EventWorktreeRemovalFailed, err.Error())
		}
		if err := m.store.TerminateAgent(ctx, agent.ID); err != nil {
			m.logger.Warn("terminate merged agent failed", "agent_id", agent.ID, "error", err)
			continue
		}
		if st.AssignedAgentID != "" {
			if err := m.store.UpdateStoryStatus(ctx, st.ID, model.StoryMerged, true); err != nil {
				m.logger.Warn("clear merged story assignment failed", "story_id", st.ID, "error", err)
			}
		}
		c.spunDown++
	}
	return nil
}

// spinDownIdlePipeline implements step 13: with nothing anywhere in
// the workflow, every working non-tech-lead agent is terminated.
func (m *Manager) spinDownIdlePipeline(ctx context.Context, c *tickCounters) error {
	active, err := m.store.ListStoriesByStatus(ctx,
		model.StoryPlanned, model.StoryInProgress, model.StoryReview,
		model.StoryQA, model.StoryQAFailed, model.StoryPRSubmitted)
	if err != nil {
		return err
	}
	if len(active) > 0 {
		return nil
	}

	agents, err := m.store.ListAgents(ctx)
	if err != nil {
		return err
	}
	for _, a := range agents {
		if a.Status != model.AgentWorking || a.Type == model.AgentTechLead {
			continue
		}
		if a.SessionName != "" {
			if err := m.driver.Kill(ctx, a.SessionName); err != nil {
				m.logger.Warn("kill idle-pipeline session failed", "session", a.SessionName, "error", err)
			}
		}
		if err := m.worktrees.Remove(ctx, a.WorktreePath); err != nil {
			m.emit(ctx, a.ID, "", model.EventWorktreeRemovalFailed, err.Error())
		}
		if err := m.store.TerminateAgent(ctx, a.ID); err != nil {
			m.logger.Warn("terminate idle-pipeline agent failed", "agent_id", a.ID, "error", err)
			continue
		}
		c.spunDown++
	}
	return nil
}

// remindStuckStories implements step 14: an in_progress story
// untouched past StuckStoryAge earns its assignee a reminder.
func (m *Manager) remindStuckStories(ctx context.Context) error {
	stories, err := m.store.ListStoriesByStatus(ctx, model.StoryInProgress)
	if err != nil {
		return err
	}
	now := m.now()
	for _, st := range stories {
		if st.AssignedAgentID == "" || now.Sub(st.UpdatedAt) < m.cfg.StuckStoryAge {
			continue
		}
		agent, err := m.store.GetAgent(ctx, st.AssignedAgentID)
		if err != nil || agent.SessionName == "" {
			continue
		}
		m.deliverLine(ctx, agent.SessionName,
			fmt.Sprintf("Story %q has been in progress since %s. Please post an update or ask for help if you are blocked.",
				st.Title, humanize.RelTime(st.UpdatedAt, now, "ago", "from now")))
	}
	return nil
}

// announcePlanned implements step 15: idle seniors hear about planned
// stories still waiting for assignment.
func (m *Manager) announcePlanned(ctx context.Context) error {
	planned, err := m.store.ListStoriesByStatus(ctx, model.StoryPlanned)
	if err != nil {
		return err
	}
	unassigned := 0
	for _, st := range planned {
		if st.AssignedAgentID == "" {
			unassigned++
		}
	}
	if unassigned == 0 {
		return nil
	}
	names, err := m.driver.List(ctx, seniorPrefix)
	if err != nil {
		return err
	}
	for _, name := range names {
		if !m.sessionIdle(ctx, name) {
			continue
		}
		m.deliverLine(ctx, name,
			fmt.Sprintf("%d planned story(ies) are waiting for assignment. Consider breaking work loose or flagging blockers.", unassigned))
	}
	return nil
}

// sessionIdle captures and classifies a session, reporting whether it
// is waiting and not mid-thought, the precondition for reminder-style
// interruptions.
func (m *Manager) sessionIdle(ctx context.Context, name string) bool {
	buf, err := m.driver.Capture(ctx, name, m.cfg.CaptureLines)
	if err != nil {
		return false
	}
	cls := session.Classify(buf)
	return cls.IsWaiting && cls.State != session.StateThinking
}

// deliverLine sends one line of text into a session followed by Enter,
// logging rather than propagating failure.
func (m *Manager) deliverLine(ctx context.Context, name, text string) {
	if err := m.driver.Send(ctx, name, text); err != nil {
		m.logger.Warn("send to session failed", "session", name, "error", err)
		return
	}
	if err := m.driver.SendEnter(ctx, name); err != nil {
		m.logger.Warn("send enter failed", "session", name, "error", err)
	}
}

func (m *Manager) emit(ctx context.Context, agentID, storyID, eventType, message string) {
	if err := m.store.CreateLog(ctx, agentID, storyID, eventType, "", message, nil); err != nil {
		m.logger.Warn("emit event failed", "event_type", eventType, "error", err)
	}
}
