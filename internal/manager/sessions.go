package manager

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"hive/internal/model"
	"hive/internal/session"
)

// storyRefPattern is the canonical branch-to-story extraction regex.
// The matched token, uppercased, is the story id.
var storyRefPattern = regexp.MustCompile(`(?i)story-\d+`)

func storyRefFromBranch(branch string) string {
	match := storyRefPattern.FindString(branch)
	if match == "" {
		return ""
	}
	return strings.ToUpper(match)
}

// bypassEnforcement lists the markers that, anywhere in a captured
// buffer, cause the Manager to force the session back into
// bypass-permissions mode.
var bypassEnforcement = []*regexp.Regexp{
	regexp.MustCompile(`(?i)plan mode (is )?on`),
	regexp.MustCompile(`(?i)safe mode (is )?on`),
	regexp.MustCompile(`(?i)permission.*required`),
	regexp.MustCompile(`(?i)approve.*\[y/n\]`),
}

func needsBypassEnforcement(buffer string) bool {
	for _, re := range bypassEnforcement {
		if re.MatchString(buffer) {
			return true
		}
	}
	return false
}

// scanSessions implements step 8: enumerate live hive- sessions and,
// for each except the manager's own, forward mail, classify the pane,
// enforce bypass mode, auto-approve, escalate, auto-resolve, and nudge.
func (m *Manager) scanSessions(ctx context.Context, c *tickCounters) error {
	names, err := m.driver.List(ctx, sessionPrefix)
	if err != nil {
		return err
	}

	agents, err := m.store.ListAgents(ctx)
	if err != nil {
		return err
	}
	bySession := map[string]model.Agent{}
	for _, a := range agents {
		if a.Status != model.AgentTerminated && a.SessionName != "" {
			bySession[a.SessionName] = a
		}
	}

	liveSet := make(map[string]bool, len(names))
	for _, name := range names {
		liveSet[name] = true
		if name == managerSession {
			continue
		}
		m.superviseSession(ctx, name, bySession[name], c)
	}

	// Sessions that died take their tracking struct with them, so a
	// reused name later starts from a clean slate.
	for name := range m.states {
		if !liveSet[name] {
			delete(m.states, name)
		}
	}
	return nil
}

func (m *Manager) superviseSession(ctx context.Context, name string, agent model.Agent, c *tickCounters) {
	m.forwardMessages(ctx, name, c)

	buf, err := m.driver.Capture(ctx, name, m.cfg.CaptureLines)
	if err != nil {
		m.logger.Warn("capture failed", "session", name, "error", err)
		return
	}
	cls := session.Classify(buf)

	now := m.now()
	st, tracked := m.states[name]
	if !tracked {
		st = &sessionState{lastState: cls.State, lastStateChange: now}
		m.states[name] = st
	} else if cls.State != st.lastState {
		st.lastState = cls.State
		st.lastStateChange = now
	}

	if needsBypassEnforcement(buf) {
		m.forceBypass(ctx, name)
	}

	switch cls.State {
	case session.StatePermissionRequired:
		m.deliverLine(ctx, name, "y")
		c.autoApproved++
	case session.StatePlanApproval:
		// Plan-approval restoration: cycle the agent back to bypass.
		m.forceBypass(ctx, name)
	}

	if cls.NeedsHuman && agent.ID != "" {
		if !m.mail.HasRecentEscalation(ctx, agent.ID, m.cfg.EscalationCooldown) {
			if _, err := m.mail.Escalate(ctx, agent.ID, "", agent.CurrentStoryID, "agent is waiting on human input"); err != nil {
				m.logger.Warn("create escalation failed", "session", name, "error", err)
			} else {
				m.deliverLine(ctx, name,
					"A human has been asked to help. If you can proceed without them, continue with your best judgment and note the open question in your PR description.")
				m.emit(ctx, agent.ID, agent.CurrentStoryID, model.EventEscalation, "needs human input: "+name)
				c.escalations++
			}
		}
	}

	if !cls.IsWaiting && agent.ID != "" {
		m.autoResolve(ctx, agent.ID, c)
	}

	stuck := cls.IsWaiting && cls.State != session.StateThinking &&
		now.Sub(st.lastStateChange) >= m.cfg.StuckThreshold &&
		(st.lastNudge.IsZero() || now.Sub(st.lastNudge) >= m.cfg.NudgeCooldown)
	if stuck {
		// Re-capture and re-classify immediately before sending, so a
		// session that resumed work between the scan and the nudge is
		// not interrupted.
		buf2, err := m.driver.Capture(ctx, name, m.cfg.CaptureLines)
		if err != nil {
			return
		}
		again := session.Classify(buf2)
		if again.IsWaiting && again.State != session.StateThinking {
			m.deliverLine(ctx, name, nudgeText(name))
			st.lastNudge = now
			c.nudges++
		}
	}
}

// forwardMessages delivers a session's pending mail in one batched
// fetch, confirming each delivery against the pane buffer, then marks
// the confirmed ones read in a second batch.
// Unconfirmed messages stay pending and are retried next tick:
// at-least-once delivery with idempotent reads.
func (m *Manager) forwardMessages(ctx context.Context, name string, c *tickCounters) {
	msgs, err := m.mail.Inbox(ctx, name, false)
	if err != nil {
		m.logger.Warn("fetch inbox failed", "session", name, "error", err)
		return
	}
	if len(msgs) == 0 {
		return
	}

	var delivered []string
	for _, msg := range msgs {
		text := formatMessage(msg)
		ok, err := m.driver.SendWithConfirmation(ctx, name, text, deliverySentinel(msg), m.cfg.MessageRetries)
		if err != nil {
			m.logger.Warn("message delivery failed", "session", name, "message_id", msg.ID, "error", err)
			continue
		}
		if !ok {
			m.logger.Warn("message delivery unconfirmed, will retry next tick", "session", name, "message_id", msg.ID)
			continue
		}
		delivered = append(delivered, msg.ID)
	}
	if err := m.mail.DeliverBatch(ctx, delivered); err != nil {
		m.logger.Warn("mark messages read failed", "session", name, "error", err)
		return
	}
	c.messages += len(delivered)
}

func formatMessage(msg model.Message) string {
	if msg.Subject != "" {
		return fmt.Sprintf("Message from %s [%s]: %s", msg.FromSession, msg.Subject, msg.Body)
	}
	return fmt.Sprintf("Message from %s: %s", msg.FromSession, msg.Body)
}

// deliverySentinel picks a fragment of the message that should appear
// in the pane buffer once the paste landed.
func deliverySentinel(msg model.Message) string {
	body := strings.TrimSpace(msg.Body)
	if len(body) > 24 {
		body = body[:24]
	}
	if body != "" {
		return body
	}
	return msg.FromSession
}

// forceBypass sends the bypass-mode command with up to 3 attempts,
// matching the Scheduler's post-spawn enforcement.
func (m *Manager) forceBypass(ctx context.Context, name string) {
	const maxRetries = 3
	for i := 0; i < maxRetries; i++ {
		if err := m.driver.Send(ctx, name, session.BypassModeMarker()); err != nil {
			continue
		}
		if err := m.driver.SendEnter(ctx, name); err != nil {
			continue
		}
		return
	}
	m.logger.Warn("force bypass mode failed after retries", "session", name)
}

// autoResolve closes out any pending escalation from an agent that is
// no longer waiting.
func (m *Manager) autoResolve(ctx context.Context, agentID string, c *tickCounters) {
	pending, err := m.mail.PendingEscalations(ctx)
	if err != nil {
		m.logger.Warn("list pending escalations failed", "error", err)
		return
	}
	for _, e := range pending {
		if e.FromAgentID != agentID {
			continue
		}
		if err := m.mail.Resolve(ctx, e.ID, "agent resumed work"); err != nil {
			m.logger.Warn("auto-resolve escalation failed", "escalation_id", e.ID, "error", err)
			continue
		}
		c.resolved++
	}
}

// nudgeTexts holds the tier-specific reminder sent into an idle
// session.
var nudgeTexts = map[model.AgentType]string{
	model.AgentJunior:       "Checking in: if you are unsure how to proceed, re-read the acceptance criteria and take the smallest next step. Ask your senior via the message queue if you are stuck.",
	model.AgentIntermediate: "Checking in: you appear idle. Continue with your current story, or pick up the review feedback if any is outstanding.",
	model.AgentSenior:       "Checking in: you appear idle. Unblock your own story first, then look at unassigned planned work for the team.",
	model.AgentQA:           "Checking in: the review queue may have pull requests waiting. Please continue with the next review.",
	model.AgentFeatureTest:  "Checking in: continue exercising the feature under test and report findings.",
	model.AgentTechLead:     "Checking in: planning output may be pending. Continue decomposing open requirements into stories.",
}

const defaultNudge = "Checking in: you appear idle. Please continue with your current task."

// nudgeText selects a nudge by the tier encoded in the session name
// ("hive-<type>-<team>[-<n>]").
func nudgeText(sessionName string) string {
	rest := strings.TrimPrefix(sessionName, sessionPrefix)
	for tier, text := range nudgeTexts {
		if strings.HasPrefix(rest, string(tier)) {
			return text
		}
	}
	return defaultNudge
}
