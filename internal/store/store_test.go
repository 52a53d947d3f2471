package store

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"hive/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "hive.db"), testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenAppliesAllMigrations(t *testing.T) {
	s := openTestStore(t)

	rows, err := s.db.Query(`SELECT name FROM migrations ORDER BY rowid`)
	if err != nil {
		t.Fatalf("query migrations: %v", err)
	}
	defer rows.Close()
	var applied []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatal(err)
		}
		applied = append(applied, name)
	}
	if len(applied) != len(migrations) {
		t.Fatalf("expected %d migrations applied, got %d", len(migrations), len(applied))
	}
	for i, m := range migrations {
		if applied[i] != m.Name {
			t.Fatalf("migration %d applied as %s, want %s", i, applied[i], m.Name)
		}
	}
	// The applied order deliberately places the 006/007 pair last,
	// after 010 and 012 (see the migrations list doc comment).
	if applied[len(applied)-2] != "006_integrations" || applied[len(applied)-1] != "007_backfill_story_points" {
		t.Fatalf("ordering anomaly not preserved, tail is %v", applied[len(applied)-2:])
	}
}

func TestReopenSkipsAppliedMigrations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hive.db")
	s, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := s.CreateTeam(context.Background(), model.Team{ID: "t1", Name: "Payments", RepoPath: "repos/payments"}); err != nil {
		t.Fatalf("create team: %v", err)
	}
	s.Close()

	s2, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer s2.Close()
	team, err := s2.GetTeam(context.Background(), "t1")
	if err != nil || team.Name != "Payments" {
		t.Fatalf("team lost on reopen: %+v, %v", team, err)
	}
}

func TestCorruptionDetectedOnOversizedEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hive.db")

	// A valid sqlite file well past 50 KiB that carries none of the
	// hive schema: looks like a snapshot that lost its contents.
	raw, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open raw: %v", err)
	}
	if _, err := raw.Exec(`CREATE TABLE junk (filler BLOB)`); err != nil {
		t.Fatalf("create junk: %v", err)
	}
	blob := make([]byte, 16*1024)
	for i := 0; i < 6; i++ {
		if _, err := raw.Exec(`INSERT INTO junk (filler) VALUES (?)`, blob); err != nil {
			t.Fatalf("fill junk: %v", err)
		}
	}
	if _, err := raw.Exec(`DELETE FROM junk`); err != nil {
		t.Fatalf("empty junk: %v", err)
	}
	raw.Close()

	_, err = Open(path, testLogger())
	if !errors.Is(err, ErrDatabaseCorruption) {
		t.Fatalf("expected corruption error, got %v", err)
	}
}

func TestStoryRoundTripAndAssignment(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	st := model.Story{
		ID: "STORY-1", TeamID: "t1", Title: "Checkout flow",
		AcceptanceCriteria: []string{"happy path works", "declined card surfaces an error"},
		ComplexityScore:    5, Status: model.StoryPlanned,
	}
	if err := s.CreateStory(ctx, st); err != nil {
		t.Fatalf("create story: %v", err)
	}
	if err := s.CreateAgent(ctx, model.Agent{ID: "a1", Type: model.AgentSenior, TeamID: "t1", Status: model.AgentIdle}); err != nil {
		t.Fatalf("create agent: %v", err)
	}

	if err := s.AssignStory(ctx, "STORY-1", "a1"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	got, err := s.GetStory(ctx, "STORY-1")
	if err != nil {
		t.Fatalf("get story: %v", err)
	}
	if got.Status != model.StoryInProgress || got.AssignedAgentID != "a1" {
		t.Fatalf("assignment not persisted: %+v", got)
	}
	if len(got.AcceptanceCriteria) != 2 {
		t.Fatalf("acceptance criteria lost: %+v", got.AcceptanceCriteria)
	}
	agent, err := s.GetAgent(ctx, "a1")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if agent.Status != model.AgentWorking || agent.CurrentStoryID != "STORY-1" {
		t.Fatalf("agent side of assignment not persisted: %+v", agent)
	}

	if err := s.UpdateStoryStatus(ctx, "STORY-1", model.StoryPlanned, true); err != nil {
		t.Fatalf("update status: %v", err)
	}
	got, _ = s.GetStory(ctx, "STORY-1")
	if got.Status != model.StoryPlanned || got.AssignedAgentID != "" {
		t.Fatalf("clear-assignment update failed: %+v", got)
	}
}

func TestAssignMissingStoryReturnsNotFound(t *testing.T) {
	s := openTestStore(t)
	err := s.AssignStory(context.Background(), "nope", "a1")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStoryDependencies(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"STORY-1", "STORY-2"} {
		if err := s.CreateStory(ctx, model.Story{ID: id, Title: id, Status: model.StoryPlanned}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	if err := s.AddStoryDependency(ctx, "STORY-2", "STORY-1"); err != nil {
		t.Fatalf("add dependency: %v", err)
	}
	// Duplicate insert is ignored.
	if err := s.AddStoryDependency(ctx, "STORY-2", "STORY-1"); err != nil {
		t.Fatalf("re-add dependency: %v", err)
	}
	deps, err := s.ListStoryDependencies(ctx, []string{"STORY-1", "STORY-2"})
	if err != nil {
		t.Fatalf("list dependencies: %v", err)
	}
	if len(deps) != 1 || deps[0].StoryID != "STORY-2" || deps[0].DependsOnID != "STORY-1" {
		t.Fatalf("unexpected dependencies: %+v", deps)
	}
}

func TestMessageReadAndReplyAreIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	msg := model.Message{ID: "m1", FromSession: "hive-senior-x", ToSession: "hive-junior-x", Body: "start with the API layer"}
	if err := s.SendMessage(ctx, msg); err != nil {
		t.Fatalf("send: %v", err)
	}

	inbox, err := s.Inbox(ctx, "hive-junior-x", false)
	if err != nil || len(inbox) != 1 {
		t.Fatalf("expected 1 pending message, got %v, %v", inbox, err)
	}

	if err := s.ReadMessage(ctx, "m1"); err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := s.ReadMessage(ctx, "m1"); err != nil {
		t.Fatalf("re-read must be a no-op: %v", err)
	}
	got, _ := s.GetMessage(ctx, "m1")
	if got.Status != model.MessageRead {
		t.Fatalf("expected read, got %s", got.Status)
	}

	if err := s.ReplyMessage(ctx, "m1", "done"); err != nil {
		t.Fatalf("reply: %v", err)
	}
	if err := s.ReplyMessage(ctx, "m1", "overwritten"); err != nil {
		t.Fatalf("re-reply must be a no-op: %v", err)
	}
	got, _ = s.GetMessage(ctx, "m1")
	if got.Status != model.MessageReplied || got.Reply != "done" {
		t.Fatalf("reply not idempotent: %+v", got)
	}

	// Read-after-reply must not regress the status.
	if err := s.ReadMessage(ctx, "m1"); err != nil {
		t.Fatalf("read after reply: %v", err)
	}
	got, _ = s.GetMessage(ctx, "m1")
	if got.Status != model.MessageReplied {
		t.Fatalf("read regressed a replied message: %s", got.Status)
	}
}

func TestMarkMessagesReadBatch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"m1", "m2", "m3"} {
		if err := s.SendMessage(ctx, model.Message{ID: id, FromSession: "a", ToSession: "b", Body: id}); err != nil {
			t.Fatalf("send %s: %v", id, err)
		}
	}
	if err := s.MarkMessagesRead(ctx, []string{"m1", "m3"}); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	pending, err := s.Inbox(ctx, "b", false)
	if err != nil || len(pending) != 1 || pending[0].ID != "m2" {
		t.Fatalf("expected only m2 pending, got %+v, %v", pending, err)
	}
}

func TestFindRecentEscalationWindow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.CreateEscalation(ctx, model.Escalation{ID: "e1", FromAgentID: "a1", Reason: "stuck on auth"}); err != nil {
		t.Fatalf("create escalation: %v", err)
	}

	// Pending escalations gate regardless of age.
	if _, err := s.FindRecentEscalation(ctx, "a1", time.Minute); err != nil {
		t.Fatalf("expected pending escalation found: %v", err)
	}

	if err := s.ResolveEscalation(ctx, "e1", "unblocked"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	// Resolved but created within the window: still counts as recent.
	if _, err := s.FindRecentEscalation(ctx, "a1", 30*time.Minute); err != nil {
		t.Fatalf("expected fresh resolved escalation found: %v", err)
	}
	// Resolved and outside a zero window: gone.
	if _, err := s.FindRecentEscalation(ctx, "a1", 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound past the window, got %v", err)
	}
}

func TestPullRequestBackfillIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	pr := model.PullRequest{ID: "pr1", TeamID: "t1", BranchName: "story-1-x", CodeHostURL: "https://example.com/pull/7", Status: model.PRQueued}
	if err := s.CreatePullRequest(ctx, pr); err != nil {
		t.Fatalf("create pr: %v", err)
	}

	missing, err := s.ListPullRequestsMissingNumber(ctx)
	if err != nil || len(missing) != 1 {
		t.Fatalf("expected 1 pr missing number, got %v, %v", missing, err)
	}
	if err := s.BackfillPullRequestNumber(ctx, "pr1", 7); err != nil {
		t.Fatalf("backfill: %v", err)
	}
	// A second backfill with a different value must not overwrite.
	if err := s.BackfillPullRequestNumber(ctx, "pr1", 99); err != nil {
		t.Fatalf("re-backfill: %v", err)
	}
	prs, err := s.ListPullRequestsByTeamStatus(ctx, "t1", model.PRQueued)
	if err != nil || len(prs) != 1 {
		t.Fatalf("list prs: %v, %v", prs, err)
	}
	if prs[0].CodeHostNumber != 7 {
		t.Fatalf("expected number 7 preserved, got %d", prs[0].CodeHostNumber)
	}
}

func TestEventLogIsAppendOnlyAndOrdered(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, ev := range []string{"STORY_ASSIGNED", "STORY_MERGED"} {
		if err := s.CreateLog(ctx, "a1", "STORY-1", ev, "", "note", map[string]any{"tick": 1}); err != nil {
			t.Fatalf("create log %s: %v", ev, err)
		}
	}
	events, err := s.ListEventsForStory(ctx, "STORY-1")
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 || events[0].EventType != "STORY_ASSIGNED" || events[1].EventType != "STORY_MERGED" {
		t.Fatalf("events out of commit order: %+v", events)
	}
	recent, err := s.ListRecentEvents(ctx, 1)
	if err != nil || len(recent) != 1 || recent[0].EventType != "STORY_MERGED" {
		t.Fatalf("expected newest event first, got %+v, %v", recent, err)
	}
}

func TestCountTechLeads(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.CreateAgent(ctx, model.Agent{ID: "tl1", Type: model.AgentTechLead, Status: model.AgentWorking}); err != nil {
		t.Fatalf("create tech lead: %v", err)
	}
	if err := s.CreateAgent(ctx, model.Agent{ID: "tl2", Type: model.AgentTechLead, Status: model.AgentTerminated}); err != nil {
		t.Fatalf("create terminated tech lead: %v", err)
	}
	n, err := s.CountTechLeads(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 live tech lead, got %d, %v", n, err)
	}
}

func TestRequirementLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	r := model.Requirement{ID: "r1", Title: "Checkout", Status: model.RequirementPending, TargetBranch: "main"}
	if err := s.CreateRequirement(ctx, r); err != nil {
		t.Fatalf("create requirement: %v", err)
	}
	if err := s.UpdateRequirementStatus(ctx, "r1", model.RequirementPlanning); err != nil {
		t.Fatalf("update status: %v", err)
	}
	got, err := s.GetRequirement(ctx, "r1")
	if err != nil || got.Status != model.RequirementPlanning {
		t.Fatalf("requirement status not advanced: %+v, %v", got, err)
	}
	if err := s.UpdateRequirementStatus(ctx, "missing", model.RequirementPlanned); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing requirement, got %v", err)
	}
}

func TestSnapshotFilenameIsDeterministic(t *testing.T) {
	at := time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)
	got := SnapshotFilename("hive.db", at)
	if got != "hive.db.20250601T093000.bak" {
		t.Fatalf("unexpected snapshot filename: %s", got)
	}
}
