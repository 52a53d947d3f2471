package store

import (
	"database/sql"
	"strings"
)

// migration is one named, idempotent schema step. Migrations are
// recorded in the migrations table keyed by Name; a fresh database
// applies every migration below in list order, and an existing
// database applies only those whose name is absent.
//
// The list order below is authoritative and deliberately NOT sorted by
// the numeric prefix in each name: 006_integrations and
// 007_backfill_story_points are applied after 010_pull_requests and
// 012_event_log. This reproduces an ordering anomaly load-bearing for
// backward compatibility with earlier database files; "fixing" the
// sort would change what a partially-migrated database ends up with.
type migration struct {
	Name string
	Up   func(*sql.Tx) error
}

var migrations = []migration{
	{Name: "001_teams", Up: func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			CREATE TABLE IF NOT EXISTS teams (
				id TEXT PRIMARY KEY,
				name TEXT UNIQUE NOT NULL,
				repo_url TEXT NOT NULL,
				repo_path TEXT NOT NULL
			)`)
		return err
	}},
	{Name: "002_requirements", Up: func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			CREATE TABLE IF NOT EXISTS requirements (
				id TEXT PRIMARY KEY,
				title TEXT NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL DEFAULT 'pending',
				godmode INTEGER NOT NULL DEFAULT 0,
				target_branch TEXT NOT NULL DEFAULT 'main',
				feature_branch TEXT NOT NULL DEFAULT '',
				external_epic_key TEXT NOT NULL DEFAULT '',
				external_epic_id TEXT NOT NULL DEFAULT '',
				external_epic_provider TEXT NOT NULL DEFAULT '',
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`)
		return err
	}},
	{Name: "003_agents", Up: func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			CREATE TABLE IF NOT EXISTS agents (
				id TEXT PRIMARY KEY,
				type TEXT NOT NULL,
				team_id TEXT NOT NULL DEFAULT '',
				session_name TEXT NOT NULL DEFAULT '',
				model TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL DEFAULT 'idle',
				current_story_id TEXT NOT NULL DEFAULT '',
				worktree_path TEXT NOT NULL DEFAULT '',
				cli_tool TEXT NOT NULL DEFAULT '',
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`)
		return err
	}},
	{Name: "004_stories", Up: func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			CREATE TABLE IF NOT EXISTS stories (
				id TEXT PRIMARY KEY,
				requirement_id TEXT NOT NULL DEFAULT '',
				team_id TEXT NOT NULL DEFAULT '',
				title TEXT NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				acceptance_criteria TEXT NOT NULL DEFAULT '[]',
				complexity_score INTEGER NOT NULL DEFAULT 5,
				story_points INTEGER NOT NULL DEFAULT 0,
				status TEXT NOT NULL DEFAULT 'draft',
				assigned_agent_id TEXT NOT NULL DEFAULT '',
				branch_name TEXT NOT NULL DEFAULT '',
				pr_url TEXT NOT NULL DEFAULT '',
				external_issue_key TEXT NOT NULL DEFAULT '',
				external_issue_id TEXT NOT NULL DEFAULT '',
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`)
		return err
	}},
	{Name: "005_story_dependencies", Up: func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			CREATE TABLE IF NOT EXISTS story_dependencies (
				story_id TEXT NOT NULL,
				depends_on_id TEXT NOT NULL,
				PRIMARY KEY (story_id, depends_on_id)
			)`)
		return err
	}},
	{Name: "008_messages", Up: func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			CREATE TABLE IF NOT EXISTS messages (
				id TEXT PRIMARY KEY,
				from_session TEXT NOT NULL,
				to_session TEXT NOT NULL,
				subject TEXT NOT NULL DEFAULT '',
				body TEXT NOT NULL,
				reply TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL DEFAULT 'pending',
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`)
		return err
	}},
	{Name: "009_escalations", Up: func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			CREATE TABLE IF NOT EXISTS escalations (
				id TEXT PRIMARY KEY,
				story_id TEXT NOT NULL DEFAULT '',
				from_agent_id TEXT NOT NULL DEFAULT '',
				to_agent_id TEXT NOT NULL DEFAULT '',
				reason TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'pending',
				resolution TEXT NOT NULL DEFAULT '',
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`)
		return err
	}},
	{Name: "010_pull_requests", Up: func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			CREATE TABLE IF NOT EXISTS pull_requests (
				id TEXT PRIMARY KEY,
				story_id TEXT NOT NULL DEFAULT '',
				team_id TEXT NOT NULL DEFAULT '',
				branch_name TEXT NOT NULL,
				code_host_number INTEGER NOT NULL DEFAULT 0,
				code_host_url TEXT NOT NULL DEFAULT '',
				submitted_by TEXT NOT NULL DEFAULT '',
				reviewed_by TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL DEFAULT 'queued',
				review_notes TEXT NOT NULL DEFAULT '',
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`)
		return err
	}},
	{Name: "011_indexes", Up: func(tx *sql.Tx) error {
		stmts := []string{
			`CREATE INDEX IF NOT EXISTS idx_stories_status ON stories(status)`,
			`CREATE INDEX IF NOT EXISTS idx_stories_team ON stories(team_id)`,
			`CREATE INDEX IF NOT EXISTS idx_stories_agent ON stories(assigned_agent_id)`,
			`CREATE INDEX IF NOT EXISTS idx_stories_requirement ON stories(requirement_id)`,
			`CREATE INDEX IF NOT EXISTS idx_agents_team ON agents(team_id)`,
			`CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status)`,
			`CREATE INDEX IF NOT EXISTS idx_prs_team_status ON pull_requests(team_id, status)`,
			`CREATE INDEX IF NOT EXISTS idx_prs_story ON pull_requests(story_id)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_to ON messages(to_session)`,
			`CREATE INDEX IF NOT EXISTS idx_escalations_status ON escalations(status)`,
		}
		for _, s := range stmts {
			if _, err := tx.Exec(s); err != nil {
				return err
			}
		}
		return nil
	}},
	{Name: "012_event_log", Up: func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			CREATE TABLE IF NOT EXISTS event_log (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				agent_id TEXT NOT NULL DEFAULT '',
				story_id TEXT NOT NULL DEFAULT '',
				event_type TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT '',
				message TEXT NOT NULL DEFAULT '',
				metadata TEXT NOT NULL DEFAULT '{}',
				timestamp TEXT NOT NULL
			)`)
		return err
	}},
	// Out of numeric order by design; see the package doc comment above.
	{Name: "006_integrations", Up: func(tx *sql.Tx) error {
		_, err := tx.Exec(`ALTER TABLE stories ADD COLUMN external_issue_key TEXT NOT NULL DEFAULT ''`)
		if err != nil && !isDuplicateColumn(err) {
			return err
		}
		return nil
	}},
	{Name: "007_backfill_story_points", Up: func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE stories SET story_points = complexity_score WHERE story_points = 0 AND complexity_score > 0`)
		return err
	}},
}

// isDuplicateColumn tolerates re-running an ADD COLUMN step against a
// database file that already carries the column from an earlier,
// differently-ordered schema version.
func isDuplicateColumn(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "duplicate column name")
}
