package session

import "testing"

func TestClassify(t *testing.T) {
	cases := []struct {
		name   string
		buffer string
		want   AgentState
		wait   bool
		human  bool
	}{
		{"thinking", "Reticulating splines... (esc to interrupt)", StateThinking, false, false},
		{"menu", "Which file did you mean?\n1) internal/foo.go\n2) internal/bar.go\nUse arrow keys to select", StateNeedsHumanInput, true, true},
		{"permission", "Allow Bash(rm -rf) to run?", StatePermissionRequired, true, false},
		{"plan", "Plan mode is on. Review the plan before proceeding.", StatePlanApproval, true, false},
		{"uncommitted", "some earlier output\n> draft a fix but not yet sent", StateIdleAtPrompt, true, false},
		{"complete", "All done! PR created at https://example/pr/1. Is there anything else?", StateIdleAtPrompt, true, false},
		{"working", "Editing internal/store/stories.go\nRunning go vet...", StateActivelyWorking, false, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := Classify(c.buffer)
			if got.State != c.want {
				t.Fatalf("state = %s, want %s", got.State, c.want)
			}
			if got.IsWaiting != c.wait {
				t.Fatalf("is_waiting = %v, want %v", got.IsWaiting, c.wait)
			}
			if got.NeedsHuman != c.human {
				t.Fatalf("needs_human = %v, want %v", got.NeedsHuman, c.human)
			}
		})
	}
}

func TestClassifyRuleOrderThinkingBeatsMenu(t *testing.T) {
	// A buffer with both an active-work marker and a stale menu from
	// earlier output should classify as THINKING: rule 1 wins.
	buf := "1) Option A\n2) Option B\nReticulating splines... (esc to interrupt)"
	got := Classify(buf)
	if got.State != StateThinking {
		t.Fatalf("state = %s, want %s", got.State, StateThinking)
	}
}
