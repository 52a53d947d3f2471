package session

import "regexp"

// AgentState is the discrete classification of a captured pane
// buffer: a tagged sum type rather than a loose string, so the
// compiler catches an unhandled case in a switch.
type AgentState string

const (
	StateThinking           AgentState = "THINKING"
	StateIdleAtPrompt       AgentState = "IDLE_AT_PROMPT"
	StatePermissionRequired AgentState = "PERMISSION_REQUIRED"
	StatePlanApproval       AgentState = "PLAN_APPROVAL"
	StateNeedsHumanInput    AgentState = "NEEDS_HUMAN_INPUT"
	StateActivelyWorking    AgentState = "ACTIVELY_WORKING"
)

// Classification is the pure output of Classify.
type Classification struct {
	State      AgentState
	IsWaiting  bool
	NeedsHuman bool
}

// patterns is the table the classifier matches against, kept separate
// from the rule order below so new phrasings can be added without
// touching control flow.
var patterns = struct {
	activeWork         []*regexp.Regexp
	humanInputNeeded   []*regexp.Regexp
	permissionRequired []*regexp.Regexp
	planApproval       []*regexp.Regexp
	uncommittedInput   []*regexp.Regexp
	completion         []*regexp.Regexp
}{
	activeWork: []*regexp.Regexp{
		regexp.MustCompile(`(?i)esc to interrupt`),
		regexp.MustCompile(`(?i)\b(thinking|pondering|cogitating|ruminating|reticulating|synthesizing|working)\.\.\.`),
		regexp.MustCompile(`(?i)press ctrl-c to stop`),
	},
	humanInputNeeded: []*regexp.Regexp{
		regexp.MustCompile(`(?i)use arrow keys to (select|navigate)`),
		regexp.MustCompile(`(?i)^\s*\d+\)\s+.+`),
		regexp.MustCompile(`(?i)do you want to proceed\?`),
		regexp.MustCompile(`(?i)user declined to answer`),
		regexp.MustCompile(`(?i)(please clarify|could you clarify|which .+ did you mean)\??`),
		regexp.MustCompile(`(?i)exiting plan mode.*approve`),
	},
	permissionRequired: []*regexp.Regexp{
		regexp.MustCompile(`(?i)permission.*required`),
		regexp.MustCompile(`(?i)approve this (action|tool call)\s*\[y/n\]`),
		regexp.MustCompile(`(?i)allow .+ to run\?`),
	},
	planApproval: []*regexp.Regexp{
		regexp.MustCompile(`(?i)plan mode (is )?on`),
		regexp.MustCompile(`(?i)safe mode (is )?on`),
		regexp.MustCompile(`(?i)review the plan before proceeding`),
	},
	uncommittedInput: []*regexp.Regexp{
		regexp.MustCompile(`(?m)^>\s+\S.*$`),
	},
	completion: []*regexp.Regexp{
		regexp.MustCompile(`(?i)work is complete`),
		regexp.MustCompile(`(?i)pr (created|submitted|opened)`),
		regexp.MustCompile(`(?i)is there anything else`),
	},
}

func anyMatch(exprs []*regexp.Regexp, buffer string) bool {
	for _, re := range exprs {
		if re.MatchString(buffer) {
			return true
		}
	}
	return false
}

// Classify maps a captured pane buffer to an AgentState, applying the
// rules in order, first match wins. It is a pure
// function of the buffer and the package-level pattern table; it
// performs no I/O.
func Classify(buffer string) Classification {
	switch {
	case anyMatch(patterns.activeWork, buffer):
		return Classification{State: StateThinking, IsWaiting: false}
	case anyMatch(patterns.humanInputNeeded, buffer):
		return Classification{State: StateNeedsHumanInput, IsWaiting: true, NeedsHuman: true}
	case anyMatch(patterns.permissionRequired, buffer):
		return Classification{State: StatePermissionRequired, IsWaiting: true}
	case anyMatch(patterns.planApproval, buffer):
		return Classification{State: StatePlanApproval, IsWaiting: true}
	case anyMatch(patterns.uncommittedInput, buffer):
		return Classification{State: StateIdleAtPrompt, IsWaiting: true}
	case anyMatch(patterns.completion, buffer):
		return Classification{State: StateIdleAtPrompt, IsWaiting: true}
	default:
		return Classification{State: StateActivelyWorking, IsWaiting: false}
	}
}
