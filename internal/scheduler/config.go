package scheduler

import (
	"hive/internal/session"
)

// TierModel names the CLI tool, model, and safety mode to spawn a
// given agent tier with.
type TierModel struct {
	CLITool string
	Model   string
	Safety  session.SafetyMode
}

// Config holds the thresholds and policy knobs the Scheduler consults.
type Config struct {
	// JuniorMaxComplexity is the inclusive upper bound routed to a
	// junior agent; IntermediateMaxComplexity the next tier up.
	JuniorMaxComplexity       int
	IntermediateMaxComplexity int

	// SeniorCapacity is the story-point budget one senior can own
	// before another is spawned.
	SeniorCapacity int

	// Refactor is the optional capacity-budgeted refactor-inclusion
	// policy.
	Refactor RefactorPolicy

	// Models maps each agent tier to the CLI/model/safety triple used
	// to spawn it.
	Models map[AgentTierKey]TierModel
}

// AgentTierKey indexes Config.Models; it is a plain string alias
// holding a model.AgentType value (e.g. "junior"), so callers don't
// need to import internal/model just to build a Config.
type AgentTierKey = string

// DefaultConfig returns the stock thresholds: junior handles
// complexity 1-3, intermediate 4-7, senior
// 8-13, one senior per 20 story points.
func DefaultConfig() Config {
	return Config{
		JuniorMaxComplexity:       3,
		IntermediateMaxComplexity: 7,
		SeniorCapacity:            20,
		Refactor: RefactorPolicy{
			Enabled:                 false,
			CapacityPercent:         20,
			AllowWithoutFeatureWork: false,
		},
		Models: map[AgentTierKey]TierModel{
			"junior":       {CLITool: "claude", Model: "claude-3-5-haiku-latest", Safety: session.SafetyModeBypass},
			"intermediate": {CLITool: "claude", Model: "claude-3-5-sonnet-latest", Safety: session.SafetyModeBypass},
			"senior":       {CLITool: "claude", Model: "claude-3-opus-latest", Safety: session.SafetyModeBypass},
			"qa":           {CLITool: "claude", Model: "claude-3-5-sonnet-latest", Safety: session.SafetyModeBypass},
			"feature_test": {CLITool: "claude", Model: "claude-3-5-sonnet-latest", Safety: session.SafetyModeBypass},
			"tech_lead":    {CLITool: "claude", Model: "claude-3-opus-latest", Safety: session.SafetyModeBypass},
		},
	}
}
