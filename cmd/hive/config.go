package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"hive/internal/manager"
	"hive/internal/scheduler"
	"hive/internal/session"
)

// appConfig is the fully-resolved configuration the commands hand to
// the core components, loaded from <workspace>/config.yaml with HIVE_
// environment overrides.
type appConfig struct {
	Manager   manager.Config
	Scheduler scheduler.Config

	ClusterEnabled bool
	ClusterNodeID  string
}

func loadConfig(workspace string) (appConfig, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(workspace)
	v.SetEnvPrefix("HIVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("manager.slow_poll_interval", 60_000)
	v.SetDefault("manager.stuck_threshold_ms", 300_000)
	v.SetDefault("manager.nudge_cooldown_ms", 300_000)
	v.SetDefault("manager.lock_stale_ms", 300_000)
	v.SetDefault("manager.pr_max_age_ms", 0)
	v.SetDefault("manager.merge_strategy", "squash")
	v.SetDefault("scaling.junior_max_complexity", 3)
	v.SetDefault("scaling.intermediate_max_complexity", 7)
	v.SetDefault("scaling.senior_capacity", 20)
	v.SetDefault("scaling.refactor.enabled", false)
	v.SetDefault("scaling.refactor.capacity_percent", 20)
	v.SetDefault("scaling.refactor.allow_without_feature_work", false)
	v.SetDefault("cluster.enabled", false)
	v.SetDefault("cluster.node_id", "")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return appConfig{}, fmt.Errorf("read config: %w", err)
		}
		// No config file: defaults plus environment are a valid setup.
	}

	ms := func(key string) time.Duration { return time.Duration(v.GetInt64(key)) * time.Millisecond }

	mcfg := manager.DefaultConfig()
	mcfg.SlowPollInterval = ms("manager.slow_poll_interval")
	mcfg.StuckThreshold = ms("manager.stuck_threshold_ms")
	mcfg.NudgeCooldown = ms("manager.nudge_cooldown_ms")
	mcfg.LockStale = ms("manager.lock_stale_ms")
	mcfg.PRMaxAge = ms("manager.pr_max_age_ms")
	mcfg.MergeStrategy = v.GetString("manager.merge_strategy")

	scfg := scheduler.DefaultConfig()
	scfg.JuniorMaxComplexity = v.GetInt("scaling.junior_max_complexity")
	scfg.IntermediateMaxComplexity = v.GetInt("scaling.intermediate_max_complexity")
	scfg.SeniorCapacity = v.GetInt("scaling.senior_capacity")
	scfg.Refactor = scheduler.RefactorPolicy{
		Enabled:                 v.GetBool("scaling.refactor.enabled"),
		CapacityPercent:         v.GetInt("scaling.refactor.capacity_percent"),
		AllowWithoutFeatureWork: v.GetBool("scaling.refactor.allow_without_feature_work"),
	}

	// models.<tier>.{model, cli_tool, safety_mode} override the built-in
	// per-tier defaults where present.
	for tier, tm := range scfg.Models {
		prefix := "models." + tier
		if m := v.GetString(prefix + ".model"); m != "" {
			tm.Model = m
		}
		if c := v.GetString(prefix + ".cli_tool"); c != "" {
			tm.CLITool = c
		}
		if sm := v.GetString(prefix + ".safety_mode"); sm != "" {
			tm.Safety = session.SafetyMode(sm)
		}
		scfg.Models[tier] = tm
	}

	return appConfig{
		Manager:        mcfg,
		Scheduler:      scfg,
		ClusterEnabled: v.GetBool("cluster.enabled"),
		ClusterNodeID:  v.GetString("cluster.node_id"),
	}, nil
}
