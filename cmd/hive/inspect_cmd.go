package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"hive/internal/model"
	"hive/internal/store"
)

var storyStatusOrder = []model.StoryStatus{
	model.StoryDraft, model.StoryEstimated, model.StoryPlanned,
	model.StoryInProgress, model.StoryReview, model.StoryQA,
	model.StoryQAFailed, model.StoryPRSubmitted, model.StoryMerged,
}

var prStatusOrder = []model.PullRequestStatus{
	model.PRQueued, model.PRReviewing, model.PRApproved,
	model.PRMerged, model.PRRejected, model.PRClosed,
}

func newStatusCmd(state *rootState) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Summarize teams, agents, stories, and recent events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := state.openStore()
			if err != nil {
				return err
			}
			defer db.Close()
			return printStatus(cmd.Context(), cmd.OutOrStdout(), db, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit machine-readable output")
	return cmd
}

type statusReport struct {
	Teams   int                       `json:"teams"`
	Agents  map[model.AgentStatus]int `json:"agents"`
	Stories map[model.StoryStatus]int `json:"stories"`
	Events  []model.Event             `json:"recent_events"`
}

func printStatus(ctx context.Context, w io.Writer, db *store.Store, asJSON bool) error {
	teams, err := db.ListTeams(ctx)
	if err != nil {
		return err
	}
	agents, err := db.ListAgents(ctx)
	if err != nil {
		return err
	}
	stories, err := db.ListStoriesByStatus(ctx, storyStatusOrder...)
	if err != nil {
		return err
	}
	events, err := db.ListRecentEvents(ctx, 10)
	if err != nil {
		return err
	}

	report := statusReport{
		Teams:   len(teams),
		Agents:  map[model.AgentStatus]int{},
		Stories: map[model.StoryStatus]int{},
		Events:  events,
	}
	for _, a := range agents {
		report.Agents[a.Status]++
	}
	for _, st := range stories {
		report.Stories[st.Status]++
	}

	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	fmt.Fprintf(w, "teams: %d\n", report.Teams)
	fmt.Fprintf(w, "agents: %d working, %d idle, %d blocked, %d terminated\n",
		report.Agents[model.AgentWorking], report.Agents[model.AgentIdle],
		report.Agents[model.AgentBlocked], report.Agents[model.AgentTerminated])
	fmt.Fprint(w, "stories:")
	for _, s := range storyStatusOrder {
		if n := report.Stories[s]; n > 0 {
			fmt.Fprintf(w, " %d %s", n, s)
		}
	}
	fmt.Fprintln(w)
	for _, e := range report.Events {
		fmt.Fprintf(w, "  %s %-32s %s\n", humanize.Time(e.Timestamp), e.EventType, e.Message)
	}
	return nil
}

func newStoriesCmd(state *rootState) *cobra.Command {
	var teamFilter string
	cmd := &cobra.Command{
		Use:   "stories",
		Short: "List stories and their pipeline state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := state.openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			teams, err := db.ListTeams(cmd.Context())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, team := range teams {
				if teamFilter != "" && team.Name != teamFilter {
					continue
				}
				stories, err := db.ListStoriesByTeam(cmd.Context(), team.ID)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%s (%d stories)\n", team.Name, len(stories))
				for _, st := range stories {
					assignee := "-"
					if st.AssignedAgentID != "" {
						assignee = st.AssignedAgentID
					}
					fmt.Fprintf(w, "  %-14s %-12s cx=%-2d %-10s %s\n",
						st.ID, st.Status, st.ComplexityScore, assignee, st.Title)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&teamFilter, "team", "", "limit to one team by name")
	return cmd
}

func newPRCmd(state *rootState) *cobra.Command {
	return &cobra.Command{
		Use:   "pr",
		Short: "List tracked pull requests",
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := state.openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			teams, err := db.ListTeams(cmd.Context())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, team := range teams {
				for _, status := range prStatusOrder {
					prs, err := db.ListPullRequestsByTeamStatus(cmd.Context(), team.ID, status)
					if err != nil {
						return err
					}
					for _, pr := range prs {
						fmt.Fprintf(w, "%-10s #%-5d %-10s %-30s %s\n",
							team.Name, pr.CodeHostNumber, pr.Status, pr.BranchName, pr.CodeHostURL)
					}
				}
			}
			return nil
		},
	}
}
