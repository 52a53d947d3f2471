package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"hive/internal/messaging"
	"hive/internal/model"
)

func newMsgCmd(state *rootState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "msg",
		Short: "Send and read inter-session messages",
	}
	cmd.AddCommand(
		newMsgSendCmd(state),
		newMsgInboxCmd(state),
		newMsgReadCmd(state),
		newMsgReplyCmd(state),
		newMsgOutboxCmd(state),
	)
	return cmd
}

func newMsgSendCmd(state *rootState) *cobra.Command {
	var from, to, subject string
	cmd := &cobra.Command{
		Use:   "send <body>",
		Short: "Queue a message for a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := state.openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			msg, err := messaging.New(db).Send(cmd.Context(), from, to, subject, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued %s for %s\n", msg.ID, to)
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "operator", "sending session name")
	cmd.Flags().StringVar(&to, "to", "", "receiving session name")
	_ = cmd.MarkFlagRequired("to")
	cmd.Flags().StringVar(&subject, "subject", "", "optional subject line")
	return cmd
}

func newMsgInboxCmd(state *rootState) *cobra.Command {
	var includeRead bool
	cmd := &cobra.Command{
		Use:   "inbox <session>",
		Short: "List a session's messages (pending only by default)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := state.openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			msgs, err := messaging.New(db).Inbox(cmd.Context(), args[0], includeRead)
			if err != nil {
				return err
			}
			printMessages(cmd, msgs)
			return nil
		},
	}
	cmd.Flags().BoolVar(&includeRead, "all", false, "include read and replied messages")
	return cmd
}

func newMsgReadCmd(state *rootState) *cobra.Command {
	return &cobra.Command{
		Use:   "read <message-id>",
		Short: "Mark a message read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := state.openStore()
			if err != nil {
				return err
			}
			defer db.Close()
			return messaging.New(db).Read(cmd.Context(), args[0])
		},
	}
}

func newMsgReplyCmd(state *rootState) *cobra.Command {
	return &cobra.Command{
		Use:   "reply <message-id> <text>",
		Short: "Reply to a message",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := state.openStore()
			if err != nil {
				return err
			}
			defer db.Close()
			return messaging.New(db).Reply(cmd.Context(), args[0], args[1])
		},
	}
}

func newMsgOutboxCmd(state *rootState) *cobra.Command {
	return &cobra.Command{
		Use:   "outbox <session>",
		Short: "List messages a session has sent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := state.openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			msgs, err := messaging.New(db).Outbox(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printMessages(cmd, msgs)
			return nil
		},
	}
}

func printMessages(cmd *cobra.Command, msgs []model.Message) {
	w := cmd.OutOrStdout()
	if len(msgs) == 0 {
		fmt.Fprintln(w, "no messages")
		return
	}
	for _, m := range msgs {
		fmt.Fprintf(w, "%s  %-8s %s -> %s  %s\n", m.ID, m.Status, m.FromSession, m.ToSession, humanize.Time(m.CreatedAt))
		if m.Subject != "" {
			fmt.Fprintf(w, "    subject: %s\n", m.Subject)
		}
		fmt.Fprintf(w, "    %s\n", m.Body)
		if m.Reply != "" {
			fmt.Fprintf(w, "    reply: %s\n", m.Reply)
		}
	}
}

func newAddRepoCmd(state *rootState) *cobra.Command {
	var repoURL, repoPath string
	cmd := &cobra.Command{
		Use:   "add-repo <name>",
		Short: "Register a repository as a team under orchestration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := state.openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			team := model.Team{
				ID:       uuid.NewString(),
				Name:     args[0],
				RepoURL:  repoURL,
				RepoPath: repoPath,
			}
			if err := db.CreateTeam(cmd.Context(), team); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "team %s registered (%s)\n", team.Name, team.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&repoURL, "url", "", "repository clone URL")
	cmd.Flags().StringVar(&repoPath, "path", "", "repository path relative to the workspace root")
	_ = cmd.MarkFlagRequired("path")
	return cmd
}
