package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/victorarias/rbroker/internal/protocol"
)

func newSessionsCmd() *cobra.Command {
	flags := &brokerFlags{}
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List or terminate broker sessions",
	}
	flags.register(cmd)
	cmd.AddCommand(newSessionsListCmd(flags), newSessionsKillCmd(flags))
	return cmd
}

func newSessionsListCmd(flags *brokerFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the user's sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}
			defer c.Close()
			sessions, err := c.Sessions(cmd.Context())
			if err != nil {
				return fmt.Errorf("list sessions: %w", err)
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(sessions)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), renderSessions(sessions))
			return err
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func renderSessions(sessions []protocol.SessionInfo) string {
	if len(sessions) == 0 {
		return "No active sessions"
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("ID", "STATE", "PID", "CLIENT", "INTERPRETER")
	for _, s := range sessions {
		pid := "-"
		if s.HostPID != 0 {
			pid = strconv.Itoa(s.HostPID)
		}
		client := "-"
		if s.ClientConnected {
			client = "yes"
		}
		t.Row(s.ID, string(s.State), pid, client, s.InterpreterPath)
	}
	return t.String()
}

func newSessionsKillCmd(flags *brokerFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "kill ID...",
		Short: "Terminate sessions and their hosts",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}
			defer c.Close()
			for _, id := range args {
				if err := c.TerminateSession(cmd.Context(), id); err != nil {
					return fmt.Errorf("terminate %s: %w", id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "terminated %s\n", id)
			}
			return nil
		},
	}
}
