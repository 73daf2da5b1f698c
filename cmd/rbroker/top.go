package main

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/victorarias/rbroker/internal/dashboard"
)

func newTopCmd() *cobra.Command {
	flags := &brokerFlags{}
	cmd := &cobra.Command{
		Use:   "top",
		Short: "Watch a broker's sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}
			defer c.Close()
			p := tea.NewProgram(dashboard.NewModel(c, flags.url), tea.WithContext(cmd.Context()))
			if _, err := p.Run(); err != nil {
				return fmt.Errorf("dashboard: %w", err)
			}
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func newInfoCmd() *cobra.Command {
	flags := &brokerFlags{}
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Describe a broker and its interpreters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}
			defer c.Close()
			info, err := c.Info(cmd.Context())
			if err != nil {
				return fmt.Errorf("broker info: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %s (protocol %s, instance %s)\n", info.Name, info.Version, info.ProtocolVersion, info.InstanceID)
			if len(info.Interpreters) == 0 {
				fmt.Fprintln(out, "no interpreters configured")
			}
			for _, interp := range info.Interpreters {
				fmt.Fprintf(out, "  %-10s %s\n", interp.ID, interp.InstallPath)
			}
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}
