package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/airyland/ArConnect/pkg/contracts"
	"github.com/airyland/ArConnect/pkg/permissions"
)

func newPermissionsCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "permissions",
		Short: "Inspect and revoke origin grants",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List every origin and what it was granted",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := c.openApp(cmd.Context())
				if err != nil {
					return err
				}
				defer func() { _ = a.Close() }()

				grants, err := a.perms.List(cmd.Context())
				if err != nil {
					return err
				}
				if done, err := c.emit(grants); done {
					return err
				}
				if len(grants) == 0 {
					_, _ = fmt.Fprintln(c.stdout, "No connected origins.")
					return nil
				}
				cyan := color.New(color.FgCyan).SprintFunc()
				for _, g := range grants {
					_, _ = fmt.Fprintf(c.stdout, "%s\n  %s\n", cyan(g.URL), strings.Join(permissions.Strings(g.Permissions), ", "))
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "revoke <origin>",
			Short: "Disconnect an origin",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				origin := contracts.Origin(args[0])
				if err := origin.Validate(); err != nil {
					return err
				}
				a, err := c.openApp(cmd.Context())
				if err != nil {
					return err
				}
				defer func() { _ = a.Close() }()

				if err := a.perms.Revoke(cmd.Context(), origin); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(c.stdout, "%s %s disconnected\n", color.GreenString("✓"), origin)
				return nil
			},
		},
	)
	return cmd
}
