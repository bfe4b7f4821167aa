package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/airyland/ArConnect/pkg/permissions"
)

type catalogEntry struct {
	Permission  string `json:"permission" yaml:"permission"`
	Description string `json:"description" yaml:"description"`
}

func newCatalogCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "catalog",
		Short: "List the permissions an origin can ask for",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var entries []catalogEntry
			for _, t := range permissions.All() {
				entries = append(entries, catalogEntry{Permission: t.String(), Description: permissions.Description(t)})
			}
			if done, err := c.emit(entries); done {
				return err
			}
			bold := color.New(color.Bold).SprintFunc()
			for _, e := range entries {
				_, _ = fmt.Fprintf(c.stdout, "%-24s %s\n", bold(e.Permission), e.Description)
			}
			return nil
		},
	}
}
