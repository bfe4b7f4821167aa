package main

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/airyland/ArConnect/pkg/audit"
	"github.com/airyland/ArConnect/pkg/contracts"
)

func newAuditCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect and export authorization receipts",
	}

	list := &cobra.Command{
		Use:   "list [origin]",
		Short: "List recorded decisions, newest last",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var origin contracts.Origin
			if len(args) == 1 {
				origin = contracts.Origin(args[0])
			}
			a, err := c.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			receipts, err := a.audit.List(cmd.Context(), origin)
			if err != nil {
				return err
			}
			if done, err := c.emit(receipts); done {
				return err
			}
			for _, r := range receipts {
				verdict := color.RedString("denied ")
				if r.Granted {
					verdict = color.GreenString("granted")
				}
				if !audit.Verify(r) {
					verdict += color.YellowString(" (hash mismatch)")
				}
				_, _ = fmt.Fprintf(c.stdout, "%s  %-11s %s  %s  %s\n",
					r.DecidedAt.Format(time.RFC3339), r.Kind, verdict, r.Origin, r.Reason)
			}
			return nil
		},
	}

	var out, origin, since, until string
	export := &cobra.Command{
		Use:   "export",
		Short: "Write a zip evidence pack of receipts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := audit.ExportRequest{Origin: contracts.Origin(origin)}
			for _, p := range []struct {
				raw string
				dst *time.Time
			}{{since, &req.StartTime}, {until, &req.EndTime}} {
				if p.raw == "" {
					continue
				}
				ts, err := time.Parse(time.RFC3339, p.raw)
				if err != nil {
					return fmt.Errorf("invalid time %q: %w", p.raw, err)
				}
				*p.dst = ts
			}

			a, err := c.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			data, sum, err := a.audit.Export(cmd.Context(), req)
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, data, 0o600); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(c.stdout, "%s wrote %s (sha256 %s)\n", color.GreenString("✓"), out, sum)
			return nil
		},
	}
	export.Flags().StringVar(&out, "out", "weavemask-receipts.zip", "Output file")
	export.Flags().StringVar(&origin, "origin", "", "Only receipts for this origin")
	export.Flags().StringVar(&since, "since", "", "RFC 3339 start of the window")
	export.Flags().StringVar(&until, "until", "", "RFC 3339 end of the window")

	cmd.AddCommand(list, export)
	return cmd
}
