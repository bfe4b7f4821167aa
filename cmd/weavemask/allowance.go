package main

import (
	"fmt"
	"math/big"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/airyland/ArConnect/pkg/allowance"
	"github.com/airyland/ArConnect/pkg/contracts"
)

type allowanceView struct {
	Origin  contracts.Origin `json:"url" yaml:"url"`
	Enabled bool             `json:"enabled" yaml:"enabled"`
	Limit   string           `json:"limit" yaml:"limit"`
	Spent   string           `json:"spent" yaml:"spent"`
	// SpentMinorUnits is the raw ledger value.
	SpentMinorUnits int64 `json:"spentMinorUnits" yaml:"spent_minor_units"`
}

func viewOf(rec allowance.Record, scale int) allowanceView {
	return allowanceView{
		Origin:          rec.Origin,
		Enabled:         rec.Enabled,
		Limit:           rec.Limit,
		Spent:           allowance.FormatMajor(big.NewInt(rec.SpentMinorUnits), scale),
		SpentMinorUnits: rec.SpentMinorUnits,
	}
}

func (c *cli) printAllowance(v allowanceView) error {
	if done, err := c.emit(v); done {
		return err
	}
	state := color.RedString("disabled")
	if v.Enabled {
		state = color.GreenString("enabled")
	}
	_, _ = fmt.Fprintf(c.stdout, "%s  %s\n  limit: %s\n  spent: %s\n", color.CyanString(string(v.Origin)), state, v.Limit, v.Spent)
	return nil
}

// allowanceOp builds a subcommand that runs fn against the ledger and then
// prints the resulting record.
func (c *cli) allowanceOp(use, short string, args cobra.PositionalArgs, fn func(cmd *cobra.Command, a *app, origin contracts.Origin, rest []string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, argv []string) error {
			origin := contracts.Origin(argv[0])
			if err := origin.Validate(); err != nil {
				return err
			}
			a, err := c.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			if fn != nil {
				if err := fn(cmd, a, origin, argv[1:]); err != nil {
					return err
				}
			}
			rec, err := a.ledger.Get(cmd.Context(), origin)
			if err != nil {
				return err
			}
			return c.printAllowance(viewOf(rec, a.ledger.Scale()))
		},
	}
}

func newAllowanceCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "allowance",
		Short: "Inspect and change per-origin spending allowances",
	}
	cmd.AddCommand(
		c.allowanceOp("get <origin>", "Show an origin's allowance", cobra.ExactArgs(1), nil),
		c.allowanceOp("set <origin> <limit>", "Set the limit (major units) and enable the allowance", cobra.ExactArgs(2),
			func(cmd *cobra.Command, a *app, origin contracts.Origin, rest []string) error {
				return a.ledger.ResetOrRaise(cmd.Context(), origin, &rest[0])
			}),
		c.allowanceOp("reset <origin>", "Reset the spent amount to zero", cobra.ExactArgs(1),
			func(cmd *cobra.Command, a *app, origin contracts.Origin, _ []string) error {
				return a.ledger.ResetOrRaise(cmd.Context(), origin, nil)
			}),
		c.allowanceOp("enable <origin>", "Enforce the allowance", cobra.ExactArgs(1),
			func(cmd *cobra.Command, a *app, origin contracts.Origin, _ []string) error {
				return a.ledger.SetEnabled(cmd.Context(), origin, true)
			}),
		c.allowanceOp("disable <origin>", "Stop enforcing the allowance", cobra.ExactArgs(1),
			func(cmd *cobra.Command, a *app, origin contracts.Origin, _ []string) error {
				return a.ledger.SetEnabled(cmd.Context(), origin, false)
			}),
		&cobra.Command{
			Use:   "list",
			Short: "List every stored allowance",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := c.openApp(cmd.Context())
				if err != nil {
					return err
				}
				defer func() { _ = a.Close() }()
				recs, err := a.ledger.List(cmd.Context())
				if err != nil {
					return err
				}
				views := make([]allowanceView, 0, len(recs))
				for _, r := range recs {
					views = append(views, viewOf(r, a.ledger.Scale()))
				}
				if done, err := c.emit(views); done {
					return err
				}
				for _, v := range views {
					if err := c.printAllowance(v); err != nil {
						return err
					}
				}
				return nil
			},
		},
	)
	return cmd
}
