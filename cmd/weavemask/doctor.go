package main

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/airyland/ArConnect/pkg/allowance"
	"github.com/airyland/ArConnect/pkg/kv"
	"github.com/airyland/ArConnect/pkg/permissions"
)

type checkResult struct {
	Name   string `json:"name" yaml:"name"`
	Status string `json:"status" yaml:"status"` // "ok", "warn", "fail"
	Detail string `json:"detail,omitempty" yaml:"detail,omitempty"`
}

func newDoctorCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration and store reachability",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			results := c.doctor(cmd.Context())
			failed := false
			for _, r := range results {
				if r.Status == "fail" {
					failed = true
				}
			}
			if done, err := c.emit(results); done {
				if err != nil {
					return err
				}
			} else {
				printChecks(c, results)
			}
			if failed {
				return errors.New("doctor found problems")
			}
			return nil
		},
	}
}

func (c *cli) doctor(ctx context.Context) []checkResult {
	cfg := c.cfg
	results := []checkResult{
		{Name: "go_runtime", Status: "ok", Detail: fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH)},
		{Name: "config", Status: "ok", Detail: fmt.Sprintf("store=%s codec=%s tag=%s", cfg.Store, cfg.StoreCodec, cfg.ExtTag)},
	}
	if cfg.ConsentTimeout == 0 {
		results = append(results, checkResult{Name: "consent_timeout", Status: "warn", Detail: "none; a forgotten prompt blocks the queue"})
	} else {
		results = append(results, checkResult{Name: "consent_timeout", Status: "ok", Detail: cfg.ConsentTimeout.String()})
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	db, err := openStore(ctx, cfg)
	if err != nil {
		return append(results, checkResult{Name: "store", Status: "fail", Detail: err.Error()})
	}
	defer func() { _ = db.Close() }()
	results = append(results, checkResult{Name: "store", Status: "ok", Detail: cfg.Store})

	for _, key := range []string{permissions.CollectionKey, allowance.CollectionKey} {
		_, err := db.Get(ctx, key)
		switch {
		case err == nil:
			results = append(results, checkResult{Name: key, Status: "ok", Detail: "present"})
		case errors.Is(err, kv.ErrNotFound):
			results = append(results, checkResult{Name: key, Status: "warn", Detail: "missing (created by serve on first start)"})
		default:
			results = append(results, checkResult{Name: key, Status: "fail", Detail: err.Error()})
		}
	}
	return results
}

func printChecks(c *cli, results []checkResult) {
	_, _ = fmt.Fprintf(c.stdout, "\n%s\n", color.New(color.Bold, color.FgMagenta).Sprint("WeaveMask Doctor"))
	_, _ = fmt.Fprintln(c.stdout, "────────────────")
	for _, r := range results {
		icon := color.GreenString("✓")
		switch r.Status {
		case "warn":
			icon = color.YellowString("!")
		case "fail":
			icon = color.RedString("✗")
		}
		_, _ = fmt.Fprintf(c.stdout, "  %s  %-20s %s\n", icon, r.Name, r.Detail)
	}
}
