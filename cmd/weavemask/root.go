package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/airyland/ArConnect/pkg/config"
	"github.com/airyland/ArConnect/pkg/observability"
)

// cli carries what every subcommand shares.
type cli struct {
	stdin          io.Reader
	stdout, stderr io.Writer

	configPath   string
	outputFormat string

	cfg    *config.Config
	logger *slog.Logger
}

func newRootCmd(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	c := &cli{stdin: stdin, stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:   "weavemask",
		Short: "Wallet connection and authorization broker",
		Long: `weavemask decides which web origins may use the wallet, asks the user
for consent when an origin needs more than it was granted, and enforces
per-origin spending allowances.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" || cmd.Name() == "catalog" {
				return nil
			}
			return c.load()
		},
	}
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "YAML config file (environment variables take precedence)")
	root.PersistentFlags().StringVarP(&c.outputFormat, "output", "o", "table", "Output format: table, json, yaml")

	root.AddCommand(
		newServeCmd(c),
		newCatalogCmd(c),
		newPermissionsCmd(c),
		newAllowanceCmd(c),
		newAuditCmd(c),
		newDoctorCmd(c),
	)

	return root
}

func (c *cli) load() error {
	cfg, err := config.LoadFile(c.configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	logger, err := observability.NewLogger(c.stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	c.cfg = cfg
	c.logger = logger
	slog.SetDefault(logger)
	return nil
}

func (c *cli) openApp(ctx context.Context) (*app, error) {
	return newApp(ctx, c.cfg, c.logger)
}

// emit writes data as JSON or YAML when --output asks for it and reports
// whether it did; table output is left to the caller.
func (c *cli) emit(data any) (bool, error) {
	switch c.outputFormat {
	case "json":
		enc := json.NewEncoder(c.stdout)
		enc.SetIndent("", "  ")
		return true, enc.Encode(data)
	case "yaml":
		out, err := yaml.Marshal(data)
		if err != nil {
			return true, err
		}
		_, err = c.stdout.Write(out)
		return true, err
	case "table", "":
		return false, nil
	default:
		return true, fmt.Errorf("unknown output format %q", c.outputFormat)
	}
}
