package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/airyland/ArConnect/pkg/bridge"
	"github.com/airyland/ArConnect/pkg/broker"
	"github.com/airyland/ArConnect/pkg/consent"
	"github.com/airyland/ArConnect/pkg/contracts"
	"github.com/airyland/ArConnect/pkg/observability"
	"github.com/airyland/ArConnect/pkg/router"
)

func newServeCmd(c *cli) *cobra.Command {
	var surface string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the broker and its websocket bridge",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return c.serve(ctx, surface)
		},
	}
	cmd.Flags().StringVar(&surface, "surface", "popup", "Consent surface: popup (via the bridge) or terminal")
	return cmd
}

func (c *cli) serve(ctx context.Context, surfaceName string) error {
	cfg := c.cfg

	settings := observability.DefaultSettings()
	settings.Version = Version
	settings.Endpoint = cfg.OTelEndpoint
	settings.Enabled = cfg.OTelEnabled
	tel, err := observability.Start(ctx, settings, observability.WithLogger(c.logger))
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = tel.Shutdown(context.Background()) }()

	a, err := c.openApp(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	r := router.New(cfg.ExtTag, router.WithChunkSize(cfg.ChunkSize), router.WithLogger(c.logger))

	var srv *bridge.Server
	var terminal *consent.TerminalSurface
	var surface consent.Surface
	switch surfaceName {
	case "popup":
		launch := consent.LaunchFunc(func(ctx context.Context, url string) error { return srv.Launch(ctx, url) })
		surface = consent.NewPopupSurface(r, launch, cfg.PopupURL)
	case "terminal":
		terminal = consent.NewTerminalSurface(c.stdin, c.stdout)
		surface = terminal
	default:
		return fmt.Errorf("unknown surface %q: want popup or terminal", surfaceName)
	}

	gate := consent.NewGate(surface, consent.WithTimeout(cfg.ConsentTimeout), consent.WithLogger(c.logger))
	b := broker.New(a.perms, a.ledger, gate,
		broker.WithNotifier(broker.NotifierFunc(func(_ context.Context, origin contracts.Origin, connected bool) {
			log.Printf("[weavemask] %s connected=%t", origin, connected)
		})),
		broker.WithAudit(a.audit),
		broker.WithTelemetry(tel),
		broker.WithLogger(c.logger),
	)
	b.Register(r)
	if terminal != nil {
		terminal.SetEditor(b)
	}

	auth := bridge.NewTokenAuth(cfg.ExtTag, 0)
	srv = bridge.New(r, b,
		bridge.WithAuth(auth),
		bridge.WithSurfaceCloser(gate),
		bridge.WithExporter(a.audit),
		bridge.WithLimiter(bridge.NewOriginLimiter(cfg.RateRPM, cfg.RateBurst)),
		bridge.WithLogger(c.logger),
		bridge.WithVersion(Version),
	)

	if err := c.handOverToken(auth); err != nil {
		return err
	}
	log.Printf("[weavemask] ready: ws://%s/content (tag %q, surface %s)", cfg.Listen, cfg.ExtTag, surfaceName)
	log.Println("[weavemask] press ctrl+c to stop")
	if err := srv.ListenAndServe(ctx, cfg.Listen); err != nil {
		return err
	}
	log.Println("[weavemask] shutting down")
	return nil
}

// handOverToken issues the extension's bridge token and writes it where the
// extension's native host picks it up. The token dies with the process.
func (c *cli) handOverToken(auth *bridge.TokenAuth) error {
	token, err := auth.Issue("extension", bridge.ScopeContent, bridge.ScopePopup, bridge.ScopeAdmin)
	if err != nil {
		return fmt.Errorf("issue bridge token: %w", err)
	}
	if c.cfg.TokenFile == "" {
		_, err := fmt.Fprintln(c.stdout, token)
		return err
	}
	if err := os.WriteFile(c.cfg.TokenFile, []byte(token+"\n"), 0o600); err != nil {
		return fmt.Errorf("write bridge token: %w", err)
	}
	log.Printf("[weavemask] bridge token written to %s", c.cfg.TokenFile)
	return nil
}
