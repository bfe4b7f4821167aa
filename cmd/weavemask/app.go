package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/airyland/ArConnect/pkg/allowance"
	"github.com/airyland/ArConnect/pkg/audit"
	"github.com/airyland/ArConnect/pkg/codec"
	"github.com/airyland/ArConnect/pkg/config"
	"github.com/airyland/ArConnect/pkg/kv"
	"github.com/airyland/ArConnect/pkg/permissions"
)

// app holds the durable state every command works on.
type app struct {
	db     kv.Store
	perms  *permissions.Store
	ledger *allowance.Ledger
	audit  *audit.Log
}

func openStore(ctx context.Context, cfg *config.Config) (kv.Store, error) {
	switch cfg.Store {
	case config.BackendMemory:
		log.Printf("[weavemask] store: memory (state is lost on exit)")
		return kv.NewMemoryStore(), nil

	case config.BackendSQLite:
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0750); err != nil {
				return nil, fmt.Errorf("failed to create data dir: %w", err)
			}
		}
		log.Printf("[weavemask] lite mode: using sqlite at %s", cfg.SQLitePath)
		return kv.OpenSQLite(cfg.SQLitePath)

	case config.BackendPostgres:
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to reach postgres: %w", err)
		}
		s := kv.NewPostgresStore(db)
		if err := s.Init(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		log.Printf("[weavemask] store: postgres")
		return s, nil

	case config.BackendRedis:
		s := kv.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisPrefix)
		if err := s.Ping(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.RedisAddr, err)
		}
		log.Printf("[weavemask] store: redis at %s", cfg.RedisAddr)
		return s, nil

	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
}

// newApp opens the store and seeds the collections on first start.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	c, err := codec.ByName(cfg.StoreCodec)
	if err != nil {
		return nil, err
	}
	db, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	a := &app{
		db:     db,
		perms:  permissions.NewStore(db, c),
		ledger: allowance.NewLedger(db, allowance.WithCodec(c), allowance.WithScale(cfg.UnitScale), allowance.WithLogger(logger)),
		audit:  audit.NewLog(db, c).WithCapacity(cfg.AuditCapacity),
	}
	if err := a.perms.Install(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("install permissions: %w", err)
	}
	if err := a.ledger.Install(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("install allowances: %w", err)
	}
	return a, nil
}

func (a *app) Close() error { return a.db.Close() }
