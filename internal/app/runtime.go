// Package app assembles a ready-to-use engine for a workspace: database, migrations,
// configuration and the pluggable collaborators chosen by that configuration.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"wlmigrate/internal/config"
	"wlmigrate/internal/db"
	"wlmigrate/internal/engine"
	"wlmigrate/internal/lock"
	"wlmigrate/internal/migrate"
	"wlmigrate/internal/quota"
)

// Options select the workspace and override configured collaborators.
type Options struct {
	Workspace string
	// ConfigPath replaces <workspace>/wlmigrate.yml when set.
	ConfigPath string
	// RedisURL overrides redis.url from the config file.
	RedisURL string
	Logger   *slog.Logger
	Owner    string
}

// Runtime owns the database and any network clients behind an engine.
type Runtime struct {
	DB      *sql.DB
	Config  *config.Config
	Engine  engine.Engine
	closers []io.Closer
}

// Open migrates the workspace database and builds the engine. The job lock is shared
// through Redis when a URL is configured and kept in SQLite otherwise. A quota endpoint
// replaces the static seat counts.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	rt := &Runtime{DB: conn, Config: cfg, closers: []io.Closer{conn}}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		rt.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	e := engine.New(conn, cfg)
	if opts.Logger != nil {
		e.Logger = opts.Logger
	}
	if opts.Owner != "" {
		e.Owner = opts.Owner
	}
	redisURL := cfg.Redis.URL
	if opts.RedisURL != "" {
		redisURL = opts.RedisURL
	}
	if redisURL != "" {
		l, err := lock.NewRedis(ctx, redisURL)
		if err != nil {
			rt.Close()
			return nil, err
		}
		e.Locker = l
		rt.closers = append(rt.closers, l)
	}
	if cfg.Quota.Endpoint != "" {
		e.Quota = quota.NewHTTP(cfg.Quota.Endpoint, cfg.Quota.Timeout)
	}
	rt.Engine = e
	return rt, nil
}

func loadConfig(opts Options) (*config.Config, error) {
	if opts.ConfigPath != "" {
		return config.FromFile(opts.ConfigPath)
	}
	return config.LoadOrDefault(opts.Workspace)
}

// Close releases clients in reverse order of creation.
func (r *Runtime) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

// NewLogger returns a text or JSON slog logger writing to stderr.
func NewLogger(level string, jsonFormat bool) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	hopts := &slog.HandlerOptions{Level: lvl}
	if jsonFormat {
		return slog.New(slog.NewJSONHandler(os.Stderr, hopts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, hopts))
}
