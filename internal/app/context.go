package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"snagline/internal/config"
	"snagline/internal/db"
	"snagline/internal/engine"
	"snagline/internal/logger"
	"snagline/internal/migrate"
	"snagline/internal/realtime"
)

// Open opens and migrates the workspace database and wires an engine over
// it. The caller closes the returned DB.
func Open(cfg *config.Config, live realtime.Publisher, log *logger.Logger) (engine.Engine, *sqlx.DB, error) {
	conn, err := db.Open(db.Config{Workspace: cfg.Database.Workspace})
	if err != nil {
		return engine.Engine{}, nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return engine.Engine{}, nil, fmt.Errorf("migrate: %w", err)
	}
	return engine.New(conn, live, log), conn, nil
}

// EnsureDefaultManager seeds the configured manager account when the
// workspace has no manager yet.
func EnsureDefaultManager(ctx context.Context, e engine.Engine, cfg *config.Config, log *logger.Logger) error {
	m := cfg.Bootstrap.Manager
	if strings.TrimSpace(m.Email) == "" {
		return nil
	}
	name := m.Name
	if strings.TrimSpace(name) == "" {
		name = "Default Manager"
	}
	u, created, err := e.EnsureManager(ctx, engine.UserCreateOptions{Email: m.Email, Password: m.Password, Name: name})
	if err != nil {
		return fmt.Errorf("seed default manager: %w", err)
	}
	if created && log != nil {
		log.Info("default manager created", "email", u.Email)
	}
	return nil
}
