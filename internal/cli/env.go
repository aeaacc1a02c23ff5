package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/pesio-ai/be-approval-governance/internal/app"
	"github.com/pesio-ai/be-approval-governance/internal/platform/config"
	"github.com/pesio-ai/be-approval-governance/internal/platform/database"
	"github.com/pesio-ai/be-approval-governance/internal/platform/logger"
)

// dbEnv is a database-backed service stack for commands that bypass the API.
type dbEnv struct {
	db  *database.DB
	svc *app.Services
}

func openEnv(ctx context.Context) (*dbEnv, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log := logger.New(logger.Config{
		Level:       cfg.LogLevel,
		Environment: cfg.Service.Environment,
		ServiceName: "approvalctl",
		Version:     cfg.Service.Version,
		Output:      os.Stderr,
	})

	db, err := app.OpenDatabase(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return &dbEnv{
		db:  db,
		svc: app.NewServices(db, nil, cfg.Audit.BufferSize, log),
	}, nil
}

// Close flushes pending audit entries and closes the pool.
func (e *dbEnv) Close() {
	_ = e.svc.Audit.Close(context.Background())
	e.db.Close()
}
