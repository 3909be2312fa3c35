package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"stormline/internal/config"
	"stormline/internal/db"
	"stormline/internal/engine"
	"stormline/internal/llm"
	"stormline/internal/logging"
	"stormline/internal/mcp"
	"stormline/internal/migrate"
	"stormline/internal/progress"
	"stormline/internal/repo"
	"stormline/internal/server"
)

// App holds the wired components for one workspace. Store commands only need
// Open; analysis needs WithPipeline as well.
type App struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Repo      repo.Repo
	Logger    *slog.Logger
	Engine    engine.Engine
	Registry  *progress.Registry
}

// Open opens and migrates the workspace database and builds the logger.
func Open(ctx context.Context, workspace string, cfg *config.Config, logOut io.Writer) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logOut == nil {
		logOut = os.Stderr
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format, logOut)
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return &App{
		Workspace: workspace,
		Config:    cfg,
		DB:        conn,
		Repo:      repo.New(conn),
		Logger:    logger,
	}, nil
}

// WithPipeline builds the generator for the configured provider, the engine
// and the progress registry.
func (a *App) WithPipeline(ctx context.Context) error {
	gen, err := llm.New(ctx, a.Config.LLM, a.Logger)
	if err != nil {
		return err
	}
	a.Engine = engine.New(a.DB, gen, a.Config.Pipeline, a.Logger)
	a.Registry = progress.NewRegistry(
		progress.WithIdleTimeout(a.Config.Progress.IdleTimeout),
		progress.WithBuffer(a.Config.Progress.Buffer),
		progress.WithLogger(a.Logger),
	)
	a.Logger.Info("pipeline ready", "provider", a.Config.LLM.Provider, "model", a.Config.LLM.Model, "extended", a.Config.Pipeline.Extended)
	return nil
}

func (a *App) ServerConfig() server.Config {
	return server.Config{
		Engine:    a.Engine,
		Repo:      a.Repo,
		Registry:  a.Registry,
		BasePath:  a.Config.Server.BasePath,
		PublicURL: a.Config.Server.PublicURL,
		Auth:      server.AuthConfig{JWTSecret: a.Config.Auth.JWTSecret(), Logger: a.Logger},
		Logger:    a.Logger,
	}
}

func (a *App) MCPHandlers() *mcp.Handlers {
	return mcp.NewHandlers(a.Engine, a.Repo, a.Config.Server.PublicURL, a.Logger)
}

// PurgeExpired removes shares not accessed within the retention window.
// Zero retention keeps everything.
func (a *App) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	retention := a.Config.Share.Retention()
	if retention <= 0 {
		return 0, nil
	}
	n, err := a.Repo.PurgeShares(ctx, now.Add(-retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		a.Logger.Info("purged expired shares", "count", n, "retention_days", a.Config.Share.RetentionDays)
	}
	return n, nil
}

func (a *App) Close() error {
	if a.DB == nil {
		return nil
	}
	return a.DB.Close()
}
