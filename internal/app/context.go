package app

import (
	"database/sql"

	"caprig/internal/config"
	"caprig/internal/db"
	"caprig/internal/engine"
	"caprig/internal/migrate"
)

// Workspace bundles the open database, the effective configuration, and a
// ready engine for one workspace directory. CLI commands and the server
// share this bootstrap instead of repeating it.
type Workspace struct {
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
}

// Open resolves a workspace: opens its database (creating the .caprig
// directory on first use), applies any pending migrations, and loads
// caprig.yml when present (defaults otherwise).
func Open(workspace string) (*Workspace, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &Workspace{DB: conn, Config: cfg, Engine: engine.New(conn, cfg)}, nil
}

// Close releases the workspace's database handle.
func (w *Workspace) Close() error {
	return w.DB.Close()
}
