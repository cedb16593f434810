// Package bootstrap wires a workspace's config, database, and
// collaborators into a running App, the way the teacher's internal/app
// resolves a project and config before handing off to internal/engine.
package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/logabell/conversator/internal/builderadapter"
	"github.com/logabell/conversator/internal/config"
	"github.com/logabell/conversator/internal/db"
	"github.com/logabell/conversator/internal/eventlog"
	"github.com/logabell/conversator/internal/fanout"
	"github.com/logabell/conversator/internal/inbox"
	"github.com/logabell/conversator/internal/migrate"
	"github.com/logabell/conversator/internal/orchestrator"
	"github.com/logabell/conversator/internal/promptworkspace"
)

const defaultCoalesceWindow = 20 * time.Second

// App bundles every collaborator a running conversator process needs,
// assembled once at boot and shared across the REST/WebSocket server, the
// voice tool surface, and the CLI.
type App struct {
	Workspace    string
	Config       *config.Config
	DB           *sql.DB
	Log          *eventlog.Log
	Prompts      *promptworkspace.Workspace
	Registry     *builderadapter.Registry
	Dispatcher   *builderadapter.Dispatcher
	Orchestrator *orchestrator.Orchestrator
	Notifier     *inbox.Notifier

	notifierCancel context.CancelFunc
}

// New resolves config, opens the database, runs migrations, and wires the
// full collaborator graph for workspace. It does not start the Notifier's
// background goroutine or reconcile dispatch state — call Run for that.
func New(workspace string) (*App, error) {
	if err := db.EnsureWorkspace(workspace); err != nil {
		return nil, fmt.Errorf("ensure workspace: %w", err)
	}

	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg == nil {
		cfg = config.Default()
	}

	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	l := eventlog.Open(conn, nil)
	l.SetInboxDeriver(inbox.DeriveInboxItem)
	if err := l.Boot(context.Background()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("boot event log: %w", err)
	}

	prompts := promptworkspace.New(db.PromptsRoot(workspace), nil)

	registry := builderadapter.NewRegistry()
	for name, b := range cfg.Builders {
		adapter, err := newAdapter(b)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("builder %s: %w", name, err)
		}
		timeouts := cfg.EffectiveTimeouts(b.Kind)
		registry.Register(b.Kind, adapter, builderadapter.Limits{MaxConcurrentSessions: b.Limits.MaxConcurrentSessions}, builderadapter.Timeouts{
			SessionCreate: timeouts.SessionCreate,
			MessageSend:   timeouts.MessageSend,
			StreamIdle:    timeouts.StreamIdle,
			AbortConfirm:  timeouts.AbortConfirm,
			MaxReconnects: timeouts.MaxReconnects,
		})
	}

	dispatcher := builderadapter.New(registry, l, log.Default())
	orch := orchestrator.New(l, prompts, dispatcher, nil)

	coalesce := cfg.Notifier.CoalesceWindow
	if coalesce <= 0 {
		coalesce = defaultCoalesceWindow
	}
	notifier := inbox.New(l, coalesce)

	return &App{
		Workspace:    workspace,
		Config:       cfg,
		DB:           conn,
		Log:          l,
		Prompts:      prompts,
		Registry:     registry,
		Dispatcher:   dispatcher,
		Orchestrator: orch,
		Notifier:     notifier,
	}, nil
}

// newAdapter constructs the Adapter named by a builder config entry.
// "loopback" needs no endpoint and is used for local/dev workspaces;
// everything else dials out over HTTP, grounded on builderadapter.HTTPAdapter.
func newAdapter(b config.BuilderConfig) (builderadapter.Adapter, error) {
	switch b.Kind {
	case "loopback", "":
		return builderadapter.NewLoopbackAdapter(), nil
	default:
		if b.Endpoint == "" {
			return nil, fmt.Errorf("endpoint required for kind %s", b.Kind)
		}
		timeout := config.DefaultTimeoutPolicy().SessionCreate
		return builderadapter.NewHTTPAdapter(b.Endpoint, timeout), nil
	}
}

// Run reconciles dispatch state against every live builder session and
// starts the Notifier's coalescing loop. Call once at process start, after
// New, before accepting new commands.
func (a *App) Run(ctx context.Context) error {
	if err := a.Dispatcher.Reconcile(ctx); err != nil {
		return fmt.Errorf("reconcile dispatch state: %w", err)
	}
	notifierCtx, cancel := context.WithCancel(ctx)
	a.notifierCancel = cancel
	go a.Notifier.Run(notifierCtx)
	return nil
}

// Handler builds the REST+WebSocket surface over this App's collaborators.
func (a *App) Handler(basePath string) (http.Handler, error) {
	return fanout.New(fanout.Config{
		Orchestrator: a.Orchestrator,
		Log:          a.Log,
		Registry:     a.Registry,
		Notifier:     a.Notifier,
		BasePath:     basePath,
		Auth: fanout.AuthConfig{
			JWTSecret:      a.Config.Auth.JWTSecret,
			AllowDevBearer: a.Config.Auth.AllowDevBearer,
		},
	})
}

// VoiceTools builds the MCP voice tool surface over this App's
// collaborators.
func (a *App) VoiceTools(version string) *fanout.VoiceTools {
	return fanout.NewVoiceTools(a.Orchestrator, a.Log, a.Notifier, version)
}

// Close stops the Notifier and closes the database connection.
func (a *App) Close() {
	if a.notifierCancel != nil {
		a.notifierCancel()
	}
	a.Log.Close()
	a.DB.Close()
}
