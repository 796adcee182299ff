// Package app assembles the server from configuration: sandbox, approval
// gate, R runtime, registries, router and session manager.
package app

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rmcp-dev/rmcp/internal/builtin"
	"github.com/rmcp-dev/rmcp/internal/config"
	"github.com/rmcp-dev/rmcp/internal/event"
	"github.com/rmcp-dev/rmcp/internal/logging"
	"github.com/rmcp-dev/rmcp/internal/mcp"
	"github.com/rmcp-dev/rmcp/internal/permission"
	"github.com/rmcp-dev/rmcp/internal/registry"
	"github.com/rmcp-dev/rmcp/internal/runtime"
	"github.com/rmcp-dev/rmcp/internal/server"
	"github.com/rmcp-dev/rmcp/internal/session"
	"github.com/rmcp-dev/rmcp/internal/stdio"
	"github.com/rmcp-dev/rmcp/internal/vfs"
	"github.com/rmcp-dev/rmcp/pkg/types"
)

// Name is the server name reported in initialize.
const Name = "rmcp"

const instructions = `rmcp runs statistical analyses in R.
Use the dedicated tools (summary_statistics, linear_model, correlation_analysis) where they fit,
and execute_r_analysis for anything else. Scripts that write files, install packages or use
the network fail with OPERATION_APPROVAL_NEEDED:<category>:<operation> until the user agrees
and approve_operation is called.`

// App is a fully wired server instance.
type App struct {
	Config    *types.Config
	Bus       *event.Bus
	Sandbox   *vfs.Sandbox
	Gate      *permission.Gate
	Runtime   *runtime.Runtime
	Tools     *registry.Tools
	Resources *registry.Resources
	Prompts   *registry.Prompts
	Router    *mcp.Router
	Sessions  *session.Manager

	watcher *permission.Watcher
}

// Option adjusts assembly.
type Option func(*options)

type options struct {
	executor runtime.Executor
}

// WithExecutor replaces the R runtime used by the tools.
func WithExecutor(e runtime.Executor) Option {
	return func(o *options) { o.executor = e }
}

// New wires an App from a normalized configuration.
func New(cfg *types.Config, version string, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if cfg.Sandbox == nil || cfg.Runtime == nil || cfg.HTTP == nil {
		config.Normalize(cfg, "")
	}

	sb, err := vfs.New(cfg.Sandbox.Roots,
		vfs.WithReadOnly(cfg.Sandbox.ReadOnly),
		vfs.WithDeny(cfg.Sandbox.Deny...),
	)
	if err != nil {
		return nil, fmt.Errorf("sandbox: %w", err)
	}

	categories := permission.DefaultCategories()
	if cfg.Security != nil && cfg.Security.CategoriesFile != "" {
		categories, err = permission.LoadCategories(cfg.Security.CategoriesFile)
		if err != nil {
			return nil, fmt.Errorf("operation categories: %w", err)
		}
	}
	gate := permission.NewGate(categories)

	rt := runtime.New(runtime.Options{
		Command:       cfg.Runtime.Command,
		Timeout:       config.RuntimeTimeout(cfg),
		MaxConcurrent: cfg.Runtime.MaxConcurrent,
		MaxOutput:     cfg.Runtime.MaxOutput,
		Environment:   cfg.Runtime.Environment,
	})
	var executor runtime.Executor = rt
	if o.executor != nil {
		executor = o.executor
	} else if !rt.Available() {
		logging.Warn().Strs("command", cfg.Runtime.Command).
			Msg("R interpreter not found; R-backed tools will fail until it is installed")
	}

	bus := event.NewBus()
	// The audit log ends when the bus closes.
	if err := event.RunAuditLog(context.Background(), bus); err != nil {
		return nil, fmt.Errorf("audit log: %w", err)
	}
	a := &App{
		Config:    cfg,
		Bus:       bus,
		Sandbox:   sb,
		Gate:      gate,
		Runtime:   rt,
		Tools:     registry.NewTools(),
		Resources: registry.NewResources(),
		Prompts:   registry.NewPrompts(),
	}

	deps := builtin.Deps{Gate: gate, Executor: executor, Bus: bus}
	if err := builtin.Register(a.Tools, a.Resources, a.Prompts, deps, cfg.Tools); err != nil {
		return nil, err
	}
	// Catalog changes after startup reach every live session.
	a.Tools.OnChange(listChanged(bus, event.ToolsChanged))
	a.Resources.OnChange(listChanged(bus, event.ResourcesChanged))
	a.Prompts.OnChange(listChanged(bus, event.PromptsChanged))

	a.Sessions = session.NewManager(sb, session.Limits{Timeout: config.RuntimeTimeout(cfg)}, bus)
	if ttl := config.SessionIdleTimeout(cfg); ttl > 0 {
		a.Sessions.StartReaper(ttl, reapInterval(ttl))
	}
	a.Router = mcp.NewRouter(mcp.Options{
		Name:         Name,
		Version:      version,
		Instructions: instructions,
		OnShutdown: func(s *session.State) {
			a.Sessions.Delete(s.ID)
		},
	}, a.Tools, a.Resources, a.Prompts)

	if cfg.Security != nil && cfg.Security.CategoriesFile != "" {
		path := cfg.Security.CategoriesFile
		a.watcher, err = permission.WatchCategories(path, gate, func(c *permission.Categories) {
			bus.Publish(event.Event{
				Type: event.CategoriesReloaded,
				Data: event.CategoriesData{Path: path, Categories: c.Names()},
			})
		})
		if err != nil {
			logging.Warn().Err(err).Str("path", path).Msg("Operation categories will not be reloaded on change")
		}
	}

	logging.Info().
		Strs("roots", sb.Roots()).
		Bool("readOnly", sb.ReadOnly()).
		Int("tools", a.Tools.Len()).
		Msg("Server assembled")
	return a, nil
}

// reapInterval checks for idle sessions often enough to close them within
// about a quarter of ttl, but at least once a minute.
func reapInterval(ttl time.Duration) time.Duration {
	interval := ttl / 4
	if interval > time.Minute {
		interval = time.Minute
	}
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	return interval
}

func listChanged(bus *event.Bus, t event.EventType) registry.ChangeFunc {
	return func(names []string) {
		bus.Publish(event.Event{Type: t, Data: event.ListChangedData{Names: names}})
	}
}

// ServeStdio serves one session over in and out until in is exhausted.
func (a *App) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	return stdio.New(a.Router, a.Sessions, in, out).Serve(ctx)
}

// HTTPServer builds the HTTP transport from the configuration.
func (a *App) HTTPServer() *server.Server {
	h := a.Config.HTTP
	cfg := server.DefaultConfig()
	cfg.Host = h.Host
	cfg.Port = h.Port
	cfg.TLSCert = h.TLSCert
	cfg.TLSKey = h.TLSKey
	if len(h.CORSOrigin) > 0 {
		cfg.CORSOrigins = h.CORSOrigin
	}
	cfg.StrictSessions = h.StrictSessions
	return server.New(cfg, a.Router, a.Sessions)
}

// Close releases sessions, the categories watcher and the event bus.
func (a *App) Close() error {
	if a.watcher != nil {
		_ = a.watcher.Stop()
	}
	a.Sessions.Close()
	return a.Bus.Close()
}
