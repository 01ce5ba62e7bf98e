// Package app wires all gateway subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the serving loops, and Shutdown tears everything
// down in order.
//
// For testing, inject fake implementations via functional options
// (WithStore, WithProvider, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/voicegate-ai/voicegate/internal/call"
	"github.com/voicegate-ai/voicegate/internal/config"
	"github.com/voicegate-ai/voicegate/internal/control"
	"github.com/voicegate-ai/voicegate/internal/health"
	"github.com/voicegate-ai/voicegate/internal/listener"
	"github.com/voicegate-ai/voicegate/internal/observe"
	"github.com/voicegate-ai/voicegate/internal/recorder"
	"github.com/voicegate-ai/voicegate/internal/recorder/postgres"
	"github.com/voicegate-ai/voicegate/internal/routing"
	"github.com/voicegate-ai/voicegate/internal/sentiment"
	"github.com/voicegate-ai/voicegate/pkg/carrier/twilio"
	"github.com/voicegate-ai/voicegate/pkg/model"
	"github.com/voicegate-ai/voicegate/pkg/model/gemini"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config

	// Subsystems — initialised in New, torn down in Shutdown.
	store    recorder.Store
	pg       *postgres.Store
	rec      *recorder.Recorder
	watcher  *config.Watcher
	provider model.Provider
	analyzer call.Analyzer
	orch     *call.Orchestrator
	plane    *control.Plane
	dialer   listener.Dialer
	server   *listener.Server
	metrics  *observe.Metrics

	// mu guards resolver: the routing watcher's callback races New's
	// assignment of it.
	mu       sync.Mutex
	resolver *routing.Resolver

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a call-lifecycle store instead of connecting to Postgres.
func WithStore(s recorder.Store) Option {
	return func(a *App) { a.store = s }
}

// WithProvider injects a model provider instead of creating the Gemini one.
func WithProvider(p model.Provider) Option {
	return func(a *App) { a.provider = p }
}

// WithAnalyzer injects a post-call analyzer instead of creating one from config.
func WithAnalyzer(an call.Analyzer) Option {
	return func(a *App) { a.analyzer = an }
}

// WithDialer injects an outbound dialer instead of creating the Twilio one.
func WithDialer(d listener.Dialer) Option {
	return func(a *App) { a.dialer = d }
}

// WithMetrics injects metrics instruments instead of the process-wide ones.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together: the call store, the
// routing table watcher and resolver, the model provider, the call
// orchestrator, the control plane, and the HTTP listener. Use Option
// functions to inject test doubles for any subsystem.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.initStore(ctx); err != nil {
		return nil, err
	}
	if err := a.initRouting(); err != nil {
		a.Shutdown(ctx)
		return nil, err
	}
	if err := a.initModel(); err != nil {
		a.Shutdown(ctx)
		return nil, err
	}
	a.initOrchestrator()
	a.initListener()
	return a, nil
}

// initStore connects the call-lifecycle store.
func (a *App) initStore(ctx context.Context) error {
	if a.store == nil {
		pg, err := postgres.NewStore(ctx, a.cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("app: connect call store: %w", err)
		}
		a.pg = pg
		a.store = pg
		a.closers = append(a.closers, func() error {
			pg.Close()
			return nil
		})
	}
	a.rec = recorder.New(a.store, recorder.WithRetryMetric(a.metrics.FlushRetry))
	return nil
}

// initRouting loads the routing table, starts the file watcher, and builds
// the resolver over the initial table.
func (a *App) initRouting() error {
	w, err := config.NewWatcher(a.cfg.RoutingTablePath, a.reloadTable)
	if err != nil {
		return fmt.Errorf("app: load routing table: %w", err)
	}
	a.watcher = w
	a.closers = append(a.closers, func() error {
		w.Stop()
		return nil
	})

	a.mu.Lock()
	a.resolver = routing.NewResolver(w.Current())
	a.mu.Unlock()
	return nil
}

// reloadTable is the watcher's change callback. It logs the diff and swaps
// the resolver's table; live calls keep their persona from dial time.
func (a *App) reloadTable(old, new *routing.Table) {
	a.mu.Lock()
	r := a.resolver
	a.mu.Unlock()
	if r == nil {
		return
	}

	diff := config.DiffTables(old, new)
	if diff.Empty() {
		return
	}
	slog.Info("routing table changed",
		"agents_changed", len(diff.AgentChanges),
		"numbers_changed", diff.NumbersChanged,
		"do_not_call_changed", diff.DoNotCallChanged,
	)
	for _, ac := range diff.AgentChanges {
		slog.Info("agent change",
			"agent_id", ac.ID,
			"added", ac.Added,
			"removed", ac.Removed,
			"persona", ac.PersonaChanged,
			"routing", ac.RoutingChanged,
		)
	}
	r.Reload(new)
}

// initModel builds the Gemini Live provider and, when configured, the
// post-call analyzer.
func (a *App) initModel() error {
	if a.provider == nil {
		a.provider = gemini.New(a.cfg.GeminiAPIKey)
	}
	if a.analyzer == nil && a.cfg.AnalysisEnabled() {
		an, err := sentiment.New(a.cfg.Analysis.APIKey, a.cfg.Analysis.Model)
		if err != nil {
			return fmt.Errorf("app: build analyzer: %w", err)
		}
		a.analyzer = an
	}
	return nil
}

// initOrchestrator assembles the call orchestrator and the control plane
// over it.
func (a *App) initOrchestrator() {
	orchOpts := []call.Option{
		call.WithMetrics(a.metrics.CallSink()),
	}
	if a.analyzer != nil {
		orchOpts = append(orchOpts, call.WithAnalyzer(a.analyzer))
	}
	a.orch = call.New(a.resolver, a.provider, a.rec, orchOpts...)
	a.plane = control.New(a.orch, a.resolver)
}

// initListener assembles the HTTP surface: media-stream upgrades, TwiML,
// dial-out, control routes, and the probes.
func (a *App) initListener() {
	if a.dialer == nil && a.cfg.Twilio.FromNumber != "" {
		a.dialer = twilio.NewDialer(
			a.cfg.Twilio.AccountSID,
			a.cfg.Twilio.AuthToken,
			a.cfg.Twilio.FromNumber,
			slog.Default(),
		)
	}

	checkers := []health.Checker{
		{Name: "routing", Check: func(context.Context) error {
			if a.watcher.Current() == nil {
				return fmt.Errorf("no routing table loaded")
			}
			return nil
		}},
	}
	if a.pg != nil {
		checkers = append(checkers, health.Checker{Name: "call-store", Check: a.pg.Ping})
	}

	lopts := []listener.Option{
		listener.WithController(a.plane),
		listener.WithHealth(health.New(checkers...)),
		listener.WithMetrics(a.metrics),
	}
	if a.dialer != nil {
		lopts = append(lopts, listener.WithDialer(a.dialer))
	}
	a.server = listener.New(a.orch, listener.Config{
		StreamPath: a.cfg.StreamPath,
		StreamURL:  a.cfg.StreamURL(),
	}, lopts...)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the HTTP listener and the control plane and blocks until ctx is
// cancelled or one of them fails. On normal shutdown it returns
// context.Canceled.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.plane.Run(ctx) })
	g.Go(func() error { return a.server.Run(ctx, a.cfg.ListenAddr) })

	slog.Info("app running",
		"listen_addr", a.cfg.ListenAddr,
		"tenant", a.resolver.Tenant(),
		"outbound_dialing", a.dialer != nil,
		"analysis", a.analyzer != nil,
	)
	return g.Wait()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown ends any live calls, then tears down all subsystems in order. It
// respects the context deadline: if ctx expires before all closers finish,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		// End live calls first so their final records land before the
		// store closes.
		if a.orch != nil {
			if n := a.orch.StopAll(); n > 0 {
				slog.Info("stopped live calls", "count", n)
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
