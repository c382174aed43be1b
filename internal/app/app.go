// Package app wires the SmartGenie subsystems into a running client.
//
// The App struct owns the full lifecycle: New opens the history sinks and
// builds the voice session, Run drives the session and the admin endpoint,
// and Shutdown flushes and closes everything in order.
//
// For testing, inject doubles via functional options (WithTransport,
// WithSinks, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/smartgenie/internal/collection"
	"github.com/MrWong99/smartgenie/internal/config"
	"github.com/MrWong99/smartgenie/internal/conversation"
	"github.com/MrWong99/smartgenie/internal/conversation/natsbus"
	"github.com/MrWong99/smartgenie/internal/conversation/postgres"
	"github.com/MrWong99/smartgenie/internal/conversation/sqlite"
	"github.com/MrWong99/smartgenie/internal/health"
	"github.com/MrWong99/smartgenie/internal/notify"
	"github.com/MrWong99/smartgenie/internal/observe"
	"github.com/MrWong99/smartgenie/internal/transport"
	"github.com/MrWong99/smartgenie/internal/voice"
	"github.com/MrWong99/smartgenie/pkg/audio/capture"
	"github.com/MrWong99/smartgenie/pkg/audio/playback"
)

// adminShutdownTimeout bounds the graceful stop of the admin server.
const adminShutdownTimeout = 5 * time.Second

// App owns all subsystem lifetimes of one client process.
type App struct {
	cfg     *config.Config
	devices config.AudioDevices

	// Subsystems, initialised in New and torn down in Shutdown.
	transport voice.Transport
	session   *voice.Session
	log       *conversation.Log
	history   conversation.Reader
	sinks     []conversation.Sink
	checkers  []health.Checker
	notifier  notify.Notifier
	metrics   *observe.Metrics
	level     *slog.LevelVar
	admin     *http.Server
	adminLn   net.Listener
	sessionID string

	mu        sync.RWMutex
	catalogue *collection.Catalogue

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithTransport injects the assistant connection instead of dialling the
// configured endpoint.
func WithTransport(t voice.Transport) Option {
	return func(a *App) { a.transport = t }
}

// WithSinks injects history sinks instead of opening the configured ones.
func WithSinks(sinks ...conversation.Sink) Option {
	return func(a *App) { a.sinks = sinks }
}

// WithNotifier sets where user-facing notices go. Default: discarded.
func WithNotifier(n notify.Notifier) Option {
	return func(a *App) { a.notifier = n }
}

// WithMetrics injects the metric instruments. Default: the global provider.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets config reloads change the log level.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithSessionID fixes the session id. Default: a random UUID.
func WithSessionID(id string) Option {
	return func(a *App) { a.sessionID = id }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg. devices come from main.go (built via the
// config registry). The assistant is not contacted until Run.
func New(ctx context.Context, cfg *config.Config, devices config.AudioDevices, opts ...Option) (*App, error) {
	if devices.Microphone == nil || devices.Speaker == nil {
		return nil, errors.New("app: audio devices are required")
	}
	a := &App{
		cfg:     cfg,
		devices: devices,
	}
	for _, o := range opts {
		o(a)
	}
	if a.notifier == nil {
		a.notifier = notify.Discard
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.sessionID == "" {
		a.sessionID = uuid.NewString()
	}
	a.catalogue = collection.New(cfg.Session.Catalogue())

	// ── 1. History sinks ─────────────────────────────────────────────────
	if err := a.initHistory(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init history: %w", err)
	}

	// ── 2. Voice session ─────────────────────────────────────────────────
	if err := a.initSession(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init session: %w", err)
	}

	// ── 3. Admin endpoint ────────────────────────────────────────────────
	if err := a.initAdmin(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init admin: %w", err)
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initHistory opens the configured sinks unless sinks were injected. The
// first durable store doubles as the reader behind History.
func (a *App) initHistory(ctx context.Context) error {
	if a.sinks != nil {
		for _, s := range a.sinks {
			if r, ok := s.(conversation.Reader); ok && a.history == nil {
				a.history = r
			}
		}
		return nil
	}
	conv := a.cfg.Conversation

	if conv.SQLitePath != "" {
		store, err := sqlite.Open(ctx, conv.SQLitePath)
		if err != nil {
			return err
		}
		a.sinks = append(a.sinks, store)
		a.history = store
		a.closers = append(a.closers, store.Close)
		a.checkers = append(a.checkers, health.Checker{Name: "sqlite", Check: store.Ping})
		slog.Info("conversation history: sqlite", "path", conv.SQLitePath)
	}

	if conv.PostgresDSN != "" {
		store, err := postgres.NewStore(ctx, conv.PostgresDSN)
		if err != nil {
			return err
		}
		a.sinks = append(a.sinks, store)
		if a.history == nil {
			a.history = store
		}
		a.closers = append(a.closers, func() error {
			store.Close()
			return nil
		})
		a.checkers = append(a.checkers, health.Checker{Name: "postgres", Check: store.Ping})
		slog.Info("conversation history: postgres")
	}

	if conv.NATS.URL != "" {
		pub, err := natsbus.Connect(natsbus.Config{
			URL:            conv.NATS.URL,
			SubjectPrefix:  conv.NATS.Subject,
			Token:          conv.NATS.Token,
			ConnectTimeout: a.cfg.Session.DialTimeout,
		})
		if err != nil {
			return err
		}
		a.sinks = append(a.sinks, pub)
		a.closers = append(a.closers, func() error {
			pub.Close()
			return nil
		})
		a.checkers = append(a.checkers, health.Checker{Name: "nats", Check: func(context.Context) error {
			if !pub.Healthy() {
				return errors.New("nats connection is not established")
			}
			return nil
		}})
		slog.Info("conversation history: nats", "subject", pub.Subject(a.sessionID))
	}
	return nil
}

func (a *App) initSession() error {
	s := a.cfg.Session
	if a.transport == nil {
		opts := []transport.Option{
			transport.WithDialTimeout(s.DialTimeout),
			transport.WithWriteTimeout(s.WriteTimeout),
		}
		if s.Token != "" {
			opts = append(opts, transport.WithBearerToken(s.Token))
		}
		a.transport = transport.New(s.Endpoint, opts...)
	}

	logOpts := make([]conversation.Option, 0, len(a.sinks))
	for _, sink := range a.sinks {
		logOpts = append(logOpts, conversation.WithSink(sink))
	}
	a.log = conversation.New(a.sessionID, logOpts...)
	if a.history == nil {
		a.history = a.log
	}

	recorder := capture.New(a.devices.Microphone,
		capture.WithFormat(a.cfg.Audio.Format()),
		capture.WithIDFunc(uuid.NewString),
	)
	player := playback.New(a.devices.Speaker)

	session, err := voice.New(voice.Config{
		Transport:   a.transport,
		Recorder:    recorder,
		Player:      player,
		Collection:  s.Collection,
		Log:         a.log,
		SessionID:   a.sessionID,
		Notifier:    a.notifier,
		Metrics:     a.metrics,
		TurnTimeout: s.TurnTimeout,
		Reconnect: voice.ReconnectPolicy{
			Enabled:    s.Reconnect.Enabled,
			MaxRetries: s.Reconnect.MaxRetries,
			Backoff:    s.Reconnect.Backoff,
			MaxBackoff: s.Reconnect.MaxBackoff,
		},
		OnStateChange: func(from, to voice.State) {
			slog.Debug("session state", "from", from, "to", to)
		},
	})
	if err != nil {
		return err
	}
	a.session = session
	a.checkers = append([]health.Checker{health.ConnectionCheck(a.transport.Connected)}, a.checkers...)
	if a.devices.Close != nil {
		a.closers = append(a.closers, a.devices.Close)
	}
	return nil
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Session returns the voice session.
func (a *App) Session() *voice.Session { return a.session }

// Log returns the in-memory conversation log of this run.
func (a *App) Log() *conversation.Log { return a.log }

// Catalogue returns the current collection catalogue.
func (a *App) Catalogue() *collection.Catalogue {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.catalogue
}

// History returns up to limit of the most recent persisted entries across
// all sessions, oldest first. Without a durable store it returns the
// entries of this run.
func (a *App) History(ctx context.Context, limit int) ([]conversation.Entry, error) {
	sessionID := ""
	if a.history == conversation.Reader(a.log) {
		sessionID = a.sessionID
	}
	return a.history.Recent(ctx, sessionID, limit)
}

// SelectCollection resolves a typed or spoken collection name against the
// catalogue and switches the session to it.
func (a *App) SelectCollection(ctx context.Context, name string) (collection.Collection, error) {
	c, err := a.Catalogue().Resolve(name)
	if err != nil {
		return collection.Collection{}, err
	}
	if err := a.session.SwitchCollection(ctx, c.ID); err != nil {
		return c, err
	}
	return c, nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run drives the voice session and, when configured, the admin endpoint. It
// blocks until ctx is cancelled or the session stops, and returns the first
// error other than cancellation.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.session.Run(gctx)
	})

	if a.admin != nil {
		g.Go(func() error {
			slog.Info("admin endpoint listening", "addr", a.adminLn.Addr().String())
			if err := a.admin.Serve(a.adminLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: admin server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), adminShutdownTimeout)
			defer cancel()
			return a.admin.Shutdown(shutdownCtx)
		})
	}

	slog.Info("session running",
		"session_id", a.sessionID,
		"collection", a.session.Collection(),
		"endpoint", a.cfg.Session.Endpoint,
	)
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable differences between old and new:
// log level, collection catalogue and the selected collection. Other changes
// are logged as requiring a restart.
func (a *App) ApplyConfig(ctx context.Context, old, new *config.Config) {
	d := config.Diff(old, new)
	if !d.Changed() {
		return
	}

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}

	if d.CatalogueChanged {
		a.mu.Lock()
		a.catalogue = collection.New(new.Session.Catalogue())
		a.mu.Unlock()
		slog.Info("collection catalogue reloaded", "added", d.Added, "removed", d.Removed)
	}

	if d.CollectionChanged {
		if err := a.session.SwitchCollection(ctx, d.NewCollection); err != nil {
			slog.Warn("could not switch collection after reload", "collection", d.NewCollection, "err", err)
		} else {
			notify.Infof(a.notifier, "Switched to %s", d.NewCollection)
		}
	}

	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart to take effect", "sections", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown flushes the conversation log and closes all subsystems. Run must
// have returned first. It respects the context deadline: if ctx expires
// before all closers finish, remaining closers are skipped and the context
// error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if a.log != nil {
			if err := a.log.Close(ctx); err != nil {
				slog.Warn("conversation log flush incomplete", "err", err)
				shutdownErr = err
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

// closeAll releases whatever New managed to open before failing.
func (a *App) closeAll() {
	if a.adminLn != nil {
		_ = a.adminLn.Close()
	}
	for _, closer := range a.closers {
		if err := closer(); err != nil {
			slog.Warn("closer error", "err", err)
		}
	}
}
