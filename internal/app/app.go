// Package app wires all parlox subsystems into a running translator.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the control API until its context ends, and
// Shutdown tears everything down in order.
//
// For testing, inject test doubles via functional options (WithCatalog,
// WithCapture, WithHistory, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parlox/internal/config"
	"github.com/MrWong99/parlox/internal/health"
	"github.com/MrWong99/parlox/internal/history"
	"github.com/MrWong99/parlox/internal/observe"
	"github.com/MrWong99/parlox/internal/router"
	"github.com/MrWong99/parlox/internal/status"
	"github.com/MrWong99/parlox/internal/synth"
	"github.com/MrWong99/parlox/pkg/audio"
	"github.com/MrWong99/parlox/pkg/audio/discord"
	"github.com/MrWong99/parlox/pkg/audio/wavfile"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second

	// fileTrailingSilence lets an utterance at the end of a replayed file
	// finish.
	fileTrailingSilence = time.Second
)

// CaptureOpener opens local capture devices.
type CaptureOpener interface {
	OpenCapture(selector string) (audio.CaptureSource, error)
}

// CaptureOpenerFunc adapts a function to [CaptureOpener].
type CaptureOpenerFunc func(selector string) (audio.CaptureSource, error)

// OpenCapture implements [CaptureOpener].
func (f CaptureOpenerFunc) OpenCapture(selector string) (audio.CaptureSource, error) {
	return f(selector)
}

// App owns all subsystem lifetimes and serves the control API.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Injected or created from config.
	catalog        audio.Catalog
	capture        CaptureOpener
	history        history.Store
	redis          *redis.Client
	metrics        *observe.Metrics
	metricsHandler http.Handler
	levelVar       *slog.LevelVar
	voice          *discord.Connection

	// Subsystems, initialised in New.
	hub     *status.Hub
	router  *router.Router
	synth   *synth.Preparer
	manager *SessionManager
	health  *health.Handler

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithCatalog sets the output device catalog.
func WithCatalog(c audio.Catalog) Option {
	return func(a *App) { a.catalog = c }
}

// WithCapture sets the opener of local capture devices.
func WithCapture(c CaptureOpener) Option {
	return func(a *App) { a.capture = c }
}

// WithHistory injects a history store instead of creating one from config.
func WithHistory(s history.Store) Option {
	return func(a *App) { a.history = s }
}

// WithRedisClient publishes status events through client instead of one
// created from status.redis_url.
func WithRedisClient(client *redis.Client) Option {
	return func(a *App) { a.redis = client }
}

// WithMetrics sets the metric instruments. The default is
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLevelVar lets hot reloads change the level of the installed log
// handler.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = v }
}

// WithDiscord injects a joined voice channel instead of joining the one in
// the config.
func WithDiscord(c *discord.Connection) Option {
	return func(a *App) { a.voice = c }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from [BuildProviders]. Use Option functions to inject test doubles
// for any subsystem.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.STT == nil || providers.Translator == nil || providers.TTS == nil {
		return nil, errors.New("app: stt, translation and tts providers are required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.levelVar == nil {
		a.levelVar = new(slog.LevelVar)
		a.levelVar.Set(cfg.Server.LogLevel.Level())
	}
	checks := append([]health.Checker(nil), providers.Checks...)

	// ── 1. History ───────────────────────────────────────────────────────
	if err := a.initHistory(ctx, &checks); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init history: %w", err)
	}

	// ── 2. Status fan-out ────────────────────────────────────────────────
	publisher := a.initStatus(&checks)

	// ── 3. Discord voice channel ─────────────────────────────────────────
	if err := a.initDiscord(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init discord: %w", err)
	}

	// ── 4. Output routing ────────────────────────────────────────────────
	if a.catalog == nil {
		a.closeAll()
		return nil, errors.New("app: no audio output available; build with -tags portaudio or configure discord")
	}
	routerOpts := []router.Option{
		router.WithOutput(a.cfg.Output.Device),
		router.WithPauseHook(func(kind audio.SourceKind) {
			a.metrics.RecordCapturePause(context.Background(), kind.String())
		}),
	}
	if d := a.cfg.Output.ResumeDelay; d > 0 {
		routerOpts = append(routerOpts, router.WithResumeDelay(d))
	}
	a.router = router.New(a.catalog, routerOpts...)

	// ── 5. Synthesis ─────────────────────────────────────────────────────
	sp, err := synth.New(providers.TTS, a.synthOptions()...)
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init synthesis: %w", err)
	}
	a.synth = sp

	// ── 6. Sessions ──────────────────────────────────────────────────────
	a.manager = NewSessionManager(SessionManagerConfig{
		Config:    a.cfg,
		Providers: providers,
		Open:      a.openCapture,
		Synth:     a.synth,
		Output:    a.router,
		Publisher: publisher,
		History:   a.history,
		Metrics:   a.metrics,
	})
	a.health = health.New(checks...)

	slog.Info("app: initialised",
		"input", a.cfg.Input.Device,
		"output", a.cfg.Output.Device,
		"source_lang", a.cfg.Session.SourceLang,
		"target_lang", a.cfg.Session.TargetLang,
	)
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initHistory opens the PostgreSQL store when a DSN is configured, and an
// in-memory store otherwise.
func (a *App) initHistory(ctx context.Context, checks *[]health.Checker) error {
	if a.history != nil {
		return nil
	}
	if dsn := a.cfg.History.PostgresDSN; dsn != "" {
		pg, err := history.NewPostgres(ctx, dsn)
		if err != nil {
			return err
		}
		a.history = pg
		a.closers = append(a.closers, func() error { pg.Close(); return nil })
		*checks = append(*checks, health.Ping("history", pg))
		slog.Info("app: translation history in postgres")
		return nil
	}
	a.history = history.NewMemory(a.cfg.History.MemoryLimit)
	return nil
}

// initStatus creates the websocket hub and, when configured, the Redis
// publisher.
func (a *App) initStatus(checks *[]health.Checker) status.Publisher {
	a.hub = status.NewHub(status.WithOriginPatterns(a.cfg.Server.AllowedOrigins...))
	a.closers = append(a.closers, func() error { a.hub.Close(); return nil })

	if a.redis == nil && a.cfg.Status.RedisURL != "" {
		a.redis = status.NewRedisClient(a.cfg.Status.RedisURL)
		a.closers = append(a.closers, a.redis.Close)
	}
	if a.redis == nil {
		return a.hub
	}

	var opts []status.RedisOption
	if ch := a.cfg.Status.Channel; ch != "" {
		opts = append(opts, status.WithChannel(ch))
	}
	if p := a.cfg.Status.KeyPrefix; p != "" {
		opts = append(opts, status.WithKeyPrefix(p))
	}
	if ttl := a.cfg.Status.LatestTTL; ttl > 0 {
		opts = append(opts, status.WithLatestTTL(ttl))
	}
	client := a.redis
	*checks = append(*checks, health.Checker{Name: "status", Check: func(ctx context.Context) error {
		return status.Ping(ctx, client)
	}})
	return status.Multi{a.hub, status.NewRedis(client, opts...)}
}

// initDiscord joins the configured voice channel and makes its sink
// available for output.
func (a *App) initDiscord() error {
	if a.voice == nil && a.cfg.Discord.Enabled() {
		d := a.cfg.Discord
		session, err := discord.OpenSession(d.Token)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, session.Close)

		var opts []discord.Option
		if d.UserID != "" {
			opts = append(opts, discord.WithUser(d.UserID))
		}
		if d.FloorHold > 0 {
			opts = append(opts, discord.WithFloorHold(d.FloorHold))
		}
		conn, err := discord.Join(session, d.GuildID, d.ChannelID, opts...)
		if err != nil {
			return err
		}
		a.voice = conn
		a.closers = append(a.closers, conn.Close)
		logVoice(session, d.GuildID, d.ChannelID)
	}
	if a.voice == nil {
		return nil
	}

	a.catalog = a.voice.Catalog(a.catalog)
	if a.cfg.Input.Device == config.DiscordDevice && a.cfg.Output.Device == "" {
		// Speak the translation into the channel it was heard in.
		c := *a.cfg
		c.Output.Device = a.voice.SinkID()
		a.cfg = &c
	}
	return nil
}

func logVoice(s *discordgo.Session, guildID, channelID string) {
	name := channelID
	if ch, err := s.State.Channel(channelID); err == nil {
		name = ch.Name
	}
	slog.Info("app: joined discord voice channel", "guild", guildID, "channel", name)
}

func (a *App) synthOptions() []synth.Option {
	s := a.cfg.Synthesis
	opts := []synth.Option{
		synth.WithLatencyHook(func(d time.Duration) {
			a.metrics.TTSDuration.Record(context.Background(), d.Seconds())
		}),
		synth.WithReorderHook(func(n int) {
			a.metrics.ChunksReordered.Add(context.Background(), int64(n))
		}),
		synth.WithAbandonHook(func(missing []int) {
			a.metrics.ChunksAbandoned.Add(context.Background(), 1)
			slog.Warn("app: synthesis stream abandoned", "missing_chunks", missing)
		}),
	}
	if s.ChunkChars > 0 {
		opts = append(opts, synth.WithChunkChars(s.ChunkChars))
	}
	if s.Concurrency > 0 {
		opts = append(opts, synth.WithConcurrency(s.Concurrency))
	}
	if s.GapTimeout > 0 {
		opts = append(opts, synth.WithGapTimeout(s.GapTimeout))
	}
	if s.Streaming != nil {
		opts = append(opts, synth.WithStreaming(*s.Streaming))
	}
	return opts
}

// openCapture resolves an input selector: the voice channel, a WAV replay
// or a local device.
func (a *App) openCapture(selector string) (audio.CaptureSource, error) {
	switch {
	case selector == config.DiscordDevice:
		if a.voice == nil {
			return nil, errors.New("app: discord input is not configured")
		}
		return a.voice.Source(), nil
	case strings.HasPrefix(selector, config.FilePrefix):
		return wavfile.Open(strings.TrimPrefix(selector, config.FilePrefix),
			wavfile.WithRealtime(true),
			wavfile.WithTrailingSilence(fileTrailingSilence),
		)
	case a.capture == nil:
		return nil, errors.New("app: no capture devices in this build; use file: or discord input")
	default:
		return a.capture.OpenCapture(selector)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.manager }

// Run serves the control API on server.listen_addr until ctx is cancelled.
// A session is started first when session.autostart is set.
func (a *App) Run(ctx context.Context) error {
	if a.cfg.Session.Autostart {
		if _, err := a.manager.Start(ctx); err != nil {
			slog.Error("app: autostart failed", "err", err)
		}
	}

	srv := &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("app: control api listening", "addr", srv.Addr, "tls", a.cfg.Server.TLS != nil)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

// ApplyConfig applies a hot-reloaded configuration. It is the change
// callback of [config.Watcher].
func (a *App) ApplyConfig(d config.ConfigDiff, cfg *config.Config) {
	if d.LogLevelChanged {
		a.levelVar.Set(d.NewLogLevel.Level())
		slog.Info("app: log level changed", "level", d.NewLogLevel)
	}
	if d.ResumeDelay != nil {
		a.router.SetResumeDelay(*d.ResumeDelay)
	}
	if d.SessionChanged() {
		u := Update{
			SourceLang: d.SourceLang,
			TargetLang: d.TargetLang,
			VoiceID:    d.VoiceID,
			Output:     d.Output,
			VAD:        d.VAD,
		}
		if d.Output != nil && *d.Output == "" && a.voice != nil && cfg.Input.Device == config.DiscordDevice {
			id := a.voice.SinkID()
			u.Output = &id
		}
		if _, err := a.manager.Reconfigure(u); err != nil {
			slog.Warn("app: config change rejected", "err", err)
		}
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("app: config changes take effect after a restart", "sections", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the running session and tears down all subsystems in
// reverse-init order. It respects the context deadline: if ctx expires
// before all closers finish, remaining closers are skipped and the context
// error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("app: shutting down", "closers", len(a.closers))

		if err := a.manager.Stop(ctx); err != nil && !errors.Is(err, ErrNoSession) {
			slog.Warn("app: stop session", "err", err)
		}
		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("app: shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("app: closer error", "index", i, "err", err)
			}
		}
		slog.Info("app: shutdown complete")
	})
	return shutdownErr
}

// closeAll releases what a failed New already opened.
func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
	a.closers = nil
}
