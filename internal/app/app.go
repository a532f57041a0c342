// Package app wires all Jarvis subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the tool dispatcher, the
// session orchestrator and the UI server, Run serves until the context is
// cancelled, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithDialer, WithInput,
// WithOutput, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/jarvis/internal/config"
	"github.com/MrWong99/jarvis/internal/events"
	"github.com/MrWong99/jarvis/internal/gallery"
	"github.com/MrWong99/jarvis/internal/health"
	"github.com/MrWong99/jarvis/internal/observe"
	"github.com/MrWong99/jarvis/internal/session"
	"github.com/MrWong99/jarvis/internal/tools"
	"github.com/MrWong99/jarvis/internal/tools/fileio"
	"github.com/MrWong99/jarvis/internal/tools/grounded"
	"github.com/MrWong99/jarvis/internal/tools/media"
	"github.com/MrWong99/jarvis/internal/tools/system"
	"github.com/MrWong99/jarvis/internal/uiapi"
	"github.com/MrWong99/jarvis/pkg/audio/capture"
	"github.com/MrWong99/jarvis/pkg/audio/device"
	"github.com/MrWong99/jarvis/pkg/audio/playback"
	"github.com/MrWong99/jarvis/pkg/provider/gemini"
	"github.com/MrWong99/jarvis/pkg/provider/live"
	geminilive "github.com/MrWong99/jarvis/pkg/provider/live/gemini"
	"github.com/MrWong99/jarvis/pkg/types"
)

// shutdownGrace bounds the wait for in-flight tool calls during Shutdown.
const shutdownGrace = 5 * time.Second

// Remote is the set of one-shot model capabilities behind the remote tools.
// [gemini.Client] implements it.
type Remote interface {
	grounded.Reasoner
	grounded.Searcher
	grounded.PlaceFinder
	media.ImageGenerator
	media.VideoGenerator
}

var _ Remote = (*gemini.Client)(nil)

// App owns all subsystem lifetimes.
type App struct {
	cfg    *config.Config
	apiKey string
	getenv func(string) string

	// Subsystems. Nil fields after option processing are built from cfg.
	metrics *observe.Metrics
	dialer  live.Dialer
	input   capture.Device
	output  func() playback.Output
	remote  Remote
	locator grounded.Locator
	opener  system.Opener

	bus        *events.Bus
	gallery    *gallery.Gallery
	dispatcher *tools.Dispatcher
	orch       *session.Orchestrator
	api        *uiapi.Server
	handler    http.Handler
	server     *http.Server

	mu       sync.RWMutex
	settings types.Settings

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithDialer injects the live channel dialer.
func WithDialer(d live.Dialer) Option {
	return func(a *App) { a.dialer = d }
}

// WithInput injects the microphone device.
func WithInput(d capture.Device) Option {
	return func(a *App) { a.input = d }
}

// WithOutput injects the speaker factory. It is called once per session.
func WithOutput(fn func() playback.Output) Option {
	return func(a *App) { a.output = fn }
}

// WithRemote injects the remote model capabilities.
func WithRemote(r Remote) Option {
	return func(a *App) { a.remote = r }
}

// WithLocator injects the geolocation source used by find_places.
func WithLocator(l grounded.Locator) Option {
	return func(a *App) { a.locator = l }
}

// WithOpener injects the browser used by open_website.
func WithOpener(o system.Opener) Option {
	return func(a *App) { a.opener = o }
}

// WithMetrics injects the metrics recorder.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithGetenv overrides the environment lookup used to resolve the API key.
func WithGetenv(fn func(string) string) Option {
	return func(a *App) { a.getenv = fn }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. A missing API key is
// not an error: the server starts, readiness fails and every connect attempt
// reports the missing credential.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, getenv: os.Getenv}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.apiKey = config.ResolveAPIKey(cfg, a.getenv)
	a.settings = cfg.Assistant.Settings()

	// ── 1. Event bus and media gallery ───────────────────────────────────
	a.bus = events.NewBus(events.DefaultHistory)
	g, err := gallery.New(cfg.Tools.MediaDir, gallery.WithNotify(a.bus.Media))
	if err != nil {
		return nil, fmt.Errorf("app: init gallery: %w", err)
	}
	a.gallery = g

	// ── 2. Providers ─────────────────────────────────────────────────────
	if err := a.initProviders(ctx); err != nil {
		return nil, fmt.Errorf("app: init providers: %w", err)
	}

	// ── 3. Orchestrator ──────────────────────────────────────────────────
	a.dispatcher = tools.NewDispatcher(tools.WithMetrics(a.metrics))
	a.orch = session.New(session.Config{
		APIKey:      a.apiKey,
		Dialer:      a.dialer,
		NewCapture:  a.newCapture,
		NewPlayback: a.newPlayback,
		Tools:       a.dispatcher,
		Events:      a.bus,
		Live:        liveConfig(cfg),
		Metrics:     a.metrics,
	})

	// ── 4. Tools ─────────────────────────────────────────────────────────
	if err := a.initTools(); err != nil {
		return nil, fmt.Errorf("app: init tools: %w", err)
	}

	// ── 5. UI server ─────────────────────────────────────────────────────
	a.api = uiapi.New(uiapi.Config{
		Session: a.orch,
		Events:  a.bus,
		Gallery: a.gallery,
		Health: health.New(
			health.Credential(a.apiKey),
			health.WritableDir("media_dir", cfg.Tools.MediaDir),
		),
		Defaults: a.Settings,
		Metrics:  a.metrics,
	})
	a.handler = a.api.Router()
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

// initProviders builds every provider not injected by an option.
func (a *App) initProviders(ctx context.Context) error {
	if a.dialer == nil {
		var opts []geminilive.Option
		if a.cfg.Gemini.LiveBaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(a.cfg.Gemini.LiveBaseURL))
		}
		opts = append(opts, geminilive.WithModel(a.cfg.Gemini.LiveModel))
		a.dialer = geminilive.New(a.apiKey, opts...)
	}
	if a.input == nil {
		a.input = &device.Input{Name: a.cfg.Audio.InputDevice}
	}
	if a.output == nil {
		audioCfg := a.cfg.Audio
		a.output = func() playback.Output {
			return device.NewOutput(audioCfg.OutputDevice, audioCfg.OutputSampleRate, audioCfg.OutputChannels, 0)
		}
	}
	if a.remote == nil && a.apiKey != "" {
		gc := a.cfg.Gemini
		opts := []gemini.Option{gemini.WithBaseURL(gc.BaseURL), gemini.WithMetrics(a.metrics)}
		for _, m := range []struct {
			name string
			opt  func(string) gemini.Option
		}{
			{gc.ReasoningModel, gemini.WithReasoningModel},
			{gc.SearchModel, gemini.WithSearchModel},
			{gc.MapsModel, gemini.WithMapsModel},
			{gc.ImageModel, gemini.WithImageModel},
			{gc.VideoModel, gemini.WithVideoModel},
		} {
			if m.name != "" {
				opts = append(opts, m.opt(m.name))
			}
		}
		client, err := gemini.New(ctx, a.apiKey, opts...)
		if err != nil {
			return err
		}
		a.remote = client
	}
	if a.locator == nil {
		var urls []string
		if u := a.cfg.Tools.GeolocationURL; u != "" {
			urls = append(urls, u)
		}
		a.locator = grounded.NewIPLocator(&http.Client{Timeout: a.cfg.Tools.GeolocationTimeout}, urls...)
	}
	if a.opener == nil {
		a.opener = system.Browser
	}
	return nil
}

// initTools registers every capability except the disabled ones. Remote
// capabilities are skipped when no remote is available.
func (a *App) initTools() error {
	tc := a.cfg.Tools
	all := system.NewTools(a.opener, time.Now)
	all = append(all, fileio.NewTools(a.orch, tc.ReadFileMaxChars)...)
	if a.remote != nil {
		sink := tools.MediaSinkFunc(a.gallery.Publish)
		all = append(all, grounded.NewTools(grounded.Config{
			Reasoner:           a.remote,
			Searcher:           a.remote,
			Places:             a.remote,
			Locator:            a.locator,
			Sink:               sink,
			GeolocationTimeout: tc.GeolocationTimeout,
		})...)
		all = append(all, media.NewTools(media.Config{
			Images:       a.remote,
			Videos:       a.remote,
			Store:        a.gallery,
			Sink:         sink,
			PollInterval: tc.VideoPollInterval,
			MaxPolls:     tc.VideoMaxPolls,
			MaxWait:      tc.VideoMaxWait,
		})...)
	} else {
		slog.Warn("no API key configured; remote tools are unavailable")
	}

	known := make([]string, 0, len(all))
	for _, t := range all {
		known = append(known, t.Definition.Name)
	}
	for _, name := range tc.Disabled {
		if !slices.Contains(known, name) {
			slog.Warn("disabled tool is unknown", "tool", name, "known", known)
		}
	}

	for _, t := range all {
		if slices.Contains(tc.Disabled, t.Definition.Name) {
			slog.Info("tool disabled", "tool", t.Definition.Name)
			continue
		}
		if err := a.dispatcher.Register(t); err != nil {
			return err
		}
	}
	slog.Debug("tools registered", "count", len(a.dispatcher.Definitions()))
	return nil
}

func (a *App) newCapture() session.Capture {
	return capture.New(a.input,
		capture.WithSampleRate(a.cfg.Audio.InputSampleRate),
		capture.WithBlockSize(a.cfg.Audio.BlockSize),
		capture.WithMetrics(a.metrics),
	)
}

func (a *App) newPlayback() (session.Playback, error) {
	return playback.New(a.output(), playback.WithMetrics(a.metrics))
}

// liveConfig derives the channel template from the assistant section.
func liveConfig(cfg *config.Config) live.Config {
	return live.Config{
		Model:             cfg.Gemini.LiveModel,
		SystemInstruction: cfg.Assistant.SystemInstruction,
		Transcription:     cfg.Assistant.TranscriptionEnabled(),
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the HTTP handler serving the UI API.
func (a *App) Handler() http.Handler { return a.handler }

// Orchestrator returns the session orchestrator.
func (a *App) Orchestrator() *session.Orchestrator { return a.orch }

// Events returns the UI event bus.
func (a *App) Events() *events.Bus { return a.bus }

// Tools returns the declarations offered to the model.
func (a *App) Tools() []live.FunctionDeclaration { return a.dispatcher.Definitions() }

// Ready reports whether an API key is configured.
func (a *App) Ready() bool { return a.apiKey != "" }

// Settings returns the configured session settings.
func (a *App) Settings() types.Settings {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.settings
}

// ApplyConfig takes over hot-reloadable changes. Assistant changes apply at
// the next connect; everything else needs a restart.
func (a *App) ApplyConfig(cfg *config.Config, d config.ConfigDiff) {
	if d.AssistantChanged {
		a.mu.Lock()
		a.settings = cfg.Assistant.Settings()
		a.mu.Unlock()
		lc := liveConfig(a.cfg)
		lc.SystemInstruction = cfg.Assistant.SystemInstruction
		lc.Transcription = cfg.Assistant.TranscriptionEnabled()
		a.orch.SetLiveConfig(lc)
		slog.Info("assistant settings updated; they apply at the next connect",
			"voice", cfg.Assistant.VoiceName)
	}
	if d.ToolsChanged {
		slog.Warn("tool changes apply only after a restart", "disabled", cfg.Tools.Disabled)
	}
}

// ─── Context file ────────────────────────────────────────────────────────────

// ErrNotText is returned by [ReadContextFile] for content that is not UTF-8.
var ErrNotText = errors.New("app: context file is not UTF-8 text")

// ReadContextFile loads path as a context file.
func ReadContextFile(path string) (types.ContextFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return types.ContextFile{}, fmt.Errorf("app: read context file: %w", err)
	}
	if len(data) > uiapi.MaxContextFileBytes {
		return types.ContextFile{}, fmt.Errorf("app: context file %s exceeds %d bytes", path, uiapi.MaxContextFileBytes)
	}
	if !utf8.Valid(data) {
		return types.ContextFile{}, fmt.Errorf("%w: %s", ErrNotText, path)
	}
	mt := mime.TypeByExtension(filepath.Ext(path))
	if mt == "" {
		mt = "text/plain"
	}
	return types.ContextFile{
		Name:      filepath.Base(path),
		Content:   string(data),
		MIMEType:  mt,
		SizeBytes: int64(len(data)),
	}, nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the UI until ctx is cancelled or the listener fails. UI log
// entries are mirrored to the process log while it runs.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	slog.Info("ui server listening", "addr", ln.Addr().String())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		a.mirrorLogs(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// mirrorLogs copies UI log entries to slog until ctx is done.
func (a *App) mirrorLogs(ctx context.Context) {
	ch, unsubscribe := a.bus.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Kind != events.KindLog || ev.Log == nil {
				continue
			}
			level := slog.LevelInfo
			if ev.Log.Type == types.LogError {
				level = slog.LevelWarn
			}
			slog.Log(ctx, level, ev.Log.Text, "source", ev.Log.Source, "type", ev.Log.Type)
		}
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown ends the session, waits for in-flight tool calls and stops the
// server. It respects the context deadline: if ctx expires before all
// closers finish, remaining closers are skipped and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.orch.Disconnect(); err != nil {
			slog.Warn("session disconnect error", "err", err)
		}
		waitCtx, cancel := context.WithTimeout(ctx, shutdownGrace)
		if err := a.orch.Wait(waitCtx); err != nil {
			slog.Warn("tool calls still running at shutdown", "err", err)
		}
		cancel()

		if err := a.server.Shutdown(ctx); err != nil {
			slog.Warn("ui server shutdown error", "err", err)
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

// AddCloser registers fn to run during Shutdown, after the server stopped.
func (a *App) AddCloser(fn func() error) {
	a.closers = append(a.closers, fn)
}
