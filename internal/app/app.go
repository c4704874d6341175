// Package app wires the Synapse subsystems into a running application.
//
// App is the interactive client: New creates the speech session, playback
// manager, language client and history store and connects them to an
// [interaction.Controller]; Run starts the controller and blocks; Shutdown
// tears everything down in order. [Service] does the same for the language
// service started by "synapse serve".
//
// For testing, inject doubles via functional options (WithCapability,
// WithSink, WithHistoryStore). When an option is not provided, New creates
// real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/whotf-ash/synapse/internal/config"
	"github.com/whotf-ash/synapse/internal/history"
	"github.com/whotf-ash/synapse/internal/interaction"
	"github.com/whotf-ash/synapse/internal/langclient"
	"github.com/whotf-ash/synapse/internal/observe"
	"github.com/whotf-ash/synapse/internal/playback"
	"github.com/whotf-ash/synapse/internal/resilience"
	"github.com/whotf-ash/synapse/internal/speech"
	"github.com/whotf-ash/synapse/pkg/audio"
	"github.com/whotf-ash/synapse/pkg/provider/llm"
	"github.com/whotf-ash/synapse/pkg/provider/stt"
	"github.com/whotf-ash/synapse/pkg/provider/tts"
)

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	LLM llm.Provider
	STT stt.Provider
	TTS tts.Provider

	// LLMName and TTSName label provider metrics.
	LLMName string
	TTSName string
}

// App owns the lifetimes of the client subsystems.
type App struct {
	cfg       *config.Config
	providers *Providers
	mode      interaction.Mode
	language  string
	level     langclient.Proficiency

	metrics    *observe.Metrics
	capability speech.Capability
	sink       playback.Sink
	httpClient *http.Client
	history    history.Store

	session    *speech.Session
	player     *playback.Manager
	client     *langclient.Client
	controller *interaction.Controller

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithCapability injects the speech capability instead of building one from
// the STT provider and capture command.
func WithCapability(c speech.Capability) Option {
	return func(a *App) { a.capability = c }
}

// WithSink injects the playback sink instead of running the player command.
func WithSink(s playback.Sink) Option {
	return func(a *App) { a.sink = s }
}

// WithHistoryStore injects a history store instead of opening one from config.
// The injected store is not closed by Shutdown.
func WithHistoryStore(s history.Store) Option {
	return func(a *App) { a.history = s }
}

// WithHTTPClient sets the HTTP client used for remote calls and audio fetches.
func WithHTTPClient(c *http.Client) Option {
	return func(a *App) { a.httpClient = c }
}

// WithLanguage selects the initial target language by catalog name.
func WithLanguage(name string) Option {
	return func(a *App) { a.language = name }
}

// WithProficiency sets the initial learner level for conversation mode.
func WithProficiency(level langclient.Proficiency) Option {
	return func(a *App) { a.level = level }
}

// WithMetrics sets the metrics instance shared by all subsystems.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App for mode by wiring all client subsystems together. The
// providers struct comes from main.go; only STT is used by the client.
//
// A missing speech capability is not an error: the controller reports
// Supported()==false and refuses to record.
func New(ctx context.Context, cfg *config.Config, providers *Providers, mode interaction.Mode, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		mode:      mode,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.httpClient == nil {
		a.httpClient = http.DefaultClient
	}

	// ── 1. History ───────────────────────────────────────────────────────
	if err := a.initHistory(ctx); err != nil {
		return nil, fmt.Errorf("app: init history: %w", err)
	}

	// ── 2. Speech capture ────────────────────────────────────────────────
	a.initCapture()

	// ── 3. Playback ──────────────────────────────────────────────────────
	if err := a.initPlayback(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init playback: %w", err)
	}

	// ── 4. Language client ───────────────────────────────────────────────
	client, err := langclient.New(cfg.Client.APIURL,
		langclient.WithHTTPClient(a.httpClient),
		langclient.WithTimeout(cfg.Client.RequestTimeout),
		langclient.WithMetrics(a.metrics),
	)
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init language client: %w", err)
	}
	a.client = client

	// ── 5. Controller ────────────────────────────────────────────────────
	ctrl, err := interaction.New(interaction.Config{
		Mode:        mode,
		Capture:     a.session,
		Client:      a.client,
		Player:      a.player,
		History:     a.history,
		Languages:   interaction.NewCatalog(cfg.Languages),
		Language:    a.language,
		Proficiency: a.level,
		SettleDelay: cfg.Client.SettleDelay,
	})
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init controller: %w", err)
	}
	a.controller = ctrl

	return a, nil
}

func (a *App) initHistory(ctx context.Context) error {
	if a.history != nil {
		return nil
	}
	store, err := history.Open(ctx, a.cfg.History)
	if err != nil {
		return err
	}
	a.history = store
	a.closers = append(a.closers, store.Close)
	slog.Debug("history store opened", "backend", a.cfg.History.Backend)
	return nil
}

// initCapture builds the speech session. Without an STT provider or a usable
// capture command the session is created without a capability.
func (a *App) initCapture() {
	if a.capability == nil && a.providers.STT != nil {
		c := a.cfg.Client
		source := speech.CommandSource{
			Command: c.CaptureCommand,
			Format:  audio.Format{SampleRate: c.CaptureSampleRate, Channels: c.CaptureChannels},
		}
		capability, err := speech.NewSTTCapability(a.providers.STT, source,
			audio.Format{SampleRate: config.DefaultSampleRate, Channels: 1})
		if err != nil {
			slog.Warn("speech capture unavailable", "err", err)
		} else {
			a.capability = capability
		}
	}
	a.session = speech.NewSession(a.capability, speech.WithMetrics(a.metrics))
}

func (a *App) initPlayback() error {
	if a.sink == nil {
		cmd := playback.CommandSink{Command: a.cfg.Client.PlayerCommand}
		if err := cmd.Available(); err != nil {
			slog.Warn("audio playback unavailable; replies will be discarded", "err", err)
			a.sink = playback.DiscardSink{}
		} else {
			a.sink = cmd
		}
	}
	player, err := playback.New(a.cfg.Client.APIURL, a.sink,
		playback.WithHTTPClient(a.httpClient),
		playback.WithMetrics(a.metrics),
	)
	if err != nil {
		return err
	}
	a.player = player
	return nil
}

// Controller returns the interaction controller for front-ends to drive.
func (a *App) Controller() *interaction.Controller { return a.controller }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the controller and blocks until ctx is cancelled. It returns
// ctx.Err().
func (a *App) Run(ctx context.Context) error {
	if err := a.controller.Start(ctx); err != nil {
		return fmt.Errorf("app: start controller: %w", err)
	}
	slog.Info("app running", "mode", a.mode, "speech", a.session.Supported())
	<-ctx.Done()
	return ctx.Err()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the controller and playback, then runs the closers in order.
// It respects the context deadline: if ctx expires before all closers finish,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		_ = a.controller.Close()
		a.player.Stop()

		var errs []error
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
				errs = append(errs, err)
			}
		}
		shutdownErr = errors.Join(errs...)
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll runs the closers collected so far after a failed New.
func (a *App) closeAll() {
	for _, closer := range a.closers {
		_ = closer()
	}
	a.closers = nil
}

// ─── Provider chains ─────────────────────────────────────────────────────────

// NamedLLM pairs a provider with the name used in logs and metrics.
type NamedLLM struct {
	Name     string
	Provider llm.Provider
}

// NamedTTS pairs a provider with the name used in logs and metrics.
type NamedTTS struct {
	Name     string
	Provider tts.Provider
}

// NamedSTT pairs a provider with the name used in logs and metrics.
type NamedSTT struct {
	Name     string
	Provider stt.Provider
}

// STTChain returns primary alone, or a [resilience.STTFallback] trying
// primary then each fallback in order when a stream cannot be opened.
func STTChain(primary NamedSTT, fallbacks []NamedSTT, cfg resilience.FallbackConfig) stt.Provider {
	if len(fallbacks) == 0 {
		return primary.Provider
	}
	fb := resilience.NewSTTFallback(primary.Provider, primary.Name, cfg)
	for _, f := range fallbacks {
		fb.AddFallback(f.Name, f.Provider)
	}
	return fb
}

// LLMChain returns primary alone, or a [resilience.LLMFallback] trying
// primary then each fallback in order.
func LLMChain(primary NamedLLM, fallbacks []NamedLLM, cfg resilience.FallbackConfig) llm.Provider {
	if len(fallbacks) == 0 {
		return primary.Provider
	}
	fb := resilience.NewLLMFallback(primary.Provider, primary.Name, cfg)
	for _, f := range fallbacks {
		fb.AddFallback(f.Name, f.Provider)
	}
	return fb
}

// TTSChain returns primary alone, or a [resilience.TTSFallback] trying
// primary then each fallback in order.
func TTSChain(primary NamedTTS, fallbacks []NamedTTS, cfg resilience.FallbackConfig) tts.Provider {
	if len(fallbacks) == 0 {
		return primary.Provider
	}
	fb := resilience.NewTTSFallback(primary.Provider, primary.Name, cfg)
	for _, f := range fallbacks {
		fb.AddFallback(f.Name, f.Provider)
	}
	return fb
}
