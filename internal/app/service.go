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

	"golang.org/x/sync/errgroup"

	"github.com/whotf-ash/synapse/internal/config"
	"github.com/whotf-ash/synapse/internal/health"
	"github.com/whotf-ash/synapse/internal/observe"
	"github.com/whotf-ash/synapse/internal/server"
)

// shutdownGrace bounds the HTTP server's graceful shutdown once Run's
// context is done.
const shutdownGrace = 10 * time.Second

// Service owns the lifetime of the language service: the HTTP server and the
// audio janitor.
type Service struct {
	cfg       *config.Config
	providers *Providers

	metrics        *observe.Metrics
	metricsHandler http.Handler
	listener       net.Listener
	checkers       []health.Checker
	janitorEvery   time.Duration

	server *server.Server
	http   *http.Server

	closers  []func() error
	stopOnce sync.Once
}

// ServiceOption is a functional option for NewService.
type ServiceOption func(*Service)

// WithServiceMetrics sets the metrics recorded by the HTTP handlers and
// handler served on /metrics.
func WithServiceMetrics(m *observe.Metrics, handler http.Handler) ServiceOption {
	return func(s *Service) {
		s.metrics = m
		s.metricsHandler = handler
	}
}

// WithListener serves on ln instead of listening on cfg.Server.ListenAddr.
func WithListener(ln net.Listener) ServiceOption {
	return func(s *Service) { s.listener = ln }
}

// WithCheckers adds readiness checks.
func WithCheckers(c ...health.Checker) ServiceOption {
	return func(s *Service) { s.checkers = append(s.checkers, c...) }
}

// WithJanitorInterval overrides how often expired audio is swept.
func WithJanitorInterval(d time.Duration) ServiceOption {
	return func(s *Service) { s.janitorEvery = d }
}

// WithCloser registers fn to run during Shutdown, after the HTTP server has
// stopped. Telemetry flushes go here.
func WithCloser(fn func() error) ServiceOption {
	return func(s *Service) { s.closers = append(s.closers, fn) }
}

// NewService creates the language service. The LLM and TTS providers are
// required.
func NewService(cfg *config.Config, providers *Providers, opts ...ServiceOption) (*Service, error) {
	if providers == nil || providers.LLM == nil || providers.TTS == nil {
		return nil, errors.New("app: the language service needs providers.llm and providers.tts")
	}
	s := &Service{
		cfg:          cfg,
		providers:    providers,
		janitorEvery: server.JanitorInterval,
	}
	for _, o := range opts {
		o(s)
	}

	store, err := server.NewAudioStore(cfg.Server.AudioDir, cfg.Server.AudioTTL)
	if err != nil {
		return nil, fmt.Errorf("app: init audio store: %w", err)
	}

	srv, err := server.New(server.Config{
		LLM:            providers.LLM,
		LLMName:        providers.LLMName,
		TTS:            server.ProviderSynthesizer(providers.TTS),
		TTSName:        providers.TTSName,
		Audio:          store,
		SampleRate:     cfg.Server.AudioSampleRate,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Metrics:        s.metrics,
		MetricsHandler: s.metricsHandler,
		Checkers:       s.checkers,
	})
	if err != nil {
		return nil, fmt.Errorf("app: init server: %w", err)
	}
	s.server = srv
	s.http = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler returns the service's HTTP handler.
func (s *Service) Handler() http.Handler { return s.http.Handler }

// Run serves HTTP and sweeps expired audio until ctx is cancelled or the
// server fails. A cancelled ctx is a clean exit and yields nil.
func (s *Service) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		if s.listener != nil {
			slog.Info("language service listening", "addr", s.listener.Addr().String())
			err = s.http.Serve(s.listener)
		} else {
			slog.Info("language service listening", "addr", s.http.Addr)
			err = s.http.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})

	g.Go(func() error {
		return s.server.Audio().RunJanitor(gctx, s.janitorEvery)
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("app: http shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// Shutdown runs the registered closers in order, honouring ctx's deadline.
func (s *Service) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.stopOnce.Do(func() {
		var errs []error
		for i, closer := range s.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(s.closers)-i)
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
	})
	return shutdownErr
}
