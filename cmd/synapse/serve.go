package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/whotf-ash/synapse/internal/app"
	"github.com/whotf-ash/synapse/internal/config"
	"github.com/whotf-ash/synapse/internal/observe"
)

func newServeCmd(g *globals) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the language service the front-ends talk to",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if listen != "" {
				g.cfg.Server.ListenAddr = listen
			}
			return runServe(cmd.Context(), g.cfg, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "override server.listen_addr")
	return cmd
}

func runServe(parent context.Context, cfg *config.Config, out io.Writer) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("synapse starting",
		"version", version,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, cfg.Server.AudioSampleRate)
	providers, err := buildServiceProviders(cfg, reg)
	if err != nil {
		_ = tel.Shutdown(context.Background())
		return err
	}

	svc, err := app.NewService(cfg, providers,
		app.WithServiceMetrics(tel.Metrics, tel.MetricsHandler()),
		app.WithCloser(func() error {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return tel.Shutdown(flushCtx)
		}),
	)
	if err != nil {
		_ = tel.Shutdown(context.Background())
		return err
	}

	printStartupSummary(out, cfg)
	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := svc.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	slog.Info("shutdown signal received, stopping")
	if err := svc.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		if runErr == nil {
			runErr = err
		}
	}
	slog.Info("goodbye")
	return runErr
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(out io.Writer, cfg *config.Config) {
	fmt.Fprintln(out, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(out, "║         Synapse — language service    ║")
	fmt.Fprintln(out, "╠═══════════════════════════════════════╣")
	printProvider(out, "LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider(out, "TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	fmt.Fprintf(out, "║  Fallbacks       : %-19s ║\n",
		fmt.Sprintf("%d llm, %d tts", len(cfg.Providers.LLMFallbacks), len(cfg.Providers.TTSFallbacks)))
	fmt.Fprintf(out, "║  Languages       : %-19d ║\n", len(cfg.Languages))
	fmt.Fprintf(out, "║  Audio TTL       : %-19s ║\n", cfg.Server.AudioTTL)
	if cfg.Server.ListenAddr != "" {
		fmt.Fprintf(out, "║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Fprintln(out, "╚═══════════════════════════════════════╝")
}

func printProvider(out io.Writer, kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len([]rune(value)) > 19 {
		value = string([]rune(value)[:16]) + "…"
	}
	fmt.Fprintf(out, "║  %-12s    : %-19s ║\n", kind, value)
}
