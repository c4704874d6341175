package main

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/whotf-ash/synapse/internal/app"
	"github.com/whotf-ash/synapse/internal/config"
	"github.com/whotf-ash/synapse/internal/interaction"
	"github.com/whotf-ash/synapse/internal/langclient"
)

// clientShutdownTimeout bounds App.Shutdown when leaving a front-end.
const clientShutdownTimeout = 15 * time.Second

func newTranslateCmd(g *globals) *cobra.Command {
	var lang string
	cmd := &cobra.Command{
		Use:   "translate",
		Short: "Speak English and hear the translation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := []app.Option{}
			if lang != "" {
				opts = append(opts, app.WithLanguage(lang))
			}
			return runInteractive(cmd.Context(), g.cfg, interaction.ModeTranslator, cmd.InOrStdin(), cmd.OutOrStdout(), opts...)
		},
	}
	cmd.Flags().StringVar(&lang, "lang", "", "target language (default: first configured language)")
	return cmd
}

func newConverseCmd(g *globals) *cobra.Command {
	var lang, level string
	cmd := &cobra.Command{
		Use:   "converse",
		Short: "Hold a spoken conversation with a native-speaker partner",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := []app.Option{}
			if lang != "" {
				opts = append(opts, app.WithLanguage(lang))
			}
			if level != "" {
				p, err := langclient.ParseProficiency(level)
				if err != nil {
					return err
				}
				opts = append(opts, app.WithProficiency(p))
			}
			return runInteractive(cmd.Context(), g.cfg, interaction.ModeConversation, cmd.InOrStdin(), cmd.OutOrStdout(), opts...)
		},
	}
	cmd.Flags().StringVar(&lang, "lang", "", "conversation language (default: first configured language)")
	cmd.Flags().StringVar(&level, "level", "", "learner level: beginner, intermediate or advanced")
	return cmd
}

// runInteractive builds the client app, attaches a terminal to its
// controller and reads commands from in until :quit, EOF or a signal.
func runInteractive(parent context.Context, cfg *config.Config, mode interaction.Mode, in io.Reader, out io.Writer, opts ...app.Option) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg, cfg.Server.AudioSampleRate)
	providers, err := buildClientProviders(cfg, reg)
	if err != nil {
		return err
	}

	application, err := app.New(ctx, cfg, providers, mode, opts...)
	if err != nil {
		return err
	}

	ctrl := application.Controller()
	term := newTerminal(out, ctrl)
	term.greet(ctrl.Snapshot())
	unsubscribe := ctrl.Subscribe(term.render)
	defer unsubscribe()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- application.Run(runCtx) }()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-runCtx.Done():
				return
			}
		}
	}()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err := <-runErr:
			runErr <- err
			break loop
		case line, ok := <-lines:
			if !ok || term.handle(line) {
				break loop
			}
		}
	}

	cancel()
	err = <-runErr
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), clientShutdownTimeout)
	defer shutdownCancel()
	if serr := application.Shutdown(shutdownCtx); serr != nil {
		slog.Warn("shutdown error", "err", serr)
	}
	return err
}
