// Command synapse is the Synapse language-practice tool: a voice translator,
// a spoken conversation partner and the language service both of them talk
// to.
//
//	synapse translate [--lang spanish]
//	synapse converse  [--lang french] [--level beginner]
//	synapse history list | clear
//	synapse voices
//	synapse serve
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/whotf-ash/synapse/internal/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "synapse: %v\n", err)
		return 1
	}
	return 0
}

// globals holds the persistent flags and the configuration they resolve to.
type globals struct {
	configPath string
	logLevel   string
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "synapse",
		Short:         "Practise a language by voice",
		Long:          "Synapse translates spoken English and holds spoken conversations in the language you are learning.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return g.load()
		},
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", "config.yaml", "path to the YAML configuration file")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "override server.log_level (debug, info, warn, error)")

	root.AddCommand(
		newTranslateCmd(g),
		newConverseCmd(g),
		newHistoryCmd(g),
		newVoicesCmd(g),
		newServeCmd(g),
	)
	return root
}

// load reads .env and the config file, then installs the logger. A missing
// config file is fine: every command runs on defaults.
func (g *globals) load() error {
	if err := config.LoadEnv(); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(g.configPath)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return fmt.Errorf("config file %q is not readable: %w", g.configPath, err)
		}
		return err
	}
	level := cfg.Server.LogLevel
	if g.logLevel != "" {
		level = config.LogLevel(g.logLevel)
		if !level.IsValid() {
			return fmt.Errorf("--log-level %q is invalid; valid values: debug, info, warn, error", g.logLevel)
		}
	}
	slog.SetDefault(newLogger(level))
	slog.Debug("configuration loaded", "config", g.configPath, "api_url", cfg.Client.APIURL)
	g.cfg = cfg
	return nil
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
