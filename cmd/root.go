package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/signalnine/tauguard/internal/config"
	"github.com/signalnine/tauguard/internal/guard"
)

var (
	cfgFile  string
	logLevel string
)

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "tauguard",
		Short:        "Guarded iterative repair of model-generated code",
		SilenceUsage: true,
	}
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return setupLogging(logLevel)
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "tauguard.yaml", "config file path")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	root.AddCommand(newRunCmd())
	root.AddCommand(newListCmd())
	root.AddCommand(newReportCmd())
	root.AddCommand(newReconcileCmd())
	root.AddCommand(newImportCmd())
	root.AddCommand(newEvaluateCmd())
	root.AddCommand(newProofcardCmd())
	return root
}

func setupLogging(level string) error {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "", "info":
		l = slog.LevelInfo
	case "warn", "warning":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		return fmt.Errorf("unknown log level %q", level)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
	return nil
}

// optionalPolicy returns the configured policy, or the defaults when the
// config file does not exist.
func optionalPolicy() (guard.Policy, *config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			slog.Debug("no config file, using default policy", "path", cfgFile)
			return guard.DefaultPolicy(), nil, nil
		}
		return guard.Policy{}, nil, err
	}
	return cfg.Loop.Policy(), cfg, nil
}
