// -- cmd/root.go --
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/youbridge/internal/browser"
	"github.com/xkilldash9x/youbridge/internal/config"
	"github.com/xkilldash9x/youbridge/internal/observability"
)

type contextKey string

const configKey contextKey = "config"

const shutdownTimeout = 15 * time.Second

// newLauncher builds the browser launcher for a command. Tests swap it for a fake.
var newLauncher = func(cfg config.BrowserConfig, logger *zap.Logger) browser.Launcher {
	return browser.NewCDPLauncher(cfg, logger)
}

var (
	errNoSessions      = errors.New("no sessions configured")
	errNoValidSessions = errors.New("no session could be validated")
)

// NewRootCommand builds a fresh command tree. Every invocation gets its own flags.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "youbridge",
		Short:         "youbridge serves chat completions through authenticated you.com browser sessions.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			config.SetDefaults(v)

			if err := initializeConfig(cmd, v); err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}

			cfg, err := config.NewConfigFromViper(v)
			if err != nil {
				// Fall back to a basic logger so the failure itself is visible.
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "youbridge"})
				return fmt.Errorf("failed to load or validate config: %w", err)
			}

			observability.InitializeLogger(cfg.Logger)
			observability.GetLogger().Debug("Starting youbridge", zap.String("version", Version))

			cmd.SetContext(context.WithValue(cmd.Context(), configKey, cfg))
			return nil
		},
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is ./config.yaml)")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newAskCmd())
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

// Execute runs the command tree with a signal-aware context.
func Execute(ctx context.Context) error {
	defer observability.Sync()

	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			observability.GetLogger().Info("Command aborted.")
		} else {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		return err
	}
	return nil
}

// initializeConfig loads .env, the config file and YOUBRIDGE_* variables into v.
func initializeConfig(cmd *cobra.Command, v *viper.Viper) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("error reading .env file: %w", err)
	}

	if cfgFile, _ := cmd.Flags().GetString("config"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("YOUBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// No config file; defaults and environment only.
	}
	return nil
}

func configFromContext(ctx context.Context) (*config.Config, error) {
	cfg, ok := ctx.Value(configKey).(*config.Config)
	if !ok || cfg == nil {
		return nil, errors.New("configuration not loaded")
	}
	return cfg, nil
}

// startPool brings up every configured session.
func startPool(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*browser.Pool, browser.Report, error) {
	if len(cfg.Sessions) == 0 {
		return nil, browser.Report{}, errNoSessions
	}
	pool := browser.NewPool(cfg.Browser, cfg.Provider, newLauncher(cfg.Browser, logger), logger)
	return pool, pool.Initialize(ctx, cfg.Sessions), nil
}

// stopPool closes every browser, even when ctx is already cancelled.
func stopPool(ctx context.Context, pool *browser.Pool, logger *zap.Logger) {
	shutdownCtx, cancel := context.WithTimeout(browser.Detach(ctx), shutdownTimeout)
	defer cancel()
	if err := pool.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Session pool shut down with errors.", zap.Error(err))
	}
}
