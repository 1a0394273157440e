package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/lazypower/memgraph/internal/client"
	"github.com/lazypower/memgraph/internal/config"
)

var (
	configPath string
	serverURL  string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:           "memgraph",
	Short:         "Temporal memory graph for activity streams",
	Long:          "memgraph keeps a decaying graph of what you browsed, edited and said, and answers \"what is relevant now\" by time, topic and use.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.memgraph/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "server URL (default $MEMGRAPH_URL or "+client.DefaultServerURL+")")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "debug logging")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(tickCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(contextCmd)
	rootCmd.AddCommand(nodeCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(hookCmd)
}

// loadConfig reads --config, or the default path when unset.
func loadConfig() (config.Config, string, error) {
	path := configPath
	if path == "" {
		var err error
		if path, err = config.DefaultPath(); err != nil {
			return config.Config{}, "", err
		}
	}
	cfg, err := config.Load(path)
	return cfg, path, err
}

// newLogger builds the process logger. The returned level can be changed
// at runtime, which config reloads use.
func newLogger(cfg config.LogConfig) (*zap.Logger, zap.AtomicLevel, error) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, level, fmt.Errorf("log level %q: %w", cfg.Level, err)
	}
	if debug {
		level.SetLevel(zapcore.DebugLevel)
	}

	zc := zap.NewProductionConfig()
	if cfg.Development || debug {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	zc.OutputPaths = []string{"stderr"}
	log, err := zc.Build()
	if err != nil {
		return nil, level, fmt.Errorf("build logger: %w", err)
	}
	return log, level, nil
}

func newClient() *client.Client {
	return client.New(serverURL)
}
