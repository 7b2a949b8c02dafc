package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string
	var logLevel string

	root := &cobra.Command{
		Use:          "plover",
		Short:        "Run entry processors against a partitioned, replicated key-value store",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a TOML config file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level, overrides the config file")

	root.AddCommand(newRunCommand(&configPath, &logLevel))
	root.AddCommand(newConfigCommand(&configPath))

	return root
}

func newLogger(level string) (*zap.Logger, error) {
	atomicLevel := zap.NewAtomicLevel()

	if err := atomicLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %s", level, err)
	}

	config := zap.NewProductionConfig()
	config.Level = atomicLevel
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return config.Build()
}
