package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/seantiz/stevedore/internal/app"
	"github.com/seantiz/stevedore/internal/config"
)

var cfgFile string

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:           "stevedore",
	Short:         "Delegate runs and steps to ECS or Kubernetes",
	Long:          `stevedore launches work units as ECS tasks or Kubernetes Jobs, monitors them and terminates them on request.`,
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute adds all child commands to the root command and runs it.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); STEVEDORE_* environment variables override it")
}

// openApp loads configuration and assembles the delegator. Logs and spans go
// to stderr so command output on stdout stays machine-readable.
func openApp(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	logger := config.NewLogger(os.Stderr, cfg.SlogLevel())
	a, err := app.Open(ctx, cfg, logger, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}
	return a, nil
}
