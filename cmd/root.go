// Package cmd defines and implements the CLI commands for the rendergateway executable.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/render-gateway/internal/config"
	"github.com/JakeFAU/render-gateway/internal/server"
)

// Runner is the part of the application the serve command drives.
type Runner interface {
	Run(ctx context.Context) error
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg *config.Config) (Runner, error) {
	return server.Build(ctx, cfg)
}

type rootOptions struct {
	cfgFile string
}

func (o *rootOptions) load() (config.Config, error) {
	cfg, err := config.Load(o.cfgFile)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "rendergateway",
		Short: "Admission-controlled headless rendering service.",
		Long: `rendergateway renders pages and PDFs in a pool of headless browsers.
Every request passes through memory, per-host rate, browser pool, WASM
extractor and PDF capacity gates before any work is started.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (environment variables use the RENDERGW_ prefix)")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newCheckConfigCmd(opts))
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
