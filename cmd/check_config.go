package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCheckConfigCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validates configuration and prints the effective limits",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			bp := cfg.BrowserPool
			lines := []string{
				fmt.Sprintf("browser_pool: initial=%d min=%d max=%d checkout_timeout=%s",
					bp.InitialPoolSize, bp.MinPoolSize, bp.MaxPoolSize, bp.CheckoutTimeout),
				fmt.Sprintf("memory: limit=%dMB pressure=%.2f",
					cfg.Memory.GlobalLimitMB, cfg.Memory.PressureThreshold),
				fmt.Sprintf("rate_limit: enabled=%t rps=%g burst=%d",
					cfg.RateLimit.Enabled, cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst),
				fmt.Sprintf("pdf: max_concurrent=%d", cfg.PDF.MaxConcurrent),
				fmt.Sprintf("wasm: max_operations=%d module=%q",
					cfg.Wasm.MaxOperationsPerInstance, cfg.Wasm.ModulePath),
				fmt.Sprintf("timeouts: render=%s pdf=%s wasm=%s global=%s",
					cfg.Timeouts.Render, cfg.Timeouts.PDF, cfg.Timeouts.Wasm, cfg.Timeouts.Global),
				fmt.Sprintf("storage: backend=%s", cfg.Storage.Backend),
				"config ok",
			}
			for _, line := range lines {
				if _, err := fmt.Fprintln(out, line); err != nil {
					return fmt.Errorf("write summary: %w", err)
				}
			}
			return nil
		},
	}
}
