package main

import (
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/wesm/annoreports/internal/config"
)

func newWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run report computations from a shared queue",
		Long: `worker consumes scheduled report checks without serving
HTTP. It is useful only with the redis queue, where requests
scheduled by a serve process reach it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			a, err := openApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			g, ctx := errgroup.WithContext(cmd.Context())
			startPool(ctx, g, a)
			return g.Wait()
		},
	}
	config.RegisterWorkerFlags(cmd.Flags())
	return cmd
}
