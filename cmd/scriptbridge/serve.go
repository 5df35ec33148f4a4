package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"scriptbridge/config"
	"scriptbridge/host"
)

func newServeCommand(app *App) *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a host until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Default()
			if configPath != "" {
				var err error
				if cfg, err = config.Load(configPath); err != nil {
					return err
				}
			}
			logger, err := config.NewLogger(cfg.Log)
			if err != nil {
				return err
			}
			defer logger.Sync()

			if cfg.Gateway == nil {
				logger.Warn("no gateway block configured, the host is unreachable from outside")
			}
			h, err := host.New(cfg, logger)
			if err != nil {
				return err
			}
			if err := h.Start(app.Context); err != nil {
				h.Close()
				return err
			}

			<-app.Context.Done()
			logger.Info("shutting down", zap.Uint64("handled", h.Worker().Handled()))
			return h.Close()
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "HCL configuration file")
	return cmd
}
