package main

import (
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/nbkernel/internal/kernelgrpc"
	"pkt.systems/pslog"
)

func newGatewayCmd() *cobra.Command {
	var cfgPath string
	var socketPath string
	var keepaliveInterval time.Duration
	var keepaliveMisses int
	var noHistory bool
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Serve Go kernels over gRPC on a unix socket, one kernel per stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := pslog.Ctx(ctx)
			cfg, err := loadConfig(cfgPath, "")
			if err != nil {
				return err
			}
			if socketPath != "" {
				cfg.Kernel.SocketPath = socketPath
			}
			interval := time.Duration(cfg.Kernel.KeepaliveIntervalSeconds) * time.Second
			if keepaliveInterval > 0 {
				interval = keepaliveInterval
			}
			misses := cfg.Kernel.KeepaliveMisses
			if keepaliveMisses > 0 {
				misses = keepaliveMisses
			}

			store, recorder, err := openHistory(ctx, cfg, noHistory)
			if err != nil {
				return err
			}
			if store != nil {
				defer func() { _ = store.Close() }()
			}

			logger.Info("gateway config loaded", "socket", cfg.Kernel.SocketPath, "keepalive_interval", interval, "keepalive_misses", misses, "history", store != nil)
			server := kernelgrpc.NewServer(kernelgrpc.Config{
				SocketPath:        cfg.Kernel.SocketPath,
				KeepaliveInterval: interval,
				KeepaliveMisses:   misses,
				History:           recorder,
			})
			return server.ListenAndServe(ctx)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&socketPath, "socket-path", "", "gateway socket path (overrides config)")
	cmd.Flags().DurationVar(&keepaliveInterval, "keepalive-interval", 0, "keepalive interval (e.g. 10s)")
	cmd.Flags().IntVar(&keepaliveMisses, "keepalive-misses", 0, "keepalive misses before exit")
	cmd.Flags().BoolVar(&noHistory, "no-history", false, "do not store executions in history")
	return cmd
}
