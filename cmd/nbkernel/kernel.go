package main

import (
	"github.com/spf13/cobra"

	"pkt.systems/nbkernel/internal/gokernel"
	"pkt.systems/nbkernel/internal/logx"
	"pkt.systems/nbkernel/internal/wire"
	"pkt.systems/nbkernel/schema"
	"pkt.systems/pslog"
)

func newKernelCmd() *cobra.Command {
	var cfgPath string
	var kernelID string
	var noHistory bool
	cmd := &cobra.Command{
		Use:   "kernel",
		Short: "Serve a Go kernel over JSON lines on stdin and stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cfgPath, "")
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			id := schema.KernelID(kernelID)
			ctx = logx.ContextWithKernelLogger(ctx, logx.WithKernel(ctx, id), id)
			log := pslog.Ctx(ctx)

			store, recorder, err := openHistory(ctx, cfg, noHistory)
			if err != nil {
				return err
			}
			if store != nil {
				defer func() { _ = store.Close() }()
			}

			conn := wire.NewConn(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
			defer func() { _ = conn.Close() }()
			log.Info("kernel on stdio", "history", store != nil)
			return gokernel.New(gokernel.Config{KernelID: id, History: recorder}).Serve(ctx, conn)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&kernelID, "kernel-id", "stdio", "kernel id used in logs")
	cmd.Flags().BoolVar(&noHistory, "no-history", false, "do not store executions in history")
	return cmd
}
