package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pkt.systems/nbkernel/core"
	"pkt.systems/nbkernel/internal/appconfig"
	"pkt.systems/nbkernel/internal/gokernel"
	"pkt.systems/nbkernel/internal/history"
	"pkt.systems/nbkernel/internal/kernelgrpc"
	"pkt.systems/nbkernel/internal/kernelproc"
	"pkt.systems/nbkernel/internal/wire"
	"pkt.systems/nbkernel/schema"
	"pkt.systems/pslog"
)

// kernelHandle is a transport plus whatever must be torn down after the
// connection using it is closed.
type kernelHandle struct {
	transport core.Transport
	stop      func() error
}

// openKernel starts or dials the kernel selected by cfg.Kernel.Backend.
// The recorder is only used by the in-process backend; other backends
// record history on their own side.
func openKernel(ctx context.Context, cfg appconfig.Config, recorder gokernel.Recorder) (*kernelHandle, error) {
	log := pslog.Ctx(ctx)
	switch cfg.Kernel.Backend {
	case appconfig.BackendInProcess:
		client, server := wire.Pipe(ctx)
		kernel := gokernel.New(gokernel.Config{KernelID: "inprocess", History: recorder})
		serveCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() { done <- kernel.Serve(serveCtx, server) }()
		log.Debug("in-process kernel started")
		return &kernelHandle{
			transport: client,
			stop: func() error {
				cancel()
				err := <-done
				return errors.Join(err, server.Close())
			},
		}, nil
	case appconfig.BackendProcess:
		proc, err := kernelproc.Start(ctx, kernelproc.Config{
			Binary:        cfg.Kernel.Binary,
			Args:          cfg.Kernel.Args,
			Env:           cfg.Kernel.Env,
			ShutdownGrace: time.Duration(cfg.Kernel.ShutdownGraceSeconds) * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("start kernel process: %w", err)
		}
		return &kernelHandle{transport: proc, stop: func() error { return nil }}, nil
	case appconfig.BackendGRPC:
		client, err := kernelgrpc.Dial(ctx, kernelgrpc.Config{
			SocketPath:        cfg.Kernel.SocketPath,
			KeepaliveInterval: time.Duration(cfg.Kernel.KeepaliveIntervalSeconds) * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("dial kernel gateway: %w", err)
		}
		return &kernelHandle{transport: client, stop: func() error { return nil }}, nil
	default:
		return nil, fmt.Errorf("unsupported kernel backend %q", cfg.Kernel.Backend)
	}
}

// openHistory opens the history store unless it is disabled. The returned
// recorder is nil when there is no store.
func openHistory(ctx context.Context, cfg appconfig.Config, disabled bool) (*history.Store, gokernel.Recorder, error) {
	if disabled || cfg.History.Disabled {
		return nil, nil, nil
	}
	store, err := history.Open(ctx, cfg.History.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open history: %w", err)
	}
	return store, store, nil
}

func loadConfig(path, backend string) (appconfig.Config, error) {
	cfg, err := appconfig.Load(path)
	if err != nil {
		return appconfig.Config{}, err
	}
	if backend != "" {
		cfg.Kernel.Backend = backend
		if err := appconfig.Validate(cfg); err != nil {
			return appconfig.Config{}, err
		}
	}
	return cfg, nil
}

func kernelIDFor(cfg appconfig.Config) schema.KernelID {
	return schema.KernelID(cfg.Kernel.Backend)
}
