package kernelgrpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"

	"pkt.systems/nbkernel/internal/gokernel"
	"pkt.systems/nbkernel/internal/logx"
	"pkt.systems/nbkernel/schema"
	"pkt.systems/pslog"
)

// Config controls the gateway server and client.
type Config struct {
	SocketPath        string
	KeepaliveInterval time.Duration
	// KeepaliveMisses is how many intervals may pass without a Ping before
	// the server stops. Zero disables the check.
	KeepaliveMisses int
	// History records executions of every kernel served.
	History gokernel.Recorder
}

// Server hosts one Go kernel per Channel stream.
type Server struct {
	cfg    Config
	logger pslog.Logger

	base         context.Context
	streams      atomic.Int64
	active       atomic.Int64
	lastPingUnix atomic.Int64
}

// NewServer constructs a gateway server.
func NewServer(cfg Config) *Server {
	return &Server{cfg: cfg}
}

// ListenAndServe listens on the configured unix socket and serves until ctx
// ends or keepalive pings stop arriving.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s.cfg.SocketPath == "" {
		return errors.New("kernel socket path is required")
	}
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o755); err != nil {
		return err
	}
	_ = os.Remove(s.cfg.SocketPath)
	listener, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(s.cfg.SocketPath) }()
	return s.Serve(ctx, listener)
}

// Serve accepts gRPC connections on listener until ctx ends.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	if s.logger == nil {
		s.logger = pslog.Ctx(ctx)
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.base = runCtx

	grpcServer := grpc.NewServer()
	grpcServer.RegisterService(&serviceDesc, s)
	s.logger.Info("kernel grpc listening", "addr", listener.Addr().String())

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return grpcServer.Serve(listener)
	})
	g.Go(func() error {
		<-gctx.Done()
		grpcServer.GracefulStop()
		return nil
	})
	if s.cfg.KeepaliveInterval > 0 && s.cfg.KeepaliveMisses > 0 {
		s.setLastPing(time.Time{})
		g.Go(func() error {
			s.keepaliveLoop(gctx, cancel)
			return nil
		})
	}
	err := g.Wait()
	s.logger.Info("kernel grpc stopped", "streams", s.streams.Load())
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

// Ping updates the keepalive timer.
func (s *Server) Ping(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	s.setLastPing(time.Now())
	s.log(ctx).Trace("kernel grpc ping")
	return &emptypb.Empty{}, nil
}

// Channel runs a fresh Go kernel for the lifetime of the stream.
func (s *Server) Channel(stream grpc.ServerStream) error {
	seq := s.streams.Add(1)
	kernelID := schema.KernelID(fmt.Sprintf("grpc-%d", seq))
	ctx, cancel := context.WithCancel(stream.Context())
	defer cancel()
	if s.base != nil {
		stop := context.AfterFunc(s.base, cancel)
		defer stop()
	}
	log := s.log(ctx).With("kernel", kernelID)
	ctx = logx.ContextWithKernelLogger(ctx, log, kernelID)
	s.active.Add(1)
	defer s.active.Add(-1)
	log.Info("kernel grpc channel open", "active", s.active.Load())

	transport := newFrames(stream, log)
	defer func() { _ = transport.Close() }()
	kernel := gokernel.New(gokernel.Config{KernelID: kernelID, History: s.cfg.History})
	err := kernel.Serve(ctx, transport)
	if err != nil {
		log.Warn("kernel grpc channel failed", "err", err)
		return status.Errorf(codes.Internal, "kernel failed: %v", err)
	}
	log.Info("kernel grpc channel closed")
	return nil
}

func (s *Server) log(ctx context.Context) pslog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return pslog.Ctx(ctx)
}

func (s *Server) setLastPing(ts time.Time) {
	if ts.IsZero() {
		s.lastPingUnix.Store(0)
		return
	}
	s.lastPingUnix.Store(ts.UnixNano())
}

func (s *Server) lastPing() time.Time {
	v := s.lastPingUnix.Load()
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, v)
}

func (s *Server) keepaliveLoop(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(s.cfg.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			last := s.lastPing()
			if last.IsZero() {
				continue
			}
			if time.Since(last) > time.Duration(s.cfg.KeepaliveMisses)*s.cfg.KeepaliveInterval {
				s.logger.Warn("kernel keepalive missed; shutting down", "last_ping", last.Format(time.RFC3339Nano), "interval", s.cfg.KeepaliveInterval, "misses", s.cfg.KeepaliveMisses)
				cancel()
				return
			}
		}
	}
}
