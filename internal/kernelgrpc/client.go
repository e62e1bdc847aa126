package kernelgrpc

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"

	"pkt.systems/nbkernel/schema"
	"pkt.systems/pslog"
)

// Client is a kernel transport over one gateway Channel stream. It
// implements core.Transport.
type Client struct {
	conn   *grpc.ClientConn
	stream grpc.ClientStream
	frames *frames
	log    pslog.Logger

	cancel    context.CancelFunc
	pingDone  chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Dial connects to the gateway socket and opens a Channel stream, which
// starts a fresh kernel on the server. When cfg.KeepaliveInterval is set the
// client pings the server on that interval until Close.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.SocketPath == "" {
		return nil, errors.New("kernel socket path is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	log := pslog.Ctx(ctx).With("socket", cfg.SocketPath)
	dialer := func(ctx context.Context, addr string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "unix", addr)
	}
	conn, err := grpc.NewClient(
		"passthrough:///"+cfg.SocketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(dialer),
	)
	if err != nil {
		return nil, err
	}
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stream, err := conn.NewStream(streamCtx, &channelStreamDesc, channelMethod)
	if err != nil {
		cancel()
		_ = conn.Close()
		logGRPCError(log, "kernel grpc channel open failed", err)
		return nil, wrapError("open", err)
	}
	c := &Client{
		conn:     conn,
		stream:   stream,
		frames:   newFrames(stream, log),
		log:      log,
		cancel:   cancel,
		pingDone: make(chan struct{}),
	}
	if cfg.KeepaliveInterval > 0 {
		go c.pingLoop(streamCtx, cfg.KeepaliveInterval)
	} else {
		close(c.pingDone)
	}
	log.Debug("kernel grpc channel opened")
	return c, nil
}

// Ping sends one keepalive ping.
func (c *Client) Ping(ctx context.Context) error {
	return c.conn.Invoke(ctx, pingMethod, &emptypb.Empty{}, &emptypb.Empty{})
}

// Send forwards a message to the remote kernel.
func (c *Client) Send(ctx context.Context, msg schema.Message) error {
	return c.frames.Send(ctx, msg)
}

// Recv returns the next message from the remote kernel.
func (c *Client) Recv(ctx context.Context) (schema.Message, error) {
	return c.frames.Recv(ctx)
}

// Close half-closes the stream, which ends the remote kernel, then tears
// down the connection.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		_ = c.frames.Close()
		c.cancel()
		<-c.pingDone
		c.closeErr = c.conn.Close()
		c.log.Debug("kernel grpc channel closed")
	})
	return c.closeErr
}

func (c *Client) pingLoop(ctx context.Context, interval time.Duration) {
	defer close(c.pingDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := c.Ping(ctx); err != nil && ctx.Err() == nil {
			logGRPCError(c.log, "kernel grpc ping failed", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
