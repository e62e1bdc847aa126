package kernelgrpc

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"pkt.systems/nbkernel/schema"
	"pkt.systems/pslog"
)

func wrapError(op string, err error) error {
	if err == nil || errors.Is(err, io.EOF) {
		return err
	}
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.Unavailable:
			return fmt.Errorf("kernel grpc %s: %w: %s", op, schema.ErrKernelUnavailable, st.Message())
		case codes.Canceled:
			return fmt.Errorf("kernel grpc %s: %w", op, context.Canceled)
		case codes.DeadlineExceeded:
			return fmt.Errorf("kernel grpc %s: %w", op, context.DeadlineExceeded)
		}
	}
	return fmt.Errorf("kernel grpc %s: %w", op, err)
}

func logGRPCError(log pslog.Logger, msg string, err error) {
	if log == nil || err == nil {
		return
	}
	if st, ok := status.FromError(err); ok {
		log.Warn(msg, "err", err, "code", st.Code().String(), "message", st.Message())
		return
	}
	log.Warn(msg, "err", err)
}
