package logx

import (
	"context"

	"pkt.systems/nbkernel/schema"
	"pkt.systems/pslog"
)

type contextKey int

const (
	kernelKey contextKey = iota
	sessionKey
)

// Ctx returns the logger bound to the provided context.
func Ctx(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx)
}

// WithKernel annotates the logger with the kernel id if present.
func WithKernel(ctx context.Context, kernelID schema.KernelID) pslog.Logger {
	log := pslog.Ctx(ctx)
	if kernelID != "" {
		if current, ok := ctx.Value(kernelKey).(schema.KernelID); ok && current == kernelID {
			return log
		}
		log = log.With("kernel", kernelID)
	}
	return log
}

// WithKernelSession annotates the logger with kernel and session identifiers.
func WithKernelSession(ctx context.Context, kernelID schema.KernelID, session schema.SessionID) pslog.Logger {
	log := WithKernel(ctx, kernelID)
	if session != "" {
		if current, ok := ctx.Value(sessionKey).(schema.SessionID); ok && current == session {
			return log
		}
		log = log.With("session", session)
	}
	return log
}

// WithMessage annotates the logger with the type and id of a wire message.
func WithMessage(log pslog.Logger, msg schema.Message) pslog.Logger {
	if msg.Header.MsgType != "" {
		log = log.With("msg_type", msg.Header.MsgType)
	}
	if msg.Header.MsgID != "" {
		log = log.With("msg_id", msg.Header.MsgID)
	}
	return log
}

// ContextWithKernel stores the kernel marker on the context for log de-duplication.
func ContextWithKernel(ctx context.Context, kernelID schema.KernelID) context.Context {
	if ctx == nil || kernelID == "" {
		return ctx
	}
	return context.WithValue(ctx, kernelKey, kernelID)
}

// ContextWithSession stores the session marker on the context for log de-duplication.
func ContextWithSession(ctx context.Context, session schema.SessionID) context.Context {
	if ctx == nil || session == "" {
		return ctx
	}
	return context.WithValue(ctx, sessionKey, session)
}

// ContextWithKernelLogger attaches the logger and kernel marker to the context.
func ContextWithKernelLogger(ctx context.Context, log pslog.Logger, kernelID schema.KernelID) context.Context {
	ctx = pslog.ContextWithLogger(ctx, log)
	return ContextWithKernel(ctx, kernelID)
}

// CopyContextFields copies kernel/session markers from src to dst.
func CopyContextFields(dst context.Context, src context.Context) context.Context {
	if src == nil {
		return dst
	}
	if kernel, ok := src.Value(kernelKey).(schema.KernelID); ok && kernel != "" {
		dst = ContextWithKernel(dst, kernel)
	}
	if session, ok := src.Value(sessionKey).(schema.SessionID); ok && session != "" {
		dst = ContextWithSession(dst, session)
	}
	return dst
}
