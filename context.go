package xevent

import (
	"context"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// ctxKey is the base for all context keys in xevent.
type ctxKey string

const (
	codecCtxKey   ctxKey = "xevent:codec"
	loggerCtxKey  ctxKey = "xevent:logger"
	clockCtxKey   ctxKey = "xevent:clock"
	messageCtxKey ctxKey = "xevent:message"
)

func injectCodec(ctx context.Context, c Codec) context.Context {
	if c == nil {
		return ctx
	}
	return context.WithValue(ctx, codecCtxKey, c)
}

// CodecFromContext returns the Bus codec seen by a handler.
func CodecFromContext(ctx context.Context) (Codec, bool) {
	c, ok := ctx.Value(codecCtxKey).(Codec)
	return c, ok && c != nil
}

func injectLogger(ctx context.Context, l *xlog.Logger) context.Context {
	if l == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerCtxKey, l)
}

// LoggerFromContext returns the Bus logger seen by a handler.
func LoggerFromContext(ctx context.Context) (*xlog.Logger, bool) {
	l, ok := ctx.Value(loggerCtxKey).(*xlog.Logger)
	return l, ok && l != nil
}

func injectClock(ctx context.Context, c xclock.Clock) context.Context {
	if c == nil {
		return ctx
	}
	return context.WithValue(ctx, clockCtxKey, c)
}

func ClockFromContext(ctx context.Context) (xclock.Clock, bool) {
	c, ok := ctx.Value(clockCtxKey).(xclock.Clock)
	return c, ok && c != nil
}

func injectMessage(ctx context.Context, m *Message) context.Context {
	if m == nil {
		return ctx
	}
	return context.WithValue(ctx, messageCtxKey, m)
}

// MessageFromContext returns the transport message being dispatched. It is
// absent when the handler runs from a direct Bus.Consume call.
func MessageFromContext(ctx context.Context) (*Message, bool) {
	m, ok := ctx.Value(messageCtxKey).(*Message)
	return m, ok && m != nil
}

// InjectAll attaches codec, logger and clock in one call.
func InjectAll(ctx context.Context, codec Codec, logger *xlog.Logger, clock xclock.Clock) context.Context {
	ctx = injectCodec(ctx, codec)
	ctx = injectLogger(ctx, logger)
	ctx = injectClock(ctx, clock)
	return ctx
}
