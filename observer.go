package xevent

import (
	"github.com/trickstertwo/xlog"
)

// ObserverFunc lets a plain function satisfy Observer.
type ObserverFunc func(e BusEvent)

func (f ObserverFunc) OnBusEvent(e BusEvent) { f(e) }

// LoggingObserver emits bus lifecycle events through xlog. Failures log at
// warn level, everything else at debug.
type LoggingObserver struct {
	Logger *xlog.Logger
}

func (o LoggingObserver) OnBusEvent(e BusEvent) {
	if o.Logger == nil {
		return
	}
	l := o.Logger.With(
		xlog.Str("type", string(e.Type)),
		xlog.Str("topic", e.Topic),
		xlog.Str("group", e.Group),
		xlog.Str("message_id", e.MessageID),
		xlog.Str("event_name", e.EventName),
	)
	if e.Duration > 0 {
		l = l.With(xlog.Dur("duration", e.Duration))
	}
	switch {
	case e.Type == EventError || e.Type == EventNack:
		l.Warn().Err(e.Err).Msg("xevent event")
	case e.Err != nil:
		l.Warn().Err(e.Err).Msg("xevent event failed")
	default:
		l.Debug().Msg("xevent event")
	}
}

// safeNotify shields the caller from a panicking observer.
func safeNotify(o Observer, e BusEvent) {
	if o == nil {
		return
	}
	defer func() { _ = recover() }()
	o.OnBusEvent(e)
}
