// Package inbox deduplicates deliveries by message ID so redelivered messages
// are acknowledged without running handlers twice.
package inbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/trickstertwo/xevent"
)

// Store remembers processed keys.
type Store interface {
	// Seen marks key as processed and reports whether it already was.
	Seen(ctx context.Context, key string) (bool, error)
	// Release forgets key so a failed delivery can be processed again.
	Release(ctx context.Context, key string) error
}

// Middleware skips messages whose ID consumer has already processed. Messages
// without an ID always run. A failing handler releases the key so the
// redelivery is processed; store errors fail the delivery.
func Middleware(store Store, consumer string) xevent.Middleware {
	return func(next xevent.MessageHandler) xevent.MessageHandler {
		return func(ctx context.Context, msg *xevent.Message) error {
			if msg == nil || msg.ID == "" {
				return next(ctx, msg)
			}
			key := consumer + ":" + msg.ID

			seen, err := store.Seen(ctx, key)
			if err != nil {
				return fmt.Errorf("inbox: check %s: %w", key, err)
			}
			if seen {
				if l, ok := xevent.LoggerFromContext(ctx); ok {
					l.Debug().Str("message_id", msg.ID).Str("event_name", msg.Name).Msg("inbox: duplicate skipped")
				}
				return nil
			}

			if err := next(ctx, msg); err != nil {
				if relErr := store.Release(context.WithoutCancel(ctx), key); relErr != nil {
					return errors.Join(err, fmt.Errorf("inbox: release %s: %w", key, relErr))
				}
				return err
			}
			return nil
		}
	}
}
