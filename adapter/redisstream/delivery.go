package redisstream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/trickstertwo/xevent"
)

// ErrClosed is returned by Publish and Subscribe after Close.
var ErrClosed = errors.New("xevent/redisstream: transport is closed")

// delivery implements xevent.Delivery for one stream entry.
type delivery struct {
	t      *Transport
	stream string
	group  string
	id     string
	msg    *xevent.Message

	once sync.Once
}

func (d *delivery) Message() *xevent.Message { return d.msg }

// Ack acknowledges the entry with XACK, deleting it when AutoDeleteOnAck is set.
func (d *delivery) Ack(ctx context.Context) error {
	var err error
	d.once.Do(func() {
		err = d.t.client.XAck(ctx, d.stream, d.group, d.id).Err()
		if err != nil {
			return
		}
		d.t.metrics.acked.Add(1)
		if d.t.cfg.AutoDeleteOnAck {
			_ = d.t.client.XDel(ctx, d.stream, d.id).Err()
		}
	})
	return err
}

// Nack has no Redis counterpart. When pending recovery is enabled the entry
// stays pending and is redelivered by the claim loop; otherwise it is moved to
// DeadLetter when configured, or left pending.
func (d *delivery) Nack(ctx context.Context, reason error) error {
	var err error
	d.once.Do(func() {
		d.t.metrics.nacked.Add(1)
		if d.t.cfg.ClaimMinIdle > 0 || d.t.cfg.DeadLetter == "" {
			return
		}
		err = d.t.deadLetter(ctx, d.stream, d.group, d.id, d.msg, reason)
	})
	return err
}

// decodeMessage rebuilds a Message from stream entry values. The message ID is
// the producer-assigned ID when present, the entry ID otherwise; the entry ID
// is always available under MetaStreamID.
func decodeMessage(id string, vals map[string]any) *xevent.Message {
	msg := &xevent.Message{
		ID:       id,
		Metadata: map[string]string{MetaStreamID: id},
	}
	if v, ok := vals[fieldID]; ok {
		if s := asString(v); s != "" {
			msg.ID = s
		}
	}
	if v, ok := vals[fieldName]; ok {
		msg.Name = asString(v)
	}
	switch p := vals[fieldPayload].(type) {
	case []byte:
		msg.Payload = p
	case string:
		msg.Payload = []byte(p)
	}
	if ns, ok := toInt64(vals[fieldProducedAt]); ok && ns > 0 {
		msg.ProducedAt = time.Unix(0, ns)
	}
	for k, v := range vals {
		if strings.HasPrefix(k, fieldMetaPrefix) {
			msg.Metadata[strings.TrimPrefix(k, fieldMetaPrefix)] = asString(v)
		}
	}
	return msg
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprintf("%v", s)
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case string:
		if i, err := strconv.ParseInt(n, 10, 64); err == nil {
			return i, true
		}
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return int64(f), true
		}
	case []byte:
		return toInt64(string(n))
	}
	return 0, false
}
