package kafka

import (
	"context"
	"strconv"
	"strings"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/tidwall/gjson"

	"github.com/trickstertwo/xevent"
)

const (
	headerName       = "xevent-name"
	headerID         = "xevent-id"
	headerProducedAt = "xevent-produced-at"
	headerMetaPrefix = "xevent-meta-"

	// dead-letter messages only
	headerOrigTopic = "xevent-orig-topic"
	headerError     = "xevent-error"
)

// Metadata keys describing where a delivery was read from.
const (
	MetaTopic     = "kafka-topic"
	MetaPartition = "kafka-partition"
	MetaOffset    = "kafka-offset"
)

func encodeMessage(topic string, m *xevent.Message) kafkago.Message {
	headers := make([]kafkago.Header, 0, 3+len(m.Metadata))
	headers = append(headers, kafkago.Header{Key: headerName, Value: []byte(m.Name)})
	if m.ID != "" {
		headers = append(headers, kafkago.Header{Key: headerID, Value: []byte(m.ID)})
	}
	if !m.ProducedAt.IsZero() {
		headers = append(headers, kafkago.Header{
			Key:   headerProducedAt,
			Value: []byte(strconv.FormatInt(m.ProducedAt.UnixNano(), 10)),
		})
	}
	for k, v := range m.Metadata {
		headers = append(headers, kafkago.Header{Key: headerMetaPrefix + k, Value: []byte(v)})
	}
	return kafkago.Message{
		Topic:   topic,
		Key:     []byte(m.Name),
		Value:   m.Payload,
		Headers: headers,
		Time:    m.ProducedAt,
	}
}

// decodeMessage maps a Kafka record to a Message. Records from producers that
// do not set xevent headers are read as {"type": ..., "payload": {...}}
// envelopes when the value has that shape, and routed by key otherwise.
func decodeMessage(km kafkago.Message) *xevent.Message {
	msg := &xevent.Message{
		Payload:    km.Value,
		ProducedAt: km.Time,
		Metadata: map[string]string{
			MetaTopic:     km.Topic,
			MetaPartition: strconv.Itoa(km.Partition),
			MetaOffset:    strconv.FormatInt(km.Offset, 10),
		},
	}
	for _, h := range km.Headers {
		switch {
		case h.Key == headerName:
			msg.Name = string(h.Value)
		case h.Key == headerID:
			msg.ID = string(h.Value)
		case h.Key == headerProducedAt:
			if ns, err := strconv.ParseInt(string(h.Value), 10, 64); err == nil {
				msg.ProducedAt = time.Unix(0, ns)
			}
		case strings.HasPrefix(h.Key, headerMetaPrefix):
			msg.Metadata[strings.TrimPrefix(h.Key, headerMetaPrefix)] = string(h.Value)
		}
	}

	if msg.Name == "" {
		if name, payload, ok := envelope(km.Value); ok {
			msg.Name = name
			msg.Payload = payload
		} else {
			msg.Name = string(km.Key)
		}
	}
	if msg.ID == "" {
		msg.ID = km.Topic + "-" + strconv.Itoa(km.Partition) + "-" + strconv.FormatInt(km.Offset, 10)
	}
	return msg
}

func envelope(value []byte) (name string, payload []byte, ok bool) {
	if !gjson.ValidBytes(value) {
		return "", nil, false
	}
	res := gjson.GetManyBytes(value, "type", "payload")
	if res[0].Type != gjson.String || res[0].Str == "" || !res[1].IsObject() {
		return "", nil, false
	}
	return res[0].Str, []byte(res[1].Raw), true
}

// delivery records the outcome of one attempt; the consumer loop reads it
// after the handler returns.
type delivery struct {
	msg     *xevent.Message
	settled bool
	acked   bool
	reason  error
}

func (d *delivery) Message() *xevent.Message { return d.msg }

func (d *delivery) Ack(context.Context) error {
	d.settled, d.acked = true, true
	return nil
}

func (d *delivery) Nack(_ context.Context, reason error) error {
	d.settled, d.acked = true, false
	d.reason = reason
	return nil
}
