// Package prometheus exports Bus lifecycle events as Prometheus metrics.
package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/trickstertwo/xevent"
)

// Observer implements xevent.Observer.
type Observer struct {
	published       *prometheus.CounterVec
	publishDuration *prometheus.HistogramVec
	consumed        *prometheus.CounterVec
	consumeDuration *prometheus.HistogramVec
	settled         *prometheus.CounterVec
	unhandled       *prometheus.CounterVec
	subscriptions   *prometheus.CounterVec
	errors          prometheus.Counter
}

var _ xevent.Observer = (*Observer)(nil)

// New registers the collectors with reg under namespace (default "xevent").
// A nil reg uses prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer, namespace string) *Observer {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "xevent"
	}
	f := promauto.With(reg)
	return &Observer{
		published: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "published_total",
			Help:      "Messages handed to the transport, by topic and result",
		}, []string{"topic", "result"}),
		publishDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "publish_duration_seconds",
			Help:      "Transport publish latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"topic"}),
		consumed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consumed_total",
			Help:      "Deliveries processed, by topic, consumer group and result",
		}, []string{"topic", "group", "result"}),
		consumeDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "consume_duration_seconds",
			Help:      "Delivery processing latency including all handlers",
			Buckets:   prometheus.DefBuckets,
		}, []string{"topic", "group"}),
		settled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settled_total",
			Help:      "Deliveries acked or nacked",
		}, []string{"topic", "group", "outcome"}),
		unhandled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unhandled_total",
			Help:      "Deliveries with no subscription for their event name",
		}, []string{"event_name"}),
		subscriptions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_changes_total",
			Help:      "Subscribe and unsubscribe calls, by event name",
		}, []string{"event_name", "change"}),
		errors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Ack, nack and internal bus errors",
		}),
	}
}

func (o *Observer) OnBusEvent(e xevent.BusEvent) {
	switch e.Type {
	case xevent.EventPublishDone:
		o.published.WithLabelValues(e.Topic, result(e.Err)).Inc()
		o.publishDuration.WithLabelValues(e.Topic).Observe(e.Duration.Seconds())
	case xevent.EventConsumeDone:
		o.consumed.WithLabelValues(e.Topic, e.Group, result(e.Err)).Inc()
		o.consumeDuration.WithLabelValues(e.Topic, e.Group).Observe(e.Duration.Seconds())
	case xevent.EventAck:
		o.settled.WithLabelValues(e.Topic, e.Group, "ack").Inc()
	case xevent.EventNack:
		o.settled.WithLabelValues(e.Topic, e.Group, "nack").Inc()
	case xevent.EventUnhandled:
		o.unhandled.WithLabelValues(e.EventName).Inc()
	case xevent.EventSubscribed:
		o.subscriptions.WithLabelValues(e.EventName, "subscribe").Inc()
	case xevent.EventUnsubscribed:
		o.subscriptions.WithLabelValues(e.EventName, "unsubscribe").Inc()
	case xevent.EventError:
		o.errors.Inc()
	}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
