// Package kafka provides an Apache Kafka transport for xevent built on
// segmentio/kafka-go.
//
// Transport name: "kafka"
//
// Every Bus topic maps to TopicPrefix + "." + topic; every subscription is a
// consumer-group reader. Records carry the wire name, message ID, production
// time and metadata in headers. Records without xevent headers are routed by
// the "type" field of a {"type","payload"} JSON envelope, or by key.
//
// Config keys: brokers, client_id, topic_prefix, dead_letter, start_offset,
// min_bytes, max_bytes, max_wait, max_redeliveries, redelivery_delay,
// batch_timeout, allow_auto_topic_creation, sasl_username, sasl_password,
// tls, tls_skip_verify.
package kafka
