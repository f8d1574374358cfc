// Package redisstream provides a Redis Streams transport for xevent.
//
// Transport name: "redis-streams"
//
// Each topic maps to one stream (StreamPrefix + topic) and each Bus consumer
// group to one Redis consumer group. Config keys:
//   - addr: "host:port" (default "127.0.0.1:6379")
//   - consumer: consumer name inside the group (default "xevent-<host>-<pid>")
//   - concurrency: number of workers per subscription (default 8)
//   - batch_size: XREADGROUP COUNT (default 128)
//   - block: XREADGROUP BLOCK duration (default 5s)
//   - auto_create: create group/stream if missing (default true)
//   - start_id: "0" or "$" for new groups (default "0")
//   - auto_delete_on_ack: XDEL after XACK (default false)
//   - dead_letter: stream receiving undeliverable entries (optional)
//   - claim_min_idle, claim_interval, claim_batch, max_deliveries: pending recovery
//
// Example:
//
//	bus, _ := xevent.NewBusBuilder().
//	    WithTransport(redisstream.TransportName, map[string]any{
//	        "addr":        "localhost:6379",
//	        "consumer":    "billing-1",
//	        "concurrency": 16,
//	        "block":       "5s",
//	        "dead_letter": "billing-dlq",
//	    }).
//	    Build()
package redisstream
