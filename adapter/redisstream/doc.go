// Package redisstream provides a Redis Streams adapter for xmq.
//
// Transport name: "redis-streams"
//
// Layout under the configured prefix:
//   - <topic>:<n>          one stream per partition, consumed through groups
//   - xmq:delay            sorted set of delayed messages scored by due time (ms)
//   - xmq:half             hash of half messages awaiting a transaction verdict
//   - xmq:half:checks      check-back counters per half message
//   - xmq:lease:<stream>:<group>  partition lease of an orderly consumer
//
// Minimal config keys:
//   - addr: "host:port" (default "127.0.0.1:6379")
//   - partitions: streams per topic (default 4)
//   - consumer: consumer name (default "xmq-<host>-<pid>")
//   - concurrency: number of workers (default 8)
//   - batch_size: XREADGROUP COUNT (default 128)
//   - block: XREADGROUP BLOCK duration (default 5s)
//   - auto_create: create group/stream if missing (default true)
//   - dead_letter: stream receiving messages nacked max_retries times (optional)
//
// Example builder usage:
//
//	bus, _ := xmq.NewBusBuilder().
//	    WithTransport(redisstream.TransportName, map[string]any{
//	        "addr":        "localhost:6379",
//	        "consumer":    "service-a",
//	        "concurrency": 16,
//	        "block":       "5s",
//	        "dead_letter": "payments-dlq",
//	    }).
//	    Build()
package redisstream
