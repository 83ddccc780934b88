package durable

import "fmt"

// Key scheme, shared verbatim by the direct and REST-proxied transports:
//
//	herald:q:{queue}:msg:{id}   message body, JSON
//	herald:q:{queue}:pending    zset, score = priority rank (drains high first)
//	herald:q:{queue}:delayed    zset, score = ready-at unix ms
//	herald:q:{queue}:seq        publication sequence counter
//	herald:q:{queue}:stats      hash of counters
//	herald:q:{queue}:dlq:{id}   dead-letter entry, JSON, expires with retention
//	herald:q:{queue}:dlqidx     zset of dead-letter ids, score = failed-at ms
type keys struct {
	queue string
}

func newKeys(queue string) keys { return keys{queue: queue} }

func (k keys) msg(id string) string { return fmt.Sprintf("herald:q:%s:msg:%s", k.queue, id) }
func (k keys) pending() string      { return fmt.Sprintf("herald:q:%s:pending", k.queue) }
func (k keys) delayed() string      { return fmt.Sprintf("herald:q:%s:delayed", k.queue) }
func (k keys) seq() string          { return fmt.Sprintf("herald:q:%s:seq", k.queue) }
func (k keys) stats() string        { return fmt.Sprintf("herald:q:%s:stats", k.queue) }
func (k keys) dlq(id string) string { return fmt.Sprintf("herald:q:%s:dlq:%s", k.queue, id) }
func (k keys) dlqIdx() string       { return fmt.Sprintf("herald:q:%s:dlqidx", k.queue) }

func (k keys) msgPattern() string { return fmt.Sprintf("herald:q:%s:msg:*", k.queue) }
func (k keys) dlqPattern() string { return fmt.Sprintf("herald:q:%s:dlq:*", k.queue) }
