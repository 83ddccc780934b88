package embedded

import (
	"encoding/binary"
	"fmt"

	"github.com/rzbill/herald/internal/message"
	"github.com/rzbill/herald/internal/queue"
)

// Key layout, one disjoint keyspace per queue:
//
//	q/{name}/msg/{id}                     message body, JSON
//	q/{name}/prio/{^weight}{seq}          pending index, binary big-endian
//	q/{name}/delay/{ready_at_ms}{seq}     delayed index, value = message id
//	q/{name}/dlq/{id}                     dead-letter entry, JSON
//	q/{name}/dlqx/{failed_at_ms}{seq}     dead-letter index, value = message id
//	q/{name}/meta/seq                     publication sequence counter
//	q/{name}/meta/stats                   persisted counters, JSON
//
// The priority weight is bit-inverted so an ascending iteration yields
// critical first; the sequence suffix keeps FIFO order within a tier.
type keyspace struct {
	base string
}

func newKeyspace(name string) keyspace {
	return keyspace{base: fmt.Sprintf("q/%s/", name)}
}

func (k keyspace) msg(id string) []byte { return []byte(k.base + "msg/" + id) }
func (k keyspace) dlq(id string) []byte { return []byte(k.base + "dlq/" + id) }
func (k keyspace) seqKey() []byte       { return []byte(k.base + "meta/seq") }
func (k keyspace) statsKey() []byte     { return []byte(k.base + "meta/stats") }

func (k keyspace) prio(p message.Priority, seq uint64) []byte {
	prefix := k.base + "prio/"
	key := make([]byte, len(prefix)+4+8)
	copy(key, prefix)
	binary.BigEndian.PutUint32(key[len(prefix):], ^uint32(queue.Weight(p)))
	binary.BigEndian.PutUint64(key[len(prefix)+4:], seq)
	return key
}

func (k keyspace) delay(readyAtMs int64, seq uint64) []byte {
	prefix := k.base + "delay/"
	key := make([]byte, len(prefix)+8+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], uint64(readyAtMs))
	binary.BigEndian.PutUint64(key[len(prefix)+8:], seq)
	return key
}

func (k keyspace) dlqIdx(failedAtMs int64, seq uint64) []byte {
	prefix := k.base + "dlqx/"
	key := make([]byte, len(prefix)+8+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], uint64(failedAtMs))
	binary.BigEndian.PutUint64(key[len(prefix)+8:], seq)
	return key
}

func (k keyspace) msgPrefix() ([]byte, []byte)   { return keyRange(k.base + "msg/") }
func (k keyspace) prioPrefix() ([]byte, []byte)  { return keyRange(k.base + "prio/") }
func (k keyspace) delayPrefix() ([]byte, []byte) { return keyRange(k.base + "delay/") }
func (k keyspace) dlqxPrefix() ([]byte, []byte)  { return keyRange(k.base + "dlqx/") }
func (k keyspace) allPrefix() ([]byte, []byte)   { return keyRange(k.base) }

// delayReadyAt extracts the ready-at timestamp from a delay index key.
func (k keyspace) delayReadyAt(key []byte) int64 {
	prefix := k.base + "delay/"
	if len(key) < len(prefix)+8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(key[len(prefix):]))
}

// keyRange returns [start, end) bounds covering every key with the prefix.
// The end bound increments the last incrementable byte of the prefix; a
// 0xFF sentinel suffix would sort below index entries whose first payload
// byte is 0xFF, such as bit-inverted priority weights.
func keyRange(prefix string) ([]byte, []byte) {
	start := []byte(prefix)
	end := []byte(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xFF {
			end[i]++
			end = end[:i+1]
			break
		}
	}
	return start, end
}
