package queue

import (
	"sort"
	"time"

	"github.com/rzbill/herald/internal/message"
)

// Priority weights used to rank draining. Critical drains first.
const (
	WeightLow      = 1
	WeightNormal   = 2
	WeightHigh     = 3
	WeightCritical = 4
)

// scoreScale separates priority tiers in a sorted-set score so the publish
// sequence can break ties within a tier. With float64's 53-bit mantissa the
// score stays exact for sequences below the scale.
const scoreScale = 1 << 40

// Weight maps a priority to its numeric rank. Unknown priorities rank as
// normal rather than failing; the factory validates priorities at
// construction time.
func Weight(p message.Priority) int {
	switch p {
	case message.PriorityCritical:
		return WeightCritical
	case message.PriorityHigh:
		return WeightHigh
	case message.PriorityLow:
		return WeightLow
	default:
		return WeightNormal
	}
}

// Score computes the pending-index score for a message. Higher scores drain
// first. Within one priority tier, a lower sequence yields a higher score,
// guaranteeing FIFO instead of the incidental lexical-id ordering a naive
// sorted set would produce.
func Score(p message.Priority, seq uint64) float64 {
	return float64(Weight(p))*scoreScale - float64(seq%scoreScale)
}

// PushDelay maps a priority to the delivery delay requested from an external
// push dispatcher.
func PushDelay(p message.Priority) time.Duration {
	switch p {
	case message.PriorityCritical:
		return 0
	case message.PriorityHigh:
		return 1 * time.Second
	case message.PriorityLow:
		return 30 * time.Second
	default:
		return 5 * time.Second
	}
}

// SortPending orders messages for draining: priority weight descending, then
// publish sequence ascending. Used by backends that rank at read time.
func SortPending(msgs []*message.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		wi, wj := Weight(msgs[i].Priority), Weight(msgs[j].Priority)
		if wi != wj {
			return wi > wj
		}
		return msgs[i].Seq < msgs[j].Seq
	})
}
