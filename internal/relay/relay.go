// Package relay delivers cross-chain messages with configurable latency,
// jitter and loss. Delivery order is (scheduled tick, submission sequence).
package relay

import (
	"container/heap"
	"fmt"
	"math/rand"

	"github.com/google/uuid"
)

// Status is the lifecycle of a message.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusInTransit Status = "in_transit"
	StatusDelivered Status = "delivered"
	StatusDropped   Status = "dropped"
	StatusReplayed  Status = "replayed"
)

// Kind tells the runner which consumer handles a delivered message.
type Kind string

const (
	KindTransfer   Kind = "transfer"
	KindSwapSecret Kind = "swap_secret"
)

// Message is a BridgeMessage in flight. Nonce uniqueness is not enforced
// here; that is a bridge-level check.
type Message struct {
	ID          string `json:"id"`
	Channel     string `json:"channel"`
	Kind        Kind   `json:"kind"`
	From        string `json:"from"`
	To          string `json:"to"`
	Direction   string `json:"direction,omitempty"`
	Nonce       uint64 `json:"nonce"`
	PayloadHash string `json:"payload_hash"`
	Ref         string `json:"ref"`
	Payload     []byte `json:"payload,omitempty"`
	ProbeID     string `json:"probe_id,omitempty"`
	Status      Status `json:"status"`
	SentAt      int64  `json:"sent_at"`
	ScheduledAt int64  `json:"scheduled_at"`
	DeliveredAt int64  `json:"delivered_at"`
	Seq         uint64 `json:"seq"`

	drop bool
}

// Stats counts relay activity.
type Stats struct {
	Sent      int `json:"sent"`
	Delivered int `json:"delivered"`
	Dropped   int `json:"dropped"`
}

// Relay is the shared message queue of a scenario. It draws every random
// decision from the generator it was built with.
type Relay struct {
	rng        *rand.Rand
	now        int64
	seq        uint64
	queue      msgHeap
	partitions map[[2]string]int
	stats      Stats
}

// New creates a relay using rng for drop and jitter decisions.
func New(rng *rand.Rand) *Relay {
	return &Relay{rng: rng, partitions: make(map[[2]string]int)}
}

// SetNow sets the tick used as the send time of subsequent messages.
func (r *Relay) SetNow(tick int64) { r.now = tick }

// Now returns the relay clock.
func (r *Relay) Now() int64 { return r.now }

// Send schedules msg for delivery latency ticks from now.
func (r *Relay) Send(msg Message, latency int64, dropProbability float64) Message {
	return r.SendJittered(msg, latency, 0, dropProbability)
}

// SendJittered is Send with up to jitter extra ticks of seeded delay, which
// lets later messages overtake earlier ones.
func (r *Relay) SendJittered(msg Message, latency, jitter int64, dropProbability float64) Message {
	r.seq++
	if latency < 0 {
		latency = 0
	}
	if jitter > 0 {
		latency += r.rng.Int63n(jitter + 1)
	}
	msg.Seq = r.seq
	if msg.ID == "" {
		name := fmt.Sprintf("%s/%s/%d/%d", msg.Channel, msg.Direction, msg.Nonce, msg.Seq)
		msg.ID = uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
	}
	msg.SentAt = r.now
	msg.ScheduledAt = r.now + latency
	msg.Status = StatusInTransit
	p := dropProbability
	if r.Partitioned(msg.From, msg.To) {
		p = 1
	}
	msg.drop = p >= 1 || (p > 0 && r.rng.Float64() < p)
	heap.Push(&r.queue, &msg)
	r.stats.Sent++
	return msg
}

// Deliver pops every message scheduled at or before upTo. Dropped messages
// are returned with StatusDropped so they can be counted.
func (r *Relay) Deliver(upTo int64) []Message {
	if upTo > r.now {
		r.now = upTo
	}
	var out []Message
	for r.queue.Len() > 0 && r.queue[0].ScheduledAt <= upTo {
		m := heap.Pop(&r.queue).(*Message)
		m.DeliveredAt = upTo
		if m.drop || r.Partitioned(m.From, m.To) {
			m.Status = StatusDropped
			r.stats.Dropped++
		} else {
			m.Status = StatusDelivered
			r.stats.Delivered++
		}
		out = append(out, *m)
	}
	return out
}

// Partition forces drop probability 1.0 between chains a and b until Heal.
// Overlapping partitions of the same pair are reference counted.
func (r *Relay) Partition(a, b string) { r.partitions[pairKey(a, b)]++ }

// Heal removes one partition between a and b.
func (r *Relay) Heal(a, b string) {
	k := pairKey(a, b)
	if r.partitions[k] <= 1 {
		delete(r.partitions, k)
		return
	}
	r.partitions[k]--
}

// Partitioned reports whether traffic between a and b is cut.
func (r *Relay) Partitioned(a, b string) bool {
	return r.partitions[pairKey(a, b)] > 0
}

// Pending returns the number of undelivered messages.
func (r *Relay) Pending() int { return r.queue.Len() }

// InFlight returns undelivered messages in delivery order.
func (r *Relay) InFlight() []Message {
	cp := make(msgHeap, len(r.queue))
	copy(cp, r.queue)
	out := make([]Message, 0, len(cp))
	for cp.Len() > 0 {
		out = append(out, *heap.Pop(&cp).(*Message))
	}
	return out
}

// Stats returns relay counters.
func (r *Relay) Stats() Stats { return r.stats }

func pairKey(a, b string) [2]string {
	if b < a {
		a, b = b, a
	}
	return [2]string{a, b}
}

type msgHeap []*Message

func (h msgHeap) Len() int { return len(h) }
func (h msgHeap) Less(i, j int) bool {
	if h[i].ScheduledAt != h[j].ScheduledAt {
		return h[i].ScheduledAt < h[j].ScheduledAt
	}
	return h[i].Seq < h[j].Seq
}
func (h msgHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *msgHeap) Push(x any)   { *h = append(*h, x.(*Message)) }
func (h *msgHeap) Pop() any {
	old := *h
	n := len(old)
	m := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return m
}
