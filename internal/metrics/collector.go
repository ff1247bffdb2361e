// Package metrics derives per-bridge latency, throughput and failure counts
// from the event rows of a scenario.
package metrics

import (
	"sort"
	"strings"
	"sync"

	"bridgesim/internal/event"
)

// Observer receives every non-probe row and every finished transfer. It is
// the hook for push adapters such as the Prometheus exporter.
type Observer interface {
	ObserveRow(r event.Row)
	ObserveTransfer(bridge, outcome string, seconds float64)
}

// TransferDuration is the lifetime of one transfer.
type TransferDuration struct {
	ID      string  `json:"id"`
	Bridge  string  `json:"bridge"`
	Outcome string  `json:"outcome"`
	Ticks   int64   `json:"ticks"`
	Seconds float64 `json:"seconds"`
}

// BridgeMetrics are the aggregates of one bridge.
type BridgeMetrics struct {
	Bridge           string  `json:"bridge"`
	Initiated        int     `json:"initiated"`
	Completed        int     `json:"completed"`
	Failed           int     `json:"failed"`
	Reverted         int     `json:"reverted"`
	InFlight         int     `json:"in_flight"`
	MessagesSent     int     `json:"messages_sent"`
	Dropped          int     `json:"dropped"`
	Retries          int     `json:"retries"`
	Replays          int     `json:"replays"`
	Rejected         int     `json:"rejected"`
	Degradations     int     `json:"degradations"`
	Halts            int     `json:"halts"`
	Recoveries       int     `json:"recoveries"`
	Recovered        int     `json:"recovered_transfers"`
	Latency          Latency `json:"latency_seconds"`
	ThroughputPerSec float64 `json:"throughput_per_second"`
}

// SwapMetrics count swap contracts by terminal status.
type SwapMetrics struct {
	Proposed int            `json:"proposed"`
	ByStatus map[string]int `json:"by_status"`
}

// Snapshot is a point-in-time copy of the collector. Complete is false while
// the scenario runs and for aborted scenarios.
type Snapshot struct {
	Tick            int64              `json:"tick"`
	ElapsedSeconds  float64            `json:"elapsed_seconds"`
	Complete        bool               `json:"complete"`
	Bridges         []BridgeMetrics    `json:"bridges"`
	Swaps           SwapMetrics        `json:"swaps"`
	Findings        int                `json:"findings"`
	Vulnerabilities int                `json:"vulnerabilities"`
	FailuresApplied int                `json:"failures_applied"`
	Transfers       []TransferDuration `json:"transfers"`
}

// Bridge returns the metrics of id, if any row mentioned it.
func (s Snapshot) Bridge(id string) (BridgeMetrics, bool) {
	for _, b := range s.Bridges {
		if b.Bridge == id {
			return b, true
		}
	}
	return BridgeMetrics{}, false
}

type bridgeAcc struct {
	m       BridgeMetrics
	started map[string]int64
	samples []float64
}

// Collector consumes rows and serves pull-based snapshots. It is safe for
// concurrent use.
type Collector struct {
	mu        sync.RWMutex
	clock     event.Clock
	bridges   map[string]*bridgeAcc
	swaps     SwapMetrics
	findings  int
	vulns     int
	failures  int
	transfers []TransferDuration
	tick      int64
	complete  bool
	observers []Observer
}

// NewCollector creates a collector converting ticks with clock.
func NewCollector(clock event.Clock) *Collector {
	return &Collector{
		clock:   clock,
		bridges: make(map[string]*bridgeAcc),
		swaps:   SwapMetrics{ByStatus: make(map[string]int)},
	}
}

// AddObserver registers o for subsequent rows.
func (c *Collector) AddObserver(o Observer) {
	c.mu.Lock()
	c.observers = append(c.observers, o)
	c.mu.Unlock()
}

// Tick records how far simulated time has progressed.
func (c *Collector) Tick(now int64) {
	c.mu.Lock()
	if now > c.tick {
		c.tick = now
	}
	c.mu.Unlock()
}

// MarkComplete flags the observation set as final.
func (c *Collector) MarkComplete(complete bool) {
	c.mu.Lock()
	c.complete = complete
	c.mu.Unlock()
}

// ObserveAll feeds rows in order.
func (c *Collector) ObserveAll(rows []event.Row) {
	for _, r := range rows {
		c.Observe(r)
	}
}

// Observe folds one row into the aggregates. Probe rows only count towards
// findings.
func (c *Collector) Observe(r event.Row) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r.Tick > c.tick {
		c.tick = r.Tick
	}
	if r.Kind == event.KindFinding {
		c.findings++
		if r.To == "vulnerable" {
			c.vulns++
		}
		return
	}
	if r.Probe {
		return
	}
	for _, o := range c.observers {
		o.ObserveRow(r)
	}
	switch r.Component {
	case event.ComponentBridge:
		c.observeBridge(r)
	case event.ComponentSwap:
		c.observeSwap(r)
	case event.ComponentFailure:
		if r.Kind == event.KindFailureApplied {
			c.failures++
		}
	}
}

func (c *Collector) acc(id string) *bridgeAcc {
	a, ok := c.bridges[id]
	if !ok {
		a = &bridgeAcc{m: BridgeMetrics{Bridge: id}, started: make(map[string]int64)}
		c.bridges[id] = a
	}
	return a
}

func (c *Collector) observeBridge(r event.Row) {
	a := c.acc(r.Bridge)
	switch r.Kind {
	case event.KindTransferState:
		c.observeTransfer(a, r)
	case event.KindMessageSent:
		a.m.MessagesSent++
	case event.KindMessageDropped:
		a.m.Dropped++
	case event.KindMessageRetry:
		a.m.Retries++
	case event.KindMessageReplayed:
		a.m.Replays++
	case event.KindRejected:
		a.m.Rejected++
	case event.KindBridgeStatus:
		switch {
		case r.To == "halted":
			a.m.Halts++
		case r.To == "degraded" && r.From == "active":
			a.m.Degradations++
		}
		if r.From == "halted" && r.To != "halted" {
			a.m.Recoveries++
		}
	}
}

func (c *Collector) observeTransfer(a *bridgeAcc, r event.Row) {
	if r.From == r.To {
		return
	}
	switch r.To {
	case "initiated":
		a.m.Initiated++
		a.started[r.Entity] = r.Tick
		return
	case "complete":
		a.m.Completed++
		if r.Recovered {
			a.m.Recovered++
		}
	case "failed":
		a.m.Failed++
	case "reverted":
		a.m.Reverted++
	default:
		return
	}
	start, ok := a.started[r.Entity]
	if !ok {
		return
	}
	delete(a.started, r.Entity)
	ticks := r.Tick - start
	secs := c.clock.Seconds(ticks)
	if r.To == "complete" {
		a.samples = append(a.samples, secs)
	}
	c.transfers = append(c.transfers, TransferDuration{ID: r.Entity, Bridge: a.m.Bridge, Outcome: r.To, Ticks: ticks, Seconds: secs})
	for _, o := range c.observers {
		o.ObserveTransfer(a.m.Bridge, r.To, secs)
	}
}

func (c *Collector) observeSwap(r event.Row) {
	if r.Kind != event.KindSwapState || r.From == r.To || strings.Contains(r.Entity, "/") {
		return
	}
	if r.From == "" {
		c.swaps.Proposed++
		return
	}
	switch r.To {
	case "both_claimed", "refunded_a", "partially_stuck", "failed":
		c.swaps.ByStatus[r.To]++
	}
}

// Snapshot returns a copy of the current aggregates.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	elapsed := c.clock.Seconds(c.tick)
	s := Snapshot{
		Tick:            c.tick,
		ElapsedSeconds:  elapsed,
		Complete:        c.complete,
		Findings:        c.findings,
		Vulnerabilities: c.vulns,
		FailuresApplied: c.failures,
		Swaps:           SwapMetrics{Proposed: c.swaps.Proposed, ByStatus: make(map[string]int, len(c.swaps.ByStatus))},
		Transfers:       append([]TransferDuration(nil), c.transfers...),
	}
	for k, v := range c.swaps.ByStatus {
		s.Swaps.ByStatus[k] = v
	}
	ids := make([]string, 0, len(c.bridges))
	for id := range c.bridges {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		a := c.bridges[id]
		m := a.m
		m.InFlight = len(a.started)
		m.Latency = Summarize(a.samples)
		if elapsed > 0 {
			m.ThroughputPerSec = float64(m.Completed) / elapsed
		}
		s.Bridges = append(s.Bridges, m)
	}
	return s
}
