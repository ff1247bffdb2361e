package bridge

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"
)

// ValidatorSet tracks which validators of a bridge are online. The bridge is
// degraded while 0 < failed < quorum and halted once failed >= quorum.
type ValidatorSet struct {
	bridge string
	online []bool
	quorum int // 0 follows DefaultQuorum of the current total
}

// DefaultQuorum is two thirds of total, rounded up.
func DefaultQuorum(total int) int {
	return (2*total + 2) / 3
}

// NewValidatorSet creates total online validators. quorum <= 0 selects the
// default, which tracks the set size across Resize.
func NewValidatorSet(bridge string, total, quorum int) *ValidatorSet {
	if quorum < 0 {
		quorum = 0
	}
	online := make([]bool, total)
	for i := range online {
		online[i] = true
	}
	return &ValidatorSet{bridge: bridge, online: online, quorum: quorum}
}

// Total returns the number of validators.
func (v *ValidatorSet) Total() int { return len(v.online) }

// Quorum returns the failure threshold that halts the bridge.
func (v *ValidatorSet) Quorum() int {
	if v.quorum > 0 {
		return v.quorum
	}
	return DefaultQuorum(len(v.online))
}

// Failed returns the number of offline validators.
func (v *ValidatorSet) Failed() int {
	n := 0
	for _, ok := range v.online {
		if !ok {
			n++
		}
	}
	return n
}

// Status derives the bridge status contributed by validators.
func (v *ValidatorSet) Status() Status {
	failed, quorum := v.Failed(), v.Quorum()
	switch {
	case failed == 0 || quorum <= 0:
		return StatusActive
	case failed < quorum:
		return StatusDegraded
	default:
		return StatusHalted
	}
}

// Resize grows the set with online validators or shrinks it from the end.
func (v *ValidatorSet) Resize(total int) {
	for len(v.online) < total {
		v.online = append(v.online, true)
	}
	v.online = v.online[:total]
}

// Fail takes n online validators offline, chosen with rng, and returns
// their ids so the failure can be undone.
func (v *ValidatorSet) Fail(n int, rng *rand.Rand) []string {
	var candidates []int
	for i, ok := range v.online {
		if ok {
			candidates = append(candidates, i)
		}
	}
	rng.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	if n > len(candidates) {
		n = len(candidates)
	}
	ids := make([]string, 0, n)
	for _, idx := range candidates[:n] {
		v.online[idx] = false
		ids = append(ids, v.id(idx))
	}
	return ids
}

// Restore brings the named validators back online.
func (v *ValidatorSet) Restore(ids []string) {
	for _, id := range ids {
		idx, err := strconv.Atoi(strings.TrimPrefix(id, v.bridge+"/v"))
		if err != nil {
			continue
		}
		if idx >= 0 && idx < len(v.online) {
			v.online[idx] = true
		}
	}
}

func (v *ValidatorSet) id(idx int) string { return fmt.Sprintf("%s/v%d", v.bridge, idx) }
