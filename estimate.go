package cmdi

import (
	"math"
	"sort"
	"time"
)

// EstimateWaits projects how long each queued user will wait for a slot.
//
// It simulates slot turnover under the assumption that every activated
// session runs its full duration: the remaining lifetimes of all active
// sessions (padded with zeros up to capacity, representing already-free
// slots) form the set of future openings; queue entries claim openings
// in FIFO order, each claim pushing a new opening one session duration
// later. Results are ceiling-rounded seconds, never negative.
//
// The function is pure and deterministic; callers recompute it on every
// broadcast rather than caching it.
func EstimateWaits(expiries []time.Time, queue []Identity, now time.Time, capacity int, sessionDuration time.Duration) map[Identity]int {
	openings := make([]time.Duration, 0, capacity)
	for _, exp := range expiries {
		remaining := exp.Sub(now)
		if remaining < 0 {
			remaining = 0
		}
		openings = append(openings, remaining)
	}
	for len(openings) < capacity {
		openings = append(openings, 0)
	}
	sort.Slice(openings, func(i, j int) bool { return openings[i] < openings[j] })

	waits := make(map[Identity]int, len(queue))
	for _, id := range queue {
		var wait time.Duration
		if len(openings) > 0 {
			wait = openings[0]
			openings = openings[1:]
		}
		waits[id] = ceilSeconds(wait)
		openings = append(openings, wait+sessionDuration)
		sort.Slice(openings, func(i, j int) bool { return openings[i] < openings[j] })
	}
	return waits
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}
