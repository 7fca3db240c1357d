// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package dissemination

import (
	"time"

	"github.com/luxfi/ids"
)

// benchlist rate-limits peers that have sent malformed or invalid
// blocks, without ever disconnecting them (spec §4.2's Byzantine
// tolerance: a faulty peer's other traffic may still be useful).
// Grounded on networking/benchlist.Benchlist's minimal IsBenched/Bench
// shape, specialized from the corpus's query-latency heuristic to a
// flat cooldown keyed by one bad message.
type benchlist struct {
	until map[ids.NodeID]time.Time
}

func newBenchlist() *benchlist {
	return &benchlist{until: make(map[ids.NodeID]time.Time)}
}

// IsBenched reports whether node is still within its cooldown window.
func (b *benchlist) IsBenched(node ids.NodeID, now time.Time) bool {
	until, ok := b.until[node]
	return ok && now.Before(until)
}

// Bench extends node's cooldown to now+duration.
func (b *benchlist) Bench(node ids.NodeID, now time.Time, duration time.Duration) {
	b.until[node] = now.Add(duration)
}
