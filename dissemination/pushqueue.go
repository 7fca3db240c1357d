// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package dissemination

import "github.com/luxfi/corona/types"

// pushQueue is one peer's bounded outbound queue (spec §4.2.1). When
// full, enqueue drops the oldest block not authored by ownIndex; this
// authority's own newest block is never dropped.
type pushQueue struct {
	depth int
	items []*types.Block
}

func newPushQueue(depth int) *pushQueue {
	return &pushQueue{depth: depth}
}

// enqueue appends block, evicting one entry if the queue is now over
// depth, and returns the evicted block (nil if none was evicted).
func (q *pushQueue) enqueue(block *types.Block, ownIndex types.AuthorityIndex) *types.Block {
	q.items = append(q.items, block)
	if len(q.items) <= q.depth {
		return nil
	}
	for i, b := range q.items {
		if b.Author != ownIndex {
			dropped := b
			q.items = append(q.items[:i], q.items[i+1:]...)
			return dropped
		}
	}
	// Every queued entry belongs to ownIndex (the local authority
	// produces at most one block per round, so this can only happen
	// under a burst of historical pushes); drop the oldest to bound
	// memory, preserving the newest since it was just appended.
	dropped := q.items[0]
	q.items = q.items[1:]
	return dropped
}

// drain empties the queue in FIFO order.
func (q *pushQueue) drain() []*types.Block {
	items := q.items
	q.items = nil
	return items
}
