// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package txpool implements the transaction submission path of
// spec.md §4.6: a bounded client-facing queue, a pluggable verifier,
// and inclusion tracking that resolves once a submitted transaction
// has been placed into one of this authority's produced-and-stored
// blocks. Grounded on the corpus's thread-safe, mutex-protected
// mempool shape (insertion-ordered map plus an ordering slice) rather
// than core/committer/dissemination's single-writer channel loop,
// since Submit and Drain are both high-frequency, independently
// callable operations rather than a stream of discrete events.
package txpool

import (
	"sync"

	"github.com/luxfi/corona/log"
	"github.com/luxfi/corona/types"
)

// Verifier validates a transaction before it is accepted into the
// pool. The same Verifier instance is typically also wired as
// core.Deps.TxVerifier, deciding whether to reject transactions
// already included in an ancestor block (spec §4.6: "a no-op verifier
// is acceptable for tests").
type Verifier interface {
	Verify(tx []byte) error
}

// InclusionHandle names the block a submitted transaction landed in.
// It does not imply the block has committed, only that it has been
// produced and durably stored.
type InclusionHandle struct {
	Ref types.BlockRef
}

type queuedTx struct {
	bytes []byte
	entry *pendingEntry
}

type pendingEntry struct {
	done chan InclusionHandle
}

// inFlightBatch is the set of pendingEntrys handed out by one Drain
// call. Batches resolve in FIFO order as OnBlockProduced is called,
// since Drain and the corresponding produced block are always
// generated and forwarded in the same order by Core's single-writer
// propose loop.
type inFlightBatch struct {
	entries []*pendingEntry
}

// Pool is a thread-safe pending-transaction queue satisfying
// core.TransactionSource. The zero value is not valid; use New.
type Pool struct {
	mu       sync.Mutex
	verifier Verifier
	maxDepth int
	log      log.Logger

	queue   []*queuedTx
	batches []*inFlightBatch
}

// New constructs a Pool accepting at most maxDepth queued
// transactions at a time before Submit reports backpressure.
func New(verifier Verifier, maxDepth int, logger log.Logger) *Pool {
	if verifier == nil {
		verifier = NoopVerifier{}
	}
	if logger == nil {
		logger = log.NoOp()
	}
	return &Pool{
		verifier: verifier,
		maxDepth: maxDepth,
		log:      logger,
	}
}

// Submit validates tx and enqueues it for inclusion in a future block.
// The returned channel receives exactly one InclusionHandle once tx
// has been placed into a produced-and-stored block; it is never
// closed. Submit returns a *types.VerifyError if the verifier rejects
// tx, or a *types.BackpressureError if the queue is full; callers
// should retry a backpressure error after a short delay.
func (p *Pool) Submit(tx []byte) (<-chan InclusionHandle, error) {
	if err := p.verifier.Verify(tx); err != nil {
		return nil, &types.VerifyError{Reason: "rejected by submission verifier", Err: err}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.queue) >= p.maxDepth {
		return nil, &types.BackpressureError{Queue: "txpool"}
	}

	entry := &pendingEntry{done: make(chan InclusionHandle, 1)}
	p.queue = append(p.queue, &queuedTx{bytes: tx, entry: entry})
	return entry.done, nil
}

// Drain removes and returns as many queued transactions as fit within
// maxBytes, in submission order, satisfying core.TransactionSource.
// Transactions that do not fit stay queued behind any included ahead
// of them, preserving each submitter's relative order.
func (p *Pool) Drain(maxBytes int) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	var (
		out     [][]byte
		entries []*pendingEntry
		used    int
	)
	i := 0
	for ; i < len(p.queue); i++ {
		tx := p.queue[i]
		if used+len(tx.bytes) > maxBytes {
			break
		}
		out = append(out, tx.bytes)
		entries = append(entries, tx.entry)
		used += len(tx.bytes)
	}
	p.queue = p.queue[i:]

	// Every Drain records a batch, even an empty one, so batches stay
	// paired one-to-one with the blocks OnBlockProduced reports.
	p.batches = append(p.batches, &inFlightBatch{entries: entries})
	return out
}

// OnBlockProduced resolves the oldest outstanding Drain batch with
// block's reference. The caller (the node's orchestrator) must invoke
// this once per block Core produces for the local authority, in the
// order Core produced them.
func (p *Pool) OnBlockProduced(block *types.Block) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.batches) == 0 {
		return
	}
	batch := p.batches[0]
	p.batches = p.batches[1:]

	ref := block.Ref()
	for _, entry := range batch.entries {
		select {
		case entry.done <- InclusionHandle{Ref: ref}:
		default:
			p.log.Debug("inclusion handle dropped: receiver not listening")
		}
	}
}

// Pending reports the number of transactions queued but not yet
// drained, for metrics and tests.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}
