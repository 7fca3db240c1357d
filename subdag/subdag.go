// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package subdag flattens a committed leader's ancestor closure into
// the deterministic, byte-identical-across-authorities order the
// committer emits downstream (spec §4.5), and aggregates per-
// transaction rejection votes by stake. It generalizes the corpus's
// engine/dag/bootstrap ancestor-walk (queue of refs, visited-by-digest
// set, BFS over parent links) from a bootstrap-time sync walk to a
// commit-time linearization.
package subdag

import (
	"fmt"
	"sort"

	"github.com/luxfi/ids"

	"github.com/luxfi/corona/committee"
	"github.com/luxfi/corona/store"
	"github.com/luxfi/corona/types"
)

// ParsedTransaction is one transaction as seen during flattening,
// mirroring the original implementation's ParsedTransaction /
// parse_block_transactions: the rejection bitmap (a sorted index list
// on the wire) is expanded back against the block's transaction list.
type ParsedTransaction struct {
	Transaction   []byte
	Rejected      bool
	SerializedLen int
}

// ParseBlockTransactions expands block's rejected-index list (typically
// the block's entry in CommittedSubDag.RejectedTransactionsByBlock) into
// one ParsedTransaction per transaction. Flatten does not call it.
func ParseBlockTransactions(block *types.Block, rejected types.RejectedSet) []ParsedTransaction {
	rejectedIdx := make(map[types.TransactionIndex]bool, len(rejected))
	for _, idx := range rejected {
		rejectedIdx[idx] = true
	}
	out := make([]ParsedTransaction, len(block.Transactions))
	for i, tx := range block.Transactions {
		out[i] = ParsedTransaction{
			Transaction:   tx,
			Rejected:      rejectedIdx[types.TransactionIndex(i)],
			SerializedLen: len(tx),
		}
	}
	return out
}

// Flatten computes the CommittedSubDag for a leader decided-commit at
// round leader.Round: the ancestor closure not already covered by
// boundaryRound, in deterministic linear order, with per-block rejected
// transaction sets aggregated at rejectionStake (spec §4.5).
//
// boundaryRound stands in for the persisted "emitted" set: every block
// with round <= boundaryRound is treated as already emitted by an
// earlier sub-DAG (true by construction, since the committer only ever
// calls Flatten with boundaryRound set to the previously committed
// leader's round, and a leader's ancestor closure by definition covers
// everything an honest DAG needs below it). This avoids persisting an
// exact digest set while preserving the replay law of §8: after
// restart, the persisted last_committed_round is the same boundary
// used before the crash.
func Flatten(
	st store.Store,
	comm *committee.Committee,
	rejectionStake uint64,
	leader *types.Block,
	commitIndex uint64,
	boundaryRound types.Round,
	gcRound types.Round,
	prevTimestampMs uint64,
) (*types.CommittedSubDag, error) {
	floor := boundaryRound
	if gcRound > floor {
		floor = gcRound
	}

	visited := make(map[ids.ID]*types.Block)
	var walk func(ref types.BlockRef) error
	walk = func(ref types.BlockRef) error {
		if ref.Round <= floor {
			return nil
		}
		if _, ok := visited[ref.Digest]; ok {
			return nil
		}
		b, ok := st.Get(ref)
		if !ok {
			return fmt.Errorf("subdag: ancestor %s of leader %s missing from store", ref, leader.Ref())
		}
		visited[ref.Digest] = b
		for _, ancestor := range b.Ancestors {
			if err := walk(ancestor); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(leader.Ref()); err != nil {
		return nil, err
	}

	blocks := make([]*types.Block, 0, len(visited))
	for _, b := range visited {
		blocks = append(blocks, b)
	}
	sortBlocks(blocks)

	byRound := make(map[types.Round][]*types.Block, len(blocks))
	for _, b := range blocks {
		byRound[b.Round] = append(byRound[b.Round], b)
	}

	rejectedByBlock := make([]types.RejectedSet, len(blocks))
	for i, b := range blocks {
		rejectedByBlock[i] = aggregateRejections(b, byRound[b.Round+1], comm, rejectionStake)
	}

	timestampMs := leader.TimestampMs
	if prevTimestampMs > timestampMs {
		timestampMs = prevTimestampMs
	}

	return &types.CommittedSubDag{
		Leader:                      leader.Ref(),
		CommitIndex:                 commitIndex,
		Blocks:                      blocks,
		RejectedTransactionsByBlock: rejectedByBlock,
		TimestampMs:                 timestampMs,
	}, nil
}

// aggregateRejections tallies, per transaction index of b, the stake of
// children (round b.Round+1 blocks already in the flattened set) that
// voted to reject it, returning every index whose stake meets
// threshold — spec §4.5 step 3.
func aggregateRejections(b *types.Block, children []*types.Block, comm *committee.Committee, threshold uint64) types.RejectedSet {
	stakeByIndex := make(map[types.TransactionIndex]uint64)
	digest := b.Digest()
	for _, child := range children {
		for i, ancestor := range child.Ancestors {
			if ancestor.Digest != digest {
				continue
			}
			if i >= len(child.RejectedTransactions) {
				break
			}
			authorStake := comm.Authority(child.Author).Stake
			for _, idx := range child.RejectedTransactions[i] {
				stakeByIndex[idx] += authorStake
			}
			break
		}
	}
	var out types.RejectedSet
	for idx, stake := range stakeByIndex {
		if stake >= threshold {
			out = append(out, idx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// sortBlocks orders blocks by round ascending, then author ascending,
// then digest ascending — spec §4.5 step 2. Ties on digest cannot
// actually occur (at most one block per (round, author) in the store).
func sortBlocks(blocks []*types.Block) {
	sort.Slice(blocks, func(i, j int) bool {
		a, b := blocks[i], blocks[j]
		if a.Round != b.Round {
			return a.Round < b.Round
		}
		if a.Author != b.Author {
			return a.Author < b.Author
		}
		return lessDigest(a.Digest(), b.Digest())
	})
}

func lessDigest(a, b ids.ID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
