// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package subdag

import (
	"testing"

	"github.com/luxfi/database/memdb"
	"github.com/luxfi/ids"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/corona/committee"
	"github.com/luxfi/corona/store"
	"github.com/luxfi/corona/types"
	"github.com/luxfi/corona/xcodec"
)

func testCommittee(t *testing.T) *committee.Committee {
	t.Helper()
	c, err := committee.New([]committee.Authority{
		{Index: 0, NodeID: ids.GenerateTestNodeID(), Stake: 1},
		{Index: 1, NodeID: ids.GenerateTestNodeID(), Stake: 1},
		{Index: 2, NodeID: ids.GenerateTestNodeID(), Stake: 1},
	})
	require.NoError(t, err)
	return c
}

func sign(t *testing.T, b *types.Block) *types.Block {
	t.Helper()
	d, err := xcodec.Digest(b)
	require.NoError(t, err)
	b.SetDigest(d)
	b.Signature = []byte("sig")
	return b
}

func insert(t *testing.T, st store.Store, b *types.Block) types.BlockRef {
	t.Helper()
	require.NoError(t, st.Insert(b))
	return b.Ref()
}

// buildChain constructs:
//
//	round1: B1 (author0, 2 txs), B2 (author1), B3 (author2)
//	round2: C0, C1, C2 (one per author), each ancestors [B1,B2,B3];
//	        C0 and C1 reject transaction 0 of B1, C2 does not.
//	round3: D0 (author0), ancestors [C0,C1,C2] — the test's "leader".
func buildChain(t *testing.T) (store.Store, *types.Block) {
	t.Helper()
	st := store.New(memdb.New(), 3, nil)

	b1 := sign(t, &types.Block{Round: 1, Author: 0, TimestampMs: 1, Transactions: [][]byte{[]byte("tx0"), []byte("tx1")}})
	b2 := sign(t, &types.Block{Round: 1, Author: 1, TimestampMs: 1})
	b3 := sign(t, &types.Block{Round: 1, Author: 2, TimestampMs: 1})
	refB1, refB2, refB3 := insert(t, st, b1), insert(t, st, b2), insert(t, st, b3)
	roundOneAncestors := []types.BlockRef{refB1, refB2, refB3}

	c0 := sign(t, &types.Block{
		Round: 2, Author: 0, TimestampMs: 2,
		Ancestors:            roundOneAncestors,
		RejectedTransactions: []types.RejectedSet{{0}, nil, nil},
	})
	c1 := sign(t, &types.Block{
		Round: 2, Author: 1, TimestampMs: 2,
		Ancestors:            roundOneAncestors,
		RejectedTransactions: []types.RejectedSet{{0}, nil, nil},
	})
	c2 := sign(t, &types.Block{
		Round: 2, Author: 2, TimestampMs: 2,
		Ancestors:            roundOneAncestors,
		RejectedTransactions: []types.RejectedSet{nil, nil, nil},
	})
	refC0, refC1, refC2 := insert(t, st, c0), insert(t, st, c1), insert(t, st, c2)

	d0 := sign(t, &types.Block{
		Round: 3, Author: 0, TimestampMs: 3,
		Ancestors: []types.BlockRef{refC0, refC1, refC2},
	})
	insert(t, st, d0)

	return st, d0
}

func TestFlattenOrdersLeafMostFirst(t *testing.T) {
	st, leader := buildChain(t)
	comm := testCommittee(t)

	subdag, err := Flatten(st, comm, comm.ValidityThreshold(), leader, 1, 0, 0, 0)
	require.NoError(t, err)

	require.Len(t, subdag.Blocks, 7)
	for i := 1; i < len(subdag.Blocks); i++ {
		prev, cur := subdag.Blocks[i-1], subdag.Blocks[i]
		require.True(t, prev.Round < cur.Round || (prev.Round == cur.Round && prev.Author < cur.Author))
	}
	require.Equal(t, leader.Ref(), subdag.Leader)
	require.Equal(t, uint64(1), subdag.CommitIndex)
}

func TestFlattenStopsAtBoundaryRound(t *testing.T) {
	st, leader := buildChain(t)
	comm := testCommittee(t)

	subdag, err := Flatten(st, comm, comm.ValidityThreshold(), leader, 1, 1, 0, 0)
	require.NoError(t, err)

	for _, b := range subdag.Blocks {
		require.Greater(t, b.Round, types.Round(1))
	}
	require.Len(t, subdag.Blocks, 4) // D0 plus C0, C1, C2 only
}

func TestFlattenAggregatesRejectionsByStake(t *testing.T) {
	st, leader := buildChain(t)
	comm := testCommittee(t)

	subdag, err := Flatten(st, comm, comm.ValidityThreshold(), leader, 1, 0, 0, 0)
	require.NoError(t, err)

	var b1Index int
	for i, b := range subdag.Blocks {
		if b.Round == 1 && b.Author == 0 {
			b1Index = i
		}
	}
	require.Equal(t, types.RejectedSet{0}, subdag.RejectedTransactionsByBlock[b1Index])
}

func TestFlattenTimestampMonotoneAgainstPrevious(t *testing.T) {
	st, leader := buildChain(t)
	comm := testCommittee(t)

	subdag, err := Flatten(st, comm, comm.ValidityThreshold(), leader, 1, 0, 0, 999)
	require.NoError(t, err)
	require.Equal(t, uint64(999), subdag.TimestampMs)
}

func TestParseBlockTransactionsExpandsRejectedSet(t *testing.T) {
	b := &types.Block{Transactions: [][]byte{[]byte("a"), []byte("b"), []byte("c")}}
	parsed := ParseBlockTransactions(b, types.RejectedSet{1})

	require.Len(t, parsed, 3)
	require.False(t, parsed[0].Rejected)
	require.True(t, parsed[1].Rejected)
	require.False(t, parsed[2].Rejected)
}
