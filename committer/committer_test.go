// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package committer

import (
	"testing"
	"time"

	"github.com/luxfi/database"
	"github.com/luxfi/database/memdb"
	"github.com/luxfi/ids"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/corona/committee"
	"github.com/luxfi/corona/config"
	"github.com/luxfi/corona/store"
	"github.com/luxfi/corona/types"
	"github.com/luxfi/corona/xcodec"
)

func testCommittee(t *testing.T, n int) *committee.Committee {
	t.Helper()
	authorities := make([]committee.Authority, n)
	for i := range authorities {
		authorities[i] = committee.Authority{
			Index:  types.AuthorityIndex(i),
			NodeID: ids.GenerateTestNodeID(),
			Stake:  1,
		}
	}
	c, err := committee.New(authorities)
	require.NoError(t, err)
	return c
}

func testBlock(t *testing.T, round types.Round, author types.AuthorityIndex, ancestors ...types.BlockRef) *types.Block {
	t.Helper()
	b := &types.Block{Round: round, Author: author, TimestampMs: uint64(round), Ancestors: ancestors}
	d, err := xcodec.Digest(b)
	require.NoError(t, err)
	b.SetDigest(d)
	return b
}

func newTestCommitter(t *testing.T, db database.Database, n int) (*Committer, store.Store, *committee.Committee) {
	t.Helper()
	comm := testCommittee(t, n)
	st := store.New(db, n, nil)
	params := config.Local()
	params.Committee = comm
	c, err := New(Deps{Committee: comm, Store: st, Params: params})
	require.NoError(t, err)
	return c, st, comm
}

func recvSubDag(t *testing.T, c *Committer) *types.CommittedSubDag {
	t.Helper()
	select {
	case sub := <-c.Output():
		return sub
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for committed sub-DAG")
		return nil
	}
}

func requireNoSubDag(t *testing.T, c *Committer) {
	t.Helper()
	select {
	case sub := <-c.Output():
		t.Fatalf("unexpected sub-DAG emitted: leader %s", sub.Leader)
	case <-time.After(50 * time.Millisecond):
	}
}

// TestDirectCommit covers the Commit branch of the direct rule: a
// quorum of round-(r+1) blocks supports the round-r leader.
func TestDirectCommit(t *testing.T) {
	c, st, _ := newTestCommitter(t, memdb.New(), 4)

	leader := testBlock(t, 2, 1) // leader(round 2) = authority (2/2)%4 = 1
	require.NoError(t, st.Insert(leader))
	c.index(leader)
	c.index(testBlock(t, 3, 0, leader.Ref()))
	c.index(testBlock(t, 3, 1, leader.Ref()))
	c.index(testBlock(t, 3, 2, leader.Ref()))

	c.tryCommit()

	require.Equal(t, types.Round(2), c.lastCommittedRound)
	sub := recvSubDag(t, c)
	require.Equal(t, leader.Ref(), sub.Leader)
	require.Equal(t, uint64(1), sub.CommitIndex)
}

// TestDirectSkipByOpposingQuorum covers the Skip branch when a quorum
// of round-(r+1) blocks does not reference the leader.
func TestDirectSkipByOpposingQuorum(t *testing.T) {
	c, _, _ := newTestCommitter(t, memdb.New(), 4)

	leader := testBlock(t, 2, 1)
	c.index(leader)
	c.index(testBlock(t, 3, 0))
	c.index(testBlock(t, 3, 2))
	c.index(testBlock(t, 3, 3))

	c.tryCommit()

	require.Equal(t, types.Round(0), c.lastCommittedRound)
	requireNoSubDag(t, c)
}

// TestDirectSkipLeaderAbsent covers the Skip branch when the leader
// never produced a block and round r+1 nonetheless reaches quorum.
func TestDirectSkipLeaderAbsent(t *testing.T) {
	c, _, _ := newTestCommitter(t, memdb.New(), 4)

	c.index(testBlock(t, 3, 0))
	c.index(testBlock(t, 3, 2))
	c.index(testBlock(t, 3, 3))

	c.tryCommit()

	require.Equal(t, types.Round(0), c.lastCommittedRound)
	requireNoSubDag(t, c)
}

// TestIndirectCommitChain covers a round left undecided by the direct
// rule that commits anyway because a later, directly-committed leader
// has an ancestor path back to it.
func TestIndirectCommitChain(t *testing.T) {
	c, st, _ := newTestCommitter(t, memdb.New(), 4)

	leader2 := testBlock(t, 2, 1) // leader(round 2) = 1
	require.NoError(t, st.Insert(leader2))
	c.index(leader2)
	// Only one round-3 voter: not enough stake to decide round 2 directly
	// either way, but it does causally link round 2 to round 4.
	mid3 := testBlock(t, 3, 0, leader2.Ref())
	require.NoError(t, st.Insert(mid3))
	c.index(mid3)

	leader4 := testBlock(t, 4, 2, mid3.Ref()) // leader(round 4) = 2
	require.NoError(t, st.Insert(leader4))
	c.index(leader4)
	c.index(testBlock(t, 5, 0, leader4.Ref()))
	c.index(testBlock(t, 5, 1, leader4.Ref()))
	c.index(testBlock(t, 5, 2, leader4.Ref()))

	c.tryCommit()

	require.Equal(t, types.Round(4), c.lastCommittedRound)
	first := recvSubDag(t, c)
	require.Equal(t, leader2.Ref(), first.Leader)
	require.Equal(t, uint64(1), first.CommitIndex)
	second := recvSubDag(t, c)
	require.Equal(t, leader4.Ref(), second.Leader)
	require.Equal(t, uint64(2), second.CommitIndex)
}

// TestIndirectSkip covers a round left undecided by the direct rule
// that is then skipped because no later committed leader's ancestor
// path reaches it.
func TestIndirectSkip(t *testing.T) {
	c, st, _ := newTestCommitter(t, memdb.New(), 4)

	leader2 := testBlock(t, 2, 1)
	c.index(leader2) // never reaches quorum support or opposition

	leader4 := testBlock(t, 4, 2) // no ancestors: no path back to leader2
	require.NoError(t, st.Insert(leader4))
	c.index(leader4)
	c.index(testBlock(t, 5, 0, leader4.Ref()))
	c.index(testBlock(t, 5, 1, leader4.Ref()))
	c.index(testBlock(t, 5, 2, leader4.Ref()))

	c.tryCommit()

	require.Equal(t, types.Round(4), c.lastCommittedRound)
	sub := recvSubDag(t, c)
	require.Equal(t, leader4.Ref(), sub.Leader)
	require.Equal(t, uint64(1), sub.CommitIndex) // leader2's slot never emitted
	requireNoSubDag(t, c)
}

// TestCommitIndexPersistsAcrossRestart verifies that a freshly
// constructed Committer sharing the same durable store resumes
// exactly where the previous instance left off: no gap, no replay.
func TestCommitIndexPersistsAcrossRestart(t *testing.T) {
	db := memdb.New()
	c1, st, _ := newTestCommitter(t, db, 4)

	leader2 := testBlock(t, 2, 1)
	require.NoError(t, st.Insert(leader2))
	c1.index(leader2)
	c1.index(testBlock(t, 3, 0, leader2.Ref()))
	c1.index(testBlock(t, 3, 1, leader2.Ref()))
	c1.index(testBlock(t, 3, 2, leader2.Ref()))
	c1.tryCommit()

	first := recvSubDag(t, c1)
	require.Equal(t, uint64(1), first.CommitIndex)

	// A freshly constructed committer over the same durable store must
	// resume from the persisted watermark rather than from scratch.
	params := config.Local()
	params.Committee = c1.committee
	c2, err := New(Deps{Committee: c1.committee, Store: st, Params: params})
	require.NoError(t, err)

	require.Equal(t, types.Round(2), c2.lastCommittedRound)
	require.Equal(t, uint64(1), c2.lastCommittedIndex)

	leader4 := testBlock(t, 4, 2, leader2.Ref())
	require.NoError(t, st.Insert(leader4))
	c2.index(leader4)
	c2.index(testBlock(t, 5, 0, leader4.Ref()))
	c2.index(testBlock(t, 5, 1, leader4.Ref()))
	c2.index(testBlock(t, 5, 2, leader4.Ref()))
	c2.tryCommit()

	second := recvSubDag(t, c2)
	require.Equal(t, leader4.Ref(), second.Leader)
	require.Equal(t, uint64(2), second.CommitIndex)
	for _, b := range second.Blocks {
		require.NotEqual(t, leader2.Ref(), b.Ref()) // already emitted by c1, not repeated
	}
}
