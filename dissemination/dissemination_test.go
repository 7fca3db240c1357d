// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package dissemination

import (
	"context"
	"testing"
	"time"

	"github.com/luxfi/crypto/bls"
	"github.com/luxfi/database/memdb"
	"github.com/luxfi/ids"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/corona/committee"
	"github.com/luxfi/corona/config"
	"github.com/luxfi/corona/store"
	"github.com/luxfi/corona/types"
	"github.com/luxfi/corona/xcodec"
	"github.com/luxfi/corona/xcrypto"
)

type fakeSender struct {
	fetchBlocks      chan struct {
		peer ids.NodeID
		refs []types.BlockRef
	}
	fetchBlocksReply chan struct {
		peer   ids.NodeID
		blocks []*types.Block
	}
}

func newFakeSender() *fakeSender {
	return &fakeSender{
		fetchBlocks: make(chan struct {
			peer ids.NodeID
			refs []types.BlockRef
		}, 32),
		fetchBlocksReply: make(chan struct {
			peer   ids.NodeID
			blocks []*types.Block
		}, 32),
	}
}

func (f *fakeSender) SendBroadcastBlock(ids.NodeID, *types.Block) {}

func (f *fakeSender) SendFetchBlocks(peer ids.NodeID, _ uint32, refs []types.BlockRef) {
	f.fetchBlocks <- struct {
		peer ids.NodeID
		refs []types.BlockRef
	}{peer, refs}
}

func (f *fakeSender) SendFetchBlocksReply(peer ids.NodeID, _ uint32, blocks []*types.Block) {
	f.fetchBlocksReply <- struct {
		peer   ids.NodeID
		blocks []*types.Block
	}{peer, blocks}
}

func (f *fakeSender) SendFetchLatest(ids.NodeID, uint32, types.AuthorityIndex, types.Round) {}
func (f *fakeSender) SendFetchLatestReply(ids.NodeID, uint32, []types.BlockRef)              {}
func (f *fakeSender) SendCommitVoteGossip(ids.NodeID, []types.CommitRef)                     {}

type testAuthority struct {
	signer *xcrypto.BLSSigner
	nodeID ids.NodeID
}

func buildTestCommittee(t *testing.T, n int) (*committee.Committee, []testAuthority) {
	t.Helper()
	authorities := make([]committee.Authority, n)
	keys := make([]testAuthority, n)
	for i := 0; i < n; i++ {
		signer, err := xcrypto.GenerateBLSSigner()
		require.NoError(t, err)
		pk, err := bls.PublicKeyFromCompressedBytes(signer.PublicKey())
		require.NoError(t, err)
		nodeID := ids.GenerateTestNodeID()
		authorities[i] = committee.Authority{
			Index: types.AuthorityIndex(i), NodeID: nodeID, PublicKey: pk, Stake: 1,
		}
		keys[i] = testAuthority{signer: signer, nodeID: nodeID}
	}
	comm, err := committee.New(authorities)
	require.NoError(t, err)
	return comm, keys
}

func signBlock(t *testing.T, signer *xcrypto.BLSSigner, b *types.Block) *types.Block {
	t.Helper()
	digest, err := xcodec.Digest(b)
	require.NoError(t, err)
	b.SetDigest(digest)
	sig, err := signer.Sign(digest[:])
	require.NoError(t, err)
	b.Signature = sig
	return b
}

// genesisRefs returns one round-0 ref per authority, enough to satisfy
// the ancestor round-constraint and parent-quorum checks for a round-1
// block without requiring genesis blocks to exist in the store.
func genesisRefs(n int) []types.BlockRef {
	refs := make([]types.BlockRef, n)
	for i := 0; i < n; i++ {
		refs[i] = types.BlockRef{Round: 0, Author: types.AuthorityIndex(i)}
	}
	return refs
}

func newTestDissemination(t *testing.T, n int) (*Dissemination, store.Store, *committee.Committee, []testAuthority, *fakeSender) {
	t.Helper()
	comm, keys := buildTestCommittee(t, n)
	st := store.New(memdb.New(), n, nil)
	sender := newFakeSender()
	params := config.Local()
	params.Committee = comm
	params.OwnIndex = comm.Authority(0)
	peers := make([]ids.NodeID, 0, n-1)
	for i := 1; i < n; i++ {
		peers = append(peers, keys[i].nodeID)
	}
	d, err := New(0, Deps{
		Committee: comm,
		Store:     st,
		Verifier:  xcrypto.BLSVerifier{},
		Sender:    sender,
		Params:    params,
		Peers:     peers,
	})
	require.NoError(t, err)
	return d, st, comm, keys, sender
}

func TestPushQueueOwnBlockNeverDropped(t *testing.T) {
	q := newPushQueue(2)

	own := &types.Block{Round: 5, Author: 0}
	other1 := &types.Block{Round: 1, Author: 1}
	other2 := &types.Block{Round: 2, Author: 2}

	require.Nil(t, q.enqueue(other1, 0))
	require.Nil(t, q.enqueue(own, 0))
	dropped := q.enqueue(other2, 0)
	require.NotNil(t, dropped)
	require.Equal(t, other1, dropped)

	remaining := q.drain()
	require.Len(t, remaining, 2)
	require.Contains(t, remaining, own)
	require.Contains(t, remaining, other2)
}

func TestHandleReceivedInsertsValidBlock(t *testing.T) {
	d, st, _, keys, _ := newTestDissemination(t, 3)

	b := &types.Block{Round: 1, Author: 1, TimestampMs: 1, Ancestors: genesisRefs(3)}
	signBlock(t, keys[1].signer, b)

	d.handleReceived(keys[1].nodeID, b)

	_, ok := st.GetByDigest(b.Digest())
	require.True(t, ok)
	select {
	case got := <-d.Accepted():
		require.Equal(t, b.Ref(), got.Ref())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for accepted block")
	}
}

func TestHandleReceivedRejectsBadSignature(t *testing.T) {
	d, st, _, keys, _ := newTestDissemination(t, 3)

	b := &types.Block{Round: 1, Author: 1, TimestampMs: 1, Ancestors: genesisRefs(3)}
	signBlock(t, keys[1].signer, b)
	b.Signature = []byte("not a real signature")

	d.handleReceived(keys[1].nodeID, b)

	_, ok := st.GetByDigest(b.Digest())
	require.False(t, ok)
	require.True(t, d.bench.IsBenched(keys[1].nodeID, d.clock.Now()))
}

func TestHandleReceivedRejectsOversizedBlock(t *testing.T) {
	d, st, _, keys, _ := newTestDissemination(t, 3)

	oversized := make([]byte, d.params.MaxBlockBytes+1)
	b := &types.Block{
		Round: 1, Author: 1, TimestampMs: 1, Ancestors: genesisRefs(3),
		Transactions: [][]byte{oversized},
	}
	signBlock(t, keys[1].signer, b)

	d.handleReceived(keys[1].nodeID, b)

	_, ok := st.GetByDigest(b.Digest())
	require.False(t, ok)
	require.True(t, d.bench.IsBenched(keys[1].nodeID, d.clock.Now()))
}

func TestHandleReceivedSuspendsThenResolvesOnMissingAncestor(t *testing.T) {
	d, st, _, keys, _ := newTestDissemination(t, 3)

	b1 := &types.Block{Round: 1, Author: 0, TimestampMs: 1, Ancestors: genesisRefs(3)}
	signBlock(t, keys[0].signer, b1)
	b2 := &types.Block{Round: 1, Author: 1, TimestampMs: 1, Ancestors: genesisRefs(3)}
	signBlock(t, keys[1].signer, b2)
	b3 := &types.Block{Round: 1, Author: 2, TimestampMs: 1, Ancestors: genesisRefs(3)}
	signBlock(t, keys[2].signer, b3)

	round1Refs := []types.BlockRef{b1.Ref(), b2.Ref(), b3.Ref()}
	c0 := &types.Block{Round: 2, Author: 0, TimestampMs: 2, Ancestors: round1Refs}
	signBlock(t, keys[0].signer, c0)

	// c0 arrives before any of its round-1 ancestors: it must suspend,
	// not be inserted yet.
	d.handleReceived(keys[0].nodeID, c0)
	_, ok := st.GetByDigest(c0.Digest())
	require.False(t, ok)
	require.Contains(t, d.suspended, c0.Digest())

	// Delivering the three missing ancestors resolves the suspension.
	d.handleReceived(keys[0].nodeID, b1)
	d.handleReceived(keys[1].nodeID, b2)
	d.handleReceived(keys[2].nodeID, b3)

	_, ok = st.GetByDigest(c0.Digest())
	require.True(t, ok)
	require.NotContains(t, d.suspended, c0.Digest())
}

func TestHandleFetchBlocksRequestReplies(t *testing.T) {
	d, st, _, keys, sender := newTestDissemination(t, 3)

	b := &types.Block{Round: 1, Author: 1, TimestampMs: 1, Ancestors: genesisRefs(3)}
	signBlock(t, keys[1].signer, b)
	require.NoError(t, st.Insert(b))

	d.handleFetchBlocksRequest(FetchBlocksRequest{
		Peer: keys[1].nodeID, RequestID: 7, Refs: []types.BlockRef{b.Ref()},
	})

	select {
	case reply := <-sender.fetchBlocksReply:
		require.Len(t, reply.blocks, 1)
		require.Equal(t, b.Ref(), reply.blocks[0].Ref())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for FetchBlocksReply")
	}
}

func runDissemination(t *testing.T, d *Dissemination) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)
	t.Cleanup(func() {
		cancel()
		d.Shutdown()
	})
}

func TestMissingAncestorSchedulesPull(t *testing.T) {
	d, _, _, keys, sender := newTestDissemination(t, 3)
	runDissemination(t, d)

	round1Refs := []types.BlockRef{
		{Round: 1, Author: 0, Digest: ids.GenerateTestID()},
		{Round: 1, Author: 1, Digest: ids.GenerateTestID()},
		{Round: 1, Author: 2, Digest: ids.GenerateTestID()},
	}
	c0 := &types.Block{Round: 2, Author: 0, TimestampMs: 2, Ancestors: round1Refs}
	signBlock(t, keys[0].signer, c0)

	require.NoError(t, d.OnBlockReceived(keys[0].nodeID, c0))

	select {
	case req := <-sender.fetchBlocks:
		require.Len(t, req.refs, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a scheduled pull")
	}
}

func TestCommitVoteGossipSchedulesPullForUnknownLeader(t *testing.T) {
	d, _, _, _, sender := newTestDissemination(t, 3)
	runDissemination(t, d)

	vote := types.CommitRef{Round: 4, Author: 2, Digest: ids.GenerateTestID()}
	require.NoError(t, d.OnCommitVoteGossip(CommitVoteGossip{Votes: []types.CommitRef{vote}}))

	select {
	case req := <-sender.fetchBlocks:
		require.Equal(t, vote.Round, req.refs[0].Round)
		require.Equal(t, vote.Author, req.refs[0].Author)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for commit-vote-triggered pull")
	}
}
