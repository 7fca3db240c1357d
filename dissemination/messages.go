// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package dissemination

import (
	"github.com/luxfi/ids"

	"github.com/luxfi/corona/types"
)

// Sender transmits the peer protocol's four message types (spec.md
// §6). One method per message type, not a generic Send(msg) sum type,
// matching networking/sender.Sender's shape.
type Sender interface {
	// SendBroadcastBlock pushes a freshly accepted block to peer. No
	// reply is expected.
	SendBroadcastBlock(peer ids.NodeID, block *types.Block)

	// SendFetchBlocks requests the listed refs from peer.
	SendFetchBlocks(peer ids.NodeID, requestID uint32, refs []types.BlockRef)

	// SendFetchBlocksReply answers a FetchBlocks request; entries for
	// refs the sender does not have are silently omitted.
	SendFetchBlocksReply(peer ids.NodeID, requestID uint32, blocks []*types.Block)

	// SendFetchLatest asks peer for author's block refs after afterRound.
	SendFetchLatest(peer ids.NodeID, requestID uint32, author types.AuthorityIndex, afterRound types.Round)

	// SendFetchLatestReply answers a FetchLatest request.
	SendFetchLatestReply(peer ids.NodeID, requestID uint32, refs []types.BlockRef)

	// SendCommitVoteGossip forwards recently observed commit votes to
	// peer, accelerating its catch-up. Best-effort; never required for
	// correctness.
	SendCommitVoteGossip(peer ids.NodeID, votes []types.CommitRef)
}

// FetchBlocksRequest is the inbound form of a FetchBlocks message,
// handed to Dissemination.OnFetchBlocksRequest.
type FetchBlocksRequest struct {
	Peer      ids.NodeID
	RequestID uint32
	Refs      []types.BlockRef
}

// FetchBlocksReply is the inbound form of a FetchBlocksReply message.
type FetchBlocksReply struct {
	Peer      ids.NodeID
	RequestID uint32
	Blocks    []*types.Block
}

// FetchLatestRequest is the inbound form of a FetchLatest message.
type FetchLatestRequest struct {
	Peer       ids.NodeID
	RequestID  uint32
	Author     types.AuthorityIndex
	AfterRound types.Round
}

// FetchLatestReply is the inbound form of a FetchLatestReply message.
type FetchLatestReply struct {
	Peer      ids.NodeID
	RequestID uint32
	Refs      []types.BlockRef
}

// CommitVoteGossip is the inbound form of a CommitVoteGossip message.
type CommitVoteGossip struct {
	Peer  ids.NodeID
	Votes []types.CommitRef
}
