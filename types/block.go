// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package types

import (
	"fmt"

	"github.com/luxfi/ids"
)

// BlockRef is the triple (round, author, digest) that names a block
// without carrying its contents. Ancestors are always referenced by
// value, never by in-memory pointer.
type BlockRef struct {
	Round  Round
	Author AuthorityIndex
	Digest ids.ID
}

// Empty reports whether r is the zero BlockRef.
func (r BlockRef) Empty() bool {
	return r.Digest == ids.Empty
}

func (r BlockRef) String() string {
	return fmt.Sprintf("(%d,%d,%s)", r.Round, r.Author, r.Digest)
}

// CommitRef names a committed leader slot, used both as the endorsement
// carried in Block.CommitVotes and as CommittedSubDag.Leader.
type CommitRef struct {
	Round  Round
	Author AuthorityIndex
	Digest ids.ID
}

func (r CommitRef) String() string {
	return fmt.Sprintf("commit(%d,%d,%s)", r.Round, r.Author, r.Digest)
}

// RejectedSet is the sorted, deduplicated set of transaction indices an
// author rejects from one referenced ancestor block.
type RejectedSet []TransactionIndex

// Block is a single authority's proposal at a round: a quorum-certified
// reference to the previous round plus a transaction batch.
//
// A Block's wire bytes are produced by xcodec; Digest and Signature are
// computed over the canonical encoding of every other field.
type Block struct {
	Round       Round
	Author      AuthorityIndex
	TimestampMs uint64

	// Ancestors must include at least one round-1 reference authored by
	// Author (if one exists), and in total the referenced authors' stake
	// must meet the committee's quorum threshold at Round-1.
	Ancestors []BlockRef

	// Transactions is the opaque payload; framing is owned by txpool.
	Transactions [][]byte

	// RejectedTransactions holds one RejectedSet per entry in Ancestors,
	// in the same order.
	RejectedTransactions []RejectedSet

	// CommitVotes endorses recently committed sub-DAG tips this author
	// has observed, accelerating peer catch-up. Optional.
	CommitVotes []CommitRef

	// Signature is Author's signature over the digest of every
	// preceding field.
	Signature []byte

	// digest caches Ref().Digest once computed; zero until then.
	digest ids.ID
}

// Ref returns the BlockRef naming this block. Callers must have set
// digest via SetDigest (xcodec.DecodeBlock does so; EncodeBlock does
// not) before calling Ref on a freshly-constructed block.
func (b *Block) Ref() BlockRef {
	return BlockRef{Round: b.Round, Author: b.Author, Digest: b.digest}
}

// Digest returns the cached digest, or ids.Empty if it has not been set.
func (b *Block) Digest() ids.ID {
	return b.digest
}

// SetDigest records the block's digest, computed by xcodec from the
// canonical encoding of the unsigned fields.
func (b *Block) SetDigest(d ids.ID) {
	b.digest = d
}

// GenesisBlock returns the well-known round-0 block for an authority.
// Genesis blocks carry no ancestors, no transactions and no signature;
// every authority derives the same genesis deterministically.
func GenesisBlock(author AuthorityIndex) *Block {
	return &Block{
		Round:       0,
		Author:      author,
		TimestampMs: 0,
	}
}

// AuthorityScore is a per-authority reputation value, the element type
// of CommittedSubDag.ReputationScoresDesc.
type AuthorityScore struct {
	Author AuthorityIndex
	Score  int64
}

// CommittedSubDag is the ordered output of one decided leader slot.
type CommittedSubDag struct {
	Leader      BlockRef
	CommitIndex uint64
	Blocks      []*Block

	// RejectedTransactionsByBlock aligns by index with Blocks: for each
	// block, the transaction indices the quorum agreed to reject.
	RejectedTransactionsByBlock []RejectedSet

	TimestampMs uint64

	// ReputationScoresDesc holds per-authority reputation scores sorted
	// descending. Neither subdag.Flatten nor the committer fills it in,
	// so it is nil in every sub-DAG this module emits; downstream
	// consumers may ignore it.
	ReputationScoresDesc []AuthorityScore
}
