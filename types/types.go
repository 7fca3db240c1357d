// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package types defines the wire-level data model of the consensus core:
// blocks, block references, transactions and committed sub-DAGs.
package types

// AuthorityIndex identifies a committee member by its fixed position
// 0..N-1 in the committee ordering.
type AuthorityIndex uint32

// Round is a monotonically increasing non-negative logical time step.
// Round 0 holds one genesis block per authority by convention.
type Round uint64

// TransactionIndex indexes a transaction within a block's payload.
type TransactionIndex uint32

// IsLeaderRound reports whether r is an even (leader) round.
func (r Round) IsLeaderRound() bool {
	return r%2 == 0
}

// IsVotingRound reports whether r is an odd (voting) round.
func (r Round) IsVotingRound() bool {
	return r%2 == 1
}
