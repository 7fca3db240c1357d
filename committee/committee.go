// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package committee models the fixed set of authorities a core instance
// runs against: stake weights, quorum/validity thresholds and leader
// selection. It generalizes the corpus's subnet-keyed validator
// manager (validators.Manager, keyed by chainID) down to a single,
// immutable committee fixed for the lifetime of one core.
package committee

import (
	"fmt"

	"github.com/luxfi/crypto/bls"
	"github.com/luxfi/ids"

	"github.com/luxfi/corona/types"
	safemath "github.com/luxfi/corona/utils/math"
)

// Authority is one committee member: a stable index, stake weight,
// node identity and verifying key.
type Authority struct {
	Index     types.AuthorityIndex
	NodeID    ids.NodeID
	PublicKey *bls.PublicKey
	Stake     uint64
}

// Committee is an ordered, immutable set of authorities fixed for the
// lifetime of the core. The zero value is not valid; use New.
type Committee struct {
	authorities []Authority
	totalStake  uint64
	quorum      uint64
	validity    uint64
	byNodeID    map[ids.NodeID]types.AuthorityIndex
}

// New builds a Committee from authorities ordered by index 0..N-1.
// Authorities[i].Index must equal i; stakes must be positive.
func New(authorities []Authority) (*Committee, error) {
	if len(authorities) == 0 {
		return nil, fmt.Errorf("committee: empty authority set")
	}
	c := &Committee{
		authorities: make([]Authority, len(authorities)),
		byNodeID:    make(map[ids.NodeID]types.AuthorityIndex, len(authorities)),
	}
	for i, a := range authorities {
		if int(a.Index) != i {
			return nil, fmt.Errorf("committee: authority at position %d has index %d", i, a.Index)
		}
		if a.Stake == 0 {
			return nil, fmt.Errorf("committee: authority %d has zero stake", a.Index)
		}
		c.authorities[i] = a
		c.byNodeID[a.NodeID] = a.Index
		total, err := safemath.Add64(c.totalStake, a.Stake)
		if err != nil {
			return nil, fmt.Errorf("committee: total stake overflow at authority %d: %w", a.Index, err)
		}
		c.totalStake = total
	}
	// Q = 2*floor(T/3) + 1, V = floor(T/3) + 1.
	third := c.totalStake / 3
	c.quorum = 2*third + 1
	c.validity = third + 1
	return c, nil
}

// Size returns N, the number of authorities.
func (c *Committee) Size() int {
	return len(c.authorities)
}

// TotalStake returns T, the sum of all authority stakes.
func (c *Committee) TotalStake() uint64 {
	return c.totalStake
}

// QuorumThreshold returns Q = 2*floor(T/3)+1.
func (c *Committee) QuorumThreshold() uint64 {
	return c.quorum
}

// ValidityThreshold returns V = floor(T/3)+1.
func (c *Committee) ValidityThreshold() uint64 {
	return c.validity
}

// Authority returns the authority at index i. Panics if i is out of
// range; callers are expected to validate indices against Size first.
func (c *Committee) Authority(i types.AuthorityIndex) Authority {
	return c.authorities[i]
}

// Authorities returns the full ordered authority list. The returned
// slice must not be mutated.
func (c *Committee) Authorities() []Authority {
	return c.authorities
}

// IndexOf resolves a node ID to its committee index.
func (c *Committee) IndexOf(nodeID ids.NodeID) (types.AuthorityIndex, bool) {
	idx, ok := c.byNodeID[nodeID]
	return idx, ok
}

// StakeOf returns the stake of authorities whose indices are set, i.e.
// indices[i] == true.
func (c *Committee) StakeOf(indices []bool) uint64 {
	var total uint64
	for i, present := range indices {
		if present {
			total += c.authorities[i].Stake
		}
	}
	return total
}

// StakeOfSet sums the stake of the given authority indices, ignoring
// duplicates and out-of-range values.
func (c *Committee) StakeOfSet(authors []types.AuthorityIndex) uint64 {
	seen := make(map[types.AuthorityIndex]bool, len(authors))
	var total uint64
	for _, a := range authors {
		if seen[a] || int(a) >= len(c.authorities) {
			continue
		}
		seen[a] = true
		total += c.authorities[a].Stake
	}
	return total
}

// HasQuorum reports whether stake meets the quorum threshold Q.
func (c *Committee) HasQuorum(stake uint64) bool {
	return stake >= c.quorum
}

// HasValidity reports whether stake meets the validity threshold V.
func (c *Committee) HasValidity(stake uint64) bool {
	return stake >= c.validity
}

// ReputationFunc maps a leader round to a per-authority selection
// weight, highest-weight-wins. Implementations must be a deterministic,
// pure function of (round, the committee) so every authority computes
// the same leader independently; any reputation state must already be
// folded into the closure.
type ReputationFunc func(c *Committee, round types.Round) []int64

// EqualReputation is the default ReputationFunc: every authority has
// equal weight, so Leader reduces to round-robin over the committee.
func EqualReputation(c *Committee, _ types.Round) []int64 {
	weights := make([]int64, c.Size())
	for i := range weights {
		weights[i] = 1
	}
	return weights
}

// Leader returns the deterministic leader authority for an even round,
// per a ReputationFunc. With EqualReputation this is round-robin:
// (round/2) mod N. Ties among max-weight authorities go to the first
// one reached scanning cyclically upward from (round/2) mod N.
func Leader(c *Committee, round types.Round, rep ReputationFunc) types.AuthorityIndex {
	if rep == nil {
		rep = EqualReputation
	}
	weights := rep(c, round)
	n := types.AuthorityIndex(len(weights))
	if n == 0 {
		return 0
	}
	base := types.AuthorityIndex(uint64(round/2) % uint64(n))
	best := base
	bestWeight := weights[base]
	for offset := types.AuthorityIndex(1); offset < n; offset++ {
		idx := (base + offset) % n
		if weights[idx] > bestWeight {
			best = idx
			bestWeight = weights[idx]
		}
	}
	return best
}
