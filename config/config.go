// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package config defines the configuration surface of a core instance:
// committee membership, identity, and the tunables listed in spec.md
// §6's configuration table. Named presets and a Valid method follow
// the corpus's config.Parameters convention (DefaultParams/
// MainnetParams/TestnetParams/LocalParams + Valid).
package config

import (
	"errors"
	"time"

	"github.com/luxfi/crypto/bls"
	"github.com/luxfi/ids"

	"github.com/luxfi/corona/committee"
)

// Validation errors for Parameters.Valid.
var (
	ErrMissingCommittee       = errors.New("config: committee is required")
	ErrOwnIndexOutOfRange     = errors.New("config: own_index is out of range for the committee")
	ErrMissingKeypair         = errors.New("config: own_keypair is required")
	ErrLeaderTimeoutTooLow    = errors.New("config: leader_timeout_ms must be > 0")
	ErrMaxBlockBytesTooLow    = errors.New("config: max_block_bytes must be > 0")
	ErrInvalidRejectionThresh = errors.New("config: rejection_threshold must be \"V\" or \"Q\"")
	ErrCommitBufferTooLow     = errors.New("config: commit_output_buffer must be > 0")
	ErrSubmitBufferTooLow     = errors.New("config: transaction_submit_buffer must be > 0")
	ErrPushQueueDepthTooLow   = errors.New("config: push_queue_depth must be > 0")
	ErrPullBatchCapTooLow     = errors.New("config: pull_batch_cap must be > 0")
)

// RejectionThreshold selects the stake threshold sub-DAG flattening
// uses to aggregate per-transaction rejection votes (spec.md §4.5 step
// 3, an Open Question pinned to "V" by default).
type RejectionThreshold string

const (
	RejectionThresholdValidity RejectionThreshold = "V"
	RejectionThresholdQuorum   RejectionThreshold = "Q"
)

// Parameters is the full configuration surface of one core instance.
type Parameters struct {
	// Committee, OwnIndex and OwnKeypair are required.
	Committee  *committee.Committee
	OwnIndex   committee.Authority
	OwnKeypair *bls.SecretKey

	LeaderTimeoutMs         uint64
	MaxBlockBytes           uint64
	GCDepthRounds           uint64
	MaxFutureRoundGap       uint64
	ReputationWindow        uint64
	CommitOutputBuffer      int
	TransactionSubmitBuffer int

	RejectionThreshold    RejectionThreshold
	EnableCommitVoteGossip bool

	Reputation committee.ReputationFunc

	// Dissemination tunables. Not enumerated in spec.md's configuration
	// table (which stops at the protocol-level knobs); these size the
	// transport-facing queues and retry policy that table's Push/Pull
	// sub-behaviors require but leaves as implementation-defined.
	// PullBatchCap is only validated: dissemination sends one ref per
	// FetchBlocks request and does not batch pulls per peer.
	PushQueueDepth     int
	PullRecentRoundGap uint64
	PullBackoffBaseMs  uint64
	PullBackoffMaxMs   uint64
	PullBatchCap       int
	BenchDuration      time.Duration
}

// Default returns spec.md §6's default configuration table with no
// committee/identity set; callers must fill those in before Valid
// passes.
func Default() Parameters {
	return Parameters{
		LeaderTimeoutMs:         250,
		MaxBlockBytes:           512 * 1024,
		GCDepthRounds:           60,
		MaxFutureRoundGap:       500,
		ReputationWindow:        300,
		CommitOutputBuffer:      32,
		TransactionSubmitBuffer: 2048,
		RejectionThreshold:      RejectionThresholdValidity,
		EnableCommitVoteGossip:  true,
		PushQueueDepth:          256,
		PullRecentRoundGap:      50,
		PullBackoffBaseMs:       100,
		PullBackoffMaxMs:        10_000,
		PullBatchCap:            64,
		BenchDuration:           30 * time.Second,
	}
}

// Local returns Default tuned for fast single-process bring-up and
// tests: a short leader timeout and a small GC horizon.
func Local() Parameters {
	p := Default()
	p.LeaderTimeoutMs = 50
	p.GCDepthRounds = 10
	p.MaxFutureRoundGap = 50
	p.PullBackoffBaseMs = 5
	p.PullBackoffMaxMs = 200
	return p
}

// LeaderTimeout returns LeaderTimeoutMs as a time.Duration.
func (p Parameters) LeaderTimeout() time.Duration {
	return time.Duration(p.LeaderTimeoutMs) * time.Millisecond
}

// Valid reports whether p is internally consistent and ready to
// construct a core instance.
func (p Parameters) Valid() error {
	if p.Committee == nil {
		return ErrMissingCommittee
	}
	if int(p.OwnIndex.Index) >= p.Committee.Size() {
		return ErrOwnIndexOutOfRange
	}
	if p.OwnKeypair == nil {
		return ErrMissingKeypair
	}
	if p.LeaderTimeoutMs == 0 {
		return ErrLeaderTimeoutTooLow
	}
	if p.MaxBlockBytes == 0 {
		return ErrMaxBlockBytesTooLow
	}
	switch p.RejectionThreshold {
	case RejectionThresholdValidity, RejectionThresholdQuorum:
	default:
		return ErrInvalidRejectionThresh
	}
	if p.CommitOutputBuffer <= 0 {
		return ErrCommitBufferTooLow
	}
	if p.TransactionSubmitBuffer <= 0 {
		return ErrSubmitBufferTooLow
	}
	if p.PushQueueDepth <= 0 {
		return ErrPushQueueDepthTooLow
	}
	if p.PullBatchCap <= 0 {
		return ErrPullBatchCapTooLow
	}
	return nil
}

// RejectionStake returns the stake threshold RejectionThreshold
// selects, for use by the subdag package.
func (p Parameters) RejectionStake() uint64 {
	if p.RejectionThreshold == RejectionThresholdQuorum {
		return p.Committee.QuorumThreshold()
	}
	return p.Committee.ValidityThreshold()
}

// ReputationFunc returns p.Reputation, or committee.EqualReputation if
// unset.
func (p Parameters) ReputationFunc() committee.ReputationFunc {
	if p.Reputation != nil {
		return p.Reputation
	}
	return committee.EqualReputation
}

// OwnNodeID is a convenience accessor matching the corpus's frequent
// "this authority's own identity" field (ctx.go's NodeID).
func (p Parameters) OwnNodeID() ids.NodeID {
	return p.OwnIndex.NodeID
}
