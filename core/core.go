// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package core implements the round state machine: the threshold clock
// that advances rounds on observed quorum, the leader-timeout policy,
// and production of this authority's next block. It is a single-writer
// component — every state mutation happens inside Run, driven by
// channel sends from Dissemination and Committer, generalizing the
// corpus's protocol/nova "Topological" state-machine idiom (one
// goroutine owns consensus state; other tasks communicate by message,
// never by shared lock) to a DAG threshold clock instead of a
// preference tree.
package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/luxfi/corona/committee"
	"github.com/luxfi/corona/config"
	"github.com/luxfi/corona/log"
	"github.com/luxfi/corona/metrics"
	"github.com/luxfi/corona/store"
	"github.com/luxfi/corona/types"
	"github.com/luxfi/corona/utils/mockable"
	"github.com/luxfi/corona/xcodec"
	"github.com/luxfi/corona/xcrypto"
)

// TransactionSource supplies locally submitted transactions for
// inclusion in the next proposed block. txpool.Pool satisfies this.
type TransactionSource interface {
	// Drain removes and returns as many queued transactions as fit
	// within maxBytes, in submission order.
	Drain(maxBytes int) [][]byte
}

// TransactionVerifier decides whether a transaction already included in
// an ancestor block should be rejected by this authority. txpool's
// Verifier satisfies this.
type TransactionVerifier interface {
	Verify(tx []byte) error
}

// Deps bundles Core's external collaborators.
type Deps struct {
	Committee  *committee.Committee
	Store      store.Store
	Signer     xcrypto.Signer
	TxSource   TransactionSource
	TxVerifier TransactionVerifier
	Params     config.Parameters
	Logger     log.Logger
	Clock      *mockable.Clock

	// Metrics receives per-authority consensus counters. Defaults to an
	// unregistered ConsensusMetrics instance if nil.
	Metrics *metrics.ConsensusMetrics
}

// Core owns one authority's block-production state. The zero value is
// not valid; use New. All exported methods besides Run are safe to call
// from any goroutine; they hand work to the single Run loop over
// channels.
type Core struct {
	committee  *committee.Committee
	store      store.Store
	signer     xcrypto.Signer
	txSource   TransactionSource
	txVerifier TransactionVerifier
	params     config.Parameters
	log        log.Logger
	clock      *mockable.Clock
	ownIndex   types.AuthorityIndex
	metrics    *metrics.ConsensusMetrics

	acceptedCh    chan *types.Block
	commitVotesCh chan []types.CommitRef
	timeoutCh     chan types.Round
	produced      chan *types.Block
	fatal         chan error

	closeOnce sync.Once
	closeCh   chan struct{}
	doneCh    chan struct{}

	// State below is owned exclusively by Run; never touched elsewhere.
	currentRound  types.Round
	lastProposed  types.BlockRef
	lastProposeMs uint64
	byRound       map[types.Round]map[types.AuthorityIndex]*types.Block
	pendingVotes  []types.CommitRef

	timeoutRound  types.Round
	timeoutActive bool
	timeoutFired  bool
	timer         *time.Timer
}

// New constructs a Core for ownIndex. It seeds round 0 with every
// authority's deterministic genesis block, per spec: "round 0 contains
// one genesis block per authority, by convention."
func New(ownIndex types.AuthorityIndex, deps Deps) (*Core, error) {
	if deps.Logger == nil {
		deps.Logger = log.NoOp()
	}
	if deps.Clock == nil {
		deps.Clock = mockable.NewClock()
	}
	if deps.Metrics == nil {
		deps.Metrics, _ = metrics.NewConsensusMetrics(nil)
	}
	c := &Core{
		committee:     deps.Committee,
		store:         deps.Store,
		signer:        deps.Signer,
		txSource:      deps.TxSource,
		txVerifier:    deps.TxVerifier,
		params:        deps.Params,
		log:           deps.Logger,
		clock:         deps.Clock,
		metrics:       deps.Metrics,
		ownIndex:      ownIndex,
		acceptedCh:    make(chan *types.Block, 1024),
		commitVotesCh: make(chan []types.CommitRef, 64),
		timeoutCh:     make(chan types.Round, 4),
		produced:      make(chan *types.Block, 8),
		fatal:         make(chan error, 1),
		closeCh:       make(chan struct{}),
		doneCh:        make(chan struct{}),
		currentRound:  1,
		byRound:       make(map[types.Round]map[types.AuthorityIndex]*types.Block),
	}
	for _, a := range deps.Committee.Authorities() {
		genesis := types.GenesisBlock(a.Index)
		digest, err := xcodec.Digest(genesis)
		if err != nil {
			return nil, fmt.Errorf("core: digesting genesis for authority %d: %w", a.Index, err)
		}
		genesis.SetDigest(digest)
		c.indexAccepted(genesis)
	}
	return c, nil
}

// Produced emits every block this authority proposes, in round order,
// for Dissemination to push.
func (c *Core) Produced() <-chan *types.Block { return c.produced }

// Fatal emits unrecoverable errors (store corruption, signing failure);
// the embedding process should observe it and terminate, per the
// library-must-never-os.Exit policy.
func (c *Core) Fatal() <-chan error { return c.fatal }

// OnBlockAccepted notifies Core that Dissemination has durably inserted
// block into the store. Core updates its round accounting and may
// produce a new block as a result.
func (c *Core) OnBlockAccepted(block *types.Block) error {
	select {
	case c.acceptedCh <- block:
		return nil
	case <-c.closeCh:
		return types.ErrShuttingDown
	}
}

// NotifyCommitVotes attaches refs to the next proposed block's
// CommitVotes, accelerating peer catch-up (spec §4.2.4).
func (c *Core) NotifyCommitVotes(refs []types.CommitRef) error {
	select {
	case c.commitVotesCh <- refs:
		return nil
	case <-c.closeCh:
		return types.ErrShuttingDown
	}
}

// Shutdown signals Run to drain and halt, and blocks until it has.
func (c *Core) Shutdown() {
	c.closeOnce.Do(func() { close(c.closeCh) })
	<-c.doneCh
}

// Run is the single-writer event loop. It returns when ctx is
// cancelled or Shutdown is called.
func (c *Core) Run(ctx context.Context) {
	defer close(c.doneCh)
	defer c.stopTimer()

	c.tryPropose()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closeCh:
			return
		case block := <-c.acceptedCh:
			c.onBlockAccepted(block)
			c.tryPropose()
		case votes := <-c.commitVotesCh:
			c.pendingVotes = append(c.pendingVotes, votes...)
		case r := <-c.timeoutCh:
			if c.timeoutActive && r == c.timeoutRound {
				c.timeoutFired = true
				c.tryPropose()
			}
		}
	}
}

func (c *Core) onBlockAccepted(block *types.Block) {
	c.indexAccepted(block)
	if c.timeoutActive && block.Round == c.timeoutRound {
		leader := committee.Leader(c.committee, block.Round, c.params.ReputationFunc())
		if block.Author == leader {
			c.stopTimer()
		}
	}
}

// indexAccepted records block in the local round/author index, first
// writer wins: equivocating second blocks are ignored for stake
// accounting, matching spec §4.3's equivocation handling (the fault
// itself was already reported to the caller by store.Insert).
func (c *Core) indexAccepted(block *types.Block) {
	authors := c.byRound[block.Round]
	if authors == nil {
		authors = make(map[types.AuthorityIndex]*types.Block)
		c.byRound[block.Round] = authors
	}
	if existing, ok := authors[block.Author]; ok {
		if existing.Digest() != block.Digest() {
			c.log.Debug("ignoring equivocating block for stake accounting",
				"round", uint64(block.Round), "author", uint32(block.Author))
		}
		return
	}
	authors[block.Author] = block
}

// GC drops round-indexed state below belowRound, bounding Core's
// memory to the store's own retention window.
func (c *Core) GC(belowRound types.Round) {
	for r := range c.byRound {
		if r < belowRound {
			delete(c.byRound, r)
		}
	}
}

// tryPropose implements the threshold clock (spec §4.3): propose at
// currentRound once a quorum of currentRound-1 is observed and, for an
// even currentRound-1, either the leader has arrived or its timeout
// fired.
func (c *Core) tryPropose() {
	prevRound := c.currentRound - 1
	if c.stakeAt(prevRound) < c.committee.QuorumThreshold() {
		return
	}
	if prevRound.IsLeaderRound() {
		leader := committee.Leader(c.committee, prevRound, c.params.ReputationFunc())
		if _, ok := c.blockAt(prevRound, leader); !ok {
			if !c.timeoutActive {
				c.startTimeout(prevRound)
			}
			if !c.timeoutFired {
				return
			}
		} else {
			c.stopTimer()
		}
	}
	c.propose(prevRound)
}

func (c *Core) stakeAt(r types.Round) uint64 {
	authors := c.byRound[r]
	indices := make([]types.AuthorityIndex, 0, len(authors))
	for a := range authors {
		indices = append(indices, a)
	}
	return c.committee.StakeOfSet(indices)
}

func (c *Core) blockAt(r types.Round, author types.AuthorityIndex) (*types.Block, bool) {
	b, ok := c.byRound[r][author]
	return b, ok
}

func (c *Core) startTimeout(r types.Round) {
	c.stopTimer()
	c.timeoutRound = r
	c.timeoutActive = true
	c.timeoutFired = false
	c.timer = time.AfterFunc(c.params.LeaderTimeout(), func() {
		select {
		case c.timeoutCh <- r:
		case <-c.closeCh:
		}
	})
}

func (c *Core) stopTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.timeoutActive = false
	c.timeoutFired = false
}

// propose produces and stores this authority's block for round
// prevRound+1, the algorithm of spec §4.3 steps 1-7.
func (c *Core) propose(prevRound types.Round) {
	round := prevRound + 1
	ancestors, ancestorBlocks := c.selectAncestors(prevRound)
	rejected := c.computeRejections(ancestorBlocks)
	txs := c.txSource.Drain(int(c.params.MaxBlockBytes))
	votes := c.pendingVotes
	c.pendingVotes = nil

	block := &types.Block{
		Round:                round,
		Author:               c.ownIndex,
		TimestampMs:          c.timestampFor(ancestorBlocks),
		Ancestors:            ancestors,
		Transactions:         txs,
		RejectedTransactions: rejected,
		CommitVotes:          votes,
	}

	digest, err := xcodec.Digest(block)
	if err != nil {
		c.reportFatal(fmt.Errorf("core: digesting proposed block: %w", err))
		return
	}
	block.SetDigest(digest)

	sig, err := c.signer.Sign(digest[:])
	if err != nil {
		c.reportFatal(fmt.Errorf("core: signing proposed block: %w", err))
		return
	}
	block.Signature = sig

	if err := c.store.Insert(block); err != nil {
		c.reportFatal(fmt.Errorf("core: storing proposed block: %w", err))
		return
	}

	c.indexAccepted(block)
	c.lastProposed = block.Ref()
	c.currentRound = round + 1
	c.stopTimer()

	// Feed this block back through Run so the threshold clock is checked
	// again: when it completes a quorum at round (always, for a lone
	// authority), no other event would retrigger tryPropose.
	select {
	case c.acceptedCh <- block:
	default:
	}

	c.metrics.BlocksProposed.Inc()
	if c.lastProposeMs != 0 {
		c.metrics.RoundLatency.Observe(float64(block.TimestampMs - c.lastProposeMs))
	}
	c.lastProposeMs = block.TimestampMs

	c.log.Debug("proposed block", "round", uint64(round), "author", uint32(c.ownIndex),
		"ancestors", len(ancestors), "transactions", len(txs))

	select {
	case c.produced <- block:
	case <-c.closeCh:
	}
}

// selectAncestors returns, in author-ascending order, one BlockRef per
// authority known at prevRound, always including the local authority's
// own block when present. The caller has already verified this set's
// stake meets quorum.
func (c *Core) selectAncestors(prevRound types.Round) ([]types.BlockRef, []*types.Block) {
	authors := c.byRound[prevRound]
	refs := make([]types.BlockRef, 0, len(authors))
	blocks := make([]*types.Block, 0, len(authors))
	for i := 0; i < c.committee.Size(); i++ {
		idx := types.AuthorityIndex(i)
		if b, ok := authors[idx]; ok {
			refs = append(refs, b.Ref())
			blocks = append(blocks, b)
		}
	}
	return refs, blocks
}

// computeRejections consults txVerifier for every transaction in every
// ancestor block, producing one sorted, deduplicated RejectedSet per
// ancestor in the same order (spec §4.3 step 3).
func (c *Core) computeRejections(ancestors []*types.Block) []types.RejectedSet {
	out := make([]types.RejectedSet, len(ancestors))
	for i, ancestor := range ancestors {
		var rejected types.RejectedSet
		for idx, tx := range ancestor.Transactions {
			if err := c.txVerifier.Verify(tx); err != nil {
				rejected = append(rejected, types.TransactionIndex(idx))
				c.metrics.RejectedTxs.Inc()
			}
		}
		out[i] = rejected
	}
	return out
}

// timestampFor returns max(now_ms, max(ancestor.timestamp_ms)+1), the
// monotonicity rule of spec §4.3 step 6.
func (c *Core) timestampFor(ancestors []*types.Block) uint64 {
	now := uint64(c.clock.Now().UnixMilli())
	var maxAncestor uint64
	for _, a := range ancestors {
		if a.TimestampMs > maxAncestor {
			maxAncestor = a.TimestampMs
		}
	}
	if maxAncestor+1 > now {
		return maxAncestor + 1
	}
	return now
}

func (c *Core) reportFatal(err error) {
	c.log.Debug("fatal core error", "error", err.Error())
	select {
	case c.fatal <- err:
	default:
	}
}
