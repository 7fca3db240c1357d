// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package committer implements the commit rule: it watches accepted
// blocks for direct and indirect leader decisions and emits an
// ever-growing, contiguous sequence of flattened sub-DAGs. Like core,
// it is a single-writer component — every decision happens inside Run,
// fed only by a stream of accepted blocks, generalizing the corpus's
// protocol/nova "Topological" one-goroutine-owns-state idiom to the
// leader-decision state this protocol needs instead of sampling
// preference counters.
package committer

import (
	"context"
	"fmt"
	"sync"

	"github.com/luxfi/ids"

	"github.com/luxfi/corona/committee"
	"github.com/luxfi/corona/config"
	"github.com/luxfi/corona/log"
	"github.com/luxfi/corona/metrics"
	"github.com/luxfi/corona/store"
	"github.com/luxfi/corona/subdag"
	"github.com/luxfi/corona/types"
	"github.com/luxfi/corona/utils/bag"
)

// decision is the outcome of applying the direct or indirect rule to
// one leader slot.
type decision int

const (
	undecided decision = iota
	committed
	skipped
)

// Deps bundles Committer's external collaborators.
type Deps struct {
	Committee *committee.Committee
	Store     store.Store
	Params    config.Parameters
	Logger    log.Logger

	// Metrics receives per-authority consensus counters. Defaults to an
	// unregistered ConsensusMetrics instance if nil.
	Metrics *metrics.ConsensusMetrics
}

// Committer owns leader-decision state and emits committed sub-DAGs in
// commit-index order. The zero value is not valid; use New.
type Committer struct {
	committee *committee.Committee
	store     store.Store
	params    config.Parameters
	log       log.Logger
	metrics   *metrics.ConsensusMetrics

	acceptedCh chan *types.Block
	output     chan *types.CommittedSubDag
	fatal      chan error
	closeCh    chan struct{}
	doneCh     chan struct{}
	closeOnce  sync.Once

	// State below is owned exclusively by Run; never touched elsewhere.
	byRound            map[types.Round]map[types.AuthorityIndex]*types.Block
	lastCommittedRound types.Round
	lastCommittedIndex uint64
	lastLeaderDigest   ids.ID
	lastTimestampMs    uint64
}

// New constructs a Committer, resuming its watermark from store if one
// was persisted by a prior run (§8's replay law).
func New(deps Deps) (*Committer, error) {
	if deps.Logger == nil {
		deps.Logger = log.NoOp()
	}
	if deps.Metrics == nil {
		deps.Metrics, _ = metrics.NewConsensusMetrics(nil)
	}
	c := &Committer{
		committee:  deps.Committee,
		store:      deps.Store,
		params:     deps.Params,
		log:        deps.Logger,
		metrics:    deps.Metrics,
		acceptedCh: make(chan *types.Block, 1024),
		output:     make(chan *types.CommittedSubDag, deps.Params.CommitOutputBuffer),
		fatal:      make(chan error, 1),
		closeCh:    make(chan struct{}),
		doneCh:     make(chan struct{}),
		byRound:    make(map[types.Round]map[types.AuthorityIndex]*types.Block),
	}
	state, ok, err := deps.Store.LoadCommitState()
	if err != nil {
		return nil, fmt.Errorf("committer: loading persisted commit state: %w", err)
	}
	if ok {
		c.lastCommittedRound = state.LastCommittedRound
		c.lastCommittedIndex = state.LastCommittedIndex
		c.lastLeaderDigest = state.LastCommittedLeaderDigest
	}
	return c, nil
}

// Output emits committed sub-DAGs in commit-index order. Sends block:
// the committer deliberately applies backpressure from a slow
// consumer back through to the commit rule, per spec §5's intentional
// output-bounded flow control.
func (c *Committer) Output() <-chan *types.CommittedSubDag { return c.output }

// Fatal emits unrecoverable errors (store corruption, missing
// ancestors for an already-quorum-certified leader).
func (c *Committer) Fatal() <-chan error { return c.fatal }

// OnBlockAccepted notifies Committer of a newly accepted block.
func (c *Committer) OnBlockAccepted(block *types.Block) error {
	select {
	case c.acceptedCh <- block:
		return nil
	case <-c.closeCh:
		return types.ErrShuttingDown
	}
}

// Shutdown signals Run to drain and halt, and blocks until it has.
func (c *Committer) Shutdown() {
	c.closeOnce.Do(func() { close(c.closeCh) })
	<-c.doneCh
}

// Run is the single-writer event loop. It returns when ctx is
// cancelled or Shutdown is called.
func (c *Committer) Run(ctx context.Context) {
	defer close(c.doneCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closeCh:
			return
		case block := <-c.acceptedCh:
			c.index(block)
			c.tryCommit()
		}
	}
}

func (c *Committer) index(block *types.Block) {
	authors := c.byRound[block.Round]
	if authors == nil {
		authors = make(map[types.AuthorityIndex]*types.Block)
		c.byRound[block.Round] = authors
	}
	if _, ok := authors[block.Author]; ok {
		return // first writer wins; equivocation already reported by store.Insert
	}
	authors[block.Author] = block
}

// GC drops round-indexed state below belowRound, bounding Committer's
// memory to the store's own retention window.
func (c *Committer) GC(belowRound types.Round) {
	for r := range c.byRound {
		if r < belowRound {
			delete(c.byRound, r)
		}
	}
}

func (c *Committer) leaderBlockAt(r types.Round) (*types.Block, bool) {
	leader := committee.Leader(c.committee, r, c.params.ReputationFunc())
	b, ok := c.byRound[r][leader]
	return b, ok
}

// blockSupports reports whether b's ancestors include leaderRef,
// i.e. b is a round-(leaderRef.Round+1) vote for that leader.
func blockSupports(b *types.Block, leaderRef types.BlockRef) bool {
	for _, a := range b.Ancestors {
		if a.Digest == leaderRef.Digest {
			return true
		}
	}
	return false
}

// decide applies the direct rule of spec §4.4 to the leader slot at
// round r: a round-(r+1) block supports ℓ(r) iff ℓ(r) is among its
// ancestors. supportVotes is a debug aid alongside the real stake sums:
// it records the leader's digest once per supporting voter. A voter
// that references any other block at round r (a stale or equivocating
// leader digest included) only adds to againstStake and never enters
// the bag.
func (c *Committer) decide(r types.Round) decision {
	leaderBlock, haveLeader := c.leaderBlockAt(r)
	voters := c.byRound[r+1]

	supportVotes := bag.New[ids.ID]()
	var supportStake, againstStake uint64
	for author, b := range voters {
		stake := c.committee.Authority(author).Stake
		if haveLeader && blockSupports(b, leaderBlock.Ref()) {
			supportVotes.Add(leaderBlock.Digest())
			supportStake += stake
		} else {
			againstStake += stake
		}
	}

	q := c.committee.QuorumThreshold()
	switch {
	case haveLeader && supportStake >= q:
		c.log.Debug("direct commit", "round", uint64(r), "support_votes", supportVotes.Len())
		return committed
	case againstStake >= q:
		return skipped
	default:
		return undecided
	}
}

// pathExists reports whether to is reachable from from via ancestor
// edges, bounded below by to.Round (the DAG is round-monotone: no
// ancestor edge points to an equal-or-higher round, so the walk cannot
// loop and need never visit below to.Round).
func (c *Committer) pathExists(from types.BlockRef, to types.BlockRef) bool {
	if from.Digest == to.Digest {
		return true
	}
	if from.Round <= to.Round {
		return false
	}
	block, ok := c.byRound[from.Round][from.Author]
	if !ok || block.Digest() != from.Digest {
		return false
	}
	for _, ancestor := range block.Ancestors {
		if ancestor.Round < to.Round {
			continue
		}
		if c.pathExists(ancestor, to) {
			return true
		}
	}
	return false
}

// indirectDecide applies the indirect rule: ℓ(r) commits iff some
// later committed leader's block can reach it through ancestor edges.
func (c *Committer) indirectDecide(r types.Round, laterLeader *types.Block) decision {
	leaderBlock, ok := c.leaderBlockAt(r)
	if !ok {
		return skipped
	}
	if c.pathExists(laterLeader.Ref(), leaderBlock.Ref()) {
		return committed
	}
	return skipped
}

// tryCommit is the main decide/skip/commit-chain loop of spec §4.4: it
// scans leader slots above lastCommittedRound looking for the first
// direct decision, then walks the chain back to lastCommittedRound and
// emits every committed slot found along the way, in round order.
func (c *Committer) tryCommit() {
	for {
		rNew, leaderNew, ok := c.findDirectCommit()
		if !ok {
			return
		}
		c.commitChainFrom(rNew, leaderNew)
	}
}

// findDirectCommit scans leader slots above lastCommittedRound for the
// first one the direct rule decides as committed. It does not stop at
// an undecided slot: an undecided slot r is exactly what the indirect
// rule (applied by commitChainFrom once a later r_new is found) is for,
// so scanning must keep looking past it.
func (c *Committer) findDirectCommit() (types.Round, *types.Block, bool) {
	for r := c.lastCommittedRound + 2; r <= c.highestEvenRound(); r += 2 {
		if c.decide(r) == committed {
			leaderBlock, _ := c.leaderBlockAt(r)
			return r, leaderBlock, true
		}
	}
	return 0, nil, false
}

func (c *Committer) highestEvenRound() types.Round {
	var max types.Round
	for r := range c.byRound {
		if r > max {
			max = r
		}
	}
	if max%2 != 0 {
		max--
	}
	return max
}

// commitChainFrom walks back from a freshly direct-committed leader at
// rNew through every leader slot down to lastCommittedRound+2, applying
// the indirect rule, then emits every committed slot in ascending round
// order (spec §4.4's commit procedure steps 1-3).
func (c *Committer) commitChainFrom(rNew types.Round, leaderNew *types.Block) {
	type slot struct {
		round types.Round
		block *types.Block
	}
	var chain []slot
	chain = append(chain, slot{rNew, leaderNew})

	for r := rNew - 2; r > c.lastCommittedRound; r -= 2 {
		if c.indirectDecide(r, leaderNew) == committed {
			leaderBlock, _ := c.leaderBlockAt(r)
			chain = append(chain, slot{r, leaderBlock})
		}
	}

	// Each slot's Flatten must only see blocks not already carried by an
	// earlier slot in this same chain, so the floor advances as each one
	// emits rather than staying pinned to the round committed before
	// this chain began.
	boundary := c.lastCommittedRound
	for i := len(chain) - 1; i >= 0; i-- {
		c.emit(chain[i].round, chain[i].block, boundary)
		boundary = chain[i].round
	}
	c.lastCommittedRound = rNew
}

// emit flattens leaderBlock's sub-DAG and durably persists the new
// watermark before handing the result to the consumer, per §4.4 step 3
// and §8's restart-idempotence requirement.
func (c *Committer) emit(round types.Round, leaderBlock *types.Block, boundaryRound types.Round) {
	sub, err := subdag.Flatten(
		c.store, c.committee, c.params.RejectionStake(),
		leaderBlock, c.lastCommittedIndex+1,
		boundaryRound, c.gcRound(), c.lastTimestampMs,
	)
	if err != nil {
		c.reportFatal(fmt.Errorf("committer: flattening leader at round %d: %w", round, err))
		return
	}

	c.lastCommittedIndex = sub.CommitIndex
	c.lastLeaderDigest = leaderBlock.Digest()
	c.lastTimestampMs = sub.TimestampMs

	if err := c.store.SaveCommitState(store.CommitState{
		LastCommittedRound:        round,
		LastCommittedIndex:        c.lastCommittedIndex,
		LastCommittedLeaderDigest: c.lastLeaderDigest,
	}); err != nil {
		c.reportFatal(fmt.Errorf("committer: persisting commit state at round %d: %w", round, err))
		return
	}

	c.log.Debug("committed leader", "round", uint64(round), "author", uint32(leaderBlock.Author),
		"commit_index", c.lastCommittedIndex, "blocks", len(sub.Blocks))
	c.metrics.BlocksCommitted.Add(float64(len(sub.Blocks)))

	select {
	case c.output <- sub:
	case <-c.closeCh:
	}
}

func (c *Committer) gcRound() types.Round {
	if c.lastCommittedRound < types.Round(c.params.GCDepthRounds) {
		return 0
	}
	return c.lastCommittedRound - types.Round(c.params.GCDepthRounds)
}

func (c *Committer) reportFatal(err error) {
	c.log.Debug("fatal committer error", "error", err.Error())
	select {
	case c.fatal <- err:
	default:
	}
}
