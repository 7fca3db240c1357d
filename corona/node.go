// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package corona wires Core, Committer, Dissemination and a
// transaction pool into one running authority, the way
// engine/bft/wrapper.go wraps Simplex BFT behind a small Start/Stop/
// HealthCheck surface. Node owns no consensus state itself; it only
// forwards events between its four single-writer components and
// aggregates their fatal-error signals.
package corona

import (
	"context"
	"fmt"
	"sync"

	"github.com/luxfi/ids"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/luxfi/corona/choices"
	"github.com/luxfi/corona/committer"
	"github.com/luxfi/corona/config"
	"github.com/luxfi/corona/core"
	"github.com/luxfi/corona/dissemination"
	"github.com/luxfi/corona/log"
	"github.com/luxfi/corona/metrics"
	"github.com/luxfi/corona/store"
	"github.com/luxfi/corona/txpool"
	"github.com/luxfi/corona/types"
	"github.com/luxfi/corona/utils/mockable"
	"github.com/luxfi/corona/utils/wrappers"
	"github.com/luxfi/corona/xcrypto"
)

// Deps bundles Node's external collaborators.
type Deps struct {
	Params config.Parameters
	Store  store.Store
	Sender dissemination.Sender

	// Peers is every other authority's current network address.
	Peers []ids.NodeID

	// TxVerifier validates submitted transactions and, reused, decides
	// whether to reject a transaction already included in an ancestor
	// block. Defaults to txpool.NoopVerifier.
	TxVerifier txpool.Verifier

	// Registerer exports consensus counters (blocks proposed/accepted/
	// committed, pull retries, rejected transactions) to Prometheus. A
	// nil Registerer still gets working, merely unexported, counters.
	Registerer prometheus.Registerer

	Logger log.Logger
	Clock  *mockable.Clock
}

// Node runs one authority: Core's round state machine, Committer's
// commit rule, Dissemination's push/pull/catch-up machinery, and the
// client-facing transaction pool, all forwarding into each other over
// their own channels.
type Node struct {
	core      *core.Core
	committer *committer.Committer
	dissem    *dissemination.Dissemination
	pool      *txpool.Pool
	store     store.Store
	params    config.Parameters
	log       log.Logger

	committed chan *types.CommittedSubDag
	fatal     chan error

	wg        sync.WaitGroup
	closeOnce sync.Once
	closeCh   chan struct{}
}

// New validates deps.Params and constructs every subcomponent. It does
// not start any goroutine; call Start to run the node.
func New(deps Deps) (*Node, error) {
	if err := deps.Params.Valid(); err != nil {
		return nil, fmt.Errorf("corona: invalid configuration: %w", err)
	}
	if deps.Logger == nil {
		deps.Logger = log.NoOp()
	}
	if deps.TxVerifier == nil {
		deps.TxVerifier = txpool.NoopVerifier{}
	}

	signer := xcrypto.NewBLSSigner(deps.Params.OwnKeypair)
	pool := txpool.New(deps.TxVerifier, deps.Params.TransactionSubmitBuffer, deps.Logger)

	consensusMetrics, err := metrics.NewConsensusMetrics(deps.Registerer)
	if err != nil {
		return nil, fmt.Errorf("corona: registering consensus metrics: %w", err)
	}

	coreC, err := core.New(deps.Params.OwnIndex.Index, core.Deps{
		Committee:  deps.Params.Committee,
		Store:      deps.Store,
		Signer:     signer,
		TxSource:   pool,
		TxVerifier: deps.TxVerifier,
		Params:     deps.Params,
		Logger:     deps.Logger,
		Clock:      deps.Clock,
		Metrics:    consensusMetrics,
	})
	if err != nil {
		return nil, fmt.Errorf("corona: constructing core: %w", err)
	}

	committerC, err := committer.New(committer.Deps{
		Committee: deps.Params.Committee,
		Store:     deps.Store,
		Params:    deps.Params,
		Logger:    deps.Logger,
		Metrics:   consensusMetrics,
	})
	if err != nil {
		return nil, fmt.Errorf("corona: constructing committer: %w", err)
	}

	dissem, err := dissemination.New(deps.Params.OwnIndex.Index, dissemination.Deps{
		Committee: deps.Params.Committee,
		Store:     deps.Store,
		Verifier:  xcrypto.BLSVerifier{},
		Sender:    deps.Sender,
		Params:    deps.Params,
		Logger:    deps.Logger,
		Clock:     deps.Clock,
		Peers:     deps.Peers,
		Metrics:   consensusMetrics,
	})
	if err != nil {
		return nil, fmt.Errorf("corona: constructing dissemination: %w", err)
	}

	return &Node{
		core:      coreC,
		committer: committerC,
		dissem:    dissem,
		pool:      pool,
		store:     deps.Store,
		params:    deps.Params,
		log:       deps.Logger,
		committed: make(chan *types.CommittedSubDag, deps.Params.CommitOutputBuffer),
		fatal:     make(chan error, 1),
		closeCh:   make(chan struct{}),
	}, nil
}

// Committed emits committed sub-DAGs in strictly increasing
// commit-index order. A slow reader applies backpressure all the way
// back through Committer into the commit rule itself (spec §5).
func (n *Node) Committed() <-chan *types.CommittedSubDag { return n.committed }

// Fatal emits unrecoverable errors surfaced by any subcomponent, or by
// Node's own forwarding goroutines.
func (n *Node) Fatal() <-chan error { return n.fatal }

// Submit hands tx to the local transaction pool. See txpool.Pool.Submit.
func (n *Node) Submit(tx []byte) (<-chan txpool.InclusionHandle, error) {
	return n.pool.Submit(tx)
}

// BlockStatus reports whether digest names a durably accepted block.
// See store.Store.StatusOf.
func (n *Node) BlockStatus(digest ids.ID) choices.Status {
	return n.store.StatusOf(digest)
}

// OnBlockReceived delivers an inbound BroadcastBlock message to Dissemination.
func (n *Node) OnBlockReceived(peer ids.NodeID, block *types.Block) error {
	return n.dissem.OnBlockReceived(peer, block)
}

// OnFetchBlocksRequest delivers an inbound FetchBlocks request to Dissemination.
func (n *Node) OnFetchBlocksRequest(req dissemination.FetchBlocksRequest) error {
	return n.dissem.OnFetchBlocksRequest(req)
}

// OnFetchBlocksReply delivers an inbound FetchBlocksReply message to Dissemination.
func (n *Node) OnFetchBlocksReply(reply dissemination.FetchBlocksReply) error {
	return n.dissem.OnFetchBlocksReply(reply)
}

// OnFetchLatestRequest delivers an inbound FetchLatest request to Dissemination.
func (n *Node) OnFetchLatestRequest(req dissemination.FetchLatestRequest) error {
	return n.dissem.OnFetchLatestRequest(req)
}

// OnFetchLatestReply delivers an inbound FetchLatestReply message to Dissemination.
func (n *Node) OnFetchLatestReply(reply dissemination.FetchLatestReply) error {
	return n.dissem.OnFetchLatestReply(reply)
}

// OnCommitVoteGossip delivers an inbound CommitVoteGossip message to Dissemination.
func (n *Node) OnCommitVoteGossip(msg dissemination.CommitVoteGossip) error {
	return n.dissem.OnCommitVoteGossip(msg)
}

// Start launches every subcomponent's event loop plus the forwarding
// goroutines that wire them together. It returns once everything is
// running; it does not block.
func (n *Node) Start(ctx context.Context) error {
	n.wg.Add(3)
	go func() { defer n.wg.Done(); n.core.Run(ctx) }()
	go func() { defer n.wg.Done(); n.committer.Run(ctx) }()
	go func() { defer n.wg.Done(); n.dissem.Run(ctx) }()

	n.wg.Add(4)
	go n.forwardAccepted(ctx)
	go n.forwardProduced(ctx)
	go n.forwardCommitted(ctx)
	go n.forwardFatal(ctx)

	return nil
}

// forwardAccepted fans Dissemination's durably-inserted blocks out to
// Core and Committer, and replays any commit-vote endorsements an
// inbound block carried back through Dissemination's own catch-up
// machinery (spec §4.2.4: Block.CommitVotes "accelerates peer
// catch-up" the same way a standalone CommitVoteGossip message does).
func (n *Node) forwardAccepted(ctx context.Context) {
	defer n.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.closeCh:
			return
		case block, ok := <-n.dissem.Accepted():
			if !ok {
				return
			}
			if err := n.core.OnBlockAccepted(block); err != nil {
				return
			}
			if err := n.committer.OnBlockAccepted(block); err != nil {
				return
			}
			if len(block.CommitVotes) > 0 {
				_ = n.dissem.OnCommitVoteGossip(dissemination.CommitVoteGossip{Votes: block.CommitVotes})
			}
		}
	}
}

// forwardProduced fans Core's newly produced blocks out to
// Dissemination (to push to peers), the pool (to resolve pending
// Submit futures) and Committer. Core indexes its own produced block
// directly inside propose, so it needs no loop-back here, but
// Committer only ever learns about blocks through OnBlockAccepted and
// otherwise would never see this authority's own blocks, since they
// are stored directly by Core rather than by Dissemination's insert
// path that normally feeds Committer.
func (n *Node) forwardProduced(ctx context.Context) {
	defer n.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.closeCh:
			return
		case block, ok := <-n.core.Produced():
			if !ok {
				return
			}
			n.pool.OnBlockProduced(block)
			if err := n.committer.OnBlockAccepted(block); err != nil {
				return
			}
			if err := n.dissem.OnLocalBlockProduced(block); err != nil {
				return
			}
		}
	}
}

// forwardCommitted is the sole reader of Committer.Output(); it
// re-publishes every committed sub-DAG on Node.Committed() and
// endorses the leader back into Core so this authority's own future
// blocks gossip it for peer catch-up. Being the only reader keeps the
// backpressure coupling the commit rule depends on intact: Node.
// Committed's consumer stalling stalls this goroutine, which stalls
// Committer itself.
func (n *Node) forwardCommitted(ctx context.Context) {
	defer n.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.closeCh:
			return
		case sub, ok := <-n.committer.Output():
			if !ok {
				return
			}
			leaderVote := types.CommitRef{Round: sub.Leader.Round, Author: sub.Leader.Author, Digest: sub.Leader.Digest}
			if err := n.core.NotifyCommitVotes([]types.CommitRef{leaderVote}); err != nil {
				return
			}
			n.gc(sub.Leader.Round)
			select {
			case n.committed <- sub:
			case <-ctx.Done():
				return
			case <-n.closeCh:
				return
			}
		}
	}
}

// gc evicts round-indexed state older than gc_depth_rounds behind the
// most recently committed leader, across every subcomponent that keeps
// its own round-keyed memory (spec §6: "Commits older than this are
// garbage-collected").
func (n *Node) gc(lastCommittedRound types.Round) {
	depth := types.Round(n.params.GCDepthRounds)
	var boundary types.Round
	if lastCommittedRound > depth {
		boundary = lastCommittedRound - depth
	}
	n.core.GC(boundary)
	n.committer.GC(boundary)
	n.dissem.GC(boundary)
	if err := n.store.GC(boundary); err != nil {
		n.reportFatal(fmt.Errorf("corona: store GC at round %d: %w", boundary, err))
	}
}

func (n *Node) reportFatal(err error) {
	select {
	case n.fatal <- err:
	default:
	}
}

// forwardFatal merges every subcomponent's Fatal channel onto Node's own.
func (n *Node) forwardFatal(ctx context.Context) {
	defer n.wg.Done()
	for {
		var err error
		select {
		case <-ctx.Done():
			return
		case <-n.closeCh:
			return
		case err = <-n.core.Fatal():
		case err = <-n.committer.Fatal():
		case err = <-n.dissem.Fatal():
		}
		select {
		case n.fatal <- err:
		default:
		}
	}
}

// Stop signals Core, Committer and Dissemination to shut down, waits
// for all of them (and Node's own forwarding goroutines) to exit, and
// closes the store. The subcomponents' Shutdown methods return no
// error, so the error returned (gathered with utils/wrappers.Errs) is
// the store's Close error.
func (n *Node) Stop(ctx context.Context) error {
	n.closeOnce.Do(func() { close(n.closeCh) })

	n.core.Shutdown()
	n.committer.Shutdown()
	n.dissem.Shutdown()
	n.wg.Wait()

	var errs wrappers.Errs
	errs.Add(n.store.Close())
	return errs.Err()
}

// HealthCheck reports a minimal liveness summary, matching the
// corpus's engine/bft.Engine.HealthCheck shape.
func (n *Node) HealthCheck(context.Context) (interface{}, error) {
	return map[string]interface{}{
		"component": "corona",
		"status":    "healthy",
	}, nil
}
