// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package dissemination implements spec.md §4.2: it pushes newly
// produced blocks to every peer, validates and stores inbound blocks
// (suspending those with missing ancestors and scheduling a pull to
// resolve them), and uses commit-vote gossip to accelerate catch-up
// for an authority that has fallen behind. Like core and committer, it
// is a single-writer component: every state mutation happens inside
// Run, generalizing the corpus's protocol/nova "Topological"
// one-goroutine-owns-state idiom — here to suspended-ancestor and
// pull-backoff bookkeeping instead of sampling preference counters.
// The request/reply message shapes and the one-method-per-message
// Sender boundary follow networking/sender.Sender and
// engine/dag/getter's Getter/Handler split, rewritten because those
// corpus files are themselves marked deprecated/stubbed.
package dissemination

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/luxfi/ids"

	"github.com/luxfi/corona/committee"
	"github.com/luxfi/corona/config"
	"github.com/luxfi/corona/log"
	"github.com/luxfi/corona/metrics"
	"github.com/luxfi/corona/store"
	"github.com/luxfi/corona/types"
	"github.com/luxfi/corona/utils/mockable"
	"github.com/luxfi/corona/utils/set"
	"github.com/luxfi/corona/xcrypto"
)

// Deps bundles Dissemination's external collaborators.
type Deps struct {
	Committee *committee.Committee
	Store     store.Store
	Verifier  xcrypto.Verifier
	Sender    Sender
	Params    config.Parameters
	Logger    log.Logger
	Clock     *mockable.Clock

	// Peers is every other authority's current network address,
	// excluding OwnNodeID. Dissemination does not discover peers
	// itself; that is an external collaborator's responsibility.
	Peers []ids.NodeID

	// Metrics receives per-authority consensus counters. Defaults to an
	// unregistered ConsensusMetrics instance if nil.
	Metrics *metrics.ConsensusMetrics
}

type receivedMsg struct {
	peer  ids.NodeID
	block *types.Block
}

type pullState struct {
	ref        types.BlockRef
	peerCursor int
	backoff    time.Duration
	timer      *time.Timer
}

type suspendedEntry struct {
	block   *types.Block
	missing set.Set[ids.ID]
}

// Dissemination owns push queues, suspended-ancestor bookkeeping, pull
// retry state and the peer benchlist. The zero value is not valid; use
// New.
type Dissemination struct {
	committee *committee.Committee
	store     store.Store
	verifier  xcrypto.Verifier
	sender    Sender
	params    config.Parameters
	log       log.Logger
	clock     *mockable.Clock
	peers     []ids.NodeID
	ownIndex  types.AuthorityIndex
	metrics   *metrics.ConsensusMetrics

	localProducedCh  chan *types.Block
	receivedCh       chan receivedMsg
	fetchBlocksReqCh chan FetchBlocksRequest
	fetchBlocksRepCh chan FetchBlocksReply
	fetchLatestReqCh chan FetchLatestRequest
	fetchLatestRepCh chan FetchLatestReply
	commitVoteCh     chan CommitVoteGossip
	pullTimeoutCh    chan ids.ID
	accepted         chan *types.Block
	fatal            chan error

	closeOnce sync.Once
	closeCh   chan struct{}
	doneCh    chan struct{}

	// State below is owned exclusively by Run; never touched elsewhere.
	pushQueues     map[ids.NodeID]*pushQueue
	suspended      map[ids.ID]*suspendedEntry
	waitingOn      map[ids.ID][]ids.ID
	pending        map[ids.ID]*pullState
	bench          *benchlist
	requestCounter uint32
}

// New constructs a Dissemination for ownIndex.
func New(ownIndex types.AuthorityIndex, deps Deps) (*Dissemination, error) {
	if deps.Logger == nil {
		deps.Logger = log.NoOp()
	}
	if deps.Clock == nil {
		deps.Clock = mockable.NewClock()
	}
	if deps.Metrics == nil {
		deps.Metrics, _ = metrics.NewConsensusMetrics(nil)
	}
	return &Dissemination{
		committee:        deps.Committee,
		store:            deps.Store,
		verifier:         deps.Verifier,
		sender:           deps.Sender,
		params:           deps.Params,
		log:              deps.Logger,
		clock:            deps.Clock,
		peers:            deps.Peers,
		ownIndex:         ownIndex,
		metrics:          deps.Metrics,
		localProducedCh:  make(chan *types.Block, 64),
		receivedCh:       make(chan receivedMsg, 1024),
		fetchBlocksReqCh: make(chan FetchBlocksRequest, 64),
		fetchBlocksRepCh: make(chan FetchBlocksReply, 64),
		fetchLatestReqCh: make(chan FetchLatestRequest, 16),
		fetchLatestRepCh: make(chan FetchLatestReply, 16),
		commitVoteCh:     make(chan CommitVoteGossip, 64),
		pullTimeoutCh:    make(chan ids.ID, 256),
		accepted:         make(chan *types.Block, 1024),
		fatal:            make(chan error, 1),
		closeCh:          make(chan struct{}),
		doneCh:           make(chan struct{}),
		pushQueues:       make(map[ids.NodeID]*pushQueue),
		suspended:        make(map[ids.ID]*suspendedEntry),
		waitingOn:        make(map[ids.ID][]ids.ID),
		pending:          make(map[ids.ID]*pullState),
		bench:            newBenchlist(),
	}, nil
}

// Accepted emits every block durably inserted as a result of inbound
// traffic, for Core and Committer to observe.
func (d *Dissemination) Accepted() <-chan *types.Block { return d.accepted }

// Fatal emits unrecoverable errors (store corruption).
func (d *Dissemination) Fatal() <-chan error { return d.fatal }

// OnLocalBlockProduced notifies Dissemination that Core produced and
// stored a new block; it is pushed to every peer (spec §4.2.1).
func (d *Dissemination) OnLocalBlockProduced(block *types.Block) error {
	select {
	case d.localProducedCh <- block:
		return nil
	case <-d.closeCh:
		return types.ErrShuttingDown
	}
}

// OnBlockReceived delivers an inbound BroadcastBlock message.
func (d *Dissemination) OnBlockReceived(peer ids.NodeID, block *types.Block) error {
	select {
	case d.receivedCh <- receivedMsg{peer: peer, block: block}:
		return nil
	case <-d.closeCh:
		return types.ErrShuttingDown
	}
}

// OnFetchBlocksRequest delivers an inbound FetchBlocks request.
func (d *Dissemination) OnFetchBlocksRequest(req FetchBlocksRequest) error {
	select {
	case d.fetchBlocksReqCh <- req:
		return nil
	case <-d.closeCh:
		return types.ErrShuttingDown
	}
}

// OnFetchBlocksReply delivers an inbound FetchBlocksReply message.
func (d *Dissemination) OnFetchBlocksReply(reply FetchBlocksReply) error {
	select {
	case d.fetchBlocksRepCh <- reply:
		return nil
	case <-d.closeCh:
		return types.ErrShuttingDown
	}
}

// OnFetchLatestRequest delivers an inbound FetchLatest request.
func (d *Dissemination) OnFetchLatestRequest(req FetchLatestRequest) error {
	select {
	case d.fetchLatestReqCh <- req:
		return nil
	case <-d.closeCh:
		return types.ErrShuttingDown
	}
}

// OnFetchLatestReply delivers an inbound FetchLatestReply message.
func (d *Dissemination) OnFetchLatestReply(reply FetchLatestReply) error {
	select {
	case d.fetchLatestRepCh <- reply:
		return nil
	case <-d.closeCh:
		return types.ErrShuttingDown
	}
}

// OnCommitVoteGossip delivers an inbound CommitVoteGossip message.
func (d *Dissemination) OnCommitVoteGossip(msg CommitVoteGossip) error {
	select {
	case d.commitVoteCh <- msg:
		return nil
	case <-d.closeCh:
		return types.ErrShuttingDown
	}
}

// Shutdown signals Run to drain and halt, and blocks until it has.
func (d *Dissemination) Shutdown() {
	d.closeOnce.Do(func() { close(d.closeCh) })
	<-d.doneCh
}

// Run is the single-writer event loop. It returns when ctx is
// cancelled or Shutdown is called.
func (d *Dissemination) Run(ctx context.Context) {
	defer close(d.doneCh)
	defer d.stopAllTimers()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.closeCh:
			return
		case block := <-d.localProducedCh:
			d.handleLocalProduced(block)
		case msg := <-d.receivedCh:
			d.handleReceived(msg.peer, msg.block)
		case req := <-d.fetchBlocksReqCh:
			d.handleFetchBlocksRequest(req)
		case reply := <-d.fetchBlocksRepCh:
			d.handleFetchBlocksReply(reply)
		case req := <-d.fetchLatestReqCh:
			d.handleFetchLatestRequest(req)
		case reply := <-d.fetchLatestRepCh:
			d.handleFetchLatestReply(reply)
		case msg := <-d.commitVoteCh:
			d.handleCommitVoteGossip(msg)
		case digest := <-d.pullTimeoutCh:
			d.onPullTimeout(digest)
		}
	}
}

// handleLocalProduced implements Push: enqueue block for every peer
// and flush immediately (the Sender boundary is fire-and-forget, so
// the queue's only job is the bounded-depth drop policy).
func (d *Dissemination) handleLocalProduced(block *types.Block) {
	for _, peer := range d.peers {
		q, ok := d.pushQueues[peer]
		if !ok {
			q = newPushQueue(d.params.PushQueueDepth)
			d.pushQueues[peer] = q
		}
		if dropped := q.enqueue(block, d.ownIndex); dropped != nil {
			d.log.Debug("dropped block from push queue", "peer", peer.String(),
				"round", uint64(dropped.Round), "author", uint32(dropped.Author))
		}
		for _, b := range q.drain() {
			d.sender.SendBroadcastBlock(peer, b)
		}
	}
}

// handleReceived implements Inbound (spec §4.2.2): verify, bound,
// check structure, then suspend or insert.
func (d *Dissemination) handleReceived(peer ids.NodeID, block *types.Block) {
	if d.bench.IsBenched(peer, d.clock.Now()) {
		d.log.Debug("dropping block from benched peer", "peer", peer.String())
		return
	}
	if err := d.validate(block); err != nil {
		d.log.Debug("rejecting invalid block", "peer", peer.String(), "error", err.Error())
		d.bench.Bench(peer, d.clock.Now(), d.params.BenchDuration)
		return
	}
	if _, ok := d.store.GetByDigest(block.Digest()); ok {
		return
	}
	if _, ok := d.suspended[block.Digest()]; ok {
		return
	}
	d.suspend(block)
}

// validate applies Inbound steps (a)-(c): signature, future-round
// bound, max_block_bytes, and structural invariants.
func (d *Dissemination) validate(block *types.Block) error {
	if int(block.Author) >= d.committee.Size() {
		return &types.InvalidBlockError{Ref: block.Ref(), Reason: "unknown author"}
	}
	authority := d.committee.Authority(block.Author)
	digest := block.Digest()
	if !d.verifier.Verify(authority.PublicKey.Compress(), digest[:], block.Signature) {
		return &types.InvalidBlockError{Ref: block.Ref(), Reason: "signature verification failed"}
	}
	// current_round has no single authoritative reader outside Core, so
	// the highest round durably known to the store stands in as a
	// thread-safe lower bound on it for the future-round check.
	if block.Round > d.store.HighestRound()+types.Round(d.params.MaxFutureRoundGap) {
		return &types.InvalidBlockError{Ref: block.Ref(), Reason: "round too far in the future"}
	}
	var txBytes uint64
	for _, tx := range block.Transactions {
		txBytes += uint64(len(tx))
	}
	if txBytes > d.params.MaxBlockBytes {
		return &types.InvalidBlockError{Ref: block.Ref(), Reason: "transaction bytes exceed max_block_bytes"}
	}
	return d.checkStructure(block)
}

// checkStructure enforces the ancestor round constraint, parent-quorum
// stake, and no-duplicate-ancestor-authors invariants. Round-0
// ancestors (genesis) are never checked against the store: every
// authority derives them deterministically, the same floor subdag.
// Flatten applies when treating round <= boundary as already known.
func (d *Dissemination) checkStructure(block *types.Block) error {
	if block.Round == 0 {
		if len(block.Ancestors) != 0 {
			return &types.InvalidBlockError{Ref: block.Ref(), Reason: "genesis block carries ancestors"}
		}
		return nil
	}
	seen := make(map[types.AuthorityIndex]bool, len(block.Ancestors))
	authors := make([]types.AuthorityIndex, 0, len(block.Ancestors))
	for _, a := range block.Ancestors {
		if a.Round != block.Round-1 {
			return &types.InvalidBlockError{Ref: block.Ref(), Reason: "ancestor round constraint violated"}
		}
		if seen[a.Author] {
			return &types.InvalidBlockError{Ref: block.Ref(), Reason: "duplicate ancestor author"}
		}
		seen[a.Author] = true
		authors = append(authors, a.Author)
	}
	if d.committee.StakeOfSet(authors) < d.committee.QuorumThreshold() {
		return &types.InvalidBlockError{Ref: block.Ref(), Reason: "ancestor stake below quorum"}
	}
	return nil
}

// suspend registers block as waiting on any ancestor not yet known to
// the store, scheduling a pull for each (spec §4.2.2 (d)).
func (d *Dissemination) suspend(block *types.Block) {
	missing := set.NewSet[ids.ID](len(block.Ancestors))
	for _, a := range block.Ancestors {
		if a.Round == 0 {
			continue
		}
		if _, ok := d.store.Get(a); ok {
			continue
		}
		missing.Add(a.Digest)
		d.waitingOn[a.Digest] = append(d.waitingOn[a.Digest], block.Digest())
		d.ensurePull(a)
	}
	if missing.Len() == 0 {
		d.insert(block)
		return
	}
	d.suspended[block.Digest()] = &suspendedEntry{block: block, missing: missing}
}

// insert durably stores block and wakes any suspended waiter, per
// Inbound step (e).
func (d *Dissemination) insert(block *types.Block) {
	if err := d.store.Insert(block); err != nil {
		var equivocation *types.EquivocationError
		if errors.As(err, &equivocation) {
			d.log.Debug("equivocation on insert", "author", uint32(equivocation.Author),
				"round", uint64(equivocation.Round))
			return
		}
		d.reportFatal(fmt.Errorf("dissemination: inserting block %s: %w", block.Ref(), err))
		return
	}
	d.metrics.BlocksAccepted.Inc()
	d.wake(block.Ref())
	select {
	case d.accepted <- block:
	case <-d.closeCh:
	}
}

// wake resolves any suspended entries waiting on ref, recursively
// inserting any that become fully satisfied.
func (d *Dissemination) wake(ref types.BlockRef) {
	d.cancelPull(ref.Digest)
	waiters := d.waitingOn[ref.Digest]
	delete(d.waitingOn, ref.Digest)
	for _, waiterDigest := range waiters {
		entry, ok := d.suspended[waiterDigest]
		if !ok {
			continue
		}
		entry.missing.Remove(ref.Digest)
		if entry.missing.Len() == 0 {
			delete(d.suspended, waiterDigest)
			d.insert(entry.block)
		}
	}
}

func (d *Dissemination) handleFetchBlocksRequest(req FetchBlocksRequest) {
	blocks := d.store.MultiGet(req.Refs)
	d.sender.SendFetchBlocksReply(req.Peer, req.RequestID, blocks)
}

// handleFetchBlocksReply re-runs every returned block through the same
// verify/suspend/insert pipeline as an unsolicited BroadcastBlock,
// since a Byzantine peer may answer with fabricated blocks.
func (d *Dissemination) handleFetchBlocksReply(reply FetchBlocksReply) {
	for _, block := range reply.Blocks {
		d.handleReceived(reply.Peer, block)
	}
}

func (d *Dissemination) handleFetchLatestRequest(req FetchLatestRequest) {
	blocks := d.store.ScanAuthor(req.Author, req.AfterRound+1)
	refs := make([]types.BlockRef, len(blocks))
	for i, b := range blocks {
		refs[i] = b.Ref()
	}
	d.sender.SendFetchLatestReply(req.Peer, req.RequestID, refs)
}

// handleFetchLatestReply schedules a pull for every advertised ref not
// already known, letting the ordinary ancestor-resolution pipeline
// (suspend on arrival, if it itself references unknown ancestors)
// carry the catch-up forward.
func (d *Dissemination) handleFetchLatestReply(reply FetchLatestReply) {
	for _, ref := range reply.Refs {
		if _, ok := d.store.Get(ref); !ok {
			d.ensurePull(ref)
		}
	}
}

// handleCommitVoteGossip implements commit-vote assisted catch-up
// (spec §4.2.4): rather than chasing arbitrary forks, it requests only
// the committed leaders a peer has endorsed; their own ancestor
// references cascade through the normal suspend/pull machinery once
// they arrive.
func (d *Dissemination) handleCommitVoteGossip(msg CommitVoteGossip) {
	for _, vote := range msg.Votes {
		ref := types.BlockRef{Round: vote.Round, Author: vote.Author, Digest: vote.Digest}
		if _, ok := d.store.Get(ref); !ok {
			d.ensurePull(ref)
		}
	}
}

// ensurePull implements Pull (spec §4.2.3): schedules a targeted
// request for ref, skipping duplicate scheduling for an already-
// pending ancestor.
func (d *Dissemination) ensurePull(ref types.BlockRef) {
	if _, ok := d.pending[ref.Digest]; ok {
		return
	}
	ps := &pullState{ref: ref, backoff: time.Duration(d.params.PullBackoffBaseMs) * time.Millisecond}
	d.pending[ref.Digest] = ps
	delay := time.Duration(0)
	if d.isRecent(ref) {
		// Likely to arrive shortly via ordinary push; wait one backoff
		// cycle before spending a request on it.
		delay = ps.backoff
	}
	d.startPullTimer(ps, delay)
}

func (d *Dissemination) isRecent(ref types.BlockRef) bool {
	old := ref.Round+types.Round(d.params.PullRecentRoundGap) <= d.store.HighestRound()
	return !old
}

func (d *Dissemination) startPullTimer(ps *pullState, delay time.Duration) {
	digest := ps.ref.Digest
	ps.timer = time.AfterFunc(delay, func() {
		select {
		case d.pullTimeoutCh <- digest:
		case <-d.closeCh:
		}
	})
}

// onPullTimeout fires on every pull retry tick. A stale tick (the ref
// was already resolved and cancelPull removed it from pending) is
// silently ignored, since Timer.Stop cannot guarantee a fired timer's
// send is discarded.
func (d *Dissemination) onPullTimeout(digest ids.ID) {
	ps, ok := d.pending[digest]
	if !ok {
		return
	}
	if _, known := d.store.Get(ps.ref); known {
		delete(d.pending, digest)
		return
	}
	if len(d.peers) > 0 {
		peer := d.pickPeer(ps)
		d.requestCounter++
		d.sender.SendFetchBlocks(peer, d.requestCounter, []types.BlockRef{ps.ref})
		d.metrics.PullRetries.Inc()
	}
	ps.backoff *= 2
	if max := time.Duration(d.params.PullBackoffMaxMs) * time.Millisecond; ps.backoff > max {
		ps.backoff = max
	}
	d.startPullTimer(ps, ps.backoff)
}

// pickPeer is round-robin over peers, biased on the first attempt
// toward the ancestor's own author (spec §4.2.3).
func (d *Dissemination) pickPeer(ps *pullState) ids.NodeID {
	if ps.peerCursor == 0 {
		if author, ok := d.authorPeer(ps.ref.Author); ok {
			ps.peerCursor++
			return author
		}
	}
	peer := d.peers[ps.peerCursor%len(d.peers)]
	ps.peerCursor++
	return peer
}

func (d *Dissemination) authorPeer(author types.AuthorityIndex) (ids.NodeID, bool) {
	if int(author) >= d.committee.Size() {
		return ids.NodeID{}, false
	}
	nodeID := d.committee.Authority(author).NodeID
	if nodeID == d.params.OwnNodeID() {
		return ids.NodeID{}, false
	}
	for _, peer := range d.peers {
		if peer == nodeID {
			return nodeID, true
		}
	}
	return ids.NodeID{}, false
}

func (d *Dissemination) cancelPull(digest ids.ID) {
	if ps, ok := d.pending[digest]; ok {
		if ps.timer != nil {
			ps.timer.Stop()
		}
		delete(d.pending, digest)
	}
}

func (d *Dissemination) stopAllTimers() {
	for _, ps := range d.pending {
		if ps.timer != nil {
			ps.timer.Stop()
		}
	}
}

// GC discards suspended entries and pull state for blocks below
// belowRound, mirroring the Block store's own GC boundary (spec §4.2
// failure semantics: "discarded" once GC'd, not retried forever).
func (d *Dissemination) GC(belowRound types.Round) {
	for digest, entry := range d.suspended {
		if entry.block.Round < belowRound {
			delete(d.suspended, digest)
		}
	}
	for digest, ps := range d.pending {
		if ps.ref.Round < belowRound {
			if ps.timer != nil {
				ps.timer.Stop()
			}
			delete(d.pending, digest)
		}
	}
}

func (d *Dissemination) reportFatal(err error) {
	d.log.Debug("fatal dissemination error", "error", err.Error())
	select {
	case d.fatal <- err:
	default:
	}
}
