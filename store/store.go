// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package store persists accepted blocks and indexes them by digest,
// by (round, author) and by (author, round). It generalizes the
// corpus's engine/dag/state "serializer" (a single vertices map plus a
// database.Database write-through) with the secondary round/author
// indexes and GC the consensus core's ancestor walk and commit-rule
// scans require.
package store

import (
	"fmt"
	"sync"

	"github.com/luxfi/database"
	"github.com/luxfi/ids"

	"github.com/luxfi/corona/choices"
	"github.com/luxfi/corona/log"
	"github.com/luxfi/corona/types"
	"github.com/luxfi/corona/xcodec"
)

const blockKeyPrefix = 'b'

// manifestKey indexes the digests of every durably inserted block, so
// Load can rebuild the in-memory index without requiring the
// underlying database.Database to support key iteration.
var manifestKey = []byte{'m'}

// commitStateKey persists the committer's durable watermark, per §6's
// "separate persisted record stores (last_committed_round,
// last_committed_index, last_committed_leader_digest)".
var commitStateKey = []byte{'c'}

// CommitState is the committer's durable watermark, persisted so a
// restarted authority resumes emitting sub-DAGs from
// LastCommittedIndex+1 rather than re-emitting or skipping (§8 replay
// law).
type CommitState struct {
	LastCommittedRound        types.Round
	LastCommittedIndex        uint64
	LastCommittedLeaderDigest ids.ID
}

// Store persists blocks and serves the lookups the round state machine,
// committer and sub-DAG flattener need.
type Store interface {
	// Insert durably records block. Idempotent if an identical block
	// (same digest) at the same (round, author) already exists. Returns
	// *types.EquivocationError if a different block already occupies
	// that (round, author) slot; the first-inserted block remains
	// canonical.
	Insert(block *types.Block) error

	// Get looks up a block by its full reference.
	Get(ref types.BlockRef) (*types.Block, bool)

	// GetByDigest looks up a block knowing only its digest.
	GetByDigest(digest ids.ID) (*types.Block, bool)

	// StatusOf reports choices.Accepted for any durably inserted block
	// and choices.Unknown otherwise. Dissemination's own suspended-
	// ancestor bookkeeping (choices.Processing) and the notion of a
	// rejected block (choices.Rejected — this protocol never rejects
	// a whole block, only individual transactions within one) are not
	// reachable from the store alone.
	StatusOf(digest ids.ID) choices.Status

	// MultiGet resolves a batch of references, skipping any not found.
	MultiGet(refs []types.BlockRef) []*types.Block

	// Scan returns every block known at round, in author-index order.
	Scan(round types.Round) []*types.Block

	// ScanAuthor returns author's blocks at fromRound and later, in
	// ascending round order.
	ScanAuthor(author types.AuthorityIndex, fromRound types.Round) []*types.Block

	// HighestRoundPerAuthority reports, for each authority index, the
	// highest round at which a block from that authority is known.
	// Authorities with no known block report 0.
	HighestRoundPerAuthority() []types.Round

	// HighestRound returns the highest round of any known block.
	HighestRound() types.Round

	// GC deletes every block with round < belowRound, along with its
	// indexes. Safe to call concurrently with reads.
	GC(belowRound types.Round) error

	// Close releases the underlying database handle.
	Close() error

	// SaveCommitState durably persists the committer's watermark.
	SaveCommitState(CommitState) error

	// LoadCommitState returns the persisted watermark, or ok=false if
	// none has ever been saved (a freshly bootstrapped authority).
	LoadCommitState() (state CommitState, ok bool, err error)
}

type authorSlot struct {
	digest ids.ID
	block  *types.Block
}

type store struct {
	mu  sync.RWMutex
	db  database.Database
	log log.Logger

	committeeSize int

	byDigest map[ids.ID]*types.Block
	// byRoundAuthor[round][author] is the accepted slot for that round.
	byRoundAuthor map[types.Round]map[types.AuthorityIndex]authorSlot
	// byAuthorRound[author][round] mirrors byRoundAuthor for ScanAuthor.
	byAuthorRound map[types.AuthorityIndex]map[types.Round]authorSlot
	highest       []types.Round
	manifest      []ids.ID
}

// New opens a Store backed by db, supporting committeeSize authorities.
// On startup, callers should Insert every persisted block from db
// before serving traffic; see Load for the corpus's recovery idiom.
func New(db database.Database, committeeSize int, logger log.Logger) Store {
	if logger == nil {
		logger = log.NoOp()
	}
	return &store{
		db:            db,
		log:           logger,
		committeeSize: committeeSize,
		byDigest:      make(map[ids.ID]*types.Block),
		byRoundAuthor: make(map[types.Round]map[types.AuthorityIndex]authorSlot),
		byAuthorRound: make(map[types.AuthorityIndex]map[types.Round]authorSlot),
		highest:       make([]types.Round, committeeSize),
	}
}

// Load replays every block durably persisted in db into a fresh
// in-memory index, restoring the crash-safety guarantee of §4.1: after
// restart the set of accepted blocks equals those durably inserted
// pre-crash. It consults the manifest record rather than iterating the
// keyspace directly, so it only requires database.Database's Get/Put/
// Has/Delete/NewBatch surface.
func Load(db database.Database, committeeSize int, logger log.Logger) (Store, error) {
	s := New(db, committeeSize, logger).(*store)

	digests, err := readManifest(db)
	if err != nil {
		return nil, fmt.Errorf("store: reading manifest: %w", err)
	}
	for _, digest := range digests {
		wire, err := db.Get(blockKey(digest))
		if err != nil {
			return nil, fmt.Errorf("store: loading persisted block %s: %w", digest, err)
		}
		block, err := xcodec.DecodeBlock(wire)
		if err != nil {
			return nil, fmt.Errorf("store: decoding persisted block %s: %w", digest, err)
		}
		s.indexBlock(block)
	}
	s.manifest = digests
	return s, nil
}

func readManifest(db database.Database) ([]ids.ID, error) {
	has, err := db.Has(manifestKey)
	if err != nil {
		return nil, err
	}
	if !has {
		return nil, nil
	}
	raw, err := db.Get(manifestKey)
	if err != nil {
		return nil, err
	}
	if len(raw)%len(ids.ID{}) != 0 {
		return nil, fmt.Errorf("store: manifest length %d not a multiple of digest size", len(raw))
	}
	n := len(raw) / len(ids.ID{})
	out := make([]ids.ID, n)
	for i := 0; i < n; i++ {
		copy(out[i][:], raw[i*len(ids.ID{}):(i+1)*len(ids.ID{})])
	}
	return out, nil
}

func encodeManifest(digests []ids.ID) []byte {
	out := make([]byte, 0, len(digests)*len(ids.ID{}))
	for _, d := range digests {
		out = append(out, d[:]...)
	}
	return out
}

func (s *store) Insert(block *types.Block) error {
	digest := block.Digest()
	if digest == ids.Empty {
		return fmt.Errorf("store: block has no digest set")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byDigest[digest]; ok {
		return nil // idempotent on digest
	}

	if authors, ok := s.byRoundAuthor[block.Round]; ok {
		if existing, ok := authors[block.Author]; ok {
			return &types.EquivocationError{
				Author: block.Author,
				Round:  block.Round,
				First:  existing.digest,
				Second: digest,
			}
		}
	}

	wire, err := xcodec.EncodeBlock(block)
	if err != nil {
		return fmt.Errorf("store: encoding block %s: %w", block.Ref(), err)
	}

	newManifest := append(append([]ids.ID{}, s.manifest...), digest)
	batch := s.db.NewBatch()
	if err := batch.Put(blockKey(digest), wire); err != nil {
		return fmt.Errorf("store: persisting block %s: %w", block.Ref(), err)
	}
	if err := batch.Put(manifestKey, encodeManifest(newManifest)); err != nil {
		return fmt.Errorf("store: persisting manifest: %w", err)
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("store: committing insert of block %s: %w", block.Ref(), err)
	}

	s.manifest = newManifest
	s.indexBlock(block)
	return nil
}

// indexBlock updates the in-memory indexes for an already-persisted
// block. Callers hold s.mu.
func (s *store) indexBlock(block *types.Block) {
	digest := block.Digest()
	s.byDigest[digest] = block

	slot := authorSlot{digest: digest, block: block}
	if s.byRoundAuthor[block.Round] == nil {
		s.byRoundAuthor[block.Round] = make(map[types.AuthorityIndex]authorSlot)
	}
	s.byRoundAuthor[block.Round][block.Author] = slot

	if s.byAuthorRound[block.Author] == nil {
		s.byAuthorRound[block.Author] = make(map[types.Round]authorSlot)
	}
	s.byAuthorRound[block.Author][block.Round] = slot

	if int(block.Author) < len(s.highest) && block.Round > s.highest[block.Author] {
		s.highest[block.Author] = block.Round
	}
}

func (s *store) Get(ref types.BlockRef) (*types.Block, bool) {
	return s.GetByDigest(ref.Digest)
}

func (s *store) GetByDigest(digest ids.ID) (*types.Block, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.byDigest[digest]
	return b, ok
}

func (s *store) StatusOf(digest ids.ID) choices.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.byDigest[digest]; ok {
		return choices.Accepted
	}
	return choices.Unknown
}

func (s *store) MultiGet(refs []types.BlockRef) []*types.Block {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Block, 0, len(refs))
	for _, ref := range refs {
		if b, ok := s.byDigest[ref.Digest]; ok {
			out = append(out, b)
		}
	}
	return out
}

func (s *store) Scan(round types.Round) []*types.Block {
	s.mu.RLock()
	defer s.mu.RUnlock()
	authors := s.byRoundAuthor[round]
	out := make([]*types.Block, 0, len(authors))
	for author := types.AuthorityIndex(0); int(author) < s.committeeSize; author++ {
		if slot, ok := authors[author]; ok {
			out = append(out, slot.block)
		}
	}
	return out
}

func (s *store) ScanAuthor(author types.AuthorityIndex, fromRound types.Round) []*types.Block {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rounds := s.byAuthorRound[author]
	out := make([]*types.Block, 0, len(rounds))
	for round, slot := range rounds {
		if round >= fromRound {
			out = append(out, slot.block)
		}
	}
	sortBlocksByRound(out)
	return out
}

func sortBlocksByRound(blocks []*types.Block) {
	for i := 1; i < len(blocks); i++ {
		for j := i; j > 0 && blocks[j].Round < blocks[j-1].Round; j-- {
			blocks[j], blocks[j-1] = blocks[j-1], blocks[j]
		}
	}
}

func (s *store) HighestRoundPerAuthority() []types.Round {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Round, len(s.highest))
	copy(out, s.highest)
	return out
}

func (s *store) HighestRound() types.Round {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var max types.Round
	for _, r := range s.highest {
		if r > max {
			max = r
		}
	}
	return max
}

func (s *store) GC(belowRound types.Round) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.db.NewBatch()
	removed := make(map[ids.ID]bool)
	for round, authors := range s.byRoundAuthor {
		if round >= belowRound {
			continue
		}
		for author, slot := range authors {
			if err := batch.Delete(blockKey(slot.digest)); err != nil {
				return fmt.Errorf("store: gc deleting block %s: %w", slot.digest, err)
			}
			removed[slot.digest] = true
			delete(s.byDigest, slot.digest)
			delete(s.byAuthorRound[author], round)
		}
		delete(s.byRoundAuthor, round)
	}
	if len(removed) == 0 {
		return nil
	}

	remaining := make([]ids.ID, 0, len(s.manifest))
	for _, d := range s.manifest {
		if !removed[d] {
			remaining = append(remaining, d)
		}
	}
	if err := batch.Put(manifestKey, encodeManifest(remaining)); err != nil {
		return fmt.Errorf("store: gc rewriting manifest: %w", err)
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("store: gc committing batch: %w", err)
	}
	s.manifest = remaining
	s.log.Debug("garbage collected blocks", "below_round", uint64(belowRound))
	return nil
}

func (s *store) Close() error {
	return s.db.Close()
}

func (s *store) SaveCommitState(state CommitState) error {
	buf := make([]byte, 8+8+len(ids.ID{}))
	putUint64(buf[0:8], uint64(state.LastCommittedRound))
	putUint64(buf[8:16], state.LastCommittedIndex)
	copy(buf[16:], state.LastCommittedLeaderDigest[:])
	return s.db.Put(commitStateKey, buf)
}

func (s *store) LoadCommitState() (CommitState, bool, error) {
	has, err := s.db.Has(commitStateKey)
	if err != nil {
		return CommitState{}, false, err
	}
	if !has {
		return CommitState{}, false, nil
	}
	raw, err := s.db.Get(commitStateKey)
	if err != nil {
		return CommitState{}, false, err
	}
	if len(raw) != 16+len(ids.ID{}) {
		return CommitState{}, false, fmt.Errorf("store: commit state length %d unexpected", len(raw))
	}
	var state CommitState
	state.LastCommittedRound = types.Round(getUint64(raw[0:8]))
	state.LastCommittedIndex = getUint64(raw[8:16])
	copy(state.LastCommittedLeaderDigest[:], raw[16:])
	return state, true, nil
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * (7 - i)))
	}
}

func getUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func blockKey(digest ids.ID) []byte {
	key := make([]byte, 1+len(digest))
	key[0] = blockKeyPrefix
	copy(key[1:], digest[:])
	return key
}
