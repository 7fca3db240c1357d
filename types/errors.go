// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package types

import (
	"errors"
	"fmt"

	"github.com/luxfi/ids"
)

// ErrShuttingDown is returned by a component's notification methods
// (OnBlockAccepted, OnBlockReceived and the like) once its Shutdown has
// been called; cancelling the context passed to Run does not by itself
// make them return it. Callers propagate it rather than retry.
var ErrShuttingDown = errors.New("shutting down")

// ErrStoreCorruption is fatal: the caller must terminate and let an
// operator inspect on-disk state.
var ErrStoreCorruption = errors.New("store corruption")

// InvalidBlockError reports a signature, structural, or parent-quorum
// violation. The caller records it and discards the block.
type InvalidBlockError struct {
	Ref    BlockRef
	Reason string
}

func (e *InvalidBlockError) Error() string {
	return fmt.Sprintf("invalid block %s: %s", e.Ref, e.Reason)
}

// EquivocationError reports two distinct blocks observed from the same
// author at the same round. The first accepted block remains canonical.
type EquivocationError struct {
	Author AuthorityIndex
	Round  Round
	First  ids.ID
	Second ids.ID
}

func (e *EquivocationError) Error() string {
	return fmt.Sprintf("equivocation: author %d round %d produced %s and %s",
		e.Author, e.Round, e.First, e.Second)
}

// AncestorsMissingError is not a failure in itself: it signals that a
// block has been suspended pending the listed ancestors.
type AncestorsMissingError struct {
	Ref   BlockRef
	Missing []BlockRef
}

func (e *AncestorsMissingError) Error() string {
	return fmt.Sprintf("block %s suspended on %d missing ancestors", e.Ref, len(e.Missing))
}

// BackpressureError is returned when a bounded ingress queue is full.
// The caller should retry, typically after a short delay.
type BackpressureError struct {
	Queue string
}

func (e *BackpressureError) Error() string {
	return fmt.Sprintf("%s queue full", e.Queue)
}

// VerifyError wraps a rejection from a pluggable verifier (signature,
// transaction validity).
type VerifyError struct {
	Reason string
	Err    error
}

func (e *VerifyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("verify failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("verify failed: %s", e.Reason)
}

func (e *VerifyError) Unwrap() error {
	return e.Err
}
