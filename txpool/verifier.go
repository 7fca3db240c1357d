// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package txpool

// NoopVerifier accepts every transaction. Useful for tests and for
// deployments that verify transactions entirely upstream of the pool.
type NoopVerifier struct{}

func (NoopVerifier) Verify([]byte) error { return nil }

// MaxSizeVerifier rejects any transaction longer than Limit bytes.
// A minimal, realistic verifier composable with a caller's own checks.
type MaxSizeVerifier struct {
	Limit int
}

func (v MaxSizeVerifier) Verify(tx []byte) error {
	if len(tx) > v.Limit {
		return errTxTooLarge
	}
	return nil
}

var errTxTooLarge = txTooLargeError{}

type txTooLargeError struct{}

func (txTooLargeError) Error() string { return "transaction exceeds size limit" }
