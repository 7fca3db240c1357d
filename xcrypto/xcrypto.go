// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package xcrypto defines the signing/verification boundary the core
// consumes (spec.md §1: "the core consumes sign/verify capabilities")
// and ships a BLS-backed default, matching the corpus's staking key
// scheme (validators/types.go's PublicKey *bls.PublicKey, ctx.go's
// PublicKey field).
package xcrypto

import (
	"fmt"

	"github.com/luxfi/crypto/bls"
)

// Signer signs block digests on behalf of one authority.
type Signer interface {
	// Sign returns the signature over digest.
	Sign(digest []byte) ([]byte, error)
	// PublicKey returns the compressed public key counterpart, used to
	// populate committee.Authority.PublicKey at startup.
	PublicKey() []byte
}

// Verifier checks a signature against a compressed public key.
type Verifier interface {
	Verify(pubKey, digest, sig []byte) bool
}

// BLSSigner is the default Signer, backed by github.com/luxfi/crypto/bls.
type BLSSigner struct {
	sk *bls.SecretKey
}

// NewBLSSigner wraps an existing BLS secret key.
func NewBLSSigner(sk *bls.SecretKey) *BLSSigner {
	return &BLSSigner{sk: sk}
}

// GenerateBLSSigner creates a fresh random BLS key pair, for tests and
// single-node bring-up.
func GenerateBLSSigner() (*BLSSigner, error) {
	sk, err := bls.GenerateSecretKey()
	if err != nil {
		return nil, fmt.Errorf("xcrypto: generating BLS key: %w", err)
	}
	return &BLSSigner{sk: sk}, nil
}

func (s *BLSSigner) Sign(digest []byte) ([]byte, error) {
	sig := bls.Sign(s.sk, digest)
	return sig.Compress(), nil
}

func (s *BLSSigner) PublicKey() []byte {
	return bls.PublicKeyFromSecretKey(s.sk).Compress()
}

// BLSVerifier is the default Verifier.
type BLSVerifier struct{}

// Verify decompresses pubKey and sig and checks sig over digest.
// Malformed keys or signatures verify false rather than erroring, since
// callers treat verification failure and malformed input identically
// (spec.md §4.2.2a: "rejects on failure").
func (BLSVerifier) Verify(pubKey, digest, sig []byte) bool {
	pk, err := bls.PublicKeyFromCompressedBytes(pubKey)
	if err != nil {
		return false
	}
	signature, err := bls.SignatureFromBytes(sig)
	if err != nil {
		return false
	}
	return bls.Verify(pk, signature, digest)
}
