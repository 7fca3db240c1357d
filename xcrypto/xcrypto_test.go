// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package xcrypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBLSSignAndVerify(t *testing.T) {
	signer, err := GenerateBLSSigner()
	require.NoError(t, err)

	digest := []byte("some canonical block digest")
	sig, err := signer.Sign(digest)
	require.NoError(t, err)

	var v BLSVerifier
	require.True(t, v.Verify(signer.PublicKey(), digest, sig))
}

func TestBLSVerifyRejectsTamperedDigest(t *testing.T) {
	signer, err := GenerateBLSSigner()
	require.NoError(t, err)

	sig, err := signer.Sign([]byte("original"))
	require.NoError(t, err)

	var v BLSVerifier
	require.False(t, v.Verify(signer.PublicKey(), []byte("tampered"), sig))
}

func TestBLSVerifyRejectsMalformedInput(t *testing.T) {
	var v BLSVerifier
	require.False(t, v.Verify([]byte("not-a-key"), []byte("digest"), []byte("not-a-sig")))
}
