// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package xcodec

import (
	"testing"

	"github.com/luxfi/ids"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/corona/types"
)

func sampleBlock() *types.Block {
	return &types.Block{
		Round:       4,
		Author:      2,
		TimestampMs: 1234,
		Ancestors: []types.BlockRef{
			{Round: 3, Author: 0, Digest: ids.GenerateTestID()},
			{Round: 3, Author: 1, Digest: ids.GenerateTestID()},
		},
		Transactions: [][]byte{
			[]byte("tx-a"),
			[]byte("tx-b"),
		},
		RejectedTransactions: []types.RejectedSet{
			{1, 3},
			{},
		},
		CommitVotes: []types.CommitRef{
			{Round: 2, Author: 0, Digest: ids.GenerateTestID()},
		},
		Signature: []byte("fake-signature"),
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	b := sampleBlock()
	wire, err := EncodeBlock(b)
	require.NoError(t, err)
	require.Equal(t, Version, wire[0])

	decoded, err := DecodeBlock(wire)
	require.NoError(t, err)
	require.Equal(t, b.Round, decoded.Round)
	require.Equal(t, b.Author, decoded.Author)
	require.Equal(t, b.TimestampMs, decoded.TimestampMs)
	require.Equal(t, b.Ancestors, decoded.Ancestors)
	require.Equal(t, b.Transactions, decoded.Transactions)
	require.Equal(t, b.RejectedTransactions, decoded.RejectedTransactions)
	require.Equal(t, b.CommitVotes, decoded.CommitVotes)
	require.Equal(t, b.Signature, decoded.Signature)
	require.NotEqual(t, ids.Empty, decoded.Digest())
}

func TestDigestIsStableAndExcludesSignature(t *testing.T) {
	b := sampleBlock()
	d1, err := Digest(b)
	require.NoError(t, err)

	b.Signature = []byte("different-signature")
	d2, err := Digest(b)
	require.NoError(t, err)
	require.Equal(t, d1, d2, "digest must not depend on the signature")

	b.TimestampMs++
	d3, err := Digest(b)
	require.NoError(t, err)
	require.NotEqual(t, d1, d3)
}

func TestDecodeRejectsUnknownVersion(t *testing.T) {
	wire, err := EncodeBlock(sampleBlock())
	require.NoError(t, err)
	wire[0] = Version + 1

	_, err = DecodeBlock(wire)
	require.ErrorIs(t, err, ErrUnknownVersion)
}

func TestDecodeRejectsEmptyBuffer(t *testing.T) {
	_, err := DecodeBlock(nil)
	require.Error(t, err)
}

func TestRejectedTransactionsMustMatchAncestorCount(t *testing.T) {
	b := sampleBlock()
	b.RejectedTransactions = append(b.RejectedTransactions, types.RejectedSet{0})
	_, err := EncodeBlock(b)
	require.Error(t, err)
}
