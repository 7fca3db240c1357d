// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package xcodec implements the canonical binary wire encoding for
// blocks: length-prefixed fields, little-endian integers, fixed-size
// digests, versioned by a single leading byte. Unknown versions are a
// hard reject, matching the corpus's codec.JSONCodec version-check
// idiom generalized from JSON to canonical binary.
package xcodec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/luxfi/crypto/hashing"
	"github.com/luxfi/ids"

	"github.com/luxfi/corona/types"
)

// Version is the only wire version this build understands.
const Version byte = 0

// ErrUnknownVersion is returned when decoding bytes whose leading
// version byte this build does not recognize.
var ErrUnknownVersion = fmt.Errorf("xcodec: unknown wire version")

// Digest computes a block's digest: H(canonical encoding of the
// unsigned fields). Signatures are computed over this digest.
func Digest(b *types.Block) (ids.ID, error) {
	unsigned, err := encodeUnsigned(b)
	if err != nil {
		return ids.Empty, err
	}
	return ids.ID(hashing.ComputeHash256Array(unsigned)), nil
}

// EncodeBlock produces the full wire encoding of b: version byte,
// unsigned fields, then the signature. It does not mutate b.
func EncodeBlock(b *types.Block) ([]byte, error) {
	unsigned, err := encodeUnsigned(b)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Write(unsigned)
	writeBytes(&buf, b.Signature)
	return buf.Bytes(), nil
}

// DecodeBlock parses a full wire encoding produced by EncodeBlock,
// computing and caching the block's digest.
func DecodeBlock(data []byte) (*types.Block, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("xcodec: empty buffer")
	}
	if data[0] != Version {
		return nil, ErrUnknownVersion
	}
	unsignedLen, sig, err := splitSignature(data)
	if err != nil {
		return nil, err
	}
	r := bytes.NewReader(data[1:unsignedLen])
	b, err := decodeUnsignedBody(r)
	if err != nil {
		return nil, err
	}
	b.Signature = sig
	digest := ids.ID(hashing.ComputeHash256Array(data[:unsignedLen]))
	b.SetDigest(digest)
	return b, nil
}

// splitSignature locates the length-prefixed signature that trails the
// unsigned body and returns the offset at which the body ends plus the
// signature's decoded bytes. It walks the body once through a counting
// reader to find that offset without assuming a fixed body length.
func splitSignature(data []byte) (unsignedLen int, sig []byte, err error) {
	cr := &countingReader{r: bytes.NewReader(data[1:])}
	if _, err := decodeUnsignedBody(cr); err != nil {
		return 0, nil, err
	}
	unsignedLen = 1 + cr.n
	sig, err = readBytes(bytes.NewReader(data[unsignedLen:]))
	if err != nil {
		return 0, nil, fmt.Errorf("xcodec: reading signature: %w", err)
	}
	return unsignedLen, sig, nil
}

type countingReader struct {
	r io.Reader
	n int
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += n
	return n, err
}

func encodeUnsigned(b *types.Block) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(Version)

	writeUint64(&buf, uint64(b.Round))
	writeUint32(&buf, uint32(b.Author))
	writeUint64(&buf, b.TimestampMs)

	writeUint32(&buf, uint32(len(b.Ancestors)))
	for _, a := range b.Ancestors {
		writeUint64(&buf, uint64(a.Round))
		writeUint32(&buf, uint32(a.Author))
		buf.Write(a.Digest[:])
	}

	writeUint32(&buf, uint32(len(b.Transactions)))
	for _, tx := range b.Transactions {
		writeBytes(&buf, tx)
	}

	if len(b.RejectedTransactions) != 0 && len(b.RejectedTransactions) != len(b.Ancestors) {
		return nil, fmt.Errorf("xcodec: RejectedTransactions has %d entries, want %d (one per ancestor)",
			len(b.RejectedTransactions), len(b.Ancestors))
	}
	writeUint32(&buf, uint32(len(b.RejectedTransactions)))
	for _, rejected := range b.RejectedTransactions {
		writeUint32(&buf, uint32(len(rejected)))
		for _, idx := range rejected {
			writeUint32(&buf, uint32(idx))
		}
	}

	writeUint32(&buf, uint32(len(b.CommitVotes)))
	for _, cv := range b.CommitVotes {
		writeUint64(&buf, uint64(cv.Round))
		writeUint32(&buf, uint32(cv.Author))
		buf.Write(cv.Digest[:])
	}

	return buf.Bytes(), nil
}

func decodeUnsignedBody(r io.Reader) (*types.Block, error) {
	b := &types.Block{}

	round, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	b.Round = types.Round(round)

	author, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	b.Author = types.AuthorityIndex(author)

	ts, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	b.TimestampMs = ts

	ancestorCount, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	b.Ancestors = make([]types.BlockRef, ancestorCount)
	for i := range b.Ancestors {
		round, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		author, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		var digest ids.ID
		if _, err := io.ReadFull(r, digest[:]); err != nil {
			return nil, fmt.Errorf("xcodec: reading ancestor digest: %w", err)
		}
		b.Ancestors[i] = types.BlockRef{Round: types.Round(round), Author: types.AuthorityIndex(author), Digest: digest}
	}

	txCount, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	b.Transactions = make([][]byte, txCount)
	for i := range b.Transactions {
		tx, err := readBytes(r)
		if err != nil {
			return nil, fmt.Errorf("xcodec: reading transaction %d: %w", i, err)
		}
		b.Transactions[i] = tx
	}

	rejectedGroups, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if rejectedGroups > 0 {
		b.RejectedTransactions = make([]types.RejectedSet, rejectedGroups)
		for i := range b.RejectedTransactions {
			n, err := readUint32(r)
			if err != nil {
				return nil, err
			}
			set := make(types.RejectedSet, n)
			for j := range set {
				idx, err := readUint32(r)
				if err != nil {
					return nil, err
				}
				set[j] = types.TransactionIndex(idx)
			}
			b.RejectedTransactions[i] = set
		}
	}

	commitVoteCount, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	b.CommitVotes = make([]types.CommitRef, commitVoteCount)
	for i := range b.CommitVotes {
		round, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		author, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		var digest ids.ID
		if _, err := io.ReadFull(r, digest[:]); err != nil {
			return nil, fmt.Errorf("xcodec: reading commit vote digest: %w", err)
		}
		b.CommitVotes[i] = types.CommitRef{Round: types.Round(round), Author: types.AuthorityIndex(author), Digest: digest}
	}

	return b, nil
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	buf.Write(tmp[:])
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	buf.Write(tmp[:])
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeUint32(buf, uint32(len(b)))
	buf.Write(b)
}

func readUint32(r io.Reader) (uint32, error) {
	var tmp [4]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return 0, fmt.Errorf("xcodec: reading uint32: %w", err)
	}
	return binary.LittleEndian.Uint32(tmp[:]), nil
}

func readUint64(r io.Reader) (uint64, error) {
	var tmp [8]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return 0, fmt.Errorf("xcodec: reading uint64: %w", err)
	}
	return binary.LittleEndian.Uint64(tmp[:]), nil
}

func readBytes(r io.Reader) ([]byte, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, fmt.Errorf("xcodec: reading %d bytes: %w", n, err)
	}
	return b, nil
}
