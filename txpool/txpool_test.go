// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package txpool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/corona/types"
)

func TestSubmitDrainResolvesInclusionHandle(t *testing.T) {
	p := New(NoopVerifier{}, 16, nil)

	done, err := p.Submit([]byte("tx-1"))
	require.NoError(t, err)

	drained := p.Drain(1024)
	require.Equal(t, [][]byte{[]byte("tx-1")}, drained)
	require.Equal(t, 0, p.Pending())

	block := &types.Block{Round: 3, Author: 1}
	p.OnBlockProduced(block)

	select {
	case handle := <-done:
		require.Equal(t, block.Ref(), handle.Ref)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for inclusion handle")
	}
}

func TestDrainStopsAtByteBudget(t *testing.T) {
	p := New(NoopVerifier{}, 16, nil)

	_, err := p.Submit([]byte("aaaa"))
	require.NoError(t, err)
	_, err = p.Submit([]byte("bbbb"))
	require.NoError(t, err)

	drained := p.Drain(4)
	require.Equal(t, [][]byte{[]byte("aaaa")}, drained)
	require.Equal(t, 1, p.Pending())

	drained = p.Drain(4)
	require.Equal(t, [][]byte{[]byte("bbbb")}, drained)
	require.Equal(t, 0, p.Pending())
}

func TestSubmitRejectsOverVerifier(t *testing.T) {
	p := New(MaxSizeVerifier{Limit: 2}, 16, nil)

	_, err := p.Submit([]byte("too-long"))
	require.Error(t, err)
	var verifyErr *types.VerifyError
	require.ErrorAs(t, err, &verifyErr)
	require.Equal(t, 0, p.Pending())
}

func TestSubmitBackpressureWhenFull(t *testing.T) {
	p := New(NoopVerifier{}, 2, nil)

	_, err := p.Submit([]byte("a"))
	require.NoError(t, err)
	_, err = p.Submit([]byte("b"))
	require.NoError(t, err)

	_, err = p.Submit([]byte("c"))
	require.Error(t, err)
	var backpressureErr *types.BackpressureError
	require.ErrorAs(t, err, &backpressureErr)
}

func TestMultipleBatchesResolveInFIFOOrder(t *testing.T) {
	p := New(NoopVerifier{}, 16, nil)

	done1, err := p.Submit([]byte("first"))
	require.NoError(t, err)
	firstDrain := p.Drain(1024)
	require.Len(t, firstDrain, 1)

	done2, err := p.Submit([]byte("second"))
	require.NoError(t, err)
	secondDrain := p.Drain(1024)
	require.Len(t, secondDrain, 1)

	blockA := &types.Block{Round: 1, Author: 0}
	blockB := &types.Block{Round: 2, Author: 0}

	p.OnBlockProduced(blockA)
	p.OnBlockProduced(blockB)

	select {
	case h := <-done1:
		require.Equal(t, blockA.Ref(), h.Ref)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for first inclusion handle")
	}
	select {
	case h := <-done2:
		require.Equal(t, blockB.Ref(), h.Ref)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for second inclusion handle")
	}
}
