// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transaction

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRender/services/render/scene"
)

const period = int64(DefaultRefreshPeriod)

func tx(pid scene.Pid, index uint64) *Transaction {
	return &Transaction{SendingPid: pid, Index: index}
}

func indices(b Batch) []uint64 {
	out := make([]uint64, len(b.Transactions))
	for i, t := range b.Transactions {
		out[i] = t.Index
	}
	return out
}

func TestSequencer_UnknownSender(t *testing.T) {
	s := NewSequencer(SequencerConfig{})
	_, err := s.Push(1, tx(1, 1))
	assert.ErrorIs(t, err, ErrUnknownSender)
	assert.False(t, s.HasSender(1))
	assert.Empty(t, s.Release(0))
}

func TestSequencer_OutOfOrderIsBuffered(t *testing.T) {
	s := NewSequencer(SequencerConfig{})
	s.AddSender(7)

	_, err := s.Push(7, tx(7, 2))
	require.NoError(t, err)
	assert.Empty(t, s.Release(period), "index 2 waits for index 1")
	assert.Equal(t, 1, s.Pending(7))

	_, err = s.Push(7, tx(7, 1))
	require.NoError(t, err)
	batches := s.Release(2 * period)
	require.Len(t, batches, 1)
	assert.Equal(t, []uint64{1, 2}, indices(batches[0]))
	assert.Equal(t, 0, s.Pending(7))
	assert.False(t, s.Snapshot()[0].Waiting, "wait resets once the gap fills")
}

func TestSequencer_StaleAndDuplicateDropped(t *testing.T) {
	s := NewSequencer(SequencerConfig{})
	s.AddSender(1)
	_, _ = s.Push(1, tx(1, 1), tx(1, 2))
	s.Release(0)

	dropped, err := s.Push(1, tx(1, 2), tx(1, 4), tx(1, 4))
	require.NoError(t, err)
	assert.Equal(t, 2, dropped)
	assert.Equal(t, uint64(2), s.Snapshot()[0].Stale)
	assert.Equal(t, 1, s.Pending(1))
}

func TestSequencer_SkipAfterBoundedWait(t *testing.T) {
	s := NewSequencer(SequencerConfig{})
	s.AddSender(3)
	_, _ = s.Push(3, tx(3, 3), tx(3, 4))

	start := int64(1_000_000_000)
	assert.Empty(t, s.Release(start))
	st := s.Snapshot()[0]
	assert.True(t, st.Waiting)
	assert.Equal(t, start, st.WaitStart)

	// Exactly at the limit the sender keeps waiting.
	assert.Empty(t, s.Release(start+int64(DefaultSkipAfterPeriods)*period))

	batches := s.Release(start + int64(DefaultSkipAfterPeriods+1)*period)
	require.Len(t, batches, 1)
	assert.Equal(t, []uint64{3, 4}, indices(batches[0]), "skipped-to index is included")
	assert.Equal(t, uint64(2), batches[0].Skipped)

	// A late arrival of a skipped index is stale.
	dropped, _ := s.Push(3, tx(3, 1))
	assert.Equal(t, 1, dropped)
}

func TestSequencer_OverflowForcesSkip(t *testing.T) {
	s := NewSequencer(SequencerConfig{MaxPendingPerSender: 2})
	s.AddSender(1)
	_, _ = s.Push(1, tx(1, 5), tx(1, 6))
	assert.Empty(t, s.Release(0))

	_, _ = s.Push(1, tx(1, 7))
	batches := s.Release(0)
	require.Len(t, batches, 1)
	assert.Equal(t, []uint64{5, 6, 7}, indices(batches[0]))
	assert.Equal(t, uint64(4), batches[0].Skipped)
}

func TestSequencer_SendersAreIndependent(t *testing.T) {
	s := NewSequencer(SequencerConfig{})
	s.AddSender(1)
	s.AddSender(2)
	_, _ = s.Push(1, tx(1, 2))
	_, _ = s.Push(2, tx(2, 1), tx(2, 2))

	batches := s.Release(0)
	require.Len(t, batches, 1)
	assert.Equal(t, scene.Pid(2), batches[0].Pid)
	assert.Equal(t, []uint64{1, 2}, indices(batches[0]))
}

func TestSequencer_RemoveSenderDropsState(t *testing.T) {
	s := NewSequencer(SequencerConfig{})
	s.AddSender(1)
	_, _ = s.Push(1, tx(1, 5), tx(1, 6))

	assert.Equal(t, 2, s.RemoveSender(1))
	assert.Equal(t, 0, s.RemoveSender(1))
	assert.Equal(t, 0, s.Pending(1))

	s.AddSender(1)
	_, _ = s.Push(1, tx(1, 1))
	batches := s.Release(0)
	require.Len(t, batches, 1)
	assert.Equal(t, []uint64{1}, indices(batches[0]), "re-added sender starts from index 1")
}

func TestSequencer_AnyArrivalOrderReleasesAscending(t *testing.T) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for round := 0; round < 50; round++ {
		s := NewSequencer(SequencerConfig{})
		s.AddSender(1)

		order := rng.Perm(20)
		var released []uint64
		for step, i := range order {
			_, err := s.Push(1, tx(1, uint64(i+1)))
			require.NoError(t, err)
			for _, b := range s.Release(int64(step)) {
				released = append(released, indices(b)...)
			}
		}

		require.Len(t, released, 20)
		for i := range released {
			assert.Equal(t, uint64(i+1), released[i])
		}
	}
}
