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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/AleutianAI/AleutianRender/services/render/command"
	"github.com/AleutianAI/AleutianRender/services/render/scene"
)

func sampleTransaction() *Transaction {
	tx := &Transaction{
		Timestamp:   123456789,
		SendingPid:  42,
		Index:       3,
		AbilityName: "com.example.app",
		UniRender:   true,
	}
	tx.AddCommand(&command.SurfaceNodeCreate{ID: 7, Name: "win", Bounds: scene.Rect{W: 100, H: 50}}, 7, command.FollowNone)
	tx.AddCommand(&command.NodeAddChild{ID: scene.RootNodeID, Child: 7, Index: -1}, scene.RootNodeID, command.FollowNone)
	tx.AddCommand(&command.SurfaceSetAlpha{ID: 7, Alpha: 0.5}, 7, command.FollowToParent)
	return tx
}

func TestMarshalUnmarshal(t *testing.T) {
	tx := sampleTransaction()

	data, err := Marshal(tx)
	require.NoError(t, err)

	got, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, tx, got)
}

func TestUnmarshal_Corrupt(t *testing.T) {
	t.Run("garbage", func(t *testing.T) {
		_, err := Unmarshal([]byte("not msgpack at all"))
		assert.ErrorIs(t, err, ErrCorruptPayload)
	})

	t.Run("unknown kind", func(t *testing.T) {
		w := wireTransaction{Index: 1, Entries: []wireEntry{{NodeID: 1, Kind: 999}}}
		data, err := msgpack.Marshal(&w)
		require.NoError(t, err)
		_, err = Unmarshal(data)
		assert.ErrorIs(t, err, ErrCorruptPayload)
	})

	t.Run("bad follow type", func(t *testing.T) {
		body, err := command.Encode(&command.NodeDestroy{ID: 1})
		require.NoError(t, err)
		w := wireTransaction{Index: 1, Entries: []wireEntry{
			{NodeID: 1, Kind: uint16(command.KindNodeDestroy), Body: body, FollowType: 9},
		}}
		data, err := msgpack.Marshal(&w)
		require.NoError(t, err)
		_, err = Unmarshal(data)
		assert.ErrorIs(t, err, ErrCorruptPayload)
	})

	t.Run("truncated", func(t *testing.T) {
		data, err := Marshal(sampleTransaction())
		require.NoError(t, err)
		_, err = Unmarshal(data[:len(data)/2])
		assert.ErrorIs(t, err, ErrCorruptPayload)
	})
}

func TestTransaction_ProcessContinuesPastFailures(t *testing.T) {
	ctx := scene.NewContext()
	tx := &Transaction{SendingPid: 9, Timestamp: 77}
	tx.AddCommand(&command.CanvasNodeCreate{ID: 1}, 1, command.FollowNone)
	tx.AddCommand(&command.SurfaceSetAlpha{ID: 404, Alpha: 1}, 404, command.FollowNone)
	tx.AddCommand(&command.CanvasNodeCreate{ID: 2}, 2, command.FollowNone)

	var failedIDs []scene.NodeID
	failed := tx.Process(ctx, func(e Entry, err error) {
		assert.ErrorIs(t, err, scene.ErrNodeNotFound)
		failedIDs = append(failedIDs, e.NodeID)
	})

	assert.Equal(t, 1, failed)
	assert.Equal(t, []scene.NodeID{404}, failedIDs)
	assert.Equal(t, scene.Pid(9), ctx.SenderPid)
	assert.Equal(t, int64(77), ctx.TransactionTimestamp)
	n, ok := ctx.Registry().GetRenderNode(2)
	require.True(t, ok)
	assert.Equal(t, scene.Pid(9), n.Owner())
}
