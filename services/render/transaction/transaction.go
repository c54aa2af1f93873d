// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package transaction defines the transaction, its msgpack wire form, and
// the per-sender Sequencer that releases transactions in index order.
package transaction

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/AleutianAI/AleutianRender/services/render/command"
	"github.com/AleutianAI/AleutianRender/services/render/scene"
)

// ErrCorruptPayload is returned when a payload cannot be decoded. Nothing
// from a corrupt payload is applied.
var ErrCorruptPayload = errors.New("corrupt transaction payload")

// Entry is one (node, follow type, command) triple.
type Entry struct {
	NodeID     scene.NodeID
	FollowType command.FollowType
	Command    command.Command
}

// Transaction is an indexed batch of commands from one sender.
//
// # Description
//
// Index is assigned by the sender and increases by one per transaction.
// SendingPid is always overwritten by the receiving connection's pid so
// that a client cannot impersonate another.
type Transaction struct {
	Timestamp   int64
	SendingPid  scene.Pid
	Index       uint64
	AbilityName string
	UniRender   bool
	Payload     []Entry
}

// AddCommand appends a command targeting nodeID.
func (t *Transaction) AddCommand(cmd command.Command, nodeID scene.NodeID, follow command.FollowType) {
	t.Payload = append(t.Payload, Entry{NodeID: nodeID, FollowType: follow, Command: cmd})
}

// IsEmpty reports whether the transaction carries no commands.
func (t *Transaction) IsEmpty() bool { return len(t.Payload) == 0 }

// Process applies every command to ctx in order. A failing command is
// reported to onErr (which may be nil) and the rest still apply.
func (t *Transaction) Process(ctx *scene.Context, onErr func(Entry, error)) int {
	ctx.SenderPid = t.SendingPid
	ctx.TransactionTimestamp = t.Timestamp
	failed := 0
	for _, e := range t.Payload {
		if e.Command == nil {
			continue
		}
		if err := e.Command.Process(ctx); err != nil {
			failed++
			if onErr != nil {
				onErr(e, err)
			}
		}
	}
	return failed
}

// =============================================================================
// Wire form
// =============================================================================

type wireEntry struct {
	NodeID     uint64 `msgpack:"node_id"`
	FollowType uint8  `msgpack:"follow"`
	Kind       uint16 `msgpack:"kind"`
	Body       []byte `msgpack:"body"`
}

type wireTransaction struct {
	Timestamp   int64       `msgpack:"ts"`
	SendingPid  int32       `msgpack:"pid"`
	Index       uint64      `msgpack:"index"`
	AbilityName string      `msgpack:"ability"`
	UniRender   bool        `msgpack:"uni"`
	Entries     []wireEntry `msgpack:"entries"`
}

// Marshal encodes t with msgpack.
func Marshal(t *Transaction) ([]byte, error) {
	w := wireTransaction{
		Timestamp:   t.Timestamp,
		SendingPid:  int32(t.SendingPid),
		Index:       t.Index,
		AbilityName: t.AbilityName,
		UniRender:   t.UniRender,
		Entries:     make([]wireEntry, 0, len(t.Payload)),
	}
	for _, e := range t.Payload {
		body, err := command.Encode(e.Command)
		if err != nil {
			return nil, fmt.Errorf("marshal transaction %d: %w", t.Index, err)
		}
		w.Entries = append(w.Entries, wireEntry{
			NodeID:     uint64(e.NodeID),
			FollowType: uint8(e.FollowType),
			Kind:       uint16(e.Command.Kind()),
			Body:       body,
		})
	}
	return msgpack.Marshal(&w)
}

// Unmarshal decodes a transaction. Any undecodable entry makes the whole
// payload corrupt.
func Unmarshal(data []byte) (*Transaction, error) {
	var w wireTransaction
	if err := msgpack.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptPayload, err)
	}
	t := &Transaction{
		Timestamp:   w.Timestamp,
		SendingPid:  scene.Pid(w.SendingPid),
		Index:       w.Index,
		AbilityName: w.AbilityName,
		UniRender:   w.UniRender,
		Payload:     make([]Entry, 0, len(w.Entries)),
	}
	for i, we := range w.Entries {
		if we.FollowType > uint8(command.FollowToVisitor) {
			return nil, fmt.Errorf("%w: entry %d: follow type %d", ErrCorruptPayload, i, we.FollowType)
		}
		cmd, err := command.Decode(command.Kind(we.Kind), we.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: entry %d: %v", ErrCorruptPayload, i, err)
		}
		t.Payload = append(t.Payload, Entry{
			NodeID:     scene.NodeID(we.NodeID),
			FollowType: command.FollowType(we.FollowType),
			Command:    cmd,
		})
	}
	return t, nil
}
