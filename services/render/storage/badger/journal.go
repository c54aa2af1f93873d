// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"
)

const journalPrefix = "event/"

// ErrNilDB is returned by NewJournal for a nil store.
var ErrNilDB = errors.New("badger: nil database")

// Event is one diagnostic event, e.g. a composition timeout.
type Event struct {
	Name      string            `msgpack:"name"`
	Timestamp int64             `msgpack:"ts"`
	Params    map[string]string `msgpack:"params"`
}

// Journal is an append-only event log keyed by sequence number.
//
// # Thread Safety
//
// Safe for concurrent use.
type Journal struct {
	db  *DB
	seq *badger.Sequence

	mu sync.Mutex
}

// NewJournal opens the journal in db.
func NewJournal(db *DB) (*Journal, error) {
	if db == nil {
		return nil, ErrNilDB
	}
	seq, err := db.GetSequence([]byte("seq/"+journalPrefix), 64)
	if err != nil {
		return nil, fmt.Errorf("journal sequence: %w", err)
	}
	return &Journal{db: db, seq: seq}, nil
}

func journalKey(n uint64) []byte {
	key := make([]byte, len(journalPrefix)+8)
	copy(key, journalPrefix)
	binary.BigEndian.PutUint64(key[len(journalPrefix):], n)
	return key
}

// Append stores ev after every previously appended event.
func (j *Journal) Append(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := msgpack.Marshal(&ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	n, err := j.seq.Next()
	if err != nil {
		return fmt.Errorf("next journal sequence: %w", err)
	}
	return j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(journalKey(n), data)
	})
}

// Recent returns up to limit events, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		return nil, nil
	}
	var out []Event
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte(journalPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration seeks from just past the prefix range.
		for it.Seek(append([]byte(journalPrefix), 0xff)); it.Valid() && len(out) < limit; it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var ev Event
			if err := it.Item().Value(func(val []byte) error {
				return msgpack.Unmarshal(val, &ev)
			}); err != nil {
				return fmt.Errorf("decode event: %w", err)
			}
			out = append(out, ev)
		}
		return nil
	})
	return out, err
}

// Close releases the sequence lease. The store stays open.
func (j *Journal) Close() error {
	return j.seq.Release()
}
