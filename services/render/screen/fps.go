// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package screen

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

const (
	// FpsRecordCount is how many frame timestamps are kept per layer.
	FpsRecordCount = 120

	// ComposerLayer is the layer name for whole-screen composition.
	ComposerLayer = "composer"
)

type fpsRing struct {
	records [FpsRecordCount]int64
	next    int
}

func (r *fpsRing) add(ts int64) {
	r.records[r.next] = ts
	r.next = (r.next + 1) % FpsRecordCount
}

// ordered returns the records oldest first.
func (r *fpsRing) ordered() []int64 {
	out := make([]int64, 0, FpsRecordCount)
	for i := 0; i < FpsRecordCount; i++ {
		out = append(out, r.records[(r.next+i)%FpsRecordCount])
	}
	return out
}

type fpsRecords struct {
	mu     sync.Mutex
	layers map[string]*fpsRing
}

func newFpsRecords() *fpsRecords {
	return &fpsRecords{layers: map[string]*fpsRing{ComposerLayer: {}}}
}

// RecordFrame stores a frame timestamp (ns) for layer, which is
// ComposerLayer or a surface name.
func (m *Manager) RecordFrame(layer string, ts int64) {
	m.fps.mu.Lock()
	defer m.fps.mu.Unlock()
	r, ok := m.fps.layers[layer]
	if !ok {
		r = &fpsRing{}
		m.fps.layers[layer] = r
	}
	r.add(ts)
}

// FpsRecords returns the records of layer oldest first, or nil if the
// layer never rendered.
func (m *Manager) FpsRecords(layer string) []int64 {
	m.fps.mu.Lock()
	defer m.fps.mu.Unlock()
	r, ok := m.fps.layers[layer]
	if !ok {
		return nil
	}
	return r.ordered()
}

// FpsLayers returns every layer with records, sorted.
func (m *Manager) FpsLayers() []string {
	m.fps.mu.Lock()
	defer m.fps.mu.Unlock()
	names := make([]string, 0, len(m.fps.layers))
	for name := range m.fps.layers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FpsDump writes the recent frame timestamps of layer.
func (m *Manager) FpsDump(sb *strings.Builder, layer string) {
	sb.WriteString("\n-- The recently fps records info of screens:\n")
	records := m.FpsRecords(layer)
	if records == nil {
		fmt.Fprintf(sb, "\nThere is no fps record of layer [%s].\n", layer)
		return
	}
	if layer == ComposerLayer {
		fmt.Fprintf(sb, "\nThe fps of screen [Id:%d] is:\n", m.DefaultScreenID())
	} else {
		fmt.Fprintf(sb, "\n surface [%s]:\n", layer)
	}
	for _, ts := range records {
		fmt.Fprintf(sb, "%d\n", ts)
	}
}

// ClearFpsDump resets the records of layer.
func (m *Manager) ClearFpsDump(sb *strings.Builder, layer string) {
	sb.WriteString("\n-- Clear fps records info of screens:\n")
	m.fps.mu.Lock()
	r, ok := m.fps.layers[layer]
	if ok {
		*r = fpsRing{}
	}
	m.fps.mu.Unlock()

	switch {
	case !ok:
		fmt.Fprintf(sb, "\nThere is no fps record of layer [%s].\n", layer)
	case layer == ComposerLayer:
		fmt.Fprintf(sb, "\nThe fps info of screen [Id:%d] is cleared.\n", m.DefaultScreenID())
	default:
		fmt.Fprintf(sb, "\n The fps info of surface [%s] is cleared.\n", layer)
	}
}
