// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package scene

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRect_Intersect(t *testing.T) {
	tests := []struct {
		name string
		a, b Rect
		want Rect
	}{
		{"overlap", Rect{0, 0, 10, 10}, Rect{5, 5, 10, 10}, Rect{5, 5, 5, 5}},
		{"contained", Rect{0, 0, 10, 10}, Rect{2, 2, 2, 2}, Rect{2, 2, 2, 2}},
		{"disjoint", Rect{0, 0, 10, 10}, Rect{20, 20, 5, 5}, Rect{}},
		{"touching edge", Rect{0, 0, 10, 10}, Rect{10, 0, 5, 5}, Rect{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Intersect(tt.b))
		})
	}
}

func TestRegion_Sub(t *testing.T) {
	full := NewRegion(Rect{0, 0, 100, 100})

	hole := full.Sub(NewRegion(Rect{25, 25, 50, 50}))
	assert.Equal(t, int64(100*100-50*50), hole.Area())

	gone := full.Sub(NewRegion(Rect{-10, -10, 200, 200}))
	assert.True(t, gone.IsEmpty())

	untouched := full.Sub(NewRegion(Rect{200, 200, 10, 10}))
	assert.Equal(t, full.Area(), untouched.Area())
}

func TestRegion_Or(t *testing.T) {
	a := NewRegion(Rect{0, 0, 10, 10})
	b := NewRegion(Rect{5, 0, 10, 10})

	u := a.Or(b)
	assert.Equal(t, int64(150), u.Area(), "overlap counted once")

	assert.Equal(t, a.Area(), a.Or(NewRegion(Rect{2, 2, 2, 2})).Area())
	assert.Equal(t, a.Area(), Region{}.Or(a).Area())
}

func TestNewRegion_Empty(t *testing.T) {
	assert.True(t, NewRegion(Rect{0, 0, 0, 10}).IsEmpty())
	assert.Equal(t, "{}", Region{}.String())
	assert.Equal(t, "{[1, 2, 3, 4]}", NewRegion(Rect{1, 2, 3, 4}).String())
}
