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
	"fmt"
	"strings"
)

// Rect is an axis-aligned integer rectangle in screen space.
type Rect struct {
	X int32 `msgpack:"x" json:"x"`
	Y int32 `msgpack:"y" json:"y"`
	W int32 `msgpack:"w" json:"w"`
	H int32 `msgpack:"h" json:"h"`
}

// IsEmpty reports whether the rectangle covers no pixels.
func (r Rect) IsEmpty() bool { return r.W <= 0 || r.H <= 0 }

// Area returns the pixel count covered by r.
func (r Rect) Area() int64 {
	if r.IsEmpty() {
		return 0
	}
	return int64(r.W) * int64(r.H)
}

func (r Rect) right() int32  { return r.X + r.W }
func (r Rect) bottom() int32 { return r.Y + r.H }

// Intersect returns the overlap of r and o.
func (r Rect) Intersect(o Rect) Rect {
	x0, y0 := max(r.X, o.X), max(r.Y, o.Y)
	x1, y1 := min(r.right(), o.right()), min(r.bottom(), o.bottom())
	if x1 <= x0 || y1 <= y0 {
		return Rect{}
	}
	return Rect{X: x0, Y: y0, W: x1 - x0, H: y1 - y0}
}

// String formats the rectangle as "[x, y, w, h]".
func (r Rect) String() string {
	return fmt.Sprintf("[%d, %d, %d, %d]", r.X, r.Y, r.W, r.H)
}

// subtract returns the parts of r outside o as up to four disjoint rects.
func (r Rect) subtract(o Rect) []Rect {
	in := r.Intersect(o)
	if in.IsEmpty() {
		return []Rect{r}
	}
	var out []Rect
	if in.Y > r.Y {
		out = append(out, Rect{X: r.X, Y: r.Y, W: r.W, H: in.Y - r.Y})
	}
	if in.bottom() < r.bottom() {
		out = append(out, Rect{X: r.X, Y: in.bottom(), W: r.W, H: r.bottom() - in.bottom()})
	}
	if in.X > r.X {
		out = append(out, Rect{X: r.X, Y: in.Y, W: in.X - r.X, H: in.H})
	}
	if in.right() < r.right() {
		out = append(out, Rect{X: in.right(), Y: in.Y, W: r.right() - in.right(), H: in.H})
	}
	return out
}

// Region is a set of pixels stored as disjoint rectangles.
//
// The zero value is the empty region. Regions are values; every
// operation returns a new Region.
type Region struct {
	rects []Rect
}

// NewRegion returns a region covering r.
func NewRegion(r Rect) Region {
	if r.IsEmpty() {
		return Region{}
	}
	return Region{rects: []Rect{r}}
}

// IsEmpty reports whether the region covers no pixels.
func (g Region) IsEmpty() bool { return len(g.rects) == 0 }

// Rects returns the disjoint rectangles making up the region.
func (g Region) Rects() []Rect { return g.rects }

// Area returns the pixel count covered by the region.
func (g Region) Area() int64 {
	var a int64
	for _, r := range g.rects {
		a += r.Area()
	}
	return a
}

// Sub returns g minus o.
func (g Region) Sub(o Region) Region {
	cur := g.rects
	for _, cut := range o.rects {
		var next []Rect
		for _, r := range cur {
			next = append(next, r.subtract(cut)...)
		}
		cur = next
		if len(cur) == 0 {
			break
		}
	}
	return Region{rects: cur}
}

// Or returns the union of g and o.
func (g Region) Or(o Region) Region {
	extra := o.Sub(g)
	if extra.IsEmpty() {
		return g
	}
	rects := make([]Rect, 0, len(g.rects)+len(extra.rects))
	rects = append(rects, g.rects...)
	rects = append(rects, extra.rects...)
	return Region{rects: rects}
}

// String formats the region for dumps.
func (g Region) String() string {
	parts := make([]string, len(g.rects))
	for i, r := range g.rects {
		parts[i] = r.String()
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
