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

// DumpTree writes the tree under the root, one node per line, indented
// by depth.
func (r *Registry) DumpTree(sb *strings.Builder) {
	dumpNode(sb, r.root, 0)
}

// DumpNodesNotOnTree writes every registered surface node that is not
// reachable from the root.
func (r *Registry) DumpNodesNotOnTree(sb *strings.Builder) {
	r.TraverseSurfaceNodes(func(s *SurfaceNode) {
		if s.IsOnTree() {
			return
		}
		fmt.Fprintf(sb, "%s\n", describeNode(s))
	})
}

func dumpNode(sb *strings.Builder, n Node, depth int) {
	sb.WriteString(strings.Repeat("  ", depth))
	sb.WriteString("| ")
	sb.WriteString(describeNode(n))
	sb.WriteByte('\n')
	for _, c := range n.Base().children {
		dumpNode(sb, c, depth+1)
	}
}

func describeNode(n Node) string {
	b := n.Base()
	line := fmt.Sprintf("%s[%d], Pid[%d], OnTree[%t]", n.Kind(), n.ID(), n.Owner(), b.onTree)
	switch v := n.(type) {
	case *SurfaceNode:
		line += fmt.Sprintf(", Name[%s], DstRect%s, Alpha[%.2f], Visible%s",
			v.Name, v.dstRect, v.alpha, v.visibleRegion)
	case *DisplayNode:
		line += fmt.Sprintf(", ScreenId[%d]", v.ScreenID)
	}
	if len(b.animations) > 0 {
		line += fmt.Sprintf(", Animations[%d]", len(b.animations))
	}
	return line
}

// DumpBuffers writes per-surface buffer state for surface dumps.
func (s *SurfaceNode) DumpBuffers(sb *strings.Builder) {
	fmt.Fprintf(sb, "  SurfaceNode[%d] Name[%s] Pid[%d] queued[%d] released[%d] mem[%d]",
		s.id, s.Name, s.owner, len(s.queue), s.released, s.MemorySize())
	if s.current != nil {
		fmt.Fprintf(sb, " current[seq=%d %dx%d ts=%d]", s.current.Seq, s.current.Width, s.current.Height, s.current.Timestamp)
	}
	sb.WriteByte('\n')
}
