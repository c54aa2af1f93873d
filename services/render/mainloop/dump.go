// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package mainloop

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/AleutianAI/AleutianRender/services/render/scene"
)

// The dump writers below read scheduler-owned state and must run inside
// a task.

// DumpRenderServiceTree writes the animating nodes and the scene tree.
func (s *Scheduler) DumpRenderServiceTree(ctx *scene.Context, sb *strings.Builder) {
	sb.WriteString("\n-- RenderServiceTreeDump: \n")
	sb.WriteString("Animating Node: [")
	for _, id := range ctx.Registry().AnimatingNodeIDs() {
		fmt.Fprintf(sb, "%d, ", id)
	}
	sb.WriteString("];\n")
	ctx.Registry().DumpTree(sb)
}

// DumpNodesNotOnTree writes every registered surface that is off the tree.
func (s *Scheduler) DumpNodesNotOnTree(ctx *scene.Context, sb *strings.Builder) {
	sb.WriteString("\n-- Node Not On Tree\n")
	ctx.Registry().DumpNodesNotOnTree(sb)
}

// DumpAllSurfacesMem writes the buffer memory of every surface.
func (s *Scheduler) DumpAllSurfacesMem(ctx *scene.Context, sb *strings.Builder) {
	sb.WriteString("\n-- All Surfaces Memory Size\n")
	var total int64
	ctx.Registry().TraverseSurfaceNodes(func(sn *scene.SurfaceNode) {
		total += sn.MemorySize()
		sn.DumpBuffers(sb)
	})
	fmt.Fprintf(sb, "the memory size of all surfaces buffer is : %.2f KiB\n", float64(total)/1024)
}

// DumpTransactionState writes the ordering state of every sender and the
// legacy commands still waiting on a buffer.
func (s *Scheduler) DumpTransactionState(sb *strings.Builder) {
	sb.WriteString("\n-- Transaction Senders\n")
	for _, st := range s.seq.Snapshot() {
		fmt.Fprintf(sb, "pid[%d] lastIndex[%d] pending[%d] waiting[%t] skipped[%d] stale[%d]\n",
			st.Pid, st.LastIndex, st.Pending, st.Waiting, st.Skipped, st.Stale)
	}
	fmt.Fprintf(sb, "legacy cached commands[%d] unified[%t] waitingForBuffers[%t]\n",
		s.legacy.cachedCount(), s.unified.Load(), s.waitingBufs)
}

func sortedKeys[K cmp.Ordered, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
