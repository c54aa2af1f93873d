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
	"strings"

	"github.com/AleutianAI/AleutianRender/services/render/scene"
)

// DisplayDump writes one block per screen: id, power, backlight, type,
// modes and capability for physical screens; size for virtual ones.
func (m *Manager) DisplayDump(sb *strings.Builder) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for index, id := range m.sortedIDsLocked() {
		s := m.screens[id]
		sb.WriteString("-- ScreenInfo\n")
		if s.virtual() {
			fmt.Fprintf(sb, "screen[%d]: id=%d, name=%s, ownerPid=%d, %dx%d, isvirtual=true\n",
				index, s.id, s.name, s.ownerPid, s.width, s.height)
			continue
		}
		fmt.Fprintf(sb, "screen[%d]: id=%d, powerstatus=%s, backlight=%d, screenType=%s\n",
			index, s.id, s.power, s.backlight, s.typ)
		for i, mode := range s.modes {
			fmt.Fprintf(sb, "  supportedMode[%d]: %dx%d, refreshrate=%d\n",
				i, mode.Width, mode.Height, mode.RefreshRate)
		}
		active := s.modes[s.activeMode]
		fmt.Fprintf(sb, "  activeMode: %dx%d, refreshrate=%d\n", active.Width, active.Height, active.RefreshRate)
		c := s.capability()
		fmt.Fprintf(sb, "  capability: name=%s, phywidth=%d, phyheight=%d, supportlayers=%d\n",
			c.Name, c.PhyWidth, c.PhyHeight, c.SupportLayers)
	}
}

// SurfaceDump writes the buffer state of every on-tree surface, topmost
// first, for each physical screen.
func (m *Manager) SurfaceDump(sb *strings.Builder, reg *scene.Registry) {
	m.mu.Lock()
	var physical []ID
	for _, id := range m.sortedIDsLocked() {
		if !m.screens[id].virtual() {
			physical = append(physical, id)
		}
	}
	m.mu.Unlock()

	surfaces := reg.CollectSurfacesInZOrder()
	for _, id := range physical {
		fmt.Fprintf(sb, "\n-- LayerInfo of screen [Id:%d]\n", id)
		for i := len(surfaces) - 1; i >= 0; i-- {
			surfaces[i].DumpBuffers(sb)
		}
	}
}
