// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"fmt"
	"strings"
)

// sectionPrefix starts every section header of a dump report.
const sectionPrefix = "-- "

// StyleDump highlights the section headers and empty-record lines of a
// dump report. Unstyled reports are returned unchanged.
func StyleDump(report string, styled bool) string {
	if !styled || report == "" {
		return report
	}
	lines := strings.Split(report, "\n")
	for i, line := range lines {
		switch {
		case strings.HasPrefix(line, sectionPrefix):
			lines[i] = Styles.Section.Render(line)
		case strings.Contains(line, "no record"):
			lines[i] = Styles.Muted.Render(line)
		}
	}
	return strings.Join(lines, "\n")
}

// Dump prints a dump report under a heading naming the keywords.
func (p *Printer) Dump(args []string, report string) {
	heading := "render dump"
	if len(args) > 0 {
		heading = fmt.Sprintf("render dump %s", strings.Join(args, " "))
	}
	p.Title(heading)
	fmt.Fprint(p.W, StyleDump(report, p.Styled))
	if !strings.HasSuffix(report, "\n") {
		fmt.Fprintln(p.W)
	}
}
