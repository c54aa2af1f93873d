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
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianRender/services/render/scene"
	badgerstore "github.com/AleutianAI/AleutianRender/services/render/storage/badger"
)

// CompositionTimeoutEvent is the name of the slow-frame event.
const CompositionTimeoutEvent = "RS_COMPOSITION_TIMEOUT"

// recentEventLimit bounds the events listed by the EventParamList dump.
const recentEventLimit = 20

// detectCompositionTimeout records a composition timeout for a frame
// longer than the threshold, at most once per report interval.
func (s *Scheduler) detectCompositionTimeout(ctx *scene.Context, d time.Duration, now time.Time) {
	if d <= s.cfg.CompositionTimeout {
		return
	}
	s.metrics.RecordCompositionTimeout()
	if last, ok := s.lastReport[CompositionTimeoutEvent]; ok && now.Sub(last) < s.cfg.EventReportInterval {
		return
	}
	s.lastReport[CompositionTimeoutEvent] = now

	focus := s.FocusApp()
	ev := badgerstore.Event{
		Name:      CompositionTimeoutEvent,
		Timestamp: now.UnixNano(),
		Params: map[string]string{
			"frame_ms":     strconv.FormatInt(d.Milliseconds(), 10),
			"vsync_ts":     strconv.FormatInt(ctx.CurrentTimestamp, 10),
			"pid":          strconv.Itoa(int(focus.Pid)),
			"uid":          strconv.Itoa(int(focus.UID)),
			"bundle_name":  focus.BundleName,
			"ability_name": focus.AbilityName,
		},
	}
	s.logger.Warn("composition timeout",
		slog.Int64("frame_ms", d.Milliseconds()),
		slog.String("bundle_name", focus.BundleName),
		slog.String("ability_name", focus.AbilityName))
	if s.cfg.Journal == nil {
		return
	}
	if err := s.cfg.Journal.Append(s.runCtx, ev); err != nil {
		s.logger.Error("failed to journal event",
			slog.String("event", ev.Name),
			slog.String("error", err.Error()))
	}
}

// DumpEventParamList writes the detector parameters, recent events and
// the per-client visibility state. Call from a task.
func (s *Scheduler) DumpEventParamList(ctx context.Context, sb *strings.Builder) {
	sb.WriteString("\n-- EventParamListDump: \n")
	prefix := "rosen.RsDFXEvent." + CompositionTimeoutEvent
	fmt.Fprintf(sb, "%s.timeOutThresholdMs: %d\n", prefix, s.cfg.CompositionTimeout.Milliseconds())
	fmt.Fprintf(sb, "%s.eventIntervalMs: %d\n", prefix, s.cfg.EventReportInterval.Milliseconds())

	if s.cfg.Journal != nil {
		events, err := s.cfg.Journal.Recent(ctx, recentEventLimit)
		if err != nil {
			fmt.Fprintf(sb, "recent events unavailable: %v\n", err)
		}
		for _, ev := range events {
			fmt.Fprintf(sb, "event %s at %s:", ev.Name, time.Unix(0, ev.Timestamp).UTC().Format(time.RFC3339Nano))
			for _, k := range sortedKeys(ev.Params) {
				fmt.Fprintf(sb, " %s=%s", k, ev.Params[k])
			}
			sb.WriteByte('\n')
		}
	}

	sb.WriteString("-- QosDump: \n")
	sb.WriteString("QOS is disabled\n")
	for _, pid := range sortedKeys(s.visibility.lastPidVisible) {
		fmt.Fprintf(sb, "pid[%d] visible[%t]\n", pid, s.visibility.lastPidVisible[pid])
	}
}
