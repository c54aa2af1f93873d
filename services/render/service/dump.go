// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package service

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianRender/services/render/scene"
	"github.com/AleutianAI/AleutianRender/services/render/telemetry"
)

const tracerName = "aleutian.render.service"

// Dump keywords.
const (
	KeywordHelp           = "h"
	KeywordScreen         = "screen"
	KeywordSurface        = "surface"
	KeywordFps            = "fps"
	KeywordFpsClear       = "fpsClear"
	KeywordNodeNotOnTree  = "nodeNotOnTree"
	KeywordAllSurfacesMem = "allSurfacesMem"
	KeywordRSTree         = "RSTree"
	KeywordEventParamList = "EventParamList"
	KeywordAllInfo        = "allInfo"
)

var dumpKeywords = []string{
	KeywordHelp, KeywordScreen, KeywordSurface, KeywordFps, KeywordFpsClear,
	KeywordNodeNotOnTree, KeywordAllSurfacesMem, KeywordRSTree,
	KeywordEventParamList, KeywordAllInfo,
}

// HelpText lists the dump keywords.
const HelpText = "------Graphic2D--RenderSerice ------\n" +
	"Usage:\n" +
	" h                             |help text for the tool\n" +
	"screen                         |dump all screen infomation in the system\n" +
	"surface                        |dump all surface information\n" +
	"composer fps                   |dump the fps info of composer\n" +
	"[surface name] fps             |dump the fps info of surface\n" +
	"composer fpsClear                   |clear the fps info of composer\n" +
	"[surface name] fpsClear             |clear the fps info of surface\n" +
	"nodeNotOnTree                  |dump nodeNotOnTree info\n" +
	"allSurfacesMem                 |dump surface mem info\n" +
	"RSTree                         |dump RSTree info\n" +
	"EventParamList                 |dump EventParamList info\n" +
	"allInfo                        |dump all info\n"

// dumpSection is one report generated inside a scheduler task.
type dumpSection struct {
	keyword string
	write   func(ctx context.Context, sc *scene.Context, sb *strings.Builder)
}

// Dump builds the diagnostic report selected by args.
//
// # Description
//
// Each recognized keyword adds its report; allInfo adds all of them
// except the fps reports. fps and fpsClear take the layer to report on
// from the remaining arguments (composer or a surface name). Empty args,
// h, or a report that came out empty yield the help text. Every report
// is generated in a scheduler task. Identical concurrent requests share
// one run.
//
// # Outputs
//
//   - string: The report, never empty.
//   - error: mainloop.ErrSchedulerStopped after shutdown.
func (s *Service) Dump(ctx context.Context, args []string) (string, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "service.Dump",
		trace.WithAttributes(attribute.StringSlice("dump.args", args)))
	defer span.End()

	key := strings.Join(args, "\x00")
	v, err, shared := s.dumps.Do(key, func() (any, error) {
		return s.doDump(ctx, args)
	})
	span.SetAttributes(attribute.Bool("dump.shared", shared))
	if err != nil {
		telemetry.RecordError(span, err)
		return "", err
	}
	return v.(string), nil
}

func (s *Service) doDump(ctx context.Context, args []string) (string, error) {
	set := make(map[string]bool, len(args))
	for _, a := range args {
		set[a] = true
	}
	all := set[KeywordAllInfo]
	sched := s.cfg.Scheduler
	screens := sched.Screens()

	sections := []dumpSection{
		{KeywordScreen, func(_ context.Context, _ *scene.Context, sb *strings.Builder) {
			screens.DisplayDump(sb)
		}},
		{KeywordSurface, func(_ context.Context, sc *scene.Context, sb *strings.Builder) {
			screens.SurfaceDump(sb, sc.Registry())
		}},
		{KeywordNodeNotOnTree, func(_ context.Context, sc *scene.Context, sb *strings.Builder) {
			sched.DumpNodesNotOnTree(sc, sb)
		}},
		{KeywordAllSurfacesMem, func(_ context.Context, sc *scene.Context, sb *strings.Builder) {
			sched.DumpAllSurfacesMem(sc, sb)
		}},
		{KeywordRSTree, func(_ context.Context, sc *scene.Context, sb *strings.Builder) {
			sched.DumpRenderServiceTree(sc, sb)
			sched.DumpTransactionState(sb)
		}},
		{KeywordEventParamList, func(c context.Context, _ *scene.Context, sb *strings.Builder) {
			sched.DumpEventParamList(c, sb)
		}},
	}

	var sb strings.Builder
	for _, sec := range sections {
		if !all && !set[sec.keyword] {
			continue
		}
		if err := sched.PostSyncTask(func(sc *scene.Context) { sec.write(ctx, sc, &sb) }); err != nil {
			return "", fmt.Errorf("dump %s: %w", sec.keyword, err)
		}
	}

	if set[KeywordFps] {
		layer := fpsLayer(args, KeywordFps)
		if err := sched.PostSyncTask(func(*scene.Context) { screens.FpsDump(&sb, layer) }); err != nil {
			return "", fmt.Errorf("dump fps: %w", err)
		}
	}
	if set[KeywordFpsClear] {
		layer := fpsLayer(args, KeywordFpsClear)
		if err := sched.PostSyncTask(func(*scene.Context) { screens.ClearFpsDump(&sb, layer) }); err != nil {
			return "", fmt.Errorf("dump fpsClear: %w", err)
		}
	}

	if len(args) == 0 || set[KeywordHelp] || sb.Len() == 0 {
		sb.WriteString(HelpText)
	}
	return sb.String(), nil
}

// fpsLayer picks the layer argument for an fps keyword: the first
// argument that is not a keyword, or else the first other argument.
func fpsLayer(args []string, keyword string) string {
	var fallback string
	for _, a := range args {
		if a == keyword {
			continue
		}
		if !slices.Contains(dumpKeywords, a) {
			return a
		}
		if fallback == "" {
			fallback = a
		}
	}
	return fallback
}
