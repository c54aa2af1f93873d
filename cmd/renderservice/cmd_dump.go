// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianRender/pkg/ux"
	"github.com/AleutianAI/AleutianRender/services/render/transport"
)

const dumpTimeout = 10 * time.Second

func newDumpCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "dump [keyword...]",
		Short: "Print diagnostic dumps from a running render service",
		Long: `Print diagnostic dumps from a running render service.

Keywords are passed through in order, for example "screen", "allInfo",
"composer fps" or "h" for the list of keywords.`,
		Example: "  renderservice dump allInfo\n  renderservice dump composer fps",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			resp, err := fetchDump(ctx, http.DefaultClient, addr, args)
			p := printerFor(cmd)
			if err != nil {
				p.Error(err.Error())
				return err
			}
			p.Dump(resp.Args, resp.Report)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8089", "address of the render service")
	return cmd
}

// printerFor styles output only when the command writes to a terminal.
func printerFor(cmd *cobra.Command) *ux.Printer {
	out := cmd.OutOrStdout()
	if f, ok := out.(*os.File); ok {
		return ux.NewPrinter(f)
	}
	return &ux.Printer{W: out}
}

// fetchDump calls GET /v1/render/dump on addr with one arg per keyword.
func fetchDump(ctx context.Context, client *http.Client, addr string, args []string) (*transport.DumpResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, dumpTimeout)
	defer cancel()

	q := url.Values{}
	for _, a := range args {
		q.Add("arg", a)
	}
	u := url.URL{Scheme: "http", Host: addr, Path: "/v1/render/dump", RawQuery: q.Encode()}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("render service unreachable at %s: %w", addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e transport.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Error == "" {
			return nil, fmt.Errorf("dump failed: %s", resp.Status)
		}
		return nil, fmt.Errorf("dump failed: %s", e.Error)
	}
	var out transport.DumpResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode dump response: %w", err)
	}
	return &out, nil
}
