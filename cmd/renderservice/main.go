// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command renderservice runs the Aleutian render service and talks to a
// running one.
//
// Usage:
//
//	renderservice serve --config render.yaml
//	renderservice dump screen composer fps
//	renderservice config print
//
// Example requests against a running service:
//
//	curl http://127.0.0.1:8089/v1/render/health
//	curl 'http://127.0.0.1:8089/v1/render/dump?arg=allInfo'
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "renderservice",
		Short: "The Aleutian render service",
		Long: `renderservice composes client scenes into frames on a VSync
driven schedule and serves clients over websockets.`,
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd(), newDumpCmd(), newConfigCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
