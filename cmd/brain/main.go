// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// brain manages the Brain configuration and memory placement for the
// note backend: inspecting config, moving project memories, importing
// agent files, and serving the MCP tool surface.
package main

import (
	"fmt"
	"os"

	"github.com/AleutianAI/brain/services/brain/brainerr"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(brainerr.ExitCode(err))
	}
}
