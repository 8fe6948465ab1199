// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command causal builds causal graphs from program structure, fits
// mechanisms from execution traces, and answers "what if" queries.
//
// Usage:
//
//	causal serve --config causal.yaml
//	causal build --module service.json
//	causal fit --module service.json --traces traces.csv --out model.json
//	causal impact --model-file model.json --set var:rate=2 --observe ret:main
//	causal models list
//
// Example requests against a running server:
//
//	# Health check
//	curl http://localhost:12230/v1/causal/health
//
//	# Build and fit a model
//	curl -X POST http://localhost:12230/v1/causal/models \
//	  -H "Content-Type: application/json" \
//	  -d @create_model.json
//
//	# Estimate the impact of forcing a variable
//	curl -X POST http://localhost:12230/v1/causal/models/<id>/impact \
//	  -H "Content-Type: application/json" \
//	  -d '{"interventions": {"var:rate": 2}}'
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
