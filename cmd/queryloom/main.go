// Copyright (C) 2026 QueryLoom Labs (dev@queryloom.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command queryloom runs the natural-language query gateway.
//
// Usage:
//
//	queryloom serve --config config.yaml
//	QUERYLOOM_PORT=9000 queryloom serve
//
// Example requests:
//
//	# Health check
//	curl http://localhost:12400/health
//
//	# Submit a query (streams SSE progress events)
//	curl -N -X POST http://localhost:12400/v1/queries \
//	  -H "Authorization: Bearer dev" \
//	  -H "Content-Type: application/json" \
//	  -d '{"text": "total sales by region this quarter", "workspace_id": "default"}'
package main

import (
	"log"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}
