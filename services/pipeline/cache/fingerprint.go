// Copyright (C) 2026 QueryLoom Labs (dev@queryloom.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package cache holds executed query results keyed by statement
// fingerprint, deduplicating concurrent identical executions.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Fingerprint derives the cache key for one execution: the normalized
// statement text, its bound parameters in order, the target source, and
// the schema version active when the statement was built. Any schema
// change in the source therefore keys to a fresh entry.
func Fingerprint(sql string, params []any, sourceID, schemaVersion string) string {
	h := sha256.New()
	h.Write([]byte(normalizeSQL(sql)))
	h.Write([]byte{0})
	for _, p := range params {
		fmt.Fprintf(h, "%T:%v", p, p)
		h.Write([]byte{0})
	}
	h.Write([]byte(sourceID))
	h.Write([]byte{0})
	h.Write([]byte(schemaVersion))
	return hex.EncodeToString(h.Sum(nil))
}

// normalizeSQL collapses whitespace runs so formatting differences in
// otherwise identical statements share a key. Quoted literals never
// appear in generated SQL, so the collapse is safe.
func normalizeSQL(sql string) string {
	return strings.Join(strings.Fields(sql), " ")
}
