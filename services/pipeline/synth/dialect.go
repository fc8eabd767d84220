// Copyright (C) 2026 QueryLoom Labs (dev@queryloom.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package synth

import (
	"fmt"
	"strings"
	"time"
)

// Grammar captures the dialect-specific pieces of SQL generation.
// Everything the synthesizer emits goes through the grammar, so adding a
// dialect means adding one table entry, not touching the compiler.
type Grammar struct {
	Name string

	// Placeholder renders the n-th (1-based) bind parameter.
	Placeholder func(n int) string

	// QuoteRune is the identifier quote character.
	QuoteRune rune

	// SupportsWindowFunctions gates OpTrend.
	SupportsWindowFunctions bool

	// DriverName is the database/sql driver this dialect executes on.
	// Empty means synthesis-only (no registered driver).
	DriverName string
}

var grammars = map[string]Grammar{
	"postgres": {
		Name:                    "postgres",
		Placeholder:             func(n int) string { return fmt.Sprintf("$%d", n) },
		QuoteRune:               '"',
		SupportsWindowFunctions: true,
		DriverName:              "pgx",
	},
	"sqlite": {
		Name:                    "sqlite",
		Placeholder:             func(n int) string { return "?" },
		QuoteRune:               '"',
		SupportsWindowFunctions: true,
		DriverName:              "sqlite3",
	},
	"mysql": {
		Name:                    "mysql",
		Placeholder:             func(n int) string { return "?" },
		QuoteRune:               '`',
		SupportsWindowFunctions: false,
	},
}

// GrammarFor returns the grammar for a dialect name.
func GrammarFor(dialect string) (Grammar, bool) {
	g, ok := grammars[strings.ToLower(dialect)]
	return g, ok
}

// Dialects lists the registered dialect names.
func Dialects() []string {
	out := make([]string, 0, len(grammars))
	for name := range grammars {
		out = append(out, name)
	}
	return out
}

// reservedIdents are quoted unconditionally; everything else stays bare
// so generated SQL remains readable.
var reservedIdents = map[string]bool{
	"select": true, "from": true, "where": true, "group": true,
	"order": true, "limit": true, "by": true, "table": true,
	"user": true, "order_": false, "when": true, "case": true,
	"join": true, "on": true, "and": true, "or": true, "not": true,
}

// quoteIdent quotes ident with the grammar's quote rune when it is a
// reserved word or contains characters that need quoting.
func (g Grammar) quoteIdent(ident string) string {
	needs := reservedIdents[strings.ToLower(ident)]
	if !needs {
		for _, r := range ident {
			if !(r == '_' || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')) {
				needs = true
				break
			}
		}
	}
	if !needs {
		return ident
	}
	q := string(g.QuoteRune)
	return q + strings.ReplaceAll(ident, q, q+q) + q
}

// resolveRange turns a relative range into concrete [start, end) bounds.
// now is a synthesizer input, keeping synthesis a pure function.
func resolveRange(rel string, now time.Time) (time.Time, time.Time, bool) {
	y, m, d := now.Date()
	loc := now.Location()
	today := time.Date(y, m, d, 0, 0, 0, 0, loc)

	switch rel {
	case "today":
		return today, today.AddDate(0, 0, 1), true
	case "last_7_days":
		return today.AddDate(0, 0, -7), today, true
	case "last_30_days":
		return today.AddDate(0, 0, -30), today, true
	case "this_month":
		start := time.Date(y, m, 1, 0, 0, 0, 0, loc)
		return start, start.AddDate(0, 1, 0), true
	case "last_month":
		start := time.Date(y, m, 1, 0, 0, 0, 0, loc).AddDate(0, -1, 0)
		return start, start.AddDate(0, 1, 0), true
	case "this_quarter":
		start := quarterStart(now)
		return start, start.AddDate(0, 3, 0), true
	case "last_quarter":
		end := quarterStart(now)
		return end.AddDate(0, -3, 0), end, true
	case "this_year":
		start := time.Date(y, 1, 1, 0, 0, 0, 0, loc)
		return start, start.AddDate(1, 0, 0), true
	}
	return time.Time{}, time.Time{}, false
}

func quarterStart(now time.Time) time.Time {
	y, m, _ := now.Date()
	qm := time.Month(((int(m)-1)/3)*3 + 1)
	return time.Date(y, qm, 1, 0, 0, 0, 0, now.Location())
}
