// Copyright (C) 2026 QueryLoom Labs (dev@queryloom.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package safety statically checks generated SQL against the read-only
// capability whitelist and the workspace access policy, and enforces the
// global row cap.
package safety

import (
	"fmt"
	"strconv"
	"strings"
)

// statementShape is the verb/table/limit view of a single SQL statement,
// extracted by a keyword scan. The synthesizer is the only producer of
// the SQL we see here, so a full parser is deliberately out of scope;
// the scan exists to catch compiler bugs and any future synthesis path
// that forgets the contract, not adversarial input.
type statementShape struct {
	Verb   string
	Tables []string
	// Limit is the literal row limit, or 0 when absent.
	Limit int
	// LimitStart/LimitEnd delimit the LIMIT clause in the SQL text for
	// in-place rewriting. Both are 0 when absent.
	LimitStart int
	LimitEnd   int
}

// forbiddenKeywords must never appear anywhere in a generated statement.
var forbiddenKeywords = []string{
	"insert", "update", "delete", "drop", "truncate", "alter",
	"create", "grant", "revoke", "exec", "execute", "merge", "call",
	"attach", "pragma", "copy", "vacuum", "into",
}

// parseStatement scans sql and extracts its shape.
func parseStatement(sql string) (*statementShape, error) {
	trimmed := strings.TrimSpace(sql)
	if trimmed == "" {
		return nil, fmt.Errorf("empty statement")
	}
	if hasBareSemicolon(strings.TrimRight(trimmed, "; \t\n")) {
		return nil, fmt.Errorf("multiple statements are not allowed")
	}

	tokens := tokenize(trimmed)
	if len(tokens) == 0 {
		return nil, fmt.Errorf("empty statement")
	}

	shape := &statementShape{Verb: strings.ToUpper(tokens[0].text)}

	for _, tok := range tokens {
		if tok.quoted {
			continue
		}
		lower := strings.ToLower(tok.text)
		for _, kw := range forbiddenKeywords {
			if lower == kw {
				return nil, fmt.Errorf("forbidden keyword %q", strings.ToUpper(kw))
			}
		}
	}

	for i := 0; i < len(tokens); i++ {
		if tokens[i].quoted {
			continue
		}
		switch strings.ToLower(tokens[i].text) {
		case "from", "join":
			if i+1 < len(tokens) {
				shape.Tables = append(shape.Tables, unquote(tokens[i+1].text))
			}
		case "limit":
			if i+1 < len(tokens) {
				n, err := strconv.Atoi(tokens[i+1].text)
				if err != nil {
					return nil, fmt.Errorf("non-literal LIMIT value %q", tokens[i+1].text)
				}
				shape.Limit = n
				shape.LimitStart = tokens[i].offset
				shape.LimitEnd = tokens[i+1].offset + len(tokens[i+1].text)
			}
		}
	}

	return shape, nil
}

// hasBareSemicolon reports a semicolon outside any quoted region.
func hasBareSemicolon(sql string) bool {
	var quote byte
	for i := 0; i < len(sql); i++ {
		c := sql[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"' || c == '`':
			quote = c
		case c == ';':
			return true
		}
	}
	return false
}

type token struct {
	text   string
	offset int
	quoted bool
}

// tokenize splits sql on whitespace, punctuation, and quotes. Quoted
// identifiers and string literals come back as single tokens.
func tokenize(sql string) []token {
	var out []token
	i := 0
	for i < len(sql) {
		c := sql[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r' ||
			c == '(' || c == ')' || c == ',' || c == ';':
			i++

		case c == '\'' || c == '"' || c == '`':
			start := i
			i++
			for i < len(sql) && sql[i] != c {
				i++
			}
			if i < len(sql) {
				i++
			}
			out = append(out, token{text: sql[start:i], offset: start, quoted: c == '\''})

		default:
			start := i
			for i < len(sql) && !strings.ContainsRune(" \t\n\r(),;'\"`", rune(sql[i])) {
				i++
			}
			out = append(out, token{text: sql[start:i], offset: start})
		}
	}
	return out
}

func unquote(ident string) string {
	if len(ident) >= 2 {
		first := ident[0]
		if (first == '"' || first == '`') && ident[len(ident)-1] == first {
			return ident[1 : len(ident)-1]
		}
	}
	return ident
}
