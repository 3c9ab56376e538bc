// Package sqlguard validates that a SQL statement is a single read-only
// query and executes it against a pool with an enforced timeout. It is the
// safety boundary between rule-authored or LLM-suggested SQL and the
// target database — invoked on every poll and every ad-hoc rule run.
package sqlguard

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrUnsafeSQL is returned when a statement fails the read-only guard.
var ErrUnsafeSQL = errors.New("unsafe_sql")

// Info describes properties of a validated statement.
type Info struct {
	Normalized string
}

var forbiddenKeywords = []string{
	"insert", "update", "delete", "drop", "alter", "truncate", "create",
	"grant", "revoke", "copy", "vacuum", "reindex", "call", "execute",
	"merge", "replace", "lock", "listen", "notify", "do",
}

// identifier-ish leading-keyword matcher, used to ignore occurrences of
// forbidden words inside string literals or as part of column names.
var wordRe = regexp.MustCompile(`[a-zA-Z_][a-zA-Z0-9_]*`)

// Guard validates SQL text for read-only, single-statement shape.
type Guard struct{}

// New creates a Guard.
func New() *Guard {
	return &Guard{}
}

// Validate rejects multi-statement input, DDL/DML/privilege-escalating
// constructs, and anything that doesn't parse as a single SELECT or
// WITH ... SELECT statement. It returns the trimmed statement on success.
func (g *Guard) Validate(sql string) (string, Info, error) {
	trimmed := strings.TrimSpace(sql)
	if trimmed == "" {
		return "", Info{}, fmt.Errorf("%w: empty statement", ErrUnsafeSQL)
	}

	stripped := stripStringLiterals(trimmed)

	// Reject multi-statement input: a semicolon anywhere except a single
	// trailing one.
	body := strings.TrimRight(stripped, " \t\n\r")
	body = strings.TrimSuffix(body, ";")
	if strings.Contains(body, ";") {
		return "", Info{}, fmt.Errorf("%w: multiple statements", ErrUnsafeSQL)
	}

	lower := strings.ToLower(body)
	firstWord := firstKeyword(lower)
	if firstWord != "select" && firstWord != "with" {
		return "", Info{}, fmt.Errorf("%w: must be a SELECT or WITH...SELECT statement, got %q", ErrUnsafeSQL, firstWord)
	}
	if firstWord == "with" && !strings.Contains(lower, "select") {
		return "", Info{}, fmt.Errorf("%w: WITH clause must contain a SELECT", ErrUnsafeSQL)
	}

	for _, kw := range forbiddenKeywords {
		if containsWord(lower, kw) {
			return "", Info{}, fmt.Errorf("%w: forbidden keyword %q", ErrUnsafeSQL, kw)
		}
	}

	normalized := strings.TrimSuffix(strings.TrimSpace(trimmed), ";")
	return normalized, Info{Normalized: normalized}, nil
}

func firstKeyword(lower string) string {
	loc := wordRe.FindStringIndex(lower)
	if loc == nil {
		return ""
	}
	return lower[loc[0]:loc[1]]
}

func containsWord(haystack, word string) bool {
	for _, m := range wordRe.FindAllString(haystack, -1) {
		if m == word {
			return true
		}
	}
	return false
}

// stripStringLiterals blanks out single-quoted string contents so keyword
// scanning and semicolon-counting don't trip on literal text.
func stripStringLiterals(sql string) string {
	var b strings.Builder
	b.Grow(len(sql))
	inString := false
	for i := 0; i < len(sql); i++ {
		c := sql[i]
		if c == '\'' {
			inString = !inString
			b.WriteByte(' ')
			continue
		}
		if inString {
			b.WriteByte(' ')
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}
