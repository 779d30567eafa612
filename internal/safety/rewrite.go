package safety

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Dialect selects how a missing row limit is expressed.
type Dialect string

const (
	DialectTSQL Dialect = "tsql"
	DialectANSI Dialect = "ansi"
)

var (
	ErrLimitTooHigh     = errors.New("result limit too high")
	ErrNoRowLimitTarget = errors.New("cannot apply row limit")
)

func ParseDialect(raw string) (Dialect, error) {
	switch Dialect(strings.ToLower(strings.TrimSpace(raw))) {
	case DialectTSQL, "mssql", "sqlserver":
		return DialectTSQL, nil
	case DialectANSI, "duckdb", "postgres":
		return DialectANSI, nil
	default:
		return "", fmt.Errorf("unknown sql dialect %q", raw)
	}
}

// limitClause is an existing row limit found in a statement. unbounded is
// set for LIMIT ALL, TOP n PERCENT and limits that are not literal integers.
type limitClause struct {
	rows      int
	unbounded bool
}

// rewrite returns the statement text with a row limit applied and whether it
// differs from the candidate text.
func (v *Validator) rewrite(st *statement) (string, bool, error) {
	primary := st.primarySelect()
	if clause, ok := findLimit(st, primary); ok {
		if clause.unbounded || clause.rows > v.maxRowLimit {
			return "", false, ErrLimitTooHigh
		}
		return st.text, false, nil
	}

	limit := strconv.Itoa(v.defaultRowLimit)
	if v.dialect == DialectANSI {
		end := st.contentEnd()
		return st.text[:end] + " LIMIT " + limit + st.text[end:], true, nil
	}
	if primary < 0 {
		return "", false, ErrNoRowLimitTarget
	}
	insertAt := st.tokens[primary].end
	if next := primary + 1; next < len(st.tokens) && isSetQuantifier(st.tokens[next].upper) {
		insertAt = st.tokens[next].end
	}
	return st.text[:insertAt] + " TOP " + limit + st.text[insertAt:], true, nil
}

func findLimit(st *statement, primary int) (limitClause, bool) {
	if primary >= 0 {
		i := primary + 1
		if i < len(st.tokens) && isSetQuantifier(st.tokens[i].upper) {
			i++
		}
		if i < len(st.tokens) && st.tokens[i].upper == "TOP" {
			clause := st.limitAfter(st.tokens[i].end)
			if j := i + 1; j < len(st.tokens) && st.tokens[j].upper == "PERCENT" {
				clause.unbounded = true
			}
			return clause, true
		}
	}

	for i, tok := range st.tokens {
		if tok.depth != 0 || tok.qualified {
			continue
		}
		switch tok.upper {
		case "LIMIT":
			if i+1 < len(st.tokens) && st.tokens[i+1].upper == "ALL" {
				return limitClause{unbounded: true}, true
			}
			return st.limitAfter(tok.end), true
		case "FETCH":
			if i+1 >= len(st.tokens) {
				continue
			}
			next := st.tokens[i+1]
			if next.upper != "FIRST" && next.upper != "NEXT" {
				continue
			}
			clause := st.limitAfter(next.end)
			if clause.unbounded {
				// FETCH FIRST ROW ONLY
				clause = limitClause{rows: 1}
			}
			return clause, true
		}
	}
	return limitClause{}, false
}

// limitAfter reads the integer following pos, optionally parenthesised.
func (s *statement) limitAfter(pos int) limitClause {
	text := s.masked
	i := skipSpace(text, pos)
	if i < len(text) && text[i] == '(' {
		i = skipSpace(text, i+1)
	}
	start := i
	for i < len(text) && isDigit(text[i]) {
		i++
	}
	if i == start {
		return limitClause{unbounded: true}
	}
	rows, err := strconv.Atoi(text[start:i])
	if err != nil {
		return limitClause{unbounded: true}
	}
	return limitClause{rows: rows}
}

func skipSpace(text string, pos int) int {
	for pos < len(text) {
		switch text[pos] {
		case ' ', '\t', '\n', '\r':
			pos++
		default:
			return pos
		}
	}
	return pos
}

func isSetQuantifier(upper string) bool {
	return upper == "DISTINCT" || upper == "ALL"
}
