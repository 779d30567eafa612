package safety

import (
	"regexp"
	"strings"
)

const (
	RuleEmpty              = "empty"
	RuleDatabase           = "database"
	RuleDeniedKeyword      = "denied_keyword"
	RuleMultipleStatements = "multiple_statements"
	RuleInjection          = "injection"
	RuleReadOnly           = "read_only"
	RuleRowLimit           = "row_limit"
)

// DefaultDeniedKeywords covers schema and data mutation, privilege changes,
// and statements that run code or touch files on the database host.
var DefaultDeniedKeywords = []string{
	"DROP", "ALTER", "CREATE", "INSERT", "UPDATE", "DELETE", "MERGE", "TRUNCATE", "UPSERT", "REPLACE INTO",
	"EXEC", "EXECUTE", "CALL", "GRANT", "REVOKE", "DENY",
	"COPY", "ATTACH", "DETACH", "INSTALL", "LOAD", "PRAGMA", "INTO",
	"BACKUP", "RESTORE", "DBCC", "BULK", "SHUTDOWN", "RECONFIGURE",
	"OPENROWSET", "OPENQUERY", "OPENDATASOURCE", "XP_CMDSHELL", "SP_EXECUTESQL",
}

var readKeywords = map[string]struct{}{"SELECT": {}, "WITH": {}}

// rule is one entry of the ordered validation table. check reports whether
// the statement violates the rule plus an optional detail for the reason.
type rule struct {
	name   string
	reason string
	check  func(v *Validator, c CandidateQuery, s *statement) (bool, string)
}

var rules = []rule{
	{name: RuleEmpty, reason: "empty query", check: checkEmpty},
	{name: RuleDatabase, reason: "invalid database name", check: checkDatabase},
	{name: RuleDeniedKeyword, reason: "forbidden keyword", check: checkDeniedKeyword},
	{name: RuleMultipleStatements, reason: "multiple statements", check: checkMultipleStatements},
	{name: RuleInjection, reason: "possible injection pattern", check: checkInjection},
	{name: RuleReadOnly, reason: "not a read query", check: checkReadOnly},
}

func checkEmpty(_ *Validator, _ CandidateQuery, s *statement) (bool, string) {
	return len(s.tokens) == 0, ""
}

func checkDatabase(_ *Validator, c CandidateQuery, _ *statement) (bool, string) {
	db := strings.TrimSpace(c.TargetDatabase)
	return db != "" && !ValidIdentifier(db), ""
}

func checkDeniedKeyword(v *Validator, _ CandidateQuery, s *statement) (bool, string) {
	for i, tok := range s.tokens {
		if tok.qualified {
			continue
		}
		if _, ok := v.denied[tok.upper]; ok {
			return true, tok.upper
		}
		if i+1 < len(s.tokens) {
			pair := tok.upper + " " + s.tokens[i+1].upper
			if _, ok := v.denied[pair]; ok {
				return true, pair
			}
		}
	}
	return false, ""
}

func checkMultipleStatements(_ *Validator, _ CandidateQuery, s *statement) (bool, string) {
	return len(s.semicolons) > 0, ""
}

func checkReadOnly(_ *Validator, _ CandidateQuery, s *statement) (bool, string) {
	first, ok := s.firstToken()
	if !ok {
		return true, ""
	}
	_, allowed := readKeywords[first.upper]
	return !allowed, ""
}

type injectionPattern struct {
	name  string
	match func(s *statement) bool
}

var (
	tautologyPattern = regexp.MustCompile(`(?i)\bor\s+(\d+(?:\.\d+)?|'[^']*'|[a-z_][a-z0-9_]*)\s*=\s*(\d+(?:\.\d+)?|'[^']*'|[a-z_][a-z0-9_]*)`)
	orTruePattern    = regexp.MustCompile(`(?i)\bor\s+(?:true|not\s+false)\b`)
	delayPattern     = regexp.MustCompile(`(?i)\bwaitfor\s+delay\b|\bpg_sleep\s*\(|\bsleep\s*\(|\bbenchmark\s*\(`)
)

// injectionPatterns is best effort. Read-only database credentials are the
// real boundary; these only catch the common idioms.
var injectionPatterns = []injectionPattern{
	{name: "comment", match: func(s *statement) bool { return len(s.comments) > 0 }},
	{name: "tautology", match: matchTautology},
	{name: "or_true", match: func(s *statement) bool { return orTruePattern.MatchString(s.masked) }},
	{name: "time_delay", match: func(s *statement) bool { return delayPattern.MatchString(s.masked) }},
}

func checkInjection(_ *Validator, _ CandidateQuery, s *statement) (bool, string) {
	for _, p := range injectionPatterns {
		if p.match(s) {
			return true, p.name
		}
	}
	return false, ""
}

func matchTautology(s *statement) bool {
	for _, m := range tautologyPattern.FindAllStringSubmatchIndex(s.literalText, -1) {
		if s.inLiteral(m[0]) {
			continue
		}
		left := s.literalText[m[2]:m[3]]
		right := s.literalText[m[4]:m[5]]
		if strings.EqualFold(left, right) {
			return true
		}
	}
	return false
}
