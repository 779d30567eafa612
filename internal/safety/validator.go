// Package safety gates candidate SQL before it reaches a live database.
//
// The validator is a textual defense-in-depth layer, not a parser. It rejects
// anything that is not a single read-only statement and caps result sizes.
// Read-only database credentials remain the real trust boundary.
package safety

import (
	"regexp"
	"strings"
)

const (
	DefaultRowLimit = 100
	DefaultMaxRows  = 10000
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_]{1,128}$`)

// CandidateQuery is a SQL string proposed for execution against a database.
type CandidateQuery struct {
	Text           string
	TargetDatabase string
}

// Verdict is the outcome of validating one CandidateQuery. RewrittenText is
// set only when the validator added a row limit.
type Verdict struct {
	Allowed       bool   `json:"allowed"`
	Rule          string `json:"rule,omitempty"`
	Reason        string `json:"reason,omitempty"`
	RewrittenText string `json:"rewritten_text,omitempty"`
}

// SQL returns the text that should be executed for an allowed verdict.
func (v Verdict) SQL(c CandidateQuery) string {
	if v.RewrittenText != "" {
		return v.RewrittenText
	}
	return c.Text
}

type Config struct {
	DefaultRowLimit int
	MaxRowLimit     int
	DeniedKeywords  []string
	Dialect         Dialect
}

type Validator struct {
	defaultRowLimit int
	maxRowLimit     int
	dialect         Dialect
	denied          map[string]struct{}
}

func NewValidator(cfg Config) *Validator {
	v := &Validator{
		defaultRowLimit: cfg.DefaultRowLimit,
		maxRowLimit:     cfg.MaxRowLimit,
		dialect:         cfg.Dialect,
		denied:          map[string]struct{}{},
	}
	if v.defaultRowLimit <= 0 {
		v.defaultRowLimit = DefaultRowLimit
	}
	if v.maxRowLimit <= 0 {
		v.maxRowLimit = DefaultMaxRows
	}
	if v.defaultRowLimit > v.maxRowLimit {
		v.defaultRowLimit = v.maxRowLimit
	}
	if v.dialect == "" {
		v.dialect = DialectTSQL
	}
	keywords := cfg.DeniedKeywords
	if len(keywords) == 0 {
		keywords = DefaultDeniedKeywords
	}
	for _, keyword := range keywords {
		normalized := strings.Join(strings.Fields(strings.ToUpper(keyword)), " ")
		if normalized != "" {
			v.denied[normalized] = struct{}{}
		}
	}
	return v
}

func (v *Validator) Dialect() Dialect {
	return v.dialect
}

// Validate runs the rule table in order and, if every rule passes, applies
// the row limit. The first violated rule decides the verdict.
func (v *Validator) Validate(c CandidateQuery) Verdict {
	st := scanStatement(c.Text)
	for _, r := range rules {
		violated, detail := r.check(v, c, st)
		if !violated {
			continue
		}
		reason := r.reason
		if detail != "" {
			reason += ": " + detail
		}
		return Verdict{Allowed: false, Rule: r.name, Reason: reason}
	}

	rewritten, changed, err := v.rewrite(st)
	if err != nil {
		return Verdict{Allowed: false, Rule: RuleRowLimit, Reason: err.Error()}
	}
	verdict := Verdict{Allowed: true}
	if changed {
		verdict.RewrittenText = rewritten
	}
	return verdict
}

// RewriteWithSafetyLimit adds the dialect's row cap to text when no row
// limiting clause is present. Text that already carries a limit is returned
// unchanged, or rejected with ErrLimitTooHigh when the limit exceeds the
// ceiling. Applying it twice yields the same text as applying it once.
func (v *Validator) RewriteWithSafetyLimit(text string) (string, error) {
	rewritten, changed, err := v.rewrite(scanStatement(text))
	if err != nil {
		return "", err
	}
	if !changed {
		return text, nil
	}
	return rewritten, nil
}

// ValidIdentifier reports whether name is safe to use as a database or table
// identifier: letters, digits and underscores only.
func ValidIdentifier(name string) bool {
	return identifierPattern.MatchString(name)
}
