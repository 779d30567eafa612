// Package analysis classifies a tabular query result by structure alone:
// what kind of question it answers, what shape it has and which columns are
// worth calling out.
package analysis

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/querygate/querygate/internal/query"
)

var ErrArityMismatch = errors.New("analysis: row arity does not match column count")

const (
	DefaultOutlierStdDevs    = 3.0
	DefaultNullRateThreshold = 0.3
	DefaultWideTableColumns  = 8
	DefaultSampleSize        = 200

	categoricalMaxDistinct = 20
)

type Intent string

const (
	IntentAggregate Intent = "aggregate"
	IntentListing   Intent = "listing"
	IntentCount     Intent = "count"
	IntentTabular   Intent = "tabular"
)

type Shape string

const (
	ShapeEmpty        Shape = "empty"
	ShapeScalar       Shape = "scalar"
	ShapeSingleColumn Shape = "single_column"
	ShapeWideTable    Shape = "wide_table"
	ShapeNormal       Shape = "normal"
)

type Kind string

const (
	KindNumeric      Kind = "numeric"
	KindTemporal     Kind = "temporal"
	KindBoolean      Kind = "boolean"
	KindCategorical  Kind = "categorical"
	KindText         Kind = "text"
	KindUnknown      Kind = "unknown"
	KindUnanalyzable Kind = "unanalyzable"
)

type Signal string

const (
	SignalNullRate  Signal = "null_rate"
	SignalOutliers  Signal = "outliers"
	SignalDateRange Signal = "date_range"
)

type NumericStats struct {
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Sum    float64 `json:"sum"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
}

type TemporalRange struct {
	Earliest time.Time `json:"earliest"`
	Latest   time.Time `json:"latest"`
}

func (r TemporalRange) Span() time.Duration {
	return r.Latest.Sub(r.Earliest)
}

// ColumnProfile describes one result column. Issue is set, and Kind is
// KindUnanalyzable, when a cell could not be interpreted.
type ColumnProfile struct {
	Name         string         `json:"name"`
	DeclaredType string         `json:"declared_type,omitempty"`
	Kind         Kind           `json:"kind"`
	NonNull      int            `json:"non_null"`
	Nulls        int            `json:"nulls"`
	NullRate     float64        `json:"null_rate"`
	Distinct     int            `json:"distinct"`
	Numeric      *NumericStats  `json:"numeric,omitempty"`
	Temporal     *TemporalRange `json:"temporal,omitempty"`
	Issue        string         `json:"issue,omitempty"`
}

// Notable is one signal worth reporting about a column.
type Notable struct {
	Column   string    `json:"column"`
	Signal   Signal    `json:"signal"`
	NullRate float64   `json:"null_rate,omitzero"`
	Outliers int       `json:"outliers,omitzero"`
	StdDevs  float64   `json:"std_devs,omitzero"`
	Mean     float64   `json:"mean,omitzero"`
	Earliest time.Time `json:"earliest,omitzero"`
	Latest   time.Time `json:"latest,omitzero"`
}

type Classification struct {
	Intent   Intent          `json:"query_intent"`
	Shape    Shape           `json:"result_shape"`
	Rows     int             `json:"rows"`
	Columns  []ColumnProfile `json:"columns"`
	Notable  []Notable       `json:"notable_columns"`
	Degraded []string        `json:"degraded_columns,omitempty"`
}

// Column returns the profile for name, if present.
func (c Classification) Column(name string) (ColumnProfile, bool) {
	for _, col := range c.Columns {
		if col.Name == name {
			return col, true
		}
	}
	return ColumnProfile{}, false
}

type Config struct {
	OutlierStdDevs    float64
	NullRateThreshold float64
	WideTableColumns  int
	SampleSize        int
}

// Analyzer is stateless after construction and safe for concurrent use.
type Analyzer struct {
	cfg Config
}

func NewAnalyzer(cfg Config) *Analyzer {
	if cfg.OutlierStdDevs <= 0 {
		cfg.OutlierStdDevs = DefaultOutlierStdDevs
	}
	if cfg.NullRateThreshold <= 0 {
		cfg.NullRateThreshold = DefaultNullRateThreshold
	}
	if cfg.WideTableColumns <= 0 {
		cfg.WideTableColumns = DefaultWideTableColumns
	}
	if cfg.SampleSize <= 0 {
		cfg.SampleSize = DefaultSampleSize
	}
	return &Analyzer{cfg: cfg}
}

func (a *Analyzer) Config() Config {
	return a.cfg
}

// Analyze classifies rs. The only error is ErrArityMismatch; a cell that
// cannot be interpreted degrades its own column and nothing else.
func (a *Analyzer) Analyze(rs query.ResultSet) (Classification, error) {
	for i, row := range rs.Rows {
		if len(row) != len(rs.Columns) {
			return Classification{}, fmt.Errorf("%w: row %d has %d values for %d columns", ErrArityMismatch, i, len(row), len(rs.Columns))
		}
	}

	out := Classification{
		Rows:    len(rs.Rows),
		Columns: make([]ColumnProfile, len(rs.Columns)),
		Notable: []Notable{},
	}
	outliers := make([]int, len(rs.Columns))
	for i, col := range rs.Columns {
		profile, n := a.profileColumn(rs, i, col)
		out.Columns[i] = profile
		outliers[i] = n
		if profile.Kind == KindUnanalyzable {
			out.Degraded = append(out.Degraded, profile.Name)
		}
	}

	out.Shape = a.shape(len(rs.Rows), len(rs.Columns))
	out.Intent = intent(out)
	out.Notable = a.notables(out.Columns, outliers)
	return out, nil
}

func (a *Analyzer) shape(rows, cols int) Shape {
	switch {
	case rows == 0:
		return ShapeEmpty
	case rows == 1 && cols == 1:
		return ShapeScalar
	case cols == 1:
		return ShapeSingleColumn
	case cols > a.cfg.WideTableColumns:
		return ShapeWideTable
	default:
		return ShapeNormal
	}
}

func intent(c Classification) Intent {
	numeric := 0
	for _, col := range c.Columns {
		if col.Kind == KindNumeric {
			numeric++
		}
	}
	switch {
	case c.Rows == 1 && len(c.Columns) == 1 && numeric == 1:
		return IntentAggregate
	case c.Rows > 1 && (len(c.Columns) == 1 || numeric == 0):
		return IntentListing
	}
	for _, col := range c.Columns {
		if IsCountColumn(col.Name) {
			return IntentCount
		}
	}
	return IntentTabular
}

// IsCountColumn reports whether name looks like a count or total column.
func IsCountColumn(name string) bool {
	n := strings.ToLower(strings.TrimSpace(name))
	switch n {
	case "count", "total", "cnt", "num", "count_star()", "count(*)":
		return true
	}
	return strings.HasSuffix(n, "_count") ||
		strings.HasPrefix(n, "total_") ||
		strings.HasPrefix(n, "count(")
}

func (a *Analyzer) notables(cols []ColumnProfile, outliers []int) []Notable {
	out := []Notable{}
	widest := -1
	for i, col := range cols {
		if col.Kind == KindUnanalyzable {
			continue
		}
		if col.NullRate > a.cfg.NullRateThreshold {
			out = append(out, Notable{Column: col.Name, Signal: SignalNullRate, NullRate: col.NullRate})
		}
		if col.Numeric != nil && outliers[i] > 0 {
			out = append(out, Notable{
				Column:   col.Name,
				Signal:   SignalOutliers,
				Outliers: outliers[i],
				StdDevs:  a.cfg.OutlierStdDevs,
				Mean:     col.Numeric.Mean,
			})
		}
		if col.Kind == KindTemporal && col.Temporal != nil && col.Temporal.Span() > 0 {
			if widest < 0 || col.Temporal.Span() > cols[widest].Temporal.Span() {
				widest = i
			}
		}
	}
	if widest >= 0 {
		r := cols[widest].Temporal
		out = append(out, Notable{
			Column:   cols[widest].Name,
			Signal:   SignalDateRange,
			Earliest: r.Earliest,
			Latest:   r.Latest,
		})
	}
	return out
}

// profileColumn returns the column profile and its outlier count.
func (a *Analyzer) profileColumn(rs query.ResultSet, idx int, col query.Column) (ColumnProfile, int) {
	profile := ColumnProfile{Name: col.Name, DeclaredType: col.DeclaredType}

	values := make([]cellValue, 0, len(rs.Rows))
	distinct := map[string]struct{}{}
	for row := range rs.Rows {
		raw := rs.Rows[row][idx]
		if raw == nil {
			profile.Nulls++
			continue
		}
		v, err := readCell(raw)
		if err != nil {
			profile.Kind = KindUnanalyzable
			profile.Issue = fmt.Sprintf("row %d: %v", row, err)
			profile.NonNull = len(rs.Rows) - profile.Nulls
			profile.NullRate = nullRate(profile.Nulls, len(rs.Rows))
			return profile, 0
		}
		values = append(values, v)
		distinct[v.key()] = struct{}{}
	}
	profile.NonNull = len(values)
	profile.Distinct = len(distinct)
	profile.NullRate = nullRate(profile.Nulls, len(rs.Rows))

	kind, declared := kindFromDeclared(col.DeclaredType)
	if !declared {
		sample := values
		if len(sample) > a.cfg.SampleSize {
			sample = sample[:a.cfg.SampleSize]
		}
		kind = inferKind(sample)
	}
	if kind == KindCategorical || kind == KindText {
		kind = categoricalOrText(profile.Distinct, profile.NonNull)
	}
	if len(values) == 0 {
		kind = KindUnknown
	}
	profile.Kind = kind

	outliers := 0
	switch kind {
	case KindNumeric:
		nums := make([]float64, 0, len(values))
		for _, v := range values {
			if f, ok := v.number(); ok {
				nums = append(nums, f)
			}
		}
		if len(nums) > 0 {
			stats := numericStats(nums)
			profile.Numeric = &stats
			outliers = countOutliers(nums, stats, a.cfg.OutlierStdDevs)
		}
	case KindTemporal:
		var r *TemporalRange
		for _, v := range values {
			at, ok := v.time()
			if !ok {
				continue
			}
			if r == nil {
				r = &TemporalRange{Earliest: at, Latest: at}
				continue
			}
			if at.Before(r.Earliest) {
				r.Earliest = at
			}
			if at.After(r.Latest) {
				r.Latest = at
			}
		}
		profile.Temporal = r
	}
	return profile, outliers
}

func categoricalOrText(distinct, nonNull int) Kind {
	if distinct <= categoricalMaxDistinct || distinct*2 <= nonNull {
		return KindCategorical
	}
	return KindText
}

func nullRate(nulls, rows int) float64 {
	if rows == 0 {
		return 0
	}
	return float64(nulls) / float64(rows)
}

func numericStats(nums []float64) NumericStats {
	stats := NumericStats{Min: nums[0], Max: nums[0]}
	for _, f := range nums {
		stats.Sum += f
		stats.Min = math.Min(stats.Min, f)
		stats.Max = math.Max(stats.Max, f)
	}
	stats.Mean = stats.Sum / float64(len(nums))
	var sq float64
	for _, f := range nums {
		d := f - stats.Mean
		sq += d * d
	}
	stats.StdDev = math.Sqrt(sq / float64(len(nums)))
	return stats
}

func countOutliers(nums []float64, stats NumericStats, k float64) int {
	if stats.StdDev == 0 {
		return 0
	}
	n := 0
	for _, f := range nums {
		if math.Abs(f-stats.Mean) > k*stats.StdDev {
			n++
		}
	}
	return n
}
