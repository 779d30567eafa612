package analysis

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/querygate/querygate/internal/query"
)

func cols(names ...string) []query.Column {
	out := make([]query.Column, len(names))
	for i, name := range names {
		out[i] = query.Column{Name: name}
	}
	return out
}

func TestAnalyzeEmpty(t *testing.T) {
	got, err := NewAnalyzer(Config{}).Analyze(query.ResultSet{Columns: cols("id", "amount")})
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if got.Shape != ShapeEmpty {
		t.Fatalf("Shape = %q", got.Shape)
	}
	if len(got.Notable) != 0 {
		t.Fatalf("Notable = %+v, want none", got.Notable)
	}
}

func TestAnalyzeScalarAggregate(t *testing.T) {
	rs := query.ResultSet{
		Columns: []query.Column{{Name: "revenue", DeclaredType: "DOUBLE"}},
		Rows:    [][]any{{1234.5}},
	}
	got, err := NewAnalyzer(Config{}).Analyze(rs)
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if got.Shape != ShapeScalar || got.Intent != IntentAggregate {
		t.Fatalf("Shape/Intent = %q/%q", got.Shape, got.Intent)
	}
	if got.Columns[0].Numeric == nil || got.Columns[0].Numeric.Sum != 1234.5 {
		t.Fatalf("Numeric = %+v", got.Columns[0].Numeric)
	}
}

func TestAnalyzeListingWithoutNumericColumns(t *testing.T) {
	rs := query.ResultSet{
		Columns: []query.Column{{Name: "name", DeclaredType: "VARCHAR"}, {Name: "signup_date", DeclaredType: "DATE"}},
		Rows: [][]any{
			{"Ada", time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)},
			{"Grace", time.Date(2024, 2, 11, 0, 0, 0, 0, time.UTC)},
			{"Linus", time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)},
		},
	}
	got, err := NewAnalyzer(Config{}).Analyze(rs)
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if got.Shape != ShapeNormal || got.Intent != IntentListing {
		t.Fatalf("Shape/Intent = %q/%q", got.Shape, got.Intent)
	}
	if got.Columns[0].Kind != KindCategorical || got.Columns[1].Kind != KindTemporal {
		t.Fatalf("kinds = %q/%q", got.Columns[0].Kind, got.Columns[1].Kind)
	}
	if len(got.Notable) != 1 || got.Notable[0].Signal != SignalDateRange || got.Notable[0].Column != "signup_date" {
		t.Fatalf("Notable = %+v", got.Notable)
	}
}

func TestAnalyzeIntents(t *testing.T) {
	cases := []struct {
		name string
		rs   query.ResultSet
		want Intent
	}{
		{
			name: "single column listing",
			rs:   query.ResultSet{Columns: cols("amount"), Rows: [][]any{{int64(1)}, {int64(2)}}},
			want: IntentListing,
		},
		{
			name: "count column",
			rs:   query.ResultSet{Columns: cols("region", "order_count"), Rows: [][]any{{"eu", int64(4)}, {"us", int64(7)}}},
			want: IntentCount,
		},
		{
			name: "tabular",
			rs:   query.ResultSet{Columns: cols("region", "revenue"), Rows: [][]any{{"eu", 4.5}, {"us", 7.25}}},
			want: IntentTabular,
		},
		{
			name: "scalar text is not aggregate",
			rs:   query.ResultSet{Columns: cols("name"), Rows: [][]any{{"Ada"}}},
			want: IntentTabular,
		},
		{
			name: "scalar named total",
			rs:   query.ResultSet{Columns: cols("total"), Rows: [][]any{{"n/a"}}},
			want: IntentCount,
		},
	}
	a := NewAnalyzer(Config{})
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := a.Analyze(tc.rs)
			if err != nil {
				t.Fatalf("Analyze() error = %v", err)
			}
			if got.Intent != tc.want {
				t.Fatalf("Intent = %q, want %q", got.Intent, tc.want)
			}
		})
	}
}

func TestAnalyzeShapes(t *testing.T) {
	wide := make([]string, 9)
	row := make([]any, 9)
	for i := range wide {
		wide[i] = string(rune('a' + i))
		row[i] = int64(i)
	}
	cases := []struct {
		name string
		rs   query.ResultSet
		want Shape
	}{
		{name: "single column", rs: query.ResultSet{Columns: cols("a"), Rows: [][]any{{"x"}, {"y"}}}, want: ShapeSingleColumn},
		{name: "wide", rs: query.ResultSet{Columns: cols(wide...), Rows: [][]any{row}}, want: ShapeWideTable},
		{name: "normal", rs: query.ResultSet{Columns: cols("a", "b"), Rows: [][]any{{"x", "y"}}}, want: ShapeNormal},
	}
	a := NewAnalyzer(Config{})
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := a.Analyze(tc.rs)
			if err != nil {
				t.Fatalf("Analyze() error = %v", err)
			}
			if got.Shape != tc.want {
				t.Fatalf("Shape = %q, want %q", got.Shape, tc.want)
			}
		})
	}
}

func TestInferKindFromValues(t *testing.T) {
	rs := query.ResultSet{
		Columns: cols("when", "qty", "flag", "label"),
		Rows: [][]any{
			{"2024-01-01", "10", true, "x"},
			{"2024-01-02T10:00:00Z", "12.5", false, "y"},
			{"not a date", "abc", true, "x"},
		},
	}
	got, err := NewAnalyzer(Config{}).Analyze(rs)
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	want := []Kind{KindTemporal, KindNumeric, KindBoolean, KindCategorical}
	for i, kind := range want {
		if got.Columns[i].Kind != kind {
			t.Fatalf("column %q kind = %q, want %q", got.Columns[i].Name, got.Columns[i].Kind, kind)
		}
	}
	if got.Columns[1].Numeric == nil || got.Columns[1].Numeric.Sum != 22.5 {
		t.Fatalf("qty stats = %+v", got.Columns[1].Numeric)
	}
}

func TestTextVersusCategorical(t *testing.T) {
	rows := make([][]any, 30)
	for i := range rows {
		rows[i] = []any{string(rune('A'+i%26)) + string(rune('a'+i/26)), "same"}
	}
	got, err := NewAnalyzer(Config{}).Analyze(query.ResultSet{Columns: cols("free", "fixed"), Rows: rows})
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if got.Columns[0].Kind != KindText || got.Columns[1].Kind != KindCategorical {
		t.Fatalf("kinds = %q/%q", got.Columns[0].Kind, got.Columns[1].Kind)
	}
}

func TestNullRateNotable(t *testing.T) {
	rs := query.ResultSet{
		Columns: cols("email", "id"),
		Rows:    [][]any{{nil, int64(1)}, {nil, int64(2)}, {"a@x", int64(3)}, {"b@x", int64(4)}},
	}
	got, err := NewAnalyzer(Config{}).Analyze(rs)
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if len(got.Notable) != 1 {
		t.Fatalf("Notable = %+v", got.Notable)
	}
	n := got.Notable[0]
	if n.Column != "email" || n.Signal != SignalNullRate || n.NullRate != 0.5 {
		t.Fatalf("Notable = %+v", n)
	}
}

func TestOutlierNotable(t *testing.T) {
	rows := make([][]any, 0, 20)
	for i := 0; i < 19; i++ {
		rows = append(rows, []any{"r", 10.0})
	}
	rows = append(rows, []any{"r", 1000.0})
	got, err := NewAnalyzer(Config{}).Analyze(query.ResultSet{Columns: cols("region", "amount"), Rows: rows})
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if len(got.Notable) != 1 || got.Notable[0].Signal != SignalOutliers || got.Notable[0].Outliers != 1 {
		t.Fatalf("Notable = %+v", got.Notable)
	}
	if got.Notable[0].StdDevs != DefaultOutlierStdDevs {
		t.Fatalf("StdDevs = %v", got.Notable[0].StdDevs)
	}
}

func TestWidestDateRangeWins(t *testing.T) {
	day := func(d int) time.Time { return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC) }
	rs := query.ResultSet{
		Columns: []query.Column{{Name: "shipped", DeclaredType: "DATE"}, {Name: "ordered", DeclaredType: "DATE"}},
		Rows:    [][]any{{day(2), day(1)}, {day(3), day(20)}},
	}
	got, err := NewAnalyzer(Config{}).Analyze(rs)
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	last := got.Notable[len(got.Notable)-1]
	if last.Signal != SignalDateRange || last.Column != "ordered" {
		t.Fatalf("date range notable = %+v", last)
	}
	if !last.Earliest.Equal(day(1)) || !last.Latest.Equal(day(20)) {
		t.Fatalf("range = %v..%v", last.Earliest, last.Latest)
	}
}

func TestMalformedCellDegradesOnlyItsColumn(t *testing.T) {
	rs := query.ResultSet{
		Columns: cols("meta", "amount", "ratio"),
		Rows: [][]any{
			{map[string]any{"k": 1}, int64(5), math.NaN()},
			{"plain", int64(7), 0.5},
		},
	}
	got, err := NewAnalyzer(Config{}).Analyze(rs)
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if len(got.Degraded) != 2 || got.Degraded[0] != "meta" || got.Degraded[1] != "ratio" {
		t.Fatalf("Degraded = %v", got.Degraded)
	}
	if got.Columns[0].Kind != KindUnanalyzable || got.Columns[0].Issue == "" {
		t.Fatalf("meta profile = %+v", got.Columns[0])
	}
	if got.Columns[1].Kind != KindNumeric {
		t.Fatalf("amount kind = %q", got.Columns[1].Kind)
	}
}

func TestArityMismatchIsFatal(t *testing.T) {
	rs := query.ResultSet{Columns: cols("a", "b"), Rows: [][]any{{1, 2}, {3}}}
	_, err := NewAnalyzer(Config{}).Analyze(rs)
	if !errors.Is(err, ErrArityMismatch) {
		t.Fatalf("Analyze() error = %v, want ErrArityMismatch", err)
	}
}

func TestIsCountColumn(t *testing.T) {
	for _, name := range []string{"count", "TOTAL", "cnt", "num", "order_count", "total_sales", "count(*)", "count_star()"} {
		if !IsCountColumn(name) {
			t.Fatalf("IsCountColumn(%q) = false", name)
		}
	}
	for _, name := range []string{"account", "country", "subtotal", "number"} {
		if IsCountColumn(name) {
			t.Fatalf("IsCountColumn(%q) = true", name)
		}
	}
}
