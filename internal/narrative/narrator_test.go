package narrative

import (
	"strings"
	"testing"
	"time"

	"github.com/querygate/querygate/internal/analysis"
	"github.com/querygate/querygate/internal/query"
)

func narrate(t *testing.T, rs query.ResultSet) Narrative {
	t.Helper()
	c, err := analysis.NewAnalyzer(analysis.Config{}).Analyze(rs)
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	n, err := Narrate(c, rs)
	if err != nil {
		t.Fatalf("Narrate() error = %v", err)
	}
	return n
}

func TestNarrateEmpty(t *testing.T) {
	n := narrate(t, query.ResultSet{Columns: []query.Column{{Name: "id"}}})
	if n.Summary != "No rows matched the query." {
		t.Fatalf("Summary = %q", n.Summary)
	}
	if len(n.Insights) != 0 {
		t.Fatalf("Insights = %v", n.Insights)
	}
	if n.Visualization != nil {
		t.Fatalf("Visualization = %+v, want none", n.Visualization)
	}
}

func TestNarrateScalarNamesValueAndColumn(t *testing.T) {
	n := narrate(t, query.ResultSet{
		Columns: []query.Column{{Name: "revenue", DeclaredType: "DOUBLE"}},
		Rows:    [][]any{{1234.5}},
	})
	if n.Summary != "The result is 1234.5 for revenue." {
		t.Fatalf("Summary = %q", n.Summary)
	}
	if n.Visualization == nil || n.Visualization.Kind != VisualizationTable {
		t.Fatalf("Visualization = %+v", n.Visualization)
	}
}

func TestNarrateListing(t *testing.T) {
	rs := query.ResultSet{
		Columns: []query.Column{{Name: "name", DeclaredType: "VARCHAR"}, {Name: "signup_date", DeclaredType: "DATE"}},
		Rows: [][]any{
			{"Ada", time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)},
			{"Grace", time.Date(2024, 2, 11, 0, 0, 0, 0, time.UTC)},
			{"Linus", time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)},
		},
	}
	n := narrate(t, rs)
	want := "The query returned 3 rows with columns name and signup_date. Leading name values: Ada, Grace and Linus."
	if n.Summary != want {
		t.Fatalf("Summary = %q, want %q", n.Summary, want)
	}
	if len(n.Insights) != 1 || n.Insights[0] != "signup_date spans 2024-01-05 to 2024-03-02 (57 days)." {
		t.Fatalf("Insights = %q", n.Insights)
	}
	if n.Visualization.Kind != VisualizationTable {
		t.Fatalf("Visualization = %+v", n.Visualization)
	}
}

func TestNarrateSingleColumn(t *testing.T) {
	n := narrate(t, query.ResultSet{
		Columns: []query.Column{{Name: "city"}},
		Rows:    [][]any{{"Oslo"}, {"Lima"}, {nil}, {"Pune"}},
	})
	want := "The query returned 4 rows of city. Leading city values: Oslo, Lima and null."
	if n.Summary != want {
		t.Fatalf("Summary = %q, want %q", n.Summary, want)
	}
}

func TestNarrateCountTotal(t *testing.T) {
	n := narrate(t, query.ResultSet{
		Columns: []query.Column{{Name: "region"}, {Name: "order_count", DeclaredType: "BIGINT"}},
		Rows:    [][]any{{"eu", int64(4)}, {"us", int64(7)}},
	})
	if !strings.HasSuffix(n.Summary, "The order_count column totals 11.") {
		t.Fatalf("Summary = %q", n.Summary)
	}
	if n.Visualization == nil || *n.Visualization != (Visualization{Kind: VisualizationBar, X: "region", Y: "order_count"}) {
		t.Fatalf("Visualization = %+v", n.Visualization)
	}
}

func TestNarrateWideTable(t *testing.T) {
	columns := make([]query.Column, 10)
	row := make([]any, 10)
	for i := range columns {
		columns[i] = query.Column{Name: "c" + string(rune('0'+i))}
		row[i] = "v"
	}
	n := narrate(t, query.ResultSet{Columns: columns, Rows: [][]any{row}})
	want := "The query returned 1 row across 10 columns, starting with c0, c1, c2, c3, c4 and 5 more."
	if n.Summary != want {
		t.Fatalf("Summary = %q, want %q", n.Summary, want)
	}
}

func TestVisualizationPrefersTimeSeries(t *testing.T) {
	n := narrate(t, query.ResultSet{
		Columns: []query.Column{
			{Name: "region"},
			{Name: "day", DeclaredType: "DATE"},
			{Name: "revenue", DeclaredType: "DOUBLE"},
		},
		Rows: [][]any{
			{"eu", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), 10.5},
			{"us", time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), 12.0},
		},
	})
	want := Visualization{Kind: VisualizationTimeSeries, X: "day", Y: "revenue"}
	if n.Visualization == nil || *n.Visualization != want {
		t.Fatalf("Visualization = %+v, want %+v", n.Visualization, want)
	}
}

func TestInsightsFollowNotableOrder(t *testing.T) {
	c := analysis.Classification{
		Intent: analysis.IntentTabular,
		Shape:  analysis.ShapeNormal,
		Rows:   2,
		Notable: []analysis.Notable{
			{Column: "email", Signal: analysis.SignalNullRate, NullRate: 0.4},
			{Column: "amount", Signal: analysis.SignalOutliers, Outliers: 2, StdDevs: 3, Mean: 59.456},
		},
	}
	rs := query.ResultSet{Columns: []query.Column{{Name: "email"}, {Name: "amount"}}, Rows: [][]any{{nil, 1.0}, {nil, 2.0}}}
	n, err := Narrate(c, rs)
	if err != nil {
		t.Fatalf("Narrate() error = %v", err)
	}
	want := []string{
		"email is empty in 40% of rows, which may skew the result.",
		"amount has 2 values more than 3 standard deviations from the mean of 59.46.",
	}
	if len(n.Insights) != len(want) {
		t.Fatalf("Insights = %q", n.Insights)
	}
	for i := range want {
		if n.Insights[i] != want[i] {
			t.Fatalf("Insights[%d] = %q, want %q", i, n.Insights[i], want[i])
		}
	}
}

func TestNarrateRejectsUnknownVariants(t *testing.T) {
	rs := query.ResultSet{Columns: []query.Column{{Name: "a"}}, Rows: [][]any{{"x"}}}
	if _, err := Narrate(analysis.Classification{Intent: "guess", Shape: analysis.ShapeScalar}, rs); err == nil {
		t.Fatal("expected error for unknown intent")
	}
	if _, err := Narrate(analysis.Classification{Intent: analysis.IntentTabular, Shape: "blob"}, rs); err == nil {
		t.Fatal("expected error for unknown shape")
	}
	bad := analysis.Classification{
		Intent:  analysis.IntentTabular,
		Shape:   analysis.ShapeScalar,
		Notable: []analysis.Notable{{Column: "a", Signal: "vibes"}},
	}
	if _, err := Narrate(bad, rs); err == nil {
		t.Fatal("expected error for unknown signal")
	}
}

func TestNarrateIsDeterministic(t *testing.T) {
	rs := query.ResultSet{
		Columns: []query.Column{{Name: "region"}, {Name: "revenue", DeclaredType: "DOUBLE"}},
		Rows:    [][]any{{"eu", 1.5}, {"us", 2.5}, {"apac", 3.5}},
	}
	first := narrate(t, rs)
	for i := 0; i < 5; i++ {
		again := narrate(t, rs)
		if again.Summary != first.Summary || len(again.Insights) != len(first.Insights) {
			t.Fatalf("run %d differs: %+v vs %+v", i, again, first)
		}
	}
}
