// Package narrative turns an analysis classification into a short summary,
// insight sentences and a chart suggestion without calling any model.
package narrative

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/querygate/querygate/internal/analysis"
	"github.com/querygate/querygate/internal/query"
)

const (
	leadingValues  = 3
	leadingColumns = 5
)

type VisualizationKind string

const (
	VisualizationTimeSeries VisualizationKind = "time_series"
	VisualizationBar        VisualizationKind = "bar"
	VisualizationTable      VisualizationKind = "table"
)

type Visualization struct {
	Kind VisualizationKind `json:"kind"`
	X    string            `json:"x,omitempty"`
	Y    string            `json:"y,omitempty"`
}

type Narrative struct {
	Summary       string         `json:"summary"`
	Insights      []string       `json:"insights"`
	Visualization *Visualization `json:"visualization,omitempty"`
}

// Narrate describes rs according to c. It is deterministic. An unknown
// shape, intent or signal is a programming error and is returned as such.
func Narrate(c analysis.Classification, rs query.ResultSet) (Narrative, error) {
	summary, err := summarize(c, rs)
	if err != nil {
		return Narrative{}, err
	}
	insights, err := insightsFor(c)
	if err != nil {
		return Narrative{}, err
	}
	return Narrative{
		Summary:       summary,
		Insights:      insights,
		Visualization: visualize(c),
	}, nil
}

func summarize(c analysis.Classification, rs query.ResultSet) (string, error) {
	switch c.Intent {
	case analysis.IntentAggregate, analysis.IntentListing, analysis.IntentCount, analysis.IntentTabular:
	default:
		return "", fmt.Errorf("narrative: unknown query intent %q", c.Intent)
	}

	names := rs.ColumnNames()
	var sentences []string
	switch c.Shape {
	case analysis.ShapeEmpty:
		return "No rows matched the query.", nil
	case analysis.ShapeScalar:
		if len(rs.Rows) != 1 || len(names) != 1 {
			return "", fmt.Errorf("narrative: scalar classification for a %dx%d result", len(rs.Rows), len(names))
		}
		return fmt.Sprintf("The result is %s for %s.", formatValue(rs.Rows[0][0]), names[0]), nil
	case analysis.ShapeSingleColumn:
		sentences = append(sentences,
			fmt.Sprintf("The query returned %s of %s.", plural(c.Rows, "row"), names[0]),
			leadingSentence(rs, 0))
	case analysis.ShapeWideTable:
		if len(names) <= leadingColumns {
			sentences = append(sentences, fmt.Sprintf(
				"The query returned %s across %d columns: %s.", plural(c.Rows, "row"), len(names), joinList(names)))
			break
		}
		shown := names[:leadingColumns]
		sentences = append(sentences, fmt.Sprintf(
			"The query returned %s across %d columns, starting with %s and %d more.",
			plural(c.Rows, "row"), len(names), strings.Join(shown, ", "), len(names)-len(shown)))
	case analysis.ShapeNormal:
		sentences = append(sentences, fmt.Sprintf(
			"The query returned %s with columns %s.", plural(c.Rows, "row"), joinList(names)))
		if c.Intent == analysis.IntentListing {
			sentences = append(sentences, leadingSentence(rs, 0))
		}
	default:
		return "", fmt.Errorf("narrative: unknown result shape %q", c.Shape)
	}

	if c.Intent == analysis.IntentCount {
		if s, ok := countSentence(c); ok {
			sentences = append(sentences, s)
		}
	}
	return strings.Join(sentences, " "), nil
}

func leadingSentence(rs query.ResultSet, idx int) string {
	values := make([]string, 0, leadingValues)
	for _, row := range rs.Rows {
		if len(values) == leadingValues {
			break
		}
		values = append(values, formatValue(row[idx]))
	}
	return fmt.Sprintf("Leading %s values: %s.", rs.Columns[idx].Name, joinList(values))
}

func countSentence(c analysis.Classification) (string, bool) {
	for _, col := range c.Columns {
		if !analysis.IsCountColumn(col.Name) || col.Numeric == nil {
			continue
		}
		return fmt.Sprintf("The %s column totals %s.", col.Name, formatNumber(col.Numeric.Sum)), true
	}
	return "", false
}

func insightsFor(c analysis.Classification) ([]string, error) {
	insights := make([]string, 0, len(c.Notable))
	for _, n := range c.Notable {
		switch n.Signal {
		case analysis.SignalNullRate:
			insights = append(insights, fmt.Sprintf(
				"%s is empty in %.0f%% of rows, which may skew the result.", n.Column, n.NullRate*100))
		case analysis.SignalOutliers:
			insights = append(insights, fmt.Sprintf(
				"%s has %s more than %s standard deviations from the mean of %s.",
				n.Column, plural(n.Outliers, "value"), formatNumber(n.StdDevs), formatNumber(round2(n.Mean))))
		case analysis.SignalDateRange:
			days := int(n.Latest.Sub(n.Earliest).Hours() / 24)
			insights = append(insights, fmt.Sprintf(
				"%s spans %s to %s (%s).", n.Column, formatTime(n.Earliest), formatTime(n.Latest), plural(days, "day")))
		default:
			return nil, fmt.Errorf("narrative: unknown signal %q", n.Signal)
		}
	}
	return insights, nil
}

// visualize prefers a temporal axis, then a categorical one, each paired
// with the first numeric column in declaration order.
func visualize(c analysis.Classification) *Visualization {
	if c.Shape == analysis.ShapeEmpty {
		return nil
	}
	first := func(kind analysis.Kind) string {
		for _, col := range c.Columns {
			if col.Kind == kind {
				return col.Name
			}
		}
		return ""
	}
	numeric := first(analysis.KindNumeric)
	if numeric != "" {
		if x := first(analysis.KindTemporal); x != "" {
			return &Visualization{Kind: VisualizationTimeSeries, X: x, Y: numeric}
		}
		if x := first(analysis.KindCategorical); x != "" {
			return &Visualization{Kind: VisualizationBar, X: x, Y: numeric}
		}
	}
	return &Visualization{Kind: VisualizationTable}
}

func plural(n int, noun string) string {
	if n == 1 {
		return "1 " + noun
	}
	return strconv.Itoa(n) + " " + noun + "s"
}

func joinList(items []string) string {
	switch len(items) {
	case 0:
		return ""
	case 1:
		return items[0]
	case 2:
		return items[0] + " and " + items[1]
	}
	return strings.Join(items[:len(items)-1], ", ") + " and " + items[len(items)-1]
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return x
	case []byte:
		return string(x)
	case float64:
		return formatNumber(x)
	case float32:
		return formatNumber(float64(x))
	case time.Time:
		return formatTime(x)
	}
	return fmt.Sprint(v)
}

func formatNumber(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func formatTime(t time.Time) string {
	if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0 {
		return t.Format("2006-01-02")
	}
	return t.Format(time.RFC3339)
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
