package quota

import (
	"fmt"
	"io"
	"time"

	"github.com/parquet-go/parquet-go"
)

type usageRow struct {
	Scope             string  `parquet:"scope"`
	BucketKey         string  `parquet:"bucket_key"`
	BucketStartUnixMs int64   `parquet:"bucket_start_unix_ms"`
	PromptTokens      int64   `parquet:"prompt_tokens"`
	CompletionTokens  int64   `parquet:"completion_tokens"`
	Requests          int64   `parquet:"requests"`
	PromptCostUSD     float64 `parquet:"prompt_cost_usd"`
	CompletionCostUSD float64 `parquet:"completion_cost_usd"`
}

// ExportParquet writes every retained hour and day bucket to w as parquet
// rows, hours first, each group in key order. It returns the row count.
func (l *Ledger) ExportParquet(w io.Writer) (int64, error) {
	snapshot := l.Snapshot()

	rows := make([]usageRow, 0, len(snapshot.Hours)+len(snapshot.Days))
	rows = appendUsageRows(rows, ScopeHour, HourKeyLayout, snapshot.Hours)
	rows = appendUsageRows(rows, ScopeDay, DayKeyLayout, snapshot.Days)

	writer := parquet.NewGenericWriter[usageRow](w)
	if len(rows) > 0 {
		if _, err := writer.Write(rows); err != nil {
			return 0, fmt.Errorf("write parquet rows: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return 0, fmt.Errorf("close parquet writer: %w", err)
	}
	return int64(len(rows)), nil
}

func appendUsageRows(rows []usageRow, scope, layout string, buckets map[string]Bucket) []usageRow {
	for _, key := range sortedKeys(buckets) {
		b := buckets[key]
		var startMs int64
		if start, err := time.ParseInLocation(layout, key, time.UTC); err == nil {
			startMs = start.UnixMilli()
		}
		rows = append(rows, usageRow{
			Scope:             scope,
			BucketKey:         key,
			BucketStartUnixMs: startMs,
			PromptTokens:      b.PromptTokens,
			CompletionTokens:  b.CompletionTokens,
			Requests:          b.Requests,
			PromptCostUSD:     b.PromptCost,
			CompletionCostUSD: b.CompletionCost,
		})
	}
	return rows
}
