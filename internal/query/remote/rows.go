package remote

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// decodeRows turns a JSON array of row objects into column-ordered rows.
// Column order is the declared column list when present, otherwise the key
// order of the first row, with keys first seen later appended. Missing
// cells are nil.
func decodeRows(raw json.RawMessage, declared []string) ([]string, [][]any, error) {
	columns := append([]string(nil), declared...)
	index := make(map[string]int, len(columns))
	for i, name := range columns {
		index[name] = i
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return columns, [][]any{}, nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	if err := expectDelim(dec, '['); err != nil {
		return nil, nil, err
	}

	var rows [][]any
	for dec.More() {
		if err := expectDelim(dec, '{'); err != nil {
			return nil, nil, err
		}
		cells := map[int]any{}
		for dec.More() {
			tok, err := dec.Token()
			if err != nil {
				return nil, nil, err
			}
			key, ok := tok.(string)
			if !ok {
				return nil, nil, fmt.Errorf("unexpected row key %v", tok)
			}
			var value any
			if err := dec.Decode(&value); err != nil {
				return nil, nil, fmt.Errorf("decode %q: %w", key, err)
			}
			pos, seen := index[key]
			if !seen {
				pos = len(columns)
				index[key] = pos
				columns = append(columns, key)
			}
			cells[pos] = normalize(value)
		}
		if err := expectDelim(dec, '}'); err != nil {
			return nil, nil, err
		}
		row := make([]any, len(columns))
		for pos, value := range cells {
			row[pos] = value
		}
		rows = append(rows, row)
	}
	if err := expectDelim(dec, ']'); err != nil {
		return nil, nil, err
	}

	// Rows decoded before a late column appeared are padded with nil.
	for i, row := range rows {
		if len(row) < len(columns) {
			padded := make([]any, len(columns))
			copy(padded, row)
			rows[i] = padded
		}
	}
	if rows == nil {
		rows = [][]any{}
	}
	return columns, rows, nil
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != want {
		return fmt.Errorf("expected %q, got %v", want, tok)
	}
	return nil
}

// normalize converts json.Number into int64 when integral and float64
// otherwise. Nested values are left as decoded.
func normalize(value any) any {
	number, ok := value.(json.Number)
	if !ok {
		return value
	}
	if !strings.ContainsAny(number.String(), ".eE") {
		if n, err := number.Int64(); err == nil {
			return n
		}
	}
	if f, err := number.Float64(); err == nil {
		return f
	}
	return number.String()
}
