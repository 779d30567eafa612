package analysis

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"
)

type cellKind int

const (
	cellString cellKind = iota
	cellNumber
	cellTime
	cellBool
)

type cellValue struct {
	kind cellKind
	num  float64
	at   time.Time
	text string
	b    bool
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05-07",
	"2006-01-02 15:04",
	"2006-01-02",
	"01/02/2006",
	"2006/01/02",
}

// readCell interprets one non-nil driver value. Containers, pointers and
// non-finite floats are rejected.
func readCell(raw any) (cellValue, error) {
	switch v := raw.(type) {
	case string:
		return cellValue{kind: cellString, text: v}, nil
	case []byte:
		return cellValue{kind: cellString, text: string(v)}, nil
	case bool:
		return cellValue{kind: cellBool, b: v}, nil
	case time.Time:
		return cellValue{kind: cellTime, at: v}, nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return cellValue{}, fmt.Errorf("invalid number %q", v.String())
		}
		return floatCell(f)
	case float64:
		return floatCell(v)
	case float32:
		return floatCell(float64(v))
	}

	rv := reflect.ValueOf(raw)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return cellValue{kind: cellNumber, num: float64(rv.Int())}, nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return cellValue{kind: cellNumber, num: float64(rv.Uint())}, nil
	case reflect.Float32, reflect.Float64:
		return floatCell(rv.Float())
	case reflect.String:
		return cellValue{kind: cellString, text: rv.String()}, nil
	case reflect.Bool:
		return cellValue{kind: cellBool, b: rv.Bool()}, nil
	}
	return cellValue{}, fmt.Errorf("unsupported value of type %T", raw)
}

func floatCell(f float64) (cellValue, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return cellValue{}, fmt.Errorf("non-finite number %v", f)
	}
	return cellValue{kind: cellNumber, num: f}, nil
}

func (c cellValue) key() string {
	switch c.kind {
	case cellNumber:
		return "n:" + strconv.FormatFloat(c.num, 'g', -1, 64)
	case cellTime:
		return "t:" + c.at.UTC().Format(time.RFC3339Nano)
	case cellBool:
		return "b:" + strconv.FormatBool(c.b)
	default:
		return "s:" + c.text
	}
}

func (c cellValue) number() (float64, bool) {
	switch c.kind {
	case cellNumber:
		return c.num, true
	case cellString:
		f, err := strconv.ParseFloat(strings.TrimSpace(c.text), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

func (c cellValue) time() (time.Time, bool) {
	switch c.kind {
	case cellTime:
		return c.at, true
	case cellString:
		return parseTime(c.text)
	}
	return time.Time{}, false
}

func parseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if len(s) < len("2006-01-02") {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if at, err := time.Parse(layout, s); err == nil {
			return at, true
		}
	}
	return time.Time{}, false
}

// inferKind picks a kind from sampled non-null cells by majority vote.
func inferKind(sample []cellValue) Kind {
	if len(sample) == 0 {
		return KindUnknown
	}
	var temporal, numeric, boolean int
	for _, v := range sample {
		if v.kind == cellBool {
			boolean++
			continue
		}
		if _, ok := v.time(); ok {
			temporal++
			continue
		}
		if _, ok := v.number(); ok {
			numeric++
		}
	}
	majority := len(sample)/2 + 1
	switch {
	case temporal >= majority:
		return KindTemporal
	case numeric >= majority:
		return KindNumeric
	case boolean >= majority:
		return KindBoolean
	default:
		return KindCategorical
	}
}

var declaredKinds = map[string]Kind{
	"TINYINT": KindNumeric, "SMALLINT": KindNumeric, "INTEGER": KindNumeric,
	"INT": KindNumeric, "BIGINT": KindNumeric, "HUGEINT": KindNumeric,
	"UTINYINT": KindNumeric, "USMALLINT": KindNumeric, "UINTEGER": KindNumeric,
	"UBIGINT": KindNumeric, "UHUGEINT": KindNumeric,
	"INT2": KindNumeric, "INT4": KindNumeric, "INT8": KindNumeric,
	"DECIMAL": KindNumeric, "NUMERIC": KindNumeric, "DOUBLE": KindNumeric,
	"FLOAT": KindNumeric, "FLOAT4": KindNumeric, "FLOAT8": KindNumeric,
	"REAL": KindNumeric, "MONEY": KindNumeric, "SMALLMONEY": KindNumeric,
	"DOUBLE PRECISION": KindNumeric,

	"DATE": KindTemporal, "TIME": KindTemporal, "TIMETZ": KindTemporal,
	"TIMESTAMP": KindTemporal, "TIMESTAMPTZ": KindTemporal,
	"TIMESTAMP_S": KindTemporal, "TIMESTAMP_MS": KindTemporal, "TIMESTAMP_NS": KindTemporal,
	"TIMESTAMP WITH TIME ZONE": KindTemporal, "DATETIME": KindTemporal,
	"DATETIME2": KindTemporal, "SMALLDATETIME": KindTemporal, "DATETIMEOFFSET": KindTemporal,

	"BOOLEAN": KindBoolean, "BOOL": KindBoolean, "BIT": KindBoolean,
}

// kindFromDeclared maps a driver type name such as "DECIMAL(18,3)" to a
// kind. Text-like and unknown types report false so values are inspected.
func kindFromDeclared(declared string) (Kind, bool) {
	name := strings.ToUpper(strings.TrimSpace(declared))
	if i := strings.IndexByte(name, '('); i >= 0 {
		name = strings.TrimSpace(name[:i])
	}
	name = strings.TrimSpace(strings.TrimSuffix(name, "UNSIGNED"))
	kind, ok := declaredKinds[name]
	return kind, ok
}
