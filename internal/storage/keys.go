package storage

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"
)

var keyComponentPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

// LedgerSnapshotKey is where a named usage ledger keeps its snapshot.
func LedgerSnapshotKey(ledger string) (string, error) {
	if err := validateKeyComponent(ledger, "ledger name"); err != nil {
		return "", err
	}
	return path.Join("ledger", ledger, "snapshot.json"), nil
}

// UsageExportKey partitions parquet usage exports by UTC date.
func UsageExportKey(ledger string, at time.Time) (string, error) {
	if err := validateKeyComponent(ledger, "ledger name"); err != nil {
		return "", err
	}
	ts := at.UTC()
	return path.Join(
		"exports",
		ledger,
		fmt.Sprintf("date=%04d-%02d-%02d", ts.Year(), ts.Month(), ts.Day()),
		fmt.Sprintf("usage-%s.parquet", ts.Format("20060102T150405Z")),
	), nil
}

// JoinKey cleans key and places it under prefix, refusing keys that would
// escape the prefix.
func JoinKey(prefix, key string) (string, error) {
	key = strings.TrimSpace(strings.TrimPrefix(key, "/"))
	if key == "" {
		return "", fmt.Errorf("object key is required")
	}
	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") || strings.Contains(cleaned, "/../") {
		return "", fmt.Errorf("invalid object key: %q", key)
	}
	prefix = CleanPrefix(prefix)
	if prefix == "" {
		return cleaned, nil
	}
	return path.Join(prefix, cleaned), nil
}

func CleanPrefix(prefix string) string {
	prefix = strings.TrimSpace(strings.TrimPrefix(prefix, "/"))
	if prefix == "" {
		return ""
	}
	prefix = path.Clean(prefix)
	if prefix == "." {
		return ""
	}
	return prefix
}

func validateKeyComponent(value, field string) error {
	if !keyComponentPattern.MatchString(value) {
		return fmt.Errorf("invalid %s: %q", field, value)
	}
	return nil
}
