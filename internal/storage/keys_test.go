package storage

import (
	"testing"
	"time"
)

func TestLedgerSnapshotKey(t *testing.T) {
	key, err := LedgerSnapshotKey("default")
	if err != nil {
		t.Fatalf("LedgerSnapshotKey() error = %v", err)
	}
	if key != "ledger/default/snapshot.json" {
		t.Fatalf("LedgerSnapshotKey() = %q", key)
	}
}

func TestUsageExportKey(t *testing.T) {
	at := time.Date(2026, time.February, 19, 23, 5, 7, 0, time.FixedZone("x", -5*3600))
	key, err := UsageExportKey("default", at)
	if err != nil {
		t.Fatalf("UsageExportKey() error = %v", err)
	}
	want := "exports/default/date=2026-02-20/usage-20260220T040507Z.parquet"
	if key != want {
		t.Fatalf("UsageExportKey() = %q, want %q", key, want)
	}
}

func TestKeysRejectInvalidLedgerName(t *testing.T) {
	if _, err := LedgerSnapshotKey("../oops"); err == nil {
		t.Fatal("expected invalid component error")
	}
}

func TestJoinKey(t *testing.T) {
	cases := []struct {
		prefix string
		key    string
		want   string
		ok     bool
	}{
		{prefix: "querygate/prod", key: "/ledger/default/snapshot.json", want: "querygate/prod/ledger/default/snapshot.json", ok: true},
		{prefix: "", key: "a//b", want: "a/b", ok: true},
		{prefix: "/", key: "a", want: "a", ok: true},
		{prefix: "", key: "../secrets.txt", ok: false},
		{prefix: "", key: "  ", ok: false},
	}
	for _, tc := range cases {
		got, err := JoinKey(tc.prefix, tc.key)
		if tc.ok && (err != nil || got != tc.want) {
			t.Fatalf("JoinKey(%q, %q) = %q, %v; want %q", tc.prefix, tc.key, got, err, tc.want)
		}
		if !tc.ok && err == nil {
			t.Fatalf("JoinKey(%q, %q) = %q, want error", tc.prefix, tc.key, got)
		}
	}
}
