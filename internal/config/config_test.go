package config

import (
	"log/slog"
	"testing"
	"time"
)

func TestLoadDefaultsForDevProfile(t *testing.T) {
	cfg, err := Load("querygate-api", mapLookup(map[string]string{}))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Profile != ProfileDev {
		t.Fatalf("Profile = %q, want %q", cfg.Profile, ProfileDev)
	}
	if cfg.HTTP.Address != ":8080" {
		t.Fatalf("HTTP.Address = %q", cfg.HTTP.Address)
	}
	if cfg.Observability.LogLevel != slog.LevelDebug {
		t.Fatalf("LogLevel = %v", cfg.Observability.LogLevel)
	}
	if cfg.Auth.Required {
		t.Fatal("Auth.Required should default to false in dev")
	}
	if cfg.Ledger.Backend != LedgerFile || cfg.Ledger.Name != "default" {
		t.Fatalf("Ledger = %+v", cfg.Ledger)
	}
	if cfg.Executor.Backend != ExecutorDuckDB {
		t.Fatalf("Executor.Backend = %q", cfg.Executor.Backend)
	}
	if cfg.Safety.DefaultRowLimit != 100 || cfg.Safety.MaxRowLimit != 10000 {
		t.Fatalf("Safety = %+v", cfg.Safety)
	}
	if cfg.Quota.DailyBudgetUSD != 50 || cfg.Quota.Window != 24*time.Hour || cfg.Quota.Strict {
		t.Fatalf("Quota = %+v", cfg.Quota)
	}
	if cfg.Analysis.OutlierStdDevs != 3 || cfg.Analysis.NullRateThreshold != 0.3 || cfg.Analysis.WideTableColumns != 8 {
		t.Fatalf("Analysis = %+v", cfg.Analysis)
	}
	if cfg.Gate.TranslateTimeout != 30*time.Second || cfg.Gate.ExecuteTimeout != 30*time.Second {
		t.Fatalf("Gate = %+v", cfg.Gate)
	}
	if cfg.AI.Enabled {
		t.Fatal("AI.Enabled should default to false")
	}
	if !cfg.ObjectStore.Enabled() {
		t.Fatal("object store should be configured by default in dev")
	}
}

func TestLoadTestProfileUsesMemoryLedger(t *testing.T) {
	cfg, err := Load("querygate-api", mapLookup(map[string]string{"QUERYGATE_PROFILE": "test"}))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Ledger.Backend != LedgerMemory {
		t.Fatalf("Ledger.Backend = %q", cfg.Ledger.Backend)
	}
	if cfg.HTTP.Address != ":18080" {
		t.Fatalf("HTTP.Address = %q", cfg.HTTP.Address)
	}
}

func TestLoadProdProfileDefaults(t *testing.T) {
	cfg, err := Load("querygate-api", mapLookup(map[string]string{"QUERYGATE_PROFILE": "prod"}))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Profile != ProfileProd {
		t.Fatalf("Profile = %q, want %q", cfg.Profile, ProfileProd)
	}
	if !cfg.Auth.Required {
		t.Fatal("Auth.Required should default to true in prod")
	}
	if cfg.Observability.LogLevel != slog.LevelInfo {
		t.Fatalf("LogLevel = %v", cfg.Observability.LogLevel)
	}
	if !cfg.ObjectStore.UseSSL {
		t.Fatal("ObjectStore.UseSSL should default to true in prod")
	}
	if cfg.ObjectStore.AutoCreateBucket {
		t.Fatal("ObjectStore.AutoCreateBucket should default to false in prod")
	}
	if !cfg.Quota.Strict {
		t.Fatal("Quota.Strict should default to true in prod")
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	lookup := mapLookup(map[string]string{
		"QUERYGATE_PROFILE":                       "test",
		"QUERYGATE_SERVICE_NAME":                  "querygate-custom",
		"QUERYGATE_HTTP_ADDR":                     ":9999",
		"QUERYGATE_HTTP_READ_TIMEOUT":             "2s",
		"QUERYGATE_LOG_LEVEL":                     "error",
		"QUERYGATE_AUTH_REQUIRED":                 "true",
		"QUERYGATE_AUTH_STATIC_KEYS":              "k1:alice:query_reader",
		"QUERYGATE_LEDGER_BACKEND":                "postgres",
		"QUERYGATE_LEDGER_NAME":                   "team_a",
		"QUERYGATE_LEDGER_DSN":                    "postgres://example",
		"QUERYGATE_LEDGER_MAX_OPEN_CONNS":         "42",
		"QUERYGATE_OBJECTSTORE_BUCKET":            "querygate-prod",
		"QUERYGATE_OBJECTSTORE_USE_SSL":           "true",
		"QUERYGATE_EXECUTOR_BACKEND":              "remote",
		"QUERYGATE_REMOTE_SQL_URL":                "https://fn.example.com/api/sql",
		"QUERYGATE_REMOTE_SQL_KEY":                "fn-key",
		"QUERYGATE_REMOTE_SQL_TIMEOUT":            "45s",
		"QUERYGATE_DEFAULT_DATABASE":              "sales",
		"QUERYGATE_SAFETY_DEFAULT_ROW_LIMIT":      "50",
		"QUERYGATE_SAFETY_MAX_ROW_LIMIT":          "500",
		"QUERYGATE_SAFETY_DENIED_KEYWORDS":        "drop, delete ,,truncate",
		"QUERYGATE_SAFETY_DIALECT":                "ansi",
		"QUERYGATE_QUOTA_MAX_REQUEST_TOKENS":      "2000",
		"QUERYGATE_QUOTA_HOURLY_TOKENS":           "10000",
		"QUERYGATE_QUOTA_DAILY_TOKENS":            "50000",
		"QUERYGATE_QUOTA_PROMPT_PRICE_PER_1K":     "0.01",
		"QUERYGATE_QUOTA_COMPLETION_PRICE_PER_1K": "0.03",
		"QUERYGATE_QUOTA_WINDOW":                  "12h",
		"QUERYGATE_QUOTA_DAY_RETENTION":           "168h",
		"QUERYGATE_QUOTA_DAILY_BUDGET_USD":        "7.5",
		"QUERYGATE_QUOTA_STRICT":                  "true",
		"QUERYGATE_QUOTA_PROMPT_OVERHEAD_TOKENS":  "250",
		"QUERYGATE_ANALYSIS_OUTLIER_STDDEVS":      "2.5",
		"QUERYGATE_ANALYSIS_NULL_RATE_THRESHOLD":  "0.5",
		"QUERYGATE_ANALYSIS_WIDE_TABLE_COLUMNS":   "12",
		"QUERYGATE_ANALYSIS_SAMPLE_SIZE":          "50",
		"QUERYGATE_TRANSLATE_TIMEOUT":             "10s",
		"QUERYGATE_EXECUTE_TIMEOUT":               "20s",
		"QUERYGATE_AI_ENABLED":                    "true",
		"QUERYGATE_AI_PROVIDER":                   "azure",
		"QUERYGATE_AI_BASE_URL":                   "https://example.openai.azure.com",
		"QUERYGATE_AI_API_KEY":                    "secret-key",
		"QUERYGATE_AI_DEPLOYMENT":                 "sql-gpt",
		"QUERYGATE_AI_MAX_TOKENS":                 "600",
	})
	cfg, err := Load("querygate-api", lookup)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Service.Name != "querygate-custom" {
		t.Fatalf("Service.Name = %q", cfg.Service.Name)
	}
	if cfg.HTTP.Address != ":9999" || cfg.HTTP.ReadTimeout != 2*time.Second {
		t.Fatalf("HTTP = %+v", cfg.HTTP)
	}
	if cfg.Observability.LogLevel != slog.LevelError {
		t.Fatalf("LogLevel = %v", cfg.Observability.LogLevel)
	}
	if !cfg.Auth.Required || cfg.Auth.StaticKeys != "k1:alice:query_reader" {
		t.Fatalf("Auth = %+v", cfg.Auth)
	}
	if cfg.Ledger.Backend != LedgerPostgres || cfg.Ledger.Name != "team_a" || cfg.Ledger.DSN != "postgres://example" || cfg.Ledger.MaxOpenConns != 42 {
		t.Fatalf("Ledger = %+v", cfg.Ledger)
	}
	if cfg.ObjectStore.Bucket != "querygate-prod" || !cfg.ObjectStore.UseSSL {
		t.Fatalf("ObjectStore = %+v", cfg.ObjectStore)
	}
	if cfg.Executor.Backend != ExecutorRemote || cfg.Executor.RemoteURL != "https://fn.example.com/api/sql" ||
		cfg.Executor.RemoteAPIKey != "fn-key" || cfg.Executor.RemoteTimeout != 45*time.Second ||
		cfg.Executor.DefaultDatabase != "sales" {
		t.Fatalf("Executor = %+v", cfg.Executor)
	}
	if cfg.Safety.DefaultRowLimit != 50 || cfg.Safety.MaxRowLimit != 500 || cfg.Safety.Dialect != "ansi" {
		t.Fatalf("Safety = %+v", cfg.Safety)
	}
	wantKeywords := []string{"drop", "delete", "truncate"}
	if len(cfg.Safety.DeniedKeywords) != len(wantKeywords) {
		t.Fatalf("DeniedKeywords = %q", cfg.Safety.DeniedKeywords)
	}
	for i, kw := range wantKeywords {
		if cfg.Safety.DeniedKeywords[i] != kw {
			t.Fatalf("DeniedKeywords = %q", cfg.Safety.DeniedKeywords)
		}
	}
	q := cfg.Quota
	if q.MaxRequestTokens != 2000 || q.HourlyTokens != 10000 || q.DailyTokens != 50000 {
		t.Fatalf("Quota ceilings = %+v", q)
	}
	if q.PromptPricePer1K != 0.01 || q.CompletionPricePer1K != 0.03 || q.DailyBudgetUSD != 7.5 {
		t.Fatalf("Quota prices = %+v", q)
	}
	if q.Window != 12*time.Hour || q.DayRetention != 168*time.Hour || !q.Strict || q.PromptOverheadTokens != 250 {
		t.Fatalf("Quota = %+v", q)
	}
	a := cfg.Analysis
	if a.OutlierStdDevs != 2.5 || a.NullRateThreshold != 0.5 || a.WideTableColumns != 12 || a.SampleSize != 50 {
		t.Fatalf("Analysis = %+v", a)
	}
	if cfg.Gate.TranslateTimeout != 10*time.Second || cfg.Gate.ExecuteTimeout != 20*time.Second {
		t.Fatalf("Gate = %+v", cfg.Gate)
	}
	if !cfg.AI.Enabled || cfg.AI.Provider != "azure" || cfg.AI.Deployment != "sql-gpt" || cfg.AI.MaxTokens != 600 {
		t.Fatalf("AI = %+v", cfg.AI)
	}
	if cfg.AI.APIKey != "secret-key" || cfg.AI.BaseURL != "https://example.openai.azure.com" {
		t.Fatalf("AI = %+v", cfg.AI)
	}
}

func TestLoadErrorsOnInvalidValues(t *testing.T) {
	tests := []map[string]string{
		{"QUERYGATE_PROFILE": "oops"},
		{"QUERYGATE_HTTP_READ_TIMEOUT": "NaN"},
		{"QUERYGATE_LEDGER_MAX_OPEN_CONNS": "oops"},
		{"QUERYGATE_LEDGER_BACKEND": "redis"},
		{"QUERYGATE_EXECUTOR_BACKEND": "sqlite"},
		{"QUERYGATE_QUOTA_HOURLY_TOKENS": "1e3"},
		{"QUERYGATE_QUOTA_STRICT": "maybe"},
		{"QUERYGATE_ANALYSIS_NULL_RATE_THRESHOLD": "1.5"},
		{"QUERYGATE_SAFETY_DENIED_KEYWORDS": " , "},
		{"QUERYGATE_SAFETY_DEFAULT_ROW_LIMIT": "20000"},
		{"QUERYGATE_AI_TEMPERATURE": "bad"},
		{"QUERYGATE_AUTH_REQUIRED": "not-bool"},
		{"QUERYGATE_LOG_LEVEL": "verbose"},
	}
	for _, env := range tests {
		_, err := Load("querygate-api", mapLookup(env))
		if err == nil {
			t.Fatalf("Load() expected error for env %#v", env)
		}
	}
}

func mapLookup(values map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}
