// Package gate sequences a question through the quota ledger, the
// translator, the safety validator, the executor and the result analysis.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/querygate/querygate/internal/analysis"
	"github.com/querygate/querygate/internal/narrative"
	"github.com/querygate/querygate/internal/nl2sql"
	"github.com/querygate/querygate/internal/observability"
	"github.com/querygate/querygate/internal/query"
	"github.com/querygate/querygate/internal/quota"
	"github.com/querygate/querygate/internal/safety"
	"github.com/querygate/querygate/internal/storage"
)

const (
	DefaultTranslateTimeout     = 30 * time.Second
	DefaultExecuteTimeout       = 30 * time.Second
	DefaultPromptOverheadTokens = 500
	DefaultLedgerName           = "default"

	maxSchemaTables = 50
)

type Config struct {
	TranslateTimeout time.Duration
	ExecuteTimeout   time.Duration
	// PromptOverheadTokens is added to the question estimate to cover the
	// system prompt and schema context sent with every translation.
	PromptOverheadTokens int64
	DefaultDatabase      string
	LedgerName           string
	Clock                func() time.Time
}

type Dependencies struct {
	Logger     *slog.Logger
	Translator nl2sql.Translator
	Executor   query.Executor
	Catalog    query.Catalog
	Validator  *safety.Validator
	Analyzer   *analysis.Analyzer
	Ledger     *quota.Ledger
	Archive    storage.ObjectStore
	Exports    ExportRecorder
}

// ExportRecorder keeps an audit trail of archived usage exports.
type ExportRecorder interface {
	RecordExport(ctx context.Context, objectKey string, rowCount int64, exportedBy string) (quota.ExportAudit, error)
}

type Service struct {
	cfg        Config
	logger     *slog.Logger
	translator nl2sql.Translator
	executor   query.Executor
	catalog    query.Catalog
	validator  *safety.Validator
	analyzer   *analysis.Analyzer
	ledger     *quota.Ledger
	archive    storage.ObjectStore
	exports    ExportRecorder
}

func NewService(cfg Config, deps Dependencies) (*Service, error) {
	if deps.Executor == nil {
		return nil, errors.New("executor is required")
	}
	if deps.Translator != nil && deps.Ledger == nil {
		return nil, errors.New("usage ledger is required when a translator is configured")
	}
	if cfg.TranslateTimeout <= 0 {
		cfg.TranslateTimeout = DefaultTranslateTimeout
	}
	if cfg.ExecuteTimeout <= 0 {
		cfg.ExecuteTimeout = DefaultExecuteTimeout
	}
	if cfg.PromptOverheadTokens < 0 {
		cfg.PromptOverheadTokens = 0
	}
	if cfg.LedgerName == "" {
		cfg.LedgerName = DefaultLedgerName
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}

	s := &Service{
		cfg:        cfg,
		logger:     deps.Logger,
		translator: deps.Translator,
		executor:   deps.Executor,
		catalog:    deps.Catalog,
		validator:  deps.Validator,
		analyzer:   deps.Analyzer,
		ledger:     deps.Ledger,
		archive:    deps.Archive,
		exports:    deps.Exports,
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	if s.validator == nil {
		s.validator = safety.NewValidator(safety.Config{})
	}
	if s.analyzer == nil {
		s.analyzer = analysis.NewAnalyzer(analysis.Config{})
	}
	if s.catalog == nil {
		if catalog, ok := deps.Executor.(query.Catalog); ok {
			s.catalog = catalog
		}
	}
	return s, nil
}

type AskRequest struct {
	Question string                `json:"question"`
	Database string                `json:"database"`
	Tables   []nl2sql.TableContext `json:"tables,omitempty"`
}

type RunRequest struct {
	SQL      string `json:"sql"`
	Database string `json:"database"`
}

type TokenUsage struct {
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	CostUSD          float64 `json:"cost_usd"`
	Model            string  `json:"model,omitempty"`
}

type Answer struct {
	Question       string                  `json:"question,omitempty"`
	Database       string                  `json:"database"`
	SQL            string                  `json:"sql"`
	OriginalSQL    string                  `json:"original_sql,omitempty"`
	Explanation    string                  `json:"explanation,omitempty"`
	Confidence     float64                 `json:"confidence,omitempty"`
	Columns        []query.Column          `json:"columns"`
	Rows           [][]any                 `json:"rows"`
	Classification analysis.Classification `json:"classification"`
	Narrative      narrative.Narrative     `json:"narrative"`
	Usage          *TokenUsage             `json:"usage,omitempty"`
	Warnings       []string                `json:"warnings,omitempty"`
	DurationMs     int64                   `json:"duration_ms"`
}

// Ask answers a natural-language question. Quota, translation, validation
// and execution failures are returned as *Error; analysis and narration
// failures are returned as plain errors and indicate a bug.
func (s *Service) Ask(ctx context.Context, req AskRequest) (answer Answer, err error) {
	start := s.cfg.Clock()
	defer func() { s.observeOutcome(ctx, "ask", err) }()

	question := strings.TrimSpace(req.Question)
	if question == "" {
		return Answer{}, &Error{Code: CodeInvalidRequest, Message: "question is required"}
	}
	database, err := s.database(req.Database)
	if err != nil {
		return Answer{}, err
	}
	if s.translator == nil {
		return Answer{}, &Error{Code: CodeNotConfigured, Message: "natural-language translation is not configured"}
	}

	estimate := nl2sql.EstimateTokens(question) + s.cfg.PromptOverheadTokens
	reservation, err := s.ledger.Reserve(ctx, estimate)
	if err != nil {
		return Answer{}, s.quotaError(ctx, err)
	}

	translated, err := s.translate(ctx, nl2sql.Request{
		Question: question,
		Database: database,
		Tables:   s.schemaContext(ctx, database, req.Tables),
	})
	usage := s.settle(ctx, reservation, translated)
	if err != nil {
		return Answer{}, err
	}

	answer, err = s.run(ctx, translated.SQL, database)
	if err != nil {
		return Answer{}, err
	}
	answer.Question = question
	answer.Explanation = translated.Explanation
	answer.Confidence = translated.Confidence
	answer.Usage = usage
	answer.DurationMs = s.cfg.Clock().Sub(start).Milliseconds()
	return answer, nil
}

// Run validates and executes SQL supplied directly by the caller. It does
// not touch the usage ledger.
func (s *Service) Run(ctx context.Context, req RunRequest) (answer Answer, err error) {
	start := s.cfg.Clock()
	defer func() { s.observeOutcome(ctx, "run", err) }()

	database, err := s.database(req.Database)
	if err != nil {
		return Answer{}, err
	}
	answer, err = s.run(ctx, req.SQL, database)
	if err != nil {
		return Answer{}, err
	}
	answer.DurationMs = s.cfg.Clock().Sub(start).Milliseconds()
	return answer, nil
}

func (s *Service) run(ctx context.Context, sqlText, database string) (Answer, error) {
	candidate := safety.CandidateQuery{Text: sqlText, TargetDatabase: database}
	verdict := s.validator.Validate(candidate)
	observability.ObserveValidation(verdict.Rule, verdict.RewrittenText != "")
	if !verdict.Allowed {
		s.logger.InfoContext(ctx, "query_rejected",
			slog.String("trace_id", observability.TraceIDFromContext(ctx)),
			slog.String("rule", verdict.Rule),
			slog.String("reason", verdict.Reason),
		)
		return Answer{}, &Error{
			Code:    CodeValidationRejected,
			Message: verdict.Reason,
			Details: map[string]any{"rule": verdict.Rule, "sql": sqlText},
		}
	}

	executed := verdict.SQL(candidate)
	rs, err := s.execute(ctx, executed, database)
	if err != nil {
		return Answer{}, err
	}

	classification, err := s.analyzer.Analyze(rs)
	if err != nil {
		return Answer{}, fmt.Errorf("analyze result: %w", err)
	}
	story, err := narrative.Narrate(classification, rs)
	if err != nil {
		return Answer{}, fmt.Errorf("narrate result: %w", err)
	}

	answer := Answer{
		Database:       database,
		SQL:            executed,
		Columns:        rs.Columns,
		Rows:           encodableRows(rs.Rows),
		Classification: classification,
		Narrative:      story,
		Warnings:       s.degradedWarnings(ctx, classification),
	}
	if verdict.RewrittenText != "" {
		answer.OriginalSQL = sqlText
	}
	return answer, nil
}

func (s *Service) translate(ctx context.Context, req nl2sql.Request) (nl2sql.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.TranslateTimeout)
	defer cancel()

	start := time.Now()
	result, err := s.translator.Translate(ctx, req)
	observability.ObserveTranslateLatency(time.Since(start))
	if err == nil {
		return result, nil
	}
	s.logger.WarnContext(ctx, "translation_failed",
		slog.String("trace_id", observability.TraceIDFromContext(ctx)),
		slog.String("error", err.Error()),
	)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return result, &Error{
			Code:      CodeTranslationTimeout,
			Message:   fmt.Sprintf("translation did not finish within %s", s.cfg.TranslateTimeout),
			Retryable: true,
			Err:       err,
		}
	}
	return result, &Error{
		Code:    CodeTranslationFailed,
		Message: "the question could not be translated to SQL",
		Err:     err,
	}
}

// settle converts the reservation into recorded usage. A failed store write
// is logged; the usage stays counted in memory.
func (s *Service) settle(ctx context.Context, reservation *quota.Reservation, result nl2sql.Result) *TokenUsage {
	if result.PromptTokens == 0 && result.CompletionTokens == 0 {
		reservation.Release()
		return nil
	}
	if err := reservation.Commit(ctx, result.PromptTokens, result.CompletionTokens); err != nil {
		observability.IncrementLedgerPersistFailure()
		s.logger.ErrorContext(ctx, "usage_record_failed",
			slog.String("trace_id", observability.TraceIDFromContext(ctx)),
			slog.String("error", err.Error()),
		)
	}
	promptCost, completionCost := s.ledger.Config().Pricing.Cost(result.PromptTokens, result.CompletionTokens)
	observability.ObserveTokens(result.PromptTokens, result.CompletionTokens, promptCost+completionCost)
	return &TokenUsage{
		PromptTokens:     result.PromptTokens,
		CompletionTokens: result.CompletionTokens,
		CostUSD:          promptCost + completionCost,
		Model:            result.Model,
	}
}

func (s *Service) execute(ctx context.Context, sqlText, database string) (query.ResultSet, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ExecuteTimeout)
	defer cancel()

	start := time.Now()
	rs, err := s.executor.Execute(ctx, query.Request{SQL: sqlText, Database: database})
	if err == nil {
		observability.ObserveExecuteLatency("ok", time.Since(start))
		return rs, nil
	}
	observability.ObserveExecuteLatency("error", time.Since(start))
	s.logger.WarnContext(ctx, "execution_failed",
		slog.String("trace_id", observability.TraceIDFromContext(ctx)),
		slog.String("database", database),
		slog.String("error", err.Error()),
	)
	return query.ResultSet{}, s.executionError(ctx, err)
}

func (s *Service) executionError(ctx context.Context, err error) *Error {
	kind := query.KindOf(err)
	if kind == query.KindTimeout || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &Error{
			Code:      CodeExecutionTimeout,
			Message:   fmt.Sprintf("query did not finish within %s", s.cfg.ExecuteTimeout),
			Retryable: true,
			Details:   map[string]any{"kind": string(query.KindTimeout)},
			Err:       err,
		}
	}
	message := "query execution failed"
	var execErr *query.ExecutionError
	if errors.As(err, &execErr) && execErr.Message != "" {
		message = execErr.Message
	}
	return &Error{
		Code:    CodeExecutionFailed,
		Message: message,
		Details: map[string]any{"kind": string(kind)},
		Err:     err,
	}
}

func (s *Service) quotaError(ctx context.Context, err error) error {
	var exceeded *quota.ExceededError
	if !errors.As(err, &exceeded) {
		return err
	}
	d := exceeded.Decision
	observability.IncrementQuotaDenied(d.Scope)
	s.logger.InfoContext(ctx, "quota_denied",
		slog.String("trace_id", observability.TraceIDFromContext(ctx)),
		slog.String("scope", d.Scope),
		slog.Int64("used", d.Used),
		slog.Int64("requested", d.Requested),
		slog.Int64("limit", d.Limit),
	)
	return &Error{
		Code:      CodeQuotaExceeded,
		Message:   d.Reason,
		Retryable: true,
		Details: map[string]any{
			"scope":     d.Scope,
			"limit":     d.Limit,
			"used":      d.Used,
			"requested": d.Requested,
		},
		Err: err,
	}
}

// schemaContext lists table names for the translator prompt when the caller
// did not supply any. Catalog failures only cost prompt quality.
func (s *Service) schemaContext(ctx context.Context, database string, supplied []nl2sql.TableContext) []nl2sql.TableContext {
	if len(supplied) > 0 || s.catalog == nil {
		return supplied
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ExecuteTimeout)
	defer cancel()
	tables, err := s.catalog.ListTables(ctx, database)
	if err != nil {
		s.logger.WarnContext(ctx, "schema_context_unavailable",
			slog.String("trace_id", observability.TraceIDFromContext(ctx)),
			slog.String("database", database),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if len(tables) > maxSchemaTables {
		tables = tables[:maxSchemaTables]
	}
	out := make([]nl2sql.TableContext, 0, len(tables))
	for _, table := range tables {
		out = append(out, nl2sql.TableContext{TableName: table})
	}
	return out
}

func (s *Service) degradedWarnings(ctx context.Context, c analysis.Classification) []string {
	if len(c.Degraded) == 0 {
		return nil
	}
	observability.AddDegradedColumns(len(c.Degraded))
	warnings := make([]string, 0, len(c.Degraded))
	for _, name := range c.Degraded {
		profile, _ := c.Column(name)
		s.logger.WarnContext(ctx, "analysis_degraded",
			slog.String("trace_id", observability.TraceIDFromContext(ctx)),
			slog.String("column", name),
			slog.String("issue", profile.Issue),
		)
		warnings = append(warnings, fmt.Sprintf("column %s could not be analyzed: %s", name, profile.Issue))
	}
	return warnings
}

func (s *Service) database(requested string) (string, error) {
	database := strings.TrimSpace(requested)
	if database == "" {
		database = s.cfg.DefaultDatabase
	}
	if database == "" {
		return "", &Error{Code: CodeInvalidRequest, Message: "database is required"}
	}
	if !safety.ValidIdentifier(database) {
		return "", &Error{
			Code:    CodeValidationRejected,
			Message: "invalid database name",
			Details: map[string]any{"rule": safety.RuleDatabase},
		}
	}
	return database, nil
}

func (s *Service) observeOutcome(ctx context.Context, path string, err error) {
	outcome := "answered"
	switch {
	case err == nil:
	case CodeOf(err) != "":
		outcome = strings.ToLower(string(CodeOf(err)))
	default:
		outcome = "internal_error"
		s.logger.ErrorContext(ctx, "request_failed",
			slog.String("trace_id", observability.TraceIDFromContext(ctx)),
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
	observability.ObserveOutcome(path, outcome)
}

// encodableRows replaces NaN and infinite floats, which JSON cannot carry,
// with their string form. The analyzer has already flagged those columns.
// Rows are copied only when a replacement is needed.
func encodableRows(rows [][]any) [][]any {
	out := rows
	copied := false
	for i, row := range rows {
		rowCopied := false
		for j, cell := range row {
			text, ok := nonFiniteText(cell)
			if !ok {
				continue
			}
			if !copied {
				out = make([][]any, len(rows))
				copy(out, rows)
				copied = true
			}
			if !rowCopied {
				out[i] = append([]any(nil), row...)
				rowCopied = true
			}
			out[i][j] = text
		}
	}
	return out
}

func nonFiniteText(cell any) (string, bool) {
	var f float64
	switch v := cell.(type) {
	case float64:
		f = v
	case float32:
		f = float64(v)
	default:
		return "", false
	}
	switch {
	case math.IsNaN(f):
		return "NaN", true
	case math.IsInf(f, 1):
		return "Infinity", true
	case math.IsInf(f, -1):
		return "-Infinity", true
	}
	return "", false
}
