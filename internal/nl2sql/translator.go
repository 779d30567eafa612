// Package nl2sql turns a natural-language question into a candidate SQL
// query through a chat-completion model.
package nl2sql

import (
	"context"
	"encoding/json"
	"strings"
)

type TableContext struct {
	TableName string   `json:"table_name"`
	Columns   []string `json:"columns,omitempty"`
}

type Request struct {
	Question string         `json:"question"`
	Database string         `json:"database"`
	Tables   []TableContext `json:"tables,omitempty"`
}

type Result struct {
	SQL              string  `json:"sql"`
	Database         string  `json:"database"`
	Explanation      string  `json:"explanation,omitempty"`
	Confidence       float64 `json:"confidence"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	Provider         string  `json:"provider"`
	Model            string  `json:"model"`
}

// Translator produces SQL for a question. Token counts in Result report the
// model usage the call consumed, even when SQL is empty.
type Translator interface {
	Translate(ctx context.Context, req Request) (Result, error)
}

// plainSQLConfidence is assigned when the model answers with bare SQL rather
// than the requested JSON object.
const plainSQLConfidence = 0.5

type modelAnswer struct {
	SQL         string   `json:"sql"`
	Explanation string   `json:"explanation"`
	Confidence  *float64 `json:"confidence"`
}

// parseAnswer accepts either the JSON object the prompt asks for or plain
// SQL, with or without a markdown fence.
func parseAnswer(content string) (sql, explanation string, confidence float64) {
	body := stripMarkdown(content)
	var answer modelAnswer
	if strings.HasPrefix(body, "{") && json.Unmarshal([]byte(body), &answer) == nil {
		confidence = plainSQLConfidence
		if answer.Confidence != nil {
			confidence = min(max(*answer.Confidence, 0), 1)
		}
		return strings.TrimSpace(stripMarkdown(answer.SQL)), strings.TrimSpace(answer.Explanation), confidence
	}
	return body, "", plainSQLConfidence
}

func stripMarkdown(value string) string {
	trimmed := strings.TrimSpace(value)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if newline := strings.IndexByte(trimmed, '\n'); newline >= 0 && !strings.ContainsAny(trimmed[:newline], " \t{") {
		// drop the fence language tag, e.g. ```sql or ```json
		trimmed = trimmed[newline+1:]
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}

// EstimateTokens approximates the token count of text at four characters
// per token, rounding up.
func EstimateTokens(text string) int64 {
	n := len(strings.TrimSpace(text))
	if n == 0 {
		return 0
	}
	return int64((n + 3) / 4)
}
