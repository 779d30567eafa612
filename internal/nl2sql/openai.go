package nl2sql

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	ProviderOpenAI = "openai"
	ProviderAzure  = "azure"

	DefaultAzureAPIVersion = "2024-02-01"
)

type OpenAIConfig struct {
	// Provider is "openai" for any OpenAI-compatible endpoint or "azure" for
	// Azure OpenAI deployments.
	Provider    string
	BaseURL     string
	APIKey      string
	Model       string
	Deployment  string
	APIVersion  string
	Temperature float64
	MaxTokens   int
	Dialect     string
	Timeout     time.Duration
}

type OpenAITranslator struct {
	provider    string
	endpoint    string
	apiKey      string
	model       string
	temperature float64
	maxTokens   int
	dialect     string
	client      *http.Client
}

func NewOpenAITranslator(cfg OpenAIConfig) (*OpenAITranslator, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("api key is required")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gpt-4o-mini"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	dialect := strings.TrimSpace(cfg.Dialect)
	if dialect == "" {
		dialect = "T-SQL (Microsoft SQL Server)"
	}

	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	var endpoint string
	switch provider {
	case "", ProviderOpenAI:
		provider = ProviderOpenAI
		endpoint = baseURL + "/v1/chat/completions"
	case ProviderAzure:
		deployment := strings.TrimSpace(cfg.Deployment)
		if deployment == "" {
			deployment = model
		}
		apiVersion := strings.TrimSpace(cfg.APIVersion)
		if apiVersion == "" {
			apiVersion = DefaultAzureAPIVersion
		}
		endpoint = baseURL + "/openai/deployments/" + url.PathEscape(deployment) +
			"/chat/completions?api-version=" + url.QueryEscape(apiVersion)
	default:
		return nil, fmt.Errorf("unsupported ai provider %q", cfg.Provider)
	}

	return &OpenAITranslator{
		provider:    provider,
		endpoint:    endpoint,
		apiKey:      strings.TrimSpace(cfg.APIKey),
		model:       model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		dialect:     dialect,
		client:      &http.Client{Timeout: timeout},
	}, nil
}

func (t *OpenAITranslator) Model() string {
	return t.model
}

func (t *OpenAITranslator) Translate(ctx context.Context, req Request) (Result, error) {
	payload, err := t.buildPayload(req)
	if err != nil {
		return Result{}, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Result{}, fmt.Errorf("marshal chat payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if t.provider == ProviderAzure {
		httpReq.Header.Set("api-key", t.apiKey)
	} else {
		httpReq.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("request chat completion: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	rawRespBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Result{}, fmt.Errorf("read chat response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return Result{}, fmt.Errorf("chat completion failed status=%d body=%s", resp.StatusCode, truncate(string(rawRespBody), 512))
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int64 `json:"prompt_tokens"`
			CompletionTokens int64 `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(rawRespBody, &parsed); err != nil {
		return Result{}, fmt.Errorf("decode chat completion response: %w", err)
	}

	result := Result{
		Database:         req.Database,
		PromptTokens:     parsed.Usage.PromptTokens,
		CompletionTokens: parsed.Usage.CompletionTokens,
		Provider:         t.provider,
		Model:            t.model,
	}
	if len(parsed.Choices) == 0 {
		return result, fmt.Errorf("empty chat completion choices")
	}
	result.SQL, result.Explanation, result.Confidence = parseAnswer(parsed.Choices[0].Message.Content)
	if result.SQL == "" {
		return result, fmt.Errorf("model returned empty SQL")
	}
	return result, nil
}

func (t *OpenAITranslator) buildPayload(req Request) (map[string]any, error) {
	tablesJSON, err := json.Marshal(req.Tables)
	if err != nil {
		return nil, fmt.Errorf("marshal table context: %w", err)
	}
	systemPrompt := "You convert natural language questions into a single read-only " + t.dialect + " query. " +
		"Answer with a JSON object {\"sql\": string, \"explanation\": string, \"confidence\": number between 0 and 1}. " +
		"Never write data or change schema."
	userPrompt := fmt.Sprintf(
		"Database: %s\nKnown tables (JSON):\n%s\n\nQuestion:\n%s\n\nRules:\n- Use only listed tables when tables are given.\n- Prefer explicit columns.\n- Output one statement only.",
		req.Database,
		string(tablesJSON),
		strings.TrimSpace(req.Question),
	)

	payload := map[string]any{
		"messages": []map[string]string{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": userPrompt},
		},
		"temperature": t.temperature,
	}
	if t.provider == ProviderOpenAI {
		payload["model"] = t.model
	}
	if t.maxTokens > 0 {
		payload["max_tokens"] = t.maxTokens
	}
	return payload, nil
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit] + "..."
}
