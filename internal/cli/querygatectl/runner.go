package querygatectl

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

type Options struct {
	BaseURL    string
	APIKey     string
	Principal  string
	Database   string
	Timeout    time.Duration
	HTTPClient *http.Client
	Stdout     io.Writer
	Stderr     io.Writer
}

type command struct {
	method string
	path   string
	body   any
	// output, when set, receives the raw response instead of stdout.
	output string
}

func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	fs := flag.NewFlagSet("querygatectl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	baseURL := fs.String("base-url", firstNonEmpty(defaults.BaseURL, "http://localhost:8080"), "querygate API base URL")
	apiKey := fs.String("api-key", defaults.APIKey, "API key for authenticated requests")
	principal := fs.String("principal", defaults.Principal, "X-Principal header (used when auth is disabled)")
	database := fs.String("database", defaults.Database, "target database for ask, query, validate and tables")
	output := fs.String("o", "", "write usage-export output to this file")
	timeout := fs.Duration("timeout", durationOr(defaults.Timeout, 60*time.Second), "HTTP timeout (e.g. 60s)")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		writeUsage(stderr)
		return 2
	}

	cmd, err := parseCommand(fs.Args(), *database, *output)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%v\n\n", err)
		writeUsage(stderr)
		return 2
	}

	client := defaults.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: *timeout}
	}

	endpoint := strings.TrimRight(*baseURL, "/") + cmd.path
	code, responseBody, err := doRequest(ctx, client, cmd, endpoint, *apiKey, *principal)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "request failed: %v\n", err)
		return 1
	}

	if code >= 400 {
		_, _ = fmt.Fprintf(stderr, "http %d: %s\n", code, strings.TrimSpace(string(responseBody)))
		return 1
	}

	if cmd.output != "" {
		if err := os.WriteFile(cmd.output, responseBody, 0o644); err != nil {
			_, _ = fmt.Fprintf(stderr, "write %s: %v\n", cmd.output, err)
			return 1
		}
		_, _ = fmt.Fprintf(stdout, "wrote %d bytes to %s\n", len(responseBody), cmd.output)
		return 0
	}
	if pretty, ok := prettyJSON(responseBody); ok {
		_, _ = fmt.Fprintln(stdout, pretty)
		return 0
	}
	if len(responseBody) > 0 {
		_, _ = fmt.Fprintln(stdout, string(responseBody))
	}
	return 0
}

func parseCommand(args []string, database, output string) (command, error) {
	name := strings.TrimSpace(args[0])
	text := strings.TrimSpace(strings.Join(args[1:], " "))
	switch name {
	case "health":
		return command{method: http.MethodGet, path: "/v1/health"}, nil
	case "ready":
		return command{method: http.MethodGet, path: "/v1/ready"}, nil
	case "databases":
		return command{method: http.MethodGet, path: "/v1/databases"}, nil
	case "tables":
		if text != "" {
			database = text
		}
		return command{method: http.MethodGet, path: "/v1/tables?database=" + url.QueryEscape(database)}, nil
	case "ask":
		if text == "" {
			return command{}, fmt.Errorf("ask requires a question")
		}
		return command{method: http.MethodPost, path: "/v1/ask", body: map[string]any{"question": text, "database": database}}, nil
	case "query", "validate":
		if text == "" {
			return command{}, fmt.Errorf("%s requires a SQL statement", name)
		}
		return command{method: http.MethodPost, path: "/v1/" + name, body: map[string]any{"sql": text, "database": database}}, nil
	case "usage":
		return command{method: http.MethodGet, path: "/v1/usage"}, nil
	case "usage-export":
		if output == "" {
			return command{}, fmt.Errorf("usage-export requires the -o flag")
		}
		return command{method: http.MethodGet, path: "/v1/usage/export", output: output}, nil
	case "usage-archive":
		return command{method: http.MethodPost, path: "/v1/usage/archive"}, nil
	default:
		return command{}, fmt.Errorf("unknown command %q", name)
	}
}

func doRequest(ctx context.Context, client *http.Client, cmd command, endpoint, apiKey, principal string) (int, []byte, error) {
	var body io.Reader
	if cmd.body != nil {
		payload, err := json.Marshal(cmd.body)
		if err != nil {
			return 0, nil, err
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, cmd.method, endpoint, body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if cmd.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(apiKey) != "" {
		req.Header.Set("X-API-Key", strings.TrimSpace(apiKey))
	}
	if strings.TrimSpace(principal) != "" {
		req.Header.Set("X-Principal", strings.TrimSpace(principal))
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, respBody, nil
}

func prettyJSON(raw []byte) (string, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", false
	}
	var anyValue any
	if err := json.Unmarshal(raw, &anyValue); err != nil {
		return "", false
	}
	formatted, err := json.MarshalIndent(anyValue, "", "  ")
	if err != nil {
		return "", false
	}
	return string(formatted), true
}

func writeUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "usage: querygatectl [flags] <command> [args]  (flags go before the command)")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "commands:")
	_, _ = fmt.Fprintln(w, "  health                GET /v1/health")
	_, _ = fmt.Fprintln(w, "  ready                 GET /v1/ready")
	_, _ = fmt.Fprintln(w, "  databases             GET /v1/databases")
	_, _ = fmt.Fprintln(w, "  tables [database]     GET /v1/tables")
	_, _ = fmt.Fprintln(w, "  ask <question>        POST /v1/ask")
	_, _ = fmt.Fprintln(w, "  query <sql>           POST /v1/query")
	_, _ = fmt.Fprintln(w, "  validate <sql>        POST /v1/validate")
	_, _ = fmt.Fprintln(w, "  usage                 GET /v1/usage")
	_, _ = fmt.Fprintln(w, "  usage-export          GET /v1/usage/export")
	_, _ = fmt.Fprintln(w, "  usage-archive         POST /v1/usage/archive")
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return b
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
