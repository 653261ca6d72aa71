package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/spf13/cobra"

	"github.com/poseylabs/posey/internal/gateway/httpapi"
	"github.com/poseylabs/posey/internal/orchestrator"
)

// Exit codes for the query command.
const (
	ExitSuccess     = 0
	ExitFailure     = 1
	ExitRejected    = 2
	ExitUnavailable = 3
)

var (
	queryMessage   string
	queryServerURL string
	queryAPIKey    string
	queryStream    bool
	queryTimeout   int
	queryConvID    string
	queryImage     string
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Send a one-shot query to a running server",
	Long: `Send a message to a running Posey server and print the answer.

Examples:
  posey query -m "what changed in Go 1.26?"
  posey query -m "summarize https://go.dev/blog" --stream
  posey query -m "and the one before?" --conversation-id 3f2c...

Exit codes:
  0  success
  1  failure
  2  rejected (unauthorized, invalid or rate limited)
  3  server unavailable`,
	RunE: runQuery,
}

func init() {
	queryCmd.Flags().StringVarP(&queryMessage, "message", "m", "", "message to send (required)")
	queryCmd.Flags().StringVar(&queryServerURL, "server-url", "http://localhost:8080", "Posey HTTP API URL (or POSEY_URL env)")
	queryCmd.Flags().StringVar(&queryAPIKey, "api-key", "", "API key or JWT (or POSEY_API_KEY env)")
	queryCmd.Flags().BoolVar(&queryStream, "stream", false, "stream progress via SSE")
	queryCmd.Flags().IntVar(&queryTimeout, "timeout", 300, "timeout in seconds")
	queryCmd.Flags().StringVar(&queryConvID, "conversation-id", "", "conversation ID for multi-turn context")
	queryCmd.Flags().StringVar(&queryImage, "image-provider", "", "preferred image provider")

	_ = queryCmd.MarkFlagRequired("message")
}

// exitError carries a process exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitWith(code int, format string, args ...any) error {
	return &exitError{code: code, err: fmt.Errorf(format, args...)}
}

func runQuery(_ *cobra.Command, _ []string) error {
	if strings.TrimSpace(queryMessage) == "" {
		return errors.New("message is required: use -m flag")
	}

	apiKey := goutils.Env("POSEY_API_KEY", queryAPIKey)
	serverURL := strings.TrimRight(goutils.Env("POSEY_URL", queryServerURL), "/")

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(queryTimeout)*time.Second)
	defer cancel()

	c := &queryClient{baseURL: serverURL, apiKey: apiKey, http: &http.Client{}}
	body := httpapi.QueryRequest{
		Message:        queryMessage,
		ConversationID: queryConvID,
		Preferences:    orchestrator.Preferences{ImageProvider: queryImage},
	}

	var err error
	if queryStream {
		err = c.stream(ctx, &body, os.Stdout, os.Stderr)
	} else {
		err = c.query(ctx, &body, os.Stdout, os.Stderr)
	}

	var ee *exitError
	if errors.As(err, &ee) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", ee.err)
		os.Exit(ee.code)
	}
	return err
}

// queryClient talks to the HTTP API.
type queryClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func (q *queryClient) post(ctx context.Context, path string, body any, accept string) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, q.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, exitWith(ExitFailure, "%v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	if q.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+q.apiKey)
	}

	resp, err := q.http.Do(req)
	if err != nil {
		return nil, exitWith(ExitUnavailable, "cannot reach server at %s: %v", q.baseURL, err)
	}
	return resp, nil
}

// statusError maps a non-200 response to an exit code.
func statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(resp.Body)
	var body httpapi.ErrorBody
	msg := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		msg = body.Error
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return exitWith(ExitRejected, "unauthorized (check API key)")
	case http.StatusTooManyRequests:
		return exitWith(ExitRejected, "rate limited, try again later")
	case http.StatusBadRequest:
		return exitWith(ExitRejected, "invalid request: %s", msg)
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return exitWith(ExitUnavailable, "server unavailable (%d): %s", resp.StatusCode, msg)
	default:
		return exitWith(ExitFailure, "server returned %d: %s", resp.StatusCode, msg)
	}
}

// query sends a synchronous query and prints the answer.
func (q *queryClient) query(ctx context.Context, body *httpapi.QueryRequest, stdout, stderr io.Writer) error {
	resp, err := q.post(ctx, "/v1/query", body, "application/json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	var result orchestrator.Response
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return exitWith(ExitFailure, "decoding response: %v", err)
	}
	printResponse(stdout, stderr, &result)
	return nil
}

// stream sends a streaming query, reports progress on stderr and prints
// the answer once the "done" event arrives.
func (q *queryClient) stream(ctx context.Context, body *httpapi.QueryRequest, stdout, stderr io.Writer) error {
	resp, err := q.post(ctx, "/v1/query/stream", body, "text/event-stream")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64<<10), 4<<20)
	var name string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			continue
		case !strings.HasPrefix(line, "data:"):
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}

		if name == orchestrator.EventError {
			var e httpapi.ErrorBody
			_ = json.Unmarshal([]byte(data), &e)
			return exitWith(ExitFailure, "%s", e.Error)
		}

		var event struct {
			Type string          `json:"type"`
			Step string          `json:"step"`
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue
		}
		if event.Type == "" {
			event.Type = name
		}

		switch event.Type {
		case orchestrator.EventPlan:
			var plan orchestrator.Plan
			if json.Unmarshal(event.Data, &plan) == nil {
				fmt.Fprintf(stderr, "[plan: %d steps]\n", len(plan.Steps))
			}
		case orchestrator.EventStepStarted:
			fmt.Fprintf(stderr, "[step %s started]\n", event.Step)
		case orchestrator.EventStepFinished:
			fmt.Fprintf(stderr, "[step %s finished]\n", event.Step)
		case orchestrator.EventDone:
			var result orchestrator.Response
			if err := json.Unmarshal(event.Data, &result); err != nil {
				return exitWith(ExitFailure, "decoding response: %v", err)
			}
			printResponse(stdout, stderr, &result)
			return nil
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return exitWith(ExitFailure, "stream interrupted: %v", err)
	}
	if ctx.Err() != nil {
		return exitWith(ExitFailure, "timed out waiting for the answer")
	}
	return exitWith(ExitFailure, "stream ended without an answer")
}

func printResponse(stdout, stderr io.Writer, r *orchestrator.Response) {
	fmt.Fprintln(stdout, r.Answer)
	for _, img := range r.Images {
		if img.URL != "" {
			fmt.Fprintf(stdout, "image: %s\n", img.URL)
		}
	}
	for _, s := range r.Sources {
		fmt.Fprintf(stdout, "source: %s\n", s.URL)
	}
	fmt.Fprintf(stderr, "\n[run_id=%s conversation_id=%s tokens=%d duration=%s]\n",
		r.RunID, r.ConversationID, r.Usage.Total(), r.Duration.Round(time.Millisecond))
}
