package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/poseylabs/posey/internal/config"
	"github.com/poseylabs/posey/internal/gateway/httpapi"
	"github.com/poseylabs/posey/internal/minion"
	"github.com/poseylabs/posey/internal/orchestrator"
	"github.com/poseylabs/posey/internal/web"
)

func TestQueryClient_Query(t *testing.T) {
	var got httpapi.QueryRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/query" || r.Header.Get("Authorization") != "Bearer k1" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(orchestrator.Response{
			RunID:          "r1",
			ConversationID: "c1",
			Answer:         "forty-two",
			Sources:        []minion.Source{{URL: "https://example.com"}},
		})
	}))
	defer srv.Close()

	var stdout, stderr bytes.Buffer
	c := &queryClient{baseURL: srv.URL, apiKey: "k1", http: srv.Client()}
	err := c.query(context.Background(), &httpapi.QueryRequest{Message: "hi", ConversationID: "c1"}, &stdout, &stderr)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if got.Message != "hi" || got.ConversationID != "c1" {
		t.Errorf("server saw %+v", got)
	}
	if !strings.Contains(stdout.String(), "forty-two") || !strings.Contains(stdout.String(), "source: https://example.com") {
		t.Errorf("stdout = %q", stdout.String())
	}
	if !strings.Contains(stderr.String(), "run_id=r1") {
		t.Errorf("stderr = %q", stderr.String())
	}
}

func TestQueryClient_StatusCodes(t *testing.T) {
	tests := []struct {
		status int
		want   int
	}{
		{http.StatusUnauthorized, ExitRejected},
		{http.StatusTooManyRequests, ExitRejected},
		{http.StatusBadRequest, ExitRejected},
		{http.StatusServiceUnavailable, ExitUnavailable},
		{http.StatusInternalServerError, ExitFailure},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_ = json.NewEncoder(w).Encode(httpapi.ErrorBody{Error: "nope"})
			}))
			defer srv.Close()

			c := &queryClient{baseURL: srv.URL, http: srv.Client()}
			err := c.query(context.Background(), &httpapi.QueryRequest{Message: "hi"}, io.Discard, io.Discard)
			var ee *exitError
			if !errors.As(err, &ee) || ee.code != tt.want {
				t.Errorf("err = %v, want exit code %d", err, tt.want)
			}
		})
	}
}

func TestQueryClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := &queryClient{baseURL: url, http: &http.Client{}}
	err := c.query(context.Background(), &httpapi.QueryRequest{Message: "hi"}, io.Discard, io.Discard)
	var ee *exitError
	if !errors.As(err, &ee) || ee.code != ExitUnavailable {
		t.Errorf("err = %v", err)
	}
}

func writeEvent(w io.Writer, name string, v any) {
	data, _ := json.Marshal(v)
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
}

func TestQueryClient_Stream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/query/stream" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		writeEvent(w, orchestrator.EventPlan, orchestrator.Event{
			Type: orchestrator.EventPlan,
			Data: orchestrator.Plan{Steps: []orchestrator.PlanStep{{ID: "s1", Minion: "research"}}},
		})
		writeEvent(w, orchestrator.EventStepStarted, orchestrator.Event{Type: orchestrator.EventStepStarted, Step: "s1"})
		writeEvent(w, orchestrator.EventDone, orchestrator.Event{
			Type: orchestrator.EventDone,
			Data: orchestrator.Response{RunID: "r1", Answer: "streamed answer"},
		})
	}))
	defer srv.Close()

	var stdout, stderr bytes.Buffer
	c := &queryClient{baseURL: srv.URL, http: srv.Client()}
	if err := c.stream(context.Background(), &httpapi.QueryRequest{Message: "hi"}, &stdout, &stderr); err != nil {
		t.Fatalf("stream: %v", err)
	}
	if !strings.Contains(stdout.String(), "streamed answer") {
		t.Errorf("stdout = %q", stdout.String())
	}
	if !strings.Contains(stderr.String(), "[plan: 1 steps]") || !strings.Contains(stderr.String(), "[step s1 started]") {
		t.Errorf("stderr = %q", stderr.String())
	}
}

func TestQueryClient_StreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeEvent(w, orchestrator.EventAnalysis, orchestrator.Event{Type: orchestrator.EventAnalysis})
		writeEvent(w, orchestrator.EventError, httpapi.ErrorBody{Error: "query timed out"})
	}))
	defer srv.Close()

	c := &queryClient{baseURL: srv.URL, http: srv.Client()}
	err := c.stream(context.Background(), &httpapi.QueryRequest{Message: "hi"}, io.Discard, io.Discard)
	var ee *exitError
	if !errors.As(err, &ee) || ee.code != ExitFailure || !strings.Contains(ee.Error(), "timed out") {
		t.Errorf("err = %v", err)
	}
}

func TestCatalogue(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg, err := catalogue(&config.Config{}, logger)
	if err != nil {
		t.Fatal(err)
	}
	// No image providers configured.
	if reg.Has(minion.ImageGeneration) {
		t.Error("image_generation registered without providers")
	}
	for _, name := range []string{minion.ContentAnalysis, minion.Research, minion.WebNavigation, minion.Memory} {
		if !reg.Has(name) {
			t.Errorf("%s missing", name)
		}
	}

	var out bytes.Buffer
	if err := printCatalogue(&out, reg); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), minion.ContentAnalysis+" (fallback)") {
		t.Errorf("catalogue = %q", out.String())
	}
}

func TestCatalogue_UnknownFallback(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := &config.Config{Orchestrator: config.OrchestratorConfig{FallbackMinion: "astrology"}}
	if _, err := catalogue(cfg, logger); !errors.Is(err, minion.ErrUnknownMinion) {
		t.Errorf("err = %v, want ErrUnknownMinion", err)
	}
}

func TestAbilityCacheOptions(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if got := abilityCacheOptions(&config.WebConfig{}, logger); len(got) != 1 {
		t.Errorf("default config should enable the cache, got %d options", len(got))
	}
	if got := abilityCacheOptions(&config.WebConfig{CacheTTLSeconds: -1}, logger); len(got) != 0 {
		t.Errorf("negative TTL should disable the cache, got %d options", len(got))
	}
	for _, name := range web.ReadOnlyAbilities {
		if strings.HasPrefix(name, "memory_") {
			t.Errorf("user-scoped ability %s must not be cached", name)
		}
	}
}
