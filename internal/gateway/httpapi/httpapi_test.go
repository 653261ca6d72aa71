package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/poseylabs/posey/internal/agent"
	"github.com/poseylabs/posey/internal/auth"
	"github.com/poseylabs/posey/internal/config"
	"github.com/poseylabs/posey/internal/image"
	"github.com/poseylabs/posey/internal/llm"
	"github.com/poseylabs/posey/internal/llm/llmtest"
	"github.com/poseylabs/posey/internal/memory"
	"github.com/poseylabs/posey/internal/minion"
	"github.com/poseylabs/posey/internal/observability"
	"github.com/poseylabs/posey/internal/orchestrator"
	"github.com/poseylabs/posey/internal/ratelimit"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const (
	aliceKey = "key-alice"
	bobKey   = "key-bob"
)

// scripted answers the planner with a one-step research plan and the
// synthesizer with a fixed answer.
func scripted() llm.Provider {
	return llmtest.Func(func(_ context.Context, req *llm.Request) (*llm.Response, error) {
		switch {
		case strings.Contains(req.SystemPrompt, "You are the planner"):
			return llmtest.Text(`{"steps":[{"id":"s1","minion":"research","instruction":"look it up"}]}`).Response, nil
		case strings.Contains(req.SystemPrompt, "Write the final answer"):
			return llmtest.Text(`{"answer":"42","followups":["Why 42?"]}`).Response, nil
		}
		return llmtest.Text("not json").Response, nil
	})
}

type researchMinion struct{}

func (researchMinion) Name() string        { return minion.Research }
func (researchMinion) Description() string { return "looks things up" }
func (researchMinion) Run(_ context.Context, task *minion.Task) (*minion.Result, error) {
	return &minion.Result{Minion: minion.Research, Summary: "found: " + task.Instruction}, nil
}

type fakeImages struct{}

func (fakeImages) Name() string { return "fake" }
func (fakeImages) Generate(_ context.Context, req *image.Request) (*image.Result, error) {
	out := &image.Result{Provider: "fake", Model: "sketch-1"}
	for i := 0; i < req.Count; i++ {
		out.Images = append(out.Images, image.Image{URL: "https://img.example/" + req.Size})
	}
	return out, nil
}

type imageLog struct {
	mu     sync.Mutex
	userID string
	images []minion.Image
}

func (l *imageLog) RecordImages(_ context.Context, userID, _ string, images []minion.Image) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.userID = userID
	l.images = append(l.images, images...)
	return nil
}

type testEnv struct {
	handler http.Handler
	images  *imageLog
	metrics *observability.MetricsCollector
}

func newEnv(t *testing.T, rl config.RateLimitConfig) *testEnv {
	t.Helper()
	reg := minion.NewRegistry()
	reg.Register(minion.Research, "looks things up", func() (minion.Minion, error) { return researchMinion{}, nil })

	orch, err := orchestrator.New(agent.New(scripted(), agent.WithLogger(discardLogger())), reg,
		orchestrator.WithConfig(config.OrchestratorConfig{FallbackMinion: minion.Research}),
		orchestrator.WithLogger(discardLogger()),
	)
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}

	imgReg := image.NewRegistry()
	imgReg.Register(fakeImages{})
	env := &testEnv{images: &imageLog{}, metrics: observability.NewMetricsCollector()}

	authn := auth.New(config.AuthConfig{APIKeys: map[string]string{aliceKey: "alice", bobKey: "bob"}})
	g := NewGateway(Config{
		ImageCost:       3,
		MetricsRegistry: env.metrics.Registry,
		Metrics:         env.metrics,
		HealthChecker:   observability.NewHealthChecker(discardLogger()),
	}, orch, authn, ratelimit.New(rl), discardLogger()).
		WithMemory(memory.NewService(memory.NewInMemoryStore(), memory.NewHashEmbedder(64), memory.WithLogger(discardLogger()))).
		WithImages(imgReg, env.images)
	env.handler = g.Handler()
	return env
}

func (e *testEnv) do(t *testing.T, method, path, key string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding %q: %v", w.Body.String(), err)
	}
	return v
}

func TestAuthentication(t *testing.T) {
	env := newEnv(t, config.RateLimitConfig{})

	if w := env.do(t, "GET", "/v1/minions", "", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("no credentials: %d", w.Code)
	}
	if w := env.do(t, "GET", "/v1/minions", "wrong", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("bad key: %d", w.Code)
	}
	if w := env.do(t, "GET", "/v1/minions?token="+aliceKey, "", nil); w.Code != http.StatusOK {
		t.Errorf("query token: %d", w.Code)
	}
	if w := env.do(t, "GET", "/healthz", "", nil); w.Code != http.StatusOK {
		t.Errorf("healthz should not need auth: %d", w.Code)
	}
	if w := env.do(t, "GET", "/readyz", "", nil); w.Code != http.StatusOK {
		t.Errorf("readyz: %d", w.Code)
	}
}

func TestQuery_RunsAndConversations(t *testing.T) {
	env := newEnv(t, config.RateLimitConfig{})

	w := env.do(t, "POST", "/v1/query", aliceKey, QueryRequest{Message: "What is the answer?"})
	if w.Code != http.StatusOK {
		t.Fatalf("query: %d %s", w.Code, w.Body.String())
	}
	resp := decode[orchestrator.Response](t, w)
	if resp.Answer != "42" || resp.RunID == "" || resp.ConversationID == "" {
		t.Fatalf("response = %+v", resp)
	}
	if len(resp.Steps) != 1 || resp.Steps[0].Status != orchestrator.StepCompleted {
		t.Errorf("steps = %+v", resp.Steps)
	}

	if w := env.do(t, "GET", "/v1/runs/"+resp.RunID, aliceKey, nil); w.Code != http.StatusOK {
		t.Errorf("own run: %d", w.Code)
	}
	if w := env.do(t, "GET", "/v1/runs/"+resp.RunID, bobKey, nil); w.Code != http.StatusNotFound {
		t.Errorf("foreign run: %d", w.Code)
	}
	if w := env.do(t, "GET", "/v1/runs/nope", aliceKey, nil); w.Code != http.StatusNotFound {
		t.Errorf("missing run: %d", w.Code)
	}
	runs := decode[[]orchestrator.Run](t, env.do(t, "GET", "/v1/runs", aliceKey, nil))
	if len(runs) != 1 {
		t.Errorf("alice runs = %d", len(runs))
	}
	if runs := decode[[]orchestrator.Run](t, env.do(t, "GET", "/v1/runs", bobKey, nil)); len(runs) != 0 {
		t.Errorf("bob runs = %d", len(runs))
	}

	msgsPath := "/v1/conversations/" + resp.ConversationID + "/messages"
	msgs := decode[[]orchestrator.Message](t, env.do(t, "GET", msgsPath, aliceKey, nil))
	if len(msgs) != 2 || msgs[0].Role != "user" || msgs[1].Content != "42" {
		t.Errorf("messages = %+v", msgs)
	}
	if w := env.do(t, "GET", msgsPath, bobKey, nil); w.Code != http.StatusNotFound {
		t.Errorf("foreign conversation: %d", w.Code)
	}
	if w := env.do(t, "POST", "/v1/query", bobKey, QueryRequest{Message: "hi", ConversationID: resp.ConversationID}); w.Code != http.StatusNotFound {
		t.Errorf("query into foreign conversation: %d", w.Code)
	}

	if w := env.do(t, "DELETE", "/v1/conversations/"+resp.ConversationID, aliceKey, nil); w.Code != http.StatusOK {
		t.Errorf("delete: %d", w.Code)
	}
	if w := env.do(t, "GET", msgsPath, aliceKey, nil); w.Code != http.StatusNotFound {
		t.Errorf("deleted conversation: %d", w.Code)
	}
}

func TestQuery_InvalidRequest(t *testing.T) {
	env := newEnv(t, config.RateLimitConfig{})

	w := env.do(t, "POST", "/v1/query", aliceKey, QueryRequest{Message: "   "})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("blank message: %d", w.Code)
	}
	body := decode[ErrorBody](t, w)
	if body.Error != "invalid request" {
		t.Errorf("error = %q", body.Error)
	}
}

func TestQueryStream(t *testing.T) {
	env := newEnv(t, config.RateLimitConfig{})

	w := env.do(t, "POST", "/v1/query/stream", aliceKey, QueryRequest{Message: "What is the answer?"})
	if w.Code != http.StatusOK {
		t.Fatalf("stream: %d %s", w.Code, w.Body.String())
	}
	body := w.Body.String()
	for _, want := range []string{"analysis", "plan", "step_started", "step_finished", "synthesis", "done", `"answer":"42"`} {
		if !strings.Contains(body, want) {
			t.Errorf("stream missing %q:\n%s", want, body)
		}
	}
	if idx := strings.Index(body, "step_started"); idx > strings.Index(body, "synthesis") {
		t.Errorf("events out of order:\n%s", body)
	}

	if w := env.do(t, "POST", "/v1/query/stream", aliceKey, QueryRequest{}); w.Code != http.StatusBadRequest {
		t.Errorf("invalid stream request: %d", w.Code)
	}
}

func TestRateLimit(t *testing.T) {
	env := newEnv(t, config.RateLimitConfig{RequestsPerMinute: 60, BurstSize: 4})

	if w := env.do(t, "POST", "/v1/images", aliceKey, ImageRequest{Request: image.Request{Prompt: "a fox"}}); w.Code != http.StatusOK {
		t.Fatalf("image: %d %s", w.Code, w.Body.String())
	}
	// The image consumed three of four tokens.
	if w := env.do(t, "GET", "/v1/runs", aliceKey, nil); w.Code != http.StatusOK {
		t.Fatalf("runs: %d", w.Code)
	}
	w := env.do(t, "GET", "/v1/runs", aliceKey, nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("over limit: %d", w.Code)
	}
	if body := decode[RateLimitedBody](t, w); body.RetryAfterS < 1 {
		t.Errorf("retry_after_s = %d", body.RetryAfterS)
	}
	if w := env.do(t, "GET", "/v1/runs", bobKey, nil); w.Code != http.StatusOK {
		t.Errorf("bob is limited separately: %d", w.Code)
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want int
	}{
		{0, 1},
		{200 * time.Millisecond, 1},
		{time.Second, 1},
		{1500 * time.Millisecond, 2},
		{59*time.Second + time.Millisecond, 60},
	}
	for _, tt := range tests {
		if got := retryAfterSeconds(tt.in); got != tt.want {
			t.Errorf("retryAfterSeconds(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestMemories(t *testing.T) {
	env := newEnv(t, config.RateLimitConfig{})
	fact := MemoryRequest{Content: "The user prefers metric units", Tags: []string{"prefs"}}

	w := env.do(t, "POST", "/v1/memories", aliceKey, fact)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", w.Code, w.Body.String())
	}
	created := decode[MemoryResponse](t, w)
	if created.Memory == nil || created.Memory.Importance != defaultImportance {
		t.Fatalf("created = %+v", created)
	}

	w = env.do(t, "POST", "/v1/memories", aliceKey, fact)
	if w.Code != http.StatusOK || !decode[MemoryResponse](t, w).Duplicate {
		t.Errorf("duplicate: %d %s", w.Code, w.Body.String())
	}
	if w := env.do(t, "POST", "/v1/memories", aliceKey, MemoryRequest{Content: " "}); w.Code != http.StatusBadRequest {
		t.Errorf("empty content: %d", w.Code)
	}

	if list := decode[[]memory.Memory](t, env.do(t, "GET", "/v1/memories", aliceKey, nil)); len(list) != 1 {
		t.Errorf("list = %+v", list)
	}
	if list := decode[[]memory.Memory](t, env.do(t, "GET", "/v1/memories", bobKey, nil)); len(list) != 0 {
		t.Errorf("bob sees %d memories", len(list))
	}
	matches := decode[[]memory.Match](t, env.do(t, "GET", "/v1/memories?q=The+user+prefers+metric+units", aliceKey, nil))
	if len(matches) != 1 || matches[0].ID != created.Memory.ID {
		t.Errorf("recall = %+v", matches)
	}

	path := "/v1/memories/" + created.Memory.ID
	if w := env.do(t, "DELETE", path, bobKey, nil); w.Code != http.StatusNotFound {
		t.Errorf("bob deleting alice's memory: %d", w.Code)
	}
	if w := env.do(t, "DELETE", path, aliceKey, nil); w.Code != http.StatusOK {
		t.Errorf("delete: %d", w.Code)
	}
	if w := env.do(t, "DELETE", path, aliceKey, nil); w.Code != http.StatusNotFound {
		t.Errorf("second delete: %d", w.Code)
	}
}

func TestImages(t *testing.T) {
	env := newEnv(t, config.RateLimitConfig{})

	w := env.do(t, "POST", "/v1/images", aliceKey, ImageRequest{Request: image.Request{Prompt: "a fox", Count: 2, Size: "512x512"}})
	if w.Code != http.StatusOK {
		t.Fatalf("generate: %d %s", w.Code, w.Body.String())
	}
	res := decode[image.Result](t, w)
	if res.Provider != "fake" || len(res.Images) != 2 || res.Images[0].URL != "https://img.example/512x512" {
		t.Errorf("result = %+v", res)
	}

	env.images.mu.Lock()
	if env.images.userID != "alice" || len(env.images.images) != 2 || env.images.images[0].Prompt != "a fox" {
		t.Errorf("recorded = %q %+v", env.images.userID, env.images.images)
	}
	env.images.mu.Unlock()

	if w := env.do(t, "POST", "/v1/images", aliceKey, ImageRequest{Request: image.Request{Prompt: "x", Size: "huge"}}); w.Code != http.StatusBadRequest {
		t.Errorf("bad size: %d", w.Code)
	}
}

func TestMinions(t *testing.T) {
	env := newEnv(t, config.RateLimitConfig{})

	list := decode[[]minion.Info](t, env.do(t, "GET", "/v1/minions", aliceKey, nil))
	if len(list) != 1 || list[0].Name != minion.Research {
		t.Errorf("catalogue = %+v", list)
	}

	w := env.do(t, "POST", "/v1/minions/research/run", aliceKey, MinionRunRequest{Instruction: "tides"})
	if w.Code != http.StatusOK {
		t.Fatalf("run: %d %s", w.Code, w.Body.String())
	}
	if res := decode[minion.Result](t, w); res.Summary != "found: tides" {
		t.Errorf("result = %+v", res)
	}
	if w := env.do(t, "POST", "/v1/minions/astrology/run", aliceKey, MinionRunRequest{Instruction: "x"}); w.Code != http.StatusNotFound {
		t.Errorf("unknown minion: %d", w.Code)
	}
	if w := env.do(t, "POST", "/v1/minions/research/run", aliceKey, MinionRunRequest{}); w.Code != http.StatusBadRequest {
		t.Errorf("missing instruction: %d", w.Code)
	}

	if abilities := decode[[]AbilityInfo](t, env.do(t, "GET", "/v1/abilities", aliceKey, nil)); len(abilities) != 0 {
		t.Errorf("abilities = %+v", abilities)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newEnv(t, config.RateLimitConfig{})
	env.do(t, "GET", "/v1/minions", aliceKey, nil)

	w := env.do(t, "GET", "/metrics", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("metrics: %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "posey_") {
		t.Errorf("metrics body has no posey_ series")
	}
}
