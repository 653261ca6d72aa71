package ws

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/poseylabs/posey/internal/agent"
	"github.com/poseylabs/posey/internal/auth"
	"github.com/poseylabs/posey/internal/config"
	"github.com/poseylabs/posey/internal/llm"
	"github.com/poseylabs/posey/internal/llm/llmtest"
	"github.com/poseylabs/posey/internal/minion"
	"github.com/poseylabs/posey/internal/orchestrator"
	"github.com/poseylabs/posey/internal/protocol"
	"github.com/poseylabs/posey/internal/ratelimit"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type blockingMinion struct {
	release chan struct{}
}

func (m *blockingMinion) Name() string        { return minion.Research }
func (m *blockingMinion) Description() string { return "looks things up" }
func (m *blockingMinion) Run(ctx context.Context, task *minion.Task) (*minion.Result, error) {
	if m.release != nil {
		select {
		case <-m.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &minion.Result{Minion: minion.Research, Summary: "found: " + task.Instruction}, nil
}

func provider() llm.Provider {
	return llmtest.Func(func(_ context.Context, req *llm.Request) (*llm.Response, error) {
		switch {
		case strings.Contains(req.SystemPrompt, "You are the planner"):
			return llmtest.Text(`{"steps":[{"id":"s1","minion":"research","instruction":"look"}]}`).Response, nil
		case strings.Contains(req.SystemPrompt, "Write the final answer"):
			return llmtest.Text(`{"answer":"done"}`).Response, nil
		}
		return llmtest.Text("not json").Response, nil
	})
}

func newTestServer(t *testing.T, m *blockingMinion, rl config.RateLimitConfig, opts ...Option) *httptest.Server {
	t.Helper()
	reg := minion.NewRegistry()
	reg.Register(minion.Research, "looks things up", func() (minion.Minion, error) { return m, nil })
	orch, err := orchestrator.New(agent.New(provider(), agent.WithLogger(discardLogger())), reg,
		orchestrator.WithConfig(config.OrchestratorConfig{FallbackMinion: minion.Research}),
		orchestrator.WithLogger(discardLogger()),
	)
	if err != nil {
		t.Fatal(err)
	}
	authn := auth.New(config.AuthConfig{APIKeys: map[string]string{"key-1": "alice"}})
	s := NewServer(orch, authn, ratelimit.New(rl), discardLogger(), opts...)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, ctx context.Context, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader:   http.Header{"Authorization": []string{"Bearer key-1"}},
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func sendQuery(t *testing.T, ctx context.Context, conn *websocket.Conn, id, message string) {
	t.Helper()
	env, err := protocol.NewEnvelope(protocol.MsgQuery, protocol.QueryPayload{Message: message})
	if err != nil {
		t.Fatal(err)
	}
	env.ID = id
	if err := wsjson.Write(ctx, conn, env); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// readUntil reads envelopes until one of type stop arrives.
func readUntil(t *testing.T, ctx context.Context, conn *websocket.Conn, stop ...protocol.MessageType) []protocol.Envelope {
	t.Helper()
	var got []protocol.Envelope
	for {
		var env protocol.Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			t.Fatalf("read after %d envelopes: %v", len(got), err)
		}
		got = append(got, env)
		for _, s := range stop {
			if env.Type == s {
				return got
			}
		}
	}
}

func TestQueryStreamsEventsThenResult(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv := newTestServer(t, &blockingMinion{}, config.RateLimitConfig{})
	conn := dial(t, ctx, srv)

	sendQuery(t, ctx, conn, "q1", "what's new?")
	envs := readUntil(t, ctx, conn, protocol.MsgResult, protocol.MsgError)

	if envs[0].Type != protocol.MsgAccepted {
		t.Errorf("first envelope = %s", envs[0].Type)
	}
	last := envs[len(envs)-1]
	if last.Type != protocol.MsgResult {
		t.Fatalf("terminal envelope = %s %s", last.Type, last.Payload)
	}
	var resp orchestrator.Response
	if err := last.Decode(&resp); err != nil || resp.Answer != "done" {
		t.Errorf("result = %+v, %v", resp, err)
	}

	events := 0
	for _, env := range envs {
		if env.RequestID != "q1" {
			t.Errorf("envelope %s has request id %q", env.Type, env.RequestID)
		}
		if env.Type == protocol.MsgEvent {
			events++
		}
	}
	if events < 4 {
		t.Errorf("events = %d, want analysis, plan, step and synthesis events", events)
	}
}

func TestInvalidQueryReturnsError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn := dial(t, ctx, newTestServer(t, &blockingMinion{}, config.RateLimitConfig{}))

	sendQuery(t, ctx, conn, "q1", "   ")
	envs := readUntil(t, ctx, conn, protocol.MsgError, protocol.MsgResult)
	var payload protocol.ErrorPayload
	last := envs[len(envs)-1]
	if err := last.Decode(&payload); err != nil || last.Type != protocol.MsgError || payload.Code != protocol.CodeInvalidRequest {
		t.Errorf("terminal = %s %+v", last.Type, payload)
	}

	if err := wsjson.Write(ctx, conn, map[string]string{"type": "teleport", "id": "x"}); err != nil {
		t.Fatal(err)
	}
	envs = readUntil(t, ctx, conn, protocol.MsgError)
	if err := envs[len(envs)-1].Decode(&payload); err != nil || payload.Code != protocol.CodeUnknownType {
		t.Errorf("unknown type payload = %+v", payload)
	}
}

func TestCancelQuery(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	m := &blockingMinion{release: make(chan struct{})}
	conn := dial(t, ctx, newTestServer(t, m, config.RateLimitConfig{}))

	sendQuery(t, ctx, conn, "q1", "slow one")
	readUntil(t, ctx, conn, protocol.MsgAccepted)

	env, _ := protocol.NewEnvelope(protocol.MsgCancel, nil)
	env.RequestID = "q1"
	if err := wsjson.Write(ctx, conn, env); err != nil {
		t.Fatal(err)
	}

	envs := readUntil(t, ctx, conn, protocol.MsgError, protocol.MsgResult)
	var payload protocol.ErrorPayload
	last := envs[len(envs)-1]
	if err := last.Decode(&payload); err != nil || last.Type != protocol.MsgError || payload.Code != protocol.CodeCancelled {
		t.Errorf("terminal = %s %+v", last.Type, payload)
	}
}

func TestMaxInFlight(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	m := &blockingMinion{release: make(chan struct{})}
	conn := dial(t, ctx, newTestServer(t, m, config.RateLimitConfig{}, WithMaxInFlight(1)))

	sendQuery(t, ctx, conn, "q1", "first")
	readUntil(t, ctx, conn, protocol.MsgAccepted)
	sendQuery(t, ctx, conn, "q2", "second")

	envs := readUntil(t, ctx, conn, protocol.MsgError)
	last := envs[len(envs)-1]
	var payload protocol.ErrorPayload
	if err := last.Decode(&payload); err != nil || last.RequestID != "q2" || payload.Code != protocol.CodeBusy {
		t.Errorf("second query = %q %+v", last.RequestID, payload)
	}

	close(m.release)
	readUntil(t, ctx, conn, protocol.MsgResult)
}

func TestRateLimited(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn := dial(t, ctx, newTestServer(t, &blockingMinion{}, config.RateLimitConfig{RequestsPerMinute: 1, BurstSize: 1}))

	sendQuery(t, ctx, conn, "q1", "first")
	readUntil(t, ctx, conn, protocol.MsgResult)
	sendQuery(t, ctx, conn, "q2", "second")
	envs := readUntil(t, ctx, conn, protocol.MsgError)
	var payload protocol.ErrorPayload
	if err := envs[len(envs)-1].Decode(&payload); err != nil || payload.Code != protocol.CodeRateLimited {
		t.Errorf("payload = %+v", payload)
	}
}

func TestPing(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn := dial(t, ctx, newTestServer(t, &blockingMinion{}, config.RateLimitConfig{}))

	env, _ := protocol.NewEnvelope(protocol.MsgPing, nil)
	if err := wsjson.Write(ctx, conn, env); err != nil {
		t.Fatal(err)
	}
	envs := readUntil(t, ctx, conn, protocol.MsgPong)
	if envs[len(envs)-1].RequestID != env.ID {
		t.Errorf("pong request id = %q", envs[len(envs)-1].RequestID)
	}
}

func TestRejectsUnauthenticated(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv := newTestServer(t, &blockingMinion{}, config.RateLimitConfig{})

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.Dial(ctx, url, nil)
	if err == nil {
		t.Fatal("dial without credentials succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("resp = %+v", resp)
	}

	conn, _, err := websocket.Dial(ctx, url+"?token=key-1", nil)
	if err != nil {
		t.Fatalf("token query: %v", err)
	}
	conn.Close(websocket.StatusNormalClosure, "")
}
