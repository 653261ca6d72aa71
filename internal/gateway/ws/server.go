// Package ws implements the WebSocket gateway. Clients send query
// envelopes and receive the run's progress events followed by a terminal
// result or error envelope. Several queries may be in flight on one
// connection; each is correlated by its request ID.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/poseylabs/posey/internal/auth"
	"github.com/poseylabs/posey/internal/orchestrator"
	"github.com/poseylabs/posey/internal/protocol"
	"github.com/poseylabs/posey/internal/ratelimit"
)

// Subprotocol is advertised during the handshake.
const Subprotocol = "posey-v1"

// Server accepts WebSocket clients and runs their queries.
type Server struct {
	orch    *orchestrator.Orchestrator
	authn   *auth.Authenticator
	limiter *ratelimit.Limiter
	logger  *slog.Logger

	timeout        time.Duration
	pingInterval   time.Duration
	maxInFlight    int
	readLimit      int64
	originPatterns []string
}

// Option configures the Server.
type Option func(*Server)

// WithTimeout bounds each query. Default: 5 minutes.
func WithTimeout(d time.Duration) Option { return func(s *Server) { s.timeout = d } }

// WithPingInterval sets how often idle connections are pinged. Default: 30s.
func WithPingInterval(d time.Duration) Option { return func(s *Server) { s.pingInterval = d } }

// WithMaxInFlight caps concurrent queries per connection. Default: 4.
func WithMaxInFlight(n int) Option { return func(s *Server) { s.maxInFlight = n } }

// WithOriginPatterns allows cross-origin browser clients.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.originPatterns = patterns }
}

// NewServer creates a WebSocket server.
func NewServer(orch *orchestrator.Orchestrator, authn *auth.Authenticator, rl *ratelimit.Limiter, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		orch:         orch,
		authn:        authn,
		limiter:      rl,
		logger:       logger,
		timeout:      5 * time.Minute,
		pingInterval: 30 * time.Second,
		maxInFlight:  4,
		readLimit:    64 << 10,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	userID, err := s.authn.FromRequest(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{Subprotocol},
		OriginPatterns: s.originPatterns,
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	s.handleConnection(r.Context(), conn, userID)
}

// session is one client connection.
type session struct {
	server *Server
	conn   *websocket.Conn
	userID string
	logger *slog.Logger

	mu   sync.Mutex
	runs map[string]context.CancelFunc
	wg   sync.WaitGroup
}

func (s *Server) handleConnection(ctx context.Context, conn *websocket.Conn, userID string) {
	conn.SetReadLimit(s.readLimit)
	ctx, cancel := context.WithCancel(ctx)

	sess := &session{
		server: s,
		conn:   conn,
		userID: userID,
		logger: s.logger.With(slog.String("user_id", userID)),
		runs:   make(map[string]context.CancelFunc),
	}
	defer func() {
		cancel()
		sess.wg.Wait()
		conn.Close(websocket.StatusNormalClosure, "connection closed")
	}()

	sess.logger.InfoContext(ctx, "websocket client connected")
	go sess.pingLoop(ctx)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || errors.Is(err, context.Canceled) {
				sess.logger.Info("websocket client disconnected")
			} else {
				sess.logger.Warn("websocket connection error", slog.String("error", err.Error()))
			}
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			sess.sendError(ctx, "", protocol.CodeBadMessage, "message is not a valid envelope")
			continue
		}
		sess.handleMessage(ctx, &env)
	}
}

func (sess *session) handleMessage(ctx context.Context, env *protocol.Envelope) {
	switch env.Type {
	case protocol.MsgQuery:
		sess.startQuery(ctx, env)

	case protocol.MsgCancel:
		sess.mu.Lock()
		cancel, ok := sess.runs[env.RequestID]
		sess.mu.Unlock()
		if ok {
			cancel()
		}

	case protocol.MsgPing:
		if reply, err := protocol.Reply(env.ID, protocol.MsgPong, nil); err == nil {
			sess.write(ctx, reply)
		}

	default:
		sess.sendError(ctx, env.ID, protocol.CodeUnknownType, fmt.Sprintf("unknown message type %q", env.Type))
	}
}

func (sess *session) startQuery(ctx context.Context, env *protocol.Envelope) {
	var q protocol.QueryPayload
	if env.ID == "" || env.Decode(&q) != nil {
		sess.sendError(ctx, env.ID, protocol.CodeBadMessage, "query needs an id and a payload")
		return
	}
	if err := sess.server.limiter.Allow(sess.userID); err != nil {
		sess.sendError(ctx, env.ID, protocol.CodeRateLimited, "rate limit exceeded")
		return
	}

	sess.mu.Lock()
	if _, dup := sess.runs[env.ID]; dup {
		sess.mu.Unlock()
		sess.sendError(ctx, env.ID, protocol.CodeBadMessage, "a query with this id is already running")
		return
	}
	if len(sess.runs) >= sess.server.maxInFlight {
		sess.mu.Unlock()
		sess.sendError(ctx, env.ID, protocol.CodeBusy, "too many queries in flight")
		return
	}
	runCtx, cancel := context.WithTimeout(ctx, sess.server.timeout)
	sess.runs[env.ID] = cancel
	sess.wg.Add(1)
	sess.mu.Unlock()

	go func() {
		defer sess.wg.Done()
		defer func() {
			sess.mu.Lock()
			delete(sess.runs, env.ID)
			sess.mu.Unlock()
			cancel()
		}()
		sess.runQuery(runCtx, ctx, env.ID, &q)
	}()
}

// runQuery executes one query. Replies are written on connCtx so that a
// cancelled or timed-out run still reports its outcome.
func (sess *session) runQuery(ctx, connCtx context.Context, requestID string, q *protocol.QueryPayload) {
	if accepted, err := protocol.Reply(requestID, protocol.MsgAccepted, protocol.AcceptedPayload{Message: "query accepted"}); err == nil {
		sess.write(connCtx, accepted)
	}

	sink := func(_ context.Context, e orchestrator.Event) {
		if e.Type == orchestrator.EventError {
			return
		}
		if env, err := protocol.Reply(requestID, protocol.MsgEvent, e); err == nil {
			sess.write(connCtx, env)
		}
	}

	resp, err := sess.server.orch.Handle(ctx, &orchestrator.Request{
		UserID:         sess.userID,
		ConversationID: q.ConversationID,
		Message:        q.Message,
		Preferences: orchestrator.Preferences{
			ImageProvider: q.ImageProvider,
			Minions:       q.Minions,
		},
		Events: sink,
	})
	if err != nil {
		code, msg := sess.classify(connCtx, err)
		sess.sendError(connCtx, requestID, code, msg)
		return
	}
	if env, err := protocol.Reply(requestID, protocol.MsgResult, resp); err == nil {
		sess.write(connCtx, env)
	}
}

// classify maps a run error to a protocol code and a message safe to show
// clients.
func (sess *session) classify(ctx context.Context, err error) (string, string) {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidRequest):
		return protocol.CodeInvalidRequest, "invalid request"
	case errors.Is(err, orchestrator.ErrConversationNotFound):
		return protocol.CodeNotFound, "conversation not found"
	case errors.Is(err, context.DeadlineExceeded):
		return protocol.CodeTimeout, "query timed out"
	case errors.Is(err, context.Canceled):
		return protocol.CodeCancelled, "query cancelled"
	}
	sess.logger.ErrorContext(ctx, "websocket query failed", slog.String("error", err.Error()))
	return protocol.CodeInternal, "internal error"
}

func (sess *session) sendError(ctx context.Context, requestID, code, msg string) {
	env, err := protocol.Reply(requestID, protocol.MsgError, protocol.ErrorPayload{Code: code, Message: msg})
	if err != nil {
		return
	}
	sess.write(ctx, env)
}

func (sess *session) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(sess.server.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := sess.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				sess.logger.Debug("websocket ping failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

func (sess *session) write(ctx context.Context, env *protocol.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		sess.logger.Error("encoding envelope", slog.String("error", err.Error()))
		return
	}
	if err := sess.conn.Write(ctx, websocket.MessageText, data); err != nil {
		sess.logger.Debug("websocket write failed", slog.String("error", err.Error()))
	}
}
