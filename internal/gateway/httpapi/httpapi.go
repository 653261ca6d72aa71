// Package httpapi implements the Posey HTTP API.
//
// Security:
//   - Bearer authentication on every /v1 request (API key or HS256 JWT)
//   - Request body size limits (default 1 MB)
//   - Per-user rate limiting via token bucket; image generation costs more
//   - Error responses never carry internal error text
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/poseylabs/posey/internal/ability"
	"github.com/poseylabs/posey/internal/agent"
	"github.com/poseylabs/posey/internal/auth"
	"github.com/poseylabs/posey/internal/image"
	"github.com/poseylabs/posey/internal/memory"
	"github.com/poseylabs/posey/internal/minion"
	"github.com/poseylabs/posey/internal/observability"
	"github.com/poseylabs/posey/internal/orchestrator"
	"github.com/poseylabs/posey/internal/ratelimit"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response.
type ErrorBody struct {
	Error string `json:"error"`
}

// RateLimitedBody is returned with 429.
type RateLimitedBody struct {
	Error       string `json:"error"`
	RetryAfterS int    `json:"retry_after_s"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	Version        string
	MaxRequestSize int64         // 0 = 1 MB.
	RequestTimeout time.Duration // Bounds one pipeline run. 0 = 5 minutes.
	ImageCost      int           // Rate-limit tokens per image request. 0 = 1.

	// Observability
	MetricsRegistry *prometheus.Registry            // Served on /metrics when set.
	HealthChecker   *observability.HealthChecker    // Backs /readyz.
	Metrics         *observability.MetricsCollector // HTTP middleware.
	Tracer          *observability.TracerSetup      // HTTP middleware.
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config  Config
	orch    *orchestrator.Orchestrator
	authn   *auth.Authenticator
	limiter *ratelimit.Limiter
	logger  *slog.Logger

	memories  *memory.Service      // nil = memory endpoints return 503.
	images    *image.Registry      // nil = image endpoint returns 503.
	recorder  minion.ImageRecorder // nil = generated images are not stored.
	abilities *ability.Registry    // nil = empty catalogue.

	extraRoutes []extraRoute

	okapi  *okapi.Okapi
	server *http.Server
	routes sync.Once
}

type extraRoute struct {
	pattern string
	handler http.Handler
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, orch *orchestrator.Orchestrator, authn *auth.Authenticator, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = defaultMaxRequestSize
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Minute
	}
	if cfg.ImageCost <= 0 {
		cfg.ImageCost = 1
	}
	return &Gateway{
		config:  cfg,
		orch:    orch,
		authn:   authn,
		limiter: rl,
		logger:  logger,
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(cfg.MaxRequestSize)),
	}
}

// WithMemory enables the /v1/memories endpoints.
func (g *Gateway) WithMemory(svc *memory.Service) *Gateway {
	g.memories = svc
	return g
}

// WithImages enables POST /v1/images. rec may be nil.
func (g *Gateway) WithImages(reg *image.Registry, rec minion.ImageRecorder) *Gateway {
	g.images = reg
	g.recorder = rec
	return g
}

// WithAbilities exposes reg on GET /v1/abilities.
func (g *Gateway) WithAbilities(reg *ability.Registry) *Gateway {
	g.abilities = reg
	return g
}

// WithHandler mounts an additional GET handler, such as the WebSocket
// endpoint, alongside the API routes.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, handler: handler})
	return g
}

// Handler registers all routes and returns the root handler.
func (g *Gateway) Handler() http.Handler {
	g.routes.Do(g.registerRoutes)
	return g.okapi
}

func (g *Gateway) registerRoutes() {
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}
	g.okapi.UseMiddleware(g.limitBody)

	v1 := g.okapi.Group("/v1", g.authenticate)

	v1.Post("/query", g.handleQuery,
		okapi.DocSummary("Run the pipeline for one message"),
		okapi.DocTags("Query"),
		okapi.DocRequestBody(QueryRequest{}),
		okapi.DocResponse(orchestrator.Response{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, RateLimitedBody{}),
	)
	v1.Post("/query/stream", g.handleQueryStream,
		okapi.DocSummary("Run the pipeline and stream progress via SSE"),
		okapi.DocTags("Query"),
		okapi.DocRequestBody(QueryRequest{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)

	v1.Get("/runs", g.handleRunList,
		okapi.DocSummary("List recent runs"),
		okapi.DocTags("Runs"),
		okapi.DocResponse([]orchestrator.Run{}),
	)
	v1.Get("/runs/{id}", g.handleRunGet,
		okapi.DocSummary("Get a run with its plan and steps"),
		okapi.DocTags("Runs"),
		okapi.DocPathParam("id", "string", "Run ID"),
		okapi.DocResponse(orchestrator.Run{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	v1.Get("/conversations/{id}/messages", g.handleConversationMessages,
		okapi.DocSummary("Conversation history, oldest first"),
		okapi.DocTags("Conversations"),
		okapi.DocPathParam("id", "string", "Conversation ID"),
		okapi.DocResponse([]orchestrator.Message{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	v1.Delete("/conversations/{id}", g.handleConversationDelete,
		okapi.DocSummary("Delete a conversation"),
		okapi.DocTags("Conversations"),
		okapi.DocPathParam("id", "string", "Conversation ID"),
		okapi.DocResponse(StatusResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	v1.Get("/minions", g.handleMinionList,
		okapi.DocSummary("List registered minions"),
		okapi.DocTags("Minions"),
		okapi.DocResponse([]minion.Info{}),
	)
	v1.Post("/minions/{name}/run", g.handleMinionRun,
		okapi.DocSummary("Invoke one minion directly"),
		okapi.DocTags("Minions"),
		okapi.DocPathParam("name", "string", "Minion name"),
		okapi.DocRequestBody(MinionRunRequest{}),
		okapi.DocResponse(minion.Result{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	v1.Get("/abilities", g.handleAbilityList,
		okapi.DocSummary("List abilities minions can call"),
		okapi.DocTags("Minions"),
		okapi.DocResponse([]AbilityInfo{}),
	)

	v1.Post("/memories", g.handleMemoryCreate,
		okapi.DocSummary("Remember a fact"),
		okapi.DocTags("Memories"),
		okapi.DocRequestBody(MemoryRequest{}),
		okapi.DocResponse(http.StatusCreated, MemoryResponse{}),
		okapi.DocResponse(MemoryResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	v1.Get("/memories", g.handleMemoryList,
		okapi.DocSummary("List memories, or recall the closest ones when q is set"),
		okapi.DocTags("Memories"),
		okapi.DocResponse([]memory.Memory{}),
	)
	v1.Delete("/memories/{id}", g.handleMemoryDelete,
		okapi.DocSummary("Forget a memory"),
		okapi.DocTags("Memories"),
		okapi.DocPathParam("id", "string", "Memory ID"),
		okapi.DocResponse(StatusResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	v1.Post("/images", g.handleImageGenerate,
		okapi.DocSummary("Generate images directly"),
		okapi.DocTags("Images"),
		okapi.DocRequestBody(ImageRequest{}),
		okapi.DocResponse(image.Result{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusServiceUnavailable, ErrorBody{}),
	)

	for _, er := range g.extraRoutes {
		g.okapi.HandleStd("GET", er.pattern, er.handler.ServeHTTP)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)
	if g.config.MetricsRegistry != nil {
		g.okapi.HandleStd("GET", "/metrics", promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		version := g.config.Version
		if version == "" {
			version = "dev"
		}
		g.okapi.WithOpenAPIDocs(okapi.OpenAPI{Title: "Posey", Version: version})
	}
}

// Start launches the HTTP server and blocks until it exits.
func (g *Gateway) Start(ctx context.Context) error {
	handler := g.Handler()
	// Streaming responses last as long as a run.
	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      g.config.RequestTimeout + 30*time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))
	err := g.okapi.StartServer(g.server)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.server.Shutdown(ctx)
}

// --- Middleware ---

// authenticate resolves the caller and stores it as "userID".
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		userID, err := g.authn.Credential(c.Header("Authorization"), c.Query("token"))
		if err != nil {
			return abort(c, http.StatusUnauthorized, "invalid or missing credentials")
		}
		c.Set("userID", userID)
		return next(c)
	}
}

func (g *Gateway) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, g.config.MaxRequestSize)
		}
		next.ServeHTTP(w, r)
	})
}

// retryAfterSeconds rounds a wait up to whole seconds, never below one.
func retryAfterSeconds(d time.Duration) int {
	return max(int(math.Ceil(d.Seconds())), 1)
}

// allow consumes cost rate-limit tokens. It returns false after writing a
// 429 response.
func (g *Gateway) allow(c *okapi.Context, userID string, cost int) bool {
	if err := g.limiter.AllowN(userID, cost); err != nil {
		retry := g.limiter.RetryAfter(userID, cost)
		_ = c.JSON(http.StatusTooManyRequests, RateLimitedBody{
			Error:       "rate limit exceeded",
			RetryAfterS: retryAfterSeconds(retry),
		})
		return false
	}
	return true
}

// --- Health ---

// HealthResponse is the JSON response for /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// StatusResponse acknowledges a mutation.
type StatusResponse struct {
	Status string `json:"status"`
}

func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(HealthResponse{Status: "ok"})
}

// handleReadiness checks registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(HealthResponse{Status: "ok"})
	}
	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Helpers ---

func abort(c *okapi.Context, code int, msg string) error {
	return c.JSON(code, ErrorBody{Error: msg})
}

// fail writes the status and public message for err.
func (g *Gateway) fail(c *okapi.Context, err error) error {
	code, msg := g.classify(c.Context(), err)
	return abort(c, code, msg)
}

// classify maps domain errors to a status code and a message safe to show
// clients. Unrecognized errors are logged and reported as a generic 500.
func (g *Gateway) classify(ctx context.Context, err error) (int, string) {
	var verr *agent.ValidationError
	switch {
	case errors.Is(err, orchestrator.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid request"
	case errors.Is(err, orchestrator.ErrRunNotFound):
		return http.StatusNotFound, "run not found"
	case errors.Is(err, orchestrator.ErrConversationNotFound):
		return http.StatusNotFound, "conversation not found"
	case errors.Is(err, memory.ErrNotFound):
		return http.StatusNotFound, "memory not found"
	case errors.Is(err, minion.ErrUnknownMinion):
		return http.StatusNotFound, "unknown minion"
	case errors.Is(err, image.ErrNoProvider):
		return http.StatusServiceUnavailable, "image generation is not configured"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "request timed out"
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "request cancelled"
	case errors.As(err, &verr):
		g.logger.WarnContext(ctx, "model output failed validation",
			slog.String("strategy", string(verr.Strategy)),
			slog.Int("attempts", verr.Attempts),
		)
		return http.StatusBadGateway, "model returned an unusable response"
	}
	g.logger.ErrorContext(ctx, "request failed", slog.String("error", err.Error()))
	return http.StatusInternalServerError, "internal error"
}

// queryInt parses an integer query parameter, returning def when absent
// or malformed.
func queryInt(c *okapi.Context, key string, def int) int {
	n, err := strconv.Atoi(c.Query(key))
	if err != nil || n <= 0 {
		return def
	}
	return n
}
