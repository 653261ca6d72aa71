package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/poseylabs/posey/internal/ability"
	"github.com/poseylabs/posey/internal/agent"
	"github.com/poseylabs/posey/internal/config"
	"github.com/poseylabs/posey/internal/llm"
	"github.com/poseylabs/posey/internal/minion"
	"github.com/poseylabs/posey/internal/observability"
)

const defaultRunListLimit = 20

// Orchestrator runs the pipeline for each user message.
type Orchestrator struct {
	agent   *agent.BaseAgent
	minions *minion.Registry
	convs   ConversationStore
	runs    RunStore
	cfg     config.OrchestratorConfig
	history int
	metrics *observability.MetricsCollector
	tracer  *observability.TracerSetup
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithConversationStore(s ConversationStore) Option {
	return func(o *Orchestrator) { o.convs = s }
}

func WithRunStore(s RunStore) Option {
	return func(o *Orchestrator) { o.runs = s }
}

func WithConfig(cfg config.OrchestratorConfig) Option {
	return func(o *Orchestrator) { o.cfg = cfg }
}

// WithHistoryLimit sets how many past messages feed analysis and synthesis.
func WithHistoryLimit(n int) Option {
	return func(o *Orchestrator) { o.history = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithMetrics(m *observability.MetricsCollector) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithTracer(ts *observability.TracerSetup) Option {
	return func(o *Orchestrator) { o.tracer = ts }
}

// New builds an orchestrator over a minion registry. Stores default to the
// in-memory implementations. It fails when the configured fallback minion
// is not registered.
func New(a *agent.BaseAgent, minions *minion.Registry, opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		agent:   a,
		minions: minions,
		history: 20,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.convs == nil {
		o.convs = NewInMemoryConversationStore()
	}
	if o.runs == nil {
		o.runs = NewInMemoryRunStore()
	}
	if err := minions.SetFallback(o.cfg.Fallback()); err != nil {
		return nil, err
	}
	return o, nil
}

// Minions returns the minion registry.
func (o *Orchestrator) Minions() *minion.Registry { return o.minions }

// Handle runs the full pipeline for req.
func (o *Orchestrator) Handle(ctx context.Context, req *Request) (resp *Response, err error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: no user", ErrInvalidRequest)
	}
	if err := agent.Validate(req); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	run := &Run{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		Query:     req.Message,
		CreatedAt: o.now().UTC(),
	}
	ev := newEmitter(req.Events, run.ID, o.now)
	logger := o.logger.With(slog.String("run_id", run.ID), slog.String("user_id", req.UserID))

	ctx = ability.ContextWithUserID(ctx, req.UserID)
	ctx, end := observability.StartSpan(ctx, o.tracer, "orchestrator.handle",
		attribute.String("run.id", run.ID),
		attribute.String("user.id", req.UserID),
	)
	defer func() {
		end(err)
		o.metrics.RecordPipeline(err, len(run.Steps), o.now().Sub(run.CreatedAt))
		if err != nil {
			ev.emit(ctx, EventError, "", map[string]string{"error": err.Error()})
		}
	}()

	convID, err := o.convs.GetOrCreate(ctx, req.UserID, req.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("loading conversation: %w", err)
	}
	run.ConversationID = convID
	history := o.loadHistory(ctx, req.UserID, convID)

	logger.InfoContext(ctx, "run started", slog.String("conversation_id", convID))

	base := minion.Task{
		UserID:         req.UserID,
		ConversationID: convID,
		Query:          req.Message,
		History:        history,
		Params:         map[string]any{},
	}
	if req.Preferences.ImageProvider != "" {
		base.Params["image_provider"] = req.Preferences.ImageProvider
	}

	analysis, usage := o.analyze(ctx, &base)
	run.Usage.Add(usage)
	run.Analysis = &analysis
	base.Analysis = &analysis
	ev.emit(ctx, EventAnalysis, "", analysis)

	plan, usage := o.plan(ctx, req, &analysis, logger)
	run.Usage.Add(usage)
	run.Plan = plan
	ev.emit(ctx, EventPlan, "", plan)

	run.Steps = o.execute(ctx, &base, plan, ev, logger)
	for _, s := range run.Steps {
		if s.Result != nil {
			run.Usage.Add(s.Result.Usage)
		}
	}
	if err := ctx.Err(); err != nil {
		o.fail(ctx, run, err, logger)
		return nil, err
	}

	syn, usage, err := o.synthesize(ctx, req.Message, history, run.Steps, logger)
	if err != nil {
		o.fail(ctx, run, err, logger)
		return nil, err
	}
	run.Usage.Add(usage)
	run.Answer = syn.Answer
	run.Followups = syn.Followups
	ev.emit(ctx, EventSynthesis, "", syn)

	run.Status = RunCompleted
	run.CompletedAt = o.now().UTC()
	o.persist(ctx, run, logger)

	resp = &Response{
		RunID:          run.ID,
		ConversationID: convID,
		Answer:         run.Answer,
		Analysis:       run.Analysis,
		Plan:           run.Plan,
		Steps:          run.Steps,
		Followups:      run.Followups,
		Duration:       run.Duration(),
		Usage:          run.Usage,
	}
	resp.Sources, resp.Images = collect(run.Steps)
	ev.emit(ctx, EventDone, "", resp)

	logger.InfoContext(ctx, "run completed",
		slog.Int("steps", len(run.Steps)),
		slog.Int("tokens", run.Usage.Total()),
		slog.Duration("duration", resp.Duration),
	)
	return resp, nil
}

// analyze runs content_analysis. Without a usable analysis minion the
// heuristic classifier is used.
func (o *Orchestrator) analyze(ctx context.Context, task *minion.Task) (minion.Analysis, llm.Usage) {
	m, err := o.minions.Get(minion.ContentAnalysis)
	if err == nil {
		start := o.now()
		var res *minion.Result
		res, err = m.Run(ctx, task)
		o.metrics.RecordMinion(minion.ContentAnalysis, err, o.now().Sub(start))
		if err == nil {
			if a, ok := minion.AnalysisFrom(res); ok {
				return a, res.Usage
			}
			err = errors.New("content analysis returned no analysis")
		}
	}
	o.logger.WarnContext(ctx, "using heuristic analysis", slog.String("error", err.Error()))
	return minion.HeuristicAnalysis(task.Query), llm.Usage{}
}

func (o *Orchestrator) loadHistory(ctx context.Context, userID, convID string) []llm.Message {
	msgs, err := o.convs.History(ctx, userID, convID, o.history)
	if err != nil {
		o.logger.WarnContext(ctx, "loading history failed",
			slog.String("conversation_id", convID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, llm.Message{Role: llm.Role(m.Role), Content: m.Content})
	}
	return out
}

func (o *Orchestrator) synthesize(ctx context.Context, message string, history []llm.Message, steps []StepRecord, logger *slog.Logger) (Synthesis, llm.Usage, error) {
	system := synthesisSystemPrompt + agent.SchemaInstruction(agent.SchemaJSON[Synthesis]())
	input := llm.UserText(synthesisInput(message, steps))
	msgs := agent.TrimHistory(history, len(system)/4+len(input.Content)/4, agent.MaxInputTokens)
	msgs = append(append([]llm.Message(nil), msgs...), input)

	out, err := agent.Execute[Synthesis](ctx, o.agent, agent.Call{SystemPrompt: system, Messages: msgs})
	if err == nil {
		return out.Value, out.Usage, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Synthesis{}, llm.Usage{}, ctxErr
	}
	logger.WarnContext(ctx, "synthesis failed, concatenating step summaries", slog.String("error", err.Error()))
	return Synthesis{Answer: concatSummaries(steps)}, llm.Usage{}, nil
}

func concatSummaries(steps []StepRecord) string {
	var parts []string
	for _, s := range steps {
		if s.Status == StepCompleted && strings.TrimSpace(s.Summary) != "" {
			parts = append(parts, strings.TrimSpace(s.Summary))
		}
	}
	if len(parts) == 0 {
		return "Sorry, I could not produce an answer this time."
	}
	return strings.Join(parts, "\n\n")
}

// collect gathers unique sources and all images from completed steps.
func collect(steps []StepRecord) ([]minion.Source, []minion.Image) {
	var sources []minion.Source
	var images []minion.Image
	seen := make(map[string]bool)
	for _, s := range steps {
		if s.Result == nil {
			continue
		}
		for _, src := range s.Result.Sources {
			if seen[src.URL] {
				continue
			}
			seen[src.URL] = true
			sources = append(sources, src)
		}
		images = append(images, s.Result.Images...)
	}
	return sources, images
}

// persist saves the run and appends the exchange to the conversation.
// Failures are logged; the caller already has its answer.
func (o *Orchestrator) persist(ctx context.Context, run *Run, logger *slog.Logger) {
	ctx = context.WithoutCancel(ctx)
	if err := o.runs.Save(ctx, run); err != nil {
		logger.ErrorContext(ctx, "saving run failed", slog.String("error", err.Error()))
	}
	if run.Status != RunCompleted {
		return
	}
	err := o.convs.Append(ctx, run.ConversationID,
		Message{Role: string(llm.RoleUser), Content: run.Query, RunID: run.ID, CreatedAt: run.CreatedAt},
		Message{Role: string(llm.RoleAssistant), Content: run.Answer, RunID: run.ID, CreatedAt: run.CompletedAt},
	)
	if err != nil {
		logger.ErrorContext(ctx, "appending conversation failed", slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) fail(ctx context.Context, run *Run, err error, logger *slog.Logger) {
	run.Status = RunFailed
	run.Error = err.Error()
	run.CompletedAt = o.now().UTC()
	logger.WarnContext(ctx, "run failed", slog.String("error", err.Error()))
	o.persist(ctx, run, logger)
}

// Run returns a stored run.
func (o *Orchestrator) Run(ctx context.Context, id string) (*Run, error) {
	return o.runs.Get(ctx, id)
}

// ListRuns returns the user's most recent runs.
func (o *Orchestrator) ListRuns(ctx context.Context, userID string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = defaultRunListLimit
	}
	return o.runs.ListByUser(ctx, userID, limit)
}

// PurgeRuns deletes runs older than retention.
func (o *Orchestrator) PurgeRuns(ctx context.Context, retention time.Duration) (int, error) {
	return o.runs.PurgeBefore(ctx, o.now().Add(-retention))
}

// History returns the stored messages of a conversation owned by userID.
func (o *Orchestrator) History(ctx context.Context, userID, convID string, limit int) ([]Message, error) {
	return o.convs.History(ctx, userID, convID, limit)
}

// DeleteConversation removes a conversation owned by userID.
func (o *Orchestrator) DeleteConversation(ctx context.Context, userID, convID string) error {
	return o.convs.Delete(ctx, userID, convID)
}

// RunMinion invokes one minion directly, outside a plan. Unknown names
// return minion.ErrUnknownMinion.
func (o *Orchestrator) RunMinion(ctx context.Context, userID, name, instruction string) (*minion.Result, error) {
	m, err := o.minions.Get(name)
	if err != nil {
		return nil, err
	}
	ctx = ability.ContextWithUserID(ctx, userID)
	ctx, cancel := context.WithTimeout(ctx, o.cfg.StepTimeout())
	defer cancel()
	ctx, end := observability.StartSpan(ctx, o.tracer, "minion."+name, attribute.String("user.id", userID))

	start := o.now()
	res, err := m.Run(ctx, &minion.Task{UserID: userID, Query: instruction, Instruction: instruction})
	end(err)
	o.metrics.RecordMinion(name, err, o.now().Sub(start))
	if err != nil {
		return nil, fmt.Errorf("minion %s: %w", name, err)
	}
	return res, nil
}

// emitter serializes events for one run.
type emitter struct {
	mu    sync.Mutex
	sink  EventSink
	runID string
	now   func() time.Time
}

func newEmitter(sink EventSink, runID string, now func() time.Time) *emitter {
	return &emitter{sink: sink, runID: runID, now: now}
}

func (e *emitter) emit(ctx context.Context, typ, step string, data any) {
	if e.sink == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sink(ctx, Event{Type: typ, RunID: e.runID, Step: step, Data: data, Time: e.now().UTC()})
}
