// Package orchestrator implements the Posey pipeline: content analysis,
// a delegation plan, minion execution in dependency waves and response
// synthesis.
//
// Plans are validated DAGs of minion steps. Steps whose dependencies are
// met run in parallel up to a concurrency limit; a failed step is recorded
// and its dependents are skipped rather than failing the whole run.
package orchestrator

import (
	"context"
	"time"

	"github.com/poseylabs/posey/internal/llm"
	"github.com/poseylabs/posey/internal/minion"
)

// RunStatus is the final state of a run.
type RunStatus string

const (
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// StepStatus is the lifecycle state of a plan step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped" // An upstream step failed.
)

// Preferences are per-request knobs.
type Preferences struct {
	ImageProvider string `json:"image_provider,omitempty"`
	// Minions restricts the plan to these minions. Empty allows all.
	Minions []string `json:"minions,omitempty"`
}

// Request is one user message entering the pipeline.
type Request struct {
	UserID         string      `json:"-"`
	ConversationID string      `json:"conversation_id,omitempty" validate:"omitempty,max=64"`
	Message        string      `json:"message" validate:"required,nonblank,max=16000"`
	Preferences    Preferences `json:"preferences"`

	// Events receives progress events. It may be nil.
	Events EventSink `json:"-"`
}

// PlanStep is one minion invocation in a plan.
type PlanStep struct {
	ID          string   `json:"id" validate:"required,max=32" jsonschema_description:"Short unique step id such as s1"`
	Minion      string   `json:"minion" validate:"required"`
	Instruction string   `json:"instruction" validate:"required,nonblank" jsonschema_description:"What this minion should do"`
	DependsOn   []string `json:"depends_on,omitempty" jsonschema_description:"IDs of steps whose results this step needs"`
}

// Plan is the delegation plan produced by the planner.
type Plan struct {
	Reasoning string     `json:"reasoning,omitempty" validate:"max=2000"`
	Steps     []PlanStep `json:"steps" validate:"dive"`

	requested map[string]string // step ID -> unknown minion name the planner used
}

// Synthesis is the final structured answer.
type Synthesis struct {
	Answer    string   `json:"answer" validate:"required,nonblank"`
	Followups []string `json:"followups,omitempty" validate:"max=3,dive,nonblank" jsonschema_description:"Up to three short follow-up questions the user might ask next"`
}

// StepRecord is the outcome of one plan step.
type StepRecord struct {
	ID          string         `json:"id"`
	Minion      string         `json:"minion"`
	Requested   string         `json:"requested,omitempty"` // Set when the plan named an unknown minion.
	Instruction string         `json:"instruction"`
	DependsOn   []string       `json:"depends_on,omitempty"`
	Status      StepStatus     `json:"status"`
	Summary     string         `json:"summary,omitempty"`
	Error       string         `json:"error,omitempty"`
	Result      *minion.Result `json:"result,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	Duration    time.Duration  `json:"duration"`
}

// Run is one persisted execution of the pipeline.
type Run struct {
	ID             string           `json:"id"`
	UserID         string           `json:"user_id"`
	ConversationID string           `json:"conversation_id"`
	Query          string           `json:"query"`
	Answer         string           `json:"answer"`
	Followups      []string         `json:"followups,omitempty"`
	Analysis       *minion.Analysis `json:"analysis,omitempty"`
	Plan           *Plan            `json:"plan,omitempty"`
	Steps          []StepRecord     `json:"steps"`
	Status         RunStatus        `json:"status"`
	Error          string           `json:"error,omitempty"`
	Usage          llm.Usage        `json:"usage"`
	CreatedAt      time.Time        `json:"created_at"`
	CompletedAt    time.Time        `json:"completed_at"`
}

// Duration returns how long the run took.
func (r *Run) Duration() time.Duration { return r.CompletedAt.Sub(r.CreatedAt) }

// Response is what Handle returns.
type Response struct {
	RunID          string           `json:"run_id"`
	ConversationID string           `json:"conversation_id"`
	Answer         string           `json:"answer"`
	Analysis       *minion.Analysis `json:"analysis,omitempty"`
	Plan           *Plan            `json:"plan,omitempty"`
	Steps          []StepRecord     `json:"steps"`
	Sources        []minion.Source  `json:"sources,omitempty"`
	Images         []minion.Image   `json:"images,omitempty"`
	Followups      []string         `json:"followups,omitempty"`
	Duration       time.Duration    `json:"duration"`
	Usage          llm.Usage        `json:"usage"`
}

// Event types emitted while a run progresses.
const (
	EventAnalysis     = "analysis"
	EventPlan         = "plan"
	EventStepStarted  = "step_started"
	EventStepFinished = "step_finished"
	EventSynthesis    = "synthesis"
	EventDone         = "done"
	EventError        = "error"
)

// Event is a progress notification.
type Event struct {
	Type  string    `json:"type"`
	RunID string    `json:"run_id"`
	Step  string    `json:"step,omitempty"`
	Data  any       `json:"data,omitempty"`
	Time  time.Time `json:"time"`
}

// EventSink receives events. Calls are serialized per run.
type EventSink func(ctx context.Context, e Event)
