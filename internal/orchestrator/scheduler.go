package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/poseylabs/posey/internal/minion"
	"github.com/poseylabs/posey/internal/observability"
)

// execute runs the plan wave by wave. Steps within a wave run concurrently
// up to the configured limit. A step whose dependency did not complete is
// skipped. The returned records follow plan order.
func (o *Orchestrator) execute(ctx context.Context, base *minion.Task, plan *Plan, ev *emitter, logger *slog.Logger) []StepRecord {
	records := make([]StepRecord, len(plan.Steps))
	byID := make(map[string]*StepRecord, len(plan.Steps))
	for i, s := range plan.Steps {
		records[i] = StepRecord{
			ID:          s.ID,
			Minion:      s.Minion,
			Requested:   plan.requested[s.ID],
			Instruction: s.Instruction,
			DependsOn:   s.DependsOn,
			Status:      StepPending,
		}
		byID[s.ID] = &records[i]
	}

	for _, wave := range plan.Waves() {
		if ctx.Err() != nil {
			break
		}
		var g errgroup.Group
		g.SetLimit(o.cfg.Concurrency())
		for _, s := range wave {
			rec := byID[s.ID]
			upstream := make(map[string]string, len(s.DependsOn))
			blocked := ""
			for _, dep := range s.DependsOn {
				d := byID[dep]
				if d.Status != StepCompleted {
					blocked = dep
					break
				}
				upstream[dep] = d.Summary
			}
			if blocked != "" {
				rec.Status = StepSkipped
				rec.Error = fmt.Sprintf("dependency %s did not complete", blocked)
				ev.emit(ctx, EventStepFinished, rec.ID, stepView(rec))
				continue
			}

			task := *base
			task.Instruction = s.Instruction
			task.Context = upstream
			task.Params = maps.Clone(base.Params)
			g.Go(func() error {
				o.runStep(ctx, rec, &task, ev, logger)
				return nil
			})
		}
		_ = g.Wait()
	}

	for i := range records {
		if records[i].Status == StepPending {
			records[i].Status = StepSkipped
			records[i].Error = "run cancelled"
		}
	}
	return records
}

// runStep runs one minion with the per-step timeout and records the outcome
// on rec. Panics are recovered as step failures.
func (o *Orchestrator) runStep(ctx context.Context, rec *StepRecord, task *minion.Task, ev *emitter, logger *slog.Logger) {
	started := o.now().UTC()
	rec.StartedAt = &started
	rec.Status = StepRunning
	ev.emit(ctx, EventStepStarted, rec.ID, stepView(rec))

	stepCtx, cancel := context.WithTimeout(ctx, o.cfg.StepTimeout())
	defer cancel()
	stepCtx, end := observability.StartSpan(stepCtx, o.tracer, "minion."+rec.Minion,
		attribute.String("step.id", rec.ID),
	)

	res, err := o.invoke(stepCtx, rec.Minion, task)
	if err != nil && errors.Is(stepCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = fmt.Errorf("timed out after %s: %w", o.cfg.StepTimeout(), err)
	}
	end(err)
	rec.Duration = o.now().Sub(started)
	o.metrics.RecordMinion(rec.Minion, err, rec.Duration)

	if err != nil {
		rec.Status = StepFailed
		rec.Error = err.Error()
		logger.WarnContext(ctx, "step failed",
			slog.String("step", rec.ID),
			slog.String("minion", rec.Minion),
			slog.String("error", err.Error()),
		)
	} else {
		rec.Status = StepCompleted
		rec.Summary = res.Summary
		rec.Result = res
		logger.DebugContext(ctx, "step completed",
			slog.String("step", rec.ID),
			slog.String("minion", rec.Minion),
			slog.Duration("duration", rec.Duration),
		)
	}
	ev.emit(ctx, EventStepFinished, rec.ID, stepView(rec))
}

func (o *Orchestrator) invoke(ctx context.Context, name string, task *minion.Task) (res *minion.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("minion %s panicked: %v", name, r)
		}
	}()
	m, _, err := o.minions.Resolve(name)
	if err != nil {
		return nil, err
	}
	res, err = m.Run(ctx, task)
	if err == nil && res == nil {
		err = errors.New("minion returned no result")
	}
	return res, err
}

// stepView is the event payload for a step: the record without the full
// minion result.
func stepView(rec *StepRecord) map[string]any {
	v := map[string]any{
		"id":          rec.ID,
		"minion":      rec.Minion,
		"instruction": rec.Instruction,
		"status":      rec.Status,
	}
	if rec.Summary != "" {
		v["summary"] = rec.Summary
	}
	if rec.Error != "" {
		v["error"] = rec.Error
	}
	if rec.Duration > 0 {
		v["duration_ms"] = rec.Duration.Milliseconds()
	}
	return v
}
