package maintenance

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/poseylabs/posey/internal/config"
	"github.com/poseylabs/posey/internal/observability"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakePruner struct {
	ttl           time.Duration
	maxImportance float64
	err           error
}

func (f *fakePruner) Prune(_ context.Context, ttl time.Duration, maxImportance float64) (int, error) {
	f.ttl, f.maxImportance = ttl, maxImportance
	return 4, f.err
}

type fakePurger struct{ retention time.Duration }

func (f *fakePurger) PurgeRuns(_ context.Context, retention time.Duration) (int, error) {
	f.retention = retention
	return 2, nil
}

func TestJobs(t *testing.T) {
	cfg := &config.MaintenanceConfig{MemoryTTLDays: 7, MemoryMinImportance: 0.4, RunRetentionDays: 3}
	mem, runs := &fakePruner{}, &fakePurger{}

	jobs := Jobs(cfg, mem, runs)
	if len(jobs) != 2 || jobs[0].Name != JobMemoryPrune || jobs[1].Name != JobRunPurge {
		t.Fatalf("jobs = %+v", jobs)
	}
	if jobs[0].Spec != "0 3 * * *" || jobs[1].Spec != "30 3 * * *" {
		t.Errorf("default specs = %q, %q", jobs[0].Spec, jobs[1].Spec)
	}
	for _, j := range jobs {
		if _, err := j.Run(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if mem.ttl != 7*24*time.Hour || mem.maxImportance != 0.4 {
		t.Errorf("prune called with %s, %v", mem.ttl, mem.maxImportance)
	}
	if runs.retention != 3*24*time.Hour {
		t.Errorf("purge retention = %s", runs.retention)
	}

	if jobs := Jobs(cfg, nil, runs); len(jobs) != 1 || jobs[0].Name != JobRunPurge {
		t.Errorf("without memory: %+v", jobs)
	}
}

func TestScheduler_AddValidatesSpec(t *testing.T) {
	s := New(nil, discardLogger())
	noop := func(context.Context) (int, error) { return 0, nil }

	if err := s.Add(Job{Name: "bad", Spec: "every day", Run: noop}); err == nil || !strings.Contains(err.Error(), "invalid schedule") {
		t.Errorf("bad spec err = %v", err)
	}
	if err := s.Add(Job{Name: "ok", Spec: "*/5 * * * *", Run: noop}); err != nil {
		t.Fatal(err)
	}
	if err := s.Add(Job{Name: "ok", Spec: "0 * * * *", Run: noop}); err == nil {
		t.Error("duplicate job name accepted")
	}
	next := s.Next()["ok"]
	if next.IsZero() || next.Minute()%5 != 0 {
		t.Errorf("next = %s", next)
	}
}

func TestScheduler_RunNowRecordsMetrics(t *testing.T) {
	metrics := observability.NewMetricsCollector()
	s := New(metrics, discardLogger())

	mem := &fakePruner{err: errors.New("vector store down")}
	for _, j := range Jobs(&config.MaintenanceConfig{}, mem, &fakePurger{}) {
		if err := s.Add(j); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.RunNow(context.Background(), JobRunPurge); err != nil {
		t.Errorf("run purge: %v", err)
	}
	if err := s.RunNow(context.Background(), JobMemoryPrune); err == nil || !strings.Contains(err.Error(), "vector store down") {
		t.Errorf("memory prune err = %v", err)
	}
	if err := s.RunNow(context.Background(), "defrag"); err == nil {
		t.Error("unknown job accepted")
	}

	if got := testutil.ToFloat64(metrics.MaintenanceRunsTotal.WithLabelValues(JobRunPurge, "success")); got != 1 {
		t.Errorf("run_purge success = %v", got)
	}
	if got := testutil.ToFloat64(metrics.MaintenanceRunsTotal.WithLabelValues(JobMemoryPrune, "error")); got != 1 {
		t.Errorf("memory_prune error = %v", got)
	}
}

func TestScheduler_StartStop(t *testing.T) {
	s := New(nil, discardLogger())
	if err := s.Add(Job{Name: "noop", Spec: "0 0 1 1 *", Run: func(context.Context) (int, error) { return 0, nil }}); err != nil {
		t.Fatal(err)
	}
	stop := s.Start(context.Background())
	done := make(chan struct{})
	go func() {
		stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not return")
	}
}
