package refine

import (
	"expvar"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Logger receives progress messages from the refinery loop. Implementations
// must be safe for use from a single goroutine only; the refinery never
// logs concurrently.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
}

// NopLogger discards all messages. It is the default refinery logger.
type NopLogger struct{}

func (NopLogger) Debugf(string, ...any) {}
func (NopLogger) Infof(string, ...any)  {}

// StepRecorder receives one observation per completed refinement run.
type StepRecorder interface {
	RecordRun(engine string, reason TerminationReason, steps int, d time.Duration)
}

// NopStepRecorder discards observations. It is the default recorder.
type NopStepRecorder struct{}

func (NopStepRecorder) RecordRun(string, TerminationReason, int, time.Duration) {}

var expvarSeq uint64

// ExpvarStepRecorder publishes aggregate run counters via expvar for
// deployments that prefer process-local metrics without external
// dependencies. It keeps total seconds and step counts per engine plus
// run counts per engine and termination reason.
type ExpvarStepRecorder struct {
	name      string
	mu        sync.Mutex
	durations map[string]float64
	steps     map[string]int64
	results   map[string]map[string]int64
}

// ExpvarStepSnapshot captures a read-only view of the recorded metrics.
type ExpvarStepSnapshot struct {
	DurationsSeconds map[string]float64          `json:"durations_seconds_total"`
	Steps            map[string]int64            `json:"steps_total"`
	Results          map[string]map[string]int64 `json:"results_total"`
	RecordedAt       time.Time                   `json:"recorded_at"`
}

// NewExpvarStepRecorder constructs an expvar-backed recorder and publishes
// it under the supplied name. When name is empty, a unique identifier is
// generated.
func NewExpvarStepRecorder(name string) *ExpvarStepRecorder {
	if name == "" {
		id := atomic.AddUint64(&expvarSeq, 1)
		name = fmt.Sprintf("refine_engine_metrics_%d", id)
	}
	rec := &ExpvarStepRecorder{
		name:      name,
		durations: make(map[string]float64),
		steps:     make(map[string]int64),
		results:   make(map[string]map[string]int64),
	}
	expvar.Publish(name, expvar.Func(func() any {
		return rec.Snapshot()
	}))
	return rec
}

// Name returns the expvar export name associated with the recorder.
func (r *ExpvarStepRecorder) Name() string { return r.name }

// RecordRun accumulates one completed run.
func (r *ExpvarStepRecorder) RecordRun(engine string, reason TerminationReason, steps int, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.durations[engine] += d.Seconds()
	r.steps[engine] += int64(steps)
	byReason, ok := r.results[engine]
	if !ok {
		byReason = make(map[string]int64)
		r.results[engine] = byReason
	}
	byReason[string(reason)]++
}

// Snapshot returns an immutable copy of the aggregated metrics.
func (r *ExpvarStepRecorder) Snapshot() ExpvarStepSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	durations := make(map[string]float64, len(r.durations))
	for k, v := range r.durations {
		durations[k] = v
	}
	steps := make(map[string]int64, len(r.steps))
	for k, v := range r.steps {
		steps[k] = v
	}
	results := make(map[string]map[string]int64, len(r.results))
	for engine, byReason := range r.results {
		cpy := make(map[string]int64, len(byReason))
		for reason, count := range byReason {
			cpy[reason] = count
		}
		results[engine] = cpy
	}
	return ExpvarStepSnapshot{
		DurationsSeconds: durations,
		Steps:            steps,
		Results:          results,
		RecordedAt:       time.Now().UTC(),
	}
}
