package cqrs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
)

// DefaultStepTimeout bounds each step and compensation dispatch unless
// overridden per step or per orchestrator.
const DefaultStepTimeout = 30 * time.Second

// SagaStatus is the lifecycle state of a saga execution.
type SagaStatus string

const (
	SagaRunning      SagaStatus = "running"
	SagaCompleted    SagaStatus = "completed"
	SagaCompensating SagaStatus = "compensating"
	SagaFailed       SagaStatus = "failed"
)

// CommandBuilder produces the command for a step or compensation. It may
// inspect the execution's history, e.g. to reference events emitted by
// earlier steps.
type CommandBuilder func(ex *Execution) (cmd any, err error)

// Step is one unit of a saga. Command is required; Compensation is the undo
// issued when a later step fails, nil when the step needs no undo. Timeout
// overrides the orchestrator's step timeout when > 0.
type Step struct {
	Name         string
	Command      CommandBuilder
	Compensation CommandBuilder
	Timeout      time.Duration
}

// Definition is a named, ordered list of steps.
type Definition struct {
	Name  string
	Steps []Step
}

func (d Definition) validate() error {
	if d.Name == "" {
		return fmt.Errorf("saga name is empty")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("saga %s has no steps", d.Name)
	}
	seen := map[string]struct{}{}
	for _, s := range d.Steps {
		if s.Name == "" {
			return fmt.Errorf("saga %s has a step without a name", d.Name)
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("saga %s step %s declared twice", d.Name, s.Name)
		}
		seen[s.Name] = struct{}{}
		if s.Command == nil {
			return fmt.Errorf("saga %s step %s has no command", d.Name, s.Name)
		}
	}
	return nil
}

// HistoryKind distinguishes forward steps from compensations in the
// execution history.
type HistoryKind string

const (
	HistoryStep         HistoryKind = "step"
	HistoryCompensation HistoryKind = "compensation"
)

// HistoryEntry records one dispatch made on behalf of an execution.
type HistoryEntry struct {
	Step       string
	Kind       HistoryKind
	StartedAt  time.Time
	FinishedAt time.Time
	Events     []Event
	Error      string
}

// StepError identifies the step that made a saga fail. A step that exceeds
// its timeout fails with Err == context.DeadlineExceeded.
type StepError struct {
	Saga string
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("saga %s step %s: %v", e.Saga, e.Step, e.Err)
}
func (e *StepError) Unwrap() error { return e.Err }

// Execution is one run of a saga. The orchestrator appends to its history
// as steps and compensations finish; readers may inspect it concurrently.
type Execution struct {
	mu         sync.RWMutex
	id         string
	saga       string
	startedAt  time.Time
	finishedAt time.Time
	status     SagaStatus
	history    []HistoryEntry
}

func (e *Execution) ID() string           { return e.id }
func (e *Execution) Saga() string         { return e.saga }
func (e *Execution) StartedAt() time.Time { return e.startedAt }

func (e *Execution) Status() SagaStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

func (e *Execution) FinishedAt() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.finishedAt
}

// History returns a copy of the dispatch history so far, in order.
func (e *Execution) History() []HistoryEntry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]HistoryEntry, len(e.history))
	copy(out, e.history)
	return out
}

// StepEvents returns the events emitted by a completed forward step, nil
// when the step has not run or failed.
func (e *Execution) StepEvents(step string) []Event {
	for _, h := range e.History() {
		if h.Kind == HistoryStep && h.Step == step && h.Error == "" {
			return h.Events
		}
	}
	return nil
}

func (e *Execution) setStatus(s SagaStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status = s
	if s == SagaCompleted || s == SagaFailed {
		e.finishedAt = time.Now()
	}
}

func (e *Execution) record(h HistoryEntry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = append(e.history, h)
}

func (e *Execution) SlogAttr() slog.Attr {
	return slog.Group("execution",
		slog.String("id", e.id),
		slog.String("saga", e.saga),
	)
}

// Orchestrator runs saga definitions step by step through the command bus.
// When a step fails or times out, the compensations of all previously
// completed steps are dispatched in reverse order and the execution ends in
// SagaFailed. Compensation is driven by the recorded history, not by
// unwinding the call stack.
type Orchestrator struct {
	log         *slog.Logger
	metrics     Metrics
	bus         *Bus
	stepTimeout time.Duration

	mu       sync.RWMutex
	defs     map[string]Definition
	running  map[string]*Execution
	finished []*Execution
}

func NewOrchestrator(bus *Bus, opts ...OrchestratorOption) (*Orchestrator, error) {
	if bus == nil {
		return nil, fmt.Errorf("bus is nil")
	}

	var options orchestratorOptions
	for _, opt := range opts {
		opt.applyToOrchestrator(&options)
	}

	log := options.log
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "saga"))

	m := options.metrics
	if m == nil {
		m = NopMetrics()
	}

	timeout := options.stepTimeout
	if timeout <= 0 {
		timeout = DefaultStepTimeout
	}

	return &Orchestrator{
		log:         log,
		metrics:     m,
		bus:         bus,
		stepTimeout: timeout,
		defs:        map[string]Definition{},
		running:     map[string]*Execution{},
	}, nil
}

// Register adds a saga definition. Names must be unique.
func (o *Orchestrator) Register(def Definition) error {
	if err := def.validate(); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, dup := o.defs[def.Name]; dup {
		return fmt.Errorf("saga %s already registered", def.Name)
	}
	o.defs[def.Name] = def
	o.log.Debug("registered saga", slog.String("saga", def.Name), slog.Int("steps", len(def.Steps)))
	return nil
}

// Execute runs the named saga to completion and blocks until it finishes.
// On success the returned execution is SagaCompleted and err is nil. On a
// step failure the execution ends SagaFailed after compensation and err
// carries the StepError, combined with any compensation errors.
func (o *Orchestrator) Execute(ctx context.Context, name string) (*Execution, error) {
	o.mu.RLock()
	def, ok := o.defs[name]
	o.mu.RUnlock()
	if !ok {
		return nil, &NotFoundError{What: fmt.Sprintf("saga %s", name)}
	}

	ex := &Execution{
		id:        uuid.NewString(),
		saga:      name,
		startedAt: time.Now(),
		status:    SagaRunning,
	}

	o.mu.Lock()
	o.running[ex.id] = ex
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.running, ex.id)
		o.finished = append(o.finished, ex)
		o.mu.Unlock()
	}()

	o.log.Info("saga started", ex.SlogAttr())

	var completed []Step
	for _, step := range def.Steps {
		started := time.Now()
		events, err := o.runStep(ctx, ex, step, step.Command)
		if err != nil {
			stepErr := &StepError{Saga: name, Step: step.Name, Err: err}
			o.log.Warn("saga step failed", ex.SlogAttr(),
				slog.String("step", step.Name),
				slog.String("error", err.Error()),
			)
			ex.record(HistoryEntry{
				Step:       step.Name,
				Kind:       HistoryStep,
				StartedAt:  started,
				FinishedAt: time.Now(),
				Error:      err.Error(),
			})
			compErr := o.compensate(ctx, ex, completed)
			ex.setStatus(SagaFailed)
			o.metrics.SagaFinished(name, string(SagaFailed)).Inc()
			o.log.Warn("saga failed", ex.SlogAttr(), slog.String("step", step.Name))
			return ex, multierr.Append(stepErr, compErr)
		}
		ex.record(HistoryEntry{
			Step:       step.Name,
			Kind:       HistoryStep,
			StartedAt:  started,
			FinishedAt: time.Now(),
			Events:     events,
		})
		completed = append(completed, step)
	}

	ex.setStatus(SagaCompleted)
	o.metrics.SagaFinished(name, string(SagaCompleted)).Inc()
	o.log.Info("saga completed", ex.SlogAttr())
	return ex, nil
}

// compensate dispatches the compensations of the completed steps in reverse
// order. Every compensation runs even when an earlier one fails; their
// errors are combined.
func (o *Orchestrator) compensate(ctx context.Context, ex *Execution, completed []Step) error {
	ex.setStatus(SagaCompensating)

	var errs error
	for i := len(completed) - 1; i >= 0; i-- {
		step := completed[i]
		if step.Compensation == nil {
			continue
		}
		started := time.Now()
		events, err := o.runStep(ctx, ex, step, step.Compensation)
		entry := HistoryEntry{
			Step:       step.Name,
			Kind:       HistoryCompensation,
			StartedAt:  started,
			FinishedAt: time.Now(),
			Events:     events,
		}
		if err != nil {
			entry.Error = err.Error()
			errs = multierr.Append(errs, fmt.Errorf("compensate %s: %w", step.Name, err))
			o.log.Error("saga compensation failed", ex.SlogAttr(),
				slog.String("step", step.Name),
				slog.String("error", err.Error()),
			)
		}
		ex.record(entry)
	}
	return errs
}

func (o *Orchestrator) runStep(ctx context.Context, ex *Execution, step Step, build CommandBuilder) ([]Event, error) {
	cmd, err := build(ex)
	if err != nil {
		return nil, fmt.Errorf("build command: %w", err)
	}

	timeout := step.Timeout
	if timeout <= 0 {
		timeout = o.stepTimeout
	}

	defer o.metrics.SagaStepDuration(ex.saga, step.Name).ObserveDuration()
	return o.dispatch(ctx, timeout, cmd)
}

// dispatch runs the command through the bus, bounded by timeout. The
// handler is not interruptible beyond context cancellation; on timeout the
// dispatch keeps running in the background but its result is discarded.
func (o *Orchestrator) dispatch(ctx context.Context, timeout time.Duration, cmd any) ([]Event, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		events []Event
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		events, err := o.bus.Dispatch(ctx, cmd)
		ch <- result{events: events, err: err}
	}()

	select {
	case res := <-ch:
		return res.events, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Running returns the executions currently in flight.
func (o *Orchestrator) Running() []*Execution {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*Execution, 0, len(o.running))
	for _, ex := range o.running {
		out = append(out, ex)
	}
	return out
}

// History returns the finished executions in completion order. The list
// grows without bound; long-lived processes that execute many sagas should
// drain it periodically via TrimHistory.
func (o *Orchestrator) History() []*Execution {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*Execution, len(o.finished))
	copy(out, o.finished)
	return out
}

// TrimHistory drops all finished executions and returns them.
func (o *Orchestrator) TrimHistory() []*Execution {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := o.finished
	o.finished = nil
	return out
}
