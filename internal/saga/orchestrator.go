// SPDX-License-Identifier: MIT

package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/plantlens/reliability/internal/eventstore"
	"github.com/plantlens/reliability/internal/log"
	"github.com/plantlens/reliability/internal/metrics"
	"github.com/plantlens/reliability/internal/telemetry"
)

// ErrUnknownSaga is returned by Start for an unregistered saga id.
var ErrUnknownSaga = errors.New("saga not registered")

// ErrAlreadyRegistered is returned when a definition id is reused.
var ErrAlreadyRegistered = errors.New("saga already registered")

// Orchestrator executes saga instances. Instances run concurrently and
// independently; within one instance, steps run strictly in declaration
// order and compensation runs strictly in reverse completion order.
type Orchestrator struct {
	mu    sync.RWMutex
	defs  map[string]Definition
	store Store

	events *eventstore.Store
	logger zerolog.Logger
	tracer trace.Tracer
	wg     sync.WaitGroup
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithEventStore records every instance transition as a domain event
// correlated by instance id.
func WithEventStore(es *eventstore.Store) Option {
	return func(o *Orchestrator) { o.events = es }
}

// WithLogger overrides the component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// NewOrchestrator creates an orchestrator persisting instances to store.
func NewOrchestrator(store Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		defs:   make(map[string]Definition),
		store:  store,
		logger: log.WithComponent("saga"),
		tracer: otel.Tracer("saga"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Register adds a saga template. Definitions are immutable once registered.
func (o *Orchestrator) Register(def Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.defs[def.ID]; exists {
		return fmt.Errorf("saga %q: %w", def.ID, ErrAlreadyRegistered)
	}
	o.defs[def.ID] = def
	o.logger.Info().Str("saga_id", def.ID).Int("steps", len(def.Steps)).Msg("saga registered")
	return nil
}

// Start creates an instance of the named saga and begins executing it
// asynchronously. The returned instance id can be polled via Status.
func (o *Orchestrator) Start(ctx context.Context, sagaID string, input map[string]any) (string, error) {
	o.mu.RLock()
	def, ok := o.defs[sagaID]
	o.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("saga %q: %w", sagaID, ErrUnknownSaga)
	}

	sc := NewContext(input)
	inst := &Instance{
		InstanceID: uuid.NewString(),
		SagaID:     def.ID,
		Status:     StatusRunning,
		StartedAt:  time.Now().UTC(),
		Context:    sc.Snapshot(),
	}
	if err := o.store.Put(ctx, inst); err != nil {
		return "", err
	}
	o.appendEvent(ctx, inst, "saga.instance_started", map[string]any{"sagaId": def.ID})
	metrics.RecordSagaStarted(def.ID)

	o.wg.Add(1)
	go o.run(def, inst, sc)
	return inst.InstanceID, nil
}

// Status returns the current persisted state of an instance.
func (o *Orchestrator) Status(ctx context.Context, instanceID string) (*Instance, error) {
	return o.store.Get(ctx, instanceID)
}

// Wait blocks until all in-flight instances reach a terminal state. Used
// for graceful shutdown.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Recover resumes instances left non-terminal by a previous process. All
// involved saga definitions must be registered first. Step and
// compensation functions are required to be idempotent precisely because
// this path may re-invoke them.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	pending, err := o.store.ListByStatus(ctx, StatusRunning, StatusCompensating)
	if err != nil {
		return 0, err
	}

	resumed := 0
	for _, inst := range pending {
		o.mu.RLock()
		def, ok := o.defs[inst.SagaID]
		o.mu.RUnlock()
		if !ok {
			o.logger.Warn().
				Str("instance_id", inst.InstanceID).
				Str("saga_id", inst.SagaID).
				Msg("cannot recover instance: saga not registered")
			continue
		}

		sc := NewContext(inst.Context)
		metrics.RecordSagaStarted(def.ID)
		o.wg.Add(1)
		if inst.Status == StatusCompensating {
			go o.resumeCompensation(def, inst, sc)
		} else {
			go o.run(def, inst, sc)
		}
		resumed++
	}
	return resumed, nil
}

// run executes the instance's remaining steps. Execution is detached from
// the caller; the definition timeout is the only cancellation surface.
func (o *Orchestrator) run(def Definition, inst *Instance, sc *Context) {
	defer o.wg.Done()

	// Steps and compensations see the instance id as correlation id, so
	// anything they log or append lands in the same causal chain.
	base := log.ContextWithCorrelationID(context.Background(), inst.InstanceID)
	runCtx := base
	if def.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(base, def.Timeout)
		defer cancel()
	}

	runCtx, span := o.tracer.Start(runCtx, "saga.run",
		trace.WithAttributes(telemetry.SagaAttributes(def.ID, inst.InstanceID)...))
	defer span.End()

	completed := make(map[string]struct{}, len(inst.CompletedSteps))
	for _, id := range inst.CompletedSteps {
		completed[id] = struct{}{}
	}

	for _, step := range def.Steps {
		if _, done := completed[step.ID]; done {
			continue
		}

		start := time.Now()
		err := o.await(runCtx, def, step.Execute, sc)
		metrics.RecordSagaStep(def.ID, step.ID, "execute", time.Since(start))

		if err != nil {
			inst.FailedSteps = append(inst.FailedSteps, step.ID)
			inst.Status = StatusCompensating
			inst.Error = err.Error()
			inst.Context = sc.Snapshot()
			o.persist(base, inst)
			o.appendEvent(base, inst, "saga.step_failed", map[string]any{
				"stepId": step.ID,
				"error":  err.Error(),
			})
			o.logger.Warn().
				Str("instance_id", inst.InstanceID).
				Str("step_id", step.ID).
				Err(err).
				Msg("saga step failed, compensating")

			// Compensation runs on a fresh context: a saga timeout stops
			// the orchestrator waiting on the step, never the undo work.
			o.compensate(base, def, inst, sc, err)
			return
		}

		inst.CompletedSteps = append(inst.CompletedSteps, step.ID)
		inst.Context = sc.Snapshot()
		o.persist(base, inst)
		o.appendEvent(base, inst, "saga.step_completed", map[string]any{"stepId": step.ID})
	}

	o.finish(base, def, inst, StatusCompleted)
}

// await races a step against the instance deadline. A timed-out step is
// abandoned, not interrupted: its goroutine drains once the step function
// returns on its own.
func (o *Orchestrator) await(ctx context.Context, def Definition, fn StepFunc, sc *Context) error {
	done := make(chan error, 1)
	go func() {
		done <- fn(ctx, sc)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("saga %q timed out after %s", def.ID, def.Timeout)
		}
		return ctx.Err()
	}
}

// compensate undoes completed steps in reverse completion order. A failing
// compensation does not abort the loop; it is recorded and the remaining
// compensations still run.
func (o *Orchestrator) compensate(ctx context.Context, def Definition, inst *Instance, sc *Context, trigger error) {
	steps := make(map[string]Step, len(def.Steps))
	for _, s := range def.Steps {
		steps[s.ID] = s
	}
	compensated := make(map[string]struct{}, len(inst.CompensatedSteps))
	for _, id := range inst.CompensatedSteps {
		compensated[id] = struct{}{}
	}

	var compErrs []string
	for i := len(inst.CompletedSteps) - 1; i >= 0; i-- {
		stepID := inst.CompletedSteps[i]
		if _, done := compensated[stepID]; done {
			continue
		}
		step, ok := steps[stepID]
		if !ok {
			compErrs = append(compErrs, fmt.Sprintf("%s: step no longer defined", stepID))
			continue
		}

		if step.Compensate != nil {
			start := time.Now()
			err := step.Compensate(ctx, sc)
			metrics.RecordSagaStep(def.ID, step.ID, "compensate", time.Since(start))
			if err != nil {
				compErrs = append(compErrs, fmt.Sprintf("%s: %v", stepID, err))
				o.logger.Error().
					Str("instance_id", inst.InstanceID).
					Str("step_id", stepID).
					Err(err).
					Msg("compensation failed, continuing with remaining steps")
				continue
			}
		}

		inst.CompensatedSteps = append(inst.CompensatedSteps, stepID)
		inst.Context = sc.Snapshot()
		o.persist(ctx, inst)
		o.appendEvent(ctx, inst, "saga.step_compensated", map[string]any{"stepId": stepID})
	}

	inst.Error = trigger.Error()
	status := StatusCompensated
	if len(compErrs) > 0 {
		// Incomplete compensation needs manual reconciliation; it must
		// never be reported as a clean COMPENSATED.
		status = StatusCompensationFailed
		inst.Error = fmt.Sprintf("%s (compensation incomplete: %s)", trigger.Error(), strings.Join(compErrs, "; "))
	}
	o.finish(ctx, def, inst, status)
}

// resumeCompensation continues an interrupted compensation pass.
func (o *Orchestrator) resumeCompensation(def Definition, inst *Instance, sc *Context) {
	defer o.wg.Done()
	trigger := errors.New(inst.Error)
	if inst.Error == "" {
		trigger = errors.New("compensation resumed after restart")
	}
	o.compensate(log.ContextWithCorrelationID(context.Background(), inst.InstanceID), def, inst, sc, trigger)
}

func (o *Orchestrator) finish(ctx context.Context, def Definition, inst *Instance, status Status) {
	now := time.Now().UTC()
	inst.Status = status
	inst.EndedAt = &now
	o.persist(ctx, inst)
	o.appendEvent(ctx, inst, "saga.instance_finished", map[string]any{
		"status": string(status),
		"error":  inst.Error,
	})
	metrics.RecordSagaFinished(def.ID, string(status))

	evt := o.logger.Info()
	if status != StatusCompleted {
		evt = o.logger.Warn()
	}
	evt.Str("instance_id", inst.InstanceID).
		Str("saga_id", def.ID).
		Str("status", string(status)).
		Str("error", inst.Error).
		Msg("saga finished")
}

func (o *Orchestrator) persist(ctx context.Context, inst *Instance) {
	if err := o.store.Put(ctx, inst); err != nil {
		o.logger.Error().
			Err(err).
			Str("instance_id", inst.InstanceID).
			Msg("failed to persist saga instance")
	}
}

func (o *Orchestrator) appendEvent(ctx context.Context, inst *Instance, eventType string, payload map[string]any) {
	if o.events == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		o.logger.Error().Err(err).Str("type", eventType).Msg("failed to marshal saga event payload")
		return
	}
	_, err = o.events.Append(ctx, eventstore.Event{
		Type:          eventType,
		AggregateID:   inst.InstanceID,
		AggregateType: "saga_instance",
		Payload:       raw,
		CorrelationID: inst.InstanceID,
	})
	if err != nil {
		o.logger.Error().Err(err).Str("type", eventType).Msg("failed to append saga event")
	}
}
