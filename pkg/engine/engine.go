// Package engine drives process instances from start to a terminal state.
// Each instance is advanced by exactly one driver goroutine, serialized by
// a TTL lease in the persistent store. Every state transition is persisted
// before the next dispatch, so a crash can only lose the single attempt in
// flight, which recovery detects as a dangling running row.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	"github.com/wehubfusion/Daedalus/pkg/condition"
	"github.com/wehubfusion/Daedalus/pkg/definition"
	"github.com/wehubfusion/Daedalus/pkg/dispatch"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/process"
	"github.com/wehubfusion/Daedalus/pkg/storage"
	"github.com/wehubfusion/Daedalus/pkg/trigger"
	"github.com/wehubfusion/Daedalus/pkg/variables"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	// DefaultLeaseTTL bounds how long a crashed driver blocks takeover.
	DefaultLeaseTTL = 30 * time.Second

	// DefaultStepTimeout bounds a single attempt when the step declares none.
	DefaultStepTimeout = dispatch.DefaultTimeout
)

// Options configures an Engine. Store, Definitions, Dispatcher and Logger
// are required; everything else has a working default.
type Options struct {
	Store       storage.Store
	Definitions *definition.Registry
	Dispatcher  dispatch.Dispatcher
	Logger      *zap.Logger

	// Resolver turns step targets into typed handles. Defaults to
	// RuleResolver.
	Resolver Resolver

	// Conditions evaluates step condition expressions. Defaults to a fresh
	// evaluator.
	Conditions *condition.Evaluator

	// Cipher encrypts sensitive variables. Nil disables sensitive
	// visibility.
	Cipher *variables.Cipher

	// LeaseTTL is the single-driver lease duration. Defaults to
	// DefaultLeaseTTL.
	LeaseTTL time.Duration

	// StepTimeout is the per-attempt timeout for steps that declare none.
	StepTimeout time.Duration

	// AutoResume resumes interrupted instances automatically during
	// RecoverInterrupted.
	AutoResume bool

	// ReportFailures captures instance failures to Sentry. The caller owns
	// sentry.Init.
	ReportFailures bool

	// MaxInstances caps concurrently driven instances; zero uses the
	// environment-derived default.
	MaxInstances int

	// MaxParallelMembers caps concurrently running parallel group members;
	// zero uses the environment-derived default.
	MaxParallelMembers int
}

// Engine is the process executor. Public operations are safe for
// concurrent use.
type Engine struct {
	store      storage.Store
	defs       *definition.Registry
	dispatcher dispatch.Dispatcher
	resolver   Resolver
	conditions *condition.Evaluator
	cipher     *variables.Cipher
	logger     *zap.Logger
	tracer     trace.Tracer

	owner          string
	leaseTTL       time.Duration
	stepTimeout    time.Duration
	autoResume     bool
	reportFailures bool

	instances *concurrency.Limiter
	members   *concurrency.Limiter

	metrics Metrics

	rootCtx    context.Context
	rootCancel context.CancelFunc

	mu       sync.Mutex
	drivers  map[string]*driver
	triggers *trigger.Registry
	closed   bool

	wg sync.WaitGroup
}

var _ trigger.Starter = (*Engine)(nil)

// New creates an engine. Call RecoverInterrupted before accepting new
// starts so that instances stranded by a previous crash are reconciled
// first.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if opts.Definitions == nil {
		return nil, errors.New("definition registry cannot be nil")
	}
	if opts.Dispatcher == nil {
		return nil, errors.New("dispatcher cannot be nil")
	}
	if opts.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if opts.Resolver == nil {
		opts.Resolver = RuleResolver{}
	}
	if opts.Conditions == nil {
		opts.Conditions = condition.NewEvaluator()
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = DefaultLeaseTTL
	}
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = DefaultStepTimeout
	}

	cc := concurrency.LoadConfig()
	maxInstances := opts.MaxInstances
	if maxInstances <= 0 {
		maxInstances = cc.MaxInstances
	}
	maxMembers := opts.MaxParallelMembers
	if maxMembers <= 0 {
		maxMembers = cc.MaxParallelMembers
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:          opts.Store,
		defs:           opts.Definitions,
		dispatcher:     opts.Dispatcher,
		resolver:       opts.Resolver,
		conditions:     opts.Conditions,
		cipher:         opts.Cipher,
		logger:         opts.Logger,
		tracer:         otel.Tracer("daedalus/engine"),
		owner:          uuid.NewString(),
		leaseTTL:       opts.LeaseTTL,
		stepTimeout:    opts.StepTimeout,
		autoResume:     opts.AutoResume,
		reportFailures: opts.ReportFailures,
		instances:      concurrency.NewLimiter(maxInstances),
		members:        concurrency.NewLimiter(maxMembers),
		rootCtx:        ctx,
		rootCancel:     cancel,
		drivers:        make(map[string]*driver),
	}, nil
}

// AttachTriggers wires a trigger registry so FireEvent can delegate to it.
func (e *Engine) AttachTriggers(r *trigger.Registry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.triggers = r
}

// Start creates and runs a new instance of the referenced definition on
// behalf of the initiator. Returns the instance id immediately; execution
// proceeds asynchronously in the instance's driver.
func (e *Engine) Start(ctx context.Context, definitionRef string, inputs map[string]interface{}, initiator string) (string, error) {
	return e.StartTriggered(ctx, definitionRef, inputs, initiator, trigger.ManualProvenance(initiator))
}

// StartTriggered starts an instance with explicit trigger provenance.
// Implements trigger.Starter.
func (e *Engine) StartTriggered(ctx context.Context, definitionRef string, inputs map[string]interface{}, initiator, triggeredBy string) (string, error) {
	return e.start(ctx, definitionRef, inputs, initiator, triggeredBy, "")
}

// start creates the instance row and spawns its driver. parentID links a
// sub-process to the instance that started it.
func (e *Engine) start(ctx context.Context, definitionRef string, inputs map[string]interface{}, initiator, triggeredBy, parentID string) (string, error) {
	graph, err := e.defs.Get(definitionRef)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	inst := &process.Instance{
		ID:               process.NewInstanceID(definitionRef, now),
		DefinitionRef:    definitionRef,
		DisplayName:      graph.Definition.RenderDisplayName(inputs),
		Status:           process.InstancePending,
		CurrentStep:      graph.Entry,
		Inputs:           inputs,
		StartedBy:        initiator,
		TriggeredBy:      triggeredBy,
		ParentInstanceID: parentID,
		StartedAt:        now,
	}

	vars := variables.NewStore(e.cipher)
	for name, value := range inputs {
		if err := vars.Set(name, value, variables.VisibilityLogged); err != nil {
			return "", err
		}
	}
	if err := encodeVariables(inst, vars); err != nil {
		return "", err
	}

	if err := e.store.CreateInstance(ctx, inst); err != nil {
		return "", err
	}
	e.metrics.instancesStarted.Add(1)

	e.logger.Info("Started process instance",
		zap.String("instanceID", inst.ID),
		zap.String("definition", definitionRef),
		zap.String("triggeredBy", triggeredBy))

	if err := e.spawnDriver(inst.ID); err != nil {
		return inst.ID, err
	}
	return inst.ID, nil
}

// GetStatus returns a snapshot of the instance. Always well-formed, even
// for failed or interrupted instances.
func (e *Engine) GetStatus(ctx context.Context, instanceID string) (*process.Instance, error) {
	return e.store.GetInstance(ctx, instanceID)
}

// GetStepHistory returns the instance's step records totally ordered by
// step name then attempt.
func (e *Engine) GetStepHistory(ctx context.Context, instanceID string) ([]*process.StepRecord, error) {
	return e.store.ListStepRecords(ctx, instanceID)
}

// Cancel requests cancellation of a running or paused instance. An
// in-flight awaited dispatch is interrupted best-effort; detached steps
// already submitted are not retracted.
func (e *Engine) Cancel(ctx context.Context, instanceID string) error {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.Status.IsTerminal() {
		return fmt.Errorf("%w: instance %s is %s", sdkerrors.ErrTerminalState, instanceID, inst.Status)
	}

	e.mu.Lock()
	d := e.drivers[instanceID]
	e.mu.Unlock()
	if d != nil {
		d.requestCancel()
		return nil
	}

	// No active driver: paused, interrupted or never picked up. Finalize
	// directly.
	now := time.Now().UTC()
	inst.Status = process.InstanceCancelled
	inst.CurrentStep = ""
	inst.CompletedAt = &now
	if err := e.store.UpdateInstance(ctx, inst); err != nil {
		return err
	}
	e.metrics.instancesCancelled.Add(1)
	e.logger.Info("Cancelled instance", zap.String("instanceID", instanceID))
	return nil
}

// Pause requests suspension of a running instance at the next node
// boundary. The in-flight attempt, if any, runs to completion first.
func (e *Engine) Pause(ctx context.Context, instanceID string) error {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.Status.IsTerminal() {
		return fmt.Errorf("%w: instance %s is %s", sdkerrors.ErrTerminalState, instanceID, inst.Status)
	}

	e.mu.Lock()
	d := e.drivers[instanceID]
	e.mu.Unlock()
	if d == nil {
		return fmt.Errorf("instance %s has no active driver", instanceID)
	}
	d.requestPause()
	return nil
}

// Resume restarts the driver of a paused or interrupted instance from its
// persisted current step.
func (e *Engine) Resume(ctx context.Context, instanceID string) error {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	switch inst.Status {
	case process.InstancePaused, process.InstanceInterrupted, process.InstancePending:
	default:
		return fmt.Errorf("instance %s cannot be resumed from status %s", instanceID, inst.Status)
	}
	return e.spawnDriver(instanceID)
}

// FireEvent starts every definition subscribed to the event. Delegates to
// the attached trigger registry.
func (e *Engine) FireEvent(ctx context.Context, event string, payload map[string]interface{}) ([]string, error) {
	e.mu.Lock()
	triggers := e.triggers
	e.mu.Unlock()
	if triggers == nil {
		return nil, errors.New("no trigger registry attached")
	}
	return triggers.FireEvent(ctx, event, payload)
}

// Metrics returns a snapshot of the engine counters.
func (e *Engine) Metrics() MetricsSnapshot {
	return e.metrics.Snapshot()
}

// CompletionSink returns the sink that routes detached-step completions
// back into the step log. Wire it into the dispatcher.
func (e *Engine) CompletionSink() dispatch.CompletionSink {
	return e.handleCompletion
}

// RecoverInterrupted reconciles instances stranded by a previous crash:
// dangling running and async-dispatched step rows become interrupted, the
// instance moves to interrupted, and, when AutoResume is set, its driver is
// restarted. Returns the number of instances touched.
func (e *Engine) RecoverInterrupted(ctx context.Context) (int, error) {
	stranded, err := e.store.ListInstancesByStatus(ctx, process.InstanceRunning)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, inst := range stranded {
		marked, err := e.store.MarkInterrupted(ctx, inst.ID)
		if err != nil {
			e.logger.Error("Failed to mark interrupted step rows",
				zap.String("instanceID", inst.ID), zap.Error(err))
			continue
		}
		inst.Status = process.InstanceInterrupted
		inst.Error = &process.ErrorInfo{
			Kind:    "interrupted",
			Message: "driver lost before completion; recovered on restart",
		}
		if err := e.store.UpdateInstance(ctx, inst); err != nil {
			e.logger.Error("Failed to persist interrupted instance",
				zap.String("instanceID", inst.ID), zap.Error(err))
			continue
		}
		recovered++
		e.logger.Warn("Recovered interrupted instance",
			zap.String("instanceID", inst.ID),
			zap.Int("interruptedSteps", marked),
			zap.Bool("autoResume", e.autoResume))
		if e.autoResume {
			if err := e.Resume(ctx, inst.ID); err != nil {
				e.logger.Error("Failed to auto-resume instance",
					zap.String("instanceID", inst.ID), zap.Error(err))
			}
		}
	}

	// Instances created but never picked up also restart under auto-resume.
	if e.autoResume {
		pending, err := e.store.ListInstancesByStatus(ctx, process.InstancePending)
		if err != nil {
			return recovered, err
		}
		for _, inst := range pending {
			if err := e.spawnDriver(inst.ID); err != nil {
				e.logger.Error("Failed to restart pending instance",
					zap.String("instanceID", inst.ID), zap.Error(err))
			}
		}
	}

	return recovered, nil
}

// Close stops accepting new instances, interrupts active drivers and waits
// for them to persist their state.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.rootCancel()
	e.wg.Wait()

	if e.reportFailures {
		sentry.Flush(2 * time.Second)
	}
	e.logger.Info("Engine closed")
	return nil
}

// spawnDriver registers and starts the driver goroutine for an instance.
// Idempotent while a driver is active.
func (e *Engine) spawnDriver(instanceID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errors.New("engine is closed")
	}
	if _, active := e.drivers[instanceID]; active {
		return nil
	}

	d := &driver{
		e:          e,
		instanceID: instanceID,
		logger:     e.logger.With(zap.String("instanceID", instanceID)),
		attempts:   make(map[string]int),
	}
	e.drivers[instanceID] = d
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.drivers, instanceID)
			e.mu.Unlock()
		}()
		if err := e.instances.Acquire(e.rootCtx); err != nil {
			d.logger.Warn("Driver not started", zap.Error(err))
			return
		}
		defer e.instances.Release()
		d.run(e.rootCtx)
	}()
	return nil
}

// handleCompletion reconciles a detached-step outcome into the step log.
// It touches only the attempt row: a completion arriving after the
// instance reached a terminal status never changes the instance.
func (e *Engine) handleCompletion(c dispatch.Completion) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	status := process.StepCompleted
	var errInfo *process.ErrorInfo
	if c.Err != nil {
		status = process.StepFailed
		errInfo = &process.ErrorInfo{
			StepName: c.StepName,
			Attempt:  c.Attempt,
			Kind:     errorKind(c.Err),
			Message:  c.Err.Error(),
		}
	}

	completedAt := c.CompletedAt
	if completedAt.IsZero() {
		completedAt = time.Now().UTC()
	}

	outputs := c.Outputs
	if outputs != nil && !e.stepCapturesIO(ctx, c.InstanceID, c.StepName) {
		outputs = nil
	}

	if err := e.store.UpdateStepStatus(ctx, c.InstanceID, c.StepName, c.Attempt,
		status, &completedAt, outputs, errInfo); err != nil {
		e.logger.Error("Failed to reconcile detached completion",
			zap.String("instanceID", c.InstanceID),
			zap.String("step", c.StepName),
			zap.Int("attempt", c.Attempt),
			zap.Error(err))
		return
	}
	e.logger.Info("Reconciled detached completion",
		zap.String("instanceID", c.InstanceID),
		zap.String("step", c.StepName),
		zap.Int("attempt", c.Attempt),
		zap.String("status", string(status)))
}

// recordDispatchOutcome feeds dispatcher infrastructure health into the
// instance limiter's circuit breaker. Sustained broker outages open the
// circuit and new drivers stop being admitted until the broker recovers;
// business failures of the target do not count against it.
func (e *Engine) recordDispatchOutcome(err error) {
	switch {
	case err == nil:
		e.instances.RecordSuccess()
	case sdkerrors.IsDispatch(err):
		e.instances.RecordFailure()
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		// An interrupted attempt says nothing about broker health.
	default:
		e.instances.RecordSuccess()
	}
}

// stepCapturesIO reports whether the named step opted into IO capture.
func (e *Engine) stepCapturesIO(ctx context.Context, instanceID, stepName string) bool {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return false
	}
	graph, err := e.defs.Get(inst.DefinitionRef)
	if err != nil {
		return false
	}
	step := findStep(graph, stepName)
	return step != nil && step.CaptureIO
}

// findStep locates a step by name among top-level nodes and group members.
func findStep(graph *definition.Graph, name string) *definition.Step {
	for _, nodeName := range graph.Order {
		node := graph.Nodes[nodeName]
		if node.Step != nil && node.Step.Name == name {
			return node.Step
		}
		if node.Group != nil {
			for i := range node.Group.Members {
				if node.Group.Members[i].Name == name {
					return &node.Group.Members[i]
				}
			}
		}
	}
	return nil
}

// reportFailure forwards an instance failure to Sentry when enabled.
func (e *Engine) reportFailure(inst *process.Instance, cause error) {
	if !e.reportFailures || cause == nil {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("instance_id", inst.ID)
		scope.SetTag("definition", inst.DefinitionRef)
		if inst.Error != nil {
			scope.SetTag("step", inst.Error.StepName)
			scope.SetTag("error_kind", inst.Error.Kind)
		}
		sentry.CaptureException(cause)
	})
}

// encodeVariables writes the store's persisted and external views onto the
// instance.
func encodeVariables(inst *process.Instance, vars *variables.Store) error {
	encoded, err := vars.Export()
	if err != nil {
		return err
	}
	values, visibility := vars.External()
	inst.EncodedVariables = encoded
	inst.Variables = values
	inst.VariableVisibility = visibility
	return nil
}

// errorKind classifies an error for ErrorInfo records.
func errorKind(err error) string {
	switch {
	case sdkerrors.IsTimeout(err):
		return "timeout"
	case sdkerrors.IsAuthorization(err):
		return "authorization"
	case sdkerrors.IsDispatch(err):
		return "dispatch"
	}
	var execErr *sdkerrors.TargetExecutionError
	if errors.As(err, &execErr) && execErr.Kind != "" {
		return execErr.Kind
	}
	return "execution"
}
