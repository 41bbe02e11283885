package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wehubfusion/Daedalus/pkg/definition"
	"github.com/wehubfusion/Daedalus/pkg/dispatch"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/process"
	"github.com/wehubfusion/Daedalus/pkg/retry"
	"github.com/wehubfusion/Daedalus/pkg/variables"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// driverRequest is the pending control operation for a driver, set by the
// engine's public API and consumed at the next node boundary.
type driverRequest int32

const (
	reqNone driverRequest = iota
	reqPause
	reqCancel
)

// subProcessPoll is how often a parent driver checks a child instance for
// a terminal status.
const subProcessPoll = 100 * time.Millisecond

// driver advances one instance. It is the instance's single writer: it
// holds the lease for the whole time it runs and releases it on exit.
type driver struct {
	e          *Engine
	instanceID string
	logger     *zap.Logger

	requested atomic.Int32

	stepMu     sync.Mutex
	stepCancel context.CancelFunc

	attemptMu sync.Mutex
	attempts  map[string]int
}

// requestCancel marks the driver for cancellation and interrupts the
// in-flight awaited dispatch, if any.
func (d *driver) requestCancel() {
	d.requested.Store(int32(reqCancel))
	d.stepMu.Lock()
	if d.stepCancel != nil {
		d.stepCancel()
	}
	d.stepMu.Unlock()
}

// requestPause marks the driver for suspension at the next node boundary.
func (d *driver) requestPause() {
	d.requested.Store(int32(reqPause))
}

// memberOutcome is one parallel group member's result, delivered to the
// driver for serialized write-back at the join barrier.
type memberOutcome struct {
	member  *definition.Step
	outputs map[string]interface{}
	errInfo *process.ErrorInfo
	cause   error
	fatal   bool
}

// run is the driver main loop. ctx is the engine root context; its
// cancellation means shutdown, which finalizes the instance as
// interrupted, never failed.
func (d *driver) run(rootCtx context.Context) {
	ctx, span := d.e.tracer.Start(rootCtx, "engine.driver",
		trace.WithAttributes(attribute.String("instance.id", d.instanceID)))
	defer span.End()

	token, err := d.e.store.AcquireLease(ctx, d.instanceID, d.e.owner, d.e.leaseTTL)
	if err != nil {
		if errors.Is(err, sdkerrors.ErrLeaseHeld) {
			d.logger.Warn("Instance lease held by another driver")
		} else {
			d.logger.Error("Failed to acquire instance lease", zap.Error(err))
		}
		return
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.e.store.ReleaseLease(releaseCtx, d.instanceID, token); err != nil {
			d.logger.Error("Failed to release instance lease", zap.Error(err))
		}
	}()

	inst, err := d.e.store.GetInstance(ctx, d.instanceID)
	if err != nil {
		d.logger.Error("Failed to load instance", zap.Error(err))
		return
	}
	if inst.Status.IsTerminal() {
		return
	}

	graph, err := d.e.defs.Get(inst.DefinitionRef)
	if err != nil {
		d.finalizeFailed(inst, nil, &process.ErrorInfo{
			Kind:    "definition",
			Message: fmt.Sprintf("definition %s is not registered", inst.DefinitionRef),
		}, err)
		return
	}

	// Instance timeout uses a wall-clock deadline anchored at start, so a
	// resumed instance does not get a fresh budget.
	if t := graph.Definition.Timeout; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, inst.StartedAt.Add(t))
		defer cancel()
	}

	// Lease renewal heartbeat. A failed renewal means another driver may
	// take over, so this one stops.
	renewCtx, stopRenew := context.WithCancel(ctx)
	defer stopRenew()
	go d.renewLease(renewCtx, token, stopRenew)

	vars, err := variables.Import(inst.EncodedVariables, d.e.cipher)
	if err != nil {
		d.finalizeFailed(inst, nil, &process.ErrorInfo{
			Kind:    "state",
			Message: fmt.Sprintf("failed to restore variables: %v", err),
		}, err)
		return
	}

	d.seedAttempts(ctx)

	inst.Status = process.InstanceRunning
	if err := d.persist(ctx, inst, vars); err != nil {
		d.logger.Error("Failed to persist running status", zap.Error(err))
		return
	}
	d.logger.Info("Driver started", zap.String("currentStep", inst.CurrentStep))

	current := inst.CurrentStep
	if current == "" {
		current = graph.Entry
	}

	for current != "" {
		if d.checkControl(ctx, inst, vars, current) {
			return
		}

		node, ok := graph.Node(current)
		if !ok {
			d.finalizeFailed(inst, vars, &process.ErrorInfo{
				Kind:    "definition",
				Message: fmt.Sprintf("unknown node %q", current),
			}, nil)
			return
		}

		if inst.CurrentStep != current {
			inst.CurrentStep = current
			if err := d.persist(ctx, inst, vars); err != nil {
				d.logger.Error("Failed to persist step advance", zap.Error(err))
				return
			}
		}

		var next string
		var failInfo *process.ErrorInfo
		var cause error
		if node.Step != nil {
			next, failInfo, cause = d.runStep(ctx, inst, vars, node)
		} else {
			next, failInfo, cause = d.runGroup(ctx, inst, vars, node)
		}

		if failInfo != nil {
			// A cancel or shutdown surfaces as a dispatch error; resolve the
			// control request before recording a failure.
			if d.checkControl(ctx, inst, vars, current) {
				return
			}
			d.finalizeFailed(inst, vars, failInfo, cause)
			return
		}

		current = next
	}

	d.finalizeCompleted(inst, vars)
}

// renewLease extends the driver lease at a third of its TTL until the
// context ends. stop is called when the lease is lost.
func (d *driver) renewLease(ctx context.Context, token string, stop context.CancelFunc) {
	ticker := time.NewTicker(d.e.leaseTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.e.store.RenewLease(ctx, d.instanceID, token, d.e.leaseTTL); err != nil {
				if ctx.Err() != nil {
					return
				}
				d.logger.Error("Lost instance lease", zap.Error(err))
				stop()
				return
			}
		}
	}
}

// seedAttempts initializes per-step attempt counters from existing history
// so a resumed instance keeps attempt numbers strictly increasing.
func (d *driver) seedAttempts(ctx context.Context) {
	records, err := d.e.store.ListStepRecords(ctx, d.instanceID)
	if err != nil {
		d.logger.Error("Failed to load step history", zap.Error(err))
		return
	}
	d.attemptMu.Lock()
	defer d.attemptMu.Unlock()
	for _, rec := range records {
		if rec.Attempt > d.attempts[rec.StepName] {
			d.attempts[rec.StepName] = rec.Attempt
		}
	}
}

// nextAttempt allocates the next attempt number for a step.
func (d *driver) nextAttempt(stepName string) int {
	d.attemptMu.Lock()
	defer d.attemptMu.Unlock()
	d.attempts[stepName]++
	return d.attempts[stepName]
}

// checkControl consumes a pending pause/cancel request or a dead context.
// Returns true when the driver must stop.
func (d *driver) checkControl(ctx context.Context, inst *process.Instance, vars *variables.Store, current string) bool {
	switch driverRequest(d.requested.Load()) {
	case reqCancel:
		d.finalizeCancelled(inst, vars)
		return true
	case reqPause:
		d.pause(inst, vars, current)
		return true
	}
	if ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			d.finalizeFailed(inst, vars, &process.ErrorInfo{
				Kind:    "timeout",
				Message: "instance exceeded its definition timeout",
			}, ctx.Err())
		} else {
			d.finalizeInterrupted(inst, vars)
		}
		return true
	}
	return false
}

// runStep executes one top-level step node to its resolution: a next node
// name on advance, or failure info when the instance must fail.
func (d *driver) runStep(ctx context.Context, inst *process.Instance, vars *variables.Store, node *definition.Node) (string, *process.ErrorInfo, error) {
	step := node.Step

	successNext := node.Next
	if step.OnSuccess != "" {
		successNext = step.OnSuccess
	}

	// Condition gate: false means one skipped record and no dispatch; the
	// skip path always follows the sequential next, not the branch.
	ran, errInfo, err := d.evalCondition(ctx, inst, vars, step, d.conditionScope(inst, vars), false)
	if errInfo != nil {
		return "", errInfo, err
	}
	if !ran {
		return node.Next, nil, nil
	}

	if step.FireAndForget {
		if errInfo, err := d.dispatchDetached(ctx, inst, vars, step, false); errInfo != nil {
			return d.resolveFailure(step, node.Next, errInfo, err)
		}
		return successNext, nil, nil
	}

	outputs, errInfo, cause := d.attemptLoop(ctx, inst, vars, step, false)
	if errInfo != nil {
		return d.resolveFailure(step, node.Next, errInfo, cause)
	}

	if err := d.applyOutputs(ctx, inst, vars, step, outputs); err != nil {
		return "", &process.ErrorInfo{
			StepName:  step.Name,
			TargetRef: step.Target,
			Kind:      "state",
			Message:   err.Error(),
		}, err
	}
	return successNext, nil, nil
}

// resolveFailure applies the step's on-error policy to an exhausted
// failure: fail the instance, skip forward, or jump.
func (d *driver) resolveFailure(step *definition.Step, seqNext string, errInfo *process.ErrorInfo, cause error) (string, *process.ErrorInfo, error) {
	if target, isGoto := step.OnError.GotoTarget(); isGoto {
		d.logger.Info("Step failed; jumping per on-error policy",
			zap.String("step", step.Name), zap.String("goto", target))
		return target, nil, nil
	}
	if step.OnError == definition.OnErrorSkip {
		d.logger.Info("Step failed; skipping per on-error policy",
			zap.String("step", step.Name))
		return seqNext, nil, nil
	}
	return "", errInfo, cause
}

// evalCondition evaluates the step's condition against the given scope.
// When false it writes the skipped record. ran reports whether the step
// should execute.
func (d *driver) evalCondition(ctx context.Context, inst *process.Instance, vars *variables.Store, step *definition.Step, scope map[string]interface{}, parallel bool) (ran bool, errInfo *process.ErrorInfo, err error) {
	if step.Condition == "" {
		return true, nil, nil
	}
	ok, err := d.e.conditions.Eval(step.Condition, scope)
	if err != nil {
		return false, &process.ErrorInfo{
			StepName:  step.Name,
			TargetRef: step.Target,
			Kind:      "condition",
			Message:   err.Error(),
		}, err
	}
	if ok {
		return true, nil, nil
	}

	now := time.Now().UTC()
	rec := &process.StepRecord{
		InstanceID:    inst.ID,
		StepName:      step.Name,
		TargetRef:     step.Target,
		Status:        process.StepSkipped,
		StartedAt:     now,
		CompletedAt:   &now,
		Attempt:       d.nextAttempt(step.Name),
		FireAndForget: step.FireAndForget,
		Parallel:      parallel,
	}
	if err := d.e.store.AppendStepRecord(ctx, rec); err != nil {
		return false, &process.ErrorInfo{
			StepName: step.Name,
			Kind:     "state",
			Message:  fmt.Sprintf("failed to record skip: %v", err),
		}, err
	}
	d.e.metrics.stepsSkipped.Add(1)
	d.logger.Info("Step skipped by condition", zap.String("step", step.Name))
	return false, nil, nil
}

// dispatchDetached submits a fire-and-forget step and advances without
// waiting. The completion callback reconciles the async-dispatched row.
func (d *driver) dispatchDetached(ctx context.Context, inst *process.Instance, vars *variables.Store, step *definition.Step, parallel bool) (*process.ErrorInfo, error) {
	inputs, errInfo, err := d.resolveInputs(inst, vars, step)
	if errInfo != nil {
		return errInfo, err
	}

	attempt := d.nextAttempt(step.Name)
	rec := &process.StepRecord{
		InstanceID:    inst.ID,
		StepName:      step.Name,
		TargetRef:     step.Target,
		Status:        process.StepAsyncDispatched,
		StartedAt:     time.Now().UTC(),
		Attempt:       attempt,
		FireAndForget: true,
		Parallel:      parallel,
	}
	if step.CaptureIO {
		rec.Inputs = d.maskInputs(step, vars, inputs)
	}
	if err := d.e.store.AppendStepRecord(ctx, rec); err != nil {
		return &process.ErrorInfo{StepName: step.Name, Kind: "state", Message: err.Error()}, err
	}

	sub := dispatch.Submission{
		Context: dispatch.ExecutionContext{
			Initiator:  inst.StartedBy,
			InstanceID: inst.ID,
			StepName:   step.Name,
			Attempt:    attempt,
		},
		TargetRef: step.Target,
		Inputs:    inputs,
		Timeout:   d.stepTimeout(step),
	}
	_, err = d.e.dispatcher.Submit(ctx, sub, dispatch.ModeDetach)
	d.e.recordDispatchOutcome(err)
	if err != nil {
		info := &process.ErrorInfo{
			StepName:  step.Name,
			TargetRef: step.Target,
			Attempt:   attempt,
			Kind:      errorKind(err),
			Message:   err.Error(),
		}
		now := time.Now().UTC()
		if uerr := d.e.store.UpdateStepStatus(ctx, inst.ID, step.Name, attempt,
			process.StepFailed, &now, nil, info); uerr != nil {
			d.logger.Error("Failed to reconcile detached dispatch failure", zap.Error(uerr))
		}
		return info, err
	}
	d.e.metrics.stepsDispatched.Add(1)
	d.logger.Info("Step dispatched detached",
		zap.String("step", step.Name), zap.Int("attempt", attempt))
	return nil, nil
}

// attemptLoop runs awaited attempts of one step until success or an
// exhausted retry budget. On success it returns the target outputs; on
// exhaustion it returns the last failure for on-error resolution.
func (d *driver) attemptLoop(ctx context.Context, inst *process.Instance, vars *variables.Store, step *definition.Step, parallel bool) (map[string]interface{}, *process.ErrorInfo, error) {
	inputs, errInfo, err := d.resolveInputs(inst, vars, step)
	if errInfo != nil {
		return nil, errInfo, err
	}

	handle, err := d.e.resolver.Resolve(step.Target)
	if err != nil {
		return nil, &process.ErrorInfo{
			StepName:  step.Name,
			TargetRef: step.Target,
			Kind:      "resolver",
			Message:   err.Error(),
		}, err
	}

	policy := step.RetryPolicy()
	timeout := d.stepTimeout(step)

	for {
		attempt := d.nextAttempt(step.Name)
		started := time.Now().UTC()

		rec := &process.StepRecord{
			InstanceID: inst.ID,
			StepName:   step.Name,
			TargetRef:  step.Target,
			Status:     process.StepRunning,
			StartedAt:  started,
			Attempt:    attempt,
			Parallel:   parallel,
		}
		if step.CaptureIO {
			rec.Inputs = d.maskInputs(step, vars, inputs)
		}
		if err := d.e.store.AppendStepRecord(ctx, rec); err != nil {
			return nil, &process.ErrorInfo{StepName: step.Name, Kind: "state", Message: err.Error()}, err
		}

		d.e.metrics.stepsDispatched.Add(1)
		outputs, invErr := d.invoke(ctx, inst, step, handle, inputs, timeout, attempt)
		completed := time.Now().UTC()

		if invErr == nil {
			var captured map[string]interface{}
			if step.CaptureIO {
				captured = d.maskOutputs(step, outputs)
			}
			if err := d.e.store.UpdateStepStatus(ctx, inst.ID, step.Name, attempt,
				process.StepCompleted, &completed, captured, nil); err != nil {
				return nil, &process.ErrorInfo{StepName: step.Name, Kind: "state", Message: err.Error()}, err
			}
			d.logger.Info("Step completed",
				zap.String("step", step.Name),
				zap.Int("attempt", attempt),
				zap.Duration("elapsed", completed.Sub(started)))
			return outputs, nil, nil
		}

		errInfo := &process.ErrorInfo{
			StepName:  step.Name,
			TargetRef: step.Target,
			Attempt:   attempt,
			Kind:      errorKind(invErr),
			Message:   invErr.Error(),
		}
		if err := d.e.store.UpdateStepStatus(ctx, inst.ID, step.Name, attempt,
			process.StepFailed, &completed, nil, errInfo); err != nil {
			d.logger.Error("Failed to record step failure", zap.Error(err))
		}
		d.logger.Warn("Step attempt failed",
			zap.String("step", step.Name),
			zap.Int("attempt", attempt),
			zap.String("kind", errInfo.Kind),
			zap.Error(invErr))

		decision := retry.Decide(policy, attempt, invErr)
		if !decision.Retry {
			return nil, errInfo, invErr
		}

		d.e.metrics.stepsRetried.Add(1)
		// The retry delay registers a wake-up so requestCancel interrupts
		// the wait instead of letting the full delay elapse.
		waitCtx, wake := context.WithCancel(ctx)
		d.stepMu.Lock()
		d.stepCancel = wake
		d.stepMu.Unlock()
		select {
		case <-time.After(decision.After):
		case <-waitCtx.Done():
		}
		d.stepMu.Lock()
		d.stepCancel = nil
		d.stepMu.Unlock()
		wake()
		if ctx.Err() != nil || driverRequest(d.requested.Load()) != reqNone {
			return nil, errInfo, invErr
		}
	}
}

// invoke runs one attempt: a dispatcher call for rule handles, a child
// instance run for process handles. The attempt context is cancellable so
// Cancel can interrupt an in-flight await.
func (d *driver) invoke(ctx context.Context, inst *process.Instance, step *definition.Step, handle Handle, inputs map[string]interface{}, timeout time.Duration, attempt int) (map[string]interface{}, error) {
	attemptCtx, cancel := context.WithCancel(ctx)
	d.stepMu.Lock()
	d.stepCancel = cancel
	d.stepMu.Unlock()
	defer func() {
		d.stepMu.Lock()
		d.stepCancel = nil
		d.stepMu.Unlock()
		cancel()
	}()

	attemptCtx, span := d.e.tracer.Start(attemptCtx, "engine.step",
		trace.WithAttributes(
			attribute.String("instance.id", inst.ID),
			attribute.String("step.name", step.Name),
			attribute.String("target.ref", step.Target),
			attribute.Int("attempt", attempt),
		))
	defer span.End()

	var outputs map[string]interface{}
	var err error
	switch handle.Kind {
	case HandleProcess:
		outputs, err = d.runSubProcess(attemptCtx, inst, step, handle, inputs, timeout, attempt)
	default:
		sub := dispatch.Submission{
			Context: dispatch.ExecutionContext{
				Initiator:  inst.StartedBy,
				InstanceID: inst.ID,
				StepName:   step.Name,
				Attempt:    attempt,
			},
			TargetRef: handle.TargetRef,
			Inputs:    inputs,
			Timeout:   timeout,
		}
		var res *dispatch.Result
		res, err = d.e.dispatcher.Submit(attemptCtx, sub, dispatch.ModeAwait)
		d.e.recordDispatchOutcome(err)
		if err == nil {
			outputs = res.Outputs
		}
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetStatus(codes.Ok, "completed")
	return outputs, nil
}

// runSubProcess starts a child instance and waits for its terminal status.
func (d *driver) runSubProcess(ctx context.Context, inst *process.Instance, step *definition.Step, handle Handle, inputs map[string]interface{}, timeout time.Duration, attempt int) (map[string]interface{}, error) {
	childID, err := d.e.start(ctx, handle.DefinitionRef, inputs, inst.StartedBy, inst.TriggeredBy, inst.ID)
	if err != nil {
		return nil, sdkerrors.NewTargetExecutionError("subprocess",
			fmt.Sprintf("failed to start sub-process: %v", err), step.Target, err).
			WithAttempt(inst.ID, step.Name, attempt)
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(subProcessPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, sdkerrors.NewTimeoutError(step.Target, inst.ID, step.Name,
				timeout.String(), attempt)
		case <-ticker.C:
			child, err := d.e.store.GetInstance(ctx, childID)
			if err != nil {
				return nil, err
			}
			if !child.Status.IsTerminal() {
				continue
			}
			if child.Status == process.InstanceCompleted {
				return child.Outputs, nil
			}
			message := fmt.Sprintf("sub-process %s ended %s", childID, child.Status)
			if child.Error != nil {
				message = fmt.Sprintf("%s: %s", message, child.Error.Message)
			}
			return nil, sdkerrors.NewTargetExecutionError("subprocess", message, step.Target, nil).
				WithAttempt(inst.ID, step.Name, attempt)
		}
	}
}

// runGroup dispatches every member concurrently under the member limiter
// and joins at the barrier: write-backs are applied serially and become
// visible to later nodes only after all members finished.
func (d *driver) runGroup(ctx context.Context, inst *process.Instance, vars *variables.Store, node *definition.Node) (string, *process.ErrorInfo, error) {
	group := node.Group

	// Members see the variable scope at group entry; sibling outputs stay
	// invisible until the join.
	entryScope := d.conditionScope(inst, vars)

	results := make(chan memberOutcome, len(group.Members))
	var wg sync.WaitGroup
	for i := range group.Members {
		member := &group.Members[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.e.members.Acquire(ctx); err != nil {
				results <- memberOutcome{
					member: member,
					errInfo: &process.ErrorInfo{
						StepName:  member.Name,
						TargetRef: member.Target,
						Kind:      "dispatch",
						Message:   fmt.Sprintf("failed to schedule group member: %v", err),
					},
					cause: err,
					fatal: member.OnError != definition.OnErrorSkip,
				}
				return
			}
			defer d.e.members.Release()
			results <- d.runMember(ctx, inst, vars, member, entryScope)
		}()
	}
	wg.Wait()
	close(results)

	// Barrier join: serialize write-backs in completion order. A failed
	// member does not retract siblings' work.
	var failed *memberOutcome
	for outcome := range results {
		if outcome.outputs != nil {
			if err := d.applyMemberOutputs(vars, outcome.member, outcome.outputs); err != nil {
				d.logger.Error("Failed to write back member outputs",
					zap.String("member", outcome.member.Name), zap.Error(err))
			}
		}
		if outcome.fatal && failed == nil {
			o := outcome
			failed = &o
		}
	}

	if err := d.persist(ctx, inst, vars); err != nil {
		return "", &process.ErrorInfo{
			StepName: group.Name,
			Kind:     "state",
			Message:  err.Error(),
		}, err
	}

	if failed != nil {
		return "", failed.errInfo, failed.cause
	}
	d.logger.Info("Parallel group completed",
		zap.String("group", group.Name), zap.Int("members", len(group.Members)))
	return node.Next, nil, nil
}

// runMember executes one parallel group member. Members resolve exhausted
// failures with fail or skip only; branching policies are rejected at
// compile time.
func (d *driver) runMember(ctx context.Context, inst *process.Instance, vars *variables.Store, member *definition.Step, entryScope map[string]interface{}) memberOutcome {
	ran, errInfo, err := d.evalCondition(ctx, inst, vars, member, entryScope, true)
	if errInfo != nil {
		return memberOutcome{member: member, errInfo: errInfo, cause: err, fatal: true}
	}
	if !ran {
		return memberOutcome{member: member}
	}

	if member.FireAndForget {
		if errInfo, err := d.dispatchDetached(ctx, inst, vars, member, true); errInfo != nil {
			return memberOutcome{
				member:  member,
				errInfo: errInfo,
				cause:   err,
				fatal:   member.OnError != definition.OnErrorSkip,
			}
		}
		return memberOutcome{member: member}
	}

	outputs, errInfo, cause := d.attemptLoop(ctx, inst, vars, member, true)
	if errInfo != nil {
		if member.OnError == definition.OnErrorSkip {
			d.logger.Info("Group member failed; skipping per on-error policy",
				zap.String("member", member.Name))
			return memberOutcome{member: member}
		}
		return memberOutcome{member: member, errInfo: errInfo, cause: cause, fatal: true}
	}
	return memberOutcome{member: member, outputs: outputs}
}

// applyOutputs maps target outputs into the variable store and persists
// the instance before the driver advances.
func (d *driver) applyOutputs(ctx context.Context, inst *process.Instance, vars *variables.Store, step *definition.Step, outputs map[string]interface{}) error {
	if err := d.applyMemberOutputs(vars, step, outputs); err != nil {
		return err
	}
	if !vars.Dirty() {
		return nil
	}
	return d.persist(ctx, inst, vars)
}

// applyMemberOutputs maps outputs into variables without persisting; the
// group barrier persists once for all members.
func (d *driver) applyMemberOutputs(vars *variables.Store, step *definition.Step, outputs map[string]interface{}) error {
	for outName, varName := range step.OutputMapping {
		value, ok := outputs[outName]
		if !ok {
			continue
		}
		visibility := step.OutputVisibility[varName]
		if err := vars.Set(varName, value, visibility); err != nil {
			return fmt.Errorf("failed to set variable %q from output %q: %w", varName, outName, err)
		}
	}
	return nil
}

// resolveInputs materializes the step's input mapping: "=" prefixes are
// literals, otherwise variables shadow instance inputs.
func (d *driver) resolveInputs(inst *process.Instance, vars *variables.Store, step *definition.Step) (map[string]interface{}, *process.ErrorInfo, error) {
	inputs := make(map[string]interface{}, len(step.InputMapping))
	for param, source := range step.InputMapping {
		if literal, ok := strings.CutPrefix(source, "="); ok {
			inputs[param] = literal
			continue
		}
		if vars.Has(source) {
			value, err := vars.Resolve(source)
			if err != nil {
				return nil, &process.ErrorInfo{
					StepName:  step.Name,
					TargetRef: step.Target,
					Kind:      "mapping",
					Message:   err.Error(),
				}, err
			}
			inputs[param] = value
			continue
		}
		if value, ok := inst.Inputs[source]; ok {
			inputs[param] = value
			continue
		}
		err := fmt.Errorf("input %q references unknown variable %q", param, source)
		return nil, &process.ErrorInfo{
			StepName:  step.Name,
			TargetRef: step.Target,
			Kind:      "mapping",
			Message:   err.Error(),
		}, err
	}
	return inputs, nil, nil
}

// conditionScope is the expression evaluation scope: instance inputs
// shadowed by logged variables. Hidden and sensitive variables are never
// exposed to expressions.
func (d *driver) conditionScope(inst *process.Instance, vars *variables.Store) map[string]interface{} {
	scope := make(map[string]interface{}, len(inst.Inputs))
	for name, value := range inst.Inputs {
		scope[name] = value
	}
	for name, value := range vars.Snapshot() {
		scope[name] = value
	}
	return scope
}

// maskInputs returns the externally safe form of resolved inputs: values
// mapped from sensitive variables are masked, hidden ones already resolve
// to their hash.
func (d *driver) maskInputs(step *definition.Step, vars *variables.Store, inputs map[string]interface{}) map[string]interface{} {
	masked := make(map[string]interface{}, len(inputs))
	for param, value := range inputs {
		masked[param] = value
	}
	for param, source := range step.InputMapping {
		if strings.HasPrefix(source, "=") {
			continue
		}
		if visibility, ok := vars.Visibility(source); ok && visibility == variables.VisibilitySensitive {
			masked[param] = variables.MaskedValue
		}
	}
	return masked
}

// maskOutputs masks outputs that the step maps into sensitive or hidden
// variables before they are written to the step log.
func (d *driver) maskOutputs(step *definition.Step, outputs map[string]interface{}) map[string]interface{} {
	masked := make(map[string]interface{}, len(outputs))
	for name, value := range outputs {
		masked[name] = value
	}
	for outName, varName := range step.OutputMapping {
		switch step.OutputVisibility[varName] {
		case variables.VisibilitySensitive, variables.VisibilityHidden:
			if _, ok := masked[outName]; ok {
				masked[outName] = variables.MaskedValue
			}
		}
	}
	return masked
}

// stepTimeout returns the per-attempt timeout for a step.
func (d *driver) stepTimeout(step *definition.Step) time.Duration {
	if step.Timeout > 0 {
		return step.Timeout
	}
	return d.e.stepTimeout
}

// persist writes the instance and its variable scope through to the store.
func (d *driver) persist(ctx context.Context, inst *process.Instance, vars *variables.Store) error {
	if err := encodeVariables(inst, vars); err != nil {
		return err
	}
	if err := d.e.store.UpdateInstance(ctx, inst); err != nil {
		return err
	}
	vars.ClearDirty()
	return nil
}

// finalizeCompleted moves the instance to completed, deriving outputs from
// its logged variables only.
func (d *driver) finalizeCompleted(inst *process.Instance, vars *variables.Store) {
	ctx, cancel := finalizeContext()
	defer cancel()

	now := time.Now().UTC()
	inst.Status = process.InstanceCompleted
	inst.CurrentStep = ""
	inst.CompletedAt = &now
	inst.Outputs = vars.Snapshot()
	if err := d.persist(ctx, inst, vars); err != nil {
		d.logger.Error("Failed to persist completed instance", zap.Error(err))
		return
	}
	d.e.metrics.instancesCompleted.Add(1)
	d.logger.Info("Instance completed", zap.Duration("elapsed", now.Sub(inst.StartedAt)))
}

// finalizeFailed moves the instance to failed with the full causal chain.
func (d *driver) finalizeFailed(inst *process.Instance, vars *variables.Store, errInfo *process.ErrorInfo, cause error) {
	ctx, cancel := finalizeContext()
	defer cancel()

	now := time.Now().UTC()
	inst.Status = process.InstanceFailed
	inst.CurrentStep = ""
	inst.CompletedAt = &now
	inst.Error = errInfo

	var err error
	if vars != nil {
		err = d.persist(ctx, inst, vars)
	} else {
		err = d.e.store.UpdateInstance(ctx, inst)
	}
	if err != nil {
		d.logger.Error("Failed to persist failed instance", zap.Error(err))
		return
	}
	d.e.metrics.instancesFailed.Add(1)
	d.e.reportFailure(inst, cause)
	d.logger.Error("Instance failed",
		zap.String("step", errInfo.StepName),
		zap.String("kind", errInfo.Kind),
		zap.String("message", errInfo.Message))
}

// finalizeCancelled moves the instance to cancelled. Detached steps
// already submitted are left to complete; their callbacks only touch the
// step log.
func (d *driver) finalizeCancelled(inst *process.Instance, vars *variables.Store) {
	ctx, cancel := finalizeContext()
	defer cancel()

	now := time.Now().UTC()
	inst.Status = process.InstanceCancelled
	inst.CurrentStep = ""
	inst.CompletedAt = &now
	if err := d.persist(ctx, inst, vars); err != nil {
		d.logger.Error("Failed to persist cancelled instance", zap.Error(err))
		return
	}
	d.e.metrics.instancesCancelled.Add(1)
	d.logger.Info("Instance cancelled")
}

// pause suspends the instance at a node boundary, keeping the boundary node
// as the current step so Resume continues there.
func (d *driver) pause(inst *process.Instance, vars *variables.Store, current string) {
	ctx, cancel := finalizeContext()
	defer cancel()

	inst.Status = process.InstancePaused
	inst.CurrentStep = current
	if err := d.persist(ctx, inst, vars); err != nil {
		d.logger.Error("Failed to persist paused instance", zap.Error(err))
		return
	}
	d.logger.Info("Instance paused", zap.String("currentStep", current))
}

// finalizeInterrupted marks the instance interrupted on shutdown, keeping
// its current step so a later Resume continues where it stopped.
func (d *driver) finalizeInterrupted(inst *process.Instance, vars *variables.Store) {
	ctx, cancel := finalizeContext()
	defer cancel()

	if _, err := d.e.store.MarkInterrupted(ctx, inst.ID); err != nil {
		d.logger.Error("Failed to mark interrupted step rows", zap.Error(err))
	}
	inst.Status = process.InstanceInterrupted
	inst.Error = &process.ErrorInfo{
		Kind:    "interrupted",
		Message: "execution interrupted by shutdown",
	}
	if err := d.persist(ctx, inst, vars); err != nil {
		d.logger.Error("Failed to persist interrupted instance", zap.Error(err))
		return
	}
	d.logger.Warn("Instance interrupted", zap.String("currentStep", inst.CurrentStep))
}

// finalizeContext is a short independent context for terminal writes: the
// driver context may already be dead when they happen.
func finalizeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}
