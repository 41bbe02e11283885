// Package trigger maps external events and cron schedules to process
// starts. Triggers only initiate instances; they never participate in step
// execution. Every triggered start records its provenance on the instance
// for auditability.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/wehubfusion/Daedalus/pkg/definition"
	"go.uber.org/zap"
)

// Starter starts process instances on behalf of a trigger. The execution
// engine implements this interface.
type Starter interface {
	// StartTriggered creates and runs a new instance of the referenced
	// definition. triggeredBy is the provenance string recorded on the
	// instance.
	StartTriggered(ctx context.Context, definitionRef string, inputs map[string]interface{}, initiator, triggeredBy string) (string, error)
}

// ManualProvenance is recorded for direct start calls.
func ManualProvenance(initiator string) string {
	return "manual:" + initiator
}

// EventProvenance is recorded for event-triggered starts.
func EventProvenance(event string) string {
	return "event:" + event
}

// ScheduleProvenance is recorded for schedule-triggered starts.
func ScheduleProvenance(expr string) string {
	return "schedule:" + expr
}

// Registry holds event subscriptions and cron schedules bound from process
// definitions. Firing an event starts every subscribed definition; due
// schedules issue a manual-equivalent start.
type Registry struct {
	starter Starter
	logger  *zap.Logger
	cron    *cron.Cron

	mu        sync.RWMutex
	events    map[string][]string // event name -> definition refs, bind order
	schedules map[string][]cron.EntryID
}

// NewRegistry creates a trigger registry. The cron scheduler does not run
// until Start is called.
func NewRegistry(starter Starter, logger *zap.Logger) (*Registry, error) {
	if starter == nil {
		return nil, errors.New("starter cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	return &Registry{
		starter:   starter,
		logger:    logger,
		cron:      cron.New(),
		events:    make(map[string][]string),
		schedules: make(map[string][]cron.EntryID),
	}, nil
}

// Bind registers the definition's event subscriptions and schedules. It is
// all-or-nothing: an invalid trigger spec leaves no bindings behind.
func (r *Registry) Bind(def *definition.ProcessDefinition) error {
	if def == nil {
		return errors.New("definition cannot be nil")
	}

	for _, spec := range def.Triggers {
		switch spec.Kind {
		case definition.TriggerManual:
			// Nothing to register; manual starts go straight to the engine.
		case definition.TriggerEvent:
			if spec.Event == "" {
				return fmt.Errorf("definition %s: event trigger requires an event name", def.Ref)
			}
		case definition.TriggerSchedule:
			if _, err := cron.ParseStandard(spec.Schedule); err != nil {
				return fmt.Errorf("definition %s: invalid schedule %q: %w", def.Ref, spec.Schedule, err)
			}
		default:
			return fmt.Errorf("definition %s: unknown trigger kind %q", def.Ref, spec.Kind)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, spec := range def.Triggers {
		switch spec.Kind {
		case definition.TriggerEvent:
			if !containsRef(r.events[spec.Event], def.Ref) {
				r.events[spec.Event] = append(r.events[spec.Event], def.Ref)
			}
			r.logger.Info("Bound event trigger",
				zap.String("definition", def.Ref),
				zap.String("event", spec.Event))
		case definition.TriggerSchedule:
			ref, expr := def.Ref, spec.Schedule
			entryID, err := r.cron.AddFunc(expr, func() {
				r.fireSchedule(ref, expr)
			})
			if err != nil {
				// Already validated above; treat as a registration bug.
				return fmt.Errorf("definition %s: failed to register schedule %q: %w", def.Ref, expr, err)
			}
			r.schedules[def.Ref] = append(r.schedules[def.Ref], entryID)
			r.logger.Info("Bound schedule trigger",
				zap.String("definition", def.Ref),
				zap.String("schedule", expr))
		}
	}

	return nil
}

// Unbind removes all event subscriptions and schedules for the definition.
func (r *Registry) Unbind(definitionRef string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for event, refs := range r.events {
		filtered := refs[:0]
		for _, ref := range refs {
			if ref != definitionRef {
				filtered = append(filtered, ref)
			}
		}
		if len(filtered) == 0 {
			delete(r.events, event)
		} else {
			r.events[event] = filtered
		}
	}

	for _, entryID := range r.schedules[definitionRef] {
		r.cron.Remove(entryID)
	}
	delete(r.schedules, definitionRef)
}

// FireEvent starts every definition subscribed to the named event, passing
// the payload as instance inputs. It returns the ids of the instances that
// started; a failure to start one subscriber does not prevent the others.
func (r *Registry) FireEvent(ctx context.Context, event string, payload map[string]interface{}) ([]string, error) {
	r.mu.RLock()
	refs := make([]string, len(r.events[event]))
	copy(refs, r.events[event])
	r.mu.RUnlock()

	provenance := EventProvenance(event)
	instanceIDs := make([]string, 0, len(refs))
	var errs []error

	for _, ref := range refs {
		id, err := r.starter.StartTriggered(ctx, ref, payload, "event", provenance)
		if err != nil {
			r.logger.Error("Failed to start event-triggered instance",
				zap.String("event", event),
				zap.String("definition", ref),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("definition %s: %w", ref, err))
			continue
		}
		r.logger.Info("Started event-triggered instance",
			zap.String("event", event),
			zap.String("definition", ref),
			zap.String("instanceID", id))
		instanceIDs = append(instanceIDs, id)
	}

	return instanceIDs, errors.Join(errs...)
}

// Subscribers returns the definitions subscribed to the named event.
func (r *Registry) Subscribers(event string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	refs := make([]string, len(r.events[event]))
	copy(refs, r.events[event])
	return refs
}

// Start begins running the cron scheduler in its own goroutine.
func (r *Registry) Start() {
	r.cron.Start()
	r.logger.Info("Trigger scheduler started")
}

// Stop stops the cron scheduler and waits for any running jobs to finish or
// the context to be cancelled.
func (r *Registry) Stop(ctx context.Context) {
	stopped := r.cron.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
	}
	r.logger.Info("Trigger scheduler stopped")
}

// fireSchedule runs when a cron entry comes due.
func (r *Registry) fireSchedule(definitionRef, expr string) {
	id, err := r.starter.StartTriggered(context.Background(), definitionRef, nil,
		"scheduler", ScheduleProvenance(expr))
	if err != nil {
		r.logger.Error("Failed to start scheduled instance",
			zap.String("definition", definitionRef),
			zap.String("schedule", expr),
			zap.Error(err))
		return
	}
	r.logger.Info("Started scheduled instance",
		zap.String("definition", definitionRef),
		zap.String("schedule", expr),
		zap.String("instanceID", id))
}

func containsRef(refs []string, ref string) bool {
	for _, r := range refs {
		if r == ref {
			return true
		}
	}
	return false
}
