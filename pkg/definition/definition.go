// Package definition models process definitions and compiles their
// declarative step lists into executable step graphs. A definition is
// immutable once compiled; registration is all-or-nothing, so a definition
// error can never leave a partially registered process behind.
package definition

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/wehubfusion/Daedalus/pkg/retry"
	"github.com/wehubfusion/Daedalus/pkg/variables"
)

// OnError selects how an exhausted step failure is resolved.
type OnError string

const (
	// OnErrorFail fails the instance, recording the full causal chain.
	OnErrorFail OnError = "fail"

	// OnErrorSkip records the failure but advances as if skipped.
	OnErrorSkip OnError = "skip"

	// gotoPrefix marks a jump policy of the form "goto:<step>".
	gotoPrefix = "goto:"
)

// GotoTarget returns the jump target when the policy is "goto:<step>".
func (o OnError) GotoTarget() (string, bool) {
	if strings.HasPrefix(string(o), gotoPrefix) {
		return strings.TrimPrefix(string(o), gotoPrefix), true
	}
	return "", false
}

// Valid reports whether the policy is one of fail, skip or goto:<step>.
func (o OnError) Valid() bool {
	if o == "" || o == OnErrorFail || o == OnErrorSkip {
		return true
	}
	target, ok := o.GotoTarget()
	return ok && target != ""
}

// TriggerKind classifies how a process start is initiated.
type TriggerKind string

const (
	TriggerManual   TriggerKind = "manual"
	TriggerEvent    TriggerKind = "event"
	TriggerSchedule TriggerKind = "schedule"
)

// TriggerSpec declares one way a definition may be started. Event triggers
// subscribe the definition to a named event; schedule triggers run it on a
// cron expression.
type TriggerSpec struct {
	Kind     TriggerKind `json:"kind"`
	Event    string      `json:"event,omitempty"`
	Schedule string      `json:"schedule,omitempty"`
}

// Step is a single unit of orchestrated work wrapping one target
// invocation.
type Step struct {
	// Name uniquely identifies the step within its definition
	Name string `json:"name"`

	// Target is the opaque reference of the business-logic unit to invoke
	Target string `json:"target"`

	// RetryCount is the number of retries after the first attempt
	RetryCount int `json:"retryCount,omitempty"`

	// RetryDelay is the base delay between attempts
	RetryDelay time.Duration `json:"retryDelay,omitempty"`

	// Backoff selects fixed (default) or exponential retry delay growth
	Backoff retry.Backoff `json:"backoff,omitempty"`

	// MaxRetryDelay caps exponential backoff; zero means uncapped
	MaxRetryDelay time.Duration `json:"maxRetryDelay,omitempty"`

	// Timeout bounds a single attempt; zero uses the engine default
	Timeout time.Duration `json:"timeout,omitempty"`

	// OnError resolves an exhausted failure: fail (default), skip, or
	// goto:<step>
	OnError OnError `json:"onError,omitempty"`

	// OnSuccess overrides the sequential next pointer after success
	OnSuccess string `json:"onSuccess,omitempty"`

	// Condition is a boolean expression gating execution; empty always runs
	Condition string `json:"condition,omitempty"`

	// InputMapping maps target parameter names to variable names, instance
	// input names, or literals prefixed with "=".
	InputMapping map[string]string `json:"inputMapping,omitempty"`

	// OutputMapping maps target output names to variable names
	OutputMapping map[string]string `json:"outputMapping,omitempty"`

	// OutputVisibility tags variables written by OutputMapping; unlisted
	// variables default to logged
	OutputVisibility map[string]variables.Visibility `json:"outputVisibility,omitempty"`

	// FireAndForget dispatches the step detached: the engine does not wait
	// for its result before advancing
	FireAndForget bool `json:"fireAndForget,omitempty"`

	// CaptureIO opts the step into persisting resolved inputs and outputs
	// in the step log (masked per visibility)
	CaptureIO bool `json:"captureIO,omitempty"`
}

// RetryPolicy derives the step's retry policy.
func (s *Step) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxRetries: s.RetryCount,
		Delay:      s.RetryDelay,
		Backoff:    s.Backoff,
		MaxDelay:   s.MaxRetryDelay,
	}
}

// ParallelGroup is an ordered set of steps dispatched concurrently with a
// barrier-style join: the group completes only when every member reached a
// terminal per-step state.
type ParallelGroup struct {
	// Name uniquely identifies the group within its definition
	Name string `json:"name"`

	// Members are the steps dispatched concurrently
	Members []Step `json:"members"`
}

// StepNode is the closed sum of Step and ParallelGroup. The executor
// pattern-matches on the concrete type; no other implementations exist.
type StepNode interface {
	// NodeName returns the step or group name
	NodeName() string

	// sealed prevents implementations outside this package
	sealed()
}

func (s *Step) NodeName() string          { return s.Name }
func (s *Step) sealed()                   {}
func (g *ParallelGroup) NodeName() string { return g.Name }
func (g *ParallelGroup) sealed()          {}

var (
	_ StepNode = (*Step)(nil)
	_ StepNode = (*ParallelGroup)(nil)
)

// ProcessDefinition is an immutable, compiled-from-source process: a named
// list of step nodes plus triggers and metadata. Identified by a
// fully-qualified reference string; never mutated at runtime.
type ProcessDefinition struct {
	// Ref is the fully-qualified reference, e.g. "crm/onboard_customer"
	Ref string `json:"ref"`

	// Name is the human-readable process name
	Name string `json:"name"`

	// Parameters are the declared input parameter names
	Parameters []string `json:"parameters,omitempty"`

	// Nodes is the ordered list of steps and parallel groups
	Nodes []StepNode `json:"-"`

	// Triggers declare how instances of this definition may start
	Triggers []TriggerSpec `json:"triggers,omitempty"`

	// Timeout bounds a whole instance run; zero means unbounded
	Timeout time.Duration `json:"timeout,omitempty"`

	// DisplayName is a template rendered against instance inputs, e.g.
	// "Onboarding {{customer_id}}"
	DisplayName string `json:"displayName,omitempty"`
}

var displayNameVar = regexp.MustCompile(`\{\{\s*([A-Za-z_$][A-Za-z0-9_$]*)\s*\}\}`)

// RenderDisplayName substitutes {{param}} placeholders in the definition's
// display-name template with instance input values. Unknown placeholders
// render empty.
func (d *ProcessDefinition) RenderDisplayName(inputs map[string]interface{}) string {
	if d.DisplayName == "" {
		return d.Name
	}
	return displayNameVar.ReplaceAllStringFunc(d.DisplayName, func(match string) string {
		name := displayNameVar.FindStringSubmatch(match)[1]
		if value, ok := inputs[name]; ok {
			return fmt.Sprintf("%v", value)
		}
		return ""
	})
}
