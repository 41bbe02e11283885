package engine

import "strings"

// HandleKind classifies what a target reference resolves to.
type HandleKind string

const (
	// HandleRule is an opaque business-logic unit invoked through the
	// dispatcher.
	HandleRule HandleKind = "rule"

	// HandleProcess is another process definition run as a sub-process.
	HandleProcess HandleKind = "process"
)

// Handle is the typed result of resolving a step target.
type Handle struct {
	Kind HandleKind

	// TargetRef is the reference passed to the dispatcher for rule handles.
	TargetRef string

	// DefinitionRef is the definition started for process handles.
	DefinitionRef string
}

// Resolver turns a step's target reference into a typed handle. It replaces
// any global target lookup: the engine only ever resolves through the
// injected resolver.
type Resolver interface {
	Resolve(targetRef string) (Handle, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(targetRef string) (Handle, error)

func (f ResolverFunc) Resolve(targetRef string) (Handle, error) {
	return f(targetRef)
}

// RuleResolver is the default resolver: targets of the form
// "process:<ref>" resolve to sub-process handles, everything else to rule
// handles passed through unchanged.
type RuleResolver struct{}

func (RuleResolver) Resolve(targetRef string) (Handle, error) {
	if ref, ok := strings.CutPrefix(targetRef, "process:"); ok {
		return Handle{Kind: HandleProcess, DefinitionRef: ref}, nil
	}
	return Handle{Kind: HandleRule, TargetRef: targetRef}, nil
}
