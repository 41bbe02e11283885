package definition

import (
	"fmt"

	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

// ConditionValidator checks a condition expression at compile time and
// returns the variable names it references. Implemented by the condition
// evaluator; accepted as an interface so the compiler stays independent of
// the expression runtime.
type ConditionValidator interface {
	Validate(expr string) ([]string, error)
}

// Node is one compiled graph node: exactly one of Step or Group is set.
// Next is the name of the node executed after this one completes, or empty
// when the node is the last. A parallel group has a single join point: its
// Next.
type Node struct {
	Step  *Step
	Group *ParallelGroup
	Next  string
}

// Graph is the compiled, executable form of a process definition. Node
// lookup is by name; Order preserves declaration order so compilation is
// deterministic: the same definition always yields the same graph.
type Graph struct {
	Definition *ProcessDefinition
	Entry      string
	Nodes      map[string]*Node
	Order      []string
}

// Node returns the compiled node with the given name.
func (g *Graph) Node(name string) (*Node, bool) {
	n, ok := g.Nodes[name]
	return n, ok
}

// Compiler turns declarative node lists into executable step graphs.
type Compiler struct {
	conditions ConditionValidator
}

// NewCompiler creates a compiler using the given condition validator.
func NewCompiler(conditions ConditionValidator) *Compiler {
	return &Compiler{conditions: conditions}
}

// Compile validates a definition and produces its step graph. It rejects
// definitions with duplicate names, invalid policies, dangling branch
// targets, unreachable nodes, or conditions referencing undeclared
// variables. On error nothing is registered anywhere: compilation has no
// side effects.
func (c *Compiler) Compile(def *ProcessDefinition) (*Graph, error) {
	if def == nil {
		return nil, sdkerrors.NewDefinitionError("", "", "definition cannot be nil", nil)
	}
	if def.Ref == "" {
		return nil, sdkerrors.NewDefinitionError("", "", "definition reference cannot be empty", nil)
	}
	if len(def.Nodes) == 0 {
		return nil, sdkerrors.NewDefinitionError(def.Ref, "", "definition has no steps", nil)
	}

	// All step and group names share one namespace so that step records are
	// unambiguous per instance.
	names := make(map[string]bool)
	declareName := func(name string) error {
		if name == "" {
			return sdkerrors.NewDefinitionError(def.Ref, "", "node name cannot be empty", nil)
		}
		if names[name] {
			return sdkerrors.NewDefinitionError(def.Ref, name, "duplicate node name", nil)
		}
		names[name] = true
		return nil
	}

	for _, node := range def.Nodes {
		switch n := node.(type) {
		case *Step:
			if err := declareName(n.Name); err != nil {
				return nil, err
			}
			if err := c.validateStep(def.Ref, n, false); err != nil {
				return nil, err
			}
		case *ParallelGroup:
			if err := declareName(n.Name); err != nil {
				return nil, err
			}
			if len(n.Members) == 0 {
				return nil, sdkerrors.NewDefinitionError(def.Ref, n.Name, "parallel group has no members", nil)
			}
			for i := range n.Members {
				member := &n.Members[i]
				if err := declareName(member.Name); err != nil {
					return nil, err
				}
				if err := c.validateStep(def.Ref, member, true); err != nil {
					return nil, err
				}
			}
		default:
			return nil, sdkerrors.NewDefinitionError(def.Ref, node.NodeName(), "unknown node type", nil)
		}
	}

	// Branch targets must name top-level nodes.
	topLevel := make(map[string]bool, len(def.Nodes))
	for _, node := range def.Nodes {
		topLevel[node.NodeName()] = true
	}
	checkTarget := func(from, target, what string) error {
		if !topLevel[target] {
			return sdkerrors.NewDefinitionError(def.Ref, from,
				fmt.Sprintf("%s target %q does not name a top-level node", what, target), nil)
		}
		return nil
	}
	for _, node := range def.Nodes {
		step, ok := node.(*Step)
		if !ok {
			continue
		}
		if step.OnSuccess != "" {
			if err := checkTarget(step.Name, step.OnSuccess, "on-success"); err != nil {
				return nil, err
			}
		}
		if target, isGoto := step.OnError.GotoTarget(); isGoto {
			if err := checkTarget(step.Name, target, "on-error goto"); err != nil {
				return nil, err
			}
		}
	}

	// Conditions may only reference declared parameters or variables
	// produced by an earlier node's output mapping, walked in declared
	// order.
	declared := make(map[string]bool, len(def.Parameters))
	for _, p := range def.Parameters {
		declared[p] = true
	}
	declareOutputs := func(step *Step) {
		for _, varName := range step.OutputMapping {
			declared[varName] = true
		}
	}
	for _, node := range def.Nodes {
		switch n := node.(type) {
		case *Step:
			if err := c.validateCondition(def.Ref, n, declared); err != nil {
				return nil, err
			}
			declareOutputs(n)
		case *ParallelGroup:
			// Members see the variables available at group entry; sibling
			// outputs are not visible until the join barrier.
			for i := range n.Members {
				if err := c.validateCondition(def.Ref, &n.Members[i], declared); err != nil {
					return nil, err
				}
			}
			for i := range n.Members {
				declareOutputs(&n.Members[i])
			}
		}
	}

	// Build the graph: sequential next pointers in declared order.
	graph := &Graph{
		Definition: def,
		Entry:      def.Nodes[0].NodeName(),
		Nodes:      make(map[string]*Node, len(def.Nodes)),
		Order:      make([]string, 0, len(def.Nodes)),
	}
	for i, node := range def.Nodes {
		next := ""
		if i+1 < len(def.Nodes) {
			next = def.Nodes[i+1].NodeName()
		}
		compiled := &Node{Next: next}
		switch n := node.(type) {
		case *Step:
			compiled.Step = n
		case *ParallelGroup:
			compiled.Group = n
		}
		graph.Nodes[node.NodeName()] = compiled
		graph.Order = append(graph.Order, node.NodeName())
	}

	if err := c.checkReachability(def.Ref, graph); err != nil {
		return nil, err
	}

	return graph, nil
}

// validateStep checks per-step configuration. Parallel group members may
// not use on-success branches or goto error policies: a jump out of a
// running group has no defined join semantics.
func (c *Compiler) validateStep(ref string, step *Step, member bool) error {
	if step.Target == "" {
		return sdkerrors.NewDefinitionError(ref, step.Name, "step target cannot be empty", nil)
	}
	if step.RetryCount < 0 {
		return sdkerrors.NewDefinitionError(ref, step.Name, "retry count cannot be negative", nil)
	}
	if !step.OnError.Valid() {
		return sdkerrors.NewDefinitionError(ref, step.Name,
			fmt.Sprintf("invalid on-error policy %q", step.OnError), nil)
	}
	if member {
		if step.OnSuccess != "" {
			return sdkerrors.NewDefinitionError(ref, step.Name,
				"parallel group members cannot use on-success branches", nil)
		}
		if _, isGoto := step.OnError.GotoTarget(); isGoto {
			return sdkerrors.NewDefinitionError(ref, step.Name,
				"parallel group members cannot use goto error policies", nil)
		}
	}
	return nil
}

// validateCondition compiles the step's condition and checks every
// referenced variable is declared at this point in the walk.
func (c *Compiler) validateCondition(ref string, step *Step, declared map[string]bool) error {
	if step.Condition == "" {
		return nil
	}
	vars, err := c.conditions.Validate(step.Condition)
	if err != nil {
		return sdkerrors.NewDefinitionError(ref, step.Name, "invalid condition expression", err)
	}
	for _, name := range vars {
		if !declared[name] {
			return sdkerrors.NewDefinitionError(ref, step.Name,
				fmt.Sprintf("condition references undeclared variable %q", name), nil)
		}
	}
	return nil
}

// checkReachability walks the graph from the entry node following next,
// on-success and goto edges, and rejects any node left unreachable.
func (c *Compiler) checkReachability(ref string, graph *Graph) error {
	visited := make(map[string]bool, len(graph.Nodes))
	queue := []string{graph.Entry}
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if visited[name] {
			continue
		}
		visited[name] = true

		node := graph.Nodes[name]
		// The sequential next stays an edge even when on-success branches
		// away: condition-false skips and on-error skips follow it at
		// runtime.
		if node.Next != "" {
			queue = append(queue, node.Next)
		}
		if node.Step != nil {
			if node.Step.OnSuccess != "" {
				queue = append(queue, node.Step.OnSuccess)
			}
			if target, isGoto := node.Step.OnError.GotoTarget(); isGoto {
				queue = append(queue, target)
			}
		}
	}

	for _, name := range graph.Order {
		if !visited[name] {
			return sdkerrors.NewDefinitionError(ref, name, "node is unreachable", nil)
		}
	}
	return nil
}
