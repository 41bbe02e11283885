// Package condition evaluates step condition expressions against a process
// variable snapshot. Expressions are JavaScript boolean expressions run on
// a sandboxed goja runtime with dangerous globals removed, a compiled
// program cache, and an interrupt-based evaluation timeout.
package condition

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja/ast"
	"github.com/dop251/goja/parser"
)

// DefaultTimeout bounds a single expression evaluation.
const DefaultTimeout = 250 * time.Millisecond

// jsKeywords are identifiers that are part of the language, not variables.
var jsKeywords = map[string]bool{
	"true": true, "false": true, "null": true, "undefined": true,
	"typeof": true, "instanceof": true, "in": true, "new": true,
	"if": true, "else": true, "return": true, "var": true, "let": true,
	"const": true, "function": true, "this": true, "void": true,
	"delete": true, "do": true, "while": true, "for": true, "switch": true,
	"case": true, "break": true, "continue": true, "default": true,
	"throw": true, "try": true, "catch": true, "finally": true,
}

// allowedGlobals are runtime globals an expression may use without them
// counting as process variables.
var allowedGlobals = map[string]bool{
	"Math": true, "JSON": true, "String": true, "Number": true,
	"Boolean": true, "Array": true, "Object": true, "Date": true,
	"parseInt": true, "parseFloat": true, "isNaN": true, "isFinite": true,
	"NaN": true, "Infinity": true,
}

// removedGlobals are stripped from every runtime before evaluation.
var removedGlobals = []string{
	"eval", "Function", "require", "module", "exports", "process",
	"global", "globalThis", "setTimeout", "setInterval",
}

// Evaluator compiles and evaluates condition expressions. It is safe for
// concurrent use; compiled programs are cached by source.
type Evaluator struct {
	mu      sync.RWMutex
	cache   map[string]*goja.Program
	timeout time.Duration
}

// NewEvaluator creates an evaluator with the default evaluation timeout.
func NewEvaluator() *Evaluator {
	return &Evaluator{
		cache:   make(map[string]*goja.Program),
		timeout: DefaultTimeout,
	}
}

// NewEvaluatorWithTimeout creates an evaluator with a custom per-expression
// timeout.
func NewEvaluatorWithTimeout(timeout time.Duration) *Evaluator {
	e := NewEvaluator()
	if timeout > 0 {
		e.timeout = timeout
	}
	return e
}

// Validate compiles an expression and returns the process variable names it
// references. Used by the definition compiler to reject conditions that
// reference undeclared variables. Validation is deterministic: identifiers
// are returned in first-appearance order.
func (e *Evaluator) Validate(expr string) ([]string, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, fmt.Errorf("condition expression cannot be empty")
	}
	if _, err := e.compile(expr); err != nil {
		return nil, err
	}
	return identifiers(expr), nil
}

// Eval evaluates an expression against a variable snapshot and coerces the
// result to a boolean using JavaScript truthiness.
func (e *Evaluator) Eval(expr string, vars map[string]interface{}) (bool, error) {
	program, err := e.compile(expr)
	if err != nil {
		return false, err
	}

	vm := goja.New()
	for _, name := range removedGlobals {
		if err := vm.Set(name, goja.Undefined()); err != nil {
			return false, fmt.Errorf("failed to sandbox runtime: %w", err)
		}
	}
	for name, value := range vars {
		if err := vm.Set(name, value); err != nil {
			return false, fmt.Errorf("failed to bind variable %q: %w", name, err)
		}
	}

	timer := time.AfterFunc(e.timeout, func() {
		vm.Interrupt("condition evaluation timed out")
	})
	defer timer.Stop()

	value, err := vm.RunProgram(program)
	if err != nil {
		var interrupted *goja.InterruptedError
		if ok := asGojaInterrupt(err, &interrupted); ok {
			return false, fmt.Errorf("condition %q timed out after %s", expr, e.timeout)
		}
		return false, fmt.Errorf("condition %q failed: %w", expr, err)
	}

	return value.ToBoolean(), nil
}

// compile returns a cached program for the expression, compiling on miss.
func (e *Evaluator) compile(expr string) (*goja.Program, error) {
	e.mu.RLock()
	program, ok := e.cache[expr]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	program, err := goja.Compile("condition", expr, true)
	if err != nil {
		return nil, fmt.Errorf("invalid condition expression %q: %w", expr, err)
	}

	e.mu.Lock()
	e.cache[expr] = program
	e.mu.Unlock()
	return program, nil
}

func asGojaInterrupt(err error, target **goja.InterruptedError) bool {
	if ie, ok := err.(*goja.InterruptedError); ok {
		*target = ie
		return true
	}
	return false
}

// identifiers walks the parsed syntax tree of an expression and collects
// bare identifier references that would resolve to process variables.
// Property accesses, object keys, function parameters, literals and
// comments never produce identifiers. Order is first appearance in
// source.
func identifiers(expr string) []string {
	program, err := parser.ParseFile(nil, "condition", expr, 0)
	if err != nil {
		return nil
	}
	c := &identifierCollector{seen: map[string]bool{}, bound: map[string]int{}}
	for _, stmt := range program.Body {
		c.stmt(stmt)
	}
	return c.out
}

// identifierCollector accumulates free identifier references in source
// order. bound tracks function parameters currently in scope so they are
// not reported as process variables.
type identifierCollector struct {
	out   []string
	seen  map[string]bool
	bound map[string]int
}

func (c *identifierCollector) add(name string) {
	if name == "" || jsKeywords[name] || allowedGlobals[name] {
		return
	}
	if c.bound[name] > 0 || c.seen[name] {
		return
	}
	c.seen[name] = true
	c.out = append(c.out, name)
}

func (c *identifierCollector) stmt(s ast.Statement) {
	switch n := s.(type) {
	case *ast.ExpressionStatement:
		c.expr(n.Expression)
	case *ast.BlockStatement:
		for _, inner := range n.List {
			c.stmt(inner)
		}
	case *ast.ReturnStatement:
		c.expr(n.Argument)
	case *ast.IfStatement:
		c.expr(n.Test)
		c.stmt(n.Consequent)
		if n.Alternate != nil {
			c.stmt(n.Alternate)
		}
	}
}

func (c *identifierCollector) expr(e ast.Expression) {
	switch n := e.(type) {
	case nil:
	case *ast.Identifier:
		c.add(n.Name.String())
	case *ast.DotExpression:
		c.expr(n.Left)
	case *ast.PrivateDotExpression:
		c.expr(n.Left)
	case *ast.BracketExpression:
		c.expr(n.Left)
		c.expr(n.Member)
	case *ast.BinaryExpression:
		c.expr(n.Left)
		c.expr(n.Right)
	case *ast.AssignExpression:
		c.expr(n.Left)
		c.expr(n.Right)
	case *ast.UnaryExpression:
		c.expr(n.Operand)
	case *ast.ConditionalExpression:
		c.expr(n.Test)
		c.expr(n.Consequent)
		c.expr(n.Alternate)
	case *ast.CallExpression:
		c.expr(n.Callee)
		for _, arg := range n.ArgumentList {
			c.expr(arg)
		}
	case *ast.NewExpression:
		c.expr(n.Callee)
		for _, arg := range n.ArgumentList {
			c.expr(arg)
		}
	case *ast.SequenceExpression:
		for _, inner := range n.Sequence {
			c.expr(inner)
		}
	case *ast.ArrayLiteral:
		for _, inner := range n.Value {
			c.expr(inner)
		}
	case *ast.ObjectLiteral:
		for _, prop := range n.Value {
			c.property(prop)
		}
	case *ast.SpreadElement:
		c.expr(n.Expression)
	case *ast.TemplateLiteral:
		c.expr(n.Tag)
		for _, inner := range n.Expressions {
			c.expr(inner)
		}
	case *ast.OptionalChain:
		c.expr(n.Expression)
	case *ast.Optional:
		c.expr(n.Expression)
	case *ast.ArrowFunctionLiteral:
		params := paramNames(n.ParameterList)
		c.pushScope(params)
		switch body := n.Body.(type) {
		case *ast.ExpressionBody:
			c.expr(body.Expression)
		case *ast.BlockStatement:
			c.stmt(body)
		}
		c.popScope(params)
	case *ast.FunctionLiteral:
		params := paramNames(n.ParameterList)
		c.pushScope(params)
		c.stmt(n.Body)
		c.popScope(params)
	}
}

func (c *identifierCollector) property(p ast.Property) {
	switch n := p.(type) {
	case *ast.PropertyShort:
		c.add(n.Name.Name.String())
		c.expr(n.Initializer)
	case *ast.PropertyKeyed:
		if n.Computed {
			c.expr(n.Key)
		}
		c.expr(n.Value)
	case *ast.SpreadElement:
		c.expr(n.Expression)
	}
}

func paramNames(list *ast.ParameterList) []string {
	if list == nil {
		return nil
	}
	names := make([]string, 0, len(list.List))
	for _, binding := range list.List {
		if id, ok := binding.Target.(*ast.Identifier); ok {
			names = append(names, id.Name.String())
		}
	}
	return names
}

func (c *identifierCollector) pushScope(names []string) {
	for _, name := range names {
		c.bound[name]++
	}
}

func (c *identifierCollector) popScope(names []string) {
	for _, name := range names {
		c.bound[name]--
	}
}
