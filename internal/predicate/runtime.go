package predicate

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

const (
	// DefaultBudget is the wall-clock limit for a single evaluation.
	DefaultBudget = 250 * time.Millisecond

	// filterSymbol is the function a predicate must define.
	filterSymbol = "Filter"
)

var (
	// ErrPredicateTimeout means the evaluation exceeded its budget.
	ErrPredicateTimeout = errors.New("predicate: evaluation timed out")
	// ErrPredicateThrew means the code failed to compile, returned a
	// runtime error, or panicked inside the interpreter.
	ErrPredicateThrew = errors.New("predicate: evaluation failed")
)

// preamble is evaluated before user code so the sandbox packages resolve
// without the code carrying its own import block.
const preamble = `import (
	"fmt"
	"math"
	"sort"
	"strings"

	"ind"
	"screener"
)`

// invocation calls the user-defined filter against the frozen context.
const invocation = filterSymbol + `(screener.Ctx())`

// allowedStdlib is the subset of the interpreter's standard library a
// predicate may import. No I/O, no os, no net, no reflection.
// math/bits must be bound: when fmt is present, yaegi's Use compiles its
// generic slices wrappers, whose source imports math/bits.
var allowedStdlib = []string{
	"fmt/fmt",
	"math/bits/bits",
	"math/math",
	"sort/sort",
	"strings/strings",
}

// Result is the outcome of one evaluation.
type Result struct {
	Matched bool
	Elapsed time.Duration
	Err     error
}

// Runtime evaluates predicate code in a throwaway interpreter per call.
// Nothing is shared between evaluations, so a broken predicate cannot
// poison the next one.
type Runtime struct {
	budget     time.Duration
	stdSymbols interp.Exports
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithBudget overrides the per-evaluation wall-clock limit.
func WithBudget(d time.Duration) Option {
	return func(r *Runtime) {
		if d > 0 {
			r.budget = d
		}
	}
}

// NewRuntime creates a Runtime with the restricted symbol table prebuilt.
func NewRuntime(opts ...Option) *Runtime {
	r := &Runtime{
		budget:     DefaultBudget,
		stdSymbols: restrictedStdlib(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Budget returns the configured per-evaluation limit.
func (r *Runtime) Budget() time.Duration {
	return r.budget
}

// Evaluate runs code against in and reports whether the filter matched.
// The code must define `func Filter(ctx *screener.Context) bool`. The
// context data handed to the interpreter is a deep copy; predicates can
// mutate it freely without touching live market state. Cancellation of
// ctx aborts the evaluation and surfaces ctx.Err() unclassified.
func (r *Runtime) Evaluate(ctx context.Context, code string, in *Context) Result {
	start := time.Now()

	evalCtx, cancel := context.WithTimeout(ctx, r.budget)
	defer cancel()

	matched, err := r.run(evalCtx, code, in)
	elapsed := time.Since(start)

	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			err = fmt.Errorf("%w after %s", ErrPredicateTimeout, elapsed.Round(time.Millisecond))
		case errors.Is(err, context.Canceled):
			// Caller-initiated, not a predicate failure.
		default:
			err = fmt.Errorf("%w: %v", ErrPredicateThrew, err)
		}
		return Result{Elapsed: elapsed, Err: err}
	}
	return Result{Matched: matched, Elapsed: elapsed}
}

// Validate compiles code in a sandbox and checks the filter contract. It
// is called at trader registration so broken code is rejected before it
// ever reaches the hot path.
func (r *Runtime) Validate(code string) error {
	i, err := r.newInterpreter(&Context{})
	if err != nil {
		return err
	}
	if _, err := i.Eval(code); err != nil {
		return fmt.Errorf("compile: %w", err)
	}
	v, err := i.Eval(filterSymbol)
	if err != nil {
		return fmt.Errorf("code must define %s: %w", filterSymbol, err)
	}
	ft := v.Type()
	if ft.Kind() != reflect.Func ||
		ft.NumIn() != 1 || ft.In(0) != reflect.TypeOf((*Context)(nil)) ||
		ft.NumOut() != 1 || ft.Out(0).Kind() != reflect.Bool {
		return fmt.Errorf("%s must have signature func(ctx *screener.Context) bool, got %s", filterSymbol, ft)
	}
	return nil
}

// run executes one evaluation inside a recover shield. Interpreter
// panics at the host level are converted to errors here so classification
// stays in Evaluate.
func (r *Runtime) run(ctx context.Context, code string, in *Context) (matched bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("interpreter panic: %v", rec)
		}
	}()

	i, err := r.newInterpreter(in)
	if err != nil {
		return false, err
	}
	if _, err := i.EvalWithContext(ctx, code); err != nil {
		return false, err
	}
	v, err := i.EvalWithContext(ctx, invocation)
	if err != nil {
		return false, err
	}
	if !v.IsValid() || v.Kind() != reflect.Bool {
		return false, fmt.Errorf("%s returned %s, want bool", filterSymbol, v.Kind())
	}
	return v.Bool(), nil
}

// newInterpreter builds a fresh sandbox bound to a deep copy of in.
func (r *Runtime) newInterpreter(in *Context) (*interp.Interpreter, error) {
	i := interp.New(interp.Options{})
	if err := i.Use(r.stdSymbols); err != nil {
		return nil, fmt.Errorf("bind stdlib: %w", err)
	}

	frozen := in.clone()
	exports := interp.Exports{
		"screener/screener": {
			"Context": reflect.ValueOf((*Context)(nil)),
			"Ctx":     reflect.ValueOf(func() *Context { return frozen }),
		},
		"ind/ind": indicatorSymbols,
	}
	if err := i.Use(exports); err != nil {
		return nil, fmt.Errorf("bind sandbox symbols: %w", err)
	}
	if _, err := i.Eval(preamble); err != nil {
		return nil, fmt.Errorf("bind imports: %w", err)
	}
	return i, nil
}

func restrictedStdlib() interp.Exports {
	out := make(interp.Exports, len(allowedStdlib))
	for _, key := range allowedStdlib {
		if symbols, ok := stdlib.Symbols[key]; ok {
			out[key] = symbols
		}
	}
	return out
}
