// Package script embeds an ECMAScript evaluator for rule filter/extract
// predicates, using github.com/dop251/goja — a pure-Go engine that
// supports the non-reentrant, per-invocation interruption the design
// notes require, without cgo.
package script

import (
	"fmt"
	"runtime"
	"time"

	"github.com/dop251/goja"

	"github.com/go-laika/laika/pkg/laika/laikaerr"
)

// Limits bounds a single script invocation's resource usage.
type Limits struct {
	// Timeout is the wall-clock budget for one invocation. Default 50ms.
	Timeout time.Duration
	// MaxMemoryBytes interrupts the invocation once process heap growth
	// since it started exceeds this value. Default 16MiB.
	MaxMemoryBytes uint64
}

// DefaultLimits is the per-invocation resource budget applied when a
// limit is left zero.
var DefaultLimits = Limits{
	Timeout:        50 * time.Millisecond,
	MaxMemoryBytes: 16 * 1024 * 1024,
}

// errMemoryLimit is the interrupt value the heap watchdog passes to
// goja.Runtime.Interrupt, letting Run tell an OOM interruption apart from
// a timeout one.
var errMemoryLimit = fmt.Errorf("script memory limit exceeded")

// Compiled is a rule's filter_extract source, parsed once at configuration
// load and reused across every invocation. One compiled program is shared
// across workers; each invocation gets its own goja.Runtime (the engine is
// not safe for concurrent reentrant use, so the Runtime itself is never
// shared).
type Compiled struct {
	ruleID string
	prog   *goja.Program
}

// Compile parses source once. Returns a ScriptError with Phase "compile"
// on a syntax error, which is fatal at configuration load.
func Compile(ruleID, source string) (*Compiled, error) {
	prog, err := goja.Compile(ruleID, source, true)
	if err != nil {
		return nil, &laikaerr.ScriptError{RuleID: ruleID, Phase: "compile", Err: err}
	}
	return &Compiled{ruleID: ruleID, prog: prog}, nil
}

// Run executes the compiled script with trigger and ctx bound as the two
// arguments, plus the helper bindings (duration, minutes, hours, seconds,
// now). Returns (nil, nil) when the script evaluates to null/undefined,
// meaning "do not fire". A thrown exception, timeout, or memory-limit
// violation is surfaced as a *laikaerr.ScriptError and also means
// "do not fire".
func (c *Compiled) Run(limits Limits, trigger, ctx any) (any, error) {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	installHelpers(vm)

	if limits.Timeout <= 0 {
		limits.Timeout = DefaultLimits.Timeout
	}
	if limits.MaxMemoryBytes == 0 {
		limits.MaxMemoryBytes = DefaultLimits.MaxMemoryBytes
	}

	stopGuard := guardLimits(vm, c.ruleID, limits)
	defer stopGuard()

	if err := vm.Set("trigger", vm.ToValue(trigger)); err != nil {
		return nil, &laikaerr.ScriptError{RuleID: c.ruleID, Phase: "run", Err: err}
	}
	if err := vm.Set("ctx", vm.ToValue(ctx)); err != nil {
		return nil, &laikaerr.ScriptError{RuleID: c.ruleID, Phase: "run", Err: err}
	}

	v, err := vm.RunProgram(c.prog)
	if err != nil {
		if ie, ok := err.(*goja.InterruptedError); ok {
			if ie.Value() == errMemoryLimit {
				return nil, &laikaerr.ScriptError{RuleID: c.ruleID, Phase: "oom", Err: errMemoryLimit}
			}
			return nil, &laikaerr.ScriptError{RuleID: c.ruleID, Phase: "timeout", Err: fmt.Errorf("%v", ie.Value())}
		}
		return nil, &laikaerr.ScriptError{RuleID: c.ruleID, Phase: "run", Err: err}
	}

	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}

	return v.Export(), nil
}

// guardLimits starts the per-invocation watchdog: a hard Interrupt at the
// wall-clock deadline, plus a heap-growth sampler that interrupts once
// allocation since invocation start exceeds the memory budget. goja has no
// per-runtime heap accounting, so the sampler reads process allocation
// totals — an approximation, but scripts run one at a time per worker and
// their budget is far below any steady-state allocation rate the engine
// itself produces inside one 50ms window. Returns a func that stops both.
func guardLimits(vm *goja.Runtime, ruleID string, limits Limits) func() {
	deadline := time.AfterFunc(limits.Timeout, func() {
		vm.Interrupt(fmt.Sprintf("rule %s: script exceeded %s", ruleID, limits.Timeout))
	})

	var baseline runtime.MemStats
	runtime.ReadMemStats(&baseline)

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				var now runtime.MemStats
				runtime.ReadMemStats(&now)
				if now.TotalAlloc-baseline.TotalAlloc > limits.MaxMemoryBytes {
					vm.Interrupt(errMemoryLimit)
					return
				}
			}
		}
	}()

	return func() {
		deadline.Stop()
		close(done)
	}
}

// installHelpers binds the helper functions every script sees.
func installHelpers(vm *goja.Runtime) {
	must := func(name string, fn func(goja.FunctionCall) goja.Value) {
		_ = vm.Set(name, fn)
	}

	must("duration", func(call goja.FunctionCall) goja.Value {
		a := call.Argument(0).ToInteger()
		b := call.Argument(1).ToInteger()
		return vm.ToValue(b - a)
	})
	must("minutes", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(call.Argument(0).ToInteger() * int64(time.Minute/time.Millisecond))
	})
	must("hours", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(call.Argument(0).ToInteger() * int64(time.Hour/time.Millisecond))
	})
	must("seconds", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(call.Argument(0).ToInteger() * int64(time.Second/time.Millisecond))
	})
	must("now", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(time.Now().UnixMilli())
	})
}

// EvalExpr evaluates a sole-expression string (a template's "${{ expr }}"
// content) against the projection root scope, binding every top-level
// projection key (trigger/events/meta included) as a global.
func EvalExpr(expr string, projection map[string]any) (v any, err error) {
	vm := goja.New()
	installHelpers(vm)

	for k, val := range projection {
		if setErr := vm.Set(k, val); setErr != nil {
			return nil, setErr
		}
	}

	deadline := time.AfterFunc(DefaultLimits.Timeout, func() {
		vm.Interrupt("template expression exceeded time budget")
	})
	defer deadline.Stop()

	result, runErr := vm.RunString(expr)
	if runErr != nil {
		return nil, runErr
	}
	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		return nil, nil
	}
	return result.Export(), nil
}
