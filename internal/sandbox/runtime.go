// Package sandbox runs client-supplied function expressions in one
// persistent goja interpreter. Bindings created by one eval survive into
// the next, the $results array accumulates across calls, and each call
// gets a fresh console whose output is captured and returned alongside
// the result.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/eventloop"

	"github.com/mcpman/mcpman/internal/surface"
)

// DefaultTimeout bounds one eval's wall-clock run.
const DefaultTimeout = 30 * time.Second

// ErrTimedOut marks an eval stopped by the wall-clock limit. The
// interpreter survives; $results is not appended.
var ErrTimedOut = errors.New("script timed out")

// ExecutionError carries a script failure: a thrown value or a syntax
// error at run time. An interrupted run reports ErrTimedOut instead.
// Message includes the stack when the thrown value had one.
type ExecutionError struct {
	Message string
}

func (e *ExecutionError) Error() string { return e.Message }

// Options configure the runtime.
type Options struct {
	Logger *slog.Logger
	// Globals supplies the script bindings. Called once on first use and
	// again on Refresh.
	Globals func(ctx context.Context) (*surface.Globals, error)
	Timeout time.Duration
}

// Result is one eval's outcome: the value the function returned and the
// joined console lines it printed.
type Result struct {
	Value  any
	Output string
}

// Runtime is the persistent sandbox. Construction is cheap; the
// interpreter starts on first Eval.
type Runtime struct {
	logger  *slog.Logger
	globals func(ctx context.Context) (*surface.Globals, error)
	timeout time.Duration

	// mu guards lifecycle state; evalMu serializes script runs.
	// AppendResult takes only mu, so it does not wait for an eval.
	mu      sync.Mutex
	evalMu  sync.Mutex
	loop    *eventloop.EventLoop
	vm      *goja.Runtime
	started bool
	closed  bool
	console *consoleSink
}

// New builds an unstarted runtime.
func New(opts Options) *Runtime {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Runtime{
		logger:  opts.Logger,
		globals: opts.Globals,
		timeout: opts.Timeout,
		console: newConsoleSink(),
	}
}

func (r *Runtime) ensureStarted(ctx context.Context) error {
	if r.closed {
		return errors.New("sandbox is closed")
	}
	if r.started {
		return nil
	}

	loop := eventloop.NewEventLoop(eventloop.EnableConsole(false))
	loop.Start()

	var initErr error
	done := make(chan struct{})
	loop.RunOnLoop(func(vm *goja.Runtime) {
		defer close(done)
		r.vm = vm
		initErr = r.seed(ctx, vm)
	})
	<-done
	if initErr != nil {
		loop.Stop()
		return fmt.Errorf("initialize sandbox: %w", initErr)
	}
	r.loop = loop
	r.started = true
	return nil
}

func (r *Runtime) seed(ctx context.Context, vm *goja.Runtime) error {
	vm.Set("console", r.consoleObject(vm))
	vm.Set("env", environSnapshot())
	if _, err := vm.RunString("globalThis.$results = [];"); err != nil {
		return err
	}
	if _, err := vm.RunString(enhanceScript); err != nil {
		return err
	}
	if r.globals == nil {
		return nil
	}
	globals, err := r.globals(ctx)
	if err != nil {
		return err
	}
	return r.installGlobals(vm, globals)
}

// enhanceScript decorates a raw call promise with the .text() and
// .json() accessors scripts use to pick a result apart. The awaited
// value is the unwrapped result; text() reaches back to the raw content.
const enhanceScript = `globalThis.__enhance = function (raw) {
  const p = raw.then(r => r.value);
  p.text = () => raw.then(r => {
    const first = r.content && r.content[0];
    if (!first || typeof first.text !== 'string') {
      throw new Error('NoTextContent: result has no text content part');
    }
    return first.text;
  });
  p.json = () => p.text().then(t => JSON.parse(t));
  return p;
};`

// Refresh rebuilds the script globals from the current fleet state.
// Variables a script created and $results are untouched.
func (r *Runtime) Refresh(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started || r.globals == nil {
		return nil
	}
	globals, err := r.globals(ctx)
	if err != nil {
		return err
	}
	var installErr error
	done := make(chan struct{})
	r.loop.RunOnLoop(func(vm *goja.Runtime) {
		defer close(done)
		installErr = r.installGlobals(vm, globals)
	})
	<-done
	return installErr
}

// Eval runs one function expression. code must evaluate to a function of
// zero or one argument; arg defaults to an empty object. The run is
// bounded by the configured wall-clock timeout.
func (r *Runtime) Eval(ctx context.Context, code string, arg any) (Result, error) {
	r.evalMu.Lock()
	defer r.evalMu.Unlock()
	r.mu.Lock()
	if err := r.ensureStarted(ctx); err != nil {
		r.mu.Unlock()
		return Result{}, err
	}
	r.mu.Unlock()

	r.console.reset()
	if arg == nil {
		arg = map[string]any{}
	}
	wrapped := "( async () => { const fn = " + code + "; return await fn(__arg); } )()"

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	settle := func(o outcome) {
		select {
		case done <- o:
		default:
		}
	}

	r.loop.RunOnLoop(func(vm *goja.Runtime) {
		vm.Set("__arg", vm.ToValue(arg))
		v, err := vm.RunString(wrapped)
		if err != nil {
			settle(outcome{err: execError(err)})
			return
		}
		obj := v.ToObject(vm)
		then, ok := goja.AssertFunction(obj.Get("then"))
		if !ok {
			settle(outcome{value: exportValue(v)})
			return
		}
		onFulfilled := vm.ToValue(func(call goja.FunctionCall) goja.Value {
			settle(outcome{value: exportValue(call.Argument(0))})
			return goja.Undefined()
		})
		onRejected := vm.ToValue(func(call goja.FunctionCall) goja.Value {
			settle(outcome{err: thrownError(vm, call.Argument(0))})
			return goja.Undefined()
		})
		if _, err := then(obj, onFulfilled, onRejected); err != nil {
			settle(outcome{err: execError(err)})
		}
	})

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()
	select {
	case out := <-done:
		return Result{Value: out.value, Output: r.console.drain()}, out.err
	case <-timer.C:
		r.vm.Interrupt(ErrTimedOut)
		r.loop.RunOnLoop(func(vm *goja.Runtime) { vm.ClearInterrupt() })
		return Result{Output: r.console.drain()}, fmt.Errorf("eval exceeded %s: %w", r.timeout, ErrTimedOut)
	case <-ctx.Done():
		r.vm.Interrupt(ctx.Err())
		r.loop.RunOnLoop(func(vm *goja.Runtime) { vm.ClearInterrupt() })
		return Result{Output: r.console.drain()}, ctx.Err()
	}
}

// AppendResult pushes a value onto $results and returns its index. The
// index is assigned on the interpreter thread, so concurrent appenders
// never observe the same one.
func (r *Runtime) AppendResult(v any) int {
	r.mu.Lock()
	if err := r.ensureStarted(context.Background()); err != nil {
		r.mu.Unlock()
		r.logger.Warn("append to $results failed", "error", err)
		return -1
	}
	loop := r.loop
	r.mu.Unlock()

	idx := -1
	done := make(chan struct{})
	loop.RunOnLoop(func(vm *goja.Runtime) {
		defer close(done)
		arr := vm.Get("$results").ToObject(vm)
		length := int(arr.Get("length").ToInteger())
		push, ok := goja.AssertFunction(arr.Get("push"))
		if !ok {
			return
		}
		if _, err := push(arr, vm.ToValue(v)); err != nil {
			r.logger.Warn("append to $results failed", "error", err)
			return
		}
		idx = length
	})
	<-done
	return idx
}

// ResultCount returns the current length of $results, or zero before the
// sandbox has started.
func (r *Runtime) ResultCount() int {
	r.mu.Lock()
	started := r.started
	loop := r.loop
	r.mu.Unlock()
	if !started {
		return 0
	}
	count := 0
	done := make(chan struct{})
	loop.RunOnLoop(func(vm *goja.Runtime) {
		defer close(done)
		count = int(vm.Get("$results").ToObject(vm).Get("length").ToInteger())
	})
	<-done
	return count
}

// Close stops the interpreter. Idempotent; a runtime that never started
// closes trivially.
func (r *Runtime) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	if r.started {
		r.loop.Stop()
		r.started = false
	}
}

func execError(err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return fmt.Errorf("execution interrupted: %w", ErrTimedOut)
	}
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return &ExecutionError{Message: ex.String()}
	}
	return &ExecutionError{Message: err.Error()}
}

func thrownError(vm *goja.Runtime, v goja.Value) error {
	if obj, ok := v.(*goja.Object); ok {
		if stack := obj.Get("stack"); stack != nil && !goja.IsUndefined(stack) {
			return &ExecutionError{Message: stack.String()}
		}
	}
	return &ExecutionError{Message: v.String()}
}

func exportValue(v goja.Value) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	return v.Export()
}

func environSnapshot() map[string]string {
	out := make(map[string]string)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			out[kv[:i]] = kv[i+1:]
		}
	}
	return out
}

// consoleSink collects one call's console lines.
type consoleSink struct {
	mu    sync.Mutex
	lines []string
}

func newConsoleSink() *consoleSink { return &consoleSink{} }

func (c *consoleSink) reset() {
	c.mu.Lock()
	c.lines = nil
	c.mu.Unlock()
}

func (c *consoleSink) append(level string, args []string) {
	c.mu.Lock()
	c.lines = append(c.lines, "["+level+"] "+strings.Join(args, " "))
	c.mu.Unlock()
}

func (c *consoleSink) drain() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Join(c.lines, "\n")
}

func (r *Runtime) consoleObject(vm *goja.Runtime) *goja.Object {
	obj := vm.NewObject()
	for _, level := range []string{"log", "error", "warn", "info"} {
		tag := strings.ToUpper(level)
		obj.Set(level, func(call goja.FunctionCall) goja.Value {
			args := make([]string, 0, len(call.Arguments))
			for _, a := range call.Arguments {
				args = append(args, formatConsoleValue(a))
			}
			r.console.append(tag, args)
			return goja.Undefined()
		})
	}
	return obj
}

func formatConsoleValue(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	if goja.IsNull(v) {
		return "null"
	}
	exported := v.Export()
	if s, ok := exported.(string); ok {
		return s
	}
	if raw, err := json.Marshal(exported); err == nil {
		return string(raw)
	}
	return v.String()
}
