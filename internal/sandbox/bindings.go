package sandbox

import (
	"context"

	"github.com/dop251/goja"

	"github.com/mcpman/mcpman/internal/surface"
)

// propertyProbes are names the engine and common script idioms look up on
// arbitrary objects. Resolving them as missing tools would turn ordinary
// operations like console.log(server) or awaiting a proxy into lookup
// errors, so they fall through to the prototype instead.
var propertyProbes = map[string]struct{}{
	"then":        {},
	"catch":       {},
	"finally":     {},
	"toString":    {},
	"toJSON":      {},
	"valueOf":     {},
	"constructor": {},
	"inspect":     {},
	"length":      {},
}

func (r *Runtime) installGlobals(vm *goja.Runtime, globals *surface.Globals) error {
	for name, proxy := range globals.Proxies {
		vm.Set(name, vm.NewDynamicObject(&toolProxy{runtime: r, vm: vm, proxy: proxy}))
	}
	if globals.ListServers != nil {
		vm.Set("listServers", func(goja.FunctionCall) goja.Value {
			return vm.ToValue(globals.ListServers())
		})
	}
	if globals.ListTools != nil {
		vm.Set("listTools", func(call goja.FunctionCall) goja.Value {
			server := ""
			if len(call.Arguments) > 0 && !goja.IsUndefined(call.Argument(0)) {
				server = call.Argument(0).String()
			}
			out, err := globals.ListTools(server)
			if err != nil {
				panic(vm.NewGoError(err))
			}
			return vm.ToValue(out)
		})
	}
	if globals.Help != nil {
		vm.Set("help", func(call goja.FunctionCall) goja.Value {
			server := call.Argument(0).String()
			tool := ""
			if len(call.Arguments) > 1 && !goja.IsUndefined(call.Argument(1)) {
				tool = call.Argument(1).String()
			}
			return r.asyncCall(vm, func(ctx context.Context) (any, error) {
				return globals.Help(ctx, server, tool)
			})
		})
	}
	return nil
}

// asyncCall runs fn off the interpreter thread and returns a promise that
// settles back on it.
func (r *Runtime) asyncCall(vm *goja.Runtime, fn func(ctx context.Context) (any, error)) goja.Value {
	promise, resolve, reject := vm.NewPromise()
	go func() {
		out, err := fn(context.Background())
		r.loop.RunOnLoop(func(vm *goja.Runtime) {
			if err != nil {
				reject(vm.NewGoError(err))
				return
			}
			resolve(vm.ToValue(out))
		})
	}()
	return vm.ToValue(promise)
}

// toolProxy adapts one server proxy into a JavaScript object whose
// property lookups resolve tool names across naming conventions. Unknown
// names throw, enumerating what the server offers.
type toolProxy struct {
	runtime *Runtime
	vm      *goja.Runtime
	proxy   *surface.Proxy

	callables map[string]goja.Value
}

func (t *toolProxy) Get(key string) goja.Value {
	if _, probe := propertyProbes[key]; probe {
		return nil
	}
	tool, ok := t.proxy.Resolve(key)
	if !ok {
		panic(t.vm.NewGoError(t.proxy.NotFound(key)))
	}
	if cached, ok := t.callables[tool]; ok {
		return cached
	}
	callable := t.makeCallable(tool)
	if t.callables == nil {
		t.callables = make(map[string]goja.Value)
	}
	t.callables[tool] = callable
	return callable
}

func (t *toolProxy) makeCallable(tool string) goja.Value {
	vm := t.vm
	fn := func(call goja.FunctionCall) goja.Value {
		var input any
		if len(call.Arguments) > 0 && !goja.IsUndefined(call.Argument(0)) {
			input = call.Argument(0).Export()
		}
		promise, resolve, reject := vm.NewPromise()
		go func() {
			res, err := t.proxy.Call(context.Background(), tool, input)
			t.runtime.loop.RunOnLoop(func(vm *goja.Runtime) {
				if err != nil {
					reject(vm.NewGoError(err))
					return
				}
				resolve(vm.ToValue(map[string]any{
					"content": res.Content,
					"value":   res.Value,
				}))
			})
		}()
		enhance, ok := goja.AssertFunction(vm.Get("__enhance"))
		if !ok {
			return vm.ToValue(promise)
		}
		enhanced, err := enhance(goja.Undefined(), vm.ToValue(promise))
		if err != nil {
			panic(vm.NewGoError(err))
		}
		return enhanced
	}
	return vm.ToValue(fn)
}

func (t *toolProxy) Set(key string, val goja.Value) bool { return false }

func (t *toolProxy) Has(key string) bool {
	if _, probe := propertyProbes[key]; probe {
		return false
	}
	_, ok := t.proxy.Resolve(key)
	return ok
}

func (t *toolProxy) Delete(key string) bool { return false }

func (t *toolProxy) Keys() []string {
	return t.proxy.Tools()
}
