package sandbox

import (
	v8 "github.com/tommie/v8go"
)

// wrapperPrefix/wrapperSuffix implement spec.md §4.4 step 2's two
// scope-chain extensions — [implicit, user-context], in that order — using
// nested `with` statements, since v8go does not expose V8's C++-only
// ScriptCompiler::CompileFunctionInContext. A function literal created
// lexically inside a `with` block keeps that block's object on its scope
// chain for the life of the function (not just for the duration of the
// `with` statement), which is exactly what a "scope-chain extension" means.
//
// The prefix has no newline before user code, so a compile error's line
// number lines up with the line in the original source — only the column
// on line 1 is shifted.
const (
	wrapperPrefix = `(function(__implicit,__context){with(__implicit){with(__context){return function(){`
	wrapperSuffix = "\n};};};})"
)

// compileRequest compiles code inside ctx with the implicit and
// user-supplied context objects installed as scope-chain extensions, and
// returns the ready-to-invoke zero-argument function (spec.md §4.4 step 4
// calls it with the user scope's global object as `this`).
func compileRequest(iso *v8.Isolate, ctx *v8.Context, code string, implicit, userContext *v8.Object) (*v8.Function, error) {
	wrapped := wrapperPrefix + code + wrapperSuffix

	unbound, err := iso.CompileUnboundScript(wrapped, "<user-code>", v8.CompileOptions{})
	if err != nil {
		return nil, err
	}

	factoryVal, err := unbound.Run(ctx)
	if err != nil {
		return nil, err
	}
	factory, err := factoryVal.AsFunction()
	if err != nil {
		return nil, err
	}

	innerVal, err := factory.Call(v8.Undefined(iso), implicit.Value, userContext.Value)
	if err != nil {
		return nil, err
	}
	return innerVal.AsFunction()
}

// newImplicitObject builds the synthetic "implicit" scope-chain extension:
// `global` bound to the user scope's global object, and a zero-argument
// `cputime()` function returning CPU milliseconds elapsed so far in the request —
// spec.md §4.4's "future extension", implemented now per SPEC_FULL.md.
func newImplicitObject(iso *v8.Isolate, ctx *v8.Context, global *v8.Object, elapsedMs func() int64) (*v8.Object, error) {
	tmpl := v8.NewObjectTemplate(iso)
	obj, err := tmpl.NewInstance(ctx)
	if err != nil {
		return nil, err
	}

	if err := obj.Set("global", global.Value); err != nil {
		return nil, err
	}

	cputimeFn := v8.NewFunctionTemplate(iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		v, _ := v8.NewValue(iso, elapsedMs())
		return v
	})
	if err := obj.Set("cputime", cputimeFn.GetFunction(ctx)); err != nil {
		return nil, err
	}

	return obj, nil
}

// jsonStringify calls the real JS-level JSON.stringify on v, inside ctx.
// Unlike V8's C++-only JSON::Stringify (which original_source uses and
// which always returns a v8::String, coercing an undefined result into the
// literal string "undefined"), the JS-level function returns the actual
// `undefined` value for inputs that don't serialize (bare undefined,
// functions, symbols) — callers check Value.IsUndefined() on the result
// rather than comparing stringified bytes to the 9-byte string "undefined".
func jsonStringify(ctx *v8.Context, v *v8.Value) (*v8.Value, error) {
	jsonVal, err := ctx.Global().Get("JSON")
	if err != nil {
		return nil, err
	}
	jsonObj, err := jsonVal.AsObject()
	if err != nil {
		return nil, err
	}
	stringifyVal, err := jsonObj.Get("stringify")
	if err != nil {
		return nil, err
	}
	stringifyFn, err := stringifyVal.AsFunction()
	if err != nil {
		return nil, err
	}
	return stringifyFn.Call(v8.Undefined(ctx.Isolate()), v)
}

// jsonParse calls the real JS-level JSON.parse on s, inside ctx. Used for
// the request blob itself, so the client's context object arrives as a
// live V8 value without a Go-side JSON round trip that would need its own
// (fragile) re-escaping of arbitrary UTF-8 back into JS source text.
func jsonParse(iso *v8.Isolate, ctx *v8.Context, s string) (*v8.Value, error) {
	jsonVal, err := ctx.Global().Get("JSON")
	if err != nil {
		return nil, err
	}
	jsonObj, err := jsonVal.AsObject()
	if err != nil {
		return nil, err
	}
	parseVal, err := jsonObj.Get("parse")
	if err != nil {
		return nil, err
	}
	parseFn, err := parseVal.AsFunction()
	if err != nil {
		return nil, err
	}
	sVal, err := v8.NewValue(iso, s)
	if err != nil {
		return nil, err
	}
	return parseFn.Call(v8.Undefined(iso), sVal)
}
