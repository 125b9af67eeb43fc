//go:build v8

// Package v8engine backs the sandbox with V8 when built with -tags v8.
package v8engine

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"sync"

	"github.com/cryguy/runnable/internal/core"
	v8 "github.com/tommie/v8go"
)

const scriptOrigin = "template.js"

var errorType = reflect.TypeOf((*error)(nil)).Elem()

type v8Runtime struct {
	iso       *v8.Isolate
	ctx       *v8.Context
	closeOnce sync.Once
}

var _ core.JSRuntime = (*v8Runtime)(nil)

// New creates a fresh isolate and context. V8 treats heap exhaustion as
// fatal for the process, so a memory limit must leave real headroom.
func New(opts core.RuntimeOptions) (core.JSRuntime, error) {
	var iso *v8.Isolate
	if opts.MemoryLimitBytes > 0 {
		iso = v8.NewIsolate(v8.WithResourceConstraints(opts.MemoryLimitBytes/2, opts.MemoryLimitBytes))
	} else {
		iso = v8.NewIsolate()
	}
	return &v8Runtime{iso: iso, ctx: v8.NewContext(iso)}, nil
}

func (r *v8Runtime) Eval(js string) error {
	_, err := r.ctx.RunScript(js, scriptOrigin)
	return err
}

func (r *v8Runtime) EvalString(js string) (string, error) {
	val, err := r.ctx.RunScript(js, scriptOrigin)
	if err != nil || val == nil {
		return "", err
	}
	if val.IsUndefined() || val.IsNull() {
		return "", nil
	}
	return val.String(), nil
}

// RegisterFunc exposes fn as a global. fn takes string, int or float64
// arguments and returns nothing, one value, or (value, error). A returned
// error is thrown into the caller.
func (r *v8Runtime) RegisterFunc(name string, fn any) error {
	fv := reflect.ValueOf(fn)
	ft := fv.Type()
	if ft.Kind() != reflect.Func {
		return fmt.Errorf("RegisterFunc %s: expected function, got %T", name, fn)
	}
	if ft.NumOut() > 2 || (ft.NumOut() == 2 && ft.Out(1) != errorType) {
		return fmt.Errorf("RegisterFunc %s: unsupported signature %s", name, ft)
	}

	tmpl := v8.NewFunctionTemplate(r.iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		args := info.Args()
		if len(args) < ft.NumIn() {
			return r.throw(fmt.Sprintf("%s requires %d argument(s), got %d", name, ft.NumIn(), len(args)))
		}
		in := make([]reflect.Value, ft.NumIn())
		for i := range in {
			in[i] = fromJS(args[i], ft.In(i))
		}
		out := fv.Call(in)
		if len(out) == 2 && !out[1].IsNil() {
			return r.throw(fmt.Sprintf("calling %s: %v", name, out[1].Interface()))
		}
		if len(out) == 0 {
			return nil
		}
		v, err := r.toJS(out[0].Interface())
		if err != nil {
			return r.throw(err.Error())
		}
		return v
	})
	return r.ctx.Global().Set(name, tmpl.GetFunction(r.ctx))
}

func (r *v8Runtime) SetGlobal(name string, value any) error {
	v, err := r.toJS(value)
	if err != nil {
		return fmt.Errorf("converting value for %q: %w", name, err)
	}
	return r.ctx.Global().Set(name, v)
}

// Interrupt terminates the running script. Safe from any goroutine.
func (r *v8Runtime) Interrupt() {
	r.iso.TerminateExecution()
}

func (r *v8Runtime) Close() {
	r.closeOnce.Do(func() {
		r.ctx.Close()
		r.iso.Dispose()
	})
}

func (r *v8Runtime) throw(msg string) *v8.Value {
	v, _ := v8.NewValue(r.iso, msg)
	return r.iso.ThrowException(v)
}

func fromJS(val *v8.Value, t reflect.Type) reflect.Value {
	switch t.Kind() {
	case reflect.String:
		return reflect.ValueOf(val.String())
	case reflect.Int:
		return reflect.ValueOf(int(val.Integer()))
	case reflect.Float64:
		return reflect.ValueOf(val.Number())
	}
	return reflect.Zero(t)
}

// toJS converts scalars directly and anything else through JSON.
func (r *v8Runtime) toJS(value any) (*v8.Value, error) {
	switch v := value.(type) {
	case nil:
		return v8.Undefined(r.iso), nil
	case string:
		return v8.NewValue(r.iso, v)
	case int:
		return v8.NewValue(r.iso, float64(v))
	case float64:
		return v8.NewValue(r.iso, v)
	case bool:
		return v8.NewValue(r.iso, v)
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshaling value: %w", err)
	}
	return r.ctx.RunScript("JSON.parse("+strconv.Quote(string(data))+")", "set_global.js")
}
