package verify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.starlark.net/lib/json"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// DefaultTimeout bounds a script run when no timeout is configured.
const DefaultTimeout = 5 * time.Second

// maxExecutionSteps bounds the work a single script run may do.
const maxExecutionSteps = 10_000_000

// ErrTimeout is returned when a script exceeds its timeout or its context is
// cancelled.
var ErrTimeout = errors.New("starlark execution timeout")

// Evaluator executes Starlark scripts in a sandbox with a timeout.
type Evaluator struct {
	timeout time.Duration
}

// Result holds a script's exported globals.
type Result struct {
	// Output maps each global not starting with "_" to its Go value.
	Output map[string]interface{}

	ExecutionTime time.Duration

	// Prints collects print() output.
	Prints []string

	globals starlark.StringDict
}

// NewEvaluator creates a new Starlark evaluator.
func NewEvaluator(timeout time.Duration) *Evaluator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Evaluator{timeout: timeout}
}

// Evaluate executes script with input bound as predeclared globals.
func (e *Evaluator) Evaluate(ctx context.Context, filename, script string, input map[string]interface{}) (*Result, error) {
	start := time.Now()

	evalCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	result := &Result{}
	thread := result.newThread()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-evalCtx.Done():
			thread.Cancel("timeout")
		case <-done:
		}
	}()

	predeclared := starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
		"json":   json.Module,
	}
	for key, val := range input {
		sv, err := toStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert input %s: %w", key, err)
		}
		predeclared[key] = sv
	}

	globals, err := starlark.ExecFile(thread, filename, script, predeclared)
	if err != nil {
		if evalCtx.Err() != nil {
			return nil, fmt.Errorf("%w after %v", ErrTimeout, e.timeout)
		}
		return nil, fmt.Errorf("starlark execution failed: %w", err)
	}
	result.globals = globals

	output := make(map[string]interface{}, len(globals))
	for name, val := range globals {
		if name[0] == '_' {
			continue
		}
		if _, ok := val.(starlark.Callable); ok {
			continue
		}
		goVal, err := fromStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert output %s: %w", name, err)
		}
		output[name] = goVal
	}
	result.Output = output
	result.ExecutionTime = time.Since(start)

	return result, nil
}

func (r *Result) newThread() *starlark.Thread {
	thread := &starlark.Thread{
		Name: "mintflow-verify",
		Print: func(_ *starlark.Thread, msg string) {
			r.Prints = append(r.Prints, msg)
		},
	}
	thread.SetMaxExecutionSteps(maxExecutionSteps)
	return thread
}

// call invokes a function defined by the script on a fresh thread. The
// caller bounds the call with ctx.
func (r *Result) call(ctx context.Context, name string, args ...interface{}) (starlark.Value, error) {
	fn, ok := r.globals[name].(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("script does not define %s()", name)
	}

	sargs := make(starlark.Tuple, len(args))
	for i, a := range args {
		sv, err := toStarlarkValue(a)
		if err != nil {
			return nil, fmt.Errorf("failed to convert argument %d: %w", i, err)
		}
		sargs[i] = sv
	}

	thread := r.newThread()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel("timeout")
		case <-done:
		}
	}()

	v, err := starlark.Call(thread, fn, sargs, nil)
	if err != nil && ctx.Err() != nil {
		return nil, ErrTimeout
	}
	return v, err
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case starlark.Value:
		return val, nil
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case uint8:
		return starlark.MakeInt(int(val)), nil
	case uint64:
		return starlark.MakeUint64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case time.Time:
		if val.IsZero() {
			return starlark.None, nil
		}
		return starlark.String(val.UTC().Format(time.RFC3339Nano)), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, s := range val {
			list[i] = starlark.String(s)
		}
		return starlark.NewList(list), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case map[string]string:
		dict := starlark.NewDict(len(val))
		for k, s := range val {
			if err := dict.SetKey(starlark.String(k), starlark.String(s)); err != nil {
				return nil, err
			}
		}
		return dict, nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark value to a Go value.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case starlark.Tuple:
		list := make([]interface{}, len(val))
		for i, item := range val {
			gv, err := fromStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = gv
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]interface{}, val.Len())
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}
