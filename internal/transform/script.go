package transform

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// scriptSteps bounds the work a single custom function call may do.
const scriptSteps = 1_000_000

// Script is a compiled custom function. The source must define
// transform(value, row) and may not load modules or print.
type Script struct {
	fn *starlark.Function
}

// CompileScript executes src once in an empty environment and keeps its
// frozen transform function.
func CompileScript(src string) (*Script, error) {
	thread := sandboxThread("compile")
	globals, err := starlark.ExecFileOptions(&syntax.FileOptions{}, thread, "custom.star", src, nil)
	if err != nil {
		return nil, fmt.Errorf("compile custom function: %w", err)
	}
	globals.Freeze()
	fn, ok := globals["transform"].(*starlark.Function)
	if !ok {
		return nil, fmt.Errorf("custom function must define transform(value, row)")
	}
	if fn.NumParams() != 2 {
		return nil, fmt.Errorf("transform must take (value, row), got %d parameters", fn.NumParams())
	}
	return &Script{fn: fn}, nil
}

// Call runs the function on a fresh thread. Cancelling ctx stops it at the
// next step.
func (s *Script) Call(ctx context.Context, value any, row map[string]any) (any, error) {
	sv, err := GoToStarlark(value)
	if err != nil {
		return nil, err
	}
	sr, err := GoToStarlark(row)
	if err != nil {
		return nil, err
	}
	thread := sandboxThread("transform")
	if ctx != nil {
		stop := context.AfterFunc(ctx, func() { thread.Cancel("context cancelled") })
		defer stop()
	}
	out, err := starlark.Call(thread, s.fn, starlark.Tuple{sv, sr}, nil)
	if err != nil {
		return nil, fmt.Errorf("custom function: %w", err)
	}
	return ToGo(out)
}

func sandboxThread(name string) *starlark.Thread {
	thread := &starlark.Thread{
		Name:  name,
		Print: func(*starlark.Thread, string) {},
		Load: func(*starlark.Thread, string) (starlark.StringDict, error) {
			return nil, fmt.Errorf("load is disabled")
		},
	}
	thread.SetMaxExecutionSteps(scriptSteps)
	return thread
}

// GoToStarlark converts row values to Starlark. Values without a Starlark
// counterpart (times, decimals, uuids) are passed as strings.
func GoToStarlark(v any) (starlark.Value, error) {
	switch x := v.(type) {
	case nil:
		return starlark.None, nil
	case string:
		return starlark.String(x), nil
	case []byte:
		return starlark.Bytes(x), nil
	case bool:
		return starlark.Bool(x), nil
	case int:
		return starlark.MakeInt(x), nil
	case int32:
		return starlark.MakeInt64(int64(x)), nil
	case int64:
		return starlark.MakeInt64(x), nil
	case float32:
		return starlark.Float(x), nil
	case float64:
		return starlark.Float(x), nil
	case decimal.Decimal:
		return starlark.String(x.String()), nil
	case time.Time:
		return starlark.String(x.Format(time.RFC3339Nano)), nil
	case uuid.UUID:
		return starlark.String(x.String()), nil
	case []any:
		list := make([]starlark.Value, len(x))
		for i, item := range x {
			sv, err := GoToStarlark(item)
			if err != nil {
				return nil, fmt.Errorf("list index %d: %w", i, err)
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case map[string]any:
		dict := starlark.NewDict(len(x))
		for k, item := range x {
			sv, err := GoToStarlark(item)
			if err != nil {
				return nil, fmt.Errorf("dict key %q: %w", k, err)
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, fmt.Errorf("dict setkey %q: %w", k, err)
			}
		}
		return dict, nil
	}
	n, err := toInt(v)
	if err == nil {
		return starlark.MakeInt64(n.(int64)), nil
	}
	return nil, fmt.Errorf("unsupported type: %T", v)
}

// ToGo converts a Starlark result back to a Go value.
func ToGo(v starlark.Value) (any, error) {
	switch x := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.String:
		return string(x), nil
	case starlark.Bytes:
		return []byte(x), nil
	case starlark.Bool:
		return bool(x), nil
	case starlark.Int:
		if n, ok := x.Int64(); ok {
			return n, nil
		}
		return decimal.RequireFromString(x.String()), nil
	case starlark.Float:
		return float64(x), nil
	case *starlark.List:
		out := make([]any, x.Len())
		for i := 0; i < x.Len(); i++ {
			gv, err := ToGo(x.Index(i))
			if err != nil {
				return nil, fmt.Errorf("list index %d: %w", i, err)
			}
			out[i] = gv
		}
		return out, nil
	case starlark.Tuple:
		out := make([]any, len(x))
		for i, item := range x {
			gv, err := ToGo(item)
			if err != nil {
				return nil, fmt.Errorf("tuple index %d: %w", i, err)
			}
			out[i] = gv
		}
		return out, nil
	case *starlark.Dict:
		out := make(map[string]any, x.Len())
		for _, item := range x.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string, got %s", item[0].Type())
			}
			gv, err := ToGo(item[1])
			if err != nil {
				return nil, fmt.Errorf("dict key %q: %w", key, err)
			}
			out[string(key)] = gv
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported result type %s", v.Type())
}
