package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"
)

// Call is a structured tool call: a plugin, an optional function, and
// arguments given either by name (Args) or by position (List).
type Call struct {
	Plugin   string
	Function string
	Args     map[string]any
	List     []any
}

// Result is the outcome of one dispatched call. Exactly one of Value
// and Error is meaningful.
type Result struct {
	Call              string // "plugin.function" as requested
	PluginDisplayName string
	FunctionName      string
	Value             any
	Error             string
	Duration          time.Duration
}

// Failed reports whether the call produced an error.
func (r Result) Failed() bool {
	return r.Error != ""
}

// Text renders the result as observation text.
func (r Result) Text() string {
	if r.Failed() {
		return "ERROR: " + r.Error
	}
	return valueText(r.Value)
}

// Observation joins the rendered results of one iteration.
func Observation(results []Result) string {
	parts := make([]string, 0, len(results))
	for _, r := range results {
		parts = append(parts, r.Text())
	}
	return strings.Join(parts, "\n")
}

// AnyFailed reports whether any result carries an error.
func AnyFailed(results []Result) bool {
	return slices.ContainsFunc(results, Result.Failed)
}

// IsRepeat reports whether action repeats the previous iteration's
// action. A failed previous iteration never counts, so the model may
// retry a failed call verbatim.
func IsRepeat(action, prevAction string, prevFailed bool) bool {
	if action == "" || prevAction == "" || prevFailed {
		return false
	}
	return action == prevAction
}

// Dispatcher resolves calls against a Registry and invokes handlers.
type Dispatcher struct {
	registry *Registry
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher over the given registry.
func NewDispatcher(registry *Registry, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry: registry,
		logger:   logger.With("component", "dispatch"),
	}
}

// Execute runs a single call. It never returns an error: unknown
// plugins, unknown functions, missing arguments, handler errors and
// handler panics all come back as Result.Error.
func (d *Dispatcher) Execute(ctx context.Context, call Call) (res Result) {
	res = Result{Call: call.Plugin, FunctionName: call.Function}
	if call.Function != "" {
		res.Call = call.Plugin + "." + call.Function
	}

	desc := d.registry.Resolve(call.Plugin)
	if desc == nil {
		res.Error = (&ErrPluginNotFound{Name: call.Plugin}).Error()
		d.logger.Warn("plugin not found", "plugin", call.Plugin)
		return res
	}
	res.PluginDisplayName = desc.Label()

	fn, err := ResolveFunction(desc, call.Function)
	if err != nil {
		res.Error = err.Error()
		d.logger.Warn("function not found", "plugin", desc.Name, "function", call.Function)
		return res
	}
	res.FunctionName = fn.Name
	res.Call = desc.Name + "." + fn.Name

	args := coerceArgs(fn, call)
	if missing := missingRequired(fn, args); len(missing) > 0 {
		res.Error = fmt.Sprintf("missing required argument(s) for %s: %s", res.Call, strings.Join(missing, ", "))
		return res
	}

	start := time.Now()
	defer func() {
		res.Duration = time.Since(start)
		if p := recover(); p != nil {
			res.Value = nil
			res.Error = fmt.Sprintf("plugin %s panicked: %v", res.Call, p)
			d.logger.Error("plugin panic", "call", res.Call, "panic", p)
		}
	}()

	d.logger.Debug("executing plugin", "call", res.Call, "args", args)

	value, err := fn.Handler(ctx, args)
	if verr, ok := value.(error); ok && err == nil {
		err = verr
	}
	if err != nil {
		res.Error = err.Error()
		d.logger.Warn("plugin failed", "call", res.Call, "error", err)
		return res
	}
	res.Value = value
	return res
}

// coerceArgs maps positional arguments onto declared parameter names.
// Named arguments are returned as-is; a nil map becomes an empty one.
func coerceArgs(fn *Function, call Call) map[string]any {
	args := make(map[string]any, len(call.Args)+len(call.List))
	for k, v := range call.Args {
		args[k] = v
	}
	if len(call.List) == 0 {
		return args
	}
	if len(fn.Parameters) == 0 {
		args["args"] = call.List
		return args
	}
	for i, v := range call.List {
		if i >= len(fn.Parameters) {
			break
		}
		if _, set := args[fn.Parameters[i]]; !set {
			args[fn.Parameters[i]] = v
		}
	}
	return args
}

func missingRequired(fn *Function, args map[string]any) []string {
	var missing []string
	for _, name := range fn.Required {
		v, ok := args[name]
		if !ok || v == nil {
			missing = append(missing, name)
			continue
		}
		if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
			missing = append(missing, name)
		}
	}
	return missing
}

func valueText(v any) string {
	switch val := v.(type) {
	case nil:
		return "Done"
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

// StringArg returns args[key] as a trimmed string. Non-string scalars
// are formatted with fmt.
func StringArg(args map[string]any, key string) string {
	v, ok := args[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(fmt.Sprint(v))
}
