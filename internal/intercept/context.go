package intercept

import (
	"context"
	"fmt"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"time"
)

// Func is the operation guarded by Intercept.
type Func func(ctx context.Context, args map[string]any) (any, error)

// Call describes one guarded invocation.
type Call struct {
	// Name identifies the operation, e.g. "show_emoji".
	Name string
	// Kind optionally pins the task kind instead of classifying by Name.
	Kind string
	Args map[string]any
	// Locals is caller-supplied context recorded with the execution.
	Locals map[string]any
	Origin string
	Fn     Func
}

// ExecutionContext is the captured description of a deferred call.
type ExecutionContext struct {
	ExecutionID    string            `json:"execution_id"`
	OperationName  string            `json:"operation_name"`
	Kind           string            `json:"kind,omitempty"`
	Arguments      map[string]any    `json:"arguments"`
	Timestamp      time.Time         `json:"timestamp"`
	CallSite       string            `json:"call_site"`
	CapturedLocals map[string]string `json:"captured_locals"`
	Origin         string            `json:"origin,omitempty"`
	Mode           Mode              `json:"mode"`
}

var defaultSensitiveKeys = []string{"self", "cls", "request", "response", "password", "token", "secret"}

// captureLocals stringifies locals, dropping reserved and sensitive keys and
// function values.
func captureLocals(locals map[string]any, sensitive map[string]struct{}) map[string]string {
	out := make(map[string]string, len(locals))
	for k, v := range locals {
		if k == "" || strings.HasPrefix(k, "_") {
			continue
		}
		if _, bad := sensitive[strings.ToLower(k)]; bad {
			continue
		}
		if v != nil && reflect.TypeOf(v).Kind() == reflect.Func {
			continue
		}
		out[k] = fmt.Sprint(v)
	}
	return out
}

func copyArgs(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}

// callSite describes the frame skip levels above its caller as
// "file.go:42 pkg.Func".
func callSite(skip int) string {
	pc, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return "unknown"
	}
	site := fmt.Sprintf("%s:%d", filepath.Base(file), line)
	if fn := runtime.FuncForPC(pc); fn != nil {
		name := fn.Name()
		if i := strings.LastIndex(name, "/"); i >= 0 {
			name = name[i+1:]
		}
		site += " " + name
	}
	return site
}
