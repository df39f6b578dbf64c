package coordinator

import (
	"context"
	"errors"

	"github.com/mattjoyce/pixeldispatch/internal/intercept"
	"github.com/mattjoyce/pixeldispatch/internal/queue"
)

// InlineRunner executes an operation immediately. *dispatch.Dispatcher
// satisfies it.
type InlineRunner interface {
	RunInline(ctx context.Context, kind queue.Kind, params map[string]any) (any, error)
}

// Invoker exposes named operations as guarded calls. Under local mode the
// operation runs inline through Local; otherwise the interceptor hands it to
// the Coordinator.
type Invoker struct {
	Interceptor *intercept.Interceptor
	Coordinator *Coordinator
	Local       InlineRunner
}

// Invoke routes one call and returns whatever the interceptor yields: the
// inline result, an Ack, intercept.Transferred, or nil on failure.
func (v *Invoker) Invoke(ctx context.Context, operation string, args map[string]any, origin string) any {
	kind := queue.KindGeneric
	if v.Coordinator != nil {
		kind = v.Coordinator.KindOf(operation)
	}
	return v.Interceptor.Intercept(ctx, intercept.Call{
		Name:   operation,
		Args:   args,
		Origin: origin,
		Locals: map[string]any{"origin": origin, "kind": string(kind)},
		Fn: func(ctx context.Context, args map[string]any) (any, error) {
			if v.Local == nil {
				return nil, errors.New("no inline runner attached")
			}
			params := make(map[string]any, len(args)+1)
			for k, a := range args {
				params[k] = a
			}
			if _, set := params["operation"]; !set {
				params["operation"] = operation
			}
			delete(params, "urgent")
			return v.Local.RunInline(ctx, kind, params)
		},
	})
}
