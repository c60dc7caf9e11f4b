package domains

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/cdp"
	cdpr "github.com/chromedp/cdproto/runtime"
	"github.com/mailru/easyjson"
)

// Runtime exposes the CDP Runtime domain actions in use.
type Runtime interface {
	Enable(context.Context) error
	AddBinding(ctx context.Context, name string) error
	Evaluate(ctx context.Context, expression string) (easyjson.RawMessage, error)
}

var _ Runtime = &runtime{}

type runtime struct {
	exec cdp.Executor
}

// NewRuntime returns a new CDP Runtime domain wrapper.
func NewRuntime(exec cdp.Executor) Runtime {
	return &runtime{exec}
}

func (r *runtime) Enable(ctx context.Context) error {
	if err := cdpr.Enable().Do(cdp.WithExecutor(ctx, r.exec)); err != nil {
		return fmt.Errorf("enabling runtime CDP domain: %w", err)
	}

	return nil
}

// AddBinding exposes a function called name in every execution context of
// the target. Calls surface as Runtime.bindingCalled events.
func (r *runtime) AddBinding(ctx context.Context, name string) error {
	if err := cdpr.AddBinding(name).Do(cdp.WithExecutor(ctx, r.exec)); err != nil {
		return fmt.Errorf("adding binding %q: %w", name, err)
	}

	return nil
}

// Evaluate runs expression in the main frame and returns its result by
// value, awaiting it if it is a promise.
func (r *runtime) Evaluate(ctx context.Context, expression string) (easyjson.RawMessage, error) {
	action := cdpr.Evaluate(expression).
		WithReturnByValue(true).
		WithAwaitPromise(true)

	res, exception, err := action.Do(cdp.WithExecutor(ctx, r.exec))
	if err != nil {
		return nil, fmt.Errorf("evaluating: %w", err)
	}
	if exception != nil {
		return nil, fmt.Errorf("evaluating: %s", exception.Text)
	}
	if res == nil {
		return nil, nil
	}

	return res.Value, nil
}
