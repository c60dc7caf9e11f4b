package domains

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/cdp"
	cdpt "github.com/chromedp/cdproto/target"
)

// Target exposes the CDP Target domain actions in use.
type Target interface {
	SetDiscoverTargets(ctx context.Context, discover bool) error
	GetTargets(ctx context.Context) ([]*cdpt.Info, error)
	CreateTarget(ctx context.Context, url string) (id string, err error)
	AttachToTarget(ctx context.Context, id string) (sessionID string, err error)
	ActivateTarget(ctx context.Context, id string) error
}

var _ Target = &target{}

type target struct {
	exec cdp.Executor
}

// NewTarget returns a new CDP Target domain wrapper.
func NewTarget(exec cdp.Executor) Target {
	return &target{exec}
}

// SetDiscoverTargets turns Target.targetCreated, targetInfoChanged and
// targetDestroyed events on or off.
func (t *target) SetDiscoverTargets(ctx context.Context, discover bool) error {
	action := cdpt.SetDiscoverTargets(discover)
	if err := action.Do(cdp.WithExecutor(ctx, t.exec)); err != nil {
		return fmt.Errorf("executing setDiscoverTargets: %w", err)
	}

	return nil
}

func (t *target) GetTargets(ctx context.Context) ([]*cdpt.Info, error) {
	infos, err := cdpt.GetTargets().Do(cdp.WithExecutor(ctx, t.exec))
	if err != nil {
		return nil, fmt.Errorf("executing getTargets: %w", err)
	}

	return infos, nil
}

func (t *target) CreateTarget(ctx context.Context, url string) (string, error) {
	id, err := cdpt.CreateTarget(url).Do(cdp.WithExecutor(ctx, t.exec))
	if err != nil {
		return "", fmt.Errorf("creating target for %q: %w", url, err)
	}

	return string(id), nil
}

// AttachToTarget attaches in flat mode and returns the session ID to route
// commands to the target with.
func (t *target) AttachToTarget(ctx context.Context, id string) (string, error) {
	action := cdpt.AttachToTarget(cdpt.ID(id)).WithFlatten(true)
	sid, err := action.Do(cdp.WithExecutor(ctx, t.exec))
	if err != nil {
		return "", fmt.Errorf("attaching to target %s: %w", id, err)
	}

	return string(sid), nil
}

func (t *target) ActivateTarget(ctx context.Context, id string) error {
	if err := cdpt.ActivateTarget(cdpt.ID(id)).Do(cdp.WithExecutor(ctx, t.exec)); err != nil {
		return fmt.Errorf("activating target %s: %w", id, err)
	}

	return nil
}
