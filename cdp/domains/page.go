package domains

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/cdp"
	cdpp "github.com/chromedp/cdproto/page"
)

// Page exposes the CDP Page domain actions in use.
type Page interface {
	Enable(context.Context) error
	Navigate(ctx context.Context, url string) (frameID string, err error)
	StartScreencast(ctx context.Context, opts ScreencastOptions) error
	StopScreencast(ctx context.Context) error
	ScreencastFrameAck(ctx context.Context, sessionID int64) error
}

// ScreencastOptions are the Page.startScreencast parameters.
type ScreencastOptions struct {
	Quality       int64
	MaxWidth      int64
	MaxHeight     int64
	EveryNthFrame int64
}

var _ Page = &page{}

type page struct {
	exec cdp.Executor
}

// NewPage returns a new CDP Page domain wrapper.
func NewPage(exec cdp.Executor) Page {
	return &page{exec}
}

func (p *page) Enable(ctx context.Context) error {
	action := cdpp.Enable()
	if err := action.Do(cdp.WithExecutor(ctx, p.exec)); err != nil {
		return fmt.Errorf("enabling page CDP domain: %w", err)
	}

	return nil
}

func (p *page) Navigate(ctx context.Context, url string) (string, error) {
	action := cdpp.Navigate(url)

	frameID, _, errorText, err := action.Do(cdp.WithExecutor(ctx, p.exec))
	if err != nil {
		return "", fmt.Errorf("navigating to %q: %w", url, err)
	}
	if errorText != "" {
		return "", fmt.Errorf("navigating to %q: %s", url, errorText)
	}

	return string(frameID), nil
}

func (p *page) StartScreencast(ctx context.Context, opts ScreencastOptions) error {
	action := cdpp.StartScreencast().
		WithFormat(cdpp.ScreencastFormatJpeg).
		WithQuality(opts.Quality).
		WithEveryNthFrame(opts.EveryNthFrame)
	if opts.MaxWidth > 0 {
		action = action.WithMaxWidth(opts.MaxWidth)
	}
	if opts.MaxHeight > 0 {
		action = action.WithMaxHeight(opts.MaxHeight)
	}
	if err := action.Do(cdp.WithExecutor(ctx, p.exec)); err != nil {
		return fmt.Errorf("starting screencast: %w", err)
	}

	return nil
}

func (p *page) StopScreencast(ctx context.Context) error {
	if err := cdpp.StopScreencast().Do(cdp.WithExecutor(ctx, p.exec)); err != nil {
		return fmt.Errorf("stopping screencast: %w", err)
	}

	return nil
}

func (p *page) ScreencastFrameAck(ctx context.Context, sessionID int64) error {
	if err := cdpp.ScreencastFrameAck(sessionID).Do(cdp.WithExecutor(ctx, p.exec)); err != nil {
		return fmt.Errorf("acknowledging screencast frame %d: %w", sessionID, err)
	}
	return nil
}
