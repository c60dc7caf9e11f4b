package domains

import (
	"context"
	"fmt"
	"strings"

	cdpb "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
)

// Browser exposes the CDP Browser domain actions in use.
type Browser interface {
	Close(ctx context.Context) error
	Version(ctx context.Context) (product, userAgent string, err error)
}

var _ Browser = &browser{}

type browser struct {
	exec cdp.Executor
}

// NewBrowser returns a new CDP Browser domain wrapper.
func NewBrowser(exec cdp.Executor) Browser {
	return &browser{exec}
}

func (b *browser) Close(ctx context.Context) error {
	action := cdpb.Close()
	if err := action.Do(cdp.WithExecutor(ctx, b.exec)); err != nil {
		return fmt.Errorf("closing browser: %w", err)
	}
	return nil
}

// Version returns the browser version without the product name, e.g.
// "96.0.4664.45", and its user agent.
func (b *browser) Version(ctx context.Context) (string, string, error) {
	_, product, _, userAgent, _, err := cdpb.GetVersion().Do(cdp.WithExecutor(ctx, b.exec))
	if err != nil {
		return "", "", fmt.Errorf("getting browser version: %w", err)
	}

	if i := strings.Index(product, "/"); i != -1 {
		product = product[i+1:]
	}
	return product, userAgent, nil
}
