// internal/browser/page.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/youbridge/internal/credentials"
)

// ErrPageClosed is returned by operations on a page that has been closed.
var ErrPageClosed = errors.New("page is closed")

// BindingFunc receives the string payload a page passed to a host binding. It runs on
// the page's event delivery goroutine and must not block.
type BindingFunc func(payload string)

// Page is one live, authenticated browser tab.
type Page interface {
	SetCookies(ctx context.Context, cookies []credentials.Cookie) error
	Navigate(ctx context.Context, url string) error
	// Content returns the serialized document.
	Content(ctx context.Context) (string, error)
	// Evaluate runs script in the page, awaiting a returned promise, and decodes the
	// result into res. res may be nil.
	Evaluate(ctx context.Context, script string, res interface{}) error
	// Bind exposes window[name] to the page. Each call from the page invokes fn with
	// the single string argument it was given.
	Bind(ctx context.Context, name string, fn BindingFunc) (unbind func(context.Context) error, err error)
	Close(ctx context.Context) error
}

// cdpPage implements Page on a chromedp tab.
type cdpPage struct {
	ctx    context.Context // tab context; carries the CDP target
	cancel context.CancelFunc
	logger *zap.Logger

	runActionsFunc func(ctx context.Context, actions ...chromedp.Action) error

	mu       sync.Mutex
	bindings map[string]BindingFunc
	isClosed bool
}

var _ Page = (*cdpPage)(nil)

func newCDPPage(ctx context.Context, cancel context.CancelFunc, logger *zap.Logger) *cdpPage {
	p := &cdpPage{
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger,
		bindings: make(map[string]BindingFunc),
	}
	p.runActionsFunc = p.runActions
	chromedp.ListenTarget(ctx, p.handleEvent)
	return p
}

// handleEvent routes binding calls to their registered handler.
func (p *cdpPage) handleEvent(ev interface{}) {
	called, ok := ev.(*runtime.EventBindingCalled)
	if !ok {
		return
	}
	p.dispatch(called.Name, called.Payload)
}

func (p *cdpPage) dispatch(name, payload string) {
	p.mu.Lock()
	fn, ok := p.bindings[name]
	p.mu.Unlock()
	if !ok {
		p.logger.Debug("Binding call for an unregistered name.", zap.String("name", name))
		return
	}

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Panic during binding call.",
				zap.String("name", name),
				zap.Any("panic_reason", r),
				zap.String("stack", string(debug.Stack())))
		}
	}()
	fn(payload)
}

func (p *cdpPage) SetCookies(ctx context.Context, cookies []credentials.Cookie) error {
	tasks := make(chromedp.Tasks, 0, len(cookies))
	for _, c := range cookies {
		tasks = append(tasks, network.SetCookie(c.Name, c.Value).
			WithDomain(c.Domain).
			WithPath(c.Path).
			WithSecure(c.Secure).
			WithHTTPOnly(c.HTTPOnly))
	}
	if err := p.runActionsFunc(ctx, tasks); err != nil {
		return fmt.Errorf("failed to set cookies: %w", err)
	}
	return nil
}

func (p *cdpPage) Navigate(ctx context.Context, url string) error {
	if err := p.runActionsFunc(ctx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	return nil
}

func (p *cdpPage) Content(ctx context.Context) (string, error) {
	var html string
	if err := p.runActionsFunc(ctx, chromedp.Evaluate(`document.documentElement.outerHTML`, &html)); err != nil {
		return "", fmt.Errorf("failed to read page content: %w", err)
	}
	return html, nil
}

func (p *cdpPage) Evaluate(ctx context.Context, script string, res interface{}) error {
	return p.runActionsFunc(ctx, chromedp.Evaluate(script, res, awaitPromise))
}

func awaitPromise(params *runtime.EvaluateParams) *runtime.EvaluateParams {
	return params.WithAwaitPromise(true)
}

func (p *cdpPage) Bind(ctx context.Context, name string, fn BindingFunc) (func(context.Context) error, error) {
	p.mu.Lock()
	if p.isClosed {
		p.mu.Unlock()
		return nil, ErrPageClosed
	}
	if _, exists := p.bindings[name]; exists {
		p.mu.Unlock()
		return nil, fmt.Errorf("binding %q already registered", name)
	}
	// Registered before the page learns the name so no call can be missed.
	p.bindings[name] = fn
	p.mu.Unlock()

	if err := p.runActionsFunc(ctx, runtime.AddBinding(name)); err != nil {
		p.removeHandler(name)
		return nil, fmt.Errorf("failed to add binding '%s': %w", name, err)
	}

	var once sync.Once
	unbind := func(ctx context.Context) error {
		var err error
		once.Do(func() {
			p.removeHandler(name)
			if rmErr := p.runActionsFunc(ctx, runtime.RemoveBinding(name)); rmErr != nil {
				err = fmt.Errorf("failed to remove binding '%s': %w", name, rmErr)
			}
		})
		return err
	}
	return unbind, nil
}

func (p *cdpPage) removeHandler(name string) {
	p.mu.Lock()
	delete(p.bindings, name)
	p.mu.Unlock()
}

// Close terminates the tab and its browser process.
func (p *cdpPage) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.isClosed {
		p.mu.Unlock()
		return nil
	}
	p.isClosed = true
	p.bindings = make(map[string]BindingFunc)
	p.mu.Unlock()

	p.logger.Debug("Closing browser page.")

	done := make(chan error, 1)
	go func() { done <- chromedp.Cancel(p.ctx) }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if p.cancel != nil {
		p.cancel()
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("failed to close browser: %w", err)
	}
	return nil
}

// runActions executes chromedp.Actions, respecting both the page lifetime (p.ctx)
// and the incoming request context (ctx).
func (p *cdpPage) runActions(ctx context.Context, actions ...chromedp.Action) error {
	p.mu.Lock()
	closed := p.isClosed
	p.mu.Unlock()
	if closed {
		return ErrPageClosed
	}

	runCtx, cancel := CombineContext(p.ctx, ctx)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}
