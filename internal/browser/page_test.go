// internal/browser/page_test.go
package browser

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/youbridge/internal/credentials"
)

type actionRecorder struct {
	mu      sync.Mutex
	actions []chromedp.Action
	err     error
}

func (r *actionRecorder) run(_ context.Context, actions ...chromedp.Action) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, actions...)
	return r.err
}

func (r *actionRecorder) recorded() []chromedp.Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]chromedp.Action(nil), r.actions...)
}

// newTestPage builds a cdpPage whose CDP actions are recorded instead of sent.
func newTestPage(t *testing.T) (*cdpPage, *actionRecorder) {
	rec := &actionRecorder{}
	p := &cdpPage{
		ctx:      context.Background(),
		logger:   zaptest.NewLogger(t),
		bindings: make(map[string]BindingFunc),
	}
	p.runActionsFunc = rec.run
	return p, rec
}

func TestCDPPage_Bind(t *testing.T) {
	ctx := context.Background()

	t.Run("dispatches binding calls by name", func(t *testing.T) {
		p, rec := newTestPage(t)
		var got []string
		unbind, err := p.Bind(ctx, "callbackabcd1234", func(payload string) { got = append(got, payload) })
		require.NoError(t, err)

		actions := rec.recorded()
		require.Len(t, actions, 1)
		add, ok := actions[0].(*runtime.AddBindingParams)
		require.True(t, ok)
		assert.Equal(t, "callbackabcd1234", add.Name)

		p.handleEvent(&runtime.EventBindingCalled{Name: "callbackabcd1234", Payload: "one"})
		p.handleEvent(&runtime.EventBindingCalled{Name: "somethingelse", Payload: "lost"})
		p.handleEvent(&runtime.EventConsoleAPICalled{})
		p.handleEvent(&runtime.EventBindingCalled{Name: "callbackabcd1234", Payload: "two"})
		assert.Equal(t, []string{"one", "two"}, got)

		require.NoError(t, unbind(ctx))
		require.NoError(t, unbind(ctx))
		actions = rec.recorded()
		require.Len(t, actions, 2, "unbind runs once")
		rm, ok := actions[1].(*runtime.RemoveBindingParams)
		require.True(t, ok)
		assert.Equal(t, "callbackabcd1234", rm.Name)

		p.handleEvent(&runtime.EventBindingCalled{Name: "callbackabcd1234", Payload: "late"})
		assert.Equal(t, []string{"one", "two"}, got)
	})

	t.Run("rejects a duplicate name", func(t *testing.T) {
		p, _ := newTestPage(t)
		_, err := p.Bind(ctx, "dup", func(string) {})
		require.NoError(t, err)
		_, err = p.Bind(ctx, "dup", func(string) {})
		assert.Error(t, err)
	})

	t.Run("cleans up when the protocol call fails", func(t *testing.T) {
		p, rec := newTestPage(t)
		rec.err = errors.New("target closed")
		_, err := p.Bind(ctx, "x", func(string) {})
		require.Error(t, err)

		rec.err = nil
		_, err = p.Bind(ctx, "x", func(string) {})
		assert.NoError(t, err, "name is free again")
	})

	t.Run("recovers from a panicking handler", func(t *testing.T) {
		p, _ := newTestPage(t)
		_, err := p.Bind(ctx, "boom", func(string) { panic("bad payload") })
		require.NoError(t, err)
		assert.NotPanics(t, func() {
			p.handleEvent(&runtime.EventBindingCalled{Name: "boom", Payload: "{}"})
		})
	})

	t.Run("refuses bindings on a closed page", func(t *testing.T) {
		p, _ := newTestPage(t)
		p.isClosed = true
		_, err := p.Bind(ctx, "x", func(string) {})
		assert.ErrorIs(t, err, ErrPageClosed)
		assert.ErrorIs(t, p.runActions(ctx), ErrPageClosed)
	})
}

func TestCDPPage_SetCookies(t *testing.T) {
	p, rec := newTestPage(t)
	require.NoError(t, p.SetCookies(context.Background(), credentials.SessionCookies("s", "t")))

	actions := rec.recorded()
	require.Len(t, actions, 1)
	tasks, ok := actions[0].(chromedp.Tasks)
	require.True(t, ok)
	require.Len(t, tasks, 4)
	for _, a := range tasks {
		c, ok := a.(*network.SetCookieParams)
		require.True(t, ok)
		assert.Equal(t, credentials.CookieDomain, c.Domain)
		assert.True(t, c.Secure)
	}
}
