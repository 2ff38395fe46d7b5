// Package browsertest provides a scripted in-memory browser.Page for tests.
package browsertest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/youbridge/internal/browser"
	"github.com/xkilldash9x/youbridge/internal/credentials"
)

// ScriptHandler answers one evaluated script. The returned value is JSON
// round-tripped into the caller's result, as a real page would.
type ScriptHandler func(ctx context.Context, script string) (interface{}, error)

type route struct {
	marker  string
	handler ScriptHandler
}

// Page is a fake browser.Page. Scripts are answered by the first registered handler
// whose marker occurs in the script text; unmatched scripts evaluate to nothing.
type Page struct {
	// HTML is returned by Content.
	HTML        string
	NavigateErr error
	CookieErr   error
	ContentErr  error
	BindErr     error

	mu          sync.Mutex
	routes      []route
	bindings    map[string]browser.BindingFunc
	cookies     []credentials.Cookie
	navigations []string
	scripts     []string
	unbound     []string
	closed      bool
	closeCount  int
}

var _ browser.Page = (*Page)(nil)

func NewPage() *Page {
	return &Page{bindings: make(map[string]browser.BindingFunc)}
}

// On registers handler for scripts containing marker.
func (p *Page) On(marker string, handler ScriptHandler) *Page {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.routes = append(p.routes, route{marker, handler})
	return p
}

// Returns registers a fixed result for scripts containing marker.
func (p *Page) Returns(marker string, value interface{}) *Page {
	return p.On(marker, func(context.Context, string) (interface{}, error) { return value, nil })
}

func (p *Page) SetCookies(_ context.Context, cookies []credentials.Cookie) error {
	if p.CookieErr != nil {
		return p.CookieErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cookies = append(p.cookies, cookies...)
	return nil
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	if err := p.check(ctx); err != nil {
		return err
	}
	if p.NavigateErr != nil {
		return p.NavigateErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.navigations = append(p.navigations, url)
	return nil
}

func (p *Page) Content(ctx context.Context) (string, error) {
	if err := p.check(ctx); err != nil {
		return "", err
	}
	if p.ContentErr != nil {
		return "", p.ContentErr
	}
	return p.HTML, nil
}

func (p *Page) Evaluate(ctx context.Context, script string, res interface{}) error {
	if err := p.check(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	p.scripts = append(p.scripts, script)
	var handler ScriptHandler
	for _, r := range p.routes {
		if strings.Contains(script, r.marker) {
			handler = r.handler
			break
		}
	}
	p.mu.Unlock()

	if handler == nil {
		return nil
	}
	value, err := handler(ctx, script)
	if err != nil {
		return err
	}
	if res == nil {
		return nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("browsertest: encode result: %w", err)
	}
	return json.Unmarshal(data, res)
}

func (p *Page) Bind(ctx context.Context, name string, fn browser.BindingFunc) (func(context.Context) error, error) {
	if err := p.check(ctx); err != nil {
		return nil, err
	}
	if p.BindErr != nil {
		return nil, p.BindErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.bindings[name]; exists {
		return nil, fmt.Errorf("binding %q already registered", name)
	}
	p.bindings[name] = fn

	var once sync.Once
	return func(context.Context) error {
		once.Do(func() {
			p.mu.Lock()
			delete(p.bindings, name)
			p.unbound = append(p.unbound, name)
			p.mu.Unlock()
		})
		return nil
	}, nil
}

func (p *Page) Close(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeCount++
	p.closed = true
	p.bindings = make(map[string]browser.BindingFunc)
	return nil
}

// Emit calls the binding registered under name, as in-page code would. It reports
// whether a binding was present.
func (p *Page) Emit(name, payload string) bool {
	p.mu.Lock()
	fn, ok := p.bindings[name]
	p.mu.Unlock()
	if ok {
		fn(payload)
	}
	return ok
}

// EmitEvent sends a bridge-shaped {"event","data"} payload to name.
func (p *Page) EmitEvent(name, event, data string) bool {
	payload, _ := json.MarshalToString(map[string]string{"event": event, "data": data})
	return p.Emit(name, payload)
}

func (p *Page) Bound(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.bindings[name]
	return ok
}

func (p *Page) Unbound() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.unbound...)
}

func (p *Page) Cookies() []credentials.Cookie {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]credentials.Cookie(nil), p.cookies...)
}

func (p *Page) Navigations() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.navigations...)
}

// Scripts returns every evaluated script in order.
func (p *Page) Scripts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.scripts...)
}

// ScriptsContaining returns the evaluated scripts that contain marker.
func (p *Page) ScriptsContaining(marker string) []string {
	var out []string
	for _, s := range p.Scripts() {
		if strings.Contains(s, marker) {
			out = append(out, s)
		}
	}
	return out
}

func (p *Page) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Page) CloseCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeCount
}

func (p *Page) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return browser.ErrPageClosed
	}
	return nil
}

// Launcher hands out pre-built pages by identity.
type Launcher struct {
	mu       sync.Mutex
	pages    map[string]*Page
	errs     map[string]error
	launched []string
}

var _ browser.Launcher = (*Launcher)(nil)

func NewLauncher() *Launcher {
	return &Launcher{pages: make(map[string]*Page), errs: make(map[string]error)}
}

// Add registers the page returned for identity.
func (l *Launcher) Add(identity string, page *Page) *Launcher {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pages[identity] = page
	return l
}

// Fail makes launches for identity return err.
func (l *Launcher) Fail(identity string, err error) *Launcher {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs[identity] = err
	return l
}

func (l *Launcher) Launch(ctx context.Context, identity string) (browser.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launched = append(l.launched, identity)
	if err, ok := l.errs[identity]; ok {
		return nil, err
	}
	page, ok := l.pages[identity]
	if !ok {
		return nil, errors.New("browsertest: no page for identity " + identity)
	}
	return page, nil
}

// Launched returns the identities launched so far, in order.
func (l *Launcher) Launched() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.launched...)
}
