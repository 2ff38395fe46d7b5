// Package bridge carries events from an in-page event stream back to the host.
//
// The page calls a per-request binding with {"event": kind, "data": string}. The
// binding handler only appends to an unbounded mailbox, so the browser's event
// delivery never waits on a slow consumer; Events drains it in delivery order.
package bridge

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"sync"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/youbridge/internal/browser"
)

//go:embed stream.js
var streamTemplate string

// Kind is the type of a bridged event.
type Kind string

const (
	KindToken Kind = "youChatToken"
	KindDone  Kind = "done"
	KindError Kind = "error"
)

// Event is one message delivered by the page.
type Event struct {
	Kind Kind   `json:"event"`
	Data string `json:"data"`
}

const namePrefixLen = 8

// CallbackName is the window binding through which the page reports events.
func CallbackName(traceID string) string {
	return "callback" + prefix(traceID)
}

// ExitName is the window function that closes the page's event source.
func ExitName(traceID string) string {
	return "exit" + prefix(traceID)
}

func prefix(traceID string) string {
	if len(traceID) < namePrefixLen {
		return traceID
	}
	return traceID[:namePrefixLen]
}

// StreamScript renders the in-page program that opens the event stream at url and
// forwards its events to the callback of traceID.
func StreamScript(url, traceID string) string {
	quote := func(s string) string {
		out, _ := json.MarshalToString(s)
		return out
	}
	return strings.NewReplacer(
		"__URL__", quote(url),
		"__CALLBACK__", quote(CallbackName(traceID)),
		"__EXIT__", quote(ExitName(traceID)),
	).Replace(streamTemplate)
}

// Bridge is the host side of one request's event channel.
type Bridge struct {
	page     browser.Page
	callback string
	exit     string
	unbind   func(context.Context) error
	logger   *zap.Logger

	mu     sync.Mutex
	queue  []Event
	notify chan struct{}
	done   chan struct{}
	out    chan Event

	closeOnce sync.Once
	closeErr  error
}

// Open registers the callback binding for traceID on page. It must be called before
// the stream script is evaluated.
func Open(ctx context.Context, page browser.Page, traceID string, logger *zap.Logger) (*Bridge, error) {
	b := &Bridge{
		page:     page,
		callback: CallbackName(traceID),
		exit:     ExitName(traceID),
		logger:   logger.Named("bridge").With(zap.String("callback", CallbackName(traceID))),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		out:      make(chan Event),
	}

	unbind, err := page.Bind(ctx, b.callback, b.deliver)
	if err != nil {
		return nil, fmt.Errorf("failed to register %s: %w", b.callback, err)
	}
	b.unbind = unbind

	go b.pump()
	return b, nil
}

// Events yields delivered events in order. It is closed after Close.
func (b *Bridge) Events() <-chan Event {
	return b.out
}

// deliver is the binding handler. It never blocks.
func (b *Bridge) deliver(payload string) {
	var ev Event
	if err := json.UnmarshalFromString(payload, &ev); err != nil {
		b.logger.Warn("Dropping malformed bridge payload.", zap.Error(err), zap.String("payload", payload))
		return
	}

	b.mu.Lock()
	select {
	case <-b.done:
		b.mu.Unlock()
		return
	default:
	}
	b.queue = append(b.queue, ev)
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *Bridge) pump() {
	defer close(b.out)
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.mu.Unlock()
			select {
			case <-b.notify:
				continue
			case <-b.done:
				return
			}
		}
		ev := b.queue[0]
		b.queue[0] = Event{}
		b.queue = b.queue[1:]
		b.mu.Unlock()

		select {
		case b.out <- ev:
		case <-b.done:
			return
		}
	}
}

// CloseScript closes the event source and removes both window globals.
func (b *Bridge) CloseScript() string {
	return fmt.Sprintf(`(() => {
  const exit = window[%[1]q];
  if (typeof exit === "function") {
    exit();
  }
  delete window[%[1]q];
  delete window[%[2]q];
})()`, b.exit, b.callback)
}

// Close stops the in-page stream, removes the binding and ends Events. Only the
// first call has any effect; later calls return the first result.
func (b *Bridge) Close(ctx context.Context) error {
	b.closeOnce.Do(func() {
		var errs []error
		if err := b.page.Evaluate(ctx, b.CloseScript(), nil); err != nil {
			errs = append(errs, fmt.Errorf("failed to close event source: %w", err))
		}
		if err := b.unbind(ctx); err != nil {
			errs = append(errs, err)
		}

		b.mu.Lock()
		close(b.done)
		b.queue = nil
		b.mu.Unlock()

		b.closeErr = errors.Join(errs...)
		if b.closeErr != nil {
			b.logger.Debug("Bridge closed with errors.", zap.Error(b.closeErr))
		}
	})
	return b.closeErr
}
