package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/youbridge/internal/bridge"
	"github.com/xkilldash9x/youbridge/internal/browser"
)

// State is the lifecycle stage of a completion. Completed, Errored and Cancelled are
// terminal and never left.
type State int32

const (
	StateCreated State = iota
	StateUploading
	StateStreaming
	StateCompleted
	StateErrored
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateUploading:
		return "uploading"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateErrored:
		return "errored"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

func (s State) terminal() bool {
	return s >= StateCompleted
}

// EventKind identifies a completion event.
type EventKind int

const (
	EventStart EventKind = iota
	EventCompletion
	EventEnd
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventStart:
		return "start"
	case EventCompletion:
		return "completion"
	case EventEnd:
		return "end"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is delivered on Completion.Events. Text is set for EventCompletion and Err
// for EventError.
type Event struct {
	Kind    EventKind
	TraceID string
	Text    string
	Err     error
}

// Completion is one in-flight request. Its events are produced by a single
// goroutine that owns the bridge.
type Completion struct {
	traceID      string
	stream       bool
	state        atomic.Int32
	bridge       *bridge.Bridge
	page         browser.Page
	logger       *zap.Logger
	closeTimeout time.Duration

	out        chan Event
	cancel     chan struct{}
	cancelOnce sync.Once
	done       chan struct{}
}

func newCompletion(stream bool) *Completion {
	return &Completion{
		stream: stream,
		logger: zap.NewNop(),
		out:    make(chan Event),
		cancel: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (c *Completion) TraceID() string { return c.traceID }

func (c *Completion) State() State { return State(c.state.Load()) }

// Events yields start, then tokens and end in stream mode or one completion
// otherwise. An error or cancellation ends the sequence early. The channel is
// closed after the last event.
func (c *Completion) Events() <-chan Event { return c.out }

// Cancel stops the stream. No further events are delivered once it returns, and a
// completion that has not yet finished ends in StateCancelled without an end
// event. Calling it again, or after the completion finished, has no effect.
func (c *Completion) Cancel() {
	c.cancelOnce.Do(func() { close(c.cancel) })
	<-c.done
}

func (c *Completion) setState(s State) {
	c.state.Store(int32(s))
}

// finish moves to a terminal state unless one was already reached.
func (c *Completion) finish(s State) bool {
	for {
		cur := State(c.state.Load())
		if cur.terminal() {
			return false
		}
		if c.state.CompareAndSwap(int32(cur), int32(s)) {
			return true
		}
	}
}

// emit delivers ev unless the completion is cancelled first.
func (c *Completion) emit(ctx context.Context, ev Event) bool {
	ev.TraceID = c.traceID
	select {
	case <-c.cancel:
		return false
	case <-ctx.Done():
		return false
	default:
	}
	select {
	case c.out <- ev:
		return true
	case <-c.cancel:
		return false
	case <-ctx.Done():
		return false
	}
}

func (c *Completion) run(ctx context.Context, script string) {
	defer close(c.done)
	defer close(c.out)
	defer c.cleanup(ctx)

	if !c.emit(ctx, Event{Kind: EventStart}) {
		c.cancelled()
		return
	}

	if err := c.page.Evaluate(ctx, script, nil); err != nil {
		if ctx.Err() != nil {
			c.cancelled()
			return
		}
		c.fail(ctx, fmt.Errorf("%w: failed to open event stream: %w", ErrStreamTransport, err))
		return
	}

	var buf strings.Builder
	events := c.bridge.Events()
	for {
		select {
		case <-c.cancel:
			c.cancelled()
			return
		case <-ctx.Done():
			c.cancelled()
			return
		case ev, ok := <-events:
			if !ok {
				c.fail(ctx, fmt.Errorf("%w: bridge closed unexpectedly", ErrStreamTransport))
				return
			}
			switch ev.Kind {
			case bridge.KindToken:
				var tok tokenPayload
				if err := json.UnmarshalFromString(ev.Data, &tok); err != nil {
					c.logger.Warn("Skipping malformed token payload.", zap.Error(err))
					continue
				}
				if !c.stream {
					buf.WriteString(tok.YouChatToken)
					continue
				}
				if !c.emit(ctx, Event{Kind: EventCompletion, Text: tok.YouChatToken}) {
					c.cancelled()
					return
				}
			case bridge.KindDone:
				final := Event{Kind: EventEnd}
				if !c.stream {
					final = Event{Kind: EventCompletion, Text: buf.String()}
				}
				if !c.emit(ctx, final) {
					c.cancelled()
					return
				}
				c.finish(StateCompleted)
				c.logger.Info("Completion finished.")
				return
			case bridge.KindError:
				c.fail(ctx, fmt.Errorf("%w: %s", ErrStreamTransport, ev.Data))
				return
			default:
				c.logger.Debug("Ignoring unknown bridge event.", zap.String("kind", string(ev.Kind)))
			}
		}
	}
}

func (c *Completion) fail(ctx context.Context, err error) {
	if !c.emit(ctx, Event{Kind: EventError, Err: err}) {
		c.cancelled()
		return
	}
	c.finish(StateErrored)
	c.logger.Error("Completion failed.", zap.Error(err))
}

func (c *Completion) cancelled() {
	if c.finish(StateCancelled) {
		c.logger.Info("Completion cancelled.")
	}
}

// cleanup closes the bridge. It runs after the caller's context may be gone, so it
// keeps only the context's values.
func (c *Completion) cleanup(ctx context.Context) {
	closeCtx, cancel := context.WithTimeout(browser.Detach(ctx), c.closeTimeout)
	defer cancel()
	if err := c.bridge.Close(closeCtx); err != nil && !errors.Is(err, browser.ErrPageClosed) {
		c.logger.Warn("Failed to close event bridge.", zap.Error(err))
	}
}
