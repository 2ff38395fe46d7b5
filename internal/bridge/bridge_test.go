package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/youbridge/internal/browser/browsertest"
)

const traceID = "0f8fad5b-d9cb-469f-a165-70867728950e"

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func collect(t *testing.T, ch <-chan Event, n int) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

func TestNames(t *testing.T) {
	assert.Equal(t, "callback0f8fad5b", CallbackName(traceID))
	assert.Equal(t, "exit0f8fad5b", ExitName(traceID))
	assert.Equal(t, "callbackabc", CallbackName("abc"))
}

func TestStreamScript(t *testing.T) {
	url := `https://you.com/api/streamingSearch?q=+&userFiles=%5B%7B%22a%22%7D%5D&x="quoted"`
	script := StreamScript(url, traceID)

	assert.NotContains(t, script, "__URL__")
	assert.NotContains(t, script, "__CALLBACK__")
	assert.NotContains(t, script, "__EXIT__")
	line := script[strings.Index(script, "const url = "):]
	line = strings.TrimSuffix(line[len("const url = "):strings.Index(line, "\n")], ";")
	var decoded string
	require.NoError(t, json.UnmarshalFromString(line, &decoded))
	assert.Equal(t, url, decoded)
	assert.Contains(t, script, `const callbackName = "callback0f8fad5b";`)
	assert.Contains(t, script, `const exitName = "exit0f8fad5b";`)
	assert.Contains(t, script, `addEventListener("youChatToken"`)
	assert.Contains(t, script, `addEventListener(
    "done"`)
	assert.Contains(t, script, "source.onerror")
}

func TestBridge_DeliversInOrder(t *testing.T) {
	ctx := context.Background()
	page := browsertest.NewPage()

	b, err := Open(ctx, page, traceID, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.True(t, page.Bound(CallbackName(traceID)))

	// Everything arrives before anyone reads; delivery must not block.
	const n = 500
	for i := 0; i < n; i++ {
		require.True(t, page.EmitEvent(CallbackName(traceID), string(KindToken), fmt.Sprintf(`{"youChatToken":"%d"}`, i)))
	}
	require.True(t, page.EmitEvent(CallbackName(traceID), string(KindDone), ""))

	events := collect(t, b.Events(), n+1)
	require.Len(t, events, n+1)
	for i := 0; i < n; i++ {
		assert.Equal(t, Event{Kind: KindToken, Data: fmt.Sprintf(`{"youChatToken":"%d"}`, i)}, events[i])
	}
	assert.Equal(t, KindDone, events[n].Kind)

	require.NoError(t, b.Close(ctx))
}

func TestBridge_DropsMalformedPayloads(t *testing.T) {
	ctx := context.Background()
	page := browsertest.NewPage()
	b, err := Open(ctx, page, traceID, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer b.Close(ctx)

	page.Emit(CallbackName(traceID), "not json")
	page.EmitEvent(CallbackName(traceID), string(KindError), "boom")

	events := collect(t, b.Events(), 1)
	assert.Equal(t, []Event{{Kind: KindError, Data: "boom"}}, events)
}

func TestBridge_Close(t *testing.T) {
	ctx := context.Background()
	page := browsertest.NewPage()
	b, err := Open(ctx, page, traceID, zaptest.NewLogger(t))
	require.NoError(t, err)

	page.EmitEvent(CallbackName(traceID), string(KindToken), `{"youChatToken":"unread"}`)

	require.NoError(t, b.Close(ctx))
	require.NoError(t, b.Close(ctx))

	closeScripts := page.ScriptsContaining(`delete window["exit0f8fad5b"]`)
	require.Len(t, closeScripts, 1, "close runs once")
	assert.Contains(t, closeScripts[0], `delete window["callback0f8fad5b"]`)
	assert.Equal(t, []string{CallbackName(traceID)}, page.Unbound())
	assert.False(t, page.Bound(CallbackName(traceID)))

	// Events is closed; anything still queued is discarded.
	for range b.Events() {
	}
	_, ok := <-b.Events()
	assert.False(t, ok)
}

func TestBridge_CloseReportsErrors(t *testing.T) {
	ctx := context.Background()
	evalErr := errors.New("target closed")
	page := browsertest.NewPage().On("delete window", func(context.Context, string) (interface{}, error) {
		return nil, evalErr
	})
	b, err := Open(ctx, page, traceID, zaptest.NewLogger(t))
	require.NoError(t, err)

	err = b.Close(ctx)
	assert.ErrorIs(t, err, evalErr)
	assert.ErrorIs(t, b.Close(ctx), evalErr)
	assert.False(t, page.Bound(CallbackName(traceID)), "binding is removed even if the page call fails")
}

func TestBridge_OpenFailure(t *testing.T) {
	page := browsertest.NewPage()
	page.BindErr = errors.New("binding rejected")

	_, err := Open(context.Background(), page, traceID, zaptest.NewLogger(t))
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "callback0f8fad5b"))
}

func TestBridge_IsolatedByTrace(t *testing.T) {
	ctx := context.Background()
	page := browsertest.NewPage()
	other := "7c9e6679-7425-40de-944b-e07fc1f90ae7"

	a, err := Open(ctx, page, traceID, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer a.Close(ctx)
	b, err := Open(ctx, page, other, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer b.Close(ctx)

	page.EmitEvent(CallbackName(other), string(KindToken), `{"youChatToken":"for b"}`)
	page.EmitEvent(CallbackName(traceID), string(KindToken), `{"youChatToken":"for a"}`)

	assert.Equal(t, `{"youChatToken":"for a"}`, collect(t, a.Events(), 1)[0].Data)
	assert.Equal(t, `{"youChatToken":"for b"}`, collect(t, b.Events(), 1)[0].Data)
}
