// Package provider turns a chat request into a completion event stream served by an
// authenticated browser session.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/youbridge/internal/bridge"
	"github.com/xkilldash9x/youbridge/internal/browser"
	"github.com/xkilldash9x/youbridge/internal/config"
	"github.com/xkilldash9x/youbridge/internal/docx"
)

var (
	ErrSessionUnavailable = errors.New("no valid session for identity")
	ErrNonceUnavailable   = errors.New("upload nonce unavailable")
	ErrUploadFailed       = errors.New("document upload failed")
	ErrStreamTransport    = errors.New("event stream transport error")
)

// Message is one chat turn. Only Content reaches the upstream.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest describes one completion.
type CompletionRequest struct {
	Identity string
	Messages []Message
	// Stream selects per-token events; otherwise one concatenated completion is emitted.
	Stream        bool
	Model         string
	UseCustomMode bool
}

// Sessions returns the live session of an identity.
type Sessions interface {
	Get(identity string) (*browser.IdentitySession, error)
}

// ModeResolver picks the chat mode of a request.
type ModeResolver interface {
	Resolve(ctx context.Context, identity, model string, useCustomMode bool) (string, error)
}

// Provider runs completions against the upstream chat product.
type Provider struct {
	sessions Sessions
	modes    ModeResolver
	origin   string
	market   string
	logger   *zap.Logger

	now   func() time.Time
	newID func() string
	// closeTimeout bounds the in-page cleanup of a finished request.
	closeTimeout time.Duration
}

// Option configures a Provider.
type Option func(*Provider)

// WithClock replaces the clock used for trace timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) { p.now = now }
}

// WithIDGenerator replaces the generator of trace and message ids.
func WithIDGenerator(newID func() string) Option {
	return func(p *Provider) { p.newID = newID }
}

func New(sessions Sessions, modes ModeResolver, cfg config.ProviderConfig, logger *zap.Logger, opts ...Option) *Provider {
	p := &Provider{
		sessions:     sessions,
		modes:        modes,
		origin:       strings.TrimRight(cfg.Origin, "/"),
		market:       cfg.Market,
		logger:       logger.Named("provider"),
		now:          time.Now,
		newID:        uuid.NewString,
		closeTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Complete prepares the request and starts streaming. Failures up to and including
// the upload are returned here; later ones arrive as an EventError on the
// completion's channel. Cancelling ctx cancels the completion.
func (p *Provider) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	session, err := p.sessions.Get(req.Identity)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSessionUnavailable, err)
	}
	logger := p.logger.With(zap.String("identity", req.Identity), zap.String("model", req.Model))

	modeID, err := p.modes.Resolve(ctx, req.Identity, req.Model, req.UseCustomMode)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve chat mode: %w", err)
	}

	contents := make([]string, len(req.Messages))
	for i, m := range req.Messages {
		contents[i] = m.Content
	}
	doc, err := docx.Encode(strings.Join(contents, "\n\n"))
	if err != nil {
		return nil, fmt.Errorf("failed to encode messages: %w", err)
	}

	c := newCompletion(req.Stream)
	c.setState(StateUploading)

	stored, err := p.upload(ctx, session.Page, doc)
	if err != nil {
		logger.Warn("Upload failed.", zap.Error(err))
		return nil, err
	}

	c.traceID = p.newID()
	url := StreamURL(p.origin, StreamRequest{
		TraceID:    c.traceID,
		MessageID:  p.newID(),
		Time:       p.now(),
		ModeID:     modeID,
		Model:      req.Model,
		StoredName: stored,
		Size:       len(doc),
		Market:     p.market,
	})
	c.logger = logger.With(zap.String("trace_id", c.traceID), zap.String("mode_id", modeID))

	br, err := bridge.Open(ctx, session.Page, c.traceID, c.logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStreamTransport, err)
	}
	c.bridge = br
	c.page = session.Page
	c.closeTimeout = p.closeTimeout

	c.setState(StateStreaming)
	c.logger.Info("Completion started.", zap.Bool("stream", req.Stream), zap.Int("document_bytes", len(doc)))
	go c.run(ctx, bridge.StreamScript(url, c.traceID))
	return c, nil
}

// upload stores doc upstream and returns its stored file name.
func (p *Provider) upload(ctx context.Context, page browser.Page, doc []byte) (string, error) {
	var nonce string
	if err := page.Evaluate(ctx, nonceScript(p.origin), &nonce); err != nil {
		return "", fmt.Errorf("%w: %w", ErrNonceUnavailable, err)
	}
	if nonce == "" {
		return "", ErrNonceUnavailable
	}

	var res *uploadResult
	if err := page.Evaluate(ctx, uploadScript(p.origin, nonce, doc), &res); err != nil {
		return "", fmt.Errorf("%w: %w", ErrUploadFailed, err)
	}
	switch {
	case res == nil:
		return "", fmt.Errorf("%w: empty response", ErrUploadFailed)
	case res.Error != "":
		return "", fmt.Errorf("%w: %s", ErrUploadFailed, res.Error)
	case res.Filename == "":
		return "", fmt.Errorf("%w: no stored file name", ErrUploadFailed)
	}
	return res.Filename, nil
}
