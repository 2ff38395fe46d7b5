// internal/browser/pool.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/youbridge/internal/config"
	"github.com/xkilldash9x/youbridge/internal/credentials"
)

var (
	ErrSessionNotFound = errors.New("no session for identity")
	ErrSessionInvalid  = errors.New("session for identity is not valid")
)

const (
	entitlementPath  = "/api/user/getYouProState"
	challengeMessage = "Please complete the human verification in this window."
)

// Outcome classifies what happened to one configured credential.
type Outcome string

const (
	OutcomeValid             Outcome = "valid"
	OutcomeNoSubscription    Outcome = "no_subscription"
	OutcomeCredentialInvalid Outcome = "credential_invalid"
	OutcomeParseFailed       Outcome = "parse_failed"
	OutcomeLaunchFailed      Outcome = "launch_failed"
)

// Result is the initialization outcome of one configured credential.
type Result struct {
	ConfigIndex int
	Identity    string
	Outcome     Outcome
	Err         error
}

// Report lists the outcome of every credential passed to Initialize, in config order.
type Report struct {
	Results []Result
}

// ValidCount returns the number of sessions that became valid.
func (r Report) ValidCount() int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == OutcomeValid {
			n++
		}
	}
	return n
}

// IdentitySession is one authenticated upstream account. Values handed out by Get
// are snapshots and never change afterwards.
type IdentitySession struct {
	Identity    string
	ConfigIndex int
	SessionCred string
	AuthToken   string
	Valid       bool
	// Page is nil unless Valid.
	Page Page
}

// Pool owns one browser per identity.
type Pool struct {
	cfg      config.BrowserConfig
	origin   string
	launcher Launcher
	logger   *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*IdentitySession
}

func NewPool(cfg config.BrowserConfig, provider config.ProviderConfig, launcher Launcher, logger *zap.Logger) *Pool {
	return &Pool{
		cfg:      cfg,
		origin:   strings.TrimRight(provider.Origin, "/"),
		launcher: launcher,
		logger:   logger.Named("session_pool"),
		sessions: make(map[string]*IdentitySession),
	}
}

// Initialize brings up a session for every credential, one at a time. A failing
// credential is recorded in the report and never stops the batch.
func (p *Pool) Initialize(ctx context.Context, sessions []config.SessionConfig) Report {
	limit := rate.Inf
	if p.cfg.LaunchInterval > 0 {
		limit = rate.Every(p.cfg.LaunchInterval)
	}
	limiter := rate.NewLimiter(limit, 1)

	report := Report{Results: make([]Result, 0, len(sessions))}
	for i, sc := range sessions {
		res := p.initializeOne(ctx, limiter, i, sc)
		report.Results = append(report.Results, res)

		fields := []zap.Field{zap.Int("config_index", i), zap.String("identity", res.Identity), zap.String("outcome", string(res.Outcome))}
		switch res.Outcome {
		case OutcomeValid:
			p.logger.Info("Session ready.", fields...)
		case OutcomeNoSubscription:
			p.logger.Warn("Session has no active subscription.", fields...)
		default:
			p.logger.Warn("Session unavailable.", append(fields, zap.Error(res.Err))...)
		}
	}
	p.logger.Info("Session pool initialized.",
		zap.Int("configured", len(sessions)), zap.Int("valid", report.ValidCount()))
	return report
}

func (p *Pool) initializeOne(ctx context.Context, limiter *rate.Limiter, index int, sc config.SessionConfig) Result {
	res := Result{ConfigIndex: index}

	cred := credentials.Parse(sc.Cookie)
	identity, err := cred.Identity()
	if err != nil {
		res.Outcome, res.Err = OutcomeParseFailed, err
		return res
	}
	res.Identity = identity

	session := &IdentitySession{
		Identity:    identity,
		ConfigIndex: index,
		SessionCred: cred.SessionCred,
		AuthToken:   cred.AuthToken,
	}
	p.mu.Lock()
	if _, dup := p.sessions[identity]; dup {
		p.mu.Unlock()
		res.Outcome = OutcomeParseFailed
		res.Err = fmt.Errorf("%w: identity %q is already configured", credentials.ErrCredentialParse, identity)
		return res
	}
	p.sessions[identity] = session
	p.mu.Unlock()

	if err := limiter.Wait(ctx); err != nil {
		res.Outcome, res.Err = OutcomeLaunchFailed, err
		return res
	}

	page, outcome, err := p.open(ctx, identity, cred)
	res.Outcome, res.Err = outcome, err
	if outcome != OutcomeValid {
		return res
	}

	p.mu.Lock()
	session.Page = page
	session.Valid = true
	p.mu.Unlock()
	return res
}

// open launches and authenticates a page. Any page that does not end up valid is closed.
func (p *Pool) open(ctx context.Context, identity string, cred credentials.Credential) (page Page, outcome Outcome, err error) {
	logger := p.logger.With(zap.String("identity", identity))

	page, err = p.launcher.Launch(ctx, identity)
	if err != nil {
		return nil, OutcomeLaunchFailed, err
	}
	defer func() {
		if outcome != OutcomeValid {
			if closeErr := page.Close(Detach(ctx)); closeErr != nil {
				logger.Debug("Failed to close discarded page.", zap.Error(closeErr))
			}
			page = nil
		}
	}()

	if err := page.SetCookies(ctx, credentials.SessionCookies(cred.SessionCred, cred.AuthToken)); err != nil {
		return page, OutcomeLaunchFailed, err
	}

	navCtx, cancel := context.WithTimeout(ctx, p.cfg.NavigationTimeout)
	err = page.Navigate(navCtx, p.origin)
	cancel()
	if err != nil {
		return page, OutcomeLaunchFailed, err
	}
	if err := sleepContext(ctx, p.cfg.InitialLoadWait); err != nil {
		return page, OutcomeLaunchFailed, err
	}

	content, err := page.Content(ctx)
	if err != nil {
		return page, OutcomeLaunchFailed, err
	}
	if hasChallenge(content) {
		logger.Warn("Human verification challenge detected, waiting for it to be solved.",
			zap.String("source", challengeSource(content)), zap.Duration("wait", p.cfg.ChallengeWait))
		alert := fmt.Sprintf("setTimeout(() => alert(%q), 0)", challengeMessage)
		if err := page.Evaluate(ctx, alert, nil); err != nil {
			logger.Debug("Could not show challenge alert.", zap.Error(err))
		}
		if err := sleepContext(ctx, p.cfg.ChallengeWait); err != nil {
			return page, OutcomeLaunchFailed, err
		}
	}

	outcome, err = p.probe(ctx, page)
	return page, outcome, err
}

type entitlement struct {
	OK            bool   `json:"ok"`
	Status        int    `json:"status"`
	Subscriptions int    `json:"subscriptions"`
	Error         string `json:"error"`
}

// EntitlementScript fetches the subscription state from inside the page.
const EntitlementScript = `(async () => {
  try {
    const resp = await fetch(` + "`" + entitlementPath + "`" + `, { method: "GET", credentials: "include" });
    if (!resp.ok) {
      return { ok: false, status: resp.status };
    }
    const data = await resp.json();
    const subs = data && Array.isArray(data.subscriptions) ? data.subscriptions.length : 0;
    return { ok: true, status: resp.status, subscriptions: subs };
  } catch (e) {
    return { ok: false, status: 0, error: String(e) };
  }
})()`

func (p *Pool) probe(ctx context.Context, page Page) (Outcome, error) {
	var ent entitlement
	if err := page.Evaluate(ctx, EntitlementScript, &ent); err != nil {
		return OutcomeCredentialInvalid, fmt.Errorf("entitlement probe failed: %w", err)
	}
	if !ent.OK {
		if ent.Error != "" {
			return OutcomeCredentialInvalid, fmt.Errorf("entitlement probe failed: %s", ent.Error)
		}
		return OutcomeCredentialInvalid, fmt.Errorf("entitlement probe returned status %d", ent.Status)
	}
	if ent.Subscriptions == 0 {
		return OutcomeNoSubscription, errors.New("no active subscription")
	}
	return OutcomeValid, nil
}

// Get returns a copy of the valid session for identity, taken under the pool lock.
// A page obtained this way may still be closed by a later Shutdown, in which case
// its operations fail with ErrPageClosed.
func (p *Pool) Get(identity string) (*IdentitySession, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.sessions[identity]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, identity)
	}
	if !s.Valid || s.Page == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionInvalid, identity)
	}
	snapshot := *s
	return &snapshot, nil
}

// Identities returns every known identity, sorted.
func (p *Pool) Identities() []string {
	return p.list(func(*IdentitySession) bool { return true })
}

// ValidIdentities returns the identities that can serve completions, sorted.
func (p *Pool) ValidIdentities() []string {
	return p.list(func(s *IdentitySession) bool { return s.Valid })
}

func (p *Pool) list(keep func(*IdentitySession) bool) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.sessions))
	for id, s := range p.sessions {
		if keep(s) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Shutdown closes every live page concurrently. Sessions become invalid.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	pages := make(map[string]Page)
	for id, s := range p.sessions {
		if s.Page != nil {
			pages[id] = s.Page
		}
		s.Valid = false
		s.Page = nil
	}
	p.mu.Unlock()

	p.logger.Info("Shutting down session pool.", zap.Int("pages", len(pages)))

	// One failing close must not abort the others.
	var g errgroup.Group
	for id, page := range pages {
		g.Go(func() error {
			if err := page.Close(ctx); err != nil {
				p.logger.Warn("Error closing page during shutdown.", zap.String("identity", id), zap.Error(err))
				return fmt.Errorf("close %s: %w", id, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
