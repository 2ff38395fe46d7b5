// internal/browser/launcher.go
package browser

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/chromedp/chromedp"
	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"

	"github.com/xkilldash9x/youbridge/internal/browser/stealth"
	"github.com/xkilldash9x/youbridge/internal/config"
)

// Launcher starts one browser for an identity.
type Launcher interface {
	Launch(ctx context.Context, identity string) (Page, error)
}

// CDPLauncher launches a dedicated Chrome process per identity with a persistent
// profile directory, driven over the DevTools protocol.
type CDPLauncher struct {
	cfg     config.BrowserConfig
	persona stealth.Persona
	logger  *zap.Logger
}

var _ Launcher = (*CDPLauncher)(nil)

func NewCDPLauncher(cfg config.BrowserConfig, logger *zap.Logger) *CDPLauncher {
	return &CDPLauncher{
		cfg:     cfg,
		persona: stealth.FromConfig(cfg.Persona),
		logger:  logger.Named("launcher"),
	}
}

// Launch starts the browser and applies the stealth persona. The browser outlives
// ctx; it stops when the returned page is closed.
func (l *CDPLauncher) Launch(ctx context.Context, identity string) (Page, error) {
	profileDir, err := ProfileDir(l.cfg.ProfileDir, identity)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(profileDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create profile directory: %w", err)
	}

	logger := l.logger.With(zap.String("identity", identity))
	logger.Debug("Launching browser.", zap.String("profile_dir", profileDir))

	allocCtx, allocCancel := chromedp.NewExecAllocator(Detach(ctx), allocatorOptions(l.cfg, profileDir)...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(logger.Sugar().Debugf),
		chromedp.WithErrorf(logger.Sugar().Errorf),
	)
	cancel := func() {
		tabCancel()
		allocCancel()
	}

	// The first Run allocates the browser and must not carry a deadline.
	if err := chromedp.Run(tabCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}

	page := newCDPPage(tabCtx, cancel, logger.Named("page"))

	tasks, err := stealth.Apply(l.persona, logger)
	if err != nil {
		_ = page.Close(Detach(ctx))
		return nil, err
	}
	if err := page.runActions(ctx, tasks); err != nil {
		_ = page.Close(Detach(ctx))
		return nil, fmt.Errorf("failed to apply stealth persona: %w", err)
	}
	return page, nil
}

var unsafeProfileChars = regexp.MustCompile(`[^A-Za-z0-9._@-]+`)

// ProfileDir returns the persistent profile directory of identity under root.
func ProfileDir(root, identity string) (string, error) {
	expanded, err := homedir.Expand(root)
	if err != nil {
		return "", fmt.Errorf("failed to expand profile root %q: %w", root, err)
	}
	name := strings.Trim(unsafeProfileChars.ReplaceAllString(identity, "_"), ".")
	if name == "" {
		return "", fmt.Errorf("identity %q does not yield a usable directory name", identity)
	}
	return filepath.Join(expanded, name), nil
}

type allocatorFlag struct {
	name  string
	value interface{}
}

// allocatorFlags lists the command-line switches for a browser built from cfg. The
// enable-automation switch is never passed.
func allocatorFlags(cfg config.BrowserConfig) []allocatorFlag {
	flags := []allocatorFlag{
		{"no-first-run", true},
		{"no-default-browser-check", true},
		{"disable-blink-features", "AutomationControlled"},
		{"disable-background-networking", true},
		{"disable-backgrounding-occluded-windows", true},
		{"disable-renderer-backgrounding", true},
		{"disable-popup-blocking", true},
		{"password-store", "basic"},
	}
	if cfg.Headless {
		flags = append(flags,
			allocatorFlag{"headless", true},
			allocatorFlag{"hide-scrollbars", true},
			allocatorFlag{"mute-audio", true},
		)
	}
	if cfg.IgnoreTLSErrors {
		flags = append(flags, allocatorFlag{"ignore-certificate-errors", true})
	}

	for _, arg := range cfg.Args {
		key, value, found := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if key == "" || key == "enable-automation" {
			continue
		}
		if found {
			flags = append(flags, allocatorFlag{key, value})
		} else {
			flags = append(flags, allocatorFlag{key, true})
		}
	}
	return flags
}

func allocatorOptions(cfg config.BrowserConfig, profileDir string) []chromedp.ExecAllocatorOption {
	flags := allocatorFlags(cfg)
	opts := make([]chromedp.ExecAllocatorOption, 0, len(flags)+2)
	for _, f := range flags {
		opts = append(opts, chromedp.Flag(f.name, f.value))
	}
	opts = append(opts, chromedp.UserDataDir(profileDir))
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	return opts
}
