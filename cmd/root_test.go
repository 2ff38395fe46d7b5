// File: cmd/root_test.go
package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/youbridge/internal/browser"
	"github.com/xkilldash9x/youbridge/internal/browser/browsertest"
	"github.com/xkilldash9x/youbridge/internal/config"
	"github.com/xkilldash9x/youbridge/internal/observability"
)

// executeCommand runs a fresh command tree and returns everything it printed.
func executeCommand(t *testing.T, ctx context.Context, args ...string) (string, error) {
	t.Helper()
	t.Cleanup(observability.ResetForTest)

	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

// useLauncher replaces the browser launcher for the duration of the test.
func useLauncher(t *testing.T, l browser.Launcher) {
	t.Helper()
	orig := newLauncher
	newLauncher = func(config.BrowserConfig, *zap.Logger) browser.Launcher { return l }
	t.Cleanup(func() { newLauncher = orig })
}

func cookieFor(t *testing.T, name string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user": map[string]interface{}{"name": name},
	})
	signed, err := token.SignedString([]byte("test-key"))
	require.NoError(t, err)
	return "stytch_session=sess-" + name + "; stytch_session_jwt=" + signed
}

// writeConfig writes a config file with one session per identity.
func writeConfig(t *testing.T, identities ...string) string {
	t.Helper()
	dir := t.TempDir()
	content := `
logger:
  level: error
browser:
  profile_dir: ` + filepath.Join(dir, "profiles") + `
  navigation_timeout: 5s
  initial_load_wait: 0s
  challenge_wait: 0s
store:
  driver: file
  path: ` + filepath.Join(dir, "chat_modes.yaml") + `
sessions:
`
	for _, id := range identities {
		content += "  - cookie: \"" + cookieFor(t, id) + "\"\n"
	}
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func entitledPage(subscriptions int) *browsertest.Page {
	return browsertest.NewPage().Returns("getYouProState",
		map[string]interface{}{"ok": true, "status": 200, "subscriptions": subscriptions})
}

func TestRootCmd_VersionFlag(t *testing.T) {
	out, err := executeCommand(t, context.Background(), "--version")
	require.NoError(t, err)
	assert.Equal(t, Version+"\n", out)
}

func TestVersionCmd(t *testing.T) {
	out, err := executeCommand(t, context.Background(), "version")
	require.NoError(t, err)
	assert.Equal(t, "youbridge "+Version+"\n", out)
}

func TestRootCmd_NoArgs(t *testing.T) {
	out, err := executeCommand(t, context.Background())
	require.NoError(t, err)
	assert.Contains(t, out, "youbridge serves chat completions")
}

func TestRootCmd_InvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  driver: redis\n"), 0o600))

	_, err := executeCommand(t, context.Background(), "--config", path, "validate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown driver "redis"`)
}

func TestRootCmd_EnvOverridesConfig(t *testing.T) {
	useLauncher(t, browsertest.NewLauncher().Add("alice", entitledPage(1)))
	t.Setenv("YOUBRIDGE_STORE_DRIVER", "redis")

	_, err := executeCommand(t, context.Background(), "--config", writeConfig(t, "alice"), "validate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown driver "redis"`)
}

func TestValidateCmd(t *testing.T) {
	launcher := browsertest.NewLauncher().
		Add("alice", entitledPage(1)).
		Add("bob", entitledPage(0))
	useLauncher(t, launcher)

	out, err := executeCommand(t, context.Background(), "--config", writeConfig(t, "alice", "bob"), "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "alice")
	assert.Contains(t, out, string(browser.OutcomeValid))
	assert.Contains(t, out, string(browser.OutcomeNoSubscription))
	assert.Contains(t, out, "1 of 2 sessions valid")
	assert.Equal(t, []string{"alice", "bob"}, launcher.Launched())
}

func TestValidateCmd_NoValidSessions(t *testing.T) {
	page := entitledPage(0)
	useLauncher(t, browsertest.NewLauncher().Add("bob", page))

	_, err := executeCommand(t, context.Background(), "--config", writeConfig(t, "bob"), "validate")
	assert.ErrorIs(t, err, errNoValidSessions)
	assert.True(t, page.Closed(), "invalid sessions give up their browser")
}

func TestValidateCmd_NoSessions(t *testing.T) {
	_, err := executeCommand(t, context.Background(), "--config", writeConfig(t), "validate")
	assert.ErrorIs(t, err, errNoSessions)
}
