package stealth

import (
	"strings"
	"testing"

	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/youbridge/internal/config"
)

func TestScript(t *testing.T) {
	p := Persona{Platform: "Win32", Languages: []string{"ja-JP", "ja"}}
	script, err := Script(p)
	require.NoError(t, err)

	prefix, body, ok := strings.Cut(script, "\n")
	require.True(t, ok)
	assert.Equal(t, evasionsScript, body)

	raw := strings.TrimSuffix(strings.TrimPrefix(prefix, "window.__youbridgePersona = "), ";")
	var decoded Persona
	require.NoError(t, json.Unmarshal([]byte(raw), &decoded))
	assert.Equal(t, p, decoded)
}

func TestApply(t *testing.T) {
	t.Run("empty persona only injects the script", func(t *testing.T) {
		tasks, err := Apply(Persona{}, nil)
		require.NoError(t, err)
		assert.Len(t, tasks, 1)
	})

	t.Run("full persona adds every override", func(t *testing.T) {
		core, logs := observer.New(zap.DebugLevel)
		tasks, err := Apply(FromConfig(config.PersonaConfig{
			UserAgent: "Mozilla/5.0 (Test)",
			Platform:  "Win32",
			Languages: []string{"en-US", "en"},
			Timezone:  "Asia/Tokyo",
			Locale:    "ja-JP",
		}), zap.New(core))
		require.NoError(t, err)

		// script, user agent, timezone, locale, network enable, headers
		assert.Len(t, tasks, 6)
		require.Equal(t, 1, logs.Len())
		assert.Equal(t, "Mozilla/5.0 (Test)", logs.All()[0].ContextMap()["userAgent"])
	})
}

func TestAcceptLanguage(t *testing.T) {
	assert.Equal(t, "en-US", acceptLanguage([]string{"en-US"}))
	assert.Equal(t, "en-US,en;q=0.9,ja;q=0.8", acceptLanguage([]string{"en-US", "en", "ja"}))
}

func TestEvasionsScriptEmbedded(t *testing.T) {
	assert.Contains(t, evasionsScript, "webdriver")
	assert.Contains(t, evasionsScript, "__youbridgePersona")
}
