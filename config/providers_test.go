package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yoockh/streamscribe/internal/models"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestProviderFileSourceKeepsOrderAndExpandsEnv(t *testing.T) {
	t.Setenv("TEST_GROK_KEY", "xai-secret")
	path := writeFile(t, "providers.json", `{
	  "providers": [
	    {"id": "grok", "enabled": true, "api_key": "${TEST_GROK_KEY}"},
	    {"id": "openai", "enabled": false, "api_key": "sk-1", "model": "gpt-4o"},
	    {"id": "grok", "enabled": true, "api_key": "dup"},
	    {"id": "gemini", "enabled": true, "project": "proj", "location": "europe-west1"}
	  ]
	}`)

	recs, err := NewProviderFileSource(path).Load(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 3)

	assert.Equal(t, "grok", recs[0].ID)
	assert.Equal(t, "xai-secret", recs[0].APIKey)
	assert.Equal(t, "openai", recs[1].ID)
	assert.False(t, recs[1].Enabled)
	assert.Equal(t, "gpt-4o", recs[1].Model)
	assert.Equal(t, "proj", recs[2].Project)
	assert.Equal(t, "europe-west1", recs[2].Location)
	assert.True(t, recs[2].HasCredential())
}

func TestProviderFileSourceReloadsOnEveryLoad(t *testing.T) {
	path := writeFile(t, "providers.json", `{"providers":[{"id":"openai","enabled":true,"api_key":"a"}]}`)
	src := NewProviderFileSource(path)

	recs, err := src.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)

	require.NoError(t, os.WriteFile(path, []byte(`{"providers":[{"id":"openai","enabled":false,"api_key":"a"},{"id":"grok","enabled":true,"api_key":"b"}]}`), 0o600))
	recs, err = src.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.False(t, recs[0].Enabled)
}

func TestProviderFileSourceFallsBackToEnv(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("GROK_API_KEY", "xai")
	t.Setenv("GEMINI_PROJECT", "proj")

	recs, err := NewProviderFileSource(filepath.Join(t.TempDir(), "missing.json")).Load(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, models.ProviderGrok, recs[0].ID)
	assert.Equal(t, models.ProviderGemini, recs[1].ID)
}

func TestProviderFileSourceRejectsMalformedFile(t *testing.T) {
	path := writeFile(t, "providers.json", `{"providers": [`)
	_, err := NewProviderFileSource(path).Load(context.Background())
	assert.Error(t, err)
}
