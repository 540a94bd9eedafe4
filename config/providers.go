package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
	"github.com/yoockh/streamscribe/internal/models"
)

// ProviderFileSource reads the provider registry from a JSON or YAML file on
// every Load, so operators can reorder, disable or rotate keys without a
// restart. When the file does not exist the registry is derived from
// OPENAI_API_KEY, GROK_API_KEY and GEMINI_PROJECT, in that order.
//
// File shape:
//
//	{"providers": [
//	  {"id": "openai", "enabled": true, "api_key": "${OPENAI_API_KEY}", "model": "gpt-4o-mini"},
//	  {"id": "grok", "enabled": true, "api_key": "xai-..."},
//	  {"id": "gemini", "enabled": false, "project": "my-gcp-project", "location": "us-central1"}
//	]}
type ProviderFileSource struct {
	Path string
}

func NewProviderFileSource(path string) *ProviderFileSource {
	return &ProviderFileSource{Path: path}
}

func (s *ProviderFileSource) Load(ctx context.Context) ([]models.ProviderRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.Path == "" {
		return ProvidersFromEnv(), nil
	}
	if _, err := os.Stat(s.Path); errors.Is(err, os.ErrNotExist) {
		return ProvidersFromEnv(), nil
	}

	v := viper.New()
	v.SetConfigFile(s.Path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read provider registry %s: %w", s.Path, err)
	}

	var records []models.ProviderRecord
	if err := v.UnmarshalKey("providers", &records); err != nil {
		return nil, fmt.Errorf("decode provider registry %s: %w", s.Path, err)
	}

	seen := make(map[string]bool, len(records))
	out := records[:0]
	for _, r := range records {
		r.ID = strings.TrimSpace(r.ID)
		if r.ID == "" || seen[r.ID] {
			continue
		}
		seen[r.ID] = true
		r.APIKey = os.ExpandEnv(r.APIKey)
		r.Project = os.ExpandEnv(r.Project)
		out = append(out, r)
	}
	return out, nil
}

func ProvidersFromEnv() []models.ProviderRecord {
	var out []models.ProviderRecord
	if k := os.Getenv("OPENAI_API_KEY"); k != "" {
		out = append(out, models.ProviderRecord{ID: models.ProviderOpenAI, Enabled: true, APIKey: k, Model: os.Getenv("OPENAI_MODEL")})
	}
	if k := os.Getenv("GROK_API_KEY"); k != "" {
		out = append(out, models.ProviderRecord{ID: models.ProviderGrok, Enabled: true, APIKey: k, Model: os.Getenv("GROK_MODEL")})
	}
	if p := os.Getenv("GEMINI_PROJECT"); p != "" {
		out = append(out, models.ProviderRecord{
			ID:       models.ProviderGemini,
			Enabled:  true,
			Project:  p,
			Location: os.Getenv("GEMINI_LOCATION"),
			Model:    os.Getenv("GEMINI_MODEL"),
		})
	}
	return out
}
