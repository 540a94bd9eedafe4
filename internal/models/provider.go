package models

import "time"

const (
	ProviderOpenAI = "openai"
	ProviderGrok   = "grok"
	ProviderGemini = "gemini"
)

// ProviderRecord is one configured AI backend as read from the provider
// registry file. Slice order in the registry is the selection order.
type ProviderRecord struct {
	ID      string `mapstructure:"id" json:"id"`
	Kind    string `mapstructure:"kind" json:"kind,omitempty"` // defaults to ID
	Enabled bool   `mapstructure:"enabled" json:"enabled"`

	APIKey  string `mapstructure:"api_key" json:"-"`
	Model   string `mapstructure:"model" json:"model,omitempty"`
	BaseURL string `mapstructure:"base_url" json:"base_url,omitempty"`

	// Vertex AI
	Project  string `mapstructure:"project" json:"project,omitempty"`
	Location string `mapstructure:"location" json:"location,omitempty"`
}

func (r ProviderRecord) EffectiveKind() string {
	if r.Kind != "" {
		return r.Kind
	}
	return r.ID
}

// HasCredential reports whether the record carries what its kind needs to
// authenticate. Gemini on Vertex uses ambient credentials plus a project.
func (r ProviderRecord) HasCredential() bool {
	if r.EffectiveKind() == ProviderGemini {
		return r.Project != ""
	}
	return r.APIKey != ""
}

// ProviderStatus is the operator view of one provider's eligibility.
type ProviderStatus struct {
	ID               string     `json:"id"`
	Enabled          bool       `json:"enabled"`
	HasCredential    bool       `json:"has_credential"`
	FailedAt         *time.Time `json:"failed_at,omitempty"`
	CooldownRemainMS int64      `json:"cooldown_remaining_ms"`
	Eligible         bool       `json:"eligible"`
}
