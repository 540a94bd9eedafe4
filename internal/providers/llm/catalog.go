package llm

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/yoockh/streamscribe/internal/models"
)

// Factory builds a provider client from its registry record.
type Factory func(ctx context.Context, rec models.ProviderRecord) (Provider, error)

// DefaultFactory knows the provider kinds this service ships with.
func DefaultFactory(ctx context.Context, rec models.ProviderRecord) (Provider, error) {
	switch rec.EffectiveKind() {
	case models.ProviderOpenAI:
		return NewOpenAICompatible(rec.ID, rec.APIKey, orDefault(rec.Model, "gpt-4o-mini"), orDefault(rec.BaseURL, OpenAIBaseURL)), nil
	case models.ProviderGrok:
		return NewOpenAICompatible(rec.ID, rec.APIKey, orDefault(rec.Model, "grok-2-latest"), orDefault(rec.BaseURL, GrokBaseURL)), nil
	case models.ProviderGemini:
		return NewVertexGemini(ctx, rec.ID, rec.Project, rec.Location, rec.Model)
	default:
		return nil, fmt.Errorf("unknown provider kind %q", rec.EffectiveKind())
	}
}

type catalogEntry struct {
	fingerprint string
	provider    Provider
}

// Catalog caches one client per provider id and rebuilds it when the
// record's connection settings change between registry reloads.
type Catalog struct {
	mu      sync.Mutex
	factory Factory
	entries map[string]catalogEntry
	log     *logrus.Entry
}

func NewCatalog(factory Factory, log *logrus.Entry) *Catalog {
	if factory == nil {
		factory = DefaultFactory
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Catalog{factory: factory, entries: make(map[string]catalogEntry), log: log}
}

func (c *Catalog) Get(ctx context.Context, rec models.ProviderRecord) (Provider, error) {
	fp := fingerprint(rec)

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[rec.ID]; ok {
		if e.fingerprint == fp {
			return e.provider, nil
		}
		if err := e.provider.Close(); err != nil {
			c.log.WithError(err).WithField("provider", rec.ID).Warn("close stale provider client")
		}
		delete(c.entries, rec.ID)
	}

	p, err := c.factory(ctx, rec)
	if err != nil {
		return nil, err
	}
	c.entries[rec.ID] = catalogEntry{fingerprint: fp, provider: p}
	return p, nil
}

func (c *Catalog) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, e := range c.entries {
		_ = e.provider.Close()
		delete(c.entries, id)
	}
}

func fingerprint(rec models.ProviderRecord) string {
	return rec.EffectiveKind() + "|" + rec.APIKey + "|" + rec.Model + "|" + rec.BaseURL + "|" + rec.Project + "|" + rec.Location
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
