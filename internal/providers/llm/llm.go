package llm

import "context"

// Request is one prepared prompt handed to a provider.
type Request struct {
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
}

type Provider interface {
	// Name is the registry id this instance was built for.
	Name() string
	Complete(ctx context.Context, req Request) (string, error)
	Close() error
}
