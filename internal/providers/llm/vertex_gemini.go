package llm

import (
	"context"
	"strings"

	vertexgenai "cloud.google.com/go/vertexai/genai"
	"google.golang.org/api/iterator"
)

type VertexGemini struct {
	id     string
	client *vertexgenai.Client
	model  *vertexgenai.GenerativeModel
}

func NewVertexGemini(ctx context.Context, id, projectID, location, modelName string) (*VertexGemini, error) {
	if location == "" {
		location = "us-central1"
	}
	c, err := vertexgenai.NewClient(ctx, projectID, location)
	if err != nil {
		return nil, err
	}

	if modelName == "" {
		modelName = "gemini-1.5-flash"
	}

	m := c.GenerativeModel(modelName)
	return &VertexGemini{id: id, client: c, model: m}, nil
}

func (v *VertexGemini) Name() string { return v.id }

func (v *VertexGemini) Close() error { return v.client.Close() }

// Complete drains StreamAnswer into one string.
func (v *VertexGemini) Complete(ctx context.Context, req Request) (string, error) {
	chunks, errs := v.StreamAnswer(ctx, req)

	var full strings.Builder
	for chunk := range chunks {
		full.WriteString(chunk)
	}
	if err := <-errs; err != nil {
		return "", err
	}
	return full.String(), nil
}

// StreamAnswer returns a stream of text chunks (incremental). The error
// channel yields at most one value and is closed after chunks.
func (v *VertexGemini) StreamAnswer(ctx context.Context, req Request) (<-chan string, <-chan error) {
	out := make(chan string, 32)
	errs := make(chan error, 1)

	// the model is shared between calls, so the system text travels as a
	// leading part instead of mutating SystemInstruction
	parts := make([]vertexgenai.Part, 0, 2)
	if req.System != "" {
		parts = append(parts, vertexgenai.Text(req.System))
	}
	parts = append(parts, vertexgenai.Text(req.Prompt))

	go func() {
		defer close(errs)
		defer close(out)

		it := v.model.GenerateContentStream(ctx, parts...)
		for {
			resp, err := it.Next()
			if err == iterator.Done {
				return
			}
			if err != nil {
				errs <- err
				return
			}

			for _, cand := range resp.Candidates {
				if cand.Content == nil {
					continue
				}
				for _, part := range cand.Content.Parts {
					if t, ok := part.(vertexgenai.Text); ok && string(t) != "" {
						select {
						case out <- string(t):
						case <-ctx.Done():
							errs <- ctx.Err()
							return
						}
					}
				}
			}
		}
	}()

	return out, errs
}
