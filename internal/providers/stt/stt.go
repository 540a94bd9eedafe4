package stt

import "context"

// Audio is one complete recording to recognize.
type Audio struct {
	Data     []byte
	Format   string // file extension without the dot: "wav", "webm", ...
	Language string // BCP-47, "en-US" when empty
}

type Provider interface {
	Transcribe(ctx context.Context, a Audio) (text string, confidence float64, err error)
	Close() error
}
