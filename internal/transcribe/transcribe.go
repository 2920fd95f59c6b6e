// Package transcribe turns inbound audio attachments into text via an
// external speech-to-text provider. Transcription is best effort: callers
// treat failures as non-fatal and forward the original message untouched.
package transcribe

import (
	"context"
	"fmt"
	"net/http"

	"github.com/openclaw/openclaw-relay/internal/config"
)

// Provider transcribes one audio payload. Implementations must honour
// ctx cancellation and bound their own HTTP timeouts.
type Provider interface {
	Name() string
	Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error)
}

// New builds the configured provider, or nil when transcription is not
// configured (no provider or missing API key).
func New(cfg *config.Config) (Provider, error) {
	if cfg.STTProvider == config.STTProviderNone || cfg.STTAPIKey == "" {
		return nil, nil
	}

	client := &http.Client{Timeout: cfg.STTTimeout}
	switch cfg.STTProvider {
	case config.STTProviderDeepgram:
		return &deepgram{
			client:   client,
			apiKey:   cfg.STTAPIKey,
			model:    cfg.STTModel,
			language: cfg.STTLanguage,
		}, nil
	case config.STTProviderOpenAI:
		return &openAI{
			client:   client,
			apiKey:   cfg.STTAPIKey,
			model:    cfg.STTModel,
			language: cfg.STTLanguage,
		}, nil
	default:
		return nil, fmt.Errorf("transcribe: unknown provider %q", cfg.STTProvider)
	}
}
