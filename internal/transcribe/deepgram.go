package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

const deepgramEndpoint = "https://api.deepgram.com/v1/listen"

// deepgram calls the Deepgram pre-recorded transcription API with the raw
// audio bytes as the request body.
type deepgram struct {
	client   *http.Client
	apiKey   string
	model    string
	language string
}

func (d *deepgram) Name() string { return "deepgram" }

func (d *deepgram) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	q := url.Values{}
	q.Set("model", d.model)
	q.Set("smart_format", "true")
	if d.language != "" {
		q.Set("language", d.language)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		deepgramEndpoint+"?"+q.Encode(), bytes.NewReader(audio))
	if err != nil {
		return "", fmt.Errorf("transcribe: build deepgram request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+d.apiKey)
	if mimeType != "" {
		req.Header.Set("Content-Type", mimeType)
	} else {
		req.Header.Set("Content-Type", "application/octet-stream")
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("transcribe: deepgram request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("transcribe: read deepgram response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("transcribe: deepgram status %d: %s", resp.StatusCode, truncate(body))
	}

	var parsed struct {
		Results struct {
			Channels []struct {
				Alternatives []struct {
					Transcript string `json:"transcript"`
				} `json:"alternatives"`
			} `json:"channels"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("transcribe: decode deepgram response: %w", err)
	}
	if len(parsed.Results.Channels) == 0 || len(parsed.Results.Channels[0].Alternatives) == 0 {
		return "", fmt.Errorf("transcribe: deepgram returned no transcript")
	}
	return parsed.Results.Channels[0].Alternatives[0].Transcript, nil
}

func truncate(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "…"
	}
	return string(b)
}
