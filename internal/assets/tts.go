package assets

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// TTSClient synthesizes speech audio from chat response text via an
// external text-to-speech service.
type TTSClient struct {
	baseURL string
	http    *http.Client
}

func NewTTSClient(baseURL string) *TTSClient {
	return &TTSClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: 2 * time.Minute},
	}
}

type ttsRequest struct {
	Input string `json:"input"`
}

// Synthesize returns MP3 audio for the given text.
func (c *TTSClient) Synthesize(ctx context.Context, text string) (*Asset, error) {
	body, err := json.Marshal(ttsRequest{Input: text})
	if err != nil {
		return nil, fmt.Errorf("marshal tts request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/audio/speech", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build tts request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tts request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tts service returned status %d", resp.StatusCode)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read tts response: %w", err)
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("tts service returned empty audio")
	}

	mime := resp.Header.Get("Content-Type")
	if mime == "" {
		mime = "audio/mpeg"
	}
	return &Asset{Bytes: audio, Mime: mime}, nil
}
