// Package collector is the HTTP client for the external document processor.
// The collector turns raw uploads and links into normalized document files;
// its internals are not our concern, only this narrow contract.
package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 5 * time.Minute},
	}
}

// ProcessedDocument describes one normalized file the collector produced.
type ProcessedDocument struct {
	ID       string `json:"id"`
	Location string `json:"location"`
}

// ProcessResult is the collector's verdict on one submission.
type ProcessResult struct {
	Success   bool                `json:"success"`
	Reason    string              `json:"reason,omitempty"`
	Documents []ProcessedDocument `json:"documents,omitempty"`
}

// Online reports whether the collector is reachable. Any failure counts as
// offline; callers surface that instead of submitting work.
func (c *Client) Online(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// ProcessDocument asks the collector to process an uploaded file by name.
func (c *Client) ProcessDocument(ctx context.Context, filename string) (ProcessResult, error) {
	return c.post(ctx, "/process", map[string]string{"filename": filename})
}

// ProcessLink asks the collector to scrape and process a URL.
func (c *Client) ProcessLink(ctx context.Context, link string) (ProcessResult, error) {
	return c.post(ctx, "/process-link", map[string]string{"link": link})
}

func (c *Client) post(ctx context.Context, path string, payload map[string]string) (ProcessResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return ProcessResult{}, fmt.Errorf("marshal collector payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return ProcessResult{}, fmt.Errorf("build collector request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return ProcessResult{}, fmt.Errorf("collector request: %w", err)
	}
	defer resp.Body.Close()

	var result ProcessResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return ProcessResult{}, fmt.Errorf("decode collector response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && result.Reason == "" {
		result.Success = false
		result.Reason = fmt.Sprintf("collector returned status %d", resp.StatusCode)
	}
	return result, nil
}
