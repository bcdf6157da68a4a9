// Package scamdetect provides an HTTP client for the ScamDetect
// classification API. It implements the classifier.Classifier interface.
package scamdetect

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/callwarden/callwarden/pkg/classifier"
)

const (
	defaultBaseURL = "https://api.scamdetect.io"
	classifyPath   = "/v1/classify"
)

// Option is a functional option for configuring the ScamDetect Client.
type Option func(*Client)

// WithBaseURL overrides the default API endpoint. Useful for self-hosted
// deployments and tests against httptest servers.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = baseURL
	}
}

// WithModel selects a specific classification model (e.g., "sentinel-2").
func WithModel(model string) Option {
	return func(c *Client) {
		c.model = model
	}
}

// WithHTTPClient replaces the underlying [http.Client]. Per-request timeouts
// are driven by the caller's context, so the default client carries none.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// Client implements classifier.Classifier backed by the ScamDetect HTTP API.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// New creates a new ScamDetect Client. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("scamdetect: apiKey must not be empty")
	}
	c := &Client{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// classifyRequest is the JSON body sent to the classify endpoint.
type classifyRequest struct {
	SessionID     string `json:"session_id"`
	SegmentIndex  int    `json:"segment_index"`
	SourceID      string `json:"source_id"`
	SealedPayload string `json:"sealed_payload"`
	Model         string `json:"model,omitempty"`
}

// classifyResponse is the JSON body returned by the classify endpoint.
type classifyResponse struct {
	Probability   float64  `json:"probability"`
	Keywords      []string `json:"keywords"`
	Transcription string   `json:"transcription"`
}

// Classify sends req to the ScamDetect API and returns the scored response.
// Any transport error, non-2xx status, or undecodable body is reported as a
// [classifier.ErrTransport] failure so callers can distinguish "service said
// benign" from "service unavailable".
func (c *Client) Classify(ctx context.Context, req classifier.Request) (classifier.Response, error) {
	body, err := json.Marshal(classifyRequest{
		SessionID:     req.SessionID,
		SegmentIndex:  req.SegmentIndex,
		SourceID:      req.SourceID,
		SealedPayload: req.SealedPayload,
		Model:         c.model,
	})
	if err != nil {
		return classifier.Response{}, fmt.Errorf("scamdetect: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+classifyPath, bytes.NewReader(body))
	if err != nil {
		return classifier.Response{}, fmt.Errorf("scamdetect: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return classifier.Response{}, fmt.Errorf("%w: %v", classifier.ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Read a bounded amount of the body for the error message.
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return classifier.Response{}, fmt.Errorf("%w: status %d: %s", classifier.ErrTransport, resp.StatusCode, bytes.TrimSpace(detail))
	}

	var out classifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return classifier.Response{}, fmt.Errorf("%w: decode response: %v", classifier.ErrTransport, err)
	}
	if out.Probability < 0 || out.Probability > 1 {
		return classifier.Response{}, fmt.Errorf("%w: probability %v out of range", classifier.ErrTransport, out.Probability)
	}

	return classifier.Response{
		Probability:   out.Probability,
		Keywords:      out.Keywords,
		Transcription: out.Transcription,
	}, nil
}
