// Package llmclient drives single-shot and streamed generation through
// the Vertex AI Gemini REST/SDK API, generalized from a fixed
// system+user prompt split to a single-prompt signature with
// per-call max_tokens/temperature.
package llmclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"cloud.google.com/go/vertexai/genai"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/iterator"

	"github.com/AllianceBioversityCIAT/ai-services-core/internal/apierr"
	"github.com/AllianceBioversityCIAT/ai-services-core/internal/retry"
)

// Client wraps the Vertex AI Gemini client. Supports regional endpoints (via
// the Go SDK) and the global endpoint (via REST), matching the
// dual-path adapter.
type Client struct {
	sdk      *genai.Client // nil when using the global endpoint
	http     *http.Client  // used for global-endpoint REST calls
	project  string
	location string
	model    string
	useREST  bool
	baseURL  string // overridden in tests to point at an httptest.Server
}

// New creates a Client. For location "global" the deprecated vertexai/genai
// SDK does not support the endpoint, so REST is used directly.
func New(ctx context.Context, project, location, modelName string) (*Client, error) {
	if location == "global" {
		httpClient, err := google.DefaultClient(ctx, "https://www.googleapis.com/auth/cloud-platform")
		if err != nil {
			return nil, fmt.Errorf("llmclient.New: default credentials: %w", err)
		}
		return &Client{http: httpClient, project: project, location: location, model: modelName, useREST: true}, nil
	}

	sdk, err := genai.NewClient(ctx, project, location)
	if err != nil {
		return nil, fmt.Errorf("llmclient.New: %w", err)
	}
	return &Client{sdk: sdk, project: project, location: location, model: modelName}, nil
}

// NewRESTForTest builds a REST-path Client against an httptest.Server.
func NewRESTForTest(httpClient *http.Client, baseURL, project, modelName string) *Client {
	return &Client{http: httpClient, baseURL: baseURL, project: project, location: "global", model: modelName, useREST: true}
}

// Invoke blocks until completion and returns the full response text.
func (c *Client) Invoke(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error) {
	text, err := retry.Do(ctx, "llmclient.Invoke", func() (string, error) {
		if c.useREST {
			return c.invokeREST(ctx, prompt, maxTokens, temperature)
		}
		return c.invokeSDK(ctx, prompt, maxTokens, temperature)
	})
	if err != nil {
		return "", classify("llmclient.Invoke", err)
	}
	return text, nil
}

func (c *Client) invokeSDK(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error) {
	m := c.sdk.GenerativeModel(c.model)
	m.SetMaxOutputTokens(int32(maxTokens))
	m.SetTemperature(float32(temperature))

	resp, err := m.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("llmclient.invokeSDK: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", fmt.Errorf("llmclient.invokeSDK: empty response from model")
	}

	var parts []string
	for _, p := range resp.Candidates[0].Content.Parts {
		if t, ok := p.(genai.Text); ok {
			parts = append(parts, string(t))
		}
	}
	return strings.Join(parts, ""), nil
}

type restGenerateRequest struct {
	Contents         []restContent         `json:"contents"`
	GenerationConfig *restGenerationConfig `json:"generationConfig,omitempty"`
}

type restContent struct {
	Role  string     `json:"role"`
	Parts []restPart `json:"parts"`
}

type restPart struct {
	Text string `json:"text"`
}

type restGenerationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

type restGenerateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *Client) generateURL(stream bool) string {
	if c.baseURL != "" {
		return c.baseURL
	}
	verb := "generateContent"
	suffix := ""
	if stream {
		verb = "streamGenerateContent"
		suffix = "?alt=sse"
	}
	return fmt.Sprintf(
		"https://aiplatform.googleapis.com/v1/projects/%s/locations/global/publishers/google/models/%s:%s%s",
		c.project, c.model, verb, suffix,
	)
}

func (c *Client) invokeREST(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error) {
	reqBody := restGenerateRequest{
		Contents:         []restContent{{Role: "user", Parts: []restPart{{Text: prompt}}}},
		GenerationConfig: &restGenerationConfig{Temperature: temperature, MaxOutputTokens: maxTokens},
	}
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("llmclient.invokeREST: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.generateURL(false), bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("llmclient.invokeREST: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("llmclient.invokeREST: call: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("llmclient.invokeREST: read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("llmclient.invokeREST: status %d: %s", resp.StatusCode, respBody)
	}

	var parsed restGenerateResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("llmclient.invokeREST: decode: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("llmclient.invokeREST: API error %d: %s", parsed.Error.Code, parsed.Error.Message)
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("llmclient.invokeREST: empty response from model")
	}

	var parts []string
	for _, p := range parsed.Candidates[0].Content.Parts {
		if p.Text != "" {
			parts = append(parts, p.Text)
		}
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("llmclient.invokeREST: no text in response")
	}
	return strings.Join(parts, ""), nil
}

// Stream returns text fragments as they arrive; the channel closes when
// generation completes or the context is cancelled. Not restartable.
func (c *Client) Stream(ctx context.Context, prompt string, maxTokens int, temperature float64) (<-chan string, <-chan error) {
	textCh := make(chan string, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(textCh)
		defer close(errCh)

		var err error
		if c.useREST {
			err = c.streamREST(ctx, prompt, maxTokens, temperature, textCh)
		} else {
			err = c.streamSDK(ctx, prompt, maxTokens, temperature, textCh)
		}
		if err != nil {
			errCh <- classify("llmclient.Stream", err)
		}
	}()

	return textCh, errCh
}

func (c *Client) streamSDK(ctx context.Context, prompt string, maxTokens int, temperature float64, textCh chan<- string) error {
	m := c.sdk.GenerativeModel(c.model)
	m.SetMaxOutputTokens(int32(maxTokens))
	m.SetTemperature(float32(temperature))

	iter := m.GenerateContentStream(ctx, genai.Text(prompt))
	for {
		resp, err := iter.Next()
		if err == iterator.Done {
			return nil
		}
		if err != nil {
			return fmt.Errorf("llmclient.streamSDK: %w", err)
		}
		for _, cand := range resp.Candidates {
			if cand.Content == nil {
				continue
			}
			for _, part := range cand.Content.Parts {
				if t, ok := part.(genai.Text); ok {
					select {
					case textCh <- string(t):
					case <-ctx.Done():
						return ctx.Err()
					}
				}
			}
		}
	}
}

func (c *Client) streamREST(ctx context.Context, prompt string, maxTokens int, temperature float64, textCh chan<- string) error {
	reqBody := restGenerateRequest{
		Contents:         []restContent{{Role: "user", Parts: []restPart{{Text: prompt}}}},
		GenerationConfig: &restGenerationConfig{Temperature: temperature, MaxOutputTokens: maxTokens},
	}
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("llmclient.streamREST: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.generateURL(true), bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("llmclient.streamREST: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("llmclient.streamREST: call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("llmclient.streamREST: status %d: %s", resp.StatusCode, body)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk restGenerateResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		for _, cand := range chunk.Candidates {
			for _, part := range cand.Content.Parts {
				if part.Text != "" {
					select {
					case textCh <- part.Text:
					case <-ctx.Done():
						return ctx.Err()
					}
				}
			}
		}
	}
	return scanner.Err()
}

// classify maps a raw adapter error onto the shared error taxonomy
// (AuthDenied/ContextLimitExceeded/InvalidInput/Transient/Fatal).
func classify(op string, err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "401") || strings.Contains(msg, "403") || strings.Contains(msg, "PERMISSION_DENIED"):
		return apierr.New(op, apierr.AuthDenied, err)
	case strings.Contains(msg, "exceeds the maximum") || strings.Contains(msg, "token count") || strings.Contains(msg, "context length"):
		// A request over the model's context budget is a caller problem, but
		// one the caller can fix by shortening the query, so it gets its own
		// kind with a user-facing hint downstream.
		return apierr.New(op, apierr.ContextLimitExceeded, err)
	case strings.Contains(msg, "status 400") || strings.Contains(msg, "INVALID_ARGUMENT"):
		return apierr.New(op, apierr.InvalidInput, err)
	case retry.IsRetryable(err):
		return apierr.New(op, apierr.Transient, err)
	default:
		return apierr.New(op, apierr.Fatal, err)
	}
}

// HealthCheck validates the Vertex AI connection with a minimal call.
func (c *Client) HealthCheck(ctx context.Context) error {
	resp, err := c.Invoke(ctx, "Reply with only: OK", 16, 0)
	if err != nil {
		return fmt.Errorf("llmclient.HealthCheck (model=%s, location=%s): %w", c.model, c.location, err)
	}
	if resp == "" {
		return fmt.Errorf("llmclient.HealthCheck: empty response (model=%s)", c.model)
	}
	slog.Info("llm health check passed", "model", c.model, "location", c.location)
	return nil
}

// Close releases the underlying SDK client, if any.
func (c *Client) Close() error {
	if c.sdk != nil {
		return c.sdk.Close()
	}
	return nil
}
