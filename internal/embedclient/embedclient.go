// Package embedclient maps text to fixed-dimension vectors through the
// Vertex AI text-embedding REST API.
package embedclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"golang.org/x/oauth2/google"

	"github.com/AllianceBioversityCIAT/ai-services-core/internal/cache"
	"github.com/AllianceBioversityCIAT/ai-services-core/internal/model"
	"github.com/AllianceBioversityCIAT/ai-services-core/internal/retry"
)

// Client calls the Vertex AI text embedding REST API.
type Client struct {
	project  string
	location string
	model    string
	http     *http.Client
	baseURL  string // overridden in tests to point at an httptest.Server
	queries  *cache.EmbeddingCache
}

// WithQueryCache enables query-embedding reuse: repeated EmbedQuery calls
// for the same normalized text skip the API round trip until the cache TTL
// lapses. Document embedding is never cached.
func (c *Client) WithQueryCache(queries *cache.EmbeddingCache) *Client {
	c.queries = queries
	return c
}

// New creates a Client using application-default credentials.
func New(ctx context.Context, project, location, embeddingModel string) (*Client, error) {
	httpClient, err := google.DefaultClient(ctx, "https://www.googleapis.com/auth/cloud-platform")
	if err != nil {
		return nil, fmt.Errorf("embedclient.New: %w", err)
	}
	return &Client{project: project, location: location, model: embeddingModel, http: httpClient}, nil
}

// NewWithHTTPClient builds a Client against an arbitrary http.Client and
// base URL, allowing tests to substitute an httptest.Server.
func NewWithHTTPClient(httpClient *http.Client, baseURL, project, location, embeddingModel string) *Client {
	return &Client{project: project, location: location, model: embeddingModel, http: httpClient, baseURL: baseURL}
}

type embeddingRequest struct {
	Instances []embeddingInstance `json:"instances"`
}

type embeddingInstance struct {
	Content  string `json:"content"`
	TaskType string `json:"task_type"`
}

type embeddingResponse struct {
	Predictions []struct {
		Embeddings struct {
			Values []float32 `json:"values"`
		} `json:"embeddings"`
	} `json:"predictions"`
}

// EmbedDocuments embeds chunk text for storage, using RETRIEVAL_DOCUMENT task
// type. Order-preserving, one-to-one; an empty input item yields a
// zero-length model.Vector, and a failed embedding call yields a
// zero-length model.Vector for every item it carried rather than an error.
func (c *Client) EmbedDocuments(ctx context.Context, texts []string) ([]model.Vector, error) {
	return c.embed(ctx, texts, "RETRIEVAL_DOCUMENT")
}

// EmbedQuery embeds search-query text, using RETRIEVAL_QUERY task type.
func (c *Client) EmbedQuery(ctx context.Context, text string) (model.Vector, error) {
	var hash string
	if c.queries != nil {
		hash = cache.EmbeddingQueryHash(text)
		if vec, ok := c.queries.Get(hash); ok {
			return model.Vector(vec), nil
		}
	}

	vecs, err := c.embed(ctx, []string{text}, "RETRIEVAL_QUERY")
	if err != nil {
		return nil, err
	}
	if c.queries != nil && len(vecs[0]) > 0 {
		c.queries.Set(hash, vecs[0])
	}
	return vecs[0], nil
}

func (c *Client) embed(ctx context.Context, texts []string, taskType string) ([]model.Vector, error) {
	out := make([]model.Vector, len(texts))
	remaining := make([]string, 0, len(texts))
	positions := make([]int, 0, len(texts))
	for i, t := range texts {
		if t == "" {
			continue // empty input degrades to a zero-length vector without a round trip
		}
		remaining = append(remaining, t)
		positions = append(positions, i)
	}
	if len(remaining) == 0 {
		return out, nil
	}

	values, err := retry.Do(ctx, "embedclient.embed", func() ([][]float32, error) {
		return c.doEmbed(ctx, remaining, taskType)
	})
	if err != nil {
		// Embedding failure substitutes empty vectors and logs, rather
		// than failing the caller.
		slog.Warn("embedclient: embedding failed, substituting empty vectors",
			"task_type", taskType, "items", len(remaining), "error", err)
		return out, nil
	}
	for i, v := range values {
		out[positions[i]] = model.Vector(v)
	}
	return out, nil
}

func (c *Client) doEmbed(ctx context.Context, texts []string, taskType string) ([][]float32, error) {
	instances := make([]embeddingInstance, len(texts))
	for i, t := range texts {
		instances[i] = embeddingInstance{Content: t, TaskType: taskType}
	}

	reqBody, err := json.Marshal(embeddingRequest{Instances: instances})
	if err != nil {
		return nil, fmt.Errorf("embedclient.doEmbed marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpointURL(), bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("embedclient.doEmbed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedclient.doEmbed call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embedclient.doEmbed: status %d: %s", resp.StatusCode, body)
	}

	var parsed embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("embedclient.doEmbed decode: %w", err)
	}

	results := make([][]float32, len(parsed.Predictions))
	for i, p := range parsed.Predictions {
		results[i] = p.Embeddings.Values
	}
	return results, nil
}

// endpointURL returns the correct Vertex AI endpoint URL; "global" location
// uses the non-regional host.
func (c *Client) endpointURL() string {
	if c.baseURL != "" {
		return c.baseURL
	}
	if c.location == "global" {
		return fmt.Sprintf(
			"https://aiplatform.googleapis.com/v1/projects/%s/locations/global/publishers/google/models/%s:predict",
			c.project, c.model,
		)
	}
	return fmt.Sprintf(
		"https://%s-aiplatform.googleapis.com/v1/projects/%s/locations/%s/publishers/google/models/%s:predict",
		c.location, c.project, c.location, c.model,
	)
}

// HealthCheck validates the embedding service connection at startup.
func (c *Client) HealthCheck(ctx context.Context) error {
	if _, err := c.EmbedQuery(ctx, "health check"); err != nil {
		return fmt.Errorf("embedclient.HealthCheck: %w", err)
	}
	return nil
}
