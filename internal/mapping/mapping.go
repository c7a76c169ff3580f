// Package mapping resolves free-text staff and institution names to
// canonical identifiers via lexical search over OpenSearch indices.
package mapping

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/AllianceBioversityCIAT/ai-services-core/internal/model"
)

// indexConfig pairs an OpenSearch endpoint with the search fields and
// field-extraction rule for one MappingEntryType.
type indexConfig struct {
	baseURL      string
	username     string
	password     string
	index        string
	searchFields []string
}

// Client resolves staff and institution names against two independently
// configured OpenSearch indices (STAR for staff, CLARISA for institutions).
type Client struct {
	http *http.Client

	configs map[model.MappingEntryType]indexConfig

	maxRetries    int
	retryBaseDelay time.Duration
}

// Config describes one OpenSearch endpoint for entity resolution.
type Config struct {
	Type         model.MappingEntryType
	BaseURL      string
	Username     string
	Password     string
	Index        string
	SearchFields []string // e.g. ["first_name^2", "last_name^2"]
}

// New creates a Client. maxRetries/retryBaseDelay drive the exponential
// backoff (retry_delay * 2^attempt), deliberately separate from the fixed
// ladder used by embedclient/llmclient (internal/retry).
func New(httpClient *http.Client, configs []Config, maxRetries int, retryBaseDelay time.Duration) *Client {
	cfgMap := make(map[model.MappingEntryType]indexConfig, len(configs))
	for _, c := range configs {
		cfgMap[c.Type] = indexConfig{
			baseURL:      c.BaseURL,
			username:     c.Username,
			password:     c.Password,
			index:        c.Index,
			searchFields: c.SearchFields,
		}
	}
	if maxRetries <= 0 {
		maxRetries = 10
	}
	if retryBaseDelay <= 0 {
		retryBaseDelay = 250 * time.Millisecond
	}
	return &Client{http: httpClient, configs: cfgMap, maxRetries: maxRetries, retryBaseDelay: retryBaseDelay}
}

// MapEntries resolves every entry to a best-effort MappingResult. An entry
// whose type has no configured index, or whose search exhausts retries,
// degrades to model.Null(entry) rather than failing the batch — matching
// the Python original's per-entry try/except.
func (c *Client) MapEntries(ctx context.Context, entries []model.MappingEntry) []model.MappingResult {
	out := make([]model.MappingResult, len(entries))
	for i, entry := range entries {
		out[i] = c.mapOne(ctx, entry)
	}
	return out
}

func (c *Client) mapOne(ctx context.Context, entry model.MappingEntry) model.MappingResult {
	cfg, ok := c.configs[entry.Type]
	if !ok {
		return model.Null(entry)
	}

	result, err := doWithExponentialBackoff(ctx, c.maxRetries, c.retryBaseDelay, func() (model.MappingResult, error) {
		return c.search(ctx, cfg, entry)
	})
	if err != nil {
		return model.Null(entry)
	}
	return result
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			Score  float64         `json:"_score"`
			Source json.RawMessage `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

func (c *Client) search(ctx context.Context, cfg indexConfig, entry model.MappingEntry) (model.MappingResult, error) {
	body := map[string]any{
		"size": 3,
		"query": map[string]any{
			"bool": map[string]any{
				"should": []map[string]any{
					{
						"multi_match": map[string]any{
							"query":  entry.OriginalValue,
							"fields": cfg.searchFields,
							"type":   "best_fields",
							"boost":  2.0,
						},
					},
					{
						"multi_match": map[string]any{
							"query":  entry.OriginalValue,
							"fields": cfg.searchFields,
							"type":   "cross_fields",
							"boost":  1.0,
						},
					},
				},
			},
		},
	}

	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return model.MappingResult{}, fmt.Errorf("mapping.search: marshal: %w", err)
	}

	url := fmt.Sprintf("%s/%s/_search", cfg.baseURL, cfg.index)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return model.MappingResult{}, fmt.Errorf("mapping.search: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(cfg.username, cfg.password)

	resp, err := c.http.Do(req)
	if err != nil {
		return model.MappingResult{}, fmt.Errorf("mapping.search: call: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.MappingResult{}, fmt.Errorf("mapping.search: read body: %w", err)
	}
	if resp.StatusCode == http.StatusServiceUnavailable {
		return model.MappingResult{}, &serviceUnavailableError{status: resp.StatusCode}
	}
	if resp.StatusCode != http.StatusOK {
		return model.MappingResult{}, fmt.Errorf("mapping.search: status %d: %s", resp.StatusCode, respBody)
	}

	var parsed searchResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return model.MappingResult{}, fmt.Errorf("mapping.search: decode: %w", err)
	}

	if len(parsed.Hits.Hits) == 0 {
		return model.Null(entry), nil
	}

	top := parsed.Hits.Hits[0]
	mappedID, mappedName, mappedAcronym, err := extractFields(entry.Type, top.Source)
	if err != nil {
		return model.MappingResult{}, fmt.Errorf("mapping.search: extract fields: %w", err)
	}

	score := top.Score
	return model.MappingResult{
		OriginalValue: entry.OriginalValue,
		Type:          entry.Type,
		MappedID:      mappedID,
		MappedName:    mappedName,
		MappedAcronym: mappedAcronym,
		Score:         &score,
	}, nil
}

func extractFields(t model.MappingEntryType, source json.RawMessage) (id, name, acronym *string, err error) {
	var doc struct {
		Carnet    string `json:"carnet"`
		FirstName string `json:"first_name"`
		LastName  string `json:"last_name"`
		Code      any    `json:"code"`
		Name      string `json:"name"`
		Acronym   string `json:"acronym"`
	}
	if err := json.Unmarshal(source, &doc); err != nil {
		return nil, nil, nil, err
	}

	if t == model.MappingStaff {
		if doc.Carnet != "" {
			id = &doc.Carnet
		}
		fullName := trimmedJoin(doc.FirstName, doc.LastName)
		if fullName != "" {
			name = &fullName
		}
		return id, name, nil, nil
	}

	if doc.Code != nil {
		code := fmt.Sprintf("%v", doc.Code)
		id = &code
	}
	if doc.Name != "" {
		name = &doc.Name
	}
	if doc.Acronym != "" {
		acronym = &doc.Acronym
	}
	return id, name, acronym, nil
}

func trimmedJoin(a, b string) string {
	switch {
	case a == "" && b == "":
		return ""
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + " " + b
	}
}

type serviceUnavailableError struct{ status int }

func (e *serviceUnavailableError) Error() string {
	return fmt.Sprintf("mapping: upstream unavailable (status %d)", e.status)
}
