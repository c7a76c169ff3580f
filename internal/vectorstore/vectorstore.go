// Package vectorstore persists and searches embedding vectors against an
// OpenSearch-compatible REST API: one index serving the shared reference
// corpus and the per-request ephemeral namespaces.
package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/AllianceBioversityCIAT/ai-services-core/internal/model"
)

// Client talks to a single OpenSearch cluster serving both the reference
// and ephemeral corpora out of one index, distinguished by is_reference.
type Client struct {
	baseURL  string
	username string
	password string
	index    string
	http     *http.Client

	docMu    sync.Mutex // guards docLocks
	docLocks map[string]*sync.Mutex
	idxMu    sync.RWMutex // read lock held during knn; write lock held during generation swap
}

// New creates a Client bound to the given base index name. baseURL carries
// no trailing slash.
func New(httpClient *http.Client, baseURL, username, password, index string) *Client {
	return &Client{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		username: username,
		password: password,
		index:    index,
		http:     httpClient,
		docLocks: make(map[string]*sync.Mutex),
	}
}

type indexedDoc struct {
	Embedding        []float32 `json:"embedding"`
	Text             string    `json:"text"`
	IsReference      bool      `json:"is_reference"`
	SourceTable      string    `json:"source_table,omitempty"`
	IndicatorAcronym string    `json:"indicator_acronym,omitempty"`
	Year             string    `json:"year,omitempty"`
	PhaseName        string    `json:"phase_name,omitempty"`
	ClusterRole      string    `json:"cluster_role,omitempty"`
	ClusterAcronym   string    `json:"cluster_acronym,omitempty"`
	TableType        string    `json:"table_type,omitempty"`
	DOI              string    `json:"doi,omitempty"`
	DocumentName     string    `json:"document_name,omitempty"`
}

func toIndexedDoc(chunk model.Chunk, vector model.Vector, isReference bool) indexedDoc {
	a := chunk.Attributes
	return indexedDoc{
		Embedding:        vector,
		Text:             chunk.Text,
		IsReference:      isReference,
		SourceTable:      a.SourceTable,
		IndicatorAcronym: a.IndicatorAcronym,
		Year:             a.Year,
		PhaseName:        a.PhaseName,
		ClusterRole:      a.ClusterRole,
		ClusterAcronym:   a.ClusterAcronym,
		TableType:        a.TableType,
		DOI:              a.DOI,
		DocumentName:     a.DocumentName,
	}
}

func (d indexedDoc) toChunk() model.Chunk {
	return model.Chunk{
		Text: d.Text,
		Attributes: model.ChunkAttributes{
			SourceTable:      d.SourceTable,
			IndicatorAcronym: d.IndicatorAcronym,
			Year:             d.Year,
			PhaseName:        d.PhaseName,
			ClusterRole:      d.ClusterRole,
			ClusterAcronym:   d.ClusterAcronym,
			TableType:        d.TableType,
			DOI:              d.DOI,
			DocumentName:     d.DocumentName,
		},
	}
}

// EnsureReferenceIndex issues PUT /{index} with the knn_vector mapping,
// tolerating "already exists" as success.
func (c *Client) EnsureReferenceIndex(ctx context.Context, dimensions int) error {
	body := map[string]any{
		"settings": map[string]any{"index": map[string]any{"knn": true}},
		"mappings": map[string]any{
			"properties": map[string]any{
				"embedding": map[string]any{
					"type":      "knn_vector",
					"dimension": dimensions,
					"method": map[string]any{
						"name":       "hnsw",
						"space_type": "cosinesimil",
						"engine":     "nmslib",
					},
				},
				"is_reference":      map[string]any{"type": "boolean"},
				"source_table":      map[string]any{"type": "keyword"},
				"indicator_acronym": map[string]any{"type": "keyword"},
				"year":              map[string]any{"type": "keyword"},
				"phase_name":        map[string]any{"type": "keyword"},
				"cluster_role":      map[string]any{"type": "keyword"},
				"cluster_acronym":   map[string]any{"type": "keyword"},
				"table_type":        map[string]any{"type": "keyword"},
				"doi":               map[string]any{"type": "keyword"},
				"document_name":     map[string]any{"type": "keyword"},
			},
		},
	}

	status, respBody, err := c.do(ctx, http.MethodPut, "/"+c.index, body)
	if err != nil {
		return fmt.Errorf("vectorstore.EnsureReferenceIndex: %w", err)
	}
	if status == http.StatusOK || status == http.StatusCreated {
		return nil
	}
	// Already existing is fine, whether the name is a concrete index
	// (resource_already_exists) or an alias left by a prior atomic refresh
	// (invalid_index_name: "already exists as alias").
	if status == http.StatusBadRequest &&
		(strings.Contains(string(respBody), "resource_already_exists_exception") ||
			strings.Contains(string(respBody), "invalid_index_name_exception")) {
		return nil
	}
	return fmt.Errorf("vectorstore.EnsureReferenceIndex: status %d: %s", status, respBody)
}

// ExistsReference reports whether the reference index already exists.
func (c *Client) ExistsReference(ctx context.Context) (bool, error) {
	status, _, err := c.do(ctx, http.MethodHead, "/"+c.index, nil)
	if err != nil {
		return false, fmt.Errorf("vectorstore.ExistsReference: %w", err)
	}
	return status == http.StatusOK, nil
}

// PutReference indexes a reference-corpus chunk. Rows whose vector has
// length 0 (a failed embedding) are silently skipped.
func (c *Client) PutReference(ctx context.Context, id string, chunk model.Chunk, vector model.Vector) error {
	if len(vector) == 0 {
		return nil
	}
	return c.putDoc(ctx, id, toIndexedDoc(chunk, vector, true))
}

// PutEphemeral indexes an ephemeral per-request chunk under an exclusive
// lock keyed by document_name.
func (c *Client) PutEphemeral(ctx context.Context, id string, chunk model.Chunk, vector model.Vector) error {
	if len(vector) == 0 {
		return nil
	}
	docName := chunk.Attributes.DocumentName
	lock := c.lockFor(docName)
	lock.Lock()
	defer lock.Unlock()

	return c.putDoc(ctx, id, toIndexedDoc(chunk, vector, false))
}

func (c *Client) putDoc(ctx context.Context, id string, doc indexedDoc) error {
	c.idxMu.RLock()
	defer c.idxMu.RUnlock()

	path := fmt.Sprintf("/%s/_doc/%s", c.index, id)
	status, body, err := c.do(ctx, http.MethodPut, path, doc)
	if err != nil {
		return fmt.Errorf("vectorstore.putDoc: %w", err)
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return fmt.Errorf("vectorstore.putDoc: status %d: %s", status, body)
	}
	return nil
}

// DeleteEphemeral removes every document carrying the given document_name,
// under the same exclusive per-document_name lock used by PutEphemeral, so
// a delete can never race a concurrent write for the same document. A
// concurrent k-NN read only takes the client's index read lock and is never
// blocked by this.
func (c *Client) DeleteEphemeral(ctx context.Context, documentName string) error {
	lock := c.lockFor(documentName)
	lock.Lock()
	defer lock.Unlock()

	c.idxMu.RLock()
	defer c.idxMu.RUnlock()

	body := map[string]any{
		"query": map[string]any{
			"bool": map[string]any{
				"filter": []map[string]any{
					{"term": map[string]any{"document_name": documentName}},
					{"term": map[string]any{"is_reference": false}},
				},
			},
		},
	}

	path := fmt.Sprintf("/%s/_delete_by_query", c.index)
	status, respBody, err := c.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return fmt.Errorf("vectorstore.DeleteEphemeral: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("vectorstore.DeleteEphemeral: status %d: %s", status, respBody)
	}

	c.docMu.Lock()
	delete(c.docLocks, documentName)
	c.docMu.Unlock()
	return nil
}

func (c *Client) lockFor(documentName string) *sync.Mutex {
	c.docMu.Lock()
	defer c.docMu.Unlock()
	l, ok := c.docLocks[documentName]
	if !ok {
		l = &sync.Mutex{}
		c.docLocks[documentName] = l
	}
	return l
}

func (c *Client) do(ctx context.Context, method, path string, body any) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("marshal: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("call: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read body: %w", err)
	}
	return resp.StatusCode, respBody, nil
}
