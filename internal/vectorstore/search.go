package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/AllianceBioversityCIAT/ai-services-core/internal/model"
)

// Filter pins a k-NN search to a set of attribute-equality constraints.
// Empty fields are not applied. SourceTables, when non-empty, is an OR
// ("should") across the listed tables.
type Filter struct {
	IndicatorAcronym string
	Year             string
	PhaseName        string
	SourceTables     []string
	RequireDOI       bool
}

// KNN runs the dual semantic+structural retrieval: a knn query under a
// bool.filter clause for attribute equality, run concurrently with a
// filter-only query for DOI-bearing reference rows, then merged, deduped,
// and post-filtered. The structural leg guarantees bibliographic evidence
// is present regardless of vector similarity.
func (c *Client) KNN(ctx context.Context, queryVector model.Vector, topK int, filter Filter) ([]model.Chunk, error) {
	c.idxMu.RLock()
	defer c.idxMu.RUnlock()

	var semanticHits, structuralHits []indexedDoc

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		semanticHits, err = c.semanticQuery(gCtx, queryVector, topK, filter)
		return err
	})

	if filter.RequireDOI {
		g.Go(func() error {
			var err error
			structuralHits, err = c.doiQuery(gCtx, filter)
			return err
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("vectorstore.KNN: %w", err)
	}

	return mergeAndFilter(semanticHits, structuralHits), nil
}

func (c *Client) semanticQuery(ctx context.Context, queryVector model.Vector, topK int, filter Filter) ([]indexedDoc, error) {
	filters := buildFilterClauses(filter)
	body := map[string]any{
		"size": topK,
		"query": map[string]any{
			"bool": map[string]any{
				"filter": filters,
				"must": []map[string]any{
					{
						"knn": map[string]any{
							"embedding": map[string]any{
								"vector": queryVector,
								"k":      topK,
							},
						},
					},
				},
			},
		},
	}
	return c.searchDocs(ctx, body)
}

func (c *Client) doiQuery(ctx context.Context, filter Filter) ([]indexedDoc, error) {
	filters := buildFilterClauses(filter)
	filters = append(filters, map[string]any{"exists": map[string]any{"field": "doi"}})
	body := map[string]any{
		"size": 10000,
		"query": map[string]any{
			"bool": map[string]any{"filter": filters},
		},
	}
	return c.searchDocs(ctx, body)
}

func buildFilterClauses(filter Filter) []map[string]any {
	var clauses []map[string]any
	clauses = append(clauses, map[string]any{"term": map[string]any{"is_reference": true}})

	if filter.IndicatorAcronym != "" {
		clauses = append(clauses, map[string]any{"term": map[string]any{"indicator_acronym": filter.IndicatorAcronym}})
	}
	if filter.Year != "" {
		clauses = append(clauses, map[string]any{"term": map[string]any{"year": filter.Year}})
	}
	if filter.PhaseName != "" {
		clauses = append(clauses, map[string]any{"term": map[string]any{"phase_name": filter.PhaseName}})
	}
	if len(filter.SourceTables) > 0 {
		var should []map[string]any
		for _, t := range filter.SourceTables {
			should = append(should, map[string]any{"term": map[string]any{"source_table": t}})
		}
		clauses = append(clauses, map[string]any{
			"bool": map[string]any{"should": should, "minimum_should_match": 1},
		})
	}
	return clauses
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			Source indexedDoc `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

func (c *Client) searchDocs(ctx context.Context, body map[string]any) ([]indexedDoc, error) {
	path := fmt.Sprintf("/%s/_search", c.index)
	status, respBody, err := c.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("search: status %d: %s", status, respBody)
	}

	var parsed searchResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("search: decode: %w", err)
	}

	out := make([]indexedDoc, len(parsed.Hits.Hits))
	for i, h := range parsed.Hits.Hits {
		out[i] = h.Source
	}
	return out, nil
}

// KNNEphemeral runs a k-NN search restricted to the ephemeral rows of one
// document_name. No attribute filters apply: the namespace is private to
// its owning request, so document_name alone scopes the search.
func (c *Client) KNNEphemeral(ctx context.Context, queryVector model.Vector, topK int, documentName string) ([]model.Chunk, error) {
	c.idxMu.RLock()
	defer c.idxMu.RUnlock()

	body := map[string]any{
		"size": topK,
		"query": map[string]any{
			"bool": map[string]any{
				"filter": []map[string]any{
					{"term": map[string]any{"is_reference": false}},
					{"term": map[string]any{"document_name": documentName}},
				},
				"must": []map[string]any{
					{
						"knn": map[string]any{
							"embedding": map[string]any{
								"vector": queryVector,
								"k":      topK,
							},
						},
					},
				},
			},
		},
	}

	hits, err := c.searchDocs(ctx, body)
	if err != nil {
		return nil, fmt.Errorf("vectorstore.KNNEphemeral: %w", err)
	}
	out := make([]model.Chunk, len(hits))
	for i, h := range hits {
		out[i] = h.toChunk()
	}
	return out, nil
}

// AllReference returns every reference-corpus chunk, up to limit rows. The
// extraction pipeline prepends this to each prompt as shared domain context.
func (c *Client) AllReference(ctx context.Context, limit int) ([]model.Chunk, error) {
	c.idxMu.RLock()
	defer c.idxMu.RUnlock()

	body := map[string]any{
		"size": limit,
		"query": map[string]any{
			"bool": map[string]any{
				"filter": []map[string]any{
					{"term": map[string]any{"is_reference": true}},
				},
			},
		},
	}

	hits, err := c.searchDocs(ctx, body)
	if err != nil {
		return nil, fmt.Errorf("vectorstore.AllReference: %w", err)
	}
	out := make([]model.Chunk, len(hits))
	for i, h := range hits {
		out[i] = h.toChunk()
	}
	return out, nil
}

// mergeAndFilter combines semantic and structural hits, deduplicating on
// the composite key (doi, cluster_acronym, indicator_acronym) only when all
// three are present (rows missing any key component are kept as-is), then
// drops rows where
// (table_type=deliverables OR table_type=innovations) AND cluster_role=Shared.
// Shared-cluster rows would otherwise be double-counted across clusters.
func mergeAndFilter(semanticHits, structuralHits []indexedDoc) []model.Chunk {
	type dedupKey struct{ doi, cluster, indicator string }
	seen := make(map[dedupKey]bool)

	var combined []indexedDoc
	for _, d := range append(append([]indexedDoc{}, semanticHits...), structuralHits...) {
		if d.DOI != "" && d.ClusterAcronym != "" && d.IndicatorAcronym != "" {
			key := dedupKey{d.DOI, d.ClusterAcronym, d.IndicatorAcronym}
			if seen[key] {
				continue
			}
			seen[key] = true
		}
		combined = append(combined, d)
	}

	out := make([]model.Chunk, 0, len(combined))
	for _, d := range combined {
		excluded := (d.TableType == "deliverables" || d.TableType == "innovations") && d.ClusterRole == "Shared"
		if excluded {
			continue
		}
		out = append(out, d.toChunk())
	}
	return out
}
