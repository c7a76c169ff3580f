// Package ingest rebuilds the reference corpus from the relational record
// source: one chunk per row, normalized through a per-table projection,
// embedded and stored under the configured vector index.
package ingest

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/AllianceBioversityCIAT/ai-services-core/internal/model"
	"github.com/AllianceBioversityCIAT/ai-services-core/internal/recordsource"
	"github.com/AllianceBioversityCIAT/ai-services-core/internal/vectorstore"
)

// RecordSource yields the rows of one named source table.
type RecordSource interface {
	Load(ctx context.Context, tableName string) ([]recordsource.Row, error)
}

// Embedder maps chunk texts to vectors, order-preserving and one-to-one.
// A failed item comes back as a zero-length vector, which the store skips.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([]model.Vector, error)
}

// Store is the subset of the vector store the scheduler writes through.
type Store interface {
	EnsureReferenceIndex(ctx context.Context, dimensions int) error
	ExistsReference(ctx context.Context) (bool, error)
	PutReference(ctx context.Context, id string, chunk model.Chunk, vector model.Vector) error
}

// Scheduler populates and refreshes the reference corpus.
type Scheduler struct {
	source     RecordSource
	embed      Embedder
	store      Store
	reindexer  *vectorstore.Reindexer
	dimensions int

	prev *vectorstore.Client // superseded generation, dropped after the next successful swap
}

// New creates a Scheduler. reindexer may be nil when atomic refresh is not
// needed (e.g. a test exercising only Run).
func New(source RecordSource, embed Embedder, store Store, reindexer *vectorstore.Reindexer, dimensions int) *Scheduler {
	return &Scheduler{
		source:     source,
		embed:      embed,
		store:      store,
		reindexer:  reindexer,
		dimensions: dimensions,
	}
}

// EnsureReference populates the reference corpus only if it does not already
// exist. Extraction requests call this before retrieval so a cold store
// never serves an empty corpus.
func (s *Scheduler) EnsureReference(ctx context.Context) error {
	exists, err := s.store.ExistsReference(ctx)
	if err != nil {
		return fmt.Errorf("ingest.EnsureReference: %w", err)
	}
	if exists {
		return nil
	}
	slog.Info("ingest: reference corpus missing, building")
	return s.Run(ctx)
}

// Run builds the reference corpus additively into the current index. Safe to
// call repeatedly: row IDs are deterministic per (table, position), so a
// second run with the same input overwrites each row with identical content.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.store.EnsureReferenceIndex(ctx, s.dimensions); err != nil {
		return fmt.Errorf("ingest.Run: %w", err)
	}
	if err := s.populate(ctx, s.store); err != nil {
		return fmt.Errorf("ingest.Run: %w", err)
	}
	return nil
}

// Refresh rebuilds the reference corpus atomically: the full new row set is
// staged under a fresh generation index, then the serving alias is repointed
// in one swap. A reader mid-refresh sees either the old corpus wholly or the
// new one wholly, never a partial state. The superseded generation is
// dropped after the swap; a drop failure only logs, since the swap itself
// already succeeded.
func (s *Scheduler) Refresh(ctx context.Context) error {
	if s.reindexer == nil {
		return fmt.Errorf("ingest.Refresh: no reindexer configured")
	}

	staged, err := s.reindexer.BeginGeneration(ctx, s.dimensions)
	if err != nil {
		return fmt.Errorf("ingest.Refresh: %w", err)
	}

	if err := s.populate(ctx, staged); err != nil {
		if dropErr := s.reindexer.DropGeneration(ctx, staged); dropErr != nil {
			slog.Warn("ingest: dropping failed staging index", "error", dropErr)
		}
		return fmt.Errorf("ingest.Refresh: %w", err)
	}

	if err := s.reindexer.Commit(ctx, staged); err != nil {
		if dropErr := s.reindexer.DropGeneration(ctx, staged); dropErr != nil {
			slog.Warn("ingest: dropping failed staging index", "error", dropErr)
		}
		return fmt.Errorf("ingest.Refresh: %w", err)
	}

	if s.prev != nil {
		if err := s.reindexer.DropGeneration(ctx, s.prev); err != nil {
			slog.Warn("ingest: dropping superseded generation", "error", err)
		}
	}
	s.prev = staged

	slog.Info("ingest: reference corpus refreshed")
	return nil
}

func (s *Scheduler) populate(ctx context.Context, store Store) error {
	for _, table := range recordsource.Tables() {
		rows, err := s.source.Load(ctx, table)
		if err != nil {
			return fmt.Errorf("load %s: %w", table, err)
		}
		if len(rows) == 0 {
			slog.Info("ingest: source table is empty", "table", table)
			continue
		}

		chunks := make([]model.Chunk, 0, len(rows))
		texts := make([]string, 0, len(rows))
		for _, row := range rows {
			chunk, err := projectRow(table, row)
			if err != nil {
				return fmt.Errorf("project %s: %w", table, err)
			}
			chunks = append(chunks, chunk)
			texts = append(texts, chunk.Text)
		}

		vectors, err := s.embed.EmbedDocuments(ctx, texts)
		if err != nil {
			return fmt.Errorf("embed %s: %w", table, err)
		}
		if len(vectors) != len(chunks) {
			return fmt.Errorf("embed %s: got %d vectors for %d chunks", table, len(vectors), len(chunks))
		}

		stored := 0
		for i, chunk := range chunks {
			if len(vectors[i]) == 0 {
				slog.Warn("ingest: skipping row with failed embedding", "table", table, "row", i)
				continue
			}
			id := fmt.Sprintf("%s-%d", table, i)
			if err := store.PutReference(ctx, id, chunk, vectors[i]); err != nil {
				return fmt.Errorf("store %s row %d: %w", table, i, err)
			}
			stored++
		}
		slog.Info("ingest: table vectorized", "table", table, "rows", len(rows), "stored", stored)
	}
	return nil
}
