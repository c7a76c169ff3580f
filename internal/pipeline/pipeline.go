// Package pipeline orchestrates the retrieval-augmented extraction, report,
// and conversational flows: fetch and decode a source document, index its
// chunks alongside the shared reference corpus, retrieve relevant context,
// generate through the LLM, validate and enrich the output, and record the
// interaction.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/AllianceBioversityCIAT/ai-services-core/internal/model"
	"github.com/AllianceBioversityCIAT/ai-services-core/internal/tracker"
	"github.com/AllianceBioversityCIAT/ai-services-core/internal/vectorstore"
)

// BlobStore fetches raw document bytes by (bucket, key).
type BlobStore interface {
	Get(ctx context.Context, bucket, key string) ([]byte, error)
}

// Decoder normalizes raw bytes into text content or tabular rows.
type Decoder interface {
	Decode(ctx context.Context, filename string, data []byte, gcsURI string) (model.NormalizedDocument, error)
}

// Embedder maps texts to fixed-dimension vectors.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([]model.Vector, error)
	EmbedQuery(ctx context.Context, text string) (model.Vector, error)
}

// VectorStore is the retrieval surface the pipelines read and write through.
type VectorStore interface {
	PutEphemeral(ctx context.Context, id string, chunk model.Chunk, vector model.Vector) error
	DeleteEphemeral(ctx context.Context, documentName string) error
	KNN(ctx context.Context, queryVector model.Vector, topK int, filter vectorstore.Filter) ([]model.Chunk, error)
	KNNEphemeral(ctx context.Context, queryVector model.Vector, topK int, documentName string) ([]model.Chunk, error)
	AllReference(ctx context.Context, limit int) ([]model.Chunk, error)
}

// LLM is the generation surface: blocking single-shot or streamed fragments.
type LLM interface {
	Invoke(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error)
	Stream(ctx context.Context, prompt string, maxTokens int, temperature float64) (<-chan string, <-chan error)
}

// Composer renders a named prompt template against computed data.
type Composer interface {
	Compose(name string, data any) (string, error)
}

// Mapper resolves free-text names to canonical identifiers. It degrades to
// null-field results rather than returning an error.
type Mapper interface {
	MapEntries(ctx context.Context, entries []model.MappingEntry) []model.MappingResult
}

// InteractionTracker records one request/response pair.
type InteractionTracker interface {
	Track(ctx context.Context, in tracker.TrackInput) (*model.Interaction, error)
}

// TokenValidator authenticates a request token against a project environment.
// A network failure is never treated as a valid token.
type TokenValidator interface {
	Validate(ctx context.Context, token, environmentURL string) (bool, error)
}

// ReferenceSeeder builds or rebuilds the reference corpus on demand.
type ReferenceSeeder interface {
	EnsureReference(ctx context.Context) error
	Refresh(ctx context.Context) error
}

// State tracks a request through its lifecycle. Any state may transition to
// failed; everything from indexed onward guarantees cleanup of the request's
// ephemeral namespace.
type State string

const (
	StateReceived      State = "received"
	StateAuthenticated State = "authenticated"
	StateDecoded       State = "decoded"
	StateIndexed       State = "indexed"
	StateRetrieved     State = "retrieved"
	StateGenerated     State = "generated"
	StateValidated     State = "validated"
	StateEnriched      State = "enriched"
	StateReturned      State = "returned"
	StateFailed        State = "failed"
)

func transition(logger *slog.Logger, from *State, to State, attrs ...any) {
	*from = to
	logger.Info("state transition", append([]any{"state", string(to)}, attrs...)...)
}

// failKind maps an error to the taxonomy used in failure logging and HTTP
// translation. Context expiry always classifies as a timeout.
func failKind(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "Timeout"
	case errors.Is(err, context.Canceled):
		return "Canceled"
	default:
		return "Error"
	}
}

var nonAlnum = regexp.MustCompile(`[^a-zA-Z0-9]+`)

// ephemeralName derives the per-request ephemeral namespace from the source
// key plus the request timestamp, so two concurrent requests over the same
// object never share a namespace.
func ephemeralName(sourceKey string, at time.Time) string {
	base := strings.Trim(nonAlnum.ReplaceAllString(sourceKey, "_"), "_")
	return base + "_" + at.UTC().Format("20060102T150405.000000000")
}

func chunkTexts(chunks []model.Chunk) []string {
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = c.Text
	}
	return out
}
