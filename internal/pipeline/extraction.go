package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/AllianceBioversityCIAT/ai-services-core/internal/apierr"
	"github.com/AllianceBioversityCIAT/ai-services-core/internal/decoder"
	"github.com/AllianceBioversityCIAT/ai-services-core/internal/model"
	"github.com/AllianceBioversityCIAT/ai-services-core/internal/promptcompose"
	"github.com/AllianceBioversityCIAT/ai-services-core/internal/tracker"
)

// ExtractionConfig bounds the extraction pipeline's batching, generation,
// and retrieval parameters.
type ExtractionConfig struct {
	BatchSize      int     // rows per bulk-upload batch
	Workers        int     // bounded worker pool size for batch dispatch
	MaxTokens      int     // generation budget for single-document mode
	BatchMaxTokens int     // generation budget per batch
	Temperature    float64
	ReferenceLimit int // reference rows prepended to each prompt
	EphemeralTopK  int // relevant chunks retrieved from the request's own document
	StepTimeout    time.Duration
	ServiceName    string
}

func (c *ExtractionConfig) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 5
	}
	if c.Workers <= 0 {
		c.Workers = 20
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 5000
	}
	if c.BatchMaxTokens <= 0 {
		c.BatchMaxTokens = 8000
	}
	if c.Temperature == 0 {
		c.Temperature = 0.1
	}
	if c.ReferenceLimit <= 0 {
		c.ReferenceLimit = 1000
	}
	if c.EphemeralTopK <= 0 {
		c.EphemeralTopK = 10
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = 10 * time.Minute
	}
	if c.ServiceName == "" {
		c.ServiceName = "text-mining"
	}
}

// ExtractionPipeline turns one source document into validated, enriched
// extraction artifacts.
type ExtractionPipeline struct {
	blob      BlobStore
	decode    Decoder
	embed     Embedder
	store     VectorStore
	llm       LLM
	composer  Composer
	mapper    Mapper
	track     InteractionTracker
	validator TokenValidator
	seeder    ReferenceSeeder
	metrics   *Metrics
	cfg       ExtractionConfig
}

// NewExtraction wires the extraction pipeline. mapper, track, validator,
// seeder, and metrics may be nil to disable the corresponding step.
func NewExtraction(
	blob BlobStore,
	decode Decoder,
	embed Embedder,
	store VectorStore,
	llm LLM,
	composer Composer,
	mapper Mapper,
	track InteractionTracker,
	validator TokenValidator,
	seeder ReferenceSeeder,
	metrics *Metrics,
	cfg ExtractionConfig,
) *ExtractionPipeline {
	cfg.applyDefaults()
	return &ExtractionPipeline{
		blob:      blob,
		decode:    decode,
		embed:     embed,
		store:     store,
		llm:       llm,
		composer:  composer,
		mapper:    mapper,
		track:     track,
		validator: validator,
		seeder:    seeder,
		metrics:   metrics,
		cfg:       cfg,
	}
}

// ExtractionRequest identifies one document to process.
type ExtractionRequest struct {
	Token          string
	EnvironmentURL string
	Bucket         string
	Key            string
	UserID         *string
	BulkUpload     bool // tabular documents dispatch through the batch worker pool
}

// ExtractionResult is the pipeline's response envelope.
type ExtractionResult struct {
	Content       *model.ExtractionResponse `json:"content"`
	TimeTaken     float64                   `json:"time_taken"`
	InteractionID string                    `json:"interaction_id,omitempty"`
}

// Run processes one extraction request end to end. The request's ephemeral
// namespace is deleted before Run returns, success or failure.
func (p *ExtractionPipeline) Run(ctx context.Context, req ExtractionRequest) (*ExtractionResult, error) {
	start := time.Now()
	logger := slog.With("bucket", req.Bucket, "key", req.Key)

	state := StateReceived
	var runErr error
	defer func() {
		status := "ok"
		if runErr != nil {
			status = "error"
		}
		p.metrics.observe("extraction", status, time.Since(start).Seconds())
	}()

	// Authenticate. A validator error (network failure included) is denial.
	if p.validator != nil {
		ok, err := p.validator.Validate(ctx, req.Token, req.EnvironmentURL)
		if err != nil {
			runErr = apierr.New("pipeline.Extraction", apierr.AuthDenied, err)
			return nil, runErr
		}
		if !ok {
			runErr = apierr.New("pipeline.Extraction", apierr.AuthDenied, fmt.Errorf("token rejected"))
			return nil, runErr
		}
	}
	transition(logger, &state, StateAuthenticated)

	// Make sure the reference corpus is there before any retrieval.
	if p.seeder != nil {
		if err := p.seeder.EnsureReference(ctx); err != nil {
			runErr = apierr.New("pipeline.Extraction", apierr.Fatal, err)
			return nil, runErr
		}
	}

	data, err := p.blob.Get(ctx, req.Bucket, req.Key)
	if err != nil {
		runErr = fmt.Errorf("pipeline.Extraction: fetch: %w", err)
		logger.Error("blob fetch failed", "error", err, "kind", failKind(err))
		return nil, runErr
	}

	gcsURI := fmt.Sprintf("gs://%s/%s", req.Bucket, req.Key)
	doc, err := p.decode.Decode(ctx, req.Key, data, gcsURI)
	if err != nil {
		runErr = apierr.New("pipeline.Extraction", apierr.InvalidInput, err)
		logger.Error("decode failed", "error", err)
		return nil, runErr
	}
	transition(logger, &state, StateDecoded, "kind", string(doc.Kind))

	chunks := decoder.ChunksFromDocument(doc, model.ChunkAttributes{})
	logger.Info("document chunked", "chunks", len(chunks))

	// Empty documents yield an empty result set, never an error.
	if len(chunks) == 0 {
		content := &model.ExtractionResponse{Results: []model.ExtractionArtifact{}}
		result := &ExtractionResult{Content: content, TimeTaken: time.Since(start).Seconds()}
		result.InteractionID = p.recordInteraction(ctx, req, content, result.TimeTaken)
		transition(logger, &state, StateReturned, "results", 0)
		return result, nil
	}

	reference, err := p.store.AllReference(ctx, p.cfg.ReferenceLimit)
	if err != nil {
		runErr = fmt.Errorf("pipeline.Extraction: reference fetch: %w", err)
		return nil, runErr
	}

	var content *model.ExtractionResponse
	if doc.Kind == model.KindTabular && req.BulkUpload {
		content, err = p.runBatches(ctx, logger, &state, chunks, reference)
	} else {
		content, err = p.runSingle(ctx, logger, &state, req, chunks, reference)
	}
	if err != nil {
		runErr = err
		return nil, runErr
	}

	p.enrich(ctx, logger, content)
	transition(logger, &state, StateEnriched)

	result := &ExtractionResult{
		Content:   content,
		TimeTaken: time.Since(start).Seconds(),
	}
	result.InteractionID = p.recordInteraction(ctx, req, content, result.TimeTaken)
	transition(logger, &state, StateReturned, "results", len(content.Results), "time_taken", result.TimeTaken)
	return result, nil
}

// runSingle is the non-batch path: index the document's chunks into an
// ephemeral namespace, retrieve the most relevant ones, and generate once.
func (p *ExtractionPipeline) runSingle(
	ctx context.Context,
	logger *slog.Logger,
	state *State,
	req ExtractionRequest,
	chunks []model.Chunk,
	reference []model.Chunk,
) (*model.ExtractionResponse, error) {
	docName := ephemeralName(req.Key, time.Now())
	for i := range chunks {
		chunks[i].Attributes.DocumentName = docName
	}

	vectors, err := p.embed.EmbedDocuments(ctx, chunkTexts(chunks))
	if err != nil {
		return nil, fmt.Errorf("pipeline.Extraction: embed: %w", err)
	}
	if len(vectors) != len(chunks) {
		return nil, fmt.Errorf("pipeline.Extraction: got %d vectors for %d chunks", len(vectors), len(chunks))
	}

	indexed := false
	defer func() {
		if !indexed {
			return
		}
		// Cleanup must run regardless of how the request ended, on a fresh
		// context so an expired request deadline cannot strand the namespace.
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := p.store.DeleteEphemeral(cleanupCtx, docName); err != nil {
			logger.Error("ephemeral cleanup failed", "document_name", docName, "error", err)
		} else {
			p.ephemeralGauge(-1)
		}
	}()

	for i, chunk := range chunks {
		if len(vectors[i]) == 0 {
			logger.Warn("skipping chunk with failed embedding", "chunk", i)
			continue
		}
		if err := p.store.PutEphemeral(ctx, uuid.New().String(), chunk, vectors[i]); err != nil {
			return nil, fmt.Errorf("pipeline.Extraction: index chunk %d: %w", i, err)
		}
		if !indexed {
			indexed = true
			p.ephemeralGauge(1)
		}
	}
	transition(logger, state, StateIndexed, "document_name", docName)

	// Retrieve the document's own most relevant chunks using the extraction
	// instruction as the query. Zero hits still proceed to generation with
	// the reference corpus alone.
	queryPrompt, err := p.composer.Compose("extraction", promptcompose.ExtractionData{BatchNumber: 1})
	if err != nil {
		return nil, fmt.Errorf("pipeline.Extraction: compose query: %w", err)
	}
	queryVector, err := p.embed.EmbedQuery(ctx, queryPrompt)
	if err != nil {
		return nil, fmt.Errorf("pipeline.Extraction: embed query: %w", err)
	}

	var relevant []model.Chunk
	if len(queryVector) > 0 && indexed {
		relevant, err = p.store.KNNEphemeral(ctx, queryVector, p.cfg.EphemeralTopK, docName)
		if err != nil {
			return nil, fmt.Errorf("pipeline.Extraction: retrieve: %w", err)
		}
	}
	p.metrics.retrieved("extraction", len(relevant))
	transition(logger, state, StateRetrieved, "relevant", len(relevant))

	prompt, err := p.composer.Compose("extraction", promptcompose.ExtractionData{
		Reference:     chunkTexts(reference),
		DocumentBatch: chunkTexts(relevant),
		BatchNumber:   1,
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline.Extraction: compose: %w", err)
	}

	stepCtx, cancel := context.WithTimeout(ctx, p.cfg.StepTimeout)
	defer cancel()
	raw, err := p.llm.Invoke(stepCtx, prompt, p.cfg.MaxTokens, p.cfg.Temperature)
	if err != nil {
		return nil, fmt.Errorf("pipeline.Extraction: generate: %w", err)
	}
	transition(logger, state, StateGenerated, "chars", len(raw))

	results := p.parseAndValidate(raw, 1)
	transition(logger, state, StateValidated, "results", len(results))
	return &model.ExtractionResponse{Results: results}, nil
}

// runBatches is the bulk-upload path: partition the tabular rows into
// batches and dispatch them to a bounded worker pool. Results come back in
// batch-number order regardless of completion order; a failed batch
// degrades to a retained parsing_error result, never aborting its siblings.
func (p *ExtractionPipeline) runBatches(
	ctx context.Context,
	logger *slog.Logger,
	state *State,
	chunks []model.Chunk,
	reference []model.Chunk,
) (*model.ExtractionResponse, error) {
	refTexts := chunkTexts(reference)

	var batches [][]model.Chunk
	for i := 0; i < len(chunks); i += p.cfg.BatchSize {
		end := i + p.cfg.BatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batches = append(batches, chunks[i:end])
	}
	logger.Info("dispatching batches", "batches", len(batches), "workers", p.cfg.Workers)

	perBatch := make([][]model.ExtractionArtifact, len(batches))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Workers)
	for i, batch := range batches {
		i, batch := i, batch
		g.Go(func() error {
			batchNumber := i + 1
			if p.metrics != nil {
				p.metrics.BatchesTotal.Inc()
			}

			prompt, err := p.composer.Compose("extraction", promptcompose.ExtractionData{
				Reference:     refTexts,
				DocumentBatch: chunkTexts(batch),
				BatchNumber:   batchNumber,
			})
			if err != nil {
				logger.Error("batch compose failed", "batch", batchNumber, "error", err)
				perBatch[i] = []model.ExtractionArtifact{model.NewParsingError(err.Error(), batchNumber)}
				return nil
			}

			stepCtx, cancel := context.WithTimeout(gCtx, p.cfg.StepTimeout)
			defer cancel()
			raw, err := p.llm.Invoke(stepCtx, prompt, p.cfg.BatchMaxTokens, p.cfg.Temperature)
			if err != nil {
				logger.Error("batch generation failed", "batch", batchNumber, "error", err)
				perBatch[i] = []model.ExtractionArtifact{model.NewParsingError(err.Error(), batchNumber)}
				return nil
			}

			perBatch[i] = p.parseAndValidate(raw, batchNumber)
			logger.Info("batch completed", "batch", batchNumber, "results", len(perBatch[i]))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("pipeline.Extraction: batch dispatch: %w", err)
	}
	transition(logger, state, StateGenerated, "batches", len(batches))

	// Pre-indexed result slots make the merge a plain concatenation in
	// batch-number order; no sort step.
	var merged []model.ExtractionArtifact
	for _, results := range perBatch {
		merged = append(merged, results...)
	}
	if merged == nil {
		merged = []model.ExtractionArtifact{}
	}
	transition(logger, state, StateValidated, "results", len(merged))
	return &model.ExtractionResponse{Results: merged}, nil
}

// parseAndValidate decodes one LLM response into artifacts tagged with
// batchNumber. Unparseable responses or results come back as retained
// parsing_error entries; schema-invalid results are flagged, never dropped.
func (p *ExtractionPipeline) parseAndValidate(raw string, batchNumber int) []model.ExtractionArtifact {
	results := parseArtifacts(raw, batchNumber)
	for _, a := range results {
		if model.IsParsingError(a) {
			if p.metrics != nil {
				p.metrics.ParseFailures.Inc()
			}
			continue
		}
		if c, ok := a.(*model.CapacityDevelopment); ok {
			model.NormalizeCapacityDevelopment(c)
		}
		if err := model.Validate(a); err != nil {
			slog.Warn("result failed validation, retained with parsing_error", "batch", batchNumber, "error", err)
			model.MarkParsingError(a)
			if p.metrics != nil {
				p.metrics.ParseFailures.Inc()
			}
		}
	}
	return results
}

// recordInteraction fires the interaction tracker. Failures are logged and
// never propagate.
func (p *ExtractionPipeline) recordInteraction(ctx context.Context, req ExtractionRequest, content *model.ExtractionResponse, elapsed float64) string {
	if p.track == nil {
		return ""
	}
	userID := ""
	if req.UserID != nil {
		userID = *req.UserID
	}
	output, err := json.Marshal(content)
	if err != nil {
		slog.Warn("interaction payload marshal failed", "error", err)
		return ""
	}
	input := req.Key
	interaction, err := p.track.Track(ctx, tracker.TrackInput{
		UserID:           userID,
		ServiceName:      p.cfg.ServiceName,
		DisplayName:      "Text Mining",
		ServiceDesc:      "Document extraction pipeline",
		UserInput:        &input,
		AIOutput:         string(output),
		Context:          map[string]string{"bucket": req.Bucket, "key": req.Key},
		ResponseTimeSecs: &elapsed,
	})
	if err != nil {
		slog.Warn("interaction tracking failed", "error", err)
		return ""
	}
	return interaction.InteractionID
}

func (p *ExtractionPipeline) ephemeralGauge(delta float64) {
	if p.metrics == nil {
		return
	}
	p.metrics.EphemeralActive.Add(delta)
}
