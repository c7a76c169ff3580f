package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/AllianceBioversityCIAT/ai-services-core/internal/model"
	"github.com/AllianceBioversityCIAT/ai-services-core/internal/promptcompose"
	"github.com/AllianceBioversityCIAT/ai-services-core/internal/recordsource"
	"github.com/AllianceBioversityCIAT/ai-services-core/internal/tracker"
	"github.com/AllianceBioversityCIAT/ai-services-core/internal/vectorstore"
)

// reportSourceTables are the views the report retrieval spans. Questions
// are deliberately absent: they feed the chatbot corpus, not report prose.
var reportSourceTables = []string{
	"vw_ai_deliverables",
	"vw_ai_project_contribution",
	"vw_ai_oicrs",
	"vw_ai_innovations",
}

// RecordReader is the relational slice of the report pipeline: aggregates
// are computed straight from the record source, never from the vector index.
type RecordReader interface {
	Load(ctx context.Context, tableName string) ([]recordsource.Row, error)
}

// ReportConfig bounds the report pipeline's generation and retrieval.
type ReportConfig struct {
	TopK        int
	MaxTokens   int
	Temperature float64
	StepTimeout time.Duration
	ServiceName string
}

func (c *ReportConfig) applyDefaults() {
	if c.TopK <= 0 {
		c.TopK = 10000
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 8000
	}
	if c.Temperature == 0 {
		c.Temperature = 0.1
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = 10 * time.Minute
	}
	if c.ServiceName == "" {
		c.ServiceName = "report-generator"
	}
}

// ReportPipeline generates one indicator/year report section as markdown.
type ReportPipeline struct {
	records  RecordReader
	embed    Embedder
	store    VectorStore
	llm      LLM
	composer Composer
	track    InteractionTracker
	seeder   ReferenceSeeder
	metrics  *Metrics
	cfg      ReportConfig
}

// NewReport wires the report pipeline. track, seeder, and metrics may be nil.
func NewReport(
	records RecordReader,
	embed Embedder,
	store VectorStore,
	llm LLM,
	composer Composer,
	track InteractionTracker,
	seeder ReferenceSeeder,
	metrics *Metrics,
	cfg ReportConfig,
) *ReportPipeline {
	cfg.applyDefaults()
	return &ReportPipeline{
		records:  records,
		embed:    embed,
		store:    store,
		llm:      llm,
		composer: composer,
		track:    track,
		seeder:   seeder,
		metrics:  metrics,
		cfg:      cfg,
	}
}

// ReportRequest identifies one indicator/year report.
type ReportRequest struct {
	Indicator  string
	Year       string
	InsertData bool // rebuild the reference corpus before retrieval
	UserID     string
}

// ReportResult is the single-shot response envelope.
type ReportResult struct {
	Content       string  `json:"content"`
	TimeTaken     float64 `json:"time_taken"`
	InteractionID string  `json:"interaction_id,omitempty"`
}

// Aggregates are the milestone totals computed for one indicator/year.
type Aggregates struct {
	TotalExpected float64
	TotalAchieved float64
	ProgressPct   float64
}

// Run generates the report in one call, with the missed-reference section
// appended.
func (p *ReportPipeline) Run(ctx context.Context, req ReportRequest) (*ReportResult, error) {
	start := time.Now()

	prompt, retrieved, err := p.prepare(ctx, req)
	if err != nil {
		p.metrics.observe("report", "error", time.Since(start).Seconds())
		return nil, err
	}

	stepCtx, cancel := context.WithTimeout(ctx, p.cfg.StepTimeout)
	defer cancel()
	report, err := p.llm.Invoke(stepCtx, prompt, p.cfg.MaxTokens, p.cfg.Temperature)
	if err != nil {
		p.metrics.observe("report", "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("pipeline.Report: generate: %w", err)
	}

	report += missedLinksSection(retrieved, report)

	elapsed := time.Since(start).Seconds()
	p.metrics.observe("report", "ok", elapsed)

	result := &ReportResult{Content: report, TimeTaken: elapsed}
	result.InteractionID = p.recordInteraction(ctx, req, report, elapsed)
	return result, nil
}

// Stream generates the report fragment by fragment. The missed-reference
// section arrives as the final fragment once the upstream stream completes.
// Cancelling ctx terminates the underlying call.
func (p *ReportPipeline) Stream(ctx context.Context, req ReportRequest) (<-chan string, <-chan error) {
	out := make(chan string)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)
		start := time.Now()

		prompt, retrieved, err := p.prepare(ctx, req)
		if err != nil {
			p.metrics.observe("report", "error", time.Since(start).Seconds())
			errCh <- err
			return
		}

		fragments, upstreamErr := p.llm.Stream(ctx, prompt, p.cfg.MaxTokens, p.cfg.Temperature)

		var full strings.Builder
		for fragment := range fragments {
			full.WriteString(fragment)
			select {
			case out <- fragment:
			case <-ctx.Done():
				p.metrics.observe("report", "error", time.Since(start).Seconds())
				errCh <- ctx.Err()
				return
			}
		}
		if err := <-upstreamErr; err != nil {
			p.metrics.observe("report", "error", time.Since(start).Seconds())
			errCh <- fmt.Errorf("pipeline.Report: stream: %w", err)
			return
		}

		if tail := missedLinksSection(retrieved, full.String()); tail != "" {
			select {
			case out <- tail:
				full.WriteString(tail)
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}

		elapsed := time.Since(start).Seconds()
		p.metrics.observe("report", "ok", elapsed)
		p.recordInteraction(ctx, req, full.String(), elapsed)
	}()

	return out, errCh
}

// prepare computes aggregates, retrieves supporting context, and renders
// the final prompt. Shared by Run and Stream.
func (p *ReportPipeline) prepare(ctx context.Context, req ReportRequest) (string, []model.Chunk, error) {
	if req.InsertData {
		if p.seeder == nil {
			return "", nil, fmt.Errorf("pipeline.Report: insert_data requested but no seeder configured")
		}
		if err := p.seeder.Refresh(ctx); err != nil {
			return "", nil, fmt.Errorf("pipeline.Report: refresh: %w", err)
		}
	}

	agg, err := p.aggregates(ctx, req.Indicator, req.Year)
	if err != nil {
		return "", nil, err
	}

	// The aggregate-only prompt doubles as the retrieval query, so the
	// semantic search is steered by what the report is about to say.
	queryPrompt, err := p.composer.Compose("report", promptcompose.ReportData{
		Indicator:     req.Indicator,
		Year:          req.Year,
		TotalExpected: agg.TotalExpected,
		TotalAchieved: agg.TotalAchieved,
		ProgressPct:   agg.ProgressPct,
	})
	if err != nil {
		return "", nil, fmt.Errorf("pipeline.Report: compose query: %w", err)
	}

	queryVector, err := p.embed.EmbedQuery(ctx, queryPrompt)
	if err != nil {
		return "", nil, fmt.Errorf("pipeline.Report: embed query: %w", err)
	}

	retrieved, err := p.store.KNN(ctx, queryVector, p.cfg.TopK, vectorstore.Filter{
		IndicatorAcronym: req.Indicator,
		Year:             req.Year,
		SourceTables:     reportSourceTables,
		RequireDOI:       true,
	})
	if err != nil {
		return "", nil, fmt.Errorf("pipeline.Report: retrieve: %w", err)
	}
	p.metrics.retrieved("report", len(retrieved))
	slog.Info("report context retrieved", "indicator", req.Indicator, "year", req.Year, "chunks", len(retrieved))

	prompt, err := p.composer.Compose("report", promptcompose.ReportData{
		Indicator:     req.Indicator,
		Year:          req.Year,
		TotalExpected: agg.TotalExpected,
		TotalAchieved: agg.TotalAchieved,
		ProgressPct:   agg.ProgressPct,
		RetrievedRows: chunkTexts(retrieved),
	})
	if err != nil {
		return "", nil, fmt.Errorf("pipeline.Report: compose: %w", err)
	}
	return prompt, retrieved, nil
}

// aggregates sums the milestone columns of the contribution rows matching
// (indicator, year). A zero expected total reports zero progress rather
// than dividing by it.
func (p *ReportPipeline) aggregates(ctx context.Context, indicator, year string) (Aggregates, error) {
	rows, err := p.records.Load(ctx, "vw_ai_project_contribution")
	if err != nil {
		return Aggregates{}, fmt.Errorf("pipeline.Report: aggregates: %w", err)
	}

	var agg Aggregates
	for _, row := range rows {
		if row["indicator_acronym"] != indicator || row["year"] != year {
			continue
		}
		agg.TotalExpected += parseNumber(row["Milestone expected value"])
		agg.TotalAchieved += parseNumber(row["Milestone reported value"])
	}
	if agg.TotalExpected > 0 {
		agg.ProgressPct = math.Round(agg.TotalAchieved/agg.TotalExpected*100*100) / 100
	}
	return agg, nil
}

func parseNumber(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return n
}

// missedLinksSection lists the DOI links present in the retrieved context
// but absent from the generated text, with their cluster attribution, so
// supporting evidence the model left uncited is still surfaced.
func missedLinksSection(retrieved []model.Chunk, generated string) string {
	type missed struct{ doi, cluster string }
	seen := make(map[string]bool)
	var links []missed
	for _, chunk := range retrieved {
		doi := chunk.Attributes.DOI
		if doi == "" || seen[doi] {
			continue
		}
		seen[doi] = true
		if strings.Contains(generated, doi) {
			continue
		}
		links = append(links, missed{doi: doi, cluster: chunk.Attributes.ClusterAcronym})
	}
	if len(links) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("\n\n## Missed links\n")
	for _, l := range links {
		if l.cluster != "" {
			fmt.Fprintf(&b, "- %s (%s)\n", l.doi, l.cluster)
		} else {
			fmt.Fprintf(&b, "- %s\n", l.doi)
		}
	}
	return b.String()
}

func (p *ReportPipeline) recordInteraction(ctx context.Context, req ReportRequest, report string, elapsed float64) string {
	if p.track == nil {
		return ""
	}
	input := fmt.Sprintf("indicator=%s year=%s", req.Indicator, req.Year)
	interaction, err := p.track.Track(ctx, tracker.TrackInput{
		UserID:           req.UserID,
		ServiceName:      p.cfg.ServiceName,
		DisplayName:      "Report Generator",
		ServiceDesc:      "Indicator/year report pipeline",
		UserInput:        &input,
		AIOutput:         report,
		Context:          map[string]string{"indicator": req.Indicator, "year": req.Year},
		ResponseTimeSecs: &elapsed,
	})
	if err != nil {
		slog.Warn("interaction tracking failed", "error", err)
		return ""
	}
	return interaction.InteractionID
}
