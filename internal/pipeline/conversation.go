package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AllianceBioversityCIAT/ai-services-core/internal/model"
	"github.com/AllianceBioversityCIAT/ai-services-core/internal/promptcompose"
	"github.com/AllianceBioversityCIAT/ai-services-core/internal/tracker"
	"github.com/AllianceBioversityCIAT/ai-services-core/internal/vectorstore"
)

// Sentinel filter values that mean "no filter".
const (
	AllPhases     = "All phases"
	AllIndicators = "All indicators"
	AllSections   = "All sections"
)

// sectionTables maps a user-facing section to its allowed source tables.
var sectionTables = map[string][]string{
	"Deliverables":  {"vw_ai_deliverables"},
	"OICRs":         {"vw_ai_oicrs"},
	"Innovations":   {"vw_ai_innovations"},
	"Contributions": {"vw_ai_project_contribution", "vw_ai_questions"},
}

var allTables = []string{
	"vw_ai_deliverables",
	"vw_ai_project_contribution",
	"vw_ai_oicrs",
	"vw_ai_innovations",
	"vw_ai_questions",
}

// SessionStore is the conversational memory: turns keyed by (user, session),
// with per-session serialization of concurrent requests.
type SessionStore interface {
	History(ctx context.Context, userID, sessionID string) ([]promptcompose.ConversationTurn, error)
	Append(ctx context.Context, userID, sessionID string, turn promptcompose.ConversationTurn) error
	// Acquire serializes turns on one session; the release func must always
	// be called. Distinct sessions never contend.
	Acquire(ctx context.Context, sessionID string) (release func(), err error)
}

// ConversationConfig bounds the conversational pipeline.
type ConversationConfig struct {
	MaxTokens   int
	Temperature float64
	StepTimeout time.Duration
	ServiceName string
}

func (c *ConversationConfig) applyDefaults() {
	if c.MaxTokens <= 0 {
		c.MaxTokens = 5000
	}
	if c.Temperature == 0 {
		c.Temperature = 0.3
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = 5 * time.Minute
	}
	if c.ServiceName == "" {
		c.ServiceName = "chatbot"
	}
}

// ConversationPipeline answers session-scoped questions over the reference
// corpus with user-facing filter normalization.
type ConversationPipeline struct {
	embed    Embedder
	store    VectorStore
	llm      LLM
	composer Composer
	sessions SessionStore
	track    InteractionTracker
	seeder   ReferenceSeeder
	metrics  *Metrics
	cfg      ConversationConfig
}

// NewConversation wires the conversational pipeline. sessions, track,
// seeder, and metrics may be nil.
func NewConversation(
	embed Embedder,
	store VectorStore,
	llm LLM,
	composer Composer,
	sessions SessionStore,
	track InteractionTracker,
	seeder ReferenceSeeder,
	metrics *Metrics,
	cfg ConversationConfig,
) *ConversationPipeline {
	cfg.applyDefaults()
	return &ConversationPipeline{
		embed:    embed,
		store:    store,
		llm:      llm,
		composer: composer,
		sessions: sessions,
		track:    track,
		seeder:   seeder,
		metrics:  metrics,
		cfg:      cfg,
	}
}

// ChatRequest is one conversational turn.
type ChatRequest struct {
	Message   string
	Phase     string
	Indicator string
	Section   string
	SessionID string
	UserID    string
	Refresh   bool
}

// ChatResult is the response envelope for one turn.
type ChatResult struct {
	Answer        string  `json:"answer"`
	TimeTaken     float64 `json:"time_taken"`
	InteractionID string  `json:"interaction_id,omitempty"`
}

// queryFilter is the normalized form of the user-facing filters.
type queryFilter struct {
	year      string
	phaseType string
	indicator string
	tables    []string
	topK      int
}

// translateFilters normalizes the user-facing filter values into vector
// query constraints. "All ..." sentinels drop the corresponding filter; the
// phase splits into a year and a phase type; retrieval depth scales with
// how many concrete filters remain.
func translateFilters(phase, indicator, section string) queryFilter {
	f := queryFilter{tables: allTables}

	concrete := 0
	if phase != "" && phase != AllPhases {
		concrete++
		for _, part := range strings.Fields(phase) {
			if isDigits(part) {
				f.year = part
			}
		}
		switch {
		case strings.Contains(phase, "Progress"):
			f.phaseType = "Progress"
		case strings.Contains(phase, "AWPB"):
			f.phaseType = "AWPB"
		case strings.Contains(phase, "AR"):
			f.phaseType = "AR"
		}
	}
	if indicator != "" && indicator != AllIndicators {
		concrete++
		f.indicator = indicator
	}
	if section != "" && section != AllSections {
		concrete++
		if tables, ok := sectionTables[section]; ok {
			f.tables = tables
		}
	}

	if concrete >= 2 {
		f.topK = 10000
	} else {
		f.topK = 100
	}
	return f
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Run answers one turn. Turns sharing a SessionID are serialized and share
// retrieval memory; a fresh SessionID starts independent.
func (p *ConversationPipeline) Run(ctx context.Context, req ChatRequest) (*ChatResult, error) {
	start := time.Now()

	if strings.TrimSpace(req.Message) == "" {
		return nil, fmt.Errorf("pipeline.Conversation: empty message")
	}

	if p.sessions != nil && req.SessionID != "" {
		release, err := p.sessions.Acquire(ctx, req.SessionID)
		if err != nil {
			p.metrics.observe("conversation", "error", time.Since(start).Seconds())
			return nil, fmt.Errorf("pipeline.Conversation: acquire session: %w", err)
		}
		defer release()
	}

	if req.Refresh {
		if p.seeder == nil {
			return nil, fmt.Errorf("pipeline.Conversation: refresh requested but no seeder configured")
		}
		if err := p.seeder.Refresh(ctx); err != nil {
			p.metrics.observe("conversation", "error", time.Since(start).Seconds())
			return nil, fmt.Errorf("pipeline.Conversation: refresh: %w", err)
		}
	}

	filter := translateFilters(req.Phase, req.Indicator, req.Section)

	queryVector, err := p.embed.EmbedQuery(ctx, req.Message)
	if err != nil {
		p.metrics.observe("conversation", "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("pipeline.Conversation: embed: %w", err)
	}

	retrieved, err := p.store.KNN(ctx, queryVector, filter.topK, vectorstore.Filter{
		IndicatorAcronym: filter.indicator,
		Year:             filter.year,
		SourceTables:     filter.tables,
	})
	if err != nil {
		p.metrics.observe("conversation", "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("pipeline.Conversation: retrieve: %w", err)
	}
	retrieved = filterByPhaseType(retrieved, filter.phaseType)
	p.metrics.retrieved("conversation", len(retrieved))

	var history []promptcompose.ConversationTurn
	if p.sessions != nil && req.SessionID != "" {
		history, err = p.sessions.History(ctx, req.UserID, req.SessionID)
		if err != nil {
			slog.Warn("session history unavailable", "session_id", req.SessionID, "error", err)
		}
	}

	prompt, err := p.composer.Compose("chatbot", promptcompose.ConversationData{
		Phase:         req.Phase,
		Indicator:     req.Indicator,
		Section:       req.Section,
		UserInput:     req.Message,
		RetrievedRows: chunkTexts(retrieved),
		History:       history,
	})
	if err != nil {
		p.metrics.observe("conversation", "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("pipeline.Conversation: compose: %w", err)
	}

	stepCtx, cancel := context.WithTimeout(ctx, p.cfg.StepTimeout)
	defer cancel()
	answer, err := p.llm.Invoke(stepCtx, prompt, p.cfg.MaxTokens, p.cfg.Temperature)
	if err != nil {
		p.metrics.observe("conversation", "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("pipeline.Conversation: generate: %w", err)
	}

	if p.sessions != nil && req.SessionID != "" {
		turn := promptcompose.ConversationTurn{UserInput: req.Message, AIOutput: answer}
		if err := p.sessions.Append(ctx, req.UserID, req.SessionID, turn); err != nil {
			slog.Warn("session append failed", "session_id", req.SessionID, "error", err)
		}
	}

	elapsed := time.Since(start).Seconds()
	p.metrics.observe("conversation", "ok", elapsed)

	result := &ChatResult{Answer: answer, TimeTaken: elapsed}
	result.InteractionID = p.recordInteraction(ctx, req, answer, elapsed)
	return result, nil
}

// filterByPhaseType drops contribution/question rows whose phase does not
// contain the selected phase type. Other tables pass through: their rows
// are not phase-scoped.
func filterByPhaseType(chunks []model.Chunk, phaseType string) []model.Chunk {
	if phaseType == "" {
		return chunks
	}
	out := make([]model.Chunk, 0, len(chunks))
	for _, chunk := range chunks {
		tt := chunk.Attributes.TableType
		if tt == "questions" || tt == "contributions" {
			if chunk.Attributes.PhaseName != "" && !strings.Contains(chunk.Attributes.PhaseName, phaseType) {
				continue
			}
		}
		out = append(out, chunk)
	}
	return out
}

func (p *ConversationPipeline) recordInteraction(ctx context.Context, req ChatRequest, answer string, elapsed float64) string {
	if p.track == nil {
		return ""
	}
	sessionID := req.SessionID
	var sessionPtr *string
	if sessionID != "" {
		sessionPtr = &sessionID
	}
	interaction, err := p.track.Track(ctx, tracker.TrackInput{
		UserID:           req.UserID,
		SessionID:        sessionPtr,
		ServiceName:      p.cfg.ServiceName,
		DisplayName:      "Chatbot",
		ServiceDesc:      "Conversational retrieval pipeline",
		UserInput:        &req.Message,
		AIOutput:         answer,
		Context:          map[string]string{"phase": req.Phase, "indicator": req.Indicator, "section": req.Section},
		ResponseTimeSecs: &elapsed,
	})
	if err != nil {
		slog.Warn("interaction tracking failed", "error", err)
		return ""
	}
	return interaction.InteractionID
}
