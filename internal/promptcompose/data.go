package promptcompose

// ExtractionData is rendered against templates/extraction.tmpl for the
// Extraction Pipeline's batch-level LLM calls. One DocumentBatch per
// worker-pool batch.
type ExtractionData struct {
	Reference     []string // shared reference-corpus rows, prepended to every batch
	DocumentBatch []string // chunk texts belonging to this batch
	BatchNumber   int
}

// ReportData is rendered against templates/report.tmpl for the Report
// Pipeline. Aggregates are computed upstream and passed as literals; the
// composer never reads records directly.
type ReportData struct {
	Indicator      string
	Year           string
	TotalExpected  float64
	TotalAchieved  float64
	ProgressPct    float64
	RetrievedRows  []string
}

// ConversationData is rendered against templates/chatbot.tmpl for the
// Conversational Pipeline.
type ConversationData struct {
	Phase          string
	Indicator      string
	Section        string
	UserInput      string
	RetrievedRows  []string
	History        []ConversationTurn
}

// ConversationTurn is one prior user/assistant exchange carried in
// Redis-backed session memory.
type ConversationTurn struct {
	UserInput string
	AIOutput  string
}
