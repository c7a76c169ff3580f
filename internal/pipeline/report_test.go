package pipeline

import (
	"context"
	"strings"
	"testing"

	"github.com/AllianceBioversityCIAT/ai-services-core/internal/model"
	"github.com/AllianceBioversityCIAT/ai-services-core/internal/recordsource"
)

func contributionRows() map[string][]recordsource.Row {
	return map[string][]recordsource.Row{
		"vw_ai_project_contribution": {
			{"indicator_acronym": "IPI 1.1", "year": "2024", "Milestone expected value": "10", "Milestone reported value": "7"},
			{"indicator_acronym": "IPI 1.1", "year": "2024", "Milestone expected value": "30", "Milestone reported value": "23"},
			{"indicator_acronym": "IPI 1.1", "year": "2023", "Milestone expected value": "100", "Milestone reported value": "100"},
			{"indicator_acronym": "IPI 2.2", "year": "2024", "Milestone expected value": "5", "Milestone reported value": "5"},
		},
	}
}

func newReport(vs *fakeVS, llm *fakeLLM) (*ReportPipeline, *fakeSeeder, *fakeTracker) {
	seeder := &fakeSeeder{}
	tr := &fakeTracker{}
	p := NewReport(
		&fakeRecords{rows: contributionRows()},
		fakeEmbedder{}, vs, llm, fakeComposer{}, tr, seeder, nil,
		ReportConfig{},
	)
	return p, seeder, tr
}

func TestReportAggregates(t *testing.T) {
	p, _, _ := newReport(&fakeVS{}, &fakeLLM{})

	agg, err := p.aggregates(context.Background(), "IPI 1.1", "2024")
	if err != nil {
		t.Fatalf("aggregates: %v", err)
	}
	if agg.TotalExpected != 40 || agg.TotalAchieved != 30 {
		t.Errorf("expected=%v achieved=%v, want 40/30", agg.TotalExpected, agg.TotalAchieved)
	}
	if agg.ProgressPct != 75 {
		t.Errorf("progress = %v, want 75", agg.ProgressPct)
	}
}

func TestReportAggregatesZeroExpected(t *testing.T) {
	p, _, _ := newReport(&fakeVS{}, &fakeLLM{})

	agg, err := p.aggregates(context.Background(), "IPI 9.9", "2030")
	if err != nil {
		t.Fatalf("aggregates: %v", err)
	}
	if agg.ProgressPct != 0 {
		t.Errorf("progress = %v for zero expected, want 0", agg.ProgressPct)
	}
}

func TestReportRunAppendsMissedLinks(t *testing.T) {
	vs := &fakeVS{knnResult: []model.Chunk{
		{Text: "cited row", Attributes: model.ChunkAttributes{DOI: "10.1/cited", ClusterAcronym: "WP1"}},
		{Text: "missed row", Attributes: model.ChunkAttributes{DOI: "10.1/missed", ClusterAcronym: "WP2"}},
		{Text: "no doi row"},
	}}
	llm := &fakeLLM{response: "Narrative citing 10.1/cited and nothing else."}
	p, _, _ := newReport(vs, llm)

	result, err := p.Run(context.Background(), ReportRequest{Indicator: "IPI 1.1", Year: "2024"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(result.Content, "## Missed links") {
		t.Fatalf("missing missed-links section:\n%s", result.Content)
	}
	if !strings.Contains(result.Content, "10.1/missed (WP2)") {
		t.Errorf("missed DOI not attributed:\n%s", result.Content)
	}
	if strings.Contains(strings.SplitN(result.Content, "## Missed links", 2)[1], "10.1/cited") {
		t.Error("cited DOI must not appear under missed links")
	}
}

func TestReportInsertDataTriggersRefresh(t *testing.T) {
	p, seeder, _ := newReport(&fakeVS{}, &fakeLLM{response: "ok"})

	if _, err := p.Run(context.Background(), ReportRequest{Indicator: "IPI 1.1", Year: "2024", InsertData: true}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if seeder.refreshed != 1 {
		t.Errorf("refreshed %d times, want 1", seeder.refreshed)
	}
}

func TestReportStreamReassembles(t *testing.T) {
	vs := &fakeVS{knnResult: []model.Chunk{
		{Text: "row", Attributes: model.ChunkAttributes{DOI: "10.1/only", ClusterAcronym: "WP3"}},
	}}
	llm := &fakeLLM{response: "Streamed narrative without citations."}
	p, _, tr := newReport(vs, llm)

	fragments, errCh := p.Stream(context.Background(), ReportRequest{Indicator: "IPI 1.1", Year: "2024", UserID: "u1"})

	var full strings.Builder
	for f := range fragments {
		full.WriteString(f)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if !strings.HasPrefix(full.String(), "Streamed narrative") {
		t.Errorf("unexpected stream content: %q", full.String())
	}
	if !strings.Contains(full.String(), "10.1/only (WP3)") {
		t.Error("missed-links tail fragment absent from stream")
	}
	if len(tr.inputs) != 1 {
		t.Errorf("tracked %d interactions, want 1", len(tr.inputs))
	}
}

func TestMissedLinksDeduplicates(t *testing.T) {
	retrieved := []model.Chunk{
		{Attributes: model.ChunkAttributes{DOI: "10.1/x", ClusterAcronym: "A"}},
		{Attributes: model.ChunkAttributes{DOI: "10.1/x", ClusterAcronym: "B"}},
	}
	section := missedLinksSection(retrieved, "no citations here")
	if strings.Count(section, "10.1/x") != 1 {
		t.Errorf("duplicate DOI listed:\n%s", section)
	}
}
