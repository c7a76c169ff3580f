package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/AllianceBioversityCIAT/ai-services-core/internal/model"
	"github.com/AllianceBioversityCIAT/ai-services-core/internal/promptcompose"
	"github.com/AllianceBioversityCIAT/ai-services-core/internal/recordsource"
	"github.com/AllianceBioversityCIAT/ai-services-core/internal/tracker"
	"github.com/AllianceBioversityCIAT/ai-services-core/internal/vectorstore"
)

type fakeBlob struct {
	data map[string][]byte
}

func (f *fakeBlob) Get(_ context.Context, bucket, key string) ([]byte, error) {
	d, ok := f.data[bucket+"/"+key]
	if !ok {
		return nil, fmt.Errorf("object %s/%s not found", bucket, key)
	}
	return d, nil
}

type fakeDecoder struct {
	doc model.NormalizedDocument
	err error
}

func (f *fakeDecoder) Decode(context.Context, string, []byte, string) (model.NormalizedDocument, error) {
	return f.doc, f.err
}

type fakeEmbedder struct{}

func (fakeEmbedder) EmbedDocuments(_ context.Context, texts []string) ([]model.Vector, error) {
	out := make([]model.Vector, len(texts))
	for i := range texts {
		out[i] = model.Vector{1, float32(len(texts[i]))}
	}
	return out, nil
}

func (fakeEmbedder) EmbedQuery(_ context.Context, text string) (model.Vector, error) {
	return model.Vector{1, float32(len(text))}, nil
}

type fakeVS struct {
	mu        sync.Mutex
	ephemeral map[string][]model.Chunk
	reference []model.Chunk
	knnResult []model.Chunk
	deleted   []string
}

func (f *fakeVS) PutEphemeral(_ context.Context, _ string, chunk model.Chunk, _ model.Vector) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ephemeral == nil {
		f.ephemeral = make(map[string][]model.Chunk)
	}
	name := chunk.Attributes.DocumentName
	f.ephemeral[name] = append(f.ephemeral[name], chunk)
	return nil
}

func (f *fakeVS) DeleteEphemeral(_ context.Context, documentName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.ephemeral, documentName)
	f.deleted = append(f.deleted, documentName)
	return nil
}

func (f *fakeVS) KNN(_ context.Context, _ model.Vector, _ int, _ vectorstore.Filter) ([]model.Chunk, error) {
	return f.knnResult, nil
}

func (f *fakeVS) KNNEphemeral(_ context.Context, _ model.Vector, topK int, documentName string) ([]model.Chunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	chunks := f.ephemeral[documentName]
	if len(chunks) > topK {
		chunks = chunks[:topK]
	}
	return chunks, nil
}

func (f *fakeVS) AllReference(context.Context, int) ([]model.Chunk, error) {
	return f.reference, nil
}

// fakeLLM answers with a fixed response, or per-call responses keyed by a
// substring of the prompt.
type fakeLLM struct {
	mu       sync.Mutex
	response string
	perMatch map[string]string // prompt substring -> response
	calls    []string
}

func (f *fakeLLM) Invoke(_ context.Context, prompt string, _ int, _ float64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, prompt)
	for substr, resp := range f.perMatch {
		if strings.Contains(prompt, substr) {
			return resp, nil
		}
	}
	return f.response, nil
}

func (f *fakeLLM) Stream(ctx context.Context, prompt string, maxTokens int, temperature float64) (<-chan string, <-chan error) {
	out := make(chan string)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errCh)
		text, err := f.Invoke(ctx, prompt, maxTokens, temperature)
		if err != nil {
			errCh <- err
			return
		}
		// Two fragments, to exercise reassembly.
		half := len(text) / 2
		out <- text[:half]
		out <- text[half:]
	}()
	return out, errCh
}

// fakeComposer renders a minimal deterministic prompt carrying the data the
// pipelines embed in it.
type fakeComposer struct{}

func (fakeComposer) Compose(name string, data any) (string, error) {
	switch d := data.(type) {
	case promptcompose.ExtractionData:
		return fmt.Sprintf("extract batch=%d ref=%d rows=%s", d.BatchNumber, len(d.Reference), strings.Join(d.DocumentBatch, "|")), nil
	case promptcompose.ReportData:
		return fmt.Sprintf("report %s %s expected=%v achieved=%v rows=%d", d.Indicator, d.Year, d.TotalExpected, d.TotalAchieved, len(d.RetrievedRows)), nil
	case promptcompose.ConversationData:
		return fmt.Sprintf("chat q=%s rows=%d history=%d", d.UserInput, len(d.RetrievedRows), len(d.History)), nil
	}
	return name, nil
}

type fakeMapper struct {
	results map[string]model.MappingResult // original_value -> result
}

func (f *fakeMapper) MapEntries(_ context.Context, entries []model.MappingEntry) []model.MappingResult {
	out := make([]model.MappingResult, 0, len(entries))
	for _, e := range entries {
		if r, ok := f.results[e.OriginalValue]; ok {
			out = append(out, r)
			continue
		}
		out = append(out, model.Null(e))
	}
	return out
}

type fakeTracker struct {
	mu     sync.Mutex
	inputs []tracker.TrackInput
}

func (f *fakeTracker) Track(_ context.Context, in tracker.TrackInput) (*model.Interaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, in)
	return &model.Interaction{InteractionID: fmt.Sprintf("int-%d", len(f.inputs))}, nil
}

type fakeValidator struct {
	ok  bool
	err error
}

func (f *fakeValidator) Validate(context.Context, string, string) (bool, error) {
	return f.ok, f.err
}

type fakeSeeder struct {
	ensured   int
	refreshed int
}

func (f *fakeSeeder) EnsureReference(context.Context) error {
	f.ensured++
	return nil
}

func (f *fakeSeeder) Refresh(context.Context) error {
	f.refreshed++
	return nil
}

type fakeRecords struct {
	rows map[string][]recordsource.Row
}

func (f *fakeRecords) Load(_ context.Context, table string) ([]recordsource.Row, error) {
	return f.rows[table], nil
}

// fakeSessions is an in-memory SessionStore.
type fakeSessions struct {
	mu    sync.Mutex
	turns map[string][]promptcompose.ConversationTurn
	locks map[string]*sync.Mutex
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		turns: make(map[string][]promptcompose.ConversationTurn),
		locks: make(map[string]*sync.Mutex),
	}
}

func (f *fakeSessions) History(_ context.Context, userID, sessionID string) ([]promptcompose.ConversationTurn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]promptcompose.ConversationTurn(nil), f.turns[userID+"/"+sessionID]...), nil
}

func (f *fakeSessions) Append(_ context.Context, userID, sessionID string, turn promptcompose.ConversationTurn) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := userID + "/" + sessionID
	f.turns[key] = append(f.turns[key], turn)
	return nil
}

func (f *fakeSessions) Acquire(_ context.Context, sessionID string) (func(), error) {
	f.mu.Lock()
	l, ok := f.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		f.locks[sessionID] = l
	}
	f.mu.Unlock()
	l.Lock()
	return l.Unlock, nil
}

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("parse time %q: %v", s, err)
	}
	return ts
}
