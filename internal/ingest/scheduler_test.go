package ingest

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/AllianceBioversityCIAT/ai-services-core/internal/model"
	"github.com/AllianceBioversityCIAT/ai-services-core/internal/recordsource"
)

type fakeSource struct {
	tables map[string][]recordsource.Row
	loads  []string
}

func (f *fakeSource) Load(_ context.Context, table string) ([]recordsource.Row, error) {
	f.loads = append(f.loads, table)
	return f.tables[table], nil
}

type fakeEmbedder struct {
	failIndex int // -1 to disable
}

func (f *fakeEmbedder) EmbedDocuments(_ context.Context, texts []string) ([]model.Vector, error) {
	out := make([]model.Vector, len(texts))
	for i := range texts {
		if i == f.failIndex {
			out[i] = model.Vector{}
			continue
		}
		out[i] = model.Vector{float32(len(texts[i])), 1}
	}
	return out, nil
}

type fakeStore struct {
	exists  bool
	ensured bool
	docs    map[string]model.Chunk
}

func (f *fakeStore) EnsureReferenceIndex(context.Context, int) error {
	f.ensured = true
	return nil
}

func (f *fakeStore) ExistsReference(context.Context) (bool, error) { return f.exists, nil }

func (f *fakeStore) PutReference(_ context.Context, id string, chunk model.Chunk, _ model.Vector) error {
	if f.docs == nil {
		f.docs = make(map[string]model.Chunk)
	}
	f.docs[id] = chunk
	return nil
}

func TestRunStoresEveryTable(t *testing.T) {
	source := &fakeSource{tables: map[string][]recordsource.Row{
		"vw_ai_deliverables": {
			{"title": "Dataset release", "indicator_acronym": "IPI 1.1", "year": "2024", "doi": "10.1/abc"},
		},
		"vw_ai_oicrs": {
			{"title": "Outcome case", "indicator_acronym": "IPI 2.2", "year": "2024"},
			{"title": "Second case", "indicator_acronym": "IPI 2.2", "year": "2023"},
		},
	}}
	store := &fakeStore{}
	s := New(source, &fakeEmbedder{failIndex: -1}, store, nil, 768)

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !store.ensured {
		t.Fatal("Run did not ensure the reference index")
	}
	if len(store.docs) != 3 {
		t.Fatalf("stored %d docs, want 3", len(store.docs))
	}

	chunk, ok := store.docs["vw_ai_deliverables-0"]
	if !ok {
		t.Fatal("missing vw_ai_deliverables-0")
	}
	if chunk.Attributes.TableType != "deliverables" {
		t.Errorf("table_type = %q, want deliverables", chunk.Attributes.TableType)
	}
	if chunk.Attributes.DOI != "10.1/abc" {
		t.Errorf("doi = %q, want 10.1/abc", chunk.Attributes.DOI)
	}
	if !strings.Contains(chunk.Text, `"title":"Dataset release"`) {
		t.Errorf("chunk text missing title column: %s", chunk.Text)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	source := &fakeSource{tables: map[string][]recordsource.Row{
		"vw_ai_innovations": {
			{"title": "Seed variety", "indicator_acronym": "IPI 3.1", "year": "2024"},
		},
	}}
	store := &fakeStore{}
	s := New(source, &fakeEmbedder{failIndex: -1}, store, nil, 768)

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	first := make(map[string]model.Chunk, len(store.docs))
	for k, v := range store.docs {
		first[k] = v
	}

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if !reflect.DeepEqual(first, store.docs) {
		t.Error("second Run changed the stored reference set")
	}
}

func TestRunSkipsFailedEmbeddings(t *testing.T) {
	source := &fakeSource{tables: map[string][]recordsource.Row{
		"vw_ai_questions": {
			{"question": "What changed?", "year": "2024"},
			{"question": "What remains?", "year": "2024"},
		},
	}}
	store := &fakeStore{}
	s := New(source, &fakeEmbedder{failIndex: 0}, store, nil, 768)

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(store.docs) != 1 {
		t.Fatalf("stored %d docs, want 1 (zero-length vector must be skipped)", len(store.docs))
	}
	if _, ok := store.docs["vw_ai_questions-1"]; !ok {
		t.Error("surviving row should keep its positional id")
	}
}

func TestEnsureReferenceSkipsWhenPresent(t *testing.T) {
	source := &fakeSource{tables: map[string][]recordsource.Row{}}
	store := &fakeStore{exists: true}
	s := New(source, &fakeEmbedder{failIndex: -1}, store, nil, 768)

	if err := s.EnsureReference(context.Background()); err != nil {
		t.Fatalf("EnsureReference: %v", err)
	}
	if len(source.loads) != 0 {
		t.Errorf("EnsureReference loaded tables despite an existing corpus: %v", source.loads)
	}
}

func TestProjectRowDropsEmptyColumns(t *testing.T) {
	row := recordsource.Row{
		"title":                  "Kept",
		"empty":                  "",
		"last_updated_altmetric": "",
		"cluster_role":           "Leader",
	}
	chunk, err := projectRow("vw_ai_deliverables", row)
	if err != nil {
		t.Fatalf("projectRow: %v", err)
	}
	for _, absent := range []string{"empty", "last_updated_altmetric"} {
		if strings.Contains(chunk.Text, absent) {
			t.Errorf("chunk text retained dropped column %q: %s", absent, chunk.Text)
		}
	}
	if chunk.Attributes.ClusterRole != "Leader" {
		t.Errorf("cluster_role = %q, want Leader", chunk.Attributes.ClusterRole)
	}
}

func TestTablesAreStable(t *testing.T) {
	want := fmt.Sprint(recordsource.Tables())
	for i := 0; i < 5; i++ {
		if got := fmt.Sprint(recordsource.Tables()); got != want {
			t.Fatalf("Tables() order unstable: %s vs %s", got, want)
		}
	}
}
