package vectorstore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// reindexServer simulates just enough of the index/alias API: the base name
// may start as a concrete index, an alias, or absent.
type reindexServer struct {
	mu            sync.Mutex
	concreteIndex bool // base name exists as a concrete index
	aliasTarget   string
	indexDeleted  bool
	actions       []map[string]map[string]any
	genCreated    []string
}

func newReindexServer(t *testing.T, base string, concrete bool, aliasTarget string) (*httptest.Server, *reindexServer) {
	t.Helper()
	state := &reindexServer{concreteIndex: concrete, aliasTarget: aliasTarget}

	mux := http.NewServeMux()
	mux.HandleFunc("/_alias/"+base, func(w http.ResponseWriter, r *http.Request) {
		state.mu.Lock()
		defer state.mu.Unlock()
		if state.aliasTarget == "" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/_aliases", func(w http.ResponseWriter, r *http.Request) {
		state.mu.Lock()
		defer state.mu.Unlock()
		var body struct {
			Actions []map[string]map[string]any `json:"actions"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		state.actions = append(state.actions, body.Actions...)
		for _, a := range body.Actions {
			if add, ok := a["add"]; ok {
				state.aliasTarget = add["index"].(string)
			}
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/"+base, func(w http.ResponseWriter, r *http.Request) {
		state.mu.Lock()
		defer state.mu.Unlock()
		switch r.Method {
		case http.MethodHead:
			if state.concreteIndex {
				w.WriteHeader(http.StatusOK)
			} else {
				w.WriteHeader(http.StatusNotFound)
			}
		case http.MethodDelete:
			state.concreteIndex = false
			state.indexDeleted = true
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusOK)
		}
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		state.mu.Lock()
		defer state.mu.Unlock()
		switch r.Method {
		case http.MethodPut:
			state.genCreated = append(state.genCreated, r.URL.Path)
			w.WriteHeader(http.StatusOK)
		case http.MethodDelete:
			w.WriteHeader(http.StatusNotFound) // no stale generation
		default:
			w.WriteHeader(http.StatusOK)
		}
	})

	return httptest.NewServer(mux), state
}

func TestCommit_ReplacesConcreteColdStartIndex(t *testing.T) {
	srv, state := newReindexServer(t, "reference_corpus", true, "")
	defer srv.Close()

	c := New(srv.Client(), srv.URL, "", "", "reference_corpus")
	r := NewReindexer(c)

	staged, err := r.BeginGeneration(context.Background(), 768)
	if err != nil {
		t.Fatalf("BeginGeneration: %v", err)
	}
	if staged.index != "reference_corpus_gen1" {
		t.Errorf("staged index = %q", staged.index)
	}

	if err := r.Commit(context.Background(), staged); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if !state.indexDeleted {
		t.Error("the concrete cold-start index must be deleted before the alias is added")
	}
	if state.aliasTarget != "reference_corpus_gen1" {
		t.Errorf("alias target = %q, want reference_corpus_gen1", state.aliasTarget)
	}
	for _, a := range state.actions {
		if _, ok := a["remove"]; ok {
			t.Error("no remove action expected when the alias did not exist yet")
		}
	}
}

func TestCommit_RepointsExistingAlias(t *testing.T) {
	srv, state := newReindexServer(t, "reference_corpus", false, "reference_corpus_gen1")
	defer srv.Close()

	c := New(srv.Client(), srv.URL, "", "", "reference_corpus")
	r := NewReindexer(c)
	r.generation = 1 // a prior refresh already produced gen1

	staged, err := r.BeginGeneration(context.Background(), 768)
	if err != nil {
		t.Fatalf("BeginGeneration: %v", err)
	}
	if err := r.Commit(context.Background(), staged); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if state.indexDeleted {
		t.Error("nothing should be deleted when the base name is already an alias")
	}
	if state.aliasTarget != "reference_corpus_gen2" {
		t.Errorf("alias target = %q, want reference_corpus_gen2", state.aliasTarget)
	}
	var sawRemove bool
	for _, a := range state.actions {
		if _, ok := a["remove"]; ok {
			sawRemove = true
		}
	}
	if !sawRemove {
		t.Error("repointing an existing alias must remove it from the prior generation")
	}
}
