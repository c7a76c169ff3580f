package vectorstore

import (
	"context"
	"fmt"
	"net/http"
	"sync"
)

// Reindexer performs an atomic reference-index rebuild using a
// generation-suffixed index name plus an alias repoint. A delete-then-
// recreate rebuild would leave a window where no reads can be served;
// staging the new generation first closes it.
type Reindexer struct {
	alias      *Client
	generation int
}

// NewReindexer wraps a Client whose index name is treated as an alias
// rather than a concrete index.
func NewReindexer(alias *Client) *Reindexer {
	return &Reindexer{alias: alias}
}

// BeginGeneration creates a new concrete index named "{alias}_gen{n}" with
// the knn_vector mapping and returns a Client scoped to it, so the caller
// can populate it with PutReference calls before Commit repoints the alias.
// A leftover index of the same generation name (an orphan from an earlier
// process) is dropped first so the staged corpus never merges stale rows.
func (r *Reindexer) BeginGeneration(ctx context.Context, dimensions int) (*Client, error) {
	r.generation++
	genIndex := fmt.Sprintf("%s_gen%d", r.alias.index, r.generation)

	staged := &Client{
		baseURL:  r.alias.baseURL,
		username: r.alias.username,
		password: r.alias.password,
		index:    genIndex,
		http:     r.alias.http,
		docLocks: make(map[string]*sync.Mutex),
	}
	if err := r.DropGeneration(ctx, staged); err != nil {
		return nil, fmt.Errorf("vectorstore.BeginGeneration: %w", err)
	}
	if err := staged.EnsureReferenceIndex(ctx, dimensions); err != nil {
		return nil, fmt.Errorf("vectorstore.BeginGeneration: %w", err)
	}
	return staged, nil
}

// Commit atomically repoints the alias at the staged generation index and
// removes it from any prior generation, under the alias Client's exclusive
// index lock so no k-NN read observes a half-repointed alias. When the base
// name is not yet an alias (the cold-start path builds it as a concrete
// index, and an alias cannot share a name with a live index) that index is
// deleted inside the same lock before the alias is added, so readers see
// the old corpus wholly, then the new one wholly. The prior generation
// index is left in place for the caller to drop once confident the swap is
// healthy (deletion is not automatic).
func (r *Reindexer) Commit(ctx context.Context, staged *Client) error {
	r.alias.idxMu.Lock()
	defer r.alias.idxMu.Unlock()

	aliasStatus, _, err := r.alias.do(ctx, http.MethodGet, "/_alias/"+r.alias.index, nil)
	if err != nil {
		return fmt.Errorf("vectorstore.Commit: %w", err)
	}
	aliasExists := aliasStatus == http.StatusOK

	var actions []map[string]any
	if aliasExists {
		actions = append(actions, map[string]any{
			"remove": map[string]any{"index": "*", "alias": r.alias.index},
		})
	} else {
		indexStatus, _, err := r.alias.do(ctx, http.MethodHead, "/"+r.alias.index, nil)
		if err != nil {
			return fmt.Errorf("vectorstore.Commit: %w", err)
		}
		if indexStatus == http.StatusOK {
			status, respBody, err := r.alias.do(ctx, http.MethodDelete, "/"+r.alias.index, nil)
			if err != nil {
				return fmt.Errorf("vectorstore.Commit: delete concrete index: %w", err)
			}
			if status != http.StatusOK {
				return fmt.Errorf("vectorstore.Commit: delete concrete index: status %d: %s", status, respBody)
			}
		}
	}
	actions = append(actions, map[string]any{
		"add": map[string]any{"index": staged.index, "alias": r.alias.index},
	})

	status, respBody, err := r.alias.do(ctx, http.MethodPost, "/_aliases", map[string]any{"actions": actions})
	if err != nil {
		return fmt.Errorf("vectorstore.Commit: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("vectorstore.Commit: status %d: %s", status, respBody)
	}
	return nil
}

// DropGeneration deletes a staged or superseded generation index outright.
func (r *Reindexer) DropGeneration(ctx context.Context, staged *Client) error {
	status, respBody, err := staged.do(ctx, http.MethodDelete, "/"+staged.index, nil)
	if err != nil {
		return fmt.Errorf("vectorstore.DropGeneration: %w", err)
	}
	if status != http.StatusOK && status != http.StatusNotFound {
		return fmt.Errorf("vectorstore.DropGeneration: status %d: %s", status, respBody)
	}
	return nil
}
