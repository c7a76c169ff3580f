package handler

import (
	"context"
	"log/slog"
	"net/http"
)

// CorpusScheduler rebuilds the reference corpus.
type CorpusScheduler interface {
	Run(ctx context.Context) error
	Refresh(ctx context.Context) error
}

type ingestRequest struct {
	Refresh bool `json:"refresh,omitempty"`
}

// Ingest handles POST /api/ingest: populate the reference corpus. With
// refresh=true the corpus is rebuilt atomically; in-flight readers keep the
// old generation until the swap.
func Ingest(scheduler CorpusScheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ingestRequest
		if r.ContentLength > 0 {
			if err := decodeBody(r, &req); err != nil {
				respondErr(w, err)
				return
			}
		}

		var err error
		if req.Refresh {
			err = scheduler.Refresh(r.Context())
		} else {
			err = scheduler.Run(r.Context())
		}
		if err != nil {
			respondErr(w, err)
			return
		}

		slog.Info("reference corpus ingestion completed", "refresh", req.Refresh)
		respond(w, http.StatusOK, map[string]any{"refresh": req.Refresh})
	}
}
