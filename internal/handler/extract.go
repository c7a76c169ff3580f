package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/AllianceBioversityCIAT/ai-services-core/internal/apierr"
	"github.com/AllianceBioversityCIAT/ai-services-core/internal/pipeline"
)

// ExtractionRunner runs one extraction request end to end.
type ExtractionRunner interface {
	Run(ctx context.Context, req pipeline.ExtractionRequest) (*pipeline.ExtractionResult, error)
}

type extractRequest struct {
	Token          string  `json:"token"`
	EnvironmentURL string  `json:"environment_url"`
	Bucket         string  `json:"bucket"`
	Key            string  `json:"key"`
	UserID         *string `json:"user_id,omitempty"`
	BulkUpload     bool    `json:"bulk_upload,omitempty"`
}

// Extract handles POST /api/extract: mine one uploaded document into
// structured indicator results.
func Extract(runner ExtractionRunner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req extractRequest
		if err := decodeBody(r, &req); err != nil {
			respondErr(w, err)
			return
		}
		if strings.TrimSpace(req.Bucket) == "" || strings.TrimSpace(req.Key) == "" {
			respondErr(w, apierr.New("handler.Extract", apierr.InvalidInput, errMissing("bucket and key")))
			return
		}

		result, err := runner.Run(r.Context(), pipeline.ExtractionRequest{
			Token:          req.Token,
			EnvironmentURL: req.EnvironmentURL,
			Bucket:         req.Bucket,
			Key:            req.Key,
			UserID:         req.UserID,
			BulkUpload:     req.BulkUpload,
		})
		if err != nil {
			respondErr(w, err)
			return
		}

		payload := map[string]any{
			"content":    result.Content,
			"time_taken": result.TimeTaken,
		}
		if result.InteractionID != "" {
			payload["interaction_id"] = result.InteractionID
		}
		respond(w, http.StatusOK, payload)
	}
}
