package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/AllianceBioversityCIAT/ai-services-core/internal/apierr"
	"github.com/AllianceBioversityCIAT/ai-services-core/internal/model"
	"github.com/AllianceBioversityCIAT/ai-services-core/internal/tracker"
)

// InteractionService is the tracker surface exposed over HTTP: feedback
// updates and analytics. Creation happens inside the pipelines, never via
// this API.
type InteractionService interface {
	Update(ctx context.Context, in tracker.UpdateInput) (*model.Interaction, error)
	Summary(ctx context.Context, filter tracker.SearchFilter) (tracker.Summary, error)
	Search(ctx context.Context, filter tracker.SearchFilter) ([]model.Interaction, error)
}

type feedbackRequest struct {
	Kind    string  `json:"kind"`
	Comment *string `json:"comment,omitempty"`
}

// Feedback handles POST /api/interactions/{id}/feedback.
func Feedback(svc InteractionService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if !validateUUID(id) {
			respondErr(w, apierr.New("handler.Feedback", apierr.InvalidInput, errMissing("valid interaction ids")))
			return
		}

		var req feedbackRequest
		if err := decodeBody(r, &req); err != nil {
			respondErr(w, err)
			return
		}

		kind := model.FeedbackKind(req.Kind)
		if kind != model.FeedbackPositive && kind != model.FeedbackNegative {
			respondErr(w, apierr.New("handler.Feedback", apierr.InvalidInput, errMissing("kind values of positive or negative")))
			return
		}

		interaction, err := svc.Update(r.Context(), tracker.UpdateInput{
			InteractionID: id,
			Kind:          kind,
			Comment:       req.Comment,
		})
		if err != nil {
			respondErr(w, err)
			return
		}
		respond(w, http.StatusOK, map[string]any{"interaction": interaction})
	}
}

// searchFilterFromQuery reads the shared filter params for summary/search.
func searchFilterFromQuery(r *http.Request) tracker.SearchFilter {
	q := r.URL.Query()
	filter := tracker.SearchFilter{
		ServiceName: q.Get("service_name"),
		UserID:      q.Get("user_id"),
	}
	if since := q.Get("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			filter.Since = t
		}
	}
	if until := q.Get("until"); until != "" {
		if t, err := time.Parse(time.RFC3339, until); err == nil {
			filter.Until = t
		}
	}
	if page, err := strconv.Atoi(q.Get("page")); err == nil && page > 0 {
		filter.Page = page
	}
	if size, err := strconv.Atoi(q.Get("page_size")); err == nil && size > 0 {
		filter.PageSize = size
	}
	filter.SortAsc = q.Get("sort") == "asc"
	return filter
}

// InteractionSummary handles GET /api/interactions/summary.
func InteractionSummary(svc InteractionService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		summary, err := svc.Summary(r.Context(), searchFilterFromQuery(r))
		if err != nil {
			respondErr(w, err)
			return
		}
		respond(w, http.StatusOK, map[string]any{"summary": summary})
	}
}

// InteractionSearch handles GET /api/interactions.
func InteractionSearch(svc InteractionService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		interactions, err := svc.Search(r.Context(), searchFilterFromQuery(r))
		if err != nil {
			respondErr(w, err)
			return
		}
		if interactions == nil {
			interactions = []model.Interaction{}
		}
		respond(w, http.StatusOK, map[string]any{"interactions": interactions})
	}
}
