package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/AllianceBioversityCIAT/ai-services-core/internal/apierr"
	"github.com/AllianceBioversityCIAT/ai-services-core/internal/pipeline"
)

// ReportRunner generates one indicator/year report, whole or streamed.
type ReportRunner interface {
	Run(ctx context.Context, req pipeline.ReportRequest) (*pipeline.ReportResult, error)
	Stream(ctx context.Context, req pipeline.ReportRequest) (<-chan string, <-chan error)
}

type reportRequest struct {
	Indicator  string `json:"indicator"`
	Year       string `json:"year"`
	InsertData bool   `json:"insert_data,omitempty"`
	UserID     string `json:"user_id,omitempty"`
}

func (r *reportRequest) validate() error {
	if strings.TrimSpace(r.Indicator) == "" || strings.TrimSpace(r.Year) == "" {
		return apierr.New("handler.Report", apierr.InvalidInput, errMissing("indicator and year"))
	}
	return nil
}

func (r *reportRequest) toPipeline() pipeline.ReportRequest {
	return pipeline.ReportRequest{
		Indicator:  r.Indicator,
		Year:       r.Year,
		InsertData: r.InsertData,
		UserID:     r.UserID,
	}
}

// Report handles POST /api/report: generate the full report in one response.
func Report(runner ReportRunner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req reportRequest
		if err := decodeBody(r, &req); err != nil {
			respondErr(w, err)
			return
		}
		if err := req.validate(); err != nil {
			respondErr(w, err)
			return
		}

		result, err := runner.Run(r.Context(), req.toPipeline())
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

// ReportStream handles POST /api/report/stream: the report arrives as
// flushed text fragments. Client disconnect cancels the upstream call.
func ReportStream(runner ReportRunner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req reportRequest
		if err := decodeBody(r, &req); err != nil {
			respondErr(w, err)
			return
		}
		if err := req.validate(); err != nil {
			respondErr(w, err)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			respondErr(w, apierr.New("handler.ReportStream", apierr.Fatal, errMissing("flushing responses")))
			return
		}

		fragments, errCh := runner.Stream(r.Context(), req.toPipeline())

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.WriteHeader(http.StatusOK)

		for fragment := range fragments {
			if _, err := w.Write([]byte(fragment)); err != nil {
				return // client gone; ctx cancellation stops the pipeline
			}
			flusher.Flush()
		}
		// Errors after headers are sent can only be logged; the stream just
		// ends short.
		if err := <-errCh; err != nil {
			respondStreamTail(w, flusher, err)
		}
	}
}

func respondStreamTail(w http.ResponseWriter, flusher http.Flusher, err error) {
	_, _ = w.Write([]byte("\n\n[stream aborted: " + err.Error() + "]"))
	flusher.Flush()
}
