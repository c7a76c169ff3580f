package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/AllianceBioversityCIAT/ai-services-core/internal/apierr"
	"github.com/AllianceBioversityCIAT/ai-services-core/internal/pipeline"
)

// ChatRunner answers one conversational turn.
type ChatRunner interface {
	Run(ctx context.Context, req pipeline.ChatRequest) (*pipeline.ChatResult, error)
}

type chatbotRequest struct {
	Message   string `json:"message"`
	Phase     string `json:"phase,omitempty"`
	Indicator string `json:"indicator,omitempty"`
	Section   string `json:"section,omitempty"`
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Refresh   bool   `json:"refresh,omitempty"`
}

// Chatbot handles POST /api/chatbot: one session-scoped conversational turn.
func Chatbot(runner ChatRunner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req chatbotRequest
		if err := decodeBody(r, &req); err != nil {
			respondErr(w, err)
			return
		}
		if strings.TrimSpace(req.Message) == "" {
			respondErr(w, apierr.New("handler.Chatbot", apierr.InvalidInput, errMissing("message contents")))
			return
		}

		result, err := runner.Run(r.Context(), pipeline.ChatRequest{
			Message:   req.Message,
			Phase:     req.Phase,
			Indicator: req.Indicator,
			Section:   req.Section,
			SessionID: req.SessionID,
			UserID:    req.UserID,
			Refresh:   req.Refresh,
		})
		if err != nil {
			respondErr(w, err)
			return
		}

		payload := map[string]any{
			"answer":     result.Answer,
			"time_taken": result.TimeTaken,
		}
		if result.InteractionID != "" {
			payload["interaction_id"] = result.InteractionID
		}
		respond(w, http.StatusOK, payload)
	}
}
