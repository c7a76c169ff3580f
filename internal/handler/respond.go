package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/AllianceBioversityCIAT/ai-services-core/internal/apierr"
)

// respond writes the standard envelope {status, ...payload}. payload keys
// merge into the envelope at the top level.
func respond(w http.ResponseWriter, httpStatus int, payload map[string]any) {
	body := map[string]any{"status": "ok"}
	if httpStatus >= 400 {
		body["status"] = "error"
	}
	for k, v := range payload {
		body[k] = v
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("response encode failed", "error", err)
	}
}

// respondErr classifies err into the error taxonomy and writes the matching
// status with an optional details hint.
func respondErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	details := ""

	var ae *apierr.Error
	if errors.As(err, &ae) {
		switch ae.Kind {
		case apierr.InvalidInput:
			status = http.StatusBadRequest
		case apierr.AuthDenied:
			status = http.StatusForbidden
		case apierr.NotFound:
			status = http.StatusNotFound
		case apierr.Transient:
			status = http.StatusServiceUnavailable
		case apierr.ContextLimitExceeded:
			status = http.StatusBadRequest
			details = "the query and retrieved context exceed the model's limit; shorten the query or start a new session"
		}
	}

	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	}

	payload := map[string]any{"error": err.Error()}
	if details != "" {
		payload["details"] = details
	}
	respond(w, status, payload)
}

func errMissing(what string) error {
	return errors.New(what + " are required")
}

// decodeBody parses a JSON request body into dst, rejecting unknown fields.
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apierr.New("handler", apierr.InvalidInput, err)
	}
	return nil
}
