package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/AllianceBioversityCIAT/ai-services-core/internal/apierr"
	"github.com/AllianceBioversityCIAT/ai-services-core/internal/model"
	"github.com/AllianceBioversityCIAT/ai-services-core/internal/pipeline"
)

type stubExtractionRunner struct {
	result *pipeline.ExtractionResult
	err    error
	got    *pipeline.ExtractionRequest
}

func (s *stubExtractionRunner) Run(_ context.Context, req pipeline.ExtractionRequest) (*pipeline.ExtractionResult, error) {
	s.got = &req
	return s.result, s.err
}

func TestExtract_Success(t *testing.T) {
	runner := &stubExtractionRunner{result: &pipeline.ExtractionResult{
		Content:       &model.ExtractionResponse{Results: []model.ExtractionArtifact{}},
		TimeTaken:     1.2,
		InteractionID: "int-1",
	}}
	handler := Extract(runner)

	body, _ := json.Marshal(map[string]any{
		"token": "t", "environment_url": "https://env", "bucket": "b", "key": "doc.pdf",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/extract", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200. body: %s", rec.Code, rec.Body.String())
	}

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("status field = %v", resp["status"])
	}
	if resp["interaction_id"] != "int-1" {
		t.Errorf("interaction_id = %v", resp["interaction_id"])
	}
	if runner.got.Bucket != "b" || runner.got.Key != "doc.pdf" {
		t.Errorf("request not forwarded: %+v", runner.got)
	}
}

func TestExtract_MissingFields(t *testing.T) {
	handler := Extract(&stubExtractionRunner{})

	req := httptest.NewRequest(http.MethodPost, "/api/extract", bytes.NewBufferString(`{"bucket": "b"}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestExtract_AuthDeniedMapsTo403(t *testing.T) {
	runner := &stubExtractionRunner{err: apierr.New("pipeline.Extraction", apierr.AuthDenied, fmt.Errorf("token rejected"))}
	handler := Extract(runner)

	body := `{"token": "bad", "bucket": "b", "key": "k"}`
	req := httptest.NewRequest(http.MethodPost, "/api/extract", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestExtract_ContextLimitHint(t *testing.T) {
	runner := &stubExtractionRunner{err: apierr.New("pipeline.Extraction", apierr.ContextLimitExceeded, fmt.Errorf("too large"))}
	handler := Extract(runner)

	body := `{"bucket": "b", "key": "k"}`
	req := httptest.NewRequest(http.MethodPost, "/api/extract", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var resp map[string]any
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["details"] == nil {
		t.Error("context-limit error must carry a user-facing hint")
	}
}
