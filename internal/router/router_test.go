package router

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/AllianceBioversityCIAT/ai-services-core/internal/model"
	"github.com/AllianceBioversityCIAT/ai-services-core/internal/pipeline"
	"github.com/AllianceBioversityCIAT/ai-services-core/internal/tracker"
)

// mockDB implements handler.DBPinger for testing.
type mockDB struct {
	err error
}

func (m *mockDB) Ping(ctx context.Context) error {
	return m.err
}

// mockVerifier implements middleware.TokenVerifier for testing.
type mockVerifier struct {
	uid string
	err error
}

func (m *mockVerifier) VerifyToken(ctx context.Context, token string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	return m.uid, nil
}

type mockExtraction struct{}

func (mockExtraction) Run(context.Context, pipeline.ExtractionRequest) (*pipeline.ExtractionResult, error) {
	return &pipeline.ExtractionResult{
		Content: &model.ExtractionResponse{Results: []model.ExtractionArtifact{}},
	}, nil
}

type mockReport struct{}

func (mockReport) Run(context.Context, pipeline.ReportRequest) (*pipeline.ReportResult, error) {
	return &pipeline.ReportResult{Content: "# R"}, nil
}

func (mockReport) Stream(context.Context, pipeline.ReportRequest) (<-chan string, <-chan error) {
	out := make(chan string)
	errCh := make(chan error, 1)
	close(out)
	close(errCh)
	return out, errCh
}

type mockChat struct{}

func (mockChat) Run(context.Context, pipeline.ChatRequest) (*pipeline.ChatResult, error) {
	return &pipeline.ChatResult{Answer: "hi"}, nil
}

type mockInteractions struct{}

func (mockInteractions) Update(_ context.Context, in tracker.UpdateInput) (*model.Interaction, error) {
	return &model.Interaction{InteractionID: in.InteractionID}, nil
}

func (mockInteractions) Summary(context.Context, tracker.SearchFilter) (tracker.Summary, error) {
	return tracker.Summary{}, nil
}

func (mockInteractions) Search(context.Context, tracker.SearchFilter) ([]model.Interaction, error) {
	return nil, nil
}

type mockScheduler struct{}

func (mockScheduler) Run(context.Context) error     { return nil }
func (mockScheduler) Refresh(context.Context) error { return nil }

func newTestRouter(authErr error) http.Handler {
	deps := &Dependencies{
		DB:           &mockDB{},
		Verifier:     &mockVerifier{uid: "test-user", err: authErr},
		FrontendURL:  "http://localhost:3000",
		Version:      "0.2.0",
		Extraction:   mockExtraction{},
		Report:       mockReport{},
		Chat:         mockChat{},
		Interactions: mockInteractions{},
		Scheduler:    mockScheduler{},
	}
	return New(deps)
}

func TestRouter_HealthIsPublic(t *testing.T) {
	r := newTestRouter(nil)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestRouter_ProtectedRequiresAuth(t *testing.T) {
	r := newTestRouter(nil)

	for _, path := range []string{"/api/extract", "/api/report", "/api/chatbot", "/api/ingest"} {
		req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(`{}`))
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s without token: status = %d, want 401", path, rec.Code)
		}
	}
}

func TestRouter_AuthenticatedChat(t *testing.T) {
	r := newTestRouter(nil)

	body := `{"message": "hello", "session_id": "s", "user_id": "u"}`
	req := httptest.NewRequest(http.MethodPost, "/api/chatbot", bytes.NewBufferString(body))
	req.Header.Set("Authorization", "Bearer good")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["answer"] != "hi" {
		t.Errorf("answer = %v", resp["answer"])
	}
}

func TestRouter_UnknownRouteIs404Envelope(t *testing.T) {
	r := newTestRouter(nil)

	req := httptest.NewRequest(http.MethodGet, "/api/nope", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	var resp map[string]any
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["status"] != "error" {
		t.Errorf("envelope status = %v", resp["status"])
	}
}
