package handler

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/AllianceBioversityCIAT/ai-services-core/internal/pipeline"
)

type stubReportRunner struct {
	result    *pipeline.ReportResult
	fragments []string
	err       error
}

func (s *stubReportRunner) Run(context.Context, pipeline.ReportRequest) (*pipeline.ReportResult, error) {
	return s.result, s.err
}

func (s *stubReportRunner) Stream(context.Context, pipeline.ReportRequest) (<-chan string, <-chan error) {
	out := make(chan string)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errCh)
		for _, f := range s.fragments {
			out <- f
		}
		if s.err != nil {
			errCh <- s.err
		}
	}()
	return out, errCh
}

func TestReport_Success(t *testing.T) {
	runner := &stubReportRunner{result: &pipeline.ReportResult{Content: "# Report", TimeTaken: 3.4}}
	handler := Report(runner)

	body := `{"indicator": "IPI 1.1", "year": "2024"}`
	req := httptest.NewRequest(http.MethodPost, "/api/report", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "# Report") {
		t.Errorf("content missing: %s", rec.Body.String())
	}
}

func TestReport_MissingIndicator(t *testing.T) {
	handler := Report(&stubReportRunner{})

	req := httptest.NewRequest(http.MethodPost, "/api/report", bytes.NewBufferString(`{"year": "2024"}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestReportStream_ForwardsFragments(t *testing.T) {
	runner := &stubReportRunner{fragments: []string{"part one ", "part two"}}
	handler := ReportStream(runner)

	body := `{"indicator": "IPI 1.1", "year": "2024"}`
	req := httptest.NewRequest(http.MethodPost, "/api/report/stream", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Body.String() != "part one part two" {
		t.Errorf("streamed body = %q", rec.Body.String())
	}
}
