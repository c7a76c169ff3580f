package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/AllianceBioversityCIAT/ai-services-core/internal/pipeline"
)

type stubChatRunner struct {
	result *pipeline.ChatResult
	got    *pipeline.ChatRequest
}

func (s *stubChatRunner) Run(_ context.Context, req pipeline.ChatRequest) (*pipeline.ChatResult, error) {
	s.got = &req
	return s.result, nil
}

func TestChatbot_Success(t *testing.T) {
	runner := &stubChatRunner{result: &pipeline.ChatResult{Answer: "42 deliverables", TimeTaken: 0.8, InteractionID: "int-7"}}
	handler := Chatbot(runner)

	body, _ := json.Marshal(map[string]any{
		"message": "how many deliverables?", "phase": "Progress 2025",
		"session_id": "s1", "user_id": "u1",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/chatbot", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if runner.got.Phase != "Progress 2025" || runner.got.SessionID != "s1" {
		t.Errorf("request not forwarded: %+v", runner.got)
	}
	var resp map[string]any
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["answer"] != "42 deliverables" {
		t.Errorf("answer = %v", resp["answer"])
	}
}

func TestChatbot_EmptyMessage(t *testing.T) {
	handler := Chatbot(&stubChatRunner{})

	req := httptest.NewRequest(http.MethodPost, "/api/chatbot", bytes.NewBufferString(`{"message": " "}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}
