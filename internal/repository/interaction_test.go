package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/AllianceBioversityCIAT/ai-services-core/internal/apierr"
	"github.com/AllianceBioversityCIAT/ai-services-core/internal/model"
	"github.com/AllianceBioversityCIAT/ai-services-core/internal/tracker"
)

func TestNewInteractionRepo_UnknownEnvironment(t *testing.T) {
	if _, err := NewInteractionRepo(nil, "staging"); err == nil {
		t.Fatal("expected error for unknown environment")
	}
}

func interactionTestRepo(t *testing.T) (*InteractionRepo, *RegistryRepo) {
	t.Helper()
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := NewPool(ctx, dbURL, 5)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	t.Cleanup(pool.Close)

	repo, err := NewInteractionRepo(pool, "test")
	if err != nil {
		t.Fatalf("NewInteractionRepo: %v", err)
	}
	return repo, NewRegistryRepo(pool)
}

func sampleInteraction(serviceName string) *model.Interaction {
	input := "what happened?"
	rt := 1.5
	return &model.Interaction{
		InteractionID:    uuid.New().String(),
		UserID:           "u1",
		ServiceName:      serviceName,
		UserInput:        &input,
		AIOutput:         "the answer",
		Timestamp:        time.Now().UTC(),
		Context:          map[string]string{"bucket": "b"},
		ResponseTimeSecs: &rt,
		Hash:             "h0",
	}
}

func TestInteractionCreateGetUpdate(t *testing.T) {
	repo, registry := interactionTestRepo(t)
	ctx := context.Background()

	service := "it-" + uuid.New().String()[:8]
	if err := registry.EnsureRegistered(ctx, model.ServiceRegistryEntry{
		ServiceName:  service,
		RegisteredAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("EnsureRegistered: %v", err)
	}

	in := sampleInteraction(service)
	if err := repo.Create(ctx, in); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := repo.Get(ctx, in.InteractionID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.AIOutput != in.AIOutput || got.Feedback != nil {
		t.Errorf("round-trip mismatch: %+v", got)
	}

	comment := "wrong cluster attribution"
	got.Feedback = &model.Feedback{Kind: model.FeedbackNegative, Comment: &comment, RecordedAt: time.Now().UTC()}
	got.PrevHash = got.Hash
	got.Hash = "h1"
	if err := repo.Update(ctx, got); err != nil {
		t.Fatalf("Update: %v", err)
	}

	// A second update on the same record must not match.
	got.Hash = "h2"
	if err := repo.Update(ctx, got); !apierr.Is(err, apierr.NotFound) {
		t.Errorf("second Update error = %v, want NotFound", err)
	}

	after, err := repo.Get(ctx, in.InteractionID)
	if err != nil {
		t.Fatalf("Get after update: %v", err)
	}
	if after.Feedback == nil || after.Feedback.Kind != model.FeedbackNegative {
		t.Errorf("feedback not persisted: %+v", after.Feedback)
	}

	rows, err := repo.Search(ctx, tracker.SearchFilter{ServiceName: service})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("Search returned %d rows, want 1", len(rows))
	}
}

func TestInteractionGetMissingIsNotFound(t *testing.T) {
	repo, _ := interactionTestRepo(t)
	_, err := repo.Get(context.Background(), uuid.New().String())
	if !apierr.Is(err, apierr.NotFound) {
		t.Errorf("Get missing = %v, want NotFound", err)
	}
}

func TestRegistryFirstWriterWins(t *testing.T) {
	repo, registry := interactionTestRepo(t)
	_ = repo
	ctx := context.Background()

	service := "reg-" + uuid.New().String()[:8]
	first := model.ServiceRegistryEntry{
		ServiceName: service, DisplayName: "First", RegisteredAt: time.Now().UTC(),
		ExpectedContext: []string{"bucket", "key"},
	}
	second := model.ServiceRegistryEntry{
		ServiceName: service, DisplayName: "Second", RegisteredAt: time.Now().UTC(),
	}

	if err := registry.EnsureRegistered(ctx, first); err != nil {
		t.Fatalf("first EnsureRegistered: %v", err)
	}
	if err := registry.EnsureRegistered(ctx, second); err != nil {
		t.Fatalf("second EnsureRegistered: %v", err)
	}

	got, err := registry.Get(ctx, service)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.DisplayName != "First" {
		t.Errorf("display_name = %q, registration must be first-writer-wins", got.DisplayName)
	}
	if len(got.ExpectedContext) != 2 {
		t.Errorf("expected_context = %v", got.ExpectedContext)
	}
}
