// Package tracker records (user input, AI output) pairs, accepts one
// feedback update per interaction, summarizes and searches history, and
// auto-registers calling services on first sight. Each record carries a
// SHA-256 hash chain so a feedback update cannot be forged.
package tracker

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/AllianceBioversityCIAT/ai-services-core/internal/apierr"
	"github.com/AllianceBioversityCIAT/ai-services-core/internal/model"
	"github.com/AllianceBioversityCIAT/ai-services-core/internal/notifier"
)

// Repository abstracts persistence of Interaction records.
type Repository interface {
	Create(ctx context.Context, interaction *model.Interaction) error
	Get(ctx context.Context, interactionID string) (*model.Interaction, error)
	Update(ctx context.Context, interaction *model.Interaction) error
	Search(ctx context.Context, filter SearchFilter) ([]model.Interaction, error)
}

// Registry abstracts the service registry: auto-registration on first-seen
// service_name, matching model.ServiceRegistryEntry.
type Registry interface {
	// EnsureRegistered creates the entry if service_name is unseen; a no-op
	// otherwise. Never overwrites an existing registration.
	EnsureRegistered(ctx context.Context, entry model.ServiceRegistryEntry) error
}

// SearchFilter narrows Search/Summary to a slice of interaction history.
// Page is 1-based; PageSize 0 disables pagination. SortAsc flips the
// newest-first default to oldest-first.
type SearchFilter struct {
	ServiceName string
	UserID      string
	Since       time.Time
	Until       time.Time
	Page        int
	PageSize    int
	SortAsc     bool
}

// Summary aggregates interaction counts and feedback for one service over a
// search window.
type Summary struct {
	ServiceName         string  `json:"service_name"`
	Total               int     `json:"total"`
	PositiveFeedback    int     `json:"positive_feedback"`
	NegativeFeedback    int     `json:"negative_feedback"`
	Unrated             int     `json:"unrated"`
	AvgResponseTimeSecs float64 `json:"avg_response_time_seconds"`
}

// Service is the Interaction Tracker. Track and Update are the only writers;
// each interaction's Hash/PrevHash chain the (track, update) pair together so
// that a feedback update cannot be forged without invalidating the chain.
type Service struct {
	repo     Repository
	registry Registry
	notify   notifier.Notifier
}

// New creates a Service. notify may be nil to disable negative-feedback
// fan-out (e.g. in tests).
func New(repo Repository, registry Registry, notify notifier.Notifier) *Service {
	return &Service{repo: repo, registry: registry, notify: notify}
}

// TrackInput is the payload for Track.
type TrackInput struct {
	UserID           string
	SessionID        *string
	ServiceName      string
	DisplayName      string
	ServiceDesc      string
	UserInput        *string
	AIOutput         string
	Context          map[string]string
	ResponseTimeSecs *float64
}

// Track records one new interaction and auto-registers ServiceName in the
// registry if it has not been seen before.
func (s *Service) Track(ctx context.Context, in TrackInput) (*model.Interaction, error) {
	if in.ServiceName == "" {
		return nil, fmt.Errorf("tracker.Track: service_name is required")
	}
	if in.AIOutput == "" {
		return nil, fmt.Errorf("tracker.Track: ai_output is required")
	}

	if s.registry != nil {
		expected := make([]string, 0, len(in.Context))
		for k := range in.Context {
			expected = append(expected, k)
		}
		entry := model.ServiceRegistryEntry{
			ServiceName:     in.ServiceName,
			DisplayName:     in.DisplayName,
			Description:     in.ServiceDesc,
			ExpectedContext: expected,
			RegisteredAt:    time.Now().UTC(),
		}
		if err := s.registry.EnsureRegistered(ctx, entry); err != nil {
			return nil, fmt.Errorf("tracker.Track: registry: %w", err)
		}
	}

	now := time.Now().UTC()
	interaction := &model.Interaction{
		InteractionID:    uuid.New().String(),
		UserID:           in.UserID,
		SessionID:        in.SessionID,
		ServiceName:      in.ServiceName,
		UserInput:        in.UserInput,
		AIOutput:         in.AIOutput,
		Timestamp:        now,
		Context:          in.Context,
		ResponseTimeSecs: in.ResponseTimeSecs,
	}
	interaction.PrevHash = ""
	interaction.Hash = trackHash(interaction)

	if err := s.repo.Create(ctx, interaction); err != nil {
		return nil, fmt.Errorf("tracker.Track: %w", err)
	}
	return interaction, nil
}

// UpdateInput is the payload for Update.
type UpdateInput struct {
	InteractionID string
	Kind          model.FeedbackKind
	Comment       *string
}

// Update appends feedback to a previously tracked interaction. Each
// interaction accepts at most one feedback update; a second call returns an
// error. FeedbackNegative triggers an async Notifier fan-out that never
// blocks the caller.
func (s *Service) Update(ctx context.Context, in UpdateInput) (*model.Interaction, error) {
	interaction, err := s.repo.Get(ctx, in.InteractionID)
	if err != nil {
		return nil, fmt.Errorf("tracker.Update: %w", err)
	}
	if interaction.Feedback != nil {
		return nil, apierr.New("tracker.Update", apierr.InvalidInput,
			fmt.Errorf("interaction %s already has feedback", in.InteractionID))
	}

	recordedAt := time.Now().UTC()
	feedback := &model.Feedback{Kind: in.Kind, Comment: in.Comment, RecordedAt: recordedAt}

	prevHash := interaction.Hash
	interaction.Feedback = feedback
	interaction.PrevHash = prevHash
	interaction.Hash = updateHash(prevHash, feedback)

	if err := s.repo.Update(ctx, interaction); err != nil {
		return nil, fmt.Errorf("tracker.Update: %w", err)
	}

	if in.Kind == model.FeedbackNegative && s.notify != nil {
		go func() {
			notifyCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := s.notify.Notify(notifyCtx, notifier.KindNegativeFeedback, interaction); err != nil {
				slog.Error("tracker: negative-feedback notify failed", "interaction_id", interaction.InteractionID, "error", err)
			}
		}()
	}

	return interaction, nil
}

// Summary aggregates Search(filter)'s results into feedback counts and the
// average response time for one service.
func (s *Service) Summary(ctx context.Context, filter SearchFilter) (Summary, error) {
	// Aggregation always spans the whole window, never one page of it.
	filter.Page = 0
	filter.PageSize = 0
	rows, err := s.repo.Search(ctx, filter)
	if err != nil {
		return Summary{}, fmt.Errorf("tracker.Summary: %w", err)
	}

	out := Summary{ServiceName: filter.ServiceName}
	var totalResponseTime float64
	var responseTimeSamples int
	for _, r := range rows {
		out.Total++
		switch {
		case r.Feedback == nil:
			out.Unrated++
		case r.Feedback.Kind == model.FeedbackPositive:
			out.PositiveFeedback++
		case r.Feedback.Kind == model.FeedbackNegative:
			out.NegativeFeedback++
		}
		if r.ResponseTimeSecs != nil {
			totalResponseTime += *r.ResponseTimeSecs
			responseTimeSamples++
		}
	}
	if responseTimeSamples > 0 {
		out.AvgResponseTimeSecs = totalResponseTime / float64(responseTimeSamples)
	}
	return out, nil
}

// Search returns interaction history matching filter, delegating directly to
// the Repository.
func (s *Service) Search(ctx context.Context, filter SearchFilter) ([]model.Interaction, error) {
	rows, err := s.repo.Search(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("tracker.Search: %w", err)
	}
	return rows, nil
}

// trackHash seeds the hash chain for a freshly created interaction: no
// previous link exists yet, so the hash covers only the interaction's own
// identity and content.
func trackHash(i *model.Interaction) string {
	h := sha256.New()
	h.Write([]byte(i.InteractionID))
	h.Write([]byte(i.ServiceName))
	h.Write([]byte(i.AIOutput))
	h.Write([]byte(i.Timestamp.Format(time.RFC3339Nano)))
	return fmt.Sprintf("%x", h.Sum(nil))
}

// updateHash links a feedback update to the interaction's track-time hash.
func updateHash(prevHash string, f *model.Feedback) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write([]byte(f.Kind))
	if f.Comment != nil {
		h.Write([]byte(*f.Comment))
	}
	h.Write([]byte(f.RecordedAt.Format(time.RFC3339Nano)))
	return fmt.Sprintf("%x", h.Sum(nil))
}
