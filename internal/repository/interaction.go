package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/AllianceBioversityCIAT/ai-services-core/internal/apierr"
	"github.com/AllianceBioversityCIAT/ai-services-core/internal/model"
	"github.com/AllianceBioversityCIAT/ai-services-core/internal/tracker"
)

// interactionTables shards interaction storage per environment; only these
// two suffixes exist, so the table name is never free-form input.
var interactionTables = map[string]string{
	"test": "interactions_test",
	"prod": "interactions_prod",
}

// InteractionRepo persists Interaction records into the environment's shard.
type InteractionRepo struct {
	pool  *pgxpool.Pool
	table string
}

// NewInteractionRepo creates an InteractionRepo for the given environment
// ("test" or "prod").
func NewInteractionRepo(pool *pgxpool.Pool, environment string) (*InteractionRepo, error) {
	table, ok := interactionTables[environment]
	if !ok {
		return nil, fmt.Errorf("repository.NewInteractionRepo: unknown environment %q", environment)
	}
	return &InteractionRepo{pool: pool, table: table}, nil
}

// Create inserts a freshly tracked interaction.
func (r *InteractionRepo) Create(ctx context.Context, in *model.Interaction) error {
	_, err := r.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (interaction_id, user_id, session_id, service_name, user_input, ai_output,
			timestamp, context, response_time_seconds, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`, r.table),
		in.InteractionID, in.UserID, in.SessionID, in.ServiceName, in.UserInput, in.AIOutput,
		in.Timestamp, in.Context, in.ResponseTimeSecs, in.PrevHash, in.Hash,
	)
	if err != nil {
		return fmt.Errorf("repository.Interaction.Create: %w", err)
	}
	return nil
}

// Get fetches one interaction by id. A missing record is NotFound.
func (r *InteractionRepo) Get(ctx context.Context, interactionID string) (*model.Interaction, error) {
	row := r.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT interaction_id, user_id, session_id, service_name, user_input, ai_output,
			timestamp, feedback_kind, feedback_comment, feedback_recorded_at,
			context, response_time_seconds, prev_hash, hash
		FROM %s WHERE interaction_id = $1`, r.table),
		interactionID,
	)

	in, err := scanInteraction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apierr.New("repository.Interaction.Get", apierr.NotFound,
			fmt.Errorf("interaction %s", interactionID))
	}
	if err != nil {
		return nil, fmt.Errorf("repository.Interaction.Get: %w", err)
	}
	return in, nil
}

// Update attaches feedback and advances the hash chain. The WHERE clause
// requires the stored hash to equal the interaction's PrevHash, so two
// racing updates on the same record serialize: the loser matches zero rows.
func (r *InteractionRepo) Update(ctx context.Context, in *model.Interaction) error {
	if in.Feedback == nil {
		return fmt.Errorf("repository.Interaction.Update: no feedback to attach")
	}
	tag, err := r.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s
		SET feedback_kind = $2, feedback_comment = $3, feedback_recorded_at = $4,
			prev_hash = $5, hash = $6
		WHERE interaction_id = $1 AND hash = $5 AND feedback_kind IS NULL`, r.table),
		in.InteractionID, string(in.Feedback.Kind), in.Feedback.Comment, in.Feedback.RecordedAt,
		in.PrevHash, in.Hash,
	)
	if err != nil {
		return fmt.Errorf("repository.Interaction.Update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apierr.New("repository.Interaction.Update", apierr.NotFound,
			fmt.Errorf("interaction %s absent or already updated", in.InteractionID))
	}
	return nil
}

// Search returns interactions matching the filter, newest first.
func (r *InteractionRepo) Search(ctx context.Context, f tracker.SearchFilter) ([]model.Interaction, error) {
	query := fmt.Sprintf(`
		SELECT interaction_id, user_id, session_id, service_name, user_input, ai_output,
			timestamp, feedback_kind, feedback_comment, feedback_recorded_at,
			context, response_time_seconds, prev_hash, hash
		FROM %s WHERE 1=1`, r.table)
	var args []interface{}
	argIdx := 1

	if f.ServiceName != "" {
		query += fmt.Sprintf(` AND service_name = $%d`, argIdx)
		args = append(args, f.ServiceName)
		argIdx++
	}
	if f.UserID != "" {
		query += fmt.Sprintf(` AND user_id = $%d`, argIdx)
		args = append(args, f.UserID)
		argIdx++
	}
	if !f.Since.IsZero() {
		query += fmt.Sprintf(` AND timestamp >= $%d`, argIdx)
		args = append(args, f.Since)
		argIdx++
	}
	if !f.Until.IsZero() {
		query += fmt.Sprintf(` AND timestamp <= $%d`, argIdx)
		args = append(args, f.Until)
		argIdx++
	}
	if f.SortAsc {
		query += ` ORDER BY timestamp ASC`
	} else {
		query += ` ORDER BY timestamp DESC`
	}
	if f.PageSize > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, argIdx)
		args = append(args, f.PageSize)
		argIdx++
		if f.Page > 1 {
			query += fmt.Sprintf(` OFFSET $%d`, argIdx)
			args = append(args, (f.Page-1)*f.PageSize)
			argIdx++
		}
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("repository.Interaction.Search: %w", err)
	}
	defer rows.Close()

	var out []model.Interaction
	for rows.Next() {
		in, err := scanInteraction(rows)
		if err != nil {
			return nil, fmt.Errorf("repository.Interaction.Search: scan: %w", err)
		}
		out = append(out, *in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository.Interaction.Search: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInteraction(row rowScanner) (*model.Interaction, error) {
	var in model.Interaction
	var feedbackKind, feedbackComment *string
	var feedbackRecordedAt *time.Time

	err := row.Scan(
		&in.InteractionID, &in.UserID, &in.SessionID, &in.ServiceName, &in.UserInput, &in.AIOutput,
		&in.Timestamp, &feedbackKind, &feedbackComment, &feedbackRecordedAt,
		&in.Context, &in.ResponseTimeSecs, &in.PrevHash, &in.Hash,
	)
	if err != nil {
		return nil, err
	}
	if feedbackKind != nil && feedbackRecordedAt != nil {
		in.Feedback = &model.Feedback{
			Kind:       model.FeedbackKind(*feedbackKind),
			Comment:    feedbackComment,
			RecordedAt: *feedbackRecordedAt,
		}
	}
	return &in, nil
}
