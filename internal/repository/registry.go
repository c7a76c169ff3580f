package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"

	"github.com/AllianceBioversityCIAT/ai-services-core/internal/model"
)

// RegistryRepo persists the service registry: one row per calling service,
// auto-created on first sight and never overwritten.
type RegistryRepo struct {
	pool *pgxpool.Pool
}

// NewRegistryRepo creates a RegistryRepo.
func NewRegistryRepo(pool *pgxpool.Pool) *RegistryRepo {
	return &RegistryRepo{pool: pool}
}

// EnsureRegistered inserts the entry if service_name is unseen. ON CONFLICT
// DO NOTHING makes a registration race first-writer-wins without an error
// on either side.
func (r *RegistryRepo) EnsureRegistered(ctx context.Context, entry model.ServiceRegistryEntry) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO service_registry (service_name, display_name, description, expected_context, registered_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (service_name) DO NOTHING`,
		entry.ServiceName, entry.DisplayName, entry.Description,
		pq.Array(entry.ExpectedContext), entry.RegisteredAt,
	)
	if err != nil {
		return fmt.Errorf("repository.Registry.EnsureRegistered: %w", err)
	}
	return nil
}

// Get fetches one registry entry by service name.
func (r *RegistryRepo) Get(ctx context.Context, serviceName string) (*model.ServiceRegistryEntry, error) {
	var entry model.ServiceRegistryEntry
	err := r.pool.QueryRow(ctx, `
		SELECT service_name, display_name, description, expected_context, registered_at
		FROM service_registry WHERE service_name = $1`,
		serviceName,
	).Scan(&entry.ServiceName, &entry.DisplayName, &entry.Description,
		pq.Array(&entry.ExpectedContext), &entry.RegisteredAt)
	if err != nil {
		return nil, fmt.Errorf("repository.Registry.Get: %w", err)
	}
	return &entry, nil
}

// List returns every registered service, oldest first.
func (r *RegistryRepo) List(ctx context.Context) ([]model.ServiceRegistryEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT service_name, display_name, description, expected_context, registered_at
		FROM service_registry ORDER BY registered_at`)
	if err != nil {
		return nil, fmt.Errorf("repository.Registry.List: %w", err)
	}
	defer rows.Close()

	var out []model.ServiceRegistryEntry
	for rows.Next() {
		var entry model.ServiceRegistryEntry
		if err := rows.Scan(&entry.ServiceName, &entry.DisplayName, &entry.Description,
			pq.Array(&entry.ExpectedContext), &entry.RegisteredAt); err != nil {
			return nil, fmt.Errorf("repository.Registry.List: scan: %w", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository.Registry.List: %w", err)
	}
	return out, nil
}
