// Package recordsource reads rows out of the named relational source
// tables (the vw_ai_deliverables/vw_ai_project_contribution/vw_ai_oicrs/
// vw_ai_innovations/vw_ai_questions views) for the Ingestion Scheduler to
// normalize, embed, and store as reference-corpus chunks.
package recordsource

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// allowedTables is the fixed set of source views the Ingestion Scheduler
// may read. Table names are never accepted as free-form user input, so
// this also guards against SQL injection through table-name interpolation
// (pgx has no parameter placeholder for identifiers).
var allowedTables = map[string]bool{
	"vw_ai_deliverables":         true,
	"vw_ai_project_contribution": true,
	"vw_ai_oicrs":                true,
	"vw_ai_innovations":          true,
	"vw_ai_questions":            true,
}

// Source reads rows from the fixed set of relational source tables.
type Source struct {
	pool *pgxpool.Pool
}

// New wraps an existing pgxpool.Pool.
func New(pool *pgxpool.Pool) *Source {
	return &Source{pool: pool}
}

// Row is one relational record, column name to string value. Non-string
// column types are formatted to their string representation; NULL columns
// are omitted from the map entirely.
type Row map[string]string

// Load returns every row of tableName as an ordered slice of Row, each
// carrying only its non-null columns.
func (s *Source) Load(ctx context.Context, tableName string) ([]Row, error) {
	if !allowedTables[tableName] {
		return nil, fmt.Errorf("recordsource.Load: table %q is not a recognized source table", tableName)
	}

	query := fmt.Sprintf("SELECT * FROM %s", pgx.Identifier{tableName}.Sanitize())
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("recordsource.Load(%s): %w", tableName, err)
	}
	defer rows.Close()

	fieldDescs := rows.FieldDescriptions()
	colNames := make([]string, len(fieldDescs))
	for i, fd := range fieldDescs {
		colNames[i] = fd.Name
	}

	var out []Row
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("recordsource.Load(%s): scan row: %w", tableName, err)
		}

		row := make(Row)
		for i, v := range vals {
			if v == nil {
				continue
			}
			s := fmt.Sprintf("%v", v)
			if strings.TrimSpace(s) == "" {
				continue
			}
			row[colNames[i]] = s
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recordsource.Load(%s): %w", tableName, err)
	}
	return out, nil
}

// Count returns the row count of tableName without materializing rows.
func (s *Source) Count(ctx context.Context, tableName string) (int, error) {
	if !allowedTables[tableName] {
		return 0, fmt.Errorf("recordsource.Count: table %q is not a recognized source table", tableName)
	}

	query := fmt.Sprintf("SELECT count(*) FROM %s", pgx.Identifier{tableName}.Sanitize())
	var n int
	if err := s.pool.QueryRow(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("recordsource.Count(%s): %w", tableName, err)
	}
	return n, nil
}

// Tables returns the fixed, sorted set of recognized source tables.
func Tables() []string {
	out := make([]string, 0, len(allowedTables))
	for t := range allowedTables {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
