package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search queries map_layers via plainto_tsquery over the generated
// search_vector column, ranked with ts_rank.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	where := "search_vector @@ plainto_tsquery('english', $1)"
	args := []any{q.Text}
	if q.FilterType != "" {
		where += " AND layer_type = $2"
		args = append(args, q.FilterType)
	}

	var total int
	countSQL := "SELECT count(*) FROM map_layers WHERE " + where
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT id, name, layer_type, coalesce(geometry_type, '')
		FROM map_layers
		WHERE %s
		ORDER BY ts_rank(search_vector, plainto_tsquery('english', $1)) DESC, created_on DESC
		LIMIT %d OFFSET %d`, where, limit, offset)

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Name, &r.LayerType, &r.GeometryType); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every layer for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]LayerRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, name, layer_type, coalesce(geometry_type, '')
		FROM map_layers
	`)
	if err != nil {
		return nil, fmt.Errorf("load layers: %w", err)
	}
	defer rows.Close()

	records := make([]LayerRecord, 0)
	for rows.Next() {
		var r LayerRecord
		if err := rows.Scan(&r.ID, &r.Name, &r.LayerType, &r.GeometryType); err != nil {
			return nil, fmt.Errorf("scan layer: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate layers: %w", err)
	}
	return records, nil
}
