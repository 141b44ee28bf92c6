package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"
)

// Row is a single logged lifecycle transition.
type Row struct {
	ID        int64
	Kind      string
	Entity    string
	EntityID  string
	Doc       string
	Status    string
	Detail    string
	CreatedAt time.Time
}

// QueryOpts specifies filter criteria. Zero fields are unfiltered.
type QueryOpts struct {
	// Entity restricts to "event" or "patch" rows.
	Entity string

	// EntityID restricts to one event or patch.
	EntityID string

	// Kind restricts to one lifecycle operation.
	Kind string

	// Doc restricts to transitions touching one document.
	Doc string

	// After / Before bound created_at (inclusive).
	After  *time.Time
	Before *time.Time

	// Limit restricts the number of results (0 = no limit).
	Limit int
}

// Reader provides read-only access to a log database, safe to use
// while the engine is writing.
type Reader struct {
	db *sql.DB
}

// NewReader opens the log database in read-only mode with WAL so
// queries never block the writer.
func NewReader(dbPath string) (*Reader, error) {
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("database not found: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?mode=ro&_journal_mode=WAL", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Reader{db: db}, nil
}

// Close releases the database connection. Safe to call multiple times.
func (r *Reader) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Query retrieves rows matching opts, newest first. Returns an empty
// slice when nothing matches.
func (r *Reader) Query(ctx context.Context, opts QueryOpts) ([]Row, error) {
	query, args := buildQuery(opts)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query log: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var row Row
		var createdAt string
		if err := rows.Scan(&row.ID, &row.Kind, &row.Entity, &row.EntityID,
			&row.Doc, &row.Status, &row.Detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		if createdAt != "" {
			ts, err := time.Parse(timeLayout, createdAt)
			if err != nil {
				ts, err = time.Parse(time.RFC3339, createdAt)
				if err != nil {
					return nil, fmt.Errorf("parse created_at: %w", err)
				}
			}
			row.CreatedAt = ts
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

// buildQuery constructs the SQL query and arguments from opts.
func buildQuery(opts QueryOpts) (string, []any) {
	var conditions []string
	var args []any

	query := "SELECT id, kind, entity, entity_id, doc, status, detail, created_at FROM events WHERE 1=1"

	if opts.Entity != "" {
		conditions = append(conditions, "entity = ?")
		args = append(args, opts.Entity)
	}
	if opts.EntityID != "" {
		conditions = append(conditions, "entity_id = ?")
		args = append(args, opts.EntityID)
	}
	if opts.Kind != "" {
		conditions = append(conditions, "kind = ?")
		args = append(args, opts.Kind)
	}
	if opts.Doc != "" {
		conditions = append(conditions, "doc = ?")
		args = append(args, opts.Doc)
	}
	if opts.After != nil {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, opts.After.UTC().Format(timeLayout))
	}
	if opts.Before != nil {
		conditions = append(conditions, "created_at <= ?")
		args = append(args, opts.Before.UTC().Format(timeLayout))
	}

	if len(conditions) > 0 {
		query += " AND " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY id DESC"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}
	return query, args
}
