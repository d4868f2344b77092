package postgres

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cory-johannsen/afkeeper/internal/session"
	"github.com/cory-johannsen/afkeeper/internal/session/history"
)

// ErrInvalidCategory is returned when an entry carries an unknown category.
var ErrInvalidCategory = errors.New("invalid log category")

// Record is one history entry of one session.
type Record struct {
	SessionID int
	Entry     history.Entry
}

// LogRepository stores session log history.
type LogRepository struct {
	db *pgxpool.Pool
}

// NewLogRepository creates a LogRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewLogRepository(db *pgxpool.Pool) *LogRepository {
	return &LogRepository{db: db}
}

// Append stores records in one round trip.
//
// Postcondition: either every record is stored or none is, and an error is returned.
func (r *LogRepository) Append(ctx context.Context, records ...Record) error {
	if len(records) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, rec := range records {
		if !rec.Entry.Category.Valid() {
			return fmt.Errorf("session %d: %w: %q", rec.SessionID, ErrInvalidCategory, rec.Entry.Category)
		}
		batch.Queue(
			`INSERT INTO session_logs (session_id, logged_at, message, category)
			 VALUES ($1, $2, $3, $4)`,
			rec.SessionID, rec.Entry.Time, rec.Entry.Message, string(rec.Entry.Category),
		)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("inserting session logs: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing session logs: %w", err)
	}
	return nil
}

// Recent returns at most limit of the newest entries of a session, oldest first.
//
// Precondition: limit > 0.
func (r *LogRepository) Recent(ctx context.Context, sessionID, limit int) ([]history.Entry, error) {
	rows, err := r.db.Query(ctx,
		`SELECT logged_at, message, category
		 FROM session_logs
		 WHERE session_id = $1
		 ORDER BY id DESC
		 LIMIT $2`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying session logs: %w", err)
	}
	defer rows.Close()

	var out []history.Entry
	for rows.Next() {
		var (
			e   history.Entry
			cat string
		)
		if err := rows.Scan(&e.Time, &e.Message, &cat); err != nil {
			return nil, fmt.Errorf("scanning session log: %w", err)
		}
		e.Category = history.Category(cat)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session logs: %w", err)
	}
	slices.Reverse(out)
	return out, nil
}

// Restore loads the newest entries of every session in reg into its history.
//
// Postcondition: sessions without stored entries are left unchanged.
func (r *LogRepository) Restore(ctx context.Context, reg *session.Registry, limit int) (int, error) {
	total := 0
	for _, id := range reg.IDs() {
		entries, err := r.Recent(ctx, id, limit)
		if err != nil {
			return total, fmt.Errorf("session %d: %w", id, err)
		}
		if len(entries) == 0 {
			continue
		}
		if err := reg.Restore(id, entries); err != nil {
			return total, err
		}
		total += len(entries)
	}
	return total, nil
}

// Prune deletes all but the newest keep entries of every session.
//
// Postcondition: Returns the number of deleted rows.
func (r *LogRepository) Prune(ctx context.Context, keep int) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM session_logs
		 WHERE id IN (
		     SELECT id FROM (
		         SELECT id, ROW_NUMBER() OVER (PARTITION BY session_id ORDER BY id DESC) AS rn
		         FROM session_logs
		     ) ranked
		     WHERE rn > $1
		 )`,
		keep,
	)
	if err != nil {
		return 0, fmt.Errorf("pruning session logs: %w", err)
	}
	return tag.RowsAffected(), nil
}
