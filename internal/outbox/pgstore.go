package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore keeps entries in the outbox table (see postgres.Migrate). The
// service name column lets both services share one database.
type PGStore struct {
	DB      *pgxpool.Pool
	Service string
}

// InsertTx writes e inside tx so it commits together with the state change
// that produced it.
func (s *PGStore) InsertTx(ctx context.Context, tx pgx.Tx, e Entry) error {
	headers, err := json.Marshal(e.Headers)
	if err != nil {
		return fmt.Errorf("outbox headers: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO outbox(id, service, topic, key, value, headers, status, attempts, last_error, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (id) DO NOTHING`,
		e.ID, s.Service, e.Topic, e.Key, e.Value, headers, string(StatusPending), 0, "", e.CreatedAt, e.UpdatedAt)
	return err
}

func (s *PGStore) Add(ctx context.Context, e Entry) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := s.InsertTx(ctx, tx, e); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PGStore) query(ctx context.Context, status Status, limit int) ([]Entry, error) {
	q := `SELECT id, topic, key, value, headers, status, attempts, last_error, created_at, updated_at
	      FROM outbox WHERE service=$1 AND status=$2 ORDER BY seq`
	args := []any{s.Service, string(status)}
	if limit > 0 {
		q += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := s.DB.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			st      string
			headers []byte
		)
		if err := rows.Scan(&e.ID, &e.Topic, &e.Key, &e.Value, &headers, &st, &e.Attempts, &e.LastError, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		e.Status = Status(st)
		if len(headers) > 0 {
			if err := json.Unmarshal(headers, &e.Headers); err != nil {
				return nil, fmt.Errorf("outbox %s headers: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PGStore) Pending(ctx context.Context, limit int) ([]Entry, error) {
	return s.query(ctx, StatusPending, limit)
}

func (s *PGStore) Failed(ctx context.Context) ([]Entry, error) {
	return s.query(ctx, StatusFailed, 0)
}

func (s *PGStore) update(ctx context.Context, sql string, args ...any) error {
	ct, err := s.DB.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return ErrNotFound
	}
	return nil
}

// MarkSent deletes the row; like MemoryStore, only unsent entries are kept.
func (s *PGStore) MarkSent(ctx context.Context, id string) error {
	return s.update(ctx, `DELETE FROM outbox WHERE id=$1 AND service=$2`, id, s.Service)
}

func (s *PGStore) MarkFailed(ctx context.Context, id string, attempts int, lastErr string) error {
	return s.update(ctx, `UPDATE outbox SET status=$2, attempts=attempts+$3, last_error=$4, updated_at=$5 WHERE id=$1`,
		id, string(StatusFailed), attempts, lastErr, time.Now().UTC())
}

func (s *PGStore) Requeue(ctx context.Context, id string) error {
	return s.update(ctx, `UPDATE outbox SET status=$2, attempts=0, updated_at=$3 WHERE id=$1 AND status=$4`,
		id, string(StatusPending), time.Now().UTC(), string(StatusFailed))
}
