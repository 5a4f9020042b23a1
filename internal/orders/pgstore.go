package orders

import (
	"context"
	"errors"
	"time"

	"github.com/ariefcatur/go-order-choreography/internal/outbox"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore persists orders in Postgres; the announcing outbox row is written
// in the same transaction.
type PGStore struct {
	DB     *pgxpool.Pool
	Outbox *outbox.PGStore
}

func (s *PGStore) Create(ctx context.Context, o Order, announce outbox.Entry) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO orders(id, items, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5)`,
		o.ID, o.Items, string(o.Status), o.CreatedAt, o.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyExists
		}
		return err
	}
	if err := s.Outbox.InsertTx(ctx, tx, announce); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PGStore) Get(ctx context.Context, id string) (Order, error) {
	var (
		o  Order
		st string
	)
	err := s.DB.QueryRow(ctx, `SELECT id, items, status, created_at, updated_at FROM orders WHERE id=$1`, id).
		Scan(&o.ID, &o.Items, &st, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, ErrNotFound
	}
	if err != nil {
		return Order{}, err
	}
	o.Status = Status(st)
	return o, nil
}

// Transition is a compare-and-set on the allowed source states of to.
func (s *PGStore) Transition(ctx context.Context, id string, to Status) (Order, bool, error) {
	from := sourcesOf(to)
	sources := make([]string, len(from))
	for i, f := range from {
		sources[i] = string(f)
	}

	var (
		o  Order
		st string
	)
	err := s.DB.QueryRow(ctx, `
		UPDATE orders SET status=$2, updated_at=$3
		WHERE id=$1 AND status = ANY($4)
		RETURNING id, items, status, created_at, updated_at`,
		id, string(to), time.Now().UTC(), sources).
		Scan(&o.ID, &o.Items, &st, &o.CreatedAt, &o.UpdatedAt)
	if err == nil {
		o.Status = Status(st)
		return o, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Order{}, false, err
	}

	cur, err := s.Get(ctx, id)
	if err != nil {
		return Order{}, false, err
	}
	if cur.Status == to {
		return cur, false, nil
	}
	return cur, false, ErrInvalidTransition
}

func (s *PGStore) Sweep(ctx context.Context, olderThan time.Time) (int, error) {
	ct, err := s.DB.Exec(ctx, `DELETE FROM orders WHERE status IN ($1,$2) AND updated_at < $3`,
		string(StatusConfirmed), string(StatusOutOfStock), olderThan)
	if err != nil {
		return 0, err
	}
	return int(ct.RowsAffected()), nil
}
