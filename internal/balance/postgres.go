package balance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists balances and reservations in PostgreSQL. Per-user
// serialization relies on SELECT ... FOR UPDATE on user_balances.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore constructs a Postgres-backed store.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	return &pgTx{tx: tx}, nil
}

type pgTx struct {
	tx pgx.Tx
}

const balanceColumns = `user_id, current_amount, maximum_amount, locked_total, created_at, updated_at`

const reservationColumns = `id::text, user_id, service_id, external_tx_id, amount, status, created_at, expires_at, closed_at`

func scanBalance(row pgx.Row) (Balance, error) {
	var b Balance
	if err := row.Scan(&b.UserID, &b.Current, &b.Maximum, &b.LockedTotal, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return Balance{}, err
	}
	b.CreatedAt = b.CreatedAt.UTC()
	b.UpdatedAt = b.UpdatedAt.UTC()
	return b, nil
}

func scanReservation(row pgx.Row) (Reservation, error) {
	var (
		r        Reservation
		status   string
		closedAt *time.Time
	)
	if err := row.Scan(&r.ID, &r.UserID, &r.ServiceID, &r.ExternalTxID, &r.Amount, &status, &r.CreatedAt, &r.ExpiresAt, &closedAt); err != nil {
		return Reservation{}, err
	}
	r.Status = Status(status)
	r.CreatedAt = r.CreatedAt.UTC()
	r.ExpiresAt = r.ExpiresAt.UTC()
	if closedAt != nil {
		at := closedAt.UTC()
		r.ClosedAt = &at
	}
	return r, nil
}

func (t *pgTx) Balance(ctx context.Context, userID string) (Balance, bool, error) {
	query := `SELECT ` + balanceColumns + ` FROM user_balances WHERE user_id = $1`
	b, err := scanBalance(t.tx.QueryRow(ctx, query, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Balance{}, false, nil
	}
	if err != nil {
		return Balance{}, false, err
	}
	return b, true, nil
}

func (t *pgTx) insertBalance(ctx context.Context, userID string) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO user_balances (user_id) VALUES ($1)
        ON CONFLICT (user_id) DO NOTHING`, userID)
	return err
}

func (t *pgTx) CreateBalance(ctx context.Context, userID string) (Balance, error) {
	if err := t.insertBalance(ctx, userID); err != nil {
		return Balance{}, err
	}
	b, found, err := t.Balance(ctx, userID)
	if err != nil {
		return Balance{}, err
	}
	if !found {
		return Balance{}, fmt.Errorf("balance %s missing after insert", userID)
	}
	return b, nil
}

func (t *pgTx) LockBalance(ctx context.Context, userID string) (Balance, error) {
	query := `SELECT ` + balanceColumns + ` FROM user_balances WHERE user_id = $1 FOR UPDATE`
	b, err := scanBalance(t.tx.QueryRow(ctx, query, userID))
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Balance{}, err
	}
	// A concurrent first access blocks on the conflicting insert, then locks
	// the row the winner committed.
	if err := t.insertBalance(ctx, userID); err != nil {
		return Balance{}, err
	}
	return scanBalance(t.tx.QueryRow(ctx, query, userID))
}

func (t *pgTx) SaveBalance(ctx context.Context, b Balance) (Balance, error) {
	query := `UPDATE user_balances
        SET current_amount = $2, maximum_amount = $3, locked_total = $4, updated_at = now()
        WHERE user_id = $1
        RETURNING ` + balanceColumns
	saved, err := scanBalance(t.tx.QueryRow(ctx, query, b.UserID, b.Current, b.Maximum, b.LockedTotal))
	if errors.Is(err, pgx.ErrNoRows) {
		return Balance{}, fmt.Errorf("balance %s does not exist", b.UserID)
	}
	return saved, err
}

func (t *pgTx) Reservation(ctx context.Context, key Key) (Reservation, bool, error) {
	query := `SELECT ` + reservationColumns + ` FROM balance_reservations
        WHERE user_id = $1 AND service_id = $2 AND external_tx_id = $3`
	r, err := scanReservation(t.tx.QueryRow(ctx, query, key.UserID, key.ServiceID, key.ExternalTxID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Reservation{}, false, nil
	}
	if err != nil {
		return Reservation{}, false, err
	}
	return r, true, nil
}

func (t *pgTx) CreateReservation(ctx context.Context, r Reservation) error {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return fmt.Errorf("reservation id %q: %w", r.ID, err)
	}
	_, err = t.tx.Exec(ctx, `INSERT INTO balance_reservations
        (id, user_id, service_id, external_tx_id, amount, status, created_at, expires_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		id, r.UserID, r.ServiceID, r.ExternalTxID, r.Amount, string(r.Status), r.CreatedAt, r.ExpiresAt)
	return err
}

func (t *pgTx) CloseReservation(ctx context.Context, id string, status Status, closedAt time.Time) error {
	rid, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("reservation id %q: %w", id, err)
	}
	tag, err := t.tx.Exec(ctx, `UPDATE balance_reservations SET status = $2, closed_at = $3
        WHERE id = $1 AND status = 'open'`, rid, string(status), closedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("reservation %s is not open", id)
	}
	return nil
}

func (t *pgTx) SumOpenReservations(ctx context.Context, userID string) (int64, error) {
	const query = `SELECT COALESCE(SUM(amount), 0)::BIGINT FROM balance_reservations
        WHERE user_id = $1 AND status = 'open'`
	var total int64
	if err := t.tx.QueryRow(ctx, query, userID).Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

func (t *pgTx) ListExpiredReservations(ctx context.Context, before time.Time, limit int) ([]Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM balance_reservations
        WHERE status = 'open' AND expires_at < $1
        ORDER BY expires_at, id
        LIMIT $2`
	rows, err := t.tx.Query(ctx, query, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var expired []Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		expired = append(expired, r)
	}
	return expired, rows.Err()
}

func (t *pgTx) Savepoint(ctx context.Context) (Tx, error) {
	nested, err := t.tx.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &pgTx{tx: nested}, nil
}

func (t *pgTx) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

func (t *pgTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}
