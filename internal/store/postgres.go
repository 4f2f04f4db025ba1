package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/smsrent/wallet-engine/internal/models"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store on PostgreSQL. Every Apply runs inside a
// single transaction so the account row, the reservation row, and the event
// insert commit together or not at all.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the wallet tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schemaSQL)
	return err
}

func (s *PostgresStore) CreateAccount(ctx context.Context, a *models.Account) error {
	return s.pool.QueryRow(ctx, `
		INSERT INTO accounts (id, balance, frozen, version)
		VALUES ($1, $2, $3, 1)
		RETURNING version, created_at, updated_at
	`, a.ID, a.Balance, a.Frozen).Scan(&a.Version, &a.CreatedAt, &a.UpdatedAt)
}

func (s *PostgresStore) GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	var a models.Account
	err := s.pool.QueryRow(ctx, `
		SELECT id, balance, frozen, version, created_at, updated_at
		FROM accounts WHERE id = $1
	`, id).Scan(&a.ID, &a.Balance, &a.Frozen, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) GetReservation(ctx context.Context, id string) (*models.Reservation, error) {
	var r models.Reservation
	err := s.pool.QueryRow(ctx, `
		SELECT id, account_id, amount, state, on_timeout, deadline, version, created_at, closed_at
		FROM reservations WHERE id = $1
	`, id).Scan(&r.ID, &r.AccountID, &r.Amount, &r.State, &r.OnTimeout, &r.Deadline, &r.Version, &r.CreatedAt, &r.ClosedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrReservationNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) Apply(ctx context.Context, acc *AccountMutation, res *ReservationMutation, event *models.LedgerEvent) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	result, err := tx.Exec(ctx, `
		UPDATE accounts
		SET balance = $2, frozen = $3, version = version + 1, updated_at = now()
		WHERE id = $1 AND version = $4
	`, acc.AccountID, acc.Balance, acc.Frozen, acc.ExpectedVersion)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		// Distinguish a concurrent writer from a missing account.
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE id = $1)`, acc.AccountID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrAccountNotFound
		}
		return ErrConflict
	}

	if res != nil {
		if err := applyReservation(ctx, tx, res); err != nil {
			return err
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO ledger_events (id, reservation_id, account_id, kind, amount,
		                           balance_before, balance_after, frozen_before, frozen_after, reason, created_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, event.ID, event.ReservationID, event.AccountID, event.Kind, event.Amount,
		event.BalanceBefore, event.BalanceAfter, event.FrozenBefore, event.FrozenAfter,
		event.Reason, event.CreatedAt)
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func applyReservation(ctx context.Context, tx pgx.Tx, res *ReservationMutation) error {
	switch {
	case res.Create != nil:
		c := res.Create
		_, err := tx.Exec(ctx, `
			INSERT INTO reservations (id, account_id, amount, state, on_timeout, deadline, version, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, 1, $7)
		`, c.ID, c.AccountID, c.Amount, c.State, c.OnTimeout, c.Deadline, c.CreatedAt)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateReservation
		}
		return err
	case res.Update != nil:
		u := res.Update
		result, err := tx.Exec(ctx, `
			UPDATE reservations
			SET state = $2, closed_at = $3, version = version + 1
			WHERE id = $1 AND version = $4 AND state = 'open'
		`, u.ReservationID, u.State, u.ClosedAt, u.ExpectedVersion)
		if err != nil {
			return err
		}
		if result.RowsAffected() == 0 {
			return ErrConflict
		}
		return nil
	default:
		return fmt.Errorf("reservation mutation has neither create nor update")
	}
}

func (s *PostgresStore) ListOpenByAccount(ctx context.Context, accountID uuid.UUID) ([]models.Reservation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, account_id, amount, state, on_timeout, deadline, version, created_at, closed_at
		FROM reservations WHERE account_id = $1 AND state = 'open'
		ORDER BY created_at
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanReservations(rows)
}

func (s *PostgresStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]models.Reservation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, account_id, amount, state, on_timeout, deadline, version, created_at, closed_at
		FROM reservations WHERE state = 'open' AND deadline < $1
		ORDER BY deadline
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanReservations(rows)
}

func (s *PostgresStore) ListAccountIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM accounts ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) EventsByReservation(ctx context.Context, reservationID string) ([]models.LedgerEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, COALESCE(reservation_id, ''), account_id, kind, amount,
		       balance_before, balance_after, frozen_before, frozen_after, reason, created_at
		FROM ledger_events WHERE reservation_id = $1 ORDER BY created_at
	`, reservationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *PostgresStore) EventsByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]models.LedgerEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, COALESCE(reservation_id, ''), account_id, kind, amount,
		       balance_before, balance_after, frozen_before, frozen_after, reason, created_at
		FROM ledger_events WHERE account_id = $1 ORDER BY created_at DESC LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanReservations(rows pgx.Rows) ([]models.Reservation, error) {
	var list []models.Reservation
	for rows.Next() {
		var r models.Reservation
		if err := rows.Scan(&r.ID, &r.AccountID, &r.Amount, &r.State, &r.OnTimeout,
			&r.Deadline, &r.Version, &r.CreatedAt, &r.ClosedAt); err != nil {
			return nil, err
		}
		list = append(list, r)
	}
	return list, rows.Err()
}

func scanEvents(rows pgx.Rows) ([]models.LedgerEvent, error) {
	var list []models.LedgerEvent
	for rows.Next() {
		var e models.LedgerEvent
		if err := rows.Scan(&e.ID, &e.ReservationID, &e.AccountID, &e.Kind, &e.Amount,
			&e.BalanceBefore, &e.BalanceAfter, &e.FrozenBefore, &e.FrozenAfter,
			&e.Reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, e)
	}
	return list, rows.Err()
}
