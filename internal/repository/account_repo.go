// internal/repository/account_repo.go
package repository

import (
	"context"
	"errors"

	"ussd-service/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const pgUniqueViolation = "23505"

type AccountRepository interface {
	Create(ctx context.Context, account *domain.Account) error
	GetByPhone(ctx context.Context, phone string) (*domain.Account, error)
	UpdateCachedBalance(ctx context.Context, phone string, balance decimal.Decimal) error
}

type accountRepo struct {
	db *pgxpool.Pool
}

func NewAccountRepository(db *pgxpool.Pool) AccountRepository {
	return &accountRepo{db: db}
}

func (r *accountRepo) Create(ctx context.Context, account *domain.Account) error {
	query := `
		INSERT INTO accounts (phone_number, custody_address, cached_balance)
		VALUES ($1, $2, $3)
		RETURNING id, created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		account.PhoneNumber,
		account.CustodyAddress,
		account.CachedBalance,
	).Scan(&account.ID, &account.CreatedAt, &account.UpdatedAt)
	if isUniqueViolation(err) {
		return domain.ErrAccountExists
	}
	return err
}

func (r *accountRepo) GetByPhone(ctx context.Context, phone string) (*domain.Account, error) {
	query := `
		SELECT id, phone_number, custody_address, cached_balance, created_at, updated_at
		FROM accounts
		WHERE phone_number = $1
	`

	var a domain.Account
	err := r.db.QueryRow(ctx, query, phone).Scan(
		&a.ID,
		&a.PhoneNumber,
		&a.CustodyAddress,
		&a.CachedBalance,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *accountRepo) UpdateCachedBalance(ctx context.Context, phone string, balance decimal.Decimal) error {
	query := `
		UPDATE accounts
		SET cached_balance = $2, updated_at = NOW()
		WHERE phone_number = $1
	`

	tag, err := r.db.Exec(ctx, query, phone, balance)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
