// internal/repository/transaction_repo.go
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"ussd-service/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TransactionRepository is the ledger. Status changes only leave pending;
// a second writer racing on the same row gets ErrInvalidTransition.
type TransactionRepository interface {
	Create(ctx context.Context, tx *domain.Transaction) error
	GetByID(ctx context.Context, id string) (*domain.Transaction, error)
	GetByExternalRef(ctx context.Context, provider, ref string) (*domain.Transaction, error)
	ListByPhone(ctx context.Context, phone string, limit int) ([]*domain.Transaction, error)
	ListNeedingReconciliation(ctx context.Context, limit int) ([]*domain.Transaction, error)
	SetExternalRef(ctx context.Context, id, ref string) error
	UpdateMetadata(ctx context.Context, id string, meta domain.TransactionMetadata) error
	UpdateStatus(ctx context.Context, id string, status domain.TransactionStatus, meta domain.TransactionMetadata) error
	FlagReconciliation(ctx context.Context, id string, flag bool) error
}

type transactionRepo struct {
	db *pgxpool.Pool
}

func NewTransactionRepository(db *pgxpool.Pool) TransactionRepository {
	return &transactionRepo{db: db}
}

const txColumns = `
	id, phone_number, type, amount, currency, status, external_ref, provider,
	metadata, needs_reconciliation, created_at, updated_at, completed_at
`

func (r *transactionRepo) Create(ctx context.Context, tx *domain.Transaction) error {
	query := `
		INSERT INTO transactions (
			id, phone_number, type, amount, currency, status,
			external_ref, provider, metadata, needs_reconciliation, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at
	`

	metadataJSON, err := json.Marshal(tx.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	return r.db.QueryRow(ctx, query,
		tx.ID,
		tx.PhoneNumber,
		tx.Type,
		tx.Amount,
		tx.Currency,
		tx.Status,
		tx.ExternalRef,
		tx.Provider,
		metadataJSON,
		tx.NeedsReconciliation,
		tx.CompletedAt,
	).Scan(&tx.CreatedAt, &tx.UpdatedAt)
}

func (r *transactionRepo) GetByID(ctx context.Context, id string) (*domain.Transaction, error) {
	query := `SELECT ` + txColumns + ` FROM transactions WHERE id = $1`
	return scanTransaction(r.db.QueryRow(ctx, query, id))
}

func (r *transactionRepo) GetByExternalRef(ctx context.Context, provider, ref string) (*domain.Transaction, error) {
	query := `
		SELECT ` + txColumns + `
		FROM transactions
		WHERE provider = $1 AND external_ref = $2 AND type <> 'receive'
	`
	return scanTransaction(r.db.QueryRow(ctx, query, provider, ref))
}

func (r *transactionRepo) ListByPhone(ctx context.Context, phone string, limit int) ([]*domain.Transaction, error) {
	query := `
		SELECT ` + txColumns + `
		FROM transactions
		WHERE phone_number = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	return r.list(ctx, query, phone, limit)
}

func (r *transactionRepo) ListNeedingReconciliation(ctx context.Context, limit int) ([]*domain.Transaction, error) {
	query := `
		SELECT ` + txColumns + `
		FROM transactions
		WHERE needs_reconciliation
		ORDER BY created_at
		LIMIT $1
	`
	return r.list(ctx, query, limit)
}

func (r *transactionRepo) list(ctx context.Context, query string, args ...any) ([]*domain.Transaction, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func (r *transactionRepo) SetExternalRef(ctx context.Context, id, ref string) error {
	query := `
		UPDATE transactions
		SET external_ref = $2, updated_at = NOW()
		WHERE id = $1
	`
	return r.execOne(ctx, query, id, ref)
}

func (r *transactionRepo) UpdateMetadata(ctx context.Context, id string, meta domain.TransactionMetadata) error {
	metadataJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	query := `
		UPDATE transactions
		SET metadata = $2, updated_at = NOW()
		WHERE id = $1
	`
	return r.execOne(ctx, query, id, metadataJSON)
}

func (r *transactionRepo) UpdateStatus(ctx context.Context, id string, status domain.TransactionStatus, meta domain.TransactionMetadata) error {
	metadataJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	query := `
		UPDATE transactions
		SET status = $2,
			metadata = $3,
			updated_at = NOW(),
			completed_at = CASE WHEN $4 THEN NOW() ELSE completed_at END
		WHERE id = $1 AND status = 'pending'
	`

	tag, err := r.db.Exec(ctx, query, id, status, metadataJSON, status == domain.TxStatusCompleted)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return domain.ErrInvalidTransition
	}
	return nil
}

func (r *transactionRepo) FlagReconciliation(ctx context.Context, id string, flag bool) error {
	query := `
		UPDATE transactions
		SET needs_reconciliation = $2, updated_at = NOW()
		WHERE id = $1
	`
	return r.execOne(ctx, query, id, flag)
}

func (r *transactionRepo) execOne(ctx context.Context, query string, args ...any) error {
	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrTransactionNotFound
	}
	return nil
}

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var (
		tx           domain.Transaction
		metadataJSON []byte
	)
	err := row.Scan(
		&tx.ID,
		&tx.PhoneNumber,
		&tx.Type,
		&tx.Amount,
		&tx.Currency,
		&tx.Status,
		&tx.ExternalRef,
		&tx.Provider,
		&metadataJSON,
		&tx.NeedsReconciliation,
		&tx.CreatedAt,
		&tx.UpdatedAt,
		&tx.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &tx.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &tx, nil
}
