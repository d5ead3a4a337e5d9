package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/anchorstack/custodia/internal/apierror"
	"github.com/anchorstack/custodia/model"

	_ "github.com/lib/pq"
)

// RecordCustodyTransaction inserts a new custody transaction. The insert is
// idempotent on the protocol transaction id: re-recording an existing id
// returns the stored row untouched.
func (d Datasource) RecordCustodyTransaction(ctx context.Context, txn *model.CustodyTransaction) (*model.CustodyTransaction, error) {
	ctx, span := otel.Tracer("custody.store").Start(ctx, "Saving custody transaction to db")
	defer span.End()

	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now()
	}
	txn.UpdatedAt = txn.CreatedAt

	res, err := d.Conn.ExecContext(ctx,
		`INSERT INTO custodia.custody_transactions
			(transaction_id, external_tx_id, status, protocol, kind, from_account, to_account, amount, fee, asset, memo, memo_type, reconciliation_attempts, version, created_at, updated_at)
		VALUES ($1, NULLIF($2,''), $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 0, $14, $15)
		ON CONFLICT (transaction_id) DO NOTHING`,
		txn.TransactionID, txn.ExternalTxID, txn.Status, txn.Protocol, txn.Kind, txn.FromAccount, txn.ToAccount,
		txn.Amount, txn.Fee, txn.Asset, txn.Memo, txn.MemoType, txn.ReconciliationAttempts, txn.CreatedAt, txn.UpdatedAt,
	)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record custody transaction", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	if rows == 0 {
		// Already recorded; hand back the stored row so callers observe the
		// same state a first insert would have produced.
		return d.GetCustodyTransaction(ctx, txn.TransactionID)
	}

	return txn, nil
}

const custodyTransactionColumns = `transaction_id, COALESCE(external_tx_id,''), status, protocol, kind,
		COALESCE(from_account,''), COALESCE(to_account,''), COALESCE(amount,''), COALESCE(fee,''), COALESCE(asset,''),
		COALESCE(memo,''), COALESCE(memo_type,''), reconciliation_attempts, version, created_at, updated_at`

func scanCustodyTransaction(row interface{ Scan(...interface{}) error }) (*model.CustodyTransaction, error) {
	txn := &model.CustodyTransaction{}
	err := row.Scan(
		&txn.TransactionID, &txn.ExternalTxID, &txn.Status, &txn.Protocol, &txn.Kind,
		&txn.FromAccount, &txn.ToAccount, &txn.Amount, &txn.Fee, &txn.Asset,
		&txn.Memo, &txn.MemoType, &txn.ReconciliationAttempts, &txn.Version, &txn.CreatedAt, &txn.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return txn, nil
}

// GetCustodyTransaction retrieves a custody transaction by its protocol
// transaction id.
func (d Datasource) GetCustodyTransaction(ctx context.Context, id string) (*model.CustodyTransaction, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+custodyTransactionColumns+`
		FROM custodia.custody_transactions
		WHERE transaction_id = $1
	`, id)

	txn, err := scanCustodyTransaction(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Custody transaction with ID '%s' not found", id), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve custody transaction", err)
	}
	return txn, nil
}

// GetCustodyTransactionByExternalID retrieves a custody transaction by the
// provider-assigned transaction id.
func (d Datasource) GetCustodyTransactionByExternalID(ctx context.Context, externalID string) (*model.CustodyTransaction, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+custodyTransactionColumns+`
		FROM custodia.custody_transactions
		WHERE external_tx_id = $1
	`, externalID)

	txn, err := scanCustodyTransaction(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Custody transaction with external ID '%s' not found", externalID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve custody transaction", err)
	}
	return txn, nil
}

// GetCustodyTransactionByToAccountAndMemo retrieves the most recently created
// non-terminal custody transaction matching the (to-account, memo) pair. This
// is the fallback match path for webhooks that arrive before the provider id
// is known on our side.
func (d Datasource) GetCustodyTransactionByToAccountAndMemo(ctx context.Context, toAccount, memo string) (*model.CustodyTransaction, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+custodyTransactionColumns+`
		FROM custodia.custody_transactions
		WHERE to_account = $1 AND memo = $2 AND status IN ($3, $4)
		ORDER BY created_at DESC
		LIMIT 1
	`, toAccount, memo, model.StatusCreated, model.StatusSubmitted)

	txn, err := scanCustodyTransaction(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("No pending custody transaction for account '%s' and memo '%s'", toAccount, memo), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve custody transaction", err)
	}
	return txn, nil
}

// GetSubmittedWithExternalID retrieves all submitted custody transactions
// that carry a provider id. These are the candidates for the reconciliation
// sweep.
func (d Datasource) GetSubmittedWithExternalID(ctx context.Context) ([]*model.CustodyTransaction, error) {
	ctx, span := otel.Tracer("custody.store").Start(ctx, "Fetching submitted custody transactions")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+custodyTransactionColumns+`
		FROM custodia.custody_transactions
		WHERE status = $1 AND external_tx_id IS NOT NULL
		ORDER BY created_at ASC
	`, model.StatusSubmitted)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve submitted custody transactions", err)
	}
	defer rows.Close()

	var transactions []*model.CustodyTransaction
	for rows.Next() {
		txn, err := scanCustodyTransaction(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan custody transaction", err)
		}
		transactions = append(transactions, txn)
	}
	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over custody transactions", err)
	}

	return transactions, nil
}

// UpdateCustodyTransaction persists a read-modify-write update. The version
// column guards against interleaved updates from concurrent event sources: a
// stale version affects zero rows and surfaces as ErrConflict, at which point
// the caller re-reads and retries.
func (d Datasource) UpdateCustodyTransaction(ctx context.Context, txn *model.CustodyTransaction) error {
	ctx, span := otel.Tracer("custody.store").Start(ctx, "Updating custody transaction")
	defer span.End()

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE custodia.custody_transactions
		SET status = $2, fee = $3, reconciliation_attempts = $4, version = version + 1, updated_at = NOW()
		WHERE transaction_id = $1 AND version = $5
	`, txn.TransactionID, txn.Status, txn.Fee, txn.ReconciliationAttempts, txn.Version)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update custody transaction", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Custody transaction '%s' was modified concurrently", txn.TransactionID), nil)
	}

	txn.Version++
	return nil
}

// SetExternalTxID backfills the provider-assigned id onto a transaction
// matched through the (to-account, memo) fallback. The id is immutable once
// set: the WHERE clause refuses to overwrite an existing value.
func (d Datasource) SetExternalTxID(ctx context.Context, transactionID, externalID string) error {
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE custodia.custody_transactions
		SET external_tx_id = $2, updated_at = NOW()
		WHERE transaction_id = $1 AND external_tx_id IS NULL
	`, transactionID, externalID)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to set external transaction ID", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("External ID already set for custody transaction '%s'", transactionID), nil)
	}

	return nil
}
