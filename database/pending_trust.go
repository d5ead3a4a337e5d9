package database

import (
	"context"
	"fmt"
	"time"

	"github.com/anchorstack/custodia/internal/apierror"
	"github.com/anchorstack/custodia/model"
)

// RecordPendingTrust records an account+asset pair awaiting a trustline.
// Idempotent on the owning transaction id.
func (d Datasource) RecordPendingTrust(ctx context.Context, rec *model.TransactionPendingTrust) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO custodia.pending_trust (transaction_id, account, asset_code, asset_issuer, count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (transaction_id) DO NOTHING
	`, rec.TransactionID, rec.Account, rec.AssetCode, rec.AssetIssuer, rec.Count, rec.CreatedAt)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record pending trust", err)
	}
	return nil
}

// GetAllPendingTrust retrieves every pending-trust record, oldest first, for
// the trustline sweep.
func (d Datasource) GetAllPendingTrust(ctx context.Context) ([]*model.TransactionPendingTrust, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT id, transaction_id, account, asset_code, asset_issuer, count, created_at
		FROM custodia.pending_trust
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve pending trust records", err)
	}
	defer rows.Close()

	var records []*model.TransactionPendingTrust
	for rows.Next() {
		rec := &model.TransactionPendingTrust{}
		err = rows.Scan(&rec.ID, &rec.TransactionID, &rec.Account, &rec.AssetCode, &rec.AssetIssuer, &rec.Count, &rec.CreatedAt)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan pending trust record", err)
		}
		records = append(records, rec)
	}
	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over pending trust records", err)
	}

	return records, nil
}

// IncrementPendingTrustCount bumps the poll-attempt counter on a record that
// is neither established nor timed out yet.
func (d Datasource) IncrementPendingTrustCount(ctx context.Context, id int64) error {
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE custodia.pending_trust SET count = count + 1 WHERE id = $1
	`, id)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to increment pending trust count", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Pending trust record %d not found", id), nil)
	}
	return nil
}

// DeletePendingTrust removes a record after the trustline was established or
// the wait timed out.
func (d Datasource) DeletePendingTrust(ctx context.Context, id int64) error {
	_, err := d.Conn.ExecContext(ctx, `
		DELETE FROM custodia.pending_trust WHERE id = $1
	`, id)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to delete pending trust record", err)
	}
	return nil
}
