package database

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/anchorstack/custodia/internal/apierror"
	"github.com/anchorstack/custodia/model"
)

// RecordCustodyPayment appends a normalized payment to the audit log. The
// insert is idempotent on the provider payment id so duplicate webhook
// deliveries do not produce duplicate audit rows.
func (d Datasource) RecordCustodyPayment(ctx context.Context, payment *model.CustodyPayment) (*model.CustodyPayment, error) {
	ctx, span := otel.Tracer("custody.store").Start(ctx, "Saving custody payment to db")
	defer span.End()

	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = time.Now()
	}

	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO custodia.custody_payments
			(payment_id, external_tx_id, type, from_account, to_account, amount, asset_type, asset_code, asset_issuer, asset_name, status, message, tx_hash, tx_memo, tx_memo_type, tx_envelope, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (payment_id) DO NOTHING`,
		payment.PaymentID, payment.ExternalTxID, payment.Type, payment.FromAccount, payment.ToAccount,
		payment.Amount, payment.AssetType, payment.AssetCode, payment.AssetIssuer, payment.AssetName,
		payment.Status, payment.Message, payment.TxHash, payment.TxMemo, payment.TxMemoType, payment.TxEnvelope, payment.CreatedAt,
	)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record custody payment", err)
	}

	return payment, nil
}

// CustodyPaymentExists checks whether a provider payment id is already in the
// audit log. The dispatcher uses this as its duplicate-delivery check.
func (d Datasource) CustodyPaymentExists(ctx context.Context, paymentID string) (bool, error) {
	var exists bool
	err := d.Conn.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM custodia.custody_payments WHERE payment_id = $1)
	`, paymentID).Scan(&exists)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to check if custody payment exists", err)
	}

	return exists, nil
}

// GetCustodyPaymentsByExternalID retrieves the audit trail for a provider
// transaction id, oldest first. Terminal trails are immutable, so the read
// is fronted by the cache when one is configured.
func (d Datasource) GetCustodyPaymentsByExternalID(ctx context.Context, externalID string) ([]*model.CustodyPayment, error) {
	cacheKey := fmt.Sprintf("custody:payments:%s", externalID)

	var payments []*model.CustodyPayment
	if d.Cache != nil {
		err := d.Cache.Get(ctx, cacheKey, &payments)
		if err == nil && len(payments) > 0 {
			return payments, nil
		}
	}

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT payment_id, COALESCE(external_tx_id,''), type, COALESCE(from_account,''), COALESCE(to_account,''),
			COALESCE(amount,''), COALESCE(asset_type,''), COALESCE(asset_code,''), COALESCE(asset_issuer,''), COALESCE(asset_name,''),
			status, COALESCE(message,''), COALESCE(tx_hash,''), COALESCE(tx_memo,''), COALESCE(tx_memo_type,''), COALESCE(tx_envelope,''), created_at
		FROM custodia.custody_payments
		WHERE external_tx_id = $1
		ORDER BY created_at ASC
	`, externalID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve custody payments", err)
	}
	defer rows.Close()

	payments = payments[:0]
	for rows.Next() {
		payment := &model.CustodyPayment{}
		err = rows.Scan(
			&payment.PaymentID, &payment.ExternalTxID, &payment.Type, &payment.FromAccount, &payment.ToAccount,
			&payment.Amount, &payment.AssetType, &payment.AssetCode, &payment.AssetIssuer, &payment.AssetName,
			&payment.Status, &payment.Message, &payment.TxHash, &payment.TxMemo, &payment.TxMemoType, &payment.TxEnvelope, &payment.CreatedAt,
		)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan custody payment", err)
		}
		payments = append(payments, payment)
	}
	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over custody payments", err)
	}

	if d.Cache != nil && len(payments) > 0 {
		if err := d.Cache.Set(ctx, cacheKey, payments, 5*time.Minute); err != nil {
			// Log the error, but don't return it as the main operation succeeded
			log.Printf("Failed to cache custody payments: %v", err)
		}
	}

	return payments, nil
}
