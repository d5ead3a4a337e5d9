/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package custodia

import (
	"context"
	"strings"
	"time"

	"github.com/anchorstack/custodia/internal/apierror"
	"github.com/anchorstack/custodia/model"
	"github.com/anchorstack/custodia/provider"
	"github.com/sirupsen/logrus"
)

// CreateCustodyTransaction records the custody-side shadow of a protocol
// transaction in created status. Recording is idempotent on the transaction
// id; re-creating an existing transaction returns the stored record.
func (c *Custodia) CreateCustodyTransaction(ctx context.Context, txn *model.CustodyTransaction) (*model.CustodyTransaction, error) {
	ctx, span := tracer.Start(ctx, "Creating Custody Transaction")
	defer span.End()

	if txn.Status == "" {
		txn.Status = model.StatusCreated
	}
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now()
	}
	txn.UpdatedAt = time.Now()

	if err := txn.Validate(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "Invalid custody transaction", err)
	}
	return c.datasource.RecordCustodyTransaction(ctx, txn)
}

// SubmitCustodyTransaction asks the custody provider to sign and submit the
// outbound payment for a deposit transaction. On acceptance the provider's
// id is backfilled onto the record and the status moves to submitted.
// Permanent provider errors are propagated to the caller.
func (c *Custodia) SubmitCustodyTransaction(ctx context.Context, transactionID string) (*model.CustodyTransaction, error) {
	ctx, span := tracer.Start(ctx, "Submitting Custody Transaction")
	defer span.End()

	txn, err := c.datasource.GetCustodyTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if !txn.CanTransitionTo(model.StatusSubmitted) {
		return nil, apierror.NewAPIError(apierror.ErrConflict, "Transaction cannot be submitted from status "+txn.Status, nil)
	}

	if txn.Kind == model.KindDeposit {
		blocked, err := c.requireTrustlineIfMissing(ctx, txn)
		if err != nil {
			return nil, err
		}
		if blocked {
			return txn, nil
		}
	}

	detail, err := c.custody.CreateTransaction(ctx, &provider.CreateTransactionRequest{
		ExternalTxID:       txn.TransactionID,
		AssetID:            txn.Asset,
		Amount:             txn.Amount,
		DestinationAddress: txn.ToAccount,
		DestinationTag:     txn.Memo,
	})
	if err != nil {
		return nil, err
	}

	if err := c.datasource.SetExternalTxID(ctx, txn.TransactionID, detail.ID); err != nil {
		if !apierror.Is(err, apierror.ErrConflict) {
			return nil, err
		}
		logrus.Warnf("external id already set on %s, keeping the existing value", txn.TransactionID)
	} else {
		txn.ExternalTxID = detail.ID
	}

	txn.Status = model.StatusSubmitted
	if err := c.datasource.UpdateCustodyTransaction(ctx, txn); err != nil {
		return nil, err
	}
	return txn, nil
}

// CreateRefundPayment asks the provider to send funds back to the payer of
// a completed transaction. The refund is observed later through the regular
// webhook/reconciliation path; this call only initiates it.
func (c *Custodia) CreateRefundPayment(ctx context.Context, transactionID, amount string) error {
	ctx, span := tracer.Start(ctx, "Creating Refund Payment")
	defer span.End()

	txn, err := c.datasource.GetCustodyTransaction(ctx, transactionID)
	if err != nil {
		return err
	}
	if txn.ExternalTxID == "" {
		return apierror.NewAPIError(apierror.ErrConflict, "Transaction has no provider id, nothing to refund against", nil)
	}

	_, err = c.custody.CreateTransactionPayment(ctx, txn.ExternalTxID, &provider.PaymentRequest{
		Amount:             amount,
		DestinationAddress: txn.FromAccount,
		DestinationTag:     txn.Memo,
		Refund:             true,
	})
	return err
}

// GenerateDepositAddress provisions a custody receiving address for an
// asset and registers it with the ledger observer so incoming funds are
// noticed even if the provider's webhook is lost.
func (c *Custodia) GenerateDepositAddress(ctx context.Context, assetID string) (*provider.DepositAddress, error) {
	ctx, span := tracer.Start(ctx, "Generating Deposit Address")
	defer span.End()

	address, err := c.custody.GenerateDepositAddress(ctx, assetID)
	if err != nil {
		return nil, err
	}
	c.observer.TrackAccount(address.Address)
	return address, nil
}

// requireTrustlineIfMissing checks the ledger for the destination account's
// trustline on an issued-asset deposit. When the trustline is absent, a
// pending-trust record is created and the transaction stays in created
// status; the trustline sweep notifies once the account trusts the asset and
// the protocol layer re-submits.
func (c *Custodia) requireTrustlineIfMissing(ctx context.Context, txn *model.CustodyTransaction) (bool, error) {
	code, issuer := splitAssetName(txn.Asset)
	if code == "" {
		return false, nil
	}

	trusted, err := c.horizon.HasTrustline(ctx, txn.ToAccount, code, issuer)
	if err != nil {
		return false, err
	}
	if trusted {
		return false, nil
	}

	if err := c.RequireTrustline(ctx, txn); err != nil {
		return false, err
	}
	logrus.Infof("account %s does not trust %s yet, transaction %s waits for the trustline sweep",
		txn.ToAccount, txn.Asset, txn.TransactionID)
	return true, nil
}

// RequireTrustline records that a deposit is blocked until the destination
// account trusts the asset. The trustline sweep resolves or times out the
// record.
func (c *Custodia) RequireTrustline(ctx context.Context, txn *model.CustodyTransaction) error {
	code, issuer := splitAssetName(txn.Asset)
	if code == "" {
		// Native asset needs no trustline.
		return nil
	}
	return c.datasource.RecordPendingTrust(ctx, &model.TransactionPendingTrust{
		TransactionID: txn.TransactionID,
		Account:       txn.ToAccount,
		AssetCode:     code,
		AssetIssuer:   issuer,
		CreatedAt:     time.Now(),
	})
}

// GetCustodyTransaction loads a custody transaction by its internal id.
func (c *Custodia) GetCustodyTransaction(ctx context.Context, transactionID string) (*model.CustodyTransaction, error) {
	return c.datasource.GetCustodyTransaction(ctx, transactionID)
}

// GetCustodyPayments lists the audit trail of payments recorded against a
// transaction's external id.
func (c *Custodia) GetCustodyPayments(ctx context.Context, externalTxID string) ([]*model.CustodyPayment, error) {
	return c.datasource.GetCustodyPaymentsByExternalID(ctx, externalTxID)
}

// GetPendingTrustRecords lists the accounts still waiting for an asset
// trustline, for operator inspection of the trustline sweep's backlog.
func (c *Custodia) GetPendingTrustRecords(ctx context.Context) ([]*model.TransactionPendingTrust, error) {
	return c.datasource.GetAllPendingTrust(ctx)
}

// splitAssetName breaks a canonical asset name into code and issuer. The
// native asset returns empty strings.
func splitAssetName(asset string) (code, issuer string) {
	if asset == model.AssetNative {
		return "", ""
	}
	parts := strings.SplitN(asset, ":", 2)
	if len(parts) != 2 {
		return "", ""
	}
	return parts[0], parts[1]
}
