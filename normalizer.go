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

	"github.com/anchorstack/custodia/horizon"
	"github.com/anchorstack/custodia/model"
	"github.com/anchorstack/custodia/provider"
	"github.com/sirupsen/logrus"
)

// PaymentNormalizer converts provider transaction details and ledger
// operation records into the one CustodyPayment shape the dispatcher
// consumes. Webhooks, reconciliation polls and ledger observation all pass
// through here, so the three sources cannot diverge in interpretation.
type PaymentNormalizer struct {
	horizon *horizon.Client
}

// NewPaymentNormalizer builds a normalizer backed by the given Horizon
// client.
func NewPaymentNormalizer(horizonClient *horizon.Client) *PaymentNormalizer {
	return &PaymentNormalizer{horizon: horizonClient}
}

// FromProviderDetail normalizes a provider transaction detail (from a
// webhook or a reconciliation poll) into zero or one CustodyPayment.
//
// Intermediate provider states produce no payment; the reconciliation sweep
// owns those. A failed terminal state produces an error payment without
// consulting the ledger, since it carries no usable financial data. A
// completed state with a ledger hash is cross-checked against the ledger:
// when the ledger transaction is missing a value-transfer operation or is
// marked unsuccessful, no payment is emitted.
func (n *PaymentNormalizer) FromProviderDetail(ctx context.Context, detail *provider.TransactionDetail) (*model.CustodyPayment, error) {
	if !detail.Terminal() {
		return nil, nil
	}

	paymentType := model.PaymentTypePayment
	if strings.EqualFold(detail.Operation, "refund") {
		paymentType = model.PaymentTypeRefund
	}

	// A follow-up payment arrives on the parent transaction's id with its
	// own payment id; a plain status update carries only the transaction id.
	paymentID := detail.PaymentID
	if paymentID == "" {
		paymentID = detail.ID
	}

	payment := &model.CustodyPayment{
		PaymentID:    paymentID,
		ExternalTxID: detail.ID,
		Type:         paymentType,
		FromAccount:  detail.SourceAddress,
		ToAccount:    detail.DestinationAddress,
		Amount:       detail.Amount,
		TxHash:       detail.TxHash,
		TxMemo:       detail.DestinationTag,
		TxMemoType:   "id",
		CreatedAt:    detail.CreatedAt,
	}

	if !detail.Succeeded() {
		payment.Status = model.PaymentStatusError
		payment.Message = "custody provider reported status " + detail.Status
		return payment, nil
	}

	if detail.TxHash != "" {
		txn, err := n.horizon.GetTransaction(ctx, detail.TxHash)
		if err != nil {
			return nil, err
		}
		if !txn.Successful {
			logrus.Warnf("ledger transaction %s was not successful, skipping payment", detail.TxHash)
			return nil, nil
		}
		ops, err := n.horizon.GetTransactionOperations(ctx, detail.TxHash)
		if err != nil {
			return nil, err
		}
		op := firstPaymentOperation(ops)
		if op == nil {
			logrus.Warnf("ledger transaction %s carries no payment operation, skipping", detail.TxHash)
			return nil, nil
		}
		applyLedgerOperation(payment, op)
		payment.TxMemo = txn.Memo
		payment.TxMemoType = txn.MemoType
		payment.TxEnvelope = txn.EnvelopeXdr
	}

	payment.Status = model.PaymentStatusSuccess
	if payment.AssetName == "" {
		// No ledger context: fall back to the provider's asset id, which is
		// configured to be the canonical asset name.
		payment.AssetName = detail.AssetID
	}
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = time.Now()
	}
	return payment, nil
}

// FromLedgerOperation normalizes a ledger payment operation observed on a
// tracked account. Non-payment operation types and operations whose owning
// ledger transaction failed produce no payment.
func (n *PaymentNormalizer) FromLedgerOperation(op *horizon.Operation, txn *horizon.Transaction) *model.CustodyPayment {
	if !op.Payment() {
		return nil
	}
	if !op.TransactionSuccessful {
		logrus.Warnf("skipping operation %s: owning ledger transaction failed", op.ID)
		return nil
	}

	payment := &model.CustodyPayment{
		PaymentID: op.ID,
		Type:      model.PaymentTypePayment,
		Status:    model.PaymentStatusSuccess,
		TxHash:    op.TransactionHash,
		CreatedAt: op.CreatedAt,
	}
	applyLedgerOperation(payment, op)
	if txn != nil {
		payment.TxMemo = txn.Memo
		payment.TxMemoType = txn.MemoType
		payment.TxEnvelope = txn.EnvelopeXdr
	}
	return payment
}

func firstPaymentOperation(ops []horizon.Operation) *horizon.Operation {
	for i := range ops {
		if ops[i].Payment() {
			return &ops[i]
		}
	}
	return nil
}

func applyLedgerOperation(payment *model.CustodyPayment, op *horizon.Operation) {
	payment.FromAccount = op.From
	payment.ToAccount = op.To
	payment.Amount = op.Amount
	payment.AssetType = op.AssetType
	payment.AssetCode = op.AssetCode
	payment.AssetIssuer = op.AssetIssuer
	payment.AssetName = assetNameOrWarn(op.AssetType, op.AssetCode, op.AssetIssuer)
}

// assetNameOrWarn canonicalizes the asset identifier. Unsupported asset
// types are logged but never abort normalization.
func assetNameOrWarn(assetType, code, issuer string) string {
	switch assetType {
	case "", horizon.AssetTypeNative, "credit_alphanum4", "credit_alphanum12":
		return model.AssetName(assetType, code, issuer)
	default:
		logrus.Warnf("unsupported asset type %q, leaving asset name empty", assetType)
		return ""
	}
}
