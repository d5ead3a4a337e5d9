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
	"fmt"

	"github.com/anchorstack/custodia/config"
	"github.com/anchorstack/custodia/database"
	"github.com/anchorstack/custodia/model"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// PaymentHandler applies a matched custody payment to its transaction.
// OnReceived handles incoming kinds (withdrawal, receive) where the ledger
// sends funds to the anchor; OnSent handles outgoing deposits.
type PaymentHandler interface {
	OnReceived(ctx context.Context, txn *model.CustodyTransaction, payment *model.CustodyPayment) error
	OnSent(ctx context.Context, txn *model.CustodyTransaction, payment *model.CustodyPayment) error
}

// baseHandler carries the validation and state-transition logic shared by
// every protocol handler. Asset and amount mismatches are expected outcomes,
// not failures: they annotate the payment and leave the transaction alone.
type baseHandler struct {
	datasource database.IDataSource
	notifier   StateNotifier
	conf       *config.Configuration
}

// validate checks the payment against the transaction it matched. A false
// return means the state transition must not happen; the reason has been
// written onto the payment for the audit trail.
func (h *baseHandler) validate(txn *model.CustodyTransaction, payment *model.CustodyPayment, incoming bool) bool {
	if payment.AssetName != txn.Asset {
		payment.Message = fmt.Sprintf("payment asset %s does not match the expected asset %s", payment.AssetName, txn.Asset)
		logrus.Warnf("transaction %s: %s", txn.TransactionID, payment.Message)
		return false
	}

	if incoming {
		paid, err := payment.AmountDecimal()
		if err != nil {
			payment.Message = fmt.Sprintf("payment amount %q is not a valid decimal", payment.Amount)
			return false
		}
		expected, err := txn.AmountDecimal()
		if err != nil {
			payment.Message = fmt.Sprintf("expected amount %q is not a valid decimal", txn.Amount)
			return false
		}
		fee, err := txn.FeeDecimal()
		if err != nil {
			payment.Message = fmt.Sprintf("transaction fee %q is not a valid decimal", txn.Fee)
			return false
		}
		if paid.LessThan(expected.Sub(fee)) {
			payment.Message = fmt.Sprintf("payment amount %s is less than the expected amount %s minus fee %s",
				payment.Amount, txn.Amount, txn.Fee)
			logrus.Warnf("transaction %s: %s", txn.TransactionID, payment.Message)
			return false
		}
	}
	return true
}

// fail moves the transaction to failed and notifies the protocol layer. A
// transaction already in a terminal state absorbs the event silently.
func (h *baseHandler) fail(ctx context.Context, txn *model.CustodyTransaction, message string) error {
	if !txn.CanTransitionTo(model.StatusFailed) {
		logrus.Infof("transaction %s is already %s, ignoring failure event", txn.TransactionID, txn.Status)
		return nil
	}
	txn.Status = model.StatusFailed
	if err := h.datasource.UpdateCustodyTransaction(ctx, txn); err != nil {
		return err
	}
	return h.notifier.NotifyTransactionError(ctx, txn.TransactionID, message)
}

// complete moves the transaction to completed and persists it under the
// optimistic version check.
func (h *baseHandler) complete(ctx context.Context, txn *model.CustodyTransaction) (bool, error) {
	if !txn.CanTransitionTo(model.StatusCompleted) {
		logrus.Infof("transaction %s is already %s, ignoring payment re-delivery", txn.TransactionID, txn.Status)
		return false, nil
	}
	txn.Status = model.StatusCompleted
	if err := h.datasource.UpdateCustodyTransaction(ctx, txn); err != nil {
		return false, err
	}
	return true, nil
}

// onRefund handles a refund payment matched to its parent transaction.
// Refunds arrive after the transaction reached a terminal state and only add
// bookkeeping; they never reopen the lifecycle.
func (h *baseHandler) onRefund(ctx context.Context, txn *model.CustodyTransaction, payment *model.CustodyPayment) error {
	if payment.AssetName != txn.Asset {
		payment.Message = fmt.Sprintf("refund asset %s does not match the expected asset %s", payment.AssetName, txn.Asset)
		logrus.Warnf("transaction %s: %s", txn.TransactionID, payment.Message)
		return nil
	}
	paymentsSentCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("asset", payment.AssetName)))
	return h.notifier.NotifyRefundSent(ctx, txn.TransactionID, payment.TxHash, payment.Amount, txn.Fee, payment.AssetName)
}

func (h *baseHandler) onReceived(ctx context.Context, txn *model.CustodyTransaction, payment *model.CustodyPayment) error {
	if !payment.Succeeded() {
		return h.fail(ctx, txn, payment.Message)
	}
	if payment.Type == model.PaymentTypeRefund {
		return h.onRefund(ctx, txn, payment)
	}
	if !h.validate(txn, payment, true) {
		return nil
	}

	transitioned, err := h.complete(ctx, txn)
	if err != nil {
		return err
	}
	if !transitioned {
		return nil
	}

	paymentsReceivedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("asset", payment.AssetName)))
	return h.notifier.NotifyOnchainFundsReceived(ctx, txn.TransactionID, payment.TxHash, payment.Amount, h.conf.Messages.FundsReceived)
}

func (h *baseHandler) onSent(ctx context.Context, txn *model.CustodyTransaction, payment *model.CustodyPayment) error {
	if !payment.Succeeded() {
		return h.fail(ctx, txn, payment.Message)
	}
	if payment.Type == model.PaymentTypeRefund {
		return h.onRefund(ctx, txn, payment)
	}
	if !h.validate(txn, payment, false) {
		return nil
	}

	transitioned, err := h.complete(ctx, txn)
	if err != nil {
		return err
	}
	if !transitioned {
		return nil
	}

	paymentsSentCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("asset", payment.AssetName)))
	return h.notifier.NotifyOnchainFundsSent(ctx, txn.TransactionID, payment.TxHash, h.conf.Messages.FundsSent)
}

// InteractiveFlowHandler serves the bidirectional deposit/withdrawal
// protocols (SEP-6 and SEP-24).
type InteractiveFlowHandler struct {
	baseHandler
}

// NewInteractiveFlowHandler builds the handler for bidirectional flows.
func NewInteractiveFlowHandler(db database.IDataSource, notifier StateNotifier, conf *config.Configuration) *InteractiveFlowHandler {
	return &InteractiveFlowHandler{baseHandler{datasource: db, notifier: notifier, conf: conf}}
}

func (h *InteractiveFlowHandler) OnReceived(ctx context.Context, txn *model.CustodyTransaction, payment *model.CustodyPayment) error {
	return h.onReceived(ctx, txn, payment)
}

func (h *InteractiveFlowHandler) OnSent(ctx context.Context, txn *model.CustodyTransaction, payment *model.CustodyPayment) error {
	return h.onSent(ctx, txn, payment)
}

// ReceiveOnlyHandler serves the receive-only cross-border protocol
// (SEP-31). Outgoing payments are not part of that protocol and are
// ignored.
type ReceiveOnlyHandler struct {
	baseHandler
}

// NewReceiveOnlyHandler builds the handler for receive-only flows.
func NewReceiveOnlyHandler(db database.IDataSource, notifier StateNotifier, conf *config.Configuration) *ReceiveOnlyHandler {
	return &ReceiveOnlyHandler{baseHandler{datasource: db, notifier: notifier, conf: conf}}
}

func (h *ReceiveOnlyHandler) OnReceived(ctx context.Context, txn *model.CustodyTransaction, payment *model.CustodyPayment) error {
	return h.onReceived(ctx, txn, payment)
}

func (h *ReceiveOnlyHandler) OnSent(ctx context.Context, txn *model.CustodyTransaction, payment *model.CustodyPayment) error {
	logrus.Warnf("outgoing payments are not supported for receive-only transactions, ignoring %s", payment.PaymentID)
	return nil
}
