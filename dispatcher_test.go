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
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/anchorstack/custodia/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var custodyTxnColumns = []string{
	"transaction_id", "external_tx_id", "status", "protocol", "kind",
	"from_account", "to_account", "amount", "fee", "asset",
	"memo", "memo_type", "reconciliation_attempts", "version", "created_at", "updated_at",
}

func custodyTxnRow(txn *model.CustodyTransaction) *sqlmock.Rows {
	return sqlmock.NewRows(custodyTxnColumns).AddRow(
		txn.TransactionID, txn.ExternalTxID, txn.Status, txn.Protocol, txn.Kind,
		txn.FromAccount, txn.ToAccount, txn.Amount, txn.Fee, txn.Asset,
		txn.Memo, txn.MemoType, txn.ReconciliationAttempts, txn.Version, txn.CreatedAt, txn.UpdatedAt,
	)
}

func submittedWithdrawal() *model.CustodyTransaction {
	return &model.CustodyTransaction{
		TransactionID: "txn_7b3f2a10-1f7e-4a5e-b7a0-12e6f1f2b001",
		ExternalTxID:  "ext_01",
		Status:        model.StatusSubmitted,
		Protocol:      model.ProtocolSep24,
		Kind:          model.KindWithdrawal,
		ToAccount:     "GB3EUS5RUCKA7WAZMR2MIXYGEVETQRBYWLSKNSXZBASMXIWIQVA3CW2F",
		Amount:        "100",
		Asset:         "USDC:GAISSUER",
		Memo:          "12345",
		MemoType:      "id",
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
}

func successPayment(txn *model.CustodyTransaction) *model.CustodyPayment {
	return &model.CustodyPayment{
		PaymentID:    "pay_01",
		ExternalTxID: txn.ExternalTxID,
		Type:         model.PaymentTypePayment,
		ToAccount:    txn.ToAccount,
		Amount:       txn.Amount,
		AssetName:    txn.Asset,
		Status:       model.PaymentStatusSuccess,
		TxHash:       "hash_1",
		TxMemo:       txn.Memo,
		TxMemoType:   txn.MemoType,
		CreatedAt:    time.Now(),
	}
}

func TestApplyPayment_CompletesWithdrawal(t *testing.T) {
	custodia, mock, notifier := newTestCustodia(t)
	txn := submittedWithdrawal()
	payment := successPayment(txn)

	mock.ExpectQuery("SELECT EXISTS").WithArgs(payment.PaymentID).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery("SELECT (.+) FROM custodia.custody_transactions").
		WithArgs(txn.ExternalTxID).
		WillReturnRows(custodyTxnRow(txn))
	mock.ExpectExec("UPDATE custodia.custody_transactions").
		WithArgs(txn.TransactionID, model.StatusCompleted, txn.Fee, txn.ReconciliationAttempts, int64(0)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO custodia.custody_payments").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := custodia.ApplyPayment(context.Background(), payment)
	require.NoError(t, err)

	received := notifier.byEvent(EventOnchainFundsReceived)
	require.Len(t, received, 1, "funds-received must be notified exactly once")
	assert.Equal(t, txn.TransactionID, received[0].TxnID)
	assert.Equal(t, "hash_1", received[0].TxHash)
	assert.Equal(t, "100", received[0].Amount)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyPayment_DuplicateDeliveryIsNoop(t *testing.T) {
	custodia, mock, notifier := newTestCustodia(t)
	payment := successPayment(submittedWithdrawal())

	mock.ExpectQuery("SELECT EXISTS").WithArgs(payment.PaymentID).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	err := custodia.ApplyPayment(context.Background(), payment)
	require.NoError(t, err)
	assert.Empty(t, notifier.calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyPayment_AssetMismatchLeavesTransactionAlone(t *testing.T) {
	custodia, mock, notifier := newTestCustodia(t)
	txn := submittedWithdrawal()
	payment := successPayment(txn)
	payment.AssetName = "EUR:GAOTHER"

	mock.ExpectQuery("SELECT EXISTS").WithArgs(payment.PaymentID).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery("SELECT (.+) FROM custodia.custody_transactions").
		WithArgs(txn.ExternalTxID).
		WillReturnRows(custodyTxnRow(txn))
	// No UPDATE: the transaction stays submitted. The payment is still
	// recorded for the audit trail, carrying the mismatch message.
	mock.ExpectExec("INSERT INTO custodia.custody_payments").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := custodia.ApplyPayment(context.Background(), payment)
	require.NoError(t, err)
	assert.Contains(t, payment.Message, "does not match the expected asset")
	assert.Empty(t, notifier.calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyPayment_InsufficientAmount(t *testing.T) {
	custodia, mock, notifier := newTestCustodia(t)
	txn := submittedWithdrawal()
	payment := successPayment(txn)
	payment.Amount = "40"

	mock.ExpectQuery("SELECT EXISTS").WithArgs(payment.PaymentID).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery("SELECT (.+) FROM custodia.custody_transactions").
		WithArgs(txn.ExternalTxID).
		WillReturnRows(custodyTxnRow(txn))
	mock.ExpectExec("INSERT INTO custodia.custody_payments").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := custodia.ApplyPayment(context.Background(), payment)
	require.NoError(t, err)
	assert.Contains(t, payment.Message, "less than the expected amount")
	assert.Empty(t, notifier.calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyPayment_ProviderErrorFailsTransaction(t *testing.T) {
	custodia, mock, notifier := newTestCustodia(t)
	txn := submittedWithdrawal()
	payment := successPayment(txn)
	payment.Status = model.PaymentStatusError
	payment.Message = "custody provider reported status FAILED"

	mock.ExpectQuery("SELECT EXISTS").WithArgs(payment.PaymentID).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery("SELECT (.+) FROM custodia.custody_transactions").
		WithArgs(txn.ExternalTxID).
		WillReturnRows(custodyTxnRow(txn))
	mock.ExpectExec("UPDATE custodia.custody_transactions").
		WithArgs(txn.TransactionID, model.StatusFailed, txn.Fee, txn.ReconciliationAttempts, int64(0)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO custodia.custody_payments").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := custodia.ApplyPayment(context.Background(), payment)
	require.NoError(t, err)

	failures := notifier.byEvent(EventTransactionError)
	require.Len(t, failures, 1)
	assert.Equal(t, payment.Message, failures[0].Message)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyPayment_MemoFallbackBackfillsExternalID(t *testing.T) {
	custodia, mock, notifier := newTestCustodia(t)
	txn := submittedWithdrawal()
	txn.ExternalTxID = ""
	payment := successPayment(txn)
	payment.ExternalTxID = "ext_99"

	mock.ExpectQuery("SELECT EXISTS").WithArgs(payment.PaymentID).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	// External-id lookup misses; the (to-account, memo) fallback matches.
	mock.ExpectQuery("SELECT (.+) FROM custodia.custody_transactions").
		WithArgs("ext_99").
		WillReturnRows(sqlmock.NewRows(custodyTxnColumns))
	mock.ExpectQuery("SELECT (.+) FROM custodia.custody_transactions").
		WithArgs(txn.ToAccount, txn.Memo, model.StatusCreated, model.StatusSubmitted).
		WillReturnRows(custodyTxnRow(txn))
	mock.ExpectExec("UPDATE custodia.custody_transactions").
		WithArgs(txn.TransactionID, "ext_99").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE custodia.custody_transactions").
		WithArgs(txn.TransactionID, model.StatusCompleted, txn.Fee, txn.ReconciliationAttempts, int64(0)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO custodia.custody_payments").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := custodia.ApplyPayment(context.Background(), payment)
	require.NoError(t, err)
	require.Len(t, notifier.byEvent(EventOnchainFundsReceived), 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyPayment_NoMatchDropsPayment(t *testing.T) {
	custodia, mock, notifier := newTestCustodia(t)
	payment := &model.CustodyPayment{
		PaymentID:    "pay_untracked",
		ExternalTxID: "ext_unknown",
		ToAccount:    "GBUNKNOWN",
		TxMemo:       "999",
		Status:       model.PaymentStatusSuccess,
	}

	mock.ExpectQuery("SELECT EXISTS").WithArgs(payment.PaymentID).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery("SELECT (.+) FROM custodia.custody_transactions").
		WithArgs("ext_unknown").
		WillReturnRows(sqlmock.NewRows(custodyTxnColumns))
	mock.ExpectQuery("SELECT (.+) FROM custodia.custody_transactions").
		WithArgs("GBUNKNOWN", "999", model.StatusCreated, model.StatusSubmitted).
		WillReturnRows(sqlmock.NewRows(custodyTxnColumns))
	// Dropped, but still written to the audit trail.
	mock.ExpectExec("INSERT INTO custodia.custody_payments").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := custodia.ApplyPayment(context.Background(), payment)
	require.NoError(t, err)
	assert.Equal(t, "no matching custody transaction", payment.Message)
	assert.Empty(t, notifier.calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyPayment_RefundNotifiesWithoutReopening(t *testing.T) {
	custodia, mock, notifier := newTestCustodia(t)
	txn := submittedWithdrawal()
	txn.Kind = model.KindDeposit
	txn.Status = model.StatusCompleted
	payment := successPayment(txn)
	payment.PaymentID = "pay_refund_1"
	payment.Type = model.PaymentTypeRefund
	payment.ToAccount = "GBPAYER" // refunds pay the payer back
	payment.Amount = "40"

	mock.ExpectQuery("SELECT EXISTS").WithArgs("pay_refund_1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	// The refund carries the parent's external id, so the exact-id match
	// finds the completed transaction.
	mock.ExpectQuery("SELECT (.+) FROM custodia.custody_transactions").
		WithArgs(txn.ExternalTxID).
		WillReturnRows(custodyTxnRow(txn))
	// No UPDATE: the refund never reopens the lifecycle.
	mock.ExpectExec("INSERT INTO custodia.custody_payments").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := custodia.ApplyPayment(context.Background(), payment)
	require.NoError(t, err)

	refunds := notifier.byEvent(EventRefundSent)
	require.Len(t, refunds, 1)
	assert.Equal(t, txn.TransactionID, refunds[0].TxnID)
	assert.Equal(t, "40", refunds[0].Amount)
	assert.Empty(t, notifier.byEvent(EventOnchainFundsSent))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyPayment_DepositRoutesToOnSent(t *testing.T) {
	custodia, mock, notifier := newTestCustodia(t)
	txn := submittedWithdrawal()
	txn.Kind = model.KindDeposit
	payment := successPayment(txn)

	mock.ExpectQuery("SELECT EXISTS").WithArgs(payment.PaymentID).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery("SELECT (.+) FROM custodia.custody_transactions").
		WithArgs(txn.ExternalTxID).
		WillReturnRows(custodyTxnRow(txn))
	mock.ExpectExec("UPDATE custodia.custody_transactions").
		WithArgs(txn.TransactionID, model.StatusCompleted, txn.Fee, txn.ReconciliationAttempts, int64(0)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO custodia.custody_payments").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := custodia.ApplyPayment(context.Background(), payment)
	require.NoError(t, err)
	require.Len(t, notifier.byEvent(EventOnchainFundsSent), 1)
	assert.Empty(t, notifier.byEvent(EventOnchainFundsReceived))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyPayment_UnknownKindIsNoop(t *testing.T) {
	custodia, mock, notifier := newTestCustodia(t)
	txn := submittedWithdrawal()
	txn.Protocol = model.ProtocolSep31
	txn.Kind = model.KindWithdrawal // not a registered combination
	payment := successPayment(txn)

	mock.ExpectQuery("SELECT EXISTS").WithArgs(payment.PaymentID).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery("SELECT (.+) FROM custodia.custody_transactions").
		WithArgs(txn.ExternalTxID).
		WillReturnRows(custodyTxnRow(txn))
	mock.ExpectExec("INSERT INTO custodia.custody_payments").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := custodia.ApplyPayment(context.Background(), payment)
	require.NoError(t, err)
	assert.Empty(t, notifier.calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyPayment_TerminalTransactionAbsorbsRedelivery(t *testing.T) {
	custodia, mock, notifier := newTestCustodia(t)
	txn := submittedWithdrawal()
	txn.Status = model.StatusCompleted
	payment := successPayment(txn)
	payment.PaymentID = "pay_redelivered"

	mock.ExpectQuery("SELECT EXISTS").WithArgs(payment.PaymentID).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	// The fallback match only scans non-terminal rows, so the external-id
	// path is the one that can surface a terminal transaction.
	mock.ExpectQuery("SELECT (.+) FROM custodia.custody_transactions").
		WithArgs(txn.ExternalTxID).
		WillReturnRows(custodyTxnRow(txn))
	mock.ExpectExec("INSERT INTO custodia.custody_payments").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := custodia.ApplyPayment(context.Background(), payment)
	require.NoError(t, err)
	assert.Empty(t, notifier.calls, "a completed transaction must not transition or notify again")
	assert.NoError(t, mock.ExpectationsWereMet())
}
