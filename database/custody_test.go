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

package database

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/anchorstack/custodia/internal/apierror"
	"github.com/anchorstack/custodia/model"
	"github.com/stretchr/testify/assert"
)

var custodyColumns = []string{
	"transaction_id", "external_tx_id", "status", "protocol", "kind",
	"from_account", "to_account", "amount", "fee", "asset",
	"memo", "memo_type", "reconciliation_attempts", "version", "created_at", "updated_at",
}

func custodyRow(txn *model.CustodyTransaction) *sqlmock.Rows {
	return sqlmock.NewRows(custodyColumns).AddRow(
		txn.TransactionID, txn.ExternalTxID, txn.Status, txn.Protocol, txn.Kind,
		txn.FromAccount, txn.ToAccount, txn.Amount, txn.Fee, txn.Asset,
		txn.Memo, txn.MemoType, txn.ReconciliationAttempts, txn.Version, txn.CreatedAt, txn.UpdatedAt,
	)
}

func sampleTransaction() *model.CustodyTransaction {
	return &model.CustodyTransaction{
		TransactionID: "txn_6164573b-6cc8-45a4-ad2e-7b4ba6a08414",
		ExternalTxID:  "ext_01",
		Status:        model.StatusSubmitted,
		Protocol:      model.ProtocolSep24,
		Kind:          model.KindWithdrawal,
		ToAccount:     "GB3EUS5RUCKA7WAZMR2MIXYGEVETQRBYWLSKNSXZBASMXIWIQVA3CW2F",
		Amount:        "100",
		Asset:         "USDC:GA5ZSEJYB37JRC5AVCIA5MOP4RHTM335X2KGX3IHOJAPP5RE34K4KZVV",
		Memo:          "12345",
		MemoType:      "id",
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
}

func TestRecordCustodyTransaction_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	ctx := context.TODO()
	txn := sampleTransaction()

	mock.ExpectExec("INSERT INTO custodia.custody_transactions").
		WillReturnResult(sqlmock.NewResult(1, 1))

	saved, err := ds.RecordCustodyTransaction(ctx, txn)
	assert.NoError(t, err)
	assert.Equal(t, txn.TransactionID, saved.TransactionID)
}

func TestRecordCustodyTransaction_Idempotent(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	ctx := context.TODO()
	txn := sampleTransaction()

	// Conflicting insert affects zero rows and falls back to a read.
	mock.ExpectExec("INSERT INTO custodia.custody_transactions").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT (.+) FROM custodia.custody_transactions").
		WithArgs(txn.TransactionID).
		WillReturnRows(custodyRow(txn))

	saved, err := ds.RecordCustodyTransaction(ctx, txn)
	assert.NoError(t, err)
	assert.Equal(t, txn.ExternalTxID, saved.ExternalTxID)
}

func TestGetCustodyTransactionByExternalID_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	ctx := context.TODO()

	mock.ExpectQuery("SELECT (.+) FROM custodia.custody_transactions").
		WithArgs("ext_missing").
		WillReturnError(sql.ErrNoRows)

	_, err = ds.GetCustodyTransactionByExternalID(ctx, "ext_missing")
	assert.Error(t, err)
	assert.Equal(t, apierror.ErrNotFound, err.(apierror.APIError).Code)
}

func TestGetCustodyTransactionByToAccountAndMemo(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	ctx := context.TODO()
	txn := sampleTransaction()

	mock.ExpectQuery("SELECT (.+) FROM custodia.custody_transactions").
		WithArgs(txn.ToAccount, txn.Memo, model.StatusCreated, model.StatusSubmitted).
		WillReturnRows(custodyRow(txn))

	found, err := ds.GetCustodyTransactionByToAccountAndMemo(ctx, txn.ToAccount, txn.Memo)
	assert.NoError(t, err)
	assert.Equal(t, txn.TransactionID, found.TransactionID)
}

func TestGetSubmittedWithExternalID(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	ctx := context.TODO()
	txn := sampleTransaction()

	mock.ExpectQuery("SELECT (.+) FROM custodia.custody_transactions").
		WithArgs(model.StatusSubmitted).
		WillReturnRows(custodyRow(txn))

	txns, err := ds.GetSubmittedWithExternalID(ctx)
	assert.NoError(t, err)
	assert.Len(t, txns, 1)
	assert.Equal(t, "ext_01", txns[0].ExternalTxID)
}

func TestUpdateCustodyTransaction_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	ctx := context.TODO()
	txn := sampleTransaction()
	txn.Status = model.StatusCompleted
	txn.Version = 2

	mock.ExpectExec("UPDATE custodia.custody_transactions").
		WithArgs(txn.TransactionID, txn.Status, txn.Fee, txn.ReconciliationAttempts, int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = ds.UpdateCustodyTransaction(ctx, txn)
	assert.NoError(t, err)
	assert.Equal(t, int64(3), txn.Version, "version is bumped locally after a successful update")
}

func TestUpdateCustodyTransaction_VersionConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	ctx := context.TODO()
	txn := sampleTransaction()

	mock.ExpectExec("UPDATE custodia.custody_transactions").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = ds.UpdateCustodyTransaction(ctx, txn)
	assert.Error(t, err)
	assert.Equal(t, apierror.ErrConflict, err.(apierror.APIError).Code)
}

func TestSetExternalTxID(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	ctx := context.TODO()

	mock.ExpectExec("UPDATE custodia.custody_transactions").
		WithArgs("txn_1", "ext_9").
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, ds.SetExternalTxID(ctx, "txn_1", "ext_9"))

	// A second backfill attempt hits zero rows: the id is immutable once set.
	mock.ExpectExec("UPDATE custodia.custody_transactions").
		WithArgs("txn_1", "ext_10").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = ds.SetExternalTxID(ctx, "txn_1", "ext_10")
	assert.Error(t, err)
	assert.Equal(t, apierror.ErrConflict, err.(apierror.APIError).Code)
}

func TestRecordCustodyTransaction_Fail(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	ctx := context.TODO()

	mock.ExpectExec("INSERT INTO custodia.custody_transactions").
		WillReturnError(fmt.Errorf("failed to insert"))

	_, err = ds.RecordCustodyTransaction(ctx, sampleTransaction())
	assert.Error(t, err)
	assert.Equal(t, apierror.ErrInternalServer, err.(apierror.APIError).Code)
}
