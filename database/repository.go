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

	"github.com/anchorstack/custodia/model"
)

// IDataSource defines the interface for data source operations, grouping related functionalities.
type IDataSource interface {
	custodyTransaction // Custody transaction records
	custodyPayment     // Payment audit log
	pendingTrust       // Pending-trust records
	observerCursor     // Ledger observer resumption cursor
}

// custodyTransaction defines methods for handling custody transactions.
type custodyTransaction interface {
	RecordCustodyTransaction(ctx context.Context, txn *model.CustodyTransaction) (*model.CustodyTransaction, error)      // Records a new custody transaction, idempotent on transaction id
	GetCustodyTransaction(ctx context.Context, id string) (*model.CustodyTransaction, error)                             // Retrieves a custody transaction by its protocol transaction id
	GetCustodyTransactionByExternalID(ctx context.Context, externalID string) (*model.CustodyTransaction, error)         // Retrieves a custody transaction by provider-assigned id
	GetCustodyTransactionByToAccountAndMemo(ctx context.Context, toAccount, memo string) (*model.CustodyTransaction, error) // Retrieves the newest non-terminal transaction matching (to-account, memo)
	GetSubmittedWithExternalID(ctx context.Context) ([]*model.CustodyTransaction, error)                                  // Retrieves submitted transactions that have a provider id, for reconciliation
	UpdateCustodyTransaction(ctx context.Context, txn *model.CustodyTransaction) error                                    // Read-modify-write update with a version check
	SetExternalTxID(ctx context.Context, transactionID, externalID string) error                                          // Backfills the provider id onto a matched record, once
}

// custodyPayment defines methods for the payment audit log.
type custodyPayment interface {
	RecordCustodyPayment(ctx context.Context, payment *model.CustodyPayment) (*model.CustodyPayment, error) // Records a normalized payment for audit
	CustodyPaymentExists(ctx context.Context, paymentID string) (bool, error)                               // Checks whether a provider payment id was already recorded
	GetCustodyPaymentsByExternalID(ctx context.Context, externalID string) ([]*model.CustodyPayment, error) // Retrieves the audit trail for a provider transaction id
}

// pendingTrust defines methods for trustline bookkeeping.
type pendingTrust interface {
	RecordPendingTrust(ctx context.Context, rec *model.TransactionPendingTrust) error // Records an account+asset pair awaiting a trustline
	GetAllPendingTrust(ctx context.Context) ([]*model.TransactionPendingTrust, error) // Retrieves all pending-trust records
	IncrementPendingTrustCount(ctx context.Context, id int64) error                   // Bumps the poll-attempt counter
	DeletePendingTrust(ctx context.Context, id int64) error                           // Removes a record on success or timeout
}

// observerCursor defines methods for the ledger observer's durable cursor.
type observerCursor interface {
	SaveObserverCursor(ctx context.Context, name, cursor string) error // Upserts the last-processed ledger position
	GetObserverCursor(ctx context.Context, name string) (string, error) // Loads the persisted cursor, empty when none
	GetObserverCursorNames(ctx context.Context) ([]string, error)       // Lists all persisted stream names, for restart recovery
}
