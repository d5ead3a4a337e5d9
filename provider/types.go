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

package provider

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Provider transaction statuses. Only Completed, Failed and Cancelled are
// terminal; everything else is an intermediate state the reconciliation
// sweep keeps polling through.
const (
	StatusSubmitted        = "SUBMITTED"
	StatusQueued           = "QUEUED"
	StatusPendingSignature = "PENDING_SIGNATURE"
	StatusBroadcasting     = "BROADCASTING"
	StatusConfirming       = "CONFIRMING"
	StatusCompleted        = "COMPLETED"
	StatusFailed           = "FAILED"
	StatusCancelled        = "CANCELLED"
)

// TransactionDetail is the provider's view of a custody transaction, shared
// by webhook payloads and poll responses. A follow-up payment on the
// transaction (a refund) carries its own PaymentID next to the transaction's
// id.
type TransactionDetail struct {
	ID                 string    `json:"id"`
	PaymentID          string    `json:"paymentId"`
	Status             string    `json:"status"`
	AssetID            string    `json:"assetId"`
	Amount             string    `json:"amount"`
	Fee                string    `json:"networkFee"`
	SourceAddress      string    `json:"sourceAddress"`
	DestinationAddress string    `json:"destinationAddress"`
	DestinationTag     string    `json:"destinationTag"`
	TxHash             string    `json:"txHash"`
	Operation          string    `json:"operation"`
	CreatedAt          time.Time `json:"createdAt"`
}

// Terminal reports whether the provider will emit no further status changes
// for this transaction.
func (d *TransactionDetail) Terminal() bool {
	switch strings.ToUpper(d.Status) {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Succeeded reports whether the provider considers the transaction settled.
func (d *TransactionDetail) Succeeded() bool {
	return strings.EqualFold(d.Status, StatusCompleted)
}

// WebhookEvent is the envelope of a provider webhook delivery.
type WebhookEvent struct {
	ID   string            `json:"id"`
	Type string            `json:"type"`
	Data TransactionDetail `json:"data"`
}

// CreateTransactionRequest asks the provider to sign and submit an on-chain
// transaction from custody.
type CreateTransactionRequest struct {
	ExternalTxID       string `json:"externalTxId"`
	AssetID            string `json:"assetId"`
	Amount             string `json:"amount"`
	DestinationAddress string `json:"destinationAddress"`
	DestinationTag     string `json:"destinationTag,omitempty"`
	Note               string `json:"note,omitempty"`
}

// PaymentRequest asks the provider to make a follow-up payment (e.g. a
// refund) against an existing transaction.
type PaymentRequest struct {
	Amount             string `json:"amount"`
	DestinationAddress string `json:"destinationAddress"`
	DestinationTag     string `json:"destinationTag,omitempty"`
	Refund             bool   `json:"refund,omitempty"`
}

// DepositAddress is a provider-generated receiving address for an asset.
type DepositAddress struct {
	Address  string `json:"address"`
	Memo     string `json:"tag"`
	MemoType string `json:"tagType"`
}

// Error is a typed provider API failure. Transient errors (rate limits,
// server errors, timeouts) are retried by the next reconciliation sweep;
// permanent errors are surfaced to the caller.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("custody provider returned %d: %s", e.StatusCode, e.Message)
}

// Transient reports whether the failure is worth retrying on a later sweep.
func (e *Error) Transient() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}
