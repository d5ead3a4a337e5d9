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
package model

import (
	"fmt"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/shopspring/decimal"
)

// Status constants for the custody-side lifecycle of a transaction. Status
// only moves forward: created -> submitted -> {completed, failed}.
const (
	StatusCreated   = "created"
	StatusSubmitted = "submitted"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Protocol tags for the SEP the owning transaction belongs to.
const (
	ProtocolSep6  = "6"
	ProtocolSep24 = "24"
	ProtocolSep31 = "31"
)

// Kind constants describing the direction of a custody transaction.
// Withdrawals and receives are incoming (the ledger sends funds to the
// anchor); deposits are outgoing.
const (
	KindDeposit    = "deposit"
	KindWithdrawal = "withdrawal"
	KindReceive    = "receive"
)

// Payment type and status constants for normalized custody payments.
const (
	PaymentTypePayment = "payment"
	PaymentTypeRefund  = "refund"

	PaymentStatusSuccess = "success"
	PaymentStatusError   = "error"
)

// AssetNative is the canonical name for the chain-native asset (XLM).
const AssetNative = "native"

// CustodyTransaction is the custody-side shadow of a protocol transaction.
// TransactionID matches the owning protocol transaction id; ExternalTxID is
// assigned once the custody provider accepts the request and is immutable
// after that. Version backs the optimistic per-row locking at the store
// layer.
type CustodyTransaction struct {
	ID                     int64     `json:"-"`
	TransactionID          string    `json:"id"`
	ExternalTxID           string    `json:"external_tx_id,omitempty"`
	Status                 string    `json:"status"`
	Protocol               string    `json:"protocol"`
	Kind                   string    `json:"kind"`
	FromAccount            string    `json:"from_account,omitempty"`
	ToAccount              string    `json:"to_account,omitempty"`
	Amount                 string    `json:"amount"`
	Fee                    string    `json:"fee,omitempty"`
	Asset                  string    `json:"asset"`
	Memo                   string    `json:"memo,omitempty"`
	MemoType               string    `json:"memo_type,omitempty"`
	ReconciliationAttempts int       `json:"reconciliation_attempts"`
	Version                int64     `json:"-"`
	CreatedAt              time.Time `json:"created_at"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// Validate checks the structural invariants of a custody transaction before
// it is persisted.
func (t *CustodyTransaction) Validate() error {
	return validation.ValidateStruct(t,
		validation.Field(&t.TransactionID, validation.Required),
		validation.Field(&t.Status, validation.Required, validation.In(StatusCreated, StatusSubmitted, StatusCompleted, StatusFailed)),
		validation.Field(&t.Protocol, validation.Required, validation.In(ProtocolSep6, ProtocolSep24, ProtocolSep31)),
		validation.Field(&t.Kind, validation.Required, validation.In(KindDeposit, KindWithdrawal, KindReceive)),
		validation.Field(&t.Amount, validation.Required, validation.By(validDecimal)),
		validation.Field(&t.Asset, validation.Required),
	)
}

func validDecimal(value interface{}) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	if _, err := decimal.NewFromString(s); err != nil {
		return fmt.Errorf("%q is not a valid amount", s)
	}
	return nil
}

// IsTerminal reports whether the transaction has reached a terminal status.
func (t *CustodyTransaction) IsTerminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusFailed
}

// CanTransitionTo reports whether moving to the given status respects the
// forward-only lifecycle. Terminal states accept no further transitions and
// a transaction can never move back to created.
func (t *CustodyTransaction) CanTransitionTo(status string) bool {
	if t.IsTerminal() {
		return false
	}
	switch t.Status {
	case StatusCreated:
		return status == StatusSubmitted || status == StatusCompleted || status == StatusFailed
	case StatusSubmitted:
		return status == StatusCompleted || status == StatusFailed
	}
	return false
}

// Incoming reports whether the ledger sends funds to the anchor for this
// transaction kind.
func (t *CustodyTransaction) Incoming() bool {
	return t.Kind == KindWithdrawal || t.Kind == KindReceive
}

// AmountDecimal parses the transaction amount. A zero decimal is returned
// for an empty amount.
func (t *CustodyTransaction) AmountDecimal() (decimal.Decimal, error) {
	if t.Amount == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(t.Amount)
}

// FeeDecimal parses the fee actually charged on the transaction.
func (t *CustodyTransaction) FeeDecimal() (decimal.Decimal, error) {
	if t.Fee == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(t.Fee)
}

// CustodyPayment is the normalized representation of a single observed
// on-chain movement, regardless of which source produced it (webhook,
// reconciliation poll or ledger observation).
type CustodyPayment struct {
	ID           int64     `json:"-"`
	PaymentID    string    `json:"payment_id"`
	ExternalTxID string    `json:"external_tx_id,omitempty"`
	Type         string    `json:"type"`
	FromAccount  string    `json:"from_account,omitempty"`
	ToAccount    string    `json:"to_account,omitempty"`
	Amount       string    `json:"amount"`
	AssetType    string    `json:"asset_type,omitempty"`
	AssetCode    string    `json:"asset_code,omitempty"`
	AssetIssuer  string    `json:"asset_issuer,omitempty"`
	AssetName    string    `json:"asset_name"`
	Status       string    `json:"status"`
	Message      string    `json:"message,omitempty"`
	TxHash       string    `json:"tx_hash,omitempty"`
	TxMemo       string    `json:"tx_memo,omitempty"`
	TxMemoType   string    `json:"tx_memo_type,omitempty"`
	TxEnvelope   string    `json:"tx_envelope,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// AmountDecimal parses the payment amount.
func (p *CustodyPayment) AmountDecimal() (decimal.Decimal, error) {
	if p.Amount == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(p.Amount)
}

// Succeeded reports whether the payment reached the ledger successfully.
func (p *CustodyPayment) Succeeded() bool {
	return p.Status == PaymentStatusSuccess
}

// TransactionPendingTrust tracks an account and asset pair awaiting a
// trustline before a blocked custody payment can be delivered. The record is
// deleted on success or on timeout.
type TransactionPendingTrust struct {
	ID            int64     `json:"-"`
	TransactionID string    `json:"transaction_id"`
	Account       string    `json:"account"`
	AssetCode     string    `json:"asset_code"`
	AssetIssuer   string    `json:"asset_issuer"`
	Count         int       `json:"count"`
	CreatedAt     time.Time `json:"created_at"`
}

// TimedOut reports whether the record has waited longer than the configured
// trustline timeout.
func (p *TransactionPendingTrust) TimedOut(timeout time.Duration, now time.Time) bool {
	return now.Sub(p.CreatedAt) >= timeout
}

// ObserverCursor is the durable resumption point of the ledger observer.
type ObserverCursor struct {
	Name      string    `json:"name"`
	Cursor    string    `json:"cursor"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AssetName normalizes native and issued assets into one canonical
// asset-name string: "native" for the chain-native asset, otherwise
// "CODE:ISSUER".
func AssetName(assetType, code, issuer string) string {
	if assetType == "native" || (code == "" && issuer == "") {
		return AssetNative
	}
	return fmt.Sprintf("%s:%s", code, issuer)
}
