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

package horizon

import "time"

// Operation types surfaced by the ledger that move funds into custody
// accounts. Everything else on the payments endpoint is ignored.
const (
	OperationTypePayment           = "payment"
	OperationTypePathPaymentStrict = "path_payment_strict_receive"

	AssetTypeNative = "native"
)

// Balance is one asset line on a ledger account.
type Balance struct {
	AssetType   string `json:"asset_type"`
	AssetCode   string `json:"asset_code"`
	AssetIssuer string `json:"asset_issuer"`
	Balance     string `json:"balance"`
}

// Account is the ledger view of a Stellar account.
type Account struct {
	AccountID string    `json:"account_id"`
	Sequence  string    `json:"sequence"`
	Balances  []Balance `json:"balances"`
}

// HasTrustline reports whether the account holds a trustline for the given
// issued asset. Native XLM needs no trustline.
func (a *Account) HasTrustline(code, issuer string) bool {
	for _, b := range a.Balances {
		if b.AssetType == AssetTypeNative {
			continue
		}
		if b.AssetCode == code && b.AssetIssuer == issuer {
			return true
		}
	}
	return false
}

// Transaction is the ledger view of a submitted transaction.
type Transaction struct {
	ID          string    `json:"id"`
	Hash        string    `json:"hash"`
	Successful  bool      `json:"successful"`
	Ledger      int64     `json:"ledger"`
	Memo        string    `json:"memo"`
	MemoType    string    `json:"memo_type"`
	EnvelopeXdr string    `json:"envelope_xdr"`
	CreatedAt   time.Time `json:"created_at"`
}

// Operation is one effect within a ledger transaction, as returned by the
// payments and operations endpoints.
type Operation struct {
	ID                    string    `json:"id"`
	PagingToken           string    `json:"paging_token"`
	Type                  string    `json:"type"`
	TransactionHash       string    `json:"transaction_hash"`
	TransactionSuccessful bool      `json:"transaction_successful"`
	SourceAccount         string    `json:"source_account"`
	From                  string    `json:"from"`
	To                    string    `json:"to"`
	Amount                string    `json:"amount"`
	AssetType             string    `json:"asset_type"`
	AssetCode             string    `json:"asset_code"`
	AssetIssuer           string    `json:"asset_issuer"`
	CreatedAt             time.Time `json:"created_at"`
}

// Payment reports whether the operation is one of the fund-moving types the
// ledger observer cares about.
func (o *Operation) Payment() bool {
	return o.Type == OperationTypePayment || o.Type == OperationTypePathPaymentStrict
}

type operationPage struct {
	Embedded struct {
		Records []Operation `json:"records"`
	} `json:"_embedded"`
}
