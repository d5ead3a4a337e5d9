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
	"github.com/anchorstack/custodia/model"
	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// CreateCustodyTransaction is the request body for registering the
// custody-side shadow of a protocol transaction.
type CreateCustodyTransaction struct {
	TransactionID string `json:"id"`
	Protocol      string `json:"protocol"`
	Kind          string `json:"kind"`
	FromAccount   string `json:"from_account"`
	ToAccount     string `json:"to_account"`
	Amount        string `json:"amount"`
	Asset         string `json:"asset"`
	Memo          string `json:"memo"`
	MemoType      string `json:"memo_type"`
}

func (r *CreateCustodyTransaction) ValidateCreateCustodyTransaction() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.TransactionID, validation.Required),
		validation.Field(&r.Protocol, validation.Required, validation.In(model.ProtocolSep6, model.ProtocolSep24, model.ProtocolSep31)),
		validation.Field(&r.Kind, validation.Required, validation.In(model.KindDeposit, model.KindWithdrawal, model.KindReceive)),
		validation.Field(&r.Amount, validation.Required),
		validation.Field(&r.Asset, validation.Required),
	)
}

// ToCustodyTransaction converts the request to the persistence model.
func (r *CreateCustodyTransaction) ToCustodyTransaction() *model.CustodyTransaction {
	return &model.CustodyTransaction{
		TransactionID: r.TransactionID,
		Status:        model.StatusCreated,
		Protocol:      r.Protocol,
		Kind:          r.Kind,
		FromAccount:   r.FromAccount,
		ToAccount:     r.ToAccount,
		Amount:        r.Amount,
		Asset:         r.Asset,
		Memo:          r.Memo,
		MemoType:      r.MemoType,
	}
}

// CreateRefund is the request body for refunding a completed custody
// transaction.
type CreateRefund struct {
	Amount string `json:"amount"`
}

func (r *CreateRefund) ValidateCreateRefund() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.Amount, validation.Required),
	)
}

// GenerateDepositAddress is the request body for provisioning a custody
// receiving address.
type GenerateDepositAddress struct {
	AssetID string `json:"asset_id"`
}

func (r *GenerateDepositAddress) ValidateGenerateDepositAddress() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.AssetID, validation.Required),
	)
}
