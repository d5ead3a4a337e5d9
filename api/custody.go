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

package api

import (
	"encoding/json"
	"net/http"

	model2 "github.com/anchorstack/custodia/api/model"
	"github.com/anchorstack/custodia/config"
	"github.com/anchorstack/custodia/internal/apierror"
	"github.com/anchorstack/custodia/provider"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ReceiveCustodyWebhook ingests a signed webhook from the custody provider.
// A missing signature header is the caller's fault and returns 400; a
// signature that is present but invalid returns 200 with the event
// discarded, so the provider does not re-deliver attacker-rejected payloads
// forever.
func (a Api) ReceiveCustodyWebhook(c *gin.Context) {
	conf, err := config.Fetch()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "configuration unavailable"})
		return
	}

	rawBody, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not read request body"})
		return
	}

	signature := c.GetHeader(conf.Custody.SignatureHeader)
	ok, err := a.custodia.VerifyWebhookSignature(rawBody, signature)
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": "missing signature header"})
		return
	}
	if !ok {
		// Accepted at the HTTP layer, discarded internally.
		c.JSON(http.StatusOK, gin.H{"status": "accepted"})
		return
	}

	var event provider.WebhookEvent
	if err := json.Unmarshal(rawBody, &event); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed webhook body"})
		return
	}

	if err := a.custodia.ProcessWebhookEvent(c.Request.Context(), &event); err != nil {
		logrus.Errorf("failed to process webhook %s: %v", event.ID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "event processing failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}

// CreateCustodyTransaction registers the custody-side record of a protocol
// transaction.
func (a Api) CreateCustodyTransaction(c *gin.Context) {
	var req model2.CreateCustodyTransaction
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := req.ValidateCreateCustodyTransaction(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	txn, err := a.custodia.CreateCustodyTransaction(c.Request.Context(), req.ToCustodyTransaction())
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, txn)
}

// GetCustodyTransaction returns a custody transaction by id.
func (a Api) GetCustodyTransaction(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	txn, err := a.custodia.GetCustodyTransaction(c.Request.Context(), id)
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, txn)
}

// SubmitCustodyTransaction hands the transaction to the custody provider
// for signing and on-chain submission.
func (a Api) SubmitCustodyTransaction(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	txn, err := a.custodia.SubmitCustodyTransaction(c.Request.Context(), id)
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, txn)
}

// RefundCustodyTransaction initiates a refund against a transaction's
// provider record.
func (a Api) RefundCustodyTransaction(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	var req model2.CreateRefund
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := req.ValidateCreateRefund(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := a.custodia.CreateRefundPayment(c.Request.Context(), id, req.Amount); err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "refund initiated"})
}

// GetCustodyPayments returns the payment audit trail of a transaction.
func (a Api) GetCustodyPayments(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	txn, err := a.custodia.GetCustodyTransaction(c.Request.Context(), id)
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}
	if txn.ExternalTxID == "" {
		c.JSON(http.StatusOK, []interface{}{})
		return
	}

	payments, err := a.custodia.GetCustodyPayments(c.Request.Context(), txn.ExternalTxID)
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, payments)
}

// ListPendingTrust returns the accounts still waiting for an asset
// trustline.
func (a Api) ListPendingTrust(c *gin.Context) {
	records, err := a.custodia.GetPendingTrustRecords(c.Request.Context())
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}
	if records == nil {
		c.JSON(http.StatusOK, []interface{}{})
		return
	}
	c.JSON(http.StatusOK, records)
}

// GenerateDepositAddress provisions a custody receiving address and adds it
// to the ledger observer's tracked set.
func (a Api) GenerateDepositAddress(c *gin.Context) {
	var req model2.GenerateDepositAddress
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := req.ValidateGenerateDepositAddress(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	address, err := a.custodia.GenerateDepositAddress(c.Request.Context(), req.AssetID)
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, address)
}
