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
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha512"
	"crypto/x509"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/anchorstack/custodia"
	"github.com/anchorstack/custodia/api/middleware"
	model2 "github.com/anchorstack/custodia/api/model"
	"github.com/anchorstack/custodia/config"
	"github.com/anchorstack/custodia/database"
	"github.com/anchorstack/custodia/model"
	"github.com/anchorstack/custodia/provider"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSignatureHeader = "X-Signature"

// setupTestAPI wires the router over a sqlmock datasource and a miniredis
// instance, returning the webhook signing key so tests can produce valid
// provider signatures.
func setupTestAPI(t *testing.T, secure bool) (*gin.Engine, sqlmock.Sqlmock, *rsa.PrivateKey) {
	t.Helper()

	webhookKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	publicDer, err := x509.MarshalPKIXPublicKey(&webhookKey.PublicKey)
	require.NoError(t, err)
	publicPem := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicDer})

	jwtKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	jwtPem := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(jwtKey),
	})

	mr := miniredis.RunT(t)
	config.MockConfig(&config.Configuration{
		Server: config.ServerConfig{Secure: secure, SecretKey: "test-secret"},
		Redis:  config.RedisConfig{Dns: mr.Addr()},
		Queue: config.QueueConfig{
			PaymentQueue:     "new:payment",
			WebhookQueue:     "new:webhook",
			NumberOfQueues:   2,
			MaxRetryAttempts: 3,
		},
		Custody: config.CustodyConfig{
			BaseURL:          "https://custody.example.com",
			JwtPrivateKey:    string(jwtPem),
			ApiKey:           "api-key",
			WebhookPublicKey: string(publicPem),
			SignatureHeader:  testSignatureHeader,
			RequestTimeout:   5,
		},
		Horizon: config.HorizonConfig{Url: "https://horizon.example.com", RequestTimeout: 5},
		Messages: config.MessagesConfig{
			FundsReceived: "funds received on Stellar network",
			FundsSent:     "funds sent on Stellar network",
		},
	})

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	service, err := custodia.NewCustodia(database.Datasource{Conn: db})
	require.NoError(t, err)

	return NewAPI(service).Router(), mock, webhookKey
}

func signBody(t *testing.T, key *rsa.PrivateKey, body []byte) string {
	t.Helper()
	digest := sha512.Sum512(body)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA512, digest[:])
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(sig)
}

func postWebhook(router *gin.Engine, body []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", "/webhooks/custody", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set(testSignatureHeader, signature)
	}
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func webhookBody(t *testing.T, detail provider.TransactionDetail) []byte {
	t.Helper()
	body, err := json.Marshal(provider.WebhookEvent{
		ID:   "evt_01",
		Type: "TRANSACTION_STATUS_UPDATED",
		Data: detail,
	})
	require.NoError(t, err)
	return body
}

func TestReceiveCustodyWebhook_MissingSignature(t *testing.T) {
	router, _, _ := setupTestAPI(t, false)

	body := webhookBody(t, provider.TransactionDetail{ID: "ext_01", Status: provider.StatusCompleted})
	resp := postWebhook(router, body, "")
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestReceiveCustodyWebhook_InvalidSignatureDiscarded(t *testing.T) {
	router, mock, key := setupTestAPI(t, false)

	body := webhookBody(t, provider.TransactionDetail{ID: "ext_01", Status: provider.StatusCompleted})
	tampered := append([]byte{}, body...)
	signature := signBody(t, key, append(tampered, 'x'))

	resp := postWebhook(router, body, signature)
	assert.Equal(t, http.StatusOK, resp.Code)
	// Nothing reaches the store for a discarded delivery.
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReceiveCustodyWebhook_NonTerminalIgnored(t *testing.T) {
	router, mock, key := setupTestAPI(t, false)

	body := webhookBody(t, provider.TransactionDetail{ID: "ext_01", Status: provider.StatusConfirming})
	resp := postWebhook(router, body, signBody(t, key, body))

	assert.Equal(t, http.StatusOK, resp.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReceiveCustodyWebhook_UnmatchedPaymentDropped(t *testing.T) {
	router, mock, key := setupTestAPI(t, false)

	mock.ExpectQuery("SELECT (.+) FROM custodia.custody_transactions").
		WithArgs("ext_99").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO custodia.custody_payments").
		WillReturnResult(sqlmock.NewResult(1, 1))

	body := webhookBody(t, provider.TransactionDetail{
		ID:      "ext_99",
		Status:  provider.StatusCompleted,
		AssetID: "USDC:GAISSUER",
		Amount:  "50",
	})
	resp := postWebhook(router, body, signBody(t, key, body))

	assert.Equal(t, http.StatusOK, resp.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReceiveCustodyWebhook_DuplicateEventSkipped(t *testing.T) {
	router, mock, key := setupTestAPI(t, false)

	// Only the first delivery reaches the store; the replay is stopped by
	// the event-id marker before any matching happens.
	mock.ExpectQuery("SELECT (.+) FROM custodia.custody_transactions").
		WithArgs("ext_99").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO custodia.custody_payments").
		WillReturnResult(sqlmock.NewResult(1, 1))

	body := webhookBody(t, provider.TransactionDetail{
		ID:      "ext_99",
		Status:  provider.StatusCompleted,
		AssetID: "USDC:GAISSUER",
		Amount:  "50",
	})
	signature := signBody(t, key, body)

	resp := postWebhook(router, body, signature)
	assert.Equal(t, http.StatusOK, resp.Code)

	resp = postWebhook(router, body, signature)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReceiveCustodyWebhook_RetryAfterFailureIsProcessed(t *testing.T) {
	router, mock, key := setupTestAPI(t, false)

	// The first delivery dies on a transient store error; the provider
	// retries the identical event, which must be matched again rather than
	// swallowed by the event-id marker.
	mock.ExpectQuery("SELECT (.+) FROM custodia.custody_transactions").
		WithArgs("ext_99").
		WillReturnError(assert.AnError)
	mock.ExpectQuery("SELECT (.+) FROM custodia.custody_transactions").
		WithArgs("ext_99").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO custodia.custody_payments").
		WillReturnResult(sqlmock.NewResult(1, 1))

	body := webhookBody(t, provider.TransactionDetail{
		ID:      "ext_99",
		Status:  provider.StatusCompleted,
		AssetID: "USDC:GAISSUER",
		Amount:  "50",
	})
	signature := signBody(t, key, body)

	resp := postWebhook(router, body, signature)
	assert.Equal(t, http.StatusInternalServerError, resp.Code)

	resp = postWebhook(router, body, signature)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReceiveCustodyWebhook_MalformedBody(t *testing.T) {
	router, _, key := setupTestAPI(t, false)

	body := []byte("{not json")
	resp := postWebhook(router, body, signBody(t, key, body))
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestCreateCustodyTransactionEndpoint(t *testing.T) {
	router, mock, _ := setupTestAPI(t, false)

	mock.ExpectExec("INSERT INTO custodia.custody_transactions").
		WillReturnResult(sqlmock.NewResult(1, 1))

	payload, err := json.Marshal(model2.CreateCustodyTransaction{
		TransactionID: "txn_" + gofakeit.UUID(),
		Protocol:      model.ProtocolSep24,
		Kind:          model.KindWithdrawal,
		ToAccount:     "GCUSTODY",
		Amount:        "100",
		Asset:         "USDC:GAISSUER",
		Memo:          "12345",
		MemoType:      "id",
	})
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/custody-transactions", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusCreated, resp.Code)

	var created model.CustodyTransaction
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.Equal(t, model.StatusCreated, created.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateCustodyTransactionEndpoint_RejectsUnknownProtocol(t *testing.T) {
	router, _, _ := setupTestAPI(t, false)

	payload, err := json.Marshal(model2.CreateCustodyTransaction{
		TransactionID: "txn_01",
		Protocol:      "12",
		Kind:          model.KindWithdrawal,
		Amount:        "100",
		Asset:         "USDC:GAISSUER",
	})
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/custody-transactions", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestListPendingTrustEndpoint(t *testing.T) {
	router, mock, _ := setupTestAPI(t, false)

	rows := sqlmock.NewRows([]string{
		"id", "transaction_id", "account", "asset_code", "asset_issuer", "count", "created_at",
	}).AddRow(int64(1), "txn_01", "GCUSTODY", "USDC", "GAISSUER", 2, time.Now())
	mock.ExpectQuery("SELECT (.+) FROM custodia.pending_trust").
		WillReturnRows(rows)

	req := httptest.NewRequest("GET", "/pending-trust", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusOK, resp.Code)

	var records []model.TransactionPendingTrust
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&records))
	require.Len(t, records, 1)
	assert.Equal(t, "txn_01", records[0].TransactionID)
	assert.Equal(t, "USDC", records[0].AssetCode)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSecretKeyGuardsManagementRoutes(t *testing.T) {
	router, mock, _ := setupTestAPI(t, true)

	req := httptest.NewRequest("GET", "/custody-transactions/txn_01", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)

	rows := sqlmock.NewRows([]string{
		"transaction_id", "external_tx_id", "status", "protocol", "kind",
		"from_account", "to_account", "amount", "fee", "asset",
		"memo", "memo_type", "reconciliation_attempts", "version", "created_at", "updated_at",
	}).AddRow("txn_01", "ext_01", model.StatusSubmitted, model.ProtocolSep24, model.KindWithdrawal,
		"", "GCUSTODY", "100", "", "USDC:GAISSUER", "12345", "id", 0, int64(0), time.Now(), time.Now())
	mock.ExpectQuery("SELECT (.+) FROM custodia.custody_transactions").
		WithArgs("txn_01").
		WillReturnRows(rows)

	req = httptest.NewRequest("GET", "/custody-transactions/txn_01", nil)
	req.Header.Set(middleware.KeyHeader, "test-secret")
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWebhookSkipsSecretKeyGuard(t *testing.T) {
	router, _, key := setupTestAPI(t, true)

	body := webhookBody(t, provider.TransactionDetail{ID: "ext_01", Status: provider.StatusConfirming})
	resp := postWebhook(router, body, signBody(t, key, body))
	assert.Equal(t, http.StatusOK, resp.Code)
}
