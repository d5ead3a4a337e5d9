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
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/anchorstack/custodia/config"
	"github.com/anchorstack/custodia/database"
	"github.com/anchorstack/custodia/horizon"
	"github.com/anchorstack/custodia/provider"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// notifyCall records one outward notification for assertions.
type notifyCall struct {
	Event   string
	TxnID   string
	TxHash  string
	Amount  string
	Message string
	Success bool
}

// recordingNotifier captures outward notifications instead of enqueueing
// them.
type recordingNotifier struct {
	calls []notifyCall
}

func (n *recordingNotifier) NotifyOnchainFundsReceived(_ context.Context, txnID, txHash, amount, message string) error {
	n.calls = append(n.calls, notifyCall{Event: EventOnchainFundsReceived, TxnID: txnID, TxHash: txHash, Amount: amount, Message: message})
	return nil
}

func (n *recordingNotifier) NotifyOnchainFundsSent(_ context.Context, txnID, txHash, message string) error {
	n.calls = append(n.calls, notifyCall{Event: EventOnchainFundsSent, TxnID: txnID, TxHash: txHash, Message: message})
	return nil
}

func (n *recordingNotifier) NotifyRefundSent(_ context.Context, txnID, txHash, amount, fee, asset string) error {
	n.calls = append(n.calls, notifyCall{Event: EventRefundSent, TxnID: txnID, TxHash: txHash, Amount: amount})
	return nil
}

func (n *recordingNotifier) NotifyTransactionError(_ context.Context, txnID, message string) error {
	n.calls = append(n.calls, notifyCall{Event: EventTransactionError, TxnID: txnID, Message: message})
	return nil
}

func (n *recordingNotifier) NotifyTrustSet(_ context.Context, txnID string, success bool, message string) error {
	n.calls = append(n.calls, notifyCall{Event: EventTrustSet, TxnID: txnID, Success: success, Message: message})
	return nil
}

func (n *recordingNotifier) byEvent(event string) []notifyCall {
	var matched []notifyCall
	for _, call := range n.calls {
		if call.Event == event {
			matched = append(matched, call)
		}
	}
	return matched
}

func testConfiguration() *config.Configuration {
	return &config.Configuration{
		Custody: config.CustodyConfig{
			BaseURL:        "https://custody.example.com",
			ApiKey:         "api-key",
			RequestTimeout: 5,
		},
		Horizon: config.HorizonConfig{
			Url:            "https://horizon.example.com",
			RequestTimeout: 5,
		},
		Queue: config.QueueConfig{
			PaymentQueue:     "new:payment",
			WebhookQueue:     "new:webhook",
			NumberOfQueues:   4,
			MaxRetryAttempts: 3,
		},
		Reconciliation: config.ReconciliationConfig{IntervalSec: 60, MaxAttempts: 3},
		Trustline:      config.TrustlineConfig{IntervalSec: 60, TimeoutSec: 3600},
		Observer:       config.ObserverConfig{IntervalSec: 5, PageLimit: 200},
		Messages: config.MessagesConfig{
			FundsReceived:           "funds received on Stellar network",
			FundsSent:               "funds sent on Stellar network",
			RefundSent:              "refund sent on Stellar network",
			TrustlineEstablished:    "trustline established",
			TrustlineTimeout:        "trustline was not established before the configured timeout",
			ReconciliationExhausted: "transaction did not reach a terminal state at the custody provider",
		},
	}
}

// newTestProviderClient builds a custody provider client signing with a
// throwaway RSA key.
func newTestProviderClient(t *testing.T, conf *config.Configuration) *provider.Client {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	conf.Custody.JwtPrivateKey = string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}))
	client, err := provider.NewClient(conf)
	require.NoError(t, err)
	return client
}

// newTestCustodia wires a Custodia over a sqlmock datasource, a miniredis
// instance and a recording notifier. The custody and horizon HTTP clients
// are real and meant to be intercepted with httpmock per test.
func newTestCustodia(t *testing.T) (*Custodia, sqlmock.Sqlmock, *recordingNotifier) {
	t.Helper()

	conf := testConfiguration()
	config.MockConfig(conf)

	mr := miniredis.RunT(t)
	conf.Redis.Dns = mr.Addr()
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	queueOpt := asynq.RedisClientOpt{Addr: mr.Addr()}

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	ds := database.Datasource{Conn: db}

	horizonClient := horizon.NewClient(conf)
	custodyClient := newTestProviderClient(t, conf)
	notifier := &recordingNotifier{}

	custodia := &Custodia{
		queue:      &Queue{Client: asynq.NewClient(queueOpt), Inspector: asynq.NewInspector(queueOpt)},
		redis:      redisClient,
		datasource: ds,
		custody:    custodyClient,
		horizon:    horizonClient,
		normalizer: NewPaymentNormalizer(horizonClient),
		notifier:   notifier,
	}
	custodia.handlers = buildHandlerTable(ds, notifier, conf)
	custodia.observer = NewLedgerObserver(horizonClient, ds, custodia.ApplyPayment, conf)
	return custodia, mock, notifier
}
