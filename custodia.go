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
	"embed"
	"log"

	"github.com/anchorstack/custodia/config"
	"github.com/anchorstack/custodia/database"
	"github.com/anchorstack/custodia/horizon"
	redis_db "github.com/anchorstack/custodia/internal/redis-db"
	"github.com/anchorstack/custodia/model"
	"github.com/anchorstack/custodia/provider"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("custodia.payments")

var meter = otel.Meter("custodia")

var (
	paymentsReceivedCounter, _ = meter.Int64Counter("custody.payments.received",
		metric.WithDescription("Payments received into custody accounts, by asset"))
	paymentsSentCounter, _ = meter.Int64Counter("custody.payments.sent",
		metric.WithDescription("Payments sent from custody accounts, by asset"))
)

//go:embed sql/*.sql
var SQLFiles embed.FS

type handlerKey struct {
	Protocol string
	Kind     string
}

// Custodia is the top-level service wiring the custody reconciliation
// pipeline: webhook verification, payment normalization, transaction
// matching, per-protocol dispatch and the periodic sweeps.
type Custodia struct {
	queue      *Queue
	redis      redis.UniversalClient
	datasource database.IDataSource
	custody    *provider.Client
	horizon    *horizon.Client
	verifier   *SignatureVerifier
	normalizer *PaymentNormalizer
	notifier   StateNotifier
	handlers   map[handlerKey]PaymentHandler
	observer   *LedgerObserver
}

// NewCustodia initializes a new Custodia instance from the loaded
// configuration, wiring the datasource, queue, custody provider client,
// horizon client and the (protocol, kind) handler table.
func NewCustodia(db database.IDataSource) (*Custodia, error) {
	configuration, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	redisOption, err := redis_db.ParseRedisURL(configuration.Redis.Dns, configuration.Redis.SkipTLSVerify)
	if err != nil {
		log.Printf("Error parsing Redis URL: %v", err)
		return nil, err
	}
	redisClient := redis.NewClient(redisOption)

	custodyClient, err := provider.NewClient(configuration)
	if err != nil {
		return nil, err
	}

	verifier, err := NewSignatureVerifier(configuration)
	if err != nil {
		return nil, err
	}

	horizonClient := horizon.NewClient(configuration)
	notifier := NewQueueNotifier()

	custodia := &Custodia{
		queue:      NewQueue(configuration),
		redis:      redisClient,
		datasource: db,
		custody:    custodyClient,
		horizon:    horizonClient,
		verifier:   verifier,
		normalizer: NewPaymentNormalizer(horizonClient),
		notifier:   notifier,
	}
	custodia.handlers = buildHandlerTable(db, notifier, configuration)
	custodia.observer = NewLedgerObserver(horizonClient, db, custodia.IngestPayment, configuration)
	return custodia, nil
}

// buildHandlerTable maps every supported (protocol, kind) pair to its
// handler. SEP-6 and SEP-24 are bidirectional; SEP-31 only receives.
func buildHandlerTable(db database.IDataSource, notifier StateNotifier, conf *config.Configuration) map[handlerKey]PaymentHandler {
	interactive := NewInteractiveFlowHandler(db, notifier, conf)
	receive := NewReceiveOnlyHandler(db, notifier, conf)

	return map[handlerKey]PaymentHandler{
		{Protocol: model.ProtocolSep6, Kind: model.KindDeposit}:     interactive,
		{Protocol: model.ProtocolSep6, Kind: model.KindWithdrawal}:  interactive,
		{Protocol: model.ProtocolSep24, Kind: model.KindDeposit}:    interactive,
		{Protocol: model.ProtocolSep24, Kind: model.KindWithdrawal}: interactive,
		{Protocol: model.ProtocolSep31, Kind: model.KindReceive}:    receive,
	}
}

// Observer exposes the ledger observer so the worker command can start it
// and the API can register freshly generated deposit addresses.
func (c *Custodia) Observer() *LedgerObserver {
	return c.observer
}

// Custody exposes the custody provider client to the API layer.
func (c *Custodia) Custody() *provider.Client {
	return c.custody
}

// VerifyWebhookSignature checks a webhook delivery against the configured
// provider public key.
func (c *Custodia) VerifyWebhookSignature(rawBody []byte, signature string) (bool, error) {
	return c.verifier.Verify(rawBody, signature)
}
