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
	"encoding/json"
	"time"

	"github.com/anchorstack/custodia/internal/apierror"
	"github.com/anchorstack/custodia/model"
	"github.com/anchorstack/custodia/provider"
	"github.com/hibiken/asynq"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// applyRetries bounds how often a payment is re-applied after losing an
// optimistic-lock race with a concurrent update to the same transaction.
const applyRetries = 3

// eventDedupTTL is how long a processed webhook event id is remembered. The
// marker only short-circuits redundant work; idempotence does not depend on
// it, the store's payment-exists and status-forward checks do.
const eventDedupTTL = 24 * time.Hour

// ProcessWebhookEvent is the entry point for a verified custody webhook. It
// normalizes the event, matches it against the store and enqueues the
// resulting payment on the transaction's queue partition. A payment that
// matches no tracked transaction is dropped with a warning.
func (c *Custodia) ProcessWebhookEvent(ctx context.Context, event *provider.WebhookEvent) error {
	ctx, span := tracer.Start(ctx, "Processing Custody Webhook Event")
	defer span.End()

	var dedupKey string
	if event.ID != "" {
		dedupKey = "custodia:webhook:event:" + event.ID
		fresh, err := c.redis.SetNX(ctx, dedupKey, 1, eventDedupTTL).Result()
		if err != nil {
			logrus.Warnf("event de-dup marker unavailable: %v", err)
			dedupKey = ""
		} else if !fresh {
			logrus.Infof("webhook event %s already processed, skipping", event.ID)
			return nil
		}
	}

	payment, err := c.normalizer.FromProviderDetail(ctx, &event.Data)
	if err != nil {
		c.releaseEventMarker(ctx, dedupKey)
		return err
	}
	if payment == nil {
		logrus.Infof("webhook %s reports non-terminal status %s, ignoring", event.ID, event.Data.Status)
		return nil
	}
	if err := c.IngestPayment(ctx, payment); err != nil {
		c.releaseEventMarker(ctx, dedupKey)
		return err
	}
	return nil
}

// releaseEventMarker removes a webhook event marker after a processing
// failure, so the provider's retry of the same event is processed instead of
// skipped.
func (c *Custodia) releaseEventMarker(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := c.redis.Del(ctx, key).Err(); err != nil {
		logrus.Warnf("could not release event marker %s: %v", key, err)
	}
}

// IngestPayment matches a normalized payment to a custody transaction and
// enqueues it for serialized processing. Observer and reconciliation events
// enter through here as well, so all three sources share one match path.
func (c *Custodia) IngestPayment(ctx context.Context, payment *model.CustodyPayment) error {
	txn, err := c.matchTransaction(ctx, payment)
	if err != nil {
		return err
	}
	if txn == nil {
		return c.dropUnmatched(ctx, payment)
	}
	return c.queue.EnqueuePayment(ctx, txn.TransactionID, payment)
}

// dropUnmatched records a payment that matches no tracked transaction so the
// audit trail still shows it arrived, then drops it.
func (c *Custodia) dropUnmatched(ctx context.Context, payment *model.CustodyPayment) error {
	logrus.Warnf("payment %s matches no tracked custody transaction, dropping", payment.PaymentID)
	if payment.Message == "" {
		payment.Message = "no matching custody transaction"
	}
	if _, err := c.datasource.RecordCustodyPayment(ctx, payment); err != nil {
		return err
	}
	return nil
}

// matchTransaction resolves the custody transaction a payment belongs to:
// first by the provider's external transaction id, then by (to-account,
// memo) over non-terminal transactions. When the memo fallback matches, the
// external id is backfilled onto the record so later events match directly.
func (c *Custodia) matchTransaction(ctx context.Context, payment *model.CustodyPayment) (*model.CustodyTransaction, error) {
	if payment.ExternalTxID != "" {
		txn, err := c.datasource.GetCustodyTransactionByExternalID(ctx, payment.ExternalTxID)
		if err == nil {
			return txn, nil
		}
		if !apierror.Is(err, apierror.ErrNotFound) {
			return nil, err
		}
	}

	if payment.ToAccount == "" || payment.TxMemo == "" {
		return nil, nil
	}
	txn, err := c.datasource.GetCustodyTransactionByToAccountAndMemo(ctx, payment.ToAccount, payment.TxMemo)
	if err != nil {
		if apierror.Is(err, apierror.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	if payment.ExternalTxID != "" && txn.ExternalTxID == "" {
		if err := c.datasource.SetExternalTxID(ctx, txn.TransactionID, payment.ExternalTxID); err != nil {
			// Another event won the backfill race; the match itself stands.
			logrus.Warnf("could not backfill external id %s onto %s: %v", payment.ExternalTxID, txn.TransactionID, err)
		} else {
			txn.ExternalTxID = payment.ExternalTxID
		}
	}
	return txn, nil
}

// ApplyPayment applies a matched payment to its custody transaction: the
// payment is recorded for audit exactly once, then routed to the
// (protocol, kind) handler. Re-deliveries of an already recorded payment are
// no-ops. Lost optimistic-lock races are retried against a fresh read.
func (c *Custodia) ApplyPayment(ctx context.Context, payment *model.CustodyPayment) error {
	ctx, span := tracer.Start(ctx, "Applying Custody Payment")
	defer span.End()

	exists, err := c.datasource.CustodyPaymentExists(ctx, payment.PaymentID)
	if err != nil {
		return err
	}
	if exists {
		logrus.Infof("payment %s already applied, skipping duplicate delivery", payment.PaymentID)
		return nil
	}

	var lastErr error
	for attempt := 0; attempt < applyRetries; attempt++ {
		txn, err := c.matchTransaction(ctx, payment)
		if err != nil {
			return err
		}
		if txn == nil {
			return c.dropUnmatched(ctx, payment)
		}

		if err := c.dispatch(ctx, txn, payment); err != nil {
			if apierror.Is(err, apierror.ErrConflict) {
				lastErr = err
				continue
			}
			return err
		}

		if _, err := c.datasource.RecordCustodyPayment(ctx, payment); err != nil {
			return err
		}
		return nil
	}
	return errors.Wrapf(lastErr, "payment %s lost %d update races", payment.PaymentID, applyRetries)
}

// dispatch routes a payment to the handler registered for the transaction's
// (protocol, kind). Incoming kinds (withdrawal, receive) go to OnReceived;
// deposits go to OnSent. Unknown combinations are logged no-ops.
func (c *Custodia) dispatch(ctx context.Context, txn *model.CustodyTransaction, payment *model.CustodyPayment) error {
	handler, ok := c.handlers[handlerKey{Protocol: txn.Protocol, Kind: txn.Kind}]
	if !ok {
		logrus.Warnf("no payment handler for protocol %s kind %s, ignoring payment %s", txn.Protocol, txn.Kind, payment.PaymentID)
		return nil
	}
	if txn.Incoming() {
		return handler.OnReceived(ctx, txn, payment)
	}
	return handler.OnSent(ctx, txn, payment)
}

// ProcessPaymentTask is the asynq consumer for queued payment events.
func (c *Custodia) ProcessPaymentTask(ctx context.Context, task *asynq.Task) error {
	var payload PaymentTaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return err
	}
	return c.ApplyPayment(ctx, &payload.Payment)
}
