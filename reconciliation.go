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
	"time"

	"github.com/anchorstack/custodia/config"
	"github.com/anchorstack/custodia/internal/apierror"
	redlock "github.com/anchorstack/custodia/internal/lock"
	"github.com/anchorstack/custodia/internal/notification"
	"github.com/anchorstack/custodia/model"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const reconciliationLockKey = "custodia:reconciliation:sweep"

// ReconcileSubmittedTransactions is the periodic sweep recovering from
// missed or delayed webhooks. It re-polls the custody provider for every
// transaction stuck in submitted status with a known external id and pushes
// terminal results through the same normalizer/dispatcher path webhooks use.
// A transaction polled maxAttempts times without reaching a terminal
// provider status is forced to failed.
//
// Failures are isolated per transaction: one bad poll never aborts the rest
// of the sweep.
func (c *Custodia) ReconcileSubmittedTransactions(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Reconciling Submitted Custody Transactions")
	defer span.End()

	conf, err := config.Fetch()
	if err != nil {
		return err
	}

	locker := redlock.NewLocker(c.redis, reconciliationLockKey, model.GenerateUUIDWithSuffix("loc"))
	if err := locker.Lock(ctx, conf.ReconciliationInterval()); err != nil {
		logrus.Info("another instance is running the reconciliation sweep, skipping")
		return nil
	}
	defer func() {
		if err := locker.Unlock(ctx); err != nil {
			logrus.Error(err)
		}
	}()

	transactions, err := c.datasource.GetSubmittedWithExternalID(ctx)
	if err != nil {
		notification.NotifyError(errors.Wrap(err, "reconciliation sweep could not load submitted transactions"))
		return err
	}

	for i := range transactions {
		if err := c.reconcileOne(ctx, transactions[i], conf); err != nil {
			logrus.Errorf("reconciliation of %s failed: %v", transactions[i].TransactionID, err)
		}
	}
	return nil
}

func (c *Custodia) reconcileOne(ctx context.Context, txn *model.CustodyTransaction, conf *config.Configuration) error {
	detail, err := c.custody.GetTransactionByID(ctx, txn.ExternalTxID)
	if err != nil {
		// Transient or permanent, a failed poll means "not yet terminal"
		// this round; only the attempt budget can force a transition.
		logrus.Warnf("polling %s failed: %v", txn.ExternalTxID, err)
		return c.bumpAttempts(ctx, txn, conf)
	}

	payment, err := c.normalizer.FromProviderDetail(ctx, detail)
	if err != nil {
		logrus.Warnf("normalizing poll result for %s failed: %v", txn.ExternalTxID, err)
		return c.bumpAttempts(ctx, txn, conf)
	}
	if payment == nil {
		return c.bumpAttempts(ctx, txn, conf)
	}

	if detail.Fee != "" {
		txn.Fee = detail.Fee
		if err := c.datasource.UpdateCustodyTransaction(ctx, txn); err != nil && !apierror.Is(err, apierror.ErrConflict) {
			return err
		}
	}
	// The terminal result goes through the same queue partition as webhook
	// and observer events, so all deliveries for one transaction stay
	// serialized.
	return c.IngestPayment(ctx, payment)
}

// bumpAttempts increments the per-transaction attempt counter and, once the
// configured maximum is reached, forces the transaction to failed. This is
// the one place the reconciliation job authors a status transition itself.
func (c *Custodia) bumpAttempts(ctx context.Context, txn *model.CustodyTransaction, conf *config.Configuration) error {
	txn.ReconciliationAttempts++

	if txn.ReconciliationAttempts >= conf.Reconciliation.MaxAttempts {
		if !txn.CanTransitionTo(model.StatusFailed) {
			return nil
		}
		txn.Status = model.StatusFailed
		if err := c.datasource.UpdateCustodyTransaction(ctx, txn); err != nil {
			return err
		}
		logrus.Warnf("transaction %s exhausted %d reconciliation attempts, forcing failed",
			txn.TransactionID, txn.ReconciliationAttempts)
		notification.NotifyError(errors.Errorf("transaction %s forced to failed after %d reconciliation attempts",
			txn.TransactionID, txn.ReconciliationAttempts))
		return c.notifier.NotifyTransactionError(ctx, txn.TransactionID, conf.Messages.ReconciliationExhausted)
	}

	if err := c.datasource.UpdateCustodyTransaction(ctx, txn); err != nil {
		if apierror.Is(err, apierror.ErrConflict) {
			// A concurrent webhook updated the row; its event wins.
			return nil
		}
		return err
	}
	return nil
}

// StartReconciliationLoop runs the reconciliation sweep on the configured
// interval until the context is cancelled.
func (c *Custodia) StartReconciliationLoop(ctx context.Context) {
	conf, err := config.Fetch()
	if err != nil {
		logrus.Error(err)
		return
	}

	ticker := time.NewTicker(conf.ReconciliationInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.ReconcileSubmittedTransactions(ctx); err != nil {
				logrus.Errorf("reconciliation sweep failed: %v", err)
			}
		}
	}
}
