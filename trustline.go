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

const trustlineLockKey = "custodia:trustline:sweep"

// CheckPendingTrustlines is the periodic sweep over accounts awaiting an
// asset trustline. A trustline that appeared triggers the trust-established
// notification and removes the record; a record older than the configured
// timeout fails the owning transaction and is removed; everything else gets
// its attempt counter bumped and waits for the next sweep.
func (c *Custodia) CheckPendingTrustlines(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Checking Pending Trustlines")
	defer span.End()

	conf, err := config.Fetch()
	if err != nil {
		return err
	}

	locker := redlock.NewLocker(c.redis, trustlineLockKey, model.GenerateUUIDWithSuffix("loc"))
	if err := locker.Lock(ctx, conf.TrustlineInterval()); err != nil {
		logrus.Info("another instance is running the trustline sweep, skipping")
		return nil
	}
	defer func() {
		if err := locker.Unlock(ctx); err != nil {
			logrus.Error(err)
		}
	}()

	records, err := c.datasource.GetAllPendingTrust(ctx)
	if err != nil {
		notification.NotifyError(errors.Wrap(err, "trustline sweep could not load pending trust records"))
		return err
	}

	for _, record := range records {
		if err := c.checkOneTrustline(ctx, record, conf); err != nil {
			logrus.Errorf("trustline check for %s failed: %v", record.TransactionID, err)
		}
	}
	return nil
}

func (c *Custodia) checkOneTrustline(ctx context.Context, record *model.TransactionPendingTrust, conf *config.Configuration) error {
	trusted, err := c.horizon.HasTrustline(ctx, record.Account, record.AssetCode, record.AssetIssuer)
	if err != nil {
		// Ledger unavailable: leave the record for the next sweep without
		// spending its timeout budget on our own outage.
		logrus.Warnf("trustline query for %s failed: %v", record.Account, err)
		return nil
	}

	if trusted {
		if err := c.notifier.NotifyTrustSet(ctx, record.TransactionID, true, conf.Messages.TrustlineEstablished); err != nil {
			return err
		}
		return c.datasource.DeletePendingTrust(ctx, record.ID)
	}

	if record.TimedOut(conf.TrustlineTimeout(), time.Now()) {
		if err := c.failTrustlineTransaction(ctx, record.TransactionID, conf.Messages.TrustlineTimeout); err != nil {
			return err
		}
		if err := c.notifier.NotifyTrustSet(ctx, record.TransactionID, false, conf.Messages.TrustlineTimeout); err != nil {
			return err
		}
		return c.datasource.DeletePendingTrust(ctx, record.ID)
	}

	return c.datasource.IncrementPendingTrustCount(ctx, record.ID)
}

func (c *Custodia) failTrustlineTransaction(ctx context.Context, transactionID, message string) error {
	txn, err := c.datasource.GetCustodyTransaction(ctx, transactionID)
	if err != nil {
		if apierror.Is(err, apierror.ErrNotFound) {
			logrus.Warnf("pending trust references unknown transaction %s", transactionID)
			return nil
		}
		return err
	}
	if !txn.CanTransitionTo(model.StatusFailed) {
		return nil
	}
	txn.Status = model.StatusFailed
	if err := c.datasource.UpdateCustodyTransaction(ctx, txn); err != nil && !apierror.Is(err, apierror.ErrConflict) {
		return err
	}
	logrus.Warnf("transaction %s failed waiting for a trustline: %s", transactionID, message)
	return nil
}

// StartTrustlineLoop runs the trustline sweep on the configured interval
// until the context is cancelled.
func (c *Custodia) StartTrustlineLoop(ctx context.Context) {
	conf, err := config.Fetch()
	if err != nil {
		logrus.Error(err)
		return
	}

	ticker := time.NewTicker(conf.TrustlineInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.CheckPendingTrustlines(ctx); err != nil {
				logrus.Errorf("trustline sweep failed: %v", err)
			}
		}
	}
}
