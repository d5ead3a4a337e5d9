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
	"strings"
	"sync"
	"time"

	"github.com/anchorstack/custodia/config"
	"github.com/anchorstack/custodia/database"
	"github.com/anchorstack/custodia/horizon"
	"github.com/anchorstack/custodia/model"
	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// paymentsCursorPrefix namespaces the per-account payment cursors. The
// account is recoverable from the cursor name, which is how the tracked set
// survives a restart.
const paymentsCursorPrefix = "payments:"

// IngestFunc receives a normalized payment observed on the ledger.
type IngestFunc func(ctx context.Context, payment *model.CustodyPayment) error

// LedgerObserver watches the payment history of the tracked custody
// accounts and feeds observed payments into the same normalizer/dispatcher
// pipeline webhooks use. The last-processed ledger position is persisted per
// account, so a restart resumes where the previous run stopped instead of
// re-scanning history.
type LedgerObserver struct {
	horizon    *horizon.Client
	datasource database.IDataSource
	normalizer *PaymentNormalizer
	ingest     IngestFunc

	mu       sync.RWMutex
	accounts map[string]struct{}

	interval  time.Duration
	pageLimit int
}

// NewLedgerObserver builds an observer over an empty tracked-account set.
func NewLedgerObserver(horizonClient *horizon.Client, db database.IDataSource, ingest IngestFunc, conf *config.Configuration) *LedgerObserver {
	return &LedgerObserver{
		horizon:    horizonClient,
		datasource: db,
		normalizer: NewPaymentNormalizer(horizonClient),
		ingest:     ingest,
		accounts:   make(map[string]struct{}),
		interval:   conf.ObserverInterval(),
		pageLimit:  conf.Observer.PageLimit,
	}
}

// TrackAccount adds an account to the tracked set at runtime, typically
// right after a deposit address for it has been generated. The running poll
// loop picks it up on its next cycle without a restart.
func (o *LedgerObserver) TrackAccount(account string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.accounts[account]; !ok {
		o.accounts[account] = struct{}{}
		logrus.Infof("ledger observer now tracking account %s", account)
	}
}

func (o *LedgerObserver) trackedAccounts() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	accounts := make([]string, 0, len(o.accounts))
	for account := range o.accounts {
		accounts = append(accounts, account)
	}
	return accounts
}

// seedTrackedAccounts restores the tracked-account set from the persisted
// per-account cursors, so accounts registered before a restart keep being
// observed.
func (o *LedgerObserver) seedTrackedAccounts(ctx context.Context) error {
	names, err := o.datasource.GetObserverCursorNames(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		if strings.HasPrefix(name, paymentsCursorPrefix) {
			o.TrackAccount(strings.TrimPrefix(name, paymentsCursorPrefix))
		}
	}
	return nil
}

// Start runs the polling loop until the context is cancelled. Ledger
// connectivity failures back off exponentially and resume from the
// persisted cursor; the observer never skips ahead.
func (o *LedgerObserver) Start(ctx context.Context) {
	if err := o.seedTrackedAccounts(ctx); err != nil {
		logrus.Errorf("could not restore tracked accounts: %v", err)
	}
	if err := o.horizon.Health(ctx); err != nil {
		logrus.Warnf("horizon unreachable at startup, polling will back off: %v", err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 0

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			operation := func() error {
				return o.pollOnce(ctx)
			}
			if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
				logrus.Errorf("ledger observer poll failed: %v", err)
			} else {
				policy.Reset()
			}
		}
	}
}

// pollOnce scans every tracked account for new payment operations past its
// cursor.
func (o *LedgerObserver) pollOnce(ctx context.Context) error {
	for _, account := range o.trackedAccounts() {
		if err := o.pollAccount(ctx, account); err != nil {
			return err
		}
	}
	return nil
}

func (o *LedgerObserver) pollAccount(ctx context.Context, account string) error {
	cursorName := paymentsCursorPrefix + account
	cursor, err := o.datasource.GetObserverCursor(ctx, cursorName)
	if err != nil {
		return err
	}

	ops, err := o.horizon.GetAccountPayments(ctx, account, cursor, o.pageLimit)
	if err != nil {
		return err
	}

	for i := range ops {
		op := &ops[i]
		if op.Payment() && op.TransactionSuccessful {
			txn, err := o.horizon.GetTransaction(ctx, op.TransactionHash)
			if err != nil {
				return err
			}
			if payment := o.normalizer.FromLedgerOperation(op, txn); payment != nil {
				if err := o.ingest(ctx, payment); err != nil {
					return err
				}
			}
		}
		// The cursor only advances after the operation has been handed
		// off, so a crash replays rather than drops events.
		if err := o.datasource.SaveObserverCursor(ctx, cursorName, op.PagingToken); err != nil {
			return err
		}
	}
	return nil
}
