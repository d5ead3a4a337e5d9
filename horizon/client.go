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

// Package horizon is a minimal read-only client for the Stellar Horizon API,
// covering only the endpoints the observer and jobs need: accounts,
// transactions and payment operations.
package horizon

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/anchorstack/custodia/config"
	"github.com/anchorstack/custodia/internal/request"
)

// Client queries a Horizon instance.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a Horizon client from configuration.
func NewClient(conf *config.Configuration) *Client {
	return &Client{
		baseURL: conf.Horizon.Url,
		http:    request.NewTimeoutClient(time.Duration(conf.Horizon.RequestTimeout) * time.Second),
	}
}

// HTTPClient exposes the underlying http.Client so callers can instrument
// transport behavior.
func (c *Client) HTTPClient() *http.Client {
	return c.http
}

func (c *Client) get(ctx context.Context, path string, response interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := request.CallWithClient(c.http, req, response)
	if err != nil {
		return err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("horizon returned %d for %s", resp.StatusCode, path)
	}
	return nil
}

// Health probes the Horizon root endpoint. The observer uses it to report
// ledger connectivity before entering its polling loop.
func (c *Client) Health(ctx context.Context) error {
	var root map[string]interface{}
	return c.get(ctx, "/", &root)
}

// GetAccount loads a ledger account with its balance lines.
func (c *Client) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	var account Account
	if err := c.get(ctx, "/accounts/"+accountID, &account); err != nil {
		return nil, err
	}
	return &account, nil
}

// HasTrustline reports whether the account currently trusts the given issued
// asset.
func (c *Client) HasTrustline(ctx context.Context, accountID, assetCode, assetIssuer string) (bool, error) {
	account, err := c.GetAccount(ctx, accountID)
	if err != nil {
		return false, err
	}
	return account.HasTrustline(assetCode, assetIssuer), nil
}

// GetTransaction loads a ledger transaction by hash.
func (c *Client) GetTransaction(ctx context.Context, hash string) (*Transaction, error) {
	var txn Transaction
	if err := c.get(ctx, "/transactions/"+hash, &txn); err != nil {
		return nil, err
	}
	return &txn, nil
}

// GetTransactionOperations lists the operations of a ledger transaction.
func (c *Client) GetTransactionOperations(ctx context.Context, hash string) ([]Operation, error) {
	var page operationPage
	if err := c.get(ctx, fmt.Sprintf("/transactions/%s/operations", hash), &page); err != nil {
		return nil, err
	}
	return page.Embedded.Records, nil
}

// GetAccountPayments pages through payment operations touching an account,
// in ascending ledger order starting after the given cursor. An empty cursor
// starts from the beginning of the account's history.
func (c *Client) GetAccountPayments(ctx context.Context, accountID, cursor string, limit int) ([]Operation, error) {
	params := url.Values{}
	params.Set("order", "asc")
	params.Set("limit", strconv.Itoa(limit))
	if cursor != "" {
		params.Set("cursor", cursor)
	}

	var page operationPage
	path := fmt.Sprintf("/accounts/%s/payments?%s", accountID, params.Encode())
	if err := c.get(ctx, path, &page); err != nil {
		return nil, err
	}
	return page.Embedded.Records, nil
}
