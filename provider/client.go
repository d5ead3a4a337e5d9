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

// Package provider implements the HTTP client for the custody provider API.
// Every request carries a short-lived RS256 JWT binding the request path and
// a hash of the body, which is how the provider authenticates API callers.
package provider

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/anchorstack/custodia/config"
	"github.com/anchorstack/custodia/internal/request"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Client talks to the custody provider REST API.
type Client struct {
	baseURL    string
	apiKey     string
	signingKey *rsa.PrivateKey
	http       *http.Client
}

// NewClient builds a provider client from configuration. The JWT private key
// is parsed once at construction so a malformed key fails fast at startup.
func NewClient(conf *config.Configuration) (*Client, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(conf.Custody.JwtPrivateKey))
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse custody JWT private key")
	}
	return &Client{
		baseURL:    conf.Custody.BaseURL,
		apiKey:     conf.Custody.ApiKey,
		signingKey: key,
		http:       request.NewTimeoutClient(time.Duration(conf.Custody.RequestTimeout) * time.Second),
	}, nil
}

// HTTPClient exposes the underlying http.Client so callers can instrument
// transport behavior.
func (c *Client) HTTPClient() *http.Client {
	return c.http
}

// signedToken builds the per-request JWT. The token is valid for 30 seconds
// and binds the request URI and a SHA-256 of the body, so it cannot be
// replayed against another endpoint or payload.
func (c *Client) signedToken(uri string, body []byte) (string, error) {
	now := time.Now()
	bodyHash := sha256.Sum256(body)
	claims := jwt.MapClaims{
		"uri":      uri,
		"nonce":    uuid.New().String(),
		"iat":      now.Unix(),
		"exp":      now.Add(30 * time.Second).Unix(),
		"sub":      c.apiKey,
		"bodyHash": hex.EncodeToString(bodyHash[:]),
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(c.signingKey)
}

func (c *Client) do(ctx context.Context, method, path string, payload, response interface{}) error {
	var body []byte
	if payload != nil {
		buf, err := request.ToJsonReq(payload)
		if err != nil {
			return errors.Wrap(err, "failed to encode custody request")
		}
		body = buf.Bytes()
	}

	token, err := c.signedToken(path, body)
	if err != nil {
		return errors.Wrap(err, "failed to sign custody request")
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := request.CallWithClient(c.http, req, response)
	if err != nil {
		if resp == nil {
			// Network error or timeout, retried on the next sweep.
			return &Error{StatusCode: http.StatusGatewayTimeout, Message: err.Error()}
		}
		return err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return &Error{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	return nil
}

// CreateTransaction submits an outbound on-chain transaction from custody.
func (c *Client) CreateTransaction(ctx context.Context, req *CreateTransactionRequest) (*TransactionDetail, error) {
	var detail TransactionDetail
	if err := c.do(ctx, http.MethodPost, "/v1/transactions", req, &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

// CreateTransactionPayment makes a follow-up payment against an existing
// provider transaction, used for refunds.
func (c *Client) CreateTransactionPayment(ctx context.Context, externalTxID string, req *PaymentRequest) (*TransactionDetail, error) {
	var detail TransactionDetail
	path := fmt.Sprintf("/v1/transactions/%s/payments", externalTxID)
	if err := c.do(ctx, http.MethodPost, path, req, &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

// GenerateDepositAddress provisions a fresh custody receiving address for
// the given asset.
func (c *Client) GenerateDepositAddress(ctx context.Context, assetID string) (*DepositAddress, error) {
	var address DepositAddress
	path := fmt.Sprintf("/v1/assets/%s/addresses", assetID)
	if err := c.do(ctx, http.MethodPost, path, struct{}{}, &address); err != nil {
		return nil, err
	}
	return &address, nil
}

// GetTransactionByID polls the provider for the current state of a
// transaction, keyed by the provider's own id.
func (c *Client) GetTransactionByID(ctx context.Context, externalTxID string) (*TransactionDetail, error) {
	var detail TransactionDetail
	path := fmt.Sprintf("/v1/transactions/%s", externalTxID)
	if err := c.do(ctx, http.MethodGet, path, nil, &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}
