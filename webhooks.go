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
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/anchorstack/custodia/config"
	redis_db "github.com/anchorstack/custodia/internal/redis-db"

	"github.com/hibiken/asynq"
)

// Outward notification events consumed by the protocol-transaction state
// machine.
const (
	EventOnchainFundsReceived = "custody.onchain_funds_received"
	EventOnchainFundsSent     = "custody.onchain_funds_sent"
	EventRefundSent           = "custody.refund_sent"
	EventTransactionError     = "custody.transaction_error"
	EventTrustSet             = "custody.trust_set"
)

// StateNotifier pushes custody events outward to the protocol layer so it
// can advance its own transaction status.
type StateNotifier interface {
	NotifyOnchainFundsReceived(ctx context.Context, txnID, txHash, amount, message string) error
	NotifyOnchainFundsSent(ctx context.Context, txnID, txHash, message string) error
	NotifyRefundSent(ctx context.Context, txnID, txHash, amount, fee, asset string) error
	NotifyTransactionError(ctx context.Context, txnID, message string) error
	NotifyTrustSet(ctx context.Context, txnID string, success bool, message string) error
}

// StateEvent is the structure of an outward notification. It includes the
// event type and the associated transaction data.
type StateEvent struct {
	Event   string      `json:"event"`
	Payload interface{} `json:"data"`
}

// QueueNotifier delivers state events through the webhook queue so the HTTP
// delivery to the protocol layer happens off the hot path.
type QueueNotifier struct{}

// NewQueueNotifier builds the queue-backed notifier.
func NewQueueNotifier() *QueueNotifier {
	return &QueueNotifier{}
}

func (n *QueueNotifier) NotifyOnchainFundsReceived(ctx context.Context, txnID, txHash, amount, message string) error {
	return SendStateEvent(ctx, StateEvent{Event: EventOnchainFundsReceived, Payload: map[string]interface{}{
		"id": txnID, "tx_hash": txHash, "amount": amount, "message": message,
	}})
}

func (n *QueueNotifier) NotifyOnchainFundsSent(ctx context.Context, txnID, txHash, message string) error {
	return SendStateEvent(ctx, StateEvent{Event: EventOnchainFundsSent, Payload: map[string]interface{}{
		"id": txnID, "tx_hash": txHash, "message": message,
	}})
}

func (n *QueueNotifier) NotifyRefundSent(ctx context.Context, txnID, txHash, amount, fee, asset string) error {
	return SendStateEvent(ctx, StateEvent{Event: EventRefundSent, Payload: map[string]interface{}{
		"id": txnID, "tx_hash": txHash, "amount": amount, "fee": fee, "asset": asset,
	}})
}

func (n *QueueNotifier) NotifyTransactionError(ctx context.Context, txnID, message string) error {
	return SendStateEvent(ctx, StateEvent{Event: EventTransactionError, Payload: map[string]interface{}{
		"id": txnID, "message": message,
	}})
}

func (n *QueueNotifier) NotifyTrustSet(ctx context.Context, txnID string, success bool, message string) error {
	return SendStateEvent(ctx, StateEvent{Event: EventTrustSet, Payload: map[string]interface{}{
		"id": txnID, "success": success, "message": message,
	}})
}

// processHTTP delivers a state event to the configured protocol-layer URL.
func processHTTP(data StateEvent) error {
	conf, err := config.Fetch()
	if err != nil {
		log.Println("Error fetching config:", err)
		return err
	}

	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Println("Error marshaling data:", err)
		return err
	}
	payload := bytes.NewBuffer(jsonData)

	req, err := http.NewRequest("POST", conf.Notification.Webhook.Url, payload)
	if err != nil {
		log.Println("Error creating request:", err)
		return err
	}

	for key, value := range conf.Notification.Webhook.Headers {
		req.Header.Set(key, value)
	}

	client := &http.Client{}
	resp, err := client.Do(req)
	if err != nil {
		log.Println("Error sending request:", err)
		return err
	}
	defer func(Body io.ReadCloser) {
		err := Body.Close()
		if err != nil {
			logrus.Error(err)
		}
	}(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Printf("State event delivery failed with status code: %d\n", resp.StatusCode)
		return nil
	}

	log.Printf("State event %s delivered", data.Event)
	return nil
}

// SendStateEvent enqueues a state event for asynchronous delivery. When no
// protocol-layer URL is configured the event is dropped quietly.
func SendStateEvent(ctx context.Context, event StateEvent) error {
	conf, err := config.Fetch()
	if err != nil {
		return err
	}

	if conf.Notification.Webhook.Url == "" {
		return nil
	}

	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		return err
	}
	client := asynq.NewClient(asynq.RedisClientOpt{Addr: redisOption.Addr, Password: redisOption.Password, DB: redisOption.DB, TLSConfig: redisOption.TLSConfig})
	defer client.Close()

	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	taskOptions := []asynq.Option{asynq.Queue(conf.Queue.WebhookQueue)}
	task := asynq.NewTask(conf.Queue.WebhookQueue, payload, taskOptions...)
	info, err := client.EnqueueContext(ctx, task)
	if err != nil {
		log.Println(err, info)
		return err
	}
	return nil
}

// ProcessStateEvent processes a queued state event task and delivers it to
// the protocol layer.
func ProcessStateEvent(_ context.Context, task *asynq.Task) error {
	conf, err := config.Fetch()
	if err != nil {
		return err
	}

	if conf.Notification.Webhook.Url == "" {
		return nil
	}
	var event StateEvent
	if err := json.Unmarshal(task.Payload(), &event); err != nil {
		log.Printf("Error unmarshaling task payload: %v", err)
		return err
	}
	log.Printf("Delivering state event: %s", event.Event)
	return processHTTP(event)
}
