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
	"fmt"
	"hash/fnv"
	"log"

	"github.com/anchorstack/custodia/config"
	redis_db "github.com/anchorstack/custodia/internal/redis-db"
	"github.com/anchorstack/custodia/model"
	"github.com/hibiken/asynq"
)

// Queue carries payment events from the ingestion sources (webhooks, the
// ledger observer, reconciliation polls) to the dispatcher workers.
type Queue struct {
	Client    *asynq.Client
	Inspector *asynq.Inspector
}

// PaymentTaskPayload is the payload of a queued payment event.
type PaymentTaskPayload struct {
	TransactionID string               `json:"transaction_id"`
	Payment       model.CustodyPayment `json:"payment"`
}

// NewQueue initializes a new Queue instance with the provided configuration.
func NewQueue(conf *config.Configuration) *Queue {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		log.Fatalf("Error parsing Redis URL: %v", err)
	}

	queueOptions := asynq.RedisClientOpt{Addr: redisOption.Addr, Password: redisOption.Password, DB: redisOption.DB, TLSConfig: redisOption.TLSConfig}
	client := asynq.NewClient(queueOptions)
	inspector := asynq.NewInspector(queueOptions)
	return &Queue{
		Client:    client,
		Inspector: inspector,
	}
}

// EnqueuePayment enqueues a matched payment event onto the queue partition
// owned by its transaction id. All events for one transaction land on the
// same partition and are consumed serially, which is what keeps concurrent
// webhook and reconciliation deliveries from interleaving updates.
func (q *Queue) EnqueuePayment(ctx context.Context, transactionID string, payment *model.CustodyPayment) error {
	ctx, span := tracer.Start(ctx, "Adding Payment To Redis Queue")
	defer span.End()

	cnf, err := config.Fetch()
	if err != nil {
		return err
	}

	payload, err := json.Marshal(PaymentTaskPayload{TransactionID: transactionID, Payment: *payment})
	if err != nil {
		return err
	}

	queueIndex := hashTransactionID(transactionID) % cnf.Queue.NumberOfQueues
	queueName := fmt.Sprintf("%s_%d", cnf.Queue.PaymentQueue, queueIndex+1)

	// The task id carries the payment id so a re-delivered event already
	// sitting in the queue is deduplicated by asynq itself.
	taskOptions := []asynq.Option{
		asynq.TaskID(payment.PaymentID),
		asynq.Queue(queueName),
		asynq.MaxRetry(cnf.Queue.MaxRetryAttempts),
	}
	task := asynq.NewTask(queueName, payload, taskOptions...)

	info, err := q.Client.EnqueueContext(ctx, task)
	if err != nil {
		if err == asynq.ErrTaskIDConflict {
			log.Printf(" [*] Payment %s already queued, skipping", payment.PaymentID)
			return nil
		}
		log.Println(err, info)
		return err
	}
	log.Printf(" [*] Successfully enqueued payment: %+v", payment.PaymentID)
	return nil
}

// hashTransactionID returns a consistent hash value for a transaction id,
// used to pin all events of one transaction to one queue partition.
func hashTransactionID(transactionID string) int {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(transactionID))
	return int(hasher.Sum32())
}

// GetPaymentFromQueue retrieves a queued payment event by its payment id,
// scanning every payment queue partition.
func (q *Queue) GetPaymentFromQueue(paymentID string) (*model.CustodyPayment, error) {
	cfg, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	for i := 1; i <= cfg.Queue.NumberOfQueues; i++ {
		queueName := fmt.Sprintf("%s_%d", cfg.Queue.PaymentQueue, i)
		task, err := q.Inspector.GetTaskInfo(queueName, paymentID)
		if err == nil && task != nil {
			var payload PaymentTaskPayload
			if err := json.Unmarshal(task.Payload, &payload); err != nil {
				return nil, err
			}
			return &payload.Payment, nil
		}
	}
	return nil, nil
}
