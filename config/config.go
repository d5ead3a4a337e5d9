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

package config

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT = "8006"
)

var ConfigStore atomic.Value

type ServerConfig struct {
	SSL       bool   `json:"ssl" envconfig:"CUSTODIA_SERVER_SSL"`
	Secure    bool   `json:"secure" envconfig:"CUSTODIA_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"CUSTODIA_SERVER_SECRET_KEY"`
	Domain    string `json:"domain" envconfig:"CUSTODIA_SERVER_SSL_DOMAIN"`
	Email     string `json:"ssl_email" envconfig:"CUSTODIA_SERVER_SSL_EMAIL"`
	Port      string `json:"port" envconfig:"CUSTODIA_SERVER_PORT"`
}

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"CUSTODIA_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns           string `json:"dns" envconfig:"CUSTODIA_REDIS_DNS"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"CUSTODIA_REDIS_SKIP_TLS_VERIFY"`
}

type QueueConfig struct {
	PaymentQueue     string `json:"payment_queue" envconfig:"CUSTODIA_PAYMENT_QUEUE"`
	WebhookQueue     string `json:"webhook_queue" envconfig:"CUSTODIA_WEBHOOK_QUEUE"`
	NumberOfQueues   int    `json:"number_of_queues" envconfig:"CUSTODIA_NUMBER_OF_QUEUES"`
	MaxRetryAttempts int    `json:"max_retry_attempts" envconfig:"CUSTODIA_QUEUE_MAX_RETRY_ATTEMPTS"`
	MonitoringPort   string `json:"monitoring_port" envconfig:"CUSTODIA_QUEUE_MONITORING_PORT"`
}

// CustodyConfig carries everything needed to talk to the custody provider
// and to verify the webhooks it sends back.
type CustodyConfig struct {
	BaseURL          string `json:"base_url" envconfig:"CUSTODIA_CUSTODY_BASE_URL"`
	JwtPrivateKey    string `json:"jwt_private_key" envconfig:"CUSTODIA_CUSTODY_JWT_PRIVATE_KEY"`
	ApiKey           string `json:"api_key" envconfig:"CUSTODIA_CUSTODY_API_KEY"`
	WebhookPublicKey string `json:"webhook_public_key" envconfig:"CUSTODIA_CUSTODY_WEBHOOK_PUBLIC_KEY"`
	SignatureHeader  string `json:"signature_header" envconfig:"CUSTODIA_CUSTODY_SIGNATURE_HEADER"`
	RequestTimeout   int    `json:"request_timeout_sec" envconfig:"CUSTODIA_CUSTODY_REQUEST_TIMEOUT_SEC"`
}

type HorizonConfig struct {
	Url            string `json:"url" envconfig:"CUSTODIA_HORIZON_URL"`
	RequestTimeout int    `json:"request_timeout_sec" envconfig:"CUSTODIA_HORIZON_REQUEST_TIMEOUT_SEC"`
}

type ReconciliationConfig struct {
	IntervalSec int `json:"interval_sec" envconfig:"CUSTODIA_RECONCILIATION_INTERVAL_SEC"`
	MaxAttempts int `json:"max_attempts" envconfig:"CUSTODIA_RECONCILIATION_MAX_ATTEMPTS"`
}

type TrustlineConfig struct {
	IntervalSec int `json:"interval_sec" envconfig:"CUSTODIA_TRUSTLINE_INTERVAL_SEC"`
	TimeoutSec  int `json:"timeout_sec" envconfig:"CUSTODIA_TRUSTLINE_TIMEOUT_SEC"`
}

type ObserverConfig struct {
	IntervalSec int `json:"interval_sec" envconfig:"CUSTODIA_OBSERVER_INTERVAL_SEC"`
	PageLimit   int `json:"page_limit" envconfig:"CUSTODIA_OBSERVER_PAGE_LIMIT"`
}

// MessagesConfig holds the human-readable messages attached to outward
// notifications. Every transition message an operator sees is configurable.
type MessagesConfig struct {
	FundsReceived           string `json:"funds_received" envconfig:"CUSTODIA_MSG_FUNDS_RECEIVED"`
	FundsSent               string `json:"funds_sent" envconfig:"CUSTODIA_MSG_FUNDS_SENT"`
	RefundSent              string `json:"refund_sent" envconfig:"CUSTODIA_MSG_REFUND_SENT"`
	TrustlineEstablished    string `json:"trustline_established" envconfig:"CUSTODIA_MSG_TRUSTLINE_ESTABLISHED"`
	TrustlineTimeout        string `json:"trustline_timeout" envconfig:"CUSTODIA_MSG_TRUSTLINE_TIMEOUT"`
	ReconciliationExhausted string `json:"reconciliation_exhausted" envconfig:"CUSTODIA_MSG_RECONCILIATION_EXHAUSTED"`
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"CUSTODIA_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"CUSTODIA_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"CUSTODIA_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url"`
}

type Notification struct {
	Slack   SlackWebhook `json:"slack"`
	Webhook struct {
		Url     string            `json:"url"`
		Headers map[string]string `json:"headers"`
	} `json:"webhook"`
}

type Configuration struct {
	ProjectName    string               `json:"project_name" envconfig:"CUSTODIA_PROJECT_NAME"`
	Server         ServerConfig         `json:"server"`
	DataSource     DataSourceConfig     `json:"data_source"`
	Redis          RedisConfig          `json:"redis"`
	Queue          QueueConfig          `json:"queue"`
	Custody        CustodyConfig        `json:"custody"`
	Horizon        HorizonConfig        `json:"horizon"`
	Reconciliation ReconciliationConfig `json:"reconciliation"`
	Trustline      TrustlineConfig      `json:"trustline"`
	Observer       ObserverConfig       `json:"observer"`
	Messages       MessagesConfig       `json:"messages"`
	Notification   Notification         `json:"notification"`
	RateLimit      RateLimitConfig      `json:"rate_limit"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}

	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("custodia", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called custodia.json with your config ❌")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Custodia Server"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	if cnf.Custody.BaseURL == "" {
		log.Println("Error: Custody base URL is empty. It's a required field.")
		return errors.New("custody base URL is required")
	}

	if cnf.Horizon.Url == "" {
		cnf.Horizon.Url = "https://horizon-testnet.stellar.org"
		log.Printf("Warning: Horizon URL not specified. Using %s", cnf.Horizon.Url)
	}

	// Trim white spaces from fields
	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)
	cnf.Custody.BaseURL = strings.TrimSpace(cnf.Custody.BaseURL)
	cnf.Horizon.Url = strings.TrimSpace(cnf.Horizon.Url)

	// Set default value for Port if it's empty
	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	if cnf.Custody.SignatureHeader == "" {
		cnf.Custody.SignatureHeader = "X-Signature"
	}
	if cnf.Custody.RequestTimeout <= 0 {
		cnf.Custody.RequestTimeout = 30
	}
	if cnf.Horizon.RequestTimeout <= 0 {
		cnf.Horizon.RequestTimeout = 30
	}

	if cnf.Queue.PaymentQueue == "" {
		cnf.Queue.PaymentQueue = "new:payment"
	}
	if cnf.Queue.WebhookQueue == "" {
		cnf.Queue.WebhookQueue = "new:webhook"
	}
	if cnf.Queue.NumberOfQueues <= 0 {
		cnf.Queue.NumberOfQueues = 4
	}
	if cnf.Queue.MaxRetryAttempts <= 0 {
		cnf.Queue.MaxRetryAttempts = 5
	}
	if cnf.Queue.MonitoringPort == "" {
		cnf.Queue.MonitoringPort = "5004"
	}

	if cnf.Reconciliation.IntervalSec <= 0 {
		cnf.Reconciliation.IntervalSec = 60
	}
	if cnf.Reconciliation.MaxAttempts <= 0 {
		cnf.Reconciliation.MaxAttempts = 10
	}
	if cnf.Trustline.IntervalSec <= 0 {
		cnf.Trustline.IntervalSec = 60
	}
	if cnf.Trustline.TimeoutSec <= 0 {
		cnf.Trustline.TimeoutSec = 3600
	}
	if cnf.Observer.IntervalSec <= 0 {
		cnf.Observer.IntervalSec = 5
	}
	if cnf.Observer.PageLimit <= 0 {
		cnf.Observer.PageLimit = 200
	}

	cnf.Messages.applyDefaults()

	// Rate limiting is disabled by default (when both RPS and Burst are nil)
	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.Burst == nil {
		defaultBurst := 2 * int(*cnf.RateLimit.RequestsPerSecond)
		cnf.RateLimit.Burst = &defaultBurst
		log.Printf("Warning: Rate limit burst not specified. Setting default value: %d", defaultBurst)
	}
	if cnf.RateLimit.RequestsPerSecond == nil && cnf.RateLimit.Burst != nil {
		defaultRPS := float64(*cnf.RateLimit.Burst) / 2
		cnf.RateLimit.RequestsPerSecond = &defaultRPS
		log.Printf("Warning: Rate limit RPS not specified. Setting default value: %.2f", defaultRPS)
	}

	// Set default cleanup interval if not specified
	if cnf.RateLimit.CleanupIntervalSec == nil {
		defaultCleanup := 10800 // 3 hours in seconds
		cnf.RateLimit.CleanupIntervalSec = &defaultCleanup
	}

	return nil
}

func (m *MessagesConfig) applyDefaults() {
	if m.FundsReceived == "" {
		m.FundsReceived = "funds received on Stellar network"
	}
	if m.FundsSent == "" {
		m.FundsSent = "funds sent on Stellar network"
	}
	if m.RefundSent == "" {
		m.RefundSent = "refund sent on Stellar network"
	}
	if m.TrustlineEstablished == "" {
		m.TrustlineEstablished = "trustline established"
	}
	if m.TrustlineTimeout == "" {
		m.TrustlineTimeout = "trustline was not established before the configured timeout"
	}
	if m.ReconciliationExhausted == "" {
		m.ReconciliationExhausted = "transaction did not reach a terminal state at the custody provider"
	}
}

// ReconciliationInterval returns the reconciliation sweep interval as a duration.
func (cnf *Configuration) ReconciliationInterval() time.Duration {
	return time.Duration(cnf.Reconciliation.IntervalSec) * time.Second
}

// TrustlineInterval returns the trustline sweep interval as a duration.
func (cnf *Configuration) TrustlineInterval() time.Duration {
	return time.Duration(cnf.Trustline.IntervalSec) * time.Second
}

// TrustlineTimeout returns how long a pending-trust record may wait before
// it is failed out.
func (cnf *Configuration) TrustlineTimeout() time.Duration {
	return time.Duration(cnf.Trustline.TimeoutSec) * time.Second
}

// ObserverInterval returns the ledger polling interval as a duration.
func (cnf *Configuration) ObserverInterval() time.Duration {
	return time.Duration(cnf.Observer.IntervalSec) * time.Second
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
