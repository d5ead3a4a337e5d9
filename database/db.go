package database

import (
	"database/sql"
	"log"
	"sync"

	"github.com/anchorstack/custodia/internal/cache"

	"github.com/anchorstack/custodia/config"
)

// Declare a package-level variable to hold the singleton instance.
// Ensure the instance is not accessible outside the package.
var instance *Datasource
var once sync.Once

type Datasource struct {
	Conn  *sql.DB
	Cache cache.Cache
}

func NewDataSource(configuration *config.Configuration) (IDataSource, error) {
	con, err := GetDBConnection(configuration)
	if err != nil {
		return nil, err
	}
	return con, nil
}

// GetDBConnection provides a global access point to the instance and initializes it if it's not already.
func GetDBConnection(configuration *config.Configuration) (*Datasource, error) {
	var err error
	once.Do(func() {
		con, errConn := ConnectDB(configuration.DataSource.Dns)
		if errConn != nil {
			err = errConn
			return
		}
		newCache, errCache := cache.NewCache()
		if errCache != nil {
			log.Printf("cache unavailable, store reads go straight to Postgres: %v", errCache)
			newCache = nil
		}
		instance = &Datasource{Conn: con, Cache: newCache}
	})
	if err != nil {
		return nil, err
	}
	return instance, nil
}

func ConnectDB(dns string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dns)
	if err != nil {
		return nil, err
	}
	err = db.Ping()
	if err != nil {
		log.Printf("database Connection error ❌: %v", err)
		return nil, err
	}
	err = CreateSchema(db)
	if err != nil {
		return nil, err
	}
	return db, nil
}

// CreateSchema creates the custodia schema and all tables the subsystem
// needs to be durable: custody transactions, the payment audit log,
// pending-trust records and the observer cursor.
func CreateSchema(db *sql.DB) error {
	if _, err := db.Exec(`CREATE SCHEMA IF NOT EXISTS custodia`); err != nil {
		return err
	}
	if err := createCustodyTransactionTable(db); err != nil {
		return err
	}
	if err := createCustodyPaymentTable(db); err != nil {
		return err
	}
	if err := createPendingTrustTable(db); err != nil {
		return err
	}
	if err := createObserverCursorTable(db); err != nil {
		return err
	}
	return nil
}

// createCustodyTransactionTable creates the PostgreSQL table for the
// CustodyTransaction struct. external_tx_id is nullable and unique: it is
// only known once the provider accepts the request.
func createCustodyTransactionTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS custodia.custody_transactions (
			id SERIAL PRIMARY KEY,
			transaction_id TEXT NOT NULL UNIQUE,
			external_tx_id TEXT UNIQUE,
			status TEXT NOT NULL,
			protocol TEXT NOT NULL,
			kind TEXT NOT NULL,
			from_account TEXT,
			to_account TEXT,
			amount TEXT,
			fee TEXT,
			asset TEXT,
			memo TEXT,
			memo_type TEXT,
			reconciliation_attempts INT NOT NULL DEFAULT 0,
			version BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_custody_transactions_to_memo
			ON custodia.custody_transactions (to_account, memo);
		CREATE INDEX IF NOT EXISTS idx_custody_transactions_status
			ON custodia.custody_transactions (status)
	`)
	if err != nil {
		log.Printf("Error creating custody_transactions table: %v", err)
	}
	return err
}

// createCustodyPaymentTable creates the PostgreSQL table for the payment
// audit log. Every normalized payment is recorded, including unmatched and
// mismatched ones.
func createCustodyPaymentTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS custodia.custody_payments (
			id SERIAL PRIMARY KEY,
			payment_id TEXT NOT NULL UNIQUE,
			external_tx_id TEXT,
			type TEXT NOT NULL,
			from_account TEXT,
			to_account TEXT,
			amount TEXT,
			asset_type TEXT,
			asset_code TEXT,
			asset_issuer TEXT,
			asset_name TEXT,
			status TEXT NOT NULL,
			message TEXT,
			tx_hash TEXT,
			tx_memo TEXT,
			tx_memo_type TEXT,
			tx_envelope TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		log.Printf("Error creating custody_payments table: %v", err)
	}
	return err
}

func createPendingTrustTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS custodia.pending_trust (
			id SERIAL PRIMARY KEY,
			transaction_id TEXT NOT NULL UNIQUE,
			account TEXT NOT NULL,
			asset_code TEXT NOT NULL,
			asset_issuer TEXT NOT NULL,
			count INT NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		log.Printf("Error creating pending_trust table: %v", err)
	}
	return err
}

func createObserverCursorTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS custodia.observer_cursors (
			name TEXT PRIMARY KEY,
			cursor TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		log.Printf("Error creating observer_cursors table: %v", err)
	}
	return err
}
