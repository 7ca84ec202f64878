// Package postgres provides a PostgreSQL implementation of the cashier
// repository and event store using pgx connection pooling.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/gocashier/pkg/cashier"
)

// Schema creates the tables the store needs. Apply it with EnsureSchema or
// through your own migration tooling.
const Schema = `
CREATE TABLE IF NOT EXISTS billables (
	id             TEXT PRIMARY KEY,
	email          TEXT NOT NULL DEFAULT '',
	customer_id    TEXT NOT NULL DEFAULT '',
	account_id     TEXT NOT NULL DEFAULT '',
	card_brand     TEXT NOT NULL DEFAULT '',
	card_last_four TEXT NOT NULL DEFAULT '',
	trial_ends_at  TIMESTAMPTZ,
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS billables_customer_id_idx ON billables (customer_id) WHERE customer_id <> '';

CREATE TABLE IF NOT EXISTS subscriptions (
	billable_id   TEXT NOT NULL,
	name          TEXT NOT NULL,
	remote_id     TEXT NOT NULL,
	plan          TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL DEFAULT '',
	quantity      BIGINT NOT NULL DEFAULT 1,
	trial_ends_at TIMESTAMPTZ,
	ends_at       TIMESTAMPTZ,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (billable_id, name)
);
CREATE UNIQUE INDEX IF NOT EXISTS subscriptions_remote_id_idx ON subscriptions (remote_id);

CREATE TABLE IF NOT EXISTS account_customers (
	billable_id TEXT NOT NULL,
	account_id  TEXT NOT NULL,
	customer_id TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (billable_id, account_id)
);

CREATE TABLE IF NOT EXISTS webhook_events (
	event_id     TEXT PRIMARY KEY,
	processed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// Config holds PostgreSQL store configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string.
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible pool defaults.
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// Store implements cashier.Repository and cashier.EventStore on PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a PostgreSQL store and verifies the connection.
func New(ctx context.Context, config Config) (*Store, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{pool: pool}, nil
}

// EnsureSchema applies the store's schema.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Billable(ctx context.Context, id string) (*cashier.Billable, error) {
	return s.scanBillable(s.pool.QueryRow(ctx,
		`SELECT id, email, customer_id, account_id, card_brand, card_last_four, trial_ends_at
			FROM billables WHERE id = $1`, id))
}

func (s *Store) BillableByCustomerID(ctx context.Context, customerID string) (*cashier.Billable, error) {
	return s.scanBillable(s.pool.QueryRow(ctx,
		`SELECT id, email, customer_id, account_id, card_brand, card_last_four, trial_ends_at
			FROM billables WHERE customer_id = $1`, customerID))
}

func (s *Store) scanBillable(row pgx.Row) (*cashier.Billable, error) {
	var b cashier.Billable
	err := row.Scan(&b.ID, &b.Email, &b.CustomerID, &b.AccountID, &b.CardBrand, &b.CardLastFour, &b.TrialEndsAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, cashier.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get billable: %w", err)
	}
	return &b, nil
}

func (s *Store) SaveBillable(ctx context.Context, b *cashier.Billable) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO billables (id, email, customer_id, account_id, card_brand, card_last_four, trial_ends_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
			ON CONFLICT (id) DO UPDATE SET
				email = EXCLUDED.email,
				customer_id = EXCLUDED.customer_id,
				account_id = EXCLUDED.account_id,
				card_brand = EXCLUDED.card_brand,
				card_last_four = EXCLUDED.card_last_four,
				trial_ends_at = EXCLUDED.trial_ends_at,
				updated_at = NOW()`,
		b.ID, b.Email, b.CustomerID, b.AccountID, b.CardBrand, b.CardLastFour, b.TrialEndsAt)
	if err != nil {
		return fmt.Errorf("failed to save billable: %w", err)
	}
	return nil
}

const subscriptionColumns = `billable_id, name, remote_id, plan, status, quantity, trial_ends_at, ends_at, created_at, updated_at`

func (s *Store) Subscription(ctx context.Context, billableID, name string) (*cashier.Subscription, error) {
	return s.scanSubscription(s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE billable_id = $1 AND name = $2`,
		billableID, name))
}

func (s *Store) SubscriptionByRemoteID(ctx context.Context, remoteID string) (*cashier.Subscription, error) {
	return s.scanSubscription(s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE remote_id = $1`, remoteID))
}

func (s *Store) scanSubscription(row pgx.Row) (*cashier.Subscription, error) {
	var sub cashier.Subscription
	var status string
	err := row.Scan(&sub.BillableID, &sub.Name, &sub.RemoteID, &sub.Plan, &status,
		&sub.Quantity, &sub.TrialEndsAt, &sub.EndsAt, &sub.CreatedAt, &sub.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, cashier.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	sub.Status = cashier.Status(status)
	return &sub, nil
}

func (s *Store) Subscriptions(ctx context.Context, billableID string) ([]*cashier.Subscription, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE billable_id = $1 ORDER BY created_at DESC`,
		billableID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []*cashier.Subscription
	for rows.Next() {
		sub, err := s.scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return out, nil
}

func (s *Store) SaveSubscription(ctx context.Context, sub *cashier.Subscription) error {
	createdAt := sub.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO subscriptions (billable_id, name, remote_id, plan, status, quantity, trial_ends_at, ends_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
			ON CONFLICT (billable_id, name) DO UPDATE SET
				remote_id = EXCLUDED.remote_id,
				plan = EXCLUDED.plan,
				status = EXCLUDED.status,
				quantity = EXCLUDED.quantity,
				trial_ends_at = EXCLUDED.trial_ends_at,
				ends_at = EXCLUDED.ends_at,
				updated_at = NOW()`,
		sub.BillableID, sub.Name, sub.RemoteID, sub.Plan, string(sub.Status),
		sub.Quantity, sub.TrialEndsAt, sub.EndsAt, createdAt)
	if err != nil {
		return fmt.Errorf("failed to save subscription: %w", err)
	}
	return nil
}

func (s *Store) AccountCustomer(ctx context.Context, billableID, accountID string) (string, error) {
	var customerID string
	err := s.pool.QueryRow(ctx,
		`SELECT customer_id FROM account_customers WHERE billable_id = $1 AND account_id = $2`,
		billableID, accountID).Scan(&customerID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", cashier.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get account customer: %w", err)
	}
	return customerID, nil
}

func (s *Store) SaveAccountCustomer(ctx context.Context, billableID, accountID, customerID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO account_customers (billable_id, account_id, customer_id)
			VALUES ($1, $2, $3)
			ON CONFLICT (billable_id, account_id) DO UPDATE SET customer_id = EXCLUDED.customer_id`,
		billableID, accountID, customerID)
	if err != nil {
		return fmt.Errorf("failed to save account customer: %w", err)
	}
	return nil
}

// MarkProcessed implements cashier.EventStore. The primary key makes the
// insert race-safe across replicas.
func (s *Store) MarkProcessed(ctx context.Context, eventID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO webhook_events (event_id) VALUES ($1) ON CONFLICT (event_id) DO NOTHING`,
		eventID)
	if err != nil {
		return false, fmt.Errorf("failed to record event: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
