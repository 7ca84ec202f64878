// Package redis provides a Redis implementation of the cashier repository
// and event store. Records are stored as JSON values; webhook event
// deduplication uses SET NX with a TTL so the dedup window stays bounded.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/gocashier/pkg/cashier"
)

const (
	defaultKeyPrefix = "cashier"
	defaultEventTTL  = 72 * time.Hour
)

// Config holds Redis store configuration.
type Config struct {
	// Client is an existing go-redis client. Required.
	Client *redis.Client

	// KeyPrefix namespaces all keys. Defaults to "cashier".
	KeyPrefix string

	// EventTTL bounds the webhook dedup window. Defaults to 72h, matching
	// the usual gateway retry horizon.
	EventTTL time.Duration
}

// Store implements cashier.Repository and cashier.EventStore on Redis.
type Store struct {
	client   *redis.Client
	prefix   string
	eventTTL time.Duration
}

// New creates a Redis store and verifies the connection.
func New(ctx context.Context, config Config) (*Store, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	prefix := config.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	eventTTL := config.EventTTL
	if eventTTL <= 0 {
		eventTTL = defaultEventTTL
	}

	if err := config.Client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return &Store{client: config.Client, prefix: prefix, eventTTL: eventTTL}, nil
}

func (s *Store) key(parts ...string) string {
	return s.prefix + ":" + strings.Join(parts, ":")
}

func (s *Store) getJSON(ctx context.Context, key string, out interface{}) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return cashier.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return nil
}

func (s *Store) setJSON(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

func (s *Store) Billable(ctx context.Context, id string) (*cashier.Billable, error) {
	var b cashier.Billable
	if err := s.getJSON(ctx, s.key("billable", id), &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *Store) BillableByCustomerID(ctx context.Context, customerID string) (*cashier.Billable, error) {
	id, err := s.client.Get(ctx, s.key("customer", customerID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, cashier.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve customer index: %w", err)
	}
	return s.Billable(ctx, id)
}

func (s *Store) SaveBillable(ctx context.Context, b *cashier.Billable) error {
	if err := s.setJSON(ctx, s.key("billable", b.ID), b); err != nil {
		return err
	}
	if b.CustomerID != "" {
		if err := s.client.Set(ctx, s.key("customer", b.CustomerID), b.ID, 0).Err(); err != nil {
			return fmt.Errorf("failed to index customer: %w", err)
		}
	}
	return nil
}

func (s *Store) Subscription(ctx context.Context, billableID, name string) (*cashier.Subscription, error) {
	var sub cashier.Subscription
	if err := s.getJSON(ctx, s.key("subscription", billableID, name), &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *Store) SubscriptionByRemoteID(ctx context.Context, remoteID string) (*cashier.Subscription, error) {
	ref, err := s.client.Get(ctx, s.key("subscription_remote", remoteID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, cashier.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve remote index: %w", err)
	}
	billableID, name, ok := strings.Cut(ref, "\x00")
	if !ok {
		return nil, cashier.ErrNotFound
	}
	return s.Subscription(ctx, billableID, name)
}

func (s *Store) Subscriptions(ctx context.Context, billableID string) ([]*cashier.Subscription, error) {
	names, err := s.client.SMembers(ctx, s.key("subscriptions", billableID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list subscription names: %w", err)
	}

	var out []*cashier.Subscription
	for _, name := range names {
		sub, err := s.Subscription(ctx, billableID, name)
		if errors.Is(err, cashier.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) SaveSubscription(ctx context.Context, sub *cashier.Subscription) error {
	if err := s.setJSON(ctx, s.key("subscription", sub.BillableID, sub.Name), sub); err != nil {
		return err
	}
	if err := s.client.SAdd(ctx, s.key("subscriptions", sub.BillableID), sub.Name).Err(); err != nil {
		return fmt.Errorf("failed to index subscription: %w", err)
	}
	if sub.RemoteID != "" {
		ref := sub.BillableID + "\x00" + sub.Name
		if err := s.client.Set(ctx, s.key("subscription_remote", sub.RemoteID), ref, 0).Err(); err != nil {
			return fmt.Errorf("failed to index remote id: %w", err)
		}
	}
	return nil
}

func (s *Store) AccountCustomer(ctx context.Context, billableID, accountID string) (string, error) {
	customerID, err := s.client.Get(ctx, s.key("account_customer", billableID, accountID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", cashier.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get account customer: %w", err)
	}
	return customerID, nil
}

func (s *Store) SaveAccountCustomer(ctx context.Context, billableID, accountID, customerID string) error {
	if err := s.client.Set(ctx, s.key("account_customer", billableID, accountID), customerID, 0).Err(); err != nil {
		return fmt.Errorf("failed to save account customer: %w", err)
	}
	return nil
}

// MarkProcessed implements cashier.EventStore. SET NX makes the first
// delivery win atomically across replicas.
func (s *Store) MarkProcessed(ctx context.Context, eventID string) (bool, error) {
	fresh, err := s.client.SetNX(ctx, s.key("event", eventID), 1, s.eventTTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to record event: %w", err)
	}
	return fresh, nil
}
