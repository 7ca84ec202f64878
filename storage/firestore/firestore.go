// Package firestore provides a Google Cloud Firestore implementation of the
// cashier repository and event store.
package firestore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/gocashier/pkg/cashier"
)

const (
	collBillables        = "billables"
	collSubscriptions    = "subscriptions"
	collAccountCustomers = "accountCustomers"
	collWebhookEvents    = "webhookEvents"
)

// Store implements cashier.Repository and cashier.EventStore on Firestore.
type Store struct {
	client *firestore.Client
	prefix string
}

// Config holds Firestore store configuration.
type Config struct {
	// Client is an existing Firestore client. Required.
	Client *firestore.Client

	// CollectionPrefix namespaces the collections, e.g. for tests sharing a
	// project. Optional.
	CollectionPrefix string
}

// New creates a Firestore store.
func New(config Config) (*Store, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}
	return &Store{client: config.Client, prefix: config.CollectionPrefix}, nil
}

func (s *Store) coll(name string) *firestore.CollectionRef {
	return s.client.Collection(s.prefix + name)
}

type billableDoc struct {
	ID           string     `firestore:"id"`
	Email        string     `firestore:"email"`
	CustomerID   string     `firestore:"customerId"`
	AccountID    string     `firestore:"accountId"`
	CardBrand    string     `firestore:"cardBrand"`
	CardLastFour string     `firestore:"cardLastFour"`
	TrialEndsAt  *time.Time `firestore:"trialEndsAt"`
	UpdatedAt    time.Time  `firestore:"updatedAt"`
}

type subscriptionDoc struct {
	BillableID  string     `firestore:"billableId"`
	Name        string     `firestore:"name"`
	RemoteID    string     `firestore:"remoteId"`
	Plan        string     `firestore:"plan"`
	Status      string     `firestore:"status"`
	Quantity    int64      `firestore:"quantity"`
	TrialEndsAt *time.Time `firestore:"trialEndsAt"`
	EndsAt      *time.Time `firestore:"endsAt"`
	CreatedAt   time.Time  `firestore:"createdAt"`
	UpdatedAt   time.Time  `firestore:"updatedAt"`
}

func (d *billableDoc) toBillable() *cashier.Billable {
	return &cashier.Billable{
		ID:           d.ID,
		Email:        d.Email,
		CustomerID:   d.CustomerID,
		AccountID:    d.AccountID,
		CardBrand:    d.CardBrand,
		CardLastFour: d.CardLastFour,
		TrialEndsAt:  d.TrialEndsAt,
	}
}

func (d *subscriptionDoc) toSubscription() *cashier.Subscription {
	return &cashier.Subscription{
		BillableID:  d.BillableID,
		Name:        d.Name,
		RemoteID:    d.RemoteID,
		Plan:        d.Plan,
		Status:      cashier.Status(d.Status),
		Quantity:    d.Quantity,
		TrialEndsAt: d.TrialEndsAt,
		EndsAt:      d.EndsAt,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
}

func (s *Store) Billable(ctx context.Context, id string) (*cashier.Billable, error) {
	snap, err := s.coll(collBillables).Doc(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, cashier.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get billable: %w", err)
	}
	var doc billableDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode billable: %w", err)
	}
	return doc.toBillable(), nil
}

func (s *Store) BillableByCustomerID(ctx context.Context, customerID string) (*cashier.Billable, error) {
	iter := s.coll(collBillables).Where("customerId", "==", customerID).Limit(1).Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if err == iterator.Done {
		return nil, cashier.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query billable by customer: %w", err)
	}
	var doc billableDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode billable: %w", err)
	}
	return doc.toBillable(), nil
}

func (s *Store) SaveBillable(ctx context.Context, b *cashier.Billable) error {
	doc := billableDoc{
		ID:           b.ID,
		Email:        b.Email,
		CustomerID:   b.CustomerID,
		AccountID:    b.AccountID,
		CardBrand:    b.CardBrand,
		CardLastFour: b.CardLastFour,
		TrialEndsAt:  b.TrialEndsAt,
		UpdatedAt:    time.Now().UTC(),
	}
	if _, err := s.coll(collBillables).Doc(b.ID).Set(ctx, doc); err != nil {
		return fmt.Errorf("failed to save billable: %w", err)
	}
	return nil
}

func subscriptionDocID(billableID, name string) string {
	return billableID + "__" + name
}

func (s *Store) Subscription(ctx context.Context, billableID, name string) (*cashier.Subscription, error) {
	snap, err := s.coll(collSubscriptions).Doc(subscriptionDocID(billableID, name)).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, cashier.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	var doc subscriptionDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode subscription: %w", err)
	}
	return doc.toSubscription(), nil
}

func (s *Store) SubscriptionByRemoteID(ctx context.Context, remoteID string) (*cashier.Subscription, error) {
	iter := s.coll(collSubscriptions).Where("remoteId", "==", remoteID).Limit(1).Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if err == iterator.Done {
		return nil, cashier.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query subscription by remote id: %w", err)
	}
	var doc subscriptionDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode subscription: %w", err)
	}
	return doc.toSubscription(), nil
}

func (s *Store) Subscriptions(ctx context.Context, billableID string) ([]*cashier.Subscription, error) {
	iter := s.coll(collSubscriptions).
		Where("billableId", "==", billableID).
		OrderBy("createdAt", firestore.Desc).
		Documents(ctx)
	defer iter.Stop()

	var out []*cashier.Subscription
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list subscriptions: %w", err)
		}
		var doc subscriptionDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode subscription: %w", err)
		}
		out = append(out, doc.toSubscription())
	}
	return out, nil
}

func (s *Store) SaveSubscription(ctx context.Context, sub *cashier.Subscription) error {
	createdAt := sub.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	doc := subscriptionDoc{
		BillableID:  sub.BillableID,
		Name:        sub.Name,
		RemoteID:    sub.RemoteID,
		Plan:        sub.Plan,
		Status:      string(sub.Status),
		Quantity:    sub.Quantity,
		TrialEndsAt: sub.TrialEndsAt,
		EndsAt:      sub.EndsAt,
		CreatedAt:   createdAt,
		UpdatedAt:   time.Now().UTC(),
	}
	if _, err := s.coll(collSubscriptions).Doc(subscriptionDocID(sub.BillableID, sub.Name)).Set(ctx, doc); err != nil {
		return fmt.Errorf("failed to save subscription: %w", err)
	}
	return nil
}

func (s *Store) AccountCustomer(ctx context.Context, billableID, accountID string) (string, error) {
	snap, err := s.coll(collAccountCustomers).Doc(billableID + "__" + accountID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return "", cashier.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get account customer: %w", err)
	}
	customerID, err := snap.DataAt("customerId")
	if err != nil {
		return "", fmt.Errorf("failed to decode account customer: %w", err)
	}
	id, ok := customerID.(string)
	if !ok || id == "" {
		return "", cashier.ErrNotFound
	}
	return id, nil
}

func (s *Store) SaveAccountCustomer(ctx context.Context, billableID, accountID, customerID string) error {
	_, err := s.coll(collAccountCustomers).Doc(billableID+"__"+accountID).Set(ctx, map[string]interface{}{
		"billableId": billableID,
		"accountId":  accountID,
		"customerId": customerID,
		"createdAt":  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to save account customer: %w", err)
	}
	return nil
}

// MarkProcessed implements cashier.EventStore. Create fails with
// AlreadyExists for duplicate deliveries, which makes the first one win.
func (s *Store) MarkProcessed(ctx context.Context, eventID string) (bool, error) {
	_, err := s.coll(collWebhookEvents).Doc(eventID).Create(ctx, map[string]interface{}{
		"processedAt": time.Now().UTC(),
	})
	if status.Code(err) == codes.AlreadyExists {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to record event: %w", err)
	}
	return true, nil
}
