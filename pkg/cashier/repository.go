package cashier

import "context"

// Repository persists billables, their subscriptions and the per-connected-
// account customer mapping. Implementations must treat single-record saves as
// atomic; no cross-record transactions are required.
//
// Lookup methods return ErrNotFound (possibly wrapped) when no record exists.
type Repository interface {
	// Billable retrieves a billable by its local ID.
	Billable(ctx context.Context, id string) (*Billable, error)

	// BillableByCustomerID retrieves the billable owning the given gateway
	// customer ID. Used by webhook replay.
	BillableByCustomerID(ctx context.Context, customerID string) (*Billable, error)

	// SaveBillable creates or updates a billable record.
	SaveBillable(ctx context.Context, b *Billable) error

	// Subscription retrieves a subscription by owner and logical name.
	Subscription(ctx context.Context, billableID, name string) (*Subscription, error)

	// SubscriptionByRemoteID retrieves a subscription by its gateway ID.
	// Used by webhook replay, which is keyed by remote IDs.
	SubscriptionByRemoteID(ctx context.Context, remoteID string) (*Subscription, error)

	// Subscriptions lists all subscriptions owned by a billable, newest
	// first.
	Subscriptions(ctx context.Context, billableID string) ([]*Subscription, error)

	// SaveSubscription creates or updates a subscription record, keyed by
	// (billable, name).
	SaveSubscription(ctx context.Context, s *Subscription) error

	// AccountCustomer retrieves the customer ID created for a billable on a
	// connected account (the shared-customer mapping).
	AccountCustomer(ctx context.Context, billableID, accountID string) (string, error)

	// SaveAccountCustomer stores the shared-customer mapping for a billable
	// on a connected account.
	SaveAccountCustomer(ctx context.Context, billableID, accountID, customerID string) error
}

// EventStore deduplicates webhook deliveries. MarkProcessed records an event
// ID and reports whether this delivery is the first one.
type EventStore interface {
	MarkProcessed(ctx context.Context, eventID string) (bool, error)
}
