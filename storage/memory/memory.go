// Package memory provides an in-memory implementation of the cashier
// repository and event store. It is the default for tests and single-process
// deployments; records do not survive a restart.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/mihaimyh/gocashier/pkg/cashier"
)

// Store implements cashier.Repository and cashier.EventStore with mutex-
// guarded maps.
type Store struct {
	mu sync.RWMutex

	billables  map[string]*cashier.Billable
	byCustomer map[string]string // gateway customer ID -> billable ID

	subscriptions map[string]map[string]*cashier.Subscription // billable ID -> name
	byRemote      map[string][2]string                        // remote ID -> (billable ID, name)

	accountCustomers map[string]map[string]string // billable ID -> account -> customer ID

	events map[string]struct{}
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		billables:        make(map[string]*cashier.Billable),
		byCustomer:       make(map[string]string),
		subscriptions:    make(map[string]map[string]*cashier.Subscription),
		byRemote:         make(map[string][2]string),
		accountCustomers: make(map[string]map[string]string),
		events:           make(map[string]struct{}),
	}
}

func (s *Store) Billable(_ context.Context, id string) (*cashier.Billable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.billables[id]
	if !ok {
		return nil, cashier.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *Store) BillableByCustomerID(_ context.Context, customerID string) (*cashier.Billable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byCustomer[customerID]
	if !ok {
		return nil, cashier.ErrNotFound
	}
	b, ok := s.billables[id]
	if !ok {
		return nil, cashier.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *Store) SaveBillable(_ context.Context, b *cashier.Billable) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.billables[b.ID]; ok && prev.CustomerID != "" && prev.CustomerID != b.CustomerID {
		delete(s.byCustomer, prev.CustomerID)
	}
	cp := *b
	s.billables[b.ID] = &cp
	if b.CustomerID != "" {
		s.byCustomer[b.CustomerID] = b.ID
	}
	return nil
}

func (s *Store) Subscription(_ context.Context, billableID, name string) (*cashier.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscriptions[billableID][name]
	if !ok {
		return nil, cashier.ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

func (s *Store) SubscriptionByRemoteID(_ context.Context, remoteID string) (*cashier.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.byRemote[remoteID]
	if !ok {
		return nil, cashier.ErrNotFound
	}
	sub, ok := s.subscriptions[key[0]][key[1]]
	if !ok {
		return nil, cashier.ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

func (s *Store) Subscriptions(_ context.Context, billableID string) ([]*cashier.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*cashier.Subscription
	for _, sub := range s.subscriptions[billableID] {
		cp := *sub
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) SaveSubscription(_ context.Context, sub *cashier.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.subscriptions[sub.BillableID] == nil {
		s.subscriptions[sub.BillableID] = make(map[string]*cashier.Subscription)
	}
	cp := *sub
	s.subscriptions[sub.BillableID][sub.Name] = &cp
	if sub.RemoteID != "" {
		s.byRemote[sub.RemoteID] = [2]string{sub.BillableID, sub.Name}
	}
	return nil
}

func (s *Store) AccountCustomer(_ context.Context, billableID, accountID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	customerID, ok := s.accountCustomers[billableID][accountID]
	if !ok {
		return "", cashier.ErrNotFound
	}
	return customerID, nil
}

func (s *Store) SaveAccountCustomer(_ context.Context, billableID, accountID, customerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.accountCustomers[billableID] == nil {
		s.accountCustomers[billableID] = make(map[string]string)
	}
	s.accountCustomers[billableID][accountID] = customerID
	return nil
}

// MarkProcessed implements cashier.EventStore.
func (s *Store) MarkProcessed(_ context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, seen := s.events[eventID]; seen {
		return false, nil
	}
	s.events[eventID] = struct{}{}
	return true, nil
}
