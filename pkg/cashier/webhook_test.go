package cashier

import (
	"context"
	"testing"
	"time"
)

func TestHandleSubscriptionUpdatedAppliesNewerEvent(t *testing.T) {
	client, _, repo, clock := newTestClient(t)
	ctx := context.Background()
	b := newTestBillable(t, repo, "user-1")
	sub := createTestSubscription(t, ctx, client, b)

	clock.Advance(time.Hour)
	event := &RemoteSubscription{
		ID:       sub.RemoteID,
		PlanID:   testPlanMonthly,
		Status:   StatusPastDue,
		Quantity: 1,
	}
	if err := client.HandleSubscriptionUpdated(ctx, event, clock.Now()); err != nil {
		t.Fatalf("HandleSubscriptionUpdated: %v", err)
	}

	stored := repo.storedSub(t, b.ID, "default")
	if stored.Status != StatusPastDue {
		t.Errorf("Expected event payload applied, got status %s", stored.Status)
	}
	if !stored.UpdatedAt.Equal(clock.Now()) {
		t.Errorf("Expected UpdatedAt advanced, got %v", stored.UpdatedAt)
	}
}

func TestHandleSubscriptionUpdatedStaleEventRefetches(t *testing.T) {
	client, gateway, repo, _ := newTestClient(t)
	ctx := context.Background()
	b := newTestBillable(t, repo, "user-1")
	sub := createTestSubscription(t, ctx, client, b)

	// The gateway has moved on; the replayed event claims an older state.
	gateway.setRemoteStatus(sub.RemoteID, StatusPastDue)

	stale := &RemoteSubscription{
		ID:       sub.RemoteID,
		PlanID:   testPlanMonthly,
		Status:   StatusCanceled,
		Quantity: 1,
	}
	occurredAt := sub.UpdatedAt.Add(-time.Hour)
	if err := client.HandleSubscriptionUpdated(ctx, stale, occurredAt); err != nil {
		t.Fatalf("HandleSubscriptionUpdated: %v", err)
	}

	stored := repo.storedSub(t, b.ID, "default")
	if stored.Status != StatusPastDue {
		t.Errorf("Expected the gateway's current state, got %s", stored.Status)
	}
}

func TestHandleSubscriptionUpdatedUnknownSubscription(t *testing.T) {
	client, _, repo, clock := newTestClient(t)

	event := &RemoteSubscription{ID: "sub_unknown", Status: StatusActive}
	if err := client.HandleSubscriptionUpdated(context.Background(), event, clock.Now()); err != nil {
		t.Fatalf("Expected unknown subscriptions to be ignored, got %v", err)
	}
	if len(repo.subs) != 0 {
		t.Error("Expected nothing persisted")
	}
}

func TestHandleSubscriptionDeleted(t *testing.T) {
	client, _, repo, clock := newTestClient(t)
	ctx := context.Background()
	b := newTestBillable(t, repo, "user-1")
	sub := createTestSubscription(t, ctx, client, b)

	clock.Advance(time.Hour)
	occurredAt := clock.Now()
	if err := client.HandleSubscriptionDeleted(ctx, sub.RemoteID, occurredAt); err != nil {
		t.Fatalf("HandleSubscriptionDeleted: %v", err)
	}

	stored := repo.storedSub(t, b.ID, "default")
	if stored.Status != StatusCanceled {
		t.Errorf("Expected status canceled, got %s", stored.Status)
	}
	if stored.EndsAt == nil || !stored.EndsAt.Equal(occurredAt) {
		t.Errorf("Expected EndsAt %v, got %v", occurredAt, stored.EndsAt)
	}

	// Unknown subscriptions are ignored.
	if err := client.HandleSubscriptionDeleted(ctx, "sub_unknown", occurredAt); err != nil {
		t.Fatalf("HandleSubscriptionDeleted: %v", err)
	}
}

func TestHandleSubscriptionDeletedKeepsEarlierEnd(t *testing.T) {
	client, _, repo, clock := newTestClient(t)
	ctx := context.Background()
	b := newTestBillable(t, repo, "user-1")
	sub := createTestSubscription(t, ctx, client, b)

	earlier := clock.Now().Add(-time.Hour)
	sub.EndsAt = &earlier
	if err := repo.SaveSubscription(ctx, sub); err != nil {
		t.Fatalf("SaveSubscription: %v", err)
	}

	if err := client.HandleSubscriptionDeleted(ctx, sub.RemoteID, clock.Now()); err != nil {
		t.Fatalf("HandleSubscriptionDeleted: %v", err)
	}
	stored := repo.storedSub(t, b.ID, "default")
	if stored.EndsAt == nil || !stored.EndsAt.Equal(earlier) {
		t.Errorf("Expected the earlier end date kept, got %v", stored.EndsAt)
	}
}

func TestHandleInvoicePaymentSucceededReconciles(t *testing.T) {
	client, _, repo, _ := newTestClient(t)
	ctx := context.Background()
	b := newTestBillable(t, repo, "user-1")
	sub := createTestSubscription(t, ctx, client, b)

	// The local record lags behind: it still says past_due after the retry
	// went through at the gateway.
	sub.Status = StatusPastDue
	if err := repo.SaveSubscription(ctx, sub); err != nil {
		t.Fatalf("SaveSubscription: %v", err)
	}

	invoice := &RemoteInvoice{ID: "in_9", SubscriptionID: sub.RemoteID, Paid: true}
	if err := client.HandleInvoicePaymentSucceeded(ctx, invoice); err != nil {
		t.Fatalf("HandleInvoicePaymentSucceeded: %v", err)
	}

	stored := repo.storedSub(t, b.ID, "default")
	if stored.Status != StatusActive {
		t.Errorf("Expected reconciliation back to active, got %s", stored.Status)
	}

	// Invoices without a subscription are ignored.
	if err := client.HandleInvoicePaymentSucceeded(ctx, &RemoteInvoice{ID: "in_10"}); err != nil {
		t.Fatalf("HandleInvoicePaymentSucceeded: %v", err)
	}
}

func TestHandleInvoicePaymentFailedReconciles(t *testing.T) {
	client, gateway, repo, _ := newTestClient(t)
	ctx := context.Background()
	b := newTestBillable(t, repo, "user-1")
	sub := createTestSubscription(t, ctx, client, b)

	gateway.setRemoteStatus(sub.RemoteID, StatusPastDue)

	invoice := &RemoteInvoice{ID: "in_9", SubscriptionID: sub.RemoteID}
	if err := client.HandleInvoicePaymentFailed(ctx, invoice); err != nil {
		t.Fatalf("HandleInvoicePaymentFailed: %v", err)
	}

	stored := repo.storedSub(t, b.ID, "default")
	if stored.Status != StatusPastDue {
		t.Errorf("Expected past_due after failed payment, got %s", stored.Status)
	}
}

func TestHandlePaymentMethodUpdated(t *testing.T) {
	client, gateway, repo, _ := newTestClient(t)
	ctx := context.Background()
	b := newTestBillable(t, repo, "user-1")

	if _, err := client.UpdateDefaultPaymentMethod(ctx, b, pmVisa); err != nil {
		t.Fatalf("UpdateDefaultPaymentMethod: %v", err)
	}

	// The card was replaced at the gateway, outside this system.
	gateway.methods["pm_card_amex"] = &PaymentMethod{ID: "pm_card_amex", Type: "card", Brand: "amex", LastFour: "0005"}
	if _, err := gateway.AttachPaymentMethod(ctx, "pm_card_amex", b.CustomerID, ""); err != nil {
		t.Fatalf("AttachPaymentMethod: %v", err)
	}
	newDefault := "pm_card_amex"
	if _, err := gateway.UpdateCustomer(ctx, b.CustomerID, &CustomerUpdateParams{DefaultPaymentMethod: &newDefault}); err != nil {
		t.Fatalf("UpdateCustomer: %v", err)
	}

	if err := client.HandlePaymentMethodUpdated(ctx, b.CustomerID); err != nil {
		t.Fatalf("HandlePaymentMethodUpdated: %v", err)
	}

	saved, _ := repo.Billable(ctx, b.ID)
	if saved.CardBrand != "amex" || saved.CardLastFour != "0005" {
		t.Errorf("Expected resynced card details, got %s %s", saved.CardBrand, saved.CardLastFour)
	}

	// Unknown customers are ignored.
	if err := client.HandlePaymentMethodUpdated(ctx, "cus_unknown"); err != nil {
		t.Fatalf("HandlePaymentMethodUpdated: %v", err)
	}
}

func TestHandleCustomerDeleted(t *testing.T) {
	client, _, repo, _ := newTestClient(t)
	ctx := context.Background()
	b := newTestBillable(t, repo, "user-1")

	if _, err := client.UpdateDefaultPaymentMethod(ctx, b, pmVisa); err != nil {
		t.Fatalf("UpdateDefaultPaymentMethod: %v", err)
	}
	customerID := b.CustomerID

	if err := client.HandleCustomerDeleted(ctx, customerID); err != nil {
		t.Fatalf("HandleCustomerDeleted: %v", err)
	}

	saved, _ := repo.Billable(ctx, b.ID)
	if saved.HasCustomer() {
		t.Error("Expected customer linkage cleared")
	}
	if saved.HasCardOnFile() {
		t.Error("Expected card details cleared")
	}

	if err := client.HandleCustomerDeleted(ctx, "cus_unknown"); err != nil {
		t.Fatalf("HandleCustomerDeleted: %v", err)
	}
}
