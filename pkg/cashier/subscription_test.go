package cashier

import (
	"testing"
	"time"
)

func boundSub(clock *testClock, status Status) *Subscription {
	return &Subscription{
		BillableID: "user-1",
		Name:       "default",
		RemoteID:   "sub_1",
		Plan:       testPlanMonthly,
		Status:     status,
		Quantity:   1,
		now:        clock.Now,
	}
}

func TestSubscriptionActiveStates(t *testing.T) {
	clock := newTestClock()

	active := boundSub(clock, StatusActive)
	if !active.Active() || !active.Valid() {
		t.Error("Expected active subscription to be active")
	}
	if !active.Recurring() {
		t.Error("Expected active subscription to be recurring")
	}
	if active.OnTrial() || active.Cancelled() || active.Ended() {
		t.Error("Expected active subscription to be neither trialing, cancelled nor ended")
	}

	trialing := boundSub(clock, StatusTrialing)
	end := clock.Now().AddDate(0, 0, 14)
	trialing.TrialEndsAt = &end
	if !trialing.Active() {
		t.Error("Expected trialing subscription to be active")
	}
	if !trialing.OnTrial() {
		t.Error("Expected trialing subscription to be on trial")
	}
	if trialing.Recurring() {
		t.Error("Expected trialing subscription not to be recurring")
	}

	incomplete := boundSub(clock, StatusIncomplete)
	if incomplete.Active() {
		t.Error("Expected incomplete subscription not to be active")
	}
	if !incomplete.Incomplete() {
		t.Error("Expected Incomplete() to be true")
	}

	canceled := boundSub(clock, StatusCanceled)
	past := clock.Now().Add(-time.Hour)
	canceled.EndsAt = &past
	if canceled.Active() {
		t.Error("Expected canceled subscription not to be active")
	}
}

func TestSubscriptionGracePeriod(t *testing.T) {
	clock := newTestClock()

	sub := boundSub(clock, StatusActive)
	endsAt := clock.Now().AddDate(0, 0, 10)
	sub.EndsAt = &endsAt

	if !sub.Cancelled() {
		t.Error("Expected subscription with EndsAt to report cancelled")
	}
	if !sub.OnGracePeriod() {
		t.Error("Expected future EndsAt to mean grace period")
	}
	if sub.Ended() {
		t.Error("Expected grace-period subscription not to be ended")
	}
	if !sub.Active() {
		t.Error("Expected grace-period subscription to stay active")
	}
	if sub.Recurring() {
		t.Error("Expected cancelled subscription not to be recurring")
	}

	// Crossing the boundary flips the subscription to ended with no state
	// change in between.
	clock.Advance(10*24*time.Hour + time.Minute)
	if sub.OnGracePeriod() {
		t.Error("Expected grace period to be over")
	}
	if !sub.Ended() {
		t.Error("Expected subscription to be ended")
	}
	if sub.Active() {
		t.Error("Expected ended subscription not to be active")
	}
}

func TestSubscriptionEndsAtBoundaryCountsAsEnded(t *testing.T) {
	clock := newTestClock()
	sub := boundSub(clock, StatusActive)
	endsAt := clock.Now()
	sub.EndsAt = &endsAt

	if sub.OnGracePeriod() {
		t.Error("Expected boundary instant not to count as grace period")
	}
	if !sub.Ended() {
		t.Error("Expected boundary instant to count as ended")
	}
}

func TestSubscriptionPastDuePolicy(t *testing.T) {
	clock := newTestClock()

	sub := boundSub(clock, StatusPastDue)
	if !sub.PastDue() {
		t.Error("Expected PastDue() to be true")
	}
	if sub.Active() {
		t.Error("Expected past_due subscription inactive under the default policy")
	}

	sub.keepPastDueActive = true
	if !sub.Active() {
		t.Error("Expected past_due subscription active when the policy keeps it active")
	}
}

func TestSubscriptionOnPlan(t *testing.T) {
	clock := newTestClock()
	sub := boundSub(clock, StatusActive)

	if !sub.OnPlan(testPlanMonthly) {
		t.Errorf("Expected subscription to be on plan %s", testPlanMonthly)
	}
	if sub.OnPlan(testPlanPremium) {
		t.Errorf("Expected subscription not to be on plan %s", testPlanPremium)
	}
}

func TestBillableGenericTrial(t *testing.T) {
	b := &Billable{ID: "user-1"}
	if b.OnGenericTrial() {
		t.Error("Expected no generic trial without TrialEndsAt")
	}

	future := time.Now().Add(48 * time.Hour)
	b.TrialEndsAt = &future
	if !b.OnGenericTrial() {
		t.Error("Expected generic trial with future TrialEndsAt")
	}

	past := time.Now().Add(-time.Hour)
	b.TrialEndsAt = &past
	if b.OnGenericTrial() {
		t.Error("Expected expired generic trial to be over")
	}
}
