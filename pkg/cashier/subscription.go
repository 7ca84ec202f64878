package cashier

import "time"

// Subscription is the local record mirroring one gateway subscription. A
// billable owns zero or more subscriptions, uniquely keyed by (billable,
// name); the logical name distinguishes concurrent subscriptions, e.g.
// "default" and "metered".
//
// RemoteID is immutable once set. Status and the timestamps move only
// through Client operations or webhook replay; direct assignment will be
// overwritten by the next reconciliation.
type Subscription struct {
	BillableID string
	Name       string
	RemoteID   string
	Plan       string
	Status     Status
	Quantity   int64

	TrialEndsAt *time.Time

	// EndsAt is set when cancellation has been requested: a future value is
	// the grace-period boundary, a past value means the subscription ended.
	EndsAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time

	// Bound by Client; zero values fall back to time.Now and the default
	// past-due policy.
	now               func() time.Time
	keepPastDueActive bool
}

func (s *Subscription) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

// OnTrial reports whether the subscription is within its trial window.
func (s *Subscription) OnTrial() bool {
	return s.TrialEndsAt != nil && s.TrialEndsAt.After(s.clock())
}

// Cancelled reports whether cancellation has been requested, whether or not
// it has taken effect yet.
func (s *Subscription) Cancelled() bool {
	return s.EndsAt != nil
}

// OnGracePeriod reports whether the subscription is cancelled but still
// usable until its end date.
func (s *Subscription) OnGracePeriod() bool {
	return s.EndsAt != nil && s.EndsAt.After(s.clock())
}

// Ended reports whether a cancellation has taken effect. The boundary
// instant counts as ended.
func (s *Subscription) Ended() bool {
	return s.Cancelled() && !s.OnGracePeriod()
}

// Recurring reports whether the subscription is billing normally: not on
// trial and not cancelled.
func (s *Subscription) Recurring() bool {
	return !s.OnTrial() && !s.Cancelled()
}

// Active reports whether the subscription entitles the owner to service. A
// past_due subscription counts as active only when the keep-past-due-active
// policy is enabled. An ended subscription is never active.
func (s *Subscription) Active() bool {
	if s.Ended() {
		return false
	}
	switch s.Status {
	case StatusActive, StatusTrialing:
		return true
	case StatusPastDue:
		return s.keepPastDueActive || s.OnGracePeriod()
	default:
		return s.OnGracePeriod()
	}
}

// Valid is an alias for Active.
func (s *Subscription) Valid() bool { return s.Active() }

// Incomplete reports whether the first invoice payment has not succeeded.
func (s *Subscription) Incomplete() bool {
	return s.Status == StatusIncomplete
}

// PastDue reports whether the latest renewal invoice is unpaid.
func (s *Subscription) PastDue() bool {
	return s.Status == StatusPastDue
}

// OnPlan reports whether the subscription is for the given plan.
func (s *Subscription) OnPlan(plan string) bool {
	return s.Plan == plan
}

// markCancelledNow records an immediate cancellation.
func (s *Subscription) markCancelledNow() {
	now := s.clock()
	s.Status = StatusCanceled
	s.EndsAt = &now
}
