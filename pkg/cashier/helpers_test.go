package cashier

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

// Test card payment methods mirroring the gateway's special test tokens.
const (
	pmVisa          = "pm_card_visa"
	pm3DSRequired   = "pm_card_threeDSecure2Required"
	pmChargeFail    = "pm_card_chargeCustomerFail"
	testPlanMonthly = "price_monthly_10"
	testPlanPremium = "price_premium_20"
	testAccount     = "acct_connected_1"
)

// testClock is a controllable time source shared by client and assertions.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeRepo is an in-memory Repository for tests.
type fakeRepo struct {
	mu               sync.Mutex
	billables        map[string]*Billable
	byCustomer       map[string]string
	subs             map[string]*Subscription // billableID|name
	byRemote         map[string]string        // remoteID -> billableID|name
	accountCustomers map[string]string        // billableID|account -> customerID

	subscriptionByRemoteCalls int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		billables:        make(map[string]*Billable),
		byCustomer:       make(map[string]string),
		subs:             make(map[string]*Subscription),
		byRemote:         make(map[string]string),
		accountCustomers: make(map[string]string),
	}
}

func (r *fakeRepo) Billable(_ context.Context, id string) (*Billable, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.billables[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (r *fakeRepo) BillableByCustomerID(_ context.Context, customerID string) (*Billable, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byCustomer[customerID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r.billables[id]
	return &cp, nil
}

func (r *fakeRepo) SaveBillable(_ context.Context, b *Billable) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *b
	r.billables[b.ID] = &cp
	if b.CustomerID != "" {
		r.byCustomer[b.CustomerID] = b.ID
	}
	return nil
}

func (r *fakeRepo) Subscription(_ context.Context, billableID, name string) (*Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.subs[billableID+"|"+name]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *fakeRepo) SubscriptionByRemoteID(_ context.Context, remoteID string) (*Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscriptionByRemoteCalls++
	key, ok := r.byRemote[remoteID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r.subs[key]
	return &cp, nil
}

func (r *fakeRepo) Subscriptions(_ context.Context, billableID string) ([]*Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Subscription
	for key, s := range r.subs {
		if strings.HasPrefix(key, billableID+"|") {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeRepo) SaveSubscription(_ context.Context, s *Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := s.BillableID + "|" + s.Name
	cp := *s
	r.subs[key] = &cp
	if s.RemoteID != "" {
		r.byRemote[s.RemoteID] = key
	}
	return nil
}

func (r *fakeRepo) AccountCustomer(_ context.Context, billableID, accountID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.accountCustomers[billableID+"|"+accountID]
	if !ok {
		return "", ErrNotFound
	}
	return id, nil
}

func (r *fakeRepo) SaveAccountCustomer(_ context.Context, billableID, accountID, customerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accountCustomers[billableID+"|"+accountID] = customerID
	return nil
}

// storedSub reads a persisted subscription directly, bypassing the client.
func (r *fakeRepo) storedSub(t *testing.T, billableID, name string) *Subscription {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.subs[billableID+"|"+name]
	if !ok {
		t.Fatalf("subscription %s/%s not persisted", billableID, name)
	}
	cp := *s
	return &cp
}

// fakeGateway simulates the payment processor. Payment outcomes key off the
// special test payment method IDs; everything else succeeds.
type fakeGateway struct {
	mu    sync.Mutex
	clock *testClock

	customers map[string]*Customer // account|id
	byEmail   map[string]*Customer // account|email
	custSeq   int

	attached map[string][]*PaymentMethod // account|customerID
	methods  map[string]*PaymentMethod

	subs   map[string]*RemoteSubscription
	subSeq int

	// Last params seen, for asserting what the client sent.
	lastCreate *SubscriptionCreateParams
	lastUpdate *SubscriptionUpdateParams

	invoices     map[string]*RemoteInvoice
	invSeq       int
	pendingItems map[string][]InvoiceLine // customerID
	upcoming     map[string]*RemoteInvoice

	payments map[string]*PaymentIntent
	paySeq   int

	cloneCalls    int
	payOutcome    PaymentStatus // outcome for PayInvoice; zero means succeeded
	upcomingFails bool
}

func newFakeGateway(clock *testClock) *fakeGateway {
	return &fakeGateway{
		clock:        clock,
		customers:    make(map[string]*Customer),
		byEmail:      make(map[string]*Customer),
		attached:     make(map[string][]*PaymentMethod),
		methods:      make(map[string]*PaymentMethod),
		subs:         make(map[string]*RemoteSubscription),
		invoices:     make(map[string]*RemoteInvoice),
		pendingItems: make(map[string][]InvoiceLine),
		upcoming:     make(map[string]*RemoteInvoice),
		payments:     make(map[string]*PaymentIntent),
	}
}

func gwErr(op string) error {
	return &GatewayError{Op: op, Code: "resource_missing", Err: fmt.Errorf("no such resource")}
}

func (g *fakeGateway) CreateCustomer(_ context.Context, p *CustomerCreateParams) (*Customer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.custSeq++
	cust := &Customer{
		ID:                   fmt.Sprintf("cus_%s%d", accountTag(p.Account), g.custSeq),
		Email:                p.Email,
		Currency:             "usd",
		DefaultPaymentMethod: p.PaymentMethod,
		Account:              p.Account,
	}
	g.customers[p.Account+"|"+cust.ID] = cust
	g.byEmail[p.Account+"|"+p.Email] = cust
	return copyCustomer(cust), nil
}

func (g *fakeGateway) Customer(_ context.Context, id, account string) (*Customer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cust, ok := g.customers[account+"|"+id]
	if !ok {
		return nil, gwErr("customer.retrieve")
	}
	return copyCustomer(cust), nil
}

func (g *fakeGateway) UpdateCustomer(_ context.Context, id string, p *CustomerUpdateParams) (*Customer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cust, ok := g.customers[p.Account+"|"+id]
	if !ok {
		return nil, gwErr("customer.update")
	}
	if p.Email != nil {
		cust.Email = *p.Email
	}
	if p.DefaultPaymentMethod != nil {
		cust.DefaultPaymentMethod = *p.DefaultPaymentMethod
	}
	return copyCustomer(cust), nil
}

func (g *fakeGateway) CustomerByEmail(_ context.Context, email, account string) (*Customer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cust, ok := g.byEmail[account+"|"+email]
	if !ok {
		return nil, nil
	}
	return copyCustomer(cust), nil
}

func (g *fakeGateway) AttachPaymentMethod(_ context.Context, id, customerID, account string) (*PaymentMethod, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	pm, ok := g.methods[id]
	if !ok {
		pm = &PaymentMethod{ID: id, Type: "card", Brand: "visa", LastFour: "4242"}
		g.methods[id] = pm
	}
	pm.Customer = customerID
	key := account + "|" + customerID
	for _, existing := range g.attached[key] {
		if existing.ID == id {
			return copyMethod(pm), nil
		}
	}
	g.attached[key] = append(g.attached[key], pm)
	return copyMethod(pm), nil
}

func (g *fakeGateway) DetachPaymentMethod(_ context.Context, id, account string) (*PaymentMethod, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	pm, ok := g.methods[id]
	if !ok {
		return nil, gwErr("paymentmethod.detach")
	}
	for key, list := range g.attached {
		if !strings.HasPrefix(key, account+"|") {
			continue
		}
		for i, existing := range list {
			if existing.ID == id {
				g.attached[key] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
	// Clear the customer default if it pointed at the detached method.
	for ckey, cust := range g.customers {
		if strings.HasPrefix(ckey, account+"|") && cust.DefaultPaymentMethod == id {
			cust.DefaultPaymentMethod = ""
		}
	}
	return copyMethod(pm), nil
}

func (g *fakeGateway) PaymentMethod(_ context.Context, id, _ string) (*PaymentMethod, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	pm, ok := g.methods[id]
	if !ok {
		return nil, gwErr("paymentmethod.retrieve")
	}
	return copyMethod(pm), nil
}

func (g *fakeGateway) PaymentMethods(_ context.Context, customerID, account string) ([]*PaymentMethod, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*PaymentMethod
	for _, pm := range g.attached[account+"|"+customerID] {
		out = append(out, copyMethod(pm))
	}
	return out, nil
}

func (g *fakeGateway) ClonePaymentMethod(_ context.Context, _, paymentMethodID, destAccount string) (*PaymentMethod, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cloneCalls++
	src, ok := g.methods[paymentMethodID]
	if !ok {
		return nil, gwErr("paymentmethod.clone")
	}
	clone := &PaymentMethod{
		ID:       paymentMethodID + "_clone_" + destAccount,
		Type:     src.Type,
		Brand:    src.Brand,
		LastFour: src.LastFour,
	}
	g.methods[clone.ID] = clone
	return copyMethod(clone), nil
}

func (g *fakeGateway) CreateSubscription(_ context.Context, p *SubscriptionCreateParams) (*RemoteSubscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.subSeq++
	g.lastCreate = p

	now := g.clock.Now()
	remote := &RemoteSubscription{
		ID:               fmt.Sprintf("sub_%s%d", accountTag(p.Account), g.subSeq),
		CustomerID:       p.Customer,
		PlanID:           p.Plan,
		Status:           StatusActive,
		Quantity:         p.Quantity,
		TrialEnd:         p.TrialEnd,
		CurrentPeriodEnd: now.AddDate(0, 1, 0),
		Created:          now,
	}
	if p.TrialEnd != nil && p.TrialEnd.After(now) {
		remote.Status = StatusTrialing
	}

	pm := p.DefaultPaymentMethod
	if pm == "" {
		if cust, ok := g.customers[p.Account+"|"+p.Customer]; ok {
			pm = cust.DefaultPaymentMethod
		}
	}
	outcome := outcomeFor(pm)
	if remote.Status != StatusTrialing {
		g.paySeq++
		intent := &PaymentIntent{
			ID:           fmt.Sprintf("pi_%d", g.paySeq),
			Status:       outcome,
			ClientSecret: fmt.Sprintf("pi_%d_secret", g.paySeq),
			Amount:       1000,
			Currency:     "usd",
		}
		if outcome != PaymentStatusSucceeded {
			remote.Status = StatusIncomplete
		}
		g.invSeq++
		remote.LatestInvoice = &RemoteInvoice{
			ID:            fmt.Sprintf("in_%d", g.invSeq),
			CustomerID:    p.Customer,
			Paid:          outcome == PaymentStatusSucceeded,
			Total:         1000,
			Currency:      "usd",
			Created:       now,
			PaymentIntent: intent,
		}
		g.payments[intent.ID] = intent
		g.invoices[remote.LatestInvoice.ID] = remote.LatestInvoice
	}

	g.subs[remote.ID] = remote
	return copyRemoteSub(remote), nil
}

func (g *fakeGateway) Subscription(_ context.Context, id, _ string) (*RemoteSubscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	remote, ok := g.subs[id]
	if !ok {
		return nil, gwErr("subscription.retrieve")
	}
	return copyRemoteSub(remote), nil
}

func (g *fakeGateway) UpdateSubscription(_ context.Context, id string, p *SubscriptionUpdateParams) (*RemoteSubscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastUpdate = p
	remote, ok := g.subs[id]
	if !ok {
		return nil, gwErr("subscription.update")
	}
	if p.Plan != nil {
		remote.PlanID = *p.Plan
	}
	if p.Quantity != nil {
		remote.Quantity = *p.Quantity
	}
	if p.TrialEndNow {
		remote.TrialEnd = nil
		if remote.Status == StatusTrialing {
			remote.Status = StatusActive
		}
	} else if p.TrialEnd != nil {
		remote.TrialEnd = p.TrialEnd
		if remote.TrialEnd.After(g.clock.Now()) {
			remote.Status = StatusTrialing
		}
	}
	if p.CancelAtPeriodEnd != nil {
		remote.CancelAtPeriodEnd = *p.CancelAtPeriodEnd
	}
	return copyRemoteSub(remote), nil
}

func (g *fakeGateway) CancelSubscription(_ context.Context, id, _ string) (*RemoteSubscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	remote, ok := g.subs[id]
	if !ok {
		return nil, gwErr("subscription.cancel")
	}
	remote.Status = StatusCanceled
	return copyRemoteSub(remote), nil
}

// setRemoteStatus mutates the stored remote record, simulating out-of-band
// state changes the client later observes.
func (g *fakeGateway) setRemoteStatus(id string, status Status) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if remote, ok := g.subs[id]; ok {
		remote.Status = status
	}
}

func (g *fakeGateway) CreateInvoiceItem(_ context.Context, p *InvoiceItemParams) (*InvoiceLine, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	line := InvoiceLine{
		ID:          fmt.Sprintf("ii_%d", len(g.pendingItems[p.Customer])+1),
		Description: p.Description,
		Amount:      p.Amount,
		Currency:    p.Currency,
		Quantity:    1,
	}
	g.pendingItems[p.Customer] = append(g.pendingItems[p.Customer], line)
	return &line, nil
}

func (g *fakeGateway) CreateInvoice(_ context.Context, p *InvoiceCreateParams) (*RemoteInvoice, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	lines := g.pendingItems[p.Customer]
	if len(lines) == 0 {
		return nil, gwErr("invoice.create")
	}
	delete(g.pendingItems, p.Customer)

	var total int64
	for _, line := range lines {
		total += line.Amount
	}
	g.invSeq++
	inv := &RemoteInvoice{
		ID:         fmt.Sprintf("in_%d", g.invSeq),
		CustomerID: p.Customer,
		Status:     "open",
		Total:      total,
		Subtotal:   total,
		Currency:   "usd",
		Created:    g.clock.Now(),
		Lines:      lines,
	}
	if cust, ok := g.customers[p.Account+"|"+p.Customer]; ok && cust.Balance < 0 {
		inv.StartingBalance = cust.Balance
	}
	g.invoices[inv.ID] = inv
	return copyInvoice(inv), nil
}

func (g *fakeGateway) PayInvoice(_ context.Context, id, _ string) (*RemoteInvoice, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	inv, ok := g.invoices[id]
	if !ok {
		return nil, gwErr("invoice.pay")
	}
	outcome := g.payOutcome
	if outcome == "" {
		outcome = PaymentStatusSucceeded
	}
	g.paySeq++
	inv.PaymentIntent = &PaymentIntent{
		ID:           fmt.Sprintf("pi_%d", g.paySeq),
		Status:       outcome,
		ClientSecret: fmt.Sprintf("pi_%d_secret", g.paySeq),
		Amount:       inv.Total,
		Currency:     inv.Currency,
	}
	if outcome == PaymentStatusSucceeded {
		inv.Paid = true
		inv.Status = "paid"
	}
	g.payments[inv.PaymentIntent.ID] = inv.PaymentIntent
	return copyInvoice(inv), nil
}

func (g *fakeGateway) Invoice(_ context.Context, id, _ string) (*RemoteInvoice, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	inv, ok := g.invoices[id]
	if !ok {
		return nil, gwErr("invoice.retrieve")
	}
	return copyInvoice(inv), nil
}

func (g *fakeGateway) UpcomingInvoice(_ context.Context, customerID, _ string) (*RemoteInvoice, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.upcomingFails {
		return nil, gwErr("invoice.upcoming")
	}
	inv, ok := g.upcoming[customerID]
	if !ok {
		return nil, gwErr("invoice.upcoming")
	}
	return copyInvoice(inv), nil
}

func (g *fakeGateway) Invoices(_ context.Context, customerID, _ string, limit int) ([]*RemoteInvoice, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*RemoteInvoice
	for _, inv := range g.invoices {
		if inv.CustomerID == customerID {
			out = append(out, copyInvoice(inv))
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (g *fakeGateway) CreatePayment(_ context.Context, p *PaymentParams) (*PaymentIntent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.paySeq++
	intent := &PaymentIntent{
		ID:           fmt.Sprintf("pi_%d", g.paySeq),
		Status:       outcomeFor(p.PaymentMethod),
		ClientSecret: fmt.Sprintf("pi_%d_secret", g.paySeq),
		Amount:       p.Amount,
		Currency:     p.Currency,
	}
	g.payments[intent.ID] = intent
	return intent, nil
}

func (g *fakeGateway) Payment(_ context.Context, id, _ string) (*PaymentIntent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	intent, ok := g.payments[id]
	if !ok {
		return nil, gwErr("payment.retrieve")
	}
	cp := *intent
	return &cp, nil
}

func (g *fakeGateway) RefundPayment(_ context.Context, p *RefundParams) (*Refund, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	intent, ok := g.payments[p.PaymentIntent]
	if !ok {
		return nil, gwErr("payment.refund")
	}
	amount := p.Amount
	if amount == 0 {
		amount = intent.Amount
	}
	return &Refund{ID: "re_1", Amount: amount, Status: "succeeded"}, nil
}

func outcomeFor(paymentMethodID string) PaymentStatus {
	switch {
	case strings.Contains(paymentMethodID, "threeDSecure2Required"):
		return PaymentStatusRequiresAction
	case strings.Contains(paymentMethodID, "chargeCustomerFail"):
		return PaymentStatusRequiresPaymentMethod
	default:
		return PaymentStatusSucceeded
	}
}

func accountTag(account string) string {
	if account == "" {
		return ""
	}
	return "acct_"
}

func copyCustomer(c *Customer) *Customer { cp := *c; return &cp }

func copyMethod(m *PaymentMethod) *PaymentMethod { cp := *m; return &cp }

func copyRemoteSub(s *RemoteSubscription) *RemoteSubscription {
	cp := *s
	if s.LatestInvoice != nil {
		cp.LatestInvoice = copyInvoice(s.LatestInvoice)
	}
	return &cp
}

func copyInvoice(i *RemoteInvoice) *RemoteInvoice {
	cp := *i
	if i.PaymentIntent != nil {
		pi := *i.PaymentIntent
		cp.PaymentIntent = &pi
	}
	cp.Lines = append([]InvoiceLine(nil), i.Lines...)
	return &cp
}

// newTestClient wires a client against the fakes with a fixed clock.
func newTestClient(t *testing.T) (*Client, *fakeGateway, *fakeRepo, *testClock) {
	t.Helper()
	clock := newTestClock()
	gateway := newFakeGateway(clock)
	repo := newFakeRepo()

	cfg := DefaultConfig()
	cfg.Clock = clock.Now
	client, err := New(gateway, repo, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return client, gateway, repo, clock
}

// newTestBillable persists a billable the tests operate on.
func newTestBillable(t *testing.T, repo *fakeRepo, id string) *Billable {
	t.Helper()
	b := &Billable{ID: id, Email: id + "@example.com"}
	if err := repo.SaveBillable(context.Background(), b); err != nil {
		t.Fatalf("SaveBillable: %v", err)
	}
	return b
}
