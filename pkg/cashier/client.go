// Package cashier attaches subscription, invoicing and payment-method
// capabilities to an application's billable entities, delegating all
// financial state to a remote payment gateway. Local records mirror remote
// state; the gateway remains authoritative and webhook replay reconciles the
// two. Multi-tenant ("connected account") routing is carried on the
// context, see WithAccount.
package cashier

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	defaultCurrency        = "usd"
	defaultInvoicePageSize = 24
)

// Config configures a Client.
type Config struct {
	// Currency is the default currency for charges and invoice items
	// (lowercase ISO code). Defaults to "usd".
	Currency string

	// ProrateByDefault controls the proration policy for plan swaps and
	// quantity changes when the caller does not choose one explicitly.
	ProrateByDefault bool

	// KeepPastDueActive makes past_due subscriptions report Active() true.
	KeepPastDueActive bool

	// InvoicePageSize is the default page size for invoice listings.
	// Defaults to 24.
	InvoicePageSize int

	// Logger is optional; defaults to NoopLogger.
	Logger Logger

	// Metrics is optional; defaults to NoopMetrics.
	Metrics Metrics

	// Clock is optional and exists for tests; defaults to time.Now.
	Clock func() time.Time
}

// DefaultConfig returns a Config with the defaults applied.
func DefaultConfig() Config {
	return Config{
		Currency:         defaultCurrency,
		ProrateByDefault: true,
		InvoicePageSize:  defaultInvoicePageSize,
	}
}

// Client orchestrates billing operations against a Gateway, persisting local
// state through a Repository. It is safe for concurrent use.
type Client struct {
	gateway Gateway
	repo    Repository
	cfg     Config

	log     Logger
	metrics Metrics
	now     func() time.Time

	// resolve collapses concurrent customer resolution for the same
	// (billable, account) pair so the shared-customer protocol runs once.
	resolve singleflight.Group
}

// New creates a Client. Gateway and Repository are required.
func New(gateway Gateway, repo Repository, cfg Config) (*Client, error) {
	if gateway == nil {
		return nil, errors.New("cashier: gateway is required")
	}
	if repo == nil {
		return nil, errors.New("cashier: repository is required")
	}

	if cfg.Currency == "" {
		cfg.Currency = defaultCurrency
	}
	if cfg.InvoicePageSize <= 0 {
		cfg.InvoicePageSize = defaultInvoicePageSize
	}

	log := cfg.Logger
	if log == nil {
		log = &NoopLogger{}
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}

	return &Client{
		gateway: gateway,
		repo:    repo,
		cfg:     cfg,
		log:     log,
		metrics: metrics,
		now:     now,
	}, nil
}

// Config returns the effective configuration.
func (c *Client) Config() Config { return c.cfg }

// accountOf reads the connected-account routing target off the context.
func accountOf(ctx context.Context) string {
	account, _ := AccountFrom(ctx)
	return account
}

// bind attaches the client's clock and policy flags to a subscription so its
// predicates evaluate under the configured behavior.
func (c *Client) bind(s *Subscription) *Subscription {
	if s != nil {
		s.now = c.now
		s.keepPastDueActive = c.cfg.KeepPastDueActive
	}
	return s
}

func (c *Client) bindAll(subs []*Subscription) []*Subscription {
	for _, s := range subs {
		c.bind(s)
	}
	return subs
}

// observe records a gateway call's outcome and duration.
func (c *Client) observe(op string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	c.metrics.RecordAPICall(op, status)
	c.metrics.RecordAPICallDuration(op, c.now().Sub(start))
}

// isGatewayError reports whether err is a transport/validation failure from
// the processor, which read-only operations recover into absent results.
func isGatewayError(err error) bool {
	var ge *GatewayError
	return errors.As(err, &ge)
}
