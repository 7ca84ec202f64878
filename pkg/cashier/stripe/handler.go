package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gocashier/pkg/cashier"
	"github.com/mihaimyh/gocashier/pkg/cashier/internal"
)

const (
	defaultMaxBodyBytes      = 256 * 1024
	defaultRateLimitRequests = 100
	defaultRateLimitWindow   = time.Minute
)

// HandlerConfig configures the webhook Handler.
type HandlerConfig struct {
	// Client receives the decoded events. Required.
	Client *cashier.Client

	// WebhookSecret is the endpoint's signing secret ("whsec_..."). Required.
	WebhookSecret string

	// Events deduplicates deliveries by event ID. Optional; without it the
	// handler relies on timestamp comparison alone.
	Events cashier.EventStore

	// Logger is optional; defaults to the noop logger.
	Logger cashier.Logger

	// Metrics is optional; defaults to the noop recorder.
	Metrics cashier.Metrics

	// MaxBodyBytes caps the request body. Defaults to 256 KiB.
	MaxBodyBytes int64

	// RateLimitRequests per RateLimitWindow per client IP. Default 100/min.
	RateLimitRequests int
	RateLimitWindow   time.Duration
}

// Handler verifies, deduplicates and dispatches Stripe webhook events.
// Events from connected accounts carry the account ID; the handler routes
// the context accordingly so downstream gateway calls hit the right account.
type Handler struct {
	client  *cashier.Client
	secret  string
	events  cashier.EventStore
	log     cashier.Logger
	metrics cashier.Metrics

	maxBody int64
	limiter *internal.RateLimiter
}

// NewHandler creates a webhook Handler.
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.Client == nil {
		return nil, errors.New("stripe: webhook handler requires a client")
	}
	secret := strings.TrimSpace(cfg.WebhookSecret)
	if secret == "" {
		return nil, errors.New("stripe: webhook secret is required")
	}

	log := cfg.Logger
	if log == nil {
		log = &cashier.NoopLogger{}
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = &cashier.NoopMetrics{}
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	requests := cfg.RateLimitRequests
	if requests <= 0 {
		requests = defaultRateLimitRequests
	}
	window := cfg.RateLimitWindow
	if window <= 0 {
		window = defaultRateLimitWindow
	}

	return &Handler{
		client:  cfg.Client,
		secret:  secret,
		events:  cfg.Events,
		log:     log,
		metrics: metrics,
		maxBody: maxBody,
		limiter: internal.NewRateLimiter(requests, window),
	}, nil
}

// Handler returns the rate-limited HTTP handler for the webhook endpoint.
func (h *Handler) Handler() http.Handler {
	return h.limiter.Middleware(http.HandlerFunc(h.serveHTTP))
}

func (h *Handler) serveHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := internal.ReadBodyStrict(w, r, h.maxBody)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			h.metrics.RecordWebhookError("payload_too_large")
		} else {
			http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
			h.metrics.RecordWebhookError("invalid_payload")
		}
		return
	}

	sig := r.Header.Get("Stripe-Signature")
	event, err := stripe.ConstructEvent(body, sig, h.secret)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		h.metrics.RecordWebhookError("auth_failed")
		return
	}

	eventType := string(event.Type)
	if eventType == "" {
		eventType = "UNKNOWN"
	}

	ctx := r.Context()
	if event.Account != "" {
		ctx = cashier.WithAccount(ctx, event.Account)
	}

	if h.events != nil {
		fresh, err := h.events.MarkProcessed(ctx, event.ID)
		if err != nil {
			// Dedup is best effort; timestamp comparison downstream still
			// protects against replays.
			h.log.Warn("event dedup unavailable", cashier.Field{Key: "error", Value: err.Error()})
		} else if !fresh {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
			h.metrics.RecordWebhookEvent(eventType, "duplicate")
			return
		}
	}

	if err := h.processEvent(ctx, &event); err != nil {
		h.log.Error("webhook processing failed",
			cashier.Field{Key: "event", Value: event.ID},
			cashier.Field{Key: "type", Value: eventType},
			cashier.Field{Key: "error", Value: err.Error()},
		)
		http.Error(w, "failed to process webhook", http.StatusInternalServerError)
		h.metrics.RecordWebhookEvent(eventType, "error")
		h.metrics.RecordWebhookError("processing_error")
		h.metrics.RecordWebhookProcessingDuration(eventType, time.Since(start))
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
	h.metrics.RecordWebhookEvent(eventType, "success")
	h.metrics.RecordWebhookProcessingDuration(eventType, time.Since(start))
}

func (h *Handler) processEvent(ctx context.Context, event *stripe.Event) error {
	occurredAt := time.Unix(event.Created, 0)

	switch event.Type {
	case "customer.subscription.created", "customer.subscription.updated":
		sub, err := decodeSubscription(event)
		if err != nil {
			return err
		}
		return h.client.HandleSubscriptionUpdated(ctx, subscriptionFromStripe(sub), occurredAt)

	case "customer.subscription.deleted":
		sub, err := decodeSubscription(event)
		if err != nil {
			return err
		}
		return h.client.HandleSubscriptionDeleted(ctx, sub.ID, occurredAt)

	case "invoice.payment_succeeded":
		inv, err := decodeInvoice(event)
		if err != nil {
			return err
		}
		return h.client.HandleInvoicePaymentSucceeded(ctx, inv)

	case "invoice.payment_failed":
		inv, err := decodeInvoice(event)
		if err != nil {
			return err
		}
		return h.client.HandleInvoicePaymentFailed(ctx, inv)

	case "payment_method.updated", "payment_method.automatically_updated":
		var pm stripe.PaymentMethod
		if err := json.Unmarshal(event.Data.Raw, &pm); err != nil {
			return fmt.Errorf("decode payment method: %w", err)
		}
		if pm.Customer == nil {
			return nil
		}
		return h.client.HandlePaymentMethodUpdated(ctx, pm.Customer.ID)

	case "customer.updated":
		var cust stripe.Customer
		if err := json.Unmarshal(event.Data.Raw, &cust); err != nil {
			return fmt.Errorf("decode customer: %w", err)
		}
		return h.client.HandlePaymentMethodUpdated(ctx, cust.ID)

	case "customer.deleted":
		var cust stripe.Customer
		if err := json.Unmarshal(event.Data.Raw, &cust); err != nil {
			return fmt.Errorf("decode customer: %w", err)
		}
		return h.client.HandleCustomerDeleted(ctx, cust.ID)

	default:
		return nil
	}
}

func decodeSubscription(event *stripe.Event) (*stripe.Subscription, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return nil, fmt.Errorf("decode subscription: %w", err)
	}
	return &sub, nil
}

func decodeInvoice(event *stripe.Event) (*cashier.RemoteInvoice, error) {
	var inv stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		return nil, fmt.Errorf("decode invoice: %w", err)
	}
	out := invoiceFromStripe(&inv)

	// Older API versions put the subscription reference at the top level of
	// the invoice payload instead of under parent.
	if out.SubscriptionID == "" {
		var raw map[string]interface{}
		if err := json.Unmarshal(event.Data.Raw, &raw); err == nil {
			switch v := raw["subscription"].(type) {
			case string:
				out.SubscriptionID = v
			case map[string]interface{}:
				if id, ok := v["id"].(string); ok {
					out.SubscriptionID = id
				}
			}
		}
	}
	return out, nil
}
