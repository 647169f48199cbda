// Package billing translates payment-provider webhook events into
// subscription state changes.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	stripelib "github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"

	"github.com/seoaudit/seoaudit/internal/plans"
	"github.com/seoaudit/seoaudit/internal/store"
	"github.com/seoaudit/seoaudit/internal/subscription"
)

const webhookBodyLimit = 1024 * 1024 // 1 MiB

// Metadata keys read from checkout sessions and subscriptions.
const (
	MetaUserID  = "user_id"
	MetaPlanID  = "plan_id"
	MetaPriceID = "price_id"
)

// ActionBillingEvent is the admin trail action for processed webhook events.
const ActionBillingEvent = "billing.event"

var errUnmapped = errors.New("no plan mapped")

// Recorder appends to the admin trail. *admin.Service implements it.
type Recorder interface {
	Log(ctx context.Context, action, actor, userID string, detail any)
}

// WebhookHandler verifies Stripe webhook signatures and applies the events
// to subscription state.
type WebhookHandler struct {
	secret     string
	pricePlans map[string]string
	subs       *subscription.Service
	catalog    *plans.Catalog
	trail      Recorder
	logger     *slog.Logger
}

// NewWebhookHandler creates a Stripe webhook HTTP handler. pricePlans maps
// Stripe price ids to plan ids. trail may be nil.
func NewWebhookHandler(secret string, pricePlans map[string]string, subs *subscription.Service, catalog *plans.Catalog, trail Recorder, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		secret:     secret,
		pricePlans: pricePlans,
		subs:       subs,
		catalog:    catalog,
		trail:      trail,
		logger:     logger.With("component", "billing"),
	}
}

// ServeHTTP verifies the Stripe signature and dispatches the event. Failures
// to apply an event answer 500 so Stripe retries the delivery.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.TrimSpace(h.secret) == "" {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "webhook secret not configured"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read request body"})
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing Stripe signature"})
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, h.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid Stripe signature"})
		return
	}

	userID, err := h.handleEvent(r.Context(), &event)
	if err != nil {
		h.logger.Error("webhook processing failed", "event_id", event.ID, "type", event.Type, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "processing failed"})
		return
	}
	if userID != "" && h.trail != nil {
		h.trail.Log(r.Context(), ActionBillingEvent, "stripe", userID,
			map[string]string{"event_id": event.ID, "type": string(event.Type)})
	}
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// handleEvent applies one event and returns the affected user, if any.
func (h *WebhookHandler) handleEvent(ctx context.Context, event *stripelib.Event) (string, error) {
	switch event.Type {
	case "checkout.session.completed":
		var session stripelib.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return "", fmt.Errorf("decode checkout.session: %w", err)
		}
		return h.handleCheckout(ctx, &session)

	case "customer.subscription.updated":
		var sub stripelib.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return "", fmt.Errorf("decode subscription: %w", err)
		}
		return h.handleSubscriptionUpdated(ctx, &sub)

	case "customer.subscription.deleted":
		var sub stripelib.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return "", fmt.Errorf("decode subscription: %w", err)
		}
		return h.handleSubscriptionDeleted(ctx, &sub)

	default:
		h.logger.Debug("webhook ignored", "type", event.Type, "event_id", event.ID)
		return "", nil
	}
}

func (h *WebhookHandler) handleCheckout(ctx context.Context, session *stripelib.CheckoutSession) (string, error) {
	userID := session.Metadata[MetaUserID]
	if userID == "" {
		userID = session.ClientReferenceID
	}
	if userID == "" {
		h.logger.Warn("checkout without user reference ignored", "session_id", session.ID)
		return "", nil
	}

	planID, err := h.planFor(session.Metadata, "")
	if err != nil {
		h.logger.Warn("checkout without plan ignored", "session_id", session.ID, "user_id", userID)
		return "", nil
	}

	refs := subscription.BillingRefs{}
	if session.Customer != nil {
		refs.CustomerRef = session.Customer.ID
	}
	if session.Subscription != nil {
		refs.SubscriptionRef = session.Subscription.ID
		refs.PeriodEnd = periodEnd(session.Subscription)
	}

	if _, err := h.subs.SetPlan(ctx, userID, planID, refs); err != nil {
		if errors.Is(err, subscription.ErrInvalidInput) {
			h.logger.Warn("checkout rejected", "session_id", session.ID, "user_id", userID, "plan", planID, "error", err)
			return "", nil
		}
		return "", err
	}
	h.logger.Info("checkout applied", "user_id", userID, "plan", planID)
	return userID, nil
}

func (h *WebhookHandler) handleSubscriptionUpdated(ctx context.Context, sub *stripelib.Subscription) (string, error) {
	current, err := h.locate(ctx, sub)
	if err != nil || current == nil {
		return "", err
	}
	userID := current.UserID

	if !sub.CancelAtPeriodEnd && current.Status == store.StatusCancelled {
		if _, err := h.subs.Reactivate(ctx, userID); err != nil {
			return "", err
		}
	}

	planID, err := h.planFor(sub.Metadata, priceID(sub))
	if err != nil {
		planID = current.PlanID
	} else if _, err := h.catalog.Lookup(planID); err != nil {
		h.logger.Warn("subscription mapped to unknown plan, keeping current", "subscription_id", sub.ID, "plan", planID)
		planID = current.PlanID
	}
	end := periodEnd(sub)
	if planID != current.PlanID || !sameTime(end, current.PeriodEnd) {
		refs := subscription.BillingRefs{SubscriptionRef: sub.ID, PeriodEnd: end}
		if _, err := h.subs.SetPlan(ctx, userID, planID, refs); err != nil {
			return "", err
		}
	}

	if sub.CancelAtPeriodEnd {
		if _, err := h.subs.Cancel(ctx, userID); err != nil {
			return "", err
		}
	}
	return userID, nil
}

func (h *WebhookHandler) handleSubscriptionDeleted(ctx context.Context, sub *stripelib.Subscription) (string, error) {
	current, err := h.locate(ctx, sub)
	if err != nil || current == nil {
		return "", err
	}
	if _, err := h.subs.SetPlan(ctx, current.UserID, h.catalog.Free().ID, subscription.BillingRefs{}); err != nil {
		return "", err
	}
	h.logger.Info("subscription ended, moved to free plan", "user_id", current.UserID, "from", current.PlanID)
	return current.UserID, nil
}

// locate finds the local subscription for a Stripe subscription, by customer
// reference first and then by the user id in its metadata.
func (h *WebhookHandler) locate(ctx context.Context, sub *stripelib.Subscription) (*subscription.Subscription, error) {
	if sub.Customer != nil && sub.Customer.ID != "" {
		current, err := h.subs.FindByCustomerRef(ctx, sub.Customer.ID)
		if err != nil {
			return nil, err
		}
		if current != nil {
			return current, nil
		}
	}
	if userID := sub.Metadata[MetaUserID]; userID != "" {
		current, err := h.subs.GetEffective(ctx, userID)
		if err != nil {
			if errors.Is(err, subscription.ErrInvalidInput) {
				h.logger.Warn("subscription metadata has invalid user id", "subscription_id", sub.ID)
				return nil, nil
			}
			return nil, err
		}
		if !current.Virtual {
			return current, nil
		}
	}
	h.logger.Warn("subscription event for unknown customer ignored", "subscription_id", sub.ID)
	return nil, nil
}

// planFor resolves the plan from metadata, then from the price map.
func (h *WebhookHandler) planFor(meta map[string]string, price string) (string, error) {
	if id := meta[MetaPlanID]; id != "" {
		return id, nil
	}
	if price == "" {
		price = meta[MetaPriceID]
	}
	if id, ok := h.pricePlans[price]; ok && price != "" {
		return id, nil
	}
	return "", errUnmapped
}

func priceID(sub *stripelib.Subscription) string {
	if sub.Items == nil {
		return ""
	}
	for _, item := range sub.Items.Data {
		if item != nil && item.Price != nil && item.Price.ID != "" {
			return item.Price.ID
		}
	}
	return ""
}

func periodEnd(sub *stripelib.Subscription) *time.Time {
	if sub == nil || sub.CurrentPeriodEnd == 0 {
		return nil
	}
	t := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
	return &t
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil
	}
	return a.Equal(*b)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
