// Package webhook delivers memory lifecycle events to subscriber URLs
// with persistent retry state.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/openmemory/openmemory-go/pkg/storage"
)

// Event names emitted by the memory engine.
const (
	EventMemoryAdded      = "memory.added"
	EventMemoryUpdated    = "memory.updated"
	EventMemoryDeleted    = "memory.deleted"
	EventMemoryReinforced = "memory.reinforced"
	EventReflection       = "reflection.created"
)

const (
	maxAttempts    = 5
	baseRetryDelay = time.Minute
	deliverTimeout = 10 * time.Second
	sweepBatch     = 64
)

var deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "openmemory",
	Subsystem: "webhook",
	Name:      "deliveries_total",
	Help:      "Webhook delivery attempts by outcome.",
}, []string{"outcome"})

// Dispatcher queues events for subscribed URLs and drains the queue with
// exponential backoff. Emit never blocks on the network; actual HTTP
// delivery happens in DeliverPending, which the scheduler runs.
type Dispatcher struct {
	store  storage.Store
	client *http.Client
}

func New(store storage.Store) *Dispatcher {
	return &Dispatcher{
		store:  store,
		client: &http.Client{Timeout: deliverTimeout},
	}
}

// Subscribe registers a URL for a user's events. An empty events list
// subscribes to everything.
func (d *Dispatcher) Subscribe(ctx context.Context, userID, url string, events []string) (*storage.WebhookRow, error) {
	if url == "" {
		return nil, fmt.Errorf("Subscribe: url required")
	}
	row := &storage.WebhookRow{
		ID:        uuid.NewString(),
		UserID:    userID,
		URL:       url,
		Events:    events,
		CreatedAt: time.Now().UTC(),
	}
	if err := d.store.InsertWebhook(ctx, row); err != nil {
		return nil, fmt.Errorf("Subscribe: %w", err)
	}
	return row, nil
}

// Unsubscribe removes a subscription. Deliveries already queued for it
// are marked failed by the next sweep.
func (d *Dispatcher) Unsubscribe(ctx context.Context, id, userID string) error {
	if err := d.store.DeleteWebhook(ctx, id, userID); err != nil {
		return fmt.Errorf("Unsubscribe: %w", err)
	}
	return nil
}

// Subscriptions lists a user's active subscriptions.
func (d *Dispatcher) Subscriptions(ctx context.Context, userID string) ([]*storage.WebhookRow, error) {
	hooks, err := d.store.ListWebhooks(ctx, userID, "")
	if err != nil {
		return nil, fmt.Errorf("Subscriptions: %w", err)
	}
	return hooks, nil
}

// Emit records one pending delivery per matching subscription. The
// payload is serialized once and shared across subscriptions.
func (d *Dispatcher) Emit(ctx context.Context, userID, event string, payload interface{}) error {
	hooks, err := d.store.ListWebhooks(ctx, userID, event)
	if err != nil {
		return fmt.Errorf("Emit: %w", err)
	}
	if len(hooks) == 0 {
		return nil
	}
	body, err := json.Marshal(map[string]interface{}{
		"event":   event,
		"user_id": userID,
		"ts":      time.Now().UTC().Format(time.RFC3339),
		"data":    payload,
	})
	if err != nil {
		return fmt.Errorf("Emit: %w", err)
	}
	now := time.Now().UTC()
	for _, h := range hooks {
		row := &storage.WebhookLogRow{
			ID:          uuid.NewString(),
			WebhookID:   h.ID,
			Event:       event,
			Payload:     string(body),
			Status:      "pending",
			NextRetryAt: &now,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := d.store.InsertWebhookLog(ctx, row); err != nil {
			return fmt.Errorf("Emit: %w", err)
		}
	}
	return nil
}

// DeliverPending drains due deliveries. A failed POST reschedules with
// exponential backoff until maxAttempts, then the log row is marked
// failed while the subscription stays active.
func (d *Dispatcher) DeliverPending(ctx context.Context) error {
	now := time.Now().UTC()
	logs, err := d.store.ListPendingWebhookLogs(ctx, now, sweepBatch)
	if err != nil {
		return fmt.Errorf("DeliverPending: %w", err)
	}
	for _, entry := range logs {
		if err := ctx.Err(); err != nil {
			return err
		}
		hook, err := d.store.GetWebhook(ctx, entry.WebhookID)
		if err != nil {
			return fmt.Errorf("DeliverPending: %w", err)
		}
		if hook == nil || hook.Disabled {
			entry.Status = "failed"
			entry.LastError = "subscription missing or disabled"
			entry.NextRetryAt = nil
			entry.UpdatedAt = time.Now().UTC()
			if err := d.store.UpdateWebhookLog(ctx, entry); err != nil {
				return fmt.Errorf("DeliverPending: %w", err)
			}
			continue
		}
		d.attempt(ctx, entry, hook.URL)
		if err := d.store.UpdateWebhookLog(ctx, entry); err != nil {
			return fmt.Errorf("DeliverPending: %w", err)
		}
	}
	return nil
}

func (d *Dispatcher) attempt(ctx context.Context, entry *storage.WebhookLogRow, url string) {
	entry.Attempts++
	entry.UpdatedAt = time.Now().UTC()

	err := d.post(ctx, url, entry)
	if err == nil {
		entry.Status = "delivered"
		entry.LastError = ""
		entry.NextRetryAt = nil
		deliveries.WithLabelValues("delivered").Inc()
		return
	}

	entry.LastError = err.Error()
	if entry.Attempts >= maxAttempts {
		entry.Status = "failed"
		entry.NextRetryAt = nil
		deliveries.WithLabelValues("failed").Inc()
		log.Warn("webhook delivery gave up", "webhook", entry.WebhookID, "event", entry.Event, "err", err)
		return
	}
	// 1m, 2m, 4m, 8m between attempts.
	next := time.Now().UTC().Add(baseRetryDelay << (entry.Attempts - 1))
	entry.NextRetryAt = &next
	deliveries.WithLabelValues("retried").Inc()
}

func (d *Dispatcher) post(ctx context.Context, url string, entry *storage.WebhookLogRow) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader([]byte(entry.Payload)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-OpenMemory-Event", entry.Event)
	req.Header.Set("X-OpenMemory-Delivery", entry.ID)
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}
