// Package dispatch drains the webhook outbox. Deliveries are claimed in
// batches, POSTed with an HMAC signature, and retried with exponential
// backoff until delivered or attempts are exhausted. At-least-once:
// consumers deduplicate on the event id header.
package dispatch

import (
	"bytes"
	"context"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/chiahaoLLLLL/Blockchain-record-system/pkg/webhook"
	"github.com/chiahaoLLLLL/Blockchain-record-system/services/registry/internal/store"
)

type Config struct {
	Interval    time.Duration
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	BatchSize   int
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 2 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 8
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
}

type Worker struct {
	st     store.Store
	client *http.Client
	cfg    Config
	log    *zap.Logger
	now    func() time.Time
}

func NewWorker(st store.Store, client *http.Client, cfg Config, log *zap.Logger) *Worker {
	cfg.applyDefaults()
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Worker{st: st, client: client, cfg: cfg, log: log, now: time.Now}
}

// Run polls until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.RunOnce(ctx); err != nil {
				w.log.Warn("webhook dispatch pass failed", zap.Error(err))
			}
		}
	}
}

// RunOnce drains one claimed batch. Exposed so tests can step the worker
// without a ticker.
func (w *Worker) RunOnce(ctx context.Context) error {
	now := w.now().UTC()
	due, err := w.st.ClaimDueDeliveries(ctx, now, w.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, d := range due {
		w.attempt(ctx, d, now)
	}
	return nil
}

func (w *Worker) attempt(ctx context.Context, d store.Delivery, now time.Time) {
	attempts := d.Attempts + 1
	err := w.post(ctx, d)
	if err == nil {
		if err := w.st.MarkDeliveryResult(ctx, d.ID, store.DeliveryDelivered, attempts, now); err != nil {
			w.log.Error("mark delivered failed", zap.Int64("delivery_id", d.ID), zap.Error(err))
		}
		return
	}

	status := store.DeliveryPending
	next := now.Add(w.backoff(attempts))
	if attempts >= w.cfg.MaxAttempts {
		status = store.DeliveryFailed
		w.log.Error("webhook delivery abandoned",
			zap.Int64("delivery_id", d.ID),
			zap.String("endpoint_id", d.EndpointID),
			zap.Int("attempts", attempts),
			zap.Error(err))
	} else {
		w.log.Warn("webhook delivery failed, will retry",
			zap.Int64("delivery_id", d.ID),
			zap.String("endpoint_id", d.EndpointID),
			zap.Int("attempts", attempts),
			zap.Time("next_attempt_at", next),
			zap.Error(err))
	}
	if err := w.st.MarkDeliveryResult(ctx, d.ID, status, attempts, next); err != nil {
		w.log.Error("mark delivery result failed", zap.Int64("delivery_id", d.ID), zap.Error(err))
	}
}

func (w *Worker) post(ctx context.Context, d store.Delivery) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(d.Payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(webhook.SignatureHeader, webhook.Sign(d.Secret, d.Payload))
	req.Header.Set(webhook.EventIDHeader, strconv.FormatInt(d.EventID, 10))
	req.Header.Set(webhook.EventTypeHeader, d.EventType)

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &statusError{code: resp.StatusCode}
	}
	return nil
}

// backoff doubles per attempt from BaseDelay, capped at MaxDelay.
func (w *Worker) backoff(attempts int) time.Duration {
	d := w.cfg.BaseDelay
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= w.cfg.MaxDelay {
			return w.cfg.MaxDelay
		}
	}
	if d > w.cfg.MaxDelay {
		return w.cfg.MaxDelay
	}
	return d
}

type statusError struct{ code int }

func (e *statusError) Error() string {
	return http.StatusText(e.code) + " from webhook endpoint"
}
