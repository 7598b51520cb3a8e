package gatekeeper

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	webhookQueueSize  = 256
	webhookTimeout    = 10 * time.Second
	webhookRetryDelay = time.Second
)

// AlertWebhook posts AlertEvents to an external HTTP endpoint. Notify
// never blocks: events are queued on a bounded channel and dropped when it
// is full. A 5xx or transport error is retried once.
type AlertWebhook struct {
	url        string
	authHeader string
	client     *http.Client
	logger     *slog.Logger
	retryDelay time.Duration

	events    chan AlertEvent
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewAlertWebhook starts a dispatcher for url. authHeader is optional and
// uses the "Header: Value" form, e.g. "Authorization: Bearer xyz".
func NewAlertWebhook(url, authHeader string, logger *slog.Logger) *AlertWebhook {
	if logger == nil {
		logger = slog.Default()
	}
	w := &AlertWebhook{
		url:        url,
		authHeader: authHeader,
		client:     &http.Client{Timeout: webhookTimeout},
		logger:     logger.With("component", "alert_webhook"),
		retryDelay: webhookRetryDelay,
		events:     make(chan AlertEvent, webhookQueueSize),
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

// Notify queues ev for delivery. It has the AlertFunc signature.
func (w *AlertWebhook) Notify(ev AlertEvent) {
	select {
	case w.events <- ev:
	default:
		w.logger.Warn("queue full, dropping alert", "type", ev.Type)
	}
}

// Close stops accepting events and waits for the queue to drain or ctx
// to end. Notify must not be called after Close.
func (w *AlertWebhook) Close(ctx context.Context) error {
	w.closeOnce.Do(func() { close(w.events) })
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *AlertWebhook) loop() {
	defer w.wg.Done()
	for ev := range w.events {
		w.send(ev)
	}
}

func (w *AlertWebhook) send(ev AlertEvent) {
	body, err := json.Marshal(ev)
	if err != nil {
		w.logger.Warn("marshal failed", "error", err)
		return
	}

	for attempt := 1; attempt <= 2; attempt++ {
		if attempt > 1 {
			time.Sleep(w.retryDelay)
		}

		req, err := http.NewRequest(http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			w.logger.Warn("request creation failed", "error", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "Gatekeeper-Alert-Webhook/1.0")
		if name, value, ok := strings.Cut(w.authHeader, ":"); ok {
			req.Header.Set(strings.TrimSpace(name), strings.TrimSpace(value))
		}

		resp, err := w.client.Do(req)
		if err != nil {
			w.logger.Warn("request failed", "error", err, "attempt", attempt)
			continue
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return
		case resp.StatusCode >= 500:
			w.logger.Warn("server error", "status", resp.StatusCode, "attempt", attempt)
		default:
			w.logger.Warn("client error", "status", resp.StatusCode)
			return
		}
	}
}
