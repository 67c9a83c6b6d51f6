// Package notify pushes task outcomes to an operator webhook. Delivery is
// fire-and-forget: a down endpoint or a burst of outcomes must never slow
// down task execution.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"agentd/internal/controller"
	"agentd/pkg/logx"
)

const (
	requestTimeout = 10 * time.Second
	defaultRate    = 1 // notifications per second
)

// Webhook posts JSON task events to a single URL, rate limited. Excess
// events are dropped, not queued; the ledger is the durable record.
type Webhook struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
	log     logx.Logger
}

func NewWebhook(url string, perSec int, log logx.Logger) *Webhook {
	if perSec <= 0 {
		perSec = defaultRate
	}
	return &Webhook{
		url:     strings.TrimSpace(url),
		client:  &http.Client{Timeout: requestTimeout},
		limiter: rate.NewLimiter(rate.Limit(perSec), perSec*2),
		log:     log.With(logx.String("component", "notify")),
	}
}

type payload struct {
	Event string               `json:"event"`
	Time  time.Time            `json:"time"`
	Task  controller.TaskEvent `json:"task"`
}

// Notify implements controller.Notifier.
func (w *Webhook) Notify(event string, ev controller.TaskEvent) {
	if w.url == "" {
		return
	}
	if !w.limiter.Allow() {
		w.log.Debug("notification dropped (rate limited)",
			logx.String("event", event), logx.Int64("task", ev.TaskID))
		return
	}

	body, err := json.Marshal(payload{Event: event, Time: time.Now(), Task: ev})
	if err != nil {
		w.log.Warn("notification marshal failed", logx.Err(err))
		return
	}

	go w.post(event, ev.TaskID, body)
}

func (w *Webhook) post(event string, taskID int64, body []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		w.log.Warn("notification request build failed", logx.Err(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		w.log.Warn("notification delivery failed",
			logx.String("event", event), logx.Int64("task", taskID), logx.Err(err))
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode >= 300 {
		w.log.Warn("notification rejected",
			logx.String("event", event), logx.Int64("task", taskID),
			logx.Int("status", resp.StatusCode))
		return
	}
	w.log.Debug("notification delivered",
		logx.String("event", event), logx.Int64("task", taskID))
}
