// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package alert

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"flowsentry.dev/core/internal/logging"
)

// WebhookSink POSTs a JSON copy of every newly created alert, grounded on
// the teacher's alerting.Engine.sendWebhook.
type WebhookSink struct {
	url    string
	client *http.Client
	log    *logging.Logger
}

// NewWebhookSink constructs a sink posting to url with the given timeout.
func NewWebhookSink(url string, timeout time.Duration) *WebhookSink {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookSink{
		url:    url,
		client: &http.Client{Timeout: timeout},
		log:    logging.WithComponent("alert.webhook"),
	}
}

// Notify posts a in a background goroutine so a slow endpoint never stalls
// the Manager's single writer.
func (w *WebhookSink) Notify(a Alert) {
	go w.send(a)
}

func (w *WebhookSink) send(a Alert) {
	data, err := json.Marshal(a)
	if err != nil {
		w.log.Warn("failed to marshal webhook payload", "error", err)
		return
	}
	req, err := http.NewRequest(http.MethodPost, w.url, bytes.NewReader(data))
	if err != nil {
		w.log.Warn("failed to build webhook request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		w.log.Warn("webhook delivery failed", "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		w.log.Warn("webhook returned non-success status", "status", resp.StatusCode)
	}
}
