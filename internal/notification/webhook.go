package notification

import (
	"context"
	"log"
	"net/http"
	"time"
)

// webhookPayload is the JSON body POSTed for every alert.
type webhookPayload struct {
	Service string `json:"service"`
	Alert
}

// WebhookNotifier POSTs alerts as JSON to an operator-supplied URL.
type WebhookNotifier struct {
	url     string
	service string
	client  *http.Client
}

// NewWebhookNotifier creates a webhook notifier posting to url.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{url: url, service: "cryptoindex", client: newHTTPClient()}
}

func (w *WebhookNotifier) Send(ctx context.Context, alert Alert) error {
	if alert.Time.IsZero() {
		alert.Time = time.Now().UTC()
	}
	if err := postJSON(ctx, w.client, "webhook", w.url, webhookPayload{Service: w.service, Alert: alert}); err != nil {
		return err
	}
	log.Printf("[notify] webhook delivered %q (feed=%s)", alert.Title, alert.Feed)
	return nil
}
