package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const deliveryTimeout = 10 * time.Second

// StatusError reports an endpoint that answered outside the 2xx range.
type StatusError struct {
	Backend string
	Code    int
	Body    string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Backend, e.Code)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Backend, e.Code, e.Body)
}

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: deliveryTimeout}
}

// postJSON POSTs payload as JSON and treats any non-2xx answer as a
// *StatusError carrying the start of the response body.
func postJSON(ctx context.Context, client *http.Client, backend, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s: marshal: %w", backend, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: create request: %w", backend, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: send: %w", backend, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return &StatusError{Backend: backend, Code: resp.StatusCode, Body: string(bytes.TrimSpace(snippet))}
	}
	return nil
}
