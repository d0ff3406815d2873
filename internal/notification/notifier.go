// Package notification delivers operator alerts (feed degraded, feed
// recovered, process restarts) to external channels.
package notification

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert represents a notification to be sent. Feed alerts carry the feed,
// its exchange and the indices computed from it; process alerts leave them
// empty.
type Alert struct {
	Level    AlertLevel `json:"level"`
	Title    string     `json:"title"`
	Message  string     `json:"message"`
	Feed     string     `json:"feed,omitempty"`
	Exchange string     `json:"exchange,omitempty"`
	Indices  []string   `json:"indices,omitempty"`
	Failures uint       `json:"consecutive_failures,omitempty"`
	Time     time.Time  `json:"ts"`
}

// String renders the alert as a single plain line, "LEVEL: title: message".
func (a Alert) String() string {
	if a.Title == "" {
		return string(a.Level) + ": " + a.Message
	}
	return string(a.Level) + ": " + a.Title + ": " + a.Message
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Send delivers an alert. Returns error if delivery fails.
	Send(ctx context.Context, alert Alert) error
}

// LogNotifier is a simple notifier that logs alerts (useful for development).
type LogNotifier struct{}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) Send(ctx context.Context, alert Alert) error {
	if alert.Feed != "" {
		log.Printf("[notify] [%s] %s: %s (feed=%s indices=%v)", alert.Level, alert.Title, alert.Message, alert.Feed, alert.Indices)
		return nil
	}
	log.Printf("[notify] [%s] %s: %s", alert.Level, alert.Title, alert.Message)
	return nil
}

// Multi sends every alert to each notifier in order and joins their errors.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, alert Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Send(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ForIndices tags every alert that has no indices yet with the given
// index names before passing it on. The runtime wraps each poller's
// notifier with the indices that feed contributes to.
func ForIndices(next Notifier, indices []string) Notifier {
	return indexTagger{next: next, indices: indices}
}

type indexTagger struct {
	next    Notifier
	indices []string
}

func (t indexTagger) Send(ctx context.Context, alert Alert) error {
	if len(alert.Indices) == 0 && len(t.indices) > 0 {
		alert.Indices = append([]string(nil), t.indices...)
	}
	return t.next.Send(ctx, alert)
}

// Dispatcher decouples alert producers from slow backends. Send enqueues
// and returns immediately; a single goroutine delivers in order.
// When the queue is full the alert is logged and dropped.
type Dispatcher struct {
	next    Notifier
	queue   chan Alert
	timeout time.Duration

	closeOnce sync.Once
	done      chan struct{}
}

// NewDispatcher starts a dispatcher with the given queue size in front of next.
func NewDispatcher(next Notifier, size int) *Dispatcher {
	if size <= 0 {
		size = 64
	}
	d := &Dispatcher{
		next:    next,
		queue:   make(chan Alert, size),
		timeout: 15 * time.Second,
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Dispatcher) Send(_ context.Context, alert Alert) error {
	if alert.Time.IsZero() {
		alert.Time = time.Now().UTC()
	}
	select {
	case d.queue <- alert:
		return nil
	default:
		log.Printf("[notify] queue full, dropped alert: %s", alert)
		return errors.New("notification queue full")
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for alert := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		if err := d.next.Send(ctx, alert); err != nil {
			log.Printf("[notify] delivery failed: %v", err)
		}
		cancel()
	}
}

// Close stops accepting alerts and waits for queued ones to be delivered,
// or for ctx to expire.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.closeOnce.Do(func() { close(d.queue) })
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
