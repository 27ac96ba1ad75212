// Package notify carries user-visible routing notifications: chain
// exhaustion, payment problems, and rate limits. Transient errors never
// reach a notifier.
package notify

import (
	"sync"

	"github.com/normanking/relay/internal/logging"
)

// Kind classifies a notification.
type Kind string

const (
	KindChainExhausted Kind = "chain_exhausted"
	KindPayment        Kind = "payment"
	KindRateLimit      Kind = "rate_limit"
)

// Notification is one user-visible event.
type Notification struct {
	Kind     Kind
	UserID   string
	Provider string
	Message  string
}

// Notifier delivers notifications to the user-facing layer.
type Notifier interface {
	Notify(n Notification)
}

// LogNotifier writes notifications to the log. It is the default sink
// when no messaging integration is wired.
type LogNotifier struct {
	log *logging.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{log: logging.Global().WithComponent("notify")}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(ev Notification) {
	n.log.Warn("[Notify] %s user=%s provider=%s: %s", ev.Kind, ev.UserID, ev.Provider, ev.Message)
}

// Recorder buffers notifications in memory, mainly for tests and for the
// CLI status view.
type Recorder struct {
	mu     sync.Mutex
	events []Notification
}

// NewRecorder creates an in-memory notifier.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Notify implements Notifier.
func (r *Recorder) Notify(ev Notification) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notification, len(r.events))
	copy(out, r.events)
	return out
}
