// Package notify delivers operator notifications about redis master changes.
//
// Notify must not block: it is called while the configuration server holds
// its state lock. Slow transports such as mail queue the message and deliver
// it from their own goroutine.
package notify

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Notifier receives notification texts.
type Notifier interface {
	Notify(system, text string)
}

// Log writes notifications to a logger at warn level.
type Log struct {
	L *zap.Logger
}

func (n Log) Notify(system, text string) {
	if n.L != nil {
		n.L.Warn(text, zap.String("system", system))
	}
}

// Multi fans a notification out to several notifiers.
type Multi []Notifier

func (m Multi) Notify(system, text string) {
	for _, n := range m {
		if n != nil {
			n.Notify(system, text)
		}
	}
}

// Notification is one recorded notification.
type Notification struct {
	System string
	Text   string
	Time   time.Time
}

// Recorder keeps every notification in memory.
type Recorder struct {
	mu    sync.Mutex
	items []Notification
	ch    chan struct{}
}

func NewRecorder() *Recorder {
	return &Recorder{ch: make(chan struct{}, 1)}
}

func (r *Recorder) Notify(system, text string) {
	r.mu.Lock()
	r.items = append(r.items, Notification{System: system, Text: text, Time: time.Now()})
	r.mu.Unlock()
	select {
	case r.ch <- struct{}{}:
	default:
	}
}

// Texts returns the recorded texts in order.
func (r *Recorder) Texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	texts := make([]string, len(r.items))
	for i, n := range r.items {
		texts[i] = n.Text
	}
	return texts
}

// WaitFor blocks until a notification containing substr was recorded.
func (r *Recorder) WaitFor(ctx context.Context, substr string) bool {
	for {
		for _, t := range r.Texts() {
			if strings.Contains(t, substr) {
				return true
			}
		}
		select {
		case <-ctx.Done():
			return false
		case <-r.ch:
		case <-time.After(50 * time.Millisecond):
		}
	}
}
