// Package osd delivers refresh-rate change notifications to on-screen
// display sinks without blocking the display loop.
package osd

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/breeze-rmm/frametiming/internal/logging"
	"github.com/breeze-rmm/frametiming/internal/workerpool"
)

// Notification is one mode change shown to the user.
type Notification struct {
	ID      string    `json:"id"`
	Monitor string    `json:"monitor"`
	Label   string    `json:"label"`
	Time    time.Time `json:"time"`
}

// Sink displays notifications.
type Sink interface {
	Show(ctx context.Context, n Notification) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, n Notification) error

func (f SinkFunc) Show(ctx context.Context, n Notification) error { return f(ctx, n) }

// Notifier fans notifications out to sinks through a worker pool.
type Notifier struct {
	pool *workerpool.Pool
	log  *slog.Logger
	now  func() time.Time

	mu    sync.Mutex
	sinks []Sink
	last  map[string]Notification
}

// New starts a Notifier backed by a pool of workers.
func New(workers, queueSize int, sinks ...Sink) *Notifier {
	return &Notifier{
		pool:  workerpool.New(workers, queueSize),
		log:   logging.L("osd"),
		now:   time.Now,
		sinks: sinks,
		last:  make(map[string]Notification),
	}
}

// AddSink registers another sink.
func (n *Notifier) AddSink(s Sink) {
	n.mu.Lock()
	n.sinks = append(n.sinks, s)
	n.mu.Unlock()
}

// NotifyModeChanged queues label for every sink. It never blocks; when the
// queue is full the notification is dropped for that sink.
func (n *Notifier) NotifyModeChanged(monitor, label string) {
	note := Notification{
		ID:      uuid.NewString(),
		Monitor: monitor,
		Label:   label,
		Time:    n.now(),
	}

	n.mu.Lock()
	n.last[monitor] = note
	sinks := append([]Sink(nil), n.sinks...)
	n.mu.Unlock()

	for _, s := range sinks {
		ok := n.pool.Submit(func(ctx context.Context) {
			if err := s.Show(ctx, note); err != nil {
				n.log.Warn("osd sink failed", logging.KeyMonitor, monitor, logging.KeyError, err)
			}
		})
		if !ok {
			n.log.Debug("osd notification dropped", logging.KeyMonitor, monitor, "label", label)
		}
	}
}

// Last returns the most recent notification for monitor.
func (n *Notifier) Last(monitor string) (Notification, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	note, ok := n.last[monitor]
	return note, ok
}

// Stats exposes the delivery counters.
func (n *Notifier) Stats() workerpool.Stats {
	return n.pool.Stats()
}

// Close waits for queued notifications until ctx expires.
func (n *Notifier) Close(ctx context.Context) {
	n.pool.Shutdown(ctx)
}

// LogSink writes notifications to the structured log.
func LogSink(logger *slog.Logger) Sink {
	return SinkFunc(func(_ context.Context, note Notification) error {
		logger.Info("refresh changed", logging.KeyMonitor, note.Monitor, "label", note.Label)
		return nil
	})
}
