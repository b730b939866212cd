package osd

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type recordingSink struct {
	mu    sync.Mutex
	notes []Notification
	err   error
}

func (r *recordingSink) Show(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
	return r.err
}

func (r *recordingSink) labels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.notes))
	for i, n := range r.notes {
		out[i] = n.Label
	}
	return out
}

func closeNotifier(t *testing.T, n *Notifier) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n.Close(ctx)
}

func TestNotifyDeliversToEverySink(t *testing.T) {
	a := &recordingSink{}
	b := &recordingSink{err: errors.New("display gone")}
	n := New(1, 8, a)
	n.AddSink(b)

	n.NotifyModeChanged("DP-1", "59.940 Hz")
	closeNotifier(t, n)

	for name, sink := range map[string]*recordingSink{"a": a, "b": b} {
		got := sink.labels()
		if len(got) != 1 || got[0] != "59.940 Hz" {
			t.Fatalf("sink %s labels = %v", name, got)
		}
	}
	if s := n.Stats(); s.Completed != 2 {
		t.Fatalf("Completed = %d, want 2", s.Completed)
	}
}

func TestNotifySingleWorkerKeepsOrder(t *testing.T) {
	sink := &recordingSink{}
	n := New(1, 16, sink)

	want := []string{"VRR 23.976 Hz", "120.000 Hz", "No compatible mode"}
	for _, label := range want {
		n.NotifyModeChanged("HDMI-A-1", label)
	}
	closeNotifier(t, n)

	got := sink.labels()
	if len(got) != len(want) {
		t.Fatalf("labels = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("labels[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestLastTracksMostRecentPerMonitor(t *testing.T) {
	n := New(1, 8)
	defer closeNotifier(t, n)

	if _, ok := n.Last("DP-1"); ok {
		t.Fatal("Last should be empty before any notification")
	}
	n.NotifyModeChanged("DP-1", "60.000 Hz")
	n.NotifyModeChanged("DP-1", "48.000 Hz")
	n.NotifyModeChanged("DP-2", "144.000 Hz")

	note, ok := n.Last("DP-1")
	if !ok || note.Label != "48.000 Hz" {
		t.Fatalf("Last(DP-1) = %+v, %v", note, ok)
	}
	if note.ID == "" {
		t.Fatal("notification should carry an id")
	}
}

func TestNotifyAfterCloseDrops(t *testing.T) {
	sink := &recordingSink{}
	n := New(1, 8, sink)
	closeNotifier(t, n)

	n.NotifyModeChanged("DP-1", "60.000 Hz")
	if got := sink.labels(); len(got) != 0 {
		t.Fatalf("labels after close = %v", got)
	}
	if s := n.Stats(); s.Rejected != 1 {
		t.Fatalf("Rejected = %d, want 1", s.Rejected)
	}
}
