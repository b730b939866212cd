package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/breeze-rmm/frametiming/internal/diagnostics"
	"github.com/breeze-rmm/frametiming/internal/health"
	"github.com/breeze-rmm/frametiming/internal/logging"
	"github.com/breeze-rmm/frametiming/internal/osd"
	"github.com/breeze-rmm/frametiming/internal/timing"
	"github.com/breeze-rmm/frametiming/internal/websocket"
)

func event(t *testing.T, typ string, data any) websocket.Event {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatal(err)
	}
	return websocket.Event{Type: typ, Time: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC), Data: raw}
}

func TestPrintEvent(t *testing.T) {
	tests := []struct {
		name string
		ev   websocket.Event
		want []string
	}{
		{
			name: "stats",
			ev: event(t, diagnostics.TypeStats, []timing.MonitorSnapshot{{
				Name: "DP-1", Strategy: "existing-mode", RefreshHz: 120, DetectedHz: 24, RepeatCount: 5,
				Stats: timing.StatsSnapshot{JudderScore: 3, FramesPresented: 48, FramesRepeated: 192},
			}}),
			want: []string{"DP-1", "strategy=existing-mode", "refresh=120.000", "detected=24.000", "repeat=5", "judder=3", "repeated=192"},
		},
		{
			name: "mode changed",
			ev:   event(t, diagnostics.TypeModeChanged, osd.Notification{Monitor: "HDMI-A-1", Label: "VRR 23.976 Hz"}),
			want: []string{"HDMI-A-1 VRR 23.976 Hz"},
		},
		{
			name: "logs",
			ev: event(t, diagnostics.TypeLogs, []logging.Entry{{
				Level: "WARN", Component: "timing", Message: "strategy failed",
				Fields: map[string]any{"monitor": "DP-1", "hz": 48},
			}}),
			want: []string{"WARN", "timing: strategy failed hz=48 monitor=DP-1"},
		},
		{
			name: "unknown",
			ev:   event(t, "future", map[string]int{"x": 1}),
			want: []string{`future {"x":1}`},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := printEvent(&buf, tt.ev); err != nil {
				t.Fatal(err)
			}
			for _, w := range tt.want {
				if !strings.Contains(buf.String(), w) {
					t.Errorf("output %q missing %q", buf.String(), w)
				}
			}
		})
	}

	bad := websocket.Event{Type: diagnostics.TypeStats, Data: json.RawMessage(`{"not":"a list"}`)}
	if err := printEvent(&bytes.Buffer{}, bad); err == nil {
		t.Fatal("malformed stats should fail")
	}
}

func TestHealthURL(t *testing.T) {
	tests := map[string]string{
		"127.0.0.1:9464":         "http://127.0.0.1:9464/healthz",
		"http://localhost:9464/": "http://localhost:9464/healthz",
		"https://diag.example":   "https://diag.example/healthz",
	}
	for in, want := range tests {
		if got := healthURL(in); got != want {
			t.Errorf("healthURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPrintHealth(t *testing.T) {
	tracker := health.NewTracker()
	tracker.Update("DP-1", health.Healthy, "")
	tracker.Update("HDMI-A-1", health.Degraded, "no mode accepted for 23.976 Hz")
	body, err := json.Marshal(tracker.Summary())
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	overall, err := printHealth(&buf, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if overall != health.Degraded {
		t.Fatalf("overall = %s", overall)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 || !strings.HasPrefix(lines[1], "DP-1") || !strings.Contains(lines[2], "degraded") {
		t.Fatalf("output:\n%s", buf.String())
	}

	if _, err := printHealth(&buf, strings.NewReader("not json")); err == nil {
		t.Fatal("invalid body should fail")
	}
}
