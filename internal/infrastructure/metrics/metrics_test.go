package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RoomCreated()
	m.EventPublished("message")
	m.SessionOpened("sse")
	m.ObserveRequest("GET", "/api/rooms", 200, time.Millisecond, false)
}

func TestCounters(t *testing.T) {
	m := New()

	m.RoomCreated()
	m.RoomCreated()
	m.RoomsRemoved("expired", 3)
	m.EventDelivered("presence", 2)
	m.SessionOpened("sse")
	m.SessionOpened("sse")
	m.SessionClosed("sse")

	if got := testutil.ToFloat64(m.roomsCreated); got != 2 {
		t.Errorf("rooms_created_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.roomsRemoved.WithLabelValues("expired")); got != 3 {
		t.Errorf("rooms_removed_total{expired} = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.busDelivered.WithLabelValues("presence")); got != 2 {
		t.Errorf("bus_events_delivered_total{presence} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.activeSessions.WithLabelValues("sse")); got != 1 {
		t.Errorf("stream_sessions_active{sse} = %v, want 1", got)
	}
}

func TestHandlerExposesNamespace(t *testing.T) {
	m := New()
	m.MessageAppended()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "dropchat_messages_appended_total 1") {
		t.Errorf("metrics output missing counter:\n%s", body)
	}
}
