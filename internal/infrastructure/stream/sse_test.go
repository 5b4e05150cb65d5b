package stream

import (
	"net/http/httptest"
	"testing"
)

func TestSSEFraming(t *testing.T) {
	rec := httptest.NewRecorder()
	sink := NewSSESink(rec)

	if err := sink.Start(); err != nil {
		t.Fatal(err)
	}
	_ = sink.WriteEvent(EventPresence, []byte(`{"type":"init","activeUsers":["Fox"]}`))
	_ = sink.WriteEvent(EventMessage, []byte(`{"id":"m1"}`))
	_ = sink.WriteComment(keepAliveComment)

	want := "event: presence\ndata: {\"type\":\"init\",\"activeUsers\":[\"Fox\"]}\n\n" +
		"data: {\"id\":\"m1\"}\n\n" +
		": keep-alive\n\n"
	if got := rec.Body.String(); got != want {
		t.Errorf("body =\n%q\nwant\n%q", got, want)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	if !rec.Flushed {
		t.Error("frames were not flushed")
	}
}

func TestSSEClosedSinkRejectsWrites(t *testing.T) {
	sink := NewSSESink(httptest.NewRecorder())
	sink.Close()

	if err := sink.WriteEvent(EventTyping, []byte(`{}`)); err != ErrSinkClosed {
		t.Errorf("WriteEvent() error = %v, want ErrSinkClosed", err)
	}
	if err := sink.WriteComment("x"); err != ErrSinkClosed {
		t.Errorf("WriteComment() error = %v, want ErrSinkClosed", err)
	}
}
