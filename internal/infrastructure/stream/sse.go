package stream

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"
)

var ErrSinkClosed = errors.New("stream sink closed")

// SSESink writes text/event-stream frames:
//
//	data: {...}\n\n                  message
//	event: typing\ndata: {...}\n\n   named event
//	: keep-alive\n\n                 comment
type SSESink struct {
	w      http.ResponseWriter
	rc     *http.ResponseController
	closed bool
	mu     sync.Mutex
}

func NewSSESink(w http.ResponseWriter) *SSESink {
	return &SSESink{
		w:  w,
		rc: http.NewResponseController(w),
	}
}

// Start sends the response headers. Call it only once the session is open so
// a missing room can still be answered with a plain 404.
func (s *SSESink) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")

	// long-lived response, lift any server write deadline
	_ = s.rc.SetWriteDeadline(time.Time{})

	s.w.WriteHeader(http.StatusOK)
	return s.rc.Flush()
}

func (s *SSESink) WriteEvent(event string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSinkClosed
	}

	if event != "" {
		if _, err := fmt.Fprintf(s.w, "event: %s\n", event); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	return s.rc.Flush()
}

func (s *SSESink) WriteComment(comment string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSinkClosed
	}

	if _, err := fmt.Fprintf(s.w, ": %s\n\n", comment); err != nil {
		return err
	}
	return s.rc.Flush()
}

// Close stops further writes. The handler returning ends the response.
func (s *SSESink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}
