package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hilthontt/dropchat/internal/application/usecases/presence"
	"github.com/hilthontt/dropchat/internal/domain"
	"github.com/hilthontt/dropchat/internal/infrastructure/bus"
	"github.com/hilthontt/dropchat/internal/infrastructure/logging"
	"github.com/hilthontt/dropchat/internal/infrastructure/metrics"
)

const (
	EventMessage  = "" // default frame, no event line
	EventTyping   = "typing"
	EventPresence = "presence"

	keepAliveComment = "keep-alive"
	teardownTimeout  = 5 * time.Second
)

type State int32

const (
	Connecting State = iota
	Active
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Active:
		return "active"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Sink is the transport a session pushes frames to. Writes may fail once the
// peer is gone; the session logs and keeps going.
type Sink interface {
	WriteEvent(event string, data []byte) error
	WriteComment(comment string) error
}

type RoomReader interface {
	GetByID(ctx context.Context, id string) (*domain.Room, error)
}

type Subscriber interface {
	On(channel string, handler bus.Handler) bus.HandlerID
	Off(channel string, id bus.HandlerID)
	Subscribe(ctx context.Context, channel string) error
	Unsubscribe(ctx context.Context, channel string) error
}

type Config struct {
	KeepAlive  time.Duration
	BufferSize int
	Transport  string
}

type Dependencies struct {
	Rooms    RoomReader
	Presence presence.PresenceTracker
	Bus      Subscriber
	Logger   logging.Logger
	Metrics  *metrics.Metrics
}

type frame struct {
	event   string
	data    []byte
	comment bool
}

// Session is one open stream for (roomID, userName). An empty userName opens
// an observer that receives everything but never shows up in presence.
//
// Connecting -> Active happens in Open. Run pushes frames until its context
// ends, then Close moves through Closing to Closed exactly once.
type Session struct {
	roomID   string
	userName string
	deps     Dependencies
	cfg      Config
	sink     Sink

	state    atomic.Int32
	outbound chan frame
	handlers map[string]bus.HandlerID

	// channels whose bus subscription this session holds a reference to
	subscribed map[string]bool

	closeOnce sync.Once
}

func NewSession(roomID, userName string, sink Sink, deps Dependencies, cfg Config) *Session {
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 15 * time.Second
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 64
	}

	return &Session{
		roomID:   roomID,
		userName: userName,
		deps:     deps,
		cfg:      cfg,
		sink:     sink,
		outbound: make(chan frame, cfg.BufferSize),
		handlers: make(map[string]bus.HandlerID, 3),

		subscribed: make(map[string]bool, 3),
	}
}

func (s *Session) State() State {
	return State(s.state.Load())
}

// KeepAlive is the effective keep-alive interval after defaults.
func (s *Session) KeepAlive() time.Duration {
	return s.cfg.KeepAlive
}

func (s *Session) extra() map[logging.ExtraKey]any {
	return map[logging.ExtraKey]any{
		logging.RoomID:   s.roomID,
		logging.UserName: s.userName,
		"transport":      s.cfg.Transport,
	}
}

// Open verifies the room, registers presence, queues the init snapshot and
// subscribes to the room's channels. A missing room returns ErrRoomNotFound
// and the session goes straight to Closed without touching anything.
func (s *Session) Open(ctx context.Context) error {
	if s.State() != Connecting {
		return fmt.Errorf("session already opened (%s)", s.State())
	}

	room, err := s.deps.Rooms.GetByID(ctx, s.roomID)
	if err != nil {
		s.state.Store(int32(Closed))
		return err
	}

	roster := room.Snapshot()
	if s.userName != "" {
		snapshot, err := s.deps.Presence.AddActiveUser(ctx, s.roomID, s.userName)
		switch {
		case err != nil:
			extra := s.extra()
			extra[logging.ErrorMessage] = err.Error()
			s.deps.Logger.Warn(logging.Stream, logging.Session, "failed to register active user", extra)
		case snapshot != nil:
			roster = snapshot
		}
	}
	if roster == nil {
		roster = []string{}
	}

	// init goes first and only to this connection
	initData, err := json.Marshal(domain.PresenceEvent{Type: domain.PresenceInit, ActiveUsers: roster})
	if err != nil {
		s.state.Store(int32(Closed))
		return err
	}
	s.outbound <- frame{event: EventPresence, data: initData}

	s.listen(domain.MessageChannel(s.roomID), EventMessage)
	s.listen(domain.TypingChannel(s.roomID), EventTyping)
	s.listen(domain.PresenceChannel(s.roomID), EventPresence)

	for channel := range s.handlers {
		if err := s.deps.Bus.Subscribe(ctx, channel); err != nil {
			extra := s.extra()
			extra[logging.Channel] = channel
			extra[logging.ErrorMessage] = err.Error()
			s.deps.Logger.Warn(logging.Stream, logging.Subscribe, "failed to subscribe stream channel", extra)
			continue
		}
		s.subscribed[channel] = true
	}

	s.state.Store(int32(Active))
	s.deps.Metrics.SessionOpened(s.cfg.Transport)
	s.deps.Logger.Info(logging.Stream, logging.Session, "stream opened", s.extra())

	return nil
}

func (s *Session) listen(channel, event string) {
	s.handlers[channel] = s.deps.Bus.On(channel, func(payload []byte) {
		s.enqueue(frame{event: event, data: payload})
	})
}

// enqueue never blocks the bus. A full buffer drops the frame; the client can
// always refetch the room.
func (s *Session) enqueue(f frame) {
	if st := s.State(); st == Closing || st == Closed {
		return
	}

	select {
	case s.outbound <- f:
	default:
		s.deps.Metrics.EventDropped(s.cfg.Transport)
		s.deps.Logger.Warn(logging.Stream, logging.Session, "stream buffer full, dropping event", s.extra())
	}
}

// Run pushes queued frames and keep-alives until ctx is done, then tears the
// session down. It must follow a successful Open.
func (s *Session) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.KeepAlive)
	defer func() {
		ticker.Stop()
		s.Close(ctx)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case f := <-s.outbound:
			s.write(f)
		case <-ticker.C:
			s.write(frame{data: []byte(keepAliveComment), comment: true})
		}
	}
}

func (s *Session) write(f frame) {
	var err error
	if f.comment {
		err = s.sink.WriteComment(string(f.data))
	} else {
		err = s.sink.WriteEvent(f.event, f.data)
	}

	if err != nil {
		extra := s.extra()
		extra[logging.ErrorMessage] = err.Error()
		s.deps.Logger.Warn(logging.Stream, logging.Session, "push to stream failed", extra)
	}
}

// Close releases handlers, broker subscriptions and presence. Safe to call
// any number of times from any goroutine; only the first call does work.
// ctx may already be cancelled.
func (s *Session) Close(ctx context.Context) {
	s.closeOnce.Do(func() {
		if !s.state.CompareAndSwap(int32(Active), int32(Closing)) {
			s.state.Store(int32(Closed))
			return
		}

		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
		defer cancel()

		for channel, id := range s.handlers {
			s.deps.Bus.Off(channel, id)
			if !s.subscribed[channel] {
				continue
			}
			if err := s.deps.Bus.Unsubscribe(cleanupCtx, channel); err != nil {
				extra := s.extra()
				extra[logging.Channel] = channel
				extra[logging.ErrorMessage] = err.Error()
				s.deps.Logger.Warn(logging.Stream, logging.Subscribe, "failed to unsubscribe stream channel", extra)
			}
		}

		if s.userName != "" {
			if _, err := s.deps.Presence.RemoveActiveUser(cleanupCtx, s.roomID, s.userName); err != nil {
				extra := s.extra()
				extra[logging.ErrorMessage] = err.Error()
				s.deps.Logger.Warn(logging.Stream, logging.Session, "failed to deregister active user", extra)
			}
		}

		s.state.Store(int32(Closed))
		s.deps.Metrics.SessionClosed(s.cfg.Transport)
		s.deps.Logger.Info(logging.Stream, logging.Session, "stream closed", s.extra())
	})
}
