package stream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hilthontt/dropchat/internal/application/usecases/presence"
	"github.com/hilthontt/dropchat/internal/application/usecases/room"
	"github.com/hilthontt/dropchat/internal/domain"
	"github.com/hilthontt/dropchat/internal/infrastructure/bus"
	"github.com/hilthontt/dropchat/internal/infrastructure/logging"
	"github.com/hilthontt/dropchat/internal/infrastructure/repository"
)

type recordedFrame struct {
	event   string
	data    string
	comment bool
}

type recordingSink struct {
	frames chan recordedFrame
	mu     sync.Mutex
	fail   bool
}

func newRecordingSink() *recordingSink {
	return &recordingSink{frames: make(chan recordedFrame, 128)}
}

func (r *recordingSink) WriteEvent(event string, data []byte) error {
	r.mu.Lock()
	fail := r.fail
	r.mu.Unlock()
	if fail {
		return errors.New("broken pipe")
	}
	r.frames <- recordedFrame{event: event, data: string(data)}
	return nil
}

func (r *recordingSink) WriteComment(comment string) error {
	r.frames <- recordedFrame{data: comment, comment: true}
	return nil
}

// next returns the next non-comment frame.
func (r *recordingSink) next(t *testing.T) recordedFrame {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case f := <-r.frames:
			if f.comment {
				continue
			}
			return f
		case <-timeout:
			t.Fatal("timed out waiting for a frame")
			return recordedFrame{}
		}
	}
}

func (r *recordingSink) none(t *testing.T) {
	t.Helper()
	select {
	case f := <-r.frames:
		if !f.comment {
			t.Fatalf("unexpected frame %+v", f)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

type env struct {
	repo     domain.RoomRepository
	bus      *bus.Bus
	presence presence.PresenceTracker
	rooms    room.RoomUseCase
}

func newEnv() *env {
	repo := repository.NewMemoryRoomRepository(time.Hour)
	b := bus.New(nil, logging.NewNop(), nil)
	return &env{
		repo:     repo,
		bus:      b,
		presence: presence.NewPresenceTracker(repo, b, logging.NewNop()),
		rooms:    room.NewRoomUseCase(repo, b, nil, nil, logging.NewNop(), time.Hour),
	}
}

func (e *env) session(roomID, userName string, sink Sink, keepAlive time.Duration) *Session {
	return NewSession(roomID, userName, sink, Dependencies{
		Rooms:    e.repo,
		Presence: e.presence,
		Bus:      e.bus,
		Logger:   logging.NewNop(),
	}, Config{KeepAlive: keepAlive, BufferSize: 16, Transport: "test"})
}

// start opens the session and runs it until the returned cancel is called.
func (e *env) start(t *testing.T, roomID, userName string, sink Sink) (*Session, func()) {
	t.Helper()
	sess := e.session(roomID, userName, sink, time.Hour)
	if err := sess.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sess.Run(ctx)
		close(done)
	}()

	return sess, func() {
		cancel()
		<-done
	}
}

func decodePresence(t *testing.T, f recordedFrame) domain.PresenceEvent {
	t.Helper()
	if f.event != EventPresence {
		t.Fatalf("frame event = %q, want presence", f.event)
	}
	var ev domain.PresenceEvent
	if err := json.Unmarshal([]byte(f.data), &ev); err != nil {
		t.Fatal(err)
	}
	return ev
}

func equalUsers(got []string, want ...string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range want {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestOpenMissingRoom(t *testing.T) {
	e := newEnv()
	sink := newRecordingSink()
	sess := e.session("missing", "Fox", sink, time.Hour)

	err := sess.Open(context.Background())
	if !errors.Is(err, domain.ErrRoomNotFound) {
		t.Fatalf("Open() error = %v, want ErrRoomNotFound", err)
	}
	if sess.State() != Closed {
		t.Errorf("State() = %s, want closed", sess.State())
	}
	if e.bus.Subscriptions(domain.MessageChannel("missing")) != 0 {
		t.Error("missing room left a subscription")
	}
	sink.none(t)
}

func TestEndToEndScenario(t *testing.T) {
	e := newEnv()
	ctx := context.Background()

	drop, secret, err := e.rooms.Create(ctx, "Drop", "Fox")
	if err != nil {
		t.Fatal(err)
	}
	if !equalUsers(drop.ActiveUsers, "Fox") {
		t.Fatalf("ActiveUsers = %v, want [Fox]", drop.ActiveUsers)
	}

	fox := newRecordingSink()
	_, stopFox := e.start(t, drop.ID, "Fox", fox)
	defer stopFox()

	initEv := decodePresence(t, fox.next(t))
	if initEv.Type != domain.PresenceInit || !equalUsers(initEv.ActiveUsers, "Fox") {
		t.Fatalf("first frame = %+v, want init [Fox]", initEv)
	}

	if err := e.rooms.Join(ctx, drop.ID, "Owl"); err != nil {
		t.Fatal(err)
	}
	owl := newRecordingSink()
	owlSession, stopOwl := e.start(t, drop.ID, "Owl", owl)

	join := decodePresence(t, fox.next(t))
	if join.Type != domain.PresenceJoin || join.UserName != "Owl" || !equalUsers(join.ActiveUsers, "Fox", "Owl") {
		t.Fatalf("fox saw %+v, want join Owl [Fox Owl]", join)
	}
	owlInit := decodePresence(t, owl.next(t))
	if owlInit.Type != domain.PresenceInit || !equalUsers(owlInit.ActiveUsers, "Fox", "Owl") {
		t.Fatalf("owl first frame = %+v, want init [Fox Owl]", owlInit)
	}

	msg, err := e.rooms.AppendMessage(ctx, drop.ID, domain.MessageDraft{SenderID: "owl-1", SenderName: "Owl", Content: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	for name, sink := range map[string]*recordingSink{"fox": fox, "owl": owl} {
		f := sink.next(t)
		if f.event != EventMessage {
			t.Fatalf("%s frame event = %q, want message", name, f.event)
		}
		var got domain.Message
		if err := json.Unmarshal([]byte(f.data), &got); err != nil {
			t.Fatal(err)
		}
		if got.ID != msg.ID || got.Timestamp != msg.Timestamp || got.Content != "hi" {
			t.Errorf("%s received %+v, want %+v", name, got, msg)
		}
	}

	stopOwl()
	if owlSession.State() != Closed {
		t.Errorf("owl State() = %s, want closed", owlSession.State())
	}

	leave := decodePresence(t, fox.next(t))
	if leave.Type != domain.PresenceLeave || leave.UserName != "Owl" || !equalUsers(leave.ActiveUsers, "Fox") {
		t.Fatalf("fox saw %+v, want leave Owl [Fox]", leave)
	}
	fox.none(t)

	if err := e.rooms.Delete(ctx, drop.ID, "not-the-secret"); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("Delete(wrong) error = %v, want ErrForbidden", err)
	}
	if _, err := e.rooms.GetByID(ctx, drop.ID); err != nil {
		t.Fatalf("room gone after wrong secret: %v", err)
	}
	if err := e.rooms.Delete(ctx, drop.ID, secret); err != nil {
		t.Fatal(err)
	}
	if _, err := e.rooms.GetByID(ctx, drop.ID); !errors.Is(err, domain.ErrRoomNotFound) {
		t.Fatalf("GetByID() after delete error = %v, want ErrRoomNotFound", err)
	}
}

func TestTypingFrames(t *testing.T) {
	e := newEnv()
	r, _, _ := e.rooms.Create(context.Background(), "Drop", "Fox")

	sink := newRecordingSink()
	_, stop := e.start(t, r.ID, "Fox", sink)
	defer stop()
	sink.next(t) // init

	if err := e.rooms.SetTyping(context.Background(), r.ID, "Owl", true); err != nil {
		t.Fatal(err)
	}

	f := sink.next(t)
	if f.event != EventTyping {
		t.Fatalf("event = %q, want typing", f.event)
	}
	var ev domain.TypingEvent
	_ = json.Unmarshal([]byte(f.data), &ev)
	if ev != (domain.TypingEvent{RoomID: r.ID, UserName: "Owl", IsTyping: true}) {
		t.Errorf("typing event = %+v", ev)
	}
}

func TestDisconnectEmitsExactlyOneLeave(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	r, _, _ := e.rooms.Create(ctx, "Drop", "Fox")

	var mu sync.Mutex
	var leaves []domain.PresenceEvent
	e.bus.On(domain.PresenceChannel(r.ID), func(payload []byte) {
		var ev domain.PresenceEvent
		_ = json.Unmarshal(payload, &ev)
		if ev.Type == domain.PresenceLeave {
			mu.Lock()
			leaves = append(leaves, ev)
			mu.Unlock()
		}
	})

	sess, stop := e.start(t, r.ID, "Owl", newRecordingSink())
	stop()

	// Close racing with itself must not tear down twice
	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess.Close(ctx)
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(leaves) != 1 {
		t.Fatalf("leave events = %d, want 1", len(leaves))
	}
	for _, u := range leaves[0].ActiveUsers {
		if u == "Owl" {
			t.Errorf("leave snapshot %v still contains Owl", leaves[0].ActiveUsers)
		}
	}
	for _, ch := range domain.RoomChannels(r.ID) {
		if n := e.bus.Subscriptions(ch); n != 0 {
			t.Errorf("%s still has %d subscriptions", ch, n)
		}
	}
}

func TestObserverHasNoPresence(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	r, _, _ := e.rooms.Create(ctx, "Drop", "Fox")

	sink := newRecordingSink()
	_, stop := e.start(t, r.ID, "", sink)

	initEv := decodePresence(t, sink.next(t))
	if !equalUsers(initEv.ActiveUsers, "Fox") {
		t.Errorf("observer init = %v, want [Fox]", initEv.ActiveUsers)
	}
	stop()

	got, _ := e.repo.GetByID(ctx, r.ID)
	if !equalUsers(got.ActiveUsers, "Fox") {
		t.Errorf("ActiveUsers after observer left = %v, want [Fox]", got.ActiveUsers)
	}
}

func TestPushFailureKeepsSessionActive(t *testing.T) {
	e := newEnv()
	r, _, _ := e.rooms.Create(context.Background(), "Drop", "Fox")

	sink := newRecordingSink()
	sink.fail = true
	sess, stop := e.start(t, r.ID, "Fox", sink)
	defer stop()

	if err := e.rooms.SetTyping(context.Background(), r.ID, "Owl", true); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)

	if sess.State() != Active {
		t.Errorf("State() = %s, want active after failed pushes", sess.State())
	}
}

func TestKeepAlive(t *testing.T) {
	e := newEnv()
	r, _, _ := e.rooms.Create(context.Background(), "Drop", "Fox")

	sink := newRecordingSink()
	sess := e.session(r.ID, "Fox", sink, 10*time.Millisecond)
	if err := sess.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Run(ctx)

	timeout := time.After(2 * time.Second)
	for {
		select {
		case f := <-sink.frames:
			if f.comment && f.data == keepAliveComment {
				return
			}
		case <-timeout:
			t.Fatal("no keep-alive within 2s")
		}
	}
}

// echoBroker relays publishes back to this process. While down, every
// Subscribe fails.
type echoBroker struct {
	mu       sync.Mutex
	down     bool
	delivers map[string]func([]byte)
}

func newEchoBroker() *echoBroker {
	return &echoBroker{delivers: make(map[string]func([]byte))}
}

func (b *echoBroker) setDown(down bool) {
	b.mu.Lock()
	b.down = down
	b.mu.Unlock()
}

func (b *echoBroker) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	deliver := b.delivers[channel]
	b.mu.Unlock()
	if deliver != nil {
		deliver(payload)
	}
	return nil
}

func (b *echoBroker) Subscribe(_ context.Context, channel string, deliver func([]byte)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.down {
		return errors.New("connection refused")
	}
	b.delivers[channel] = deliver
	return nil
}

func (b *echoBroker) Unsubscribe(_ context.Context, channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.delivers, channel)
	return nil
}

func (b *echoBroker) Close() error { return nil }

func TestFailedSubscribeDoesNotReleaseOtherStreams(t *testing.T) {
	broker := newEchoBroker()
	repo := repository.NewMemoryRoomRepository(time.Hour)
	b := bus.New(broker, logging.NewNop(), nil)
	e := &env{
		repo:     repo,
		bus:      b,
		presence: presence.NewPresenceTracker(repo, b, logging.NewNop()),
		rooms:    room.NewRoomUseCase(repo, b, nil, nil, logging.NewNop(), time.Hour),
	}
	ctx := context.Background()
	r, _, _ := e.rooms.Create(ctx, "Drop", "Fox")

	broker.setDown(true)
	_, stopOwl := e.start(t, r.ID, "Owl", newRecordingSink())
	broker.setDown(false)

	fox := newRecordingSink()
	_, stopFox := e.start(t, r.ID, "Fox", fox)
	defer stopFox()
	fox.next(t) // init

	stopOwl()

	channel := domain.MessageChannel(r.ID)
	if n := e.bus.Subscriptions(channel); n != 1 {
		t.Fatalf("Subscriptions(%s) after Owl closed = %d, want 1", channel, n)
	}

	msg, err := e.rooms.AppendMessage(ctx, r.ID, domain.MessageDraft{SenderID: "fox-1", SenderName: "Fox", Content: "still here?"})
	if err != nil {
		t.Fatal(err)
	}
	for {
		f := fox.next(t)
		if f.event != EventMessage {
			continue
		}
		var got domain.Message
		if err := json.Unmarshal([]byte(f.data), &got); err != nil {
			t.Fatal(err)
		}
		if got.ID != msg.ID {
			t.Errorf("received message %q, want %q", got.ID, msg.ID)
		}
		return
	}
}
