package repository

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hilthontt/dropchat/internal/domain"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace/noop"
)

const testTTL = time.Hour

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set moves the clock anywhere, including backwards.
func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type repoFactory func(t *testing.T, clock *fakeClock) domain.RoomRepository

func backends() map[string]repoFactory {
	return map[string]repoFactory{
		"memory": func(t *testing.T, clock *fakeClock) domain.RoomRepository {
			return NewMemoryRoomRepository(testTTL, WithClock(clock.Now))
		},
		"redis": func(t *testing.T, clock *fakeClock) domain.RoomRepository {
			srv := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
			repo := NewRedisRoomRepository(client, "test:", testTTL, noop.NewTracerProvider().Tracer("test"), WithClock(clock.Now))
			t.Cleanup(func() { _ = repo.Close() })
			return repo
		},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, repo domain.RoomRepository, clock *fakeClock)) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			clock := newFakeClock()
			fn(t, factory(t, clock), clock)
		})
	}
}

func TestCreateThenGet(t *testing.T) {
	forEachBackend(t, func(t *testing.T, repo domain.RoomRepository, clock *fakeClock) {
		ctx := context.Background()

		room, secret, err := repo.Create(ctx, "Drop", "Fox")
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if secret == "" {
			t.Fatal("Create() returned empty admin secret")
		}
		if len(room.ActiveUsers) != 1 || room.ActiveUsers[0] != "Fox" {
			t.Errorf("ActiveUsers = %v, want [Fox]", room.ActiveUsers)
		}
		if len(room.Messages) != 0 {
			t.Errorf("Messages = %v, want empty", room.Messages)
		}
		if room.CreatedAt != clock.Now().UnixMilli() {
			t.Errorf("CreatedAt = %d, want %d", room.CreatedAt, clock.Now().UnixMilli())
		}

		got, err := repo.GetByID(ctx, room.ID)
		if err != nil {
			t.Fatalf("GetByID() error = %v", err)
		}
		if got.ID != room.ID || got.Name != "Drop" {
			t.Errorf("GetByID() = %+v, want id %s name Drop", got, room.ID)
		}
		if got.Messages == nil {
			t.Error("GetByID() Messages is nil, want empty slice")
		}
	})
}

func TestCreateRejectsEmptyFields(t *testing.T) {
	forEachBackend(t, func(t *testing.T, repo domain.RoomRepository, clock *fakeClock) {
		if _, _, err := repo.Create(context.Background(), "", "Fox"); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("Create(empty name) error = %v, want ErrInvalidInput", err)
		}
		if _, _, err := repo.Create(context.Background(), "Drop", ""); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("Create(empty creator) error = %v, want ErrInvalidInput", err)
		}
	})
}

func TestGetMissingRoom(t *testing.T) {
	forEachBackend(t, func(t *testing.T, repo domain.RoomRepository, clock *fakeClock) {
		if _, err := repo.GetByID(context.Background(), "nope"); !errors.Is(err, domain.ErrRoomNotFound) {
			t.Errorf("GetByID() error = %v, want ErrRoomNotFound", err)
		}
	})
}

// The clock moves but the store never expires the key on its own, so the
// record is still physically present when it is read.
func TestLazyExpiry(t *testing.T) {
	forEachBackend(t, func(t *testing.T, repo domain.RoomRepository, clock *fakeClock) {
		ctx := context.Background()
		room, secret, err := repo.Create(ctx, "Drop", "Fox")
		if err != nil {
			t.Fatal(err)
		}

		clock.Advance(testTTL - time.Millisecond)
		if _, err := repo.GetByID(ctx, room.ID); err != nil {
			t.Fatalf("GetByID() just before TTL error = %v", err)
		}

		clock.Advance(time.Millisecond)
		if _, err := repo.GetByID(ctx, room.ID); !errors.Is(err, domain.ErrRoomNotFound) {
			t.Errorf("GetByID() at TTL error = %v, want ErrRoomNotFound", err)
		}
		if err := repo.Join(ctx, room.ID, "Owl"); !errors.Is(err, domain.ErrRoomNotFound) {
			t.Errorf("Join() after TTL error = %v, want ErrRoomNotFound", err)
		}
		if err := repo.Delete(ctx, room.ID, secret); !errors.Is(err, domain.ErrRoomNotFound) {
			t.Errorf("Delete() after TTL error = %v, want ErrRoomNotFound", err)
		}
	})
}

func TestGetAllOrdersAndEvicts(t *testing.T) {
	forEachBackend(t, func(t *testing.T, repo domain.RoomRepository, clock *fakeClock) {
		ctx := context.Background()

		old, _, err := repo.Create(ctx, "old", "Fox")
		if err != nil {
			t.Fatal(err)
		}
		clock.Advance(30 * time.Minute)
		mid, _, err := repo.Create(ctx, "mid", "Fox")
		if err != nil {
			t.Fatal(err)
		}
		clock.Advance(time.Minute)
		if _, err := repo.AppendMessage(ctx, mid.ID, domain.MessageDraft{SenderID: "1", SenderName: "Fox", Content: "x"}); err != nil {
			t.Fatal(err)
		}
		newest, _, err := repo.Create(ctx, "new", "Fox")
		if err != nil {
			t.Fatal(err)
		}

		rooms, err := repo.GetAll(ctx)
		if err != nil {
			t.Fatalf("GetAll() error = %v", err)
		}
		want := []string{newest.ID, mid.ID, old.ID}
		if len(rooms) != len(want) {
			t.Fatalf("GetAll() returned %d rooms, want %d", len(rooms), len(want))
		}
		for i, room := range rooms {
			if room.ID != want[i] {
				t.Errorf("rooms[%d] = %s, want %s", i, room.ID, want[i])
			}
			if room.Messages != nil {
				t.Errorf("rooms[%d] carries messages, want stripped", i)
			}
		}

		// old crosses the TTL
		clock.Advance(30 * time.Minute)
		rooms, err = repo.GetAll(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(rooms) != 2 || rooms[0].ID != newest.ID || rooms[1].ID != mid.ID {
			t.Errorf("GetAll() after expiry = %v, want [%s %s]", ids(rooms), newest.ID, mid.ID)
		}
	})
}

func TestJoinIsIdempotent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, repo domain.RoomRepository, clock *fakeClock) {
		ctx := context.Background()
		room, _, _ := repo.Create(ctx, "Drop", "Fox")

		for range 2 {
			if err := repo.Join(ctx, room.ID, "Owl"); err != nil {
				t.Fatalf("Join() error = %v", err)
			}
		}
		if err := repo.Join(ctx, room.ID, "Fox"); err != nil {
			t.Fatal(err)
		}

		got, _ := repo.GetByID(ctx, room.ID)
		if len(got.Users) != 2 || got.Users[0] != "Fox" || got.Users[1] != "Owl" {
			t.Errorf("Users = %v, want [Fox Owl]", got.Users)
		}
		if len(got.ActiveUsers) != 1 {
			t.Errorf("ActiveUsers = %v, join must not touch it", got.ActiveUsers)
		}

		if err := repo.Join(ctx, "missing", "Owl"); !errors.Is(err, domain.ErrRoomNotFound) {
			t.Errorf("Join(missing) error = %v, want ErrRoomNotFound", err)
		}
		if err := repo.Join(ctx, room.ID, ""); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("Join(empty user) error = %v, want ErrInvalidInput", err)
		}
	})
}

func TestAppendMessage(t *testing.T) {
	forEachBackend(t, func(t *testing.T, repo domain.RoomRepository, clock *fakeClock) {
		ctx := context.Background()
		room, _, _ := repo.Create(ctx, "Drop", "Fox")

		first, err := repo.AppendMessage(ctx, room.ID, domain.MessageDraft{SenderID: "1", SenderName: "Fox", Content: "hi"})
		if err != nil {
			t.Fatalf("AppendMessage() error = %v", err)
		}

		// wall clock steps back; timestamps must not
		clock.Set(clock.Now().Add(-time.Minute))
		second, err := repo.AppendMessage(ctx, room.ID, domain.MessageDraft{SenderID: "2", SenderName: "Owl", Attachment: []byte{0xff}})
		if err != nil {
			t.Fatalf("AppendMessage() error = %v", err)
		}

		if second.Timestamp < first.Timestamp {
			t.Errorf("timestamps went backwards: %d then %d", first.Timestamp, second.Timestamp)
		}
		if first.ID == second.ID {
			t.Error("message ids collide")
		}

		got, _ := repo.GetByID(ctx, room.ID)
		if len(got.Messages) != 2 || got.Messages[0].ID != first.ID || got.Messages[1].ID != second.ID {
			t.Fatalf("Messages = %+v, want [first second]", got.Messages)
		}
		if string(got.Messages[1].Attachment) != "\xff" {
			t.Errorf("attachment = %v, want [0xff]", got.Messages[1].Attachment)
		}
	})
}

func TestAppendMessageRejectsEmpty(t *testing.T) {
	forEachBackend(t, func(t *testing.T, repo domain.RoomRepository, clock *fakeClock) {
		ctx := context.Background()
		room, _, _ := repo.Create(ctx, "Drop", "Fox")

		_, err := repo.AppendMessage(ctx, room.ID, domain.MessageDraft{SenderID: "1", SenderName: "Fox"})
		if !errors.Is(err, domain.ErrInvalidMessage) {
			t.Errorf("AppendMessage(empty) error = %v, want ErrInvalidMessage", err)
		}

		_, err = repo.AppendMessage(ctx, "missing", domain.MessageDraft{SenderID: "1", SenderName: "Fox", Content: "x"})
		if !errors.Is(err, domain.ErrRoomNotFound) {
			t.Errorf("AppendMessage(missing) error = %v, want ErrRoomNotFound", err)
		}

		got, _ := repo.GetByID(ctx, room.ID)
		if len(got.Messages) != 0 {
			t.Errorf("Messages = %v, want empty", got.Messages)
		}
	})
}

func TestDelete(t *testing.T) {
	forEachBackend(t, func(t *testing.T, repo domain.RoomRepository, clock *fakeClock) {
		ctx := context.Background()
		room, secret, _ := repo.Create(ctx, "Drop", "Fox")

		for _, wrong := range []string{"", "nope", secret + "x"} {
			if err := repo.Delete(ctx, room.ID, wrong); !errors.Is(err, domain.ErrForbidden) {
				t.Errorf("Delete(%q) error = %v, want ErrForbidden", wrong, err)
			}
		}
		if _, err := repo.GetByID(ctx, room.ID); err != nil {
			t.Fatalf("room gone after forbidden delete: %v", err)
		}

		if err := repo.Delete(ctx, room.ID, secret); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}
		if _, err := repo.GetByID(ctx, room.ID); !errors.Is(err, domain.ErrRoomNotFound) {
			t.Errorf("GetByID() after delete error = %v, want ErrRoomNotFound", err)
		}
		if err := repo.Delete(ctx, room.ID, secret); !errors.Is(err, domain.ErrRoomNotFound) {
			t.Errorf("second Delete() error = %v, want ErrRoomNotFound", err)
		}

		rooms, _ := repo.GetAll(ctx)
		if len(rooms) != 0 {
			t.Errorf("GetAll() = %v, want empty", ids(rooms))
		}
	})
}

func TestActiveUsers(t *testing.T) {
	forEachBackend(t, func(t *testing.T, repo domain.RoomRepository, clock *fakeClock) {
		ctx := context.Background()
		room, _, _ := repo.Create(ctx, "Drop", "Fox")

		snapshot, err := repo.AddActiveUser(ctx, room.ID, "Owl")
		if err != nil {
			t.Fatal(err)
		}
		if len(snapshot) != 2 || snapshot[1] != "Owl" {
			t.Errorf("AddActiveUser() = %v, want [Fox Owl]", snapshot)
		}

		snapshot, err = repo.AddActiveUser(ctx, room.ID, "Owl")
		if err != nil || len(snapshot) != 2 {
			t.Errorf("repeat AddActiveUser() = %v, %v, want [Fox Owl]", snapshot, err)
		}

		snapshot, err = repo.RemoveActiveUser(ctx, room.ID, "Fox")
		if err != nil {
			t.Fatal(err)
		}
		if len(snapshot) != 1 || snapshot[0] != "Owl" {
			t.Errorf("RemoveActiveUser() = %v, want [Owl]", snapshot)
		}

		if _, err := repo.AddActiveUser(ctx, "missing", "Owl"); !errors.Is(err, domain.ErrRoomNotFound) {
			t.Errorf("AddActiveUser(missing) error = %v, want ErrRoomNotFound", err)
		}
	})
}

func TestDeleteExpired(t *testing.T) {
	forEachBackend(t, func(t *testing.T, repo domain.RoomRepository, clock *fakeClock) {
		ctx := context.Background()
		old, _, _ := repo.Create(ctx, "old", "Fox")
		clock.Advance(testTTL / 2)
		fresh, _, _ := repo.Create(ctx, "fresh", "Fox")
		clock.Advance(testTTL / 2)

		expired, err := repo.DeleteExpired(ctx)
		if err != nil {
			t.Fatalf("DeleteExpired() error = %v", err)
		}
		if len(expired) != 1 || expired[0] != old.ID {
			t.Errorf("DeleteExpired() = %v, want [%s]", expired, old.ID)
		}

		if _, err := repo.GetByID(ctx, fresh.ID); err != nil {
			t.Errorf("fresh room swept: %v", err)
		}

		expired, _ = repo.DeleteExpired(ctx)
		if len(expired) != 0 {
			t.Errorf("second DeleteExpired() = %v, want none", expired)
		}
	})
}

func TestRedisRecordHasStoreTTL(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	repo := NewRedisRoomRepository(client, "test:", testTTL, noop.NewTracerProvider().Tracer("test"))
	defer repo.Close()

	ctx := context.Background()
	room, secret, err := repo.Create(ctx, "Drop", "Fox")
	if err != nil {
		t.Fatal(err)
	}

	key := "test:room:" + room.ID
	if ttl := srv.TTL(key); ttl != testTTL {
		t.Errorf("TTL after create = %s, want %s", ttl, testTTL)
	}

	srv.FastForward(10 * time.Minute)
	if err := repo.Join(ctx, room.ID, "Owl"); err != nil {
		t.Fatal(err)
	}
	if ttl := srv.TTL(key); ttl != testTTL-10*time.Minute {
		t.Errorf("TTL after update = %s, want it kept at %s", ttl, testTTL-10*time.Minute)
	}

	raw, err := srv.Get(key)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(raw, `"adminSecret":"`+secret+`"`) {
		t.Error("stored record lacks the admin secret")
	}

	srv.FastForward(testTTL)
	if _, err := repo.GetByID(ctx, room.ID); !errors.Is(err, domain.ErrRoomNotFound) {
		t.Errorf("GetByID() after store expiry error = %v, want ErrRoomNotFound", err)
	}
}

func TestRedisUnavailable(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr(), MaxRetries: -1})
	repo := NewRedisRoomRepository(client, "test:", testTTL, noop.NewTracerProvider().Tracer("test"))
	defer repo.Close()

	srv.Close()

	if _, err := repo.GetByID(context.Background(), "abc"); !errors.Is(err, domain.ErrUnavailable) {
		t.Errorf("GetByID() error = %v, want ErrUnavailable", err)
	}
	if _, _, err := repo.Create(context.Background(), "Drop", "Fox"); !errors.Is(err, domain.ErrUnavailable) {
		t.Errorf("Create() error = %v, want ErrUnavailable", err)
	}
}

func ids(rooms []*domain.Room) []string {
	out := make([]string, len(rooms))
	for i, r := range rooms {
		out[i] = r.ID
	}
	return out
}

func TestRedisCreateRollsBackWhenIndexFails(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	repo := NewRedisRoomRepository(client, "test:", testTTL, noop.NewTracerProvider().Tracer("test"))
	defer repo.Close()

	// a string under the index key makes ZADD fail with WRONGTYPE
	if err := srv.Set("test:rooms", "not-a-zset"); err != nil {
		t.Fatal(err)
	}

	if _, _, err := repo.Create(context.Background(), "Drop", "Fox"); err == nil {
		t.Fatal("Create() error = nil, want index failure")
	}

	for _, key := range srv.Keys() {
		if strings.HasPrefix(key, "test:room:") {
			t.Errorf("record %s left behind without an index entry", key)
		}
	}
}
