package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/hilthontt/dropchat/internal/domain"
	"github.com/hilthontt/dropchat/internal/infrastructure/token"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxTxRetries = 16

// redisRoomRecord is the stored form of a room. The secret lives beside the
// room and is stripped before anything leaves the repository.
type redisRoomRecord struct {
	domain.Room
	AdminSecret string `json:"adminSecret"`
}

// redisRoomRepository stores each room as one JSON record under an expiring
// key, with a sorted set of ids scored by createdAt as the listing index.
// Mutations are WATCH/MULTI transactions, retried on conflict.
type redisRoomRepository struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	now    func() time.Time
	tracer trace.Tracer
}

func NewRedisRoomRepository(
	client redis.UniversalClient,
	prefix string,
	ttl time.Duration,
	tracer trace.Tracer,
	opts ...Option,
) domain.RoomRepository {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	return &redisRoomRepository{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		now:    o.now,
		tracer: tracer,
	}
}

func (r *redisRoomRepository) roomKey(id string) string {
	return fmt.Sprintf("%sroom:%s", r.prefix, id)
}

func (r *redisRoomRepository) indexKey() string {
	return r.prefix + "rooms"
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
}

func fail(span trace.Span, err error, msg string) error {
	if errors.Is(err, domain.ErrRoomNotFound) {
		span.SetAttributes(attribute.Bool("room.found", false))
		span.SetStatus(codes.Ok, "room not found")
		return err
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, msg)
	return err
}

func (r *redisRoomRepository) Create(ctx context.Context, name, creatorName string) (*domain.Room, string, error) {
	ctx, span := r.tracer.Start(ctx, "roomRepository.Create")
	defer span.End()

	if name == "" || creatorName == "" {
		return nil, "", fail(span, domain.ErrInvalidInput, "invalid input")
	}

	secret, err := token.AdminSecret()
	if err != nil {
		return nil, "", fail(span, err, "failed to generate admin secret")
	}

	for {
		id, err := token.RoomID()
		if err != nil {
			return nil, "", fail(span, err, "failed to generate room id")
		}

		room := domain.NewRoom(id, name, creatorName, r.now())
		data, err := json.Marshal(redisRoomRecord{Room: *room, AdminSecret: secret})
		if err != nil {
			return nil, "", fail(span, err, "failed to encode room")
		}

		// NX keeps an id from being reused while its previous record lives
		ok, err := r.client.SetNX(ctx, r.roomKey(id), data, r.ttl).Result()
		if err != nil {
			return nil, "", fail(span, unavailable(err), "failed to create room in redis")
		}
		if !ok {
			continue
		}

		if err := r.client.ZAdd(ctx, r.indexKey(), redis.Z{
			Score:  float64(room.CreatedAt),
			Member: id,
		}).Err(); err != nil {
			// an unindexed record would be reachable by id but never listed
			cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
			if delErr := r.client.Del(cleanupCtx, r.roomKey(id)).Err(); delErr != nil {
				span.RecordError(delErr)
			}
			cancel()
			return nil, "", fail(span, unavailable(err), "failed to index room")
		}

		span.SetAttributes(attribute.String("room.id", id))
		span.SetStatus(codes.Ok, "room created successfully")
		return room, secret, nil
	}
}

func (r *redisRoomRepository) decode(data []byte) (*redisRoomRecord, error) {
	var rec redisRoomRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode room record: %w", err)
	}
	if rec.Messages == nil {
		rec.Messages = []domain.Message{}
	}
	return &rec, nil
}

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// load reads a live record through getter, which is either the client or a
// watching transaction.
func (r *redisRoomRepository) load(ctx context.Context, getter stringGetter, id string) (*redisRoomRecord, error) {
	data, err := getter.Get(ctx, r.roomKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrRoomNotFound
	}
	if err != nil {
		return nil, unavailable(err)
	}

	rec, err := r.decode(data)
	if err != nil {
		return nil, err
	}
	if rec.IsExpired(r.now(), r.ttl) {
		return nil, domain.ErrRoomNotFound
	}

	return rec, nil
}

func (r *redisRoomRepository) GetByID(ctx context.Context, id string) (*domain.Room, error) {
	ctx, span := r.tracer.Start(ctx, "roomRepository.GetByID")
	defer span.End()

	span.SetAttributes(attribute.String("room.id", id))

	rec, err := r.load(ctx, r.client, id)
	if err != nil {
		if errors.Is(err, domain.ErrRoomNotFound) {
			r.evict(ctx, id)
		}
		return nil, fail(span, err, "failed to get room from redis")
	}

	span.SetAttributes(attribute.Bool("room.found", true))
	span.SetStatus(codes.Ok, "room retrieved successfully")
	return &rec.Room, nil
}

func (r *redisRoomRepository) GetAll(ctx context.Context) ([]*domain.Room, error) {
	ctx, span := r.tracer.Start(ctx, "roomRepository.GetAll")
	defer span.End()

	ids, err := r.client.ZRevRange(ctx, r.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fail(span, unavailable(err), "failed to read room index")
	}

	span.SetAttributes(attribute.Int("rooms.total_count", len(ids)))

	if len(ids) == 0 {
		return []*domain.Room{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.roomKey(id)
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fail(span, unavailable(err), "failed to read rooms")
	}

	now := r.now()
	rooms := make([]*domain.Room, 0, len(ids))
	var stale []string

	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}

		rec, err := r.decode([]byte(raw))
		if err != nil {
			span.RecordError(err)
			continue
		}
		if rec.IsExpired(now, r.ttl) {
			stale = append(stale, ids[i])
			continue
		}

		rooms = append(rooms, rec.Summary())
	}

	r.evict(ctx, stale...)

	slices.SortFunc(rooms, func(a, b *domain.Room) int {
		return newestFirst(a.CreatedAt, a.ID, b.CreatedAt, b.ID)
	})

	span.SetAttributes(
		attribute.Int("rooms.retrieved_count", len(rooms)),
		attribute.Int("rooms.evicted_count", len(stale)),
	)
	span.SetStatus(codes.Ok, "rooms retrieved successfully")
	return rooms, nil
}

// evict removes records and index entries for rooms already known to be gone.
// Failures are left for the next sweep.
func (r *redisRoomRepository) evict(ctx context.Context, ids ...string) {
	if len(ids) == 0 {
		return
	}

	members := make([]any, len(ids))
	keys := make([]string, len(ids))
	for i, id := range ids {
		members[i] = id
		keys[i] = r.roomKey(id)
	}

	_, _ = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		pipe.ZRem(ctx, r.indexKey(), members...)
		return nil
	})
}

// update runs fn against the live record inside an optimistic transaction and
// writes the result back, keeping the key's remaining TTL.
func (r *redisRoomRepository) update(ctx context.Context, id string, fn func(rec *redisRoomRecord) error) error {
	key := r.roomKey(id)

	txf := func(tx *redis.Tx) error {
		rec, err := r.load(ctx, tx, id)
		if err != nil {
			return err
		}

		if err := fn(rec); err != nil {
			return err
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode room record: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, redis.KeepTTL)
			return nil
		})
		return err
	}

	return r.watch(ctx, key, txf)
}

func (r *redisRoomRepository) watch(ctx context.Context, key string, txf func(tx *redis.Tx) error) error {
	for range maxTxRetries {
		err := r.client.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if isDomainError(err) {
			return err
		}
		return unavailable(err)
	}

	return unavailable(fmt.Errorf("transaction on %s kept conflicting after %d attempts", key, maxTxRetries))
}

func isDomainError(err error) bool {
	return errors.Is(err, domain.ErrRoomNotFound) ||
		errors.Is(err, domain.ErrForbidden) ||
		errors.Is(err, domain.ErrInvalidInput) ||
		errors.Is(err, domain.ErrInvalidMessage) ||
		errors.Is(err, domain.ErrUnavailable)
}

func (r *redisRoomRepository) Join(ctx context.Context, id, userName string) error {
	ctx, span := r.tracer.Start(ctx, "roomRepository.Join")
	defer span.End()

	span.SetAttributes(
		attribute.String("room.id", id),
		attribute.String("user.name", userName),
	)

	if userName == "" {
		return fail(span, domain.ErrInvalidInput, "invalid input")
	}

	err := r.update(ctx, id, func(rec *redisRoomRecord) error {
		added := rec.AddUser(userName)
		span.SetAttributes(attribute.Bool("user.already_member", !added))
		return nil
	})
	if err != nil {
		return fail(span, err, "failed to join room")
	}

	span.SetStatus(codes.Ok, "user joined room")
	return nil
}

func (r *redisRoomRepository) AppendMessage(ctx context.Context, id string, draft domain.MessageDraft) (*domain.Message, error) {
	ctx, span := r.tracer.Start(ctx, "roomRepository.AppendMessage")
	defer span.End()

	span.SetAttributes(attribute.String("room.id", id))

	if err := draft.Validate(); err != nil {
		return nil, fail(span, err, "invalid message")
	}

	msgID := token.MessageID()
	var msg domain.Message
	err := r.update(ctx, id, func(rec *redisRoomRecord) error {
		msg = rec.AppendMessage(msgID, draft, r.now())
		return nil
	})
	if err != nil {
		return nil, fail(span, err, "failed to append message")
	}

	span.SetAttributes(
		attribute.String("message.id", msg.ID),
		attribute.Int64("message.timestamp", msg.Timestamp),
	)
	span.SetStatus(codes.Ok, "message appended")
	return &msg, nil
}

func (r *redisRoomRepository) AddActiveUser(ctx context.Context, id, userName string) ([]string, error) {
	ctx, span := r.tracer.Start(ctx, "roomRepository.AddActiveUser")
	defer span.End()

	span.SetAttributes(
		attribute.String("room.id", id),
		attribute.String("user.name", userName),
	)

	var snapshot []string
	err := r.update(ctx, id, func(rec *redisRoomRecord) error {
		rec.AddActiveUser(userName)
		snapshot = rec.Snapshot()
		return nil
	})
	if err != nil {
		return nil, fail(span, err, "failed to add active user")
	}

	span.SetAttributes(attribute.Int("room.active_count", len(snapshot)))
	span.SetStatus(codes.Ok, "active user added")
	return snapshot, nil
}

func (r *redisRoomRepository) RemoveActiveUser(ctx context.Context, id, userName string) ([]string, error) {
	ctx, span := r.tracer.Start(ctx, "roomRepository.RemoveActiveUser")
	defer span.End()

	span.SetAttributes(
		attribute.String("room.id", id),
		attribute.String("user.name", userName),
	)

	var snapshot []string
	err := r.update(ctx, id, func(rec *redisRoomRecord) error {
		rec.RemoveActiveUser(userName)
		snapshot = rec.Snapshot()
		return nil
	})
	if err != nil {
		return nil, fail(span, err, "failed to remove active user")
	}

	span.SetAttributes(attribute.Int("room.active_count", len(snapshot)))
	span.SetStatus(codes.Ok, "active user removed")
	return snapshot, nil
}

// Delete compares the secret and removes the record in one transaction. A
// record replaced between the read and the delete aborts the transaction and
// the comparison runs again against the new record.
func (r *redisRoomRepository) Delete(ctx context.Context, id, adminSecret string) error {
	ctx, span := r.tracer.Start(ctx, "roomRepository.Delete")
	defer span.End()

	span.SetAttributes(attribute.String("room.id", id))

	key := r.roomKey(id)
	err := r.watch(ctx, key, func(tx *redis.Tx) error {
		rec, err := r.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if !token.Equal(rec.AdminSecret, adminSecret) {
			return domain.ErrForbidden
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.ZRem(ctx, r.indexKey(), id)
			return nil
		})
		return err
	})
	if err != nil {
		return fail(span, err, "failed to delete room")
	}

	span.SetStatus(codes.Ok, "room deleted successfully")
	return nil
}

func (r *redisRoomRepository) DeleteExpired(ctx context.Context) ([]string, error) {
	ctx, span := r.tracer.Start(ctx, "roomRepository.DeleteExpired")
	defer span.End()

	cutoff := r.now().Add(-r.ttl).UnixMilli()
	ids, err := r.client.ZRangeByScore(ctx, r.indexKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return nil, fail(span, unavailable(err), "failed to scan room index")
	}

	r.evict(ctx, ids...)

	span.SetAttributes(attribute.Int("rooms.expired_count", len(ids)))
	span.SetStatus(codes.Ok, "expired rooms removed")
	return ids, nil
}

func (r *redisRoomRepository) Close() error {
	return r.client.Close()
}
