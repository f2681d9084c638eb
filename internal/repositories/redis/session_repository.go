package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/hanko-field/dropin/internal/repositories"
)

const (
	defaultKeyPrefix = "dropin"
	defaultTTL       = 24 * time.Hour
)

// saveSessionScript stores a session hash unless a newer version is already stored.
// KEYS[1] = session hash key
// KEYS[2] = expiry index sorted set
// ARGV[1] = version
// ARGV[2] = merchant id
// ARGV[3] = phase
// ARGV[4] = terminal flag (0/1)
// ARGV[5] = serialised state
// ARGV[6] = updated at (unix ms)
// ARGV[7] = expires at (unix ms, 0 when unset)
// ARGV[8] = key ttl (ms)
// ARGV[9] = session id
var saveSessionScript = goredis.NewScript(`
local current = redis.call("HGET", KEYS[1], "version")
if current and tonumber(current) > tonumber(ARGV[1]) then
    return {0, current}
end
redis.call("HSET", KEYS[1],
    "version", ARGV[1],
    "merchant", ARGV[2],
    "phase", ARGV[3],
    "terminal", ARGV[4],
    "state", ARGV[5],
    "updated_at", ARGV[6],
    "expires_at", ARGV[7])
redis.call("PEXPIRE", KEYS[1], ARGV[8])
if tonumber(ARGV[7]) > 0 then
    redis.call("ZADD", KEYS[2], ARGV[7], ARGV[9])
else
    redis.call("ZREM", KEYS[2], ARGV[9])
end
return {1, ARGV[1]}
`)

// Option customises the repository.
type Option func(*SessionRepository)

// WithKeyPrefix namespaces keys, which lets several deployments share a Redis instance.
func WithKeyPrefix(prefix string) Option {
	return func(r *SessionRepository) {
		if trimmed := strings.Trim(strings.TrimSpace(prefix), ":"); trimmed != "" {
			r.prefix = trimmed
		}
	}
}

// WithTTL sets how long a session hash survives after its last write.
func WithTTL(ttl time.Duration) Option {
	return func(r *SessionRepository) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// SessionRepository persists session records as Redis hashes with a TTL.
type SessionRepository struct {
	client goredis.UniversalClient
	prefix string
	ttl    time.Duration
}

var _ repositories.SessionStateRepository = (*SessionRepository)(nil)

// NewClient builds the Redis client used by the repository.
func NewClient(addr, password string, db int) *goredis.Client {
	return goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// NewSessionRepository constructs a Redis-backed session repository.
func NewSessionRepository(client goredis.UniversalClient, opts ...Option) (*SessionRepository, error) {
	if client == nil {
		return nil, errors.New("redis session repository requires a client")
	}
	repo := &SessionRepository{client: client, prefix: defaultKeyPrefix, ttl: defaultTTL}
	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}
	return repo, nil
}

func (r *SessionRepository) sessionKey(id string) string {
	return r.prefix + ":session:" + id
}

func (r *SessionRepository) expiryKey() string {
	return r.prefix + ":sessions:expiry"
}

func (r *SessionRepository) Save(ctx context.Context, record repositories.SessionRecord) error {
	id := strings.TrimSpace(record.SessionID)
	if id == "" {
		return errors.New("redis session save: session id is required")
	}
	terminal := "0"
	if record.Terminal {
		terminal = "1"
	}
	var expiresAt int64
	if !record.ExpiresAt.IsZero() {
		expiresAt = record.ExpiresAt.UTC().UnixMilli()
	}

	res, err := saveSessionScript.Run(ctx, r.client,
		[]string{r.sessionKey(id), r.expiryKey()},
		record.Version,
		record.MerchantID,
		record.Phase,
		terminal,
		record.State,
		record.UpdatedAt.UTC().UnixMilli(),
		expiresAt,
		r.ttl.Milliseconds(),
		id,
	).Slice()
	if err != nil {
		return wrapError("redis.sessions.save", err)
	}
	if len(res) != 2 {
		return wrapError("redis.sessions.save", fmt.Errorf("unexpected script response %v", res))
	}
	if ok, _ := res[0].(int64); ok != 1 {
		return repositories.NewConflictError("redis.sessions.save", fmt.Errorf("stored version %v is newer than %d", res[1], record.Version))
	}
	return nil
}

func (r *SessionRepository) Get(ctx context.Context, sessionID string) (repositories.SessionRecord, error) {
	id := strings.TrimSpace(sessionID)
	fields, err := r.client.HGetAll(ctx, r.sessionKey(id)).Result()
	if err != nil {
		return repositories.SessionRecord{}, wrapError("redis.sessions.get", err)
	}
	if len(fields) == 0 {
		return repositories.SessionRecord{}, repositories.NewNotFoundError("redis.sessions.get", id)
	}
	return decodeRecord(id, fields)
}

func (r *SessionRepository) Delete(ctx context.Context, sessionID string) error {
	id := strings.TrimSpace(sessionID)
	_, err := r.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, r.sessionKey(id))
		pipe.ZRem(ctx, r.expiryKey(), id)
		return nil
	})
	return wrapError("redis.sessions.delete", err)
}

func (r *SessionRepository) ListExpired(ctx context.Context, before time.Time, limit int) ([]string, error) {
	by := &goredis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(before.UTC().UnixMilli(), 10),
	}
	if limit > 0 {
		by.Count = int64(limit)
	}
	ids, err := r.client.ZRangeByScore(ctx, r.expiryKey(), by).Result()
	if err != nil {
		return nil, wrapError("redis.sessions.list_expired", err)
	}
	return ids, nil
}

// Ping verifies connectivity for readiness probes.
func (r *SessionRepository) Ping(ctx context.Context) error {
	return wrapError("redis.ping", r.client.Ping(ctx).Err())
}

func decodeRecord(id string, fields map[string]string) (repositories.SessionRecord, error) {
	version, err := strconv.ParseInt(fields["version"], 10, 64)
	if err != nil {
		return repositories.SessionRecord{}, fmt.Errorf("redis session %s: decode version: %w", id, err)
	}
	record := repositories.SessionRecord{
		SessionID:  id,
		MerchantID: fields["merchant"],
		Version:    version,
		Phase:      fields["phase"],
		Terminal:   fields["terminal"] == "1",
		State:      []byte(fields["state"]),
		UpdatedAt:  millisToTime(fields["updated_at"]),
		ExpiresAt:  millisToTime(fields["expires_at"]),
	}
	return record, nil
}

func millisToTime(raw string) time.Time {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, goredis.Nil) {
		return &repositories.StoreError{Op: op, Err: err, NotFound: true}
	}
	return repositories.NewUnavailableError(op, err)
}
