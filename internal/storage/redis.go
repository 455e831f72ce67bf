package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// redisKeyPrefix namespaces nonce keys.
	redisKeyPrefix = "nonce"
	// DefaultRedisRetention keeps lapsed records around long enough for a
	// validator to report Expired rather than NotFound.
	DefaultRedisRetention = 24 * time.Hour
	redisScanCount        = 256
)

// compareAndDelete removes KEYS[1] only if it still holds ARGV[1].
var compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStoreConfig holds tuning parameters for the Redis store.
type RedisStoreConfig struct {
	Retention time.Duration // extra key TTL past expiry; 0 = DefaultRedisRetention
	Logger    *slog.Logger  // nil = slog.Default()
}

// RedisStore implements NonceStore on Redis. Creation uses SET NX, consumption
// GETDEL, and expiry sweeps a Lua compare-and-delete, so every per-token
// mutation is a single atomic server-side step.
type RedisStore struct {
	client    redis.UniversalClient
	retention time.Duration
	logger    *slog.Logger
}

var _ NonceStore = (*RedisStore)(nil)

type redisRecord struct {
	TrueNonce bool            `json:"true_nonce"`
	Data      json.RawMessage `json:"data"`
	CreatedAt int64           `json:"created_at"`
	ExpiresAt int64           `json:"expires_at"`
}

func NewRedisStore(client redis.UniversalClient, cfgs ...RedisStoreConfig) *RedisStore {
	s := &RedisStore{client: client, retention: DefaultRedisRetention, logger: slog.Default()}
	if len(cfgs) > 0 {
		if cfgs[0].Retention > 0 {
			s.retention = cfgs[0].Retention
		}
		if cfgs[0].Logger != nil {
			s.logger = cfgs[0].Logger
		}
	}
	return s
}

// buildKey formats nonce:{token}.
func buildKey(token string) string {
	return redisKeyPrefix + ":" + token
}

func (s *RedisStore) CreateNonce(ctx context.Context, rec *NonceRecord) error {
	blob, err := encodeData(rec.Data, -1)
	if err != nil {
		return err
	}
	val, err := json.Marshal(redisRecord{
		TrueNonce: rec.TrueNonce,
		Data:      blob,
		CreatedAt: rec.CreatedAt.Unix(),
		ExpiresAt: expiryUnix(rec.ExpiresAt),
	})
	if err != nil {
		return fmt.Errorf("encode nonce record: %w", err)
	}

	// Key TTL is relative so an injected clock far from wall time cannot make
	// Redis evict a record before the service considers it expired.
	var ttl time.Duration
	if !rec.ExpiresAt.IsZero() {
		ttl = rec.ExpiresAt.Sub(rec.CreatedAt) + s.retention
	}

	ok, err := s.client.SetNX(ctx, buildKey(rec.Token), val, ttl).Result()
	if err != nil {
		return fmt.Errorf("set nonce: %w", err)
	}
	if !ok {
		return ErrNonceExists
	}
	return nil
}

func (s *RedisStore) GetNonce(ctx context.Context, token string) (*NonceRecord, error) {
	val, err := s.client.Get(ctx, buildKey(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeRedisRecord(token, val)
}

func (s *RedisStore) ConsumeNonce(ctx context.Context, token string) (*NonceRecord, error) {
	val, err := s.client.GetDel(ctx, buildKey(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeRedisRecord(token, val)
}

func (s *RedisStore) DeleteNonce(ctx context.Context, token string) (bool, error) {
	n, err := s.client.Del(ctx, buildKey(token)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteExpiredNonces walks the keyspace with SCAN. A record is only removed if
// it is unchanged since it was read, so a sweep never races a fresh write.
func (s *RedisStore) DeleteExpiredNonces(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.Unix()
	var removed int64
	iter := s.client.Scan(ctx, 0, redisKeyPrefix+":*", redisScanCount).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		val, err := s.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return removed, err
		}
		var rr redisRecord
		if err := json.Unmarshal([]byte(val), &rr); err != nil {
			s.logger.Warn("skipping undecodable nonce record", "key", key, "error", err)
			continue
		}
		if rr.ExpiresAt == 0 || rr.ExpiresAt >= cutoff {
			continue
		}
		n, err := compareAndDelete.Run(ctx, s.client, []string{key}, val).Int64()
		if err != nil {
			return removed, err
		}
		removed += n
	}
	if err := iter.Err(); err != nil {
		return removed, err
	}
	return removed, nil
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func decodeRedisRecord(token string, val []byte) (*NonceRecord, error) {
	var rr redisRecord
	if err := json.Unmarshal(val, &rr); err != nil {
		return nil, fmt.Errorf("decode nonce record: %w", err)
	}
	data, err := decodeData(rr.Data)
	if err != nil {
		return nil, err
	}
	return &NonceRecord{
		Token:     token,
		TrueNonce: rr.TrueNonce,
		CreatedAt: time.Unix(rr.CreatedAt, 0),
		ExpiresAt: expiryTime(rr.ExpiresAt),
		Data:      data,
	}, nil
}
