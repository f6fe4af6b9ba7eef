package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key patterns stay compatible with the Node.js relay layout so an
// existing deployment can be pointed at this process without migration.
const (
	keyAccountPrefix = "claude:account:"
	keyAPIKeyPrefix  = "apikey:"
	keyAPIKeyHashMap = "apikey:hash_map"
	keyAPIKeyIndex   = "apikey:index"
	keySessionPrefix = "sticky_session:"
	keyHeadersPrefix = "account_headers:"
)

// RedisStore implements Store on a Redis backend.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedis(addr, password string, db int) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     20,
		MinIdleConns: 5,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connect: %w", err)
	}

	return &RedisStore{rdb: rdb}, nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func accountKey(platform, id string) string {
	return keyAccountPrefix + platform + ":" + id
}

func accountIndexKey(platform string) string {
	return keyAccountPrefix + platform + ":index"
}

// --- Accounts ---

func (s *RedisStore) GetAccount(ctx context.Context, platform, id string) (map[string]string, error) {
	return s.rdb.HGetAll(ctx, accountKey(platform, id)).Result()
}

func (s *RedisStore) SetAccount(ctx context.Context, platform, id string, fields map[string]string) error {
	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, accountKey(platform, id), flatten(fields)...)
	pipe.SAdd(ctx, accountIndexKey(platform), id)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) SetAccountFields(ctx context.Context, platform, id string, fields map[string]string) error {
	return s.rdb.HSet(ctx, accountKey(platform, id), flatten(fields)...).Err()
}

func (s *RedisStore) DeleteAccount(ctx context.Context, platform, id string) error {
	pipe := s.rdb.Pipeline()
	pipe.Del(ctx, accountKey(platform, id))
	pipe.SRem(ctx, accountIndexKey(platform), id)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) ListAccountIDs(ctx context.Context, platform string) ([]string, error) {
	return s.rdb.SMembers(ctx, accountIndexKey(platform)).Result()
}

// --- API keys ---

func (s *RedisStore) GetAPIKey(ctx context.Context, id string) (map[string]string, error) {
	return s.rdb.HGetAll(ctx, keyAPIKeyPrefix+id).Result()
}

func (s *RedisStore) SetAPIKey(ctx context.Context, id string, fields map[string]string) error {
	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, keyAPIKeyPrefix+id, flatten(fields)...)
	pipe.SAdd(ctx, keyAPIKeyIndex, id)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) DeleteAPIKey(ctx context.Context, id string) error {
	pipe := s.rdb.Pipeline()
	pipe.Del(ctx, keyAPIKeyPrefix+id)
	pipe.SRem(ctx, keyAPIKeyIndex, id)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) ListAPIKeyIDs(ctx context.Context) ([]string, error) {
	return s.rdb.SMembers(ctx, keyAPIKeyIndex).Result()
}

func (s *RedisStore) SetAPIKeyHash(ctx context.Context, hash, keyID string) error {
	return s.rdb.HSet(ctx, keyAPIKeyHashMap, hash, keyID).Err()
}

func (s *RedisStore) GetAPIKeyIDByHash(ctx context.Context, hash string) (string, error) {
	id, err := s.rdb.HGet(ctx, keyAPIKeyHashMap, hash).Result()
	if err == redis.Nil {
		return "", nil
	}
	return id, err
}

func (s *RedisStore) DeleteAPIKeyHash(ctx context.Context, hash string) error {
	return s.rdb.HDel(ctx, keyAPIKeyHashMap, hash).Err()
}

// --- Sticky sessions ---

func (s *RedisStore) GetSession(ctx context.Context, fingerprint string) (*SessionMapping, error) {
	data, err := s.rdb.HGetAll(ctx, keySessionPrefix+fingerprint).Result()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	return &SessionMapping{AccountID: data["accountId"], Platform: data["platform"]}, nil
}

func (s *RedisStore) SetSession(ctx context.Context, fingerprint, accountID, platform string, ttl time.Duration) error {
	key := keySessionPrefix + fingerprint
	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, key, "accountId", accountID, "platform", platform,
		"createdAt", time.Now().UTC().Format(time.RFC3339))
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) ExtendSessionIfNeeded(ctx context.Context, fingerprint string, deadband, full time.Duration) (bool, error) {
	key := keySessionPrefix + fingerprint
	remaining, err := s.rdb.PTTL(ctx, key).Result()
	if err != nil {
		return false, err
	}
	if remaining < 0 {
		// -2 missing, -1 no expiry: nothing to renew either way.
		return false, nil
	}
	if remaining >= deadband {
		return false, nil
	}
	if err := s.rdb.Expire(ctx, key, full).Err(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *RedisStore) DeleteSession(ctx context.Context, fingerprint string) error {
	return s.rdb.Del(ctx, keySessionPrefix+fingerprint).Err()
}

func (s *RedisStore) SessionTTL(ctx context.Context, fingerprint string) (time.Duration, error) {
	return s.rdb.PTTL(ctx, keySessionPrefix+fingerprint).Result()
}

// --- Account header snapshots ---

func (s *RedisStore) GetAccountHeaders(ctx context.Context, accountID string) (map[string]string, error) {
	data, err := s.rdb.HGetAll(ctx, keyHeadersPrefix+accountID).Result()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	return data, nil
}

func (s *RedisStore) SetAccountHeaders(ctx context.Context, accountID string, snapshot map[string]string, ttl time.Duration) error {
	key := keyHeadersPrefix + accountID
	pipe := s.rdb.Pipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, flatten(snapshot)...)
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// --- Usage counters ---

func (s *RedisStore) IncrementUsage(ctx context.Context, incs []UsageIncrement) error {
	if len(incs) == 0 {
		return nil
	}
	pipe := s.rdb.Pipeline()
	for _, inc := range incs {
		for field, delta := range inc.IntFields {
			pipe.HIncrBy(ctx, inc.Key, field, delta)
		}
		for field, delta := range inc.FloatFields {
			pipe.HIncrByFloat(ctx, inc.Key, field, delta)
		}
		if inc.TTL > 0 {
			pipe.Expire(ctx, inc.Key, inc.TTL)
		}
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) GetUsage(ctx context.Context, key string) (map[string]string, error) {
	return s.rdb.HGetAll(ctx, key).Result()
}

func flatten(fields map[string]string) []interface{} {
	vals := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		vals = append(vals, k, v)
	}
	return vals
}
