package lockstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/agent-warden/internal/domain"

	"github.com/xela07ax/agent-warden/internal/infra"
)

// RedisStore — бэкенд на Redis для распределенных ранов (несколько хостов).
// Create-if-absent дает SETNX; проверка токена при delete/update выполняется
// Lua-скриптом на стороне сервера, чтобы сравнение и запись были одной
// атомарной операцией.
type RedisStore struct {
	rdb *redis.Client
}

// Redis-TTL на записи не ставим: expiry-семантика принадлежит Lock Manager,
// протухшие локи снимает reclaimExpired и это должно попадать в отчет рана.
var (
	compareAndDeleteScript = redis.NewScript(`
local raw = redis.call("GET", KEYS[1])
if not raw then return -1 end
local rec = cjson.decode(raw)
if rec.token ~= ARGV[1] then return 0 end
redis.call("DEL", KEYS[1])
return 1`)

	compareAndUpdateScript = redis.NewScript(`
local raw = redis.call("GET", KEYS[1])
if not raw then return -1 end
local rec = cjson.decode(raw)
if rec.token ~= ARGV[1] then return 0 end
redis.call("SET", KEYS[1], ARGV[2])
return 1`)
)

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) TryCreate(ctx context.Context, lock domain.Lock) error {
	data, err := json.Marshal(lock)
	if err != nil {
		return fmt.Errorf("failed to marshal lock record: %w", err)
	}
	ok, err := s.rdb.SetNX(ctx, infra.LockKey(lock.ResourceID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("redis setnx failed: %w", err)
	}
	if !ok {
		return ErrExists
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, resourceID string) (domain.Lock, error) {
	raw, err := s.rdb.Get(ctx, infra.LockKey(resourceID)).Bytes()
	if err == redis.Nil {
		return domain.Lock{}, ErrNotFound
	}
	if err != nil {
		return domain.Lock{}, fmt.Errorf("redis get failed: %w", err)
	}
	var lock domain.Lock
	if err := json.Unmarshal(raw, &lock); err != nil {
		return domain.Lock{}, fmt.Errorf("corrupt lock record for %s: %w", resourceID, err)
	}
	return lock, nil
}

func (s *RedisStore) CompareAndDelete(ctx context.Context, resourceID, token string) error {
	res, err := compareAndDeleteScript.Run(ctx, s.rdb, []string{infra.LockKey(resourceID)}, token).Int()
	if err != nil {
		return fmt.Errorf("redis compare-and-delete failed: %w", err)
	}
	switch res {
	case -1:
		return ErrNotFound
	case 0:
		return ErrTokenMismatch
	}
	return nil
}

func (s *RedisStore) CompareAndUpdate(ctx context.Context, resourceID, token string, lock domain.Lock) error {
	data, err := json.Marshal(lock)
	if err != nil {
		return fmt.Errorf("failed to marshal lock record: %w", err)
	}
	res, err := compareAndUpdateScript.Run(ctx, s.rdb, []string{infra.LockKey(resourceID)}, token, data).Int()
	if err != nil {
		return fmt.Errorf("redis compare-and-update failed: %w", err)
	}
	switch res {
	case -1:
		return ErrNotFound
	case 0:
		return ErrTokenMismatch
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context) ([]domain.Lock, error) {
	var locks []domain.Lock
	iter := s.rdb.Scan(ctx, 0, infra.RedisKeyLockPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		raw, err := s.rdb.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue // снят конкурентным release между SCAN и GET
		}
		if err != nil {
			return nil, fmt.Errorf("redis get failed: %w", err)
		}
		var lock domain.Lock
		if err := json.Unmarshal(raw, &lock); err != nil {
			return nil, fmt.Errorf("corrupt lock record %s: %w", iter.Val(), err)
		}
		locks = append(locks, lock)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan failed: %w", err)
	}
	return locks, nil
}
