package signals

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/xela07ax/connpulse/internal/infra"
)

// RedisDisablementStore переживает рестарт: флаг постоянного отключения опроса
// читается при старте и передается в конфиг движка.
type RedisDisablementStore struct {
	rdb *redis.Client
	key string
}

func NewRedisDisablementStore(rdb *redis.Client) *RedisDisablementStore {
	return &RedisDisablementStore{rdb: rdb, key: infra.RedisKeyDisabled}
}

func (s *RedisDisablementStore) Save(ctx context.Context, reason string) error {
	return s.rdb.Set(ctx, s.key, reason, 0).Err()
}

func (s *RedisDisablementStore) Clear(ctx context.Context) error {
	return s.rdb.Del(ctx, s.key).Err()
}

// Load возвращает сохраненную причину. ok = false, если флага нет.
func (s *RedisDisablementStore) Load(ctx context.Context) (reason string, ok bool, err error) {
	reason, err = s.rdb.Get(ctx, s.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return reason, true, nil
}
