package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/devblac/wrapper-sync/internal/feed"
	"github.com/go-redis/redis/v8"
)

const redisChannelPrefix = "wrapper-sync:cache:"

// RedisStore keeps entries in Redis. Every Set is also published on a
// per-key channel, so Observe sees writes from other processes too.
type RedisStore struct {
	client *redis.Client
	obs    *observers
	pubsub *redis.PubSub
	wg     sync.WaitGroup
}

var _ Store = (*RedisStore)(nil)

// OpenRedis connects to addr and starts the change listener.
func OpenRedis(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	s := &RedisStore{
		client: client,
		obs:    newObservers(),
		pubsub: client.PSubscribe(ctx, redisChannelPrefix+"*"),
	}
	// Wait for the subscription confirmation so no early Set is missed.
	if _, err := s.pubsub.Receive(ctx); err != nil {
		_ = s.pubsub.Close()
		_ = client.Close()
		return nil, fmt.Errorf("subscribe redis: %w", err)
	}

	s.wg.Add(1)
	go s.listen()
	return s, nil
}

func (s *RedisStore) listen() {
	defer s.wg.Done()
	for msg := range s.pubsub.Channel() {
		key := strings.TrimPrefix(msg.Channel, redisChannelPrefix)
		s.obs.publish(key, []byte(msg.Payload))
	}
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := s.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		return v, true, nil
	case errors.Is(err, redis.Nil):
		return nil, false, nil
	default:
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	if key == "" {
		return errors.New("key required")
	}
	if err := s.client.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	if err := s.client.Publish(ctx, redisChannelPrefix+key, value).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Observe(key string) *feed.Subscription[[]byte] {
	return s.obs.subscribe(key)
}

func (s *RedisStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan keys: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	err := s.pubsub.Close()
	s.wg.Wait()
	s.obs.close()
	if cerr := s.client.Close(); err == nil {
		err = cerr
	}
	return err
}
