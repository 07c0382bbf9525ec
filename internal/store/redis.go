package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	keyNamespace     = "crm"
	callRetryMax     = 3
	callRetryBackoff = 200 * time.Millisecond
)

// RedisStore implements DocumentStore on top of Redis. Documents are stored
// as JSON strings and collection membership is tracked in a set so Query can
// enumerate a collection without a keyspace scan.
type RedisStore struct {
	client redis.UniversalClient
	logger zerolog.Logger
}

// NewRedisStore constructs a RedisStore and verifies connectivity.
func NewRedisStore(ctx context.Context, client redis.UniversalClient, logger zerolog.Logger) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("store: redis client is required")
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("store: redis ping: %w", err)
	}
	return &RedisStore{
		client: client,
		logger: logger.With().Str("component", "redis_store").Logger(),
	}, nil
}

func docKey(collection, id string) string {
	return fmt.Sprintf("%s:%s:%s", keyNamespace, collection, id)
}

func setKey(collection string) string {
	return fmt.Sprintf("%s:%s", keyNamespace, collection)
}

// withRetry runs op under a short constant backoff. Redis hiccups are
// transient by assumption; persistent failures surface after the cap.
func (s *RedisStore) withRetry(ctx context.Context, op func() error) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(callRetryBackoff), callRetryMax),
		ctx,
	)
	return backoff.Retry(func() error {
		err := op()
		if errors.Is(err, ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

// Get implements DocumentStore.
func (s *RedisStore) Get(ctx context.Context, collection, id string, out any) error {
	return s.withRetry(ctx, func() error {
		raw, err := s.client.Get(ctx, docKey(collection, id)).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("store: get %s/%s: %w", collection, id, err)
		}
		return json.Unmarshal(raw, out)
	})
}

// Add implements DocumentStore.
func (s *RedisStore) Add(ctx context.Context, collection, id string, doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("store: marshal %s/%s: %w", collection, id, err)
	}
	return s.withRetry(ctx, func() error {
		pipe := s.client.TxPipeline()
		pipe.Set(ctx, docKey(collection, id), raw, 0)
		pipe.SAdd(ctx, setKey(collection), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("store: add %s/%s: %w", collection, id, err)
		}
		return nil
	})
}

// Update implements DocumentStore. The patch is applied shallowly on top of
// the stored document.
func (s *RedisStore) Update(ctx context.Context, collection, id string, patch map[string]any) error {
	return s.withRetry(ctx, func() error {
		key := docKey(collection, id)
		raw, err := s.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("store: update read %s/%s: %w", collection, id, err)
		}
		var doc map[string]any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("store: update decode %s/%s: %w", collection, id, err)
		}
		for k, v := range patch {
			doc[k] = v
		}
		merged, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("store: update encode %s/%s: %w", collection, id, err)
		}
		if err := s.client.Set(ctx, key, merged, 0).Err(); err != nil {
			return fmt.Errorf("store: update write %s/%s: %w", collection, id, err)
		}
		return nil
	})
}

// Query implements DocumentStore.
func (s *RedisStore) Query(ctx context.Context, collection string, filter Filter) ([]json.RawMessage, error) {
	var results []json.RawMessage
	err := s.withRetry(ctx, func() error {
		results = results[:0]
		ids, err := s.client.SMembers(ctx, setKey(collection)).Result()
		if err != nil {
			return fmt.Errorf("store: query %s: %w", collection, err)
		}
		for _, id := range ids {
			raw, err := s.client.Get(ctx, docKey(collection, id)).Bytes()
			if errors.Is(err, redis.Nil) {
				// Membership set can lag behind deletions.
				continue
			}
			if err != nil {
				return fmt.Errorf("store: query read %s/%s: %w", collection, id, err)
			}
			if matchesFilter(raw, filter) {
				results = append(results, json.RawMessage(raw))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// Delete implements DocumentStore.
func (s *RedisStore) Delete(ctx context.Context, collection, id string) error {
	return s.withRetry(ctx, func() error {
		pipe := s.client.TxPipeline()
		pipe.Del(ctx, docKey(collection, id))
		pipe.SRem(ctx, setKey(collection), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("store: delete %s/%s: %w", collection, id, err)
		}
		return nil
	})
}
