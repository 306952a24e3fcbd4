package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"payment-reliability-engine/internal/core/domain"

	goredis "github.com/redis/go-redis/v9"
)

var errStaleVersion = errors.New("circuit state version changed")

// CircuitStore implements ports.CircuitStore so every instance shares one
// breaker per target. Each target is a JSON document under its own key;
// CompareAndSwap uses WATCH/MULTI so concurrent writers serialize on it.
type CircuitStore struct {
	client goredis.UniversalClient
	prefix string
}

// NewCircuitStore creates a Redis-backed circuit store.
func NewCircuitStore(client goredis.UniversalClient) *CircuitStore {
	return &CircuitStore{client: client, prefix: keyPrefix + "circuit:"}
}

func (s *CircuitStore) Load(ctx context.Context, target string) (domain.CircuitState, error) {
	return s.load(ctx, s.client, target)
}

func (s *CircuitStore) CompareAndSwap(ctx context.Context, target string, expectedVersion int64, next domain.CircuitState) (bool, error) {
	key := s.prefix + target
	next.Target = target
	next.Version = expectedVersion + 1
	raw, err := json.Marshal(next)
	if err != nil {
		return false, fmt.Errorf("encode circuit state: %w", err)
	}

	err = s.client.Watch(ctx, func(tx *goredis.Tx) error {
		cur, err := s.load(ctx, tx, target)
		if err != nil {
			return err
		}
		if cur.Version != expectedVersion {
			return errStaleVersion
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, raw, 0)
			return nil
		})
		return err
	}, key)

	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, errStaleVersion), errors.Is(err, goredis.TxFailedErr):
		return false, nil
	default:
		return false, fmt.Errorf("redis circuit swap: %w", err)
	}
}

func (s *CircuitStore) load(ctx context.Context, c goredis.Cmdable, target string) (domain.CircuitState, error) {
	raw, err := c.Get(ctx, s.prefix+target).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return domain.NewCircuitState(target), nil
		}
		return domain.CircuitState{}, fmt.Errorf("redis circuit load: %w", err)
	}
	var st domain.CircuitState
	if err := json.Unmarshal(raw, &st); err != nil {
		return domain.CircuitState{}, fmt.Errorf("decode circuit state: %w", err)
	}
	return st, nil
}
