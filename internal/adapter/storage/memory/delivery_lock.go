package memory

import (
	"context"
	"sync"
	"time"
)

// DeliveryLock implements ports.DeliveryLock for a single process.
type DeliveryLock struct {
	mu    sync.Mutex
	held  map[string]time.Time
	clock func() time.Time
}

// NewDeliveryLock creates an empty DeliveryLock.
func NewDeliveryLock() *DeliveryLock {
	return &DeliveryLock{held: make(map[string]time.Time), clock: time.Now}
}

func (l *DeliveryLock) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock()
	if until, ok := l.held[key]; ok && now.Before(until) {
		return false, nil
	}
	l.held[key] = now.Add(ttl)
	return true, nil
}

func (l *DeliveryLock) Release(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
	return nil
}
