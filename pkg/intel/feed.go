package intel

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/hitrack/hitrack-scanner/pkg/ext"
)

// cachedFeed holds a whole-catalog download for ttl. A failed refresh keeps
// serving the previous copy when there is one.
type cachedFeed[T any] struct {
	name  string
	ttl   time.Duration
	clock ext.Clock
	load  func(ctx context.Context) (T, error)

	mu        sync.Mutex
	value     T
	loaded    bool
	fetchedAt time.Time
}

func (f *cachedFeed[T]) get(ctx context.Context) (T, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.clock.Now()
	if f.loaded && now.Sub(f.fetchedAt) < f.ttl {
		return f.value, nil
	}
	value, err := f.load(ctx)
	if err != nil {
		if f.loaded {
			log.WithField("source", f.name).WithError(err).Warn("Refreshing feed failed, serving cached copy")
			return f.value, nil
		}
		var zero T
		return zero, err
	}
	f.value, f.loaded, f.fetchedAt = value, true, now
	return value, nil
}
