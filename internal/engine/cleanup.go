package engine

import (
	"sync"

	"go.uber.org/zap"

	"github.com/sylphxai/lens/internal/resolver"
)

// cleanupStack collects onCleanup registrations for one operation and
// runs them in reverse order on teardown, matching the LIFO unwind a
// defer chain would give a single goroutine — except cleanup hooks here
// are registered from arbitrary points in the resolver/live-field walk.
type cleanupStack struct {
	mu  sync.Mutex
	fns []resolver.CleanupFunc
	ran bool
}

func newCleanupStack() *cleanupStack {
	return &cleanupStack{}
}

func (c *cleanupStack) push(fn resolver.CleanupFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ran {
		fn()
		return
	}
	c.fns = append(c.fns, fn)
}

func (c *cleanupStack) runAll(logger *zap.Logger) {
	c.mu.Lock()
	fns := c.fns
	c.fns = nil
	c.ran = true
	c.mu.Unlock()

	for i := len(fns) - 1; i >= 0; i-- {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Warn("cleanup hook panicked", zap.Any("recovered", r))
				}
			}()
			fns[i]()
		}()
	}
}
