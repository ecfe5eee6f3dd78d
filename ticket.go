package nodeaddr

import (
	"context"
	"sync"
)

// ticket is a backend call shared by every caller resolving the same key
type ticket struct {
	key     string
	done    chan struct{}
	rec     *Record
	err     error
	waiters int // guarded by Resolver.mu
	cancel  context.CancelFunc

	// invalidated is set when the key was invalidated mid flight, the result is delivered but not cached
	invalidated bool // guarded by Resolver.mu

	// after is an invalidated ticket for the same key that must finish before this one queries
	after *ticket
}

func newTicket(key string, cancel context.CancelFunc) *ticket {
	return &ticket{
		key:    key,
		done:   make(chan struct{}),
		cancel: cancel,
	}
}

// finished reports whether the result is available without blocking
func (t *ticket) finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// resolverState is the configuration and backend tickets run against, swapped as a unit by Configure
type resolverState struct {
	config  *Config
	backend Backend
	owned   bool           // backend was built from config and is closed with it
	active  sync.WaitGroup // tickets still using backend
}

func (s *resolverState) release(logger Logger) {
	if !s.owned {
		return
	}
	s.active.Wait()
	if err := s.backend.Close(); err != nil {
		logger.Err(err).Field("backend", s.backend.Name()).Warnf("resolver: failed to close backend")
	}
}
