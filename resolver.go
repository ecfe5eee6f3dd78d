package nodeaddr

import (
	"context"
	"errors"
	"io"
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Backend performs the lookups for a resolver
type Backend interface {
	// Name identifies the backend in logs, metrics and Record.Source
	Name() string

	// Resolve looks up every target and merges the endpoints into one record whose TTL is the
	// minimum observed. It returns a *NegativeResponseError when no target resolves, a
	// *TransportError when no upstream could be reached and a *ValidationError when an answer
	// fails DNSSEC validation.
	Resolve(ctx context.Context, targets []Target) (*Record, error)

	// Close releases connections held by the backend
	Close() error
}

// Resolver turns addresses into endpoints, caching answers and sharing a single backend call
// between every caller waiting on the same address.
type Resolver struct {
	mu       sync.Mutex
	inflight map[string]*ticket
	state    atomic.Pointer[resolverState]

	cache   *Cache
	changes *EventHandlers[ChangeHandler]
	runtime Runtime
	metrics *Metrics
	logger  Logger

	closed        atomic.Bool
	sweepInterval time.Duration      // guarded by mu
	stopSweeper   context.CancelFunc // guarded by mu
}

// NewResolver creates a resolver, building a DNS backend from config unless config.Backend is set
func NewResolver(config *Config) (*Resolver, error) {
	if config == nil {
		config = DefaultConfig()
	}
	config.MergeDefault()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	st, err := newResolverState(config)
	if err != nil {
		return nil, err
	}

	var metrics *Metrics
	if config.MetricsRegisterer != nil {
		if metrics, err = NewMetrics(config.MetricsRegisterer); err != nil {
			return nil, err
		}
	}

	r := &Resolver{
		inflight: make(map[string]*ticket),
		changes:  NewEventHandlers[ChangeHandler](),
		runtime:  config.Runtime,
		metrics:  metrics,
		logger:   config.Logger,
	}
	r.cache = NewCache(ttlPolicy(config), config.Runtime.Clock(), config.Logger)
	r.cache.setMetrics(metrics)
	r.state.Store(st)

	r.mu.Lock()
	r.startSweeper(config.SweepInterval)
	r.mu.Unlock()

	r.logger.
		Field("backend", st.backend.Name()).
		Field("transport", config.Transport.String()).
		Field("dnssec", config.DNSSEC.String()).
		Debugf("resolver: Started")

	return r, nil
}

func newResolverState(config *Config) (*resolverState, error) {
	if config.Backend != nil {
		return &resolverState{config: config, backend: config.Backend}, nil
	}
	backend, err := NewDNSBackend(config)
	if err == nil {
		return &resolverState{config: config, backend: backend, owned: true}, nil
	}

	// Without any nameservers fall back to the system resolver, it cannot validate answers
	if errors.Is(err, errNoNameservers) && config.DNSSEC == DNSSECOff {
		config.Logger.Err(err).Warnf("resolver: No nameservers found, using the system resolver")
		return &resolverState{config: config, backend: NewSystemBackend(config), owned: true}, nil
	}
	return nil, err
}

func ttlPolicy(config *Config) TTLPolicy {
	return TTLPolicy{
		MinTTL:      config.MinTTL,
		MaxTTL:      config.MaxTTL,
		NegativeTTL: config.NegativeTTL,
	}
}

// Cache returns the resolution cache
func (r *Resolver) Cache() *Cache {
	return r.cache
}

// Config returns the active configuration, it must not be modified
func (r *Resolver) Config() *Config {
	return r.state.Load().config
}

// Resolve returns the endpoints for addr.
//
// Concrete addresses are returned as is. Symbolic addresses are answered from the cache when
// possible, otherwise the caller joins the in-flight lookup for the same key or starts one.
// Cancelling ctx stops this caller waiting, the lookup carries on for the other waiters and is
// cancelled only when the last waiter has gone.
func (r *Resolver) Resolve(ctx context.Context, addr ResolvableAddress) (*Record, error) {
	if r.closed.Load() {
		return nil, ErrResolverClosed
	}

	if addr.IsConcrete() {
		r.metrics.outcome(resultConcrete)
		return &Record{Endpoints: addr.Endpoints(), Source: "concrete"}, nil
	}

	key := addr.Key()
	if key == "" {
		return nil, ErrEmptyAddress
	}

	if rec, ok, err := r.fromCache(key); ok {
		return rec, err
	}
	r.metrics.miss()

	r.mu.Lock()
	// A lookup may have completed and filled the cache since the first check
	if rec, ok, err := r.fromCache(key); ok {
		r.mu.Unlock()
		return rec, err
	}
	if r.closed.Load() {
		r.mu.Unlock()
		return nil, ErrResolverClosed
	}

	t, ok := r.inflight[key]
	if ok && !t.invalidated {
		r.metrics.joined()
	} else {
		// An invalidated lookup still running is followed, not overlapped
		t = r.startTicket(key, addr.Targets(), t)
		r.inflight[key] = t
	}
	t.waiters++
	r.mu.Unlock()

	return r.wait(ctx, t)
}

// ResolveTimeout is Resolve with the wait limited to d
func (r *Resolver) ResolveTimeout(ctx context.Context, addr ResolvableAddress, d time.Duration) (*Record, error) {
	var rec *Record
	err := r.runtime.Timeout(ctx, d, func(ctx context.Context) error {
		var err error
		rec, err = r.Resolve(ctx, addr)
		return err
	})
	return rec, err
}

// ResolveString parses s and resolves it
func (r *Resolver) ResolveString(ctx context.Context, s string) (*Record, error) {
	addr, err := ParseAddressDefaultPort(s, r.Config().DefaultPort)
	if err != nil {
		return nil, err
	}
	return r.Resolve(ctx, addr)
}

// fromCache returns the cached answer for key, ok is false on a miss
func (r *Resolver) fromCache(key string) (*Record, bool, error) {
	e, ok := r.cache.get(key)
	if !ok {
		return nil, false, nil
	}
	r.metrics.hit()
	if e.negative != nil {
		r.metrics.outcome(resultNegative)
		return nil, true, e.negative
	}
	r.metrics.outcome(resultCacheHit)
	return e.record.Clone(), true, nil
}

// startTicket launches the backend call for key once after has finished, r.mu must be held
func (r *Resolver) startTicket(key string, targets []Target, after *ticket) *ticket {
	st := r.state.Load()
	st.active.Add(1)

	ctx, cancel := context.WithCancel(context.Background())
	t := newTicket(key, cancel)
	t.after = after

	r.runtime.Spawn(func() {
		defer st.active.Done()
		defer cancel()
		r.run(ctx, st, t, targets)
	})
	return t
}

func (r *Resolver) run(ctx context.Context, st *resolverState, t *ticket, targets []Target) {
	logger := r.logger.Field("key", t.key).Field("backend", st.backend.Name())

	var err error
	if t.after != nil {
		select {
		case <-t.after.done:
		case <-ctx.Done():
			err = ctx.Err()
		}
		t.after = nil
	}

	var rec *Record
	if err == nil {
		err = st.config.Retry.do(ctx, r.runtime, func(ctx context.Context, attempt int) error {
			if attempt > 1 {
				logger.Field("attempt", attempt).Debugf("resolver: Retrying lookup")
			}
			r.metrics.backendCall(st.backend.Name())

			var err error
			rec, err = st.backend.Resolve(ctx, targets)
			return err
		})
	}

	if err == nil && (rec == nil || len(rec.Endpoints) == 0) {
		err = &NegativeResponseError{Name: t.key, NoData: true}
	}
	if err != nil && r.closed.Load() && ctx.Err() != nil {
		err = ErrResolverClosed
	}

	var negative *NegativeResponseError
	switch {
	case err == nil:
		if rec.Source == "" {
			rec.Source = st.backend.Name()
		}
		logger.Field("endpoints", len(rec.Endpoints)).Field("ttl", rec.TTL.String()).Debugf("resolver: Resolved")
	case errors.As(err, &negative):
		logger.Debugf("resolver: Negative answer")
	case ctx.Err() != nil:
		logger.Debugf("resolver: Lookup abandoned")
	default:
		logger.Err(err).Warnf("resolver: Lookup failed")
	}

	t.rec, t.err = rec, err

	// The answer is cached before the ticket is removed so a caller that misses the ticket finds it
	var previous []netip.AddrPort
	changed := false
	r.mu.Lock()
	if !t.invalidated && !r.closed.Load() {
		if prev, ok := r.cache.peek(t.key); ok && prev.record != nil {
			previous = prev.record.Endpoints
		}
		switch {
		case err == nil:
			if !r.cache.Insert(t.key, rec) {
				logger.Debugf("resolver: Upstream ttl is zero, answer not cached")
			}
			changed = previous != nil && endpointsChanged(previous, rec.Endpoints)
		case negative != nil:
			r.cache.InsertNegative(t.key, negative)
			changed = previous != nil
		}
	}
	if r.inflight[t.key] == t {
		delete(r.inflight, t.key)
	}
	r.mu.Unlock()
	close(t.done)

	if changed {
		var current []netip.AddrPort
		if rec != nil && err == nil {
			current = rec.Endpoints
		}
		logger.Field("previous", len(previous)).Field("current", len(current)).Infof("resolver: Endpoints changed")
		r.changes.ForEach(func(h ChangeHandler) {
			h(t.key, previous, current)
		})
	}
}

// OnChange registers a handler called when a key that had resolved resolves to different
// endpoints or stops resolving. Handlers run on the lookup's goroutine after its waiters are released.
func (r *Resolver) OnChange(handler ChangeHandler) HandlerID {
	return r.changes.Add(handler)
}

// RemoveChangeHandler unregisters a handler added with OnChange
func (r *Resolver) RemoveChangeHandler(id HandlerID) bool {
	return r.changes.Remove(id)
}

func (r *Resolver) wait(ctx context.Context, t *ticket) (*Record, error) {
	select {
	case <-t.done:
		r.metrics.result(t.err)
		return t.rec.Clone(), t.err
	case <-ctx.Done():
	}

	if t.finished() {
		r.metrics.result(t.err)
		return t.rec.Clone(), t.err
	}

	r.mu.Lock()
	t.waiters--
	if t.waiters == 0 {
		if r.inflight[t.key] == t {
			delete(r.inflight, t.key)
		}
		t.cancel()
	}
	r.mu.Unlock()

	r.metrics.outcome(resultCancelled)
	return nil, ctx.Err()
}

// Invalidate drops the cached answer for addr. A lookup already in flight still answers its
// waiters but its result is not cached. Later callers start a fresh lookup that queries the
// backend once the invalidated one has finished, so a key never has two backend calls running.
func (r *Resolver) Invalidate(addr ResolvableAddress) bool {
	if addr.IsConcrete() {
		return false
	}
	key := addr.Key()

	r.mu.Lock()
	if t, ok := r.inflight[key]; ok {
		t.invalidated = true
	}
	r.mu.Unlock()

	return r.cache.Invalidate(key)
}

// Configure replaces the configuration. Lookups in flight finish on the old backend, which is
// closed once they have. Cached answers are kept unless a setting that changes answers changed,
// see backendChanged. Logger, Runtime and MetricsRegisterer are fixed when the resolver is built,
// the values in config are replaced by the ones in use.
func (r *Resolver) Configure(config *Config) error {
	if r.closed.Load() {
		return ErrResolverClosed
	}
	if config == nil {
		return configError("config", "must not be nil")
	}
	current := r.state.Load().config
	config.Logger = current.Logger
	config.Runtime = current.Runtime
	config.MetricsRegisterer = current.MetricsRegisterer
	config.MergeDefault()
	if err := config.Validate(); err != nil {
		return err
	}

	st, err := newResolverState(config)
	if err != nil {
		return err
	}

	r.mu.Lock()
	old := r.state.Swap(st)
	r.cache.SetPolicy(ttlPolicy(config))
	if backendChanged(old.config, config) {
		r.cache.Clear()
	}
	if config.SweepInterval != r.sweepInterval {
		r.startSweeper(config.SweepInterval)
	}
	r.mu.Unlock()

	if old.backend != st.backend {
		r.runtime.Spawn(func() { old.release(r.logger) })
	}

	r.logger.Field("config", config.String()).Infof("resolver: Reconfigured")
	return nil
}

// backendChanged reports whether lookups under b can answer differently from lookups under a
func backendChanged(a, b *Config) bool {
	if a.Backend != nil || b.Backend != nil {
		return a.Backend != b.Backend
	}
	return a.Transport != b.Transport ||
		a.DNSSEC != b.DNSSEC ||
		a.ResolvConf != b.ResolvConf ||
		a.DefaultPort != b.DefaultPort ||
		a.PreferIPv6 != b.PreferIPv6 ||
		!slices.Equal(a.Upstreams, b.Upstreams) ||
		!slices.Equal(a.TrustAnchors, b.TrustAnchors)
}

// startSweeper replaces the background sweep loop, r.mu must be held
func (r *Resolver) startSweeper(interval time.Duration) {
	if r.stopSweeper != nil {
		r.stopSweeper()
		r.stopSweeper = nil
	}
	r.sweepInterval = interval
	if interval <= 0 {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.stopSweeper = cancel
	ticker := r.runtime.Clock().Ticker(interval)

	r.runtime.Spawn(func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := r.cache.Sweep(); n > 0 {
					r.logger.Field("removed", n).Debugf("resolver: Swept expired entries")
				}
			}
		}
	})
}

func (r *Resolver) snapshotOptions() SnapshotOptions {
	config := r.Config()
	return SnapshotOptions{
		Serializer: config.SnapshotSerializer,
		Compressor: config.SnapshotCompressor,
		Cipher:     config.SnapshotCipher,
		Key:        []byte(config.SnapshotKey),
	}
}

// SaveSnapshot writes the cache to w using the configured serializer, compressor and cipher
func (r *Resolver) SaveSnapshot(w io.Writer) (int, error) {
	return r.cache.WriteSnapshot(w, r.snapshotOptions())
}

// LoadSnapshot warms the cache from a snapshot written by SaveSnapshot
func (r *Resolver) LoadSnapshot(rd io.Reader) (int, error) {
	n, err := r.cache.ReadSnapshot(rd, r.snapshotOptions())
	if err != nil {
		return 0, err
	}
	r.logger.Field("entries", n).Infof("resolver: Loaded snapshot")
	return n, nil
}

// Close stops the resolver, waiters still in flight receive ErrResolverClosed
func (r *Resolver) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}

	r.mu.Lock()
	r.startSweeper(0)
	for key, t := range r.inflight {
		t.cancel()
		delete(r.inflight, key)
	}
	st := r.state.Load()
	r.mu.Unlock()

	st.release(r.logger)
	r.logger.Debugf("resolver: Stopped")
	return nil
}
