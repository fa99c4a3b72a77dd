// Package cache keeps solved boundary-element systems keyed by the content
// hash of the model and the solve method, so repeated forward builds on the
// same geometry skip the O(N³) solve.
package cache

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"neurosource/pkg/bem"
	"neurosource/pkg/geometry"
	"neurosource/pkg/logging"
	"neurosource/pkg/metrics"
)

// ErrMiss is returned by a Store that holds nothing under the key
var ErrMiss = stderrors.New("cache miss")

// Store holds opaque encoded solutions
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error

	// Backend names the store in metrics and logs
	Backend() string
}

// Memory is a process-local Store
type Memory struct {
	mu    sync.RWMutex
	items map[string][]byte
}

// NewMemory returns an empty in-process store
func NewMemory() *Memory {
	return &Memory{items: make(map[string][]byte)}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.items[key]
	if !ok {
		return nil, ErrMiss
	}
	return data, nil
}

func (m *Memory) Set(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = append([]byte(nil), data...)
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

func (m *Memory) Backend() string { return "memory" }

// Len returns the number of stored entries
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// Redis shares solutions between processes through a redis server
type Redis struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

// RedisOption configures a Redis store
type RedisOption func(*Redis)

// WithPrefix namespaces every key
func WithPrefix(prefix string) RedisOption {
	return func(r *Redis) { r.prefix = prefix }
}

// WithTTL expires entries after ttl; zero keeps them forever
func WithTTL(ttl time.Duration) RedisOption {
	return func(r *Redis) { r.ttl = ttl }
}

// NewRedis wraps an existing client
func NewRedis(client redis.Cmdable, opts ...RedisOption) *Redis {
	r := &Redis{client: client, prefix: "neurosource:"}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DialRedis connects to addr and verifies the connection
func DialRedis(ctx context.Context, addr string, opts ...RedisOption) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}
	return NewRedis(client, opts...), nil
}

func (r *Redis) key(k string) string { return r.prefix + "bem:" + k }

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, r.key(key)).Bytes()
	if err == redis.Nil {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return data, nil
}

func (r *Redis) Set(ctx context.Context, key string, data []byte) error {
	if err := r.client.Set(ctx, r.key(key), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.key(key)).Err()
}

func (r *Redis) Backend() string { return "redis" }

// Solver produces a solution on a cache miss
type Solver func(ctx context.Context, m *geometry.Model, opts bem.Options) (*bem.Solution, error)

// Solutions resolves BEM solutions through a Store. Concurrent requests for
// the same key share one solve.
type Solutions struct {
	store   Store
	solve   Solver
	log     logging.Logger
	metrics *metrics.Metrics
	group   singleflight.Group
}

// NewSolutions wires a store to bem.Solve
func NewSolutions(store Store, log logging.Logger, m *metrics.Metrics) *Solutions {
	return &Solutions{
		store:   store,
		solve:   bem.Solve,
		log:     logging.OrNop(log).Named("cache"),
		metrics: m,
	}
}

// WithSolver replaces the solver, mainly for tests
func (s *Solutions) WithSolver(solve Solver) *Solutions {
	s.solve = solve
	return s
}

// Get returns the cached solution for m or solves and stores it. Store
// failures degrade to a solve; they never fail the request.
func (s *Solutions) Get(ctx context.Context, m *geometry.Model, opts bem.Options) (*bem.Solution, error) {
	key := bem.Identity(m, bem.UsesIsolatedProblem(m, opts.IPLimit))
	backend := s.store.Backend()

	if sol, ok := s.lookup(ctx, key, m); ok {
		s.metrics.CacheAccess(backend, true)
		return sol, nil
	}
	s.metrics.CacheAccess(backend, false)

	// The shared solve runs without the caller's cancellation; each caller
	// stops waiting when its own context ends.
	solveCtx := context.WithoutCancel(ctx)
	ch := s.group.DoChan(key, func() (interface{}, error) {
		sol, err := s.solve(solveCtx, m, opts)
		if err != nil {
			return nil, err
		}
		data, err := sol.MarshalBinary()
		if err == nil {
			err = s.store.Set(solveCtx, key, data)
		}
		if err != nil {
			s.log.Warn("could not store BEM solution", logging.String("key", key), logging.Err(err))
		}
		return sol, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		if r.Shared {
			s.log.Debug("shared in-flight BEM solve", logging.String("key", key))
		}
		return r.Val.(*bem.Solution), nil
	}
}

func (s *Solutions) lookup(ctx context.Context, key string, m *geometry.Model) (*bem.Solution, bool) {
	data, err := s.store.Get(ctx, key)
	if err != nil {
		if !stderrors.Is(err, ErrMiss) {
			s.log.Warn("BEM cache lookup failed", logging.String("key", key), logging.Err(err))
		}
		return nil, false
	}
	sol, err := bem.UnmarshalSolution(data, m)
	if err != nil {
		s.log.Warn("discarding unreadable BEM cache entry", logging.String("key", key), logging.Err(err))
		_ = s.store.Delete(ctx, key)
		return nil, false
	}
	s.log.Debug("BEM cache hit", logging.String("key", key))
	return sol, true
}
