package policy

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"fabricgate.org/internal/obs"
)

const (
	DefaultCacheTTL      = 30 * time.Second
	DefaultReloadChannel = "fabricgate:policy:reload"
)

// ErrNoPolicy is returned by a Source when nothing has been stored yet.
var ErrNoPolicy = errors.New("policy: no security policy stored")

// Source loads the persisted policy.
type Source interface {
	SecurityPolicy(ctx context.Context) (Snapshot, error)
}

// Store persists the policy.
type Store interface {
	Source
	SaveSecurityPolicy(ctx context.Context, snap Snapshot) (Snapshot, error)
}

// Provider caches the policy snapshot for a short TTL. Concurrent refreshes
// collapse into one load; Reload forces a refresh and tells other replicas.
type Provider struct {
	source  Source
	ttl     time.Duration
	now     func() time.Time
	redis   redis.UniversalClient
	channel string

	mu        sync.RWMutex
	cached    *Snapshot
	fetchedAt time.Time
	loads     singleflight.Group
}

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

func WithTTL(ttl time.Duration) ProviderOption {
	return func(p *Provider) {
		if ttl > 0 {
			p.ttl = ttl
		}
	}
}

// WithRedis broadcasts reloads on channel (DefaultReloadChannel when empty).
func WithRedis(client redis.UniversalClient, channel string) ProviderOption {
	return func(p *Provider) {
		p.redis = client
		if channel != "" {
			p.channel = channel
		}
	}
}

func withClock(now func() time.Time) ProviderOption {
	return func(p *Provider) { p.now = now }
}

func NewProvider(source Source, opts ...ProviderOption) (*Provider, error) {
	if source == nil {
		return nil, errors.New("policy source is required")
	}
	p := &Provider{
		source:  source,
		ttl:     DefaultCacheTTL,
		now:     time.Now,
		channel: DefaultReloadChannel,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Current returns the cached snapshot, refreshing it when stale. When a refresh
// fails the previous snapshot is served; with nothing cached the error is returned.
func (p *Provider) Current(ctx context.Context) (Snapshot, error) {
	p.mu.RLock()
	if p.cached != nil && p.now().Sub(p.fetchedAt) < p.ttl {
		snap := *p.cached
		p.mu.RUnlock()
		return snap, nil
	}
	p.mu.RUnlock()

	snap, err := p.load(ctx)
	if err != nil {
		p.mu.RLock()
		defer p.mu.RUnlock()
		if p.cached != nil {
			obs.Logger().Warn().Err(err).Msg("security policy refresh failed, serving stale snapshot")
			return *p.cached, nil
		}
		return Snapshot{}, err
	}
	return snap, nil
}

// Invalidate drops the cached snapshot.
func (p *Provider) Invalidate() {
	p.mu.Lock()
	p.cached = nil
	p.mu.Unlock()
}

// Reload refreshes the snapshot now and publishes the reload to other replicas.
func (p *Provider) Reload(ctx context.Context) (Snapshot, error) {
	p.Invalidate()
	snap, err := p.load(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	if p.redis != nil {
		if err := p.redis.Publish(ctx, p.channel, snap.LoadedAt.Format(time.RFC3339Nano)).Err(); err != nil {
			obs.Logger().Warn().Err(err).Str("channel", p.channel).Msg("policy reload broadcast failed")
		}
	}
	return snap, nil
}

// Watch invalidates the cache whenever another replica broadcasts a reload. It
// blocks until ctx is cancelled. Without a Redis client it returns immediately.
func (p *Provider) Watch(ctx context.Context) error {
	if p.redis == nil {
		return nil
	}
	sub := p.redis.Subscribe(ctx, p.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-ch:
			if !ok {
				return nil
			}
			p.Invalidate()
			obs.Logger().Debug().Msg("security policy invalidated by broadcast")
		}
	}
}

func (p *Provider) load(ctx context.Context) (Snapshot, error) {
	v, err, _ := p.loads.Do("policy", func() (any, error) {
		snap, err := p.source.SecurityPolicy(ctx)
		if errors.Is(err, ErrNoPolicy) {
			snap, err = Default(), nil
		}
		if err != nil {
			return Snapshot{}, err
		}
		now := p.now()
		snap.LoadedAt = now.UTC()
		p.mu.Lock()
		p.cached = &snap
		p.fetchedAt = now
		p.mu.Unlock()
		return snap, nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	return v.(Snapshot), nil
}
