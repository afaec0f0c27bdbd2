package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kmirotor/rotor/pkg/config"
	"github.com/kmirotor/rotor/pkg/keys"
	"github.com/kmirotor/rotor/pkg/log"
	"github.com/kmirotor/rotor/pkg/metrics"
	"github.com/kmirotor/rotor/pkg/state"
	"github.com/kmirotor/rotor/pkg/usage"
)

const fetchTimeout = 10 * time.Second

// Refresher owns the health cache. A single background goroutine wakes every
// second, refreshing the full cache when the usage TTL has expired and
// re-probing a bounded batch of blocked keys on its own cadence.
type Refresher struct {
	cfg      *config.Config
	registry *keys.Registry
	store    *state.Store
	cache    *Cache
	client   *http.Client

	cacheTS   time.Time
	recheckTS time.Time

	stopCh chan struct{}
	doneCh chan struct{}

	startMu sync.Mutex
	running bool
}

// NewRefresher builds a Refresher over an empty cache.
func NewRefresher(cfg *config.Config, registry *keys.Registry, store *state.Store) *Refresher {
	return &Refresher{
		cfg:      cfg,
		registry: registry,
		store:    store,
		cache:    NewCache(),
		client:   &http.Client{Timeout: fetchTimeout},
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Cache returns the cache this refresher maintains.
func (r *Refresher) Cache() *Cache { return r.cache }

// Start launches the refresh loop.
func (r *Refresher) Start() {
	r.startMu.Lock()
	defer r.startMu.Unlock()
	if r.running {
		return
	}
	r.running = true
	go r.run()
}

// Stop signals the loop and waits for it to exit.
func (r *Refresher) Stop() {
	r.startMu.Lock()
	if !r.running {
		r.startMu.Unlock()
		return
	}
	r.running = false
	r.startMu.Unlock()
	close(r.stopCh)
	<-r.doneCh
}

func (r *Refresher) run() {
	defer close(r.doneCh)
	logger := log.WithComponent("health")
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.tick(logger)
		}
	}
}

// tick survives panics from payload parsing or transport internals; the
// ticker cadence already damps a persistently failing loop.
func (r *Refresher) tick(logger zerolog.Logger) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error().Interface("panic", rec).Msg("health_tick_panicked")
		}
	}()
	now := time.Now()
	// A zero or negative cadence degenerates to a refresh on every tick.
	if now.Sub(r.cacheTS) >= time.Duration(r.cfg.UsageCacheSeconds)*time.Second {
		r.RefreshAll(context.Background())
		r.cacheTS = now
	}
	if r.cfg.BlocklistRecheckSeconds > 0 && now.Sub(r.recheckTS) >= time.Duration(r.cfg.BlocklistRecheckSeconds)*time.Second {
		r.recheckBlocked(context.Background(), logger)
		r.recheckTS = now
	}
}

// RefreshAll fetches usage for every key concurrently and rescores the
// cache. Failed fetches leave the previous entry in place.
func (r *Refresher) RefreshAll(ctx context.Context) {
	start := time.Now()
	logger := log.WithComponent("health")

	var wg sync.WaitGroup
	results := make([]*usage.Usage, r.registry.Len())
	for i := range r.registry.Keys {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			cred := &r.registry.Keys[idx]
			u, err := r.FetchUsage(ctx, cred)
			if err != nil {
				logger.Warn().Str("key_label", cred.Label).Err(err).Msg("usage_fetch_failed")
				return
			}
			results[idx] = u
		}(i)
	}
	wg.Wait()

	snapshot := r.store.Snapshot()
	statusCounts := make(map[usage.Status]int)
	for i := range r.registry.Keys {
		cred := &r.registry.Keys[i]
		if results[i] == nil {
			if info, ok := r.cache.Get(cred.Label); ok {
				statusCounts[info.Status]++
			}
			continue
		}
		info := r.scoreFor(snapshot, cred.Label, results[i])
		r.cache.set(cred.Label, info)
		statusCounts[info.Status]++
	}
	for _, status := range []usage.Status{usage.StatusHealthy, usage.StatusWarn, usage.StatusBlocked, usage.StatusExhausted} {
		metrics.KeysByStatus.WithLabelValues(string(status)).Set(float64(statusCounts[status]))
	}

	r.store.WithLock(func(st *state.State) {
		st.MarkHealthRefreshed()
	})
	r.store.MarkDirty()
	metrics.HealthRefreshDuration.Observe(time.Since(start).Seconds())
}

func (r *Refresher) scoreFor(snapshot *state.State, label string, u *usage.Usage) usage.HealthInfo {
	counters := usage.Counters{}
	if ks, ok := snapshot.Keys[label]; ok {
		counters = usage.Counters{
			RequestCount: ks.RequestCount,
			Err401:       ks.Err401,
			Err403:       ks.Err403,
			Err429:       ks.Err429,
			Err5xx:       ks.Err5xx,
		}
	}
	return usage.Score(u, counters, snapshot.IsExhausted(label), snapshot.IsBlocked(label))
}

// recheckBlocked probes up to blocklist_recheck_max blocked keys, oldest
// blocked_until first with ties broken by label. A successful fetch clears
// the block.
func (r *Refresher) recheckBlocked(ctx context.Context, logger zerolog.Logger) {
	snapshot := r.store.Snapshot()
	var blocked []string
	for _, label := range r.registry.Labels() {
		if snapshot.IsBlocked(label) {
			blocked = append(blocked, label)
		}
	}
	if len(blocked) == 0 {
		return
	}
	sort.Slice(blocked, func(i, j int) bool {
		ti, tj := snapshot.BlockedUntilTime(blocked[i]), snapshot.BlockedUntilTime(blocked[j])
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return blocked[i] < blocked[j]
	})
	limit := r.cfg.BlocklistRecheckMax
	if limit > 0 && len(blocked) > limit {
		blocked = blocked[:limit]
	}

	for _, label := range blocked {
		cred := r.registry.FindByLabel(label)
		if cred == nil {
			continue
		}
		u, err := r.FetchUsage(ctx, cred)
		if err != nil {
			logger.Debug().Str("key_label", label).Err(err).Msg("blocklist_recheck_failed")
			continue
		}
		cleared := false
		r.store.WithLock(func(st *state.State) {
			cleared = st.ClearBlock(label)
		})
		if cleared {
			r.store.MarkDirty()
			logger.Info().Str("key_label", label).Msg("block_cleared_after_recheck")
		}
		fresh := r.store.Snapshot()
		r.cache.set(label, r.scoreFor(fresh, label, u))
	}
}

// FetchUsage retrieves and parses the upstream usage payload for one key.
// In dry-run mode it synthesizes a full-quota snapshot without any network.
func (r *Refresher) FetchUsage(ctx context.Context, cred *keys.Credential) (*usage.Usage, error) {
	if r.cfg.DryRun {
		return usage.Parse([]byte(`{"remaining_percent": 100.0}`))
	}
	base := cred.BaseURL
	if base == "" {
		base = r.cfg.UpstreamBaseURL
	}
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/usages", nil)
	if err != nil {
		return nil, fmt.Errorf("building usage request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+cred.Secret)
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching usage: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("usage endpoint returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading usage body: %w", err)
	}
	return usage.Parse(body)
}
