package health

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmirotor/rotor/pkg/config"
	"github.com/kmirotor/rotor/pkg/keys"
	"github.com/kmirotor/rotor/pkg/log"
	"github.com/kmirotor/rotor/pkg/state"
	"github.com/kmirotor/rotor/pkg/usage"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

func testSetup(t *testing.T, mutate func(cfg *config.Config)) (*Refresher, *state.Store) {
	t.Helper()
	cfg := config.Default()
	cfg.StateDir = t.TempDir()
	cfg.EnforcePermissions = false
	if mutate != nil {
		mutate(cfg)
	}
	registry := keys.NewRegistry([]keys.Credential{
		keys.NewCredential("alpha", "sk-alpha-0123456789", 0, false),
		keys.NewCredential("beta", "sk-beta-0123456789", 0, false),
	})
	store, err := state.Load(cfg, registry)
	require.NoError(t, err)
	return NewRefresher(cfg, registry, store), store
}

func TestRefreshAllDryRun(t *testing.T) {
	refresher, store := testSetup(t, nil) // dry_run defaults to true

	refresher.RefreshAll(context.Background())

	cache := refresher.Cache()
	assert.Equal(t, 2, cache.Len())
	for _, label := range []string{"alpha", "beta"} {
		info, ok := cache.Get(label)
		require.True(t, ok, label)
		assert.Equal(t, usage.StatusHealthy, info.Status)
		require.NotNil(t, info.RemainingPercent)
		assert.InDelta(t, 100.0, *info.RemainingPercent, 0.001)
	}
	assert.NotEmpty(t, store.Snapshot().LastHealthRefresh)
}

func TestRefreshAllScoresFromCounters(t *testing.T) {
	refresher, store := testSetup(t, nil)
	store.WithLock(func(st *state.State) {
		st.RecordRequest("alpha", 429)
	})

	refresher.RefreshAll(context.Background())

	info, ok := refresher.Cache().Get("alpha")
	require.True(t, ok)
	assert.Equal(t, usage.StatusWarn, info.Status, "429 history downgrades a full-quota key")

	info, ok = refresher.Cache().Get("beta")
	require.True(t, ok)
	assert.Equal(t, usage.StatusHealthy, info.Status)
}

func TestRefreshAllFromUpstream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/usages", r.URL.Path)
		assert.Contains(t, r.Header.Get("Authorization"), "Bearer sk-")
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"usage": {"used": 90, "limit": 100}}`)
	}))
	defer upstream.Close()

	refresher, _ := testSetup(t, func(cfg *config.Config) {
		cfg.DryRun = false
		cfg.UpstreamBaseURL = upstream.URL
	})

	refresher.RefreshAll(context.Background())

	info, ok := refresher.Cache().Get("alpha")
	require.True(t, ok)
	assert.Equal(t, usage.StatusWarn, info.Status, "10% remaining is below the warn threshold")
	require.NotNil(t, info.RemainingPercent)
	assert.InDelta(t, 10.0, *info.RemainingPercent, 0.001)
}

func TestRefreshFailureKeepsPriorEntry(t *testing.T) {
	var failing bool
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		io.WriteString(w, `{"remaining_percent": 80}`)
	}))
	defer upstream.Close()

	refresher, _ := testSetup(t, func(cfg *config.Config) {
		cfg.DryRun = false
		cfg.UpstreamBaseURL = upstream.URL
	})

	refresher.RefreshAll(context.Background())
	before, ok := refresher.Cache().Get("alpha")
	require.True(t, ok)

	failing = true
	refresher.RefreshAll(context.Background())

	after, ok := refresher.Cache().Get("alpha")
	require.True(t, ok, "failed fetch never evicts the cache entry")
	assert.Equal(t, before.RemainingPercent, after.RemainingPercent)
}

func TestRecheckBlockedClearsOnSuccess(t *testing.T) {
	refresher, store := testSetup(t, nil)
	store.WithLock(func(st *state.State) {
		st.MarkBlocked("alpha", state.BlockReasonPayment, 3600)
	})

	refresher.recheckBlocked(context.Background(), log.WithComponent("health"))

	snapshot := store.Snapshot()
	assert.False(t, snapshot.IsBlocked("alpha"), "a successful probe clears the block")
	assert.Empty(t, snapshot.Keys["alpha"].BlockedReason)
}

func TestRecheckBlockedHonorsBatchLimit(t *testing.T) {
	refresher, store := testSetup(t, func(cfg *config.Config) {
		cfg.BlocklistRecheckMax = 1
	})
	store.WithLock(func(st *state.State) {
		st.MarkBlocked("alpha", state.BlockReasonManual, 0)
		st.MarkBlocked("beta", state.BlockReasonPayment, 7200)
	})

	refresher.recheckBlocked(context.Background(), log.WithComponent("health"))

	snapshot := store.Snapshot()
	// Indefinite blocks sort first; only alpha is probed this pass.
	assert.False(t, snapshot.IsBlocked("alpha"))
	assert.True(t, snapshot.IsBlocked("beta"))
}

func TestTickZeroCadenceRefreshesEveryPass(t *testing.T) {
	refresher, _ := testSetup(t, func(cfg *config.Config) {
		cfg.UsageCacheSeconds = 0
	})
	// A refresh just happened; a zero cadence must still refresh next tick.
	refresher.cacheTS = time.Now()

	refresher.tick(log.WithComponent("health"))

	assert.Equal(t, 2, refresher.Cache().Len())
}

func TestCacheSnapshotSemantics(t *testing.T) {
	cache := NewCache()
	assert.Nil(t, cache.Snapshot(), "empty cache snapshots to nil")

	cache.set("alpha", usage.HealthInfo{Status: usage.StatusHealthy})
	snapshot := cache.Snapshot()
	require.Len(t, snapshot, 1)

	snapshot["alpha"] = usage.HealthInfo{Status: usage.StatusBlocked}
	fresh, _ := cache.Get("alpha")
	assert.Equal(t, usage.StatusHealthy, fresh.Status, "snapshot mutations never leak back")
}
