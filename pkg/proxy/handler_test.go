package proxy

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmirotor/rotor/pkg/config"
	"github.com/kmirotor/rotor/pkg/log"
	"github.com/kmirotor/rotor/pkg/state"
	"github.com/kmirotor/rotor/pkg/trace"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

const testToken = "test-proxy-token"

func newTestServer(t *testing.T, mutate func(cfg *config.Config)) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.StateDir = t.TempDir()
	cfg.ProxyToken = testToken
	cfg.EnforcePermissions = false
	cfg.Keys = []config.KeyEntry{
		{Label: "A", Secret: "sk-aaaa-0123456789"},
		{Label: "B", Secret: "sk-bbbb-0123456789"},
		{Label: "C", Secret: "sk-cccc-0123456789"},
	}
	if mutate != nil {
		mutate(cfg)
	}
	server, err := NewServer(cfg)
	require.NoError(t, err)
	return server
}

func doRequest(s *Server, method, path, token string, body io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(w, req)
	return w
}

func TestDryRunEndToEnd(t *testing.T) {
	server := newTestServer(t, nil)

	w := doRequest(server, http.MethodGet, "/kmi-rotor/v1/models", testToken, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["dry_run"])
	assert.Equal(t, "GET", resp["method"])
	assert.Equal(t, "models", resp["path"])
	assert.Equal(t, "A", resp["key_label"])
	assert.True(t, strings.HasSuffix(resp["upstream_url"].(string), "/models"))

	snapshot := server.store.Snapshot()
	assert.Equal(t, 1, snapshot.Keys["A"].RequestCount)

	entries, err := trace.LoadTail(server.cfg.TracePath(), 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 200, entries[0].Status)
	assert.Equal(t, "A", entries[0].KeyLabel)
	assert.NotEmpty(t, entries[0].KeyHash)
	assert.Len(t, entries[0].RequestID, 32)
}

func TestAuthorization(t *testing.T) {
	server := newTestServer(t, nil)

	t.Run("missing token", func(t *testing.T) {
		w := doRequest(server, http.MethodGet, "/kmi-rotor/v1/models", "", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Contains(t, w.Body.String(), "hint")
	})

	t.Run("wrong token", func(t *testing.T) {
		w := doRequest(server, http.MethodGet, "/kmi-rotor/v1/models", "wrong", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("proxy token header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/kmi-rotor/v1/models", nil)
		req.Header.Set("X-KMI-Proxy-Token", testToken)
		w := httptest.NewRecorder()
		server.httpServer.Handler.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("case-insensitive bearer scheme", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/kmi-rotor/v1/models", nil)
		req.Header.Set("Authorization", "BEARER "+testToken)
		w := httptest.NewRecorder()
		server.httpServer.Handler.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestRoundRobinAcrossRequests(t *testing.T) {
	server := newTestServer(t, func(cfg *config.Config) {
		cfg.AutoRotateAllowed = true
	})
	server.store.WithLock(func(st *state.State) {
		st.AutoRotate = true
	})

	var selected []string
	for i := 0; i < 9; i++ {
		w := doRequest(server, http.MethodGet, "/kmi-rotor/v1/models", testToken, nil)
		require.Equal(t, http.StatusOK, w.Code)
		var resp map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		selected = append(selected, resp["key_label"].(string))
	}

	assert.Equal(t, []string{"A", "B", "C", "A", "B", "C", "A", "B", "C"}, selected)
	assert.Equal(t, 0, server.store.Snapshot().RotationIndex)
}

func TestGlobalRateLimit(t *testing.T) {
	server := newTestServer(t, func(cfg *config.Config) {
		cfg.MaxRPM = 2
	})

	for i := 0; i < 2; i++ {
		w := doRequest(server, http.MethodGet, "/kmi-rotor/v1/models", testToken, nil)
		require.Equal(t, http.StatusOK, w.Code)
	}
	w := doRequest(server, http.MethodGet, "/kmi-rotor/v1/models", testToken, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "global")
}

func TestPerKeyLimitRollsBackSelection(t *testing.T) {
	server := newTestServer(t, func(cfg *config.Config) {
		cfg.AutoRotateAllowed = true
		cfg.MaxRPMPerKey = 1
	})
	server.store.WithLock(func(st *state.State) {
		st.AutoRotate = true
	})

	// One full cycle uses each key's per-key budget.
	for i := 0; i < 3; i++ {
		w := doRequest(server, http.MethodGet, "/kmi-rotor/v1/models", testToken, nil)
		require.Equal(t, http.StatusOK, w.Code)
	}
	require.Equal(t, 0, server.store.Snapshot().RotationIndex)

	// The fourth selection commits A (cursor 0 -> 1) and is rejected by the
	// per-key limiter; the cursor must be restored to 0.
	w := doRequest(server, http.MethodGet, "/kmi-rotor/v1/models", testToken, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "per-key")

	snapshot := server.store.Snapshot()
	assert.Equal(t, 0, snapshot.RotationIndex, "rejected selection is rolled back")
	assert.Equal(t, 1, snapshot.Keys["A"].RequestCount, "rejected request leaves no counter")
}

func TestUpstreamPassthrough(t *testing.T) {
	var gotAuth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, `{"choices": []}`)
	}))
	defer upstream.Close()

	server := newTestServer(t, func(cfg *config.Config) {
		cfg.DryRun = false
		cfg.UpstreamBaseURL = upstream.URL
	})

	req := httptest.NewRequest(http.MethodPost, "/kmi-rotor/v1/chat/completions?beta=1",
		strings.NewReader(`{"messages": [{"role": "user", "content": "hi there friend"}]}`))
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	server.httpServer.Handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Bearer sk-aaaa-0123456789", gotAuth)
	assert.Equal(t, `{"choices": []}`, w.Body.String())
	assert.Equal(t, "yes", w.Header().Get("X-Upstream"))

	entries, err := trace.LoadTail(server.cfg.TracePath(), 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "chat/completions", entries[0].Endpoint)
	assert.Equal(t, "hi there friend", entries[0].PromptHint)
	assert.Equal(t, "hi", entries[0].PromptHead)
}

func TestUpstream429ExhaustsKey(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer upstream.Close()

	server := newTestServer(t, func(cfg *config.Config) {
		cfg.DryRun = false
		cfg.UpstreamBaseURL = upstream.URL
		cfg.Keys = cfg.Keys[:1]
	})

	w := doRequest(server, http.MethodGet, "/kmi-rotor/v1/models", testToken, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	snapshot := server.store.Snapshot()
	assert.Equal(t, 1, snapshot.Keys["A"].Err429)
	assert.True(t, snapshot.IsExhausted("A"))

	// The only key is cooling down; the next request finds nothing.
	w = doRequest(server, http.MethodGet, "/kmi-rotor/v1/models", testToken, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "no_eligible_keys")
}

func TestUpstreamPaymentBlock(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		io.WriteString(w, `{"error": "insufficient_quota"}`)
	}))
	defer upstream.Close()

	server := newTestServer(t, func(cfg *config.Config) {
		cfg.DryRun = false
		cfg.UpstreamBaseURL = upstream.URL
		cfg.PaymentBlockSeconds = 3600
		cfg.Keys = cfg.Keys[:1]
	})

	w := doRequest(server, http.MethodGet, "/kmi-rotor/v1/models", testToken, nil)
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Contains(t, w.Body.String(), "insufficient_quota", "error body is relayed")

	snapshot := server.store.Snapshot()
	assert.True(t, snapshot.IsBlocked("A"))
	assert.Equal(t, state.BlockReasonPayment, snapshot.Keys["A"].BlockedReason)

	entries, err := trace.LoadTail(server.cfg.TracePath(), 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "payment_required", entries[0].ErrorCode)
}

func TestUpstreamTransportFailure(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	upstream.Close()

	server := newTestServer(t, func(cfg *config.Config) {
		cfg.DryRun = false
		cfg.UpstreamBaseURL = upstream.URL
		cfg.Keys = cfg.Keys[:1]
	})

	w := doRequest(server, http.MethodGet, "/kmi-rotor/v1/models", testToken, nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), "upstream_error")

	snapshot := server.store.Snapshot()
	assert.Equal(t, 1, snapshot.Keys["A"].Err5xx, "transport failure records a 503")

	entries, err := trace.LoadTail(server.cfg.TracePath(), 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "upstream_error", entries[0].ErrorCode)
	assert.Equal(t, http.StatusBadGateway, entries[0].Status)
}
