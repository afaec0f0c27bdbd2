package rotation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmirotor/rotor/pkg/config"
	"github.com/kmirotor/rotor/pkg/keys"
	"github.com/kmirotor/rotor/pkg/state"
	"github.com/kmirotor/rotor/pkg/usage"
)

func testEngine(cfg *config.Config, labels ...string) (*Engine, *state.State) {
	creds := make([]keys.Credential, 0, len(labels))
	for _, label := range labels {
		creds = append(creds, keys.NewCredential(label, "sk-"+label+"-0123456789", 0, false))
	}
	registry := keys.NewRegistry(creds)
	st := state.New()
	for _, label := range registry.Labels() {
		st.Keys[label] = &state.KeyState{}
	}
	return New(registry, cfg), st
}

func healthyInfo(remaining float64) usage.HealthInfo {
	return usage.HealthInfo{Status: usage.StatusHealthy, RemainingPercent: &remaining}
}

func TestRoundRobinDistribution(t *testing.T) {
	cfg := config.Default()
	cfg.AutoRotateAllowed = true
	engine, st := testEngine(cfg, "A", "B", "C")
	st.AutoRotate = true

	var selected []string
	for i := 0; i < 9; i++ {
		cred := engine.SelectForRequest(st, nil)
		require.NotNil(t, cred)
		selected = append(selected, cred.Label)
	}

	assert.Equal(t, []string{"A", "B", "C", "A", "B", "C", "A", "B", "C"}, selected)
	assert.Equal(t, 0, st.RotationIndex)
}

func TestRoundRobinPrefersHealthy(t *testing.T) {
	cfg := config.Default()
	engine, st := testEngine(cfg, "A", "B", "C")

	health := Health{
		"A": {Status: usage.StatusWarn},
		"B": healthyInfo(80),
		"C": {Status: usage.StatusWarn},
	}

	cred := engine.SelectRoundRobin(st, health)
	require.NotNil(t, cred)
	assert.Equal(t, "B", cred.Label, "first pass takes the first healthy key")
	assert.Equal(t, 2, st.RotationIndex)
}

func TestRoundRobinFallsBackToWarn(t *testing.T) {
	cfg := config.Default()
	cfg.RotateIncludeWarn = true
	engine, st := testEngine(cfg, "A", "B")

	health := Health{
		"A": {Status: usage.StatusWarn},
		"B": {Status: usage.StatusBlocked},
	}

	cred := engine.SelectRoundRobin(st, health)
	require.NotNil(t, cred)
	assert.Equal(t, "A", cred.Label)
}

func TestRoundRobinExcludesWarnWhenConfigured(t *testing.T) {
	cfg := config.Default()
	cfg.RotateIncludeWarn = false
	engine, st := testEngine(cfg, "A", "B")

	health := Health{
		"A": {Status: usage.StatusWarn},
		"B": {Status: usage.StatusBlocked},
	}

	assert.Nil(t, engine.SelectRoundRobin(st, health))
}

func TestEligibility(t *testing.T) {
	cfg := config.Default()
	engine, st := testEngine(cfg, "A")
	cred := &engine.registry.Keys[0]

	assert.True(t, engine.IsEligible(st, cred, nil))

	t.Run("401 invalidates until reset", func(t *testing.T) {
		st.RecordRequest("A", 401)
		assert.False(t, engine.IsEligible(st, cred, nil))
		st.Keys["A"].Err401 = 0
	})

	t.Run("exhausted key is skipped", func(t *testing.T) {
		st.MarkExhausted("A", 300)
		assert.False(t, engine.IsEligible(st, cred, nil))
		st.Keys["A"].ExhaustedUntil = ""
	})

	t.Run("blocked key is skipped", func(t *testing.T) {
		st.MarkBlocked("A", state.BlockReasonPayment, 3600)
		assert.False(t, engine.IsEligible(st, cred, nil))
		st.ClearBlock("A")
	})

	t.Run("health blocked status is skipped", func(t *testing.T) {
		health := Health{"A": {Status: usage.StatusBlocked}}
		assert.False(t, engine.IsEligible(st, cred, health))
	})

	t.Run("disabled key is skipped", func(t *testing.T) {
		disabled := keys.NewCredential("D", "sk-disabled-0123456789", 0, true)
		assert.False(t, engine.IsEligible(st, &disabled, nil))
	})
}

func TestStrictUsageMode(t *testing.T) {
	cfg := config.Default()
	cfg.RequireUsageBeforeRequest = true
	cfg.FailOpenOnEmptyCache = false
	engine, st := testEngine(cfg, "A", "B")

	assert.Nil(t, engine.SelectRoundRobin(st, nil), "strict mode refuses with no cache")

	cfg.FailOpenOnEmptyCache = true
	cred := engine.SelectRoundRobin(st, nil)
	require.NotNil(t, cred, "fail-open ignores a fully empty cache")

	// Partial cache: keys without an entry stay ineligible in strict mode.
	health := Health{"B": healthyInfo(50)}
	st.RotationIndex = 0
	cred = engine.SelectRoundRobin(st, health)
	require.NotNil(t, cred)
	assert.Equal(t, "B", cred.Label)
}

func TestCooldownExclusion(t *testing.T) {
	cfg := config.Default()
	cfg.AutoRotateAllowed = true
	engine, st := testEngine(cfg, "A", "B")
	st.AutoRotate = true

	st.MarkExhausted("A", 7)
	for i := 0; i < 4; i++ {
		cred := engine.SelectForRequest(st, nil)
		require.NotNil(t, cred)
		assert.Equal(t, "B", cred.Label, "exhausted key never selected during cooldown")
	}
}

func TestSelectActiveOrNext(t *testing.T) {
	cfg := config.Default()
	cfg.AutoRotateAllowed = false
	engine, st := testEngine(cfg, "A", "B", "C")

	cred := engine.SelectForRequest(st, nil)
	require.NotNil(t, cred)
	assert.Equal(t, "A", cred.Label)
	assert.Equal(t, 0, st.ActiveIndex, "active key stays put")

	st.MarkExhausted("A", 300)
	cred = engine.SelectForRequest(st, nil)
	require.NotNil(t, cred)
	assert.Equal(t, "B", cred.Label)
	assert.Equal(t, 1, st.ActiveIndex, "falls forward to the next eligible key")
}

func TestRotateManualTieStays(t *testing.T) {
	cfg := config.Default()
	engine, st := testEngine(cfg, "A", "B")
	health := Health{
		"A": healthyInfo(100),
		"B": healthyInfo(100),
	}

	cred, rotated, reason, err := engine.RotateManual(st, health, false)
	require.NoError(t, err)
	assert.Equal(t, "A", cred.Label)
	assert.False(t, rotated)
	assert.Contains(t, reason, "ties")
	assert.Contains(t, reason, "B")
	assert.Equal(t, 0, st.ActiveIndex)
}

func TestRotateManualTieRotates(t *testing.T) {
	cfg := config.Default()
	engine, st := testEngine(cfg, "A", "B")
	health := Health{
		"A": healthyInfo(100),
		"B": healthyInfo(100),
	}

	cred, rotated, reason, err := engine.RotateManual(st, health, true)
	require.NoError(t, err)
	assert.Equal(t, "B", cred.Label)
	assert.True(t, rotated)
	assert.Contains(t, reason, "rotating to next")
	assert.Equal(t, 1, st.ActiveIndex)
}

func TestRotateManualPicksHigherQuota(t *testing.T) {
	cfg := config.Default()
	engine, st := testEngine(cfg, "A", "B")
	health := Health{
		"A": healthyInfo(10),
		"B": healthyInfo(90),
	}
	// A's 10% puts it in warn; B wins on both status and quota.
	health["A"] = usage.HealthInfo{Status: usage.StatusWarn, RemainingPercent: health["A"].RemainingPercent}

	cred, rotated, _, err := engine.RotateManual(st, health, false)
	require.NoError(t, err)
	assert.Equal(t, "B", cred.Label)
	assert.True(t, rotated)
	assert.Equal(t, 1, st.ActiveIndex)
}

func TestRotateManualStayReasonQuota(t *testing.T) {
	cfg := config.Default()
	engine, st := testEngine(cfg, "A", "B")
	health := Health{
		"A": healthyInfo(90),
		"B": healthyInfo(40),
	}

	cred, rotated, reason, err := engine.RotateManual(st, health, false)
	require.NoError(t, err)
	assert.Equal(t, "A", cred.Label)
	assert.False(t, rotated)
	assert.Contains(t, reason, "higher remaining quota")
	assert.Contains(t, reason, "90.0%")
	assert.Contains(t, reason, "40.0%")
}

func TestRotateManualNoEligibleKeys(t *testing.T) {
	cfg := config.Default()
	engine, st := testEngine(cfg, "A")
	st.MarkBlocked("A", state.BlockReasonManual, 0)

	_, _, _, err := engine.RotateManual(st, nil, false)
	assert.ErrorIs(t, err, ErrNoEligibleKeys)
}
