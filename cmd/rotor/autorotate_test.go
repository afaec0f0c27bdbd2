package main

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmirotor/rotor/pkg/log"
	"github.com/kmirotor/rotor/pkg/state"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

func writeTestConfig(t *testing.T, autoRotateAllowed bool) string {
	t.Helper()
	dir := t.TempDir()
	allowed := "false"
	if autoRotateAllowed {
		allowed = "true"
	}
	cfgPath := filepath.Join(dir, "config.yaml")
	content := `state_dir: ` + dir + `
enforce_permissions: false
auto_rotate_allowed: ` + allowed + `
keys:
  - label: alpha
    secret: sk-alpha-0123456789
  - label: beta
    secret: sk-beta-0123456789
`
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0o600))
	return cfgPath
}

func TestAutoRotateToggle(t *testing.T) {
	prev := configPath
	defer func() { configPath = prev }()
	configPath = writeTestConfig(t, true)

	require.NoError(t, autoRotateCmd.RunE(autoRotateCmd, []string{"on"}))

	cfg, registry, err := loadConfigAndRegistry()
	require.NoError(t, err)
	store, err := state.Load(cfg, registry)
	require.NoError(t, err)
	assert.True(t, store.Snapshot().AutoRotate, "the flag persists across loads")

	require.NoError(t, autoRotateCmd.RunE(autoRotateCmd, []string{"off"}))

	store, err = state.Load(cfg, registry)
	require.NoError(t, err)
	assert.False(t, store.Snapshot().AutoRotate)
}

func TestAutoRotateRefusedByPolicy(t *testing.T) {
	prev := configPath
	defer func() { configPath = prev }()
	configPath = writeTestConfig(t, false)

	err := autoRotateCmd.RunE(autoRotateCmd, []string{"on"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auto_rotate_allowed")

	cfg, registry, err := loadConfigAndRegistry()
	require.NoError(t, err)
	store, err := state.Load(cfg, registry)
	require.NoError(t, err)
	assert.False(t, store.Snapshot().AutoRotate, "a refused toggle never touches state")
}

func TestAutoRotateRejectsBadArgument(t *testing.T) {
	prev := configPath
	defer func() { configPath = prev }()
	configPath = writeTestConfig(t, true)

	err := autoRotateCmd.RunE(autoRotateCmd, []string{"maybe"})
	require.Error(t, err)
}
