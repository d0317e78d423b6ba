package config

import (
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := isolateEnv(t)
	configPath := filepath.Join(dir, "phab-probe.yaml")
	writeFile(t, configPath, "conduit:\n  api_url: \"https://phabricator.example.com/api\"\n  api_token: \"api-first0000000\"\n")

	w, err := NewWatcher(configPath, "", slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	updates := w.Subscribe()
	initial := <-updates
	assert.Equal(t, "api-first0000000", initial.Conduit.APIToken)

	writeFile(t, configPath, "conduit:\n  api_url: \"https://phabricator.example.com/api\"\n  api_token: \"api-second000000\"\n")

	select {
	case cfg := <-updates:
		assert.Equal(t, "api-second000000", cfg.Conduit.APIToken)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}
	assert.Equal(t, "api-second000000", w.Current().Conduit.APIToken)
}

func TestWatcherKeepsPreviousConfigOnInvalidEdit(t *testing.T) {
	dir := isolateEnv(t)
	configPath := filepath.Join(dir, "phab-probe.yaml")
	writeFile(t, configPath, "conduit:\n  api_url: \"https://phabricator.example.com/api\"\n  api_token: \"api-first0000000\"\n")

	w, err := NewWatcher(configPath, "", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	results := make(chan error, 4)
	w.OnReload(func(err error) { results <- err })

	// Token removed: reload fails validation.
	writeFile(t, configPath, "conduit:\n  api_url: \"https://phabricator.example.com/api\"\n")

	select {
	case err := <-results:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "api_token")
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload attempt")
	}

	assert.Equal(t, "api-first0000000", w.Current().Conduit.APIToken)
}

func TestNewWatcherRequiresValidConfig(t *testing.T) {
	dir := isolateEnv(t)
	configPath := filepath.Join(dir, "phab-probe.yaml")
	writeFile(t, configPath, "logging:\n  level: info\n")

	_, err := NewWatcher(configPath, "", nil)
	assert.Error(t, err)
}
