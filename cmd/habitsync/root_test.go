package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/habitkit/offlinesync/pkg/errors"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Cleanup(func() {
		configFile, logLevel, userID, jsonOutput = "", "", "", false
		configForce, drainForce, deadLettersClear, probeURL = false, false, false, ""
	})

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestConfigInitAndValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "habitsync.yaml")

	out, err := execute(t, "config", "init", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote "+path)

	_, err = execute(t, "config", "init", path)
	assert.True(t, errors.HasCode(err, errors.ErrCodeConfigSave), "refuses to overwrite without --force")

	_, err = execute(t, "config", "init", "--force", path)
	require.NoError(t, err)

	out, err = execute(t, "--config", path, "config", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration is valid")
}

func TestLoadConfigPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "habitsync.yaml")
	_, err := execute(t, "config", "init", path)
	require.NoError(t, err)

	t.Setenv("HABITSYNC_LOG_LEVEL", "WARN")
	t.Setenv("HABITSYNC_USER_ID", "env-user")

	configFile = path
	userID = "flag-user"
	defer func() { configFile, userID = "", "" }()

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "WARN", cfg.Global.LogLevel, "environment overrides the file")
	assert.Equal(t, "flag-user", cfg.Global.UserID, "flags override the environment")
}

func TestStatusAndDrain(t *testing.T) {
	t.Setenv("HABITSYNC_KV_BACKEND", "badger")
	t.Setenv("HABITSYNC_KV_DIR", t.TempDir())

	out, err := execute(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "pending:      0 local, 0 remote")
	assert.Contains(t, out, "last drain:   never")
	assert.Contains(t, out, "Health: healthy")

	_, err = execute(t, "drain")
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotInitialized), "no remote store configured")

	out, err = execute(t, "dead-letters")
	require.NoError(t, err)
	assert.Contains(t, out, "No dropped mutations")

	out, err = execute(t, "cache", "sweep")
	require.NoError(t, err)
	assert.Contains(t, out, "Evicted 0 entries")
}

func TestProbeRequiresURL(t *testing.T) {
	_, err := execute(t, "probe")
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidConfig))
}
