package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/trestle/engine/internal/config"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg := config.FromEnv()
	assert.Equal(t, 5*time.Second, cfg.ManagerPollingInterval)
	assert.Equal(t, 2*time.Second, cfg.DispatcherPollingInterval)
	assert.Equal(t, config.TaskServerDurable, cfg.TaskServerKind)
	assert.True(t, cfg.SerializeStepData)
	assert.Nil(t, cfg.MaxActiveJobs)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("MANAGER_POLLING_INTERVAL", "10s")
	t.Setenv("MAX_ACTIVE_JOBS", "7")
	t.Setenv("METADATA_CLEANUP_WHITELIST", "A, B ,C")
	cfg := config.FromEnv()
	assert.Equal(t, 10*time.Second, cfg.ManagerPollingInterval)
	require := assert.New(t)
	require.NotNil(cfg.MaxActiveJobs)
	require.Equal(int64(7), *cfg.MaxActiveJobs)
	require.Equal([]string{"A", "B", "C"}, cfg.MetadataCleanup.WorkflowTypeWhitelist)
}
