package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoader_DefaultsApplyWithNoFileOrEnv(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 1, cfg.Scaling.MinWorkers)
}

func TestLoader_EnvOverridesDefault(t *testing.T) {
	t.Setenv("ORCHESTRATOR_SERVER_HTTP_PORT", "9999")
	t.Setenv("ORCHESTRATOR_REDIS_ADDR", "redis.internal:6380")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.HTTPPort)
	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
}

func TestLoader_EnvOverridesDuration(t *testing.T) {
	t.Setenv("ORCHESTRATOR_BREAKER_BASE_TIMEOUT", "45s")
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.Breaker.BaseTimeout)
}

func TestLoader_YAMLFileOverridesDefaultsButEnvWins(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/config.yaml"
	require.NoError(t, os.WriteFile(path, []byte("server:\n  http_port: 7000\n"), 0o600))

	t.Setenv("ORCHESTRATOR_SERVER_HTTP_PORT", "7777")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)
	assert.Equal(t, 7777, cfg.Server.HTTPPort)
}

func TestLoader_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/nonexistent/config.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
}

func TestLoader_AgentOptionsUseUnprefixedEnvNames(t *testing.T) {
	t.Setenv("TOOL_CALL_BUDGET", "25")
	t.Setenv("FORCE_DIRECT_AGENT_API", "false")
	t.Setenv("AGENT_TIMEOUT_SECONDS", "120")
	t.Setenv("AGENT_MEMORY_BACKEND", "file")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	assert.Equal(t, 25, cfg.Agent.ToolCallBudget)
	assert.False(t, cfg.Agent.ForceDirectAgentAPI)
	assert.Equal(t, 120, cfg.Agent.TimeoutSeconds)
	assert.Equal(t, "file", cfg.Agent.MemoryBackend)
}

func TestLoader_AgentOptionsDefaultWhenUnset(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Agent.ToolCallBudget)
	assert.True(t, cfg.Agent.ForceDirectAgentAPI)
	assert.Equal(t, 300, cfg.Agent.TimeoutSeconds)
	assert.Equal(t, "sqlite", cfg.Agent.MemoryBackend)
}

func TestBreakerOverride_ReadsPerNameEnvVars(t *testing.T) {
	t.Setenv("CB_DEEPSEEK_THRESHOLD", "8")
	t.Setenv("CB_DEEPSEEK_TIMEOUT", "90")

	threshold, hasThreshold, timeout, hasTimeout := BreakerOverride("deepseek")
	require.True(t, hasThreshold)
	require.True(t, hasTimeout)
	assert.Equal(t, 8, threshold)
	assert.Equal(t, 90*time.Second, timeout)
}

func TestBreakerOverride_AbsentWhenEnvUnset(t *testing.T) {
	_, hasThreshold, _, hasTimeout := BreakerOverride("perplexity-unset")
	assert.False(t, hasThreshold)
	assert.False(t, hasTimeout)
}

func TestValidate_RejectsInvalidPort(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.HTTPPort = 0
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsMinWorkersOverMax(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Scaling.MinWorkers = 20
	cfg.Scaling.MaxWorkers = 10
	assert.Error(t, cfg.Validate())
}

func TestScalingConfig_ToTypesConverts(t *testing.T) {
	cfg := DefaultConfig()
	tc := cfg.Scaling.ToTypes()
	assert.Equal(t, cfg.Scaling.MinWorkers, tc.MinWorkers)
	assert.Equal(t, cfg.Scaling.HeartbeatTimeout, tc.HeartbeatTimeout)
}
