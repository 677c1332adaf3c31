package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	env := NewEnv().Prefix("SPILLTEST_DEFAULTS_")

	cfg, err := FromEnv(env)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:7860", cfg.Addr)
	require.Equal(t, []string{"*"}, cfg.CORSOrigins)
	require.Equal(t, DefaultModelPaths, cfg.ModelPaths)
	require.Equal(t, 4, cfg.PoolSize)
	require.InDelta(t, 0.65, cfg.Threshold, 1e-9)
	require.Equal(t, 10*time.Second, cfg.ProviderTimeout)
	require.Empty(t, cfg.DatabaseURL)
	require.False(t, cfg.Debug)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("SPILLTEST_HTTP_ADDR", "0.0.0.0:9000")
	t.Setenv("SPILLTEST_MODEL_PATHS", " a.onnx , ,b.onnx ")
	t.Setenv("SPILLTEST_POOL_SIZE", "2")
	t.Setenv("SPILLTEST_THRESHOLD", "0.5")
	t.Setenv("SPILLTEST_DATABASE_URL", "postgres://u:p@localhost:5432/spill")
	t.Setenv("SPILLTEST_PROVIDER_TIMEOUT", "3s")
	t.Setenv("SPILLTEST_DEBUG", "yes")
	t.Setenv("SPILLTEST_CORS_ALLOWED_ORIGINS", "https://spillguard.example, http://localhost:3000")

	cfg, err := FromEnv(NewEnv().Prefix("SPILLTEST_"))
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:9000", cfg.Addr)
	require.Equal(t, []string{"a.onnx", "b.onnx"}, cfg.ModelPaths)
	require.Equal(t, 2, cfg.PoolSize)
	require.InDelta(t, 0.5, cfg.Threshold, 1e-9)
	require.Equal(t, 3*time.Second, cfg.ProviderTimeout)
	require.True(t, cfg.Debug)
	require.Equal(t, []string{"https://spillguard.example", "http://localhost:3000"}, cfg.CORSOrigins)
}

func TestFromEnvRejectsInvalidValues(t *testing.T) {
	t.Setenv("SPILLBAD_THRESHOLD", "1.5")
	t.Setenv("SPILLBAD_POOL_SIZE", "0")

	_, err := FromEnv(NewEnv().Prefix("SPILLBAD_"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "Threshold")
	require.Contains(t, err.Error(), "PoolSize")
}

func TestEnvMalformedFallsBack(t *testing.T) {
	t.Setenv("SPILLENV_N", "twelve")
	t.Setenv("SPILLENV_D", "soon")
	t.Setenv("SPILLENV_F", "x")
	env := NewEnv().Prefix("SPILLENV_")

	require.Equal(t, 7, env.GetInt("N", 7))
	require.Equal(t, time.Minute, env.GetDuration("D", time.Minute))
	require.InDelta(t, 1.25, env.GetFloat("F", 1.25), 1e-9)
	require.Equal(t, []string{"x"}, env.GetList("MISSING", []string{"x"}))
}
