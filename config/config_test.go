package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tachyon-beep/elspeth-sub014/errs"
)

func TestDefaultHasSaneValues(t *testing.T) {
	c := Default()

	assert.Equal(t, "./payloads", c.Landscape.PayloadStoreDir)
	assert.Equal(t, 10*time.Second, c.Landscape.QueryTimeout)
	assert.True(t, c.Graph.StrictFingerprint)
	assert.Equal(t, 4, c.Pool.Workers)
	assert.Equal(t, 3, c.Pool.MaxAttempts)
	assert.True(t, c.Checkpoint.Enabled)
	assert.Equal(t, SecurityStandard, c.Security.Mode)
	assert.NoError(t, c.Validate())
}

func TestLoadFromEnvOverlaysDefaults(t *testing.T) {
	t.Setenv("ELSPETH_LANDSCAPE_DSN", "postgres://localhost/elspeth")
	t.Setenv("ELSPETH_POOL_WORKERS", "8")
	t.Setenv("ELSPETH_SECURITY_MODE", "strict")

	c := Default()
	require.NoError(t, c.LoadFromEnv())

	assert.Equal(t, "postgres://localhost/elspeth", c.Landscape.DSN)
	assert.Equal(t, 8, c.Pool.Workers)
	assert.Equal(t, SecurityStrict, c.Security.Mode)
}

func TestLoadFromEnvTriesStandardVariableNameSecond(t *testing.T) {
	os.Unsetenv("ELSPETH_OTLP_ENDPOINT")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://collector:4317")

	c := Default()
	require.NoError(t, c.LoadFromEnv())

	assert.Equal(t, "http://collector:4317", c.Telemetry.OTLPEndpoint)
}

func TestNewAppliesOptionsLast(t *testing.T) {
	t.Setenv("ELSPETH_POOL_WORKERS", "8")

	c, err := New(WithPoolWorkers(16))
	require.NoError(t, err)

	assert.Equal(t, 16, c.Pool.Workers, "functional option must override the env-set value")
}

func TestValidateRejectsUnknownSecurityMode(t *testing.T) {
	c := Default()
	c.Security.Mode = "nonsense"

	err := c.Validate()
	require.Error(t, err)
	assert.True(t, errs.IsConfigurationError(err))
}

func TestValidateRejectsNonPositivePoolSettings(t *testing.T) {
	c := Default()
	c.Pool.Workers = 0

	err := c.Validate()
	require.Error(t, err)
	assert.True(t, errs.IsConfigurationError(err))
}

func TestSecretResolverPrefersEnvVar(t *testing.T) {
	t.Setenv("ELSPETH_TEST_SECRET", "from-env")
	r := &SecretResolver{}

	v, err := r.Resolve("ELSPETH_TEST_SECRET", "vault://unused", "unused")
	require.NoError(t, err)
	assert.Equal(t, "from-env", v)
}

func TestSecretResolverFallsBackToVault(t *testing.T) {
	os.Unsetenv("ELSPETH_TEST_SECRET_2")
	called := false
	r := &SecretResolver{VaultLookup: func(vaultURL, secretName string) (string, error) {
		called = true
		assert.Equal(t, "vault://kv", vaultURL)
		assert.Equal(t, "db-password", secretName)
		return "from-vault", nil
	}}

	v, err := r.Resolve("ELSPETH_TEST_SECRET_2", "vault://kv", "db-password")
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, "from-vault", v)
}

func TestSecretResolverRaisesOnMissingConfiguration(t *testing.T) {
	os.Unsetenv("ELSPETH_TEST_SECRET_3")
	r := &SecretResolver{}

	_, err := r.Resolve("ELSPETH_TEST_SECRET_3", "", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrMissingConfiguration)
}

func TestSecretResolverSurfacesVaultFailureRatherThanDefaulting(t *testing.T) {
	os.Unsetenv("ELSPETH_TEST_SECRET_4")
	r := &SecretResolver{VaultLookup: func(vaultURL, secretName string) (string, error) {
		return "", assert.AnError
	}}

	_, err := r.Resolve("ELSPETH_TEST_SECRET_4", "vault://kv", "missing-secret")
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestLoadFromFileOverlaysYAML(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/elspeth.yaml"
	require.NoError(t, os.WriteFile(path, []byte("landscape:\n  dsn: postgres://file/elspeth\npool:\n  workers: 12\n"), 0o644))

	c := Default()
	require.NoError(t, c.LoadFromFile(path))

	assert.Equal(t, "postgres://file/elspeth", c.Landscape.DSN)
	assert.Equal(t, 12, c.Pool.Workers)
}
