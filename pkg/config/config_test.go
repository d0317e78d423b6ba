package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdehaan/phab-conduit/pkg/conduit"
)

var configEnvKeys = []string{
	EnvAPIURL, EnvAPIToken, EnvAPITokenProbe, EnvTimeout, EnvListStyle,
	EnvLogLevel, EnvOTLPEndpoint, EnvOTLPInsecure, EnvOTLPHeaders, EnvMetricsAddr,
}

// isolateEnv unsets every variable Load reads and moves the test into an empty
// directory so no stray .env file is picked up. The original environment is
// restored on cleanup.
func isolateEnv(t *testing.T) string {
	t.Helper()
	for _, key := range configEnvKeys {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}
	dir := t.TempDir()
	t.Chdir(dir)
	return dir
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestLoadFromFile(t *testing.T) {
	dir := isolateEnv(t)
	configPath := filepath.Join(dir, "phab-probe.yaml")
	writeFile(t, configPath, `
conduit:
  api_url: "https://phabricator-dev.allizom.org/api"
  api_token: "api-filetoken0000"
  timeout: 5s
  list_style: append
  user_agent: "qa-probe/2"
telemetry:
  otlp_endpoint: "localhost:4317"
  insecure: true
  headers:
    authorization: "Bearer collector-secret"
  resource_attributes:
    deployment.environment: "dev"
metrics:
  address: ":9464"
logging:
  level: DEBUG
  pretty: true
`)

	cfg, err := Load(configPath, "")
	require.NoError(t, err)

	assert.Equal(t, "https://phabricator-dev.allizom.org/api", cfg.Conduit.APIURL)
	assert.Equal(t, "api-filetoken0000", cfg.Conduit.APIToken)
	assert.Equal(t, 5*time.Second, cfg.Conduit.Timeout)
	assert.Equal(t, "append", cfg.Conduit.ListStyle)
	assert.Equal(t, "qa-probe/2", cfg.Conduit.UserAgent)
	assert.Equal(t, "localhost:4317", cfg.Telemetry.OTLPEndpoint)
	assert.True(t, cfg.Telemetry.Insecure)
	assert.Equal(t, "phab-probe", cfg.Telemetry.ServiceName)
	assert.Equal(t, map[string]string{"authorization": "Bearer collector-secret"}, cfg.Telemetry.Headers)
	assert.Equal(t, map[string]string{"deployment.environment": "dev"}, cfg.Telemetry.ResourceAttributes)
	assert.Equal(t, ":9464", cfg.Metrics.Address)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Pretty)
	assert.Len(t, cfg.Conduit.ClientOptions(), 3)
}

func TestLoadEnvOverrides(t *testing.T) {
	dir := isolateEnv(t)
	configPath := filepath.Join(dir, "phab-probe.yaml")
	writeFile(t, configPath, `
conduit:
  api_url: "https://file.example.com/api"
  api_token: "api-filetoken0000"
`)

	t.Setenv(EnvAPIURL, "https://env.example.com/api")
	t.Setenv(EnvAPIToken, "api-envtoken00000")
	t.Setenv(EnvTimeout, "2s")
	t.Setenv(EnvListStyle, "append")
	t.Setenv(EnvLogLevel, "warn")
	t.Setenv(EnvOTLPEndpoint, "collector:4317")
	t.Setenv(EnvOTLPInsecure, "true")
	t.Setenv(EnvMetricsAddr, ":9000")

	cfg, err := Load(configPath, "")
	require.NoError(t, err)

	assert.Equal(t, "https://env.example.com/api", cfg.Conduit.APIURL)
	assert.Equal(t, "api-envtoken00000", cfg.Conduit.APIToken)
	assert.Equal(t, 2*time.Second, cfg.Conduit.Timeout)
	assert.Equal(t, "append", cfg.Conduit.ListStyle)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "collector:4317", cfg.Telemetry.OTLPEndpoint)
	assert.True(t, cfg.Telemetry.Insecure)
	assert.Equal(t, ":9000", cfg.Metrics.Address)
}

func TestLoadOTLPHeadersFromEnvironment(t *testing.T) {
	dir := isolateEnv(t)
	configPath := filepath.Join(dir, "phab-probe.yaml")
	writeFile(t, configPath, `
conduit:
  api_url: "https://phabricator.example.com/api"
  api_token: "api-filetoken0000"
telemetry:
  headers:
    x-team: "qa"
    authorization: "Bearer from-file"
`)
	t.Setenv(EnvOTLPHeaders, "authorization=Bearer from-env, x-scope = probe ,")

	cfg, err := Load(configPath, "")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"x-team":        "qa",
		"authorization": "Bearer from-env",
		"x-scope":       "probe",
	}, cfg.Telemetry.Headers)

	t.Setenv(EnvOTLPHeaders, "no-equals-sign")
	_, err = Load(configPath, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), EnvOTLPHeaders)
}

func TestCredentialsShadowedByEnvironment(t *testing.T) {
	isolateEnv(t)
	assert.Empty(t, CredentialsShadowedByEnvironment())

	t.Setenv(EnvAPITokenProbe, "api-probetoken000")
	assert.Equal(t, []string{"api_token"}, CredentialsShadowedByEnvironment())

	t.Setenv(EnvAPIURL, "https://phabricator.example.com/api")
	assert.Equal(t, []string{"api_url", "api_token"}, CredentialsShadowedByEnvironment())
}

func TestLoadTokenFallsBackToProbeVariable(t *testing.T) {
	isolateEnv(t)
	t.Setenv(EnvAPIURL, "https://phabricator.services.mozilla.com/api")
	t.Setenv(EnvAPITokenProbe, "api-probetoken000")

	cfg, err := Load("", "")
	require.NoError(t, err)
	assert.Equal(t, "api-probetoken000", cfg.Conduit.APIToken)
	assert.Equal(t, conduit.DefaultTimeout, cfg.Conduit.Timeout)
	assert.Equal(t, "indexed", cfg.Conduit.ListStyle)
}

func TestLoadExplicitEnvFile(t *testing.T) {
	dir := isolateEnv(t)
	envPath := filepath.Join(dir, "staging.env")
	writeFile(t, envPath, "CONDUIT_API_URL=https://phabricator.allizom.org/api\nCONDUIT_API_KEY_1=api-dotenvtoken00\n")

	cfg, err := Load("", envPath)
	require.NoError(t, err)
	assert.Equal(t, "https://phabricator.allizom.org/api", cfg.Conduit.APIURL)
	assert.Equal(t, "api-dotenvtoken00", cfg.Conduit.APIToken)
}

func TestLoadFindsDotEnvInParentDirectory(t *testing.T) {
	dir := isolateEnv(t)
	writeFile(t, filepath.Join(dir, ".env"), "CONDUIT_API_URL=https://parent.example.com/api\nCONDUIT_API_TOKEN=api-parenttoken0\n")
	nested := filepath.Join(dir, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	t.Chdir(nested)

	cfg, err := Load("", "")
	require.NoError(t, err)
	assert.Equal(t, "https://parent.example.com/api", cfg.Conduit.APIURL)
	assert.Equal(t, "api-parenttoken0", cfg.Conduit.APIToken)
}

func TestLoadDotEnvDoesNotOverrideEnvironment(t *testing.T) {
	dir := isolateEnv(t)
	writeFile(t, filepath.Join(dir, ".env"), "CONDUIT_API_URL=https://dotenv.example.com/api\nCONDUIT_API_TOKEN=api-dotenvtoken00\n")
	t.Setenv(EnvAPIURL, "https://process.example.com/api")

	cfg, err := Load("", "")
	require.NoError(t, err)
	assert.Equal(t, "https://process.example.com/api", cfg.Conduit.APIURL)
	assert.Equal(t, "api-dotenvtoken00", cfg.Conduit.APIToken)
}

func TestLoadMissingCredentialsIsConfigError(t *testing.T) {
	tests := []struct {
		name  string
		env   map[string]string
		field string
	}{
		{name: "nothing set", env: nil, field: "api_url"},
		{name: "token missing", env: map[string]string{EnvAPIURL: "https://phabricator.example.com/api"}, field: "api_token"},
		{name: "url missing", env: map[string]string{EnvAPIToken: "api-token0000000"}, field: "api_url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolateEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			cfg, err := Load("", "")
			assert.Nil(t, cfg)

			var configErr *conduit.ConfigError
			require.ErrorAs(t, err, &configErr)
			assert.Equal(t, tt.field, configErr.Field)
		})
	}
}

func TestLoadValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		env  map[string]string
	}{
		{name: "bad log level", yaml: "logging:\n  level: loud\n"},
		{name: "bad list style", yaml: "conduit:\n  list_style: json\n"},
		{name: "negative timeout", yaml: "conduit:\n  timeout: -1s\n"},
		{name: "bad timeout env", env: map[string]string{EnvTimeout: "soon"}},
		{name: "bad yaml", yaml: "conduit: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := isolateEnv(t)
			t.Setenv(EnvAPIURL, "https://phabricator.example.com/api")
			t.Setenv(EnvAPIToken, "api-token0000000")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			configPath := ""
			if tt.yaml != "" {
				configPath = filepath.Join(dir, "phab-probe.yaml")
				writeFile(t, configPath, tt.yaml)
			}

			_, err := Load(configPath, "")
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFiles(t *testing.T) {
	dir := isolateEnv(t)

	_, err := Load(filepath.Join(dir, "absent.yaml"), "")
	assert.Error(t, err)

	_, err = Load("", filepath.Join(dir, "absent.env"))
	assert.Error(t, err)
}
