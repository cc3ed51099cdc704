package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sql-agent/internal/sqlutil"
)

// loadWith parses args into a fresh flag set and loads from it, isolated
// from any sql-agent.yaml or .env in the working directory.
func loadWith(t *testing.T, args ...string) (*Config, error) {
	t.Helper()
	t.Chdir(t.TempDir())
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	DefineFlags(flags)
	require.NoError(t, flags.Parse(args))
	return LoadFlags(flags)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := loadWith(t)
	require.NoError(t, err)

	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, "mysql", cfg.Database.Engine)
	assert.False(t, cfg.Database.Enabled())
	assert.Nil(t, cfg.Database.ConnectionConfig())
	assert.Equal(t, "http://localhost:11434", cfg.Generator.Endpoint)
	assert.Equal(t, "llama3", cfg.Generator.Model)
	assert.Equal(t, 5, cfg.Schema.FallbackLimit)
	assert.Equal(t, 500, cfg.Schema.MaxInClause)
	assert.Equal(t, time.Duration(0), cfg.Schema.RefreshInterval)
	assert.Equal(t, []string{"GET", "POST", "OPTIONS"}, cfg.Server.CORSAllowedMethods)
	assert.Equal(t, "sql-agent", cfg.Observability.ServiceName)
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "agent.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
database:
  engine: postgresql
  host: filehost
  user: fileuser
  database: shop
server:
  port: 9000
generator:
  model: mistral
schema:
  refresh_interval: 30s
`), 0o600))

	t.Setenv("SQLAGENT_DATABASE_HOST", "envhost")
	t.Setenv("SQLAGENT_SERVER_PORT", "9100")
	t.Setenv("SQLAGENT_SERVER_CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := loadWith(t, "--config", cfgPath, "--server.port", "9200")
	require.NoError(t, err)

	assert.Equal(t, 9200, cfg.Server.Port, "flag beats env")
	assert.Equal(t, "envhost", cfg.Database.Host, "env beats file")
	assert.Equal(t, "fileuser", cfg.Database.User)
	assert.Equal(t, "mistral", cfg.Generator.Model)
	assert.Equal(t, 30*time.Second, cfg.Schema.RefreshInterval)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSAllowedOrigins)

	conn := cfg.Database.ConnectionConfig()
	require.NotNil(t, conn)
	assert.Equal(t, sqlutil.DialectPostgres, conn.Engine)
	assert.Equal(t, 5432, conn.Port)
	assert.Equal(t, "shop", conn.Database)
}

func TestLoadEnvFile(t *testing.T) {
	envPath := filepath.Join(t.TempDir(), "agent.env")
	require.NoError(t, os.WriteFile(envPath, []byte("SQLAGENT_GENERATOR_MODEL=codellama\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("SQLAGENT_GENERATOR_MODEL") })

	cfg, err := loadWith(t, "--env_file", envPath)
	require.NoError(t, err)
	assert.Equal(t, "codellama", cfg.Generator.Model)
}

func TestLoadSecretsFromFiles(t *testing.T) {
	dir := t.TempDir()
	pwPath := filepath.Join(dir, "pw")
	tokenPath := filepath.Join(dir, "token")
	require.NoError(t, os.WriteFile(pwPath, []byte("s3cret\n"), 0o600))
	require.NoError(t, os.WriteFile(tokenPath, []byte("admin-token\n"), 0o600))

	cfg, err := loadWith(t,
		"--database.password_file", pwPath,
		"--server.admin.auth_token_file", tokenPath,
	)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Database.Password)
	assert.Equal(t, "admin-token", cfg.Server.Admin.AuthToken)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("server:\n  graphiql_enabled: true\n"), 0o600))

	_, err := loadWith(t, "--config", cfgPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "graphiql_enabled")
}

func TestValidateSingleStdinFileSource(t *testing.T) {
	v := viper.New()
	v.Set("database.password_file", "@-")
	v.Set("server.admin.auth_token_file", "/tmp/token")
	assert.NoError(t, validateSingleStdinFileSource(v))

	v.Set("server.admin.auth_token_file", " @- ")
	err := validateSingleStdinFileSource(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.password_file")
	assert.Contains(t, err.Error(), "server.admin.auth_token_file")
}

func TestConfigValidate(t *testing.T) {
	validConfig := func() *Config {
		return &Config{
			Database: DatabaseConfig{
				Engine:   "mysql",
				User:     "root",
				Database: "shop",
				Pool:     PoolConfig{MaxOpen: 10, MaxIdle: 5},
			},
			Server: ServerConfig{Port: 8000, MaxBodyBytes: 1 << 20},
			Schema: SchemaConfig{FallbackLimit: 5},
			Observability: ObservabilityConfig{
				TraceSampleRatio: 1,
				Logging:          LoggingConfig{Level: "info", Format: "json"},
				OTLP:             OTLPConfig{Protocol: "grpc", Compression: "gzip"},
			},
		}
	}

	t.Run("valid config passes validation", func(t *testing.T) {
		result := validConfig().Validate()
		assert.False(t, result.HasErrors(), result.Error())
		assert.Empty(t, result.Warnings)
	})

	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"unknown engine", func(c *Config) { c.Database.Engine = "oracle" }, "database.engine"},
		{"missing user", func(c *Config) { c.Database.User = "" }, "database.user"},
		{"database port high", func(c *Config) { c.Database.Port = 70000 }, "database.port"},
		{"server port", func(c *Config) { c.Server.Port = -1 }, "server.port"},
		{"negative pool", func(c *Config) { c.Database.Pool.MaxOpen = -1 }, "database.pool.max_open"},
		{"retry without interval", func(c *Config) { c.Database.ConnectionTimeout = time.Second }, "database.connection_retry_interval"},
		{"rate limit without rps", func(c *Config) { c.Server.RateLimitEnabled = true }, "server.rate_limit_rps"},
		{"cors without origins", func(c *Config) { c.Server.CORSEnabled = true }, "server.cors_allowed_origins"},
		{"oidc without issuer", func(c *Config) { c.Server.Auth.OIDCEnabled = true }, "server.auth.oidc_issuer_url"},
		{"unauthenticated admin", func(c *Config) { c.Server.Admin.SchemaReloadEnabled = true }, "server.admin.auth_token"},
		{"generator endpoint", func(c *Config) { c.Generator.Endpoint = "localhost:11434" }, "generator.endpoint"},
		{"negative fallback limit", func(c *Config) { c.Schema.FallbackLimit = -1 }, "schema.fallback_limit"},
		{"log level", func(c *Config) { c.Observability.Logging.Level = "verbose" }, "observability.logging.level"},
		{"sample ratio", func(c *Config) { c.Observability.TraceSampleRatio = 2 }, "observability.trace_sample_ratio"},
		{"otlp protocol", func(c *Config) { c.Observability.OTLP.Protocol = "udp" }, "observability.otlp.protocol"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			result := cfg.Validate()
			assert.True(t, result.HasErrors())
			assert.Contains(t, result.Error(), tt.field)
		})
	}

	t.Run("sqlite needs no user", func(t *testing.T) {
		cfg := validConfig()
		cfg.Database.Engine = "sqlite"
		cfg.Database.User = ""
		cfg.Database.Database = "/data/shop.db"
		assert.False(t, cfg.Validate().HasErrors())
	})

	t.Run("no default database is a warning", func(t *testing.T) {
		cfg := validConfig()
		cfg.Database.Database = ""
		result := cfg.Validate()
		assert.False(t, result.HasErrors())
		require.Len(t, result.Warnings, 1)
		assert.Equal(t, "database.database", result.Warnings[0].Field)
	})
}

func TestMergeOTLPConfigs(t *testing.T) {
	cfg := ObservabilityConfig{
		OTLP:   OTLPConfig{Endpoint: "collector:4317", Protocol: "grpc", Headers: map[string]string{"a": "1"}},
		Traces: &OTLPConfig{Endpoint: "traces:4318", Protocol: "http/protobuf", Headers: map[string]string{"b": "2"}},
	}

	traces := cfg.TracesOTLP()
	assert.Equal(t, "traces:4318", traces.Endpoint)
	assert.Equal(t, "http/protobuf", traces.Protocol)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, traces.Headers)

	assert.Equal(t, "collector:4317", cfg.LogsOTLP().Endpoint)
}

func TestValidationErrorString(t *testing.T) {
	assert.Equal(t, "server.port: bad", ValidationError{Field: "server.port", Message: "bad"}.Error())
	assert.Equal(t, "server.port: bad (hint: fix)", ValidationError{Field: "server.port", Message: "bad", Hint: "fix"}.Error())
}
