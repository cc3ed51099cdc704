// Package config loads configuration from files, env vars, and flags, and validates it.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"reflect"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"sql-agent/internal/generator"
)

// EnvPrefix prefixes every environment variable, e.g. SQLAGENT_SERVER_PORT.
const EnvPrefix = "SQLAGENT"

var defineFlagsOnce sync.Once

// Load loads configuration from the process command line with the following
// precedence:
// 1. Explicit overrides (v.Set), used for secrets read from files or prompts
// 2. Command line flags
// 3. Environment variables, including those from the .env file
// 4. Config file
// 5. Default values
func Load() (*Config, error) {
	defineFlagsOnce.Do(func() { DefineFlags(pflag.CommandLine) })
	if !pflag.Parsed() {
		pflag.Parse()
	}
	return LoadFlags(pflag.CommandLine)
}

// LoadFlags loads configuration using an already parsed flag set. Flags the
// set does not define are simply not consulted.
func LoadFlags(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	// Defaults (lowest priority)
	setDefaults(v)

	// --- .env file ---
	// Values already present in the environment win.
	envFile := ".env"
	if f := flags.Lookup("env_file"); f != nil && f.Value.String() != "" {
		envFile = f.Value.String()
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load env file %q: %w", envFile, err)
	}

	// --- Config file ---
	cfgPath := ""
	if f := flags.Lookup("config"); f != nil {
		cfgPath = f.Value.String()
	}
	if cfgPath == "" {
		cfgPath = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if cfgPath != "" {
		v.SetConfigFile(cfgPath)
	} else {
		v.SetConfigName("sql-agent")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/sql-agent/")
		v.AddConfigPath("$HOME/.sql-agent")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if cfgPath != "" {
			return nil, fmt.Errorf("failed to read config file %q: %w", cfgPath, err)
		}
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// --- Environment variables ---
	// Canonical keys: dot + snake_case
	// Env vars: SQLAGENT_DATABASE_POOL_MAX_OPEN
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// --- Flags binding (highest normal priority) ---
	bindChangedFlagsToViper(v, flags)
	if err := validateSingleStdinFileSource(v); err != nil {
		return nil, err
	}

	// --- Secure password input (explicit override) ---
	if v.GetString("database.password") == "" && v.GetString("database.password_file") != "" {
		pwd, err := readSecretFile(v.GetString("database.password_file"))
		if err != nil {
			return nil, fmt.Errorf("failed to read database password file: %w", err)
		}
		v.Set("database.password", pwd)
	}
	if v.GetString("database.password") == "" && v.GetBool("database.password_prompt") {
		pwd, err := promptPassword()
		if err != nil {
			return nil, fmt.Errorf("failed to read password: %w", err)
		}
		v.Set("database.password", pwd)
	}

	// --- Admin auth token from file (explicit override) ---
	if v.GetString("server.admin.auth_token") == "" && v.GetString("server.admin.auth_token_file") != "" {
		tokenPath := v.GetString("server.admin.auth_token_file")
		token, err := readSecretFile(tokenPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read admin auth token file: %w", err)
		}
		if token == "" {
			return nil, fmt.Errorf("admin auth token file %q is empty", tokenPath)
		}
		v.Set("server.admin.auth_token", token)
	}

	// --- Unmarshal (strict) ---
	var cfg Config
	if err := v.UnmarshalExact(
		&cfg,
		viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				stringToStringSliceHookFunc(","),
			),
		),
	); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// bindChangedFlagsToViper copies only explicitly-set flags into Viper,
// preserving precedence: flags > env > file > defaults.
func bindChangedFlagsToViper(v *viper.Viper, flags *pflag.FlagSet) {
	flags.Visit(func(f *pflag.Flag) {
		if !strings.Contains(f.Name, ".") {
			return
		}

		switch f.Value.Type() {
		case "string":
			val, _ := flags.GetString(f.Name)
			v.Set(f.Name, val)
		case "int":
			val, _ := flags.GetInt(f.Name)
			v.Set(f.Name, val)
		case "int64":
			val, _ := flags.GetInt64(f.Name)
			v.Set(f.Name, val)
		case "bool":
			val, _ := flags.GetBool(f.Name)
			v.Set(f.Name, val)
		case "float64":
			val, _ := flags.GetFloat64(f.Name)
			v.Set(f.Name, val)
		case "duration":
			val, _ := flags.GetDuration(f.Name)
			v.Set(f.Name, val)
		case "stringSlice":
			val, _ := flags.GetStringSlice(f.Name)
			v.Set(f.Name, val)
		default:
			v.Set(f.Name, f.Value.String())
		}
	})
}

// DefineFlags registers every configuration flag on flags using canonical
// snake_case keys.
func DefineFlags(flags *pflag.FlagSet) {
	// Default database flags
	flags.String("database.engine", "", "Default database engine (mysql, postgresql, sqlite)")
	flags.String("database.host", "", "Default database host")
	flags.Int("database.port", 0, "Default database port")
	flags.String("database.user", "", "Default database user")
	flags.String("database.password", "", "Default database password")
	flags.String("database.password_file", "", "Path to file containing database password (use @- for stdin)")
	flags.Bool("database.password_prompt", false, "Prompt for database password securely")
	flags.String("database.database", "", "Default database name, or file path for sqlite")
	flags.Bool("database.ssl", false, "Require TLS for the default database")

	// Pool flags
	flags.Int("database.pool.max_open", 0, "Maximum open connections per target")
	flags.Int("database.pool.max_idle", 0, "Maximum idle connections per target")
	flags.Duration("database.pool.max_idle_time", 0, "Idle connection lifetime (e.g. 5m)")
	flags.Duration("database.pool.max_lifetime", 0, "Connection max lifetime (e.g. 5m, 30s)")
	flags.Duration("database.pool.acquire_timeout", 0, "Max wait for a pooled connection")
	flags.Duration("database.statement_timeout", 0, "Per-statement timeout (0 = request deadline only)")
	flags.Duration("database.connection_timeout", 0, "Max time to wait for a database on first use (0 = fail immediately)")
	flags.Duration("database.connection_retry_interval", 0, "Initial interval between connection retries")

	// Server flags
	flags.Int("server.port", 0, "HTTP server port")
	flags.Int64("server.max_body_bytes", 0, "Maximum request body size")
	flags.Duration("server.request_timeout", 0, "Per-request pipeline timeout")
	flags.Bool("server.auth.oidc_enabled", false, "Enable OIDC/JWKS authentication middleware")
	flags.String("server.auth.oidc_issuer_url", "", "OIDC issuer URL (for discovery and JWKS)")
	flags.String("server.auth.oidc_audience", "", "Expected JWT audience (client ID)")
	flags.Duration("server.auth.oidc_clock_skew", 0, "Allowed JWT clock skew (e.g. 2m)")
	flags.Bool("server.auth.oidc_skip_tls_verify", false, "Skip TLS verification for OIDC provider (dev only)")
	flags.Bool("server.admin.schema_reload_enabled", false, "Enable /admin/reload-schema endpoint")
	flags.String("server.admin.auth_token", "", "Shared secret required in X-Admin-Token header when OIDC is off")
	flags.String("server.admin.auth_token_file", "", "Path to file containing admin auth token (use @- for stdin)")
	flags.Bool("server.rate_limit_enabled", false, "Enable global rate limiting for all HTTP endpoints")
	flags.Float64("server.rate_limit_rps", 0, "Global rate limit requests per second")
	flags.Int("server.rate_limit_burst", 0, "Global rate limit burst size")
	flags.Bool("server.cors_enabled", false, "Enable CORS (Cross-Origin Resource Sharing)")
	flags.StringSlice("server.cors_allowed_origins", nil, "Allowed CORS origins (comma-separated or repeated)")
	flags.StringSlice("server.cors_allowed_methods", nil, "Allowed CORS methods (comma-separated or repeated)")
	flags.StringSlice("server.cors_allowed_headers", nil, "Allowed CORS headers (comma-separated or repeated)")
	flags.StringSlice("server.cors_expose_headers", nil, "CORS headers to expose to browser (comma-separated or repeated)")
	flags.Bool("server.cors_allow_credentials", false, "Allow credentials in CORS requests")
	flags.Int("server.cors_max_age", 0, "CORS preflight cache duration (seconds)")
	flags.Duration("server.read_timeout", 0, "HTTP server read timeout")
	flags.Duration("server.write_timeout", 0, "HTTP server write timeout")
	flags.Duration("server.idle_timeout", 0, "HTTP server idle timeout")
	flags.Duration("server.shutdown_timeout", 0, "HTTP server graceful shutdown timeout")
	flags.Duration("server.health_check_timeout", 0, "Health check timeout")

	// Generator flags
	flags.String("generator.endpoint", "", "Ollama-compatible generation endpoint")
	flags.String("generator.model", "", "Default generation model")
	flags.Duration("generator.timeout", 0, "Generation request timeout")

	// Schema flags
	flags.Duration("schema.refresh_interval", 0, "Background schema poll interval (0 = manual refresh only)")
	flags.Duration("schema.refresh_max_interval", 0, "Maximum backoff between unchanged schema polls")
	flags.Int("schema.fallback_limit", 0, "Row limit of recovery fallback queries")
	flags.Int("schema.normalized_limit", 0, "Default row limit of normalized table reads")
	flags.Int("schema.max_collection", 0, "Maximum related rows listed per inbound collection")
	flags.Int("schema.max_in_clause", 0, "Maximum keys per enrichment IN (...) lookup")

	// Observability flags
	flags.String("observability.service_name", "", "Service name for observability")
	flags.String("observability.service_version", "", "Service version for observability")
	flags.String("observability.environment", "", "Environment name (dev, staging, prod)")
	flags.Bool("observability.metrics_enabled", false, "Enable metrics collection")
	flags.Bool("observability.tracing_enabled", false, "Enable distributed tracing")
	flags.Float64("observability.trace_sample_ratio", 0, "Trace sampling ratio from 0.0 to 1.0")
	flags.Bool("observability.sqlcommenter_enabled", false, "Inject trace context into SQL queries")
	flags.String("observability.logging.level", "", "Log level (debug, info, warn, error)")
	flags.String("observability.logging.format", "", "Log format (json, text)")
	flags.Bool("observability.logging.exports_enabled", false, "Enable OTLP log export")
	flags.String("observability.otlp.endpoint", "", "OTLP endpoint for all signals (e.g., localhost:4317)")
	flags.String("observability.otlp.protocol", "", "OTLP protocol for all signals (grpc, http/protobuf)")
	flags.Bool("observability.otlp.insecure", false, "Use insecure connection (no TLS)")
	flags.Duration("observability.otlp.timeout", 0, "OTLP export timeout")
	flags.String("observability.otlp.compression", "", "OTLP compression (none, gzip)")

	flags.StringP("config", "c", "", "Config file path")
	flags.String("env_file", "", "Path to a .env file (default: ./.env)")
}

// setDefaults sets default values (lowest precedence).
func setDefaults(v *viper.Viper) {
	// Default database (disabled until database.database is set)
	v.SetDefault("database.engine", "mysql")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 0)
	v.SetDefault("database.user", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.password_file", "")
	v.SetDefault("database.password_prompt", false)
	v.SetDefault("database.database", "")
	v.SetDefault("database.ssl", false)
	v.SetDefault("database.environment", "")

	v.SetDefault("database.pool.max_open", 10)
	v.SetDefault("database.pool.max_idle", 5)
	v.SetDefault("database.pool.max_idle_time", 5*time.Minute)
	v.SetDefault("database.pool.max_lifetime", 30*time.Minute)
	v.SetDefault("database.pool.acquire_timeout", 10*time.Second)
	v.SetDefault("database.statement_timeout", 30*time.Second)
	v.SetDefault("database.connection_timeout", 0)
	v.SetDefault("database.connection_retry_interval", 2*time.Second)

	// Server defaults
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.max_body_bytes", int64(1<<20))
	v.SetDefault("server.request_timeout", 3*time.Minute)
	v.SetDefault("server.auth.oidc_enabled", false)
	v.SetDefault("server.auth.oidc_issuer_url", "")
	v.SetDefault("server.auth.oidc_audience", "")
	v.SetDefault("server.auth.oidc_clock_skew", 2*time.Minute)
	v.SetDefault("server.auth.oidc_skip_tls_verify", false)
	v.SetDefault("server.admin.schema_reload_enabled", false)
	v.SetDefault("server.admin.auth_token", "")
	v.SetDefault("server.admin.auth_token_file", "")
	v.SetDefault("server.rate_limit_enabled", false)
	v.SetDefault("server.rate_limit_rps", 0.0)
	v.SetDefault("server.rate_limit_burst", 0)
	v.SetDefault("server.cors_enabled", false)
	v.SetDefault("server.cors_allowed_origins", []string{})
	v.SetDefault("server.cors_allowed_methods", []string{"GET", "POST", "OPTIONS"})
	v.SetDefault("server.cors_allowed_headers", []string{"Content-Type", "Authorization"})
	v.SetDefault("server.cors_expose_headers", []string{})
	v.SetDefault("server.cors_allow_credentials", false)
	v.SetDefault("server.cors_max_age", 86400)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 5*time.Minute)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.health_check_timeout", 2*time.Second)

	// Generator defaults
	v.SetDefault("generator.endpoint", generator.DefaultEndpoint)
	v.SetDefault("generator.model", generator.DefaultModel)
	v.SetDefault("generator.timeout", 120*time.Second)

	// Schema defaults
	v.SetDefault("schema.refresh_interval", 0)
	v.SetDefault("schema.refresh_max_interval", 5*time.Minute)
	v.SetDefault("schema.fallback_limit", 5)
	v.SetDefault("schema.normalized_limit", 100)
	v.SetDefault("schema.max_collection", 10)
	v.SetDefault("schema.max_in_clause", 500)

	// Observability defaults
	v.SetDefault("observability.service_name", "sql-agent")
	v.SetDefault("observability.service_version", "")
	v.SetDefault("observability.environment", "development")
	v.SetDefault("observability.metrics_enabled", true)
	v.SetDefault("observability.tracing_enabled", false)
	v.SetDefault("observability.trace_sample_ratio", 1.0)
	v.SetDefault("observability.sqlcommenter_enabled", true)
	v.SetDefault("observability.logging.level", "info")
	v.SetDefault("observability.logging.format", "json")
	v.SetDefault("observability.logging.exports_enabled", false)
	v.SetDefault("observability.otlp.endpoint", "localhost:4317")
	v.SetDefault("observability.otlp.protocol", "grpc")
	v.SetDefault("observability.otlp.insecure", false)
	v.SetDefault("observability.otlp.tls_cert_file", "")
	v.SetDefault("observability.otlp.tls_client_cert_file", "")
	v.SetDefault("observability.otlp.tls_client_key_file", "")
	v.SetDefault("observability.otlp.timeout", 10*time.Second)
	v.SetDefault("observability.otlp.compression", "gzip")
	v.SetDefault("observability.otlp.retry_enabled", true)
	v.SetDefault("observability.otlp.retry_max_attempts", 3)
}

// promptPassword prompts the user for a password without echoing to terminal.
func promptPassword() (string, error) {
	fmt.Fprint(os.Stderr, "Enter database password: ")
	bytePassword, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(bytePassword), nil
}

// readSecretFile reads a trimmed secret from path, or from stdin for "@-".
func readSecretFile(path string) (string, error) {
	var data []byte
	var err error

	if path == "@-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func validateSingleStdinFileSource(v *viper.Viper) error {
	stdinBackedKeys := []string{
		"database.password_file",
		"server.admin.auth_token_file",
	}

	var configured []string
	for _, key := range stdinBackedKeys {
		if strings.TrimSpace(v.GetString(key)) == "@-" {
			configured = append(configured, key)
		}
	}

	if len(configured) > 1 {
		return fmt.Errorf(
			"multiple stdin-backed file settings use @- (%s); only one @- source is allowed",
			strings.Join(configured, ", "),
		)
	}
	return nil
}

func stringToStringSliceHookFunc(sep string) mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if from.Kind() != reflect.String || to != reflect.TypeOf([]string{}) {
			return data, nil
		}

		raw := strings.TrimSpace(data.(string))
		if raw == "" {
			return []string{}, nil
		}

		parts := strings.Split(raw, sep)
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts, nil
	}
}
