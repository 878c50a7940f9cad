package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/joho/godotenv"
)

// MinSigningKeyLen is the shortest accepted audit signing key in bytes.
const MinSigningKeyLen = 32

type Config struct {
	Database  DatabaseConfig
	Server    ServerConfig
	Auth      AuthConfig
	KV        KVConfig
	RateLimit RateLimitConfig
	Attempts  AttemptsConfig
	Audit     AuditConfig
	Blocklist BlocklistConfig
	Upload    UploadConfig
}

type DatabaseConfig struct {
	Host              string
	Port              int
	User              string
	Password          string
	Name              string
	SSLMode           string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
	StatementTimeout  time.Duration // server-side limit per statement; 0 disables
	ConnectTimeout    time.Duration
}

type ServerConfig struct {
	Port            string
	Env             string
	LogLevel        string
	AllowedOrigins  []string
	TrustedProxies  []string // addresses or CIDR ranges
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

type AuthConfig struct {
	JWTSecret           string
	AccessTokenExpiry   time.Duration
	BcryptCost          int
	PasswordMinLength   int
	PasswordHistorySize int
	FailureBaseDelay    time.Duration
	FailureJitter       time.Duration
	AdminUsername       string
	AdminPassword       string
	// Required character classes. PasswordSymbols replaces the built-in
	// symbol set when non-empty.
	PasswordRequireUpper  bool
	PasswordRequireLower  bool
	PasswordRequireDigit  bool
	PasswordRequireSymbol bool
	PasswordSymbols       string
}

// KVConfig selects and configures the shared counter store.
type KVConfig struct {
	Backend   string // "redis" or "memory"
	Addr      string
	Password  string
	DB        int
	OpTimeout time.Duration
	PoolSize  int
}

type RateLimitConfig struct {
	Requests int
	Window   time.Duration
	// PerRoute keys counters by ip, method and route instead of ip alone.
	PerRoute bool
	// RouteWeights maps "METHOD /path" to the units one request costs.
	RouteWeights map[string]int
	// AuditPerMinute caps requests per IP to the audit query endpoints.
	AuditPerMinute int
}

type AttemptsConfig struct {
	MaxFailed      int
	Window         time.Duration
	BlockDuration  time.Duration
	ReaperInterval time.Duration
}

type AuditConfig struct {
	LogPath         string
	Fsync           bool
	SigningKey      string
	SensitiveFields []string
	Workers         int
	QueueSize       int
	RetryDelay      time.Duration
	TopIPs          int
	RetentionDays   int
	CleanupInterval time.Duration
	AlertBackend    string // "log" or "ses"
	SESRegion       string
	AlertFrom       string
	AlertTo         []string
	AlertsPerMinute int
}

type BlocklistConfig struct {
	IPs        []string // addresses or CIDR ranges
	UserAgents []string // case-insensitive substrings
}

type UploadConfig struct {
	MaxSize int64
	// AllowedExtensions narrows the built-in extension list when set.
	AllowedExtensions []string
}

// ConfigError reports one invalid setting.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s %s", e.Field, e.Reason)
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	env := &envReader{}
	appEnv := getEnv("ENV", "development")

	cfg := &Config{
		Database: DatabaseConfig{
			Host:              getEnv("DB_HOST", "localhost"),
			Port:              env.intVal("DB_PORT", 5432),
			User:              getEnv("DB_USER", "postgres"),
			Password:          getEnv("DB_PASSWORD", ""),
			Name:              getEnv("DB_NAME", "perimeter"),
			SSLMode:           getEnv("DB_SSLMODE", "disable"),
			MaxConns:          int32(env.intVal("DB_MAX_CONNS", 25)),
			MinConns:          int32(env.intVal("DB_MIN_CONNS", 5)),
			MaxConnLifetime:   env.duration("DB_MAX_CONN_LIFETIME", 5*time.Minute),
			MaxConnIdleTime:   env.duration("DB_MAX_CONN_IDLE_TIME", 1*time.Minute),
			HealthCheckPeriod: env.duration("DB_HEALTH_CHECK_PERIOD", 1*time.Minute),
			StatementTimeout:  env.duration("DB_STATEMENT_TIMEOUT", 5*time.Second),
			ConnectTimeout:    env.duration("DB_CONNECT_TIMEOUT", 5*time.Second),
		},
		Server: ServerConfig{
			Port:            getEnv("PORT", "8080"),
			Env:             appEnv,
			LogLevel:        getEnv("LOG_LEVEL", "info"),
			AllowedOrigins:  parseAllowedOrigins(appEnv),
			TrustedProxies:  getEnvAsList("TRUSTED_PROXIES"),
			ReadTimeout:     env.duration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    env.duration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     env.duration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: env.duration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Auth: AuthConfig{
			JWTSecret:             getEnv("JWT_SECRET", ""),
			AccessTokenExpiry:     env.duration("ACCESS_TOKEN_EXPIRY", 15*time.Minute),
			BcryptCost:            env.intVal("BCRYPT_COST", 12),
			PasswordMinLength:     env.intVal("PASSWORD_MIN_LENGTH", 8),
			PasswordHistorySize:   env.intVal("PASSWORD_HISTORY_SIZE", 5),
			FailureBaseDelay:      env.duration("AUTH_FAILURE_DELAY", 250*time.Millisecond),
			FailureJitter:         env.duration("AUTH_FAILURE_JITTER", 100*time.Millisecond),
			AdminUsername:         getEnv("ADMIN_USERNAME", ""),
			AdminPassword:         getEnv("ADMIN_PASSWORD", ""),
			PasswordRequireUpper:  env.boolVal("PASSWORD_REQUIRE_UPPER", true),
			PasswordRequireLower:  env.boolVal("PASSWORD_REQUIRE_LOWER", true),
			PasswordRequireDigit:  env.boolVal("PASSWORD_REQUIRE_DIGIT", true),
			PasswordRequireSymbol: env.boolVal("PASSWORD_REQUIRE_SYMBOL", true),
			PasswordSymbols:       getEnv("PASSWORD_SYMBOLS", ""),
		},
		KV: KVConfig{
			Backend:   strings.ToLower(getEnv("KV_BACKEND", "redis")),
			Addr:      getEnv("REDIS_ADDR", "localhost:6379"),
			Password:  getEnv("REDIS_PASSWORD", ""),
			DB:        env.intVal("REDIS_DB", 0),
			OpTimeout: env.duration("KV_OP_TIMEOUT", 200*time.Millisecond),
			PoolSize:  env.intVal("REDIS_POOL_SIZE", 20),
		},
		RateLimit: RateLimitConfig{
			Requests:       env.intVal("RATE_LIMIT_REQUESTS", 100),
			Window:         env.duration("RATE_LIMIT_WINDOW", time.Minute),
			PerRoute:       env.boolVal("RATE_LIMIT_PER_ROUTE", false),
			AuditPerMinute: env.intVal("AUDIT_RATE_LIMIT_PER_MINUTE", 30),
		},
		Attempts: AttemptsConfig{
			MaxFailed:      env.intVal("MAX_FAILED_ATTEMPTS", 5),
			Window:         env.duration("FAILED_ATTEMPTS_WINDOW", 15*time.Minute),
			BlockDuration:  env.duration("BLOCK_DURATION", 30*time.Minute),
			ReaperInterval: env.duration("ATTEMPT_REAPER_INTERVAL", time.Minute),
		},
		Audit: AuditConfig{
			LogPath:         getEnv("AUDIT_LOG_PATH", "data/audit/events.jsonl"),
			Fsync:           env.boolVal("AUDIT_LOG_FSYNC", true),
			SigningKey:      getEnv("AUDIT_SIGNING_KEY", ""),
			SensitiveFields: getEnvAsList("AUDIT_SENSITIVE_FIELDS"),
			Workers:         env.intVal("AUDIT_WORKERS", 4),
			QueueSize:       env.intVal("AUDIT_QUEUE_SIZE", 1024),
			RetryDelay:      env.duration("AUDIT_RETRY_DELAY", 500*time.Millisecond),
			TopIPs:          env.intVal("AUDIT_TOP_IPS", 10),
			RetentionDays:   env.intVal("AUDIT_RETENTION_DAYS", 365),
			CleanupInterval: env.duration("AUDIT_CLEANUP_INTERVAL", 24*time.Hour),
			AlertBackend:    strings.ToLower(getEnv("ALERT_BACKEND", "log")),
			SESRegion:       getEnv("AWS_REGION", "us-east-1"),
			AlertFrom:       getEnv("ALERT_FROM", ""),
			AlertTo:         getEnvAsList("ALERT_TO"),
			AlertsPerMinute: env.intVal("ALERTS_PER_MINUTE", 10),
		},
		Blocklist: BlocklistConfig{
			IPs:        getEnvAsList("BLOCKLIST_IPS"),
			UserAgents: getEnvAsList("BLOCKLIST_USER_AGENTS"),
		},
		Upload: UploadConfig{
			MaxSize:           int64(env.intVal("UPLOAD_MAX_SIZE", 10<<20)),
			AllowedExtensions: getEnvAsList("UPLOAD_ALLOWED_EXTENSIONS"),
		},
	}

	weights, err := parseRouteWeights(getEnv("RATE_LIMIT_ROUTE_WEIGHTS", ""))
	if err != nil {
		return nil, err
	}
	cfg.RateLimit.RouteWeights = weights

	if err := errors.Join(errors.Join(env.errs...), cfg.Validate()); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks every setting and returns all problems joined.
func (c *Config) Validate() error {
	var errs []error
	fail := func(field, reason string) {
		errs = append(errs, &ConfigError{Field: field, Reason: reason})
	}

	if c.Auth.JWTSecret == "" {
		fail("JWT_SECRET", "is required")
	} else if err := validateJWTSecret(c.Auth.JWTSecret, c.Server.Env); err != nil {
		errs = append(errs, err)
	}

	if c.Database.Password == "" {
		fail("DB_PASSWORD", "is required")
	}

	if len(c.Audit.SigningKey) < MinSigningKeyLen {
		fail("AUDIT_SIGNING_KEY", fmt.Sprintf("must be at least %d bytes", MinSigningKeyLen))
	}
	if c.Audit.LogPath == "" {
		fail("AUDIT_LOG_PATH", "is required")
	}
	switch c.Audit.AlertBackend {
	case "log":
	case "ses":
		if c.Audit.AlertFrom == "" || len(c.Audit.AlertTo) == 0 {
			fail("ALERT_BACKEND", "ses requires ALERT_FROM and ALERT_TO")
		}
	default:
		fail("ALERT_BACKEND", fmt.Sprintf("unknown backend %q", c.Audit.AlertBackend))
	}

	switch c.KV.Backend {
	case "redis", "memory":
	default:
		fail("KV_BACKEND", fmt.Sprintf("unknown backend %q", c.KV.Backend))
	}
	if c.KV.OpTimeout <= 0 {
		fail("KV_OP_TIMEOUT", "must be positive")
	}

	if c.RateLimit.Requests <= 0 {
		fail("RATE_LIMIT_REQUESTS", "must be positive")
	}
	if c.RateLimit.Window < time.Second {
		fail("RATE_LIMIT_WINDOW", "must be at least 1s")
	}

	if c.Attempts.MaxFailed <= 0 {
		fail("MAX_FAILED_ATTEMPTS", "must be positive")
	}
	if c.Attempts.Window <= 0 || c.Attempts.BlockDuration <= 0 {
		fail("FAILED_ATTEMPTS_WINDOW", "and BLOCK_DURATION must be positive")
	}

	if c.Auth.PasswordMinLength < 8 {
		fail("PASSWORD_MIN_LENGTH", "must be at least 8")
	}
	for _, r := range c.Auth.PasswordSymbols {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			fail("PASSWORD_SYMBOLS", fmt.Sprintf("contains %q, which is not a symbol", r))
			break
		}
	}
	if (c.Auth.AdminUsername == "") != (c.Auth.AdminPassword == "") {
		fail("ADMIN_USERNAME", "and ADMIN_PASSWORD must be set together")
	}

	for _, entry := range c.Blocklist.IPs {
		if !isIPOrCIDR(entry) {
			fail("BLOCKLIST_IPS", fmt.Sprintf("entry %q is neither an IP nor a CIDR range", entry))
		}
	}
	for _, entry := range c.Server.TrustedProxies {
		if !isIPOrCIDR(entry) {
			fail("TRUSTED_PROXIES", fmt.Sprintf("entry %q is neither an IP nor a CIDR range", entry))
		}
	}

	if c.Database.StatementTimeout < 0 {
		fail("DB_STATEMENT_TIMEOUT", "must not be negative")
	}

	if c.Upload.MaxSize <= 0 {
		fail("UPLOAD_MAX_SIZE", "must be positive")
	}

	return errors.Join(errs...)
}

func isIPOrCIDR(s string) bool {
	if net.ParseIP(s) != nil {
		return true
	}
	_, _, err := net.ParseCIDR(s)
	return err == nil
}

// validateJWTSecret enforces minimum security standards for JWT secret
func validateJWTSecret(secret, env string) error {
	// Minimum length based on environment
	minLength := 16 // Development minimum
	if env == "production" {
		minLength = 32 // Production requires stronger secret (256 bits)
	}

	if len(secret) < minLength {
		return &ConfigError{
			Field:  "JWT_SECRET",
			Reason: fmt.Sprintf("must be at least %d characters in %s environment (got %d)", minLength, env, len(secret)),
		}
	}

	// Check against common weak secrets
	weakSecrets := []string{
		"secret", "test", "password", "12345", "changeme",
		"admin", "root", "default", "example",
	}

	secretLower := strings.ToLower(secret)
	for _, weak := range weakSecrets {
		if secretLower == weak {
			return &ConfigError{Field: "JWT_SECRET", Reason: "cannot be a common weak value"}
		}
	}

	return nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// parseRouteWeights reads "POST /auth/login=5,POST /uploads=3".
func parseRouteWeights(raw string) (map[string]int, error) {
	weights := make(map[string]int)
	for _, entry := range splitList(raw) {
		route, w, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, &ConfigError{Field: "RATE_LIMIT_ROUTE_WEIGHTS", Reason: fmt.Sprintf("entry %q is not ROUTE=WEIGHT", entry)}
		}
		n, err := strconv.Atoi(strings.TrimSpace(w))
		if err != nil || n < 1 {
			return nil, &ConfigError{Field: "RATE_LIMIT_ROUTE_WEIGHTS", Reason: fmt.Sprintf("weight of %q must be a positive integer", route)}
		}
		weights[strings.Join(strings.Fields(route), " ")] = n
	}
	return weights, nil
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

// envReader parses typed settings and records every value that is set but
// malformed.
type envReader struct {
	errs []error
}

func (r *envReader) invalid(key, value, want string) {
	r.errs = append(r.errs, &ConfigError{Field: key, Reason: fmt.Sprintf("value %q is not a valid %s", value, want)})
}

func (r *envReader) intVal(key string, defaultVal int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultVal
	}
	intVal, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		r.invalid(key, value, "integer")
		return defaultVal
	}
	return intVal
}

func (r *envReader) boolVal(key string, defaultVal bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		r.invalid(key, value, "boolean")
		return defaultVal
	}
	return b
}

func (r *envReader) duration(key string, defaultVal time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultVal
	}
	duration, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		r.invalid(key, value, "duration")
		return defaultVal
	}
	return duration
}

func getEnvAsList(key string) []string {
	return splitList(os.Getenv(key))
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseAllowedOrigins(env string) []string {
	if env == "production" {
		return getEnvAsList("ALLOWED_ORIGINS")
	}

	// Development: allow localhost variants
	return []string{
		"http://localhost:3000",
		"http://localhost:8080",
		"http://localhost:5173", // Vite default
		"http://127.0.0.1:3000",
		"http://127.0.0.1:8080",
		"http://127.0.0.1:5173",
	}
}
