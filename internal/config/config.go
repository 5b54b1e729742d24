package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Proxy    ProxyConfig
	Cookie   CookieConfig
	ACME     ACMEConfig
	Security SecurityConfig
}

type ServerConfig struct {
	Environment     string
	HTTPAddr        string
	HTTPSAddr       string
	AdminAddr       string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	RequestDeadline time.Duration
	ShutdownTimeout time.Duration
}

type DatabaseConfig struct {
	PostgresURL      string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
	EnableMigrations bool
	MigrationsPath   string
}

type RedisConfig struct {
	URL          string
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
}

// ProxyConfig governs the edge data-plane: route table refresh, upstream
// dialing, and the reserved admin-console prefix.
type ProxyConfig struct {
	PreviewDomain        string
	AdminConsolePrefix   string
	AdminConsolePeer     string
	AdminCORSOrigins     []string
	UpstreamConnectRetry int
	UpstreamDialTimeout  time.Duration
	UpstreamIdleTimeout  time.Duration
	UpstreamMaxIdlePerHost int
	ReloadDebounce       time.Duration
	ListenerBackoff      time.Duration
}

// CookieConfig governs visitor/session identity cookies (C5).
type CookieConfig struct {
	EncryptionKey  string // exactly 32 bytes, used as-is (not base64-decoded)
	VisitorMaxAge  time.Duration
	SessionMaxAge  time.Duration
}

// ACMEConfig governs the certificate lifecycle (C9-C12).
type ACMEConfig struct {
	DirectoryURL        string
	StagingDirectoryURL string
	ContactEmail        string
	CertKeyEncryption   string // exactly 32 bytes, used as-is (not base64-decoded)
	HTTPChallengeAddr   string
	RenewalInterval     time.Duration
	RenewalWindowDays   int
	PollInterval        time.Duration
	PollTimeout         time.Duration
}

type SecurityConfig struct {
	EnableHSTS    bool
	HSTSMaxAge    int
	EnableCSP     bool
	CSPDirectives string
}

func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Environment:     getEnv("ENVIRONMENT", "development"),
			HTTPAddr:        getEnv("HTTP_ADDR", ":80"),
			HTTPSAddr:       getEnv("HTTPS_ADDR", ":443"),
			AdminAddr:       getEnv("ADMIN_ADDR", "127.0.0.1:7080"),
			ReadTimeout:     getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getDurationEnv("SERVER_WRITE_TIMEOUT", 30*time.Second),
			RequestDeadline: getDurationEnv("REQUEST_DEADLINE", 60*time.Second),
			ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			PostgresURL:      getEnvRequired("DATABASE_URL"),
			MaxOpenConns:     getIntEnv("DB_MAX_OPEN_CONNS", 20),
			MaxIdleConns:     getIntEnv("DB_MAX_IDLE_CONNS", 10),
			ConnMaxLifetime:  getDurationEnv("DB_CONN_MAX_LIFETIME", time.Hour),
			EnableMigrations: getBoolEnv("ENABLE_MIGRATIONS", true),
			MigrationsPath:   getEnv("MIGRATIONS_PATH", "internal/db/migrations"),
		},
		Redis: RedisConfig{
			URL:          getEnv("REDIS_URL", ""),
			MaxRetries:   getIntEnv("REDIS_MAX_RETRIES", 3),
			DialTimeout:  getDurationEnv("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getDurationEnv("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getDurationEnv("REDIS_WRITE_TIMEOUT", 3*time.Second),
			PoolSize:     getIntEnv("REDIS_POOL_SIZE", 10),
			MinIdleConns: getIntEnv("REDIS_MIN_IDLE_CONNS", 5),
			IdleTimeout:  getDurationEnv("REDIS_IDLE_TIMEOUT", 5*time.Minute),
		},
		Proxy: ProxyConfig{
			PreviewDomain:          getEnv("PREVIEW_DOMAIN", "localho.st"),
			AdminConsolePrefix:     getEnv("ADMIN_CONSOLE_PREFIX", "/api/_temps"),
			AdminConsolePeer:       getEnv("ADMIN_CONSOLE_PEER", "127.0.0.1:7080"),
			AdminCORSOrigins:       getSliceEnv("ADMIN_CORS_ORIGINS", []string{"*"}),
			UpstreamConnectRetry:   getIntEnv("UPSTREAM_CONNECT_RETRY", 3),
			UpstreamDialTimeout:    getDurationEnv("UPSTREAM_DIAL_TIMEOUT", 5*time.Second),
			UpstreamIdleTimeout:    getDurationEnv("UPSTREAM_IDLE_TIMEOUT", 60*time.Second),
			UpstreamMaxIdlePerHost: getIntEnv("UPSTREAM_MAX_IDLE_PER_HOST", 32),
			ReloadDebounce:         getDurationEnv("ROUTE_RELOAD_DEBOUNCE", 200*time.Millisecond),
			ListenerBackoff:        getDurationEnv("LISTENER_BACKOFF", 5*time.Second),
		},
		Cookie: CookieConfig{
			EncryptionKey: getEnvRequired("COOKIE_SECRET"),
			VisitorMaxAge: getDurationEnv("VISITOR_COOKIE_MAX_AGE", 365*24*time.Hour),
			SessionMaxAge: getDurationEnv("SESSION_COOKIE_MAX_AGE", 30*time.Minute),
		},
		ACME: ACMEConfig{
			DirectoryURL:        getEnv("ACME_DIRECTORY_URL", "https://acme-v02.api.letsencrypt.org/directory"),
			StagingDirectoryURL: getEnv("ACME_STAGING_DIRECTORY_URL", "https://acme-staging-v02.api.letsencrypt.org/directory"),
			ContactEmail:        getEnv("ACME_CONTACT_EMAIL", ""),
			CertKeyEncryption:   getEnvRequired("CERT_KEY_SECRET"),
			HTTPChallengeAddr:   getEnv("HTTP_CHALLENGE_ADDR", ":80"),
			RenewalInterval:     getDurationEnv("RENEWAL_INTERVAL", 6*time.Hour),
			RenewalWindowDays:   getIntEnv("RENEWAL_WINDOW_DAYS", 30),
			PollInterval:        getDurationEnv("ACME_POLL_INTERVAL", 10*time.Second),
			PollTimeout:         getDurationEnv("ACME_POLL_TIMEOUT", 2*time.Minute),
		},
		Security: SecurityConfig{
			EnableHSTS:    getBoolEnv("ENABLE_HSTS", true),
			HSTSMaxAge:    getIntEnv("HSTS_MAX_AGE", 31536000),
			EnableCSP:     getBoolEnv("ENABLE_CSP", true),
			CSPDirectives: getEnv("CSP_DIRECTIVES", "default-src 'self'"),
		},
	}

	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	if c.Database.PostgresURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.Cookie.EncryptionKey == "" {
		return fmt.Errorf("COOKIE_SECRET is required")
	}
	if c.ACME.CertKeyEncryption == "" {
		return fmt.Errorf("CERT_KEY_SECRET is required")
	}
	if c.ACME.ContactEmail == "" {
		return fmt.Errorf("ACME_CONTACT_EMAIL is required for automated renewal notifications")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvRequired(key string) string {
	return os.Getenv(key)
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err != nil {
			return defaultValue
		}
		return b
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		i, err := strconv.Atoi(value)
		if err != nil {
			return defaultValue
		}
		return i
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		d, err := time.ParseDuration(value)
		if err != nil {
			return defaultValue
		}
		return d
	}
	return defaultValue
}

func getSliceEnv(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}
