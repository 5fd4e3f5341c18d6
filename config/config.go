package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is read when neither --config nor CONFIG_PATH names a file
const DefaultPath = "config.yaml"

type Config struct {
	ServerConfig       ServerConfig       `yaml:"server"`
	EngineConfig       EngineConfig       `yaml:"engine"`
	ExchangeConfig     ExchangeConfig     `yaml:"exchange"`
	DatabaseConfig     DatabaseConfig     `yaml:"database"`
	RedisConfig        RedisConfig        `yaml:"redis"`
	VaultConfig        VaultConfig        `yaml:"vault"`
	AuthConfig         AuthConfig         `yaml:"auth"`
	LoggingConfig      LoggingConfig      `yaml:"logging"`
	MetricsConfig      MetricsConfig      `yaml:"metrics"`
	NotificationConfig NotificationConfig `yaml:"notifications"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	AllowedOrigins  string        `yaml:"allowed_origins"` // comma separated, "*" for any
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// EngineConfig holds the lifecycle controller tunables
type EngineConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval"`
	SLOffsetPercent float64       `yaml:"sl_offset_percent"`
	OutageThreshold int           `yaml:"outage_threshold"` // consecutive failed ticks before one ERROR event
	GatewayTimeout  time.Duration `yaml:"gateway_timeout"`
	Workers         int           `yaml:"workers"`
	MinTick         float64       `yaml:"min_tick"` // used when the exchange reports no tick size
	CommandBuffer   int           `yaml:"command_buffer"`
}

// ExchangeConfig selects and configures the exchange gateway
type ExchangeConfig struct {
	Provider   string `yaml:"provider"` // paper or binance
	BaseURL    string `yaml:"base_url"` // empty selects mainnet or testnet
	TestNet    bool   `yaml:"testnet"`
	RecvWindow int64  `yaml:"recv_window"` // milliseconds
	UserID     string `yaml:"user_id"`     // vault key owner
	APIKey     string `yaml:"api_key"`     // fallback when vault is disabled
	SecretKey  string `yaml:"secret_key"`
}

// DatabaseConfig selects the trade store
type DatabaseConfig struct {
	Driver     string `yaml:"driver"` // memory, postgres or sqlite
	DSN        string `yaml:"dsn"`
	MaxConns   int    `yaml:"max_conns"`
	SQLitePath string `yaml:"sqlite_path"`
}

// RedisConfig holds Redis configuration for the snapshot cache
type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Address  string        `yaml:"address"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"pool_size"`
	TTL      time.Duration `yaml:"ttl"`
}

// VaultConfig holds HashiCorp Vault configuration
type VaultConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Address    string `yaml:"address"`
	Token      string `yaml:"token"`
	MountPath  string `yaml:"mount_path"`  // KV secrets engine mount path
	SecretPath string `yaml:"secret_path"` // Path prefix for API keys
}

// AuthConfig holds operator authentication configuration
type AuthConfig struct {
	Enabled             bool          `yaml:"enabled"`
	JWTSecret           string        `yaml:"jwt_secret"`
	OperatorUser        string        `yaml:"operator_user"`
	OperatorPassword    string        `yaml:"operator_password_hash"` // bcrypt hash
	AccessTokenDuration time.Duration `yaml:"access_token_duration"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`       // DEBUG, INFO, WARN, ERROR
	Output     string `yaml:"output"`      // stdout, stderr, or file path
	JSONFormat bool   `yaml:"json_format"` // Output as JSON
}

// MetricsConfig exposes Prometheus collectors
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type NotificationConfig struct {
	Enabled bool        `yaml:"enabled"`
	Log     bool        `yaml:"log"`
	FCM     FCMConfig   `yaml:"fcm"`
	Email   EmailConfig `yaml:"email"`
}

// EmailConfig configures SMTP delivery of trade notifications
type EmailConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Host     string   `yaml:"host"`
	Port     string   `yaml:"port"` // 465 uses implicit TLS, 587 and 25 STARTTLS or plain
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	FromName string   `yaml:"from_name"`
	To       []string `yaml:"to"`
}

// FCMConfig configures Firebase Cloud Messaging push notifications
type FCMConfig struct {
	Enabled         bool   `yaml:"enabled"`
	CredentialsFile string `yaml:"credentials_file"`
	Topic           string `yaml:"topic"`
}

// Default returns a configuration that runs the engine in paper mode with an in-memory store
func Default() *Config {
	return &Config{
		ServerConfig: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			AllowedOrigins:  "*",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		EngineConfig: EngineConfig{
			PollInterval:    2 * time.Second,
			SLOffsetPercent: 0.1,
			OutageThreshold: 5,
			GatewayTimeout:  5 * time.Second,
			Workers:         16,
			CommandBuffer:   16,
		},
		ExchangeConfig: ExchangeConfig{
			Provider:   "paper",
			RecvWindow: 5000,
		},
		DatabaseConfig: DatabaseConfig{
			Driver:     "memory",
			MaxConns:   10,
			SQLitePath: "trades.db",
		},
		RedisConfig: RedisConfig{
			Address:  "localhost:6379",
			PoolSize: 10,
			TTL:      24 * time.Hour,
		},
		VaultConfig: VaultConfig{
			Address:    "http://localhost:8200",
			MountPath:  "secret",
			SecretPath: "trade-engine/api-keys",
		},
		AuthConfig: AuthConfig{
			OperatorUser:        "operator",
			AccessTokenDuration: 15 * time.Minute,
		},
		LoggingConfig: LoggingConfig{
			Level:      "INFO",
			Output:     "stdout",
			JSONFormat: true,
		},
		MetricsConfig: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		NotificationConfig: NotificationConfig{
			Log: true,
			FCM: FCMConfig{Topic: "trade-events"},
			Email: EmailConfig{
				Port:     "587",
				FromName: "Trade Engine",
			},
		},
	}
}

// Load reads path (or CONFIG_PATH, or config.yaml) over the defaults and applies
// environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = getEnvOrDefault("CONFIG_PATH", DefaultPath)
	}

	cfg, err := loadFromFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		cfg = Default()
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(file, config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Unset variables keep the file or default value.
func applyEnvOverrides(cfg *Config) {
	// Server config
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", cfg.ServerConfig.Host)
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", cfg.ServerConfig.Port)
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", cfg.ServerConfig.AllowedOrigins)

	// Engine config
	cfg.EngineConfig.PollInterval = getEnvDurationOrDefault("ENGINE_POLL_INTERVAL", cfg.EngineConfig.PollInterval)
	cfg.EngineConfig.SLOffsetPercent = getEnvFloatOrDefault("ENGINE_SL_OFFSET_PERCENT", cfg.EngineConfig.SLOffsetPercent)
	cfg.EngineConfig.OutageThreshold = getEnvIntOrDefault("ENGINE_OUTAGE_THRESHOLD", cfg.EngineConfig.OutageThreshold)
	cfg.EngineConfig.GatewayTimeout = getEnvDurationOrDefault("ENGINE_GATEWAY_TIMEOUT", cfg.EngineConfig.GatewayTimeout)
	cfg.EngineConfig.Workers = getEnvIntOrDefault("ENGINE_WORKERS", cfg.EngineConfig.Workers)

	// Exchange config
	cfg.ExchangeConfig.Provider = getEnvOrDefault("EXCHANGE_PROVIDER", cfg.ExchangeConfig.Provider)
	cfg.ExchangeConfig.BaseURL = getEnvOrDefault("BINANCE_BASE_URL", cfg.ExchangeConfig.BaseURL)
	cfg.ExchangeConfig.TestNet = getEnvBoolOrDefault("BINANCE_TESTNET", cfg.ExchangeConfig.TestNet)
	cfg.ExchangeConfig.UserID = getEnvOrDefault("EXCHANGE_USER_ID", cfg.ExchangeConfig.UserID)
	cfg.ExchangeConfig.APIKey = getEnvOrDefault("BINANCE_API_KEY", cfg.ExchangeConfig.APIKey)
	cfg.ExchangeConfig.SecretKey = getEnvOrDefault("BINANCE_SECRET_KEY", cfg.ExchangeConfig.SecretKey)

	// Database config
	cfg.DatabaseConfig.Driver = getEnvOrDefault("DB_DRIVER", cfg.DatabaseConfig.Driver)
	cfg.DatabaseConfig.DSN = getEnvOrDefault("DATABASE_URL", cfg.DatabaseConfig.DSN)
	cfg.DatabaseConfig.SQLitePath = getEnvOrDefault("SQLITE_PATH", cfg.DatabaseConfig.SQLitePath)

	// Redis config
	cfg.RedisConfig.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", cfg.RedisConfig.Enabled)
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)

	// Vault config
	cfg.VaultConfig.Enabled = getEnvBoolOrDefault("VAULT_ENABLED", cfg.VaultConfig.Enabled)
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", cfg.VaultConfig.Address)
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", cfg.VaultConfig.MountPath)
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", cfg.VaultConfig.SecretPath)

	// Auth config
	cfg.AuthConfig.Enabled = getEnvBoolOrDefault("AUTH_ENABLED", cfg.AuthConfig.Enabled)
	cfg.AuthConfig.JWTSecret = getEnvOrDefault("AUTH_JWT_SECRET", cfg.AuthConfig.JWTSecret)
	cfg.AuthConfig.OperatorPassword = getEnvOrDefault("AUTH_OPERATOR_PASSWORD_HASH", cfg.AuthConfig.OperatorPassword)
	cfg.AuthConfig.AccessTokenDuration = getEnvDurationOrDefault("AUTH_ACCESS_TOKEN_DURATION", cfg.AuthConfig.AccessTokenDuration)

	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", cfg.LoggingConfig.Output)
	cfg.LoggingConfig.JSONFormat = getEnvBoolOrDefault("LOG_JSON", cfg.LoggingConfig.JSONFormat)

	// Notification config
	cfg.NotificationConfig.FCM.Enabled = getEnvBoolOrDefault("FCM_ENABLED", cfg.NotificationConfig.FCM.Enabled)
	cfg.NotificationConfig.FCM.CredentialsFile = getEnvOrDefault("FCM_CREDENTIALS_FILE", cfg.NotificationConfig.FCM.CredentialsFile)
	cfg.NotificationConfig.Email.Enabled = getEnvBoolOrDefault("SMTP_ENABLED", cfg.NotificationConfig.Email.Enabled)
	cfg.NotificationConfig.Email.Host = getEnvOrDefault("SMTP_HOST", cfg.NotificationConfig.Email.Host)
	cfg.NotificationConfig.Email.Port = getEnvOrDefault("SMTP_PORT", cfg.NotificationConfig.Email.Port)
	cfg.NotificationConfig.Email.Username = getEnvOrDefault("SMTP_USERNAME", cfg.NotificationConfig.Email.Username)
	cfg.NotificationConfig.Email.Password = getEnvOrDefault("SMTP_PASSWORD", cfg.NotificationConfig.Email.Password)
}

// Validate checks the combination of settings the service cannot run without
func (c *Config) Validate() error {
	if c.ServerConfig.Port <= 0 || c.ServerConfig.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.ServerConfig.Port)
	}
	if c.EngineConfig.PollInterval <= 0 {
		return fmt.Errorf("engine.poll_interval must be positive")
	}
	if c.EngineConfig.SLOffsetPercent <= 0 {
		return fmt.Errorf("engine.sl_offset_percent must be positive")
	}
	if c.EngineConfig.OutageThreshold <= 0 {
		return fmt.Errorf("engine.outage_threshold must be positive")
	}

	switch strings.ToLower(c.ExchangeConfig.Provider) {
	case "paper":
	case "binance":
		if !c.VaultConfig.Enabled && (c.ExchangeConfig.APIKey == "" || c.ExchangeConfig.SecretKey == "") {
			return fmt.Errorf("exchange.provider binance needs vault or api_key and secret_key")
		}
	default:
		return fmt.Errorf("exchange.provider must be paper or binance, got %q", c.ExchangeConfig.Provider)
	}

	switch strings.ToLower(c.DatabaseConfig.Driver) {
	case "memory":
	case "postgres":
		if c.DatabaseConfig.DSN == "" {
			return fmt.Errorf("database.dsn is required for postgres")
		}
	case "sqlite":
		if c.DatabaseConfig.SQLitePath == "" {
			return fmt.Errorf("database.sqlite_path is required for sqlite")
		}
	default:
		return fmt.Errorf("database.driver must be memory, postgres or sqlite, got %q", c.DatabaseConfig.Driver)
	}

	if c.AuthConfig.Enabled {
		if len(c.AuthConfig.JWTSecret) < 32 {
			return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
		}
		if c.AuthConfig.OperatorPassword == "" {
			return fmt.Errorf("auth.operator_password_hash is required when auth is enabled")
		}
	}
	if c.VaultConfig.Enabled && c.VaultConfig.Token == "" {
		return fmt.Errorf("vault.token is required when vault is enabled")
	}
	if c.NotificationConfig.FCM.Enabled && c.NotificationConfig.FCM.CredentialsFile == "" {
		return fmt.Errorf("notifications.fcm.credentials_file is required when fcm is enabled")
	}
	if e := c.NotificationConfig.Email; e.Enabled && (e.Host == "" || e.From == "" || len(e.To) == 0) {
		return fmt.Errorf("notifications.email needs host, from and at least one recipient")
	}
	return nil
}

// Address is the host:port the HTTP server listens on
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Origins splits AllowedOrigins into a list
func (c *ServerConfig) Origins() []string {
	var out []string
	for _, o := range strings.Split(c.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// SaveToFile writes the configuration as YAML
func (c *Config) SaveToFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
