package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/real-rm/chatgateway/internal/constants"
)

// Config holds all application configuration
type Config struct {
	WebSocket WebSocketConfig `toml:"websocket"`
	Server    ServerConfig    `toml:"server"`
	Auth      AuthConfig      `toml:"auth"`
	Mongo     MongoConfig     `toml:"mongo"`
	LLM       LLMConfig       `toml:"llm"`
	Alert     AlertConfig     `toml:"alert"`
	Redis     RedisConfig     `toml:"redis"`
	Log       LogConfig       `toml:"log"`
}

// WebSocketConfig holds the gateway limits. Durations are kept in
// milliseconds on the wire and in files so operators can reuse the
// WS_* values they already have.
type WebSocketConfig struct {
	MaxConnections        int  `toml:"max_connections" json:"maxConnections"`
	MaxConnectionsPerUser int  `toml:"max_connections_per_user" json:"maxConnectionsPerUser"`
	RateLimitWindowMS     int  `toml:"rate_limit_window_ms" json:"rateLimitWindow"`
	RateLimitMaxMessages  int  `toml:"rate_limit_max_messages" json:"rateLimitMaxMessages"`
	CleanupIntervalMS     int  `toml:"cleanup_interval_ms" json:"cleanupInterval"`
	InactiveTimeoutMS     int  `toml:"inactive_timeout_ms" json:"inactiveTimeout"`
	MaxPayload            int  `toml:"max_payload" json:"maxPayload"`
	MaxMessageLength      int  `toml:"max_message_length" json:"maxMessageLength"`
	MaxTokens             int  `toml:"max_tokens" json:"maxTokens"`
	AllowCreateChat       bool `toml:"allow_create_chat" json:"allowCreateChat"`
}

// RateLimitWindow returns the rate window as a duration
func (w WebSocketConfig) RateLimitWindow() time.Duration {
	return time.Duration(w.RateLimitWindowMS) * time.Millisecond
}

// CleanupInterval returns the reaper interval as a duration
func (w WebSocketConfig) CleanupInterval() time.Duration {
	return time.Duration(w.CleanupIntervalMS) * time.Millisecond
}

// InactiveTimeout returns the idle timeout as a duration
func (w WebSocketConfig) InactiveTimeout() time.Duration {
	return time.Duration(w.InactiveTimeoutMS) * time.Millisecond
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port           int      `toml:"port"`
	AllowedOrigins []string `toml:"allowed_origins"`
	Production     bool     `toml:"production"`
}

// AuthConfig holds credential validation settings
type AuthConfig struct {
	JWTSecret string `toml:"jwt_secret"`
}

// MongoConfig holds MongoDB configuration
type MongoConfig struct {
	URI            string        `toml:"uri"`
	Database       string        `toml:"database"`
	ConnectTimeout time.Duration `toml:"connect_timeout"`
}

// LLMConfig holds the completion provider configuration
type LLMConfig struct {
	APIKey      string  `toml:"api_key"`
	Model       string  `toml:"model"`
	BaseURL     string  `toml:"base_url"`
	Temperature float32 `toml:"temperature"`
}

// AlertConfig holds operational alerting configuration
type AlertConfig struct {
	TelegramToken   string   `toml:"telegram_token"`
	TelegramChatIDs []string `toml:"telegram_chat_ids"`
	TelegramBaseURL string   `toml:"telegram_base_url"`
	NATSURL         string   `toml:"nats_url"`
	NATSSubject     string   `toml:"nats_subject"`
	RatePerMinute   int      `toml:"rate_per_minute"`
}

// RedisConfig holds presence mirror configuration
type RedisConfig struct {
	Addr        string        `toml:"addr"`
	Password    string        `toml:"password"`
	DB          int           `toml:"db"`
	PresenceTTL time.Duration `toml:"presence_ttl"`
}

// LogConfig holds logger configuration
type LogConfig struct {
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	Dir        string `toml:"dir"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// Default returns a configuration populated with defaults only
func Default() *Config {
	return &Config{
		WebSocket: WebSocketConfig{
			MaxConnections:        constants.DefaultMaxConnections,
			MaxConnectionsPerUser: constants.DefaultMaxConnectionsPerUser,
			RateLimitWindowMS:     int(constants.DefaultRateLimitWindow / time.Millisecond),
			RateLimitMaxMessages:  constants.DefaultRateLimitMaxMessages,
			CleanupIntervalMS:     int(constants.DefaultCleanupInterval / time.Millisecond),
			InactiveTimeoutMS:     int(constants.DefaultInactiveTimeout / time.Millisecond),
			MaxPayload:            constants.DefaultMaxPayload,
			MaxMessageLength:      constants.DefaultMaxMessageLength,
			MaxTokens:             constants.DefaultMaxTokens,
			AllowCreateChat:       true,
		},
		Server: ServerConfig{
			Port:           constants.DefaultPort,
			AllowedOrigins: []string{constants.DefaultAllowedOrigin},
		},
		Mongo: MongoConfig{
			URI:            constants.DefaultMongoURI,
			Database:       constants.DefaultDatabase,
			ConnectTimeout: constants.DefaultContextTimeout,
		},
		LLM: LLMConfig{
			Model:       constants.DefaultModel,
			Temperature: constants.DefaultTemperature,
		},
		Alert: AlertConfig{
			NATSSubject:   constants.DefaultAlertSubject,
			RatePerMinute: 20,
		},
		Redis: RedisConfig{
			PresenceTTL: constants.DefaultPresenceTTL,
		},
		Log: LogConfig{
			Level:      constants.DefaultLogLevel,
			Format:     constants.DefaultLogFormat,
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
	}
}

// Load builds the configuration.
// Priority: Environment variable > Config file > Default.
// An empty path skips the file layer. Production clamps are applied last.
func Load(path string) (*Config, error) {
	cfg := Default()

	// No else needed: optional operation (file layer only when a path is given)
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.Clamp()

	return cfg, nil
}

func (c *Config) applyEnv() {
	ws := &c.WebSocket
	ws.MaxConnections = getEnvAsInt("WS_MAX_CONNECTIONS", ws.MaxConnections)
	ws.MaxConnectionsPerUser = getEnvAsInt("WS_MAX_CONNECTIONS_PER_USER", ws.MaxConnectionsPerUser)
	ws.RateLimitWindowMS = getEnvAsInt("WS_RATE_LIMIT_WINDOW", ws.RateLimitWindowMS)
	ws.RateLimitMaxMessages = getEnvAsInt("WS_RATE_LIMIT_MAX_MESSAGES", ws.RateLimitMaxMessages)
	ws.CleanupIntervalMS = getEnvAsInt("WS_CLEANUP_INTERVAL", ws.CleanupIntervalMS)
	ws.InactiveTimeoutMS = getEnvAsInt("WS_INACTIVE_TIMEOUT", ws.InactiveTimeoutMS)
	ws.MaxPayload = getEnvAsInt("WS_MAX_PAYLOAD", ws.MaxPayload)
	ws.MaxMessageLength = getEnvAsInt("WS_MAX_MESSAGE_LENGTH", ws.MaxMessageLength)
	ws.MaxTokens = getEnvAsInt("WS_MAX_TOKENS", ws.MaxTokens)
	ws.AllowCreateChat = getEnvAsBool("WS_ALLOW_CREATE_CHAT", ws.AllowCreateChat)

	c.Server.Port = getEnvAsInt("PORT", c.Server.Port)
	c.Server.AllowedOrigins = getEnvAsSlice("ALLOWED_ORIGINS", c.Server.AllowedOrigins)
	c.Server.Production = getEnvAsBool("PRODUCTION", c.Server.Production)

	c.Auth.JWTSecret = getEnv("JWT_SECRET", c.Auth.JWTSecret)

	c.Mongo.URI = getEnv("MONGO_URL", c.Mongo.URI)
	c.Mongo.Database = getEnv("MONGO_DATABASE", c.Mongo.Database)
	c.Mongo.ConnectTimeout = getEnvAsDuration("MONGO_CONNECT_TIMEOUT", c.Mongo.ConnectTimeout)

	c.LLM.APIKey = getEnv("OPENAI_API_KEY", c.LLM.APIKey)
	c.LLM.Model = getEnv("OPENAI_MODEL", c.LLM.Model)
	c.LLM.BaseURL = getEnv("OPENAI_BASE_URL", c.LLM.BaseURL)
	c.LLM.Temperature = getEnvAsFloat32("OPENAI_TEMPERATURE", c.LLM.Temperature)

	c.Alert.TelegramToken = getEnv("TELEGRAM_TOKEN", c.Alert.TelegramToken)
	c.Alert.TelegramChatIDs = getEnvAsSlice("TELEGRAM_CHAT_IDS", c.Alert.TelegramChatIDs)
	c.Alert.NATSURL = getEnv("NATS_URL", c.Alert.NATSURL)
	c.Alert.NATSSubject = getEnv("NATS_ALERT_SUBJECT", c.Alert.NATSSubject)

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.PresenceTTL = getEnvAsDuration("PRESENCE_TTL", c.Redis.PresenceTTL)

	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)
	c.Log.Dir = getEnv("LOG_DIR", c.Log.Dir)
}

// Clamp applies the production upper bounds to the connection and rate limits
func (c *Config) Clamp() {
	c.WebSocket.MaxConnections = min(c.WebSocket.MaxConnections, constants.MaxConnectionsCeiling)
	c.WebSocket.MaxConnectionsPerUser = min(c.WebSocket.MaxConnectionsPerUser, constants.MaxConnectionsPerUserCeiling)
	c.WebSocket.RateLimitMaxMessages = min(c.WebSocket.RateLimitMaxMessages, constants.RateLimitMaxMessagesCeiling)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	var errs []error

	ws := c.WebSocket
	if ws.MaxConnections <= 0 {
		errs = append(errs, errors.New("max connections must be positive"))
	}
	if ws.MaxConnectionsPerUser <= 0 {
		errs = append(errs, errors.New("max connections per user must be positive"))
	}
	if ws.RateLimitWindowMS <= 0 {
		errs = append(errs, errors.New("rate limit window must be positive"))
	}
	if ws.RateLimitMaxMessages <= 0 {
		errs = append(errs, errors.New("rate limit max messages must be positive"))
	}
	if ws.CleanupIntervalMS <= 0 {
		errs = append(errs, errors.New("cleanup interval must be positive"))
	}
	if ws.InactiveTimeoutMS <= 0 {
		errs = append(errs, errors.New("inactive timeout must be positive"))
	}
	if ws.MaxPayload <= 0 {
		errs = append(errs, errors.New("max payload must be positive"))
	}
	if ws.MaxMessageLength <= 0 {
		errs = append(errs, errors.New("max message length must be positive"))
	}
	if ws.MaxTokens <= 0 {
		errs = append(errs, errors.New("max tokens must be positive"))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, errors.New("server port must be between 1 and 65535"))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT secret is required"))
	} else {
		if len(c.Auth.JWTSecret) < constants.MinJWTSecretLength {
			errs = append(errs, fmt.Errorf(
				"JWT secret must be at least %d characters (got %d). "+
					"Generate a strong secret with: openssl rand -base64 32",
				constants.MinJWTSecretLength, len(c.Auth.JWTSecret)))
		}

		// No else needed: weak-secret check only guards production deployments
		if c.Server.Production {
			lowerSecret := strings.ToLower(c.Auth.JWTSecret)
			for _, weak := range constants.WeakSecrets {
				if strings.Contains(lowerSecret, weak) {
					errs = append(errs, fmt.Errorf("JWT secret appears to be weak (contains '%s')", weak))
					break
				}
			}
		}
	}

	if c.Mongo.URI == "" {
		errs = append(errs, errors.New("mongo URI is required"))
	}
	if c.Mongo.Database == "" {
		errs = append(errs, errors.New("mongo database name is required"))
	}

	if c.LLM.Model == "" {
		errs = append(errs, errors.New("LLM model is required"))
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		errs = append(errs, errors.New("LLM temperature must be between 0 and 2"))
	}
	if c.Server.Production && c.LLM.APIKey == "" {
		errs = append(errs, errors.New("OpenAI API key is required in production"))
	}

	if c.Alert.TelegramToken != "" && len(c.Alert.TelegramChatIDs) == 0 {
		errs = append(errs, errors.New("telegram chat ids are required when a telegram token is set"))
	}
	for _, id := range c.Alert.TelegramChatIDs {
		if _, err := strconv.ParseInt(id, 10, 64); err != nil {
			errs = append(errs, fmt.Errorf("telegram chat id %q is not numeric", id))
		}
	}

	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log format must be json or text (got %q)", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %w", errors.Join(errs...))
	}

	return nil
}

// Redacted returns a copy with secrets masked, suitable for printing
func (c *Config) Redacted() Config {
	out := *c
	out.Auth.JWTSecret = mask(out.Auth.JWTSecret)
	out.LLM.APIKey = mask(out.LLM.APIKey)
	out.Alert.TelegramToken = mask(out.Alert.TelegramToken)
	out.Redis.Password = mask(out.Redis.Password)
	return out
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat32(key string, defaultValue float32) float32 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 32)
	if err != nil {
		return defaultValue
	}
	return float32(value)
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	result := []string{}
	for _, v := range strings.Split(valueStr, ",") {
		v = strings.TrimSpace(v)
		if v != "" {
			result = append(result, v)
		}
	}
	return result
}
