package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds server configuration loaded from environment.
type Config struct {
	Env      string
	HTTPAddr string
	LogLevel string

	DBDSN      string
	JWTSecret  string
	TokenTTL   time.Duration
	RefreshTTL time.Duration

	RedisAddr       string
	PresenceChannel string

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
	MinioPublicURL string

	HeartbeatInterval time.Duration
	OfflineGrace      time.Duration
	TypingTimeout     time.Duration
	EditWindow        time.Duration
	StoreTimeout      time.Duration
	EventRate         float64
	EventBurst        int
}

// Load reads an optional .env file, then parses the environment.
func Load() (Config, error) {
	_ = godotenv.Load(".env")
	return fromEnv()
}

func fromEnv() (Config, error) {
	cfg := Config{
		Env:             getEnv("APP_ENV", "dev"),
		HTTPAddr:        getEnv("HTTP_ADDR", ":8080"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		DBDSN:           strings.TrimSpace(os.Getenv("DB_DSN")),
		JWTSecret:       strings.TrimSpace(os.Getenv("JWT_SECRET")),
		RedisAddr:       strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		PresenceChannel: getEnv("PRESENCE_CHANNEL", "presence"),
		MinioEndpoint:   strings.TrimSpace(os.Getenv("MINIO_ENDPOINT")),
		MinioAccessKey:  getEnv("MINIO_ACCESS_KEY", "minioadmin"),
		MinioSecretKey:  getEnv("MINIO_SECRET_KEY", "minioadmin"),
		MinioBucket:     getEnv("MINIO_BUCKET", "chat-images"),
		MinioPublicURL:  strings.TrimSpace(os.Getenv("MINIO_PUBLIC_URL")),
		EventBurst:      parseIntWithDefault(strings.TrimSpace(os.Getenv("EVENT_BURST")), 20),
	}
	if cfg.JWTSecret == "" {
		return Config{}, errors.New("JWT_SECRET is required")
	}

	useSSL, err := parseBool("MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	cfg.MinioUseSSL = useSSL

	rate, err := parseFloat("EVENT_RATE", 10)
	if err != nil {
		return Config{}, err
	}
	cfg.EventRate = rate

	durations := []struct {
		key string
		def string
		dst *time.Duration
	}{
		{"TOKEN_TTL", "24h", &cfg.TokenTTL},
		{"REFRESH_TOKEN_TTL", "168h", &cfg.RefreshTTL},
		{"HEARTBEAT_INTERVAL", "30s", &cfg.HeartbeatInterval},
		{"OFFLINE_GRACE", "5s", &cfg.OfflineGrace},
		{"TYPING_TIMEOUT", "3s", &cfg.TypingTimeout},
		{"EDIT_WINDOW", "15m", &cfg.EditWindow},
		{"STORE_TIMEOUT", "5s", &cfg.StoreTimeout},
	}
	for _, d := range durations {
		v, err := parseDuration(d.key, d.def)
		if err != nil {
			return Config{}, err
		}
		if v <= 0 {
			return Config{}, fmt.Errorf("%s must be positive", d.key)
		}
		*d.dst = v
	}
	return cfg, nil
}

// UploadsEnabled reports whether an object store is configured.
func (c Config) UploadsEnabled() bool {
	return c.MinioEndpoint != ""
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func parseDuration(key, def string) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return dur, nil
}

func parseBool(key string, def bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func parseFloat(key string, def float64) (float64, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, raw)
	}
	return v, nil
}

func parseIntWithDefault(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}
