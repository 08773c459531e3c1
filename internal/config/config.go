package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Port                     string
	AllowedOrigin            string
	DatabaseURL              string
	RedisAddr                string
	RedisPassword            string
	RedisDB                  int
	StoreID                  string
	CatalogCacheTTLSeconds   int
	SuggestionTTLSeconds     int
	AuthSecret               string
	AccessTokenTTLMinutes    int
	ManagerPIN               string
	LoyaltyEarnPerPointCents int64
	LoyaltyPointValueCents   int64
	LogLevel                 string
	LogFormat                string
	MetricsNamespace         string
}

// Load reads the environment, after an optional .env file. Invalid numbers
// fall back to their defaults; security values are checked by the caller.
func Load() (Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return Config{}, fmt.Errorf("load env: %w", err)
	}

	cfg := Config{
		Port:                     valueOrDefault(k.String("PORT"), "8080"),
		AllowedOrigin:            valueOrDefault(k.String("ALLOWED_ORIGIN"), "http://127.0.0.1:3000"),
		DatabaseURL:              strings.TrimSpace(k.String("DATABASE_URL")),
		RedisAddr:                strings.TrimSpace(k.String("REDIS_ADDR")),
		RedisPassword:            k.String("REDIS_PASSWORD"),
		RedisDB:                  positiveInt(k.String("REDIS_DB"), 0, true),
		StoreID:                  valueOrDefault(k.String("DEFAULT_STORE_ID"), "main-store"),
		CatalogCacheTTLSeconds:   positiveInt(k.String("CATALOG_CACHE_TTL_SECONDS"), 60, false),
		SuggestionTTLSeconds:     positiveInt(k.String("SUGGESTION_TTL_SECONDS"), 20, false),
		AuthSecret:               strings.TrimSpace(k.String("AUTH_SECRET")),
		AccessTokenTTLMinutes:    positiveInt(k.String("ACCESS_TOKEN_TTL_MINUTES"), 480, false),
		ManagerPIN:               strings.TrimSpace(k.String("MANAGER_PIN")),
		LoyaltyEarnPerPointCents: int64(positiveInt(k.String("LOYALTY_EARN_PER_POINT_CENTS"), 10000, false)),
		LoyaltyPointValueCents:   int64(positiveInt(k.String("LOYALTY_POINT_VALUE_CENTS"), 100, false)),
		LogLevel:                 valueOrDefault(k.String("LOG_LEVEL"), "info"),
		LogFormat:                valueOrDefault(k.String("LOG_FORMAT"), "json"),
		MetricsNamespace:         valueOrDefault(k.String("METRICS_NAMESPACE"), "kasirinaja"),
	}

	return cfg, nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func valueOrDefault(value string, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func positiveInt(value string, fallback int, allowZero bool) int {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || n < 0 || (n == 0 && !allowZero) {
		return fallback
	}
	return n
}
