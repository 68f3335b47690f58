package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/kyokole/photo-tool-pro-sub000/pkg/gateway/card"
	"github.com/kyokole/photo-tool-pro-sub000/pkg/ledger"
)

const envPrefix = "PHOTOCREDIT"

// Config is the process configuration. It is read from an optional YAML
// file, then PHOTOCREDIT_* environment variables, then defaults.
type Config struct {
	Server  ServerConfig    `mapstructure:"server"`
	Log     LogConfig       `mapstructure:"log"`
	Storage StorageConfig   `mapstructure:"storage"`
	Webhook WebhookConfig   `mapstructure:"webhook"`
	Auth    AuthConfig      `mapstructure:"auth"`
	Consume ConsumeConfig   `mapstructure:"consume"`
	Catalog []PackageConfig `mapstructure:"catalog" validate:"dive"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json console"`
}

type StorageConfig struct {
	Driver         string               `mapstructure:"driver" validate:"oneof=memory postgres redis firestore sqlite"`
	Postgres       PostgresConfig       `mapstructure:"postgres"`
	Redis          RedisConfig          `mapstructure:"redis"`
	Firestore      FirestoreConfig      `mapstructure:"firestore"`
	SQLite         SQLiteConfig         `mapstructure:"sqlite"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
}

type FirestoreConfig struct {
	ProjectID string `mapstructure:"project_id"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type CircuitBreakerConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	FailureThreshold int           `mapstructure:"failure_threshold" validate:"gte=0"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout" validate:"gte=0"`
}

type WebhookConfig struct {
	CardSecret   string        `mapstructure:"card_secret"`
	StripeSecret string        `mapstructure:"stripe_secret"`
	ManualToken  string        `mapstructure:"manual_token"`
	RateLimit    int           `mapstructure:"rate_limit" validate:"gte=0"`
	RateWindow   time.Duration `mapstructure:"rate_window" validate:"gt=0"`
	StrictAmount bool          `mapstructure:"strict_amount"`
}

type AuthConfig struct {
	// JWTSecret enables HS256 bearer tokens. When empty the account id is
	// taken from the X-Account-ID header.
	JWTSecret string `mapstructure:"jwt_secret"`
}

type ConsumeConfig struct {
	Cost int64 `mapstructure:"cost" validate:"gt=0"`
}

// PackageConfig is one catalog entry. Price is a decimal amount in major
// units, e.g. "4.99".
type PackageConfig struct {
	Code     string   `mapstructure:"code" validate:"required,alphanum"`
	Aliases  []string `mapstructure:"aliases"`
	Kind     string   `mapstructure:"kind" validate:"oneof=credit entitlement"`
	Quantity int64    `mapstructure:"quantity" validate:"gt=0"`
	Price    string   `mapstructure:"price" validate:"required"`
	Currency string   `mapstructure:"currency" validate:"required,len=3,alpha"`
	Name     string   `mapstructure:"name"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.postgres.dsn", "")
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.firestore.project_id", "")
	v.SetDefault("storage.sqlite.path", "photocredit.db")
	v.SetDefault("storage.circuit_breaker.enabled", false)
	v.SetDefault("storage.circuit_breaker.failure_threshold", 5)
	v.SetDefault("storage.circuit_breaker.reset_timeout", 30*time.Second)
	v.SetDefault("webhook.card_secret", "")
	v.SetDefault("webhook.stripe_secret", "")
	v.SetDefault("webhook.manual_token", "")
	v.SetDefault("webhook.rate_limit", 100)
	v.SetDefault("webhook.rate_window", time.Minute)
	v.SetDefault("webhook.strict_amount", false)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("consume.cost", 1)
}

// loadConfig reads configuration from path (optional) and the environment.
func loadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints and the settings the chosen driver needs.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	switch c.Storage.Driver {
	case "postgres":
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("invalid config: storage.postgres.dsn is required for the postgres driver")
		}
	case "redis":
		if c.Storage.Redis.Addr == "" {
			return fmt.Errorf("invalid config: storage.redis.addr is required for the redis driver")
		}
	case "firestore":
		if c.Storage.Firestore.ProjectID == "" {
			return fmt.Errorf("invalid config: storage.firestore.project_id is required for the firestore driver")
		}
	case "sqlite":
		if c.Storage.SQLite.Path == "" {
			return fmt.Errorf("invalid config: storage.sqlite.path is required for the sqlite driver")
		}
	}
	return nil
}

// BuildCatalog returns the configured catalog, or the built-in one when
// none is configured.
func (c *Config) BuildCatalog() (*ledger.Catalog, error) {
	if len(c.Catalog) == 0 {
		return ledger.DefaultCatalog(), nil
	}
	defs := make([]ledger.PackageDefinition, 0, len(c.Catalog))
	for _, p := range c.Catalog {
		amount, err := card.ParseAmount(p.Price, p.Currency)
		if err != nil {
			return nil, fmt.Errorf("catalog package %s: %w", p.Code, err)
		}
		defs = append(defs, ledger.PackageDefinition{
			Code:        p.Code,
			Aliases:     p.Aliases,
			Kind:        ledger.Kind(p.Kind),
			Quantity:    p.Quantity,
			Price:       amount.Minor,
			Currency:    amount.Currency,
			DisplayName: p.Name,
		})
	}
	return ledger.NewCatalog(defs...)
}
