package lock

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/redis/go-redis/v9"
)

// Config describes the Redis endpoint of the lock service.
type Config struct {
	Addrs         []string      `env:"REDIS_ADDRS" envSeparator:","`
	Username      string        `env:"REDIS_USERNAME"`
	Password      string        `env:"REDIS_PASSWORD"`
	DB            int           `env:"REDIS_DB"`
	TLS           bool          `env:"REDIS_TLS"`
	TLSServerName string        `env:"REDIS_TLS_SERVER_NAME"`
	Prefix        string        `env:"LOCK_PREFIX"`
	RetryInterval time.Duration `env:"LOCK_RETRY_INTERVAL"`
}

// Defaults returns a Config pointing at a local Redis.
func Defaults() Config {
	return Config{
		Addrs:         []string{"127.0.0.1:6379"},
		Prefix:        DefaultPrefix,
		RetryInterval: DefaultRetryInterval,
	}
}

// Validate checks the config before a client is built.
func (c Config) Validate() error {
	if len(c.Addrs) == 0 {
		return fmt.Errorf("lock config: at least one redis addr required")
	}
	if c.RetryInterval <= 0 {
		return fmt.Errorf("lock config: retry_interval must be > 0, got %v", c.RetryInterval)
	}
	return nil
}

// ConfigFromEnv overlays XMQ_-prefixed environment variables on Defaults.
func ConfigFromEnv() (Config, error) {
	c := Defaults()
	if err := env.ParseWithOptions(&c, env.Options{Prefix: "XMQ_"}); err != nil {
		return Config{}, fmt.Errorf("lock config: %w", err)
	}
	return c, c.Validate()
}

// NewClient builds a universal client: a single node for one addr, a cluster
// client for several.
func (c Config) NewClient() redis.UniversalClient {
	opts := &redis.UniversalOptions{
		Addrs:    c.Addrs,
		Username: c.Username,
		Password: c.Password,
		DB:       c.DB,
	}
	if c.TLS {
		opts.TLSConfig = &tls.Config{
			ServerName: c.TLSServerName,
			MinVersion: tls.VersionTLS12,
		}
	}
	return redis.NewUniversalClient(opts)
}

// Options translates the config into manager options.
func (c Config) Options() []Option {
	return []Option{WithPrefix(c.Prefix), WithRetryInterval(c.RetryInterval)}
}
