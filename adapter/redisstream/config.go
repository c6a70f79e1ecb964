package redisstream

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xmq"
)

// Config for Redis Streams transport with production-grade settings.
type Config struct {
	// Connection
	Addr          string `env:"REDIS_ADDR"`
	Username      string `env:"REDIS_USERNAME"`
	Password      string `env:"REDIS_PASSWORD"`
	DB            int    `env:"REDIS_DB"`
	TLS           bool   `env:"REDIS_TLS"`
	TLSServerName string `env:"REDIS_TLS_SERVER_NAME"`

	// Layout
	Prefix     string `env:"STREAM_PREFIX"`
	Partitions int    `env:"STREAM_PARTITIONS"`

	// Consumer group
	Consumer    string        `env:"STREAM_CONSUMER"`
	Concurrency int           `env:"STREAM_CONCURRENCY"`
	BatchSize   int           `env:"STREAM_BATCH_SIZE"`
	Block       time.Duration `env:"STREAM_BLOCK"`
	AutoCreate  bool          `env:"STREAM_AUTO_CREATE"`
	StartID     string        `env:"STREAM_START_ID"`

	// Stream management
	AutoDeleteOnAck bool   `env:"STREAM_AUTO_DELETE_ON_ACK"`
	DeadLetter      string `env:"STREAM_DEAD_LETTER"`
	MaxLenApprox    int64  `env:"STREAM_MAX_LEN_APPROX"`
	// MaxRetries is the delivery count after which a nacked message goes to
	// DeadLetter. Without DeadLetter nacked messages stay pending forever.
	MaxRetries int `env:"STREAM_MAX_RETRIES"`

	// Pending entry recovery and redelivery of nacked messages
	ClaimMinIdle  time.Duration `env:"STREAM_CLAIM_MIN_IDLE"`
	ClaimBatch    int           `env:"STREAM_CLAIM_BATCH"`
	ClaimInterval time.Duration `env:"STREAM_CLAIM_INTERVAL"`

	// Orderly consumption
	OrderlyLease    time.Duration `env:"STREAM_ORDERLY_LEASE"`
	RedeliveryDelay time.Duration `env:"STREAM_REDELIVERY_DELAY"`

	// Delayed delivery
	DelayPollInterval time.Duration `env:"STREAM_DELAY_POLL_INTERVAL"`
	// TimeScale multiplies delay-level durations (tests).
	TimeScale float64 `env:"STREAM_TIME_SCALE"`

	// Transactions
	CheckInterval time.Duration `env:"STREAM_CHECK_INTERVAL"`
	MaxChecks     int           `env:"STREAM_MAX_CHECKS"`
	// Checker resolves half messages whose sending process no longer holds
	// their listener, e.g. after a restart.
	Checker xmq.TransactionListener `env:"-"`

	Logger *xlog.Logger `env:"-"`
}

// Defaults returns a Config with production-safe defaults.
func Defaults() Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "xmq"
	}

	return Config{
		Addr:              "127.0.0.1:6379",
		Partitions:        4,
		Consumer:          fmt.Sprintf("xmq-%s-%d", hostname, os.Getpid()),
		Concurrency:       8,
		BatchSize:         128,
		Block:             5 * time.Second,
		AutoCreate:        true,
		StartID:           "$",
		MaxRetries:        16,
		ClaimMinIdle:      30 * time.Second,
		ClaimBatch:        128,
		ClaimInterval:     15 * time.Second,
		OrderlyLease:      30 * time.Second,
		RedeliveryDelay:   time.Second,
		DelayPollInterval: 200 * time.Millisecond,
		TimeScale:         1,
		CheckInterval:     5 * time.Second,
		MaxChecks:         15,
	}
}

// Validate checks Config for production readiness.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("config: addr required")
	}
	if c.Consumer == "" {
		return fmt.Errorf("config: consumer required")
	}
	if c.Partitions < 1 {
		return fmt.Errorf("config: partitions must be >= 1, got %d", c.Partitions)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("config: concurrency must be >= 1, got %d", c.Concurrency)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("config: batch_size must be >= 1, got %d", c.BatchSize)
	}
	if c.Block <= 0 {
		return fmt.Errorf("config: block must be > 0, got %v", c.Block)
	}
	if c.ClaimMinIdle > 0 && c.ClaimInterval <= 0 {
		return fmt.Errorf("config: claim_interval must be > 0 if claim_min_idle is set")
	}
	if c.OrderlyLease <= 0 {
		return fmt.Errorf("config: orderly_lease must be > 0, got %v", c.OrderlyLease)
	}
	if c.DelayPollInterval <= 0 {
		return fmt.Errorf("config: delay_poll_interval must be > 0, got %v", c.DelayPollInterval)
	}
	if c.CheckInterval <= 0 {
		return fmt.Errorf("config: check_interval must be > 0, got %v", c.CheckInterval)
	}
	if c.MaxChecks < 1 {
		return fmt.Errorf("config: max_checks must be >= 1, got %d", c.MaxChecks)
	}
	return nil
}

// ConfigFromEnv overlays XMQ_-prefixed environment variables on Defaults.
func ConfigFromEnv() (Config, error) {
	c := Defaults()
	if err := env.ParseWithOptions(&c, env.Options{Prefix: "XMQ_"}); err != nil {
		return Config{}, fmt.Errorf("redisstream config: %w", err)
	}
	return c, c.Validate()
}

// toMap converts Config to generic map for transport factory.
func (c Config) toMap() map[string]any {
	m := map[string]any{
		"addr":                c.Addr,
		"username":            c.Username,
		"password":            c.Password,
		"db":                  c.DB,
		"tls":                 c.TLS,
		"tls_server_name":     c.TLSServerName,
		"prefix":              c.Prefix,
		"partitions":          c.Partitions,
		"consumer":            c.Consumer,
		"concurrency":         c.Concurrency,
		"batch_size":          c.BatchSize,
		"block":               c.Block,
		"auto_create":         c.AutoCreate,
		"start_id":            c.StartID,
		"auto_delete_on_ack":  c.AutoDeleteOnAck,
		"dead_letter":         c.DeadLetter,
		"max_len_approx":      c.MaxLenApprox,
		"max_retries":         c.MaxRetries,
		"claim_min_idle":      c.ClaimMinIdle,
		"claim_batch":         c.ClaimBatch,
		"claim_interval":      c.ClaimInterval,
		"orderly_lease":       c.OrderlyLease,
		"redelivery_delay":    c.RedeliveryDelay,
		"delay_poll_interval": c.DelayPollInterval,
		"time_scale":          c.TimeScale,
		"check_interval":      c.CheckInterval,
		"max_checks":          c.MaxChecks,
	}
	if c.Checker != nil {
		m["checker"] = c.Checker
	}
	if c.Logger != nil {
		m["logger"] = c.Logger
	}
	return m
}

// ConfigFromMap safely converts generic map to Config with defaults.
func ConfigFromMap(m map[string]any) Config {
	c := Defaults()

	str := func(k string, dst *string, allowEmpty bool) {
		if v, ok := m[k].(string); ok && (allowEmpty || v != "") {
			*dst = v
		}
	}
	posInt := func(k string, dst *int) {
		if v, ok := m[k].(int); ok && v > 0 {
			*dst = v
		}
	}
	dur := func(k string, dst *time.Duration, allowZero bool) {
		switch v := m[k].(type) {
		case time.Duration:
			if allowZero || v > 0 {
				*dst = v
			}
		case string:
			if p, err := time.ParseDuration(v); err == nil && (allowZero || p > 0) {
				*dst = p
			}
		}
	}
	boolean := func(k string, dst *bool) {
		if v, ok := m[k].(bool); ok {
			*dst = v
		}
	}

	str("addr", &c.Addr, false)
	str("username", &c.Username, true)
	str("password", &c.Password, true)
	if v, ok := m["db"].(int); ok {
		c.DB = v
	}
	boolean("tls", &c.TLS)
	str("tls_server_name", &c.TLSServerName, true)
	str("prefix", &c.Prefix, true)
	posInt("partitions", &c.Partitions)
	str("consumer", &c.Consumer, false)
	posInt("concurrency", &c.Concurrency)
	posInt("batch_size", &c.BatchSize)
	dur("block", &c.Block, false)
	boolean("auto_create", &c.AutoCreate)
	str("start_id", &c.StartID, false)
	boolean("auto_delete_on_ack", &c.AutoDeleteOnAck)
	str("dead_letter", &c.DeadLetter, true)
	if v, ok := m["max_len_approx"].(int64); ok && v > 0 {
		c.MaxLenApprox = v
	}
	posInt("max_retries", &c.MaxRetries)
	dur("claim_min_idle", &c.ClaimMinIdle, true)
	posInt("claim_batch", &c.ClaimBatch)
	dur("claim_interval", &c.ClaimInterval, false)
	dur("orderly_lease", &c.OrderlyLease, false)
	dur("redelivery_delay", &c.RedeliveryDelay, true)
	dur("delay_poll_interval", &c.DelayPollInterval, false)
	if v, ok := m["time_scale"].(float64); ok && v > 0 {
		c.TimeScale = v
	}
	dur("check_interval", &c.CheckInterval, false)
	posInt("max_checks", &c.MaxChecks)
	if v, ok := m["checker"].(xmq.TransactionListener); ok {
		c.Checker = v
	}
	if v, ok := m["logger"].(*xlog.Logger); ok {
		c.Logger = v
	}

	return c
}
