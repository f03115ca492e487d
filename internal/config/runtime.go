package config

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const runtimeKey = "reconcile"

// RuntimeConfig holds tuning values that can change without a restart.
type RuntimeConfig struct {
	Signature SignatureConfig `mapstructure:"signature"`
	Publish   PublishConfig   `mapstructure:"publish"`
	Outbox    OutboxConfig    `mapstructure:"outbox"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
}

type SignatureConfig struct {
	Tolerance time.Duration `mapstructure:"tolerance"`
}

type PublishConfig struct {
	EnqueueTimeout time.Duration `mapstructure:"enqueueTimeout"`
}

type OutboxConfig struct {
	PollInterval time.Duration `mapstructure:"pollInterval"`
	BatchSize    int           `mapstructure:"batchSize"`
	MaxAttempts  int           `mapstructure:"maxAttempts"`
	RetryBackoff time.Duration `mapstructure:"retryBackoff"`
	Grace        time.Duration `mapstructure:"grace"`
	LockTTL      time.Duration `mapstructure:"lockTTL"`
}

type RateLimitConfig struct {
	Rate  float64 `mapstructure:"rate"`
	Burst int     `mapstructure:"burst"`
}

func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		Signature: SignatureConfig{Tolerance: 5 * time.Minute},
		Publish:   PublishConfig{EnqueueTimeout: 2 * time.Second},
		Outbox: OutboxConfig{
			PollInterval: 5 * time.Second,
			BatchSize:    50,
			MaxAttempts:  10,
			RetryBackoff: 30 * time.Second,
			Grace:        30 * time.Second,
			LockTTL:      30 * time.Second,
		},
		RateLimit: RateLimitConfig{Rate: 50, Burst: 100},
	}
}

// RuntimeHolder serves the current RuntimeConfig and swaps it on file change.
type RuntimeHolder struct {
	current atomic.Value // holds RuntimeConfig
}

// NewStaticRuntimeHolder returns a holder that never reloads.
func NewStaticRuntimeHolder(cfg RuntimeConfig) *RuntimeHolder {
	holder := &RuntimeHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewRuntimeHolder(log *zap.Logger) (*RuntimeHolder, error) {
	return newRuntimeHolder(log, "/etc/paymentd", ".")
}

func newRuntimeHolder(log *zap.Logger, paths ...string) (*RuntimeHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("config.runtime")

	v := viper.New()
	v.SetConfigName("reconcile")
	v.SetConfigType("yml")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	v.SetEnvPrefix("PAYMENTD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setRuntimeDefaults(v, DefaultRuntimeConfig())

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileFound = false
	}

	cfg, err := decodeRuntimeConfig(v)
	if err != nil {
		return nil, err
	}

	holder := NewStaticRuntimeHolder(cfg)
	if !fileFound {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodeRuntimeConfig(v)
		if err != nil {
			log.Warn("invalid runtime config ignored", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("runtime config reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *RuntimeHolder) Get() RuntimeConfig {
	if h == nil {
		return DefaultRuntimeConfig()
	}
	return h.current.Load().(RuntimeConfig)
}

// decodeRuntimeConfig unmarshals the whole settings tree so keys absent from
// the file keep their registered defaults.
func decodeRuntimeConfig(v *viper.Viper) (RuntimeConfig, error) {
	var root struct {
		Reconcile RuntimeConfig `mapstructure:"reconcile"`
	}
	if err := v.Unmarshal(&root); err != nil {
		return RuntimeConfig{}, err
	}
	if err := validateRuntimeConfig(root.Reconcile); err != nil {
		return RuntimeConfig{}, err
	}
	return root.Reconcile, nil
}

func setRuntimeDefaults(v *viper.Viper, d RuntimeConfig) {
	v.SetDefault(runtimeKey+".signature.tolerance", d.Signature.Tolerance)
	v.SetDefault(runtimeKey+".publish.enqueueTimeout", d.Publish.EnqueueTimeout)
	v.SetDefault(runtimeKey+".outbox.pollInterval", d.Outbox.PollInterval)
	v.SetDefault(runtimeKey+".outbox.batchSize", d.Outbox.BatchSize)
	v.SetDefault(runtimeKey+".outbox.maxAttempts", d.Outbox.MaxAttempts)
	v.SetDefault(runtimeKey+".outbox.retryBackoff", d.Outbox.RetryBackoff)
	v.SetDefault(runtimeKey+".outbox.grace", d.Outbox.Grace)
	v.SetDefault(runtimeKey+".outbox.lockTTL", d.Outbox.LockTTL)
	v.SetDefault(runtimeKey+".ratelimit.rate", d.RateLimit.Rate)
	v.SetDefault(runtimeKey+".ratelimit.burst", d.RateLimit.Burst)
}

func validateRuntimeConfig(cfg RuntimeConfig) error {
	if cfg.Signature.Tolerance < 0 {
		return errors.New("signature.tolerance cannot be negative")
	}
	if cfg.Publish.EnqueueTimeout <= 0 {
		return errors.New("publish.enqueueTimeout must be positive")
	}
	if cfg.Outbox.PollInterval <= 0 {
		return errors.New("outbox.pollInterval must be positive")
	}
	if cfg.Outbox.BatchSize <= 0 {
		return errors.New("outbox.batchSize must be positive")
	}
	if cfg.Outbox.MaxAttempts <= 0 {
		return errors.New("outbox.maxAttempts must be positive")
	}
	if cfg.Outbox.LockTTL <= 0 {
		return errors.New("outbox.lockTTL must be positive")
	}
	if cfg.RateLimit.Rate <= 0 || cfg.RateLimit.Burst <= 0 {
		return errors.New("ratelimit.rate and ratelimit.burst must be positive")
	}
	return nil
}
