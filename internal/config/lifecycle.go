package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// RetryPolicyConfig is the backoff policy applied to one plan tier.
type RetryPolicyConfig struct {
	BackoffBase time.Duration `mapstructure:"backoffBase"`
	MaxInterval time.Duration `mapstructure:"maxInterval"`
	JitterRatio float64       `mapstructure:"jitterRatio"`
}

// LifecycleConfig carries the tunables of the billing lifecycle engine.
type LifecycleConfig struct {
	MaxRetryAttempts     int                          `mapstructure:"maxRetryAttempts"`
	DunningMaxSteps      int                          `mapstructure:"dunningMaxSteps"`
	SuspendAfter         time.Duration                `mapstructure:"suspendAfter"`
	DeleteAfter          time.Duration                `mapstructure:"deleteAfter"`
	WinBackGraceWindow   time.Duration                `mapstructure:"winBackGraceWindow"`
	WinBackOfferInterval time.Duration                `mapstructure:"winBackOfferInterval"`
	GatewayTimeout       time.Duration                `mapstructure:"gatewayTimeout"`
	RetryPolicies        map[string]RetryPolicyConfig `mapstructure:"retryPolicies"`
}

const DefaultRetryPolicyKey = "default"

func DefaultLifecycleConfig() LifecycleConfig {
	return LifecycleConfig{
		MaxRetryAttempts:     4,
		DunningMaxSteps:      4,
		SuspendAfter:         21 * 24 * time.Hour,
		DeleteAfter:          90 * 24 * time.Hour,
		WinBackGraceWindow:   14 * 24 * time.Hour,
		WinBackOfferInterval: 7 * 24 * time.Hour,
		GatewayTimeout:       15 * time.Second,
		RetryPolicies: map[string]RetryPolicyConfig{
			DefaultRetryPolicyKey: {BackoffBase: 24 * time.Hour, MaxInterval: 7 * 24 * time.Hour, JitterRatio: 0.1},
			"enterprise":          {BackoffBase: 12 * time.Hour, MaxInterval: 3 * 24 * time.Hour, JitterRatio: 0.1},
		},
	}
}

// WithDefaults fills zero values from DefaultLifecycleConfig.
func (c LifecycleConfig) WithDefaults() LifecycleConfig {
	defaults := DefaultLifecycleConfig()
	if c.MaxRetryAttempts <= 0 {
		c.MaxRetryAttempts = defaults.MaxRetryAttempts
	}
	if c.DunningMaxSteps <= 0 {
		c.DunningMaxSteps = defaults.DunningMaxSteps
	}
	if c.SuspendAfter <= 0 {
		c.SuspendAfter = defaults.SuspendAfter
	}
	if c.DeleteAfter <= 0 {
		c.DeleteAfter = defaults.DeleteAfter
	}
	if c.WinBackGraceWindow <= 0 {
		c.WinBackGraceWindow = defaults.WinBackGraceWindow
	}
	if c.WinBackOfferInterval <= 0 {
		c.WinBackOfferInterval = defaults.WinBackOfferInterval
	}
	if c.GatewayTimeout <= 0 {
		c.GatewayTimeout = defaults.GatewayTimeout
	}
	if len(c.RetryPolicies) == 0 {
		c.RetryPolicies = defaults.RetryPolicies
	}
	if _, ok := c.RetryPolicies[DefaultRetryPolicyKey]; !ok {
		policies := make(map[string]RetryPolicyConfig, len(c.RetryPolicies)+1)
		for k, v := range c.RetryPolicies {
			policies[k] = v
		}
		policies[DefaultRetryPolicyKey] = defaults.RetryPolicies[DefaultRetryPolicyKey]
		c.RetryPolicies = policies
	}
	return c
}

// LifecycleConfigHolder serves the current LifecycleConfig and swaps it on file change.
type LifecycleConfigHolder struct {
	current atomic.Value // holds LifecycleConfig
}

// StaticLifecycleConfig wraps a fixed config, mostly for tests.
func StaticLifecycleConfig(cfg LifecycleConfig) *LifecycleConfigHolder {
	holder := &LifecycleConfigHolder{}
	holder.current.Store(cfg.WithDefaults())
	return holder
}

func NewLifecycleConfigHolder(appCfg Config, log *zap.Logger) (*LifecycleConfigHolder, error) {
	v := viper.New()

	if appCfg.LifecycleFile != "" {
		v.SetConfigFile(appCfg.LifecycleFile)
	} else {
		v.SetConfigName("lifecycle")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/dunningd")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("DUNNINGD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		return StaticLifecycleConfig(DefaultLifecycleConfig()), nil
	}

	cfg, err := decodeLifecycle(v)
	if err != nil {
		return nil, err
	}

	holder := &LifecycleConfigHolder{}
	holder.current.Store(cfg)

	log = log.Named("config.lifecycle")
	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodeLifecycle(v)
		if err != nil {
			log.Warn("lifecycle config reload rejected", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("lifecycle config reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *LifecycleConfigHolder) Get() LifecycleConfig {
	if h == nil {
		return DefaultLifecycleConfig()
	}
	cfg, ok := h.current.Load().(LifecycleConfig)
	if !ok {
		return DefaultLifecycleConfig()
	}
	return cfg
}

func decodeLifecycle(v *viper.Viper) (LifecycleConfig, error) {
	var cfg LifecycleConfig
	if err := v.UnmarshalKey("lifecycle", &cfg); err != nil {
		return LifecycleConfig{}, err
	}
	cfg = cfg.WithDefaults()
	if err := validateLifecycleConfig(cfg); err != nil {
		return LifecycleConfig{}, err
	}
	return cfg, nil
}

func validateLifecycleConfig(cfg LifecycleConfig) error {
	for tier, policy := range cfg.RetryPolicies {
		if policy.BackoffBase <= 0 {
			return fmt.Errorf("lifecycle.retryPolicies.%s.backoffBase must be positive", tier)
		}
		if policy.MaxInterval > 0 && policy.MaxInterval < policy.BackoffBase {
			return fmt.Errorf("lifecycle.retryPolicies.%s.maxInterval must not be below backoffBase", tier)
		}
		if policy.JitterRatio < 0 || policy.JitterRatio > 1 {
			return fmt.Errorf("lifecycle.retryPolicies.%s.jitterRatio must be within [0,1]", tier)
		}
	}
	if cfg.WinBackGraceWindow >= cfg.DeleteAfter {
		return errors.New("lifecycle.winBackGraceWindow must be shorter than deleteAfter")
	}
	return nil
}
