package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// BillingPolicy holds the billing policy knobs that operators tune per deployment.
type BillingPolicy struct {
	TaxRate            float64 `mapstructure:"taxRate"`
	MaxFailedAttempts  int     `mapstructure:"maxFailedAttempts"`
	RetentionDays      int     `mapstructure:"retentionDays"`
	UsageWindowDays    int     `mapstructure:"usageWindowDays"`
	DefaultLowBalance  int64   `mapstructure:"defaultLowBalance"`
	DefaultTrialDays   int     `mapstructure:"defaultTrialDays"`
	DefaultCurrency    string  `mapstructure:"defaultCurrency"`
}

func DefaultBillingPolicy() BillingPolicy {
	return BillingPolicy{
		TaxRate:           0.18,
		MaxFailedAttempts: 3,
		RetentionDays:     90,
		UsageWindowDays:   30,
		DefaultLowBalance: 10,
		DefaultTrialDays:  14,
		DefaultCurrency:   "USD",
	}
}

// BillingPolicyHolder serves the current policy and hot-reloads it when the
// config file changes on disk.
type BillingPolicyHolder struct {
	current atomic.Value // holds BillingPolicy
}

func NewBillingPolicyHolder() (*BillingPolicyHolder, error) {
	v := viper.New()

	v.SetConfigName("billing")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/bolton/config")
	v.AddConfigPath("/etc/bolton")
	v.AddConfigPath(".")

	v.SetEnvPrefix("BOLTON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultBillingPolicy()
	v.SetDefault("billing.taxRate", defaults.TaxRate)
	v.SetDefault("billing.maxFailedAttempts", defaults.MaxFailedAttempts)
	v.SetDefault("billing.retentionDays", defaults.RetentionDays)
	v.SetDefault("billing.usageWindowDays", defaults.UsageWindowDays)
	v.SetDefault("billing.defaultLowBalance", defaults.DefaultLowBalance)
	v.SetDefault("billing.defaultTrialDays", defaults.DefaultTrialDays)
	v.SetDefault("billing.defaultCurrency", defaults.DefaultCurrency)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var policy BillingPolicy
	if err := v.UnmarshalKey("billing", &policy); err != nil {
		return nil, err
	}
	if err := validateBillingPolicy(policy); err != nil {
		return nil, err
	}

	holder := &BillingPolicyHolder{}
	holder.current.Store(policy)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated BillingPolicy
		if err := v.UnmarshalKey("billing", &updated); err != nil {
			log.Printf("[billing-policy] reload failed: %v", err)
			return
		}
		if err := validateBillingPolicy(updated); err != nil {
			log.Printf("[billing-policy] invalid policy ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[billing-policy] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *BillingPolicyHolder) Get() BillingPolicy {
	return h.current.Load().(BillingPolicy)
}

// NewStaticBillingPolicyHolder returns a holder pinned to the given policy.
// Intended for tests.
func NewStaticBillingPolicyHolder(policy BillingPolicy) *BillingPolicyHolder {
	holder := &BillingPolicyHolder{}
	holder.current.Store(policy)
	return holder
}

func validateBillingPolicy(policy BillingPolicy) error {
	if policy.TaxRate < 0 || policy.TaxRate >= 1 {
		return errors.New("billing.taxRate must be in [0, 1)")
	}
	if policy.MaxFailedAttempts <= 0 {
		return errors.New("billing.maxFailedAttempts must be positive")
	}
	if policy.RetentionDays <= 0 {
		return errors.New("billing.retentionDays must be positive")
	}
	if policy.UsageWindowDays <= 0 {
		return errors.New("billing.usageWindowDays must be positive")
	}
	return nil
}
