package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// POSConfig carries the business defaults applied when an order does not
// specify its own: tax rate, currency, and the advisory customer credit
// limit used for UI warnings. Loaded from pos.yml and hot-reloaded so
// a tax change does not require restarting the till.
type POSConfig struct {
	Currency           string  `mapstructure:"currency"`
	DefaultTaxPercent  float64 `mapstructure:"defaultTaxPercent"`
	DefaultCreditLimit float64 `mapstructure:"defaultCreditLimit"`
	ReceiptFooter      string  `mapstructure:"receiptFooter"`
}

func DefaultPOSConfig() POSConfig {
	return POSConfig{
		Currency:           "USD",
		DefaultTaxPercent:  0,
		DefaultCreditLimit: 500,
	}
}

type POSConfigHolder struct {
	current atomic.Value // holds POSConfig
}

func NewPOSConfigHolder() (*POSConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("pos")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/tillside/config")
	v.AddConfigPath("/etc/tillside")
	v.AddConfigPath(".")

	v.SetEnvPrefix("TILLSIDE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		defaults := DefaultPOSConfig()
		v.SetDefault("pos.currency", defaults.Currency)
		v.SetDefault("pos.defaultTaxPercent", defaults.DefaultTaxPercent)
		v.SetDefault("pos.defaultCreditLimit", defaults.DefaultCreditLimit)
	}

	var cfg POSConfig
	if err := v.UnmarshalKey("pos", &cfg); err != nil {
		return nil, err
	}
	if err := validatePOSConfig(cfg); err != nil {
		return nil, err
	}

	holder := &POSConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated POSConfig
		if err := v.UnmarshalKey("pos", &updated); err != nil {
			log.Printf("[pos-config] reload failed: %v", err)
			return
		}
		if err := validatePOSConfig(updated); err != nil {
			log.Printf("[pos-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[pos-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *POSConfigHolder) Get() POSConfig {
	return h.current.Load().(POSConfig)
}

func validatePOSConfig(cfg POSConfig) error {
	if cfg.Currency == "" {
		return errors.New("pos.currency cannot be empty")
	}
	if cfg.DefaultTaxPercent < 0 || cfg.DefaultTaxPercent >= 100 {
		return errors.New("pos.defaultTaxPercent out of range")
	}
	return nil
}
