// Package config loads the typed Config struct every ambient and
// domain-stack component reads from (spec §6 "Environment"). Grounded in
// the teacher's reliance on environment-driven config, generalized from a
// hand-rolled .env loader to spf13/viper so list/nested keys
// (trading.pairs[], marketMaker.pairs[].*) bind naturally.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type PairConfig struct {
	Base         string `mapstructure:"base"`
	Quote        string `mapstructure:"quote"`
	MinOrderSize string `mapstructure:"minOrderSize"`
	MaxOrderSize string `mapstructure:"maxOrderSize"`
	PriceStep    string `mapstructure:"priceStep"`
	SizeStep     string `mapstructure:"sizeStep"`
	FeeMaker     string `mapstructure:"feeMaker"`
	FeeTaker     string `mapstructure:"feeTaker"`
}

type MarketMakerPairConfig struct {
	Pair           string  `mapstructure:"pair"`
	Spread         string  `mapstructure:"spread"`
	OrderSize      string  `mapstructure:"orderSize"`
	MaxOrders      int     `mapstructure:"maxOrders"`
	PriceDeviation string  `mapstructure:"priceDeviation"`
	Enabled        bool    `mapstructure:"enabled"`
	AllowSelfMatch bool    `mapstructure:"allowSelfMatch"`
}

type Config struct {
	Trading struct {
		Pairs     []PairConfig `mapstructure:"pairs"`
		FeeMaker  string       `mapstructure:"feeMaker"`
		FeeTaker  string       `mapstructure:"feeTaker"`
	} `mapstructure:"trading"`

	MarketMaker struct {
		Enabled      bool                    `mapstructure:"enabled"`
		Pairs        []MarketMakerPairConfig `mapstructure:"pairs"`
		SeedBalances map[string]string       `mapstructure:"seedBalances"`
	} `mapstructure:"marketMaker"`

	ExternalFeed struct {
		URL             string `mapstructure:"url"`
		PollIntervalMs  int    `mapstructure:"pollIntervalMs"`
		TTLMs           int    `mapstructure:"ttlMs"`
	} `mapstructure:"externalFeed"`

	Bus struct {
		MaxPerSessionQueue int `mapstructure:"maxPerSessionQueue"`
	} `mapstructure:"bus"`

	Persistence struct {
		URL string `mapstructure:"url"`
	} `mapstructure:"persistence"`

	Cache struct {
		URL string `mapstructure:"url"`
	} `mapstructure:"cache"`

	HTTP struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"http"`

	Auth struct {
		JWTSecret string `mapstructure:"jwtSecret"`
	} `mapstructure:"auth"`

	MigrationsDir string `mapstructure:"migrationsDir"`
}

// Load reads environment variables (SPOTEXCHANGE_ prefixed, nested keys
// joined by "_") and an optional config.yaml in the working directory.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.SetEnvPrefix("SPOTEXCHANGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("bus.maxPerSessionQueue", 256)
	v.SetDefault("externalFeed.pollIntervalMs", 5000)
	v.SetDefault("externalFeed.ttlMs", 15000)
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("migrationsDir", "migrations")
	v.SetDefault("trading.feeMaker", "0.001")
	v.SetDefault("trading.feeTaker", "0.001")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) ExternalFeedPollInterval() time.Duration {
	return time.Duration(c.ExternalFeed.PollIntervalMs) * time.Millisecond
}

func (c *Config) ExternalFeedTTL() time.Duration {
	return time.Duration(c.ExternalFeed.TTLMs) * time.Millisecond
}

func mustDecimal(s, fallback string) decimal.Decimal {
	if s == "" {
		s = fallback
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		d, err = decimal.NewFromString(fallback)
		if err != nil {
			return decimal.Zero
		}
	}
	return d
}

// Decimal parses a config string field, falling back to a default string
// if it's empty or malformed.
func Decimal(s, fallback string) decimal.Decimal {
	return mustDecimal(s, fallback)
}
