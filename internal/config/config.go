package config

import (
	"errors"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all application configuration for exactly one market.
type Config struct {
	HTTPAddr     string
	MaxBookDepth int

	Market     MarketConfig
	Polymarket PolymarketConfig
	Kalshi     KalshiConfig
	Redis      RedisConfig
}

// MarketConfig labels the tracked question.
type MarketConfig struct {
	Question string
	Outcomes [2]string
}

// PolymarketConfig identifies the instrument on Polymarket.
type PolymarketConfig struct {
	WSURL       string
	ConditionID string
	YesTokenID  string
	NoTokenID   string
}

// KalshiConfig identifies the instrument on Kalshi plus optional signing
// credentials. Empty credentials demote the feed to poll mode.
type KalshiConfig struct {
	WSURL        string
	RESTBase     string
	EventTicker  string
	MarketTicker string
	APIKeyID     string
	PrivateKey   string // PEM, possibly with literal \n escapes
}

// RedisConfig enables the optional top-of-book mirror when Addr is set.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Load reads configuration from environment variables prefixed with
// ODDSLENS_.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ODDSLENS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("max_book_depth", 20)

	v.SetDefault("market.question", "Will JD Vance win the 2028 US Presidential Election?")
	v.SetDefault("market.outcome_yes", "Yes")
	v.SetDefault("market.outcome_no", "No")

	v.SetDefault("polymarket.ws_url", "wss://ws-subscriptions-clob.polymarket.com/ws/market")
	v.SetDefault("polymarket.condition_id",
		"0x7ad403c3508f8e3912940fd1a913f227591145ca0614074208e0b962d5fcc422")
	v.SetDefault("polymarket.yes_token_id",
		"16040015440196279900485035793550429453516625694844857319147506590755961451627")
	v.SetDefault("polymarket.no_token_id",
		"94476829201604408463453426454480212459887267917122244941405244686637914508323")

	v.SetDefault("kalshi.ws_url", "wss://api.elections.kalshi.com/trade-api/ws/v2")
	v.SetDefault("kalshi.rest_base", "https://api.elections.kalshi.com/trade-api/v2")
	v.SetDefault("kalshi.event_ticker", "KXPRESPERSON-28")
	v.SetDefault("kalshi.market_ticker", "KXPRESPERSON-28-JVAN")
	v.SetDefault("kalshi.api_key_id", "")
	v.SetDefault("kalshi.private_key", "")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	cfg := &Config{
		HTTPAddr:     v.GetString("http.addr"),
		MaxBookDepth: v.GetInt("max_book_depth"),
		Market: MarketConfig{
			Question: v.GetString("market.question"),
			Outcomes: [2]string{
				v.GetString("market.outcome_yes"),
				v.GetString("market.outcome_no"),
			},
		},
		Polymarket: PolymarketConfig{
			WSURL:       v.GetString("polymarket.ws_url"),
			ConditionID: v.GetString("polymarket.condition_id"),
			YesTokenID:  v.GetString("polymarket.yes_token_id"),
			NoTokenID:   v.GetString("polymarket.no_token_id"),
		},
		Kalshi: KalshiConfig{
			WSURL:        v.GetString("kalshi.ws_url"),
			RESTBase:     v.GetString("kalshi.rest_base"),
			EventTicker:  v.GetString("kalshi.event_ticker"),
			MarketTicker: v.GetString("kalshi.market_ticker"),
			APIKeyID:     v.GetString("kalshi.api_key_id"),
			PrivateKey:   v.GetString("kalshi.private_key"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
	}

	if cfg.Polymarket.YesTokenID == "" {
		return nil, errors.New("config: polymarket yes_token_id is required")
	}
	if cfg.Kalshi.MarketTicker == "" {
		return nil, errors.New("config: kalshi market_ticker is required")
	}
	if cfg.MaxBookDepth <= 0 {
		return nil, errors.New("config: max_book_depth must be positive")
	}

	return cfg, nil
}
