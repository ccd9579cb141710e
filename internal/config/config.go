// Package config loads the tickertrail configuration from a YAML or JSON
// file, defaults and TICKERTRAIL_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Sternrassler/tickertrail/pkg/backfill"
	"github.com/Sternrassler/tickertrail/pkg/client"
	"github.com/Sternrassler/tickertrail/pkg/enrich"
	"github.com/Sternrassler/tickertrail/pkg/logging"
	"github.com/Sternrassler/tickertrail/pkg/notify"
	"github.com/Sternrassler/tickertrail/pkg/ratelimit"
	"github.com/Sternrassler/tickertrail/pkg/store"
	"github.com/Sternrassler/tickertrail/pkg/tracker"
)

// EnvPrefix prefixes every environment override, e.g. TICKERTRAIL_SERVER_ADDRESS.
const EnvPrefix = "TICKERTRAIL"

// Config holds all configuration of the tickertrail binary.
type Config struct {
	Server     ServerConfig                `mapstructure:"server"`
	Log        logging.Config              `mapstructure:"log"`
	Store      store.Config                `mapstructure:"store"`
	Redis      RedisConfig                 `mapstructure:"redis"`
	RateLimit  map[string]ratelimit.Config `mapstructure:"ratelimit"`
	Posts      client.Config               `mapstructure:"posts"`
	Classifier client.Config               `mapstructure:"classifier"`
	Prices     client.Config               `mapstructure:"prices"`
	PriceCache client.CacheTTL             `mapstructure:"price_cache"`
	Backfill   backfill.Config             `mapstructure:"backfill"`
	Enrich     enrich.Config               `mapstructure:"enrich"`
	Tracker    tracker.Config              `mapstructure:"tracker"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Validate checks the server settings.
func (s ServerConfig) Validate() error {
	if strings.TrimSpace(s.Address) == "" {
		return fmt.Errorf("server.address is required")
	}
	if s.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}
	return nil
}

// RedisConfig contains the Redis connection used for the price cache and
// the notification bus. When disabled, prices are not cached and events stay
// in process.
type RedisConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Addr          string `mapstructure:"addr"`
	Password      string `mapstructure:"password"`
	DB            int    `mapstructure:"db"`
	ChannelPrefix string `mapstructure:"channel_prefix"`
}

// Validate checks the Redis settings.
func (r RedisConfig) Validate() error {
	if r.Enabled && strings.TrimSpace(r.Addr) == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}
	if r.DB < 0 {
		return fmt.Errorf("redis.db cannot be negative")
	}
	return nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	var errs []error
	add := func(section string, err error) {
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", section, err))
		}
	}

	add("server", c.Server.Validate())
	add("store", c.Store.Validate())
	add("redis", c.Redis.Validate())
	add("posts", c.Posts.Validate())
	add("classifier", c.Classifier.Validate())
	add("prices", c.Prices.Validate())
	add("backfill", c.Backfill.Validate())
	add("enrich", c.Enrich.Validate())
	add("tracker", c.Tracker.Validate())

	for _, service := range []string{ratelimit.ServicePosts, ratelimit.ServiceClassifier, ratelimit.ServicePrices} {
		rl, ok := c.RateLimit[service]
		if !ok {
			errs = append(errs, fmt.Errorf("ratelimit.%s is required", service))
			continue
		}
		add("ratelimit."+service, rl.Validate())
	}
	if c.PriceCache.Historical < 0 || c.PriceCache.Latest < 0 {
		errs = append(errs, fmt.Errorf("price_cache TTLs cannot be negative"))
	}

	return errors.Join(errs...)
}

// SetDefaults registers the default of every key on v. Keys need a default to
// be overridable from the environment.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("log.level", string(logging.LevelInfo))
	v.SetDefault("log.pretty", false)

	sc := store.DefaultConfig()
	v.SetDefault("store.driver", sc.Driver)
	v.SetDefault("store.path", sc.Path)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel_prefix", notify.DefaultChannelPrefix)

	for service, rl := range map[string]ratelimit.Config{
		ratelimit.ServicePosts:      {Capacity: 10, Period: time.Second},
		ratelimit.ServiceClassifier: {Capacity: 5, Period: time.Second},
		ratelimit.ServicePrices:     {Capacity: 5, Period: time.Second},
	} {
		v.SetDefault("ratelimit."+service+".capacity", rl.Capacity)
		v.SetDefault("ratelimit."+service+".period", rl.Period)
	}

	for section, port := range map[string]int{"posts": 8081, "classifier": 8082, "prices": 8083} {
		cc := client.DefaultConfig(fmt.Sprintf("http://localhost:%d", port))
		v.SetDefault(section+".base_url", cc.BaseURL)
		v.SetDefault(section+".user_agent", cc.UserAgent)
		v.SetDefault(section+".timeout", cc.Timeout)
	}

	ttl := client.DefaultCacheTTL()
	v.SetDefault("price_cache.historical", ttl.Historical)
	v.SetDefault("price_cache.latest", ttl.Latest)

	bc := backfill.DefaultConfig()
	v.SetDefault("backfill.page_size", bc.PageSize)
	v.SetDefault("backfill.inter_page_delay", bc.InterPageDelay)
	v.SetDefault("backfill.retention_window", bc.RetentionWindow)

	ec := enrich.DefaultConfig()
	v.SetDefault("enrich.workers", ec.Workers)
	v.SetDefault("enrich.queue_size", ec.QueueSize)
	v.SetDefault("enrich.retry_timeout", ec.RetryTimeout)
	v.SetDefault("enrich.price_window", ec.PriceWindow)
	v.SetDefault("enrich.price_window_months", ec.PriceWindowMonths)

	tc := tracker.DefaultConfig()
	v.SetDefault("tracker.page_size", tc.PageSize)
	v.SetDefault("tracker.auto_backfill", tc.AutoBackfill)
}

// LoadConfig reads the configuration. With an empty path it looks for
// tickertrail.{yaml,json} in ./config and the working directory and falls back
// to defaults when none exists; an explicit path must exist.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if path == "" {
		v.SetConfigName("tickertrail")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
