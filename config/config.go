package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Snowflake SnowflakeConfig `mapstructure:"snowflake"`
	Presence  PresenceConfig  `mapstructure:"presence"`
	Delivery  DeliveryConfig  `mapstructure:"delivery"`
	Outbox    OutboxConfig    `mapstructure:"outbox"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Sentry    SentryConfig    `mapstructure:"sentry"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // postgres | sqlite
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type NATSConfig struct {
	Servers       []string      `mapstructure:"servers"`
	Name          string        `mapstructure:"name"`
	User          string        `mapstructure:"user"`
	Password      string        `mapstructure:"password"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type SnowflakeConfig struct {
	DatacenterID int64 `mapstructure:"datacenter_id"`
	MachineID    int64 `mapstructure:"machine_id"`
}

type PresenceConfig struct {
	// 超过该窗口的持久化订阅不再视为在线
	Window time.Duration `mapstructure:"window"`
}

type DeliveryConfig struct {
	PushTimeout  time.Duration `mapstructure:"push_timeout"`
	OfflineTTL   time.Duration `mapstructure:"offline_ttl"`
	GroupReadTTL time.Duration `mapstructure:"group_read_ttl"`
	// 单条消息正文字节上限
	MaxBodyBytes int `mapstructure:"max_body_bytes"`
	// 发送成功后额外写一条 outbox 记录，供下游异步消费
	OutboxEnabled    bool   `mapstructure:"outbox_enabled"`
	OutboxExchange   string `mapstructure:"outbox_exchange"`
	OutboxRoutingKey string `mapstructure:"outbox_routing_key"`
}

type OutboxConfig struct {
	BatchSize    int           `mapstructure:"batch_size"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Workers      int           `mapstructure:"workers"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	BaseBackoff  time.Duration `mapstructure:"base_backoff"`
	MaxBackoff   time.Duration `mapstructure:"max_backoff"`
	Lease        time.Duration `mapstructure:"lease"`
}

type JWTConfig struct {
	Secret string `mapstructure:"secret"`
	Issuer string `mapstructure:"issuer"`
}

type RateLimitConfig struct {
	SendPerSecond float64 `mapstructure:"send_per_second"`
	Burst         int     `mapstructure:"burst"`
}

type SentryConfig struct {
	DSN         string `mapstructure:"dsn"`
	Environment string `mapstructure:"environment"`
}

type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.dsn", "host=localhost user=postgres password=postgres dbname=im port=5432 sslmode=disable")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.addr", "localhost:6379")

	v.SetDefault("nats.servers", []string{"nats://127.0.0.1:4222"})
	v.SetDefault("nats.name", "im-server")
	v.SetDefault("nats.reconnect_wait", 500*time.Millisecond)
	v.SetDefault("nats.timeout", 3*time.Second)

	v.SetDefault("snowflake.datacenter_id", 1)
	v.SetDefault("snowflake.machine_id", 1)

	v.SetDefault("presence.window", 24*time.Hour)

	v.SetDefault("delivery.push_timeout", 2*time.Second)
	v.SetDefault("delivery.offline_ttl", 7*24*time.Hour)
	v.SetDefault("delivery.group_read_ttl", 30*24*time.Hour)
	v.SetDefault("delivery.max_body_bytes", 64<<10)
	v.SetDefault("delivery.outbox_enabled", false)
	v.SetDefault("delivery.outbox_exchange", "im")
	v.SetDefault("delivery.outbox_routing_key", "message.created")

	v.SetDefault("outbox.batch_size", 64)
	v.SetDefault("outbox.poll_interval", 200*time.Millisecond)
	v.SetDefault("outbox.workers", 2)
	v.SetDefault("outbox.max_attempts", 8)
	v.SetDefault("outbox.base_backoff", time.Second)
	v.SetDefault("outbox.max_backoff", 5*time.Minute)
	v.SetDefault("outbox.lease", 30*time.Second)

	v.SetDefault("jwt.issuer", "im-server")

	v.SetDefault("ratelimit.send_per_second", 20.0)
	v.SetDefault("ratelimit.burst", 40)

	v.SetDefault("tracing.service_name", "im-server")
	v.SetDefault("tracing.sample_ratio", 1.0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load 读取 config.yaml（可选）并叠加 IM_ 前缀的环境变量。
// 配置文件路径可通过 IM_CONFIG 指定。
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("IM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return errors.New("database.dsn is required")
	}
	if c.Presence.Window <= 0 {
		return errors.New("presence.window must be positive")
	}
	if c.Delivery.OfflineTTL <= 0 {
		return errors.New("delivery.offline_ttl must be positive")
	}
	return nil
}
