package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	MySQL     MySQLConfig     `mapstructure:"mysql"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Etcd      EtcdConfig      `mapstructure:"etcd"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	GitLab    GitLabConfig    `mapstructure:"gitlab"`
	Workers   WorkersConfig   `mapstructure:"workers"`
	Outbox    OutboxConfig    `mapstructure:"outbox"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Stream    StreamConfig    `mapstructure:"stream"`
	Auth      AuthConfig      `mapstructure:"auth"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Routing   RoutingConfig   `mapstructure:"routing"`
	Pricing   PricingConfig   `mapstructure:"pricing"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
}

type ServerConfig struct {
	Environment     string        `mapstructure:"environment"`
	Port            string        `mapstructure:"port"`
	CorsOrigins     []string      `mapstructure:"cors_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type MySQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type EtcdConfig struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// An empty URL disables the JetStream notifier.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	Stream        string `mapstructure:"stream"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// An empty token disables the chat notifier.
type TelegramConfig struct {
	Token  string `mapstructure:"token"`
	ChatID int64  `mapstructure:"chat_id"`
}

type GitLabConfig struct {
	WebhookSecret string        `mapstructure:"webhook_secret"`
	BaseURL       string        `mapstructure:"base_url"`
	Token         string        `mapstructure:"token"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type WorkersConfig struct {
	OutboxInterval    time.Duration `mapstructure:"outbox_interval"`
	OutboxBatchSize   int           `mapstructure:"outbox_batch_size"`
	OutboxLease       time.Duration `mapstructure:"outbox_lease"`
	SweepSchedule     string        `mapstructure:"sweep_schedule"`
	TaskTimeout       time.Duration `mapstructure:"task_timeout"`
	SchedulingTimeout time.Duration `mapstructure:"scheduling_timeout"`
	PromoteAfter      time.Duration `mapstructure:"promote_after"`
	SweepBatchSize    int           `mapstructure:"sweep_batch_size"`
	ServerExecutors   int           `mapstructure:"server_executors"`
}

type OutboxConfig struct {
	Mode           string        `mapstructure:"mode"` // "shadow" or "outbox"
	MaxAttempts    int           `mapstructure:"max_attempts"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay  time.Duration `mapstructure:"retry_max_delay"`
}

type DispatchConfig struct {
	Mode           string        `mapstructure:"mode"` // "kernel" or "legacy"
	MaxAttempts    int           `mapstructure:"max_attempts"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay  time.Duration `mapstructure:"retry_max_delay"`
}

type StreamConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HubBufferSize     int           `mapstructure:"hub_buffer_size"`
}

type AuthConfig struct {
	SigningKey       string        `mapstructure:"signing_key"`
	TaskTokenTTL     time.Duration `mapstructure:"task_token_ttl"`
	AccessTokenTTL   time.Duration `mapstructure:"access_token_ttl"`
	RefreshTokenTTL  time.Duration `mapstructure:"refresh_token_ttl"`
	OperatorUser     string        `mapstructure:"operator_user"`
	OperatorPassword string        `mapstructure:"operator_password"`
	ExecutorKeys     []string      `mapstructure:"executor_keys"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `mapstructure:"requests_per_second"`
}

type RoutingConfig struct {
	RulesFile    string   `mapstructure:"rules_file"`
	BotUsernames []string `mapstructure:"bot_usernames"`
}

type PricingConfig struct {
	InputPerMillion    float64 `mapstructure:"input_per_million"`
	OutputPerMillion   float64 `mapstructure:"output_per_million"`
	ThinkingPerMillion float64 `mapstructure:"thinking_per_million"`
}

// ExecutorConfig drives in-process execution of server-mode tasks. An empty
// command leaves those queues to external workers.
type ExecutorConfig struct {
	Command     string        `mapstructure:"command"`
	Args        []string      `mapstructure:"args"`
	Timeout     time.Duration `mapstructure:"timeout"`
	PollTimeout time.Duration `mapstructure:"poll_timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.environment", "dev")
	v.SetDefault("server.port", ":8080")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("redis.key_prefix", "taskorch")
	v.SetDefault("etcd.dial_timeout", 5*time.Second)
	v.SetDefault("nats.stream", "TASKORCH_EVENTS")
	v.SetDefault("nats.subject_prefix", "taskorch.events")
	v.SetDefault("gitlab.base_url", "https://gitlab.com")
	v.SetDefault("gitlab.timeout", 10*time.Second)
	v.SetDefault("workers.outbox_interval", 2*time.Second)
	v.SetDefault("workers.outbox_batch_size", 50)
	v.SetDefault("workers.outbox_lease", 30*time.Second)
	v.SetDefault("workers.sweep_schedule", "@every 1m")
	v.SetDefault("workers.task_timeout", 45*time.Minute)
	v.SetDefault("workers.scheduling_timeout", 2*time.Hour)
	v.SetDefault("workers.promote_after", 5*time.Minute)
	v.SetDefault("outbox.mode", "shadow")
	v.SetDefault("outbox.max_attempts", 8)
	v.SetDefault("outbox.retry_base_delay", 5*time.Second)
	v.SetDefault("outbox.retry_max_delay", 10*time.Minute)
	v.SetDefault("dispatch.mode", "kernel")
	v.SetDefault("dispatch.max_attempts", 3)
	v.SetDefault("dispatch.retry_base_delay", 30*time.Second)
	v.SetDefault("dispatch.retry_max_delay", 15*time.Minute)
	v.SetDefault("workers.sweep_batch_size", 100)
	v.SetDefault("stream.heartbeat_interval", 15*time.Second)
	v.SetDefault("stream.hub_buffer_size", 512)
	v.SetDefault("auth.task_token_ttl", 6*time.Hour)
	v.SetDefault("auth.access_token_ttl", 15*time.Minute)
	v.SetDefault("auth.refresh_token_ttl", 7*24*time.Hour)
	v.SetDefault("ratelimit.requests_per_second", 20)
	v.SetDefault("pricing.input_per_million", 3.0)
	v.SetDefault("pricing.output_per_million", 15.0)
	v.SetDefault("pricing.thinking_per_million", 15.0)
	v.SetDefault("executor.timeout", 30*time.Minute)
	v.SetDefault("executor.poll_timeout", 5*time.Second)
}

func Load() *Config {
	// .env is optional; real deployments inject env directly
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("TASKORCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			panic(err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(err)
	}

	return &cfg
}
