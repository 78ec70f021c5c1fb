// Package config loads the service configuration from the environment with an
// optional YAML overlay, and validates it before anything starts.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the full service configuration.
type Config struct {
	Env         string `mapstructure:"env" validate:"required"`
	ServiceName string `mapstructure:"service_name" validate:"required"`

	API      API      `mapstructure:"api"`
	Kafka    Kafka    `mapstructure:"kafka"`
	Postgres Postgres `mapstructure:"postgres"`
	Services Services `mapstructure:"services"`
	Flow     Flow     `mapstructure:"flow"`
	Watchdog Watchdog `mapstructure:"watchdog"`
	TTL      TTL      `mapstructure:"ttl"`
}

// API configures the HTTP surface.
type API struct {
	Host      string `mapstructure:"host"`
	Port      string `mapstructure:"port" validate:"required"`
	DebugPort string `mapstructure:"debug_port" validate:"required"`
}

// Addr returns the listen address.
func (a API) Addr() string { return a.Host + ":" + a.Port }

// Kafka configures the event bus.
type Kafka struct {
	Brokers               []string `mapstructure:"brokers" validate:"required,min=1"`
	GroupID               string   `mapstructure:"group_id" validate:"required"`
	TriggerExecutionTopic string   `mapstructure:"trigger_execution_topic" validate:"required"`
	LifeCycleTopic        string   `mapstructure:"lifecycle_topic" validate:"required"`
	NotificationsTopic    string   `mapstructure:"notifications_topic" validate:"required"`
}

// Postgres configures the record store.
type Postgres struct {
	DSN      string `mapstructure:"dsn" validate:"required"`
	MinConns int32  `mapstructure:"min_conns"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// Services holds the internal service base URLs the client facades call.
type Services struct {
	AuthURL        string        `mapstructure:"auth_url" validate:"required,url"`
	TenantURL      string        `mapstructure:"tenant_url" validate:"required,url"`
	AssetURL       string        `mapstructure:"asset_url" validate:"required,url"`
	PlanURL        string        `mapstructure:"plan_url" validate:"required,url"`
	ExecutionURL   string        `mapstructure:"execution_url" validate:"required,url"`
	SCMURL         string        `mapstructure:"scm_url" validate:"required,url"`
	GithubURL      string        `mapstructure:"github_url" validate:"required,url"`
	FeatureFlagURL string        `mapstructure:"feature_flag_url" validate:"required,url"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// Flow configures the enrichment flow driver.
type Flow struct {
	CallbackDeadline time.Duration `mapstructure:"callback_deadline"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
}

// Watchdog configures the PR watchdog inspection window and tick cadence.
type Watchdog struct {
	WindowStart  time.Duration `mapstructure:"window_start"`
	WindowEnd    time.Duration `mapstructure:"window_end"`
	TickInterval time.Duration `mapstructure:"tick_interval"`
}

// TTL bounds the idempotency claims and record retention.
type TTL struct {
	RerunClaim      time.Duration `mapstructure:"rerun_claim"`
	CompletionClaim time.Duration `mapstructure:"completion_claim"`
	PurgeInterval   time.Duration `mapstructure:"purge_interval"`
}

// Load reads configuration from TRIGGER_-prefixed environment variables, with
// an optional YAML file overlay when path is non-empty.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("env", "dev")
	v.SetDefault("service_name", "trigger-service")
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", "8080")
	v.SetDefault("api.debug_port", "6060")
	v.SetDefault("kafka.group_id", "trigger-service")
	v.SetDefault("kafka.trigger_execution_topic", "trigger-execution")
	v.SetDefault("kafka.lifecycle_topic", "jit-event-life-cycle")
	v.SetDefault("kafka.notifications_topic", "notifications")
	v.SetDefault("postgres.min_conns", 5)
	v.SetDefault("postgres.max_conns", 20)
	v.SetDefault("services.timeout", 10*time.Second)
	v.SetDefault("flow.callback_deadline", 10*time.Minute)
	v.SetDefault("flow.sweep_interval", time.Minute)
	v.SetDefault("watchdog.window_start", 15*time.Minute)
	v.SetDefault("watchdog.window_end", time.Hour)
	v.SetDefault("watchdog.tick_interval", 6*time.Minute)
	v.SetDefault("ttl.rerun_claim", 30*time.Second)
	v.SetDefault("ttl.completion_claim", time.Hour)
	v.SetDefault("ttl.purge_interval", time.Hour)

	v.SetEnvPrefix("TRIGGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}
