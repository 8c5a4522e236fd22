package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/life-stream-dev/ghosttap-server/internal/utils"
	"github.com/spf13/viper"
)

const (
	DefaultConfigFile = "config.json"
	envPrefix         = "GHOSTTAP"
)

var ErrConfigCreated = errors.New("the configuration file does not exist and has been created. Please try again after editing the configuration file")

type DatabaseConfig struct {
	Enabled            bool   `json:"enabled" mapstructure:"enabled"`
	Host               string `json:"host" mapstructure:"host"`
	Port               uint64 `json:"port" mapstructure:"port"`
	Username           string `json:"username" mapstructure:"username"`
	Password           string `json:"password" mapstructure:"password"`
	Database           string `json:"database" mapstructure:"database"`
	UseTLS             bool   `json:"use_tls" mapstructure:"use_tls"`
	ConnectTimeout     string `json:"connect_timeout" mapstructure:"connect_timeout"`
	SocketTimeout      string `json:"socket_timeout" mapstructure:"socket_timeout"`
	ConnectIdleTimeout string `json:"connect_idle_timeout" mapstructure:"connect_idle_timeout"`
	OperationTimeout   string `json:"operation_timeout" mapstructure:"operation_timeout"`
	Heartbeat          string `json:"heartbeat" mapstructure:"heartbeat"`
	MinPoolSize        uint64 `json:"min_pool_size" mapstructure:"min_pool_size"`
	MaxPoolSize        uint64 `json:"max_pool_size" mapstructure:"max_pool_size"`
}

type AuthConfig struct {
	AllowedUsers []string `json:"allowed_users" mapstructure:"allowed_users"`
	Token        string   `json:"token" mapstructure:"token"`
}

type HeartbeatConfig struct {
	Interval string `json:"interval" mapstructure:"interval"`
	Timeout  string `json:"timeout" mapstructure:"timeout"`
}

type TaskConfig struct {
	Timeout               string `json:"timeout" mapstructure:"timeout"`
	PauseTimeout          string `json:"pause_timeout" mapstructure:"pause_timeout"`
	SweepInterval         string `json:"sweep_interval" mapstructure:"sweep_interval"`
	MaxSteps              int    `json:"max_steps" mapstructure:"max_steps"`
	MaxDecisionIterations int    `json:"max_decision_iterations" mapstructure:"max_decision_iterations"`
	FailureThreshold      int    `json:"failure_threshold" mapstructure:"failure_threshold"`
	WaitMs                int    `json:"wait_ms" mapstructure:"wait_ms"`
}

type ReconnectConfig struct {
	GracePeriod   string `json:"grace_period" mapstructure:"grace_period"`
	SweepInterval string `json:"sweep_interval" mapstructure:"sweep_interval"`
}

type ProviderConfig struct {
	BaseURL     string  `json:"base_url" mapstructure:"base_url"`
	APIKey      string  `json:"api_key" mapstructure:"api_key"`
	Model       string  `json:"model" mapstructure:"model"`
	Temperature float32 `json:"temperature" mapstructure:"temperature"`
	MaxTokens   int     `json:"max_tokens" mapstructure:"max_tokens"`
	Timeout     string  `json:"timeout" mapstructure:"timeout"`
	MaxRetries  int     `json:"max_retries" mapstructure:"max_retries"`
	BaseDelay   string  `json:"base_delay" mapstructure:"base_delay"`
	MaxDelay    string  `json:"max_delay" mapstructure:"max_delay"`
}

// PriceConfig 单位为每百万 token 的美元价格，使用字符串以避免浮点误差
type PriceConfig struct {
	InputPerMillion  string `json:"input_per_million" mapstructure:"input_per_million"`
	OutputPerMillion string `json:"output_per_million" mapstructure:"output_per_million"`
}

type CallbackConfig struct {
	Timeout string `json:"timeout" mapstructure:"timeout"`
}

type SessionConfig struct {
	RecentSize int    `json:"recent_size" mapstructure:"recent_size"`
	RecentTTL  string `json:"recent_ttl" mapstructure:"recent_ttl"`
}

type PersistConfig struct {
	QueueSize int `json:"queue_size" mapstructure:"queue_size"`
}

type Config struct {
	AppName          string                 `json:"app_name" mapstructure:"app_name"`
	DebugMode        bool                   `json:"debug_mode" mapstructure:"debug_mode"`
	Listen           string                 `json:"listen" mapstructure:"listen"`
	LogDir           string                 `json:"log_dir" mapstructure:"log_dir"`
	LogRetentionDays int                    `json:"log_retention_days" mapstructure:"log_retention_days"`
	Auth             AuthConfig             `json:"auth" mapstructure:"auth"`
	Heartbeat        HeartbeatConfig        `json:"heartbeat" mapstructure:"heartbeat"`
	Task             TaskConfig             `json:"task" mapstructure:"task"`
	Reconnect        ReconnectConfig        `json:"reconnect" mapstructure:"reconnect"`
	Provider         ProviderConfig         `json:"provider" mapstructure:"provider"`
	Pricing          map[string]PriceConfig `json:"pricing" mapstructure:"pricing"`
	Callback         CallbackConfig         `json:"callback" mapstructure:"callback"`
	Session          SessionConfig          `json:"session" mapstructure:"session"`
	Persist          PersistConfig          `json:"persist" mapstructure:"persist"`
	Database         DatabaseConfig         `json:"database" mapstructure:"database"`
}

// Default 返回所有配置项的默认值
func Default() *Config {
	return &Config{
		AppName:          "ghosttap-server",
		Listen:           ":8080",
		LogDir:           "logs",
		LogRetentionDays: 30,
		Auth:             AuthConfig{AllowedUsers: []string{}},
		Heartbeat: HeartbeatConfig{
			Interval: "30s",
			Timeout:  "5m",
		},
		Task: TaskConfig{
			Timeout:               "10m",
			PauseTimeout:          "5m",
			SweepInterval:         "1m",
			MaxSteps:              50,
			MaxDecisionIterations: 3,
			FailureThreshold:      3,
			WaitMs:                2000,
		},
		Reconnect: ReconnectConfig{
			GracePeriod:   "30s",
			SweepInterval: "5s",
		},
		Provider: ProviderConfig{
			BaseURL:     "https://api.openai.com/v1",
			Model:       "gpt-4o-mini",
			Temperature: 0.2,
			MaxTokens:   512,
			Timeout:     "60s",
			MaxRetries:  3,
			BaseDelay:   "1s",
			MaxDelay:    "10s",
		},
		Pricing: map[string]PriceConfig{
			"gpt-4o":      {InputPerMillion: "2.5", OutputPerMillion: "10"},
			"gpt-4o-mini": {InputPerMillion: "0.15", OutputPerMillion: "0.6"},
		},
		Callback: CallbackConfig{Timeout: "10s"},
		Session:  SessionConfig{RecentSize: 1024, RecentTTL: "1h"},
		Persist:  PersistConfig{QueueSize: 1024},
		Database: DatabaseConfig{
			Host:               "127.0.0.1",
			Port:               27017,
			Database:           "ghosttap",
			ConnectTimeout:     "10s",
			SocketTimeout:      "30s",
			ConnectIdleTimeout: "5m",
			OperationTimeout:   "5s",
			Heartbeat:          "10s",
			MinPoolSize:        1,
			MaxPoolSize:        20,
		},
	}
}

func setDefaults(v *viper.Viper, c *Config) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	var tree map[string]any
	if err := json.Unmarshal(data, &tree); err != nil {
		return err
	}
	flatten("", tree, v)
	return nil
}

func flatten(prefix string, tree map[string]any, v *viper.Viper) {
	for key, value := range tree {
		full := key
		if prefix != "" {
			full = prefix + "." + key
		}
		// pricing 是按模型名索引的表，整体作为默认值
		if nested, ok := value.(map[string]any); ok && full != "pricing" {
			flatten(full, nested, v)
			continue
		}
		v.SetDefault(full, value)
	}
}

// ReadConfig 读取配置文件；文件不存在时写出默认配置并返回 ErrConfigCreated
func ReadConfig(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigFile
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		data, _ := json.MarshalIndent(Default(), "", "\t")
		if writeErr := os.WriteFile(path, data, 0o644); writeErr != nil {
			return nil, fmt.Errorf("write default config: %w", writeErr)
		}
		return nil, ErrConfigCreated
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := setDefaults(v, Default()); err != nil {
		return nil, fmt.Errorf("set config defaults: %w", err)
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("the configuration file does not contain valid JSON: %w", err)
	}

	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	if c.HeartbeatInterval() >= c.HeartbeatTimeout() {
		return fmt.Errorf("heartbeat.interval (%s) must be shorter than heartbeat.timeout (%s)", c.Heartbeat.Interval, c.Heartbeat.Timeout)
	}
	if c.Task.MaxSteps <= 0 {
		return fmt.Errorf("task.max_steps must be positive, got %d", c.Task.MaxSteps)
	}
	if c.Task.MaxDecisionIterations <= 0 {
		return fmt.Errorf("task.max_decision_iterations must be positive, got %d", c.Task.MaxDecisionIterations)
	}
	if c.Task.FailureThreshold <= 0 {
		return fmt.Errorf("task.failure_threshold must be positive, got %d", c.Task.FailureThreshold)
	}
	for _, field := range []struct{ name, value string }{
		{"heartbeat.interval", c.Heartbeat.Interval},
		{"heartbeat.timeout", c.Heartbeat.Timeout},
		{"task.timeout", c.Task.Timeout},
		{"task.pause_timeout", c.Task.PauseTimeout},
		{"task.sweep_interval", c.Task.SweepInterval},
		{"reconnect.grace_period", c.Reconnect.GracePeriod},
		{"reconnect.sweep_interval", c.Reconnect.SweepInterval},
	} {
		if _, err := utils.ParseDuration(field.value); err != nil {
			return fmt.Errorf("%s: %w", field.name, err)
		}
	}
	return nil
}

func (c *Config) HeartbeatInterval() time.Duration {
	return utils.ParseStringTime(c.Heartbeat.Interval, 30*time.Second)
}

func (c *Config) HeartbeatTimeout() time.Duration {
	return utils.ParseStringTime(c.Heartbeat.Timeout, 5*time.Minute)
}

func (c *Config) TaskTimeout() time.Duration {
	return utils.ParseStringTime(c.Task.Timeout, 10*time.Minute)
}

func (c *Config) PauseTimeout() time.Duration {
	return utils.ParseStringTime(c.Task.PauseTimeout, 5*time.Minute)
}

func (c *Config) TaskSweepInterval() time.Duration {
	return utils.ParseStringTime(c.Task.SweepInterval, time.Minute)
}

func (c *Config) GracePeriod() time.Duration {
	return utils.ParseStringTime(c.Reconnect.GracePeriod, 30*time.Second)
}

func (c *Config) ReconnectSweepInterval() time.Duration {
	return utils.ParseStringTime(c.Reconnect.SweepInterval, 5*time.Second)
}

func (c *Config) ProviderTimeout() time.Duration {
	return utils.ParseStringTime(c.Provider.Timeout, 60*time.Second)
}

func (c *Config) ProviderBaseDelay() time.Duration {
	return utils.ParseStringTime(c.Provider.BaseDelay, time.Second)
}

func (c *Config) ProviderMaxDelay() time.Duration {
	return utils.ParseStringTime(c.Provider.MaxDelay, 10*time.Second)
}

func (c *Config) CallbackTimeout() time.Duration {
	return utils.ParseStringTime(c.Callback.Timeout, 10*time.Second)
}

func (c *Config) RecentTTL() time.Duration {
	return utils.ParseStringTime(c.Session.RecentTTL, time.Hour)
}
