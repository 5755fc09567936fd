package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/walletmesh/coordinator/internal/logging"
)

type Config struct {
	LogFormat  logging.LogFormat `mapstructure:"log_format" json:"log_format,omitempty"`
	Server     ServerConfig      `mapstructure:"server" json:"server,omitempty"`
	Redis      RedisConfig       `mapstructure:"redis" json:"redis,omitempty"`
	Watcher    WatcherConfig     `mapstructure:"watcher" json:"watcher,omitempty"`
	Flashbots  FlashbotsConfig   `mapstructure:"flashbots" json:"flashbots,omitempty"`
	Quoting    QuotingConfig     `mapstructure:"quoting" json:"quoting,omitempty"`
	Pairing    PairingConfig     `mapstructure:"pairing" json:"pairing,omitempty"`
	ChainsFile string            `mapstructure:"chains_file" json:"chains_file,omitempty"`
}

type ServerConfig struct {
	Host        string `mapstructure:"host" json:"host,omitempty"`
	Port        int64  `mapstructure:"port" json:"port,omitempty" validate:"required"`
	MetricsPort int    `mapstructure:"metrics_port" json:"metrics_port,omitempty"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host" json:"host,omitempty" validate:"required"`
	Port     string `mapstructure:"port" json:"port,omitempty" validate:"required"`
	User     string `mapstructure:"user" json:"user,omitempty"`
	Password string `mapstructure:"password" json:"password,omitempty"`
	DB       int    `mapstructure:"db" json:"db,omitempty"`
}

func (r RedisConfig) Addr() string {
	return r.Host + ":" + r.Port
}

type WatcherConfig struct {
	ReplayConcurrency int           `mapstructure:"replay_concurrency" json:"replay_concurrency,omitempty"`
	ReceiptPoll       time.Duration `mapstructure:"receipt_poll" json:"receipt_poll,omitempty"`
}

type FlashbotsConfig struct {
	StatusURL    string        `mapstructure:"status_url" json:"status_url,omitempty"`
	PollInterval time.Duration `mapstructure:"poll_interval" json:"poll_interval,omitempty"`
}

type QuotingConfig struct {
	BaseURL string        `mapstructure:"base_url" json:"base_url,omitempty"`
	Timeout time.Duration `mapstructure:"timeout" json:"timeout,omitempty"`
}

type PairingConfig struct {
	// BatchedCallsEnabled gates the EIP-5792 methods end to end.
	BatchedCallsEnabled bool `mapstructure:"batched_calls_enabled" json:"batched_calls_enabled,omitempty"`
}

func GetConfigure() (*Config, error) {
	configName := os.Getenv("WM_COORDINATOR_CONFIG_NAME")
	if configName == "" {
		configName = "config"
	}
	return ReadConfig(configName)
}

func ReadConfig(configName string) (*Config, error) {
	viper.SetConfigName(configName)
	viper.AddConfigPath(".")
	viper.AutomaticEnv()

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.metrics_port", 9090)
	viper.SetDefault("watcher.replay_concurrency", 8)
	viper.SetDefault("watcher.receipt_poll", 4*time.Second)
	viper.SetDefault("flashbots.status_url", "https://protect.flashbots.net/tx")
	viper.SetDefault("flashbots.poll_interval", 5*time.Second)
	viper.SetDefault("quoting.timeout", 30*time.Second)
	viper.SetDefault("chains_file", "chains.yaml")

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("fail to reading config file, %w", err)
	}
	var cfg Config
	err := viper.Unmarshal(&cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to decode into struct, %w", err)
	}

	err = validator.New().Struct(&cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
