package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"server"`
	DB struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"db"`
	Executor struct {
		URL     string        `mapstructure:"url"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"executor"`
	Room struct {
		GracePeriod         time.Duration `mapstructure:"grace_period"`
		AutoCheckpointEvery int           `mapstructure:"auto_checkpoint_every"`
		CheckpointRetention int           `mapstructure:"checkpoint_retention"`
	} `mapstructure:"room"`
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
	} `mapstructure:"redis"`
	WS struct {
		MessagesPerSecond float64 `mapstructure:"messages_per_second"`
		MessageBurst      int     `mapstructure:"message_burst"`
	} `mapstructure:"ws"`
}

// Load reads config.yaml (or the file named by CODEROOM_CONFIG) and applies
// CODEROOM_* environment overrides on top of the defaults.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("server.port", 8080)
	v.SetDefault("db.path", "./data/coderoom.db")
	v.SetDefault("executor.url", "http://localhost:9090/execute")
	v.SetDefault("executor.timeout", 10*time.Second)
	v.SetDefault("room.grace_period", 30*time.Second)
	v.SetDefault("room.auto_checkpoint_every", 100)
	v.SetDefault("room.checkpoint_retention", 20)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("ws.messages_per_second", 100)
	v.SetDefault("ws.message_burst", 200)

	if path := os.Getenv("CODEROOM_CONFIG"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			// Running on pure defaults/env is fine; a broken file is not.
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("CODEROOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}
