// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/sirannon/sirannon/internal/domain"
)

// AppConfig wraps the loaded configuration and its viper instance so the
// config file can be watched for changes.
type AppConfig struct {
	Config *domain.Config

	mu    sync.Mutex
	viper *viper.Viper
}

// New loads configuration from configPath (when empty, from config.toml in
// the working directory or ~/.config/sirannon, else the defaults),
// applies environment overrides with the SIRANNON__ prefix and starts
// watching the file for dynamic settings.
func New(configPath, version string) (*AppConfig, error) {
	c := &AppConfig{
		Config: &domain.Config{Version: version},
		viper:  viper.New(),
	}

	c.defaults()

	c.viper.SetEnvPrefix("SIRANNON_")
	c.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	c.viper.AutomaticEnv()

	if configPath != "" {
		c.viper.SetConfigFile(configPath)
	} else {
		c.viper.SetConfigName("config")
		c.viper.SetConfigType("toml")
		c.viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			c.viper.AddConfigPath(filepath.Join(home, ".config", "sirannon"))
		}
	}

	if err := c.viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// No file found: defaults plus environment are enough.
	}

	if err := c.viper.Unmarshal(c.Config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	c.watch()
	return c, nil
}

func (c *AppConfig) defaults() {
	c.viper.SetDefault("host", "localhost")
	c.viper.SetDefault("port", 4000)
	c.viper.SetDefault("logLevel", "info")
	c.viper.SetDefault("logMaxSize", 50)
	c.viper.SetDefault("logMaxBackups", 3)
	c.viper.SetDefault("dataDir", ".")
	c.viper.SetDefault("backupKeep", 5)
	c.viper.SetDefault("pollIntervalMs", 100)
	c.viper.SetDefault("metricsEnabled", false)
}

// watch applies dynamic settings when the config file changes. Only the log
// level is dynamic; everything else requires a restart.
func (c *AppConfig) watch() {
	if c.viper.ConfigFileUsed() == "" {
		return
	}

	c.viper.OnConfigChange(func(e fsnotify.Event) {
		c.mu.Lock()
		defer c.mu.Unlock()

		if err := c.viper.ReadInConfig(); err != nil {
			log.Warn().Err(err).Msg("config reload failed")
			return
		}

		level := c.viper.GetString("logLevel")
		if lvl, err := zerolog.ParseLevel(level); err == nil {
			zerolog.SetGlobalLevel(lvl)
			c.Config.LogLevel = level
			log.Info().Str("logLevel", level).Msg("config reloaded")
		}
	})
	c.viper.WatchConfig()
}
