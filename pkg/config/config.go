// Путь: pkg/config/config.go
// Package config содержит конфигурацию релей-сервера.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

// Переменная окружения, перекрывающая порт из файла/дефолта.
const envPort = "WAVETALK_PORT"

// RelayConfig - настройки релей-сервера.
type RelayConfig struct {
	// Port - порт прослушивания. Сервер слушает на всех интерфейсах.
	Port int `toml:"port"`

	// Path - HTTP-путь websocket-эндпоинта.
	Path string `toml:"path"`
}

// LogConfig - настройки логирования.
type LogConfig struct {
	// Development включает человекочитаемый вывод zap вместо JSON.
	Development bool `toml:"development"`
}

// Config содержит конфигурацию приложения.
type Config struct {
	Relay RelayConfig `toml:"relay"`
	Log   LogConfig   `toml:"log"`
}

// DefaultConfig возвращает конфигурацию по умолчанию.
func DefaultConfig() *Config {
	return &Config{
		Relay: RelayConfig{
			Port: 3001,
			Path: "/ws",
		},
	}
}

// LoadConfig загружает конфигурацию: дефолты, затем TOML-файл (если путь
// непустой), затем переменные окружения. Окружение всегда побеждает.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("не удалось прочитать конфигурацию %s: %w", path, err)
		}
	}

	if raw := os.Getenv(envPort); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("неверный %s=%q: %w", envPort, raw, err)
		}
		cfg.Relay.Port = port
	}

	return cfg, nil
}

// Addr возвращает адрес прослушивания.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Relay.Port)
}
