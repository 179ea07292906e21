package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/spf13/pflag"
)

var ErrEmptyConfigPath = errors.New("config path is empty")

type Config struct {
	Env          string          `yaml:"env" env-default:"local" env:"ENV"`
	Name         string          `yaml:"name" env:"NAME"`
	TickInterval time.Duration   `yaml:"tick_interval" env:"TICK_INTERVAL" env-default:"16ms"`
	Discovery    DiscoveryConfig `yaml:"discovery"`
	Server       ServerConfig    `yaml:"server"`
	Role         RoleConfig      `yaml:"role"`
	PeerBookPath string          `yaml:"peer_book_path" env:"PEER_BOOK_PATH"`
	MetricsAddr  string          `yaml:"metrics_addr" env:"METRICS_ADDR"`
	// файл, изменения которого рассылаются всем клиентам (только для сервера)
	BroadcastFile string `yaml:"broadcast_file" env:"BROADCAST_FILE"`
}

type DiscoveryConfig struct {
	Group    string        `yaml:"group" env:"DISCOVERY_GROUP" env-default:"239.255.255.250"`
	Port     int           `yaml:"port" env:"DISCOVERY_PORT" env-default:"47777"`
	Interval time.Duration `yaml:"interval" env:"DISCOVERY_INTERVAL" env-default:"1s"`
	Payload  string        `yaml:"payload" env:"DISCOVERY_PAYLOAD" env-default:"HELLO"`
	// Quiet отключает вывод диагностических сообщений воркеров
	Quiet bool `yaml:"quiet" env:"DISCOVERY_QUIET"`
}

type ServerConfig struct {
	Port int `yaml:"port" env:"SERVER_PORT" env-default:"9100"`
}

type RoleConfig struct {
	ForceClient bool `yaml:"force_client" env:"FORCE_CLIENT"`
	XRDevice    bool `yaml:"xr_device" env:"XR_DEVICE"`
	Mobile      bool `yaml:"mobile" env:"MOBILE"`
}

// Load читает конфигурацию из файла; переменные окружения перекрывают значения файла.
// Пустой путь означает "только окружение и значения по умолчанию".
func Load(configPath string) (*Config, error) {
	const op = "config.Load"

	var cfg Config

	if configPath == "" {
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, fmt.Errorf("%s: cannot read env: %w", op, err)
		}
		return &cfg, cfg.Validate()
	}

	// check if file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("%s: config file does not exist: %s", op, configPath)
	}

	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		return nil, fmt.Errorf("%s: cannot read config: %w", op, err)
	}

	return &cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	if c.Discovery.Port <= 0 || c.Discovery.Port > 65535 {
		return fmt.Errorf("invalid discovery port: %d", c.Discovery.Port)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Discovery.Interval <= 0 {
		return fmt.Errorf("invalid discovery interval: %s", c.Discovery.Interval)
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("invalid tick interval: %s", c.TickInterval)
	}
	return nil
}

// BindFlags регистрирует флаг --config для cobra-команд.
func BindFlags(fs *pflag.FlagSet, path *string) {
	fs.StringVarP(path, "config", "c", os.Getenv("CONFIG_PATH"), "path to config file")
}
