package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Brick   BrickConfig   `yaml:"brick"`
	Server  ServerConfig  `yaml:"server"`
	Bridge  BridgeConfig  `yaml:"bridge"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
	HomeKit HomeKitConfig `yaml:"homekit"`
	Status  StatusConfig  `yaml:"status"`
	Log     LogConfig     `yaml:"log"`
}

type BrickConfig struct {
	Address         string        `yaml:"address"`
	RunStateTimeout time.Duration `yaml:"run_state_timeout"`
}

type ServerConfig struct {
	Default string       `yaml:"default"`
	Custom  CustomServer `yaml:"custom"`
}

type BridgeConfig struct {
	Tick     time.Duration `yaml:"tick"`
	Firmware []string      `yaml:"firmware"`
}

type MQTTConfig struct {
	URL   string `yaml:"url"`
	Topic string `yaml:"topic"`
}

type HomeKitConfig struct {
	Dir  string `yaml:"dir"`
	Name string `yaml:"name"`
}

type StatusConfig struct {
	Listen string `yaml:"listen"`
}

type LogConfig struct {
	Debug bool `yaml:"debug"`
	JSON  bool `yaml:"json"`
}

func defaultConfig() *Config {
	return &Config{
		Brick: BrickConfig{
			Address:         DefaultBrickAddress,
			RunStateTimeout: DefaultRunStateTimeout,
		},
		Server: ServerConfig{
			Default: DefaultServerAddress,
		},
		Bridge: BridgeConfig{
			Tick:     DefaultTickInterval,
			Firmware: DefaultFirmware,
		},
		MQTT: MQTTConfig{
			Topic: DefaultMQTTTopic,
		},
		HomeKit: HomeKitConfig{
			Name: DefaultHomeKitName,
		},
		Status: StatusConfig{
			Listen: DefaultStatusListen,
		},
	}
}

// Load reads path over the defaults. Keys missing from the file keep their
// default value.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields the defaults.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return defaultConfig(), nil
	}
	return cfg, err
}

func (c *Config) Validate() error {
	if c.Brick.Address == "" {
		return errors.New("brick.address must not be empty")
	}
	if c.Server.Default == "" {
		return errors.New("server.default must not be empty")
	}
	if err := c.Server.Custom.Validate(); err != nil {
		return fmt.Errorf("server.custom: %w", err)
	}
	if c.Bridge.Tick <= 0 {
		return errors.New("bridge.tick must be positive")
	}
	if len(c.Bridge.Firmware) == 0 {
		return errors.New("bridge.firmware must list at least one artifact")
	}
	return nil
}
