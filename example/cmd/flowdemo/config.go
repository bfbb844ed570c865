package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type (
	// Config drives the demo: which broker carries the lifecycle events and
	// what order runs through the process.
	Config struct {
		// Bus selects the broker adapter: "none", "pulse" or "nats".
		Bus   string      `yaml:"bus"`
		Redis RedisConfig `yaml:"redis"`
		NATS  NATSConfig  `yaml:"nats"`
		Order OrderConfig `yaml:"order"`
		// Reviewer and Supervisor are assigned the review task and its
		// escalation.
		Reviewer   string `yaml:"reviewer"`
		Supervisor string `yaml:"supervisor"`
	}

	// RedisConfig locates the Redis instance backing the Pulse bus.
	RedisConfig struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
	}

	// NATSConfig locates the NATS server.
	NATSConfig struct {
		URL string `yaml:"url"`
	}

	// OrderConfig is the order the demo starts.
	OrderConfig struct {
		Amount   int    `yaml:"amount"`
		Customer string `yaml:"customer"`
	}
)

// defaultConfig runs the demo standalone, without any broker.
func defaultConfig() Config {
	return Config{
		Bus:        "none",
		Redis:      RedisConfig{Addr: "localhost:6379"},
		NATS:       NATSConfig{URL: "nats://localhost:4222"},
		Order:      OrderConfig{Amount: 2500, Customer: "acme"},
		Reviewer:   "alice",
		Supervisor: "bob",
	}
}

// loadConfig reads the YAML config file over the defaults. An empty path
// returns the defaults unchanged.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}
