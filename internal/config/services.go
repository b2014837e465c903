package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// LoadServicesConfig loads the per-role configuration from
// config/environments.yaml.
func LoadServicesConfig() (*ServicesConfig, error) {
	return LoadServicesConfigFromPath(filepath.Join("config", "environments.yaml"))
}

// LoadServicesConfigFromPath loads the services configuration from a specific path.
func LoadServicesConfigFromPath(path string) (*ServicesConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read environments config: %w", err)
	}

	var cfg ServicesConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse environments config: %w", err)
	}

	for id, settings := range cfg.Services {
		if settings.Port == 0 {
			return nil, fmt.Errorf("role %s: port is required", id)
		}
	}

	return &cfg, nil
}

// LoadServicesConfigOrDefault loads the environments config, or returns the
// built-in default (all three roles enabled) if the file is absent.
func LoadServicesConfigOrDefault() *ServicesConfig {
	cfg, err := LoadServicesConfig()
	if err != nil {
		return DefaultServicesConfig()
	}
	return cfg
}

// DefaultServicesConfig returns the default environments configuration: all
// three roles enabled with their standard health/metrics ports.
func DefaultServicesConfig() *ServicesConfig {
	return &ServicesConfig{
		Services: map[string]*ServiceSettings{
			RoleWorker: {
				Enabled:     true,
				Port:        8091,
				Description: "Camunda external-task worker: fetchAndLock/complete/failure bridge to the queue",
			},
			RoleTaskCreator: {
				Enabled:     true,
				Port:        8092,
				Description: "Queue consumer that creates downstream tasks from external-task messages",
			},
			RoleTracker: {
				Enabled:     true,
				Port:        8093,
				Description: "Polls downstream task completion and reports back to the engine",
			},
		},
	}
}

// Role identifiers, used as map keys in ServicesConfig.Services and as the
// process ID passed to service.NewBase / the singleton lock file name.
const (
	RoleWorker      = "worker"
	RoleTaskCreator = "task-creator"
	RoleTracker     = "tracker"
)
