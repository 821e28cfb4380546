package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// LoadServicesConfig loads the subsystem toggle configuration from configs/services.yaml.
func LoadServicesConfig() (*ServicesConfig, error) {
	return LoadServicesConfigFromPath(filepath.Join("configs", "services.yaml"))
}

// LoadServicesConfigFromPath loads the subsystem toggle configuration from a specific path.
func LoadServicesConfigFromPath(path string) (*ServicesConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read services config: %w", err)
	}

	var cfg ServicesConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse services config: %w", err)
	}

	for id, settings := range cfg.Services {
		if settings.Port == 0 {
			return nil, fmt.Errorf("service %s: port is required", id)
		}
	}

	return &cfg, nil
}

// LoadServicesConfigOrDefault loads the subsystem config or returns the default if the file
// is absent — e.g. in a test binary that never mounts configs/services.yaml.
func LoadServicesConfigOrDefault() *ServicesConfig {
	cfg, err := LoadServicesConfig()
	if err != nil {
		return DefaultServicesConfig()
	}
	return cfg
}

// DefaultServicesConfig returns the default subsystem configuration: the HTTP query surface,
// the WebSocket observer feed, and the Prometheus metrics endpoint, all enabled.
func DefaultServicesConfig() *ServicesConfig {
	return &ServicesConfig{
		Services: map[string]*ServiceSettings{
			"httpapi": {
				Enabled:     true,
				Port:        8080,
				Description: "HMI query surface (signals, point machines, routes)",
			},
			"observer": {
				Enabled:     true,
				Port:        8081,
				Description: "WebSocket observer feed for HMI event subscriptions",
			},
			"metrics": {
				Enabled:     true,
				Port:        9090,
				Description: "Prometheus scrape endpoint",
			},
		},
	}
}
