package main

import (
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Port      int      `yaml:"port" env:"PORT"`
	Origin    string   `yaml:"origin" env:"ORIGIN_URL"`
	DB        string   `yaml:"db" env:"DB_FILE"`
	APIPrefix string   `yaml:"apiPrefix" env:"API_PREFIX"`
	Version   string   `yaml:"version" env:"CACHE_VERSION"`
	Precache  []string `yaml:"precache"`
	Shell     string   `yaml:"shell" env:"SHELL_PATH"`
	Sync      Sync     `yaml:"sync"`
}

type Sync struct {
	// Interval between connectivity probes.
	ProbeInterval time.Duration `yaml:"probeInterval" env:"SYNC_PROBE_INTERVAL"`
	// Enable best-effort periodic draining of the offline queue.
	Periodic bool `yaml:"periodic" env:"SYNC_PERIODIC"`
	// Interval between periodic drains, floored at 5 minutes.
	PeriodicInterval time.Duration `yaml:"periodicInterval" env:"SYNC_PERIODIC_INTERVAL"`
}

// getConfig loads the yaml config file (if given) and applies environment
// overrides on top.
func getConfig(filename string) (Config, error) {
	config := Config{
		Port: 8080,
		DB:   "offline-cache.db",
		Sync: Sync{ProbeInterval: 10 * time.Second},
	}
	if filename != "" {
		configBytes, err := os.ReadFile(filename)
		if err != nil {
			return config, err
		}
		if err := yaml.Unmarshal(configBytes, &config); err != nil {
			return config, err
		}
	}
	err := env.Parse(&config)
	return config, err
}
