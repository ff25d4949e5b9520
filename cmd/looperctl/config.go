package main

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// serveConfig is the on-disk shape for looperctl.toml, following the
// same toml.DecodeFile-into-a-struct pattern the reference CLI uses for
// its own project manifest.
type serveConfig struct {
	Server serverConfig `toml:"server"`
	Timer  timerConfig  `toml:"timer"`
}

type serverConfig struct {
	Addr     string `toml:"addr"`
	Capacity int    `toml:"capacity"`
}

type timerConfig struct {
	IntervalMS int `toml:"interval_ms"`
}

func defaultConfig() serveConfig {
	return serveConfig{
		Server: serverConfig{Addr: "127.0.0.1:9191", Capacity: 128},
		Timer:  timerConfig{IntervalMS: 5000},
	}
}

func loadConfig(path string) (serveConfig, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return serveConfig{}, fmt.Errorf("decode config %s: %w", path, err)
	}
	return cfg, nil
}
