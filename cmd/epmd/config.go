package main

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Config of the standalone EPMD daemon. All fields are optional;
// command line flags override the file.
type Config struct {
	// Host to listen on
	Host string `toml:"host"`

	// Port to listen on
	Port uint16 `toml:"port"`

	// Trace enables protocol trace logging
	Trace bool `toml:"trace"`
}

func defaultConfig() Config {
	return Config{
		Host: "0.0.0.0",
		Port: 4369,
	}
}

func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); err != nil {
		return cfg, fmt.Errorf("config file %q: %w", path, err)
	}
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("config file %q: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return cfg, fmt.Errorf("config file %q: unknown key %s", path, undecoded[0])
	}
	return cfg, nil
}
