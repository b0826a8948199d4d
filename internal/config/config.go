// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config owns the bridge's configuration surface: a flat
// JSON-tagged struct decoded with encoding/json, loaded before CLI flag
// overrides are applied.
package config

import (
	"encoding/json"
	"os"
)

// Config is the recognized option set of the bridge.
type Config struct {
	MaxConnections   int `json:"maxConnections"`
	WindowSize       int `json:"windowSize"`
	MaxMessageLength int `json:"maxMessageLength"`

	CommandBufferCapacity       int `json:"commandBufferCapacity"`
	ResponseBufferCapacity      int `json:"responseBufferCapacity"`
	CounterValuesBufferCapacity int `json:"counterValuesBufferCapacity"`
	StreamsBufferCapacity       int `json:"streamsBufferCapacity"`

	// StateDirectory is the persisted-state layout root: one command
	// ring, one response ring, one counters file, and the streams ring
	// pair.
	StateDirectory string `json:"stateDirectory"`

	// RoutesFile, if set, points at a routes.yaml loaded by
	// LoadRouteFile.
	RoutesFile string `json:"routesFile"`

	// LogLevel/LogFormat configure internal/logging.
	LogLevel  string `json:"logLevel"`
	LogFormat string `json:"logFormat"`
}

// Default returns the stock configuration.
func Default() Config {
	return Config{
		MaxConnections:              256,
		WindowSize:                  64 * 1024,
		MaxMessageLength:            64 * 1024,
		CommandBufferCapacity:       1 << 16,
		ResponseBufferCapacity:      1 << 16,
		CounterValuesBufferCapacity: 1 << 12,
		StreamsBufferCapacity:       1 << 20,
		LogLevel:                    "info",
		LogFormat:                   "json",
	}
}

// Load reads a JSON config file on top of Default(): file values
// overwrite matching fields, omitted fields keep their default.
func Load(path string) (Config, error) {
	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()
	if err := json.NewDecoder(f).Decode(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
