// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath returns ~/.convbridge/convbridge.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".convbridge", "convbridge.yaml"), nil
}

// Load reads the config file at path, creating it with defaults when it
// does not exist, then applies environment overrides and validates.
//
// Keys missing from the file keep their defaults. An empty path means
// DefaultPath(). Overrides run after the environment and before validation.
func Load(path string, overrides ...func(*Config)) (Config, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return Config{}, err
		}
		path = p
	}

	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "First run detected, creating the config at %s\n", path)
		if err := createDefault(path); err != nil {
			return Config{}, err
		}
	}

	return read(path, overrides...)
}

// read parses an existing file, applies the environment and overrides, and
// validates the result.
func read(path string, overrides ...func(*Config)) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read the config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	for _, override := range overrides {
		override(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func createDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// applyEnv overlays environment variables onto cfg.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
		return nil
	}

	if v, ok := lookup("CONVBRIDGE_FAILURE_THRESHOLD"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CONVBRIDGE_FAILURE_THRESHOLD: %w", err)
		}
		cfg.Breaker.FailureThreshold = n
	}
	if err := dur("CONVBRIDGE_IDLE_TIMEOUT", &cfg.Conversation.IdleTimeout); err != nil {
		return err
	}
	if err := dur("CONVBRIDGE_POLL_TIMEOUT", &cfg.Polling.Timeout); err != nil {
		return err
	}

	str("CONVBRIDGE_BACKEND", &cfg.Backend.Type)
	str("CONVBRIDGE_BACKEND_URL", &cfg.Backend.BaseURL)
	str("CONVBRIDGE_DIRECTLINE_SECRET", &cfg.Backend.Secret)
	str("CONVBRIDGE_ADDR", &cfg.Server.Addr)
	str("CONVBRIDGE_AUTH_TOKEN", &cfg.Server.AuthToken)
	str("CONVBRIDGE_LOG_LEVEL", &cfg.Log.Level)

	if v, ok := lookup("OTEL_EXPORTER_OTLP_ENDPOINT"); ok && v != "" {
		cfg.Telemetry.Endpoint = v
		if cfg.Telemetry.Exporter == "" || cfg.Telemetry.Exporter == ExporterNone {
			cfg.Telemetry.Exporter = ExporterOTLP
		}
	}
	return nil
}
