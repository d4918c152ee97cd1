package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	ncerr "apcgate/internal/errors"
)

// LoadFile overlays the YAML file at path onto cfg.  Keys absent from
// the file leave cfg untouched; unknown keys are an error so typos do
// not pass silently.  An empty path is a no-op.
//
// The backend may be given either as backend_host/backend_port or as a
// single "backend: host:port" key.
func LoadFile(path string, cfg *Config) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	return decode(data, path, cfg)
}

// fileConfig adds keys that only exist in the file format.
type fileConfig struct {
	Config  `yaml:",inline"`
	Backend string `yaml:"backend"`
}

func decode(data []byte, path string, cfg *Config) error {
	fc := fileConfig{Config: *cfg}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return &ncerr.ConfigError{Field: "config", Value: path, Message: err.Error(),
			Hint: "durations use Go syntax, e.g. idle_timeout: 60s"}
	}
	*cfg = fc.Config
	if fc.Backend != "" {
		if err := cfg.SetBackend(fc.Backend); err != nil {
			return err
		}
	}
	return nil
}
