// Package config loads gtpud's TOML bootstrap configuration.
package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml"
)

// DefaultControlAddr is the control channel bind address used when
// neither the config file nor -control-addr override it.
const DefaultControlAddr = "localhost:4268"

// Config represents gtpud configuration described by a TOML file, in
// the same hand-rolled map[string]interface{}-walking style as
// l2tp/config.go: no struct-tag reflection library is used because
// the teacher doesn't use one either.
type Config struct {
	ControlAddr  string
	LogVerbose   bool
	EnvWhitelist []string
}

func defaultConfig() *Config {
	return &Config{
		ControlAddr:  DefaultControlAddr,
		EnvWhitelist: []string{"PATH", "HOME", "LANG"},
	}
}

func toBool(v interface{}) (bool, error) {
	if b, ok := v.(bool); ok {
		return b, nil
	}
	return false, fmt.Errorf("supplied value could not be parsed as a bool")
}

func toString(v interface{}) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	return "", fmt.Errorf("supplied value could not be parsed as a string")
}

func toStringArray(v interface{}) ([]string, error) {
	items, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("expected array value")
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected %T value %v in string array", item, item)
		}
		out = append(out, s)
	}
	return out, nil
}

func (cfg *Config) loadControl(v interface{}) error {
	table, ok := v.(map[string]interface{})
	if !ok {
		return fmt.Errorf("control table must be a map, e.g. '[control]'")
	}
	for k, v := range table {
		var err error
		switch k {
		case "addr":
			cfg.ControlAddr, err = toString(v)
		default:
			return fmt.Errorf("unrecognised parameter %q", k)
		}
		if err != nil {
			return fmt.Errorf("failed to process %v: %v", k, err)
		}
	}
	return nil
}

func (cfg *Config) loadLog(v interface{}) error {
	table, ok := v.(map[string]interface{})
	if !ok {
		return fmt.Errorf("log table must be a map, e.g. '[log]'")
	}
	for k, v := range table {
		var err error
		switch k {
		case "verbose":
			cfg.LogVerbose, err = toBool(v)
		default:
			return fmt.Errorf("unrecognised parameter %q", k)
		}
		if err != nil {
			return fmt.Errorf("failed to process %v: %v", k, err)
		}
	}
	return nil
}

func (cfg *Config) loadEnv(v interface{}) error {
	table, ok := v.(map[string]interface{})
	if !ok {
		return fmt.Errorf("env table must be a map, e.g. '[env]'")
	}
	for k, v := range table {
		var err error
		switch k {
		case "whitelist":
			cfg.EnvWhitelist, err = toStringArray(v)
		default:
			return fmt.Errorf("unrecognised parameter %q", k)
		}
		if err != nil {
			return fmt.Errorf("failed to process %v: %v", k, err)
		}
	}
	return nil
}

func newConfig(tree *toml.Tree) (*Config, error) {
	cfg := defaultConfig()
	cm := tree.ToMap()

	for k, v := range cm {
		var err error
		switch k {
		case "control":
			err = cfg.loadControl(v)
		case "log":
			err = cfg.loadLog(v)
		case "env":
			err = cfg.loadEnv(v)
		default:
			return nil, fmt.Errorf("unrecognised parameter %q", k)
		}
		if err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// LoadFile loads configuration from the specified file. A missing
// file is not an error: the daemon falls back to defaultConfig so
// that -config may be left at its default path on a host with no
// bootstrap file.
func LoadFile(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return defaultConfig(), nil
	}

	tree, err := toml.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file: %v", err)
	}
	return newConfig(tree)
}

// LoadString loads configuration from the specified string.
func LoadString(content string) (*Config, error) {
	tree, err := toml.Load(content)
	if err != nil {
		return nil, fmt.Errorf("failed to load config string: %v", err)
	}
	return newConfig(tree)
}
