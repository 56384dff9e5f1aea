package config

import (
	"errors"
	"fmt"
	"os"

	"dario.cat/mergo"
	"github.com/BurntSushi/toml"
)

// Overrides holds the CLI layer of the override chain. Layer is a sparse
// Config populated only with flag-supplied fields.
type Overrides struct {
	ConfigPath string // --config flag (empty = env or default)
	Layer      *Config
}

// loadFile reads and parses a TOML config file into a sparse Config.
// Unknown keys are fatal with "did you mean?" suggestions: silently
// ignoring a typo in a config file leads to hard-to-debug behavior.
func loadFile(path string) (*Config, error) {
	cfg := &Config{}

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadFileOrEmpty reads a TOML config file if it exists, otherwise returns
// an empty layer. A missing config file is the normal zero-config first
// run; every required field can arrive via flags or environment.
func loadFileOrEmpty(path string) (*Config, error) {
	if path == "" {
		return &Config{}, nil
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return &Config{}, nil
	}

	return loadFile(path)
}

// Resolve builds the final configuration from the four-layer override
// chain: CLI flags beat environment variables beat the config file beat
// defaults. Layers merge field by field (an empty field defers to the
// next layer down) and the result is validated as a whole.
func Resolve(cli Overrides) (*Config, error) {
	cfgPath := DefaultConfigPath()
	if p := os.Getenv(EnvConfig); p != "" {
		cfgPath = p
	}

	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
	}

	fileCfg, err := loadFileOrEmpty(cfgPath)
	if err != nil {
		return nil, err
	}

	layers := make([]*Config, 0, 4)
	if cli.Layer != nil {
		layers = append(layers, cli.Layer)
	}

	layers = append(layers, envLayer(), fileCfg, DefaultConfig())

	resolved := new(Config)
	for _, layer := range layers {
		if err := mergo.Merge(resolved, layer); err != nil {
			return nil, fmt.Errorf("merging config layers: %w", err)
		}
	}

	if err := Validate(resolved); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return resolved, nil
}
