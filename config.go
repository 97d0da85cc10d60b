package main

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// config is the optional elfhex.yaml configuration file. The entry,
// memory-start and fragment-depth flags override the values loaded here
// when set; --include-path entries are searched before search_path
// rather than replacing it.
type config struct {
	SearchPath      []string `yaml:"search_path"`
	Entry           string   `yaml:"entry"`
	MemoryStart     uint64   `yaml:"memory_start"`
	MaxFragmentDepth int     `yaml:"max_fragment_depth"`
}

func defaultConfig() config {
	return config{
		Entry:            "_start",
		MemoryStart:       0x08048000,
		MaxFragmentDepth: 64,
	}
}

func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, errors.Wrapf(err, "reading config %q", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parsing config %q", path)
	}
	return cfg, nil
}
