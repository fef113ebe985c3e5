package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/i5heu/raid6/pkg/blockstore"
	"github.com/i5heu/raid6/pkg/raiderr"
)

// FileName is the file Load reads when no path is given.
const FileName = "raid6.yaml"

type Config struct {
	DataDir       string `yaml:"dataDir"`
	Backend       string `yaml:"backend"`
	Disks         int    `yaml:"disks"`
	Blocks        int    `yaml:"blocks"`
	BlockSize     int    `yaml:"blockSize"`
	MinimumFreeGB uint   `yaml:"minimumFreeGB"`
	SyncWrites    bool   `yaml:"syncWrites"`
	LogLevel      string `yaml:"logLevel"`
	ScrubWorkers  int    `yaml:"scrubWorkers"`
}

// Default is the configuration used for keys absent from the file.
func Default() Config {
	return Config{
		DataDir:   "raid6-data",
		Backend:   "file",
		Disks:     6,
		Blocks:    1024,
		BlockSize: 4096,
		LogLevel:  "info",
	}
}

// Load reads a YAML config. A missing file is not an error and yields
// Default().
func Load(path string) (Config, error) {
	if path == "" {
		path = FileName
	}
	conf := Default()

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return conf, nil
	}
	if err != nil {
		return conf, fmt.Errorf("config: read %s: %w: %w", path, raiderr.ErrConfig, err)
	}
	if err := yaml.Unmarshal(data, &conf); err != nil {
		return conf, fmt.Errorf("config: parse %s: %w: %w", path, raiderr.ErrConfig, err)
	}
	return conf, nil
}

// Geometry returns the array shape described by the config.
func (c Config) Geometry() blockstore.Geometry {
	return blockstore.Geometry{Disks: c.Disks, Blocks: c.Blocks, BlockSize: c.BlockSize}
}
