// Package config is used to load the configuration file
package config

import (
	"fmt"
	"runtime"

	"github.com/spf13/viper"
)

const (
	defaultDumpSize    = 256
	defaultImageCache  = 256
	maxDumpSize        = 1 << 30
	defaultWorkerLimit = 0
)

type dump struct {
	Size int `json:"size" mapstructure:"size"`
}

type cache struct {
	Images int `json:"images" mapstructure:"images"`
}

// Config is the configuration struct
type Config struct {
	Dump    dump  `json:"dump" mapstructure:"dump"`
	Cache   cache `json:"cache" mapstructure:"cache"`
	Workers int   `json:"workers" mapstructure:"workers"`
}

func (c *Config) verify() error {
	if c.Dump.Size == 0 {
		c.Dump.Size = defaultDumpSize
	} else if c.Dump.Size < 0 {
		return fmt.Errorf("config: dump.size must be positive: %d", c.Dump.Size)
	} else if c.Dump.Size > maxDumpSize {
		return fmt.Errorf("config: dump.size %d is larger than %d", c.Dump.Size, maxDumpSize)
	}

	if c.Cache.Images == 0 {
		c.Cache.Images = defaultImageCache
	} else if c.Cache.Images < 0 {
		return fmt.Errorf("config: cache.images must be positive: %d", c.Cache.Images)
	}

	if c.Workers < defaultWorkerLimit {
		return fmt.Errorf("config: workers cannot be negative: %d", c.Workers)
	} else if c.Workers == defaultWorkerLimit {
		c.Workers = runtime.NumCPU()
	}

	return nil
}

// LoadConfig loads the configuration file
func LoadConfig() (*Config, error) {
	var c *Config

	if err := viper.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal: %v", err)
	}
	if c == nil {
		c = &Config{}
	}

	if err := c.verify(); err != nil {
		return nil, fmt.Errorf("config: failed to verify: %v", err)
	}

	return c, nil
}
