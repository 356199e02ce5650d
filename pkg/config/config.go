package config

import (
	"math"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"hybridindex/pkg/search"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	Server ServerConfig `yaml:"server"`
	Index  IndexConfig  `yaml:"index"`
	Buffer BufferConfig `yaml:"buffer"`
	Stable StableConfig `yaml:"stable"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"` // HTTP Listen Address (e.g. :8080)
}

// IndexConfig is the threshold policy. It is fixed once the index is constructed.
type IndexConfig struct {
	MinFlushSize     int     `yaml:"min_flush_size"`
	MaxFlushSize     int     `yaml:"max_flush_size"` // 0 = no cap
	BufferRatio      float64 `yaml:"buffer_ratio"`   // 0 = min_flush_size only
	Async            bool    `yaml:"async"`
	MergedRangeQuery bool    `yaml:"merged_range_query"`
}

type BufferConfig struct {
	Degree int `yaml:"degree"`
}

type StableConfig struct {
	Fanout         int     `yaml:"fanout"`
	MaxError       int     `yaml:"max_error"`
	Search         string  `yaml:"search"`
	BloomFalseProb float64 `yaml:"bloom_false_prob"`
}

// Threshold returns the active-buffer size at which a flush starts, given the
// number of records the index currently holds.
func (ic IndexConfig) Threshold(total uint64) int {
	threshold := ic.MinFlushSize
	if ic.BufferRatio > 0 {
		byRatio := int(math.Ceil(ic.BufferRatio * float64(total)))
		if byRatio > threshold {
			threshold = byRatio
		}
	}
	if ic.MaxFlushSize > 0 && threshold > ic.MaxFlushSize {
		threshold = ic.MaxFlushSize
	}
	return threshold
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":8080",
		},
		Index: IndexConfig{
			MinFlushSize: 100000,
			Async:        true,
		},
		Buffer: BufferConfig{
			Degree: 32,
		},
		Stable: StableConfig{
			Fanout:         1000,
			MaxError:       64,
			Search:         search.Binary,
			BloomFalseProb: 0.01,
		},
	}
}

func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath == "" {
		for _, p := range []string{"configs/hybrid.yaml", "hybrid.yaml"} {
			data, err := os.ReadFile(p)
			if err == nil {
				if err := yaml.Unmarshal(data, cfg); err != nil {
					return cfg, errors.Wrapf(err, "parse %s", p)
				}
				applyDefaults(cfg)
				return cfg, cfg.Validate()
			}
		}
		applyDefaults(cfg)
		return cfg, nil // no file found: use defaults
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return cfg, errors.Wrap(err, "read config")
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse %s", configPath)
	}

	applyDefaults(cfg)
	return cfg, cfg.Validate()
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Buffer.Degree <= 0 {
		cfg.Buffer.Degree = 32
	}
	if cfg.Stable.Search == "" {
		cfg.Stable.Search = search.Binary
	}
	if cfg.Stable.BloomFalseProb <= 0 || cfg.Stable.BloomFalseProb >= 1 {
		cfg.Stable.BloomFalseProb = 0.01
	}
}

// Validate rejects inconsistent threshold and stable-index parameters.
func (c *Config) Validate() error {
	ic := c.Index
	if ic.MinFlushSize < 1 {
		return errors.Wrapf(ErrInvalidConfig, "min_flush_size must be >= 1, got %d", ic.MinFlushSize)
	}
	if ic.MaxFlushSize < 0 {
		return errors.Wrapf(ErrInvalidConfig, "max_flush_size must be >= 0, got %d", ic.MaxFlushSize)
	}
	if ic.MaxFlushSize > 0 && ic.MaxFlushSize < ic.MinFlushSize {
		return errors.Wrapf(ErrInvalidConfig, "max_flush_size %d < min_flush_size %d", ic.MaxFlushSize, ic.MinFlushSize)
	}
	if ic.BufferRatio < 0 || ic.BufferRatio > 1 || math.IsNaN(ic.BufferRatio) {
		return errors.Wrapf(ErrInvalidConfig, "buffer_ratio must be in [0, 1], got %v", ic.BufferRatio)
	}
	if c.Buffer.Degree < 2 {
		return errors.Wrapf(ErrInvalidConfig, "buffer degree must be >= 2, got %d", c.Buffer.Degree)
	}
	if c.Stable.Fanout < 1 {
		return errors.Wrapf(ErrInvalidConfig, "stable fanout must be >= 1, got %d", c.Stable.Fanout)
	}
	if c.Stable.MaxError < 1 {
		return errors.Wrapf(ErrInvalidConfig, "stable max_error must be >= 1, got %d", c.Stable.MaxError)
	}
	if _, err := search.ByName(c.Stable.Search); err != nil {
		return errors.Wrap(ErrInvalidConfig, err.Error())
	}
	return nil
}
