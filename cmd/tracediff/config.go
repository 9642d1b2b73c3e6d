package main

import (
	"fmt"
	"os"
	"time"

	"github.com/benbjohnson/tracediff/loop"
	"github.com/benbjohnson/tracediff/varmap"
	"gopkg.in/yaml.v3"
)

// Config holds the tunable limits of every command.
type Config struct {
	Loop     LoopConfig     `yaml:"loop"`
	Unrolled UnrolledConfig `yaml:"unrolled"`
	Search   SearchConfig   `yaml:"search"`
}

// LoopConfig configures the loop detector.
type LoopConfig struct {
	MaxBodyLength   int    `yaml:"max-body-length"`
	MaxJumpDistance uint32 `yaml:"max-jump-distance"`
}

// UnrolledConfig configures the unrolled loop scan.
type UnrolledConfig struct {
	Enabled  bool `yaml:"enabled"`
	MinStep  int  `yaml:"min-step"`
	MaxStep  int  `yaml:"max-step"`
	MaxStart int  `yaml:"max-start"`
}

// SearchConfig configures the correspondence search.
type SearchConfig struct {
	MaxResults   int           `yaml:"max-results"`
	MaxSteps     int           `yaml:"max-steps"`
	VerifyRounds int           `yaml:"verify-rounds"`
	Seed         int64         `yaml:"seed"`
	Timeout      time.Duration `yaml:"timeout"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	unrolled := loop.DefaultUnrolledConfig()
	return Config{
		Loop: LoopConfig{
			MaxBodyLength:   loop.DefaultMaxBodyLength,
			MaxJumpDistance: loop.DefaultMaxJumpDistance,
		},
		Unrolled: UnrolledConfig{
			MinStep:  unrolled.MinStep,
			MaxStep:  unrolled.MaxStep,
			MaxStart: unrolled.MaxStart,
		},
		Search: SearchConfig{
			MaxSteps:     varmap.DefaultMaxSteps,
			VerifyRounds: varmap.DefaultVerifyRounds,
			Seed:         1,
			Timeout:      time.Minute,
		},
	}
}

// ReadConfigFile reads path over the default configuration. An empty path
// returns the defaults.
func ReadConfigFile(path string) (Config, error) {
	config := DefaultConfig()
	if path == "" {
		return config, nil
	}

	buf, err := os.ReadFile(path)
	if err != nil {
		return config, err
	} else if err := yaml.Unmarshal(buf, &config); err != nil {
		return config, fmt.Errorf("config %s: %w", path, err)
	}
	return config, nil
}

// NewDetector returns a loop detector for the configuration.
func (c *Config) NewDetector() *loop.Detector {
	d := loop.NewDetector()
	d.MaxBodyLength = c.Loop.MaxBodyLength
	d.MaxJumpDistance = c.Loop.MaxJumpDistance
	return d
}

// UnrolledBounds returns the unrolled scan bounds for the configuration.
func (c *Config) UnrolledBounds() loop.UnrolledConfig {
	return loop.UnrolledConfig{
		MinStep:  c.Unrolled.MinStep,
		MaxStep:  c.Unrolled.MaxStep,
		MaxStart: c.Unrolled.MaxStart,
	}
}

// NewSearch returns a correspondence search for the configuration.
func (c *Config) NewSearch() *varmap.Search {
	s := varmap.NewSearch()
	s.MaxResults = c.Search.MaxResults
	s.MaxSteps = c.Search.MaxSteps
	s.VerifyRounds = c.Search.VerifyRounds
	s.Seed = c.Search.Seed
	return s
}
