package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ariannamethod/embedit/internal/scheduler"
	"github.com/ariannamethod/embedit/internal/sink"
)

type Config struct {
	LogLevel   string           `yaml:"log_level"`
	Models     ModelsConfig     `yaml:"models"`
	Runtime    RuntimeConfig    `yaml:"runtime"`
	Generation GenerationConfig `yaml:"generation"`
	Inputs     InputsConfig     `yaml:"inputs"`
	Output     string           `yaml:"output"`
	Cache      CacheConfig      `yaml:"cache"`
	Sink       sink.Config      `yaml:"sink"`
}

type ModelsConfig struct {
	PriorDir   string `yaml:"prior_dir"`
	DecoderDir string `yaml:"decoder_dir"`
}

type RuntimeConfig struct {
	// Library is the path to libonnxruntime; empty means auto-detect.
	Library        string `yaml:"library"`
	GPU            bool   `yaml:"gpu"`
	IntraOpThreads int    `yaml:"intra_op_threads"`
	InterOpThreads int    `yaml:"inter_op_threads"`
}

type GenerationConfig struct {
	Height          int     `yaml:"height"`
	Width           int     `yaml:"width"`
	Steps           int     `yaml:"steps"`
	PriorSteps      int     `yaml:"prior_steps"`
	PriorGuidance   float32 `yaml:"prior_guidance"`
	DecoderGuidance float32 `yaml:"decoder_guidance"`
	Strength        float64 `yaml:"strength"`
	Scale           float32 `yaml:"scale"`
	Seed            int64   `yaml:"seed"`
}

type InputsConfig struct {
	Before string `yaml:"before"`
	After  string `yaml:"after"`
	Target string `yaml:"target"`
}

type CacheConfig struct {
	Size int           `yaml:"size"`
	TTL  time.Duration `yaml:"ttl"`
}

// Default mirrors the fixed values of the goofy/neon-light experiment.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Models: ModelsConfig{
			PriorDir:   "./models/kandinsky-2-2-prior",
			DecoderDir: "./models/kandinsky-2-2-decoder",
		},
		Runtime: RuntimeConfig{
			IntraOpThreads: 4,
			InterOpThreads: 1,
		},
		Generation: GenerationConfig{
			Height:          768,
			Width:           768,
			Steps:           100,
			PriorSteps:      25,
			PriorGuidance:   4,
			DecoderGuidance: 4,
			Strength:        0.1,
			Scale:           1,
			Seed:            42,
		},
		Inputs: InputsConfig{
			Before: "./assets/goofy.png",
			After:  "./assets/goofy_w_neonlight.png",
			Target: "./assets/dog.jpg",
		},
		Output: "./data/tests/test.png",
		Cache:  CacheConfig{Size: 16, TTL: 10 * time.Minute},
		Sink:   sink.Config{Type: "local"},
	}
}

// Load reads a YAML file over the defaults. An empty path returns the
// defaults. EMBEDIT_ORT_LIB and EMBEDIT_GPU override the runtime section.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}
	if lib := os.Getenv("EMBEDIT_ORT_LIB"); lib != "" {
		cfg.Runtime.Library = lib
	}
	if os.Getenv("EMBEDIT_GPU") == "1" {
		cfg.Runtime.GPU = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	g := c.Generation
	switch {
	case c.Models.PriorDir == "" || c.Models.DecoderDir == "":
		return errors.New("models.prior_dir and models.decoder_dir are required")
	case g.Height <= 0 || g.Width <= 0:
		return fmt.Errorf("generation size must be positive, got %dx%d", g.Width, g.Height)
	case g.PriorSteps < 2:
		return fmt.Errorf("generation.prior_steps must be >= 2, got %d", g.PriorSteps)
	case g.Strength < 0 || g.Strength > 1:
		return fmt.Errorf("generation.strength must be in [0, 1], got %v", g.Strength)
	case c.Output == "":
		return errors.New("output is required")
	}
	if err := scheduler.CheckDDIMSteps(scheduler.TrainTimesteps, g.Steps); err != nil {
		return fmt.Errorf("generation.steps: %w", err)
	}
	if c.Runtime.IntraOpThreads <= 0 {
		c.Runtime.IntraOpThreads = 4
	}
	if c.Runtime.InterOpThreads <= 0 {
		c.Runtime.InterOpThreads = 1
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	return nil
}
