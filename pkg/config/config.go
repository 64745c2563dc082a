// Package config loads engine configuration from a YAML file with an
// optional .env overlay for deployment-specific endpoints.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Duration parses YAML values like "30s" or "2m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: bad duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full engine configuration.
type Config struct {
	Chunking  Chunking  `yaml:"chunking"`
	Embedder  Embedder  `yaml:"embedder"`
	Index     Index     `yaml:"index"`
	Retrieval Retrieval `yaml:"retrieval"`
	Generator Generator `yaml:"generator"`
	NATS      NATS      `yaml:"nats"`
	Qdrant    Qdrant    `yaml:"qdrant"`
	Metrics   Metrics   `yaml:"metrics"`
	Watch     Watch     `yaml:"watch"`
}

type Chunking struct {
	MaxSize int `yaml:"max_size"`
	Overlap int `yaml:"overlap"`
}

type Embedder struct {
	// Provider selects the embedding backend: "ollama" or "hash".
	Provider   string  `yaml:"provider"`
	Model      string  `yaml:"model"`
	Endpoint   string  `yaml:"endpoint"`
	Dimensions int     `yaml:"dimensions"`
	Rate       float64 `yaml:"rate"`
	Burst      int     `yaml:"burst"`
}

type Index struct {
	Path string `yaml:"path"`
}

type Retrieval struct {
	K int `yaml:"k"`
}

type Generator struct {
	Model    string   `yaml:"model"`
	Endpoint string   `yaml:"endpoint"`
	Timeout  Duration `yaml:"timeout"`
}

type NATS struct {
	URL     string `yaml:"url"`
	Enabled bool   `yaml:"enabled"`
}

type Qdrant struct {
	Addr       string `yaml:"addr"`
	Collection string `yaml:"collection"`
	Enabled    bool   `yaml:"enabled"`
}

type Metrics struct {
	Port int `yaml:"port"`
}

type Watch struct {
	Dir      string   `yaml:"dir"`
	Interval Duration `yaml:"interval"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		Chunking:  Chunking{MaxSize: 900, Overlap: 120},
		Embedder:  Embedder{Provider: "ollama", Model: "nomic-embed-text", Endpoint: "http://localhost:11434", Dimensions: 768, Rate: 10, Burst: 20},
		Index:     Index{Path: "data/index"},
		Retrieval: Retrieval{K: 4},
		Generator: Generator{Model: "llama3", Endpoint: "http://localhost:11434", Timeout: Duration(2 * time.Minute)},
		NATS:      NATS{URL: "nats://localhost:4222"},
		Qdrant:    Qdrant{Addr: "localhost:6334", Collection: "satchel"},
		Metrics:   Metrics{Port: 9091},
		Watch:     Watch{Interval: Duration(30 * time.Second)},
	}
}

// Load reads the YAML file at path over the defaults. A missing path loads
// defaults only. Endpoint environment variables (OLLAMA_URL, NATS_URL,
// QDRANT_ADDR) override the file, with a .env file loaded first if present.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if v := os.Getenv("OLLAMA_URL"); v != "" {
		cfg.Embedder.Endpoint = v
		cfg.Generator.Endpoint = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("QDRANT_ADDR"); v != "" {
		cfg.Qdrant.Addr = v
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Chunking.MaxSize <= 0 {
		return fmt.Errorf("config: chunking.max_size must be positive")
	}
	if c.Chunking.Overlap < 0 || c.Chunking.Overlap >= c.Chunking.MaxSize {
		return fmt.Errorf("config: chunking.overlap must be in [0, max_size)")
	}
	switch c.Embedder.Provider {
	case "ollama", "hash":
	default:
		return fmt.Errorf("config: unknown embedder provider %q", c.Embedder.Provider)
	}
	if c.Embedder.Dimensions <= 0 {
		return fmt.Errorf("config: embedder.dimensions must be positive")
	}
	if c.Retrieval.K <= 0 {
		return fmt.Errorf("config: retrieval.k must be positive")
	}
	if c.Index.Path == "" {
		return fmt.Errorf("config: index.path is required")
	}
	return nil
}
