package models

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Duration reads Go duration strings ("5s", "168h") from YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	ServerAddr     string   `yaml:"server_addr"`
	DatabaseURL    string   `yaml:"database_url"`
	KafkaBroker    string   `yaml:"kafka_broker"`
	KafkaTopic     string   `yaml:"kafka_topic"`
	StoragePath    string   `yaml:"storage_path"`
	FFmpegPath     string   `yaml:"ffmpeg_path"`
	PollInterval   Duration `yaml:"poll_interval"`
	JobTimeout     Duration `yaml:"job_timeout"`
	ExtractTimeout Duration `yaml:"extract_timeout"`
	Retention      Duration `yaml:"retention"`
	SweepSchedule  string   `yaml:"sweep_schedule"`
	MaxUploadBytes int64    `yaml:"max_upload_bytes"`
	LogLevel       string   `yaml:"log_level"`
	LogFormat      string   `yaml:"log_format"`
}

func defaultConfig() Config {
	return Config{
		ServerAddr:     ":8080",
		KafkaTopic:     "flipbook-jobs",
		StoragePath:    "data",
		FFmpegPath:     "ffmpeg",
		PollInterval:   Duration(5 * time.Second),
		JobTimeout:     Duration(15 * time.Second),
		Retention:      Duration(7 * 24 * time.Hour),
		SweepSchedule:  "@every 1h",
		MaxUploadBytes: 200 << 20,
		LogLevel:       "info",
		LogFormat:      "json",
	}
}

// LoadConfig reads the YAML file at path over the defaults, then applies
// FLIPBOOK_* overrides from the environment (and .env when present).
func LoadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	_ = godotenv.Load(filepath.Join(filepath.Dir(path), ".env"))
	overrideFromEnv(&cfg.DatabaseURL, "FLIPBOOK_DATABASE_URL")
	overrideFromEnv(&cfg.KafkaBroker, "FLIPBOOK_KAFKA_BROKER")
	overrideFromEnv(&cfg.ServerAddr, "FLIPBOOK_SERVER_ADDR")
	overrideFromEnv(&cfg.StoragePath, "FLIPBOOK_STORAGE_PATH")

	if cfg.ExtractTimeout == 0 {
		cfg.ExtractTimeout = cfg.JobTimeout
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func overrideFromEnv(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func (c *Config) Validate() error {
	if c.StoragePath == "" {
		return fmt.Errorf("storage_path is required")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	if c.JobTimeout <= 0 {
		return fmt.Errorf("job_timeout must be positive")
	}
	if c.ExtractTimeout <= 0 {
		return fmt.Errorf("extract_timeout must be positive")
	}
	if c.Retention <= 0 {
		return fmt.Errorf("retention must be positive")
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("max_upload_bytes must be positive")
	}
	return nil
}

func (c *Config) VideoDir() string { return filepath.Join(c.StoragePath, "videos") }

func (c *Config) PDFDir() string { return filepath.Join(c.StoragePath, "pdfs") }
