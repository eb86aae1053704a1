package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/audiod/audiod/internal/job"
)

// Config holds all runtime settings. Values come from an optional YAML file
// overridden by AUDIOD_* environment variables.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	DBPath     string `yaml:"db_path"`
	StorageDir string `yaml:"storage_dir"`

	APIKeys     []string `yaml:"api_keys"`
	CORSOrigins []string `yaml:"cors_origins"`
	SubmitRPS   int      `yaml:"submit_rps"`

	Concurrency int `yaml:"concurrency"`
	QueueSize   int `yaml:"queue_size"`

	MaxUploadBytes   int64    `yaml:"max_upload_bytes"`
	SupportedFormats []string `yaml:"supported_formats"`

	TranscriberPath string `yaml:"transcriber_path"`

	TranscriptionTimeout time.Duration `yaml:"transcription_timeout"`
	DiarizationTimeout   time.Duration `yaml:"diarization_timeout"`
	SegmentationTimeout  time.Duration `yaml:"segmentation_timeout"`

	MaxAttempts  int           `yaml:"max_attempts"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`

	JobTTL          time.Duration `yaml:"job_ttl"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

func defaults() *Config {
	return &Config{
		ListenAddr:           ":8080",
		DBPath:               "audiod.db",
		StorageDir:           "audio-blobs",
		Concurrency:          2,
		QueueSize:            1000,
		MaxUploadBytes:       500 << 20, // 500 MB
		SupportedFormats:     []string{"mp3", "wav", "flac", "ogg", "m4a"},
		TranscriberPath:      "whisper-jsonl",
		TranscriptionTimeout: 30 * time.Minute,
		DiarizationTimeout:   10 * time.Minute,
		SegmentationTimeout:  5 * time.Minute,
		MaxAttempts:          1,
		RetryBackoff:         2 * time.Second,
		JobTTL:               24 * time.Hour,
		CleanupInterval:      time.Hour,
	}
}

// Load builds the configuration. path may be empty, in which case only
// defaults and environment variables apply.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.ListenAddr = getEnv("AUDIOD_LISTEN_ADDR", c.ListenAddr)
	c.DBPath = getEnv("AUDIOD_DB_PATH", c.DBPath)
	c.StorageDir = getEnv("AUDIOD_STORAGE_DIR", c.StorageDir)
	c.TranscriberPath = getEnv("AUDIOD_TRANSCRIBER_PATH", c.TranscriberPath)

	if raw := os.Getenv("AUDIOD_API_KEYS"); raw != "" {
		c.APIKeys = splitList(raw)
	}
	if raw := os.Getenv("AUDIOD_CORS_ORIGINS"); raw != "" {
		c.CORSOrigins = splitList(raw)
	}
	if raw := os.Getenv("AUDIOD_SUPPORTED_FORMATS"); raw != "" {
		c.SupportedFormats = splitList(raw)
	}

	var err error
	if c.Concurrency, err = getEnvInt("AUDIOD_CONCURRENCY", c.Concurrency); err != nil {
		return fmt.Errorf("AUDIOD_CONCURRENCY: %w", err)
	}
	if c.QueueSize, err = getEnvInt("AUDIOD_QUEUE_SIZE", c.QueueSize); err != nil {
		return fmt.Errorf("AUDIOD_QUEUE_SIZE: %w", err)
	}
	if c.SubmitRPS, err = getEnvInt("AUDIOD_SUBMIT_RPS", c.SubmitRPS); err != nil {
		return fmt.Errorf("AUDIOD_SUBMIT_RPS: %w", err)
	}
	if c.MaxAttempts, err = getEnvInt("AUDIOD_MAX_ATTEMPTS", c.MaxAttempts); err != nil {
		return fmt.Errorf("AUDIOD_MAX_ATTEMPTS: %w", err)
	}

	if raw := os.Getenv("AUDIOD_MAX_UPLOAD_BYTES"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("AUDIOD_MAX_UPLOAD_BYTES: invalid integer %q", raw)
		}
		c.MaxUploadBytes = n
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"AUDIOD_TRANSCRIPTION_TIMEOUT", &c.TranscriptionTimeout},
		{"AUDIOD_DIARIZATION_TIMEOUT", &c.DiarizationTimeout},
		{"AUDIOD_SEGMENTATION_TIMEOUT", &c.SegmentationTimeout},
		{"AUDIOD_RETRY_BACKOFF", &c.RetryBackoff},
		{"AUDIOD_JOB_TTL", &c.JobTTL},
		{"AUDIOD_CLEANUP_INTERVAL", &c.CleanupInterval},
	}
	for _, d := range durations {
		if raw := os.Getenv(d.key); raw != "" {
			v, err := time.ParseDuration(raw)
			if err != nil {
				return fmt.Errorf("%s: invalid duration %q", d.key, raw)
			}
			*d.dst = v
		}
	}
	return nil
}

func (c *Config) validate() error {
	if c.Concurrency < 1 {
		return errors.New("concurrency must be > 0")
	}
	if c.QueueSize < 1 {
		return errors.New("queue_size must be > 0")
	}
	if c.MaxAttempts < 1 {
		return errors.New("max_attempts must be > 0")
	}
	if c.MaxUploadBytes < 1 {
		return errors.New("max_upload_bytes must be > 0")
	}
	if len(c.SupportedFormats) == 0 {
		return errors.New("supported_formats must not be empty")
	}
	for _, t := range []time.Duration{c.TranscriptionTimeout, c.DiarizationTimeout, c.SegmentationTimeout} {
		if t <= 0 {
			return errors.New("per-kind timeouts must be > 0")
		}
	}
	return nil
}

// TimeoutFor returns the wall-clock budget for one job of the given kind.
func (c *Config) TimeoutFor(kind job.Kind) time.Duration {
	switch kind {
	case job.KindTranscription:
		return c.TranscriptionTimeout
	case job.KindDiarization:
		return c.DiarizationTimeout
	case job.KindSegmentation:
		return c.SegmentationTimeout
	}
	return c.SegmentationTimeout
}

func splitList(raw string) []string {
	var out []string
	for _, v := range strings.Split(raw, ",") {
		v = strings.TrimSpace(v)
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", v)
	}
	return n, nil
}
