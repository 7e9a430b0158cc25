package core

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const envPrefix = "THREADLINE_"

// Config holds every engine tunable.
type Config struct {
	BaseURL     string   `yaml:"base_url"`
	WSBaseURL   string   `yaml:"ws_base_url"`
	Token       string   `yaml:"token"`
	UserID      string   `yaml:"user_id"`
	UserName    string   `yaml:"user_name"`
	DataDir     string   `yaml:"data_dir"`
	ThreadType  string   `yaml:"thread_type"`
	Passphrase  string   `yaml:"passphrase"`
	LogLevel    string   `yaml:"log_level"`
	LogSink     string   `yaml:"log_sink"`
	MetricsAddr string   `yaml:"metrics_addr"`
	HTTPTimeout Duration `yaml:"http_timeout"`

	Drafts     DraftConfig      `yaml:"drafts"`
	Uploads    UploadConfig     `yaml:"uploads"`
	Outbox     OutboxConfig     `yaml:"outbox"`
	Receipts   ReceiptConfig    `yaml:"receipts"`
	Connection ConnectionConfig `yaml:"connection"`
	Viewport   ViewportConfig   `yaml:"viewport"`
	Composer   ComposerConfig   `yaml:"composer"`
}

// DraftConfig controls draft persistence.
type DraftConfig struct {
	Debounce       Duration `yaml:"debounce"`
	LargeThreshold int      `yaml:"large_threshold"`
}

// UploadConfig controls chunked uploads.
type UploadConfig struct {
	ChunkSize   SizeBytes `yaml:"chunk_size"`
	MaxParallel int       `yaml:"max_parallel"`
}

// OutboxConfig controls retry of failed sends.
type OutboxConfig struct {
	MaxInFlight int      `yaml:"max_in_flight"`
	BaseDelay   Duration `yaml:"base_delay"`
}

// ReceiptConfig controls receipt batching windows.
type ReceiptConfig struct {
	DeliveredWindow Duration `yaml:"delivered_window"`
	ReadWindow      Duration `yaml:"read_window"`
}

// ConnectionConfig controls reconnect scheduling.
type ConnectionConfig struct {
	MaxAttempts int      `yaml:"max_attempts"`
	BaseDelay   Duration `yaml:"base_delay"`
	MaxDelay    Duration `yaml:"max_delay"`
	MinInterval Duration `yaml:"min_interval"`
}

// ViewportConfig controls scroll and visibility tracking.
type ViewportConfig struct {
	NearBottomPx float64  `yaml:"near_bottom_px"`
	HighlightFor Duration `yaml:"highlight_for"`
	VisibleFor   Duration `yaml:"visible_for"`
	VisibleRatio float64  `yaml:"visible_ratio"`
	SaveDebounce Duration `yaml:"save_debounce"`
}

// ComposerConfig controls send guards and typing signals.
type ComposerConfig struct {
	InFlightTTL Duration `yaml:"in_flight_ttl"`
	TypingIdle  Duration `yaml:"typing_idle"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:     "http://localhost:8000",
		WSBaseURL:   "ws://localhost:8000",
		ThreadType:  "community",
		LogLevel:    "info",
		LogSink:     "stderr",
		HTTPTimeout: Duration(20 * time.Second),
		Drafts: DraftConfig{
			Debounce:       Duration(350 * time.Millisecond),
			LargeThreshold: 2000,
		},
		Uploads: UploadConfig{
			ChunkSize:   SizeBytes(2 * 1024 * 1024),
			MaxParallel: 2,
		},
		Outbox: OutboxConfig{
			MaxInFlight: 2,
			BaseDelay:   Duration(800 * time.Millisecond),
		},
		Receipts: ReceiptConfig{
			DeliveredWindow: Duration(250 * time.Millisecond),
			ReadWindow:      Duration(400 * time.Millisecond),
		},
		Connection: ConnectionConfig{
			MaxAttempts: 5,
			BaseDelay:   Duration(time.Second),
			MaxDelay:    Duration(8 * time.Second),
			MinInterval: Duration(3 * time.Second),
		},
		Viewport: ViewportConfig{
			NearBottomPx: 80,
			HighlightFor: Duration(1600 * time.Millisecond),
			VisibleFor:   Duration(300 * time.Millisecond),
			VisibleRatio: 0.6,
			SaveDebounce: Duration(200 * time.Millisecond),
		},
		Composer: ComposerConfig{
			InFlightTTL: Duration(10 * time.Minute),
			TypingIdle:  Duration(1800 * time.Millisecond),
		},
	}
}

// DefaultConfigPath returns ~/.config/threadline/config.yaml.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "threadline", "config.yaml"), nil
}

// LoadConfig layers defaults, the YAML file at path, a .env file in the
// working directory, and THREADLINE_* variables. A missing file is not an
// error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		p, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = p
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	_ = godotenv.Load(".env")
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return Config{}, err
	}

	if cfg.DataDir == "" {
		dir, err := DefaultDataDir()
		if err != nil {
			return Config{}, err
		}
		cfg.DataDir = dir
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	strs := map[string]*string{
		"BASE_URL":     &c.BaseURL,
		"WS_BASE_URL":  &c.WSBaseURL,
		"TOKEN":        &c.Token,
		"USER_ID":      &c.UserID,
		"USER_NAME":    &c.UserName,
		"DATA_DIR":     &c.DataDir,
		"THREAD_TYPE":  &c.ThreadType,
		"PASSPHRASE":   &c.Passphrase,
		"LOG_LEVEL":    &c.LogLevel,
		"LOG_SINK":     &c.LogSink,
		"METRICS_ADDR": &c.MetricsAddr,
	}
	for name, dst := range strs {
		if v := strings.TrimSpace(getenv(envPrefix + name)); v != "" {
			*dst = v
		}
	}

	if v := strings.TrimSpace(getenv(envPrefix + "CHUNK_SIZE")); v != "" {
		n, err := humanize.ParseBytes(v)
		if err != nil {
			return fmt.Errorf("%sCHUNK_SIZE: %w", envPrefix, err)
		}
		c.Uploads.ChunkSize = SizeBytes(n)
	}
	if v := strings.TrimSpace(getenv(envPrefix + "UPLOAD_PARALLEL")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sUPLOAD_PARALLEL: %w", envPrefix, err)
		}
		c.Uploads.MaxParallel = n
	}
	if v := strings.TrimSpace(getenv(envPrefix + "RECONNECT_ATTEMPTS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sRECONNECT_ATTEMPTS: %w", envPrefix, err)
		}
		c.Connection.MaxAttempts = n
	}
	return nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch c.ThreadType {
	case "community", "private":
	default:
		return fmt.Errorf("thread_type must be community or private, got %q", c.ThreadType)
	}
	if c.Uploads.ChunkSize <= 0 {
		return fmt.Errorf("uploads.chunk_size must be positive")
	}
	if c.Uploads.MaxParallel < 1 {
		return fmt.Errorf("uploads.max_parallel must be at least 1")
	}
	if c.Outbox.MaxInFlight < 1 {
		return fmt.Errorf("outbox.max_in_flight must be at least 1")
	}
	if c.Connection.MaxAttempts < 1 {
		return fmt.Errorf("connection.max_attempts must be at least 1")
	}
	if c.Drafts.LargeThreshold < 1 {
		return fmt.Errorf("drafts.large_threshold must be at least 1")
	}
	if c.Viewport.VisibleRatio <= 0 || c.Viewport.VisibleRatio > 1 {
		return fmt.Errorf("viewport.visible_ratio must be in (0, 1]")
	}
	return nil
}

// SizeBytes is a byte count that unmarshals from "2MB" or plain integers.
type SizeBytes int64

func (s *SizeBytes) UnmarshalYAML(node *yaml.Node) error {
	raw := strings.TrimSpace(node.Value)
	if raw == "" {
		*s = 0
		return nil
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*s = SizeBytes(i)
		return nil
	}
	v, err := humanize.ParseBytes(raw)
	if err != nil {
		return fmt.Errorf("invalid size value: %q", node.Value)
	}
	*s = SizeBytes(v)
	return nil
}

func (s SizeBytes) MarshalYAML() (any, error) {
	return humanize.IBytes(uint64(s)), nil
}

func (s SizeBytes) Int64() int64 { return int64(s) }

// Duration unmarshals from "350ms" or a plain number of seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	raw := strings.TrimSpace(node.Value)
	if raw == "" {
		*d = 0
		return nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		*d = Duration(td)
		return nil
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		*d = Duration(time.Duration(f * float64(time.Second)))
		return nil
	}
	return fmt.Errorf("invalid duration value: %q", node.Value)
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }
