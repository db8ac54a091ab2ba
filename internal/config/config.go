// Package config loads and persists the application settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/bryanchriswhite/GlassesStreamer/internal/logger"
	"github.com/bryanchriswhite/GlassesStreamer/internal/overlay"
	"github.com/bryanchriswhite/GlassesStreamer/internal/region"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides, e.g. GLASSES_CAPTURE_FPS.
const EnvPrefix = "GLASSES"

// Duration is a time.Duration written as "500ms" in config files.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Config represents the application configuration
type Config struct {
	ServerPort  int    `json:"server_port" yaml:"server_port" mapstructure:"server_port"`
	LogLevel    string `json:"log_level" yaml:"log_level" mapstructure:"log_level"`
	PrettyLogs  bool   `json:"pretty_logs" yaml:"pretty_logs" mapstructure:"pretty_logs"`
	JPEGQuality int    `json:"jpeg_quality" yaml:"jpeg_quality" mapstructure:"jpeg_quality"`

	Capture    CaptureConfig    `json:"capture" yaml:"capture" mapstructure:"capture"`
	Bus        BusConfig        `json:"bus" yaml:"bus" mapstructure:"bus"`
	Region     RegionConfig     `json:"region" yaml:"region" mapstructure:"region"`
	Recorder   RecorderConfig   `json:"recorder" yaml:"recorder" mapstructure:"recorder"`
	Processing ProcessingConfig `json:"processing" yaml:"processing" mapstructure:"processing"`
	Relay      RelayConfig      `json:"relay" yaml:"relay" mapstructure:"relay"`
	Preview    PreviewConfig    `json:"preview" yaml:"preview" mapstructure:"preview"`
}

// CaptureConfig selects the frame source and paces the capture loop
type CaptureConfig struct {
	Backend        string   `json:"backend" yaml:"backend" mapstructure:"backend"`
	WindowTitle    string   `json:"window_title" yaml:"window_title" mapstructure:"window_title"`
	X11Display     string   `json:"x11_display" yaml:"x11_display" mapstructure:"x11_display"`
	Display        int      `json:"display" yaml:"display" mapstructure:"display"`
	FPS            int      `json:"fps" yaml:"fps" mapstructure:"fps"`
	PollTimeout    Duration `json:"poll_timeout" yaml:"poll_timeout" mapstructure:"poll_timeout"`
	BackoffInitial Duration `json:"backoff_initial" yaml:"backoff_initial" mapstructure:"backoff_initial"`
	BackoffMax     Duration `json:"backoff_max" yaml:"backoff_max" mapstructure:"backoff_max"`
	AutoClamp      bool     `json:"auto_clamp" yaml:"auto_clamp" mapstructure:"auto_clamp"`
	GstCommand     string   `json:"gst_command" yaml:"gst_command" mapstructure:"gst_command"`
}

// Interval is the capture period derived from FPS.
func (c CaptureConfig) Interval() time.Duration {
	if c.FPS <= 0 {
		return 0
	}
	return time.Second / time.Duration(c.FPS)
}

// BusConfig sizes the frame bus
type BusConfig struct {
	MailboxSize int `json:"mailbox_size" yaml:"mailbox_size" mapstructure:"mailbox_size"`
	RingSize    int `json:"ring_size" yaml:"ring_size" mapstructure:"ring_size"`
}

// RegionConfig locates the region file
type RegionConfig struct {
	Path      string `json:"path" yaml:"path" mapstructure:"path"`
	MinWidth  int    `json:"min_width" yaml:"min_width" mapstructure:"min_width"`
	MinHeight int    `json:"min_height" yaml:"min_height" mapstructure:"min_height"`
	Watch     bool   `json:"watch" yaml:"watch" mapstructure:"watch"`
}

// RecorderConfig configures recordings
type RecorderConfig struct {
	Dir       string `json:"dir" yaml:"dir" mapstructure:"dir"`
	Quality   int    `json:"quality" yaml:"quality" mapstructure:"quality"`
	MaxStride int    `json:"max_stride" yaml:"max_stride" mapstructure:"max_stride"`
}

// ProcessingConfig configures the processing sink. An empty URL disables it.
type ProcessingConfig struct {
	URL     string   `json:"url" yaml:"url" mapstructure:"url"`
	Timeout Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"`
}

// RelayConfig configures the ffmpeg relay
type RelayConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	URL     string `json:"url" yaml:"url" mapstructure:"url"`
	FFmpeg  string `json:"ffmpeg" yaml:"ffmpeg" mapstructure:"ffmpeg"`
	Width   int    `json:"width" yaml:"width" mapstructure:"width"`
	Height  int    `json:"height" yaml:"height" mapstructure:"height"`
}

// PreviewConfig configures the local preview window and the overlay of
// preview streams. Overlay and Step keep the last choice made through the
// API across restarts.
type PreviewConfig struct {
	Enabled bool         `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Width   int          `json:"width" yaml:"width" mapstructure:"width"`
	Height  int          `json:"height" yaml:"height" mapstructure:"height"`
	Overlay overlay.Mode `json:"overlay" yaml:"overlay" mapstructure:"overlay"`
	Step    string       `json:"step" yaml:"step" mapstructure:"step"`
}

// DefaultWindowTitle matches the usual phone mirroring windows.
const DefaultWindowTitle = `(?i)iphone mirroring|quicktime|scrcpy|glasses`

// Manager handles configuration
//
// Two viper instances are kept. file holds defaults and the config file and
// is the only layer ever saved; v adds environment variables and Override
// values on top and backs Get.
type Manager struct {
	configPath string
	file       *viper.Viper
	v          *viper.Viper
	stored     *Config
	config     *Config
	mu         sync.RWMutex
}

// DefaultDir returns $HOME/.config/glassesstreamer.
func DefaultDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "glassesstreamer"), nil
}

// NewManager loads configFile, or the default path when empty. A missing
// file is created with defaults.
func NewManager(configFile string) (*Manager, error) {
	path := configFile
	if path == "" {
		dir, err := DefaultDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(dir, "config.yaml")
	}

	m := &Manager{configPath: path}

	_, statErr := os.Stat(path)
	exists := statErr == nil
	if !exists && !errors.Is(statErr, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read config: %w", statErr)
	}

	if !exists {
		stored, err := decode(newFileViper(path))
		if err != nil {
			return nil, err
		}
		logger.WithComponent("config").Info().
			Str("path", path).
			Msg("Config file not found, creating new config")
		if err := m.write(stored); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	}

	m.v = newViper(path)
	if err := m.reload(); err != nil {
		return nil, err
	}
	cfg := m.config

	logger.WithComponent("config").Info().
		Str("path", path).
		Str("backend", cfg.Capture.Backend).
		Int("fps", cfg.Capture.FPS).
		Msg("Config loaded")

	return m, nil
}

// newFileViper reads defaults and the config file only.
func newFileViper(path string) *viper.Viper {
	v := viper.New()
	setDefaults(v, filepath.Dir(path))
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	return v
}

// newViper adds environment variables on top of newFileViper.
func newViper(path string) *viper.Viper {
	v := newFileViper(path)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func setDefaults(v *viper.Viper, configDir string) {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}

	v.SetDefault("server_port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("pretty_logs", true)
	v.SetDefault("jpeg_quality", 85)

	v.SetDefault("capture.backend", "auto")
	v.SetDefault("capture.window_title", DefaultWindowTitle)
	v.SetDefault("capture.x11_display", "")
	v.SetDefault("capture.display", 0)
	v.SetDefault("capture.fps", 20)
	v.SetDefault("capture.poll_timeout", "500ms")
	v.SetDefault("capture.backoff_initial", "250ms")
	v.SetDefault("capture.backoff_max", "5s")
	v.SetDefault("capture.auto_clamp", false)
	v.SetDefault("capture.gst_command", "gst-launch-1.0")

	v.SetDefault("bus.mailbox_size", 3)
	v.SetDefault("bus.ring_size", 16)

	v.SetDefault("region.path", filepath.Join(configDir, "region.yaml"))
	v.SetDefault("region.min_width", 16)
	v.SetDefault("region.min_height", 16)
	v.SetDefault("region.watch", true)

	v.SetDefault("recorder.dir", filepath.Join(home, "Videos", "glassesstreamer"))
	v.SetDefault("recorder.quality", 85)
	v.SetDefault("recorder.max_stride", 8)

	v.SetDefault("processing.url", "")
	v.SetDefault("processing.timeout", "2s")

	v.SetDefault("relay.enabled", false)
	v.SetDefault("relay.url", "rtmp://localhost/live/stream")
	v.SetDefault("relay.ffmpeg", "ffmpeg")
	v.SetDefault("relay.width", 640)
	v.SetDefault("relay.height", 480)

	v.SetDefault("preview.enabled", false)
	v.SetDefault("preview.width", 640)
	v.SetDefault("preview.height", 480)
	v.SetDefault("preview.overlay", "standard")
	v.SetDefault("preview.step", "normal")
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges and the window title pattern.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.ServerPort > 0 && c.ServerPort < 65536, "server_port %d out of range", c.ServerPort)
	check(logger.ValidLevel(c.LogLevel), "log_level %q is not one of debug, info, warn, error", c.LogLevel)
	check(c.JPEGQuality >= 1 && c.JPEGQuality <= 100, "jpeg_quality %d out of range 1-100", c.JPEGQuality)
	check(map[string]bool{"auto": true, "x11": true, "screen": true, "pipewire": true}[c.Capture.Backend],
		"capture.backend %q is not one of auto, x11, screen, pipewire", c.Capture.Backend)
	if _, err := regexp.Compile(c.Capture.WindowTitle); err != nil {
		errs = append(errs, fmt.Errorf("capture.window_title: %w", err))
	}
	check(c.Capture.FPS > 0, "capture.fps must be positive")
	check(c.Capture.PollTimeout > 0, "capture.poll_timeout must be positive")
	check(c.Capture.BackoffInitial > 0, "capture.backoff_initial must be positive")
	check(c.Capture.BackoffMax >= c.Capture.BackoffInitial, "capture.backoff_max must not be below backoff_initial")
	check(c.Bus.MailboxSize > 0, "bus.mailbox_size must be positive")
	check(c.Bus.RingSize >= c.Bus.MailboxSize, "bus.ring_size must be at least bus.mailbox_size")
	check(c.Region.Path != "", "region.path must be set")
	check(c.Region.MinWidth > 0 && c.Region.MinHeight > 0, "region minimum size must be positive")
	check(c.Recorder.Quality >= 1 && c.Recorder.Quality <= 100, "recorder.quality %d out of range 1-100", c.Recorder.Quality)
	check(c.Recorder.MaxStride >= 1, "recorder.max_stride must be at least 1")
	if _, err := region.ParseStep(c.Preview.Step); err != nil {
		errs = append(errs, fmt.Errorf("preview.step: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Get returns a copy of the current configuration
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg := *m.config
	return &cfg
}

// Lookup returns the raw value of a dotted key such as capture.fps.
func (m *Manager) Lookup(key string) (interface{}, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.v.IsSet(key) {
		return nil, false
	}
	return m.v.Get(key), true
}

// Set changes one dotted key, validates the result and saves it. Values
// applied through Override or the environment are not written out.
func (m *Manager) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !isKnownKey(m.file, key) {
		return fmt.Errorf("unknown configuration key: %s", key)
	}
	next := newFileViper(m.configPath)
	if err := next.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	next.Set(key, value)
	stored, err := decode(next)
	if err != nil {
		return err
	}
	if err := m.write(stored); err != nil {
		return err
	}
	return m.reload()
}

// reload rereads the config file into both layers. Callers hold mu or
// own m exclusively.
func (m *Manager) reload() error {
	file := newFileViper(m.configPath)
	if err := file.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	stored, err := decode(file)
	if err != nil {
		return err
	}
	// Override values live in v's own layer and survive the reread
	if err := m.v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := decode(m.v)
	if err != nil {
		return err
	}
	m.file, m.stored, m.config = file, stored, cfg
	return nil
}

func isKnownKey(v *viper.Viper, key string) bool {
	key = strings.ToLower(key)
	for _, k := range v.AllKeys() {
		if k == key {
			return true
		}
	}
	return false
}

// Override applies a value for this process only, as used for command line
// flags. Empty or zero values are ignored.
func (m *Manager) Override(key string, value interface{}) error {
	switch val := value.(type) {
	case nil:
		return nil
	case string:
		if val == "" {
			return nil
		}
	case int:
		if val == 0 {
			return nil
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.v.Get(key)
	m.v.Set(key, value)
	cfg, err := decode(m.v)
	if err != nil {
		m.v.Set(key, prev)
		return err
	}
	m.config = cfg
	return nil
}

// Update replaces the saved configuration. Override and environment
// values still take precedence for this process.
func (m *Manager) Update(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.write(cfg); err != nil {
		return err
	}
	return m.reload()
}

// Save writes the file-backed configuration to disk
func (m *Manager) Save() error {
	m.mu.RLock()
	cfg := *m.stored
	m.mu.RUnlock()
	return m.write(&cfg)
}

func (m *Manager) write(cfg *Config) error {
	configDir := filepath.Dir(m.configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(m.configPath, data, 0644); err != nil {
		logger.WithComponent("config").Error().
			Err(err).
			Str("path", m.configPath).
			Msg("Failed to write config")
		return err
	}

	logger.WithComponent("config").Debug().
		Str("path", m.configPath).
		Msg("Config saved")
	return nil
}

// GetConfigPath returns the path to the config file
func (m *Manager) GetConfigPath() string {
	return m.configPath
}
