// Package config provides configuration management for encoderd using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/jmylchreest/encoderd/pkg/units"
)

// EnvPrefix prefixes environment overrides, e.g. ENCODERD_SERVER_PORT.
const EnvPrefix = "ENCODERD"

// Default configuration values.
const (
	defaultWidth           = 1928
	defaultHeight          = 1208
	defaultFPS             = 20
	defaultBitrate         = "10Mbps"
	defaultStateTimeout    = 10 * time.Second
	defaultServerPort      = 8085
	defaultServerTimeout   = 30 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultMaxOpenConns    = 10
	defaultMaxIdleConns    = 5
)

// Codec backends.
const (
	CodecLoopback = "loopback"
	CodecFFmpeg   = "ffmpeg"
)

// Config holds all configuration for the application.
type Config struct {
	Encoder   EncoderConfig   `mapstructure:"encoder" yaml:"encoder"`
	FFmpeg    FFmpegConfig    `mapstructure:"ffmpeg" yaml:"ffmpeg"`
	Loopback  LoopbackConfig  `mapstructure:"loopback" yaml:"loopback"`
	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage"`
	Rotation  RotationConfig  `mapstructure:"rotation" yaml:"rotation"`
	Source    SourceConfig    `mapstructure:"source" yaml:"source"`
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`
	Catalog   CatalogConfig   `mapstructure:"catalog" yaml:"catalog"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
}

// EncoderConfig describes the encoded stream.
type EncoderConfig struct {
	Width    int           `mapstructure:"width" yaml:"width"`
	Height   int           `mapstructure:"height" yaml:"height"`
	FPS      int           `mapstructure:"fps" yaml:"fps"`
	Bitrate  units.Bitrate `mapstructure:"bitrate" yaml:"bitrate"`
	FileName string        `mapstructure:"file_name" yaml:"file_name"`
	Codec    string        `mapstructure:"codec" yaml:"codec"` // loopback, ffmpeg
	// StateTimeout bounds each component state change; 0 waits forever.
	StateTimeout time.Duration `mapstructure:"state_timeout" yaml:"state_timeout"`
}

// FFmpegConfig configures the ffmpeg codec backend.
type FFmpegConfig struct {
	BinaryPath string `mapstructure:"binary_path" yaml:"binary_path"` // empty = auto-detect
	Encoder    string `mapstructure:"encoder" yaml:"encoder"`         // empty = best available
	Preset     string `mapstructure:"preset" yaml:"preset"`
	GOP        int    `mapstructure:"gop" yaml:"gop"`
}

// LoopbackConfig configures the loopback codec backend.
type LoopbackConfig struct {
	InputBuffers  int `mapstructure:"input_buffers" yaml:"input_buffers"`
	OutputBuffers int `mapstructure:"output_buffers" yaml:"output_buffers"`
}

// StorageConfig holds recording storage configuration.
type StorageConfig struct {
	Root string `mapstructure:"root" yaml:"root"`
	// MinFreeSpace pauses recording when the root has less space free.
	// Supports human-readable values like "1GB"; 0 disables the check.
	MinFreeSpace units.Size `mapstructure:"min_free_space" yaml:"min_free_space"`
}

// RotationConfig holds segment rotation configuration.
type RotationConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Schedule string `mapstructure:"schedule" yaml:"schedule"` // cron expression or @every
	Route    string `mapstructure:"route" yaml:"route"`       // empty = generated
}

// SourceConfig selects the frame producer.
type SourceConfig struct {
	Type string `mapstructure:"type" yaml:"type"` // none, synthetic, file
	Path string `mapstructure:"path" yaml:"path"`
	Loop bool   `mapstructure:"loop" yaml:"loop"`
}

// TelemetryConfig configures the MQTT frame publisher.
type TelemetryConfig struct {
	Enabled        bool          `mapstructure:"enabled" yaml:"enabled"`
	Broker         string        `mapstructure:"broker" yaml:"broker"`
	Topic          string        `mapstructure:"topic" yaml:"topic"`
	ClientID       string        `mapstructure:"client_id" yaml:"client_id"`
	QoS            int           `mapstructure:"qos" yaml:"qos"`
	QueueSize      int           `mapstructure:"queue_size" yaml:"queue_size"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
}

// CatalogConfig holds segment catalog database configuration.
type CatalogConfig struct {
	Enabled         bool          `mapstructure:"enabled" yaml:"enabled"`
	Driver          string        `mapstructure:"driver" yaml:"driver"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn" yaml:"dsn"`
	LogLevel        string        `mapstructure:"log_level" yaml:"log_level"` // silent, error, warn, info
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Enabled         bool          `mapstructure:"enabled" yaml:"enabled"`
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`   // debug, info, warn, error
	Format     string `mapstructure:"format" yaml:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source" yaml:"add_source"`
	TimeFormat string `mapstructure:"time_format" yaml:"time_format"`
}

// New returns a viper instance with defaults, search paths and environment
// binding configured. configPath overrides the search.
func New(configPath string) *viper.Viper {
	v := viper.New()
	Configure(v, configPath)
	return v
}

// Configure applies defaults, search paths and environment binding to an
// existing viper instance.
func Configure(v *viper.Viper, configPath string) {
	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("encoderd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/encoderd")
		v.AddConfigPath("$HOME/.config/encoderd")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
func Load(configPath string) (*Config, error) {
	return LoadFrom(New(configPath))
}

// LoadFrom reads the config file known to v, if any, and decodes and
// validates the result. Flags bound to v take precedence over everything.
func LoadFrom(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		numberToUnits,
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

var (
	sizeType    = reflect.TypeFor[units.Size]()
	bitrateType = reflect.TypeFor[units.Bitrate]()
)

// numberToUnits lets plain numbers stand for bytes and bits per second.
func numberToUnits(_ reflect.Type, to reflect.Type, data any) (any, error) {
	if to != sizeType && to != bitrateType {
		return data, nil
	}
	var n int64
	switch d := data.(type) {
	case int:
		n = int64(d)
	case int64:
		n = d
	case uint64:
		n = int64(d)
	case float64:
		n = int64(d)
	default:
		return data, nil
	}
	return strconv.FormatInt(n, 10), nil
}

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("encoder.width", defaultWidth)
	v.SetDefault("encoder.height", defaultHeight)
	v.SetDefault("encoder.fps", defaultFPS)
	v.SetDefault("encoder.bitrate", defaultBitrate)
	v.SetDefault("encoder.file_name", "fcamera")
	v.SetDefault("encoder.codec", CodecLoopback)
	v.SetDefault("encoder.state_timeout", defaultStateTimeout)

	v.SetDefault("ffmpeg.binary_path", "")
	v.SetDefault("ffmpeg.encoder", "")
	v.SetDefault("ffmpeg.preset", "")
	v.SetDefault("ffmpeg.gop", defaultFPS)

	v.SetDefault("loopback.input_buffers", 4)
	v.SetDefault("loopback.output_buffers", 4)

	v.SetDefault("storage.root", "./data/segments")
	v.SetDefault("storage.min_free_space", "0")

	v.SetDefault("rotation.enabled", true)
	v.SetDefault("rotation.schedule", "@every 1m")
	v.SetDefault("rotation.route", "")

	v.SetDefault("source.type", "synthetic")
	v.SetDefault("source.path", "")
	v.SetDefault("source.loop", true)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.broker", "tcp://localhost:1883")
	v.SetDefault("telemetry.topic", "encoderd/frames")
	v.SetDefault("telemetry.client_id", "")
	v.SetDefault("telemetry.qos", 0)
	v.SetDefault("telemetry.queue_size", 64)
	v.SetDefault("telemetry.connect_timeout", 5*time.Second)

	v.SetDefault("catalog.enabled", true)
	v.SetDefault("catalog.driver", "sqlite")
	v.SetDefault("catalog.dsn", "./data/encoderd.db")
	v.SetDefault("catalog.log_level", "warn")
	v.SetDefault("catalog.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("catalog.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("catalog.conn_max_lifetime", time.Hour)

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)
}

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	e := c.Encoder
	if e.Width <= 0 || e.Height <= 0 || e.Width%2 != 0 || e.Height%2 != 0 {
		add("encoder frame size %dx%d must be positive and even", e.Width, e.Height)
	}
	if e.FPS <= 0 {
		add("encoder.fps must be positive")
	}
	if e.Bitrate <= 0 {
		add("encoder.bitrate must be positive")
	}
	if e.FileName == "" || strings.ContainsAny(e.FileName, `/\`) {
		add("encoder.file_name must be a plain file name")
	}
	if e.Codec != CodecLoopback && e.Codec != CodecFFmpeg {
		add("encoder.codec must be one of: %s, %s", CodecLoopback, CodecFFmpeg)
	}
	if e.StateTimeout < 0 {
		add("encoder.state_timeout must not be negative")
	}

	if c.FFmpeg.GOP < 0 {
		add("ffmpeg.gop must not be negative")
	}
	if c.Loopback.InputBuffers < 0 || c.Loopback.OutputBuffers < 0 {
		add("loopback buffer counts must not be negative")
	}

	if c.Storage.Root == "" {
		add("storage.root is required")
	}
	if c.Storage.MinFreeSpace < 0 {
		add("storage.min_free_space must not be negative")
	}

	if c.Rotation.Enabled && c.Rotation.Schedule != "" {
		if _, err := cronParser.Parse(c.Rotation.Schedule); err != nil {
			add("rotation.schedule: %w", err)
		}
	}
	if strings.ContainsAny(c.Rotation.Route, `/\`) {
		add("rotation.route must not contain path separators")
	}

	switch c.Source.Type {
	case "", "none", "synthetic":
	case "file":
		if c.Source.Path == "" {
			add("source.path is required for file sources")
		}
	default:
		add("source.type must be one of: none, synthetic, file")
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.Broker == "" {
			add("telemetry.broker is required when telemetry is enabled")
		}
		if c.Telemetry.Topic == "" {
			add("telemetry.topic is required when telemetry is enabled")
		}
		if c.Telemetry.QoS < 0 || c.Telemetry.QoS > 2 {
			add("telemetry.qos must be 0, 1 or 2")
		}
	}

	if c.Catalog.Enabled {
		validDrivers := map[string]bool{"sqlite": true, "postgres": true, "mysql": true}
		if !validDrivers[c.Catalog.Driver] {
			add("catalog.driver must be one of: sqlite, postgres, mysql")
		}
		if c.Catalog.DSN == "" {
			add("catalog.dsn is required")
		}
		validDBLevels := map[string]bool{"": true, "silent": true, "error": true, "warn": true, "info": true}
		if !validDBLevels[c.Catalog.LogLevel] {
			add("catalog.log_level must be one of: silent, error, warn, info")
		}
	}

	const maxPort = 65535
	if c.Server.Enabled && (c.Server.Port < 1 || c.Server.Port > maxPort) {
		add("server.port must be between 1 and %d", maxPort)
	}

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		add("logging.level must be one of: trace, debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		add("logging.format must be one of: json, text")
	}

	return errors.Join(errs...)
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ComponentParams returns the backend parameters for the configured codec.
func (c *Config) ComponentParams() map[string]string {
	switch c.Encoder.Codec {
	case CodecFFmpeg:
		return map[string]string{
			"binary_path": c.FFmpeg.BinaryPath,
			"encoder":     c.FFmpeg.Encoder,
			"preset":      c.FFmpeg.Preset,
			"gop":         strconv.Itoa(c.FFmpeg.GOP),
		}
	default:
		return map[string]string{
			"input_buffers":  strconv.Itoa(c.Loopback.InputBuffers),
			"output_buffers": strconv.Itoa(c.Loopback.OutputBuffers),
			"gop":            strconv.Itoa(c.FFmpeg.GOP),
		}
	}
}
