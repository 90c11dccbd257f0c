package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/encoderd/pkg/units"
)

func validTestConfig() *Config {
	return &Config{
		Encoder: EncoderConfig{
			Width: 1928, Height: 1208, FPS: 20,
			Bitrate: 10 * units.Mbps, FileName: "fcamera", Codec: CodecLoopback,
		},
		Storage:  StorageConfig{Root: "./data"},
		Rotation: RotationConfig{Enabled: true, Schedule: "@every 1m"},
		Source:   SourceConfig{Type: "synthetic"},
		Catalog:  CatalogConfig{Enabled: true, Driver: "sqlite", DSN: "test.db", LogLevel: "warn"},
		Server:   ServerConfig{Enabled: true, Port: 8085},
		Logging:  LoggingConfig{Level: "info", Format: "json"},
	}
}

func loadFile(t *testing.T, content string) (*Config, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "encoderd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return Load(path)
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 1928, cfg.Encoder.Width)
	assert.Equal(t, 1208, cfg.Encoder.Height)
	assert.Equal(t, 20, cfg.Encoder.FPS)
	assert.Equal(t, 10*units.Mbps, cfg.Encoder.Bitrate)
	assert.Equal(t, "fcamera", cfg.Encoder.FileName)
	assert.Equal(t, CodecLoopback, cfg.Encoder.Codec)
	assert.Equal(t, 10*time.Second, cfg.Encoder.StateTimeout)

	assert.Equal(t, units.Size(0), cfg.Storage.MinFreeSpace)
	assert.True(t, cfg.Rotation.Enabled)
	assert.Equal(t, "@every 1m", cfg.Rotation.Schedule)
	assert.Equal(t, "synthetic", cfg.Source.Type)

	assert.False(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "encoderd/frames", cfg.Telemetry.Topic)
	assert.Equal(t, 64, cfg.Telemetry.QueueSize)

	assert.Equal(t, "sqlite", cfg.Catalog.Driver)
	assert.Equal(t, 8085, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_FromFile(t *testing.T) {
	cfg, err := loadFile(t, `
encoder:
  width: 1280
  height: 720
  bitrate: 4Mbps
  codec: ffmpeg
ffmpeg:
  encoder: libx265
  gop: 40
storage:
  root: /var/lib/encoderd
  min_free_space: 2GB
rotation:
  schedule: "*/5 * * * *"
  route: drive-1
telemetry:
  enabled: true
  broker: tcp://broker:1883
  qos: 1
`)
	require.NoError(t, err)

	assert.Equal(t, 1280, cfg.Encoder.Width)
	assert.Equal(t, 720, cfg.Encoder.Height)
	assert.Equal(t, 4*units.Mbps, cfg.Encoder.Bitrate)
	assert.Equal(t, CodecFFmpeg, cfg.Encoder.Codec)
	assert.Equal(t, "libx265", cfg.FFmpeg.Encoder)
	assert.Equal(t, 40, cfg.FFmpeg.GOP)
	assert.Equal(t, "/var/lib/encoderd", cfg.Storage.Root)
	assert.Equal(t, 2*units.GB, cfg.Storage.MinFreeSpace)
	assert.Equal(t, "drive-1", cfg.Rotation.Route)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, 1, cfg.Telemetry.QoS)
}

func TestLoad_NumericUnits(t *testing.T) {
	cfg, err := loadFile(t, `
encoder:
  bitrate: 2500000
storage:
  min_free_space: 1048576
`)
	require.NoError(t, err)
	assert.Equal(t, units.Bitrate(2_500_000), cfg.Encoder.Bitrate)
	assert.Equal(t, units.MB, cfg.Storage.MinFreeSpace)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("ENCODERD_SERVER_PORT", "9999")
	t.Setenv("ENCODERD_ENCODER_BITRATE", "6Mbps")

	cfg, err := loadFile(t, "server:\n  port: 7000\n")
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, 6*units.Mbps, cfg.Encoder.Bitrate)
}

func TestLoadFrom_BoundValue(t *testing.T) {
	t.Chdir(t.TempDir())
	v := New("")
	v.Set("encoder.codec", CodecFFmpeg)

	cfg, err := LoadFrom(v)
	require.NoError(t, err)
	assert.Equal(t, CodecFFmpeg, cfg.Encoder.Codec)
}

func TestLoad_InvalidFile(t *testing.T) {
	_, err := loadFile(t, "encoder: [unclosed")
	assert.Error(t, err)

	_, err = loadFile(t, "encoder:\n  bitrate: fast\n")
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		errMsg string
	}{
		{"valid", func(*Config) {}, ""},
		{"odd width", func(c *Config) { c.Encoder.Width = 1927 }, "must be positive and even"},
		{"zero fps", func(c *Config) { c.Encoder.FPS = 0 }, "encoder.fps"},
		{"zero bitrate", func(c *Config) { c.Encoder.Bitrate = 0 }, "encoder.bitrate"},
		{"file name with path", func(c *Config) { c.Encoder.FileName = "a/b" }, "encoder.file_name"},
		{"unknown codec", func(c *Config) { c.Encoder.Codec = "venus" }, "encoder.codec"},
		{"no root", func(c *Config) { c.Storage.Root = "" }, "storage.root"},
		{"bad schedule", func(c *Config) { c.Rotation.Schedule = "whenever" }, "rotation.schedule"},
		{"bad schedule ignored when disabled", func(c *Config) {
			c.Rotation.Enabled = false
			c.Rotation.Schedule = "whenever"
		}, ""},
		{"route with separator", func(c *Config) { c.Rotation.Route = "../x" }, "rotation.route"},
		{"file source without path", func(c *Config) { c.Source.Type = "file" }, "source.path"},
		{"unknown source", func(c *Config) { c.Source.Type = "camera" }, "source.type"},
		{"telemetry without broker", func(c *Config) {
			c.Telemetry = TelemetryConfig{Enabled: true, Topic: "t"}
		}, "telemetry.broker"},
		{"telemetry qos", func(c *Config) {
			c.Telemetry = TelemetryConfig{Enabled: true, Broker: "tcp://b:1883", Topic: "t", QoS: 3}
		}, "telemetry.qos"},
		{"catalog driver", func(c *Config) { c.Catalog.Driver = "oracle" }, "catalog.driver"},
		{"catalog disabled skips checks", func(c *Config) {
			c.Catalog = CatalogConfig{Enabled: false, Driver: "oracle"}
		}, ""},
		{"port", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validTestConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestValidate_ReportsAllErrors(t *testing.T) {
	cfg := validTestConfig()
	cfg.Encoder.FPS = 0
	cfg.Server.Port = 0
	cfg.Logging.Format = "xml"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "encoder.fps")
	assert.Contains(t, err.Error(), "server.port")
	assert.Contains(t, err.Error(), "logging.format")
}

func TestServerConfig_Address(t *testing.T) {
	c := ServerConfig{Host: "127.0.0.1", Port: 8085}
	assert.Equal(t, "127.0.0.1:8085", c.Address())
}

func TestComponentParams(t *testing.T) {
	cfg := validTestConfig()
	cfg.Loopback = LoopbackConfig{InputBuffers: 3, OutputBuffers: 5}
	assert.Equal(t, "3", cfg.ComponentParams()["input_buffers"])
	assert.Equal(t, "5", cfg.ComponentParams()["output_buffers"])

	cfg.Encoder.Codec = CodecFFmpeg
	cfg.FFmpeg = FFmpegConfig{BinaryPath: "/usr/bin/ffmpeg", Encoder: "hevc_nvenc", GOP: 30}
	params := cfg.ComponentParams()
	assert.Equal(t, "/usr/bin/ffmpeg", params["binary_path"])
	assert.Equal(t, "hevc_nvenc", params["encoder"])
	assert.Equal(t, "30", params["gop"])
}
