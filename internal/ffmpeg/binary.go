// Package ffmpeg detects the FFmpeg binary and builds the encoder processes
// that back the ffmpeg hardware codec component.
package ffmpeg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

// BinaryEnvVar overrides the ffmpeg lookup.
const BinaryEnvVar = "ENCODERD_FFMPEG_BINARY"

// ErrNotFound is returned when no ffmpeg binary can be located.
var ErrNotFound = errors.New("ffmpeg binary not found")

// HEVCEncoders lists the HEVC encoders in order of preference. Hardware
// encoders come first; libx265 is the software fallback.
var HEVCEncoders = []string{
	"hevc_nvenc",
	"hevc_qsv",
	"hevc_vaapi",
	"hevc_videotoolbox",
	"hevc_v4l2m2m",
	"libx265",
}

// BinaryInfo describes a detected ffmpeg installation.
type BinaryInfo struct {
	Path          string   `json:"path"`
	Version       string   `json:"version"`
	MajorVersion  int      `json:"major_version"`
	MinorVersion  int      `json:"minor_version"`
	Configuration string   `json:"configuration,omitempty"`
	Encoders      []string `json:"encoders,omitempty"`
	HWAccels      []string `json:"hw_accels,omitempty"`
}

// BinaryDetector locates ffmpeg and caches what it supports.
type BinaryDetector struct {
	path string

	mu           sync.RWMutex
	info         *BinaryInfo
	lastDetected time.Time
	cacheTTL     time.Duration
}

// NewBinaryDetector creates a detector. An empty path searches the
// environment, the working directory and PATH in that order.
func NewBinaryDetector(path string) *BinaryDetector {
	return &BinaryDetector{
		path:     path,
		cacheTTL: 5 * time.Minute,
	}
}

// WithCacheTTL sets how long a detection result is reused.
func (d *BinaryDetector) WithCacheTTL(ttl time.Duration) *BinaryDetector {
	d.cacheTTL = ttl
	return d
}

// Detect returns the cached installation info, probing ffmpeg when stale.
func (d *BinaryDetector) Detect(ctx context.Context) (*BinaryInfo, error) {
	d.mu.RLock()
	if d.info != nil && time.Since(d.lastDetected) < d.cacheTTL {
		info := d.info
		d.mu.RUnlock()
		return info, nil
	}
	d.mu.RUnlock()

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.info != nil && time.Since(d.lastDetected) < d.cacheTTL {
		return d.info, nil
	}

	info, err := d.detect(ctx)
	if err != nil {
		return nil, err
	}
	d.info = info
	d.lastDetected = time.Now()
	return info, nil
}

// Clear drops the cached result.
func (d *BinaryDetector) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.info = nil
}

func (d *BinaryDetector) detect(ctx context.Context) (*BinaryInfo, error) {
	path, err := FindBinary(d.path)
	if err != nil {
		return nil, err
	}

	out, err := exec.CommandContext(ctx, path, "-version").Output()
	if err != nil {
		return nil, fmt.Errorf("running %s -version: %w", path, err)
	}
	info, err := parseVersion(string(out))
	if err != nil {
		return nil, err
	}
	info.Path = path

	if out, err := exec.CommandContext(ctx, path, "-hide_banner", "-encoders").Output(); err == nil {
		info.Encoders = parseEncoders(string(out))
	}
	if out, err := exec.CommandContext(ctx, path, "-hide_banner", "-hwaccels").Output(); err == nil {
		info.HWAccels = parseHWAccels(string(out))
	}
	return info, nil
}

var versionRegex = regexp.MustCompile(`^n?(\d+)\.(\d+)`)

func parseVersion(output string) (*BinaryInfo, error) {
	info := &BinaryInfo{}
	for line := range strings.SplitSeq(output, "\n") {
		switch {
		case strings.HasPrefix(line, "ffmpeg version"):
			parts := strings.Fields(line)
			if len(parts) < 3 {
				continue
			}
			info.Version = parts[2]
			if m := versionRegex.FindStringSubmatch(parts[2]); len(m) >= 3 {
				info.MajorVersion, _ = strconv.Atoi(m[1])
				info.MinorVersion, _ = strconv.Atoi(m[2])
			}
		case strings.HasPrefix(line, "configuration:"):
			info.Configuration = strings.TrimSpace(strings.TrimPrefix(line, "configuration:"))
		}
	}
	if info.Version == "" {
		return nil, errors.New("failed to parse ffmpeg version")
	}
	return info, nil
}

// parseEncoders reads video encoder names from `ffmpeg -encoders`.
// Lines look like " V....D libx265              libx265 H.265 / HEVC".
func parseEncoders(output string) []string {
	var encoders []string
	inList := false
	for line := range strings.SplitSeq(output, "\n") {
		if strings.Contains(line, "------") {
			inList = true
			continue
		}
		if !inList {
			continue
		}
		line = strings.TrimLeft(line, " ")
		if len(line) < 8 || line[0] != 'V' {
			continue
		}
		if parts := strings.Fields(line[6:]); len(parts) > 0 {
			encoders = append(encoders, parts[0])
		}
	}
	return encoders
}

func parseHWAccels(output string) []string {
	var accels []string
	inList := false
	for line := range strings.SplitSeq(output, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "Hardware acceleration methods") {
			inList = true
			continue
		}
		if inList && line != "" {
			accels = append(accels, line)
		}
	}
	return accels
}

// HasEncoder reports whether ffmpeg was built with the encoder.
func (info *BinaryInfo) HasEncoder(name string) bool {
	return slices.Contains(info.Encoders, name)
}

// HEVCEncoders returns the available HEVC encoders in preference order.
func (info *BinaryInfo) HEVCEncoders() []string {
	var out []string
	for _, name := range HEVCEncoders {
		if info.HasEncoder(name) {
			out = append(out, name)
		}
	}
	return out
}

// PreferredHEVCEncoder returns the best available HEVC encoder.
func (info *BinaryInfo) PreferredHEVCEncoder() (string, bool) {
	encoders := info.HEVCEncoders()
	if len(encoders) == 0 {
		return "", false
	}
	return encoders[0], true
}

// SupportsMinVersion reports whether the version is at least major.minor.
func (info *BinaryInfo) SupportsMinVersion(major, minor int) bool {
	if info.MajorVersion != major {
		return info.MajorVersion > major
	}
	return info.MinorVersion >= minor
}

// JSON returns the info as indented JSON.
func (info *BinaryInfo) JSON() string {
	data, _ := json.MarshalIndent(info, "", "  ")
	return string(data)
}

// FindBinary resolves the ffmpeg executable. An explicit path must be
// executable; otherwise BinaryEnvVar, ./ffmpeg and PATH are tried in turn.
func FindBinary(explicit string) (string, error) {
	if explicit != "" {
		if isExecutable(explicit) {
			return explicit, nil
		}
		return "", fmt.Errorf("%w: %s is not executable", ErrNotFound, explicit)
	}
	if env := os.Getenv(BinaryEnvVar); env != "" && isExecutable(env) {
		return env, nil
	}
	if isExecutable("./ffmpeg") {
		return "./ffmpeg", nil
	}
	if path, err := exec.LookPath("ffmpeg"); err == nil {
		return path, nil
	}
	return "", ErrNotFound
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0o111 != 0
}
