// Package units parses and formats human-readable byte sizes and bit rates.
//
// Byte sizes use binary multiples: "512KB", "1.5GiB", "4096". Bit rates use
// decimal multiples as encoders do: "10Mbps", "800k", "2500000".
package units

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Size is a byte count.
type Size int64

// Binary size multiples.
const (
	B  Size = 1
	KB Size = 1024
	MB Size = 1024 * KB
	GB Size = 1024 * MB
	TB Size = 1024 * GB
)

// Bitrate is a rate in bits per second.
type Bitrate int64

// Decimal rate multiples.
const (
	Bps  Bitrate = 1
	Kbps Bitrate = 1000
	Mbps Bitrate = 1000 * Kbps
	Gbps Bitrate = 1000 * Mbps
)

var sizeUnits = map[string]Size{
	"": B, "b": B, "byte": B, "bytes": B,
	"k": KB, "kb": KB, "kib": KB,
	"m": MB, "mb": MB, "mib": MB,
	"g": GB, "gb": GB, "gib": GB,
	"t": TB, "tb": TB, "tib": TB,
}

var rateUnits = map[string]Bitrate{
	"": Bps, "bps": Bps, "b/s": Bps,
	"k": Kbps, "kbps": Kbps, "kb/s": Kbps, "kbit": Kbps,
	"m": Mbps, "mbps": Mbps, "mb/s": Mbps, "mbit": Mbps,
	"g": Gbps, "gbps": Gbps, "gb/s": Gbps, "gbit": Gbps,
}

var quantityPattern = regexp.MustCompile(`(?i)^\s*([0-9]+(?:\.[0-9]+)?)\s*([a-z/]*)\s*$`)

func parse(kind, s string) (float64, string, error) {
	m := quantityPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, "", fmt.Errorf("%s: invalid value %q", kind, s)
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, "", fmt.Errorf("%s: invalid number %q: %w", kind, m[1], err)
	}
	return v, strings.ToLower(m[2]), nil
}

// ParseSize parses a byte size. A bare number is bytes.
func ParseSize(s string) (Size, error) {
	v, unit, err := parse("size", s)
	if err != nil {
		return 0, err
	}
	mult, ok := sizeUnits[unit]
	if !ok {
		return 0, fmt.Errorf("size: unknown unit %q", unit)
	}
	return Size(v * float64(mult)), nil
}

// ParseBitrate parses a bit rate. A bare number is bits per second.
func ParseBitrate(s string) (Bitrate, error) {
	v, unit, err := parse("bitrate", s)
	if err != nil {
		return 0, err
	}
	mult, ok := rateUnits[unit]
	if !ok {
		return 0, fmt.Errorf("bitrate: unknown unit %q", unit)
	}
	return Bitrate(v * float64(mult)), nil
}

func trimFloat(v float64) string {
	if v == float64(int64(v)) {
		return strconv.FormatInt(int64(v), 10)
	}
	s := strconv.FormatFloat(v, 'f', 2, 64)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}

// String renders the size with the largest unit that keeps it >= 1.
func (s Size) String() string {
	neg := s < 0
	if neg {
		s = -s
	}
	var out string
	switch {
	case s >= TB:
		out = trimFloat(float64(s)/float64(TB)) + "TB"
	case s >= GB:
		out = trimFloat(float64(s)/float64(GB)) + "GB"
	case s >= MB:
		out = trimFloat(float64(s)/float64(MB)) + "MB"
	case s >= KB:
		out = trimFloat(float64(s)/float64(KB)) + "KB"
	default:
		out = strconv.FormatInt(int64(s), 10) + "B"
	}
	if neg {
		return "-" + out
	}
	return out
}

// String renders the rate, e.g. "10Mbps".
func (r Bitrate) String() string {
	switch {
	case r >= Gbps:
		return trimFloat(float64(r)/float64(Gbps)) + "Gbps"
	case r >= Mbps:
		return trimFloat(float64(r)/float64(Mbps)) + "Mbps"
	case r >= Kbps:
		return trimFloat(float64(r)/float64(Kbps)) + "kbps"
	default:
		return strconv.FormatInt(int64(r), 10) + "bps"
	}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Size) UnmarshalText(text []byte) error {
	v, err := ParseSize(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (s Size) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Bitrate) UnmarshalText(text []byte) error {
	v, err := ParseBitrate(string(text))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (r Bitrate) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}
