package handlers

import (
	"time"

	"github.com/jmylchreest/encoderd/internal/catalog"
	"github.com/jmylchreest/encoderd/internal/encoder"
	"github.com/jmylchreest/encoderd/internal/models"
	"github.com/jmylchreest/encoderd/internal/scheduler"
	"github.com/jmylchreest/encoderd/internal/source"
	"github.com/jmylchreest/encoderd/internal/telemetry"
)

// Encoder types

// EncoderStatusResponse is the state of the encoder and its helpers.
type EncoderStatusResponse struct {
	Session   encoder.Status    `json:"session"`
	Rotation  *scheduler.Status `json:"rotation,omitempty"`
	Telemetry *telemetry.Stats  `json:"telemetry,omitempty"`
	Source    *source.Stats     `json:"source,omitempty"`
}

// RotateNextResponse reports the segment requested by rotate/next.
type RotateNextResponse struct {
	Segment int    `json:"segment" doc:"Requested segment index"`
	Path    string `json:"path" doc:"Requested segment directory"`
}

// Segment types

// SegmentResponse is a catalogued segment.
type SegmentResponse struct {
	ID          models.ULID `json:"id"`
	RouteID     models.ULID `json:"route_id"`
	Index       int         `json:"index"`
	Path        string      `json:"path"`
	DataFile    string      `json:"data_file"`
	OpenedAt    time.Time   `json:"opened_at"`
	ClosedAt    *time.Time  `json:"closed_at,omitempty"`
	Open        bool        `json:"open"`
	Frames      int         `json:"frames"`
	Bytes       int64       `json:"bytes"`
	HeaderBytes int         `json:"header_bytes"`
	DurationMS  int64       `json:"duration_ms,omitempty"`
}

// SegmentFromModel converts a model to a response.
func SegmentFromModel(s *models.Segment) SegmentResponse {
	return SegmentResponse{
		ID:          s.ID,
		RouteID:     s.RouteID,
		Index:       s.Index,
		Path:        s.Path,
		DataFile:    s.DataFile,
		OpenedAt:    s.OpenedAt,
		ClosedAt:    s.ClosedAt,
		Open:        s.Open(),
		Frames:      s.Frames,
		Bytes:       s.Bytes,
		HeaderBytes: s.HeaderBytes,
		DurationMS:  s.Duration().Milliseconds(),
	}
}

// RouteResponse is a route with totals.
type RouteResponse struct {
	ID           models.ULID `json:"id"`
	Name         string      `json:"name"`
	Root         string      `json:"root"`
	CreatedAt    time.Time   `json:"created_at"`
	SegmentCount int64       `json:"segment_count"`
	Frames       int64       `json:"frames"`
	Bytes        int64       `json:"bytes"`
}

// RouteFromSummary converts a catalog summary to a response.
func RouteFromSummary(r catalog.RouteSummary) RouteResponse {
	return RouteResponse{
		ID:           r.ID,
		Name:         r.Name,
		Root:         r.Root,
		CreatedAt:    r.CreatedAt,
		SegmentCount: r.SegmentCount,
		Frames:       r.Frames,
		Bytes:        r.Bytes,
	}
}

// Health types

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status        string            `json:"status"`
	Timestamp     string            `json:"timestamp"`
	Version       string            `json:"version"`
	Uptime        string            `json:"uptime"`
	UptimeSeconds float64           `json:"uptime_seconds"`
	CPU           CPUInfo           `json:"cpu"`
	Memory        MemoryInfo        `json:"memory"`
	Storage       *StorageInfo      `json:"storage,omitempty"`
	Encoder       *EncoderHealth    `json:"encoder,omitempty"`
	Catalog       *CatalogHealth    `json:"catalog,omitempty"`
	Checks        map[string]string `json:"checks"`
}

// CPUInfo holds load averages.
type CPUInfo struct {
	Cores              int     `json:"cores"`
	Load1Min           float64 `json:"load_1min"`
	Load5Min           float64 `json:"load_5min"`
	Load15Min          float64 `json:"load_15min"`
	LoadPercentage1Min float64 `json:"load_percentage_1min"`
}

// MemoryInfo holds system and process memory in MiB.
type MemoryInfo struct {
	TotalMB       float64 `json:"total_mb"`
	UsedMB        float64 `json:"used_mb"`
	AvailableMB   float64 `json:"available_mb"`
	ProcessMB     float64 `json:"process_mb"`
	ChildCount    int     `json:"child_count"`
	ChildrenMB    float64 `json:"children_mb"`
	ProcessTreeMB float64 `json:"process_tree_mb"`
}

// StorageInfo describes the recording root filesystem.
type StorageInfo struct {
	Path        string  `json:"path"`
	TotalBytes  uint64  `json:"total_bytes"`
	FreeBytes   uint64  `json:"free_bytes"`
	UsedPercent float64 `json:"used_percent"`
}

// EncoderHealth summarises the session.
type EncoderHealth struct {
	Codec          string `json:"codec"`
	ComponentState string `json:"component_state"`
	Open           bool   `json:"open"`
	Dead           bool   `json:"dead"`
	Error          string `json:"error,omitempty"`
}

// CatalogHealth reports catalog reachability.
type CatalogHealth struct {
	Status         string  `json:"status"`
	Driver         string  `json:"driver,omitempty"`
	ResponseTimeMS float64 `json:"response_time_ms"`
	OpenConns      int     `json:"open_connections"`
}
