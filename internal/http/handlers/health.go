package handlers

import (
	"context"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/jmylchreest/encoderd/internal/encoder"
)

const mib = 1024 * 1024

// StatusSource reports encoder session state.
type StatusSource interface {
	Status() encoder.Status
}

// Pinger checks the catalog database.
type Pinger interface {
	Ping(ctx context.Context) error
	Driver() string
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	version     string
	startTime   time.Time
	session     StatusSource
	storageRoot string
	db          Pinger
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(version string) *HealthHandler {
	return &HealthHandler{
		version:   version,
		startTime: time.Now(),
	}
}

// WithSession includes encoder state in health.
func (h *HealthHandler) WithSession(s StatusSource) *HealthHandler {
	h.session = s
	return h
}

// WithStorage includes free space of the recording root.
func (h *HealthHandler) WithStorage(root string) *HealthHandler {
	h.storageRoot = root
	return h
}

// WithDB sets the catalog database for health checks.
func (h *HealthHandler) WithDB(db Pinger) *HealthHandler {
	h.db = db
	return h
}

// Register registers the health routes with the API.
func (h *HealthHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getHealth",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns service health including encoder, storage and system metrics",
		Tags:        []string{"System"},
	}, h.GetHealth)

	huma.Register(api, huma.Operation{
		OperationID: "getLivez",
		Method:      http.MethodGet,
		Path:        "/livez",
		Summary:     "Liveness probe",
		Tags:        []string{"System"},
	}, h.GetLivez)

	huma.Register(api, huma.Operation{
		OperationID: "getReadyz",
		Method:      http.MethodGet,
		Path:        "/readyz",
		Summary:     "Readiness probe",
		Description: "Returns 503 when the encoder session is dead",
		Tags:        []string{"System"},
	}, h.GetReadyz)
}

// HealthInput is the input for the health check endpoint.
type HealthInput struct{}

// HealthOutput is the output for the health check endpoint.
type HealthOutput struct {
	Body HealthResponse
}

// GetHealth returns the health status of the service.
func (h *HealthHandler) GetHealth(ctx context.Context, _ *HealthInput) (*HealthOutput, error) {
	now := time.Now()
	uptime := now.Sub(h.startTime)

	resp := HealthResponse{
		Status:        "healthy",
		Timestamp:     now.UTC().Format(time.RFC3339),
		Version:       h.version,
		Uptime:        uptime.Round(time.Second).String(),
		UptimeSeconds: uptime.Seconds(),
		CPU:           cpuInfo(),
		Memory:        memoryInfo(),
		Checks:        map[string]string{},
	}

	if h.session != nil {
		st := h.session.Status()
		resp.Encoder = &EncoderHealth{
			Codec:          st.Codec,
			ComponentState: st.ComponentState,
			Open:           st.Open,
			Dead:           st.Dead,
			Error:          st.Error,
		}
		resp.Checks["encoder"] = "ok"
		if st.Dead {
			resp.Checks["encoder"] = "dead"
			resp.Status = "unhealthy"
		}
	}

	if h.storageRoot != "" {
		if usage, err := disk.UsageWithContext(ctx, h.storageRoot); err == nil {
			resp.Storage = &StorageInfo{
				Path:        h.storageRoot,
				TotalBytes:  usage.Total,
				FreeBytes:   usage.Free,
				UsedPercent: usage.UsedPercent,
			}
			resp.Checks["storage"] = "ok"
		} else {
			resp.Checks["storage"] = "error"
			if resp.Status == "healthy" {
				resp.Status = "degraded"
			}
		}
	}

	if h.db != nil {
		resp.Catalog = h.catalogHealth(ctx)
		resp.Checks["catalog"] = resp.Catalog.Status
		if resp.Catalog.Status != "ok" && resp.Status == "healthy" {
			resp.Status = "degraded"
		}
	}

	return &HealthOutput{Body: resp}, nil
}

func cpuInfo() CPUInfo {
	info := CPUInfo{Cores: runtime.NumCPU()}
	if avg, err := load.Avg(); err == nil && avg != nil {
		info.Load1Min = avg.Load1
		info.Load5Min = avg.Load5
		info.Load15Min = avg.Load15
		if info.Cores > 0 {
			info.LoadPercentage1Min = avg.Load1 / float64(info.Cores) * 100
		}
	}
	return info
}

// memoryInfo includes child processes so ffmpeg encoders are counted.
func memoryInfo() MemoryInfo {
	var info MemoryInfo
	if vm, err := mem.VirtualMemory(); err == nil && vm != nil {
		info.TotalMB = float64(vm.Total) / mib
		info.UsedMB = float64(vm.Used) / mib
		info.AvailableMB = float64(vm.Available) / mib
	}

	proc, err := process.NewProcess(int32(os.Getpid())) //nolint:gosec // pid fits in int32
	if err != nil {
		return info
	}
	if m, err := proc.MemoryInfo(); err == nil && m != nil {
		info.ProcessMB = float64(m.RSS) / mib
	}
	if children, err := proc.Children(); err == nil {
		info.ChildCount = len(children)
		for _, child := range children {
			if m, err := child.MemoryInfo(); err == nil && m != nil {
				info.ChildrenMB += float64(m.RSS) / mib
			}
		}
	}
	info.ProcessTreeMB = info.ProcessMB + info.ChildrenMB
	return info
}

func (h *HealthHandler) catalogHealth(ctx context.Context) *CatalogHealth {
	ch := &CatalogHealth{Status: "ok", Driver: h.db.Driver()}
	start := time.Now()
	err := h.db.Ping(ctx)
	ch.ResponseTimeMS = float64(time.Since(start).Microseconds()) / 1000
	if err != nil {
		ch.Status = "error"
	}
	return ch
}

// LivezInput is the input for the liveness probe.
type LivezInput struct{}

// LivezOutput is the output for the liveness probe.
type LivezOutput struct {
	Body struct {
		Status string `json:"status"`
	}
}

// GetLivez reports that the process is serving requests.
func (h *HealthHandler) GetLivez(_ context.Context, _ *LivezInput) (*LivezOutput, error) {
	out := &LivezOutput{}
	out.Body.Status = "ok"
	return out, nil
}

// ReadyzInput is the input for the readiness probe.
type ReadyzInput struct{}

// ReadyzOutput is the output for the readiness probe.
type ReadyzOutput struct {
	Status int
	Body   struct {
		Status     string            `json:"status"`
		Components map[string]string `json:"components"`
	}
}

// GetReadyz reports whether the encoder can accept frames.
func (h *HealthHandler) GetReadyz(ctx context.Context, _ *ReadyzInput) (*ReadyzOutput, error) {
	out := &ReadyzOutput{Status: http.StatusOK}
	out.Body.Status = "ready"
	out.Body.Components = map[string]string{}

	if h.session == nil {
		out.Body.Components["encoder"] = "not_configured"
	} else if st := h.session.Status(); st.Dead {
		out.Body.Components["encoder"] = "dead"
		out.Body.Status = "not_ready"
	} else {
		out.Body.Components["encoder"] = st.ComponentState
	}

	if h.db != nil {
		if err := h.db.Ping(ctx); err != nil {
			out.Body.Components["catalog"] = "error"
		} else {
			out.Body.Components["catalog"] = "ok"
		}
	}

	if out.Body.Status != "ready" {
		out.Status = http.StatusServiceUnavailable
	}
	return out, nil
}
