// Package handlers provides the HTTP API handlers for encoderd.
package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/encoderd/internal/encoder"
	"github.com/jmylchreest/encoderd/internal/scheduler"
	"github.com/jmylchreest/encoderd/internal/source"
	"github.com/jmylchreest/encoderd/internal/telemetry"
)

// Session is the encoder control surface.
type Session interface {
	Open(path string) error
	Close(ctx context.Context) error
	Rotate(path string, seg int) error
	Status() encoder.Status
}

// Rotator advances the scheduled route.
type Rotator interface {
	RotateNext() (int, error)
	Dir(idx int) string
	Status() scheduler.Status
}

// PathResolver confines requested segment directories.
type PathResolver interface {
	ResolvePath(p string) (string, error)
}

// EncoderHandler handles encoder control endpoints.
type EncoderHandler struct {
	session   Session
	rotator   Rotator
	paths     PathResolver
	telemetry func() telemetry.Stats
	source    func() source.Stats
}

// NewEncoderHandler creates a new encoder handler.
func NewEncoderHandler(session Session) *EncoderHandler {
	return &EncoderHandler{session: session}
}

// WithRotator enables rotate/next and rotation status.
func (h *EncoderHandler) WithRotator(r Rotator) *EncoderHandler {
	h.rotator = r
	return h
}

// WithPaths resolves open and rotate paths before they reach the session.
func (h *EncoderHandler) WithPaths(p PathResolver) *EncoderHandler {
	h.paths = p
	return h
}

// WithTelemetry adds publisher counters to the status.
func (h *EncoderHandler) WithTelemetry(stats func() telemetry.Stats) *EncoderHandler {
	h.telemetry = stats
	return h
}

// WithSource adds producer counters to the status.
func (h *EncoderHandler) WithSource(stats func() source.Stats) *EncoderHandler {
	h.source = stats
	return h
}

// Register registers the encoder routes with the API.
func (h *EncoderHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getEncoder",
		Method:      http.MethodGet,
		Path:        "/api/v1/encoder",
		Summary:     "Get encoder status",
		Description: "Returns the encoder session, rotation and publisher state",
		Tags:        []string{"Encoder"},
	}, h.GetStatus)

	huma.Register(api, huma.Operation{
		OperationID: "openSegment",
		Method:      http.MethodPost,
		Path:        "/api/v1/encoder/open",
		Summary:     "Open segment",
		Description: "Opens a segment in the given directory immediately",
		Tags:        []string{"Encoder"},
	}, h.Open)

	huma.Register(api, huma.Operation{
		OperationID: "closeSegment",
		Method:      http.MethodPost,
		Path:        "/api/v1/encoder/close",
		Summary:     "Close segment",
		Description: "Drains the encoder and closes the open segment",
		Tags:        []string{"Encoder"},
	}, h.Close)

	huma.Register(api, huma.Operation{
		OperationID: "rotateSegment",
		Method:      http.MethodPost,
		Path:        "/api/v1/encoder/rotate",
		Summary:     "Rotate segment",
		Description: "Requests a switch to another segment on the next frame. Segment -1 stops recording.",
		Tags:        []string{"Encoder"},
	}, h.Rotate)

	huma.Register(api, huma.Operation{
		OperationID: "rotateNextSegment",
		Method:      http.MethodPost,
		Path:        "/api/v1/encoder/rotate/next",
		Summary:     "Rotate to next segment",
		Description: "Advances the scheduled route by one segment",
		Tags:        []string{"Encoder"},
	}, h.RotateNext)
}

// EncoderStatusInput is the input for the status endpoint.
type EncoderStatusInput struct{}

// EncoderStatusOutput is the output for the status endpoint.
type EncoderStatusOutput struct {
	Body EncoderStatusResponse
}

// GetStatus returns the encoder status.
func (h *EncoderHandler) GetStatus(_ context.Context, _ *EncoderStatusInput) (*EncoderStatusOutput, error) {
	return &EncoderStatusOutput{Body: h.status()}, nil
}

func (h *EncoderHandler) status() EncoderStatusResponse {
	resp := EncoderStatusResponse{Session: h.session.Status()}
	if h.rotator != nil {
		st := h.rotator.Status()
		resp.Rotation = &st
	}
	if h.telemetry != nil {
		st := h.telemetry()
		resp.Telemetry = &st
	}
	if h.source != nil {
		st := h.source()
		resp.Source = &st
	}
	return resp
}

// OpenSegmentInput is the input for opening a segment.
type OpenSegmentInput struct {
	Body struct {
		Path string `json:"path" minLength:"1" doc:"Segment directory"`
	}
}

// Open opens a segment.
func (h *EncoderHandler) Open(_ context.Context, input *OpenSegmentInput) (*EncoderStatusOutput, error) {
	path, err := h.resolve(input.Body.Path)
	if err != nil {
		return nil, err
	}
	if err := h.session.Open(path); err != nil {
		return nil, sessionError("open segment", err)
	}
	return &EncoderStatusOutput{Body: h.status()}, nil
}

// CloseSegmentInput is the input for closing a segment.
type CloseSegmentInput struct{}

// Close closes the open segment.
func (h *EncoderHandler) Close(ctx context.Context, _ *CloseSegmentInput) (*EncoderStatusOutput, error) {
	if err := h.session.Close(ctx); err != nil {
		return nil, sessionError("close segment", err)
	}
	return &EncoderStatusOutput{Body: h.status()}, nil
}

// RotateSegmentInput is the input for rotating.
type RotateSegmentInput struct {
	Body struct {
		Path    string `json:"path,omitempty" doc:"Segment directory, required unless segment is -1"`
		Segment int    `json:"segment" minimum:"-1" doc:"Segment index, -1 to stop recording"`
	}
}

// Rotate requests a segment switch.
func (h *EncoderHandler) Rotate(_ context.Context, input *RotateSegmentInput) (*EncoderStatusOutput, error) {
	if input.Body.Segment != encoder.NoSegment && input.Body.Path == "" {
		return nil, huma.Error400BadRequest("path is required when segment is not -1")
	}
	path := input.Body.Path
	if input.Body.Segment != encoder.NoSegment {
		var err error
		if path, err = h.resolve(path); err != nil {
			return nil, err
		}
	}
	if err := h.session.Rotate(path, input.Body.Segment); err != nil {
		return nil, sessionError("rotate", err)
	}
	return &EncoderStatusOutput{Body: h.status()}, nil
}

// RotateNextInput is the input for rotate/next.
type RotateNextInput struct{}

// RotateNextOutput is the output for rotate/next.
type RotateNextOutput struct {
	Body RotateNextResponse
}

// RotateNext advances the scheduled route.
func (h *EncoderHandler) RotateNext(_ context.Context, _ *RotateNextInput) (*RotateNextOutput, error) {
	if h.rotator == nil {
		return nil, huma.Error501NotImplemented("rotation is not enabled")
	}
	idx, err := h.rotator.RotateNext()
	if err != nil {
		return nil, sessionError("rotate", err)
	}
	return &RotateNextOutput{Body: RotateNextResponse{Segment: idx, Path: h.rotator.Dir(idx)}}, nil
}

func (h *EncoderHandler) resolve(path string) (string, error) {
	if h.paths == nil {
		return path, nil
	}
	resolved, err := h.paths.ResolvePath(path)
	if err != nil {
		return "", huma.Error400BadRequest(err.Error())
	}
	return resolved, nil
}

// sessionError maps encoder errors onto HTTP statuses.
func sessionError(op string, err error) error {
	switch {
	case errors.Is(err, encoder.ErrNotOpen),
		errors.Is(err, encoder.ErrAlreadyOpen),
		errors.Is(err, encoder.ErrStillOpen):
		return huma.Error409Conflict(op+": "+err.Error(), err)
	case encoder.IsFatal(err), errors.Is(err, encoder.ErrShutdown):
		return huma.Error503ServiceUnavailable(op+": encoder unavailable", err)
	case errors.Is(err, scheduler.ErrLowDiskSpace):
		return huma.NewError(http.StatusInsufficientStorage, op+": "+err.Error(), err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return huma.Error504GatewayTimeout(op+": timed out", err)
	default:
		return huma.Error500InternalServerError(op+" failed", err)
	}
}
