package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/encoderd/internal/catalog"
	"github.com/jmylchreest/encoderd/internal/models"
)

// Catalog lists recorded segments.
type Catalog interface {
	ListSegments(ctx context.Context, f catalog.SegmentFilter) ([]models.Segment, error)
	ListRoutes(ctx context.Context) ([]catalog.RouteSummary, error)
}

// SegmentHandler serves the segment catalog.
type SegmentHandler struct {
	catalog Catalog
}

// NewSegmentHandler creates a new segment handler.
func NewSegmentHandler(c Catalog) *SegmentHandler {
	return &SegmentHandler{catalog: c}
}

// Register registers the segment routes with the API.
func (h *SegmentHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listSegments",
		Method:      http.MethodGet,
		Path:        "/api/v1/segments",
		Summary:     "List segments",
		Description: "Returns catalogued segments, newest first",
		Tags:        []string{"Segments"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID: "listRoutes",
		Method:      http.MethodGet,
		Path:        "/api/v1/routes",
		Summary:     "List routes",
		Description: "Returns recording routes with segment totals",
		Tags:        []string{"Segments"},
	}, h.ListRoutes)
}

// ListSegmentsInput is the input for listing segments.
type ListSegmentsInput struct {
	Route    string `query:"route" doc:"Route name"`
	OpenOnly bool   `query:"open" doc:"Only segments that are still open"`
	Limit    int    `query:"limit" default:"100" minimum:"0" maximum:"10000" doc:"Maximum segments returned, 0 for all"`
}

// ListSegmentsOutput is the output for listing segments.
type ListSegmentsOutput struct {
	Body struct {
		Segments []SegmentResponse `json:"segments"`
	}
}

// List returns catalogued segments.
func (h *SegmentHandler) List(ctx context.Context, input *ListSegmentsInput) (*ListSegmentsOutput, error) {
	segs, err := h.catalog.ListSegments(ctx, catalog.SegmentFilter{
		Route:    input.Route,
		OpenOnly: input.OpenOnly,
		Limit:    input.Limit,
	})
	if errors.Is(err, catalog.ErrRouteNotFound) {
		return nil, huma.Error404NotFound(err.Error())
	}
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to list segments", err)
	}

	resp := &ListSegmentsOutput{}
	resp.Body.Segments = make([]SegmentResponse, 0, len(segs))
	for i := range segs {
		resp.Body.Segments = append(resp.Body.Segments, SegmentFromModel(&segs[i]))
	}
	return resp, nil
}

// ListRoutesInput is the input for listing routes.
type ListRoutesInput struct{}

// ListRoutesOutput is the output for listing routes.
type ListRoutesOutput struct {
	Body struct {
		Routes []RouteResponse `json:"routes"`
	}
}

// ListRoutes returns every route with totals.
func (h *SegmentHandler) ListRoutes(ctx context.Context, _ *ListRoutesInput) (*ListRoutesOutput, error) {
	routes, err := h.catalog.ListRoutes(ctx)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to list routes", err)
	}

	resp := &ListRoutesOutput{}
	resp.Body.Routes = make([]RouteResponse, 0, len(routes))
	for _, r := range routes {
		resp.Body.Routes = append(resp.Body.Routes, RouteFromSummary(r))
	}
	return resp, nil
}
