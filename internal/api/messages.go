// Package api defines the JSON payloads served over HTTP and WebSocket.
package api

import (
	"time"

	"github.com/skobkin/gpuavail/internal/aggregator"
	"github.com/skobkin/gpuavail/internal/availability"
	"github.com/skobkin/gpuavail/internal/capacity"
	"github.com/skobkin/gpuavail/internal/inventory"
)

// HelloMessage is the initial payload sent on WebSocket connection.
type HelloMessage struct {
	Type       string          `json:"type"`
	IntervalMS int             `json:"interval_ms"`
	Version    string          `json:"version"`
	Features   map[string]bool `json:"features"`
}

// NewHelloMessage constructs a hello payload.
func NewHelloMessage(intervalMS int, version string, features map[string]bool) HelloMessage {
	return HelloMessage{
		Type:       "hello",
		IntervalMS: intervalMS,
		Version:    version,
		Features:   features,
	}
}

// SelectorPayload echoes the filter a snapshot was computed for.
type SelectorPayload struct {
	Product string `json:"product,omitempty"`
	Memory  int    `json:"memory,omitempty"`
}

func selectorPayload(sel inventory.Selector) *SelectorPayload {
	if sel.IsZero() {
		return nil
	}
	return &SelectorPayload{Product: sel.Product, Memory: sel.MemoryMB}
}

// ResourcesResponse is the body of GET /api/resources.
type ResourcesResponse struct {
	Data     []availability.GPUProduct `json:"data"`
	Selector *SelectorPayload          `json:"selector,omitempty"`
	TS       time.Time                 `json:"ts"`
	Bucket   int64                     `json:"bucket"`
	Stale    bool                      `json:"stale"`
}

// NewResourcesResponse converts a snapshot for transport.
func NewResourcesResponse(snapshot availability.Snapshot) ResourcesResponse {
	data := snapshot.Products
	if data == nil {
		data = []availability.GPUProduct{}
	}
	return ResourcesResponse{
		Data:     data,
		Selector: selectorPayload(snapshot.Selector),
		TS:       snapshot.ComputedAt,
		Bucket:   snapshot.Bucket,
		Stale:    snapshot.Stale,
	}
}

// AvailabilityMessage pushes a snapshot to WebSocket clients.
type AvailabilityMessage struct {
	Type string `json:"type"`
	ResourcesResponse
}

// NewAvailabilityMessage constructs an availability payload.
func NewAvailabilityMessage(snapshot availability.Snapshot) AvailabilityMessage {
	return AvailabilityMessage{
		Type:              "availability",
		ResourcesResponse: NewResourcesResponse(snapshot),
	}
}

// SitesResponse is the body of GET /api/sites.
type SitesResponse struct {
	Sites           []capacity.SiteAvailability `json:"sites"`
	Anomalies       []string                    `json:"anomalies"`
	SkippedSessions int                         `json:"skipped_sessions"`
	TS              time.Time                   `json:"ts"`
	Bucket          int64                       `json:"bucket"`
	Stale           bool                        `json:"stale"`
}

// NewSitesResponse converts a merged site report for transport.
func NewSitesResponse(report aggregator.SiteReport) SitesResponse {
	sites := report.Sites
	if sites == nil {
		sites = []capacity.SiteAvailability{}
	}
	anomalies := make([]string, 0, len(report.Anomalies))
	for _, anomaly := range report.Anomalies {
		anomalies = append(anomalies, anomaly.Error())
	}
	return SitesResponse{
		Sites:           sites,
		Anomalies:       anomalies,
		SkippedSessions: report.SkippedSessions,
		TS:              report.ComputedAt,
		Bucket:          report.Bucket,
		Stale:           report.Stale,
	}
}

// ErrorResponse is returned by REST endpoints on failure.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// ErrorMessage communicates an error condition to the client.
type ErrorMessage struct {
	Type    string `json:"type"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}

// ClientMessage is a generic envelope used for decoding inbound client messages.
type ClientMessage struct {
	Type string `json:"type"`
}

// RefreshMessage asks for a snapshot matching an optional filter.
type RefreshMessage struct {
	Type    string `json:"type"`
	Product string `json:"product"`
	Memory  string `json:"memory"`
}

// PongMessage is the response to a ping.
type PongMessage struct {
	Type string `json:"type"`
}
