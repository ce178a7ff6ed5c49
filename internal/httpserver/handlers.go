package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/skobkin/gpuavail/internal/api"
	"github.com/skobkin/gpuavail/internal/fault"
	"github.com/skobkin/gpuavail/internal/inventory"
)

func (s *Server) handleResources(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	sel, err := inventory.ParseSelector(query.Get("product"), query.Get("memory"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	snapshot, err := s.aggregator.GetAvailabilitySnapshot(r.Context(), sel)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, api.NewResourcesResponse(snapshot))
}

func (s *Server) handleSites(w http.ResponseWriter, r *http.Request) {
	report, err := s.aggregator.GetMergedSiteConfig(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, api.NewSitesResponse(report))
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.loggerFromContext(r.Context()).Error("failed to encode response", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(data, '\n'))
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := classify(err)
	logger := s.loggerFromContext(r.Context())
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "kind", kind, "err", err)
	} else {
		logger.Info("request rejected", "kind", kind, "err", err)
	}
	s.writeJSON(w, r, status, api.ErrorResponse{Error: err.Error(), Kind: kind})
}

// classify maps an error kind to the HTTP status and the kind reported to clients.
// Authentication and timeout are checked before the general upstream kind they may wrap.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, fault.ErrInvalidSelector):
		return http.StatusBadRequest, "invalid_selector"
	case errors.Is(err, fault.ErrAuthenticationFailure):
		return http.StatusBadGateway, "authentication_failure"
	case errors.Is(err, fault.ErrUpstreamTimeout):
		return http.StatusGatewayTimeout, "upstream_timeout"
	case errors.Is(err, fault.ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable, "upstream_unavailable"
	case errors.Is(err, fault.ErrMalformedNodeLabel):
		return http.StatusInternalServerError, "malformed_node_label"
	case errors.Is(err, fault.ErrInvalidCapacityConfig):
		return http.StatusInternalServerError, "invalid_capacity_config"
	default:
		return http.StatusInternalServerError, "internal"
	}
}
