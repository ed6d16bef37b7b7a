package main

import (
	"encoding/json"
	"net/http"

	"docrelay/internal/tracing"

	"github.com/sirupsen/logrus"
)

// handleMetrics returns a JSON snapshot of the in-process metrics registry.
// Prometheus scrapers use /metrics/prometheus instead.
func (s *Server) handleMetrics() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fields := tracing.Fields(r.Context())
		fields["endpoint"] = "/metrics"
		s.logger.WithFields(fields).Debug("Serving metrics endpoint")

		snapshot := s.app.recorder.Registry().Snapshot()

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Expires", "0")

		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")

		if err := encoder.Encode(snapshot); err != nil {
			s.logger.WithFields(fields).WithFields(logrus.Fields{
				"error": err,
			}).Error("Failed to encode metrics response")

			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
	}
}
