package web

import (
	"context"
	"net/http"
	"time"

	"safetrail/internal/application/listutil"
	"safetrail/internal/domain/safety"
)

// handleHealth handles GET /healthz
func handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status, code := "ok", http.StatusOK
	if err := services.Health.PingContext(ctx); err != nil {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	queries, slow := services.Health.Stats()
	writeJSON(w, code, map[string]any{
		"status":       status,
		"queries":      queries,
		"slow_queries": slow,
		"live_clients": services.Hub.ClientCount(),
	})
}

// handleSafetyScore handles GET /api/safety-score?battery=&area_risk=&hour=
// hour defaults to the current hour in the configured zone.
func handleSafetyScore(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	battery, ok := listutil.ParseInt(q, "battery", 0, 100)
	if !ok {
		writeError(w, http.StatusBadRequest, "battery must be an integer between 0 and 100")
		return
	}
	areaRisk, ok := listutil.ParseInt(q, "area_risk", 0, 100)
	if !ok {
		writeError(w, http.StatusBadRequest, "area_risk must be an integer between 0 and 100")
		return
	}
	hour := timeNow().In(opts.Location).Hour()
	if q.Has("hour") {
		if hour, ok = listutil.ParseInt(q, "hour", 0, 23); !ok {
			writeError(w, http.StatusBadRequest, "hour must be an integer between 0 and 23")
			return
		}
	}
	writeJSON(w, http.StatusOK, safety.Evaluate(battery, hour, areaRisk))
}
