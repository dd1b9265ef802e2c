package web

import (
	"database/sql"
	"errors"
	"net/http"

	"safetrail/internal/application/engine"
	"safetrail/internal/application/listutil"
	"safetrail/internal/application/orchestrators"
	"safetrail/internal/application/projections"
	"safetrail/internal/domain/geo"
	"safetrail/internal/domain/safety"
	"safetrail/internal/domain/sos"
)

type dashboardResponse struct {
	projections.WardDashboard
	Safety *safety.Sample `json:"safety,omitempty"`
}

// respondSnapshot writes the ward dashboard for snap.
func respondSnapshot(w http.ResponseWriter, r *http.Request, snap engine.Snapshot) {
	now := timeNow()
	resp := dashboardResponse{WardDashboard: projections.QueryWardDashboard(snap, now)}
	if reading, err := stores.TelemetryStore.GetLatest(r.Context(), snap.WardID); err == nil {
		s := safety.Evaluate(reading.Battery, now.In(opts.Location).Hour(), reading.AreaRisk)
		resp.Safety = &s
	}
	writeJSON(w, http.StatusOK, resp)
}

// engineReply writes the snapshot or maps the rejection.
func engineReply(w http.ResponseWriter, r *http.Request, snap engine.Snapshot, err error) {
	if err != nil {
		failure(w, err)
		return
	}
	respondSnapshot(w, r, snap)
}

// handleTravelGet handles GET /api/travel
func handleTravelGet(w http.ResponseWriter, r *http.Request) {
	snap, err := services.Engine.Snapshot(r.Context(), caller(r).AccountID)
	engineReply(w, r, snap, err)
}

// handleTravelStart handles POST /api/travel/start
// When eta_minutes is omitted it is estimated from the last reported position.
func handleTravelStart(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Destination string   `json:"destination"`
		ETAMinutes  *int     `json:"eta_minutes"`
		Lat         *float64 `json:"lat"`
		Lng         *float64 `json:"lng"`
	}
	if err := strictDecode(w, r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	var coords *geo.Point
	switch {
	case input.Lat != nil && input.Lng != nil:
		p := geo.Point{Lat: *input.Lat, Lng: *input.Lng}
		if err := p.Validate(); err != nil {
			failure(w, err)
			return
		}
		coords = &p
	case input.Lat != nil || input.Lng != nil:
		failure(w, geo.ErrInvalidCoordinates)
		return
	}

	wardID := caller(r).AccountID
	var eta int
	if input.ETAMinutes != nil {
		eta = *input.ETAMinutes
	} else {
		var from *geo.Point
		reading, err := stores.TelemetryStore.GetLatest(r.Context(), wardID)
		switch {
		case err == nil:
			from = reading.Location
		case !errors.Is(err, sql.ErrNoRows):
			internalError(w, err)
			return
		}
		eta = geo.EstimateETAMinutes(from, coords)
	}

	snap, err := services.Engine.StartTravel(r.Context(), wardID, input.Destination, eta, coords)
	engineReply(w, r, snap, err)
}

// handleTravelExtend handles POST /api/travel/extend
func handleTravelExtend(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Minutes int `json:"minutes"`
	}
	if err := strictDecode(w, r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	snap, err := services.Engine.ExtendTime(r.Context(), caller(r).AccountID, input.Minutes)
	engineReply(w, r, snap, err)
}

// handleTravelAcknowledge handles POST /api/travel/acknowledge
func handleTravelAcknowledge(w http.ResponseWriter, r *http.Request) {
	snap, err := services.Engine.AcknowledgeDelay(r.Context(), caller(r).AccountID)
	engineReply(w, r, snap, err)
}

// handleTravelStop handles POST /api/travel/stop
// arrived_safely defaults to true.
func handleTravelStop(w http.ResponseWriter, r *http.Request) {
	var input struct {
		ArrivedSafely *bool `json:"arrived_safely"`
	}
	if err := strictDecode(w, r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	arrived := input.ArrivedSafely == nil || *input.ArrivedSafely
	snap, err := services.Engine.StopTravel(r.Context(), caller(r).AccountID, arrived)
	engineReply(w, r, snap, err)
}

// handleTravelHistory handles GET /api/travel/history?limit=
func handleTravelHistory(w http.ResponseWriter, r *http.Request) {
	sess := caller(r)
	records, err := orchestrators.ExecuteWardHistory(r.Context(), viewer(r), sess.AccountID,
		listutil.ParseLimit(r.URL.Query()), wardAccessDeps())
	if err != nil {
		failure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, projections.History(records))
}

// handlePromptSafe handles POST /api/prompt/safe
func handlePromptSafe(w http.ResponseWriter, r *http.Request) {
	snap, err := services.Engine.ResolvePromptSafe(r.Context(), caller(r).AccountID)
	engineReply(w, r, snap, err)
}

// handlePromptSOS handles POST /api/prompt/sos
func handlePromptSOS(w http.ResponseWriter, r *http.Request) {
	snap, err := services.Engine.ResolvePromptSOS(r.Context(), caller(r).AccountID)
	engineReply(w, r, snap, err)
}

// handleSOSActivate handles POST /api/sos
func handleSOSActivate(w http.ResponseWriter, r *http.Request) {
	snap, err := services.Engine.ActivateSOS(r.Context(), caller(r).AccountID, sos.ReasonManual)
	engineReply(w, r, snap, err)
}

// handleSOSResolve handles POST /api/sos/resolve
func handleSOSResolve(w http.ResponseWriter, r *http.Request) {
	sess := caller(r)
	snap, err := services.Engine.ResolveSOS(r.Context(), sess.AccountID, sess.AccountID)
	engineReply(w, r, snap, err)
}

// handleSOSList handles GET /api/sos?limit=
func handleSOSList(w http.ResponseWriter, r *http.Request) {
	sess := caller(r)
	episodes, err := orchestrators.ExecuteWardEpisodes(r.Context(), viewer(r), sess.AccountID,
		listutil.ParseLimit(r.URL.Query()), wardAccessDeps())
	if err != nil {
		failure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, projections.Episodes(episodes))
}

// handleVoice handles POST /api/voice
func handleVoice(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Enabled bool `json:"enabled"`
	}
	if err := strictDecode(w, r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	snap, err := services.Engine.SetVoiceEnabled(r.Context(), caller(r).AccountID, input.Enabled)
	engineReply(w, r, snap, err)
}

func wardAccessDeps() orchestrators.WardAccessDeps {
	return orchestrators.WardAccessDeps{
		Links:    stores.GuardianStore,
		History:  stores.TravelStore,
		Episodes: stores.SOSStore,
	}
}
