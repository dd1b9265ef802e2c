package web

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"safetrail/internal/adapters/evidence"
	"safetrail/internal/adapters/live"
	"safetrail/internal/application/guardian"
	"safetrail/internal/application/listutil"
	"safetrail/internal/application/orchestrators"
	"safetrail/internal/application/projections"
	domain "safetrail/internal/domain/guardian"
	"safetrail/internal/domain/sos"
)

func linkGuardianDeps() orchestrators.LinkGuardianDeps {
	return orchestrators.LinkGuardianDeps{
		Accounts: stores.AccountStore,
		Links:    stores.GuardianStore,
		Now:      timeNow,
	}
}

// handleGuardianLink handles POST /api/guardians
func handleGuardianLink(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Email string `json:"email"`
	}
	if err := strictDecode(w, r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	link, err := orchestrators.ExecuteLinkGuardian(r.Context(), orchestrators.LinkGuardianInput{
		WardID:        caller(r).AccountID,
		GuardianEmail: input.Email,
	}, linkGuardianDeps())
	if err != nil {
		failure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"guardian_id": link.GuardianID,
		"ward_id":     link.WardID,
		"linked_at":   link.CreatedAt,
	})
}

// handleGuardianList handles GET /api/guardians
func handleGuardianList(w http.ResponseWriter, r *http.Request) {
	list, err := orchestrators.ExecuteListGuardians(r.Context(), caller(r).AccountID, linkGuardianDeps())
	if err != nil {
		failure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func newGuardianMonitor(guardianID string, onUpdate func([]domain.WardStatus)) *guardian.Monitor {
	return guardian.NewMonitor(guardianID, services.Fetcher, guardian.Options{
		Interval: opts.GuardianPoll,
		Location: opts.Location,
		Now:      timeNow,
		OnUpdate: onUpdate,
	})
}

// handleGuardianWards handles GET /api/guardian/wards
func handleGuardianWards(w http.ResponseWriter, r *http.Request) {
	statuses, err := newGuardianMonitor(caller(r).AccountID, nil).Poll(r.Context())
	if err != nil {
		internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statuses)
}

// handleGuardianWardHistory handles GET /api/guardian/wards/{id}/history
func handleGuardianWardHistory(w http.ResponseWriter, r *http.Request) {
	records, err := orchestrators.ExecuteWardHistory(r.Context(), viewer(r), r.PathValue("id"),
		listutil.ParseLimit(r.URL.Query()), wardAccessDeps())
	if err != nil {
		failure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, projections.History(records))
}

// handleGuardianWardEpisodes handles GET /api/guardian/wards/{id}/episodes
func handleGuardianWardEpisodes(w http.ResponseWriter, r *http.Request) {
	episodes, err := orchestrators.ExecuteWardEpisodes(r.Context(), viewer(r), r.PathValue("id"),
		listutil.ParseLimit(r.URL.Query()), wardAccessDeps())
	if err != nil {
		failure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, projections.Episodes(episodes))
}

// handleGuardianSOS handles POST /api/guardian/wards/{id}/sos
// A linked guardian raises SOS on the ward's behalf.
func handleGuardianSOS(w http.ResponseWriter, r *http.Request) {
	wardID := r.PathValue("id")
	if err := orchestrators.AuthorizeWard(r.Context(), viewer(r), wardID, stores.GuardianStore); err != nil {
		failure(w, err)
		return
	}
	snap, err := services.Engine.ActivateSOS(r.Context(), wardID, sos.ReasonManual)
	if err != nil {
		failure(w, err)
		return
	}
	slog.Info("sos_event", "event", "raised_by_guardian", "ward_id", wardID, "guardian_id", caller(r).AccountID)
	writeJSON(w, http.StatusOK, projections.QueryWardDashboard(snap, timeNow()))
}

// handleGuardianSOSResolve handles POST /api/guardian/wards/{id}/sos/resolve
func handleGuardianSOSResolve(w http.ResponseWriter, r *http.Request) {
	wardID := r.PathValue("id")
	if err := orchestrators.AuthorizeWard(r.Context(), viewer(r), wardID, stores.GuardianStore); err != nil {
		failure(w, err)
		return
	}
	snap, err := services.Engine.ResolveSOS(r.Context(), wardID, caller(r).AccountID)
	if err != nil {
		failure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, projections.QueryWardDashboard(snap, timeNow()))
}

// handleGuardianSocket handles GET /ws/guardian
// The connection receives engine pushes for linked wards plus a full
// ward_status list on every poll.
func handleGuardianSocket(w http.ResponseWriter, r *http.Request) {
	guardianID := caller(r).AccountID
	topic := live.GuardianTopic(guardianID)

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	mon := newGuardianMonitor(guardianID, func(statuses []domain.WardStatus) {
		msg, err := live.NewMessage(live.TypeWardStatus, "", statuses)
		if err != nil {
			slog.Warn("guardian_status_encode_failed", "guardian_id", guardianID, "error", err.Error())
			return
		}
		if err := services.Hub.Publish(topic, msg); err != nil {
			slog.Debug("guardian_status_publish_failed", "guardian_id", guardianID, "error", err.Error())
		}
	})

	started := time.Now()
	err := services.Hub.ServeWith(w, r, topic, func() { go mon.Run(ctx) }, nil)
	if err != nil {
		slog.Warn("guardian_socket_failed", "guardian_id", guardianID, "error", err.Error())
		return
	}
	slog.Debug("guardian_socket_closed", "guardian_id", guardianID, "duration", time.Since(started).String())
}

// handleAudioDownload handles GET /api/sos/{id}/audio
func handleAudioDownload(w http.ResponseWriter, r *http.Request) {
	ep, err := orchestrators.ExecuteEvidenceAccess(r.Context(), viewer(r), r.PathValue("id"), wardAccessDeps())
	if err != nil {
		failure(w, err)
		return
	}
	f, err := services.Evidence.Open(ep.AudioRef)
	if err != nil {
		internalError(w, err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", evidence.ContentType(ep.AudioRef))
	w.Header().Set("Cache-Control", "private, no-store")
	http.ServeContent(w, r, ep.AudioRef, ep.StartedAt, f)
}
