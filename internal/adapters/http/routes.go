package web

import (
	"net/http"

	"safetrail/internal/adapters/http/middleware"
	"safetrail/internal/domain/account"
)

// registerRoutes maps every endpoint. Role checks wrap the handlers; ward
// data reached through a guardian route is further checked against links.
func registerRoutes(mux *http.ServeMux) {
	ward := middleware.RequireRole(account.RoleWard)
	guardianOnly := middleware.RequireRole(account.RoleGuardian)
	anyRole := middleware.RequireRole(account.RoleWard, account.RoleGuardian)
	h := func(f http.HandlerFunc) http.Handler { return f }

	mux.HandleFunc("GET /healthz", handleHealth)
	mux.HandleFunc("GET /api/safety-score", handleSafetyScore)
	mux.HandleFunc("POST /api/register", handleRegister)
	mux.HandleFunc("POST /api/login", handleLogin)
	mux.HandleFunc("POST /api/logout", handleLogout)

	// Ward
	mux.Handle("GET /api/travel", ward(h(handleTravelGet)))
	mux.Handle("POST /api/travel/start", ward(h(handleTravelStart)))
	mux.Handle("POST /api/travel/extend", ward(h(handleTravelExtend)))
	mux.Handle("POST /api/travel/acknowledge", ward(h(handleTravelAcknowledge)))
	mux.Handle("POST /api/travel/stop", ward(h(handleTravelStop)))
	mux.Handle("GET /api/travel/history", ward(h(handleTravelHistory)))
	mux.Handle("POST /api/prompt/safe", ward(h(handlePromptSafe)))
	mux.Handle("POST /api/prompt/sos", ward(h(handlePromptSOS)))
	mux.Handle("POST /api/sos", ward(h(handleSOSActivate)))
	mux.Handle("POST /api/sos/resolve", ward(h(handleSOSResolve)))
	mux.Handle("GET /api/sos", ward(h(handleSOSList)))
	mux.Handle("POST /api/voice", ward(h(handleVoice)))
	mux.Handle("POST /api/telemetry", ward(h(handleTelemetry)))
	mux.Handle("POST /api/sos/{id}/audio", ward(h(handleAudioUpload)))
	mux.Handle("POST /api/guardians", ward(h(handleGuardianLink)))
	mux.Handle("GET /api/guardians", ward(h(handleGuardianList)))
	mux.Handle("POST /api/device/token", ward(h(handleDeviceToken)))
	mux.Handle("GET /ws/device", ward(h(handleDeviceSocket)))

	// Guardian
	mux.Handle("GET /api/guardian/wards", guardianOnly(h(handleGuardianWards)))
	mux.Handle("GET /api/guardian/wards/{id}/history", guardianOnly(h(handleGuardianWardHistory)))
	mux.Handle("GET /api/guardian/wards/{id}/episodes", guardianOnly(h(handleGuardianWardEpisodes)))
	mux.Handle("POST /api/guardian/wards/{id}/sos", guardianOnly(h(handleGuardianSOS)))
	mux.Handle("POST /api/guardian/wards/{id}/sos/resolve", guardianOnly(h(handleGuardianSOSResolve)))
	mux.Handle("GET /ws/guardian", guardianOnly(h(handleGuardianSocket)))

	// Either role, checked against the episode's ward
	mux.Handle("GET /api/sos/{id}/audio", anyRole(h(handleAudioDownload)))
}
