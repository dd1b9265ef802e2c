package web

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"safetrail/internal/adapters/evidence"
	"safetrail/internal/adapters/live"
	"safetrail/internal/adapters/speech"
	"safetrail/internal/application/orchestrators"
	"safetrail/internal/application/voice"
)

// handleDeviceToken handles POST /api/device/token
// Only a browser session may mint tokens; a device token cannot renew itself.
func handleDeviceToken(w http.ResponseWriter, r *http.Request) {
	sess := caller(r)
	if sess.Device {
		writeError(w, http.StatusForbidden, "device tokens cannot issue tokens")
		return
	}
	token, expires, err := deviceTokens.Issue(sess.AccountID)
	if err != nil {
		internalError(w, err)
		return
	}
	slog.Info("device_token_issued", "ward_id", sess.AccountID, "expires_at", expires)
	writeJSON(w, http.StatusCreated, map[string]any{
		"token":      token,
		"expires_at": expires,
	})
}

// deviceRouter maps inbound device frames onto the engine and the speech router.
func deviceRouter() *live.Router {
	rt := live.NewRouter()
	rt.Handle(live.TypeTelemetry, func(ctx context.Context, wardID string, msg live.Message) error {
		var d live.TelemetryData
		if err := msg.Decode(&d); err != nil {
			return err
		}
		_, err := orchestrators.ExecuteRecordTelemetry(ctx, orchestrators.RecordTelemetryInput{
			WardID:   wardID,
			Battery:  d.Battery,
			AreaRisk: d.AreaRisk,
			Lat:      d.Lat,
			Lng:      d.Lng,
		}, telemetryDeps())
		return err
	})
	rt.Handle(live.TypeTranscript, func(_ context.Context, wardID string, msg live.Message) error {
		var d live.TranscriptData
		if err := msg.Decode(&d); err != nil {
			return err
		}
		services.Speech.Deliver(wardID, voice.Fragment{Text: d.Text, Final: d.Final})
		return nil
	})
	rt.Handle(live.TypeVoiceError, func(_ context.Context, wardID string, msg live.Message) error {
		var d live.VoiceErrorData
		if err := msg.Decode(&d); err != nil {
			return err
		}
		services.Speech.Fail(wardID, speech.ErrorForCode(d.Code, d.Message))
		return nil
	})
	rt.Handle(live.TypePing, func(_ context.Context, wardID string, _ live.Message) error {
		return services.Live.SendCommand(wardID, live.TypePong, nil)
	})
	return rt
}

// handleDeviceSocket handles GET /ws/device
// The ward's device receives engine pushes and sends telemetry and transcripts.
func handleDeviceSocket(w http.ResponseWriter, r *http.Request) {
	wardID := caller(r).AccountID
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	rt := deviceRouter()
	onOpen := func() {
		// Bring the new device up to date.
		snap, err := services.Engine.Snapshot(ctx, wardID)
		if err != nil {
			slog.Warn("device_sync_failed", "ward_id", wardID, "error", err.Error())
			return
		}
		if s := snap.Session; s != nil {
			if err := services.Live.PublishTravelState(ctx, wardID, *s); err != nil {
				slog.Debug("device_sync_publish_failed", "ward_id", wardID, "error", err.Error())
			}
		}
		if p := snap.OpenPrompt(); p != nil {
			if err := services.Live.PublishPrompt(ctx, wardID, *p); err != nil {
				slog.Debug("device_sync_publish_failed", "ward_id", wardID, "error", err.Error())
			}
		}
		if e := snap.OpenEpisode(); e != nil {
			if err := services.Live.PublishSOSState(ctx, wardID, *e); err != nil {
				slog.Debug("device_sync_publish_failed", "ward_id", wardID, "error", err.Error())
			}
		}
	}
	onFrame := func(frame []byte) {
		_ = rt.Dispatch(ctx, wardID, frame)
	}

	slog.Info("device_connected", "ward_id", wardID)
	if err := services.Hub.ServeWith(w, r, live.WardTopic(wardID), onOpen, onFrame); err != nil {
		slog.Warn("device_socket_failed", "ward_id", wardID, "error", err.Error())
		return
	}
	if !services.Live.DeviceConnected(wardID) {
		services.Speech.Disconnect(wardID)
	}
	slog.Info("device_disconnected", "ward_id", wardID)
}

// handleAudioUpload handles POST /api/sos/{id}/audio
// The body is the raw recording; Content-Type names its format.
func handleAudioUpload(w http.ResponseWriter, r *http.Request) {
	wardID := caller(r).AccountID
	episodeID := r.PathValue("id")

	ep, err := stores.SOSStore.GetEpisode(r.Context(), episodeID)
	if err != nil {
		failure(w, err)
		return
	}
	if ep.WardID != wardID {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	body := http.MaxBytesReader(w, r.Body, evidence.MaxRecordingBytes+1)
	ref, err := services.Evidence.Save(episodeID, r.Header.Get("Content-Type"), body)
	switch {
	case errors.Is(err, evidence.ErrTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	case errors.Is(err, evidence.ErrUnsupportedType):
		writeError(w, http.StatusUnsupportedMediaType, err.Error())
		return
	case err != nil:
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeError(w, http.StatusRequestEntityTooLarge, evidence.ErrTooLarge.Error())
			return
		}
		internalError(w, err)
		return
	}

	// A capture still waiting takes the ref; otherwise attach directly.
	if !services.Capture.Deliver(episodeID, ref) {
		if err := services.Engine.AttachEvidence(r.Context(), wardID, episodeID, ref); err != nil {
			failure(w, err)
			return
		}
	}
	slog.Info("sos_event", "event", "evidence_uploaded", "ward_id", wardID, "episode_id", episodeID)
	writeJSON(w, http.StatusCreated, map[string]string{"ref": ref})
}

func telemetryDeps() orchestrators.RecordTelemetryDeps {
	return orchestrators.RecordTelemetryDeps{
		Readings: stores.TelemetryStore,
		Now:      timeNow,
		Location: opts.Location,
	}
}

// handleTelemetry handles POST /api/telemetry
func handleTelemetry(w http.ResponseWriter, r *http.Request) {
	var input live.TelemetryData
	if err := strictDecode(w, r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	res, err := orchestrators.ExecuteRecordTelemetry(r.Context(), orchestrators.RecordTelemetryInput{
		WardID:   caller(r).AccountID,
		Battery:  input.Battery,
		AreaRisk: input.AreaRisk,
		Lat:      input.Lat,
		Lng:      input.Lng,
	}, telemetryDeps())
	if err != nil {
		failure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reading": map[string]any{
			"battery":     res.Reading.Battery,
			"area_risk":   res.Reading.AreaRisk,
			"location":    res.Reading.Location,
			"reported_at": res.Reading.ReportedAt,
		},
		"safety": res.Safety,
	})
}
