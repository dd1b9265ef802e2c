package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"safetrail/internal/adapters/email"
	"safetrail/internal/adapters/evidence"
	web "safetrail/internal/adapters/http"
	"safetrail/internal/adapters/http/middleware"
	"safetrail/internal/adapters/live"
	"safetrail/internal/adapters/locator"
	"safetrail/internal/adapters/notify"
	"safetrail/internal/adapters/speech"
	"safetrail/internal/adapters/storage"
	accountStore "safetrail/internal/adapters/storage/account"
	guardianStore "safetrail/internal/adapters/storage/guardian"
	outboxStore "safetrail/internal/adapters/storage/outbox"
	sosStore "safetrail/internal/adapters/storage/sos"
	telemetryStore "safetrail/internal/adapters/storage/telemetry"
	travelStore "safetrail/internal/adapters/storage/travel"
	"safetrail/internal/application/engine"
	"safetrail/internal/application/escalation"
	"safetrail/internal/application/guardian"
	"safetrail/internal/application/orchestrators"
	"safetrail/internal/application/voice"
	"safetrail/internal/config"
	"safetrail/internal/domain/outbox"
)

const shutdownTimeout = 10 * time.Second

func runServe(ctx context.Context, cfg config.Config) error {
	db, err := openDB(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()
	timed := storage.NewTimedDB(db, cfg.SlowQueryThreshold())
	loc := cfg.Location()

	accounts := accountStore.NewSQLiteStore(timed)
	links := guardianStore.NewSQLiteStore(timed)
	readings := telemetryStore.NewSQLiteStore(timed)
	travels := travelStore.NewSQLiteStore(timed)
	episodes := sosStore.NewSQLiteStore(timed)
	queue := outboxStore.NewSQLiteStore(timed)

	hub := live.NewHub()
	go hub.Run(ctx)
	livePub := live.NewPublisher(hub, links, nil)

	alerter := notify.NewAlerter(accounts, links, queue, notify.Options{Location: loc, BaseURL: cfg.BaseURL})
	pub := notify.WithResolvedEmails(livePub, alerter)

	files, err := evidence.NewFileStore(cfg.EvidenceDir)
	if err != nil {
		return err
	}
	capture := evidence.NewCapture(livePub, 0)

	disp := escalation.New(escalation.Deps{
		Location:  locator.NewLatest(readings, cfg.LocationMaxAge),
		Audio:     capture,
		Publisher: pub,
		Alerter:   alerter,
		Episodes:  episodes,
	}, escalation.Options{
		LocationTimeout: cfg.LocationTimeout,
		CaptureDuration: cfg.AudioCaptureDuration,
	})
	defer disp.Close()

	var keywords []string
	if cfg.KeywordsFile != "" {
		if keywords, err = voice.LoadKeywords(cfg.KeywordsFile); err != nil {
			return err
		}
	}
	matcher := voice.NewMatcher(keywords)
	speechRouter := speech.NewRouter(livePub)

	eng := engine.New(engine.Deps{
		Sessions:   travels,
		History:    travels,
		Episodes:   episodes,
		Publisher:  pub,
		Dispatcher: disp,
		Voice: func(wardID string, onTrigger func()) engine.VoiceListener {
			return voice.NewDetector(wardID, speechRouter.Source(wardID), matcher, onTrigger, voice.DetectorOptions{
				RestartDelay: cfg.VoiceRestartDelay,
				OnAdvisory: func(err error) {
					if perr := livePub.PublishAdvisory(context.Background(), wardID, "voice_unavailable", err.Error()); perr != nil {
						slog.Debug("voice_advisory_publish_failed", "ward_id", wardID, "error", perr.Error())
					}
				},
			})
		},
		GenerateID: uuid.NewString,
	}, engine.Options{
		TickInterval: cfg.TickInterval,
		PromptWindow: cfg.PromptWindow,
		Location:     loc,
	})
	defer eng.Close()
	disp.SetEvidenceHandler(eng.AttachEvidence)

	if err := eng.Recover(ctx); err != nil {
		return fmt.Errorf("recover engine state: %w", err)
	}

	stopCh := make(chan struct{})
	defer close(stopCh)

	var sender email.Sender
	if cfg.ResendAPIKey != "" {
		sender = email.NewResendSender(cfg.ResendAPIKey, cfg.EmailFrom)
		slog.Info("email_sender_configured", "provider", "resend")
	} else {
		sender = email.NewNoopSender()
		if cfg.IsProduction() {
			slog.Warn("email_delivery_disabled", "reason", "SAFETRAIL_RESEND_API_KEY is not set")
		}
	}
	exec := &orchestrators.EmailExecutor{Sender: sender}
	processor := orchestrators.NewOutboxProcessor(queue, map[string]orchestrators.ActionExecutor{
		outbox.ActionTypeSOSAlert:    exec,
		outbox.ActionTypeSOSResolved: exec,
	})
	orchestrators.StartBackgroundWorker(processor, cfg.OutboxInterval, stopCh)

	csrfKey, err := keyOrRandom(cfg.CSRFKey, "SAFETRAIL_CSRF_KEY")
	if err != nil {
		return err
	}
	tokenKey, err := keyOrRandom(cfg.TokenKey, "SAFETRAIL_TOKEN_KEY")
	if err != nil {
		return err
	}

	handler := web.NewMux(&web.Stores{
		AccountStore:   accounts,
		GuardianStore:  links,
		TelemetryStore: readings,
		TravelStore:    travels,
		SOSStore:       episodes,
	}, &web.Services{
		Engine:   eng,
		Hub:      hub,
		Live:     livePub,
		Speech:   speechRouter,
		Capture:  capture,
		Evidence: files,
		Fetcher: guardian.StoreFetcher{
			Links:    links,
			Accounts: accounts,
			Sessions: travels,
			Episodes: episodes,
			Readings: readings,
		},
		Health: timed,
	}, web.Options{
		CSRFKey:        csrfKey,
		TokenKey:       tokenKey,
		Secure:         cfg.IsProduction(),
		RateLimit:      cfg.RateLimitPerSecond,
		SlowRequest:    middleware.DefaultSlowRequest,
		Location:       loc,
		GuardianPoll:   cfg.GuardianPollInterval,
		DeviceTokenTTL: cfg.DeviceTokenTTL,
		StopCh:         stopCh,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server_starting", "version", version, "addr", cfg.Addr, "env", cfg.Env,
			"schema", storage.LatestSchemaVersion(), "timezone", loc.String())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("server_stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// keyOrRandom decodes a configured key or, outside production, generates an
// ephemeral one. Config.Validate already requires keys in production.
func keyOrRandom(hexKey, name string) ([]byte, error) {
	if k := config.DecodedKey(hexKey); k != nil {
		return k, nil
	}
	k := make([]byte, 32)
	if _, err := rand.Read(k); err != nil {
		return nil, fmt.Errorf("generate %s: %w", name, err)
	}
	slog.Warn("ephemeral_key", "name", name, "effect", "sessions and device tokens reset on restart")
	return k, nil
}
