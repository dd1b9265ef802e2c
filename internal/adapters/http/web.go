package web

import (
	"context"
	"net/http"
	"time"

	"safetrail/internal/adapters/evidence"
	"safetrail/internal/adapters/http/middleware"
	"safetrail/internal/adapters/live"
	"safetrail/internal/adapters/speech"
	accountStore "safetrail/internal/adapters/storage/account"
	guardianStore "safetrail/internal/adapters/storage/guardian"
	sosStore "safetrail/internal/adapters/storage/sos"
	telemetryStore "safetrail/internal/adapters/storage/telemetry"
	travelStore "safetrail/internal/adapters/storage/travel"
	"safetrail/internal/application/engine"
	"safetrail/internal/application/guardian"
)

// Stores holds all storage dependencies.
type Stores struct {
	AccountStore   accountStore.Store
	GuardianStore  guardianStore.Store
	TelemetryStore telemetryStore.Store
	TravelStore    travelStore.Store
	SOSStore       sosStore.Store
}

// HealthChecker reports database reachability and query counters.
type HealthChecker interface {
	PingContext(ctx context.Context) error
	Stats() (queries, slow int64)
}

// Services holds the running components the handlers drive.
type Services struct {
	Engine   *engine.Engine
	Hub      *live.Hub
	Live     *live.Publisher
	Speech   *speech.Router
	Capture  *evidence.Capture
	Evidence *evidence.FileStore
	Fetcher  guardian.Fetcher
	Health   HealthChecker
}

// Options configures the HTTP surface.
type Options struct {
	CSRFKey        []byte
	TokenKey       []byte
	Secure         bool
	TrustedOrigins []string
	RateLimit      float64 // requests per second per client IP
	RateBurst      int
	SlowRequest    time.Duration
	Location       *time.Location
	GuardianPoll   time.Duration
	DeviceTokenTTL time.Duration
	// StopCh ends background housekeeping such as the rate limiter sweep.
	StopCh <-chan struct{}
}

// Global stores instance (set by NewMux)
var stores *Stores

// Global services instance (set by NewMux)
var services *Services

// Global session store instance
var sessions *middleware.SessionStore

// Global device token signer
var deviceTokens *middleware.DeviceTokens

// Global options (set by NewMux)
var opts Options

// timeNow is a variable for testability.
var timeNow = time.Now

// NewMux wires HTTP handlers for the app.
func NewMux(s *Stores, svc *Services, o Options) http.Handler {
	if o.Location == nil {
		o.Location = time.Local
	}
	if o.RateLimit <= 0 {
		o.RateLimit = 10
	}
	if o.RateBurst <= 0 {
		o.RateBurst = int(o.RateLimit * 2)
	}
	stores = s
	services = svc
	opts = o
	sessions = middleware.NewSessionStore()
	deviceTokens = middleware.NewDeviceTokens(o.TokenKey, o.DeviceTokenTTL)
	middleware.SecureCookies = o.Secure

	mux := http.NewServeMux()
	registerRoutes(mux)

	limiter := middleware.NewRateLimiter(o.RateLimit, o.RateBurst)
	if o.StopCh != nil {
		limiter.StartSweeper(o.StopCh)
	}

	// Apply middleware: Timing -> RateLimit -> Auth -> CSRF -> SecurityHeaders -> Mux
	return middleware.Chain(mux,
		middleware.SecurityHeaders,
		middleware.CSRF(o.CSRFKey, o.Secure, o.TrustedOrigins),
		middleware.Auth(sessions, deviceTokens),
		middleware.RateLimit(limiter),
		middleware.Timing(o.SlowRequest),
	)
}
