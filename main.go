package main

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MGallo-Code/fitroom/internal/api"
	"github.com/MGallo-Code/fitroom/internal/auth"
	"github.com/MGallo-Code/fitroom/internal/captcha"
	"github.com/MGallo-Code/fitroom/internal/cleanup"
	"github.com/MGallo-Code/fitroom/internal/config"
	"github.com/MGallo-Code/fitroom/internal/metrics"
	"github.com/MGallo-Code/fitroom/internal/notify"
	"github.com/MGallo-Code/fitroom/internal/oauth"
	"github.com/MGallo-Code/fitroom/internal/quota"
	"github.com/MGallo-Code/fitroom/internal/store"
	"github.com/MGallo-Code/fitroom/internal/tryon"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Embeds the migration files INTO the go bin

//go:embed migrations/*.sql
var migrationsDir embed.FS

// requestTimeout bounds every route except try-on, which waits on the provider.
const requestTimeout = 30 * time.Second

func main() {
	// Load config first so we can set log level
	cfg, err := config.LoadConfig()
	if err != nil {
		// Fallback logger before config is available
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}

	// Include source location in log entries at debug level only.
	addSrc := cfg.LogLevel == slog.LevelDebug

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     cfg.LogLevel,
		AddSource: addSrc,
	})))

	// Cancel ctx on SIGINT/SIGTERM; run() shuts down when ctx is done.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// run() is a separate func so deferred closes always execute before os.Exit.
	if err := run(ctx, cfg, nil); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

// run holds all server logic and returns error instead of calling os.Exit,
// so deferred resource cleanup always runs.
// Shuts down when ctx is cancelled (signal handling is the caller's concern).
// If ready is non-nil, the server's base URL is sent on it once the listener is bound.
func run(ctx context.Context, cfg *config.Config, ready chan<- string) error {
	ps, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to set up postgres store: %w", err)
	}
	defer ps.Close()

	migrationsFS, err := fs.Sub(migrationsDir, "migrations")
	if err != nil {
		return fmt.Errorf("failed to access embedded migrations: %w", err)
	}
	if err := ps.Migrate(ctx, migrationsFS); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	// Shared Redis client: session cache, rate limiter, and notification queue.
	rdb, err := store.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("failed to set up redis client: %w", err)
	}
	defer rdb.Close()

	rs := store.NewRedisStore(rdb)
	rl := store.NewRedisRateLimiter(rdb)

	providers := map[string]oauth.Provider{}
	if cfg.GoogleEnabled() {
		gp, err := oauth.NewGoogleProvider(ctx, cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.GoogleRedirectURL)
		if err != nil {
			return fmt.Errorf("failed to set up google oauth: %w", err)
		}
		providers[gp.Name()] = gp
	}

	h := &auth.AuthHandler{
		PS: ps,
		RS: rs,
		RL: rl,
		Policies: auth.RateLimitPolicies{
			LoginEmail:    store.RateLimit{MaxAttempts: cfg.RateLoginEmailMax, Window: cfg.RateLoginEmailWindow, LockoutTTL: cfg.RateLoginEmailLockout},
			RegisterEmail: store.RateLimit{MaxAttempts: cfg.RateRegisterEmailMax, Window: cfg.RateRegisterEmailWindow, LockoutTTL: cfg.RateRegisterEmailLockout},
		},
		Policy:            auth.DefaultPasswordPolicy,
		OAuthProviders:    providers,
		SessionTTL:        cfg.SessionTTL,
		SessionRememberMe: cfg.SessionRememberMe,
	}

	svc := quota.NewService(ps.Limits(), ps, quota.SystemClock{}, quota.Limits{
		Free:    cfg.QuotaFreeLimit,
		Premium: cfg.QuotaPremiumLimit,
	})

	a := &api.Handler{
		Quota:     svc,
		PS:        ps,
		RL:        rl,
		MaxUpload: cfg.UploadMaxBytes,
		Notifier:  notify.NopNotifier{},
	}
	if cfg.GenerationEnabled() {
		a.Generator = tryon.NewFashnClient(cfg.FashnBaseURL, cfg.FashnAPIKey, cfg.FashnTimeout)
	} else {
		slog.Warn("FASHN_API_KEY not set, try-on generation disabled")
	}
	if cfg.TurnstileSecret != "" {
		a.Captcha = captcha.NewTurnstileVerifier(cfg.TurnstileSecret, "tryon")
	}

	// Background work is cancelled via bgCtx when run() returns.
	bgCtx, cancelBg := context.WithCancel(ctx)
	defer cancelBg()

	if cfg.TelegramEnabled() {
		qn := notify.NewQueuedNotifier(
			notify.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID),
			rdb, int64(cfg.NotifyQueueCap))
		a.Notifier = qn
		go qn.StartWorker(bgCtx)
	}

	sched := cleanup.NewScheduler(svc, ps, cfg.QuotaPurgeSchedule, cfg.QuotaRetention)
	if err := sched.Start(bgCtx); err != nil {
		return fmt.Errorf("failed to start cleanup scheduler: %w", err)
	}
	defer sched.Stop()

	// Bind listener; ":0" picks a free port (useful in tests).
	ln, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	server := &http.Server{
		Handler:           buildRouter(h, a, routerOptions{metrics: cfg.MetricsEnabled, tryOnTimeout: cfg.FashnTimeout + requestTimeout}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("fitroom listening", "addr", ln.Addr().String())
		// Send error only if server stops for a reason other than explicit shutdown.
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Signal readiness to caller (used by tests; nil in production).
	if ready != nil {
		ready <- "http://" + ln.Addr().String()
	}

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down server...")
	// In-flight try-ons may be waiting on the provider; give them its full timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.FashnTimeout+requestTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	slog.Info("server stopped")
	return nil
}

// routerOptions are the router knobs that vary between production and tests.
type routerOptions struct {
	metrics      bool
	tryOnTimeout time.Duration
}

// buildRouter wires all routes and middleware.
// Called from run() and by smoke tests.
func buildRouter(h *auth.AuthHandler, a *api.Handler, opts routerOptions) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if opts.metrics {
		r.Use(metrics.Middleware)
		r.Method(http.MethodGet, "/metrics", metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout))

		r.Get("/health", h.CheckHealth)
		r.Post("/register/email", h.RegisterByEmail)
		r.Post("/login/email", h.LoginByEmail)
		r.Get("/oauth/{provider}", h.OAuthRedirect)
		r.Get("/oauth/{provider}/callback", h.OAuthCallback)

		// Anonymous or signed-in. CSRF applies only when a session is attached.
		r.Group(func(r chi.Router) {
			r.Use(h.OptionalAuth)
			r.Use(h.OptionalCSRF)
			r.Get("/api/limits", a.LimitStatus)
			r.Post("/api/feedback", a.Feedback)
		})

		// Authentication required routes
		r.Group(func(r chi.Router) {
			r.Use(h.RequireAuth)
			// CSRF reads token injected by RequireAuth above
			// DO NOT RUN CSRF BEFORE RequireAuth
			r.Use(h.CSRFMiddleware)
			r.Get("/me", h.Me)
			r.Post("/logout", h.Logout)
			r.Post("/logout-all", h.LogoutAll)
			r.Post("/password/change", h.PasswordChange)

			r.Route("/admin", func(r chi.Router) {
				r.Use(h.RequireAdmin)
				r.Get("/users", a.ListUsers)
				r.Get("/users/{id}/limits", a.UserLimits)
				r.Post("/users/{id}/role", a.SetRole)
				r.Post("/users/{id}/premium", a.SetPremium)
				r.Post("/users/{id}/limits/reset", a.ResetUserLimits)
				r.Post("/devices/{fingerprint}/limits/reset", a.ResetDeviceLimits)
				r.Post("/limits/reset", a.ResetLimits)
			})
		})
	})

	// Try-on waits on the generation provider, so it gets its own deadline.
	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(opts.tryOnTimeout))
		r.Use(h.OptionalAuth)
		r.Use(h.OptionalCSRF)
		r.Post("/api/tryon", a.TryOn)
	})

	return r
}
