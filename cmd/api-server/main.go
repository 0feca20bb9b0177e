package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rba-platform/login-guard/configs"
	"github.com/rba-platform/login-guard/internal/auth"
	"github.com/rba-platform/login-guard/internal/geo"
	"github.com/rba-platform/login-guard/internal/mailer"
	"github.com/rba-platform/login-guard/internal/models"
	"github.com/rba-platform/login-guard/internal/otp"
	"github.com/rba-platform/login-guard/internal/queue"
	"github.com/rba-platform/login-guard/internal/repositories"
	"github.com/rba-platform/login-guard/internal/scoring"
	"github.com/rba-platform/login-guard/internal/services"
	"github.com/rba-platform/login-guard/internal/session"
)

// displayZone is the presentation timezone. Storage and scoring stay
// in UTC.
var displayZone = mustLoadZone("Asia/Jakarta")

func mustLoadZone(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.FixedZone("WIB", 7*3600)
	}
	return loc
}

func main() {
	_ = godotenv.Load()

	cfg, err := configs.Load()
	if err != nil {
		log.Error().Err(err).Msg("Failed to load configuration")
		os.Exit(1)
	}

	setupLogging(cfg.Server.Environment)

	db, err := repositories.NewDatabase(cfg.Database)
	if err != nil {
		log.Error().Err(err).Msg("Failed to connect to database")
		os.Exit(2)
	}
	defer db.Close()

	sessions, err := session.NewStore(cfg.Redis.URL, cfg.Session.IdleTTL)
	if err != nil {
		log.Error().Err(err).Msg("Failed to connect to redis")
		os.Exit(2)
	}
	defer sessions.Close()

	cipher, err := otp.NewCipher(cfg.OTP.EncryptionKey)
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize code cipher")
		os.Exit(1)
	}

	var codeMailer mailer.Mailer
	if cfg.SMTP.Enabled {
		codeMailer = mailer.NewSMTPMailer(cfg.SMTP)
	} else {
		codeMailer = mailer.NewConsoleMailer()
	}

	userRepo := repositories.NewUserRepository(db)
	historyRepo := repositories.NewHistoryRepository(db)
	otpRepo := repositories.NewOtpRepository(db)

	otpSvc := otp.NewService(otpRepo, cipher, codeMailer, cfg.OTP, cfg.SMTP.Timeout)

	resolver := geo.NewStaticResolver(nil)
	if cfg.Pairwise.Enabled {
		if loc, ok := geo.ParseOverride(cfg.Pairwise.GeoOverrideForLocal); ok {
			resolver = resolver.WithLocalOverride(loc)
		}
	}

	engine := scoring.NewFeatureEngine(historyRepo, cfg.Pairwise.Enabled, cfg.Pairwise.FeatureMask)
	scorer := scoring.LoadIsolationScorer(cfg.Model.ArtifactPath)
	thresholds := scoring.LoadThresholds(cfg.Model.ThresholdsPath, scoring.Thresholds{
		Lower: cfg.Risk.LowerThreshold,
		Upper: cfg.Risk.UpperThreshold,
	})
	combiner := scoring.NewRiskCombiner(cfg.Risk.UseWeightedRule, cfg.Risk.Alpha, cfg.Risk.FeatureWeights, thresholds)

	publisher := queue.NewEventPublisher(sessions.Client(), cfg.Redis.EventStream)

	coordinator := services.NewAuthCoordinator(
		userRepo, historyRepo, sessions, otpSvc,
		engine, scorer, combiner, resolver, publisher,
		3*time.Second,
	)

	cookies := auth.NewCookieManager(cfg.Session.CookieSecret, cfg.Session.IdleTTL)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// In-process sweep alongside the standalone cleanup worker binary.
	cleanup := otp.NewCleanupWorker(otpSvc, cfg.Cleanup.Interval, cfg.Cleanup.ErrorBackoff)
	go cleanup.Run(ctx)

	router := setupRouter(cfg, coordinator, cookies, db)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info().Str("port", cfg.Server.Port).Msg("Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}

func setupLogging(environment string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if environment == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

func setupRouter(cfg *configs.Config, coordinator *services.AuthCoordinator, cookies *auth.CookieManager, db *repositories.Database) *gin.Engine {
	if cfg.Server.Environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestIDMiddleware())
	router.Use(loggingMiddleware())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	limiter := newRateLimiter(100, time.Minute)
	router.Use(limiter.Middleware())

	h := &handlers{
		coordinator: coordinator,
		cookies:     cookies,
		cookieName:  cfg.Session.CookieName,
		db:          db,
	}

	router.GET("/", h.index)
	router.GET("/register", h.registerForm)
	router.POST("/register", h.register)
	router.GET("/login", h.loginForm)
	router.POST("/login", h.login)
	router.GET("/verify", h.verifyForm)
	router.POST("/verify", h.verifyOtp)
	router.GET("/verify-otp", h.verifyForm)
	router.POST("/verify-otp", h.verifyOtp)
	router.GET("/verify-kba", h.verifyKbaForm)
	router.POST("/verify-kba", h.verifyKba)
	router.POST("/resend-otp", h.resendOtp)
	router.GET("/otp-status", h.otpStatus)
	router.GET("/logout", h.logout)
	router.GET("/dashboard", h.dashboard)
	router.GET("/profile", h.profile)

	return router
}

// requestIDMiddleware tags each request for log correlation
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

// loggingMiddleware logs each request with latency and status
func loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		log.Info().
			Str("request_id", c.GetString("request_id")).
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("Request processed")
	}
}

// rateLimiter is a simple token bucket per client IP
type rateLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	limit    int
	interval time.Duration
}

type bucket struct {
	tokens   int
	lastSeen time.Time
}

func newRateLimiter(limit int, interval time.Duration) *rateLimiter {
	rl := &rateLimiter{
		buckets:  make(map[string]*bucket),
		limit:    limit,
		interval: interval,
	}
	go rl.cleanup()
	return rl
}

func (rl *rateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		rl.mu.Lock()
		cutoff := time.Now().Add(-10 * time.Minute)
		for ip, b := range rl.buckets {
			if b.lastSeen.Before(cutoff) {
				delete(rl.buckets, ip)
			}
		}
		rl.mu.Unlock()
	}
}

func (rl *rateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	b, ok := rl.buckets[ip]
	if !ok {
		rl.buckets[ip] = &bucket{tokens: rl.limit - 1, lastSeen: now}
		return true
	}

	elapsed := now.Sub(b.lastSeen)
	refill := int(float64(rl.limit) * (elapsed.Seconds() / rl.interval.Seconds()))
	if refill > 0 {
		b.tokens += refill
		if b.tokens > rl.limit {
			b.tokens = rl.limit
		}
	}
	b.lastSeen = now

	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}

func (rl *rateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"success": false,
				"message": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

// presentAttempt converts a history row to its display form, with
// timestamps in the presentation timezone.
func presentAttempt(a models.LoginAttempt) gin.H {
	return gin.H{
		"timestamp":   a.Timestamp.In(displayZone).Format("2006-01-02 15:04:05"),
		"ip_address":  a.IP,
		"browser":     a.Browser,
		"os_name":     a.OS,
		"device_type": a.DeviceType,
		"success":     a.Success,
		"risk_score":  a.RiskScore,
		"risk_tier":   models.RiskLabels[a.RiskTier],
		"risk_color":  models.RiskColors[a.RiskTier],
		"region":      a.Region,
		"asn":         strconv.Itoa(a.ASN),
	}
}
