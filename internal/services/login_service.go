package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mssola/useragent"
	"github.com/rs/zerolog/log"

	"github.com/rba-platform/login-guard/internal/auth"
	"github.com/rba-platform/login-guard/internal/geo"
	"github.com/rba-platform/login-guard/internal/models"
	"github.com/rba-platform/login-guard/internal/otp"
	"github.com/rba-platform/login-guard/internal/repositories"
	"github.com/rba-platform/login-guard/internal/scoring"
	"github.com/rba-platform/login-guard/internal/session"
)

var (
	ErrInvalidCredentials     = errors.New("invalid username or password")
	ErrInvalidInput           = errors.New("missing or invalid fields")
	ErrSessionExpired         = errors.New("session expired")
	ErrVerificationNotPending = errors.New("no verification pending")
	ErrKbaNotPending          = errors.New("knowledge answer not pending")
	ErrKbaMismatch            = errors.New("security answer does not match")
	ErrNotVerified            = errors.New("session not fully verified")
)

// userStore, historyStore, sessionStore and otpService are the narrow
// dependency surfaces of the coordinator, satisfied by the concrete
// repositories and services.
type userStore interface {
	Create(ctx context.Context, user *models.User) error
	GetByUsername(ctx context.Context, username string) (*models.User, error)
	GetByID(ctx context.Context, id int64) (*models.User, error)
}

type historyStore interface {
	Append(ctx context.Context, attempt *models.LoginAttempt) error
	RecentLogins(ctx context.Context, userID int64, limit int) ([]models.LoginAttempt, error)
	Stats(ctx context.Context, userID int64) (*repositories.UserStats, error)
}

type sessionStore interface {
	Save(ctx context.Context, sess *models.AuthSession) error
	Get(ctx context.Context, sessionID string) (*models.AuthSession, error)
	Delete(ctx context.Context, sessionID string) error
}

type otpService interface {
	Issue(ctx context.Context, userID int64, email, ip, sessionID string) (*models.OtpCode, error)
	Verify(ctx context.Context, userID int64, sessionID, submitted string) (otp.VerifyResult, error)
	Status(ctx context.Context, userID int64, sessionID string) (otp.Status, error)
	Invalidate(ctx context.Context, userID int64) error
}

type eventPublisher interface {
	PublishLoginScored(ctx context.Context, event *models.LoginScoredEvent)
}

// AuthCoordinator routes a login through scoring and the step-up
// verification state machine.
type AuthCoordinator struct {
	users    userStore
	history  historyStore
	sessions sessionStore
	otp      otpService
	engine   *scoring.FeatureEngine
	scorer   *scoring.IsolationScorer
	combiner *scoring.RiskCombiner
	resolver geo.Resolver
	events   eventPublisher

	geoTimeout time.Duration
	now        func() time.Time
}

func NewAuthCoordinator(
	users userStore,
	history historyStore,
	sessions sessionStore,
	otpSvc otpService,
	engine *scoring.FeatureEngine,
	scorer *scoring.IsolationScorer,
	combiner *scoring.RiskCombiner,
	resolver geo.Resolver,
	events eventPublisher,
	geoTimeout time.Duration,
) *AuthCoordinator {
	if geoTimeout <= 0 {
		geoTimeout = 3 * time.Second
	}
	return &AuthCoordinator{
		users:      users,
		history:    history,
		sessions:   sessions,
		otp:        otpSvc,
		engine:     engine,
		scorer:     scorer,
		combiner:   combiner,
		resolver:   resolver,
		events:     events,
		geoTimeout: geoTimeout,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// RegisterInput are the fields of the registration form.
type RegisterInput struct {
	Username         string
	Password         string
	ConfirmPassword  string
	Email            string
	SecurityQuestion string
	SecurityAnswer   string
}

// Register creates an account. The security answer is canonicalized
// at the repository layer.
func (c *AuthCoordinator) Register(ctx context.Context, in RegisterInput) (*models.User, error) {
	if in.Username == "" || in.Password == "" || in.Email == "" ||
		in.SecurityQuestion == "" || in.SecurityAnswer == "" {
		return nil, ErrInvalidInput
	}
	if in.Password != in.ConfirmPassword {
		return nil, fmt.Errorf("%w: passwords do not match", ErrInvalidInput)
	}

	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &models.User{
		Username:         strings.TrimSpace(in.Username),
		PasswordHash:     hash,
		Email:            strings.TrimSpace(in.Email),
		SecurityQuestion: in.SecurityQuestion,
		SecurityAnswer:   in.SecurityAnswer,
	}
	if err := c.users.Create(ctx, user); err != nil {
		return nil, err
	}

	log.Info().Int64("user_id", user.ID).Str("username", user.Username).Msg("User registered")
	return user, nil
}

// LoginInput carries the credentials and request context of one
// attempt.
type LoginInput struct {
	Username  string
	Password  string
	IP        string
	UserAgent string
}

// LoginResult is the scored outcome of a successful authentication.
type LoginResult struct {
	Session   *models.AuthSession
	User      *models.User
	Risk      models.RiskResult
	Features  models.FeatureVector
	OtpIssued bool
	OtpError  error
}

// Login authenticates the credentials, scores the attempt, appends it
// to history and opens an AuthSession. Medium and High tiers get a
// verification code issued immediately.
func (c *AuthCoordinator) Login(ctx context.Context, in LoginInput) (*LoginResult, error) {
	user, err := c.users.GetByUsername(ctx, in.Username)
	if err != nil {
		if errors.Is(err, repositories.ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	now := c.now()
	browser, osName, deviceType := parseUserAgent(in.UserAgent)
	location := c.lookupLocation(ctx, in.IP)

	if err := auth.CheckPassword(in.Password, user.PasswordHash); err != nil {
		c.recordAttempt(ctx, &models.LoginAttempt{
			UserID:     user.ID,
			Timestamp:  now,
			IP:         in.IP,
			UserAgent:  in.UserAgent,
			Browser:    browser,
			OS:         osName,
			DeviceType: deviceType,
			Success:    false,
			RiskScore:  0,
			RiskTier:   models.TierHigh,
			ASN:        location.ASN,
			Region:     location.Region,
		})
		return nil, ErrInvalidCredentials
	}

	// Features come from a snapshot strictly before now; the row for
	// this attempt is written only afterwards.
	features, err := c.engine.Compute(ctx, scoring.Attempt{
		UserID:     user.ID,
		Now:        now,
		Browser:    browser,
		OS:         osName,
		DeviceType: deviceType,
		Location:   location,
	})
	if err != nil {
		return nil, err
	}

	ifScore := c.scorer.Score(features)
	risk := c.combiner.Combine(ifScore, features)

	attempt := &models.LoginAttempt{
		UserID:        user.ID,
		Timestamp:     now,
		IP:            in.IP,
		UserAgent:     in.UserAgent,
		Browser:       browser,
		OS:            osName,
		DeviceType:    deviceType,
		Success:       true,
		RiskScore:     risk.CombinedScore,
		RiskTier:      risk.Tier,
		ASN:           location.ASN,
		Region:        location.Region,
		IFScore:       risk.IFScore,
		RuleScore:     risk.RuleScore,
		CombinedScore: risk.CombinedScore,
	}
	if err := c.history.Append(ctx, attempt); err != nil {
		return nil, err
	}

	sess := &models.AuthSession{
		SessionID:         uuid.New().String(),
		UserID:            user.ID,
		Username:          user.Username,
		Tier:              risk.Tier,
		RiskScore:         risk.CombinedScore,
		NeedsVerification: risk.Tier != models.TierLow,
		VerificationType:  verificationTypeFor(risk.Tier),
		CreatedAt:         now,
	}
	if err := c.sessions.Save(ctx, sess); err != nil {
		return nil, err
	}

	result := &LoginResult{
		Session:  sess,
		User:     user,
		Risk:     risk,
		Features: features,
	}

	if sess.NeedsVerification {
		if _, err := c.otp.Issue(ctx, user.ID, user.Email, in.IP, sess.SessionID); err != nil {
			// The session still awaits verification; the client can
			// use /resend-otp once the rate window passes.
			log.Warn().Err(err).Int64("user_id", user.ID).Msg("Failed to issue verification code at login")
			result.OtpError = err
		} else {
			result.OtpIssued = true
		}
	}

	c.publishScored(ctx, user, attempt, features, risk)

	log.Info().
		Int64("user_id", user.ID).
		Str("tier", models.RiskLabels[risk.Tier]).
		Float64("combined", risk.CombinedScore).
		Msg("Login scored")

	return result, nil
}

func verificationTypeFor(tier int) string {
	switch tier {
	case models.TierMedium:
		return models.VerificationOTP
	case models.TierHigh:
		return models.VerificationOTPKBA
	default:
		return models.VerificationNone
	}
}

// VerifyOtpResult reports an OTP stage transition.
type VerifyOtpResult struct {
	Outcome           otp.VerifyOutcome
	RemainingAttempts int
	// NextStage is "done" when the session is fully verified, or
	// "kba" when a knowledge answer is still required.
	NextStage string
}

// VerifyOtp advances the session past its OTP stage when the code is
// valid.
func (c *AuthCoordinator) VerifyOtp(ctx context.Context, sessionID, code string) (*VerifyOtpResult, error) {
	sess, err := c.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.NeedsVerification || sess.OtpVerified {
		return nil, ErrVerificationNotPending
	}

	res, err := c.otp.Verify(ctx, sess.UserID, sess.SessionID, code)
	if err != nil {
		return nil, err
	}
	if res.Outcome != otp.VerifyValid {
		return &VerifyOtpResult{Outcome: res.Outcome, RemainingAttempts: res.RemainingAttempts}, nil
	}

	sess.OtpVerified = true
	next := "kba"
	if sess.VerificationType == models.VerificationOTP {
		sess.NeedsVerification = false
		next = "done"
	}
	if err := c.sessions.Save(ctx, sess); err != nil {
		return nil, err
	}
	return &VerifyOtpResult{Outcome: otp.VerifyValid, NextStage: next}, nil
}

// VerifyKba checks the knowledge answer for a High-tier session that
// already passed its OTP stage. Comparison is case-insensitive and
// trimmed on both sides.
func (c *AuthCoordinator) VerifyKba(ctx context.Context, sessionID, answer string) error {
	sess, err := c.getSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.VerificationType != models.VerificationOTPKBA || !sess.OtpVerified || !sess.NeedsVerification {
		return ErrKbaNotPending
	}

	user, err := c.users.GetByID(ctx, sess.UserID)
	if err != nil {
		return err
	}

	stored := strings.ToLower(strings.TrimSpace(user.SecurityAnswer))
	given := strings.ToLower(strings.TrimSpace(answer))
	if stored == "" || stored != given {
		return ErrKbaMismatch
	}

	sess.NeedsVerification = false
	return c.sessions.Save(ctx, sess)
}

// ResendOtp issues a fresh code for a session still awaiting its OTP
// stage.
func (c *AuthCoordinator) ResendOtp(ctx context.Context, sessionID, ip string) error {
	sess, err := c.getSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if !sess.NeedsVerification || sess.OtpVerified {
		return ErrVerificationNotPending
	}

	user, err := c.users.GetByID(ctx, sess.UserID)
	if err != nil {
		return err
	}

	_, err = c.otp.Issue(ctx, user.ID, user.Email, ip, sess.SessionID)
	return err
}

// OtpStatus reports the state of the session's latest code.
func (c *AuthCoordinator) OtpStatus(ctx context.Context, sessionID string) (otp.Status, error) {
	sess, err := c.getSession(ctx, sessionID)
	if err != nil {
		return otp.Status{}, err
	}
	return c.otp.Status(ctx, sess.UserID, sess.SessionID)
}

// SecurityQuestion returns the user's question for the KBA stage.
// Only sessions that passed their OTP stage may see it.
func (c *AuthCoordinator) SecurityQuestion(ctx context.Context, sessionID string) (string, error) {
	sess, err := c.getSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if sess.VerificationType != models.VerificationOTPKBA || !sess.OtpVerified {
		return "", ErrKbaNotPending
	}
	user, err := c.users.GetByID(ctx, sess.UserID)
	if err != nil {
		return "", err
	}
	return user.SecurityQuestion, nil
}

// Logout destroys the session and invalidates the user's active
// codes. Unknown sessions log out silently.
func (c *AuthCoordinator) Logout(ctx context.Context, sessionID string) error {
	sess, err := c.getSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrSessionExpired) {
			return nil
		}
		return err
	}

	if err := c.otp.Invalidate(ctx, sess.UserID); err != nil {
		log.Warn().Err(err).Int64("user_id", sess.UserID).Msg("Failed to invalidate codes at logout")
	}
	return c.sessions.Delete(ctx, sessionID)
}

// Session loads a session by id, mapping store misses to
// ErrSessionExpired.
func (c *AuthCoordinator) Session(ctx context.Context, sessionID string) (*models.AuthSession, error) {
	return c.getSession(ctx, sessionID)
}

// Dashboard returns the recent attempts of a fully verified session.
func (c *AuthCoordinator) Dashboard(ctx context.Context, sessionID string, limit int) (*models.AuthSession, []models.LoginAttempt, error) {
	sess, err := c.verifiedSession(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	attempts, err := c.history.RecentLogins(ctx, sess.UserID, limit)
	if err != nil {
		return nil, nil, err
	}
	return sess, attempts, nil
}

// Profile returns the user record and aggregate stats of a fully
// verified session.
func (c *AuthCoordinator) Profile(ctx context.Context, sessionID string) (*models.User, *repositories.UserStats, error) {
	sess, err := c.verifiedSession(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	user, err := c.users.GetByID(ctx, sess.UserID)
	if err != nil {
		return nil, nil, err
	}
	stats, err := c.history.Stats(ctx, sess.UserID)
	if err != nil {
		return nil, nil, err
	}
	return user, stats, nil
}

func (c *AuthCoordinator) getSession(ctx context.Context, sessionID string) (*models.AuthSession, error) {
	if sessionID == "" {
		return nil, ErrSessionExpired
	}
	sess, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			return nil, ErrSessionExpired
		}
		return nil, err
	}
	return sess, nil
}

func (c *AuthCoordinator) verifiedSession(ctx context.Context, sessionID string) (*models.AuthSession, error) {
	sess, err := c.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.Verified() {
		return nil, ErrNotVerified
	}
	return sess, nil
}

func (c *AuthCoordinator) lookupLocation(ctx context.Context, ip string) geo.Location {
	geoCtx, cancel := context.WithTimeout(ctx, c.geoTimeout)
	defer cancel()

	loc, err := c.resolver.Lookup(geoCtx, ip)
	if err != nil {
		log.Warn().Err(err).Str("ip", ip).Msg("Geo lookup failed, degrading to unknown")
		return geo.UnknownLocation()
	}
	return loc
}

// recordAttempt appends a failed attempt. Persistence errors are
// logged; the caller's response to the client does not change.
func (c *AuthCoordinator) recordAttempt(ctx context.Context, attempt *models.LoginAttempt) {
	if err := c.history.Append(ctx, attempt); err != nil {
		log.Error().Err(err).Int64("user_id", attempt.UserID).Msg("Failed to record login attempt")
	}
}

func (c *AuthCoordinator) publishScored(ctx context.Context, user *models.User, attempt *models.LoginAttempt, features models.FeatureVector, risk models.RiskResult) {
	if c.events == nil {
		return
	}
	c.events.PublishLoginScored(ctx, &models.LoginScoredEvent{
		LoginID:       uuid.New().String(),
		UserID:        user.ID,
		Username:      user.Username,
		Timestamp:     attempt.Timestamp,
		IP:            attempt.IP,
		Browser:       attempt.Browser,
		OS:            attempt.OS,
		DeviceType:    attempt.DeviceType,
		Success:       attempt.Success,
		Features:      features.Map(),
		IFScore:       risk.IFScore,
		RuleScore:     risk.RuleScore,
		CombinedScore: risk.CombinedScore,
		Tier:          risk.Tier,
		ASN:           attempt.ASN,
		Region:        attempt.Region,
	})
}

// parseUserAgent extracts browser family, OS family and device class
// from the raw header.
func parseUserAgent(raw string) (browser, osName, deviceType string) {
	ua := useragent.New(raw)

	browser, _ = ua.Browser()
	if browser == "" {
		browser = "Unknown"
	}

	osName = ua.OSInfo().Name
	if osName == "" {
		osName = "Unknown"
	}

	switch {
	case ua.Bot():
		deviceType = "Bot"
	case ua.Mobile():
		deviceType = "Mobile"
	default:
		deviceType = "Desktop"
	}
	return browser, osName, deviceType
}
