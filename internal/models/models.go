package models

import (
	"time"
)

// Risk tiers driving the step-up verification flow.
const (
	TierLow    = 0
	TierMedium = 1
	TierHigh   = 2
)

// RiskLabels maps a tier to its display label.
var RiskLabels = map[int]string{
	TierLow:    "Low",
	TierMedium: "Medium",
	TierHigh:   "High",
}

// RiskColors maps a tier to a presentation color class.
var RiskColors = map[int]string{
	TierLow:    "success",
	TierMedium: "warning",
	TierHigh:   "danger",
}

// Verification types attached to an AuthSession.
const (
	VerificationNone   = "none"
	VerificationOTP    = "otp"
	VerificationOTPKBA = "otp_kba"
)

// User is an account record. The security answer is stored
// lowercased and trimmed at registration.
type User struct {
	ID               int64     `json:"id"`
	Username         string    `json:"username"`
	PasswordHash     string    `json:"-"`
	Email            string    `json:"email"`
	SecurityQuestion string    `json:"security_question"`
	SecurityAnswer   string    `json:"-"`
	CreatedAt        time.Time `json:"created_at"`
}

// LoginAttempt is one row of the append-only login history.
// Timestamps are stored in UTC; ties on equal timestamps are broken
// by the insertion id.
type LoginAttempt struct {
	ID            int64     `json:"id"`
	UserID        int64     `json:"user_id"`
	Timestamp     time.Time `json:"timestamp"`
	IP            string    `json:"ip_address"`
	UserAgent     string    `json:"user_agent"`
	Browser       string    `json:"browser"`
	OS            string    `json:"os_name"`
	DeviceType    string    `json:"device_type"`
	Success       bool      `json:"success"`
	RiskScore     float64   `json:"risk_score"`
	RiskTier      int       `json:"risk_tier"`
	ASN           int       `json:"asn"`
	Region        string    `json:"region"`
	IFScore       float64   `json:"if_score"`
	RuleScore     float64   `json:"rule_score"`
	CombinedScore float64   `json:"combined_score"`
}

// UserBehavior holds per-user aggregate counters, updated atomically
// with every history append.
type UserBehavior struct {
	UserID       int64      `json:"user_id"`
	LastLogin    *time.Time `json:"last_login,omitempty"`
	SuccessCount int        `json:"success_count"`
	FailedCount  int        `json:"failed_count"`
}

// OtpCode is a one-time code row. The code itself is stored encrypted.
type OtpCode struct {
	ID            int64     `json:"id"`
	UserID        int64     `json:"user_id"`
	Email         string    `json:"email"`
	EncryptedCode string    `json:"-"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	Used          bool      `json:"used"`
	AttemptCount  int       `json:"attempt_count"`
	IP            string    `json:"ip_address"`
	SessionID     string    `json:"session_id"`
}

// AuthSession is the ephemeral per-session state held in the session
// store. It is exclusive-write per SessionID.
type AuthSession struct {
	SessionID         string    `json:"session_id"`
	UserID            int64     `json:"user_id"`
	Username          string    `json:"username"`
	Tier              int       `json:"tier"`
	RiskScore         float64   `json:"risk_score"`
	NeedsVerification bool      `json:"needs_verification"`
	VerificationType  string    `json:"verification_type"`
	OtpVerified       bool      `json:"otp_verified"`
	CreatedAt         time.Time `json:"created_at"`
}

// Verified reports whether the session has completed all required
// step-up stages.
func (s *AuthSession) Verified() bool {
	return !s.NeedsVerification
}

// Canonical feature names, in the order the model consumes them.
const (
	FeatureBrowser           = "browser_anomaly"
	FeatureOS                = "os_anomaly"
	FeatureDevice            = "device_anomaly"
	FeatureTimeOfHour        = "time_of_hour_anomaly"
	FeatureDailyLoginCount   = "daily_login_count_anomaly"
	FeatureTimeBetweenLogins = "time_between_logins_anomaly"
	FeatureFailedLogin       = "failed_login_anomaly"
	FeatureGeolocation       = "geolocation_anomaly"
)

// FeatureNames is the canonical ordering of the eight anomaly features.
var FeatureNames = []string{
	FeatureBrowser,
	FeatureOS,
	FeatureDevice,
	FeatureTimeOfHour,
	FeatureDailyLoginCount,
	FeatureTimeBetweenLogins,
	FeatureFailedLogin,
	FeatureGeolocation,
}

// FeatureVector is the fixed eight-feature anomaly vector. Every value
// lies in [0,1]; 1 means maximally anomalous.
type FeatureVector struct {
	Browser           float64 `json:"browser_anomaly"`
	OS                float64 `json:"os_anomaly"`
	Device            float64 `json:"device_anomaly"`
	TimeOfHour        float64 `json:"time_of_hour_anomaly"`
	DailyLoginCount   float64 `json:"daily_login_count_anomaly"`
	TimeBetweenLogins float64 `json:"time_between_logins_anomaly"`
	FailedLogin       float64 `json:"failed_login_anomaly"`
	Geolocation       float64 `json:"geolocation_anomaly"`
}

// ColdStartVector is the fixed vector emitted when a user has no
// history window at all.
func ColdStartVector() FeatureVector {
	return FeatureVector{
		TimeOfHour:      0.1,
		DailyLoginCount: 0.1,
	}
}

// Values returns the vector in canonical feature order.
func (f FeatureVector) Values() []float64 {
	return []float64{
		f.Browser,
		f.OS,
		f.Device,
		f.TimeOfHour,
		f.DailyLoginCount,
		f.TimeBetweenLogins,
		f.FailedLogin,
		f.Geolocation,
	}
}

// Map returns the vector keyed by canonical feature name.
func (f FeatureVector) Map() map[string]float64 {
	values := f.Values()
	m := make(map[string]float64, len(FeatureNames))
	for i, name := range FeatureNames {
		m[name] = values[i]
	}
	return m
}

// Get returns the named feature value, or 0 for unknown names.
func (f FeatureVector) Get(name string) float64 {
	switch name {
	case FeatureBrowser:
		return f.Browser
	case FeatureOS:
		return f.OS
	case FeatureDevice:
		return f.Device
	case FeatureTimeOfHour:
		return f.TimeOfHour
	case FeatureDailyLoginCount:
		return f.DailyLoginCount
	case FeatureTimeBetweenLogins:
		return f.TimeBetweenLogins
	case FeatureFailedLogin:
		return f.FailedLogin
	case FeatureGeolocation:
		return f.Geolocation
	}
	return 0
}

// Mean is the arithmetic mean of all eight features, used as the
// model-unavailable fallback score.
func (f FeatureVector) Mean() float64 {
	var sum float64
	values := f.Values()
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// RiskResult is the outcome of scoring one login attempt.
type RiskResult struct {
	IFScore       float64 `json:"if_score"`
	RuleScore     float64 `json:"rule_score"`
	CombinedScore float64 `json:"combined_score"`
	Tier          int     `json:"risk_tier"`
}

// LoginScoredEvent is published to the event stream after each scored
// attempt, for offline analysis and threshold recalibration.
type LoginScoredEvent struct {
	LoginID       string             `json:"login_id"`
	UserID        int64              `json:"user_id"`
	Username      string             `json:"username"`
	Timestamp     time.Time          `json:"timestamp"`
	IP            string             `json:"ip_address"`
	Browser       string             `json:"browser"`
	OS            string             `json:"os_name"`
	DeviceType    string             `json:"device_type"`
	Success       bool               `json:"success"`
	Features      map[string]float64 `json:"features"`
	IFScore       float64            `json:"if_score"`
	RuleScore     float64            `json:"rule_score"`
	CombinedScore float64            `json:"combined_score"`
	Tier          int                `json:"risk_tier"`
	ASN           int                `json:"asn"`
	Region        string             `json:"region"`
}
