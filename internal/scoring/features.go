package scoring

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rba-platform/login-guard/internal/geo"
	"github.com/rba-platform/login-guard/internal/models"
	"github.com/rba-platform/login-guard/internal/repositories"
)

const (
	historyWindow = 50

	// F5 daily-count model
	dailyWindowDays  = 30
	dailyOutlierCap  = 5
	dailyEMAAlpha    = 0.1
	dailyStdInit     = 1.0
	dailyStdFloor    = 1.0

	// F6 inter-arrival model. The margin keeps the query from seeing
	// writes racing with the current attempt; a successful login
	// inside the margin is invisible, so a sub-5s retry scores 0.
	intervalMargin   = 5 * time.Second
	intervalLimit    = 20
	intervalEMAAlpha = 0.3
	intervalStdInit  = 3600.0
	intervalStdFloor = 1800.0

	// F7 consecutive-failure model
	failedScanLimit = 20
	failedThreshold = 3

	// F8 geolocation model
	geoWindow    = 10
	geoASNWeight = 0.60
	geoRegWeight = 0.40
)

// HistoryReader is the slice of the history store the feature engine
// needs. Satisfied by repositories.HistoryRepository.
type HistoryReader interface {
	RecentSuccessful(ctx context.Context, userID int64, upTo time.Time, limit int) ([]models.LoginAttempt, error)
	RecentAll(ctx context.Context, userID int64, upTo time.Time, limit int) ([]models.LoginAttempt, error)
	CountSuccessfulByDay(ctx context.Context, userID int64, upTo time.Time, days int) ([]repositories.DayCount, error)
	CountSuccessfulToday(ctx context.Context, userID int64, upTo time.Time) (int, error)
}

// Attempt carries everything the engine needs about the login being
// scored. Now is the reference timestamp; the engine never reads the
// wall clock itself, so recomputation over the same snapshot is
// deterministic.
type Attempt struct {
	UserID     int64
	Now        time.Time
	Browser    string
	OS         string
	DeviceType string
	Location   geo.Location
}

// FeatureEngine derives the eight anomaly features from an attempt and
// the user's history.
type FeatureEngine struct {
	history      HistoryReader
	maskEnabled  bool
	allowedNames map[string]bool
}

// NewFeatureEngine builds an engine. When mask is non-nil and masking
// is enabled, features outside the mask are forced to zero.
func NewFeatureEngine(history HistoryReader, maskEnabled bool, mask []string) *FeatureEngine {
	var allowed map[string]bool
	if maskEnabled {
		allowed = make(map[string]bool, len(mask))
		for _, name := range mask {
			allowed[name] = true
		}
	}
	return &FeatureEngine{history: history, maskEnabled: maskEnabled, allowedNames: allowed}
}

// Compute produces the feature vector for the attempt. All reads are
// bounded strictly before a.Now so the attempt's own write is never
// visible to its features.
func (e *FeatureEngine) Compute(ctx context.Context, a Attempt) (models.FeatureVector, error) {
	now := a.Now.UTC()

	window, err := e.history.RecentSuccessful(ctx, a.UserID, now, historyWindow)
	if err != nil {
		return models.FeatureVector{}, fmt.Errorf("failed to load history window: %w", err)
	}

	if len(window) == 0 {
		return e.applyMask(models.ColdStartVector()), nil
	}

	todayCount, err := e.history.CountSuccessfulToday(ctx, a.UserID, now)
	if err != nil {
		return models.FeatureVector{}, fmt.Errorf("failed to count today's logins: %w", err)
	}

	dayCounts, err := e.history.CountSuccessfulByDay(ctx, a.UserID, now, dailyWindowDays)
	if err != nil {
		return models.FeatureVector{}, fmt.Errorf("failed to load daily counts: %w", err)
	}

	intervals, err := e.history.RecentSuccessful(ctx, a.UserID, now.Add(-intervalMargin), intervalLimit)
	if err != nil {
		return models.FeatureVector{}, fmt.Errorf("failed to load interval history: %w", err)
	}

	mixed, err := e.history.RecentAll(ctx, a.UserID, now, failedScanLimit)
	if err != nil {
		return models.FeatureVector{}, fmt.Errorf("failed to load mixed history: %w", err)
	}

	vec := models.FeatureVector{
		Browser:           categoricalAnomaly(window, a.Browser, func(h models.LoginAttempt) string { return h.Browser }),
		OS:                categoricalAnomaly(window, a.OS, func(h models.LoginAttempt) string { return h.OS }),
		Device:            categoricalAnomaly(window, a.DeviceType, func(h models.LoginAttempt) string { return h.DeviceType }),
		TimeOfHour:        hourAnomaly(window, now),
		DailyLoginCount:   dailyCountAnomaly(dayCounts, todayCount),
		TimeBetweenLogins: intervalAnomaly(intervals, now),
		FailedLogin:       failedLoginAnomaly(mixed),
		Geolocation:       geoAnomaly(window, a.Location),
	}

	return e.applyMask(vec), nil
}

func (e *FeatureEngine) applyMask(vec models.FeatureVector) models.FeatureVector {
	if !e.maskEnabled {
		return vec
	}
	masked := models.FeatureVector{}
	for _, name := range models.FeatureNames {
		if !e.allowedNames[name] {
			continue
		}
		switch name {
		case models.FeatureBrowser:
			masked.Browser = vec.Browser
		case models.FeatureOS:
			masked.OS = vec.OS
		case models.FeatureDevice:
			masked.Device = vec.Device
		case models.FeatureTimeOfHour:
			masked.TimeOfHour = vec.TimeOfHour
		case models.FeatureDailyLoginCount:
			masked.DailyLoginCount = vec.DailyLoginCount
		case models.FeatureTimeBetweenLogins:
			masked.TimeBetweenLogins = vec.TimeBetweenLogins
		case models.FeatureFailedLogin:
			masked.FailedLogin = vec.FailedLogin
		case models.FeatureGeolocation:
			masked.Geolocation = vec.Geolocation
		}
	}
	return masked
}

// categoricalAnomaly is the F1-F3 rule: 1 minus the share of the
// history window that matches the current value.
func categoricalAnomaly(window []models.LoginAttempt, current string, field func(models.LoginAttempt) string) float64 {
	if len(window) == 0 {
		return 0
	}
	matches := 0
	for _, h := range window {
		if field(h) == current {
			matches++
		}
	}
	similarity := float64(matches) / float64(len(window))
	return clamp01(1 - similarity)
}

// hourAnomaly measures how far the attempt's hour sits from the user's
// historical login hours on the 24-hour circle.
func hourAnomaly(window []models.LoginAttempt, now time.Time) float64 {
	x := float64(now.Hour())
	var weighted, total float64
	for _, h := range window {
		hi := float64(h.Timestamp.UTC().Hour())
		weighted += math.Cos(2 * math.Pi * (x - hi) / 24)
		total++
	}
	if total == 0 {
		return 0
	}
	similarity := 0.5 * (weighted/total + 1)
	return clamp01(1 - similarity)
}

// dailyCountAnomaly is the F5 rule: today's count scored against an
// EMA model of the last 30 days' counts, outlier days excluded.
func dailyCountAnomaly(days []repositories.DayCount, todayCount int) float64 {
	counts := make([]float64, 0, len(days))
	for _, d := range days {
		if d.Count > dailyOutlierCap {
			continue
		}
		counts = append(counts, float64(d.Count))
	}

	if len(counts) < 2 {
		switch {
		case todayCount == 0:
			return 0
		case todayCount > dailyOutlierCap:
			return 1
		default:
			return 0.3
		}
	}

	if todayCount == 0 {
		return 0
	}

	ema, std := emaWithStd(counts, dailyEMAAlpha, dailyStdInit, dailyStdFloor)
	return shape(gaussianAnomaly(float64(todayCount), ema, std))
}

// intervalAnomaly is the F6 rule over time between successful logins.
// The query bound already excludes the margin; the gap itself is
// measured against the unadjusted reference time.
func intervalAnomaly(history []models.LoginAttempt, now time.Time) float64 {
	if len(history) == 0 {
		return 0
	}

	delta := now.Sub(history[0].Timestamp.UTC()).Seconds()

	switch {
	case delta < 60:
		return 1.0
	case delta >= 7200:
		return 0.0
	}

	if len(history) < 2 {
		switch {
		case delta < 300:
			return 0.8
		case delta < 1800:
			return 0.6
		case delta < 3600:
			return 0.4
		case delta < 7200:
			return 0.2
		}
		return 0.1
	}

	diffs := make([]float64, 0, len(history)-1)
	for i := 0; i < len(history)-1; i++ {
		diffs = append(diffs, history[i].Timestamp.Sub(history[i+1].Timestamp).Seconds())
	}

	ema, std := emaWithStd(diffs, intervalEMAAlpha, intervalStdInit, intervalStdFloor)
	return shape(gaussianAnomaly(delta, ema, std))
}

// failedLoginAnomaly is the F7 rule: the run of failures immediately
// preceding this attempt, saturating at the threshold.
func failedLoginAnomaly(mixed []models.LoginAttempt) float64 {
	consecutive := 0
	for _, h := range mixed {
		if h.Success {
			break
		}
		consecutive++
	}
	return clamp01(float64(consecutive) / float64(failedThreshold))
}

// geoAnomaly is the F8 rule over the last 10 successful attempts:
// unseen ASN weighted 0.6, region churn weighted 0.4.
func geoAnomaly(window []models.LoginAttempt, loc geo.Location) float64 {
	recent := window
	if len(recent) > geoWindow {
		recent = recent[:geoWindow]
	}
	if len(recent) == 0 {
		return 0
	}

	asnSeen := false
	for _, h := range recent {
		if h.ASN == loc.ASN {
			asnSeen = true
			break
		}
	}
	g4 := 1.0
	if asnSeen {
		g4 = 0.0
	}

	changes := 0
	for _, h := range recent {
		if h.Region == "Unknown" || h.Region == "" {
			continue
		}
		if h.Region != loc.Region {
			changes++
		}
	}
	g5 := math.Min(1, float64(changes)/float64(geoWindow))

	return clamp01(geoASNWeight*g4 + geoRegWeight*g5)
}

// emaWithStd runs an exponentially weighted mean and deviation over
// the series, seeding the mean with the first value. The floor is
// applied once after the recursion; the unclamped deviation feeds
// each step.
func emaWithStd(series []float64, alpha, stdInit, stdFloor float64) (float64, float64) {
	ema := series[0]
	std := stdInit
	for _, v := range series[1:] {
		ema = alpha*v + (1-alpha)*ema
		dev := v - ema
		std = math.Sqrt((1-alpha)*std*std + alpha*dev*dev)
	}
	if std < stdFloor {
		std = stdFloor
	}
	return ema, std
}

// gaussianAnomaly maps a z-score to an anomaly via the Gaussian
// kernel, clipping z to ±3.
func gaussianAnomaly(value, ema, std float64) float64 {
	z := (value - ema) / std
	if z > 3 {
		z = 3
	} else if z < -3 {
		z = -3
	}
	similarity := math.Exp(-z * z / 2)
	return 1 - similarity
}

// shape applies the non-linear scaling: dampen weak signals, amplify
// strong ones.
func shape(raw float64) float64 {
	switch {
	case raw < 0.3:
		raw *= 0.5
	case raw > 0.7:
		raw *= 1.2
	}
	return clamp01(raw)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
