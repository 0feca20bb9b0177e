package configs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("SESSION_COOKIE_SECRET", "test-secret")
	t.Setenv("OTP_ENCRYPTION_KEY", "test-encryption-key")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "8080", cfg.Server.Port)
	require.Equal(t, 30*time.Minute, cfg.Session.IdleTTL)
	require.Equal(t, 6, cfg.OTP.Length)
	require.Equal(t, 3*time.Minute, cfg.OTP.Expiry)
	require.Equal(t, 3, cfg.OTP.MaxAttempts)
	require.Equal(t, 5*time.Minute, cfg.OTP.RateLimitWindow)
	require.Equal(t, 0.5, cfg.Risk.Alpha)
	require.Equal(t, 0.2595, cfg.Risk.LowerThreshold)
	require.Equal(t, 0.5750, cfg.Risk.UpperThreshold)
	require.Equal(t, DefaultFeatureWeights(), cfg.Risk.FeatureWeights)
	require.False(t, cfg.Pairwise.Enabled)
	require.Equal(t, 5*time.Minute, cfg.Cleanup.Interval)
}

func TestLoadRequiresSecrets(t *testing.T) {
	t.Setenv("SESSION_COOKIE_SECRET", "")
	t.Setenv("OTP_ENCRYPTION_KEY", "")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadValidatesAlpha(t *testing.T) {
	setRequired(t)
	t.Setenv("RISK_ALPHA", "1.5")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadValidatesThresholdOrder(t *testing.T) {
	setRequired(t)
	t.Setenv("RISK_LOWER_THRESHOLD", "0.9")
	t.Setenv("RISK_UPPER_THRESHOLD", "0.1")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("PORT", "9999")
	t.Setenv("OTP_EXPIRY_MINUTES", "10")
	t.Setenv("RISK_FEATURE_WEIGHTS", `{"failed_login_anomaly": 4}`)
	t.Setenv("PAIRWISE_ENABLED", "true")
	t.Setenv("PAIRWISE_FEATURE_MASK", "browser_anomaly, geolocation_anomaly")
	t.Setenv("PAIRWISE_GEO_OVERRIDE_FOR_LOCAL", `{"region": "Jakarta"}`)

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "9999", cfg.Server.Port)
	require.Equal(t, 10*time.Minute, cfg.OTP.Expiry)
	require.Equal(t, map[string]float64{"failed_login_anomaly": 4}, cfg.Risk.FeatureWeights)
	require.True(t, cfg.Pairwise.Enabled)
	require.Equal(t, []string{"browser_anomaly", "geolocation_anomaly"}, cfg.Pairwise.FeatureMask)
	require.Equal(t, map[string]string{"region": "Jakarta"}, cfg.Pairwise.GeoOverrideForLocal)
}
