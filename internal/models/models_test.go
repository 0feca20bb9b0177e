package models

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFeatureVectorCanonicalOrder(t *testing.T) {
	vec := FeatureVector{
		Browser: 0.1, OS: 0.2, Device: 0.3, TimeOfHour: 0.4,
		DailyLoginCount: 0.5, TimeBetweenLogins: 0.6, FailedLogin: 0.7, Geolocation: 0.8,
	}

	values := vec.Values()
	require.Len(t, values, len(FeatureNames))
	for i, name := range FeatureNames {
		require.Equal(t, values[i], vec.Get(name), name)
	}
	require.Equal(t, vec.Map()[FeatureFailedLogin], 0.7)
	require.Zero(t, vec.Get("no_such_feature"))
}

func TestFeatureVectorMean(t *testing.T) {
	require.Zero(t, FeatureVector{}.Mean())
	require.InDelta(t, 0.025, ColdStartVector().Mean(), 1e-12)
}

func TestSessionVerified(t *testing.T) {
	s := AuthSession{NeedsVerification: true}
	require.False(t, s.Verified())
	s.NeedsVerification = false
	require.True(t, s.Verified())
}
