package otp

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rba-platform/login-guard/configs"
	"github.com/rba-platform/login-guard/internal/models"
	"github.com/rba-platform/login-guard/internal/repositories"
)

// fakeCodeStore is an in-memory codeStore.
type fakeCodeStore struct {
	mu     sync.Mutex
	codes  []*models.OtpCode
	nextID int64
}

func (f *fakeCodeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.codes)
}

func (f *fakeCodeStore) Create(_ context.Context, code *models.OtpCode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.codes {
		if c.UserID == code.UserID && c.SessionID == code.SessionID && !c.Used {
			c.Used = true
		}
	}
	f.nextID++
	code.ID = f.nextID
	stored := *code
	f.codes = append(f.codes, &stored)
	return nil
}

func (f *fakeCodeStore) GetLatest(_ context.Context, userID int64, sessionID string) (*models.OtpCode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *models.OtpCode
	for _, c := range f.codes {
		if c.UserID != userID || c.SessionID != sessionID {
			continue
		}
		if latest == nil || c.CreatedAt.After(latest.CreatedAt) || (c.CreatedAt.Equal(latest.CreatedAt) && c.ID > latest.ID) {
			latest = c
		}
	}
	if latest == nil {
		return nil, repositories.ErrOtpNotFound
	}
	copied := *latest
	return &copied, nil
}

func (f *fakeCodeStore) IncrementAttempts(_ context.Context, id int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.codes {
		if c.ID == id {
			c.AttemptCount++
			return c.AttemptCount, nil
		}
	}
	return 0, repositories.ErrOtpNotFound
}

func (f *fakeCodeStore) MarkUsed(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.codes {
		if c.ID == id {
			c.Used = true
			return nil
		}
	}
	return repositories.ErrOtpNotFound
}

func (f *fakeCodeStore) CountRecentIssues(_ context.Context, userID int64, ip string, since time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, c := range f.codes {
		if (c.UserID == userID || c.IP == ip) && !c.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (f *fakeCodeStore) InvalidateForUser(_ context.Context, userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.codes {
		if c.UserID == userID {
			c.Used = true
		}
	}
	return nil
}

func (f *fakeCodeStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var kept []*models.OtpCode
	var deleted int64
	for _, c := range f.codes {
		if c.ExpiresAt.Before(now) {
			deleted++
			continue
		}
		kept = append(kept, c)
	}
	f.codes = kept
	return deleted, nil
}

// capturingMailer records the plaintext codes it was asked to send.
type capturingMailer struct {
	codes []string
}

func (m *capturingMailer) SendCode(_ context.Context, _, code string, _ time.Time) error {
	m.codes = append(m.codes, code)
	return nil
}

func newTestService(t *testing.T) (*Service, *fakeCodeStore, *capturingMailer) {
	t.Helper()
	cipher, err := NewCipher("test encryption key")
	require.NoError(t, err)

	store := &fakeCodeStore{}
	m := &capturingMailer{}
	svc := NewService(store, cipher, m, configs.OTPConfig{
		Length:          6,
		Expiry:          3 * time.Minute,
		MaxAttempts:     3,
		RateLimitWindow: 5 * time.Minute,
		RateLimitMax:    3,
	}, 10*time.Second)
	return svc, store, m
}

func TestIssueAndVerify(t *testing.T) {
	svc, _, m := newTestService(t)
	ctx := context.Background()

	code, err := svc.Issue(ctx, 1, "u@example.com", "1.2.3.4", "sess-1")
	require.NoError(t, err)
	require.NotZero(t, code.ID)
	require.Len(t, m.codes, 1)

	res, err := svc.Verify(ctx, 1, "sess-1", m.codes[0])
	require.NoError(t, err)
	require.Equal(t, VerifyValid, res.Outcome)

	// The consumed code cannot verify again.
	res, err = svc.Verify(ctx, 1, "sess-1", m.codes[0])
	require.NoError(t, err)
	require.Equal(t, VerifyNotFound, res.Outcome)
}

func TestVerifyWrongCodeCountsDown(t *testing.T) {
	svc, _, m := newTestService(t)
	ctx := context.Background()

	_, err := svc.Issue(ctx, 1, "u@example.com", "1.2.3.4", "sess-1")
	require.NoError(t, err)

	res, err := svc.Verify(ctx, 1, "sess-1", "000000")
	require.NoError(t, err)
	require.Equal(t, VerifyInvalid, res.Outcome)
	require.Equal(t, 2, res.RemainingAttempts)

	res, err = svc.Verify(ctx, 1, "sess-1", "000000")
	require.NoError(t, err)
	require.Equal(t, VerifyInvalid, res.Outcome)
	require.Equal(t, 1, res.RemainingAttempts)

	// Third wrong entry consumes the code.
	res, err = svc.Verify(ctx, 1, "sess-1", "000000")
	require.NoError(t, err)
	require.Equal(t, VerifyInvalid, res.Outcome)
	require.Zero(t, res.RemainingAttempts)

	// Exhausted from here on, even with the right code.
	res, err = svc.Verify(ctx, 1, "sess-1", m.codes[0])
	require.NoError(t, err)
	require.Equal(t, VerifyExhausted, res.Outcome)
}

func TestVerifyExpiredCode(t *testing.T) {
	svc, _, m := newTestService(t)
	ctx := context.Background()

	_, err := svc.Issue(ctx, 1, "u@example.com", "1.2.3.4", "sess-1")
	require.NoError(t, err)

	svc.now = func() time.Time { return time.Now().UTC().Add(4 * time.Minute) }

	res, err := svc.Verify(ctx, 1, "sess-1", m.codes[0])
	require.NoError(t, err)
	require.Equal(t, VerifyExpired, res.Outcome)
}

func TestVerifyWithoutIssue(t *testing.T) {
	svc, _, _ := newTestService(t)

	res, err := svc.Verify(context.Background(), 1, "sess-1", "123456")
	require.NoError(t, err)
	require.Equal(t, VerifyNotFound, res.Outcome)
}

func TestIssueSupersedesPriorCode(t *testing.T) {
	svc, store, m := newTestService(t)
	ctx := context.Background()

	_, err := svc.Issue(ctx, 1, "u@example.com", "1.2.3.4", "sess-1")
	require.NoError(t, err)
	_, err = svc.Issue(ctx, 1, "u@example.com", "1.2.3.4", "sess-1")
	require.NoError(t, err)

	active := 0
	for _, c := range store.codes {
		if !c.Used {
			active++
		}
	}
	require.Equal(t, 1, active)

	// Only the newest code verifies.
	res, err := svc.Verify(ctx, 1, "sess-1", m.codes[0])
	require.NoError(t, err)
	require.NotEqual(t, VerifyValid, res.Outcome)

	res, err = svc.Verify(ctx, 1, "sess-1", m.codes[1])
	require.NoError(t, err)
	require.Equal(t, VerifyValid, res.Outcome)
}

func TestIssueRateLimited(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.Issue(ctx, 1, "u@example.com", "1.2.3.4", "sess-1")
		require.NoError(t, err)
	}

	_, err := svc.Issue(ctx, 1, "u@example.com", "1.2.3.4", "sess-1")
	require.ErrorIs(t, err, ErrRateLimited)

	// A different user behind the same IP shares the budget.
	_, err = svc.Issue(ctx, 2, "other@example.com", "1.2.3.4", "sess-2")
	require.ErrorIs(t, err, ErrRateLimited)

	// A different user from a different IP does not.
	_, err = svc.Issue(ctx, 2, "other@example.com", "5.6.7.8", "sess-2")
	require.NoError(t, err)
}

func TestIssueAfterExhaustionResets(t *testing.T) {
	svc, _, m := newTestService(t)
	ctx := context.Background()

	_, err := svc.Issue(ctx, 1, "u@example.com", "1.2.3.4", "sess-1")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = svc.Verify(ctx, 1, "sess-1", "000000")
		require.NoError(t, err)
	}

	_, err = svc.Issue(ctx, 1, "u@example.com", "1.2.3.4", "sess-1")
	require.NoError(t, err)

	res, err := svc.Verify(ctx, 1, "sess-1", m.codes[1])
	require.NoError(t, err)
	require.Equal(t, VerifyValid, res.Outcome)
}

func TestStatus(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	status, err := svc.Status(ctx, 1, "sess-1")
	require.NoError(t, err)
	require.False(t, status.Exists)

	_, err = svc.Issue(ctx, 1, "u@example.com", "1.2.3.4", "sess-1")
	require.NoError(t, err)

	status, err = svc.Status(ctx, 1, "sess-1")
	require.NoError(t, err)
	require.True(t, status.Exists)
	require.False(t, status.Used)
	require.False(t, status.Expired)
	require.Equal(t, 3, status.AttemptsRemaining)
	require.Greater(t, status.SecondsRemaining, 170)
}

func TestSweepIdempotent(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Issue(ctx, 1, "u@example.com", "1.2.3.4", "sess-1")
	require.NoError(t, err)
	_, err = svc.Issue(ctx, 2, "v@example.com", "5.6.7.8", "sess-2")
	require.NoError(t, err)

	svc.now = func() time.Time { return time.Now().UTC().Add(10 * time.Minute) }

	deleted, err := svc.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), deleted)
	require.Empty(t, store.codes)

	deleted, err = svc.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, deleted)
}

func TestInvalidate(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Issue(ctx, 1, "u@example.com", "1.2.3.4", "sess-1")
	require.NoError(t, err)
	require.NoError(t, svc.Invalidate(ctx, 1))

	for _, c := range store.codes {
		require.True(t, c.Used)
	}
}
