package otp

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rba-platform/login-guard/configs"
	"github.com/rba-platform/login-guard/internal/mailer"
	"github.com/rba-platform/login-guard/internal/models"
	"github.com/rba-platform/login-guard/internal/repositories"
)

var ErrRateLimited = errors.New("too many codes requested, try again later")

// VerifyOutcome classifies one Verify call.
type VerifyOutcome int

const (
	VerifyValid VerifyOutcome = iota
	VerifyInvalid
	VerifyExpired
	VerifyExhausted
	VerifyNotFound
)

// VerifyResult carries the outcome plus the attempts left after an
// invalid entry.
type VerifyResult struct {
	Outcome           VerifyOutcome
	RemainingAttempts int
}

// Status is the JSON-facing snapshot of a session's latest code.
type Status struct {
	Exists            bool `json:"exists"`
	Used              bool `json:"used"`
	Expired           bool `json:"expired"`
	SecondsRemaining  int  `json:"seconds_remaining"`
	AttemptsRemaining int  `json:"attempts_remaining"`
}

// codeStore is the persistence surface the service needs. Satisfied
// by repositories.OtpRepository.
type codeStore interface {
	Create(ctx context.Context, code *models.OtpCode) error
	GetLatest(ctx context.Context, userID int64, sessionID string) (*models.OtpCode, error)
	IncrementAttempts(ctx context.Context, id int64) (int, error)
	MarkUsed(ctx context.Context, id int64) error
	CountRecentIssues(ctx context.Context, userID int64, ip string, since time.Time) (int, error)
	InvalidateForUser(ctx context.Context, userID int64) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// Service owns the one-time code lifecycle: issue, deliver, verify,
// expire, sweep.
type Service struct {
	store  codeStore
	cipher *Cipher
	mailer mailer.Mailer
	cfg    configs.OTPConfig

	mailTimeout time.Duration
	now         func() time.Time
}

func NewService(store codeStore, cipher *Cipher, m mailer.Mailer, cfg configs.OTPConfig, mailTimeout time.Duration) *Service {
	return &Service{
		store:       store,
		cipher:      cipher,
		mailer:      m,
		cfg:         cfg,
		mailTimeout: mailTimeout,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Issue creates, stores and delivers a fresh code for the session,
// superseding any active code for the same (user, session). The rate
// budget is shared between the user id and the source IP.
func (s *Service) Issue(ctx context.Context, userID int64, email, ip, sessionID string) (*models.OtpCode, error) {
	now := s.now()

	issued, err := s.store.CountRecentIssues(ctx, userID, ip, now.Add(-s.cfg.RateLimitWindow))
	if err != nil {
		return nil, fmt.Errorf("failed to check rate limit: %w", err)
	}
	if issued >= s.cfg.RateLimitMax {
		return nil, ErrRateLimited
	}

	plain, err := GenerateCode(s.cfg.Length)
	if err != nil {
		return nil, err
	}
	encrypted, err := s.cipher.Encrypt(plain)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt code: %w", err)
	}

	code := &models.OtpCode{
		UserID:        userID,
		Email:         email,
		EncryptedCode: encrypted,
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.cfg.Expiry),
		IP:            ip,
		SessionID:     sessionID,
	}
	if err := s.store.Create(ctx, code); err != nil {
		return nil, err
	}

	// Delivery failure is not fatal: the code exists and /resend-otp
	// can retry.
	mailCtx, cancel := context.WithTimeout(ctx, s.mailTimeout)
	defer cancel()
	if err := s.mailer.SendCode(mailCtx, email, plain, code.ExpiresAt); err != nil {
		log.Error().Err(err).Int64("user_id", userID).Msg("Failed to deliver verification code")
	}

	return code, nil
}

// Verify checks the submitted code against the session's latest code.
// The attempt counter is bumped before comparison, so a wrong entry on
// the last attempt consumes the code.
func (s *Service) Verify(ctx context.Context, userID int64, sessionID, submitted string) (VerifyResult, error) {
	code, err := s.store.GetLatest(ctx, userID, sessionID)
	if err != nil {
		if errors.Is(err, repositories.ErrOtpNotFound) {
			return VerifyResult{Outcome: VerifyNotFound}, nil
		}
		return VerifyResult{}, err
	}

	if code.Used {
		if code.AttemptCount >= s.cfg.MaxAttempts {
			return VerifyResult{Outcome: VerifyExhausted}, nil
		}
		return VerifyResult{Outcome: VerifyNotFound}, nil
	}

	if s.now().After(code.ExpiresAt) {
		if err := s.store.MarkUsed(ctx, code.ID); err != nil {
			return VerifyResult{}, err
		}
		return VerifyResult{Outcome: VerifyExpired}, nil
	}

	attempts, err := s.store.IncrementAttempts(ctx, code.ID)
	if err != nil {
		return VerifyResult{}, err
	}

	plain, err := s.cipher.Decrypt(code.EncryptedCode)
	if err != nil {
		return VerifyResult{}, err
	}

	if subtle.ConstantTimeCompare([]byte(plain), []byte(submitted)) == 1 {
		if err := s.store.MarkUsed(ctx, code.ID); err != nil {
			return VerifyResult{}, err
		}
		return VerifyResult{Outcome: VerifyValid}, nil
	}

	remaining := s.cfg.MaxAttempts - attempts
	if remaining <= 0 {
		if err := s.store.MarkUsed(ctx, code.ID); err != nil {
			return VerifyResult{}, err
		}
		return VerifyResult{Outcome: VerifyInvalid, RemainingAttempts: 0}, nil
	}
	return VerifyResult{Outcome: VerifyInvalid, RemainingAttempts: remaining}, nil
}

// Status reports the state of the session's latest code.
func (s *Service) Status(ctx context.Context, userID int64, sessionID string) (Status, error) {
	code, err := s.store.GetLatest(ctx, userID, sessionID)
	if err != nil {
		if errors.Is(err, repositories.ErrOtpNotFound) {
			return Status{}, nil
		}
		return Status{}, err
	}

	now := s.now()
	remaining := int(code.ExpiresAt.Sub(now).Seconds())
	if remaining < 0 {
		remaining = 0
	}
	attemptsLeft := s.cfg.MaxAttempts - code.AttemptCount
	if attemptsLeft < 0 {
		attemptsLeft = 0
	}

	return Status{
		Exists:            true,
		Used:              code.Used,
		Expired:           now.After(code.ExpiresAt),
		SecondsRemaining:  remaining,
		AttemptsRemaining: attemptsLeft,
	}, nil
}

// Invalidate marks every active code for the user as used.
func (s *Service) Invalidate(ctx context.Context, userID int64) error {
	return s.store.InvalidateForUser(ctx, userID)
}

// Sweep deletes expired codes. Idempotent; safe to run concurrently
// with issue and verify.
func (s *Service) Sweep(ctx context.Context) (int64, error) {
	return s.store.DeleteExpired(ctx, s.now())
}
