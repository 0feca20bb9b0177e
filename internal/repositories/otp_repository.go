package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rba-platform/login-guard/internal/models"
)

var ErrOtpNotFound = errors.New("otp code not found")

// OtpRepository persists one-time codes. Codes are stored encrypted;
// this layer never sees plaintext.
type OtpRepository struct {
	db *Database
}

func NewOtpRepository(db *Database) *OtpRepository {
	return &OtpRepository{db: db}
}

// Create inserts a new code after marking any active codes for the
// same user and session as used, so only the newest code can verify.
func (r *OtpRepository) Create(ctx context.Context, code *models.OtpCode) error {
	ctx, cancel := r.db.WithQueryTimeout(ctx)
	defer cancel()

	err := r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE otp_codes
			SET used = TRUE
			WHERE user_id = $1 AND session_id = $2 AND used = FALSE`,
			code.UserID, code.SessionID,
		)
		if err != nil {
			return err
		}

		query := `
			INSERT INTO otp_codes (
				user_id, email, encrypted_code, created_at, expires_at,
				used, attempt_count, ip_address, session_id
			)
			VALUES ($1, $2, $3, $4, $5, FALSE, 0, $6, $7)
			RETURNING id`

		return tx.QueryRow(ctx, query,
			code.UserID,
			code.Email,
			code.EncryptedCode,
			code.CreatedAt.UTC(),
			code.ExpiresAt.UTC(),
			code.IP,
			code.SessionID,
		).Scan(&code.ID)
	})
	if err != nil {
		return fmt.Errorf("failed to create otp code: %w", err)
	}

	return nil
}

// GetLatest returns the newest code for the user and session in any
// state. The verify path inspects used/expired/attempts itself so it
// can report the precise outcome.
func (r *OtpRepository) GetLatest(ctx context.Context, userID int64, sessionID string) (*models.OtpCode, error) {
	ctx, cancel := r.db.WithQueryTimeout(ctx)
	defer cancel()

	query := `
		SELECT id, user_id, email, encrypted_code, created_at, expires_at,
		       used, attempt_count, ip_address, session_id
		FROM otp_codes
		WHERE user_id = $1 AND session_id = $2
		ORDER BY created_at DESC, id DESC
		LIMIT 1`

	code := &models.OtpCode{}
	err := r.db.Pool.QueryRow(ctx, query, userID, sessionID).Scan(
		&code.ID,
		&code.UserID,
		&code.Email,
		&code.EncryptedCode,
		&code.CreatedAt,
		&code.ExpiresAt,
		&code.Used,
		&code.AttemptCount,
		&code.IP,
		&code.SessionID,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOtpNotFound
		}
		return nil, fmt.Errorf("failed to get otp code: %w", err)
	}

	return code, nil
}

// IncrementAttempts bumps the failed-attempt counter and returns the
// new value.
func (r *OtpRepository) IncrementAttempts(ctx context.Context, id int64) (int, error) {
	ctx, cancel := r.db.WithQueryTimeout(ctx)
	defer cancel()

	var count int
	err := r.db.Pool.QueryRow(ctx, `
		UPDATE otp_codes
		SET attempt_count = attempt_count + 1
		WHERE id = $1
		RETURNING attempt_count`,
		id,
	).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrOtpNotFound
		}
		return 0, fmt.Errorf("failed to increment otp attempts: %w", err)
	}
	return count, nil
}

// MarkUsed consumes a code so it can never verify again.
func (r *OtpRepository) MarkUsed(ctx context.Context, id int64) error {
	ctx, cancel := r.db.WithQueryTimeout(ctx)
	defer cancel()

	tag, err := r.db.Pool.Exec(ctx, `UPDATE otp_codes SET used = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to mark otp used: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOtpNotFound
	}
	return nil
}

// CountRecentIssues counts codes issued within the window for either
// the user or the source IP. The budget is shared: any client behind
// the same IP draws from the same allowance.
func (r *OtpRepository) CountRecentIssues(ctx context.Context, userID int64, ip string, since time.Time) (int, error) {
	ctx, cancel := r.db.WithQueryTimeout(ctx)
	defer cancel()

	query := `
		SELECT COUNT(*)
		FROM otp_codes
		WHERE (user_id = $1 OR ip_address = $2)
		  AND created_at >= $3`

	var count int
	if err := r.db.Pool.QueryRow(ctx, query, userID, ip, since.UTC()).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count recent otp issues: %w", err)
	}
	return count, nil
}

// InvalidateForUser marks every active code for the user as used.
// Called on logout and after full verification.
func (r *OtpRepository) InvalidateForUser(ctx context.Context, userID int64) error {
	ctx, cancel := r.db.WithQueryTimeout(ctx)
	defer cancel()

	_, err := r.db.Pool.Exec(ctx, `
		UPDATE otp_codes SET used = TRUE
		WHERE user_id = $1 AND used = FALSE`,
		userID,
	)
	if err != nil {
		return fmt.Errorf("failed to invalidate otp codes: %w", err)
	}
	return nil
}

// DeleteExpired removes codes past their expiry and returns how many
// rows were deleted. Used codes are kept until they expire so the
// attempt trail survives for the session's lifetime.
func (r *OtpRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	ctx, cancel := r.db.WithQueryTimeout(ctx)
	defer cancel()

	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM otp_codes WHERE expires_at < $1`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired otp codes: %w", err)
	}
	return tag.RowsAffected(), nil
}
