package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rba-platform/login-guard/internal/models"
)

// DefaultHistoryWindow caps how many attempts the feature pipeline
// ever reads for one user.
const DefaultHistoryWindow = 50

// DayCount is one calendar day's successful-login tally, in UTC.
type DayCount struct {
	Day   time.Time
	Count int
}

// UserStats summarizes a user's login history for the profile view.
type UserStats struct {
	TotalLogins  int        `json:"total_logins"`
	FailedLogins int        `json:"failed_logins"`
	AvgRiskScore float64    `json:"avg_risk_score"`
	LastLogin    *time.Time `json:"last_login,omitempty"`
}

// HistoryRepository is the append-only login history store
type HistoryRepository struct {
	db *Database
}

func NewHistoryRepository(db *Database) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// Append inserts one attempt and updates the user's behavior counters
// in the same transaction.
func (r *HistoryRepository) Append(ctx context.Context, attempt *models.LoginAttempt) error {
	ctx, cancel := r.db.WithQueryTimeout(ctx)
	defer cancel()

	err := r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			INSERT INTO login_history (
				user_id, login_timestamp, ip_address, user_agent,
				browser, os_name, device_type, success,
				risk_score, risk_tier, asn, region,
				if_score, rule_score, combined_score
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
			RETURNING id`

		if err := tx.QueryRow(ctx, query,
			attempt.UserID,
			attempt.Timestamp.UTC(),
			attempt.IP,
			attempt.UserAgent,
			attempt.Browser,
			attempt.OS,
			attempt.DeviceType,
			attempt.Success,
			attempt.RiskScore,
			attempt.RiskTier,
			attempt.ASN,
			attempt.Region,
			attempt.IFScore,
			attempt.RuleScore,
			attempt.CombinedScore,
		).Scan(&attempt.ID); err != nil {
			return err
		}

		if attempt.Success {
			_, err := tx.Exec(ctx, `
				UPDATE user_behavior
				SET last_login = $2, success_count = success_count + 1
				WHERE user_id = $1`,
				attempt.UserID, attempt.Timestamp.UTC(),
			)
			return err
		}

		_, err := tx.Exec(ctx, `
			UPDATE user_behavior
			SET failed_count = failed_count + 1
			WHERE user_id = $1`,
			attempt.UserID,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to append login history: %w", err)
	}

	return nil
}

// RecentSuccessful returns the newest successful attempts strictly
// before upTo, newest first. Equal timestamps fall back to id order.
func (r *HistoryRepository) RecentSuccessful(ctx context.Context, userID int64, upTo time.Time, limit int) ([]models.LoginAttempt, error) {
	if limit <= 0 {
		limit = DefaultHistoryWindow
	}

	query := `
		SELECT id, user_id, login_timestamp, ip_address, user_agent,
		       browser, os_name, device_type, success,
		       risk_score, risk_tier, asn, region,
		       if_score, rule_score, combined_score
		FROM login_history
		WHERE user_id = $1 AND success = TRUE AND login_timestamp < $2
		ORDER BY login_timestamp DESC, id DESC
		LIMIT $3`

	return r.queryAttempts(ctx, query, userID, upTo.UTC(), limit)
}

// RecentAll returns the newest attempts of any outcome strictly before
// upTo, newest first.
func (r *HistoryRepository) RecentAll(ctx context.Context, userID int64, upTo time.Time, limit int) ([]models.LoginAttempt, error) {
	if limit <= 0 {
		limit = DefaultHistoryWindow
	}

	query := `
		SELECT id, user_id, login_timestamp, ip_address, user_agent,
		       browser, os_name, device_type, success,
		       risk_score, risk_tier, asn, region,
		       if_score, rule_score, combined_score
		FROM login_history
		WHERE user_id = $1 AND login_timestamp < $2
		ORDER BY login_timestamp DESC, id DESC
		LIMIT $3`

	return r.queryAttempts(ctx, query, userID, upTo.UTC(), limit)
}

// CountSuccessfulByDay returns per-day successful counts over the last
// `days` days before upTo, oldest day first. Days without logins are
// absent from the result.
func (r *HistoryRepository) CountSuccessfulByDay(ctx context.Context, userID int64, upTo time.Time, days int) ([]DayCount, error) {
	ctx, cancel := r.db.WithQueryTimeout(ctx)
	defer cancel()

	since := upTo.UTC().AddDate(0, 0, -days)

	query := `
		SELECT DATE(login_timestamp) AS day, COUNT(*)
		FROM login_history
		WHERE user_id = $1 AND success = TRUE
		  AND login_timestamp >= $2 AND login_timestamp < $3
		GROUP BY day
		ORDER BY day ASC`

	rows, err := r.db.Pool.Query(ctx, query, userID, since, upTo.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to count logins by day: %w", err)
	}
	defer rows.Close()

	var counts []DayCount
	for rows.Next() {
		var dc DayCount
		if err := rows.Scan(&dc.Day, &dc.Count); err != nil {
			return nil, fmt.Errorf("failed to scan day count: %w", err)
		}
		counts = append(counts, dc)
	}
	return counts, rows.Err()
}

// CountSuccessfulToday counts successes on upTo's UTC calendar day,
// strictly before upTo.
func (r *HistoryRepository) CountSuccessfulToday(ctx context.Context, userID int64, upTo time.Time) (int, error) {
	ctx, cancel := r.db.WithQueryTimeout(ctx)
	defer cancel()

	query := `
		SELECT COUNT(*)
		FROM login_history
		WHERE user_id = $1 AND success = TRUE
		  AND DATE(login_timestamp) = DATE($2::timestamptz)
		  AND login_timestamp < $2`

	var count int
	if err := r.db.Pool.QueryRow(ctx, query, userID, upTo.UTC()).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count today's logins: %w", err)
	}
	return count, nil
}

// RecentLogins lists the newest attempts for the dashboard view.
func (r *HistoryRepository) RecentLogins(ctx context.Context, userID int64, limit int) ([]models.LoginAttempt, error) {
	if limit <= 0 {
		limit = 10
	}

	query := `
		SELECT id, user_id, login_timestamp, ip_address, user_agent,
		       browser, os_name, device_type, success,
		       risk_score, risk_tier, asn, region,
		       if_score, rule_score, combined_score
		FROM login_history
		WHERE user_id = $1
		ORDER BY login_timestamp DESC, id DESC
		LIMIT $2`

	return r.queryAttempts(ctx, query, userID, limit)
}

// Stats aggregates totals for the profile view.
func (r *HistoryRepository) Stats(ctx context.Context, userID int64) (*UserStats, error) {
	ctx, cancel := r.db.WithQueryTimeout(ctx)
	defer cancel()

	query := `
		SELECT
			COUNT(*) FILTER (WHERE success = TRUE),
			COUNT(*) FILTER (WHERE success = FALSE),
			COALESCE(AVG(risk_score) FILTER (WHERE success = TRUE), 0),
			MAX(login_timestamp) FILTER (WHERE success = TRUE)
		FROM login_history
		WHERE user_id = $1`

	stats := &UserStats{}
	err := r.db.Pool.QueryRow(ctx, query, userID).Scan(
		&stats.TotalLogins,
		&stats.FailedLogins,
		&stats.AvgRiskScore,
		&stats.LastLogin,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get user stats: %w", err)
	}
	return stats, nil
}

func (r *HistoryRepository) queryAttempts(ctx context.Context, query string, args ...any) ([]models.LoginAttempt, error) {
	ctx, cancel := r.db.WithQueryTimeout(ctx)
	defer cancel()

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query login history: %w", err)
	}
	defer rows.Close()

	var attempts []models.LoginAttempt
	for rows.Next() {
		var a models.LoginAttempt
		if err := rows.Scan(
			&a.ID,
			&a.UserID,
			&a.Timestamp,
			&a.IP,
			&a.UserAgent,
			&a.Browser,
			&a.OS,
			&a.DeviceType,
			&a.Success,
			&a.RiskScore,
			&a.RiskTier,
			&a.ASN,
			&a.Region,
			&a.IFScore,
			&a.RuleScore,
			&a.CombinedScore,
		); err != nil {
			return nil, fmt.Errorf("failed to scan login attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}
