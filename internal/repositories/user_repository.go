package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/rba-platform/login-guard/internal/models"
)

var (
	ErrUserNotFound      = errors.New("user not found")
	ErrUserAlreadyExists = errors.New("user already exists")
)

// UserRepository handles account persistence
type UserRepository struct {
	db *Database
}

func NewUserRepository(db *Database) *UserRepository {
	return &UserRepository{db: db}
}

// Create inserts the account and its behavior row in one transaction.
// The security answer is canonicalized to lower(trim()) before storage.
func (r *UserRepository) Create(ctx context.Context, user *models.User) error {
	ctx, cancel := r.db.WithQueryTimeout(ctx)
	defer cancel()

	user.SecurityAnswer = strings.ToLower(strings.TrimSpace(user.SecurityAnswer))

	err := r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			INSERT INTO users (username, password_hash, email, security_question, security_answer, created_at)
			VALUES ($1, $2, $3, $4, $5, NOW())
			RETURNING id, created_at`

		if err := tx.QueryRow(ctx, query,
			user.Username,
			user.PasswordHash,
			user.Email,
			user.SecurityQuestion,
			user.SecurityAnswer,
		).Scan(&user.ID, &user.CreatedAt); err != nil {
			return err
		}

		_, err := tx.Exec(ctx, `
			INSERT INTO user_behavior (user_id, last_login, success_count, failed_count)
			VALUES ($1, NULL, 0, 0)`,
			user.ID,
		)
		return err
	})
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrUserAlreadyExists
		}
		return fmt.Errorf("failed to create user: %w", err)
	}

	return nil
}

// GetByUsername retrieves a user by username
func (r *UserRepository) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	ctx, cancel := r.db.WithQueryTimeout(ctx)
	defer cancel()

	query := `
		SELECT id, username, password_hash, email, security_question, security_answer, created_at
		FROM users
		WHERE username = $1`

	user := &models.User{}
	err := r.db.Pool.QueryRow(ctx, query, username).Scan(
		&user.ID,
		&user.Username,
		&user.PasswordHash,
		&user.Email,
		&user.SecurityQuestion,
		&user.SecurityAnswer,
		&user.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	return user, nil
}

// GetByID retrieves a user by id
func (r *UserRepository) GetByID(ctx context.Context, id int64) (*models.User, error) {
	ctx, cancel := r.db.WithQueryTimeout(ctx)
	defer cancel()

	query := `
		SELECT id, username, password_hash, email, security_question, security_answer, created_at
		FROM users
		WHERE id = $1`

	user := &models.User{}
	err := r.db.Pool.QueryRow(ctx, query, id).Scan(
		&user.ID,
		&user.Username,
		&user.PasswordHash,
		&user.Email,
		&user.SecurityQuestion,
		&user.SecurityAnswer,
		&user.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	return user, nil
}

// GetBehavior retrieves the aggregate counters for a user. A missing
// row is treated as a zero-valued behavior record.
func (r *UserRepository) GetBehavior(ctx context.Context, userID int64) (*models.UserBehavior, error) {
	ctx, cancel := r.db.WithQueryTimeout(ctx)
	defer cancel()

	query := `
		SELECT user_id, last_login, success_count, failed_count
		FROM user_behavior
		WHERE user_id = $1`

	behavior := &models.UserBehavior{}
	err := r.db.Pool.QueryRow(ctx, query, userID).Scan(
		&behavior.UserID,
		&behavior.LastLogin,
		&behavior.SuccessCount,
		&behavior.FailedCount,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &models.UserBehavior{UserID: userID}, nil
		}
		return nil, fmt.Errorf("failed to get user behavior: %w", err)
	}

	return behavior, nil
}
