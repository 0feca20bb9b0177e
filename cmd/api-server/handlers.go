package main

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/rba-platform/login-guard/internal/auth"
	"github.com/rba-platform/login-guard/internal/models"
	"github.com/rba-platform/login-guard/internal/otp"
	"github.com/rba-platform/login-guard/internal/repositories"
	"github.com/rba-platform/login-guard/internal/services"
)

type handlers struct {
	coordinator *services.AuthCoordinator
	cookies     *auth.CookieManager
	cookieName  string
	db          *repositories.Database
}

// sessionID extracts and verifies the session cookie. Empty string
// means no usable session.
func (h *handlers) sessionID(c *gin.Context) string {
	value, err := c.Cookie(h.cookieName)
	if err != nil {
		return ""
	}
	sid, _, err := h.cookies.Parse(value)
	if err != nil {
		return ""
	}
	return sid
}

func (h *handlers) setSessionCookie(c *gin.Context, sessionID string, userID int64) error {
	value, err := h.cookies.Issue(sessionID, userID)
	if err != nil {
		return err
	}
	c.SetCookie(h.cookieName, value, 0, "/", "", false, true)
	return nil
}

func (h *handlers) clearSessionCookie(c *gin.Context) {
	c.SetCookie(h.cookieName, "", -1, "/", "", false, true)
}

func (h *handlers) index(c *gin.Context) {
	status := "healthy"
	if err := h.db.HealthCheck(c.Request.Context()); err != nil {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"service": "login-guard",
		"status":  status,
	})
}

func (h *handlers) registerForm(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"fields": []string{"username", "password", "confirm_password", "email", "security_question", "security_answer"},
	})
}

func (h *handlers) register(c *gin.Context) {
	in := services.RegisterInput{
		Username:         c.PostForm("username"),
		Password:         c.PostForm("password"),
		ConfirmPassword:  c.PostForm("confirm_password"),
		Email:            c.PostForm("email"),
		SecurityQuestion: c.PostForm("security_question"),
		SecurityAnswer:   c.PostForm("security_answer"),
	}

	_, err := h.coordinator.Register(c.Request.Context(), in)
	switch {
	case err == nil:
		c.Redirect(http.StatusFound, "/login")
	case errors.Is(err, services.ErrInvalidInput):
		c.JSON(http.StatusOK, gin.H{"success": false, "message": err.Error()})
	case errors.Is(err, repositories.ErrUserAlreadyExists):
		c.JSON(http.StatusOK, gin.H{"success": false, "message": "username already taken"})
	default:
		h.serverError(c, err)
	}
}

func (h *handlers) loginForm(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"fields": []string{"username", "password"},
	})
}

func (h *handlers) login(c *gin.Context) {
	result, err := h.coordinator.Login(c.Request.Context(), services.LoginInput{
		Username:  c.PostForm("username"),
		Password:  c.PostForm("password"),
		IP:        c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	})
	if err != nil {
		if errors.Is(err, services.ErrInvalidCredentials) {
			c.Redirect(http.StatusFound, "/login")
			return
		}
		h.serverError(c, err)
		return
	}

	if err := h.setSessionCookie(c, result.Session.SessionID, result.Session.UserID); err != nil {
		h.serverError(c, err)
		return
	}

	switch result.Session.VerificationType {
	case models.VerificationOTP:
		c.Redirect(http.StatusFound, "/verify")
	case models.VerificationOTPKBA:
		c.Redirect(http.StatusFound, "/verify-otp")
	default:
		c.Redirect(http.StatusFound, "/dashboard")
	}
}

func (h *handlers) verifyForm(c *gin.Context) {
	sess, err := h.coordinator.Session(c.Request.Context(), h.sessionID(c))
	if err != nil {
		h.sessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":           true,
		"verification_type": sess.VerificationType,
		"risk_tier":         models.RiskLabels[sess.Tier],
		"otp_verified":      sess.OtpVerified,
	})
}

// verifyOtp serves both the Medium-tier /verify and High-tier
// /verify-otp submissions; the coordinator decides the next stage.
func (h *handlers) verifyOtp(c *gin.Context) {
	result, err := h.coordinator.VerifyOtp(c.Request.Context(), h.sessionID(c), c.PostForm("otp"))
	if err != nil {
		h.sessionError(c, err)
		return
	}

	switch result.Outcome {
	case otp.VerifyValid:
		if result.NextStage == "kba" {
			c.Redirect(http.StatusFound, "/verify-kba")
			return
		}
		c.Redirect(http.StatusFound, "/dashboard")
	case otp.VerifyInvalid:
		c.JSON(http.StatusOK, gin.H{
			"success":            false,
			"message":            "incorrect code",
			"remaining_attempts": result.RemainingAttempts,
		})
	case otp.VerifyExpired:
		c.JSON(http.StatusOK, gin.H{"success": false, "message": "code expired, request a new one"})
	case otp.VerifyExhausted:
		c.JSON(http.StatusOK, gin.H{"success": false, "message": "too many wrong entries, request a new code"})
	default:
		c.JSON(http.StatusOK, gin.H{"success": false, "message": "no active code, request a new one"})
	}
}

func (h *handlers) verifyKbaForm(c *gin.Context) {
	question, err := h.coordinator.SecurityQuestion(c.Request.Context(), h.sessionID(c))
	if err != nil {
		h.sessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "question": question})
}

func (h *handlers) verifyKba(c *gin.Context) {
	err := h.coordinator.VerifyKba(c.Request.Context(), h.sessionID(c), c.PostForm("answer"))
	switch {
	case err == nil:
		c.Redirect(http.StatusFound, "/dashboard")
	case errors.Is(err, services.ErrKbaMismatch):
		c.JSON(http.StatusOK, gin.H{"success": false, "message": "incorrect answer"})
	case errors.Is(err, services.ErrKbaNotPending):
		c.JSON(http.StatusOK, gin.H{"success": false, "message": "no knowledge check pending"})
	default:
		h.sessionError(c, err)
	}
}

func (h *handlers) resendOtp(c *gin.Context) {
	err := h.coordinator.ResendOtp(c.Request.Context(), h.sessionID(c), c.ClientIP())
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "a new code has been sent"})
	case errors.Is(err, otp.ErrRateLimited):
		c.JSON(http.StatusOK, gin.H{"success": false, "message": "too many codes requested, wait a few minutes"})
	case errors.Is(err, services.ErrVerificationNotPending):
		c.JSON(http.StatusOK, gin.H{"success": false, "message": "no verification pending"})
	case errors.Is(err, services.ErrSessionExpired):
		c.JSON(http.StatusOK, gin.H{"success": false, "message": "session expired"})
	default:
		h.serverError(c, err)
	}
}

func (h *handlers) otpStatus(c *gin.Context) {
	status, err := h.coordinator.OtpStatus(c.Request.Context(), h.sessionID(c))
	if err != nil {
		if errors.Is(err, services.ErrSessionExpired) {
			c.JSON(http.StatusOK, gin.H{"success": false, "message": "session expired"})
			return
		}
		h.serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "status": status})
}

func (h *handlers) logout(c *gin.Context) {
	// Logout is best-effort: the cookie is cleared regardless.
	if err := h.coordinator.Logout(c.Request.Context(), h.sessionID(c)); err != nil {
		_ = c.Error(err)
	}
	h.clearSessionCookie(c)
	c.Redirect(http.StatusFound, "/")
}

func (h *handlers) dashboard(c *gin.Context) {
	sess, attempts, err := h.coordinator.Dashboard(c.Request.Context(), h.sessionID(c), 10)
	if err != nil {
		h.sessionError(c, err)
		return
	}

	recent := make([]gin.H, 0, len(attempts))
	for _, a := range attempts {
		recent = append(recent, presentAttempt(a))
	}

	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"username":      sess.Username,
		"risk_score":    sess.RiskScore,
		"risk_tier":     models.RiskLabels[sess.Tier],
		"risk_color":    models.RiskColors[sess.Tier],
		"recent_logins": recent,
	})
}

func (h *handlers) profile(c *gin.Context) {
	user, stats, err := h.coordinator.Profile(c.Request.Context(), h.sessionID(c))
	if err != nil {
		h.sessionError(c, err)
		return
	}

	var lastLogin string
	if stats.LastLogin != nil {
		lastLogin = stats.LastLogin.In(displayZone).Format("2006-01-02 15:04:05")
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"user": gin.H{
			"username":          user.Username,
			"email":             user.Email,
			"security_question": user.SecurityQuestion,
			"created_at":        user.CreatedAt.In(displayZone).Format("2006-01-02 15:04:05"),
		},
		"stats": gin.H{
			"total_logins":   stats.TotalLogins,
			"failed_logins":  stats.FailedLogins,
			"avg_risk_score": stats.AvgRiskScore,
			"last_login":     lastLogin,
		},
	})
}

// sessionError routes expired sessions back to login and unverified
// sessions back to their pending verification stage.
func (h *handlers) sessionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrSessionExpired):
		h.clearSessionCookie(c)
		c.Redirect(http.StatusFound, "/login")
	case errors.Is(err, services.ErrNotVerified):
		c.Redirect(http.StatusFound, "/verify")
	case errors.Is(err, services.ErrVerificationNotPending), errors.Is(err, services.ErrKbaNotPending):
		c.JSON(http.StatusOK, gin.H{"success": false, "message": err.Error()})
	default:
		h.serverError(c, err)
	}
}

func (h *handlers) serverError(c *gin.Context, err error) {
	c.JSON(http.StatusInternalServerError, gin.H{
		"success": false,
		"message": "internal error",
	})
	_ = c.Error(err)
}
