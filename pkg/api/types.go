package api

import (
	"time"

	"github.com/uhyunpark/instruction-desk/pkg/auth"
)

// API request/response types for REST endpoints

// LoginRequest is accepted as JSON or as a form body.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type TokenResponse struct {
	AccessToken string        `json:"access_token"`
	TokenType   string        `json:"token_type"`
	ExpiresAt   time.Time     `json:"expires_at"`
	User        auth.Identity `json:"user"`
}

type PresenceResponse struct {
	UserID int64 `json:"user_id"`
	Online bool  `json:"online"`
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Error codes
const (
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeMissingDetail     = "MISSING_DETAIL"
	CodeAuth              = "AUTH_ERROR"
	CodeForbidden         = "FORBIDDEN"
	CodeNotFound          = "NOT_FOUND"
	CodeBadRequest        = "BAD_REQUEST"
	CodeInternal          = "INTERNAL"
)
