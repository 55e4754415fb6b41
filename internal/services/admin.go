package services

import (
	"context"
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/xserver-network/xserverd/internal/apperr"
)

// AdminService authenticates the node operator
type AdminService struct {
	username     string
	passwordHash []byte
}

// NewAdminService creates an admin service from a bcrypt password hash.
// An empty hash disables operator login.
func NewAdminService(username, passwordHash string) *AdminService {
	return &AdminService{username: username, passwordHash: []byte(passwordHash)}
}

// LoginRequest represents an operator login request
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// AuthResponse represents authentication response
type AuthResponse struct {
	Username string `json:"username"`
	Token    string `json:"token"`
}

// Enabled reports whether an operator password is configured.
func (s *AdminService) Enabled() bool {
	return len(s.passwordHash) > 0
}

// Login checks the operator credentials
func (s *AdminService) Login(ctx context.Context, req LoginRequest) error {
	if !s.Enabled() {
		return apperr.NotFound("operator login disabled")
	}
	userOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(s.username)) == 1
	if err := bcrypt.CompareHashAndPassword(s.passwordHash, []byte(req.Password)); err != nil || !userOK {
		return apperr.Validation(apperr.CodeInvalidRequest, "invalid credentials")
	}
	return nil
}

// HashPassword returns the bcrypt hash to put in the admin config.
func HashPassword(password string) (string, error) {
	if len(password) < 8 {
		return "", fmt.Errorf("password must be at least 8 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}
