package admin

import (
	"context"
	"errors"
	"log"
	"time"

	"golang.org/x/crypto/bcrypt"

	"jackdisk/internal/pkg/jwt"
)

// ScopeAdmin is the capability required by destructive object operations.
const ScopeAdmin = "admin"

var ErrInvalidCredentials = errors.New("invalid credentials")

// Session is the capability handed out on a successful login.
type Session struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
	Scope       string    `json:"scope"`
}

// Service exchanges the operator password for a short-lived admin token. Only
// the bcrypt hash of the password is kept in memory.
type Service struct {
	passwordHash []byte
	tokens       *jwt.Service
}

func NewService(password string, tokens *jwt.Service) (*Service, error) {
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	return &Service{passwordHash: hash, tokens: tokens}, nil
}

func (s *Service) Login(ctx context.Context, password string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !CheckPassword(s.passwordHash, password) {
		log.Printf("Admin login failed")
		return nil, ErrInvalidCredentials
	}
	token, expiresAt, err := s.tokens.GenerateToken("admin", ScopeAdmin)
	if err != nil {
		return nil, err
	}
	log.Printf("Admin login succeeded: expires_at=%s", expiresAt.Format(time.RFC3339))
	return &Session{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresAt:   expiresAt,
		Scope:       ScopeAdmin,
	}, nil
}

func HashPassword(password string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
}

func CheckPassword(hash []byte, password string) bool {
	return bcrypt.CompareHashAndPassword(hash, []byte(password)) == nil
}
