package service

import (
	"errors"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"examsync/internal/model"
)

var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrInvalidToken       = errors.New("invalid or expired token")
)

// AuthService authenticates monitoring and proctoring clients.
type AuthService struct {
	monitorUsername string
	monitorPassword string
	jwtSecret       []byte
}

// NewAuthService creates an auth service from the environment.
func NewAuthService() *AuthService {
	username := os.Getenv("MONITOR_USERNAME")
	if username == "" {
		username = "admin"
	}
	password := os.Getenv("MONITOR_PASSWORD")
	if password == "" {
		password = "password123"
	}
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		secret = "super-secret-key-change-in-production"
	}

	return &AuthService{
		monitorUsername: username,
		monitorPassword: password,
		jwtSecret:       []byte(secret),
	}
}

// Login validates credentials and returns a monitor token.
func (s *AuthService) Login(username, password string) (*model.LoginResponse, error) {
	if username != s.monitorUsername || password != s.monitorPassword {
		return nil, ErrInvalidCredentials
	}

	monitorID := "monitor_" + uuid.New().String()[:8]

	claims := &model.MonitorClaims{
		MonitorID: monitorID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(12 * time.Hour)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return nil, err
	}

	return &model.LoginResponse{
		Token:     tokenString,
		MonitorID: monitorID,
	}, nil
}

// ValidateMonitorToken validates a monitor JWT and returns its claims.
func (s *AuthService) ValidateMonitorToken(tokenString string) (*model.MonitorClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &model.MonitorClaims{}, func(token *jwt.Token) (interface{}, error) {
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*model.MonitorClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
