package model

import "github.com/golang-jwt/jwt/v5"

// MonitorClaims are the JWT claims for monitoring/proctoring clients.
type MonitorClaims struct {
	MonitorID string `json:"monitorId"`
	jwt.RegisteredClaims
}

// LoginRequest is the monitor login payload.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse is returned after a successful monitor login.
type LoginResponse struct {
	Token     string `json:"token"`
	MonitorID string `json:"monitorId"`
}
