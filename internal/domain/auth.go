package domain

import "github.com/golang-jwt/jwt/v5"

// OperatorClaims — RS256 токен оператора консоли.
type OperatorClaims struct {
	Operator string          `json:"operator"`
	Scopes   map[string]bool `json:"scopes"` // Напр. "emergency": true
	jwt.RegisteredClaims
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"` // Всегда "Bearer"
	ExpiresIn   int64  `json:"expires_in"`
}
