package service

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/xela07ax/agent-warden/internal/domain"
	"github.com/xela07ax/agent-warden/internal/infra/auth"
)

// AuthService выпускает и проверяет токены оператора консоли.
// Оператор один и задается статически в конфигурации (bcrypt-хэш);
// базы пользователей у control plane нет.
type AuthService struct {
	*auth.BaseValidator

	operatorUser string
	operatorHash string
	tokenTTL     time.Duration
	privateKey   *rsa.PrivateKey
}

func NewAuthService(operatorUser, operatorHash string, tokenTTL time.Duration,
	privateKey *rsa.PrivateKey, publicKey *rsa.PublicKey) *AuthService {
	return &AuthService{
		BaseValidator: auth.NewBaseValidator(publicKey),
		operatorUser:  operatorUser,
		operatorHash:  operatorHash,
		tokenTTL:      tokenTTL,
		privateKey:    privateKey,
	}
}

func (s *AuthService) GenerateToken(username, password string) (*domain.TokenResponse, error) {
	if username != s.operatorUser {
		return nil, errors.New("invalid credentials")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(s.operatorHash), []byte(password)); err != nil {
		return nil, errors.New("invalid credentials")
	}

	expiresAt := time.Now().Add(s.tokenTTL)
	claims := &domain.OperatorClaims{
		Operator: username,
		// Единственный оператор получает полный набор прав, включая emergency-команды
		Scopes: map[string]bool{"read": true, "emergency": true},
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "agent-warden",
			Subject:   username,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	// Подпись закрытым ключом (RS256)
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signedToken, err := token.SignedString(s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	return &domain.TokenResponse{
		AccessToken: signedToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(time.Until(expiresAt).Seconds()),
	}, nil
}
