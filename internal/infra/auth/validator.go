package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/xela07ax/connpulse/internal/domain"
)

var (
	ErrMissingToken = errors.New("bearer token is missing")
	ErrInvalidToken = errors.New("invalid token")
)

// BaseValidator проверяет токены слоя отрисовки: только RS256, exp обязателен.
type BaseValidator struct {
	publicKey *rsa.PublicKey
	parser    *jwt.Parser
}

type ValidatorOption func(*[]jwt.ParserOption)

// WithIssuer - принимать токены только от этого издателя.
func WithIssuer(iss string) ValidatorOption {
	return func(o *[]jwt.ParserOption) { *o = append(*o, jwt.WithIssuer(iss)) }
}

// WithLeeway - допуск на рассинхрон часов клиента и демона.
func WithLeeway(d time.Duration) ValidatorOption {
	return func(o *[]jwt.ParserOption) { *o = append(*o, jwt.WithLeeway(d)) }
}

func NewBaseValidator(pubKey *rsa.PublicKey, opts ...ValidatorOption) *BaseValidator {
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	for _, o := range opts {
		o(&parserOpts)
	}
	return &BaseValidator{publicKey: pubKey, parser: jwt.NewParser(parserOpts...)}
}

// VerifyToken принимает значение заголовка Authorization целиком или голый токен.
func (v *BaseValidator) VerifyToken(header string) (*domain.CustomClaims, error) {
	tokenStr := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(header), "Bearer "))
	if tokenStr == "" {
		return nil, ErrMissingToken
	}

	claims := &domain.CustomClaims{}
	token, err := v.parser.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (interface{}, error) {
		return v.publicKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ParseRSAPublicKey читает PEM ключ из конфига или ENV
func ParseRSAPublicKey(data []byte) (*rsa.PublicKey, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("public key data is empty")
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return key, nil
}
