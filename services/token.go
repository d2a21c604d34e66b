package services

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenService mints and verifies the short-lived tokens embedded in
// alert mails and SMS links so responders can acknowledge or resolve
// an incident without logging in.
type TokenService struct {
	secret []byte
}

func NewTokenService(secret string) *TokenService {
	return &TokenService{secret: []byte(secret)}
}

// IncidentActionClaims scope a token to one action on one incident by
// one user.
type IncidentActionClaims struct {
	IncidentID string `json:"incident_id"`
	UserID     string `json:"user_id"`
	Action     string `json:"action"` // "acknowledge" or "resolve"
	jwt.RegisteredClaims
}

// IssueIncidentToken returns a signed token valid for 12 hours.
func (s *TokenService) IssueIncidentToken(incidentID, userID, action string) (string, error) {
	claims := IncidentActionClaims{
		IncidentID: incidentID,
		UserID:     userID,
		Action:     action,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(12 * time.Hour)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign incident token: %w", err)
	}
	return signed, nil
}

// VerifyIncidentToken parses and validates a token, returning its
// claims.
func (s *TokenService) VerifyIncidentToken(tokenString string) (*IncidentActionClaims, error) {
	claims := &IncidentActionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse incident token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid incident token")
	}
	return claims, nil
}
