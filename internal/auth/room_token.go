package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingIssuer        = errors.New("issuer must be provided")
	errMissingAudience      = errors.New("audience must be provided")
	errNonPositiveTTL       = errors.New("token ttl must be positive")
	errMissingSubjectClaim  = errors.New("subject claim must be provided")
	errMissingRoomClaim     = errors.New("room claim must be provided")

	// ErrRoomMismatch indicates that a valid token grants access to a
	// different room than the one requested.
	ErrRoomMismatch = errors.New("auth: token does not grant access to this room")
)

// roomClaims is the wire shape of a room access token.
type roomClaims struct {
	jwt.RegisteredClaims
	RoomID string `json:"room_id"`
}

// Identity is the authenticated result of validating a room token.
type Identity struct {
	UserID string
	RoomID string
}

// TokenIssuerConfig configures the room token issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenIssuer mints and validates HS256 room access tokens. A token binds
// one user to one room; there is no broader account model behind it.
type TokenIssuer struct {
	config TokenIssuerConfig
	clock  func() time.Time
}

// NewTokenIssuer validates the configuration and constructs a TokenIssuer.
func NewTokenIssuer(cfg TokenIssuerConfig) (*TokenIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingSigningSecret
	}
	if strings.TrimSpace(cfg.Issuer) == "" {
		return nil, errMissingIssuer
	}
	if strings.TrimSpace(cfg.Audience) == "" {
		return nil, errMissingAudience
	}
	if cfg.TokenTTL <= 0 {
		return nil, errNonPositiveTTL
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenIssuer{config: cfg, clock: clock}, nil
}

// IssueRoomToken produces a signed token granting userID access to roomID,
// and the token lifetime in seconds.
func (i *TokenIssuer) IssueRoomToken(_ context.Context, userID string, roomID string) (string, int64, error) {
	if strings.TrimSpace(userID) == "" {
		return "", 0, errMissingSubjectClaim
	}
	if strings.TrimSpace(roomID) == "" {
		return "", 0, errMissingRoomClaim
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.config.TokenTTL).UTC()

	claims := roomClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    i.config.Issuer,
			Audience:  []string{i.config.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		RoomID: roomID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.config.SigningSecret)
	if err != nil {
		return "", 0, err
	}
	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// ValidateRoomToken ensures the token is well formed, currently valid and
// carries both identity claims.
func (i *TokenIssuer) ValidateRoomToken(tokenString string) (Identity, error) {
	claims := &roomClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return i.config.SigningSecret, nil
		},
		jwt.WithAudience(i.config.Audience),
		jwt.WithIssuer(i.config.Issuer),
		jwt.WithTimeFunc(i.clock),
	)
	if err != nil {
		return Identity{}, err
	}
	if claims.Subject == "" {
		return Identity{}, errMissingSubjectClaim
	}
	if claims.RoomID == "" {
		return Identity{}, errMissingRoomClaim
	}
	return Identity{UserID: claims.Subject, RoomID: claims.RoomID}, nil
}

// Authorize validates the token and checks that it grants the requested room.
func (i *TokenIssuer) Authorize(tokenString string, roomID string) (Identity, error) {
	identity, err := i.ValidateRoomToken(tokenString)
	if err != nil {
		return Identity{}, err
	}
	if identity.RoomID != roomID {
		return Identity{}, ErrRoomMismatch
	}
	return identity, nil
}
