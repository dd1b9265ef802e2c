package middleware

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultDeviceTokenTTL bounds how long a device token is accepted.
const DefaultDeviceTokenTTL = 12 * time.Hour

const deviceAudience = "safetrail-device"

var ErrInvalidDeviceToken = errors.New("invalid device token")

// DeviceClaims identifies the ward a device acts for.
type DeviceClaims struct {
	jwt.RegisteredClaims
}

// DeviceTokens issues and verifies HS256 device tokens.
type DeviceTokens struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewDeviceTokens creates a signer. A non-positive ttl uses DefaultDeviceTokenTTL.
// PRE: key is at least 32 bytes
func NewDeviceTokens(key []byte, ttl time.Duration) *DeviceTokens {
	if ttl <= 0 {
		ttl = DefaultDeviceTokenTTL
	}
	return &DeviceTokens{key: key, ttl: ttl, now: time.Now}
}

// Issue signs a token for wardID and returns it with its expiry.
func (t *DeviceTokens) Issue(wardID string) (string, time.Time, error) {
	now := t.now()
	exp := now.Add(t.ttl)
	claims := DeviceClaims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   wardID,
		Audience:  jwt.ClaimStrings{deviceAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign device token: %w", err)
	}
	return signed, exp, nil
}

// Verify checks the signature and expiry and returns the ward ID.
func (t *DeviceTokens) Verify(raw string) (string, error) {
	claims := &DeviceClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return t.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(deviceAudience),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidDeviceToken, err)
	}
	if !token.Valid || claims.Subject == "" {
		return "", ErrInvalidDeviceToken
	}
	return claims.Subject, nil
}
