package signature

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// liveKitClaims are the claims of a LiveKit webhook token. Sha256 is the
// base64-encoded SHA-256 of the request body.
type liveKitClaims struct {
	jwt.RegisteredClaims
	Sha256 string `json:"sha256"`
}

// VerifyLiveKit checks an HS256 token signed with the API secret, issued by the
// API key, unexpired, whose sha256 claim matches the raw body.
func (v *Verifier) VerifyLiveKit(rawBody []byte, header string) error {
	fail := func(reason string) error { return &Error{Provider: ProviderLiveKit, Reason: reason} }

	if v.cfg.LiveKitAPIKey == "" || v.cfg.LiveKitAPISecret == "" {
		return fail(ReasonMissingConfig)
	}
	token := strings.TrimSpace(header)
	if len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
		token = strings.TrimSpace(token[7:])
	}
	if token == "" {
		return fail(ReasonMalformedHeader)
	}

	claims := &liveKitClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return []byte(v.cfg.LiveKitAPISecret), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.cfg.LiveKitAPIKey),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return fail(ReasonExpired)
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fail(ReasonMalformedHeader)
	default:
		return fail(ReasonInvalidSignature)
	}

	sum := sha256.Sum256(rawBody)
	want := base64.StdEncoding.EncodeToString(sum[:])
	if subtle.ConstantTimeCompare([]byte(claims.Sha256), []byte(want)) != 1 {
		return fail(ReasonInvalidSignature)
	}
	return nil
}

// SignLiveKit builds a token VerifyLiveKit accepts. Used by tests and local tooling.
func SignLiveKit(apiKey, apiSecret string, body []byte, at time.Time, ttl time.Duration) (string, error) {
	sum := sha256.Sum256(body)
	claims := liveKitClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    apiKey,
			IssuedAt:  jwt.NewNumericDate(at),
			NotBefore: jwt.NewNumericDate(at),
			ExpiresAt: jwt.NewNumericDate(at.Add(ttl)),
		},
		Sha256: base64.StdEncoding.EncodeToString(sum[:]),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(apiSecret))
}
