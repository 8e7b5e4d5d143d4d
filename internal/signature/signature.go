// Package signature verifies webhook deliveries from the RTC provider (JWT with a
// body hash claim) and the streaming provider (t=..,v1=.. HMAC-SHA256 header).
//
// Verification always runs over the raw request bytes. Errors never include the
// signing secret or the received signature.
package signature

import (
	"errors"
	"time"
)

// Provider names accepted by Verify.
const (
	ProviderLiveKit = "livekit"
	ProviderMux     = "mux"
)

// Failure reasons.
const (
	ReasonMissingConfig    = "missing_config"
	ReasonMalformedHeader  = "malformed_header"
	ReasonInvalidSignature = "invalid_signature"
	ReasonExpired          = "expired"
	ReasonOutOfTolerance   = "timestamp_out_of_tolerance"
	ReasonUnknownProvider  = "unknown_provider"
)

// DefaultTolerance bounds the age of a streaming-provider timestamp.
const DefaultTolerance = 300 * time.Second

// ErrVerificationFailed matches every *Error.
var ErrVerificationFailed = errors.New("webhook signature verification failed")

// Error is a rejected delivery with an auditable reason code.
type Error struct {
	Provider string
	Reason   string
}

func (e *Error) Error() string {
	return ErrVerificationFailed.Error() + ": " + e.Provider + ": " + e.Reason
}

func (e *Error) Unwrap() error { return ErrVerificationFailed }

// Config holds the read-only credentials of both providers.
type Config struct {
	LiveKitAPIKey    string
	LiveKitAPISecret string
	MuxSigningSecret string
	Tolerance        time.Duration
}

// Verifier checks webhook signatures. It is safe for concurrent use.
type Verifier struct {
	cfg Config
	now func() time.Time
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// NewVerifier returns a Verifier for cfg. A zero Tolerance means DefaultTolerance.
func NewVerifier(cfg Config, opts ...Option) *Verifier {
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = DefaultTolerance
	}
	v := &Verifier{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify dispatches on provider. header is the Authorization header for LiveKit
// and the Mux-Signature header for Mux.
func (v *Verifier) Verify(provider string, rawBody []byte, header string) error {
	switch provider {
	case ProviderLiveKit:
		return v.VerifyLiveKit(rawBody, header)
	case ProviderMux:
		return v.VerifyMux(rawBody, header)
	default:
		return &Error{Provider: provider, Reason: ReasonUnknownProvider}
	}
}

// Reason extracts the reason code from a verification error, or "" when err is
// not one.
func Reason(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}
