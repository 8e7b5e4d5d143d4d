package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// VerifyMux checks a `t=<unix>,v1=<hex>` header. The signed payload is
// "{t}.{raw body}"; any v1 entry may match. |now - t| must be within tolerance.
func (v *Verifier) VerifyMux(rawBody []byte, header string) error {
	fail := func(reason string) error { return &Error{Provider: ProviderMux, Reason: reason} }

	if v.cfg.MuxSigningSecret == "" {
		return fail(ReasonMissingConfig)
	}

	var timestamp string
	var signatures []string
	for _, element := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(element), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			timestamp = value
		case "v1":
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return fail(ReasonMalformedHeader)
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fail(ReasonMalformedHeader)
	}

	// Bounds are computed from now so an extreme t cannot overflow.
	now := v.now().Unix()
	tol := int64(v.cfg.Tolerance / time.Second)
	if ts < now-tol || ts > now+tol {
		return fail(ReasonOutOfTolerance)
	}

	expected := muxMAC(v.cfg.MuxSigningSecret, timestamp, rawBody)
	for _, sig := range signatures {
		got, err := hex.DecodeString(sig)
		if err != nil {
			continue
		}
		if hmac.Equal(got, expected) {
			return nil
		}
	}
	return fail(ReasonInvalidSignature)
}

func muxMAC(secret, timestamp string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return mac.Sum(nil)
}

// SignMux builds a header VerifyMux accepts. Used by tests and local tooling.
func SignMux(secret string, body []byte, at time.Time) string {
	timestamp := strconv.FormatInt(at.Unix(), 10)
	return "t=" + timestamp + ",v1=" + hex.EncodeToString(muxMAC(secret, timestamp, body))
}
