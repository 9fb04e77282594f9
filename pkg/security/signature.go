package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"
)

var (
	ErrMissingSignature = errors.New("missing signature")
	ErrBadSignature     = errors.New("signature mismatch")
	ErrStaleTimestamp   = errors.New("timestamp outside allowed window")
)

// GenerateSignature signs "payload.timestamp" with HMAC-SHA256 and returns hex.
func GenerateSignature(payload []byte, timestamp int64, secret string) string {
	message := fmt.Sprintf("%s.%d", string(payload), timestamp)
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(message))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySignature checks a signature produced by GenerateSignature. A zero
// maxSkew disables the freshness check.
func VerifySignature(payload []byte, timestampHeader, signature, secret string, maxSkew time.Duration, now time.Time) error {
	if signature == "" || timestampHeader == "" {
		return ErrMissingSignature
	}

	ts, err := strconv.ParseInt(timestampHeader, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp: %w", ErrBadSignature)
	}

	if maxSkew > 0 {
		diff := now.Sub(time.Unix(ts, 0))
		if diff < 0 {
			diff = -diff
		}
		if diff > maxSkew {
			return ErrStaleTimestamp
		}
	}

	expected := GenerateSignature(payload, ts, secret)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}

// SignRef binds an opaque reference to a secret; used for callback URLs
// that cannot carry headers.
func SignRef(ref, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(ref))
	return hex.EncodeToString(h.Sum(nil))
}

func VerifyRef(ref, sig, secret string) bool {
	if sig == "" {
		return false
	}
	return hmac.Equal([]byte(SignRef(ref, secret)), []byte(sig))
}

// HashOTP keys the stored OTP digest with a server secret so a dump of the
// store cannot be brute-forced offline.
func HashOTP(code, secret string) string {
	return SignRef(code, secret)
}
