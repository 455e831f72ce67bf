// Package signature derives and verifies HMAC signatures over API requests.
//
// Scheme v1 signs the message
//
//	"v1\n" + api_key_id + "\n" + timestamp + "\n" + canonical(payload)
//
// with HMAC-SHA-256 keyed by the API key secret, rendered as lowercase hex.
// See Canonicalize for the payload encoding.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strconv"
	"strings"

	"github.com/hatemosphere/pkgdepot/internal/apperr"
	"github.com/hatemosphere/pkgdepot/internal/clock"
	"github.com/hatemosphere/pkgdepot/internal/metrics"
)

// Version is embedded in every signed message.
const Version = "v1"

// Outcome is the externally visible result of a verification.
type Outcome int

const (
	Valid Outcome = iota
	// Stale means the timestamp is outside the replay window.
	Stale
	// Invalid covers every other failure: wrong MAC, malformed input.
	Invalid
)

func (o Outcome) String() string {
	switch o {
	case Valid:
		return "valid"
	case Stale:
		return "stale"
	default:
		return "invalid"
	}
}

// BuildSignature computes the v1 signature for the given inputs. It is a pure
// function: identical inputs always produce identical output.
func BuildSignature(apiKeyID, apiKeySecret string, timestamp int64, payload any) (string, error) {
	mac, err := computeMAC(apiKeyID, apiKeySecret, timestamp, payload)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(mac), nil
}

func computeMAC(apiKeyID, apiKeySecret string, timestamp int64, payload any) ([]byte, error) {
	const op = "signature.Build"
	switch {
	case apiKeyID == "":
		return nil, apperr.InvalidArgument(op, "api key id is required")
	case apiKeySecret == "":
		return nil, apperr.InvalidArgument(op, "api key secret is required")
	case timestamp <= 0:
		return nil, apperr.InvalidArgument(op, "timestamp is required")
	}
	canonical, err := Canonicalize(payload)
	if err != nil {
		return nil, &apperr.Error{Kind: apperr.KindInvalidArgument, Op: op, Message: "invalid payload", Err: err}
	}

	var msg strings.Builder
	msg.Grow(len(Version) + len(apiKeyID) + len(canonical) + 24)
	msg.WriteString(Version)
	msg.WriteByte('\n')
	msg.WriteString(apiKeyID)
	msg.WriteByte('\n')
	msg.WriteString(strconv.FormatInt(timestamp, 10))
	msg.WriteByte('\n')
	msg.Write(canonical)

	h := hmac.New(sha256.New, []byte(apiKeySecret))
	h.Write([]byte(msg.String()))
	return h.Sum(nil), nil
}

// Verifier checks signatures against a clock.
type Verifier struct {
	clock  clock.Clock
	logger *slog.Logger
}

// NewVerifier returns a Verifier reading time from clk. A nil clk means the wall clock.
func NewVerifier(clk clock.Clock, logger *slog.Logger) *Verifier {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{clock: clk, logger: logger}
}

// Verify recomputes the signature and compares it in constant time. The MAC
// is always computed so that stale and mismatched requests cost the same.
// A negative maxSkewSeconds is treated as zero.
func (v *Verifier) Verify(claimed, apiKeyID, apiKeySecret string, timestamp int64, payload any, maxSkewSeconds int64) Outcome {
	outcome, reason := v.verify(claimed, apiKeyID, apiKeySecret, timestamp, payload, maxSkewSeconds)
	if outcome != Valid {
		v.logger.Debug("signature rejected", "api_key", apiKeyID, "outcome", outcome.String(), "reason", reason)
	}
	metrics.SignatureVerificationsTotal.WithLabelValues(outcome.String()).Inc()
	return outcome
}

// VerifySignature reports whether Verify returns Valid.
func (v *Verifier) VerifySignature(claimed, apiKeyID, apiKeySecret string, timestamp int64, payload any, maxSkewSeconds int64) bool {
	return v.Verify(claimed, apiKeyID, apiKeySecret, timestamp, payload, maxSkewSeconds) == Valid
}

func (v *Verifier) verify(claimed, apiKeyID, apiKeySecret string, timestamp int64, payload any, maxSkewSeconds int64) (Outcome, string) {
	expected, err := computeMAC(apiKeyID, apiKeySecret, timestamp, payload)
	if err != nil {
		return Invalid, err.Error()
	}

	if maxSkewSeconds < 0 {
		maxSkewSeconds = 0
	}
	skew := v.clock.Now().Unix() - timestamp
	if skew < 0 {
		skew = -skew
	}
	if skew > maxSkewSeconds {
		return Stale, "timestamp outside replay window"
	}

	got, err := hex.DecodeString(claimed)
	if err != nil {
		return Invalid, "signature is not hex"
	}
	if !hmac.Equal(got, expected) {
		return Invalid, "signature mismatch"
	}
	return Valid, ""
}

// VerifySignature checks claimed against the wall clock.
func VerifySignature(claimed, apiKeyID, apiKeySecret string, timestamp int64, payload any, maxSkewSeconds int64) bool {
	return NewVerifier(nil, nil).VerifySignature(claimed, apiKeyID, apiKeySecret, timestamp, payload, maxSkewSeconds)
}
