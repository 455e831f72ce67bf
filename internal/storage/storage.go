package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hatemosphere/pkgdepot/internal/gziputil"
)

// ErrNonceExists is returned by CreateNonce when the token is already stored.
var ErrNonceExists = errors.New("nonce already exists")

// defaultCompressThreshold is the encoded data size above which blobs are gzipped.
const defaultCompressThreshold = 4096

// NonceRecord is a persisted nonce.
type NonceRecord struct {
	Token     string
	TrueNonce bool // single-use: consumed on first successful validation
	CreatedAt time.Time
	ExpiresAt time.Time // zero = never expires
	// Data as read back from a store: numbers are json.Number, nested objects
	// map[string]any. NormalizeData gives a caller's map the same shape.
	Data map[string]any
}

// NeverExpires reports whether the record carries the no-expiry sentinel.
func (r *NonceRecord) NeverExpires() bool {
	return r.ExpiresAt.IsZero()
}

// ExpiredAt reports whether the record has lapsed at now. Second granularity:
// a record is still valid during its final second.
func (r *NonceRecord) ExpiredAt(now time.Time) bool {
	return !r.NeverExpires() && now.Unix() > r.ExpiresAt.Unix()
}

// NonceStore persists nonce records keyed by token.
//
// Lookups return (nil, nil) when the token is absent. Implementations must make
// CreateNonce a create-if-absent and ConsumeNonce an atomic read-and-delete, so
// that at most one concurrent caller ever receives a given record from ConsumeNonce.
type NonceStore interface {
	// CreateNonce stores rec, or returns ErrNonceExists if the token is taken.
	CreateNonce(ctx context.Context, rec *NonceRecord) error
	GetNonce(ctx context.Context, token string) (*NonceRecord, error)
	// ConsumeNonce deletes the record and returns what was deleted.
	ConsumeNonce(ctx context.Context, token string) (*NonceRecord, error)
	DeleteNonce(ctx context.Context, token string) (bool, error)
	// DeleteExpiredNonces removes every record with a non-zero expiry before now
	// (at second granularity) and returns how many were removed.
	DeleteExpiredNonces(ctx context.Context, now time.Time) (int64, error)

	Close() error
}

// expiryUnix encodes an expiry for storage; 0 is the never-expires sentinel.
func expiryUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func expiryTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

// encodeData serializes nonce data to JSON, gzipping it when larger than threshold.
// A negative threshold disables compression.
func encodeData(data map[string]any, threshold int) ([]byte, error) {
	if data == nil {
		data = map[string]any{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode nonce data: %w", err)
	}
	if threshold >= 0 && len(raw) > threshold {
		return gziputil.Compress(raw)
	}
	return raw, nil
}

// NormalizeData round-trips data through the store encoding so it matches what
// any later lookup returns.
func NormalizeData(data map[string]any) (map[string]any, error) {
	blob, err := encodeData(data, -1)
	if err != nil {
		return nil, err
	}
	return decodeData(blob)
}

// decodeData reverses encodeData. Numbers come back as json.Number so integer
// values survive the round trip unchanged.
func decodeData(blob []byte) (map[string]any, error) {
	raw, err := gziputil.MaybeDecompress(blob)
	if err != nil {
		return nil, fmt.Errorf("decompress nonce data: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var data map[string]any
	if err := dec.Decode(&data); err != nil {
		return nil, fmt.Errorf("decode nonce data: %w", err)
	}
	if data == nil {
		data = map[string]any{}
	}
	return data, nil
}
