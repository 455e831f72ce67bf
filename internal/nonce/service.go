// Package nonce issues, validates and expires nonce tokens.
//
// A nonce is either single-use (a "true nonce", consumed by its first
// successful validation) or reusable until it expires. Records are persisted
// through a storage.NonceStore; this package owns the business rules on top.
package nonce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/hatemosphere/pkgdepot/internal/apperr"
	"github.com/hatemosphere/pkgdepot/internal/clock"
	"github.com/hatemosphere/pkgdepot/internal/metrics"
	"github.com/hatemosphere/pkgdepot/internal/storage"
)

// maxTokenAttempts bounds retries when a generated token collides with a stored one.
const maxTokenAttempts = 3

// ReturnKind selects what Create hands back to the caller.
type ReturnKind int

const (
	ReturnToken ReturnKind = iota
	ReturnRecord
)

func (k ReturnKind) String() string {
	switch k {
	case ReturnToken:
		return "token"
	case ReturnRecord:
		return "record"
	default:
		return fmt.Sprintf("ReturnKind(%d)", int(k))
	}
}

// ParseReturnKind maps "token" / "record" onto a ReturnKind. Empty means token.
func ParseReturnKind(s string) (ReturnKind, error) {
	switch strings.ToLower(s) {
	case "", "token":
		return ReturnToken, nil
	case "record", "object":
		return ReturnRecord, nil
	default:
		return 0, fmt.Errorf("unknown return kind %q", s)
	}
}

// CreateParams describes a nonce to mint.
type CreateParams struct {
	TrueNonce bool
	// ExpirySeconds is the lifetime; 0 means the nonce never expires.
	ExpirySeconds int64
	Data          map[string]any
	Return        ReturnKind
	// Persist stores the record. Unpersisted nonces are returned but cannot be looked up.
	Persist bool
}

// Result is the outcome of Create. Both variants expose the same record.
type Result struct {
	kind   ReturnKind
	Record *storage.NonceRecord
}

// Kind is the variant the caller asked for.
func (r *Result) Kind() ReturnKind { return r.kind }

// Token returns the issued token.
func (r *Result) Token() string { return r.Record.Token }

// Value returns the requested variant: a string for ReturnToken, a
// *storage.NonceRecord for ReturnRecord.
func (r *Result) Value() any {
	if r.kind == ReturnRecord {
		return r.Record
	}
	return r.Record.Token
}

// Service implements the nonce lifecycle.
type Service struct {
	store    storage.NonceStore
	clock    clock.Clock
	logger   *slog.Logger
	strict   bool
	generate func() (string, error)
}

// Option configures a Service.
type Option func(*Service)

// WithClock sets the time source. Defaults to the wall clock.
func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithStrictArguments makes Create reject negative expiries and unserializable
// data with InvalidArgument instead of defaulting them.
func WithStrictArguments(strict bool) Option {
	return func(s *Service) { s.strict = strict }
}

// WithTokenGenerator replaces GenerateToken.
func WithTokenGenerator(fn func() (string, error)) Option {
	return func(s *Service) { s.generate = fn }
}

// NewService creates a nonce service over store.
func NewService(store storage.NonceStore, opts ...Option) *Service {
	s := &Service{
		store:    store,
		clock:    clock.Real{},
		logger:   slog.Default(),
		generate: GenerateToken,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// now is truncated to whole seconds, the granularity records are stored at.
func (s *Service) now() time.Time {
	return s.clock.Now().Truncate(time.Second)
}

// Create mints a nonce.
func (s *Service) Create(ctx context.Context, p CreateParams) (res *Result, err error) {
	const op = "nonce.Create"
	defer func() { observe("create", err) }()

	if p.Return != ReturnToken && p.Return != ReturnRecord {
		return nil, apperr.InvalidArgument(op, "unknown return kind "+p.Return.String())
	}
	expiry, data, err := s.normalize(op, p.ExpirySeconds, p.Data)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if expiry > math.MaxInt64-now.Unix() {
		return nil, apperr.InvalidArgument(op, "expiry length out of range")
	}
	rec := &storage.NonceRecord{
		TrueNonce: p.TrueNonce,
		CreatedAt: now,
		Data:      data,
	}
	if expiry > 0 {
		rec.ExpiresAt = time.Unix(now.Unix()+expiry, 0)
	}

	for attempt := 1; attempt <= maxTokenAttempts; attempt++ {
		token, err := s.generate()
		if err != nil {
			return nil, err
		}
		rec.Token = token

		if !p.Persist {
			return &Result{kind: p.Return, Record: rec}, nil
		}

		err = s.store.CreateNonce(ctx, rec)
		if errors.Is(err, storage.ErrNonceExists) {
			s.logger.Warn("nonce token collision, regenerating", "attempt", attempt)
			continue
		}
		if err != nil {
			return nil, apperr.StoreUnavailable(op, err)
		}
		s.logger.Debug("nonce created",
			"true_nonce", rec.TrueNonce,
			"expires_at", rec.ExpiresAt,
		)
		return &Result{kind: p.Return, Record: rec}, nil
	}
	return nil, apperr.StoreUnavailable(op, fmt.Errorf("token collided %d times", maxTokenAttempts))
}

// normalize applies the validate-and-default step for Create arguments. In
// lenient mode a negative expiry becomes "never expires" and nil or
// unserializable data becomes an empty mapping; each coercion is logged.
func (s *Service) normalize(op string, expiry int64, data map[string]any) (int64, map[string]any, error) {
	if expiry < 0 {
		if s.strict {
			return 0, nil, apperr.InvalidArgument(op, "expiry length must not be negative")
		}
		s.logger.Warn("negative nonce expiry, treating as never expires", "expiry_seconds", expiry)
		expiry = 0
	}

	if data == nil {
		return expiry, map[string]any{}, nil
	}
	normalized, err := storage.NormalizeData(data)
	if err != nil {
		if s.strict {
			return 0, nil, &apperr.Error{Kind: apperr.KindInvalidArgument, Op: op, Message: "data is not JSON-serializable", Err: err}
		}
		s.logger.Warn("nonce data is not JSON-serializable, using empty mapping", "error", err)
		return expiry, map[string]any{}, nil
	}
	return expiry, normalized, nil
}

// Validate checks a token. Expired records are deleted and reported as
// Expired. A valid single-use nonce is consumed atomically: of several
// concurrent validators exactly one succeeds and the rest see NotFound.
func (s *Service) Validate(ctx context.Context, token string) (rec *storage.NonceRecord, err error) {
	const op = "nonce.Validate"
	defer func() { observe("validate", err) }()

	now := s.now()
	rec, err = s.lookup(ctx, op, token, now)
	if err != nil {
		return nil, err
	}
	if !rec.TrueNonce {
		return rec, nil
	}

	consumed, err := s.store.ConsumeNonce(ctx, token)
	if err != nil {
		return nil, apperr.StoreUnavailable(op, err)
	}
	if consumed == nil {
		return nil, apperr.NotFound(op, "nonce already consumed")
	}
	if consumed.ExpiredAt(now) {
		return nil, apperr.Expired(op, "nonce expired")
	}
	s.logger.Debug("nonce consumed", "created_at", consumed.CreatedAt)
	return consumed, nil
}

// Get returns the full record without consuming it.
func (s *Service) Get(ctx context.Context, token string) (rec *storage.NonceRecord, err error) {
	defer func() { observe("get", err) }()
	return s.lookup(ctx, "nonce.Get", token, s.now())
}

// GetExpiry returns when the token lapses; the zero time means never.
func (s *Service) GetExpiry(ctx context.Context, token string) (t time.Time, err error) {
	defer func() { observe("get_expiry", err) }()
	rec, err := s.lookup(ctx, "nonce.GetExpiry", token, s.now())
	if err != nil {
		return time.Time{}, err
	}
	return rec.ExpiresAt, nil
}

// GetData returns the data stored with the token.
func (s *Service) GetData(ctx context.Context, token string) (data map[string]any, err error) {
	defer func() { observe("get_data", err) }()
	rec, err := s.lookup(ctx, "nonce.GetData", token, s.now())
	if err != nil {
		return nil, err
	}
	return rec.Data, nil
}

// Delete removes the token. Absent tokens report false, not an error.
func (s *Service) Delete(ctx context.Context, token string) (ok bool, err error) {
	const op = "nonce.Delete"
	defer func() { observe("delete", err) }()

	if token == "" {
		return false, apperr.InvalidArgument(op, "token is required")
	}
	ok, err = s.store.DeleteNonce(ctx, token)
	if err != nil {
		return false, apperr.StoreUnavailable(op, err)
	}
	return ok, nil
}

// ClearExpired removes every lapsed record and returns how many were removed.
func (s *Service) ClearExpired(ctx context.Context) (n int64, err error) {
	const op = "nonce.ClearExpired"
	defer func() { observe("clear_expired", err) }()

	n, err = s.store.DeleteExpiredNonces(ctx, s.now())
	if err != nil {
		return 0, apperr.StoreUnavailable(op, err)
	}
	if n > 0 {
		s.logger.Info("cleared expired nonces", "count", n)
	}
	return n, nil
}

// lookup fetches a live record, deleting it first if it has lapsed.
func (s *Service) lookup(ctx context.Context, op, token string, now time.Time) (*storage.NonceRecord, error) {
	if token == "" {
		return nil, apperr.InvalidArgument(op, "token is required")
	}
	rec, err := s.store.GetNonce(ctx, token)
	if err != nil {
		return nil, apperr.StoreUnavailable(op, err)
	}
	if rec == nil {
		return nil, apperr.NotFound(op, "nonce not found")
	}
	if rec.ExpiredAt(now) {
		if _, err := s.store.DeleteNonce(ctx, token); err != nil {
			return nil, apperr.StoreUnavailable(op, err)
		}
		s.logger.Debug("expired nonce removed on access", "expires_at", rec.ExpiresAt)
		return nil, apperr.Expired(op, "nonce expired")
	}
	return rec, nil
}

func observe(op string, err error) {
	result := "ok"
	if err != nil {
		result = strings.ToLower(apperr.KindOf(err).String())
	}
	metrics.NonceOpsTotal.WithLabelValues(op, result).Inc()
}
