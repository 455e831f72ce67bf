package api

import (
	"bytes"
	"context"
	stdjson "encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/hatemosphere/pkgdepot/internal/apperr"
	"github.com/hatemosphere/pkgdepot/internal/audit"
	"github.com/hatemosphere/pkgdepot/internal/signature"
)

const signedPrefix = "/api/"

type apiKeyCtxKey struct{}

func apiKeyFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(apiKeyCtxKey{}).(string); ok {
		return id
	}
	return "anonymous"
}

// signedRequests authenticates every /api/ request. The signed payload is
// signature.RequestPayload{method, path, body}, where path is the request URI
// including any query string and body is the JSON request body.
func (s *Server) signedRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, signedPrefix) {
			next.ServeHTTP(w, r)
			return
		}

		keyID := r.Header.Get(signature.HeaderAPIKey)
		tsHeader := r.Header.Get(signature.HeaderTimestamp)
		claimed := r.Header.Get(signature.HeaderSignature)
		if keyID == "" || tsHeader == "" || claimed == "" {
			s.deny(w, r, keyID, http.StatusUnauthorized, "missing signature headers")
			return
		}
		ts, err := strconv.ParseInt(tsHeader, 10, 64)
		if err != nil {
			s.deny(w, r, keyID, http.StatusUnauthorized, "invalid timestamp header")
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, s.maxBodyBytes+1))
		if err != nil {
			s.deny(w, r, keyID, http.StatusBadRequest, "failed to read request body")
			return
		}
		if int64(len(body)) > s.maxBodyBytes {
			s.deny(w, r, keyID, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		secret, err := s.resolver.Resolve(r.Context(), keyID)
		if err != nil {
			if errors.Is(err, apperr.ErrNotFound) || errors.Is(err, apperr.ErrInvalidArgument) {
				// Unknown keys look exactly like bad signatures.
				s.deny(w, r, keyID, http.StatusUnauthorized, "invalid signature")
				return
			}
			slog.Error("credential lookup failed", "api_key", keyID, "error", err)
			s.deny(w, r, keyID, http.StatusServiceUnavailable, "credential lookup failed")
			return
		}

		payload := signature.RequestPayload{Method: r.Method, Path: r.URL.RequestURI()}
		if len(bytes.TrimSpace(body)) > 0 {
			payload.Body = stdjson.RawMessage(body)
		}

		switch s.verifier.Verify(claimed, keyID, secret, ts, payload, s.maxSkew) {
		case signature.Valid:
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), apiKeyCtxKey{}, keyID)))
		case signature.Stale:
			s.deny(w, r, keyID, http.StatusUnauthorized, "timestamp expired")
		default:
			s.deny(w, r, keyID, http.StatusUnauthorized, "invalid signature")
		}
	})
}

func (s *Server) deny(w http.ResponseWriter, r *http.Request, keyID string, status int, reason string) {
	if keyID == "" {
		keyID = "anonymous"
	}
	audit.Event{
		APIKey:     keyID,
		Status:     audit.StatusDenied,
		Method:     r.Method,
		Path:       r.URL.Path,
		HTTPStatus: status,
		Reason:     reason,
		IP:         r.RemoteAddr,
		RequestID:  RequestIDFromContext(r.Context()),
	}.Warn("Audit Log: request rejected")
	writeJSONError(w, status, reason)
}
