package api

import (
	"context"
	stdjson "encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humago"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"github.com/hatemosphere/pkgdepot/internal/audit"
	"github.com/hatemosphere/pkgdepot/internal/credential"
	"github.com/hatemosphere/pkgdepot/internal/gc"
	"github.com/hatemosphere/pkgdepot/internal/nonce"
	"github.com/hatemosphere/pkgdepot/internal/signature"
)

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the HTTP API server.
type Server struct {
	nonces       *nonce.Service
	resolver     credential.Resolver
	verifier     *signature.Verifier
	collector    *gc.Collector // nil = sweep inline on clear-expired
	maxSkew      int64         // replay window in seconds
	maxBodyBytes int64
	store        Pinger
	storeName    string
	humaAPI      huma.API
}

// NewServer creates a new API server.
func NewServer(nonces *nonce.Service, resolver credential.Resolver, opts ...ServerOption) *Server {
	s := &Server{
		nonces:       nonces,
		resolver:     resolver,
		verifier:     signature.NewVerifier(nil, nil),
		maxSkew:      300,
		maxBodyBytes: 1 << 20,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServerOption configures the API server.
type ServerOption func(*Server)

// WithVerifier sets the signature verifier (and through it, the clock).
func WithVerifier(v *signature.Verifier) ServerOption {
	return func(s *Server) { s.verifier = v }
}

// WithMaxSkew sets the replay window for signed requests, in seconds.
func WithMaxSkew(seconds int64) ServerOption {
	return func(s *Server) { s.maxSkew = seconds }
}

// WithCollector routes on-demand sweeps through the background collector so
// they never overlap with scheduled ones.
func WithCollector(c *gc.Collector) ServerOption {
	return func(s *Server) { s.collector = c }
}

// WithHealthCheck makes /healthz ping the named store.
func WithHealthCheck(name string, p Pinger) ServerOption {
	return func(s *Server) {
		s.storeName = name
		s.store = p
	}
}

// WithMaxBodyBytes caps signed request bodies.
func WithMaxBodyBytes(n int64) ServerOption {
	return func(s *Server) { s.maxBodyBytes = n }
}

// humaJSONFormat uses stdlib encoding/json for huma request/response serialization.
var humaJSONFormat = huma.Format{
	Marshal: func(w io.Writer, v any) error {
		return stdjson.NewEncoder(w).Encode(v)
	},
	Unmarshal: stdjson.Unmarshal,
}

func newHumaConfig() huma.Config {
	registry := huma.NewMapRegistry("#/components/schemas/", huma.DefaultSchemaNamer)
	return huma.Config{
		OpenAPI: &huma.OpenAPI{
			OpenAPI: "3.1.0",
			Info: &huma.Info{
				Title:   "pkgdepot nonce API",
				Version: "0.1.0",
			},
			Components: &huma.Components{
				Schemas: registry,
			},
		},
		OpenAPIPath:   "", // served by our own route
		DocsPath:      "",
		SchemasPath:   "",
		Formats:       map[string]huma.Format{"application/json": humaJSONFormat, "json": humaJSONFormat},
		DefaultFormat: "application/json",
	}
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Router returns the configured HTTP handler with all endpoints.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	publicAPI := humago.New(mux, newHumaConfig())
	publicAPI.UseMiddleware(metricsHumaMiddleware)
	s.registerPublicRoutes(publicAPI)

	// Everything under /api/ is behind signedRequests.
	api := humago.New(mux, newHumaConfig())
	api.UseMiddleware(metricsHumaMiddleware)
	api.UseMiddleware(auditHumaMiddleware)
	s.humaAPI = api

	s.registerNonces(api)
	s.registerSignatures(api)

	// HTTP-level middleware (outermost applied last).
	var handler http.Handler = mux
	handler = s.signedRequests(handler)
	handler = gzipDecompressor(handler)
	handler = requestLogger(handler)
	handler = requestID(handler)
	handler = recoverer(handler)
	handler = realIP(handler)
	return handler
}

func (s *Server) registerPublicRoutes(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "healthCheck",
		Method:      http.MethodGet,
		Path:        "/healthz",
		Tags:        []string{"Health"},
	}, func(ctx context.Context, input *struct{}) (*HealthCheckOutput, error) {
		out := &HealthCheckOutput{}
		out.Body.Status = "ok"
		out.Body.Store = s.storeName
		if s.store != nil {
			if err := s.store.Ping(ctx); err != nil {
				slog.Error("health check: store ping failed", "store", s.storeName, "error", err)
				return nil, huma.Error503ServiceUnavailable("nonce store unavailable")
			}
		}
		return out, nil
	})

	registerMetricsRoute(api)

	huma.Register(api, huma.Operation{
		OperationID: "getOpenAPISpec",
		Method:      http.MethodGet,
		Path:        "/openapi.json",
		Tags:        []string{"Meta"},
	}, func(ctx context.Context, input *struct{}) (*huma.StreamResponse, error) {
		return &huma.StreamResponse{
			Body: func(ctx huma.Context) {
				ctx.SetHeader("Content-Type", "application/json")
				if s.humaAPI != nil {
					data, _ := stdjson.Marshal(s.humaAPI.OpenAPI())
					_, _ = ctx.BodyWriter().Write(data)
				} else {
					_, _ = ctx.BodyWriter().Write([]byte(`{}`))
				}
			},
		}, nil
	})
}

// auditHumaMiddleware logs structured audit entries for state-changing
// operations. Nonce validation is a POST and therefore always audited.
func auditHumaMiddleware(ctx huma.Context, next func(huma.Context)) {
	next(ctx)

	method := ctx.Method()
	if method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions {
		return
	}

	status := ctx.Status()
	if status == 0 {
		status = http.StatusOK
	}
	e := audit.Event{
		APIKey:     apiKeyFromContext(ctx.Context()),
		Action:     ctx.Operation().OperationID,
		Status:     audit.StatusGranted,
		Token:      ctx.Param("token"),
		Method:     method,
		HTTPStatus: status,
		IP:         ctx.RemoteAddr(),
		RequestID:  RequestIDFromContext(ctx.Context()),
	}
	if status >= 400 {
		e.Status = audit.StatusFailed
		e.Warn("Audit Log: API Request")
		return
	}
	e.Info("Audit Log: API Request")
}

type requestIDKey struct{}

// RequestIDFromContext returns the request ID set by the requestID middleware.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// requestID propagates a caller-supplied X-Request-Id when it is a UUID and
// mints a new one otherwise.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

// requestLogger logs each HTTP request with method, path, status, and latency.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		slog.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"latency", time.Since(start),
			"request_id", RequestIDFromContext(r.Context()),
		)
	})
}

// realIP extracts the real client IP from X-Real-Ip or X-Forwarded-For headers.
func realIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rip := r.Header.Get("X-Real-Ip"); rip != "" {
			r.RemoteAddr = rip
		} else if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if i := strings.IndexByte(xff, ','); i > 0 {
				r.RemoteAddr = strings.TrimSpace(xff[:i])
			} else {
				r.RemoteAddr = xff
			}
		}
		next.ServeHTTP(w, r)
	})
}

// recoverer recovers from panics and returns a 500 Internal Server Error.
func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				slog.Error("panic recovered", "error", rvr, "method", r.Method, "path", r.URL.Path)
				writeJSONError(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// gzipDecompressor transparently decompresses gzip request bodies. Signatures
// cover the decompressed body.
func gzipDecompressor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Encoding") == "gzip" {
			gz, err := gzip.NewReader(r.Body)
			if err != nil {
				writeJSONError(w, http.StatusBadRequest, "invalid gzip body")
				return
			}
			r.Body = io.NopCloser(gz)
			r.Header.Del("Content-Encoding")
		}
		next.ServeHTTP(w, r)
	})
}

// writeJSONError writes an APIError body outside of huma.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = stdjson.NewEncoder(w).Encode(&APIError{Code: status, Message: msg})
}
