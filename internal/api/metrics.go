package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/hatemosphere/pkgdepot/internal/metrics"
)

// metricsHumaMiddleware records Prometheus metrics for each huma request using
// the operation path as the route label for clean, low-cardinality metrics.
func metricsHumaMiddleware(ctx huma.Context, next func(huma.Context)) {
	start := time.Now()
	next(ctx)
	elapsed := time.Since(start)

	route := ctx.Operation().Path
	status := ctx.Status()
	if status == 0 {
		status = http.StatusOK
	}

	metrics.HTTPRequestsTotal.WithLabelValues(ctx.Method(), route, strconv.Itoa(status)).Inc()
	metrics.HTTPRequestDuration.WithLabelValues(ctx.Method(), route).Observe(elapsed.Seconds())
}

func registerMetricsRoute(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getMetrics",
		Method:      http.MethodGet,
		Path:        "/metrics",
		Tags:        []string{"Meta"},
	}, func(ctx context.Context, input *struct{}) (*huma.StreamResponse, error) {
		return &huma.StreamResponse{
			Body: func(ctx huma.Context) {
				rec := httptest.NewRecorder()
				metrics.Handler().ServeHTTP(rec, &http.Request{})
				for k, vals := range rec.Header() {
					for _, v := range vals {
						ctx.SetHeader(k, v)
					}
				}
				_, _ = ctx.BodyWriter().Write(rec.Body.Bytes())
			},
		}, nil
	})
}
