package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"identity-service/internal/util"
)

const serviceName = "identity-service"

var (
	errHTTPSRequired    = errors.New("https required")
	errRouteNotFound    = errors.New("endpoint not found")
	errMethodNotAllowed = errors.New("method not allowed")
)

// RouteRegistrar mounts a handler's routes under /api/v1.
type RouteRegistrar interface {
	RegisterRoutes(router chi.Router)
}

// HealthFunc reports per-dependency health; an empty map means healthy.
type HealthFunc func(ctx context.Context) map[string]string

type RouterConfig struct {
	RequireTLS     bool
	AllowedOrigins []string
}

// NewRouter builds the Chi router. Everything under /api/v1 requires a caller
// identity from the gateway; /health does not.
func NewRouter(cfg RouterConfig, health HealthFunc, logger *zap.Logger, handlers ...RouteRegistrar) chi.Router {
	r := chi.NewRouter()

	if cfg.RequireTLS {
		r.Use(requireHTTPS)
	}
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		requestLogger(logger),
		middleware.Recoverer,
		middleware.Timeout(60*time.Second),
		cors.Handler(corsOptions(cfg.AllowedOrigins)),
	)

	r.Get("/health", healthHandler(health))

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(requireCaller)
		for _, h := range handlers {
			h.RegisterRoutes(api)
		}
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeStatus(w, http.StatusNotFound, errorResponse(errRouteNotFound, ""))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeStatus(w, http.StatusMethodNotAllowed, errorResponse(errMethodNotAllowed, ""))
	})
	return r
}

func corsOptions(origins []string) cors.Options {
	if len(origins) == 0 {
		origins = []string{"https://*"}
	}
	return cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", headerUserID, headerUserRole},
		ExposedHeaders:   []string{middleware.RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}
}

func healthHandler(health HealthFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var failures map[string]string
		if health != nil {
			failures = health(r.Context())
		}
		if len(failures) > 0 {
			util.Warn("Health check failed", zap.Any("failures", failures))
			writeStatus(w, http.StatusServiceUnavailable, map[string]interface{}{
				"status": "unhealthy", "service": serviceName, "failures": failures,
			})
			return
		}
		writeStatus(w, http.StatusOK, map[string]string{"status": "healthy", "service": serviceName})
	}
}

// requireHTTPS answers plain-HTTP requests with 426.
func requireHTTPS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS == nil {
			writeStatus(w, http.StatusUpgradeRequired, errorResponse(errHTTPSRequired, ""))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestLogger logs one line per request. Server errors log at error level.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				fields := []zap.Field{
					util.String("method", r.Method),
					util.String("route", routePattern(r)),
					util.String("caller", r.Header.Get(headerUserID)),
					util.Int("status", ww.Status()),
					util.Int("bytes", ww.BytesWritten()),
					util.Duration("duration", time.Since(start)),
					util.String("request_id", middleware.GetReqID(r.Context())),
				}
				if ww.Status() >= http.StatusInternalServerError {
					logger.Error("HTTP request", fields...)
					return
				}
				logger.Info("HTTP request", fields...)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

// routePattern keeps ids out of the log line where chi matched a route.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}
