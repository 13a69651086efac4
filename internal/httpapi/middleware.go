package httpapi

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/gymcloud/accessd/internal/metrics"
	"github.com/gymcloud/accessd/internal/observability/logger"
	"github.com/gymcloud/accessd/internal/ratelimit"
)

// statusRecorder captures the status code written by the handler.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.wroteHeader {
		return
	}
	s.status = code
	s.wroteHeader = true
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if !s.wroteHeader {
		s.WriteHeader(http.StatusOK)
	}
	return s.ResponseWriter.Write(b)
}

// requestLogging injects a request-scoped logger, echoes the request id and
// logs one line per request. It also feeds the HTTP metrics, labelled by
// route pattern rather than raw path.
func requestLogging(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rid := middleware.GetReqID(r.Context())
			w.Header().Set(middleware.RequestIDHeader, rid)

			reqLog := logger.L().With(
				logger.RequestID(rid),
				logger.Method(r.Method),
				logger.Path(r.URL.Path),
			)
			ctx := logger.ToContext(r.Context(), reqLog)
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			defer func() {
				if p := recover(); p != nil {
					reqLog.Error("panic recovered", zap.Any("panic", p), zap.Stack("stack"))
					if !rec.wroteHeader {
						writeError(rec, http.StatusInternalServerError, "internal_error", "unexpected server error")
					}
				}
				dur := time.Since(start)
				route := "unmatched"
				if rc := chi.RouteContext(ctx); rc != nil && rc.RoutePattern() != "" {
					route = rc.RoutePattern()
				}
				m.HTTPRequest(r.Method, route, rec.status, dur)

				fields := []zap.Field{logger.Status(rec.status), logger.Duration(dur), logger.ClientIP(r.RemoteAddr)}
				switch {
				case rec.status >= 500:
					reqLog.Error("request completed", fields...)
				case rec.status >= 400:
					reqLog.Info("request completed", fields...)
				default:
					reqLog.Debug("request completed", fields...)
				}
			}()

			next.ServeHTTP(rec, r.WithContext(ctx))
		})
	}
}

// throttle rejects callers over the limit with 429. A limiter backend
// failure lets the request through.
func throttle(l ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if l == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res, err := l.Allow(r.Context(), clientKey(r))
			if err != nil {
				logger.From(r.Context()).Warn("rate limiter unavailable", logger.Err(err))
				next.ServeHTTP(w, r)
				return
			}
			if !res.Allowed {
				secs := int(res.RetryAfter.Round(time.Second) / time.Second)
				if secs < 1 {
					secs = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientKey is the caller address; RealIP has already applied proxy
// headers.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
