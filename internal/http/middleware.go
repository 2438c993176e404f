package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dropDatabas3/clusterstate/internal/membership"
	"github.com/dropDatabas3/clusterstate/internal/observability/logger"
)

const (
	headerRequestID      = "X-Request-ID"
	headerLeader         = "X-Leader"
	headerLeaderURL      = "X-Leader-URL"
	headerLeaderRedirect = "X-Leader-Redirect"
)

type Middleware func(http.Handler) http.Handler

// WithRequestID propaga X-Request-ID o genera uno nuevo.
func WithRequestID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rid := strings.TrimSpace(r.Header.Get(headerRequestID))
			if rid == "" {
				rid = uuid.NewString()
			}
			w.Header().Set(headerRequestID, rid)
			next.ServeHTTP(w, r)
		})
	}
}

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
		s.status = http.StatusOK
		s.wroteHeader = true
	}
	return s.ResponseWriter.Write(b)
}

// WithLogging inyecta un logger scoped al request en el contexto y registra el resultado.
// Los endpoints internos del cluster se loguean en debug.
func WithLogging(base *zap.Logger) Middleware {
	base = logger.OrNop(base)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqLog := base.With(
				logger.RequestID(w.Header().Get(headerRequestID)),
				logger.Method(r.Method),
				logger.Path(r.URL.Path),
			)
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(logger.ToContext(r.Context(), reqLog)))

			fields := []zap.Field{logger.Status(rec.status), logger.Duration(time.Since(start))}
			switch {
			case rec.status >= 500:
				reqLog.Error("request failed", fields...)
			case strings.HasPrefix(r.URL.Path, "/internal/"):
				reqLog.Debug("request completed", fields...)
			case rec.status >= 400:
				reqLog.Warn("request completed with client error", fields...)
			default:
				reqLog.Info("request completed", fields...)
			}
		})
	}
}

// WithRecover captura panics y responde 500.
func WithRecover(fallback *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.From(r.Context(), fallback).Error("panic recovered",
						logger.Op("recover"),
						logger.Any("panic", rec),
					)
					WriteError(w, ErrInternal.WithDetail("panic recovered"))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RequireLeader deja pasar escrituras sólo en el líder vigente.
//   - Si es follower => 409 con X-Leader.
//   - Si el cliente pide redirect (X-Leader-Redirect: 1 o ?leader_redirect=1) y la URL del
//     líder es conocida => 307 a la misma ruta en el líder.
func RequireLeader(self string, members membership.Membership, leaderURLs map[string]string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
			default:
				next.ServeHTTP(w, r)
				return
			}

			l := members.Leadership()
			if l.LeaderID == self && members.IsLeader(self, l.Term) {
				next.ServeHTTP(w, r)
				return
			}

			if l.LeaderID != "" {
				w.Header().Set(headerLeader, l.LeaderID)
			}
			wantsRedirect := strings.TrimSpace(r.Header.Get(headerLeaderRedirect)) == "1" ||
				strings.TrimSpace(r.URL.Query().Get("leader_redirect")) == "1"
			if base := strings.TrimRight(strings.TrimSpace(leaderURLs[l.LeaderID]), "/"); wantsRedirect && l.LeaderID != "" && validBaseURL(base) {
				w.Header().Set(headerLeaderURL, base)
				w.Header().Set("Location", base+r.URL.RequestURI())
				w.WriteHeader(http.StatusTemporaryRedirect)
				return
			}

			detail := "no leader elected"
			if l.LeaderID != "" {
				detail = "leader is " + l.LeaderID
			}
			WriteError(w, ErrNotLeader.WithDetail(detail))
		})
	}
}

func validBaseURL(u string) bool {
	low := strings.ToLower(u)
	return (strings.HasPrefix(low, "http://") || strings.HasPrefix(low, "https://")) && !strings.ContainsAny(u, " \t\n")
}

// Chain aplica los middlewares en orden: el primero queda más afuera.
func Chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
