package server

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"mercator-hq/custodian/pkg/compliance"
	"mercator-hq/custodian/pkg/telemetry/logging"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

const maxRequestIDLength = 64

// requestID reuses a well-formed client request id or generates one.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" || len(id) > maxRequestIDLength || strings.ContainsAny(id, " \t\r\n") {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(logging.WithRequestID(r.Context(), id)))
	})
}

// recoverer turns a handler panic into a generic 500.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				s.logger.ErrorContext(r.Context(), "panic in handler",
					"panic", v,
					"method", r.Method,
					"route", routePattern(r),
					"stack", string(debug.Stack()),
				)
				writeErrorResponse(w, http.StatusInternalServerError, errTypeServer, internalMessage, "")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// observe records request metrics and the access log. Only the route
// pattern is logged; paths carry subject ids.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := routePattern(r)
		elapsed := time.Since(start)
		if s.deps.Metrics != nil {
			s.deps.Metrics.ObserveHTTP(route, r.Method, status, elapsed)
		}

		s.logger.Log(r.Context(), levelFor(status), "request completed",
			"method", r.Method,
			"route", route,
			"status", status,
			"latency_ms", elapsed.Milliseconds(),
			"bytes", ww.BytesWritten(),
		)
	})
}

// requireSubject admits a request only when the session layer's subject
// header names the subject in the path.
func (s *Server) requireSubject(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := r.Header.Get(s.cfg.SubjectHeader)
		if caller == "" {
			s.writeError(w, r, &compliance.AuthorizationError{Reason: "missing subject identity"})
			return
		}
		if caller != chi.URLParam(r, "subjectID") {
			s.writeError(w, r, &compliance.AuthorizationError{Reason: "subject mismatch"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireAdmin checks the bearer token in constant time.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	want := []byte(s.cfg.AdminToken)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), want) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="custodian-admin"`)
			s.writeError(w, r, &compliance.AuthorizationError{Reason: "invalid admin token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func levelFor(status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	}
	return slog.LevelInfo
}
