package router

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/inkwell-notes/session-service/internal/http/handler"
	"github.com/inkwell-notes/session-service/internal/http/middleware"
	"github.com/inkwell-notes/session-service/internal/http/response"
)

// ReadinessCheck reports whether a backing dependency can serve traffic.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type Dependencies struct {
	AuthHandler    *handler.AuthHandler
	SessionHandler *handler.SessionHandler
	Verifier       middleware.AccessVerifier
	Activity       middleware.ActivitySink
	Readiness      []ReadinessCheck
	EnableOTelHTTP bool
}

func NewRouter(dep Dependencies) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestID)
	r.Use(middleware.StructuredRequestLogger)

	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		type checkResult struct {
			Name   string `json:"name"`
			Status string `json:"status"`
			Error  string `json:"error,omitempty"`
		}
		results := make([]checkResult, 0, len(dep.Readiness))
		ready := true
		for _, check := range dep.Readiness {
			result := checkResult{Name: check.Name, Status: "ok"}
			if err := check.Check(r.Context()); err != nil {
				ready = false
				result.Status = "failed"
				result.Error = err.Error()
			}
			results = append(results, result)
		}
		if ready {
			response.JSON(w, r, http.StatusOK, map[string]any{"status": "ready", "checks": results})
			return
		}
		response.Error(w, r, http.StatusServiceUnavailable, "DEPENDENCY_UNREADY", "dependencies are not ready", map[string]any{"checks": results})
	})

	requireAuth := middleware.AuthMiddleware(dep.Verifier, dep.Activity)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Post("/register", dep.AuthHandler.Register)
			r.Post("/login", dep.AuthHandler.Login)
			r.Post("/refresh", dep.AuthHandler.Refresh)
			r.Post("/logout", dep.AuthHandler.Logout)
			r.With(requireAuth).Post("/logout-all", dep.AuthHandler.LogoutAll)
			r.With(requireAuth).Get("/verify", dep.AuthHandler.Verify)
		})

		r.Group(func(r chi.Router) {
			r.Use(requireAuth)
			r.Get("/me/sessions", dep.SessionHandler.List)
			r.Delete("/me/sessions/{session_id}", dep.SessionHandler.Revoke)
			r.Post("/me/sessions/revoke-others", dep.SessionHandler.RevokeOthers)
		})
	})

	var h http.Handler = r
	if dep.EnableOTelHTTP {
		h = otelhttp.NewHandler(r, "http.server")
	}
	return h
}
