// Package api exposes the administrative gateway of an entitle.Engine over
// HTTP using a chi router.
//
// Every request carries its actor in the X-Actor-ID, X-Actor-Label and
// X-Actor-Role headers, typically set by an authenticating proxy. Requests
// without an actor are rejected with 401. The system role is reserved for
// in-process jobs and cannot be claimed over HTTP.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/actor"
)

// Actor headers.
const (
	HeaderActorID    = "X-Actor-ID"
	HeaderActorLabel = "X-Actor-Label"
	HeaderActorRole  = "X-Actor-Role"
)

// Handler serves the admin API for one engine.
type Handler struct {
	engine *entitle.Engine
	logger *slog.Logger
}

// NewHandler creates a Handler. A nil logger uses slog.Default.
func NewHandler(engine *entitle.Engine, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{engine: engine, logger: logger}
}

// NewRouter returns a standalone router with request IDs, panic recovery and
// the admin routes mounted under basePath.
func NewRouter(engine *entitle.Engine, logger *slog.Logger, basePath string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))

	h := NewHandler(engine, logger)
	if basePath == "" || basePath == "/" {
		h.SetupRoutes(r)
	} else {
		r.Route(basePath, h.SetupRoutes)
	}
	return r
}

// SetupRoutes registers the admin routes on r.
func (h *Handler) SetupRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.actorMiddleware)

		r.Route("/subjects/{subjectID}", func(r chi.Router) {
			r.Get("/", h.GetSubject)
			r.Post("/payment-status", h.TransitionPaymentStatus)
			r.Post("/stop-usage", h.StopUsage)
			r.Post("/publication", h.SetPublication)
		})
		r.Post("/reconcile", h.Reconcile)
		r.Get("/audit", h.AuditTrail)
		r.Get("/side-effects", h.SideEffects)
		r.Post("/side-effects/{messageID}/retry", h.RetrySideEffect)
	})
}

type actorKey struct{}

// actorMiddleware resolves the calling actor from request headers.
func (h *Handler) actorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actorID := r.Header.Get(HeaderActorID)
		if actorID == "" {
			h.writeError(w, http.StatusUnauthorized, "unauthenticated", "missing "+HeaderActorID+" header")
			return
		}
		role, err := actor.ParseRole(r.Header.Get(HeaderActorRole))
		if err != nil {
			h.writeError(w, http.StatusForbidden, string(entitle.KindAuthorization), err.Error())
			return
		}
		if role == actor.RoleSystem {
			h.writeError(w, http.StatusForbidden, string(entitle.KindAuthorization), "the system role cannot be claimed")
			return
		}

		a := actor.Actor{ID: actorID, Label: r.Header.Get(HeaderActorLabel), Role: role}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, a)))
	})
}

// actorFrom returns the actor stored by actorMiddleware.
func actorFrom(ctx context.Context) actor.Actor {
	a, _ := ctx.Value(actorKey{}).(actor.Actor) //nolint:errcheck // zero actor is rejected by the engine
	return a
}
