package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/folio/internal/noteservice"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
func NewRouter(svc *noteservice.Service, authEnabled bool, token string, sseHandler http.Handler) chi.Router {
	h := NewHandler(svc)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	r.Route("/notes", func(r chi.Router) {
		r.Get("/", h.ListNotes)
		r.Post("/", h.CreateNote)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetNote)
			r.Put("/", h.UpdateNote)
			r.Delete("/", h.DeleteNote)

			r.Get("/versions", h.History)
			r.Get("/versions/{version}", h.GetVersion)
			r.Post("/revert", h.Revert)

			r.Get("/relationships", h.Relationships)
			r.Post("/relationships", h.AddRelationship)
			r.Delete("/relationships/{type}/{to}", h.RemoveRelationship)

			r.Get("/pending", h.Pending)
			r.Post("/sessions", h.BeginSession)
			r.Post("/blobs", h.AttachBlob)
		})
	})

	r.Route("/sessions/{sid}", func(r chi.Router) {
		r.Get("/", h.GetSession)
		r.Delete("/", h.Discard)
		r.Post("/edits", h.RecordEdit)
		r.Post("/commit", h.Commit)
		r.Post("/rebase", h.Rebase)
	})

	r.Get("/search", h.Search)
	r.Get("/lookup", h.Lookup)

	r.Post("/blobs", h.UploadBlob)
	r.Get("/blobs/{ref}", h.GetBlob)

	r.Route("/admin", func(r chi.Router) {
		r.Post("/reconstruct", h.Reconstruct)
		r.Post("/rebuild", h.Rebuild)
		r.Get("/index", h.IndexStatus)
	})

	// SSE endpoint (protected by same auth middleware).
	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
