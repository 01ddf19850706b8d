package api

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/starford/folio/internal/editbuf"
	"github.com/starford/folio/internal/models"
	"github.com/starford/folio/internal/noteservice"
)

// Handler holds API route handlers.
type Handler struct {
	svc *noteservice.Service
}

// NewHandler creates a new Handler.
func NewHandler(svc *noteservice.Service) *Handler {
	return &Handler{svc: svc}
}

func noteID(w http.ResponseWriter, r *http.Request) (models.NoteID, bool) {
	id, err := models.ParseNoteID(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return "", false
	}
	return id, true
}

func sessionID(w http.ResponseWriter, r *http.Request) (editbuf.SessionID, bool) {
	sid, err := editbuf.ParseSessionID(chi.URLParam(r, "sid"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return "", false
	}
	return sid, true
}

func validate(w http.ResponseWriter, v interface{ Validate() error }) bool {
	if err := v.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return false
	}
	return true
}

func setETag(w http.ResponseWriter, v models.VersionID) {
	w.Header().Set("ETag", strconv.Quote(v.String()))
}

// ListNotes handles GET /notes.
func (h *Handler) ListNotes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	items, total, err := h.svc.ListNotes(r.Context(), limit, offset, q.Get("tag"))
	if err != nil {
		writeError(w, "list notes", err)
		return
	}
	writeJSON(w, http.StatusOK, NoteListResponse{Notes: items, Total: total})
}

// GetNote handles GET /notes/{id}.
func (h *Handler) GetNote(w http.ResponseWriter, r *http.Request) {
	id, ok := noteID(w, r)
	if !ok {
		return
	}
	note, err := h.svc.GetNote(r.Context(), id)
	if err != nil {
		writeError(w, "get note", err, "id", id)
		return
	}
	setETag(w, note.Version)
	writeJSON(w, http.StatusOK, note)
}

// CreateNote handles POST /notes. A text/markdown body is imported; anything
// else is decoded as a NoteRequest.
func (h *Handler) CreateNote(w http.ResponseWriter, r *http.Request) {
	var (
		note *NoteDetail
		err  error
	)
	if mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); mt == "text/markdown" {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		data, rerr := io.ReadAll(r.Body)
		if rerr != nil {
			writeJSON(w, http.StatusBadRequest, errorBody("failed to read body"))
			return
		}
		note, err = h.svc.ImportMarkdown(r.Context(), data)
	} else {
		var req NoteRequest
		if !decodeJSON(w, r, &req) || !validate(w, req) {
			return
		}
		note, err = h.svc.CreateNote(r.Context(), req.draft())
	}
	if err != nil {
		writeError(w, "create note", err)
		return
	}
	setETag(w, note.Version)
	writeJSON(w, http.StatusCreated, note)
}

// UpdateNote handles PUT /notes/{id}. If-Match carries the expected head
// version.
func (h *Handler) UpdateNote(w http.ResponseWriter, r *http.Request) {
	id, ok := noteID(w, r)
	if !ok {
		return
	}
	var ifMatch models.VersionID
	if raw := strings.Trim(r.Header.Get("If-Match"), `"`); raw != "" {
		v, err := models.ParseVersionID(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody("If-Match must be a version number"))
			return
		}
		ifMatch = v
	}
	var req NoteRequest
	if !decodeJSON(w, r, &req) || !validate(w, req) {
		return
	}
	note, err := h.svc.UpdateNote(r.Context(), id, req.draft(), ifMatch)
	if err != nil {
		writeError(w, "update note", err, "id", id)
		return
	}
	setETag(w, note.Version)
	writeJSON(w, http.StatusOK, note)
}

// DeleteNote handles DELETE /notes/{id}. The note is soft-deleted; its
// history stays readable.
func (h *Handler) DeleteNote(w http.ResponseWriter, r *http.Request) {
	id, ok := noteID(w, r)
	if !ok {
		return
	}
	v, err := h.svc.DeleteNote(r.Context(), id)
	if err != nil {
		writeError(w, "delete note", err, "id", id)
		return
	}
	writeJSON(w, http.StatusOK, VersionResponse{ID: id, Version: v})
}

// History handles GET /notes/{id}/versions.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	id, ok := noteID(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	hist, err := h.svc.History(r.Context(), id, limit)
	if err != nil {
		writeError(w, "history", err, "id", id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": hist})
}

// GetVersion handles GET /notes/{id}/versions/{version}.
func (h *Handler) GetVersion(w http.ResponseWriter, r *http.Request) {
	id, ok := noteID(w, r)
	if !ok {
		return
	}
	vid, err := models.ParseVersionID(chi.URLParam(r, "version"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	note, err := h.svc.GetVersion(r.Context(), id, vid)
	if err != nil {
		writeError(w, "get version", err, "id", id)
		return
	}
	writeJSON(w, http.StatusOK, note)
}

// Revert handles POST /notes/{id}/revert.
func (h *Handler) Revert(w http.ResponseWriter, r *http.Request) {
	id, ok := noteID(w, r)
	if !ok {
		return
	}
	var req RevertRequest
	if !decodeJSON(w, r, &req) || !validate(w, req) {
		return
	}
	note, err := h.svc.Revert(r.Context(), id, req.Version)
	if err != nil {
		writeError(w, "revert", err, "id", id)
		return
	}
	setETag(w, note.Version)
	writeJSON(w, http.StatusOK, note)
}

// Relationships handles GET /notes/{id}/relationships?type=.
func (h *Handler) Relationships(w http.ResponseWriter, r *http.Request) {
	id, ok := noteID(w, r)
	if !ok {
		return
	}
	relType := r.URL.Query().Get("type")
	ctx := r.Context()
	note, err := h.svc.GetNote(ctx, id)
	if err != nil {
		writeError(w, "relationships", err, "id", id)
		return
	}
	neighbors, err := h.svc.Neighbors(ctx, id, relType)
	if err != nil {
		writeError(w, "neighbors", err, "id", id)
		return
	}
	incoming, err := h.svc.Referrers(ctx, id, relType)
	if err != nil {
		writeError(w, "referrers", err, "id", id)
		return
	}
	outgoing := []models.Relationship{}
	for _, rel := range note.Relationships {
		if relType == "" || rel.Type == relType {
			outgoing = append(outgoing, rel)
		}
	}
	writeJSON(w, http.StatusOK, RelationshipsResponse{Outgoing: outgoing, Neighbors: neighbors, Incoming: incoming})
}

// AddRelationship handles POST /notes/{id}/relationships.
func (h *Handler) AddRelationship(w http.ResponseWriter, r *http.Request) {
	id, ok := noteID(w, r)
	if !ok {
		return
	}
	var req RelationshipRequest
	if !decodeJSON(w, r, &req) || !validate(w, req) {
		return
	}
	v, err := h.svc.AddRelationship(r.Context(), id, models.NoteID(req.To), req.Type)
	if err != nil {
		writeError(w, "add relationship", err, "id", id)
		return
	}
	writeJSON(w, http.StatusOK, VersionResponse{ID: id, Version: v})
}

// RemoveRelationship handles DELETE /notes/{id}/relationships/{type}/{to}.
func (h *Handler) RemoveRelationship(w http.ResponseWriter, r *http.Request) {
	id, ok := noteID(w, r)
	if !ok {
		return
	}
	req := RelationshipRequest{To: chi.URLParam(r, "to"), Type: chi.URLParam(r, "type")}
	if !validate(w, req) {
		return
	}
	v, err := h.svc.RemoveRelationship(r.Context(), id, models.NoteID(req.To), req.Type)
	if err != nil {
		writeError(w, "remove relationship", err, "id", id)
		return
	}
	writeJSON(w, http.StatusOK, VersionResponse{ID: id, Version: v})
}

// Pending handles GET /notes/{id}/pending.
func (h *Handler) Pending(w http.ResponseWriter, r *http.Request) {
	id, ok := noteID(w, r)
	if !ok {
		return
	}
	snap, found, err := h.svc.PeekPending(r.Context(), id)
	if err != nil {
		writeError(w, "peek pending", err, "id", id)
		return
	}
	if !found {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// BeginSession handles POST /notes/{id}/sessions.
func (h *Handler) BeginSession(w http.ResponseWriter, r *http.Request) {
	id, ok := noteID(w, r)
	if !ok {
		return
	}
	snap, err := h.svc.BeginSession(r.Context(), id)
	if err != nil {
		writeError(w, "begin session", err, "id", id)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

// GetSession handles GET /sessions/{sid}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sid, ok := sessionID(w, r)
	if !ok {
		return
	}
	snap, err := h.svc.Session(sid)
	if err != nil {
		writeError(w, "get session", err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// RecordEdit handles POST /sessions/{sid}/edits.
func (h *Handler) RecordEdit(w http.ResponseWriter, r *http.Request) {
	sid, ok := sessionID(w, r)
	if !ok {
		return
	}
	var d editbuf.Delta
	if !decodeJSON(w, r, &d) || !validate(w, d) {
		return
	}
	snap, err := h.svc.RecordEdit(r.Context(), sid, d)
	if err != nil {
		writeError(w, "record edit", err, "session", string(sid))
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// Commit handles POST /sessions/{sid}/commit.
func (h *Handler) Commit(w http.ResponseWriter, r *http.Request) {
	sid, ok := sessionID(w, r)
	if !ok {
		return
	}
	snap, err := h.svc.Session(sid)
	if err != nil {
		writeError(w, "commit", err)
		return
	}
	v, err := h.svc.Commit(r.Context(), sid)
	if err != nil {
		writeError(w, "commit", err, "session", string(sid))
		return
	}
	writeJSON(w, http.StatusOK, VersionResponse{ID: snap.NoteID, Version: v})
}

// Rebase handles POST /sessions/{sid}/rebase.
func (h *Handler) Rebase(w http.ResponseWriter, r *http.Request) {
	sid, ok := sessionID(w, r)
	if !ok {
		return
	}
	snap, err := h.svc.Rebase(r.Context(), sid)
	if err != nil {
		writeError(w, "rebase", err, "session", string(sid))
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// Discard handles DELETE /sessions/{sid}.
func (h *Handler) Discard(w http.ResponseWriter, r *http.Request) {
	sid, ok := sessionID(w, r)
	if !ok {
		return
	}
	if err := h.svc.Discard(r.Context(), sid); err != nil {
		writeError(w, "discard", err, "session", string(sid))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Search handles GET /search.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("query parameter 'q' is required"))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	results, err := h.svc.Search(r.Context(), q, limit)
	if err != nil {
		writeError(w, "search", err, "query", q)
		return
	}
	writeJSON(w, http.StatusOK, SearchResponse{Results: results})
}

// Lookup handles GET /lookup?key=&value=.
func (h *Handler) Lookup(w http.ResponseWriter, r *http.Request) {
	key, value := r.URL.Query().Get("key"), r.URL.Query().Get("value")
	if key == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("query parameter 'key' is required"))
		return
	}
	ids, err := h.svc.Lookup(r.Context(), key, value)
	if err != nil {
		writeError(w, "lookup", err, "key", key)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ids": ids})
}

// Reconstruct handles POST /admin/reconstruct.
func (h *Handler) Reconstruct(w http.ResponseWriter, r *http.Request) {
	rep, err := h.svc.Reconstruct(r.Context())
	if err != nil {
		writeError(w, "reconstruct", err)
		return
	}
	skipped := make([]string, len(rep.Skipped))
	for i, s := range rep.Skipped {
		skipped[i] = fmt.Sprintf("%s: %v", s.Path, s.Err)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"notes":    len(rep.Heads),
		"versions": rep.Versions,
		"skipped":  skipped,
		"orphans":  len(rep.Orphans),
		"gaps":     len(rep.Gaps),
	})
}

// Rebuild handles POST /admin/rebuild.
func (h *Handler) Rebuild(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.Rebuild(r.Context())
	if err != nil {
		writeError(w, "rebuild", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"notes": n})
}

// IndexStatus handles GET /admin/index.
func (h *Handler) IndexStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.IndexStatus(r.Context())
	if err != nil {
		writeError(w, "index status", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
