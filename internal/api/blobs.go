package api

import (
	"bytes"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/starford/folio/internal/models"
)

const maxUploadBytes = 50 << 20 // 50 MB

// UploadBlob handles POST /blobs. A multipart/form-data body uploads its
// "file" field; any other body is stored as is.
func (h *Handler) UploadBlob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	var src io.Reader = r.Body
	if mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); mt == "multipart/form-data" {
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody("file too large or invalid multipart"))
			return
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody("missing 'file' field in multipart form"))
			return
		}
		defer file.Close()
		src = file
	}

	ref, size, err := h.svc.PutBlob(r.Context(), src)
	if err != nil {
		writeError(w, "put blob", err)
		return
	}
	writeJSON(w, http.StatusCreated, BlobUploadResponse{Ref: ref, Size: size, URL: "/blobs/" + string(ref)})
}

// GetBlob handles GET /blobs/{ref}.
func (h *Handler) GetBlob(w http.ResponseWriter, r *http.Request) {
	ref, err := models.ParseBlobRef(chi.URLParam(r, "ref"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	data, err := h.svc.GetBlob(r.Context(), ref)
	if err != nil {
		writeError(w, "get blob", err, "ref", string(ref))
		return
	}
	w.Header().Set("ETag", `"`+ref.Digest()+`"`)
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(data))
}

// AttachBlob handles POST /notes/{id}/blobs.
func (h *Handler) AttachBlob(w http.ResponseWriter, r *http.Request) {
	id, ok := noteID(w, r)
	if !ok {
		return
	}
	var req AttachRequest
	if !decodeJSON(w, r, &req) || !validate(w, req) {
		return
	}
	v, err := h.svc.AttachBlob(r.Context(), id, req.Name, models.BlobRef(req.Ref))
	if err != nil {
		writeError(w, "attach blob", err, "id", id)
		return
	}
	writeJSON(w, http.StatusOK, VersionResponse{ID: id, Version: v})
}
