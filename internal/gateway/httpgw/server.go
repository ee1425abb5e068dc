// Package httpgw is the HTTP face of the store: anonymous, rooted at the
// namespace root, speaking plain streaming requests. Paths appear directly
// in the URL, so the whole tree is scriptable with curl.
package httpgw

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"bnuystore/internal/catalog"
	"bnuystore/internal/namespace"
	"bnuystore/internal/placement"
	"bnuystore/internal/storageclient"
)

// Handler holds shared dependencies for all HTTP handlers.
type Handler struct {
	svc     *namespace.Service
	logger  *slog.Logger
	version string
}

// New registers all routes and returns the root http.Handler.
// Uses Go 1.22 method+path pattern syntax, so no external router is needed.
func New(svc *namespace.Service, logger *slog.Logger, version string) http.Handler {
	h := &Handler{svc: svc, logger: logger, version: version}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /version", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"version": h.version})
	})

	mux.HandleFunc("GET /file/{path...}", h.download)
	mux.HandleFunc("POST /file/{path...}", h.upload)
	mux.HandleFunc("DELETE /file/{path...}", h.deleteFile)

	mux.HandleFunc("GET /dir/{path...}", h.list)
	mux.HandleFunc("POST /dir/{path...}", h.mkdir)
	mux.HandleFunc("DELETE /dir/{path...}", h.rmdir)

	mux.HandleFunc("POST /move/{path...}", h.move)

	return requestLog(logger)(mux)
}

func segments(r *http.Request) []string {
	return namespace.SplitPath(r.PathValue("path"))
}

func (h *Handler) download(w http.ResponseWriter, r *http.Request) {
	blob, size, err := h.svc.Download(r.Context(), catalog.RootDirectoryID, segments(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	defer blob.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	if size >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	if _, err := io.Copy(w, blob); err != nil {
		h.logger.Warn("download stream aborted", "path", r.URL.Path, "error", err)
	}
}

func (h *Handler) upload(w http.ResponseWriter, r *http.Request) {
	// ContentLength is -1 for chunked requests; the blob protocol streams
	// to EOF in that case.
	err := h.svc.Upload(r.Context(), catalog.RootDirectoryID, segments(r), r.Body, r.ContentLength, false)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "ok"})
}

func (h *Handler) deleteFile(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteFile(r.Context(), catalog.RootDirectoryID, segments(r)); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	dirs, files, err := h.svc.List(r.Context(), catalog.RootDirectoryID, segments(r))
	if err != nil {
		h.writeError(w, err)
		return
	}

	out := struct {
		Directories []string `json:"directories"`
		Files       []string `json:"files"`
	}{Directories: []string{}, Files: []string{}}
	for _, d := range dirs {
		out.Directories = append(out.Directories, d.Name)
	}
	for _, f := range files {
		out.Files = append(out.Files, string(f.Name))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) mkdir(w http.ResponseWriter, r *http.Request) {
	if _, err := h.svc.MkDir(r.Context(), catalog.RootDirectoryID, segments(r)); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "ok"})
}

func (h *Handler) rmdir(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.RmDir(r.Context(), catalog.RootDirectoryID, segments(r)); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) move(w http.ResponseWriter, r *http.Request) {
	var body struct {
		To string `json:"to"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.To == "" {
		writeError(w, http.StatusBadRequest, "request body must be JSON with a 'to' path")
		return
	}
	err := h.svc.Move(r.Context(), catalog.RootDirectoryID, segments(r), namespace.SplitPath(body.To))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, catalog.ErrNameConflict):
		writeError(w, http.StatusConflict, "name already taken")
	case errors.Is(err, catalog.ErrNotEmpty):
		writeError(w, http.StatusConflict, "directory not empty")
	case errors.Is(err, catalog.ErrRootDirectory):
		writeError(w, http.StatusConflict, "the root directory cannot be removed")
	case errors.Is(err, namespace.ErrSourceUnavailable),
		errors.Is(err, placement.ErrNoNodesAvailable),
		storageclient.IsUnreachable(err):
		writeError(w, http.StatusServiceUnavailable, "storage node unavailable")
	case storageclient.IsRejected(err):
		writeError(w, http.StatusBadGateway, "storage node rejected the operation")
	default:
		h.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
