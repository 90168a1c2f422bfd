package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// decodeJSONBody decodes a request body into v, tolerating an empty body.
func decodeJSONBody(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

// ListDir lists a directory inside the session container.
func (h *Handler) ListDir(w http.ResponseWriter, r *http.Request) {
	session, ok := h.ownedSession(w, r)
	if !ok {
		return
	}

	entries, err := h.facade.ListDir(r.Context(), session.SessionID, r.URL.Query().Get("path"))
	if err != nil {
		h.facadeError(w, err, session.SessionID)
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"entries": entries,
	})
}

// ReadFile returns a file's full content.
func (h *Handler) ReadFile(w http.ResponseWriter, r *http.Request) {
	session, ok := h.ownedSession(w, r)
	if !ok {
		return
	}

	path := r.URL.Query().Get("path")
	if path == "" {
		Error(w, http.StatusBadRequest, CodeSessionIDMissing)
		return
	}

	content, err := h.facade.ReadFile(r.Context(), session.SessionID, path)
	if err != nil {
		h.facadeError(w, err, session.SessionID)
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"path":    path,
		"content": content,
	})
}

type writeFileRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// WriteFile writes a file, creating parent directories as needed.
func (h *Handler) WriteFile(w http.ResponseWriter, r *http.Request) {
	session, ok := h.ownedSession(w, r)
	if !ok {
		return
	}

	var req writeFileRequest
	if err := decodeJSONBody(r, &req); err != nil || req.Path == "" {
		Error(w, http.StatusBadRequest, CodeSessionIDMissing)
		return
	}

	if err := h.facade.WriteFile(r.Context(), session.SessionID, req.Path, req.Content); err != nil {
		h.facadeError(w, err, session.SessionID)
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"ok":   true,
		"path": req.Path,
	})
}

// FileMetadata returns the metadata recorded for files touched through the
// read/write endpoints.
func (h *Handler) FileMetadata(w http.ResponseWriter, r *http.Request) {
	session, ok := h.ownedSession(w, r)
	if !ok {
		return
	}

	metas, err := h.repo.ListFileMetadata(r.Context(), session.SessionID)
	if err != nil {
		h.facadeError(w, err, session.SessionID)
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"ok":    true,
		"files": metas,
	})
}

// FileTree returns a bounded recursive tree of the session workspace.
func (h *Handler) FileTree(w http.ResponseWriter, r *http.Request) {
	session, ok := h.ownedSession(w, r)
	if !ok {
		return
	}

	tree, err := h.facade.FileTree(r.Context(), session.SessionID, r.URL.Query().Get("path"))
	if err != nil {
		h.facadeError(w, err, session.SessionID)
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"ok":   true,
		"tree": tree,
	})
}
