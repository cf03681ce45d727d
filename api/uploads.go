package api

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/fitmirror/fitmirror/store"
)

// allowedImageTypes limits uploads to formats the generator accepts.
var allowedImageTypes = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
}

// handleUpload handles POST /api/uploads
// Accepts a multipart image upload, saves it to disk, and returns a public
// URL the client can pass as modelImageUrl or garmentImageUrl.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes+1024) // small overhead for multipart headers

	if err := r.ParseMultipartForm(s.maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "file too large or invalid multipart form")
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing image field")
		return
	}
	defer func() { _ = file.Close() }()

	if header.Size > s.maxUploadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("image exceeds maximum size of %d bytes", s.maxUploadBytes))
		return
	}

	// Sniff the content type rather than trusting the multipart header.
	head := make([]byte, 512)
	n, err := io.ReadFull(file, head)
	if err != nil && err != io.ErrUnexpectedEOF {
		writeError(w, http.StatusBadRequest, "failed to read image")
		return
	}
	mimeType := http.DetectContentType(head[:n])
	ext, ok := allowedImageTypes[mimeType]
	if !ok {
		writeError(w, http.StatusBadRequest, "image must be JPEG, PNG, or WebP")
		return
	}

	uploadID := uuid.New().String()
	dir := filepath.Join(s.uploadPath, identity.UserID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.logger.Warn("failed to create upload directory", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save image")
		return
	}

	path := filepath.Join(dir, uploadID+ext)
	dst, err := os.Create(path)
	if err != nil {
		s.logger.Warn("failed to create upload file", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save image")
		return
	}
	size, err := io.Copy(dst, io.MultiReader(bytes.NewReader(head[:n]), file))
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		s.logger.Warn("failed to write upload file", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save image")
		return
	}

	up := &store.Upload{
		ID:        uploadID,
		UserID:    identity.UserID,
		Name:      filepath.Base(header.Filename),
		Path:      path,
		MimeType:  mimeType,
		Size:      size,
		CreatedAt: time.Now(),
	}
	if err := s.store.SaveUpload(r.Context(), up); err != nil {
		_ = os.Remove(path)
		s.logger.Warn("failed to persist upload", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save image")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":  uploadID,
		"url": s.uploadURL(uploadID),
	})
}

// handleServeUpload handles GET /api/uploads/{uploadID}
// Serves an uploaded image. The route is public so the upstream generator
// can fetch image URLs without credentials.
func (s *Server) handleServeUpload(w http.ResponseWriter, r *http.Request) {
	uploadID := chi.URLParam(r, "uploadID")

	up, err := s.store.GetUpload(r.Context(), uploadID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if up == nil {
		writeError(w, http.StatusNotFound, "upload not found")
		return
	}

	// Reject symlinks to prevent path traversal.
	fi, err := os.Lstat(up.Path)
	if err != nil {
		writeError(w, http.StatusNotFound, "upload not found")
		return
	}
	if fi.Mode()&os.ModeSymlink != 0 {
		writeError(w, http.StatusForbidden, "access denied")
		return
	}

	mimeType := up.MimeType
	if mimeType == "" {
		mimeType = mime.TypeByExtension(filepath.Ext(up.Path))
	}
	w.Header().Set("Content-Type", mimeType)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Content-Security-Policy", "default-src 'none'")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	http.ServeFile(w, r, up.Path)
}

func (s *Server) uploadURL(uploadID string) string {
	base := s.publicBaseURL
	if base == "" {
		base = "http://localhost:8080"
	}
	return base + "/api/uploads/" + uploadID
}
