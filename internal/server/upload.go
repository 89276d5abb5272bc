package server

import (
	"context"
	"database/sql"
	"mime"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"s3-gateway/internal/ledger"
	"s3-gateway/internal/storage"
)

// multipartMemory is how much of a multipart body is held in memory before
// file parts spill to temporary files.
const multipartMemory = 32 << 20

// compensateTimeout bounds the cleanup delete issued when the ledger insert
// fails after the object was stored.
const compensateTimeout = 30 * time.Second

// uploadResp is returned after a successful upload.
type uploadResp struct {
	Key     string `json:"key"`
	FileURL string `json:"fileUrl"`
}

// handleUpload handles POST /upload with multipart fields user_id and file.
// The file is stored under a fresh per-user key. With a ledger configured the
// upload is also recorded; if that fails the stored object is deleted again.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if s.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	}

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		if isTooLarge(err) {
			s.metrics.RecordUploadError()
			s.fail(w, r, "upload", err)
			return
		}
		s.fail(w, r, "upload", badRequest("user_id and file required"))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	userID := r.FormValue("user_id")
	file, header, err := r.FormFile("file")
	var filename string
	if err == nil {
		filename = rawFilename(header)
	}
	if err != nil || userID == "" || filename == "" {
		if err == nil {
			_ = file.Close()
		}
		s.fail(w, r, "upload", badRequest("user_id and file required"))
		return
	}
	defer func() { _ = file.Close() }()

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	key := storage.BuildKey(userID, filename)
	fileURL := s.urls.PublicURL(key)

	ctx, cancel := context.WithTimeout(r.Context(), transferTimeout)
	defer cancel()

	size, err := s.store.PutObject(ctx, key, file, header.Size, contentType)
	if err != nil {
		s.metrics.RecordUploadError()
		s.fail(w, r, "upload", err)
		return
	}

	if s.ledger != nil {
		rec := &ledger.Record{
			UserID:       userID,
			Bucket:       s.store.Bucket(),
			Key:          key,
			OriginalName: filename,
			ContentType:  sql.NullString{String: contentType, Valid: true},
			Size:         sql.NullInt64{Int64: size, Valid: true},
			PublicURL:    fileURL,
		}
		if _, err := s.ledger.Insert(ctx, rec); err != nil {
			s.metrics.RecordLedgerError()
			s.metrics.RecordUploadError()
			s.compensate(r, key)
			s.fail(w, r, "upload", err)
			return
		}
	}

	s.metrics.RecordUpload(size, time.Since(start))
	s.log.Info("upload stored",
		"rid", middleware.GetReqID(r.Context()),
		"key", key,
		"size", size,
	)

	writeJSON(w, http.StatusCreated, uploadResp{Key: key, FileURL: fileURL})
}

// rawFilename returns the filename exactly as the client sent it.
// FileHeader.Filename keeps only the base name, which would make upload keys
// differ from presigned ones for names containing a slash.
func rawFilename(header *multipart.FileHeader) string {
	_, params, err := mime.ParseMediaType(header.Header.Get("Content-Disposition"))
	if err == nil && params["filename"] != "" {
		return params["filename"]
	}
	return header.Filename
}

// compensate removes an object whose ledger record could not be written. It
// runs detached from the request so a disconnect does not leave the orphan.
func (s *Server) compensate(r *http.Request, key string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), compensateTimeout)
	defer cancel()

	rid := middleware.GetReqID(r.Context())
	if err := s.store.DeleteObject(ctx, key); err != nil {
		s.metrics.RecordCompensation(false)
		s.log.Error("compensating delete failed, object orphaned", "rid", rid, "key", key, "err", err)
		return
	}
	s.metrics.RecordCompensation(true)
	s.log.Warn("removed object after ledger insert failed", "rid", rid, "key", key)
}
