package server

import (
	"context"
	"net/http"

	"s3-gateway/internal/storage"
)

type presignUploadReq struct {
	UserID      string `json:"user_id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
}

type presignUploadResp struct {
	UploadURL string `json:"uploadUrl"`
	Key       string `json:"key"`
	FileURL   string `json:"fileUrl"`
}

// handlePresignUpload handles POST /presign-upload. It reserves a key and
// returns a URL the client can PUT the file to directly. No ledger record is
// written; the client registers the file afterwards if it wants one.
func (s *Server) handlePresignUpload(w http.ResponseWriter, r *http.Request) {
	var req presignUploadReq
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, "presign upload", err)
		return
	}
	if req.UserID == "" || req.Filename == "" {
		s.fail(w, r, "presign upload", badRequest("user_id and filename required"))
		return
	}
	if req.ContentType == "" {
		req.ContentType = "application/octet-stream"
	}

	key := storage.BuildKey(req.UserID, req.Filename)

	ctx, cancel := context.WithTimeout(r.Context(), transferTimeout)
	defer cancel()

	uploadURL, err := s.store.PresignedPutURL(ctx, key, req.ContentType, s.putTTL)
	if err != nil {
		s.fail(w, r, "presign upload", err)
		return
	}

	s.metrics.RecordPresign()
	writeJSON(w, http.StatusOK, presignUploadResp{
		UploadURL: uploadURL,
		Key:       key,
		FileURL:   s.urls.PublicURL(key),
	})
}

type downloadReq struct {
	Key string `json:"key"`
}

type downloadResp struct {
	DownloadURL string `json:"downloadUrl"`
}

// handleDownload handles POST /download and returns a short-lived presigned
// GET URL for the key.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	var req downloadReq
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, "download", err)
		return
	}
	if req.Key == "" {
		s.fail(w, r, "download", badRequest("key required"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), transferTimeout)
	defer cancel()

	url, err := s.store.PresignedGetURL(ctx, req.Key, s.getTTL)
	if err != nil {
		s.fail(w, r, "download", err)
		return
	}

	s.metrics.RecordDownload()
	writeJSON(w, http.StatusOK, downloadResp{DownloadURL: url})
}
