package server

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"s3-gateway/internal/ledger"
	"s3-gateway/internal/storage"
)

// objectItem is a listing entry in the store-only variant.
type objectItem struct {
	Key          string `json:"key"`
	FileURL      string `json:"fileUrl"`
	Size         int64  `json:"size"`
	LastModified string `json:"last_modified"`
}

// recordItem is a listing entry in the ledger-backed variant.
type recordItem struct {
	ID           int64   `json:"id"`
	Key          string  `json:"key"`
	OriginalName string  `json:"original_name"`
	ContentType  *string `json:"content_type,omitempty"`
	Size         *int64  `json:"size,omitempty"`
	PublicURL    string  `json:"public_url"`
	CreatedAt    string  `json:"created_at"`
}

type listResp[T any] struct {
	Count int `json:"count"`
	Files []T `json:"files"`
}

// handleListFiles handles GET /files?user_id=. The ledger answers when one is
// configured, otherwise the bucket is enumerated under the user's prefix.
func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		s.fail(w, r, "list files", badRequest("user_id required"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), transferTimeout)
	defer cancel()

	if s.ledger != nil {
		recs, err := s.ledger.ListByUser(ctx, userID)
		if err != nil {
			s.metrics.RecordLedgerError()
			s.fail(w, r, "list files", err)
			return
		}
		items := make([]recordItem, 0, len(recs))
		for _, rec := range recs {
			items = append(items, toRecordItem(rec))
		}
		s.metrics.RecordList()
		writeJSON(w, http.StatusOK, listResp[recordItem]{Count: len(items), Files: items})
		return
	}

	items := []objectItem{}
	for obj, err := range s.store.ListObjects(ctx, storage.UserPrefix(userID)) {
		if err != nil {
			s.fail(w, r, "list files", err)
			return
		}
		items = append(items, objectItem{
			Key:          obj.Key,
			FileURL:      s.urls.PublicURL(obj.Key),
			Size:         obj.Size,
			LastModified: obj.LastModified.UTC().Format(time.RFC3339),
		})
	}
	s.metrics.RecordList()
	writeJSON(w, http.StatusOK, listResp[objectItem]{Count: len(items), Files: items})
}

func toRecordItem(rec ledger.Record) recordItem {
	item := recordItem{
		ID:           rec.ID,
		Key:          rec.Key,
		OriginalName: rec.OriginalName,
		PublicURL:    rec.PublicURL,
		CreatedAt:    rec.CreatedAt.UTC().Format(time.RFC3339),
	}
	if rec.ContentType.Valid {
		ct := rec.ContentType.String
		item.ContentType = &ct
	}
	if rec.Size.Valid {
		size := rec.Size.Int64
		item.Size = &size
	}
	return item
}

type registerFileReq struct {
	UserID       string `json:"user_id"`
	Key          string `json:"key"`
	OriginalName string `json:"original_name"`
	FileURL      string `json:"fileUrl"`
	ContentType  string `json:"content_type"`
	Size         *int64 `json:"size"`
}

// handleRegisterFile handles POST /register-file, recording a file the client
// uploaded through a presigned URL. Only routed when a ledger is configured.
func (s *Server) handleRegisterFile(w http.ResponseWriter, r *http.Request) {
	var req registerFileReq
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, "register file", err)
		return
	}
	if req.UserID == "" || req.Key == "" || req.OriginalName == "" || req.FileURL == "" {
		s.fail(w, r, "register file", badRequest("user_id, key, original_name and fileUrl required"))
		return
	}

	rec := &ledger.Record{
		UserID:       req.UserID,
		Bucket:       s.store.Bucket(),
		Key:          req.Key,
		OriginalName: req.OriginalName,
		ContentType:  sql.NullString{String: req.ContentType, Valid: req.ContentType != ""},
		PublicURL:    req.FileURL,
	}
	if req.Size != nil {
		rec.Size = sql.NullInt64{Int64: *req.Size, Valid: true}
	}

	ctx, cancel := context.WithTimeout(r.Context(), transferTimeout)
	defer cancel()

	if _, err := s.ledger.Insert(ctx, rec); err != nil {
		s.metrics.RecordLedgerError()
		s.fail(w, r, "register file", err)
		return
	}

	s.metrics.RecordRegistration()
	writeJSON(w, http.StatusOK, messageResp{Message: "File registered"})
}
