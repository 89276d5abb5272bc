package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"s3-gateway/internal/ledger"
)

type deleteReq struct {
	Key    string `json:"key"`
	UserID string `json:"user_id"`
}

// handleDelete handles POST /delete. With a ledger configured the key must be
// recorded for user_id, otherwise the request is answered with 404 and the
// store is left untouched. The object is deleted before its record.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req deleteReq
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, "delete", err)
		return
	}
	if req.Key == "" {
		s.fail(w, r, "delete", badRequest("key required"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), transferTimeout)
	defer cancel()

	var rec ledger.Record
	if s.ledger != nil {
		var err error
		rec, err = s.ledger.FindByUserAndKey(ctx, req.UserID, req.Key)
		if err != nil {
			if !errors.Is(err, ledger.ErrNotFound) {
				s.metrics.RecordLedgerError()
			}
			s.fail(w, r, "delete", err)
			return
		}
	}

	if err := s.store.DeleteObject(ctx, req.Key); err != nil {
		s.fail(w, r, "delete", err)
		return
	}

	if s.ledger != nil {
		// A row removed concurrently is already the desired end state.
		if err := s.ledger.DeleteByID(ctx, rec.ID); err != nil && !errors.Is(err, ledger.ErrNotFound) {
			s.metrics.RecordLedgerError()
			s.log.Error("ledger row left stale after object delete",
				"rid", middleware.GetReqID(r.Context()),
				"key", req.Key,
				"id", rec.ID,
			)
			s.fail(w, r, "delete", err)
			return
		}
	}

	s.metrics.RecordDelete()
	writeJSON(w, http.StatusOK, messageResp{Message: "Deleted"})
}
