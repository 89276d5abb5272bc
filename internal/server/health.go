package server

import (
	"context"
	"net/http"
	"time"
)

// ComponentStatus represents the health of an individual component
type ComponentStatus string

const (
	ComponentStatusUp   ComponentStatus = "up"
	ComponentStatusDown ComponentStatus = "down"
)

// Readiness is the /ready response body.
type Readiness struct {
	Status     string                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Components map[string]ComponentHealth `json:"components"`
}

// ComponentHealth represents the health of a single dependency.
type ComponentHealth struct {
	Status    ComponentStatus `json:"status"`
	Message   string          `json:"message,omitempty"`
	LatencyMs int64           `json:"latency_ms"`
}

const readyTimeout = 2 * time.Second

// handleHealth handles GET /health. It never touches a backend.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady handles GET /ready, answering 503 when the object store or the
// ledger cannot be reached.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ready := s.checkReady(r.Context())

	status := http.StatusOK
	if ready.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, ready)
}

func (s *Server) checkReady(ctx context.Context) Readiness {
	ready := Readiness{
		Status:     "ok",
		Timestamp:  time.Now().UTC(),
		Components: make(map[string]ComponentHealth),
	}

	ready.Components["object_store"] = s.checkStore(ctx)
	if s.ledger != nil {
		ready.Components["ledger"] = s.checkLedger(ctx)
	}

	for _, c := range ready.Components {
		if c.Status != ComponentStatusUp {
			ready.Status = "unavailable"
		}
	}
	return ready
}

func (s *Server) checkStore(ctx context.Context) ComponentHealth {
	ctx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()

	start := time.Now()
	exists, err := s.store.BucketExists(ctx)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return ComponentHealth{Status: ComponentStatusDown, Message: err.Error(), LatencyMs: latency}
	}
	if !exists {
		return ComponentHealth{Status: ComponentStatusDown, Message: "bucket does not exist: " + s.store.Bucket(), LatencyMs: latency}
	}
	return ComponentHealth{Status: ComponentStatusUp, LatencyMs: latency}
}

func (s *Server) checkLedger(ctx context.Context) ComponentHealth {
	ctx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()

	start := time.Now()
	err := s.ledger.Ping(ctx)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return ComponentHealth{Status: ComponentStatusDown, Message: "ledger ping failed: " + err.Error(), LatencyMs: latency}
	}
	return ComponentHealth{Status: ComponentStatusUp, LatencyMs: latency}
}
