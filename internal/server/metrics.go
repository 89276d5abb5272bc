package server

import (
	"sync"
	"time"
)

// Metrics holds in-process counters for the gateway. It is safe for
// concurrent use.
type Metrics struct {
	mu      sync.RWMutex
	started time.Time

	// Upload metrics
	uploadsTotal        int64
	uploadBytesTotal    int64
	uploadErrorsTotal   int64
	uploadDurationTotal time.Duration

	// Presign and transfer metrics
	presignsTotal      int64
	downloadsTotal     int64
	deletesTotal       int64
	listsTotal         int64
	registrationsTotal int64

	// Consistency metrics
	ledgerErrorsTotal       int64
	compensationsTotal      int64
	compensationFailures    int64
	reconcileRunsTotal      int64
	reconcileStaleRemoved   int64
	reconcileOrphansFound   int64
	reconcileOrphansDeleted int64

	// System metrics
	requestsTotal    int64
	requestErrors5xx int64
	requestErrors4xx int64
}

func NewMetrics() *Metrics {
	return &Metrics{started: time.Now()}
}

// RecordUpload records a successful upload
func (m *Metrics) RecordUpload(bytes int64, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploadsTotal++
	m.uploadBytesTotal += bytes
	m.uploadDurationTotal += duration
}

// RecordUploadError records an upload error
func (m *Metrics) RecordUploadError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploadErrorsTotal++
}

func (m *Metrics) RecordPresign() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.presignsTotal++
}

func (m *Metrics) RecordDownload() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.downloadsTotal++
}

func (m *Metrics) RecordDelete() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletesTotal++
}

func (m *Metrics) RecordList() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listsTotal++
}

func (m *Metrics) RecordRegistration() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registrationsTotal++
}

// RecordLedgerError records a failed ledger statement other than not-found.
func (m *Metrics) RecordLedgerError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ledgerErrorsTotal++
}

// RecordCompensation records a cleanup delete after a failed ledger insert.
func (m *Metrics) RecordCompensation(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.compensationsTotal++
	if !ok {
		m.compensationFailures++
	}
}

// RecordReconcile records the outcome of one reconciler pass.
func (m *Metrics) RecordReconcile(staleRemoved, orphansFound, orphansDeleted int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconcileRunsTotal++
	m.reconcileStaleRemoved += int64(staleRemoved)
	m.reconcileOrphansFound += int64(orphansFound)
	m.reconcileOrphansDeleted += int64(orphansDeleted)
}

// RecordRequest records an HTTP request
func (m *Metrics) RecordRequest(statusCode int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestsTotal++

	if statusCode >= 500 {
		m.requestErrors5xx++
	} else if statusCode >= 400 {
		m.requestErrors4xx++
	}
}

// Snapshot returns a snapshot of current metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return MetricsSnapshot{
		UploadsTotal:            m.uploadsTotal,
		UploadBytesTotal:        m.uploadBytesTotal,
		UploadErrorsTotal:       m.uploadErrorsTotal,
		UploadAvgDurationMs:     avgDuration(m.uploadDurationTotal, m.uploadsTotal),
		PresignsTotal:           m.presignsTotal,
		DownloadsTotal:          m.downloadsTotal,
		DeletesTotal:            m.deletesTotal,
		ListsTotal:              m.listsTotal,
		RegistrationsTotal:      m.registrationsTotal,
		LedgerErrorsTotal:       m.ledgerErrorsTotal,
		CompensationsTotal:      m.compensationsTotal,
		CompensationFailures:    m.compensationFailures,
		ReconcileRunsTotal:      m.reconcileRunsTotal,
		ReconcileStaleRemoved:   m.reconcileStaleRemoved,
		ReconcileOrphansFound:   m.reconcileOrphansFound,
		ReconcileOrphansDeleted: m.reconcileOrphansDeleted,
		RequestsTotal:           m.requestsTotal,
		RequestErrors5xx:        m.requestErrors5xx,
		RequestErrors4xx:        m.requestErrors4xx,
		UptimeSeconds:           time.Since(m.started).Seconds(),
	}
}

// MetricsSnapshot represents a point-in-time snapshot of metrics
type MetricsSnapshot struct {
	UploadsTotal        int64   `json:"uploads_total"`
	UploadBytesTotal    int64   `json:"upload_bytes_total"`
	UploadErrorsTotal   int64   `json:"upload_errors_total"`
	UploadAvgDurationMs float64 `json:"upload_avg_duration_ms"`

	PresignsTotal      int64 `json:"presigns_total"`
	DownloadsTotal     int64 `json:"downloads_total"`
	DeletesTotal       int64 `json:"deletes_total"`
	ListsTotal         int64 `json:"lists_total"`
	RegistrationsTotal int64 `json:"registrations_total"`

	LedgerErrorsTotal       int64 `json:"ledger_errors_total"`
	CompensationsTotal      int64 `json:"compensations_total"`
	CompensationFailures    int64 `json:"compensation_failures_total"`
	ReconcileRunsTotal      int64 `json:"reconcile_runs_total"`
	ReconcileStaleRemoved   int64 `json:"reconcile_stale_removed_total"`
	ReconcileOrphansFound   int64 `json:"reconcile_orphans_found_total"`
	ReconcileOrphansDeleted int64 `json:"reconcile_orphans_deleted_total"`

	RequestsTotal    int64   `json:"requests_total"`
	RequestErrors5xx int64   `json:"request_errors_5xx"`
	RequestErrors4xx int64   `json:"request_errors_4xx"`
	UptimeSeconds    float64 `json:"uptime_seconds"`
}

func avgDuration(total time.Duration, count int64) float64 {
	if count == 0 {
		return 0
	}
	return float64(total.Milliseconds()) / float64(count)
}
