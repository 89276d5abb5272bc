// prometheus.go - Prometheus text-format exporter for the gateway counters.
package server

import (
	"fmt"
	"io"
	"net/http"
	"strings"
)

const metricPrefix = "s3gw_"

// handleMetrics handles GET /metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	var out strings.Builder
	writePrometheus(&out, s.metrics.Snapshot(), s.ledger != nil)

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, out.String())
}

func writePrometheus(w io.Writer, snap MetricsSnapshot, ledgerEnabled bool) {
	variant := "store"
	if ledgerEnabled {
		variant = "ledger"
	}
	fmt.Fprintf(w, "# HELP %sinfo Gateway build and variant info\n", metricPrefix)
	fmt.Fprintf(w, "# TYPE %sinfo gauge\n", metricPrefix)
	fmt.Fprintf(w, "%sinfo{variant=\"%s\"} 1\n\n", metricPrefix, prometheusLabel(variant))

	counter(w, "requests_total", "Total number of HTTP requests", snap.RequestsTotal)
	fmt.Fprintf(w, "# HELP %srequest_errors_total HTTP requests answered with an error status\n", metricPrefix)
	fmt.Fprintf(w, "# TYPE %srequest_errors_total counter\n", metricPrefix)
	fmt.Fprintf(w, "%srequest_errors_total{class=\"4xx\"} %d\n", metricPrefix, snap.RequestErrors4xx)
	fmt.Fprintf(w, "%srequest_errors_total{class=\"5xx\"} %d\n\n", metricPrefix, snap.RequestErrors5xx)

	counter(w, "uploads_total", "Total number of files uploaded through the gateway", snap.UploadsTotal)
	counter(w, "upload_bytes_total", "Total bytes uploaded through the gateway", snap.UploadBytesTotal)
	counter(w, "upload_errors_total", "Total number of failed uploads", snap.UploadErrorsTotal)
	fmt.Fprintf(w, "# HELP %supload_avg_duration_ms Mean upload duration in milliseconds\n", metricPrefix)
	fmt.Fprintf(w, "# TYPE %supload_avg_duration_ms gauge\n", metricPrefix)
	fmt.Fprintf(w, "%supload_avg_duration_ms %.2f\n\n", metricPrefix, snap.UploadAvgDurationMs)

	counter(w, "presigns_total", "Total number of presigned upload URLs issued", snap.PresignsTotal)
	counter(w, "downloads_total", "Total number of presigned download URLs issued", snap.DownloadsTotal)
	counter(w, "deletes_total", "Total number of files deleted", snap.DeletesTotal)
	counter(w, "lists_total", "Total number of file listings served", snap.ListsTotal)
	counter(w, "registrations_total", "Total number of files registered in the ledger", snap.RegistrationsTotal)

	counter(w, "ledger_errors_total", "Total number of failed ledger statements", snap.LedgerErrorsTotal)
	counter(w, "compensations_total", "Objects deleted after a failed ledger insert", snap.CompensationsTotal)
	counter(w, "compensation_failures_total", "Compensating deletes that failed and left an orphan", snap.CompensationFailures)
	counter(w, "reconcile_runs_total", "Reconciler passes completed", snap.ReconcileRunsTotal)
	counter(w, "reconcile_stale_removed_total", "Ledger rows removed because their object was gone", snap.ReconcileStaleRemoved)
	counter(w, "reconcile_orphans_found_total", "Objects found without a ledger row", snap.ReconcileOrphansFound)
	counter(w, "reconcile_orphans_deleted_total", "Orphaned objects deleted by the reconciler", snap.ReconcileOrphansDeleted)

	fmt.Fprintf(w, "# HELP %suptime_seconds Gateway uptime in seconds\n", metricPrefix)
	fmt.Fprintf(w, "# TYPE %suptime_seconds counter\n", metricPrefix)
	fmt.Fprintf(w, "%suptime_seconds %.0f\n", metricPrefix, snap.UptimeSeconds)
}

func counter(w io.Writer, name, help string, v int64) {
	fmt.Fprintf(w, "# HELP %s%s %s\n", metricPrefix, name, help)
	fmt.Fprintf(w, "# TYPE %s%s counter\n", metricPrefix, name)
	fmt.Fprintf(w, "%s%s %d\n\n", metricPrefix, name, v)
}

// prometheusLabel escapes a label value.
func prometheusLabel(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "\\n")
	return value
}
