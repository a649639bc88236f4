// Package metrics exposes the node's prometheus counters: the
// `/metrics` exposition endpoint cmd/node serves alongside per-service
// monkit task instrumentation, matching the teacher's cmd/* wiring of
// both metrics libraries.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SegmentsArchived counts segments the writer service has finalized,
// labeled by the archive verb that completed them.
var SegmentsArchived = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "clusterstore_segments_archived_total",
	Help: "Segments finalized by the writer service.",
}, []string{"verb"})

// SegmentsRetrieved counts completed retrieve iterators the reader
// service has served to completion.
var SegmentsRetrieved = promauto.NewCounter(prometheus.CounterOpts{
	Name: "clusterstore_segments_retrieved_total",
	Help: "Retrieve iterators completed by the reader service.",
})

// AuditRounds counts anti-entropy consistency-check rounds, labeled by
// their terminal outcome state.
var AuditRounds = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "clusterstore_audit_rounds_total",
	Help: "Consistency-check rounds run by the auditor, by outcome state.",
}, []string{"state"})

// HandoffSegmentsPurged counts segments the handoff sweep has
// successfully forwarded and purged from the holding node.
var HandoffSegmentsPurged = promauto.NewCounter(prometheus.CounterOpts{
	Name: "clusterstore_handoff_segments_purged_total",
	Help: "Segments forwarded to their home node and purged by the handoff sweep.",
})

// Handler returns the HTTP handler cmd/node mounts at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
