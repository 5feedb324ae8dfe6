package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Scans counts capture attempts by terminal outcome (ok, duplicate,
// qr_expired, session_not_active, malformed_qr, not_found, store_error).
var Scans = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "classtrack_scans_total",
	Help: "Attendance capture attempts by outcome.",
}, []string{"outcome"})

// PropagationFailures counts best-effort denormalized updates that failed
// and were swallowed (target: qr_scan_count, session_records, student_records,
// instructor_courses, student_courses, and the saga's cleanup steps).
var PropagationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "classtrack_propagation_failures_total",
	Help: "Best-effort denormalization steps that failed.",
}, []string{"target"})

// QRIssued counts issued QR codes.
var QRIssued = promauto.NewCounter(prometheus.CounterOpts{
	Name: "classtrack_qr_issued_total",
	Help: "QR codes issued.",
})

// CourseDeletions counts cascade deletions by result.
var CourseDeletions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "classtrack_course_deletions_total",
	Help: "Cascading course deletions by result.",
}, []string{"result"})
