// Package metrics is the backend-agnostic metrics facade used by the extractor.
//
// Components record through the package-level helpers; the CLI installs a
// concrete Backend (Datadog, or none) once at startup with SetBackend.
package metrics

import (
	"strconv"
	"sync"
	"time"
)

// Metric names understood by backends.
const (
	HTTPRequestsTotal   = "extract_http_requests_total"
	HTTPErrorsTotal     = "extract_http_errors_total"
	HTTPRequestDuration = "extract_http_request_duration_seconds"
	StepTotal           = "extract_step_total"
	StepDuration        = "extract_step_duration_seconds"
	RowsTotal           = "extract_rows_total"
)

// Labels are metric dimensions.
type Labels map[string]string

// Backend receives counters and histogram observations. Implementations must be
// safe for concurrent use.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	Flush() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs b. Nil restores the no-op backend.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		b = nopBackend{}
	}
	backend = b
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// Flush flushes the installed backend.
func Flush() error {
	return current().Flush()
}

// RecordHTTP records one HTTP attempt for a resource kind. status is 0 when no
// response was received.
func RecordHTTP(kind string, status int, err error, d time.Duration) {
	b := current()
	st := strconv.Itoa(status)
	if status == 0 {
		st = "network"
	}
	labels := Labels{"kind": kind, "status": st}

	b.IncCounter(HTTPRequestsTotal, 1, labels)
	if err != nil || status == 0 || status >= 400 {
		b.IncCounter(HTTPErrorsTotal, 1, labels)
	}
	b.ObserveHistogram(HTTPRequestDuration, d.Seconds(), labels)
}

// RecordStep records one completed extraction step (a kind fetch, a sink write).
func RecordStep(step string, err error, d time.Duration) {
	b := current()
	status := "ok"
	if err != nil {
		status = "error"
	}
	labels := Labels{"step": step, "status": status}
	b.IncCounter(StepTotal, 1, labels)
	b.ObserveHistogram(StepDuration, d.Seconds(), labels)
}

// RecordRows counts rows written for a row-set.
func RecordRows(rowSet string, n int) {
	if n <= 0 {
		return
	}
	current().IncCounter(RowsTotal, float64(n), Labels{"row_set": rowSet})
}
