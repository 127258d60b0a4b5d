package metrics

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type call struct {
	kind   string
	name   string
	value  float64
	labels Labels
}

type recordingBackend struct {
	mu    sync.Mutex
	calls []call
}

func (r *recordingBackend) IncCounter(name string, delta float64, labels Labels) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call{"counter", name, delta, labels})
}

func (r *recordingBackend) ObserveHistogram(name string, value float64, labels Labels) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call{"histogram", name, value, labels})
}

func (r *recordingBackend) Flush() error { return nil }

func (r *recordingBackend) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.calls))
	for _, c := range r.calls {
		out = append(out, c.name)
	}
	return out
}

// Not parallel: the backend is process-global.
func TestRecorders(t *testing.T) {
	rb := &recordingBackend{}
	SetBackend(rb)
	t.Cleanup(func() { SetBackend(nil) })

	RecordHTTP("projects", 200, nil, 250*time.Millisecond)
	assert.Equal(t, []string{HTTPRequestsTotal, HTTPRequestDuration}, rb.names())
	assert.Equal(t, Labels{"kind": "projects", "status": "200"}, rb.calls[0].labels)
	assert.InDelta(t, 0.25, rb.calls[1].value, 1e-9)

	rb.calls = nil
	RecordHTTP("projects", 0, errors.New("reset"), time.Second)
	assert.Equal(t, []string{HTTPRequestsTotal, HTTPErrorsTotal, HTTPRequestDuration}, rb.names())
	assert.Equal(t, "network", rb.calls[0].labels["status"])

	rb.calls = nil
	RecordHTTP("tasks", 503, nil, time.Second)
	assert.Contains(t, rb.names(), HTTPErrorsTotal)

	rb.calls = nil
	RecordStep("fetch projects", errors.New("x"), time.Second)
	assert.Equal(t, "error", rb.calls[0].labels["status"])

	rb.calls = nil
	RecordRows("tasks", 0)
	assert.Empty(t, rb.calls)
	RecordRows("tasks", 7)
	assert.Equal(t, call{"counter", RowsTotal, 7, Labels{"row_set": "tasks"}}, rb.calls[0])
}

func TestSetBackend_NilIsNoop(t *testing.T) {
	SetBackend(nil)
	assert.NoError(t, Flush())
	RecordHTTP("x", 200, nil, time.Millisecond)
}
