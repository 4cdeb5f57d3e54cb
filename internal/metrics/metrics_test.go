package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func scrape(t *testing.T, c *Collector, opts HandlerOptions) string {
	t.Helper()
	rec := httptest.NewRecorder()
	c.Handler(opts).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return rec.Body.String()
}

func TestHandlerExportsCounters(t *testing.T) {
	c := New()
	c.IncDispatched("app_switch")
	c.IncDispatched("app_switch")
	c.IncDispatched("mouse_click")
	c.IncFiltered()
	c.IncSpooled()
	c.IncVCETriggered()
	c.IncVCESuppressed()
	c.SetRingDropped(7)

	body := scrape(t, c, HandlerOptions{})
	assert.Contains(t, body, "kmflow_events_dispatched_total 3")
	assert.Contains(t, body, "kmflow_events_filtered_total 1")
	assert.Contains(t, body, "kmflow_ring_dropped_total 7")
	assert.Contains(t, body, "kmflow_events_spooled_total 1")
	assert.Contains(t, body, "kmflow_vce_triggered_total 1")
	assert.Contains(t, body, "kmflow_vce_suppressed_total 1")
	assert.Contains(t, body, `kmflow_events_by_type_total{type="app_switch"} 2`)
	assert.Contains(t, body, `kmflow_events_by_type_total{type="mouse_click"} 1`)
}

func TestHandlerGauges(t *testing.T) {
	c := New()
	body := scrape(t, c, HandlerOptions{
		SpoolPending: func() int64 { return 12 },
		Connected:    func() bool { return true },
	})
	assert.Contains(t, body, "kmflow_spool_pending 12")
	assert.Contains(t, body, "kmflow_transport_connected 1")
}

func TestLabelEscaping(t *testing.T) {
	c := New()
	c.IncDispatched("bad\n\"type\"")
	body := scrape(t, c, HandlerOptions{})
	assert.Contains(t, body, `type="bad\\n\\\"type\\\""`)
	assert.False(t, strings.Contains(body, "bad\n\""), "raw newline leaked into label")
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	c.IncDispatched("x")
	c.IncFiltered()
	c.IncSpooled()
	assert.Zero(t, c.Dispatched())
	assert.Zero(t, c.Filtered())
}
