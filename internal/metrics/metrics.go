// Package metrics provides a minimal Prometheus-compatible exporter for the
// capture pipeline counters.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector holds the pipeline counters. All methods are nil-safe so
// components can run without metrics wired.
type Collector struct {
	startedAt time.Time

	dispatched atomic.Uint64
	byType     sync.Map // string -> *atomic.Uint64

	filtered   atomic.Uint64
	ringDrops  atomic.Uint64
	spooled    atomic.Uint64
	sendFailed atomic.Uint64

	vceTriggered  atomic.Uint64
	vceSuppressed atomic.Uint64
}

func New() *Collector {
	return &Collector{startedAt: time.Now().UTC()}
}

// IncDispatched records one envelope handed to the transport or spool.
func (c *Collector) IncDispatched(eventType string) {
	if c == nil {
		return
	}
	c.dispatched.Add(1)
	if eventType == "" {
		eventType = "unknown"
	}
	ptr, _ := c.byType.LoadOrStore(eventType, &atomic.Uint64{})
	ptr.(*atomic.Uint64).Add(1)
}

// IncFiltered records one event dropped by the context filter.
func (c *Collector) IncFiltered() {
	if c == nil {
		return
	}
	c.filtered.Add(1)
}

// SetRingDropped records the cumulative ring overwrite count.
func (c *Collector) SetRingDropped(n uint64) {
	if c == nil {
		return
	}
	c.ringDrops.Store(n)
}

// IncSpooled records one envelope diverted to the on-disk spool.
func (c *Collector) IncSpooled() {
	if c == nil {
		return
	}
	c.spooled.Add(1)
}

// IncSendFailed records one transport delivery failure.
func (c *Collector) IncSendFailed() {
	if c == nil {
		return
	}
	c.sendFailed.Add(1)
}

// IncVCETriggered records one visual capture taken.
func (c *Collector) IncVCETriggered() {
	if c == nil {
		return
	}
	c.vceTriggered.Add(1)
}

// IncVCESuppressed records one visual capture suppressed by rate limits.
func (c *Collector) IncVCESuppressed() {
	if c == nil {
		return
	}
	c.vceSuppressed.Add(1)
}

// Dispatched returns the total envelopes handed off.
func (c *Collector) Dispatched() uint64 {
	if c == nil {
		return 0
	}
	return c.dispatched.Load()
}

// Filtered returns the total events dropped by the context filter.
func (c *Collector) Filtered() uint64 {
	if c == nil {
		return 0
	}
	return c.filtered.Load()
}

// HandlerOptions supplies gauges whose values live outside the collector.
type HandlerOptions struct {
	SpoolPending func() int64
	Connected    func() bool
}

// Handler serves the counters in Prometheus text exposition format.
func (c *Collector) Handler(opts HandlerOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		fmt.Fprint(w, "# HELP kmflow_agent_up Whether the capture agent is running.\n")
		fmt.Fprint(w, "# TYPE kmflow_agent_up gauge\n")
		fmt.Fprint(w, "kmflow_agent_up 1\n")

		fmt.Fprint(w, "# HELP kmflow_events_dispatched_total Envelopes handed to transport or spool.\n")
		fmt.Fprint(w, "# TYPE kmflow_events_dispatched_total counter\n")
		fmt.Fprintf(w, "kmflow_events_dispatched_total %d\n", c.dispatched.Load())

		fmt.Fprint(w, "# HELP kmflow_events_filtered_total Events dropped by the context filter.\n")
		fmt.Fprint(w, "# TYPE kmflow_events_filtered_total counter\n")
		fmt.Fprintf(w, "kmflow_events_filtered_total %d\n", c.filtered.Load())

		fmt.Fprint(w, "# HELP kmflow_ring_dropped_total Raw events overwritten in the hook ring buffer.\n")
		fmt.Fprint(w, "# TYPE kmflow_ring_dropped_total counter\n")
		fmt.Fprintf(w, "kmflow_ring_dropped_total %d\n", c.ringDrops.Load())

		fmt.Fprint(w, "# HELP kmflow_events_spooled_total Envelopes diverted to the on-disk spool.\n")
		fmt.Fprint(w, "# TYPE kmflow_events_spooled_total counter\n")
		fmt.Fprintf(w, "kmflow_events_spooled_total %d\n", c.spooled.Load())

		fmt.Fprint(w, "# HELP kmflow_transport_send_failures_total Transport delivery failures.\n")
		fmt.Fprint(w, "# TYPE kmflow_transport_send_failures_total counter\n")
		fmt.Fprintf(w, "kmflow_transport_send_failures_total %d\n", c.sendFailed.Load())

		fmt.Fprint(w, "# HELP kmflow_vce_triggered_total Visual captures taken.\n")
		fmt.Fprint(w, "# TYPE kmflow_vce_triggered_total counter\n")
		fmt.Fprintf(w, "kmflow_vce_triggered_total %d\n", c.vceTriggered.Load())

		fmt.Fprint(w, "# HELP kmflow_vce_suppressed_total Visual captures suppressed by rate limits.\n")
		fmt.Fprint(w, "# TYPE kmflow_vce_suppressed_total counter\n")
		fmt.Fprintf(w, "kmflow_vce_suppressed_total %d\n", c.vceSuppressed.Load())

		types := snapshotKeys(&c.byType)
		if len(types) > 0 {
			fmt.Fprint(w, "# HELP kmflow_events_by_type_total Envelopes dispatched by event type.\n")
			fmt.Fprint(w, "# TYPE kmflow_events_by_type_total counter\n")
			for _, t := range types {
				ptr, _ := c.byType.Load(t)
				n := uint64(0)
				if ptr != nil {
					n = ptr.(*atomic.Uint64).Load()
				}
				fmt.Fprintf(w, "kmflow_events_by_type_total{type=%q} %d\n", escapeLabelValue(t), n)
			}
		}

		if opts.SpoolPending != nil {
			fmt.Fprint(w, "# HELP kmflow_spool_pending Undelivered envelopes in the spool.\n")
			fmt.Fprint(w, "# TYPE kmflow_spool_pending gauge\n")
			fmt.Fprintf(w, "kmflow_spool_pending %d\n", opts.SpoolPending())
		}
		if opts.Connected != nil {
			v := 0
			if opts.Connected() {
				v = 1
			}
			fmt.Fprint(w, "# HELP kmflow_transport_connected Whether the IPC transport is connected.\n")
			fmt.Fprint(w, "# TYPE kmflow_transport_connected gauge\n")
			fmt.Fprintf(w, "kmflow_transport_connected %d\n", v)
		}
	})
}

func snapshotKeys(m *sync.Map) []string {
	var out []string
	m.Range(func(k, _ any) bool {
		if s, ok := k.(string); ok {
			out = append(out, s)
		}
		return true
	})
	sort.Strings(out)
	return out
}

func escapeLabelValue(v string) string {
	// Prometheus text format label escaping for " and \ and newlines.
	v = strings.ReplaceAll(v, "\\", "\\\\")
	v = strings.ReplaceAll(v, "\n", "\\n")
	v = strings.ReplaceAll(v, "\"", "\\\"")
	return v
}
