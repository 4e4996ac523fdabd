// Package observability exposes lightweight daemon metrics in the
// Prometheus text exposition format, without pulling in a metrics library.
package observability

import (
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ptyhub/ptyhub/internal/eventbus"
)

// EventCounter counts bus publishes per topic. It implements
// eventbus.Observer and runs on the publisher's goroutine, so it only does
// an atomic increment.
type EventCounter struct {
	counters sync.Map // eventbus.Topic -> *atomic.Uint64
}

// NewEventCounter creates a counter ready to register on a bus.
func NewEventCounter() *EventCounter {
	return &EventCounter{}
}

// OnPublish implements eventbus.Observer.
func (ec *EventCounter) OnPublish(env eventbus.Envelope) {
	counter, ok := ec.counters.Load(env.Topic)
	if !ok {
		counter, _ = ec.counters.LoadOrStore(env.Topic, &atomic.Uint64{})
	}
	counter.(*atomic.Uint64).Add(1)
}

// Snapshot returns the per-topic publish counts.
func (ec *EventCounter) Snapshot() map[eventbus.Topic]uint64 {
	snapshot := make(map[eventbus.Topic]uint64)
	ec.counters.Range(func(key, value any) bool {
		snapshot[key.(eventbus.Topic)] = value.(*atomic.Uint64).Load()
		return true
	})
	return snapshot
}

// Exporter renders metrics as Prometheus text format.
type Exporter struct {
	events          *EventCounter
	sessionCount    func() int
	connectionCount func() int
}

// NewExporter creates an exporter. Either count function may be nil.
func NewExporter(events *EventCounter, sessionCount, connectionCount func() int) *Exporter {
	return &Exporter{
		events:          events,
		sessionCount:    sessionCount,
		connectionCount: connectionCount,
	}
}

// ServeHTTP implements the /metrics endpoint.
func (e *Exporter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	if e.sessionCount != nil {
		fmt.Fprintf(w, "# HELP ptyhub_sessions_active Live terminal handles.\n")
		fmt.Fprintf(w, "# TYPE ptyhub_sessions_active gauge\n")
		fmt.Fprintf(w, "ptyhub_sessions_active %d\n", e.sessionCount())
	}

	if e.connectionCount != nil {
		fmt.Fprintf(w, "# HELP ptyhub_realtime_connections Open realtime connections.\n")
		fmt.Fprintf(w, "# TYPE ptyhub_realtime_connections gauge\n")
		fmt.Fprintf(w, "ptyhub_realtime_connections %d\n", e.connectionCount())
	}

	if e.events != nil {
		snapshot := e.events.Snapshot()
		topics := make([]string, 0, len(snapshot))
		for topic := range snapshot {
			topics = append(topics, string(topic))
		}
		sort.Strings(topics)

		fmt.Fprintf(w, "# HELP ptyhub_events_published_total Events published on the internal bus.\n")
		fmt.Fprintf(w, "# TYPE ptyhub_events_published_total counter\n")
		for _, topic := range topics {
			fmt.Fprintf(w, "ptyhub_events_published_total{topic=%q} %d\n", topic, snapshot[eventbus.Topic(topic)])
		}
	}
}
