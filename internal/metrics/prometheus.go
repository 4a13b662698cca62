package metrics

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
)

const namespace = "aero_room_relay"

// Gauge is a sampled value exposed alongside the built-in series.
type Gauge struct {
	Name  string
	Help  string
	Value func() float64
}

// PrometheusHandler exposes Metrics and Monitor in Prometheus' text
// exposition format. Event counters share one metric with an `event` label.
// mon and gauges are optional.
func PrometheusHandler(m *Metrics, mon *Monitor, gauges ...Gauge) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
			return
		}

		snap := m.Snapshot()
		keys := make([]string, 0, len(snap))
		for k := range snap {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = fmt.Fprintf(w, "# HELP %s_events_total Internal event counters.\n", namespace)
		_, _ = fmt.Fprintf(w, "# TYPE %s_events_total counter\n", namespace)
		for _, k := range keys {
			_, _ = fmt.Fprintf(w, "%s_events_total{event=\"%s\"} %d\n", namespace, escapeLabel(k), snap[k])
		}

		if mon != nil {
			writeMonitor(w, mon.Stats())
		}
		for _, g := range gauges {
			if g.Value == nil {
				continue
			}
			writeSeries(w, "gauge", g.Name, g.Help, "", g.Value())
		}
	})
}

func writeMonitor(w io.Writer, s Stats) {
	writeSeries(w, "gauge", "overlay_connected_peers", "Live overlay peers.", "", float64(s.Network.ConnectedPeers))
	writeSeries(w, "counter", "overlay_messages_sent_total", "Overlay messages published.", "", float64(s.Network.MessagesSent))
	writeSeries(w, "counter", "overlay_messages_received_total", "Overlay messages received.", "", float64(s.Network.MessagesReceived))
	writeSeries(w, "counter", "overlay_bytes_sent_total", "Overlay payload bytes published.", "", float64(s.Network.BytesSent))
	writeSeries(w, "counter", "overlay_bytes_received_total", "Overlay frame bytes received.", "", float64(s.Network.BytesReceived))

	writeSeries(w, "gauge", "ws_active_connections", "Open signaling WebSocket connections.", "", float64(s.WebSocket.ActiveConnections))
	writeSeries(w, "counter", "ws_connections_total", "Accepted signaling WebSocket connections.", "", float64(s.WebSocket.TotalConnections))
	_, _ = fmt.Fprintf(w, "# HELP %s_ws_messages_total Signaling WebSocket messages.\n", namespace)
	_, _ = fmt.Fprintf(w, "# TYPE %s_ws_messages_total counter\n", namespace)
	_, _ = fmt.Fprintf(w, "%s_ws_messages_total{direction=\"received\"} %d\n", namespace, s.WebSocket.MessagesReceived)
	_, _ = fmt.Fprintf(w, "%s_ws_messages_total{direction=\"sent\"} %d\n", namespace, s.WebSocket.MessagesSent)

	writeSeries(w, "gauge", "uptime_seconds", "Seconds since the process started.", "", float64(s.Network.UptimeSecs))
	writeSeries(w, "gauge", "goroutines", "Live goroutines.", "", float64(s.System.Goroutines))
	writeSeries(w, "gauge", "heap_alloc_bytes", "Heap bytes allocated and in use.", "", float64(s.System.HeapAllocBytes))
}

func writeSeries(w io.Writer, kind, name, help, labels string, v float64) {
	full := namespace + "_" + name
	if help != "" {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", full, help)
	}
	_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", full, kind)
	if labels != "" {
		full += "{" + labels + "}"
	}
	_, _ = fmt.Fprintf(w, "%s %g\n", full, v)
}

var labelEscaper = strings.NewReplacer("\\", "\\\\", "\"", "\\\"", "\n", "\\n")

func escapeLabel(s string) string { return labelEscaper.Replace(s) }

// StatsHandler serves Monitor.Stats as JSON.
func StatsHandler(mon *Monitor) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if mon == nil {
			http.Error(w, "monitoring not configured", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(mon.Stats())
	})
}
