package gateway

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"
)

// Metrics tracks request counters for the status API and /metrics.
type Metrics struct {
	MessagesRecv       atomic.Int64
	RepliesTotal       atomic.Int64
	ChatErrorsTotal    atomic.Int64
	ConversationsTotal atomic.Int64
}

// handleMetrics serves GET /metrics in Prometheus text format. The
// lightweight text format avoids pulling in the full prometheus client.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	statuses := s.registry.Statuses()
	enabled, healthy := 0, 0
	for _, st := range statuses {
		if st.Enabled {
			enabled++
		}
		if st.State == "healthy" {
			healthy++
		}
	}

	fmt.Fprintf(w, "# HELP opsbridge_providers_registered Number of registered providers.\n")
	fmt.Fprintf(w, "# TYPE opsbridge_providers_registered gauge\n")
	fmt.Fprintf(w, "opsbridge_providers_registered %d\n", len(statuses))

	fmt.Fprintf(w, "# HELP opsbridge_providers_enabled Number of enabled providers.\n")
	fmt.Fprintf(w, "# TYPE opsbridge_providers_enabled gauge\n")
	fmt.Fprintf(w, "opsbridge_providers_enabled %d\n", enabled)

	fmt.Fprintf(w, "# HELP opsbridge_providers_healthy Providers whose last probe succeeded.\n")
	fmt.Fprintf(w, "# TYPE opsbridge_providers_healthy gauge\n")
	fmt.Fprintf(w, "opsbridge_providers_healthy %d\n", healthy)

	fmt.Fprintf(w, "# HELP opsbridge_capabilities_offered Capabilities currently in the catalog.\n")
	fmt.Fprintf(w, "# TYPE opsbridge_capabilities_offered gauge\n")
	fmt.Fprintf(w, "opsbridge_capabilities_offered %d\n", len(s.registry.Catalog()))

	fmt.Fprintf(w, "# HELP opsbridge_messages_received_total Total chat messages received.\n")
	fmt.Fprintf(w, "# TYPE opsbridge_messages_received_total counter\n")
	fmt.Fprintf(w, "opsbridge_messages_received_total %d\n", s.metrics.MessagesRecv.Load())

	fmt.Fprintf(w, "# HELP opsbridge_replies_sent_total Total replies sent.\n")
	fmt.Fprintf(w, "# TYPE opsbridge_replies_sent_total counter\n")
	fmt.Fprintf(w, "opsbridge_replies_sent_total %d\n", s.metrics.RepliesTotal.Load())

	fmt.Fprintf(w, "# HELP opsbridge_chat_errors_total Chat requests that failed outright.\n")
	fmt.Fprintf(w, "# TYPE opsbridge_chat_errors_total counter\n")
	fmt.Fprintf(w, "opsbridge_chat_errors_total %d\n", s.metrics.ChatErrorsTotal.Load())

	fmt.Fprintf(w, "# HELP opsbridge_conversations_created_total Conversations created.\n")
	fmt.Fprintf(w, "# TYPE opsbridge_conversations_created_total counter\n")
	fmt.Fprintf(w, "opsbridge_conversations_created_total %d\n", s.metrics.ConversationsTotal.Load())

	fmt.Fprintf(w, "# HELP opsbridge_uptime_seconds Seconds since the service started.\n")
	fmt.Fprintf(w, "# TYPE opsbridge_uptime_seconds gauge\n")
	fmt.Fprintf(w, "opsbridge_uptime_seconds %.0f\n", time.Since(s.startTime).Seconds())

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	fmt.Fprintf(w, "# HELP go_goroutines Number of goroutines.\n")
	fmt.Fprintf(w, "# TYPE go_goroutines gauge\n")
	fmt.Fprintf(w, "go_goroutines %d\n", runtime.NumGoroutine())

	fmt.Fprintf(w, "# HELP go_memstats_alloc_bytes Bytes of allocated heap objects.\n")
	fmt.Fprintf(w, "# TYPE go_memstats_alloc_bytes gauge\n")
	fmt.Fprintf(w, "go_memstats_alloc_bytes %d\n", mem.Alloc)

	fmt.Fprintf(w, "# HELP go_memstats_sys_bytes Total bytes of memory obtained from the OS.\n")
	fmt.Fprintf(w, "# TYPE go_memstats_sys_bytes gauge\n")
	fmt.Fprintf(w, "go_memstats_sys_bytes %d\n", mem.Sys)
}
