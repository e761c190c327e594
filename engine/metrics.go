package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	metricConnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_connects_total",
		Help: "Successful realtime (re)connections.",
	})
	metricRefreshes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_conversation_refreshes_total",
		Help: "Wholesale conversation list refreshes.",
	})
	metricMessagesApplied = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_messages_applied_total",
		Help: "Inbound messages applied to the active message store.",
	})
	metricMessagesDeduped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_messages_deduped_total",
		Help: "Inbound messages discarded as duplicate identifiers.",
	})
	metricStaleHistories = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_stale_history_drops_total",
		Help: "History fetches discarded because the selection changed mid-flight.",
	})
	metricSends = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_sends_total",
		Help: "Outbound messages, by delivery path.",
	}, []string{"path"})
)

func init() {
	prometheus.MustRegister(
		metricConnects,
		metricRefreshes,
		metricMessagesApplied,
		metricMessagesDeduped,
		metricStaleHistories,
		metricSends,
	)
}
