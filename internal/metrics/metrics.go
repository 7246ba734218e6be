package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	UpdatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subgate_updates_total",
			Help: "Total number of user updates applied, by verdict.",
		},
		[]string{"verdict"},
	)

	MessagesSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subgate_messages_sent_total",
			Help: "Total number of triggered messages, by kind.",
		},
		[]string{"kind"}, // welcome, confirm, recovery, sms
	)

	TasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subgate_tasks_total",
			Help: "Total number of task executions, by name and result.",
		},
		[]string{"task", "result"}, // result: ok, retry, failed
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subgate_retries_total",
			Help: "Total number of task retries, by reason.",
		},
		[]string{"reason"}, // e.g. network, timeout, rate_limited, esp_5xx
	)

	LedgerTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "subgate_ledger_total",
			Help: "Total number of tasks persisted to the failure ledger.",
		},
	)

	LedgerReplaysTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "subgate_ledger_replays_total",
			Help: "Total number of ledger records replayed.",
		},
	)
)

func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(UpdatesTotal, MessagesSentTotal, TasksTotal, RetriesTotal,
		LedgerTotal, LedgerReplaysTotal)
}

// RecordUpdate increments the update counter for a verdict.
func RecordUpdate(verdict string) {
	UpdatesTotal.WithLabelValues(verdict).Inc()
}

// RecordMessageSent increments the sent-message counter for a message kind.
func RecordMessageSent(kind string) {
	MessagesSentTotal.WithLabelValues(kind).Inc()
}

// RecordTask increments the task counter for a task name and result.
func RecordTask(task, result string) {
	TasksTotal.WithLabelValues(task, result).Inc()
}

// RecordRetry increments the retry counter for a reason.
func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

// RecordLedgerWrite increments the ledger counter.
func RecordLedgerWrite() {
	LedgerTotal.Inc()
}

// RecordLedgerReplay increments the ledger replay counter.
func RecordLedgerReplay() {
	LedgerReplaysTotal.Inc()
}
