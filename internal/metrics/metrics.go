// Package metrics содержит счётчики Prometheus и отдельный сервер метрик.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "raffle"

// Metrics объединяет счётчики сервиса. Нулевой указатель допустим: вызовы игнорируются.
type Metrics struct {
	reservations *prometheus.CounterVec
	webhooks     *prometheus.CounterVec
	transitions  *prometheus.CounterVec
	closes       *prometheus.CounterVec
	taskRuns     *prometheus.CounterVec
}

// New создаёт счётчики и регистрирует их в reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		reservations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservations_total",
			Help:      "ticket reservation requests by outcome",
		}, []string{"outcome"}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "payment webhook deliveries by kind and result",
		}, []string{"kind", "result"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_transitions_total",
			Help:      "ticket ledger commands by outcome",
		}, []string{"outcome"}),
		closes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "raffles_closed_total",
			Help:      "closed raffles by result",
		}, []string{"result"}),
		taskRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_runs_total",
			Help:      "scheduled task runs by task and result",
		}, []string{"task", "result"}),
	}

	reg.MustRegister(m.reservations, m.webhooks, m.transitions, m.closes, m.taskRuns)

	return m
}

// Reservation учитывает результат запроса на резервирование.
func (m *Metrics) Reservation(outcome string) {
	if m == nil {
		return
	}
	m.reservations.WithLabelValues(outcome).Inc()
}

// Webhook учитывает обработанное уведомление платёжной системы.
func (m *Metrics) Webhook(kind, result string) {
	if m == nil {
		return
	}
	m.webhooks.WithLabelValues(kind, result).Inc()
}

// Transition учитывает исход команды реестра.
func (m *Metrics) Transition(outcome string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(outcome).Inc()
}

// RaffleClosed учитывает закрытый розыгрыш.
func (m *Metrics) RaffleClosed(result string) {
	if m == nil {
		return
	}
	m.closes.WithLabelValues(result).Inc()
}

// TaskRun учитывает запуск фоновой задачи.
func (m *Metrics) TaskRun(task, result string) {
	if m == nil {
		return
	}
	m.taskRuns.WithLabelValues(task, result).Inc()
}
