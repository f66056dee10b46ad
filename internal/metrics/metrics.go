// Package metrics 暴露 dcagate 的 prometheus 指标；每个进程使用独立的 Registry。
package metrics

import (
	"net/http"

	"dcagate/internal/confirm"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 的方法对 nil 接收者安全，未启用指标的组件可直接传 nil。
type Metrics struct {
	registry       *prometheus.Registry
	callbacks      *prometheus.CounterVec
	transitions    *prometheus.CounterVec
	verdicts       *prometheus.CounterVec
	telegramErrors *prometheus.CounterVec
	pending        prometheus.Gauge
	pollCursor     prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dcagate_callbacks_total",
			Help: "Decision callbacks handled, by delivery path and result.",
		}, []string{"source", "result"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dcagate_transitions_total",
			Help: "Confirmation state transitions applied.",
		}, []string{"status", "reason"}),
		verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dcagate_coordinator_verdicts_total",
			Help: "Coordinator verdicts per candidate.",
		}, []string{"verdict"}),
		telegramErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dcagate_telegram_errors_total",
			Help: "Failed Telegram Bot API calls.",
		}, []string{"op"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dcagate_pending_records",
			Help: "Pending confirmation records after the last store write.",
		}),
		pollCursor: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dcagate_poll_cursor",
			Help: "Last Telegram update_id applied by the poller.",
		}),
	}
	reg.MustRegister(
		m.callbacks, m.transitions, m.verdicts, m.telegramErrors, m.pending, m.pollCursor,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler 返回 /metrics 处理器。
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Callback(source, result string) {
	if m == nil {
		return
	}
	m.callbacks.WithLabelValues(source, result).Inc()
}

func (m *Metrics) Transition(rec confirm.Record) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(rec.Status), rec.Reason).Inc()
}

func (m *Metrics) Verdict(v string) {
	if m == nil {
		return
	}
	m.verdicts.WithLabelValues(v).Inc()
}

func (m *Metrics) TelegramError(op string) {
	if m == nil {
		return
	}
	m.telegramErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) SetPollCursor(updateID int64) {
	if m == nil {
		return
	}
	m.pollCursor.Set(float64(updateID))
}

// ObserveRecords 用作 store 的保存回调，刷新 pending 数量。
func (m *Metrics) ObserveRecords(records map[string]confirm.Record) {
	if m == nil {
		return
	}
	n := 0
	for _, rec := range records {
		if rec.Status == confirm.StatusPending {
			n++
		}
	}
	m.pending.Set(float64(n))
}
