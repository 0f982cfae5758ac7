package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 监控指标
//
// 所有方法对 nil 接收者是空操作，测试里不需要注册真实指标。
type Metrics struct {
	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// 获取周期指标
	FetchCyclesTotal   *prometheus.CounterVec
	FetchCycleDuration prometheus.Histogram

	// 归档指标
	EmailsArchivedTotal  prometheus.Counter
	EmailsDuplicateTotal prometheus.Counter
	MessagesSkippedTotal *prometheus.CounterVec
	AttachmentBytesTotal prometheus.Counter
	EMLBytesTotal        prometheus.Counter

	// 守护进程指标
	DaemonsRunning      prometheus.Gauge
	DaemonRestartsTotal prometheus.Counter

	// 错误指标
	ErrorsTotal *prometheus.CounterVec
	PanicsTotal prometheus.Counter
}

// NewMetrics 创建监控指标
func NewMetrics() *Metrics {
	return &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailarchive_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mailarchive_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		FetchCyclesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailarchive_fetch_cycles_total",
				Help: "Total number of fetch cycles by result",
			},
			[]string{"result"},
		),

		FetchCycleDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mailarchive_fetch_cycle_duration_seconds",
				Help:    "Duration of a full fetch cycle in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
			},
		),

		EmailsArchivedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "mailarchive_emails_archived_total",
				Help: "Total number of newly archived emails",
			},
		),

		EmailsDuplicateTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "mailarchive_emails_duplicate_total",
				Help: "Total number of refetched emails already present in the index",
			},
		),

		MessagesSkippedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailarchive_messages_skipped_total",
				Help: "Total number of messages skipped during a fetch cycle by reason",
			},
			[]string{"reason"},
		),

		AttachmentBytesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "mailarchive_attachment_bytes_total",
				Help: "Total attachment bytes written to storage",
			},
		),

		EMLBytesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "mailarchive_eml_bytes_total",
				Help: "Total raw message bytes written to storage",
			},
		),

		DaemonsRunning: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailarchive_daemons_running",
				Help: "Number of mailbox daemons currently running",
			},
		),

		DaemonRestartsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "mailarchive_daemon_restarts_total",
				Help: "Total number of daemon run loop restarts after a crash",
			},
		),

		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailarchive_errors_total",
				Help: "Total number of errors by type and component",
			},
			[]string{"type", "component"},
		),

		PanicsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "mailarchive_panics_total",
				Help: "Total number of recovered panics",
			},
		),
	}
}

// Handler 返回 Prometheus 指标的 HTTP 处理器
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest 记录 HTTP 请求指标
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordFetchCycle 记录一次获取周期及其结果
func (m *Metrics) RecordFetchCycle(result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.FetchCyclesTotal.WithLabelValues(result).Inc()
	m.FetchCycleDuration.Observe(duration.Seconds())
}

// RecordEmailArchived 记录一封新归档的邮件
func (m *Metrics) RecordEmailArchived() {
	if m == nil {
		return
	}
	m.EmailsArchivedTotal.Inc()
}

// RecordEmailDuplicate 记录一封重复获取的邮件
func (m *Metrics) RecordEmailDuplicate() {
	if m == nil {
		return
	}
	m.EmailsDuplicateTotal.Inc()
}

// RecordMessageSkipped 记录一条被跳过的消息
func (m *Metrics) RecordMessageSkipped(reason string) {
	if m == nil {
		return
	}
	m.MessagesSkippedTotal.WithLabelValues(reason).Inc()
}

// RecordStoredBytes 记录落盘的字节数
func (m *Metrics) RecordStoredBytes(attachmentBytes, emlBytes int64) {
	if m == nil {
		return
	}
	if attachmentBytes > 0 {
		m.AttachmentBytesTotal.Add(float64(attachmentBytes))
	}
	if emlBytes > 0 {
		m.EMLBytesTotal.Add(float64(emlBytes))
	}
}

// DaemonStarted 记录一个守护进程启动
func (m *Metrics) DaemonStarted() {
	if m == nil {
		return
	}
	m.DaemonsRunning.Inc()
}

// DaemonStopped 记录一个守护进程停止
func (m *Metrics) DaemonStopped() {
	if m == nil {
		return
	}
	m.DaemonsRunning.Dec()
}

// RecordDaemonRestart 记录一次崩溃后的运行循环重启
func (m *Metrics) RecordDaemonRestart() {
	if m == nil {
		return
	}
	m.DaemonRestartsTotal.Inc()
}

// RecordError 记录错误
func (m *Metrics) RecordError(errorType, component string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordPanic 记录 panic
func (m *Metrics) RecordPanic() {
	if m == nil {
		return
	}
	m.PanicsTotal.Inc()
}
