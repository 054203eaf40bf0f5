// Package metrics 基于 Prometheus 的连接与消息指标
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tokmz/qichat/pkg/ws"
)

// Config 指标配置
type Config struct {
	Namespace   string                // 命名空间（默认 qichat）
	Subsystem   string                // 子系统（默认 ws）
	ConstLabels prometheus.Labels     // 附加到所有指标的固定标签
	Buckets     []float64             // 广播耗时直方图分桶
	Registry    prometheus.Registerer // 默认 prometheus.DefaultRegisterer
}

// Option 配置选项
type Option func(*Config)

// WithNamespace 设置命名空间
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithSubsystem 设置子系统
func WithSubsystem(subsystem string) Option {
	return func(c *Config) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels 设置固定标签
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) {
		c.ConstLabels = labels
	}
}

// WithBuckets 设置直方图分桶
func WithBuckets(buckets []float64) Option {
	return func(c *Config) {
		c.Buckets = buckets
	}
}

// WithRegistry 设置注册器
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

func defaultConfig() Config {
	return Config{
		Namespace: "qichat",
		Subsystem: "ws",
		Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Prometheus 实现 ws.Metrics
type Prometheus struct {
	connectionsTotal    prometheus.Counter
	disconnectionsTotal prometheus.Counter
	connections         prometheus.Gauge
	sessions            prometheus.Gauge
	rejectedSessions    prometheus.Counter
	replacedSessions    prometheus.Counter
	messages            *prometheus.CounterVec
	deliveredMessages   prometheus.Counter
	droppedMessages     prometheus.Counter
	broadcastDuration   prometheus.Histogram
	transportErrors     *prometheus.CounterVec
}

var _ ws.Metrics = (*Prometheus)(nil)

// New 创建并注册指标，同一 Registry 只能调用一次
func New(opts ...Option) *Prometheus {
	config := defaultConfig()
	for _, opt := range opts {
		opt(&config)
	}
	factory := promauto.With(config.Registry)

	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
		})
	}

	return &Prometheus{
		connectionsTotal:    counter("connections_total", "Total number of accepted WebSocket connections"),
		disconnectionsTotal: counter("disconnections_total", "Total number of finished WebSocket connections"),
		connections:         gauge("connections", "Current number of open WebSocket connections"),
		sessions:            gauge("sessions", "Current number of registered user sessions"),
		rejectedSessions:    counter("sessions_rejected_total", "Connections closed for missing user identity"),
		replacedSessions:    counter("sessions_replaced_total", "Sessions closed because the user connected again"),
		deliveredMessages:   counter("messages_delivered_total", "Payloads enqueued to recipients"),
		droppedMessages:     counter("messages_dropped_total", "Payloads that could not be delivered to a recipient"),

		messages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "messages_total",
			Help:        "Chat messages handled, by source",
			ConstLabels: config.ConstLabels,
		}, []string{"source"}),

		broadcastDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "broadcast_duration_seconds",
			Help:        "Time spent enqueueing one broadcast",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}),

		transportErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "transport_errors_total",
			Help:        "WebSocket read and write errors",
			ConstLabels: config.ConstLabels,
		}, []string{"direction"}),
	}
}

func (p *Prometheus) IncrementConnections() { p.connectionsTotal.Inc() }
func (p *Prometheus) DecrementConnections() { p.disconnectionsTotal.Inc() }

func (p *Prometheus) SetConnectionCount(n int)    { p.connections.Set(float64(n)) }
func (p *Prometheus) SetSessionCount(n int)       { p.sessions.Set(float64(n)) }
func (p *Prometheus) IncrementRejectedSessions() { p.rejectedSessions.Inc() }
func (p *Prometheus) IncrementReplacedSessions() { p.replacedSessions.Inc() }

func (p *Prometheus) IncrementMessageCount(source string) {
	p.messages.WithLabelValues(source).Inc()
}

func (p *Prometheus) AddDeliveredMessages(n int) {
	if n > 0 {
		p.deliveredMessages.Add(float64(n))
	}
}

func (p *Prometheus) RecordBroadcastLatency(d time.Duration) {
	p.broadcastDuration.Observe(d.Seconds())
}

func (p *Prometheus) IncrementDroppedMessages() { p.droppedMessages.Inc() }
func (p *Prometheus) IncrementReadErrors()      { p.transportErrors.WithLabelValues("read").Inc() }
func (p *Prometheus) IncrementWriteErrors()     { p.transportErrors.WithLabelValues("write").Inc() }
