package ws

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tokmz/qichat/pkg/identity"
	"github.com/tokmz/qichat/pkg/logger"
)

// Manager WebSocket 核心管理器
// 负责握手升级、连接数限制，并把每个连接交给 Coordinator 驱动
type Manager struct {
	pool        *ConnectionPool
	registry    *Registry
	coordinator *Coordinator
	events      *EventBus

	config   *Config
	upgrader *websocket.Upgrader
	logger   logger.Logger
	metrics  Metrics

	// 生命周期
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closing atomic.Bool
}

// NewManager 创建管理器
func NewManager(opts ...Option) (*Manager, error) {
	config := DefaultConfig()
	for _, opt := range opts {
		opt(config)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	if config.Logger == nil {
		config.Logger = logger.NewNop()
	}
	if config.Metrics == nil {
		config.Metrics = NoopMetrics{}
	}
	if config.Resolver == nil {
		config.Resolver = identity.NewHeaderResolver(config.IdentityHeader)
	}

	log := config.Logger.Named("ws")
	events := NewEventBus(config.EventWorkers, config.EventQueueSize)
	registry := NewRegistry(
		WithRegistryLogger(log),
		WithRegistryMetrics(config.Metrics),
		WithRegistryEvents(events),
	)

	coordinatorOpts := []CoordinatorOption{
		WithCoordinatorLogger(log),
		WithCoordinatorMetrics(config.Metrics),
		WithCoordinatorEvents(events),
		WithCoordinatorForwarder(config.Forwarder),
		WithCoordinatorMembership(config.Membership),
	}
	if config.Tracer != nil {
		coordinatorOpts = append(coordinatorOpts, WithTracer(config.Tracer))
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		pool:        NewConnectionPool(config.MaxConnections),
		registry:    registry,
		coordinator: NewCoordinator(registry, config.Resolver, coordinatorOpts...),
		events:      events,
		config:      config,
		upgrader:    newUpgrader(config.UpgraderConfig, config.HandshakeTimeout),
		logger:      log,
		metrics:     config.Metrics,
		ctx:         ctx,
		cancel:      cancel,
	}
	return m, nil
}

// HandleUpgrade 处理 WebSocket 升级，连接在后台运行直到关闭
func (m *Manager) HandleUpgrade(w http.ResponseWriter, r *http.Request) error {
	if m.closing.Load() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return ErrManagerClosed
	}

	// 升级前占用名额，超限时还能返回普通 HTTP 响应
	if !m.pool.Reserve() {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		m.logger.Warn("connection limit reached", zap.Int("max", m.config.MaxConnections))
		return ErrTooManyConnections
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 失败时已写出错误响应
		m.pool.Release()
		return err
	}

	client := newClient(conn, r, m)
	if err := m.pool.Add(client); err != nil {
		m.pool.Release()
		client.Close(websocket.CloseInternalServerErr, "")
		return err
	}

	m.metrics.IncrementConnections()
	m.metrics.SetConnectionCount(m.pool.Count())
	m.logger.Debug("client connected",
		zap.String("conn_id", client.ID()),
		zap.String("remote_addr", client.RemoteAddr()),
	)
	m.events.Publish(Event{Type: EventClientConnected, ClientID: client.ID()})

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		client.run()
		m.clientDone(client)
	}()
	return nil
}

// clientDone 连接结束后的清理
func (m *Manager) clientDone(client *Client) {
	if !m.pool.Remove(client) {
		return
	}
	uid, _ := UserIDOf(client)

	m.metrics.DecrementConnections()
	m.metrics.SetConnectionCount(m.pool.Count())
	m.events.Publish(Event{Type: EventClientDisconnected, ClientID: client.ID(), UserID: uid})
}

// Registry 返回用户连接注册表
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Coordinator 返回生命周期状态机
func (m *Manager) Coordinator() *Coordinator {
	return m.coordinator
}

// Subscribe 订阅系统事件
func (m *Manager) Subscribe(eventType EventType, handler EventHandler) {
	m.events.Subscribe(eventType, handler)
}

// ClientCount 当前连接数
func (m *Manager) ClientCount() int {
	return m.pool.Count()
}

// Shutdown 优雅关闭：拒绝新连接，以 1001 关闭所有连接并等待读写协程退出
func (m *Manager) Shutdown(ctx context.Context) error {
	if !m.closing.CompareAndSwap(false, true) {
		return nil
	}

	m.pool.Range(func(c *Client) bool {
		go c.Close(websocket.CloseGoingAway, "Server shutting down")
		return true
	})

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	m.cancel()
	m.events.Close()
	return err
}
