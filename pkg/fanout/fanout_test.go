package fanout

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/tokmz/qichat/pkg/identity"
	"github.com/tokmz/qichat/pkg/ws"
)

// fanoutCall OnFanout 调用记录
type fanoutCall struct {
	from    string
	text    string
	targets ws.Set
}

// recordingDeliverer 记录 OnFanout 调用
type recordingDeliverer struct {
	mu    sync.Mutex
	calls []fanoutCall
}

func (d *recordingDeliverer) OnFanout(_ context.Context, from, text string, targets ws.Set) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, fanoutCall{from: from, text: text, targets: targets})
	return len(targets)
}

func (d *recordingDeliverer) Calls() []fanoutCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]fanoutCall(nil), d.calls...)
}

// testSession 最小的 ws.Session 实现
type testSession struct {
	id     string
	header http.Header
	attrs  sync.Map
	open   atomic.Bool
	mu     sync.Mutex
	sent   []string
}

func newTestSession(id, userID string) *testSession {
	s := &testSession{id: id, header: http.Header{}}
	s.header.Set(identity.DefaultHeader, userID)
	s.open.Store(true)
	return s
}

func (s *testSession) ID() string                 { return s.id }
func (s *testSession) IsOpen() bool               { return s.open.Load() }
func (s *testSession) Close(int, string)          { s.open.Store(false) }
func (s *testSession) Header() http.Header        { return s.header }
func (s *testSession) Set(key string, v any)      { s.attrs.Store(key, v) }
func (s *testSession) Get(key string) (any, bool) { return s.attrs.Load(key) }

func (s *testSession) SendAsync(msg []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, string(msg))
	return nil
}

func (s *testSession) Sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

func TestEnvelopeCodec(t *testing.T) {
	env := NewEnvelope("node-a", "lobby", "alice", `say "hi" <b>`)
	env.Headers = map[string]string{"traceparent": "00-abc"}

	data, err := env.Encode()
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, env, got)
	assert.NotZero(t, got.Timestamp)
}

func TestEnvelopeInvalid(t *testing.T) {
	_, err := Envelope{Origin: "a"}.Encode()
	assert.ErrorIs(t, err, ErrInvalidEnvelope)

	_, err = Decode([]byte("not json"))
	assert.ErrorIs(t, err, ErrInvalidEnvelope)

	_, err = Decode([]byte(`{"origin":"a","text":"x"}`))
	assert.ErrorIs(t, err, ErrInvalidEnvelope)
}

func TestMemoryDirectory(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDirectory(DirectoryConfig{MaxChannelSize: 2})

	require.NoError(t, d.Join(ctx, "lobby", "bob"))
	require.NoError(t, d.Join(ctx, "lobby", "alice"))
	assert.ErrorIs(t, d.Join(ctx, "lobby", "alice"), ErrAlreadyInChannel)
	assert.ErrorIs(t, d.Join(ctx, "lobby", "carol"), ErrChannelFull)

	members, err := d.Members(ctx, "lobby")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, members)

	require.NoError(t, d.Leave(ctx, "lobby", "bob"))
	require.NoError(t, d.Leave(ctx, "lobby", "bob"))
	require.NoError(t, d.Leave(ctx, "nowhere", "bob"))
	require.NoError(t, d.Join(ctx, "lobby", "carol"))
	assert.ErrorIs(t, d.Join(ctx, "lobby", "carol"), ErrAlreadyInChannel)

	members, _ = d.Members(ctx, "lobby")
	assert.Equal(t, []string{"alice", "carol"}, members)

	members, err = d.Members(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestMemoryDirectoryCleanup(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDirectory(DirectoryConfig{EmptyChannelTTL: time.Minute})

	require.NoError(t, d.Join(ctx, "a", "alice"))
	require.NoError(t, d.Join(ctx, "b", "alice"))
	require.NoError(t, d.Join(ctx, "b", "bob"))
	assert.Equal(t, 2, d.ChannelCount())

	require.NoError(t, d.Leave(ctx, "a", "alice"))
	require.NoError(t, d.Leave(ctx, "b", "alice"))
	members, _ := d.Members(ctx, "b")
	assert.Equal(t, []string{"bob"}, members)

	// 未超过 TTL 不清理
	d.cleanupEmptyChannels(time.Now())
	assert.Equal(t, 2, d.ChannelCount())

	d.cleanupEmptyChannels(time.Now().Add(2 * time.Minute))
	assert.Equal(t, 1, d.ChannelCount())
	members, _ = d.Members(ctx, "b")
	assert.Equal(t, []string{"bob"}, members)
}

func TestMemoryDirectoryCleanupRacesJoin(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDirectory(DirectoryConfig{})
	later := time.Now().Add(time.Hour)

	for round := range 50 {
		// 留下一个空频道，随后加入与清理并发
		require.NoError(t, d.Join(ctx, "lobby", "seed"))
		require.NoError(t, d.Leave(ctx, "lobby", "seed"))

		user := fmt.Sprintf("u%d", round)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			d.cleanupEmptyChannels(later)
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, d.Join(ctx, "lobby", user))
		}()
		wg.Wait()

		members, err := d.Members(ctx, "lobby")
		require.NoError(t, err)
		require.Contains(t, members, user)
		require.NoError(t, d.Leave(ctx, "lobby", user))
	}
}

func TestNodeChannelHoldsEveryConnection(t *testing.T) {
	ctx := context.Background()
	cfg := &Config{Driver: DriverMemory, Channel: "lobby"}
	bus := NewMemoryBus(0)
	defer bus.Close()

	dir := NewDirectory(cfg, bus)
	members := NewChannelMembership(dir, cfg.Channel, nil)
	const users = 1500
	for i := range users {
		members.Joined(ctx, fmt.Sprintf("u%04d", i))
	}

	d := &recordingDeliverer{}
	relay := NewRelay(bus, d, "node-b", WithDirectory(dir))
	relay.Handle(ctx, NewEnvelope("node-a", "lobby", "alice", "hi"))

	calls := d.Calls()
	require.Len(t, calls, 1)
	assert.Len(t, calls[0].targets, users)
	assert.True(t, calls[0].targets.Has("u1000"))
	assert.True(t, calls[0].targets.Has("u1499"))
}

func TestMemoryBus(t *testing.T) {
	bus := NewMemoryBus(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Envelope, 1)
	done := make(chan error, 1)
	go func() { done <- bus.Subscribe(ctx, func(_ context.Context, env Envelope) { got <- env }) }()
	require.Eventually(t, func() bool { return bus.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, bus.Publish(ctx, NewEnvelope("a", "", "alice", "hi")))
	select {
	case env := <-got:
		assert.Equal(t, "alice", env.From)
		assert.Equal(t, "hi", env.Text)
	case <-time.After(time.Second):
		t.Fatal("envelope not delivered")
	}

	require.NoError(t, bus.Close())
	require.NoError(t, <-done)
	assert.ErrorIs(t, bus.Publish(ctx, NewEnvelope("a", "", "alice", "hi")), ErrBackendClosed)
	assert.ErrorIs(t, bus.Subscribe(ctx, func(context.Context, Envelope) {}), ErrBackendClosed)
}

func TestRelayDropsOwnEnvelopes(t *testing.T) {
	d := &recordingDeliverer{}
	r := NewRelay(NewMemoryBus(0), d, "node-a")

	r.Handle(context.Background(), NewEnvelope("node-a", "", "alice", "hi"))
	r.Handle(context.Background(), NewEnvelope("node-b", "", "bob", "yo"))

	calls := d.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "bob", calls[0].from)
	assert.Equal(t, "yo", calls[0].text)
	assert.Nil(t, calls[0].targets)

	delivered, skipped, failed := r.Stats()
	assert.Equal(t, int64(1), delivered)
	assert.Equal(t, int64(1), skipped)
	assert.Equal(t, int64(0), failed)
}

func TestRelayResolvesChannelMembers(t *testing.T) {
	ctx := context.Background()
	dir := NewMemoryDirectory(DefaultDirectoryConfig())
	require.NoError(t, dir.Join(ctx, "lobby", "alice"))
	require.NoError(t, dir.Join(ctx, "lobby", "bob"))

	d := &recordingDeliverer{}
	r := NewRelay(NewMemoryBus(0), d, "node-a", WithDirectory(dir))

	r.Handle(ctx, NewEnvelope("node-b", "lobby", "zed", "hi"))
	r.Handle(ctx, NewEnvelope("node-b", "empty", "zed", "hi"))
	r.Handle(ctx, NewEnvelope("node-b", "", "zed", "hi"))

	calls := d.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, ws.NewSet("alice", "bob"), calls[0].targets)
	assert.NotNil(t, calls[1].targets)
	assert.Empty(t, calls[1].targets)
	assert.Nil(t, calls[2].targets)
}

func TestForwarderRelayAcrossNodes(t *testing.T) {
	bus := NewMemoryBus(8)
	defer bus.Close()

	// 节点 B 的本地会话
	coordB := ws.NewCoordinator(ws.NewRegistry(), identity.NewHeaderResolver(""))
	bob := newTestSession("b1", "bob")
	zed := newTestSession("b2", "zed")
	require.NoError(t, coordB.OnOpen(context.Background(), bob))
	require.NoError(t, coordB.OnOpen(context.Background(), zed))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	relayA := NewRelay(bus, &recordingDeliverer{}, "node-a")
	relayB := NewRelay(bus, coordB, "node-b")
	go func() { _ = relayA.Run(ctx) }()
	go func() { _ = relayB.Run(ctx) }()
	require.Eventually(t, func() bool { return bus.Subscribers() == 2 }, time.Second, 5*time.Millisecond)

	// 节点 A 上的 alice 发送消息
	coordA := ws.NewCoordinator(ws.NewRegistry(), identity.NewHeaderResolver(""),
		ws.WithCoordinatorForwarder(NewForwarder(bus, "node-a", "", nil)))
	alice := newTestSession("a1", "alice")
	require.NoError(t, coordA.OnOpen(context.Background(), alice))
	coordA.OnMessage(context.Background(), alice, "hello from a")

	want := string(ws.MessagePayload("alice", "hello from a"))
	assert.Eventually(t, func() bool {
		b, z := bob.Sent(), zed.Sent()
		return len(b) == 2 && b[1] == want && len(z) == 2 && z[1] == want
	}, time.Second, 5*time.Millisecond)

	delivered, skipped, _ := relayA.Stats()
	assert.Equal(t, int64(0), delivered)
	assert.Eventually(t, func() bool {
		_, skipped, _ = relayA.Stats()
		return skipped == 1
	}, time.Second, 5*time.Millisecond)
	assert.Len(t, alice.Sent(), 1)
}

func TestForwarderPropagatesTrace(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	defer otel.SetTextMapPropagator(prev)

	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	bus := NewMemoryBus(8)
	defer bus.Close()

	d := &recordingDeliverer{}
	relay := NewRelay(bus, d, "node-b", WithRelayTracer(tp.Tracer("test")))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = relay.Run(ctx) }()
	require.Eventually(t, func() bool { return bus.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	spanCtx, parent := tp.Tracer("test").Start(context.Background(), "session.message")
	f := NewForwarder(bus, "node-a", "", nil)
	f.Forward(spanCtx, "alice", "hi")
	parent.End()

	require.Eventually(t, func() bool { return len(d.Calls()) == 1 }, time.Second, 5*time.Millisecond)
	published, failed := f.Stats()
	assert.Equal(t, int64(1), published)
	assert.Equal(t, int64(0), failed)

	var relaySpan sdktrace.ReadOnlySpan
	require.Eventually(t, func() bool {
		for _, s := range sr.Ended() {
			if s.Name() == "fanout.relay" {
				relaySpan = s
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, parent.SpanContext().TraceID(), relaySpan.SpanContext().TraceID())
	assert.Equal(t, parent.SpanContext().SpanID(), relaySpan.Parent().SpanID())
}

func TestForwarderPublishFailure(t *testing.T) {
	bus := NewMemoryBus(1)
	require.NoError(t, bus.Close())

	f := NewForwarder(bus, "node-a", "", nil)
	f.Forward(context.Background(), "alice", "hi")

	published, failed := f.Stats()
	assert.Equal(t, int64(0), published)
	assert.Equal(t, int64(1), failed)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr error
	}{
		{name: "default", modify: func(*Config) {}},
		{name: "memory", modify: func(c *Config) { c.Driver = DriverMemory }},
		{name: "redis", modify: func(c *Config) { c.Driver = DriverRedis }},
		{name: "redis without addr", modify: func(c *Config) {
			c.Driver = DriverRedis
			c.Redis.Addr = ""
		}, wantErr: ErrInvalidConfig},
		{name: "kafka without brokers", modify: func(c *Config) {
			c.Driver = DriverKafka
			c.Kafka.Brokers = nil
		}, wantErr: ErrInvalidConfig},
		{name: "amqp without config", modify: func(c *Config) {
			c.Driver = DriverAMQP
			c.AMQP = nil
		}, wantErr: ErrInvalidConfig},
		{name: "unknown", modify: func(c *Config) { c.Driver = "nats" }, wantErr: ErrUnknownDriver},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNew(t *testing.T) {
	cfg := DefaultConfig()
	bus, err := New(cfg, nil)
	require.NoError(t, err)
	assert.Nil(t, bus)
	assert.False(t, cfg.Enabled())
	assert.NotEmpty(t, cfg.NodeID)

	cfg = &Config{Driver: DriverMemory, NodeID: "node-a"}
	bus, err = New(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryBus{}, bus)
	assert.True(t, cfg.Enabled())
	assert.Equal(t, "node-a", cfg.NodeID)
	assert.IsType(t, &MemoryDirectory{}, NewDirectory(cfg, bus))

	_, err = New(&Config{Driver: "zeromq"}, nil)
	assert.ErrorIs(t, err, ErrUnknownDriver)
}
