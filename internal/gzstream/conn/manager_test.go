package conn

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/dimasma0305/gzstream/internal/gzstream/bus"
	gzerrors "github.com/dimasma0305/gzstream/internal/gzstream/errors"
	"github.com/dimasma0305/gzstream/internal/gzstream/protocol"
)

var errDropped = errors.New("connection dropped")

type fakeTransport struct {
	mu         sync.Mutex
	writes     []string
	failWrites int
	closeCode  int
	inbound    chan []byte
	written    chan string
	closed     chan struct{}
	closeOnce  sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan []byte, 16),
		written: make(chan string, 64),
		closed:  make(chan struct{}),
	}
}

func (f *fakeTransport) ReadMessage() ([]byte, error) {
	select {
	case data := <-f.inbound:
		return data, nil
	case <-f.closed:
		return nil, errDropped
	}
}

func (f *fakeTransport) WriteMessage(data []byte) error {
	f.mu.Lock()
	if f.failWrites > 0 {
		f.failWrites--
		f.mu.Unlock()
		return errors.New("broken pipe")
	}
	f.writes = append(f.writes, string(data))
	f.mu.Unlock()
	f.written <- string(data)
	return nil
}

func (f *fakeTransport) Close(code int, _ string) error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closeCode = code
		f.mu.Unlock()
		close(f.closed)
	})
	return nil
}

// drop simulates the peer going away
func (f *fakeTransport) drop() {
	f.closeOnce.Do(func() { close(f.closed) })
}

func (f *fakeTransport) Writes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.writes...)
}

type fakeDialer struct {
	mu    sync.Mutex
	urls  []string
	gate  chan struct{}
	dialf func(n int) (Transport, error)
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Transport, error) {
	if d.gate != nil {
		select {
		case <-d.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	d.mu.Lock()
	d.urls = append(d.urls, url)
	n := len(d.urls)
	d.mu.Unlock()
	return d.dialf(n)
}

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.URL = "ws://backend.test/ws"
	cfg.HealthyBackoffInitial = time.Millisecond
	cfg.HealthyBackoffMax = 4 * time.Millisecond
	cfg.UnhealthyBackoffInitial = 2 * time.Millisecond
	cfg.UnhealthyBackoffMax = 8 * time.Millisecond
	cfg.MaxReconnectAttempts = 4
	cfg.RecoveryDelay = time.Hour
	cfg.ConnectTimeoutBase = time.Second
	return cfg
}

func listen(b *bus.Bus, topic string) <-chan any {
	ch := make(chan any, 64)
	b.On(topic, func(data any) { ch <- data })
	return ch
}

func wait(t *testing.T, ch <-chan any, what string) any {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		return nil
	}
}

func waitWrite(t *testing.T, tr *fakeTransport) string {
	t.Helper()
	select {
	case w := <-tr.written:
		return w
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for write")
		return ""
	}
}

func TestManager_QueuedSendsDrainInOrder(t *testing.T) {
	tr := newFakeTransport()
	dialer := &fakeDialer{
		gate:  make(chan struct{}),
		dialf: func(int) (Transport, error) { return tr, nil },
	}
	b := bus.New()
	connected := listen(b, bus.TopicConnected)
	m := NewManager(testConfig(), dialer, nil, b)
	defer m.Disconnect()

	for _, msg := range []any{
		protocol.SubscribeScenario("s1"),
		"raw-frame",
		protocol.RequestExecutionHistory("s1"),
	} {
		if err := m.Send(msg); err != nil {
			t.Fatalf("Send() error = %v", err)
		}
	}
	if got := m.Pending(); got != 3 {
		t.Fatalf("Pending() = %d, want 3 while disconnected", got)
	}
	if got := m.State(); got != StateConnecting {
		t.Fatalf("State() = %v, want connecting", got)
	}

	close(dialer.gate)
	wait(t, connected, "connected")

	var got []string
	for i := 0; i < 3; i++ {
		got = append(got, waitWrite(t, tr))
	}
	want := []string{
		`{"type":"subscribe-scenario","scenarioId":"s1"}`,
		"raw-frame",
		`{"type":"request-execution-history","scenarioId":"s1"}`,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("drain order mismatch (-want +got):\n%s", diff)
	}
}

func TestManager_AuthenticatesFirst(t *testing.T) {
	tr := newFakeTransport()
	dialer := &fakeDialer{dialf: func(int) (Transport, error) { return tr, nil }}
	cfg := testConfig()
	cfg.Token = "s3cret"
	m := NewManager(cfg, dialer, nil, bus.New())
	defer m.Disconnect()

	if err := m.Send(protocol.SubscribeScenario("s1")); err != nil {
		t.Fatal(err)
	}

	if got := waitWrite(t, tr); got != `{"type":"authenticate","token":"s3cret"}` {
		t.Errorf("first write = %s", got)
	}
	if got := waitWrite(t, tr); !strings.Contains(got, "subscribe-scenario") {
		t.Errorf("second write = %s", got)
	}
	dialer.mu.Lock()
	defer dialer.mu.Unlock()
	if !strings.Contains(dialer.urls[0], "token=s3cret") {
		t.Errorf("dial url %q lacks token", dialer.urls[0])
	}
}

func TestManager_SendEncodingError(t *testing.T) {
	m := NewManager(testConfig(), &fakeDialer{}, nil, bus.New())
	if err := m.Send(make(chan int)); err == nil {
		t.Fatal("Send(chan) should fail to encode")
	}
	if m.Pending() != 0 {
		t.Error("unencodable message was queued")
	}
}

func TestManager_InboundFrames(t *testing.T) {
	tr := newFakeTransport()
	dialer := &fakeDialer{dialf: func(int) (Transport, error) { return tr, nil }}
	b := bus.New()
	connected := listen(b, bus.TopicConnected)
	all := listen(b, bus.TopicAll)
	errs := listen(b, bus.TopicError)
	m := NewManager(testConfig(), dialer, nil, b)
	defer m.Disconnect()

	m.Connect()
	wait(t, connected, "connected")

	tr.inbound <- []byte("ping")
	if got := waitWrite(t, tr); got != "pong" {
		t.Errorf("reply to ping = %q, want pong", got)
	}

	tr.inbound <- []byte("pong")
	tr.inbound <- []byte(`{"type":"attack_status","tabId":"2","status":"failed"}`)
	msg := wait(t, all, "published message").(protocol.Message)
	if msg.Kind != protocol.KindAttackStatus || msg.TabID != "2" {
		t.Errorf("published %+v", msg)
	}

	tr.inbound <- []byte(`{"no":"type"}`)
	err, _ := wait(t, errs, "parse error").(error)
	var perr *protocol.ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("error event = %v, want *ParseError", err)
	}
	if perr.Raw != `{"no":"type"}` {
		t.Errorf("ParseError.Raw = %q", perr.Raw)
	}
	if m.State() != StateOpen {
		t.Errorf("parse error changed state to %v", m.State())
	}
}

func TestManager_ReconnectBackoffBound(t *testing.T) {
	for _, available := range []bool{true, false} {
		t.Run(map[bool]string{true: "healthy", false: "unhealthy"}[available], func(t *testing.T) {
			dialer := &fakeDialer{dialf: func(int) (Transport, error) { return nil, errors.New("refused") }}
			prober := ProberFunc(func(context.Context) bool { return available })
			b := bus.New()
			reconnecting := listen(b, bus.TopicReconnecting)
			failed := listen(b, bus.TopicConnectionFailed)
			cfg := testConfig()
			m := NewManager(cfg, dialer, prober, b)
			defer m.Disconnect()

			ceiling := cfg.UnhealthyBackoffMax
			if available {
				ceiling = cfg.HealthyBackoffMax
			}

			m.Connect()
			failure := wait(t, failed, "connection_failed").(ConnectionFailure)

			if failure.Attempts != cfg.MaxReconnectAttempts {
				t.Errorf("failure.Attempts = %d, want %d", failure.Attempts, cfg.MaxReconnectAttempts)
			}
			if failure.Retry == nil {
				t.Error("failure.Retry is nil")
			}

			n := 0
			for len(reconnecting) > 0 {
				info := (<-reconnecting).(ReconnectInfo)
				n++
				if info.Delay > ceiling {
					t.Errorf("attempt %d delay %v exceeds ceiling %v", info.Attempt, info.Delay, ceiling)
				}
				if info.Attempt > cfg.MaxReconnectAttempts {
					t.Errorf("attempt %d exceeds max %d", info.Attempt, cfg.MaxReconnectAttempts)
				}
			}
			if n != cfg.MaxReconnectAttempts {
				t.Errorf("got %d reconnecting events, want %d", n, cfg.MaxReconnectAttempts)
			}
		})
	}
}

func TestManager_ReconnectInfoWithinCeiling(t *testing.T) {
	dialer := &fakeDialer{dialf: func(int) (Transport, error) { return nil, errors.New("refused") }}
	b := bus.New()
	var mu sync.Mutex
	var infos []ReconnectInfo
	b.On(bus.TopicReconnecting, func(data any) {
		mu.Lock()
		infos = append(infos, data.(ReconnectInfo))
		mu.Unlock()
	})
	failed := listen(b, bus.TopicConnectionFailed)
	cfg := testConfig()
	m := NewManager(cfg, dialer, ProberFunc(func(context.Context) bool { return false }), b)
	defer m.Disconnect()

	m.Connect()
	wait(t, failed, "connection_failed")

	mu.Lock()
	defer mu.Unlock()
	if len(infos) != cfg.MaxReconnectAttempts {
		t.Fatalf("got %d reconnecting events, want %d", len(infos), cfg.MaxReconnectAttempts)
	}
	for i, info := range infos {
		if info.Attempt != i+1 {
			t.Errorf("event %d Attempt = %d", i, info.Attempt)
		}
		if info.Attempt > cfg.MaxReconnectAttempts {
			t.Errorf("attempt %d exceeds max %d", info.Attempt, cfg.MaxReconnectAttempts)
		}
		if info.Delay > cfg.UnhealthyBackoffMax {
			t.Errorf("delay %v exceeds ceiling %v", info.Delay, cfg.UnhealthyBackoffMax)
		}
		if info.ServerAvailable {
			t.Error("ServerAvailable = true with failing probe")
		}
	}
	if m.ServerAvailable() {
		t.Error("manager reports server available")
	}
}

func TestManager_ManualReconnectAfterFailure(t *testing.T) {
	tr := newFakeTransport()
	var mu sync.Mutex
	healthy := false
	dialer := &fakeDialer{dialf: func(int) (Transport, error) {
		mu.Lock()
		defer mu.Unlock()
		if !healthy {
			return nil, errors.New("refused")
		}
		return tr, nil
	}}
	b := bus.New()
	failed := listen(b, bus.TopicConnectionFailed)
	connected := listen(b, bus.TopicConnected)
	m := NewManager(testConfig(), dialer, nil, b)
	defer m.Disconnect()

	m.Connect()
	failure := wait(t, failed, "connection_failed").(ConnectionFailure)

	mu.Lock()
	healthy = true
	mu.Unlock()
	failure.Retry()

	wait(t, connected, "connected after manual retry")
	if m.Attempts() != 0 {
		t.Errorf("Attempts() = %d after successful connect", m.Attempts())
	}
}

func TestManager_OpenMarksServerAvailable(t *testing.T) {
	tr := newFakeTransport()
	dialer := &fakeDialer{dialf: func(n int) (Transport, error) {
		if n < 3 {
			return nil, errors.New("refused")
		}
		return tr, nil
	}}
	b := bus.New()
	connected := listen(b, bus.TopicConnected)
	reconnecting := listen(b, bus.TopicReconnecting)
	m := NewManager(testConfig(), dialer, ProberFunc(func(context.Context) bool { return false }), b)
	defer m.Disconnect()

	m.Connect()
	if info := wait(t, reconnecting, "reconnecting").(ReconnectInfo); info.ServerAvailable {
		t.Fatal("failing probe reported the server as available")
	}
	wait(t, connected, "connected")

	if !m.ServerAvailable() {
		t.Error("ServerAvailable() = false on an open connection")
	}
	interval, pongTimeout := m.keepAliveTimings()
	cfg := testConfig()
	if interval != cfg.PingIntervalHealthy || pongTimeout != cfg.PongTimeoutHealthy {
		t.Errorf("keep-alive timings = %v/%v, want the healthy %v/%v",
			interval, pongTimeout, cfg.PingIntervalHealthy, cfg.PongTimeoutHealthy)
	}
}

func TestManager_ReconnectsAfterDrop(t *testing.T) {
	first, second := newFakeTransport(), newFakeTransport()
	dialer := &fakeDialer{dialf: func(n int) (Transport, error) {
		if n == 1 {
			return first, nil
		}
		return second, nil
	}}
	b := bus.New()
	connected := listen(b, bus.TopicConnected)
	disconnected := listen(b, bus.TopicDisconnected)
	m := NewManager(testConfig(), dialer, nil, b)
	defer m.Disconnect()

	m.Connect()
	wait(t, connected, "first connect")

	first.drop()
	wait(t, disconnected, "disconnected")
	wait(t, connected, "second connect")

	if err := m.Send("after"); err != nil {
		t.Fatal(err)
	}
	if got := waitWrite(t, second); got != "after" {
		t.Errorf("write on new transport = %q", got)
	}
}

func TestManager_WriteFailureRequeues(t *testing.T) {
	first, second := newFakeTransport(), newFakeTransport()
	first.failWrites = 100
	dialer := &fakeDialer{dialf: func(n int) (Transport, error) {
		if n == 1 {
			return first, nil
		}
		return second, nil
	}}
	b := bus.New()
	connected := listen(b, bus.TopicConnected)
	m := NewManager(testConfig(), dialer, nil, b)
	defer m.Disconnect()

	m.Connect()
	wait(t, connected, "first connect")

	if err := m.Send("one"); err != nil {
		t.Fatalf("Send() surfaced transport error: %v", err)
	}
	if err := m.Send("two"); err != nil {
		t.Fatalf("Send() surfaced transport error: %v", err)
	}

	wait(t, connected, "reconnect after write failure")
	got := []string{waitWrite(t, second), waitWrite(t, second)}
	if diff := cmp.Diff([]string{"one", "two"}, got); diff != "" {
		t.Errorf("requeued order mismatch (-want +got):\n%s", diff)
	}
}

func TestManager_PongTimeoutForcesReconnect(t *testing.T) {
	first := newFakeTransport()
	dialer := &fakeDialer{dialf: func(n int) (Transport, error) {
		if n == 1 {
			return first, nil
		}
		return newFakeTransport(), nil
	}}
	cfg := testConfig()
	cfg.PingIntervalHealthy = 10 * time.Millisecond
	cfg.PongTimeoutHealthy = 10 * time.Millisecond
	b := bus.New()
	connected := listen(b, bus.TopicConnected)
	errs := listen(b, bus.TopicError)
	m := NewManager(cfg, dialer, nil, b)
	defer m.Disconnect()

	m.Connect()
	wait(t, connected, "first connect")

	if got := waitWrite(t, first); got != "ping" {
		t.Errorf("keep-alive wrote %q, want ping", got)
	}
	err, _ := wait(t, errs, "pong timeout").(error)
	if !errors.Is(err, gzerrors.ErrPongTimeout) {
		t.Errorf("error = %v, want ErrPongTimeout", err)
	}
	wait(t, connected, "reconnect")
	if dialer.Dials() < 2 {
		t.Errorf("Dials() = %d, want a second dial", dialer.Dials())
	}
}

func TestManager_DisconnectIdempotent(t *testing.T) {
	tr := newFakeTransport()
	dialer := &fakeDialer{dialf: func(int) (Transport, error) { return tr, nil }}
	b := bus.New()
	connected := listen(b, bus.TopicConnected)
	disconnected := listen(b, bus.TopicDisconnected)
	m := NewManager(testConfig(), dialer, nil, b)

	m.Connect()
	wait(t, connected, "connected")

	m.Disconnect()
	m.Disconnect()

	wait(t, disconnected, "disconnected")
	select {
	case <-disconnected:
		t.Error("second Disconnect emitted again")
	case <-time.After(50 * time.Millisecond):
	}

	tr.mu.Lock()
	code := tr.closeCode
	tr.mu.Unlock()
	if code != CloseNormal {
		t.Errorf("close code = %d, want %d", code, CloseNormal)
	}
	if m.State() != StateClosed {
		t.Errorf("State() = %v, want closed", m.State())
	}
	if dialer.Dials() != 1 {
		t.Errorf("Disconnect triggered a reconnect: %d dials", dialer.Dials())
	}
}

func TestManager_FlushWaitsForQueue(t *testing.T) {
	tr := newFakeTransport()
	dialer := &fakeDialer{dialf: func(int) (Transport, error) { return tr, nil }}
	m := NewManager(testConfig(), dialer, nil, bus.New())
	defer m.Disconnect()

	if err := m.Send(protocol.StopScenario("s1", time.Now())); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if len(tr.Writes()) != 1 {
		t.Errorf("writes = %v", tr.Writes())
	}
}

func TestConnectTimeoutGrows(t *testing.T) {
	cfg := DefaultConfig()
	m := NewManager(cfg, &fakeDialer{}, nil, bus.New())

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 5 * time.Second},
		{3, 8 * time.Second},
		{10, 15 * time.Second},
		{50, 15 * time.Second},
	}
	for _, tt := range tests {
		m.attempts = tt.attempts
		if got := m.connectTimeoutLocked(); got != tt.want {
			t.Errorf("timeout after %d attempts = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}
