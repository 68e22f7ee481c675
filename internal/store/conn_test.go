package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// testStoreConfig returns a config with short backoff delays so reconnection
// tests settle quickly.
func testStoreConfig() *StoreConfig {
	cfg := NewDefaultStoreConfig()
	cfg.MaxReconnectAttempts = 3
	cfg.BaseBackoff = 20 * time.Millisecond
	cfg.MaxBackoff = 200 * time.Millisecond
	cfg.ConnectTimeout = 500 * time.Millisecond
	cfg.OperationTimeout = 500 * time.Millisecond
	cfg.SessionTTL = time.Hour
	cfg.CleanupInterval = 0
	return cfg
}

// fakeEntry is one stored value in the fake transport.
type fakeEntry struct {
	payload   []byte
	expiresAt time.Time // zero means no expiry
}

// fakeTransport implements Transport on an in-memory map with TTL semantics
// matching the remote service. Individual commands can be forced to fail via
// failWith, which is how tests exercise the transport fault paths.
type fakeTransport struct {
	mu         sync.Mutex
	data       map[string]fakeEntry
	errs       map[string]error
	closeCount int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		data: make(map[string]fakeEntry),
		errs: make(map[string]error),
	}
}

// failWith makes the named command fail with err until cleared with nil.
func (f *fakeTransport) failWith(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[op] = err
}

func (f *fakeTransport) errFor(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.errs[op]
}

func (f *fakeTransport) put(key string, payload []byte, expiresAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = fakeEntry{payload: payload, expiresAt: expiresAt}
}

func (f *fakeTransport) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.data[key]
	return ok
}

func (f *fakeTransport) closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCount
}

func (f *fakeTransport) Ping(ctx context.Context) *redis.StatusCmd {
	if err := f.errFor("ping"); err != nil {
		return redis.NewStatusResult("", err)
	}
	return redis.NewStatusResult("PONG", nil)
}

func (f *fakeTransport) Get(ctx context.Context, key string) *redis.StringCmd {
	if err := f.errFor("get"); err != nil {
		return redis.NewStringResult("", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	e, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		delete(f.data, key)
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(string(e.payload), nil)
}

func (f *fakeTransport) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	if err := f.errFor("set"); err != nil {
		return redis.NewStatusResult("", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	var payload []byte
	switch v := value.(type) {
	case []byte:
		payload = append([]byte(nil), v...)
	case string:
		payload = []byte(v)
	default:
		return redis.NewStatusResult("", fmt.Errorf("unsupported value type %T", value))
	}

	e := fakeEntry{payload: payload}
	if expiration > 0 {
		e.expiresAt = time.Now().Add(expiration)
	}
	f.data[key] = e
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeTransport) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	if err := f.errFor("del"); err != nil {
		return redis.NewIntResult(0, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	var removed int64
	for _, key := range keys {
		if _, ok := f.data[key]; ok {
			delete(f.data, key)
			removed++
		}
	}
	return redis.NewIntResult(removed, nil)
}

func (f *fakeTransport) Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	if err := f.errFor("expire"); err != nil {
		return redis.NewBoolResult(false, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	e, ok := f.data[key]
	if !ok {
		return redis.NewBoolResult(false, nil)
	}
	e.expiresAt = time.Now().Add(expiration)
	f.data[key] = e
	return redis.NewBoolResult(true, nil)
}

func (f *fakeTransport) TTL(ctx context.Context, key string) *redis.DurationCmd {
	if err := f.errFor("ttl"); err != nil {
		return redis.NewDurationResult(0, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	e, ok := f.data[key]
	if !ok {
		return redis.NewDurationResult(ttlKeyMissing, nil)
	}
	if e.expiresAt.IsZero() {
		return redis.NewDurationResult(ttlNoExpiry, nil)
	}
	remaining := time.Until(e.expiresAt)
	if remaining <= 0 {
		delete(f.data, key)
		return redis.NewDurationResult(ttlKeyMissing, nil)
	}
	return redis.NewDurationResult(remaining, nil)
}

func (f *fakeTransport) Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd {
	if err := f.errFor("scan"); err != nil {
		return redis.NewScanCmdResult(nil, 0, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	prefix := strings.TrimSuffix(match, "*")
	var keys []string
	for key := range f.data {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return redis.NewScanCmdResult(keys, 0, nil)
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCount++
	return nil
}

// scriptedDialer fails a fixed number of dials before handing out the fake
// transport. An optional gate holds successful dials until the test releases
// them, keeping the manager observable mid-connect.
type scriptedDialer struct {
	mu        sync.Mutex
	failures  int
	dials     int
	transport *fakeTransport
	gate      chan struct{}
}

func (d *scriptedDialer) dial(ctx context.Context, cfg *StoreConfig) (Transport, error) {
	d.mu.Lock()
	d.dials++
	n := d.dials
	failures := d.failures
	gate := d.gate
	d.mu.Unlock()

	if n <= failures {
		return nil, errors.New("connection refused")
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return d.transport, nil
}

func (d *scriptedDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// waitFor polls cond until it holds or the timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestConnectionStateString(t *testing.T) {
	tests := []struct {
		state ConnectionState
		want  string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnecting, "connecting"},
		{StateConnected, "connected"},
		{StateReconnecting, "reconnecting"},
		{StateFailed, "failed"},
		{ConnectionState(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.state.String(); got != tt.want {
				t.Errorf("String() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestConnectEstablishesConnection(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	d := &scriptedDialer{transport: newFakeTransport()}
	m := NewConnectionManager(testStoreConfig(), logger, nil, d.dial)
	defer m.Close()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if got := m.State(); got != StateConnected {
		t.Errorf("State() = %v, want %v", got, StateConnected)
	}

	if !m.IsHealthy() {
		t.Error("IsHealthy() = false, want true")
	}

	if !m.EverConnected() {
		t.Error("EverConnected() = false, want true")
	}

	if got := m.Attempts(); got != 0 {
		t.Errorf("Attempts() = %d, want 0", got)
	}

	if err := m.LastError(); err != nil {
		t.Errorf("LastError() = %v, want nil", err)
	}

	tr, err := m.Transport()
	if err != nil {
		t.Fatalf("Transport() error = %v", err)
	}
	if tr == nil {
		t.Fatal("Transport() returned nil transport")
	}

	// Connecting while connected is a no-op
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() while connected error = %v", err)
	}
	if got := d.dialCount(); got != 1 {
		t.Errorf("dial count = %d, want 1", got)
	}
}

func TestConnectRetriesWithBackoff(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	d := &scriptedDialer{failures: 2, transport: newFakeTransport()}
	m := NewConnectionManager(testStoreConfig(), logger, nil, d.dial)
	defer m.Close()

	err := m.Connect(context.Background())
	if !errors.Is(err, ErrConnectionFailed) {
		t.Fatalf("Connect() error = %v, want ErrConnectionFailed", err)
	}

	if got := m.State(); got != StateReconnecting {
		t.Errorf("State() = %v, want %v", got, StateReconnecting)
	}

	if got := m.Attempts(); got != 1 {
		t.Errorf("Attempts() = %d, want 1", got)
	}

	if m.LastError() == nil {
		t.Error("LastError() = nil, want dial error")
	}

	waitFor(t, 2*time.Second, func() bool {
		return m.State() == StateConnected
	}, "connection never recovered")

	if got := d.dialCount(); got != 3 {
		t.Errorf("dial count = %d, want 3", got)
	}

	if got := m.Attempts(); got != 0 {
		t.Errorf("Attempts() after recovery = %d, want 0", got)
	}

	if err := m.LastError(); err != nil {
		t.Errorf("LastError() after recovery = %v, want nil", err)
	}

	if !m.EverConnected() {
		t.Error("EverConnected() = false, want true")
	}
}

func TestConnectExhaustsAttempts(t *testing.T) {
	cfg := testStoreConfig()
	cfg.MaxReconnectAttempts = 1

	logger, _ := zap.NewDevelopment()
	d := &scriptedDialer{failures: 1 << 30, transport: newFakeTransport()}
	m := NewConnectionManager(cfg, logger, nil, d.dial)
	defer m.Close()

	err := m.Connect(context.Background())
	if !errors.Is(err, ErrConnectionFailed) {
		t.Fatalf("Connect() error = %v, want ErrConnectionFailed", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return m.State() == StateFailed
	}, "manager never gave up")

	// Initial attempt plus one retry
	if got := d.dialCount(); got != 2 {
		t.Errorf("dial count = %d, want 2", got)
	}

	// No further attempts once failed
	time.Sleep(100 * time.Millisecond)
	if got := d.dialCount(); got != 2 {
		t.Errorf("dial count after settling = %d, want 2", got)
	}

	if m.IsHealthy() {
		t.Error("IsHealthy() = true, want false")
	}

	if m.EverConnected() {
		t.Error("EverConnected() = true, want false")
	}

	if _, err := m.Transport(); !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("Transport() error = %v, want ErrStoreUnavailable", err)
	}
}

func TestConnectAfterExhaustionStartsFresh(t *testing.T) {
	cfg := testStoreConfig()
	cfg.MaxReconnectAttempts = 0

	logger, _ := zap.NewDevelopment()
	d := &scriptedDialer{failures: 1, transport: newFakeTransport()}
	m := NewConnectionManager(cfg, logger, nil, d.dial)
	defer m.Close()

	// Zero retry budget parks the manager in StateFailed on the first
	// refused dial.
	err := m.Connect(context.Background())
	if !errors.Is(err, ErrConnectionFailed) {
		t.Fatalf("Connect() error = %v, want ErrConnectionFailed", err)
	}
	if got := m.State(); got != StateFailed {
		t.Fatalf("State() = %v, want %v", got, StateFailed)
	}
	if got := d.dialCount(); got != 1 {
		t.Fatalf("dial count = %d, want 1", got)
	}

	// An explicit Connect starts over with a fresh attempt budget.
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() after failure error = %v", err)
	}

	if got := m.State(); got != StateConnected {
		t.Errorf("State() = %v, want %v", got, StateConnected)
	}
	if got := d.dialCount(); got != 2 {
		t.Errorf("dial count = %d, want 2", got)
	}
	if !m.EverConnected() {
		t.Error("EverConnected() = false, want true")
	}
}

func TestBackoffSchedule(t *testing.T) {
	cfg := testStoreConfig()
	cfg.BaseBackoff = 100 * time.Millisecond
	cfg.MaxBackoff = 350 * time.Millisecond

	b := newBackoffSchedule(cfg)

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		350 * time.Millisecond,
		350 * time.Millisecond,
	}

	for i, w := range want {
		if got := b.NextBackOff(); got != w {
			t.Errorf("NextBackOff() #%d = %v, want %v", i+1, got, w)
		}
	}

	b.Reset()
	if got := b.NextBackOff(); got != 100*time.Millisecond {
		t.Errorf("NextBackOff() after reset = %v, want 100ms", got)
	}
}

func TestReportFailureSchedulesReconnect(t *testing.T) {
	cfg := testStoreConfig()
	cfg.MaxReconnectAttempts = 10

	logger, _ := zap.NewDevelopment()
	ft := newFakeTransport()
	d := &scriptedDialer{transport: ft}
	m := NewConnectionManager(cfg, logger, nil, d.dial)
	defer m.Close()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	ft.failWith("ping", errors.New("connection reset by peer"))
	m.ReportFailure(errors.New("connection reset by peer"))

	if got := m.State(); got != StateReconnecting {
		t.Fatalf("State() = %v, want %v", got, StateReconnecting)
	}
	if got := m.Attempts(); got != 1 {
		t.Errorf("Attempts() = %d, want 1", got)
	}
	if _, err := m.Transport(); !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("Transport() error = %v, want ErrStoreUnavailable", err)
	}

	// Retries probe the existing transport, so they keep failing while the
	// ping error stands.
	waitFor(t, 2*time.Second, func() bool {
		return m.Attempts() >= 2
	}, "no retry was attempted")

	ft.failWith("ping", nil)

	waitFor(t, 2*time.Second, func() bool {
		return m.State() == StateConnected
	}, "connection never recovered")

	// Recovery went through the existing transport, not a new dial
	if got := d.dialCount(); got != 1 {
		t.Errorf("dial count = %d, want 1", got)
	}
	if got := m.Attempts(); got != 0 {
		t.Errorf("Attempts() after recovery = %d, want 0", got)
	}
}

func TestReportFailureIgnoredUnlessConnected(t *testing.T) {
	t.Run("disconnected", func(t *testing.T) {
		logger, _ := zap.NewDevelopment()
		d := &scriptedDialer{transport: newFakeTransport()}
		m := NewConnectionManager(testStoreConfig(), logger, nil, d.dial)
		defer m.Close()

		m.ReportFailure(errors.New("spurious"))

		if got := m.State(); got != StateDisconnected {
			t.Errorf("State() = %v, want %v", got, StateDisconnected)
		}
		if got := m.Attempts(); got != 0 {
			t.Errorf("Attempts() = %d, want 0", got)
		}

		time.Sleep(50 * time.Millisecond)
		if got := d.dialCount(); got != 0 {
			t.Errorf("dial count = %d, want 0", got)
		}
	})

	t.Run("failed", func(t *testing.T) {
		cfg := testStoreConfig()
		cfg.MaxReconnectAttempts = 0

		logger, _ := zap.NewDevelopment()
		d := &scriptedDialer{failures: 1 << 30, transport: newFakeTransport()}
		m := NewConnectionManager(cfg, logger, nil, d.dial)
		defer m.Close()

		_ = m.Connect(context.Background())
		if got := m.State(); got != StateFailed {
			t.Fatalf("State() = %v, want %v", got, StateFailed)
		}

		m.ReportFailure(errors.New("spurious"))

		if got := m.State(); got != StateFailed {
			t.Errorf("State() = %v, want %v", got, StateFailed)
		}

		time.Sleep(50 * time.Millisecond)
		if got := d.dialCount(); got != 1 {
			t.Errorf("dial count = %d, want 1", got)
		}
	})
}

func TestDisconnectCancelsScheduledRetry(t *testing.T) {
	cfg := testStoreConfig()
	cfg.MaxReconnectAttempts = 5
	cfg.BaseBackoff = 50 * time.Millisecond

	logger, _ := zap.NewDevelopment()
	d := &scriptedDialer{failures: 1 << 30, transport: newFakeTransport()}
	m := NewConnectionManager(cfg, logger, nil, d.dial)
	defer m.Close()

	_ = m.Connect(context.Background())
	if got := m.State(); got != StateReconnecting {
		t.Fatalf("State() = %v, want %v", got, StateReconnecting)
	}

	m.Disconnect()

	if got := m.State(); got != StateDisconnected {
		t.Errorf("State() = %v, want %v", got, StateDisconnected)
	}
	if got := m.Attempts(); got != 0 {
		t.Errorf("Attempts() = %d, want 0", got)
	}

	dials := d.dialCount()
	time.Sleep(150 * time.Millisecond)
	if got := d.dialCount(); got != dials {
		t.Errorf("dial count = %d, want %d (retry ran after disconnect)", got, dials)
	}
}

func TestDisconnectClosesTransportAndAllowsReconnect(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	ft := newFakeTransport()
	d := &scriptedDialer{transport: ft}
	m := NewConnectionManager(testStoreConfig(), logger, nil, d.dial)
	defer m.Close()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	m.Disconnect()

	if got := ft.closes(); got != 1 {
		t.Errorf("transport closes = %d, want 1", got)
	}
	if m.IsHealthy() {
		t.Error("IsHealthy() = true, want false")
	}
	if _, err := m.Transport(); !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("Transport() error = %v, want ErrStoreUnavailable", err)
	}

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() after disconnect error = %v", err)
	}
	if got := m.State(); got != StateConnected {
		t.Errorf("State() = %v, want %v", got, StateConnected)
	}
	if got := d.dialCount(); got != 2 {
		t.Errorf("dial count = %d, want 2", got)
	}
}

func TestCloseIsPermanentAndIdempotent(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	ft := newFakeTransport()
	d := &scriptedDialer{transport: ft}
	m := NewConnectionManager(testStoreConfig(), logger, nil, d.dial)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	m.Close()
	m.Close()

	if got := ft.closes(); got != 1 {
		t.Errorf("transport closes = %d, want 1", got)
	}

	if err := m.Connect(context.Background()); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("Connect() after close error = %v, want ErrStoreClosed", err)
	}
	if _, err := m.Transport(); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("Transport() after close error = %v, want ErrStoreClosed", err)
	}
	if m.IsHealthy() {
		t.Error("IsHealthy() = true, want false")
	}
}

func TestConnectionMetricsRecorded(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewSessionMetrics("test", registry)

	logger, _ := zap.NewDevelopment()
	d := &scriptedDialer{transport: newFakeTransport()}
	m := NewConnectionManager(testStoreConfig(), logger, metrics, d.dial)
	defer m.Close()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if got := testutil.ToFloat64(metrics.ConnectionState.WithLabelValues("connected")); got != 1 {
		t.Errorf("connected state gauge = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.ConnectionState.WithLabelValues("disconnected")); got != 0 {
		t.Errorf("disconnected state gauge = %v, want 0", got)
	}

	if got := testutil.ToFloat64(metrics.ConnectionTransitions.WithLabelValues("disconnected", "connecting")); got != 1 {
		t.Errorf("disconnected->connecting transitions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.ConnectionTransitions.WithLabelValues("connecting", "connected")); got != 1 {
		t.Errorf("connecting->connected transitions = %v, want 1", got)
	}
}
