package mcpbridge_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	mcpbridge "github.com/jerthedev/go-mcp-bridge"
)

type fakeConn struct {
	mu        sync.Mutex
	connected bool
	closes    int
}

func (c *fakeConn) Connect(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = true
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.closes++
	return nil
}

func (c *fakeConn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeConn) disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
}

func testConnConfig() mcpbridge.ConnectionConfig {
	return mcpbridge.ConnectionConfig{
		Transport: "sse",
		Host:      "localhost",
		Port:      8951,
		Timeout:   5 * time.Second,
	}
}

func TestPoolKey(t *testing.T) {
	base := testConnConfig()

	if base.PoolKey() != base.PoolKey() {
		t.Error("pool key not stable for identical config")
	}
	if !strings.HasPrefix(base.PoolKey(), "sse-") {
		t.Errorf("pool key missing transport prefix: %s", base.PoolKey())
	}

	other := base
	other.Port = 8952
	if base.PoolKey() == other.PoolKey() {
		t.Error("differing configs produced the same pool key")
	}

	authed := base
	authed.AuthToken = "secret"
	if base.PoolKey() == authed.PoolKey() {
		t.Error("auth token should participate in the pool key")
	}
	if strings.Contains(authed.PoolKey(), "secret") {
		t.Error("auth token leaked into the pool key")
	}
}

func TestConnectionPoolEvictsStaleEntries(t *testing.T) {
	pool := mcpbridge.NewConnectionPool()
	conn := &fakeConn{connected: true}

	pool.Add("k1", conn)
	if got, _, ok := pool.Get("k1"); !ok || got != conn {
		t.Fatal("pooled connection not returned")
	}

	conn.disconnect()
	if _, _, ok := pool.Get("k1"); ok {
		t.Error("stale connection was returned")
	}
	if pool.Len() != 0 {
		t.Errorf("stale entry not evicted, pool len = %d", pool.Len())
	}
}

func TestConnectionPoolRelease(t *testing.T) {
	pool := mcpbridge.NewConnectionPool()
	conn := &fakeConn{connected: true}

	pool.Add("k1", conn)
	pool.Release("k1")

	if conn.closes != 1 {
		t.Errorf("release should close the connection, closes = %d", conn.closes)
	}
	if pool.Len() != 0 {
		t.Errorf("released entry still pooled, len = %d", pool.Len())
	}

	// Releasing an unknown key is a no-op.
	pool.Release("missing")
}

func TestManagerDialsOnceAndReuses(t *testing.T) {
	pool := mcpbridge.NewConnectionPool()
	conn := &fakeConn{}
	dials := 0
	dial := func(ctx context.Context) (mcpbridge.PooledConnection, error) {
		dials++
		if err := conn.Connect(ctx); err != nil {
			return nil, err
		}
		return conn, nil
	}

	manager := mcpbridge.NewConnectionManager(testConnConfig(), pool, dial, mcpbridge.HealthConfig{})

	first, err := manager.GetOrCreateConnection(context.Background())
	if err != nil {
		t.Fatalf("failed to establish connection: %v", err)
	}
	second, err := manager.GetOrCreateConnection(context.Background())
	if err != nil {
		t.Fatalf("failed to reuse connection: %v", err)
	}

	if dials != 1 {
		t.Errorf("expected a single dial, got %d", dials)
	}
	if first != second || first != mcpbridge.PooledConnection(conn) {
		t.Error("manager did not reuse the pooled connection")
	}

	// A second manager with the same config shares the pooled entry.
	other := mcpbridge.NewConnectionManager(testConnConfig(), pool, dial, mcpbridge.HealthConfig{})
	shared, err := other.GetOrCreateConnection(context.Background())
	if err != nil {
		t.Fatalf("failed to share connection: %v", err)
	}
	if dials != 1 || shared != first {
		t.Error("managers with equal config should share one pooled connection")
	}
}

func TestManagerDialFailure(t *testing.T) {
	pool := mcpbridge.NewConnectionPool()
	dial := func(context.Context) (mcpbridge.PooledConnection, error) {
		return nil, errors.New("refused")
	}

	manager := mcpbridge.NewConnectionManager(testConnConfig(), pool, dial, mcpbridge.HealthConfig{})
	_, err := manager.GetOrCreateConnection(context.Background())
	if err == nil {
		t.Fatal("expected dial error")
	}
	var transportErr mcpbridge.TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("expected TransportError, got %T", err)
	}
	if transportErr.Transport != "sse" || transportErr.Op != "connect" {
		t.Errorf("unexpected error detail: %+v", transportErr)
	}
}

func TestPerformHealthCheck(t *testing.T) {
	pool := mcpbridge.NewConnectionPool()
	conn := &fakeConn{}
	dial := func(ctx context.Context) (mcpbridge.PooledConnection, error) {
		_ = conn.Connect(ctx)
		return conn, nil
	}

	manager := mcpbridge.NewConnectionManager(testConnConfig(), pool, dial, mcpbridge.HealthConfig{
		CheckInterval:    20 * time.Millisecond,
		MaxConnectionAge: time.Minute,
	})
	if _, err := manager.GetOrCreateConnection(context.Background()); err != nil {
		t.Fatalf("failed to establish connection: %v", err)
	}

	healthy, results := manager.PerformHealthCheck(context.Background())
	if !healthy {
		t.Errorf("connected fresh connection reported unhealthy: %+v", results)
	}
	if manager.Info().Status != mcpbridge.HealthHealthy {
		t.Errorf("status = %v, want healthy", manager.Info().Status)
	}

	conn.disconnect()
	healthy, results = manager.PerformHealthCheck(context.Background())
	if healthy {
		t.Errorf("disconnected connection reported healthy: %+v", results)
	}
	if manager.Info().Status != mcpbridge.HealthUnhealthy {
		t.Errorf("status = %v, want unhealthy", manager.Info().Status)
	}
}

func TestPerformHealthCheckAgeExpiry(t *testing.T) {
	pool := mcpbridge.NewConnectionPool()
	conn := &fakeConn{}
	dial := func(ctx context.Context) (mcpbridge.PooledConnection, error) {
		_ = conn.Connect(ctx)
		return conn, nil
	}

	manager := mcpbridge.NewConnectionManager(testConnConfig(), pool, dial, mcpbridge.HealthConfig{
		CheckInterval:    time.Minute,
		MaxConnectionAge: 10 * time.Millisecond,
	})
	if _, err := manager.GetOrCreateConnection(context.Background()); err != nil {
		t.Fatalf("failed to establish connection: %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	healthy, results := manager.PerformHealthCheck(context.Background())
	if healthy {
		t.Error("expired connection reported healthy despite being connected")
	}
	var ageResult *mcpbridge.HealthCheckResult
	for i := range results {
		if results[i].Name == "age" {
			ageResult = &results[i]
		}
	}
	if ageResult == nil {
		t.Fatalf("age check missing from results: %+v", results)
	}
	if ageResult.Passed {
		t.Errorf("age check passed for expired connection: %+v", *ageResult)
	}
}

func TestPerformHealthCheckExtraChecks(t *testing.T) {
	pool := mcpbridge.NewConnectionPool()
	conn := &fakeConn{}
	dial := func(ctx context.Context) (mcpbridge.PooledConnection, error) {
		_ = conn.Connect(ctx)
		return conn, nil
	}

	manager := mcpbridge.NewConnectionManager(testConnConfig(), pool, dial,
		mcpbridge.HealthConfig{},
		mcpbridge.WithHealthCheck(func(mcpbridge.PooledConnection) mcpbridge.HealthCheckResult {
			return mcpbridge.HealthCheckResult{Name: "handshake", Passed: false, Detail: "stale session"}
		}))
	if _, err := manager.GetOrCreateConnection(context.Background()); err != nil {
		t.Fatalf("failed to establish connection: %v", err)
	}

	healthy, results := manager.PerformHealthCheck(context.Background())
	if healthy {
		t.Error("failing extra check should make the connection unhealthy")
	}
	found := false
	for _, result := range results {
		if result.Name == "handshake" && !result.Passed {
			found = true
		}
	}
	if !found {
		t.Errorf("extra check result missing: %+v", results)
	}
}

func TestIsHealthCheckDue(t *testing.T) {
	pool := mcpbridge.NewConnectionPool()
	conn := &fakeConn{}
	dial := func(ctx context.Context) (mcpbridge.PooledConnection, error) {
		_ = conn.Connect(ctx)
		return conn, nil
	}

	manager := mcpbridge.NewConnectionManager(testConnConfig(), pool, dial, mcpbridge.HealthConfig{
		CheckInterval: 15 * time.Millisecond,
	})

	if !manager.IsHealthCheckDue() {
		t.Error("never-checked manager should report a due check")
	}

	if _, err := manager.GetOrCreateConnection(context.Background()); err != nil {
		t.Fatalf("failed to establish connection: %v", err)
	}
	manager.PerformHealthCheck(context.Background())
	if manager.IsHealthCheckDue() {
		t.Error("freshly checked manager should not be due")
	}

	time.Sleep(25 * time.Millisecond)
	if !manager.IsHealthCheckDue() {
		t.Error("check should be due after the interval elapses")
	}
}
