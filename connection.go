package mcpbridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash"
)

// HealthStatus tags the outcome of the most recent health check.
type HealthStatus string

// Health status values.
const (
	HealthUnknown   HealthStatus = "unknown"
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// ConnectionInfo records a pooled connection's identity and health metadata.
type ConnectionInfo struct {
	ID              string
	CreatedAt       time.Time
	LastHealthCheck time.Time
	Status          HealthStatus
}

// HealthCheckResult is the outcome of one individual health check.
type HealthCheckResult struct {
	Name   string
	Passed bool
	Detail string
}

// PooledConnection is the connectivity surface the pool and manager operate on.
type PooledConnection interface {
	Connect(ctx context.Context) error
	Close() error
	Connected() bool
}

// HealthCheck is a transport-specific check evaluated during PerformHealthCheck
// in addition to the built-in connectivity and age checks.
type HealthCheck func(conn PooledConnection) HealthCheckResult

// ConnectionConfig holds the connection-relevant settings the pool key is
// derived from. Two configurations with equal fields map to the same pooled
// connection.
type ConnectionConfig struct {
	Transport string        `yaml:"transport"`
	Host      string        `yaml:"host"`
	Port      int           `yaml:"port"`
	Timeout   time.Duration `yaml:"timeout"`
	AuthToken string        `yaml:"-"`
}

// PoolKey returns a stable connection identity derived from the transport type
// and a hash of the connection-relevant configuration.
func (c ConnectionConfig) PoolKey() string {
	sum := xxhash.Sum64String(fmt.Sprintf("%s|%d|%s|%s", c.Host, c.Port, c.Timeout, c.AuthToken))
	return fmt.Sprintf("%s-%016x", c.Transport, sum)
}

type poolEntry struct {
	conn PooledConnection
	info ConnectionInfo
}

// ConnectionPool stores connections for reuse across logical connections. It is
// the only state shared across connections and serializes all operations
// against concurrent callers.
type ConnectionPool struct {
	mu      sync.Mutex
	entries map[string]*poolEntry
	now     func() time.Time
}

// NewConnectionPool creates an empty pool.
func NewConnectionPool() *ConnectionPool {
	return &ConnectionPool{
		entries: make(map[string]*poolEntry),
		now:     time.Now,
	}
}

// Get returns the pooled connection for the given key if it exists and is
// still connected. A stale (disconnected) entry is evicted and not returned.
func (p *ConnectionPool) Get(key string) (PooledConnection, ConnectionInfo, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.entries[key]
	if !ok {
		return nil, ConnectionInfo{}, false
	}
	if !entry.conn.Connected() {
		delete(p.entries, key)
		return nil, ConnectionInfo{}, false
	}
	return entry.conn, entry.info, true
}

// Add registers a connection under the given key, replacing any previous entry.
func (p *ConnectionPool) Add(key string, conn PooledConnection) ConnectionInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	info := ConnectionInfo{
		ID:        key,
		CreatedAt: p.now(),
		Status:    HealthUnknown,
	}
	p.entries[key] = &poolEntry{conn: conn, info: info}
	return info
}

// Update stores refreshed health metadata for a pooled connection.
func (p *ConnectionPool) Update(key string, info ConnectionInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if entry, ok := p.entries[key]; ok {
		entry.info = info
	}
}

// Release removes a connection from the pool and closes it.
func (p *ConnectionPool) Release(key string) {
	p.mu.Lock()
	entry, ok := p.entries[key]
	delete(p.entries, key)
	p.mu.Unlock()

	if ok {
		// Close outside the lock; a slow close must not stall other callers.
		_ = entry.conn.Close()
	}
}

// Len returns the number of pooled connections.
func (p *ConnectionPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Dialer establishes a new connection for the manager when the pool holds no
// reusable entry.
type Dialer func(ctx context.Context) (PooledConnection, error)

// ConnectionManagerOption represents the options for the ConnectionManager.
type ConnectionManagerOption func(*ConnectionManager)

// ConnectionManager tracks one logical connection's identity, health-check
// cadence, and pooled reuse. Health checks are driven by the owner's polling
// loop through IsHealthCheckDue and PerformHealthCheck; the manager runs no
// timer of its own.
type ConnectionManager struct {
	cfg    ConnectionConfig
	pool   *ConnectionPool
	dial   Dialer
	logger *slog.Logger

	maxAge        time.Duration
	checkInterval time.Duration
	extraChecks   []HealthCheck

	mu   sync.Mutex
	conn PooledConnection
	info ConnectionInfo
	now  func() time.Time
}

// NewConnectionManager creates a manager for the connection described by cfg,
// reusing entries from the given pool and dialing new connections when needed.
func NewConnectionManager(
	cfg ConnectionConfig,
	pool *ConnectionPool,
	dial Dialer,
	health HealthConfig,
	options ...ConnectionManagerOption,
) *ConnectionManager {
	health.applyDefaults()
	m := &ConnectionManager{
		cfg:           cfg,
		pool:          pool,
		dial:          dial,
		logger:        slog.Default(),
		maxAge:        health.MaxConnectionAge,
		checkInterval: health.CheckInterval,
		now:           time.Now,
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

// WithConnectionLogger sets the logger used to report connection events.
func WithConnectionLogger(logger *slog.Logger) ConnectionManagerOption {
	return func(m *ConnectionManager) {
		m.logger = logger.With(slog.String("component", "connection-manager"))
	}
}

// WithHealthCheck adds a transport-specific check evaluated during
// PerformHealthCheck.
func WithHealthCheck(check HealthCheck) ConnectionManagerOption {
	return func(m *ConnectionManager) {
		m.extraChecks = append(m.extraChecks, check)
	}
}

// ConnectionID returns the stable identity of the managed connection.
func (m *ConnectionManager) ConnectionID() string {
	return m.cfg.PoolKey()
}

// GetOrCreateConnection returns the pool's existing, still-connected entry for
// this manager's key, or establishes a new connection and registers it.
func (m *ConnectionManager) GetOrCreateConnection(ctx context.Context) (PooledConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := m.cfg.PoolKey()
	if conn, info, ok := m.pool.Get(key); ok {
		m.logger.Debug("reusing pooled connection", slog.String("connectionID", key))
		m.conn = conn
		m.info = info
		return conn, nil
	}

	conn, err := m.dial(ctx)
	if err != nil {
		return nil, TransportError{Transport: m.cfg.Transport, Op: "connect", Err: err}
	}
	m.conn = conn
	m.info = m.pool.Add(key, conn)
	m.logger.Info("established new connection", slog.String("connectionID", key))
	return conn, nil
}

// ReleaseConnection returns the managed connection to a closed state and
// removes it from the pool.
func (m *ConnectionManager) ReleaseConnection() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return
	}
	m.pool.Release(m.cfg.PoolKey())
	m.conn = nil
	m.info = ConnectionInfo{}
}

// PerformHealthCheck evaluates connectivity, connection age, and any
// transport-specific checks, aggregating them into a single healthy flag plus
// the individual results. The stored metadata is updated with the outcome.
//
// A connection whose age exceeds the configured maximum is considered expired
// regardless of any other check's outcome.
func (m *ConnectionManager) PerformHealthCheck(_ context.Context) (bool, []HealthCheckResult) {
	m.mu.Lock()
	defer m.mu.Unlock()

	results := make([]HealthCheckResult, 0, 2+len(m.extraChecks))

	connected := m.conn != nil && m.conn.Connected()
	results = append(results, HealthCheckResult{
		Name:   "connectivity",
		Passed: connected,
	})

	expired := false
	if m.conn != nil && m.maxAge > 0 {
		age := m.now().Sub(m.info.CreatedAt)
		expired = age > m.maxAge
		results = append(results, HealthCheckResult{
			Name:   "age",
			Passed: !expired,
			Detail: fmt.Sprintf("age %s, limit %s", age.Round(time.Millisecond), m.maxAge),
		})
	}

	healthy := connected && !expired
	if m.conn != nil {
		for _, check := range m.extraChecks {
			result := check(m.conn)
			results = append(results, result)
			healthy = healthy && result.Passed
		}
	}

	m.info.LastHealthCheck = m.now()
	if healthy {
		m.info.Status = HealthHealthy
	} else {
		m.info.Status = HealthUnhealthy
	}
	m.pool.Update(m.cfg.PoolKey(), m.info)

	return healthy, results
}

// CheckInterval returns the configured health-check cadence. Owners use it to
// size the interval of the polling loop that drives IsHealthCheckDue.
func (m *ConnectionManager) CheckInterval() time.Duration {
	return m.checkInterval
}

// IsHealthCheckDue reports whether more time than the configured interval has
// elapsed since the last check. Used by a caller's polling loop.
func (m *ConnectionManager) IsHealthCheckDue() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.info.LastHealthCheck.IsZero() {
		return true
	}
	return m.now().Sub(m.info.LastHealthCheck) > m.checkInterval
}

// Info returns a copy of the managed connection's current metadata.
func (m *ConnectionManager) Info() ConnectionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.info
}
