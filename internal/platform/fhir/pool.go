package fhir

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ConnectionLimits bounds the shared HTTP connection pool handed to every
// client the pool creates.
type ConnectionLimits struct {
	MaxConnections  int
	MaxKeepalive    int
	KeepaliveExpiry time.Duration
}

// DefaultConnectionLimits returns the standard pool bounds.
func DefaultConnectionLimits() ConnectionLimits {
	return ConnectionLimits{
		MaxConnections:  100,
		MaxKeepalive:    20,
		KeepaliveExpiry: 5 * time.Second,
	}
}

// ClientFactory builds a client for a validated AuthConfig. The auth package
// provides the production factory, which wires a token manager for
// authenticated configs.
type ClientFactory func(cfg AuthConfig, limits ConnectionLimits) (*Client, error)

// DefaultClientFactory builds clients without a token source; it serves
// public endpoints only.
func DefaultClientFactory(cfg AuthConfig, limits ConnectionLimits) (*Client, error) {
	return NewClient(cfg, limits)
}

// ---------------------------------------------------------------------------
// ClientPool
// ---------------------------------------------------------------------------

// poolEntry serializes creation per connection string: the first caller
// builds the client inside once, later callers for the same key wait on it.
type poolEntry struct {
	once   sync.Once
	client *Client
	err    error
}

// ClientPool keeps exactly one client per distinct connection string.
// Creation for distinct keys proceeds in parallel; creation for the same key
// is serialized so concurrent first-touch never builds duplicates.
type ClientPool struct {
	mu      sync.Mutex
	entries map[string]*poolEntry
	factory ClientFactory
	limits  ConnectionLimits
}

// NewClientPool creates a pool using the given factory and shared limits.
func NewClientPool(factory ClientFactory, limits ConnectionLimits) *ClientPool {
	if factory == nil {
		factory = DefaultClientFactory
	}
	return &ClientPool{
		entries: make(map[string]*poolEntry),
		factory: factory,
		limits:  limits,
	}
}

// Get returns the client for the connection string, creating it on first
// touch.
func (p *ClientPool) Get(connString string) (*Client, error) {
	cfg, err := ParseConnectionString(connString)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	entry, ok := p.entries[connString]
	if !ok {
		entry = &poolEntry{}
		p.entries[connString] = entry
	}
	p.mu.Unlock()

	entry.once.Do(func() {
		entry.client, entry.err = p.factory(cfg, p.limits)
	})
	if entry.err != nil {
		// Failed creations are not cached; the next caller retries.
		p.mu.Lock()
		if p.entries[connString] == entry {
			delete(p.entries, connString)
		}
		p.mu.Unlock()
		return nil, entry.err
	}
	return entry.client, nil
}

// Size returns the number of live clients.
func (p *ClientPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// CloseAll closes every client and empties the pool. It is idempotent;
// subsequent Get calls create fresh clients.
func (p *ClientPool) CloseAll() {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[string]*poolEntry)
	p.mu.Unlock()

	for _, e := range entries {
		if e.client != nil {
			e.client.Close()
		}
	}
}

// ---------------------------------------------------------------------------
// ConnectionManager
// ---------------------------------------------------------------------------

// Source is a named remote FHIR server configuration.
type Source struct {
	Name             string
	ConnectionString string
	Config           AuthConfig
}

// ConnectionManager multiplexes named sources onto pooled clients.
type ConnectionManager struct {
	mu      sync.RWMutex
	sources map[string]Source
	order   []string
	pool    *ClientPool
	log     zerolog.Logger
}

// ManagerOption configures a ConnectionManager.
type ManagerOption func(*ConnectionManager)

// WithManagerLogger sets the manager logger.
func WithManagerLogger(log zerolog.Logger) ManagerOption {
	return func(m *ConnectionManager) { m.log = log }
}

// NewConnectionManager creates a manager whose pool builds clients with the
// given factory and limits.
func NewConnectionManager(factory ClientFactory, limits ConnectionLimits, opts ...ManagerOption) *ConnectionManager {
	m := &ConnectionManager{
		sources: make(map[string]Source),
		pool:    NewClientPool(factory, limits),
		log:     zerolog.Nop(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// AddSource validates and registers a named connection string. Re-adding a
// name overwrites its connection string but keeps its position in the
// default-source order.
func (m *ConnectionManager) AddSource(name, connString string) error {
	if name == "" {
		return NewConfigError("source name is required")
	}
	cfg, err := parseConnectionString(connString, m.log)
	if err != nil {
		return &ConnectionError{
			Kind:    KindInvalidConnectionString,
			State:   "500",
			Message: fmt.Sprintf("source %q has an invalid connection string", name),
			Err:     err,
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sources[name]; !exists {
		m.order = append(m.order, name)
	}
	m.sources[name] = Source{Name: name, ConnectionString: connString, Config: cfg}
	m.log.Info().Str("source", name).Str("base_url", cfg.BaseURL).Msg("registered FHIR source")
	return nil
}

// Client returns the pooled client for a source. An empty name selects the
// first configured source.
func (m *ConnectionManager) Client(name string) (*Client, error) {
	m.mu.RLock()
	if name == "" {
		if len(m.order) == 0 {
			m.mu.RUnlock()
			return nil, NewConfigError("no sources configured")
		}
		name = m.order[0]
	}
	src, ok := m.sources[name]
	m.mu.RUnlock()

	if !ok {
		return nil, &ConnectionError{
			Kind:    KindUnknownSource,
			State:   StateUnknown,
			Message: fmt.Sprintf("unknown source %q", name),
		}
	}
	return m.pool.Get(src.ConnectionString)
}

// ResolveSource returns the effective source name for an optional name.
func (m *ConnectionManager) ResolveSource(name string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if name == "" {
		if len(m.order) == 0 {
			return "", NewConfigError("no sources configured")
		}
		return m.order[0], nil
	}
	if _, ok := m.sources[name]; !ok {
		return "", &ConnectionError{
			Kind:    KindUnknownSource,
			State:   StateUnknown,
			Message: fmt.Sprintf("unknown source %q", name),
		}
	}
	return name, nil
}

// SourceNames returns the configured names in registration order.
func (m *ConnectionManager) SourceNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// PoolStatus is the operational snapshot reported by Status.
type PoolStatus struct {
	Sources        []string `json:"sources"`
	PoolingEnabled bool     `json:"pooling_enabled"`
	ActiveClients  int      `json:"active_clients"`
	MaxConnections int      `json:"max_connections"`
	MaxKeepalive   int      `json:"max_keepalive_connections"`
}

// Status reports the manager's sources and pool occupancy.
func (m *ConnectionManager) Status() PoolStatus {
	return PoolStatus{
		Sources:        m.SourceNames(),
		PoolingEnabled: true,
		ActiveClients:  m.pool.Size(),
		MaxConnections: m.pool.limits.MaxConnections,
		MaxKeepalive:   m.pool.limits.MaxKeepalive,
	}
}

// CloseAll releases every pooled client.
func (m *ConnectionManager) CloseAll() {
	m.pool.CloseAll()
}
