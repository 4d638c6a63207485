package connection

import (
	"context"
	"sync"
	"time"

	"github.com/dataport/dataport/internal/pkg/logger"
)

// Options configures a Manager.
type Options struct {
	// RetryAttempts is the number of connect attempts before the failure
	// is classified and surfaced (default 3).
	RetryAttempts int
	// RetryBackoff is the base delay between attempts, doubled each retry
	// (default 500ms).
	RetryBackoff time.Duration
	// Dialer opens new clients. Defaults to DefaultDialer.
	Dialer Dialer
}

type entry struct {
	client   Client
	lastUsed time.Time
	retries  int
	// importMu serializes writers that share this pool entry, notably the
	// single target of a consolidate mapping.
	importMu sync.Mutex
}

// Manager is a process-wide pool of clients keyed by project:instance:database.
// Entries are created lazily and reused across tasks sharing a key.
type Manager struct {
	mu      sync.Mutex
	entries map[string]*entry

	dialer   Dialer
	attempts int
	backoff  time.Duration
	sleep    func(context.Context, time.Duration) error
}

// NewManager creates a connection manager.
func NewManager(opts Options) *Manager {
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 3
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 500 * time.Millisecond
	}
	if opts.Dialer == nil {
		opts.Dialer = DefaultDialer
	}
	return &Manager{
		entries:  make(map[string]*entry),
		dialer:   opts.Dialer,
		attempts: opts.RetryAttempts,
		backoff:  opts.RetryBackoff,
		sleep:    sleepBackoff,
	}
}

// sleepBackoff waits out one backoff delay, returning early with the
// context's error if it is cancelled mid-wait.
func sleepBackoff(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Connect returns a pooled client for the endpoint, creating one on cache
// miss. Creation retries with exponential backoff; on exhaustion the failure
// is returned as a classified *Error.
func (m *Manager) Connect(ctx context.Context, info Info) (Client, error) {
	key := info.Key()

	m.mu.Lock()
	if e, ok := m.entries[key]; ok {
		e.lastUsed = time.Now()
		m.mu.Unlock()
		return e.client, nil
	}
	m.mu.Unlock()

	var lastErr error
	delay := m.backoff
retry:
	for attempt := 1; attempt <= m.attempts; attempt++ {
		client, err := m.dialer(ctx, info)
		if err == nil {
			m.mu.Lock()
			// Another caller may have raced us; prefer the existing entry.
			if e, ok := m.entries[key]; ok && e.client != nil {
				m.mu.Unlock()
				client.Close()
				return e.client, nil
			} else if ok {
				e.client = client
				e.lastUsed = time.Now()
				e.retries = attempt - 1
			} else {
				m.entries[key] = &entry{client: client, lastUsed: time.Now(), retries: attempt - 1}
			}
			m.mu.Unlock()
			return client, nil
		}
		lastErr = err
		logger.Debug("connection attempt failed",
			"endpoint", info.String(), "attempt", attempt, "error", err)
		if attempt < m.attempts {
			if err := m.sleep(ctx, delay); err != nil {
				lastErr = err
				break retry
			}
			delay *= 2
		}
	}

	return nil, &Error{
		Kind:     Classify(lastErr),
		Project:  info.Project,
		Instance: info.Instance,
		Database: info.Database,
		Attempts: m.attempts,
		Err:      lastErr,
	}
}

// TestConnection is a lightweight pre-flight probe: connect and ping.
func (m *Manager) TestConnection(ctx context.Context, info Info) error {
	client, err := m.Connect(ctx, info)
	if err != nil {
		return err
	}
	return client.Ping(ctx)
}

// ListDatabases lists the catalog of the endpoint's instance.
func (m *Manager) ListDatabases(ctx context.Context, info Info) ([]DatabaseInfo, error) {
	client, err := m.Connect(ctx, info)
	if err != nil {
		return nil, err
	}
	return client.ListDatabases(ctx)
}

// LockKey serializes callers that write through the pool entry for the given
// endpoint. The returned func releases the lock. The entry is created if it
// does not exist yet so the lock can be taken before the first Connect.
func (m *Manager) LockKey(info Info) func() {
	key := info.Key()
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		e = &entry{lastUsed: time.Now()}
		m.entries[key] = e
	}
	m.mu.Unlock()

	e.importMu.Lock()
	return e.importMu.Unlock
}

// CloseConnection closes and removes one pool entry. Idempotent.
func (m *Manager) CloseConnection(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok {
		if e.client != nil {
			e.client.Close()
		}
		delete(m.entries, key)
	}
}

// CloseAll closes every pooled connection. Idempotent and tolerant of
// entries that never finished connecting.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, e := range m.entries {
		if e.client != nil {
			e.client.Close()
		}
		delete(m.entries, key)
	}
}

// Size returns the number of live pool entries.
func (m *Manager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
