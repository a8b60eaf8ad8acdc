// ABOUTME: Tracks all live gateway connections and serves presence queries
// ABOUTME: Central map behind a mutex: add, remove, lookup, list, close-all

package registry

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/prime-gateway/internal/protocol"
)

// ErrConnectionNotFound indicates the specified connection is not registered.
var ErrConnectionNotFound = errors.New("connection not found")

// PresenceEntry is the public view of one connection for presence listings.
type PresenceEntry struct {
	ConnectionID string              `json:"connection_id"`
	Subject      string              `json:"subject"`
	Role         string              `json:"role"`
	Caps         []string            `json:"caps"`
	Client       protocol.ClientInfo `json:"client"`
	State        string              `json:"state"`
	ConnectedAt  time.Time           `json:"connected_at"`
	LastActivity time.Time           `json:"last_activity"`
}

// Registry owns the set of live connections.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*Connection
	logger *slog.Logger
}

// NewRegistry creates an empty registry. Pass nil logger for default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		conns:  make(map[string]*Connection),
		logger: logger.With("component", "registry"),
	}
}

// Add registers a connection.
func (r *Registry) Add(conn *Connection) {
	r.mu.Lock()
	r.conns[conn.ID] = conn
	total := len(r.conns)
	r.mu.Unlock()

	r.logger.Info("connection registered",
		"connection_id", conn.ID,
		"total_connections", total,
	)
}

// Remove unregisters a connection and returns it, or nil if unknown.
// The caller is responsible for closing the returned connection.
func (r *Registry) Remove(id string) *Connection {
	r.mu.Lock()
	conn, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
	}
	total := len(r.conns)
	r.mu.Unlock()

	if !ok {
		return nil
	}

	r.logger.Info("connection removed",
		"connection_id", id,
		"total_connections", total,
	)
	return conn
}

// Get retrieves a connection by ID.
func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[id]
	return conn, ok
}

// Touch refreshes the last-activity timestamp of a connection.
func (r *Registry) Touch(id string) {
	if conn, ok := r.Get(id); ok {
		conn.Touch()
	}
}

// Count returns how many connections are registered.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// List returns presence entries for all authenticated connections.
func (r *Registry) List() []PresenceEntry {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	entries := make([]PresenceEntry, 0, len(conns))
	for _, conn := range conns {
		identity := conn.Identity()
		if identity == nil {
			continue
		}
		entries = append(entries, PresenceEntry{
			ConnectionID: conn.ID,
			Subject:      identity.Subject,
			Role:         identity.Role,
			Caps:         identity.CapabilityList(),
			Client:       conn.Client(),
			State:        conn.State(),
			ConnectedAt:  conn.ConnectedAt(),
			LastActivity: conn.LastActivity(),
		})
	}
	return entries
}

// FindBySubject returns the first authenticated connection for a subject,
// or nil. Subjects may hold several connections; callers that need all of
// them should use List.
func (r *Registry) FindBySubject(subject string) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, conn := range r.conns {
		if identity := conn.Identity(); identity != nil && identity.Subject == subject {
			return conn
		}
	}
	return nil
}

// CloseAll closes every connection and empties the registry. Used at
// shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[string]*Connection)
	r.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}

	r.logger.Info("all connections closed", "count", len(conns))
}
