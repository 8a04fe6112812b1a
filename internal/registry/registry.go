package registry

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// Status reflects the hub's view of a connection's transport health.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

// AppConnection tracks one live client session. The registry owns these
// records; the hub reads and mutates them only through the Registry API.
type AppConnection struct {
	ConnectionID  string
	AppName       string
	AppVersion    string
	DeviceID      string
	DeviceType    string
	UserID        string
	IPAddress     string
	UserAgent     string
	Metadata      map[string]string
	ConnectedAt   time.Time
	LastHeartbeat time.Time
	Status        Status
}

// Registry keeps track of connections hosted on the hub. Absence is
// expressed by false/empty results, never by errors.
type Registry interface {
	Add(conn AppConnection) error
	Remove(connectionID string) bool
	Get(connectionID string) (AppConnection, bool)
	UpdateHeartbeat(connectionID string) bool
	AssignUser(connectionID, userID string) bool
	ConnectionsForApp(appName string) []AppConnection
	ConnectionsForUser(userID string) []AppConnection
	Count() int
	CountsByApp() map[string]int
	StaleConnections(maxAge time.Duration) []AppConnection
	CleanupStale(maxAge time.Duration) int
}

// InMemory is a Registry backed by maps: a primary index by connection id
// and a secondary per-app-name index that never holds empty lists.
type InMemory struct {
	mu    sync.RWMutex
	conns map[string]AppConnection
	byApp map[string][]string
	limit int
	nowFn func() time.Time
}

// NewInMemory creates a registry with an optional limit; zero means unbounded.
func NewInMemory(limit int) *InMemory {
	return &InMemory{
		conns: make(map[string]AppConnection),
		byApp: make(map[string][]string),
		limit: limit,
		nowFn: time.Now,
	}
}

// Add inserts a connection by id. Re-adding an existing id overwrites the
// previous record and moves it between app lists if the app name changed.
func (r *InMemory) Add(conn AppConnection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if conn.ConnectionID == "" {
		return errors.New("connection id is required")
	}
	if conn.AppName == "" {
		return errors.New("app name is required")
	}
	prev, exists := r.conns[conn.ConnectionID]
	if !exists && r.limit > 0 && len(r.conns) >= r.limit {
		return errors.New("connection registry at capacity")
	}

	now := r.nowFn()
	if conn.ConnectedAt.IsZero() {
		conn.ConnectedAt = now
	}
	if conn.LastHeartbeat.IsZero() {
		conn.LastHeartbeat = now
	}
	if conn.Status == "" {
		conn.Status = StatusConnected
	}
	conn.Metadata = cloneMetadata(conn.Metadata)

	if exists && prev.AppName != conn.AppName {
		r.dropFromApp(prev.AppName, conn.ConnectionID)
	}
	if !r.appContains(conn.AppName, conn.ConnectionID) {
		r.byApp[conn.AppName] = append(r.byApp[conn.AppName], conn.ConnectionID)
	}
	r.conns[conn.ConnectionID] = conn
	return nil
}

// Remove deletes a connection from both indices.
func (r *InMemory) Remove(connectionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[connectionID]
	if !ok {
		return false
	}
	delete(r.conns, connectionID)
	r.dropFromApp(conn.AppName, connectionID)
	return true
}

// Get fetches a connection snapshot by id.
func (r *InMemory) Get(connectionID string) (AppConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[connectionID]
	if !ok {
		return AppConnection{}, false
	}
	conn.Metadata = cloneMetadata(conn.Metadata)
	return conn, true
}

// UpdateHeartbeat stamps LastHeartbeat = now and marks the connection
// Connected; no-op if the connection is absent.
func (r *InMemory) UpdateHeartbeat(connectionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[connectionID]
	if !ok {
		return false
	}
	conn.LastHeartbeat = r.nowFn()
	conn.Status = StatusConnected
	r.conns[connectionID] = conn
	return true
}

// AssignUser binds a user id to an already-registered connection.
func (r *InMemory) AssignUser(connectionID, userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[connectionID]
	if !ok {
		return false
	}
	conn.UserID = userID
	r.conns[connectionID] = conn
	return true
}

// ConnectionsForApp lists snapshots of every connection registered under
// the given app name.
func (r *InMemory) ConnectionsForApp(appName string) []AppConnection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byApp[appName]
	out := make([]AppConnection, 0, len(ids))
	for _, id := range ids {
		if conn, ok := r.conns[id]; ok {
			conn.Metadata = cloneMetadata(conn.Metadata)
			out = append(out, conn)
		}
	}
	return out
}

// ConnectionsForUser lists snapshots of every connection authenticated as
// the given user. Linear scan; the registry is sized for hundreds of
// connections, not millions.
func (r *InMemory) ConnectionsForUser(userID string) []AppConnection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []AppConnection
	for _, conn := range r.conns {
		if conn.UserID == userID && userID != "" {
			conn.Metadata = cloneMetadata(conn.Metadata)
			out = append(out, conn)
		}
	}
	return out
}

// Count returns the number of tracked connections.
func (r *InMemory) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CountsByApp returns per-app connection counts.
func (r *InMemory) CountsByApp() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]int, len(r.byApp))
	for app, ids := range r.byApp {
		out[app] = len(ids)
	}
	return out
}

// StaleConnections lists connections with now - LastHeartbeat >= maxAge.
func (r *InMemory) StaleConnections(maxAge time.Duration) []AppConnection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.nowFn()
	var out []AppConnection
	for _, conn := range r.conns {
		if now.Sub(conn.LastHeartbeat) >= maxAge {
			conn.Metadata = cloneMetadata(conn.Metadata)
			out = append(out, conn)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectionID < out[j].ConnectionID })
	return out
}

// CleanupStale removes every stale connection and returns the count removed.
func (r *InMemory) CleanupStale(maxAge time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.nowFn()
	removed := 0
	for id, conn := range r.conns {
		if now.Sub(conn.LastHeartbeat) >= maxAge {
			delete(r.conns, id)
			r.dropFromApp(conn.AppName, id)
			removed++
		}
	}
	return removed
}

func (r *InMemory) dropFromApp(appName, connectionID string) {
	ids := r.byApp[appName]
	for i, id := range ids {
		if id == connectionID {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(r.byApp, appName)
		return
	}
	r.byApp[appName] = ids
}

func (r *InMemory) appContains(appName, connectionID string) bool {
	for _, id := range r.byApp[appName] {
		if id == connectionID {
			return true
		}
	}
	return false
}

func cloneMetadata(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
