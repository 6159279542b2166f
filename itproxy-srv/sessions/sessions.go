// Package sessions provides the session map the proxy routes with: a
// read-mostly table from session key to an authorization token and a
// backend target, plus the sources it is loaded from.
package sessions

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/codefionn/itproxy/itproxy-srv/config"
	"github.com/codefionn/itproxy/itproxy-srv/logger"
)

// Target is a resolved backend address.
type Target struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// String returns host:port.
func (t Target) String() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// Entry is a single session map row.
type Entry struct {
	Token  string
	Target Target
}

// Map is the read-only view of the session map.
type Map interface {
	Lookup(key string) (Entry, bool)
}

// Store is a copy-on-write session table. Readers never block; Replace
// swaps the whole table at once.
type Store struct {
	table atomic.Pointer[map[string]Entry]
}

// NewStore creates a store holding initial (may be nil).
func NewStore(initial map[string]Entry) *Store {
	s := &Store{}
	s.Replace(initial)
	return s
}

// Lookup returns the entry stored under key.
func (s *Store) Lookup(key string) (Entry, bool) {
	table := s.table.Load()
	if table == nil {
		return Entry{}, false
	}
	entry, ok := (*table)[key]
	return entry, ok
}

// Replace installs a new table. The map must not be modified afterwards.
func (s *Store) Replace(table map[string]Entry) {
	if table == nil {
		table = map[string]Entry{}
	}
	s.table.Store(&table)
}

// Len returns the number of sessions.
func (s *Store) Len() int {
	table := s.table.Load()
	if table == nil {
		return 0
	}
	return len(*table)
}

// Snapshot returns a copy of the current table.
func (s *Store) Snapshot() map[string]Entry {
	table := s.table.Load()
	if table == nil {
		return map[string]Entry{}
	}
	out := make(map[string]Entry, len(*table))
	for k, v := range *table {
		out[k] = v
	}
	return out
}

// Source loads a complete session table.
type Source interface {
	Load(ctx context.Context) (map[string]Entry, error)
	Name() string
	Close() error
}

// NewSource builds the source described by cfg.
func NewSource(cfg config.SessionsConfig) (Source, error) {
	switch cfg.ResolvedType() {
	case config.SessionsTypeJSON:
		return NewFileSource(cfg.Path, FormatJSON), nil
	case config.SessionsTypeYAML:
		return NewFileSource(cfg.Path, FormatYAML), nil
	case config.SessionsTypeSQLite:
		return NewSQLiteSource(cfg.Path)
	case config.SessionsTypePostgres:
		return NewPostgresSource(cfg.DSN)
	default:
		return nil, fmt.Errorf("no session source configured")
	}
}

// Loader reloads a store from a source. A failed load keeps the previous
// table.
type Loader struct {
	source Source
	store  *Store

	mu       sync.Mutex
	onReload func(count int)
}

// NewLoader binds source to store.
func NewLoader(source Source, store *Store) *Loader {
	return &Loader{source: source, store: store}
}

// OnReload registers a callback invoked with the new table size after each
// successful reload.
func (l *Loader) OnReload(fn func(count int)) {
	l.mu.Lock()
	l.onReload = fn
	l.mu.Unlock()
}

// Store returns the store the loader writes to.
func (l *Loader) Store() *Store {
	return l.store
}

// Reload loads the source and replaces the store's table.
func (l *Loader) Reload(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	table, err := l.source.Load(ctx)
	if err != nil {
		logger.Error("Failed to reload sessions from %s (keeping %d sessions): %v", l.source.Name(), l.store.Len(), err)
		return fmt.Errorf("reload sessions from %s: %w", l.source.Name(), err)
	}
	l.store.Replace(table)
	logger.Debug("Loaded %d sessions from %s", len(table), l.source.Name())

	if l.onReload != nil {
		l.onReload(len(table))
	}
	return nil
}
