package cache

import (
	"sync"

	"github.com/google/uuid"
)

// tableLocks serializes syncs per table within one process. Entries are never
// evicted; the map is bounded by the number of registered tables.
type tableLocks struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

func newTableLocks() *tableLocks {
	return &tableLocks{
		locks: map[uuid.UUID]*sync.Mutex{},
	}
}

// lock blocks until the table's mutex is held and returns its unlock func.
func (l *tableLocks) lock(tableID uuid.UUID) func() {
	l.mu.Lock()
	m, ok := l.locks[tableID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[tableID] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
