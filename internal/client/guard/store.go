package guard

import (
	"sync"
	"time"
)

// Snapshot is the persisted view of a browser session: the access token plus
// the display fields pages render without a round trip.
type Snapshot struct {
	Token                  string    `json:"token"`
	DisplayName            string    `json:"displayName"`
	Email                  string    `json:"email"`
	Roles                  []string  `json:"roles"`
	RefreshTokenExpiration time.Time `json:"refreshTokenExpiration"`
	UpdatedAt              time.Time `json:"updatedAt"`
}

// Store is shared session state visible to every guard attached to it, the
// way browser tabs share localStorage. Writes are last-write-wins.
type Store interface {
	Load() (Snapshot, bool)
	Save(Snapshot)
	Clear()
}

type MemoryStore struct {
	mu   sync.RWMutex
	snap Snapshot
	set  bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load() (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap, s.set
}

func (s *MemoryStore) Save(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap.UpdatedAt = time.Now()
	s.snap = snap
	s.set = true
}

func (s *MemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = Snapshot{}
	s.set = false
}
