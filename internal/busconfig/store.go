package busconfig

import "sync"

// Store keeps the current configuration and notifies subscribers of
// changes. It is the in-process surface of the external configuration
// manager; it does not persist anything itself.
type Store struct {
	mu   sync.RWMutex
	cfg  Config
	set  bool
	subs []subscription
	next uint64
}

type subscription struct {
	id uint64
	fn func(Config)
}

// NewStore returns an empty store.
func NewStore() *Store { return &Store{} }

// Apply validates cfg and replaces the current configuration atomically,
// then notifies subscribers in registration order. Invalid configurations
// leave the store untouched.
func (s *Store) Apply(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg = cfg
	s.set = true
	subs := make([]subscription, len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()
	for _, sub := range subs {
		sub.fn(cfg)
	}
	return nil
}

// Get returns the current configuration and whether one has been applied.
func (s *Store) Get() (Config, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg, s.set
}

// Subscribe registers fn for change notification and returns a cancel
// function. fn is invoked after each successful Apply.
func (s *Store) Subscribe(fn func(Config)) (cancel func()) {
	s.mu.Lock()
	id := s.next
	s.next++
	s.subs = append(s.subs, subscription{id: id, fn: fn})
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		for i, sub := range s.subs {
			if sub.id == id {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
	}
}
