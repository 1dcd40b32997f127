package cache

import "time"

// ExpiresAt returns the recorded expiration instant of an entry, expired or not.
func (s *LocalStore) ExpiresAt(key string) (time.Time, bool) {
	v, ok := s.items.Get(key)
	if !ok {
		return time.Time{}, false
	}
	e, ok := v.(localEntry)
	if !ok {
		return time.Time{}, false
	}
	return e.expiresAt, true
}

// Len returns the number of stored entries, expired ones included.
func (s *LocalStore) Len() int {
	return s.items.ItemCount()
}
