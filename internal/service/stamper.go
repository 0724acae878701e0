package service

import (
	"sync"
	"time"
)

// Stamper hands out strictly increasing UTC timestamps at microsecond
// precision, the resolution the message store keeps. One Stamper is shared
// by the whole process so generated message identities never collide.
type Stamper struct {
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

// NewStamper creates a Stamper reading the wall clock.
func NewStamper() *Stamper {
	return &Stamper{now: time.Now}
}

// Next returns a timestamp after every one previously returned.
func (s *Stamper) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.now().UTC().Truncate(time.Microsecond)
	if !t.After(s.last) {
		t = s.last.Add(time.Microsecond)
	}
	s.last = t
	return t
}
