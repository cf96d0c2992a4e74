// Package directory is the external membership/permission store consumed on
// join: it supplies a member's display name and control rights.
package directory

import (
	"context"
	"errors"
	"sync"
)

// ErrUnknownMember is returned when the store has no entry for a member.
var ErrUnknownMember = errors.New("member not found in directory")

// Profile is what the store knows about a member.
type Profile struct {
	MemberID    string
	DisplayName string
	CanControl  bool
}

// Directory looks up member profiles.
type Directory interface {
	Lookup(ctx context.Context, memberID string) (Profile, error)
}

// Static is an in-memory directory for tests and single-node deployments.
type Static struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

// NewStatic builds a directory seeded with the given profiles.
func NewStatic(profiles ...Profile) *Static {
	s := &Static{profiles: make(map[string]Profile, len(profiles))}
	for _, p := range profiles {
		s.profiles[p.MemberID] = p
	}
	return s
}

// Put adds or replaces a profile.
func (s *Static) Put(p Profile) {
	s.mu.Lock()
	s.profiles[p.MemberID] = p
	s.mu.Unlock()
}

// Lookup implements Directory.
func (s *Static) Lookup(_ context.Context, memberID string) (Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[memberID]
	if !ok {
		return Profile{}, ErrUnknownMember
	}
	return p, nil
}
