package mockbackend

import (
	"strings"
	"sync"
	"time"
)

// Membership is a tenant's record for one user: the business profile plus
// the role assignment the identity provider knows nothing about.
type Membership struct {
	Email        string    `yaml:"email"`
	UserID       string    `yaml:"-"`
	FirstName    string    `yaml:"first_name"`
	LastName     string    `yaml:"last_name"`
	AvatarURL    string    `yaml:"avatar_url"`
	Roles        []string  `yaml:"roles"`
	WarehouseIDs []string  `yaml:"warehouse_ids"`
	Suspended    bool      `yaml:"suspended"`
	CreatedAt    time.Time `yaml:"-"`
	UpdatedAt    time.Time `yaml:"-"`
}

func (m *Membership) clone() *Membership {
	copied := *m
	copied.Roles = append([]string(nil), m.Roles...)
	copied.WarehouseIDs = append([]string(nil), m.WarehouseIDs...)
	return &copied
}

type Memberships struct {
	lock    sync.RWMutex
	byEmail map[string]*Membership
}

func NewMemberships() *Memberships {
	return &Memberships{byEmail: make(map[string]*Membership)}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Upsert inserts or replaces the membership for its email and returns the
// stored copy.
func (s *Memberships) Upsert(m Membership) *Membership {
	email := normalizeEmail(m.Email)
	s.lock.Lock()
	defer s.lock.Unlock()
	now := time.Now()
	if existing, ok := s.byEmail[email]; ok {
		m.CreatedAt = existing.CreatedAt
	} else {
		m.CreatedAt = now
	}
	m.Email = email
	m.UpdatedAt = now
	s.byEmail[email] = &m
	return m.clone()
}

func (s *Memberships) Get(email string) (*Membership, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	m, ok := s.byEmail[normalizeEmail(email)]
	if !ok {
		return nil, false
	}
	return m.clone(), true
}

// Link remembers the identity provider's user id once a valid token for the
// membership has been seen.
func (s *Memberships) Link(email, userID string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if m, ok := s.byEmail[normalizeEmail(email)]; ok && m.UserID == "" {
		m.UserID = userID
		m.UpdatedAt = time.Now()
	}
}

// SetSuspended flips the suspension flag; suspended members keep their
// record but every session validation is refused.
func (s *Memberships) SetSuspended(email string, suspended bool) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	m, ok := s.byEmail[normalizeEmail(email)]
	if !ok {
		return false
	}
	m.Suspended = suspended
	m.UpdatedAt = time.Now()
	return true
}

func (s *Memberships) Remove(email string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.byEmail, normalizeEmail(email))
}
