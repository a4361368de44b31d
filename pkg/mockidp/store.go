package mockidp

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/ksuid"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrEmailTaken         = errors.New("email already registered")
	ErrNotFound           = errors.New("not found")
	ErrUnknownRefresh     = errors.New("refresh token not recognized")
)

// Account is a directory entry. Passwords are stored in the clear; the
// directory only ever backs tests and local development.
type Account struct {
	ID        string    `yaml:"id"`
	Email     string    `yaml:"email"`
	Password  string    `yaml:"password"`
	Phone     string    `yaml:"phone"`
	FirstName string    `yaml:"first_name"`
	LastName  string    `yaml:"last_name"`
	AvatarURL string    `yaml:"avatar_url"`
	Confirmed bool      `yaml:"confirmed"`
	CreatedAt time.Time `yaml:"-"`
	UpdatedAt time.Time `yaml:"-"`
}

// metadata returns the user_metadata claim shape for the account, nil when
// there is nothing to carry.
func (a *Account) metadata() map[string]any {
	metadata := map[string]any{}
	if a.FirstName != "" {
		metadata["first_name"] = a.FirstName
	}
	if a.LastName != "" {
		metadata["last_name"] = a.LastName
	}
	if a.AvatarURL != "" {
		metadata["avatar_url"] = a.AvatarURL
	}
	if len(metadata) == 0 {
		return nil
	}
	return metadata
}

type session struct {
	id           string
	userID       string
	refreshToken string
}

// Directory holds accounts and their open sessions. Refresh tokens are
// single use: redeeming one closes it and hands out a replacement.
type Directory struct {
	lock      sync.RWMutex
	accounts  map[string]*Account
	byEmail   map[string]string
	sessions  map[string]*session
	byRefresh map[string]string
}

func NewDirectory() *Directory {
	return &Directory{
		accounts:  make(map[string]*Account),
		byEmail:   make(map[string]string),
		sessions:  make(map[string]*session),
		byRefresh: make(map[string]string),
	}
}

func (d *Directory) CreateAccount(account Account) (*Account, error) {
	email := strings.ToLower(strings.TrimSpace(account.Email))
	if email == "" || account.Password == "" {
		return nil, errors.New("email and password are required")
	}
	d.lock.Lock()
	defer d.lock.Unlock()
	if _, exists := d.byEmail[email]; exists {
		return nil, ErrEmailTaken
	}
	now := time.Now()
	account.ID = uuid.NewString()
	account.Email = email
	account.CreatedAt = now
	account.UpdatedAt = now
	d.accounts[account.ID] = &account
	d.byEmail[email] = account.ID
	return &account, nil
}

func (d *Directory) Authenticate(email, password string) (*Account, error) {
	d.lock.RLock()
	defer d.lock.RUnlock()
	id, ok := d.byEmail[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return nil, ErrInvalidCredentials
	}
	account := d.accounts[id]
	if account.Password != password {
		return nil, ErrInvalidCredentials
	}
	return account, nil
}

func (d *Directory) AccountByID(id string) (*Account, error) {
	d.lock.RLock()
	defer d.lock.RUnlock()
	account, ok := d.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return account, nil
}

func (d *Directory) Confirm(id string) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	account, ok := d.accounts[id]
	if !ok {
		return ErrNotFound
	}
	account.Confirmed = true
	account.UpdatedAt = time.Now()
	return nil
}

// OpenSession starts a session for the account and returns its id plus the
// initial refresh token.
func (d *Directory) OpenSession(userID string) (string, string) {
	d.lock.Lock()
	defer d.lock.Unlock()
	s := &session{
		id:           ksuid.New().String(),
		userID:       userID,
		refreshToken: "rt_" + ksuid.New().String(),
	}
	d.sessions[s.id] = s
	d.byRefresh[s.refreshToken] = s.id
	return s.id, s.refreshToken
}

// RotateRefresh redeems a refresh token. The old token is invalidated and a
// replacement is issued for the same session.
func (d *Directory) RotateRefresh(refreshToken string) (userID, sessionID, nextToken string, err error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	id, ok := d.byRefresh[refreshToken]
	if !ok {
		return "", "", "", ErrUnknownRefresh
	}
	s := d.sessions[id]
	delete(d.byRefresh, refreshToken)
	s.refreshToken = "rt_" + ksuid.New().String()
	d.byRefresh[s.refreshToken] = s.id
	return s.userID, s.id, s.refreshToken, nil
}

func (d *Directory) CloseSession(sessionID string) {
	d.lock.Lock()
	defer d.lock.Unlock()
	s, ok := d.sessions[sessionID]
	if !ok {
		return
	}
	delete(d.byRefresh, s.refreshToken)
	delete(d.sessions, sessionID)
}

// CloseUserSessions revokes every open session of a user and reports how
// many were closed.
func (d *Directory) CloseUserSessions(userID string) int {
	d.lock.Lock()
	defer d.lock.Unlock()
	closed := 0
	for id, s := range d.sessions {
		if s.userID != userID {
			continue
		}
		delete(d.byRefresh, s.refreshToken)
		delete(d.sessions, id)
		closed++
	}
	return closed
}

func (d *Directory) SessionAlive(sessionID string) bool {
	d.lock.RLock()
	defer d.lock.RUnlock()
	_, ok := d.sessions[sessionID]
	return ok
}

func (d *Directory) IDByEmail(email string) (string, bool) {
	d.lock.RLock()
	defer d.lock.RUnlock()
	id, ok := d.byEmail[strings.ToLower(strings.TrimSpace(email))]
	return id, ok
}
