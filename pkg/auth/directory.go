package auth

import (
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/uhyunpark/instruction-desk/pkg/instruction"
)

type User struct {
	Identity
	hash []byte
}

// Directory is the user registry.
type Directory struct {
	mu     sync.RWMutex
	cost   int
	byName map[string]*User
	byID   map[int64]*User
}

func NewDirectory(cost int) *Directory {
	if cost < bcrypt.MinCost {
		cost = bcrypt.DefaultCost
	}
	return &Directory{
		cost:   cost,
		byName: make(map[string]*User),
		byID:   make(map[int64]*User),
	}
}

// Add registers a user. SYSTEM cannot be assigned to a user.
func (d *Directory) Add(id Identity, password string) error {
	if id.Role == instruction.RoleSystem || id.Role == "" {
		return fmt.Errorf("user %s: role %q cannot be assigned", id.Username, id.Role)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), d.cost)
	if err != nil {
		return fmt.Errorf("hash password for %s: %w", id.Username, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.byName[id.Username]; ok {
		return fmt.Errorf("user %s already exists", id.Username)
	}
	if _, ok := d.byID[id.UserID]; ok {
		return fmt.Errorf("user id %d already exists", id.UserID)
	}
	u := &User{Identity: id, hash: hash}
	d.byName[id.Username] = u
	d.byID[id.UserID] = u
	return nil
}

// Authenticate checks a username/password pair.
func (d *Directory) Authenticate(username, password string) (Identity, error) {
	d.mu.RLock()
	u, ok := d.byName[username]
	d.mu.RUnlock()
	if !ok {
		return Identity{}, ErrAuth
	}
	if err := bcrypt.CompareHashAndPassword(u.hash, []byte(password)); err != nil {
		return Identity{}, ErrAuth
	}
	return u.Identity, nil
}

func (d *Directory) Lookup(id int64) (Identity, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.byID[id]
	if !ok {
		return Identity{}, false
	}
	return u.Identity, true
}
