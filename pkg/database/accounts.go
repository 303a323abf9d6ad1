package database

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"regexp"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrNameTaken indicates the username (or chatroom name) is already in use.
	ErrNameTaken = errors.New("name already taken")
	// ErrInvalidName indicates the name does not match the allowed pattern.
	ErrInvalidName = errors.New("invalid name")
	// ErrInvalidPassword indicates the password is empty or too long.
	ErrInvalidPassword = errors.New("invalid password")
	// ErrBadCredentials indicates an unknown username or wrong password.
	ErrBadCredentials = errors.New("invalid username or password")
	// ErrInvalidToken indicates the token is not bound to any account.
	ErrInvalidToken = errors.New("invalid token")
)

const (
	// MaxPasswordLength is bcrypt's input limit
	MaxPasswordLength = 72

	tokenBytes = 16
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{3,32}$`)

// ValidName reports whether name is acceptable as a username or chatroom name
func ValidName(name string) bool {
	return namePattern.MatchString(name)
}

// Account is a registered user
type Account struct {
	Username     string
	PasswordHash string
	Token        string // empty when logged out
	LastActivity int64  // unix millis
	CreatedAt    int64  // unix millis
}

// AccountStore persists account snapshots
type AccountStore interface {
	LoadAccounts() ([]*Account, error)
	ReplaceAccounts(accounts []*Account) error
}

// Accounts is the in-memory account registry. All operations are atomic
// with respect to each other.
type Accounts struct {
	mu      sync.RWMutex
	byName  map[string]*Account
	byToken map[string]*Account
	dirty   bool

	store    AccountStore
	hashCost int
	now      func() time.Time
}

// NewAccounts creates an empty registry backed by store (which may be nil)
func NewAccounts(store AccountStore) *Accounts {
	return &Accounts{
		byName:   make(map[string]*Account),
		byToken:  make(map[string]*Account),
		store:    store,
		hashCost: bcrypt.DefaultCost,
		now:      time.Now,
	}
}

// SetHashCost overrides the bcrypt cost for new password hashes
func (a *Accounts) SetHashCost(cost int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hashCost = cost
}

func validPassword(password string) bool {
	return password != "" && len(password) <= MaxPasswordLength
}

// Create registers a new account with a hashed password
func (a *Accounts) Create(username, password string) error {
	if !ValidName(username) {
		return ErrInvalidName
	}
	if !validPassword(password) {
		return ErrInvalidPassword
	}

	a.mu.RLock()
	_, exists := a.byName[username]
	cost := a.hashCost
	a.mu.RUnlock()
	if exists {
		return ErrNameTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	// Re-check: another Create may have won while hashing
	if _, exists := a.byName[username]; exists {
		return ErrNameTaken
	}
	now := a.now().UnixMilli()
	a.byName[username] = &Account{
		Username:     username,
		PasswordHash: string(hash),
		LastActivity: now,
		CreatedAt:    now,
	}
	a.dirty = true
	return nil
}

// Authenticate verifies the password and issues a fresh token, replacing any previous one
func (a *Accounts) Authenticate(username, password string) (string, error) {
	a.mu.RLock()
	acc, ok := a.byName[username]
	var hash string
	if ok {
		hash = acc.PasswordHash
	}
	a.mu.RUnlock()

	if !ok {
		return "", ErrBadCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return "", ErrBadCredentials
	}

	token, err := newToken()
	if err != nil {
		return "", err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	acc, ok = a.byName[username]
	if !ok || acc.PasswordHash != hash {
		// deleted or password changed while verifying
		return "", ErrBadCredentials
	}
	if acc.Token != "" {
		delete(a.byToken, acc.Token)
	}
	acc.Token = token
	acc.LastActivity = a.now().UnixMilli()
	a.byToken[token] = acc
	a.dirty = true
	return token, nil
}

// Validate resolves a token to its account and refreshes the account's last activity
func (a *Accounts) Validate(token string) (Account, bool) {
	if token == "" {
		return Account{}, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	acc, ok := a.byToken[token]
	if !ok {
		return Account{}, false
	}
	acc.LastActivity = a.now().UnixMilli()
	a.dirty = true
	return *acc, true
}

// ChangePassword replaces the password of the token's account. The token stays valid.
func (a *Accounts) ChangePassword(token, newPassword string) error {
	if !validPassword(newPassword) {
		return ErrInvalidPassword
	}

	a.mu.RLock()
	_, ok := a.byToken[token]
	cost := a.hashCost
	a.mu.RUnlock()
	if !ok {
		return ErrInvalidToken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), cost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	acc, ok := a.byToken[token]
	if !ok {
		return ErrInvalidToken
	}
	acc.PasswordHash = string(hash)
	acc.LastActivity = a.now().UnixMilli()
	a.dirty = true
	return nil
}

// Delete removes the token's account and returns its username
func (a *Accounts) Delete(token string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	acc, ok := a.byToken[token]
	if !ok {
		return "", ErrInvalidToken
	}
	delete(a.byToken, token)
	delete(a.byName, acc.Username)
	a.dirty = true
	return acc.Username, nil
}

// Logout clears the token if it is bound; unknown tokens are ignored.
// It returns the username the token belonged to, or "".
func (a *Accounts) Logout(token string) string {
	if token == "" {
		return ""
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	acc, ok := a.byToken[token]
	if !ok {
		return ""
	}
	delete(a.byToken, token)
	acc.Token = ""
	a.dirty = true
	return acc.Username
}

// Exists reports whether an account with this username is registered
func (a *Accounts) Exists(username string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.byName[username]
	return ok
}

// Count returns the number of registered accounts
func (a *Accounts) Count() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.byName)
}

// Usernames returns all usernames, sorted
func (a *Accounts) Usernames() []string {
	a.mu.RLock()
	names := make([]string, 0, len(a.byName))
	for name := range a.byName {
		names = append(names, name)
	}
	a.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Expiry is a token cleared by ExpireIdle
type Expiry struct {
	Username string
	Token    string
}

// ExpireIdle clears the tokens of accounts idle for longer than maxIdle.
// It returns the cleared tokens, sorted by username.
func (a *Accounts) ExpireIdle(maxIdle time.Duration) []Expiry {
	cutoff := a.now().Add(-maxIdle).UnixMilli()

	a.mu.Lock()
	defer a.mu.Unlock()

	var expired []Expiry
	for token, acc := range a.byToken {
		if acc.LastActivity < cutoff {
			delete(a.byToken, token)
			acc.Token = ""
			expired = append(expired, Expiry{Username: acc.Username, Token: token})
		}
	}
	if len(expired) > 0 {
		a.dirty = true
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].Username < expired[j].Username })
	return expired
}

// Load replaces the registry contents with the store's snapshot
func (a *Accounts) Load() error {
	if a.store == nil {
		return nil
	}
	start := time.Now()
	accounts, err := a.store.LoadAccounts()
	if err != nil {
		return fmt.Errorf("failed to load accounts: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.byName = make(map[string]*Account, len(accounts))
	a.byToken = make(map[string]*Account)
	for _, acc := range accounts {
		a.byName[acc.Username] = acc
		if acc.Token != "" {
			a.byToken[acc.Token] = acc
		}
	}
	a.dirty = false
	log.Printf("Accounts: loaded %d accounts in %v", len(accounts), time.Since(start))
	return nil
}

// Persist writes the full registry to the store when it changed since the last write
func (a *Accounts) Persist() error {
	if a.store == nil {
		return nil
	}

	a.mu.Lock()
	if !a.dirty {
		a.mu.Unlock()
		return nil
	}
	snapshot := make([]*Account, 0, len(a.byName))
	for _, acc := range a.byName {
		cp := *acc
		snapshot = append(snapshot, &cp)
	}
	a.dirty = false
	a.mu.Unlock()

	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].Username < snapshot[j].Username })
	if err := a.store.ReplaceAccounts(snapshot); err != nil {
		a.mu.Lock()
		a.dirty = true
		a.mu.Unlock()
		return fmt.Errorf("failed to persist accounts: %w", err)
	}
	return nil
}

func newToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
