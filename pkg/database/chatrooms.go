package database

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"
)

var (
	// ErrRoomNotFound indicates no chatroom has the given name.
	ErrRoomNotFound = errors.New("chatroom not found")
	// ErrNotCreator indicates the action is reserved to the room's creator.
	ErrNotCreator = errors.New("only the chatroom creator may do this")
	// ErrNotMember indicates the user is not in the room's member set.
	ErrNotMember = errors.New("not a member of the chatroom")
	// ErrJoinNotAllowed indicates the room kind forbids this join.
	ErrJoinNotAllowed = errors.New("not allowed to join this chatroom")
	// ErrUnknownUser indicates the target user has no account.
	ErrUnknownUser = errors.New("unknown user")
	// ErrSelfDirect indicates a direct chat was requested with oneself.
	ErrSelfDirect = errors.New("cannot open a direct chat with yourself")
)

// DirectSeparator joins the two usernames of a direct chat name. It cannot
// appear in a valid username or chatroom name.
const DirectSeparator = "~"

// ChatroomKind distinguishes direct, public and private rooms
type ChatroomKind uint8

const (
	KindDirect ChatroomKind = iota + 1
	KindPublic
	KindPrivate
)

func (k ChatroomKind) String() string {
	switch k {
	case KindDirect:
		return "direct"
	case KindPublic:
		return "public"
	case KindPrivate:
		return "private"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Chatroom is a named room with a member set
type Chatroom struct {
	Name      string
	Kind      ChatroomKind
	Creator   string
	Members   map[string]struct{}
	CreatedAt int64 // unix millis
}

// MemberList returns the members sorted by name
func (c *Chatroom) MemberList() []string {
	members := make([]string, 0, len(c.Members))
	for m := range c.Members {
		members = append(members, m)
	}
	sort.Strings(members)
	return members
}

// HasMember reports whether username belongs to the room
func (c *Chatroom) HasMember(username string) bool {
	_, ok := c.Members[username]
	return ok
}

func (c *Chatroom) clone() *Chatroom {
	cp := *c
	cp.Members = make(map[string]struct{}, len(c.Members))
	for m := range c.Members {
		cp.Members[m] = struct{}{}
	}
	return &cp
}

// DirectName builds the deterministic name of the direct chat between a and b
func DirectName(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + DirectSeparator + b
}

// ChatroomStore persists chatroom snapshots
type ChatroomStore interface {
	LoadChatrooms() ([]*Chatroom, error)
	ReplaceChatrooms(rooms []*Chatroom) error
}

// Chatrooms is the in-memory chatroom registry. Getters return copies.
type Chatrooms struct {
	mu    sync.RWMutex
	rooms map[string]*Chatroom
	dirty bool

	store ChatroomStore
	now   func() time.Time
}

// NewChatrooms creates an empty registry backed by store (which may be nil)
func NewChatrooms(store ChatroomStore) *Chatrooms {
	return &Chatrooms{
		rooms: make(map[string]*Chatroom),
		store: store,
		now:   time.Now,
	}
}

// CreateOrGet creates the room if the name is free. When a room of that
// name already exists it is returned with created=false.
func (c *Chatrooms) CreateOrGet(name string, kind ChatroomKind, creator string) (*Chatroom, bool, error) {
	if !ValidName(name) {
		return nil, false, ErrInvalidName
	}
	if kind != KindPublic && kind != KindPrivate {
		return nil, false, fmt.Errorf("cannot create %s chatroom by name", kind)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if room, ok := c.rooms[name]; ok {
		return room.clone(), false, nil
	}
	room := &Chatroom{
		Name:      name,
		Kind:      kind,
		Creator:   creator,
		Members:   make(map[string]struct{}),
		CreatedAt: c.now().UnixMilli(),
	}
	c.rooms[name] = room
	c.dirty = true
	return room.clone(), true, nil
}

// EnsureDirect returns the direct chat between a and b, creating it with
// both as members when absent. a is recorded as creator of a new chat.
func (c *Chatrooms) EnsureDirect(a, b string) (*Chatroom, error) {
	if a == b {
		return nil, ErrSelfDirect
	}
	name := DirectName(a, b)

	c.mu.Lock()
	defer c.mu.Unlock()

	if room, ok := c.rooms[name]; ok {
		return room.clone(), nil
	}
	room := &Chatroom{
		Name:      name,
		Kind:      KindDirect,
		Creator:   a,
		Members:   map[string]struct{}{a: {}, b: {}},
		CreatedAt: c.now().UnixMilli(),
	}
	c.rooms[name] = room
	c.dirty = true
	return room.clone(), nil
}

// Join adds target to the room. A user may join a public room themselves;
// only the creator may add users to a private room. Direct chats are closed.
func (c *Chatrooms) Join(name, actor, target string, accountExists func(string) bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	room, ok := c.rooms[name]
	if !ok {
		return ErrRoomNotFound
	}
	if accountExists != nil && !accountExists(target) {
		return ErrUnknownUser
	}

	switch room.Kind {
	case KindPublic:
		if actor != target {
			return ErrJoinNotAllowed
		}
	case KindPrivate:
		if actor != room.Creator {
			return ErrNotCreator
		}
	default:
		return ErrJoinNotAllowed
	}

	if !room.HasMember(target) {
		room.Members[target] = struct{}{}
		c.dirty = true
	}
	return nil
}

// Leave removes target from the room. Users may leave by themselves and the
// creator may remove anyone.
func (c *Chatrooms) Leave(name, actor, target string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	room, ok := c.rooms[name]
	if !ok {
		return ErrRoomNotFound
	}
	if actor != target && actor != room.Creator {
		return ErrNotCreator
	}
	if !room.HasMember(target) {
		return ErrNotMember
	}
	delete(room.Members, target)
	c.dirty = true
	return nil
}

// Delete removes the room; only its creator may do so
func (c *Chatrooms) Delete(name, actor string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	room, ok := c.rooms[name]
	if !ok {
		return ErrRoomNotFound
	}
	if room.Creator != actor {
		return ErrNotCreator
	}
	delete(c.rooms, name)
	c.dirty = true
	return nil
}

// ListPublic returns the names of all public rooms, sorted
func (c *Chatrooms) ListPublic() []string {
	c.mu.RLock()
	names := make([]string, 0, len(c.rooms))
	for name, room := range c.rooms {
		if room.Kind == KindPublic {
			names = append(names, name)
		}
	}
	c.mu.RUnlock()
	sort.Strings(names)
	return names
}

// ListMembers returns the room's members, sorted. Only members may list them.
func (c *Chatrooms) ListMembers(name, actor string) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	room, ok := c.rooms[name]
	if !ok {
		return nil, ErrRoomNotFound
	}
	if !room.HasMember(actor) {
		return nil, ErrNotMember
	}
	return room.MemberList(), nil
}

// IsMember reports whether user belongs to the named room
func (c *Chatrooms) IsMember(name, user string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	room, ok := c.rooms[name]
	return ok && room.HasMember(user)
}

// Get returns a copy of the named room
func (c *Chatrooms) Get(name string) (*Chatroom, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	room, ok := c.rooms[name]
	if !ok {
		return nil, false
	}
	return room.clone(), true
}

// Exists reports whether a room with this name exists
func (c *Chatrooms) Exists(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.rooms[name]
	return ok
}

// Count returns the number of rooms of any kind
func (c *Chatrooms) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.rooms)
}

// RemoveUser erases a deleted account from the registry. Rooms it created
// and direct chats it took part in are deleted; it leaves every other room.
// It returns the deleted names, sorted, and the number of rooms it left.
func (c *Chatrooms) RemoveUser(username string) ([]string, int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var deleted []string
	left := 0
	for name, room := range c.rooms {
		switch {
		case room.Creator == username,
			room.Kind == KindDirect && room.HasMember(username):
			delete(c.rooms, name)
			deleted = append(deleted, name)
		case room.HasMember(username):
			delete(room.Members, username)
			left++
		}
	}
	if len(deleted) > 0 || left > 0 {
		c.dirty = true
	}
	sort.Strings(deleted)
	return deleted, left
}

// PruneAbandoned deletes rooms older than grace that have no members or
// whose creator account no longer exists, and direct chats that lost a
// member. It returns the pruned names.
func (c *Chatrooms) PruneAbandoned(grace time.Duration, accountExists func(string) bool) []string {
	cutoff := c.now().Add(-grace).UnixMilli()

	c.mu.Lock()
	defer c.mu.Unlock()

	var pruned []string
	for name, room := range c.rooms {
		if room.Kind == KindDirect && len(room.Members) < 2 {
			delete(c.rooms, name)
			pruned = append(pruned, name)
			continue
		}
		if room.CreatedAt > cutoff {
			continue
		}
		orphaned := accountExists != nil && !accountExists(room.Creator)
		if len(room.Members) == 0 || orphaned {
			delete(c.rooms, name)
			pruned = append(pruned, name)
		}
	}
	if len(pruned) > 0 {
		c.dirty = true
	}
	sort.Strings(pruned)
	return pruned
}

// Load replaces the registry contents with the store's snapshot
func (c *Chatrooms) Load() error {
	if c.store == nil {
		return nil
	}
	start := time.Now()
	rooms, err := c.store.LoadChatrooms()
	if err != nil {
		return fmt.Errorf("failed to load chatrooms: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms = make(map[string]*Chatroom, len(rooms))
	for _, room := range rooms {
		if room.Members == nil {
			room.Members = make(map[string]struct{})
		}
		c.rooms[room.Name] = room
	}
	c.dirty = false
	log.Printf("Chatrooms: loaded %d chatrooms in %v", len(rooms), time.Since(start))
	return nil
}

// Persist writes the full registry to the store when it changed since the last write
func (c *Chatrooms) Persist() error {
	if c.store == nil {
		return nil
	}

	c.mu.Lock()
	if !c.dirty {
		c.mu.Unlock()
		return nil
	}
	snapshot := make([]*Chatroom, 0, len(c.rooms))
	for _, room := range c.rooms {
		snapshot = append(snapshot, room.clone())
	}
	c.dirty = false
	c.mu.Unlock()

	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].Name < snapshot[j].Name })
	if err := c.store.ReplaceChatrooms(snapshot); err != nil {
		c.mu.Lock()
		c.dirty = true
		c.mu.Unlock()
		return fmt.Errorf("failed to persist chatrooms: %w", err)
	}
	return nil
}
