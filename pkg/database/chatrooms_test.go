package database

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func knownUsers(names ...string) func(string) bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return func(u string) bool { return set[u] }
}

func TestCreateOrGet(t *testing.T) {
	c := NewChatrooms(nil)

	room, created, err := c.CreateOrGet("lobby", KindPublic, "alice")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "alice", room.Creator)
	assert.Empty(t, room.Members, "creating a room does not join it")

	room, created, err = c.CreateOrGet("lobby", KindPrivate, "bob")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, KindPublic, room.Kind)
	assert.Equal(t, "alice", room.Creator)

	_, _, err = c.CreateOrGet("no", KindPublic, "alice")
	assert.ErrorIs(t, err, ErrInvalidName)
	_, _, err = c.CreateOrGet("direct", KindDirect, "alice")
	assert.Error(t, err)
}

func TestJoinRules(t *testing.T) {
	exists := knownUsers("alice", "bob", "carol")
	c := NewChatrooms(nil)
	_, _, err := c.CreateOrGet("lobby", KindPublic, "alice")
	require.NoError(t, err)
	_, _, err = c.CreateOrGet("secret", KindPrivate, "alice")
	require.NoError(t, err)

	tests := []struct {
		name   string
		room   string
		actor  string
		target string
		want   error
	}{
		{"self join public", "lobby", "bob", "bob", nil},
		{"rejoin is idempotent", "lobby", "bob", "bob", nil},
		{"add other to public", "lobby", "alice", "carol", ErrJoinNotAllowed},
		{"creator adds to private", "secret", "alice", "bob", nil},
		{"creator joins own private", "secret", "alice", "alice", nil},
		{"non creator self join private", "secret", "carol", "carol", ErrNotCreator},
		{"unknown target", "lobby", "dave", "dave", ErrUnknownUser},
		{"missing room", "nowhere", "bob", "bob", ErrRoomNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Join(tt.room, tt.actor, tt.target, exists)
			if tt.want == nil {
				require.NoError(t, err)
				assert.True(t, c.IsMember(tt.room, tt.target))
			} else {
				assert.ErrorIs(t, err, tt.want)
			}
		})
	}

	members, err := c.ListMembers("secret", "bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, members)
}

func TestDirectChats(t *testing.T) {
	c := NewChatrooms(nil)

	assert.Equal(t, "alice~bob", DirectName("bob", "alice"))
	assert.Equal(t, DirectName("alice", "bob"), DirectName("bob", "alice"))

	room, err := c.EnsureDirect("bob", "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice~bob", room.Name)
	assert.Equal(t, KindDirect, room.Kind)
	assert.Equal(t, []string{"alice", "bob"}, room.MemberList())

	again, err := c.EnsureDirect("alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, room.Name, again.Name)
	assert.Equal(t, 1, c.Count())

	_, err = c.EnsureDirect("alice", "alice")
	assert.ErrorIs(t, err, ErrSelfDirect)

	assert.ErrorIs(t, c.Join(room.Name, "carol", "carol", nil), ErrJoinNotAllowed)
	assert.Empty(t, c.ListPublic(), "direct chats are not listed")
}

func TestLeave(t *testing.T) {
	exists := knownUsers("alice", "bob", "carol")
	c := NewChatrooms(nil)
	_, _, err := c.CreateOrGet("lobby", KindPublic, "alice")
	require.NoError(t, err)
	require.NoError(t, c.Join("lobby", "bob", "bob", exists))
	require.NoError(t, c.Join("lobby", "carol", "carol", exists))

	assert.ErrorIs(t, c.Leave("lobby", "bob", "carol"), ErrNotCreator)
	require.NoError(t, c.Leave("lobby", "alice", "carol"), "creator may remove members")
	require.NoError(t, c.Leave("lobby", "bob", "bob"))
	assert.ErrorIs(t, c.Leave("lobby", "bob", "bob"), ErrNotMember)
	assert.ErrorIs(t, c.Leave("nowhere", "bob", "bob"), ErrRoomNotFound)

	assert.False(t, c.IsMember("lobby", "bob"))
	assert.False(t, c.IsMember("lobby", "carol"))
}

func TestDeleteChatroom(t *testing.T) {
	c := NewChatrooms(nil)
	_, _, err := c.CreateOrGet("lobby", KindPublic, "alice")
	require.NoError(t, err)

	assert.ErrorIs(t, c.Delete("lobby", "bob"), ErrNotCreator)
	require.NoError(t, c.Delete("lobby", "alice"))
	assert.False(t, c.Exists("lobby"))
	assert.ErrorIs(t, c.Delete("lobby", "alice"), ErrRoomNotFound)
}

func TestListPublicAndMembers(t *testing.T) {
	c := NewChatrooms(nil)
	for _, name := range []string{"zeta", "alpha", "mid"} {
		_, _, err := c.CreateOrGet(name, KindPublic, "alice")
		require.NoError(t, err)
	}
	_, _, err := c.CreateOrGet("hidden", KindPrivate, "alice")
	require.NoError(t, err)

	assert.Equal(t, []string{"alpha", "mid", "zeta"}, c.ListPublic())

	_, err = c.ListMembers("alpha", "alice")
	assert.ErrorIs(t, err, ErrNotMember, "the creator is not a member until joining")

	require.NoError(t, c.Join("alpha", "alice", "alice", nil))
	members, err := c.ListMembers("alpha", "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, members)

	_, err = c.ListMembers("ghost", "alice")
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestRemoveUser(t *testing.T) {
	c := NewChatrooms(nil)
	_, _, err := c.CreateOrGet("lobby", KindPublic, "alice")
	require.NoError(t, err)
	require.NoError(t, c.Join("lobby", "bob", "bob", nil))
	_, err = c.EnsureDirect("alice", "bob")
	require.NoError(t, err)

	_, _, err = c.CreateOrGet("bobs-place", KindPrivate, "bob")
	require.NoError(t, err)
	require.NoError(t, c.Join("bobs-place", "bob", "alice", nil))

	deleted, left := c.RemoveUser("bob")
	assert.Equal(t, []string{DirectName("alice", "bob"), "bobs-place"}, deleted)
	assert.Equal(t, 1, left)

	assert.False(t, c.IsMember("lobby", "bob"))
	assert.True(t, c.IsMember("lobby", "alice"), "other members stay")
	assert.True(t, c.Exists("lobby"))
	assert.False(t, c.Exists(DirectName("alice", "bob")), "a direct chat never keeps a single member")
	assert.False(t, c.Exists("bobs-place"), "created rooms go with their creator")

	deleted, left = c.RemoveUser("bob")
	assert.Empty(t, deleted)
	assert.Zero(t, left)
}

func TestRemoveUserFreesCreatorRights(t *testing.T) {
	c := NewChatrooms(nil)
	_, _, err := c.CreateOrGet("secret", KindPrivate, "alice")
	require.NoError(t, err)
	require.NoError(t, c.Join("secret", "alice", "bob", nil))

	c.RemoveUser("alice")

	// A new account reusing the name inherits nothing
	assert.ErrorIs(t, c.Join("secret", "alice", "alice", nil), ErrRoomNotFound)
	_, err = c.ListMembers("secret", "bob")
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestPruneSingleMemberDirectChat(t *testing.T) {
	c := NewChatrooms(nil)
	_, err := c.EnsureDirect("alice", "bob")
	require.NoError(t, err)

	// A snapshot can still carry a direct chat that lost a member
	c.mu.Lock()
	delete(c.rooms[DirectName("alice", "bob")].Members, "bob")
	c.mu.Unlock()

	pruned := c.PruneAbandoned(time.Hour, knownUsers("alice"))
	assert.Equal(t, []string{DirectName("alice", "bob")}, pruned)
	assert.Zero(t, c.Count())
}

func TestPruneAbandoned(t *testing.T) {
	c := NewChatrooms(nil)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	_, _, err := c.CreateOrGet("empty", KindPublic, "alice")
	require.NoError(t, err)
	_, _, err = c.CreateOrGet("busy", KindPublic, "alice")
	require.NoError(t, err)
	require.NoError(t, c.Join("busy", "bob", "bob", nil))
	_, _, err = c.CreateOrGet("orphan", KindPublic, "ghost")
	require.NoError(t, err)
	require.NoError(t, c.Join("orphan", "bob", "bob", nil))

	// Within the grace window nothing goes
	assert.Empty(t, c.PruneAbandoned(time.Minute, knownUsers("alice", "bob")))

	now = now.Add(2 * time.Minute)
	_, _, err = c.CreateOrGet("fresh", KindPublic, "alice")
	require.NoError(t, err)

	pruned := c.PruneAbandoned(time.Minute, knownUsers("alice", "bob"))
	assert.Equal(t, []string{"empty", "orphan"}, pruned)
	assert.True(t, c.Exists("busy"))
	assert.True(t, c.Exists("fresh"))
}

func TestGetReturnsCopy(t *testing.T) {
	c := NewChatrooms(nil)
	_, _, err := c.CreateOrGet("lobby", KindPublic, "alice")
	require.NoError(t, err)

	room, ok := c.Get("lobby")
	require.True(t, ok)
	room.Members["mallory"] = struct{}{}

	assert.False(t, c.IsMember("lobby", "mallory"))
}
