package room

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJoinCreatesRoom(t *testing.T) {
	reg := NewRegistry(time.Minute, nil)

	session, err := reg.Join("R1", "alice")
	require.NoError(t, err)
	assert.NotEmpty(t, session.ID)
	assert.Equal(t, "R1", session.RoomID)
	assert.Equal(t, "alice", session.Username)
	assert.Equal(t, Palette[0], session.Color)
	assert.Equal(t, 1, reg.RoomCount())
}

func TestJoinRejectsBlankUsername(t *testing.T) {
	reg := NewRegistry(time.Minute, nil)

	_, err := reg.Join("R1", "")
	assert.ErrorIs(t, err, ErrInvalidName)

	_, err = reg.Join("R1", "   ")
	assert.ErrorIs(t, err, ErrInvalidName)

	assert.Equal(t, 0, reg.SessionCount())
}

func TestDuplicateUsernamesAllowed(t *testing.T) {
	reg := NewRegistry(time.Minute, nil)

	a, err := reg.Join("R1", "alice")
	require.NoError(t, err)
	b, err := reg.Join("R1", "alice")
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.NotEqual(t, a.Color, b.Color)
	assert.Len(t, reg.List("R1"), 2)
}

func TestListOrderedByJoin(t *testing.T) {
	reg := NewRegistry(time.Minute, nil)

	names := []string{"alice", "bob", "carol"}
	for _, name := range names {
		_, err := reg.Join("R1", name)
		require.NoError(t, err)
	}

	sessions := reg.List("R1")
	require.Len(t, sessions, 3)
	for i, s := range sessions {
		assert.Equal(t, names[i], s.Username)
	}
}

func TestColorSlotReuse(t *testing.T) {
	reg := NewRegistry(time.Minute, nil)

	a, _ := reg.Join("R1", "alice")
	_, _ = reg.Join("R1", "bob")
	require.NoError(t, reg.Leave(a.ID))

	// The freed lowest slot goes to the next joiner.
	c, err := reg.Join("R1", "carol")
	require.NoError(t, err)
	assert.Equal(t, Palette[0], c.Color)
}

func TestReconnectKeepsColor(t *testing.T) {
	reg := NewRegistry(time.Minute, nil)

	a, _ := reg.Join("R1", "alice")
	b, _ := reg.Join("R1", "bob")
	require.NoError(t, reg.Leave(b.ID))

	// Bob rejoins while his old slot is still free.
	b2, err := reg.Join("R1", "bob")
	require.NoError(t, err)
	assert.Equal(t, b.Color, b2.Color)
	assert.NotEqual(t, a.Color, b2.Color)
}

func TestLeaveUnknownSession(t *testing.T) {
	reg := NewRegistry(time.Minute, nil)
	assert.ErrorIs(t, reg.Leave("nope"), ErrNotFound)
}

func TestGracePeriodDisposal(t *testing.T) {
	disposed := make(chan string, 1)
	reg := NewRegistry(50*time.Millisecond, func(roomID string) {
		disposed <- roomID
	})

	session, _ := reg.Join("R1", "alice")
	require.NoError(t, reg.Leave(session.ID))

	select {
	case roomID := <-disposed:
		assert.Equal(t, "R1", roomID)
	case <-time.After(time.Second):
		t.Fatal("room was never disposed")
	}
	assert.Equal(t, 0, reg.RoomCount())

	// A later join gets a fresh room.
	_, err := reg.Join("R1", "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, reg.RoomCount())
}

func TestRejoinCancelsDisposal(t *testing.T) {
	disposed := make(chan string, 1)
	reg := NewRegistry(100*time.Millisecond, func(roomID string) {
		disposed <- roomID
	})

	session, _ := reg.Join("R1", "alice")
	require.NoError(t, reg.Leave(session.ID))

	// Reconnect within the grace period.
	_, err := reg.Join("R1", "alice")
	require.NoError(t, err)

	select {
	case <-disposed:
		t.Fatal("room disposed despite rejoin")
	case <-time.After(300 * time.Millisecond):
	}
	assert.Equal(t, 1, reg.RoomCount())
}

func TestConcurrentJoins(t *testing.T) {
	reg := NewRegistry(time.Minute, nil)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := reg.Join("R1", "user")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	sessions := reg.List("R1")
	require.Len(t, sessions, 32)

	ids := make(map[string]bool)
	for _, s := range sessions {
		assert.False(t, ids[s.ID])
		ids[s.ID] = true
	}
}

func TestActiveRooms(t *testing.T) {
	reg := NewRegistry(time.Minute, nil)

	reg.Join("R1", "alice")
	reg.Join("R1", "bob")
	reg.Join("R2", "carol")

	active := reg.ActiveRooms()
	assert.Equal(t, 2, active["R1"])
	assert.Equal(t, 1, active["R2"])
}
