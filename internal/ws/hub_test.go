package ws

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderoom/backend/internal/document"
	"github.com/coderoom/backend/internal/presence"
	"github.com/coderoom/backend/internal/room"
	docsync "github.com/coderoom/backend/internal/sync"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	engine := docsync.NewEngine()
	t.Cleanup(engine.Close)
	store := document.New(engine, nil, document.DefaultOptions())
	registry := room.NewRegistry(time.Minute, nil)
	return NewHub(registry, store, presence.NewNoop(), 100, 200)
}

// newTestClient builds a client without a network connection. The write
// pump never runs, so enqueued frames stay in the send buffer for
// inspection.
func newTestClient(t *testing.T, h *Hub, roomID, username string) *Client {
	t.Helper()
	session, err := h.registry.Join(roomID, username)
	require.NoError(t, err)
	return &Client{
		hub:     h,
		send:    make(chan []byte, 64),
		session: session,
	}
}

func recvMessage(t *testing.T, c *Client) map[string]interface{} {
	t.Helper()
	select {
	case data := <-c.send:
		var msg map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message enqueued")
		return nil
	}
}

func drain(c *Client) {
	for {
		select {
		case <-c.send:
		default:
			return
		}
	}
}

func TestRegisterSendsUsersList(t *testing.T) {
	h := newTestHub(t)

	alice := newTestClient(t, h, "R1", "alice")
	h.handleRegister(alice)

	msg := recvMessage(t, alice)
	assert.Equal(t, TypeUsersList, msg["type"])
	users := msg["users"].([]interface{})
	require.Len(t, users, 1)
	first := users[0].(map[string]interface{})
	assert.Equal(t, "alice", first["name"])
	assert.Equal(t, alice.session.Color, first["color"])
}

func TestRegisterNotifiesRoom(t *testing.T) {
	h := newTestHub(t)

	alice := newTestClient(t, h, "R1", "alice")
	h.handleRegister(alice)
	drain(alice)

	bob := newTestClient(t, h, "R1", "bob")
	h.handleRegister(bob)

	// Alice learns about bob; bob does not get his own USER_JOINED.
	msg := recvMessage(t, alice)
	assert.Equal(t, TypeUserJoined, msg["type"])
	assert.Equal(t, "bob", msg["username"])
	assert.Equal(t, bob.session.ID, msg["userId"])

	msg = recvMessage(t, bob)
	assert.Equal(t, TypeUsersList, msg["type"])
	assert.Len(t, msg["users"].([]interface{}), 2)
}

func TestRegisterSendsFileSet(t *testing.T) {
	h := newTestHub(t)

	_, err := h.store.CreateFile("R1", "main.js", "javascript")
	require.NoError(t, err)

	alice := newTestClient(t, h, "R1", "alice")
	h.handleRegister(alice)

	msg := recvMessage(t, alice) // USERS_LIST
	assert.Equal(t, TypeUsersList, msg["type"])

	msg = recvMessage(t, alice)
	assert.Equal(t, TypeFileChange, msg["type"])
	files := msg["files"].([]interface{})
	require.Len(t, files, 1)
	assert.Equal(t, "main.js", files[0].(map[string]interface{})["name"])
}

func TestUnregisterNotifiesRoom(t *testing.T) {
	h := newTestHub(t)

	alice := newTestClient(t, h, "R1", "alice")
	bob := newTestClient(t, h, "R1", "bob")
	h.handleRegister(alice)
	h.handleRegister(bob)
	drain(alice)
	drain(bob)

	h.handleUnregister(bob)

	msg := recvMessage(t, alice)
	assert.Equal(t, TypeUserLeft, msg["type"])
	assert.Equal(t, bob.session.ID, msg["userId"])

	assert.Equal(t, 1, h.GetClientCount())
	assert.Len(t, h.registry.List("R1"), 1)
}

func TestUnregisterTwiceIsSafe(t *testing.T) {
	h := newTestHub(t)

	alice := newTestClient(t, h, "R1", "alice")
	h.handleRegister(alice)

	h.handleUnregister(alice)
	h.handleUnregister(alice)

	assert.Equal(t, 0, h.GetClientCount())
	assert.Equal(t, 0, h.GetRoomCount())
}

func TestDeliverScopedToRoom(t *testing.T) {
	h := newTestHub(t)

	alice := newTestClient(t, h, "R1", "alice")
	carol := newTestClient(t, h, "R2", "carol")
	h.handleRegister(alice)
	h.handleRegister(carol)
	drain(alice)
	drain(carol)

	h.deliver(&envelope{roomID: "R1", data: CodeUpdate("f1", "hello", 1)})

	msg := recvMessage(t, alice)
	assert.Equal(t, TypeCodeUpdate, msg["type"])
	assert.Equal(t, "hello", msg["content"])
	assert.Equal(t, float64(1), msg["version"])

	select {
	case data := <-carol.send:
		t.Fatalf("message leaked across rooms: %s", data)
	default:
	}
}

func TestDeliverExcludesOriginator(t *testing.T) {
	h := newTestHub(t)

	alice := newTestClient(t, h, "R1", "alice")
	bob := newTestClient(t, h, "R1", "bob")
	h.handleRegister(alice)
	h.handleRegister(bob)
	drain(alice)
	drain(bob)

	h.deliver(&envelope{
		roomID:  "R1",
		data:    marshal(cursorMoveMsg{Type: TypeCursorMove, UserID: bob.session.ID, FileID: "f1", Position: 3}),
		exclude: bob,
	})

	msg := recvMessage(t, alice)
	assert.Equal(t, TypeCursorMove, msg["type"])
	assert.Equal(t, float64(3), msg["position"])

	select {
	case <-bob.send:
		t.Fatal("excluded client received its own relay")
	default:
	}
}

func TestSlowClientDoesNotStallRoom(t *testing.T) {
	h := newTestHub(t)

	alice := newTestClient(t, h, "R1", "alice")
	slow := newTestClient(t, h, "R1", "bob")
	slow.send = make(chan []byte, 1) // tiny buffer, nobody draining
	h.handleRegister(alice)
	h.handleRegister(slow)
	drain(alice)

	for i := 0; i < 10; i++ {
		h.deliver(&envelope{roomID: "R1", data: CodeUpdate("f1", "x", uint64(i+1))})
	}

	// Alice got every update even though the slow client's buffer filled.
	for i := 0; i < 10; i++ {
		msg := recvMessage(t, alice)
		assert.Equal(t, TypeCodeUpdate, msg["type"])
	}
}

func TestBroadcastRoomReachesEveryone(t *testing.T) {
	h := newTestHub(t)
	go h.Run()

	alice := newTestClient(t, h, "R1", "alice")
	bob := newTestClient(t, h, "R1", "bob")
	h.handleRegister(alice)
	h.handleRegister(bob)
	drain(alice)
	drain(bob)

	h.BroadcastRoom("R1", CodeUpdate("f1", "shared", 7))

	for _, c := range []*Client{alice, bob} {
		msg := recvMessage(t, c)
		assert.Equal(t, TypeCodeUpdate, msg["type"])
		assert.Equal(t, "shared", msg["content"])
	}
}

func TestEnqueueAfterCloseIsSafe(t *testing.T) {
	h := newTestHub(t)

	alice := newTestClient(t, h, "R1", "alice")
	h.handleRegister(alice)
	h.handleUnregister(alice)

	// Must not panic on the closed channel.
	alice.enqueue(CodeUpdate("f1", "late", 1))
}
