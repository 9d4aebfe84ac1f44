package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/crowdsynth/crowdsynth/internal/arbiter"
	"github.com/crowdsynth/crowdsynth/internal/audio"
	"github.com/crowdsynth/crowdsynth/internal/room"
	"github.com/crowdsynth/crowdsynth/pkg/provider/llm"
	llmmock "github.com/crowdsynth/crowdsynth/pkg/provider/llm/mock"
	musicmock "github.com/crowdsynth/crowdsynth/pkg/provider/music/mock"
)

const arbResponse = `{
  "prompts": [{"text": "warm house groove", "weight": 1.0}],
  "bpm": 110,
  "density": 0.6,
  "brightness": 0.5,
  "reasoning": "settled into the groove"
}`

type testEnv struct {
	store *room.Store
	music *musicmock.Provider
	llm   *llmmock.Provider
	srv   *httptest.Server
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()

	store := room.NewStore()
	llmProv := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: arbResponse}}
	arb := arbiter.New(llmProv)
	musicProv := &musicmock.Provider{}
	mgr := audio.NewManager(musicProv, func(roomID string, data []byte) {
		store.BroadcastBytes(context.Background(), roomID, data)
	}, nil)

	g := New(store, arb, mgr, nil, opts...)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", g.HandleWS)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &testEnv{store: store, music: musicProv, llm: llmProv, srv: srv}
}

type client struct {
	t    *testing.T
	conn *websocket.Conn
}

func (e *testEnv) dial(t *testing.T) *client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return &client{t: t, conn: conn}
}

func (c *client) send(v any) {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, c.conn, v); err != nil {
		c.t.Fatalf("send: %v", err)
	}
}

// readUntil skips frames until one with the wanted type arrives.
func (c *client) readUntil(wantType string) map[string]any {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		var msg map[string]any
		if err := wsjson.Read(ctx, c.conn, &msg); err != nil {
			c.t.Fatalf("read waiting for %q: %v", wantType, err)
		}
		if msg["type"] == wantType {
			return msg
		}
	}
}

// createRoom drives the create flow and returns the room id.
func createRoom(t *testing.T, c *client, userID string) string {
	t.Helper()
	c.send(map[string]any{"type": "create_room", "user_id": userID, "device_name": "test-device", "room_name": "Jam"})
	msg := c.readUntil("room_created")
	id, _ := msg["room_id"].(string)
	if len(id) != 6 {
		t.Fatalf("room_id = %q", id)
	}
	return id
}

func TestCreateRoomFlow(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	host := env.dial(t)

	host.send(map[string]any{"type": "create_room", "user_id": "A", "device_name": "phone", "room_name": "Friday Jam"})

	created := host.readUntil("room_created")
	if created["role"] != "drummer" {
		t.Fatalf("host role = %v, want drummer", created["role"])
	}
	roomID, _ := created["room_id"].(string)
	if created["join_url"] != "?room_id="+roomID {
		t.Fatalf("join_url = %v", created["join_url"])
	}
	if created["room_name"] != "Friday Jam" {
		t.Fatalf("room_name = %v", created["room_name"])
	}

	state := host.readUntil("state_update")
	participants, _ := state["participants"].([]any)
	if len(participants) != 1 {
		t.Fatalf("participants = %d, want 1", len(participants))
	}
	if state["bpm"] != float64(100) {
		t.Fatalf("bpm = %v, want 100", state["bpm"])
	}
}

func TestJoinRoomFlow(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	host := env.dial(t)
	roomID := createRoom(t, host, "A")

	guest := env.dial(t)
	guest.send(map[string]any{"type": "join_room", "user_id": "B", "room_id": roomID, "display_name": "Bee"})

	joined := guest.readUntil("joined")
	if joined["role"] != "vibe_setter" {
		t.Fatalf("guest role = %v, want vibe_setter", joined["role"])
	}
	if joined["user_id"] != "B" {
		t.Fatalf("user_id = %v", joined["user_id"])
	}

	// Both clients see the two-participant state.
	state := guest.readUntil("state_update")
	participants, _ := state["participants"].([]any)
	if len(participants) != 2 {
		t.Fatalf("participants = %d, want 2", len(participants))
	}
}

func TestJoinUnknownRoom(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	c := env.dial(t)

	c.send(map[string]any{"type": "join_room", "user_id": "A", "room_id": "zzzzzz"})
	msg := c.readUntil("error")
	if msg["message"] != "Room ZZZZZZ not found" {
		t.Fatalf("message = %v", msg["message"])
	}
}

func TestJoinLowercaseRoomID(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	host := env.dial(t)
	roomID := createRoom(t, host, "A")

	guest := env.dial(t)
	guest.send(map[string]any{"type": "join_room", "user_id": "B", "room_id": strings.ToLower(roomID)})
	joined := guest.readUntil("joined")
	if joined["room_id"] != roomID {
		t.Fatalf("room_id = %v, want uppercased %s", joined["room_id"], roomID)
	}
}

func TestInvalidJSON(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	c := env.dial(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	msg := c.readUntil("error")
	if msg["message"] != "Invalid JSON" {
		t.Fatalf("message = %v", msg["message"])
	}
}

func TestStartMusicHostOnly(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	host := env.dial(t)
	roomID := createRoom(t, host, "A")

	guest := env.dial(t)
	guest.send(map[string]any{"type": "join_room", "user_id": "B", "room_id": roomID})
	guest.readUntil("joined")

	guest.send(map[string]any{"type": "start_music", "user_id": "B", "room_id": roomID})
	msg := guest.readUntil("error")
	if msg["message"] != "Only host can start music" {
		t.Fatalf("message = %v", msg["message"])
	}

	host.send(map[string]any{"type": "start_music", "user_id": "A"})
	host.readUntil("music_started")
	if env.music.ConnectCalls != 1 {
		t.Fatalf("upstream connects = %d, want 1", env.music.ConnectCalls)
	}

	info, err := env.store.Info(roomID)
	if err != nil {
		t.Fatal(err)
	}
	if !info.IsPlaying {
		t.Fatal("room not marked playing")
	}
}

func TestStopMusic(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	host := env.dial(t)
	roomID := createRoom(t, host, "A")

	host.send(map[string]any{"type": "start_music", "user_id": "A"})
	host.readUntil("music_started")

	host.send(map[string]any{"type": "stop_music", "user_id": "A"})
	host.readUntil("music_stopped")

	info, err := env.store.Info(roomID)
	if err != nil {
		t.Fatal(err)
	}
	if info.IsPlaying {
		t.Fatal("room still marked playing")
	}
	log := env.music.Sessions[0].ControlLog()
	if log[len(log)-1] != "stop" {
		t.Fatalf("controls = %v, want trailing stop", log)
	}
}

func TestStopMusicTwice(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	host := env.dial(t)
	createRoom(t, host, "A")

	host.send(map[string]any{"type": "start_music", "user_id": "A"})
	host.readUntil("music_started")
	host.send(map[string]any{"type": "stop_music", "user_id": "A"})
	host.readUntil("music_stopped")

	// A repeat stop is a no-op: no second broadcast, no second upstream stop.
	host.send(map[string]any{"type": "stop_music", "user_id": "A"})
	host.send(map[string]any{"type": "applause_update", "user_id": "A", "volume": 0.5, "clap_rate": 0.5})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		var msg map[string]any
		if err := wsjson.Read(ctx, host.conn, &msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		switch msg["type"] {
		case "music_stopped":
			t.Fatal("second stop_music broadcast music_stopped again")
		case "applause_level":
			stops := 0
			for _, c := range env.music.Sessions[0].ControlLog() {
				if c == "stop" {
					stops++
				}
			}
			if stops != 1 {
				t.Fatalf("upstream stops = %d, want 1", stops)
			}
			return
		}
	}
}

func TestCloseRoomDestroys(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	host := env.dial(t)
	roomID := createRoom(t, host, "A")

	host.send(map[string]any{"type": "close_room", "user_id": "A"})
	msg := host.readUntil("room_closed")
	if msg["message"] != "Room closed by host" {
		t.Fatalf("message = %v", msg["message"])
	}

	if _, err := env.store.Info(roomID); err == nil {
		t.Fatal("room still exists after close_room")
	}
}

func TestInputUpdateStored(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	host := env.dial(t)
	roomID := createRoom(t, host, "A")

	host.send(map[string]any{
		"type": "input_update", "user_id": "A",
		"role": "drummer", "payload": map[string]any{"bpm": 140},
	})
	// Unknown roles are dropped silently.
	host.send(map[string]any{
		"type": "input_update", "user_id": "A",
		"role": "dj_supreme", "payload": map[string]any{"genre": "trap"},
	})

	deadline := time.After(2 * time.Second)
	for {
		snap, err := env.store.Snapshot(roomID)
		if err != nil {
			t.Fatal(err)
		}
		if in, ok := snap.Inputs[room.RoleDrummer]; ok {
			if in.BPM == nil || *in.BPM != 140 {
				t.Fatalf("stored payload = %+v", in)
			}
			if len(snap.Inputs) != 1 {
				t.Fatalf("inputs = %d, want only drummer", len(snap.Inputs))
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("drummer input never stored")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestDropSoloTrigger(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, WithDropDelay(20*time.Millisecond))
	host := env.dial(t)
	createRoom(t, host, "A")

	host.send(map[string]any{"type": "start_music", "user_id": "A"})
	host.readUntil("music_started")

	host.send(map[string]any{"type": "drop", "user_id": "A"})
	host.readUntil("drop_incoming")

	triggered := host.readUntil("drop_triggered")
	if triggered["message"] != "🔥 DROP!" {
		t.Fatalf("message = %v", triggered["message"])
	}

	// The drop override reached the session: bpm stepped toward 120, density
	// pinned to 1.0, brightness 0.3.
	deadline := time.After(2 * time.Second)
	for {
		cfg, ok := env.music.Sessions[0].LastConfig()
		if ok && cfg.Density == 1.0 && cfg.Brightness == 0.3 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("drop config never pushed, last = %+v", cfg)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestDropProgressAndDedup(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	host := env.dial(t)
	roomID := createRoom(t, host, "A")

	// Four participants → quorum 2; two extra clients join.
	b := env.dial(t)
	b.send(map[string]any{"type": "join_room", "user_id": "B", "room_id": roomID})
	b.readUntil("joined")
	c := env.dial(t)
	c.send(map[string]any{"type": "join_room", "user_id": "C", "room_id": roomID})
	c.readUntil("joined")
	d := env.dial(t)
	d.send(map[string]any{"type": "join_room", "user_id": "D", "room_id": roomID})
	d.readUntil("joined")

	b.send(map[string]any{"type": "drop", "user_id": "B"})
	progress := b.readUntil("drop_progress")
	if progress["count"] != float64(1) || progress["needed"] != float64(2) {
		t.Fatalf("progress = %v", progress)
	}

	// Same connection voting again is rejected privately.
	b.send(map[string]any{"type": "drop", "user_id": "B"})
	already := b.readUntil("drop_already_voted")
	if already["count"] != float64(1) {
		t.Fatalf("already_voted = %v", already)
	}

	// A second distinct connection completes the quorum.
	c.send(map[string]any{"type": "drop", "user_id": "C"})
	incoming := c.readUntil("drop_incoming")
	if incoming["count"] != float64(2) || incoming["needed"] != float64(2) {
		t.Fatalf("incoming = %v", incoming)
	}
}

func TestApplauseBroadcast(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	host := env.dial(t)
	roomID := createRoom(t, host, "A")

	host.send(map[string]any{"type": "applause_update", "user_id": "A", "volume": 1.0, "clap_rate": 1.0})
	msg := host.readUntil("applause_level")
	if msg["zone"] != "HIGH" || msg["loud"] != true {
		t.Fatalf("zone = %v, loud = %v", msg["zone"], msg["loud"])
	}
	if msg["intensity"] != float64(1) {
		t.Fatalf("intensity = %v, want 1", msg["intensity"])
	}

	// Defaults 0.5/0.5 → HIGH adds 0.10+0.10·1.0 to density.
	info, err := env.store.Info(roomID)
	if err != nil {
		t.Fatal(err)
	}
	if info.Density < 0.699 || info.Density > 0.701 {
		t.Fatalf("density = %v, want 0.7", info.Density)
	}
	if info.Brightness < 0.619 || info.Brightness > 0.621 {
		t.Fatalf("brightness = %v, want 0.62", info.Brightness)
	}
}

func TestHeartbeat(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, WithHeartbeatInterval(30*time.Millisecond))
	c := env.dial(t)
	c.readUntil("ping")
}

func TestReconnectReregisters(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	host := env.dial(t)
	roomID := createRoom(t, host, "A")

	// A fresh connection (same user, e.g. after a refresh) carrying room_id
	// gets re-attached to the broadcast set and keeps its old role.
	fresh := env.dial(t)
	fresh.send(map[string]any{"type": "drop", "user_id": "A", "room_id": roomID})
	fresh.readUntil("drop_progress")

	role, ok := env.store.Role(roomID, "A")
	if !ok || role != room.RoleDrummer {
		t.Fatalf("role after reconnect = %v, want drummer", role)
	}
}

func TestReconnectRequiresMembership(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	host := env.dial(t)
	roomID := createRoom(t, host, "A")

	// Three participants → drop quorum 2.
	b := env.dial(t)
	b.send(map[string]any{"type": "join_room", "user_id": "B", "room_id": roomID})
	b.readUntil("joined")
	c := env.dial(t)
	c.send(map[string]any{"type": "join_room", "user_id": "C", "room_id": roomID})
	c.readUntil("joined")

	// A connection for a user the room has never seen names the room id
	// directly. It must not be attached, and its vote must not count.
	stranger := env.dial(t)
	stranger.send(map[string]any{"type": "drop", "user_id": "Z", "room_id": roomID})
	time.Sleep(100 * time.Millisecond)

	b.send(map[string]any{"type": "drop", "user_id": "B"})
	progress := b.readUntil("drop_progress")
	if progress["count"] != float64(1) {
		t.Fatalf("count = %v, want 1 (stranger vote must not register)", progress["count"])
	}

	// The stranger receives no room traffic either.
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	var msg map[string]any
	if err := wsjson.Read(ctx, stranger.conn, &msg); err == nil {
		t.Fatalf("stranger received %v", msg)
	}
}
