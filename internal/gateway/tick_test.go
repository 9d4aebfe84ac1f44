package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/crowdsynth/crowdsynth/internal/arbiter"
	"github.com/crowdsynth/crowdsynth/internal/audio"
	"github.com/crowdsynth/crowdsynth/internal/room"
	"github.com/crowdsynth/crowdsynth/pkg/provider/llm"
	llmmock "github.com/crowdsynth/crowdsynth/pkg/provider/llm/mock"
	musicmock "github.com/crowdsynth/crowdsynth/pkg/provider/music/mock"
)

// memConn is an in-process room.Conn that records JSON sends.
type memConn struct {
	mu   sync.Mutex
	id   string
	msgs []any
}

func (c *memConn) ID() string { return c.id }

func (c *memConn) SendJSON(_ context.Context, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, v)
	return nil
}

func (c *memConn) SendBytes(context.Context, []byte) error { return nil }

func (c *memConn) lastState() (*room.StateUpdate, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.msgs) - 1; i >= 0; i-- {
		if su, ok := c.msgs[i].(*room.StateUpdate); ok {
			return su, true
		}
	}
	return nil, false
}

func newTickFixture(t *testing.T, llmProv *llmmock.Provider) (*Gateway, *room.Store, *musicmock.Provider, string, *memConn) {
	t.Helper()

	store := room.NewStore()
	musicProv := &musicmock.Provider{}
	mgr := audio.NewManager(musicProv, func(string, []byte) {}, nil)
	g := New(store, arbiter.New(llmProv), mgr, nil)

	info, err := store.CreateRoom("host", "dev", "Tick Test")
	if err != nil {
		t.Fatal(err)
	}
	conn := &memConn{id: "conn-1"}
	if _, err := store.JoinRoom(info.ID, "host", "Host", conn); err != nil {
		t.Fatal(err)
	}
	if err := store.SetPlaying(info.ID, true); err != nil {
		t.Fatal(err)
	}
	if err := mgr.StartSession(context.Background(), info.ID, 100); err != nil {
		t.Fatal(err)
	}
	return g, store, musicProv, info.ID, conn
}

func TestRunTickAppliesAndBroadcasts(t *testing.T) {
	t.Parallel()
	llmProv := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: arbResponse}}
	g, store, musicProv, roomID, conn := newTickFixture(t, llmProv)

	genre := "house"
	if err := store.UpdateInput(roomID, room.RoleGenreDJ, room.InputPayload{Genre: &genre}); err != nil {
		t.Fatal(err)
	}
	snap, err := store.Snapshot(roomID)
	if err != nil {
		t.Fatal(err)
	}

	if err := g.runTick(context.Background(), roomID, snap); err != nil {
		t.Fatalf("runTick: %v", err)
	}

	// Room state took the arbitration result.
	info, _ := store.Info(roomID)
	if info.BPM != 110 || info.Density != 0.6 {
		t.Fatalf("room params = bpm %d density %v", info.BPM, info.Density)
	}
	prompts := store.ActivePrompts(roomID)
	if len(prompts) != 1 || prompts[0].Text != "warm house groove" {
		t.Fatalf("prompts = %+v", prompts)
	}

	// The session received the same result.
	got := musicProv.Sessions[0].LastPrompts()
	if len(got) != 1 || got[0].Text != "warm house groove" {
		t.Fatalf("session prompts = %+v", got)
	}

	// The state broadcast carries the rationale.
	state, ok := conn.lastState()
	if !ok {
		t.Fatal("no state_update broadcast")
	}
	if state.Reasoning != "settled into the groove" {
		t.Fatalf("reasoning = %q", state.Reasoning)
	}
}

func TestRunTickFailureLeavesRoomUntouched(t *testing.T) {
	t.Parallel()
	llmProv := &llmmock.Provider{CompleteErr: errors.New("oracle down")}
	g, store, musicProv, roomID, conn := newTickFixture(t, llmProv)

	mood := "dark"
	if err := store.UpdateInput(roomID, room.RoleVibeSetter, room.InputPayload{Mood: &mood}); err != nil {
		t.Fatal(err)
	}
	before := store.ActivePrompts(roomID)
	snap, err := store.Snapshot(roomID)
	if err != nil {
		t.Fatal(err)
	}

	if err := g.runTick(context.Background(), roomID, snap); err == nil {
		t.Fatal("expected tick error")
	}

	// Prompts, params, session, and broadcast set are all untouched.
	after := store.ActivePrompts(roomID)
	if len(after) != len(before) || after[0].Text != before[0].Text {
		t.Fatalf("prompts changed on failed tick: %+v", after)
	}
	info, _ := store.Info(roomID)
	if info.BPM != 100 {
		t.Fatalf("bpm = %d, want unchanged 100", info.BPM)
	}
	if got := musicProv.Sessions[0].LastPrompts(); got[0].Text != "ambient electronic music with soft synth pads" {
		t.Fatalf("session prompts changed: %+v", got)
	}
	if _, ok := conn.lastState(); ok {
		t.Fatal("failed tick must not broadcast state")
	}
}

func TestStreamErrorBroadcast(t *testing.T) {
	t.Parallel()
	llmProv := &llmmock.Provider{CompleteErr: errors.New("oracle down")}
	g, _, _, roomID, conn := newTickFixture(t, llmProv)

	g.streamError(roomID, errors.New("oracle down"))

	conn.mu.Lock()
	defer conn.mu.Unlock()
	found := false
	for _, m := range conn.msgs {
		if se, ok := m.(streamErrorMsg); ok && se.Type == "stream_error" {
			found = true
		}
	}
	if !found {
		t.Fatal("stream_error not broadcast")
	}
}
