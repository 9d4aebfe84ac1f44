// Package audio manages the per-room upstream music sessions: opening and
// closing the streaming connection, relaying generated audio to room
// listeners, and pushing prompt and parameter updates as arbitration runs.
//
// Tempo changes are smoothed: the generator resets its musical context on a
// bpm change, so the manager walks the session toward the arbitrated target
// at most maxBPMStep per update instead of jumping. Prompt-update failures
// are logged, not returned — a missed update self-corrects on the next tick,
// whereas failing the tick would stall the room.
package audio

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/crowdsynth/crowdsynth/pkg/provider/music"
)

// maxBPMStep is the largest tempo change applied in a single update.
const maxBPMStep = 10

// sessionTemperature is the generation temperature for every session.
const sessionTemperature = 1.0

// startPromptText seeds a fresh session before the first arbitration lands.
const startPromptText = "ambient electronic music with soft synth pads"

// BroadcastFunc delivers one chunk of generated audio to a room's listeners.
type BroadcastFunc func(roomID string, data []byte)

// FilteredFunc is invoked when the generator's safety filter rejects a
// prompt. May be nil.
type FilteredFunc func(roomID, promptText string)

// handle is one room's live session plus its tempo-smoothing state.
type handle struct {
	session music.Session
	cancel  context.CancelFunc

	mu        sync.Mutex
	bpm       int
	targetBPM int
	prompts   []music.WeightedPrompt
}

// Manager owns all upstream music sessions, one per playing room. Safe for
// concurrent use.
type Manager struct {
	provider  music.Provider
	broadcast BroadcastFunc
	filtered  FilteredFunc

	mu      sync.Mutex
	handles map[string]*handle
}

// NewManager returns a Manager that opens sessions through provider and
// relays audio via broadcast.
func NewManager(provider music.Provider, broadcast BroadcastFunc, filtered FilteredFunc) *Manager {
	return &Manager{
		provider:  provider,
		broadcast: broadcast,
		filtered:  filtered,
		handles:   make(map[string]*handle),
	}
}

// StartSession opens the room's upstream session, seeds it with the starting
// prompt, begins playback, and starts the audio relay. Starting a room that
// already has a session is a no-op.
func (m *Manager) StartSession(ctx context.Context, roomID string, initialBPM int) error {
	m.mu.Lock()
	if _, exists := m.handles[roomID]; exists {
		m.mu.Unlock()
		slog.Debug("session already running", "room_id", roomID)
		return nil
	}
	// Reserve the slot before the (slow) connect so concurrent starts collapse.
	m.handles[roomID] = nil
	m.mu.Unlock()

	session, err := m.provider.Connect(ctx)
	if err != nil {
		m.evict(roomID)
		return err
	}

	if err := session.SetMusicGenerationConfig(ctx, music.GenerationConfig{
		BPM:         initialBPM,
		Temperature: sessionTemperature,
	}); err != nil {
		session.Close()
		m.evict(roomID)
		return err
	}
	seed := []music.WeightedPrompt{{Text: startPromptText, Weight: 1.0}}
	if err := session.SetWeightedPrompts(ctx, seed); err != nil {
		session.Close()
		m.evict(roomID)
		return err
	}
	if err := session.Play(ctx); err != nil {
		session.Close()
		m.evict(roomID)
		return err
	}

	relayCtx, cancel := context.WithCancel(context.Background())
	h := &handle{
		session:   session,
		cancel:    cancel,
		bpm:       initialBPM,
		targetBPM: initialBPM,
		prompts:   seed,
	}

	m.mu.Lock()
	if _, reserved := m.handles[roomID]; !reserved {
		// A StopSession landed while we were connecting; the room no longer
		// wants this session.
		m.mu.Unlock()
		cancel()
		if err := session.Stop(ctx); err != nil {
			slog.Warn("stop playback failed", "room_id", roomID, "error", err)
		}
		session.Close()
		slog.Info("music session discarded, stopped during start", "room_id", roomID)
		return nil
	}
	m.handles[roomID] = h
	m.mu.Unlock()

	go m.relay(relayCtx, roomID, session)

	slog.Info("music session started", "room_id", roomID, "bpm", initialBPM)
	return nil
}

// StopSession stops playback and closes the room's session. Missing sessions
// are a no-op.
func (m *Manager) StopSession(ctx context.Context, roomID string) {
	m.mu.Lock()
	h := m.handles[roomID]
	delete(m.handles, roomID)
	m.mu.Unlock()

	if h == nil {
		return
	}
	h.cancel()
	if err := h.session.Stop(ctx); err != nil {
		slog.Warn("stop playback failed", "room_id", roomID, "error", err)
	}
	if err := h.session.Close(); err != nil {
		slog.Warn("close session failed", "room_id", roomID, "error", err)
	}
	slog.Info("music session stopped", "room_id", roomID)
}

// IsPlaying reports whether the room has a live session.
func (m *Manager) IsPlaying(roomID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[roomID]
	return ok && h != nil
}

// UpdatePrompts pushes an arbitration result to the room's session. The bpm
// moves at most maxBPMStep toward the target per call, and any tempo change
// resets the generator context first so the new tempo takes hold cleanly.
//
// A room without a session, and any upstream send failure, is logged and
// skipped; the next tick retries naturally.
func (m *Manager) UpdatePrompts(ctx context.Context, roomID string, prompts []music.WeightedPrompt, bpm int, density, brightness float64) {
	h := m.lookup(roomID)
	if h == nil {
		slog.Debug("no session for prompt update", "room_id", roomID)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.targetBPM = bpm
	next := stepToward(h.bpm, bpm)

	if next != h.bpm {
		slog.Info("tempo step", "room_id", roomID, "from", h.bpm, "to", next, "target", h.targetBPM)
		if err := h.session.ResetContext(ctx); err != nil {
			slog.Warn("reset context failed", "room_id", roomID, "error", err)
			return
		}
	}

	if err := h.session.SetMusicGenerationConfig(ctx, music.GenerationConfig{
		BPM:         next,
		Density:     density,
		Brightness:  brightness,
		Temperature: sessionTemperature,
	}); err != nil {
		slog.Warn("config update failed", "room_id", roomID, "error", err)
		return
	}
	h.bpm = next

	if err := h.session.SetWeightedPrompts(ctx, prompts); err != nil {
		slog.Warn("prompt update failed", "room_id", roomID, "error", err)
		return
	}
	h.prompts = prompts
}

// ApplyLevels pushes a density/brightness-only adjustment at the session's
// current tempo. Used by the applause path between arbitration ticks.
func (m *Manager) ApplyLevels(ctx context.Context, roomID string, density, brightness float64) {
	h := m.lookup(roomID)
	if h == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.session.SetMusicGenerationConfig(ctx, music.GenerationConfig{
		BPM:         h.bpm,
		Density:     density,
		Brightness:  brightness,
		Temperature: sessionTemperature,
	}); err != nil {
		slog.Warn("level update failed", "room_id", roomID, "error", err)
	}
}

// SessionBPM returns the session's current (smoothed) tempo, or false when
// the room has no session.
func (m *Manager) SessionBPM(roomID string) (int, bool) {
	h := m.lookup(roomID)
	if h == nil {
		return 0, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.bpm, true
}

// CloseAll tears down every live session concurrently. Used at shutdown,
// where sequential stops against a slow upstream would eat the grace period.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.handles))
	for id := range m.handles {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			m.StopSession(ctx, id)
			return nil
		})
	}
	g.Wait()
}

func (m *Manager) lookup(roomID string) *handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handles[roomID]
}

func (m *Manager) evict(roomID string) {
	m.mu.Lock()
	delete(m.handles, roomID)
	m.mu.Unlock()
}

// relay forwards generated audio to the room until the session's frame
// channel closes or the session is stopped. A session that dies upstream
// evicts its handle so a later StartSession can reconnect.
func (m *Manager) relay(ctx context.Context, roomID string, session music.Session) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-session.Frames():
			if !ok {
				if err := session.Err(); err != nil {
					slog.Error("audio relay ended", "room_id", roomID, "error", err)
				}
				m.evict(roomID)
				return
			}
			for _, chunk := range frame.AudioChunks {
				m.broadcast(roomID, chunk)
			}
			if frame.FilteredPrompt != "" {
				slog.Warn("prompt filtered upstream", "room_id", roomID, "prompt", frame.FilteredPrompt)
				if m.filtered != nil {
					m.filtered(roomID, frame.FilteredPrompt)
				}
			}
		}
	}
}

// stepToward moves cur toward target by at most maxBPMStep.
func stepToward(cur, target int) int {
	switch {
	case target > cur+maxBPMStep:
		return cur + maxBPMStep
	case target < cur-maxBPMStep:
		return cur - maxBPMStep
	default:
		return target
	}
}
