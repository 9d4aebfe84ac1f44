package room

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/crowdsynth/crowdsynth/pkg/provider/music"
)

// Sentinel errors returned by Store operations.
var (
	// ErrRoomNotFound is returned when the referenced room does not exist.
	ErrRoomNotFound = errors.New("room: not found")

	// ErrRoomFull is returned when a new participant would exceed the cap.
	ErrRoomFull = errors.New("room: full")

	// ErrNotHost is returned when a non-host attempts a host-only action.
	ErrNotHost = errors.New("room: not host")
)

// roomIDCharset is the alphabet for minted room identifiers.
const roomIDCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// roomIDLength is the length of minted room identifiers.
const roomIDLength = 6

// Store is the process-wide registry of rooms. All methods are safe for
// concurrent use.
type Store struct {
	mu    sync.RWMutex
	rooms map[string]*Room

	tickMu sync.Mutex
	ticks  map[string]*tickLoop

	// now is the clock; overridable in tests.
	now func() time.Time
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		rooms: make(map[string]*Room),
		ticks: make(map[string]*tickLoop),
		now:   time.Now,
	}
}

// get looks up a room without locking it.
func (s *Store) get(roomID string) (*Room, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[roomID]
	return r, ok
}

// ── Lifecycle ─────────────────────────────────────────────────────────────────

// RoomInfo is an immutable snapshot of a room's headline state.
type RoomInfo struct {
	ID           string
	HostID       string
	Name         string
	DeviceName   string
	IsPlaying    bool
	BPM          int
	Density      float64
	Brightness   float64
	Participants int
}

// CreateRoom mints a collision-checked room ID, initialises defaults, and
// registers the room. The host still joins through JoinRoom like any other
// participant.
func (s *Store) CreateRoom(hostID, deviceName, roomName string) (RoomInfo, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var id string
	for {
		var err error
		id, err = mintRoomID()
		if err != nil {
			return RoomInfo{}, fmt.Errorf("room: mint id: %w", err)
		}
		if _, taken := s.rooms[id]; !taken {
			break
		}
	}

	r := newRoom(id, hostID, deviceName, roomName, now)
	r.timeline.append(now, "system", "Room created")
	s.rooms[id] = r

	slog.Info("room created", "room_id", id, "host_id", hostID, "room_name", roomName)
	return s.infoLocked(r), nil
}

// infoLocked builds a RoomInfo. Caller must not hold r.mu (it is taken here).
func (s *Store) infoLocked(r *Room) RoomInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RoomInfo{
		ID:           r.ID,
		HostID:       r.HostID,
		Name:         r.Name,
		DeviceName:   r.DeviceName,
		IsPlaying:    r.isPlaying,
		BPM:          r.bpm,
		Density:      r.density,
		Brightness:   r.brightness,
		Participants: len(r.participants),
	}
}

// Info returns a snapshot of the room's headline state.
func (s *Store) Info(roomID string) (RoomInfo, error) {
	r, ok := s.get(roomID)
	if !ok {
		return RoomInfo{}, ErrRoomNotFound
	}
	return s.infoLocked(r), nil
}

// ListRooms enumerates all live rooms for the lobby, newest first.
func (s *Store) ListRooms() []RoomInfo {
	s.mu.RLock()
	rooms := make([]*Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		rooms = append(rooms, r)
	}
	s.mu.RUnlock()

	sort.Slice(rooms, func(i, j int) bool {
		return rooms[i].CreatedAt.After(rooms[j].CreatedAt)
	})

	infos := make([]RoomInfo, len(rooms))
	for i, r := range rooms {
		infos[i] = s.infoLocked(r)
	}
	return infos
}

// JoinRoom adds (or re-admits) a participant and registers its connection.
// Idempotent for reconnects: a known user_id retains its role and does not
// count against the participant cap. Returns the assigned role.
func (s *Store) JoinRoom(roomID, userID, displayName string, conn Conn) (Role, error) {
	r, ok := s.get(roomID)
	if !ok {
		return "", ErrRoomNotFound
	}
	now := s.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if p, known := r.participants[userID]; known {
		// Reconnect: keep the role, refresh the display name if provided.
		if displayName != "" {
			p.DisplayName = displayName
		}
		if conn != nil {
			r.conns[conn.ID()] = conn
		}
		return p.Role, nil
	}

	if len(r.participants) >= MaxParticipants {
		return "", ErrRoomFull
	}

	role := r.assignRole()
	r.participants[userID] = &Participant{
		UserID:      userID,
		DisplayName: displayName,
		Role:        role,
		JoinedAt:    now,
	}
	if conn != nil {
		r.conns[conn.ID()] = conn
	}

	name := displayName
	if name == "" {
		name = userID
	}
	r.timeline.append(now, string(role), fmt.Sprintf("%s joined as %s", name, role))

	slog.Info("participant joined", "room_id", roomID, "user_id", userID, "role", role)
	return role, nil
}

// RegisterConn re-registers a connection into the room's broadcast set
// without touching participant state. Used on reconnect before any join
// message is processed.
func (s *Store) RegisterConn(roomID string, conn Conn) error {
	r, ok := s.get(roomID)
	if !ok {
		return ErrRoomNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[conn.ID()] = conn
	return nil
}

// RemoveConn drops a connection from the broadcast set. Participant role
// entries are untouched — the user may reconnect.
func (s *Store) RemoveConn(roomID, connID string) {
	r, ok := s.get(roomID)
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, connID)
}

// LeaveRoom permanently removes a participant and its connection.
func (s *Store) LeaveRoom(roomID, userID, connID string) error {
	r, ok := s.get(roomID)
	if !ok {
		return ErrRoomNotFound
	}
	now := s.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	p, known := r.participants[userID]
	if !known {
		return nil
	}
	delete(r.participants, userID)
	delete(r.conns, connID)

	name := p.DisplayName
	if name == "" {
		name = userID
	}
	r.timeline.append(now, string(p.Role), name+" left")
	slog.Info("participant left", "room_id", roomID, "user_id", userID)
	return nil
}

// Role returns the participant's assigned role, if any.
func (s *Store) Role(roomID, userID string) (Role, bool) {
	r, ok := s.get(roomID)
	if !ok {
		return "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, known := r.participants[userID]
	if !known {
		return "", false
	}
	return p.Role, true
}

// SetPlaying flips the playback flag; host-only decisions are the gateway's
// concern, the store just records state.
func (s *Store) SetPlaying(roomID string, playing bool) error {
	r, ok := s.get(roomID)
	if !ok {
		return ErrRoomNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.isPlaying = playing
	return nil
}

// DestroyRoom stops the tick loop and forgets all state for the room.
// Subsequent operations on the id return ErrRoomNotFound.
func (s *Store) DestroyRoom(roomID string) {
	s.StopTickLoop(roomID)

	s.mu.Lock()
	r, ok := s.rooms[roomID]
	delete(s.rooms, roomID)
	s.mu.Unlock()

	if !ok {
		return
	}
	r.mu.Lock()
	r.destroyed = true
	r.conns = make(map[string]Conn)
	r.mu.Unlock()

	slog.Info("room destroyed", "room_id", roomID)
}

// ── Inputs and arbitration ────────────────────────────────────────────────────

// UpdateInput stores a role's latest payload, stamps its input time, and
// recomputes influence weights.
func (s *Store) UpdateInput(roomID string, role Role, payload InputPayload) error {
	r, ok := s.get(roomID)
	if !ok {
		return ErrRoomNotFound
	}
	now := s.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.currentInputs[role] = payload
	r.inputTimes[role] = now
	r.recomputeInfluence(now)
	r.timeline.append(now, string(role), describeInput(role, payload))
	return nil
}

// TickSnapshot is the read-only view the tick loop hands to the arbitrator.
type TickSnapshot struct {
	Inputs     map[Role]InputPayload
	BPM        int
	Density    float64
	Brightness float64
	Prompts    []music.WeightedPrompt
	IsPlaying  bool
}

// Snapshot captures the state the arbitrator needs, after applying any
// energy-role direct knobs (energy participants bypass the LLM). Knobs are
// applied only while the room plays; a snapshot of an idle room is
// read-only.
func (s *Store) Snapshot(roomID string) (TickSnapshot, error) {
	r, ok := s.get(roomID)
	if !ok {
		return TickSnapshot{}, ErrRoomNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Energy knobs apply directly, ahead of arbitration.
	if energy, has := r.currentInputs[RoleEnergy]; has && r.isPlaying {
		d, b := r.density, r.brightness
		if energy.Density != nil {
			d = *energy.Density
		}
		if energy.Brightness != nil {
			b = *energy.Brightness
		}
		r.setLevels(d, b)
	}

	inputs := make(map[Role]InputPayload, len(r.currentInputs))
	for role, p := range r.currentInputs {
		inputs[role] = p
	}
	prompts := make([]music.WeightedPrompt, len(r.activePrompts))
	copy(prompts, r.activePrompts)

	return TickSnapshot{
		Inputs:     inputs,
		BPM:        r.bpm,
		Density:    r.density,
		Brightness: r.brightness,
		Prompts:    prompts,
		IsPlaying:  r.isPlaying,
	}, nil
}

// UpdateAfterArbitration applies an arbitration result: prompts renormalised,
// bpm and levels clamped, influence recomputed. Inputs are NOT cleared here;
// the tick loop clears them after the state broadcast.
func (s *Store) UpdateAfterArbitration(roomID string, prompts []music.WeightedPrompt, bpm int, density, brightness float64) error {
	r, ok := s.get(roomID)
	if !ok {
		return ErrRoomNotFound
	}
	now := s.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.setPrompts(prompts)
	r.setBPM(bpm)
	r.setLevels(density, brightness)
	r.recomputeInfluence(now)
	return nil
}

// ClearInputs drops all pending payloads so stale inputs do not re-trigger
// arbitration on the next tick.
func (s *Store) ClearInputs(roomID string) {
	r, ok := s.get(roomID)
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.currentInputs = make(map[Role]InputPayload)
}

// UpdateLevels applies fn to the room's current (density, brightness) pair
// under the room lock and writes back the clamped result. Used by the
// applause path. Returns the resulting values.
func (s *Store) UpdateLevels(roomID string, fn func(density, brightness float64) (float64, float64)) (float64, float64, error) {
	r, ok := s.get(roomID)
	if !ok {
		return 0, 0, ErrRoomNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	d, b := fn(r.density, r.brightness)
	r.setLevels(d, b)
	return r.density, r.brightness, nil
}

// ActivePrompts returns a copy of the current prompt set.
func (s *Store) ActivePrompts(roomID string) []music.WeightedPrompt {
	r, ok := s.get(roomID)
	if !ok {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]music.WeightedPrompt, len(r.activePrompts))
	copy(out, r.activePrompts)
	return out
}

// AppendTimeline records a timeline event from the given source.
func (s *Store) AppendTimeline(roomID, source, text string) {
	r, ok := s.get(roomID)
	if !ok {
		return
	}
	now := s.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timeline.append(now, source, text)
}

// ── State broadcast ───────────────────────────────────────────────────────────

// StateUpdate is the JSON shape of the state_update broadcast.
type StateUpdate struct {
	Type             string                 `json:"type"`
	RoomName         string                 `json:"room_name"`
	IsPlaying        bool                   `json:"is_playing"`
	ActivePrompts    []music.WeightedPrompt `json:"active_prompts"`
	BPM              int                    `json:"bpm"`
	Density          float64                `json:"density"`
	Brightness       float64                `json:"brightness"`
	CurrentInputs    map[Role]InputPayload  `json:"current_inputs"`
	InfluenceWeights map[Role]float64       `json:"influence_weights"`
	Participants     []ParticipantInfo      `json:"participants"`
	Timeline         []Event                `json:"timeline"`
	Reasoning        string                 `json:"gemini_reasoning,omitempty"`
}

// StateUpdateMessage snapshots the room into a broadcastable state_update.
// reasoning, when non-empty, is the arbitration rationale for this tick.
func (s *Store) StateUpdateMessage(roomID, reasoning string) (*StateUpdate, error) {
	r, ok := s.get(roomID)
	if !ok {
		return nil, ErrRoomNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	inputs := make(map[Role]InputPayload, len(r.currentInputs))
	for role, p := range r.currentInputs {
		inputs[role] = p
	}
	weights := make(map[Role]float64, len(r.influenceWeights))
	for role, w := range r.influenceWeights {
		weights[role] = w
	}
	prompts := make([]music.WeightedPrompt, len(r.activePrompts))
	copy(prompts, r.activePrompts)

	return &StateUpdate{
		Type:             "state_update",
		RoomName:         r.Name,
		IsPlaying:        r.isPlaying,
		ActivePrompts:    prompts,
		BPM:              r.bpm,
		Density:          r.density,
		Brightness:       r.brightness,
		CurrentInputs:    inputs,
		InfluenceWeights: weights,
		Participants:     r.participantInfos(),
		Timeline:         r.timeline.recent(timelineBroadcast),
		Reasoning:        reasoning,
	}, nil
}

// BroadcastJSON sends a JSON message to every live connection in the room.
// Connections whose send fails are reaped from the set in the same pass.
func (s *Store) BroadcastJSON(ctx context.Context, roomID string, v any) {
	s.broadcast(ctx, roomID, func(ctx context.Context, c Conn) error {
		return c.SendJSON(ctx, v)
	})
}

// BroadcastBytes sends a binary frame (audio) to every live connection in
// the room, reaping dead peers in the same pass.
func (s *Store) BroadcastBytes(ctx context.Context, roomID string, data []byte) {
	s.broadcast(ctx, roomID, func(ctx context.Context, c Conn) error {
		return c.SendBytes(ctx, data)
	})
}

func (s *Store) broadcast(ctx context.Context, roomID string, send func(context.Context, Conn) error) {
	r, ok := s.get(roomID)
	if !ok {
		return
	}

	// Snapshot under the lock; send outside it.
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return
	}
	conns := make([]Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	var dead []string
	for _, c := range conns {
		if err := send(ctx, c); err != nil {
			dead = append(dead, c.ID())
		}
	}
	if len(dead) == 0 {
		return
	}

	r.mu.Lock()
	for _, id := range dead {
		delete(r.conns, id)
	}
	r.mu.Unlock()
	slog.Debug("reaped dead connections", "room_id", roomID, "count", len(dead))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// mintRoomID produces a 6-character uppercase alphanumeric identifier.
func mintRoomID() (string, error) {
	buf := make([]byte, roomIDLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = roomIDCharset[int(b)%len(roomIDCharset)]
	}
	return string(buf), nil
}

// describeInput renders a short human-readable timeline line for a payload.
func describeInput(role Role, p InputPayload) string {
	switch {
	case p.BPM != nil:
		return fmt.Sprintf("set tempo to %d bpm", *p.BPM)
	case p.Mood != nil:
		return "set mood: " + *p.Mood
	case p.Genre != nil:
		return "picked genre: " + *p.Genre
	case p.Instrument != nil:
		return "picked instrument: " + *p.Instrument
	case p.Density != nil || p.Brightness != nil:
		return "adjusted energy"
	case p.CustomPrompt != nil:
		return "sent a custom prompt"
	default:
		return string(role) + " input"
	}
}
