// Package room implements the in-memory room coordinator: room state and
// lifecycle, participant roles, influence weights, the per-room tick loop,
// and collective drop voting.
//
// All state is process-lifetime only. A Store owns every room created by
// this process; each Room carries its own mutex so rooms never contend with
// each other. The locking rule throughout the package is: acquire the room
// mutex, mutate, release before any network I/O. Broadcasts snapshot the
// connection set under the lock and send outside it.
package room

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/crowdsynth/crowdsynth/pkg/provider/music"
)

// Role is the musical dimension a participant controls.
type Role string

const (
	RoleDrummer         Role = "drummer"
	RoleVibeSetter      Role = "vibe_setter"
	RoleGenreDJ         Role = "genre_dj"
	RoleInstrumentalist Role = "instrumentalist"
	RoleEnergy          Role = "energy"
)

// roleQueue is the assignment order for newcomers. Once all four primary
// roles are taken, every further participant becomes an energy controller.
var roleQueue = []Role{RoleDrummer, RoleVibeSetter, RoleGenreDJ, RoleInstrumentalist}

// IsValid reports whether r is a recognised role.
func (r Role) IsValid() bool {
	switch r {
	case RoleDrummer, RoleVibeSetter, RoleGenreDJ, RoleInstrumentalist, RoleEnergy:
		return true
	}
	return false
}

// InputPayload is a sparse, role-specific control record. Only the fields
// relevant to the sender's role are expected to be set; unknown JSON keys
// are ignored on decode.
type InputPayload struct {
	// BPM is the drummer's requested tempo.
	BPM *int `json:"bpm,omitempty"`

	// Mood is the vibe setter's mood description.
	Mood *string `json:"mood,omitempty"`

	// Genre is the genre DJ's pick.
	Genre *string `json:"genre,omitempty"`

	// Instrument is the instrumentalist's pick.
	Instrument *string `json:"instrument,omitempty"`

	// Density and Brightness are the energy controller's direct knobs.
	Density    *float64 `json:"density,omitempty"`
	Brightness *float64 `json:"brightness,omitempty"`

	// CustomPrompt is free-form prompt text any role may attach.
	CustomPrompt *string `json:"custom_prompt,omitempty"`
}

// Participant is one user's membership in a room. Role assignments survive
// socket loss; a participant is removed only by explicit leave or room
// destruction.
type Participant struct {
	UserID      string
	DisplayName string
	Role        Role
	JoinedAt    time.Time
}

// ParticipantInfo is the JSON shape of a participant in state broadcasts.
type ParticipantInfo struct {
	UserID      string `json:"user_id"`
	Role        Role   `json:"role"`
	DisplayName string `json:"display_name"`
	IsHost      bool   `json:"is_host"`
}

// Conn is one live client connection registered with a room. Implementations
// wrap the actual socket; the store only needs a stable identifier and the
// two send primitives.
type Conn interface {
	// ID returns the server-minted connection identifier.
	ID() string

	// SendJSON writes v as a JSON text frame.
	SendJSON(ctx context.Context, v any) error

	// SendBytes writes data as a binary frame.
	SendBytes(ctx context.Context, data []byte) error
}

// Defaults applied to every new room.
const (
	defaultBPM        = 100
	defaultDensity    = 0.5
	defaultBrightness = 0.5

	// MaxParticipants is the hard cap of distinct users per room.
	MaxParticipants = 10
)

// seedPromptText is the prompt every room starts from.
const seedPromptText = "ambient electronic music"

// Room is the full state of one jam session. The identity fields are set at
// creation and never change; everything else is guarded by mu. Exported
// accessors on the Store return copies.
type Room struct {
	mu sync.Mutex

	ID         string
	HostID     string
	Name       string
	DeviceName string
	CreatedAt  time.Time

	// mutable state below, guarded by mu
	isPlaying     bool
	bpm           int
	density       float64
	brightness    float64
	activePrompts []music.WeightedPrompt

	currentInputs    map[Role]InputPayload
	inputTimes       map[Role]time.Time
	influenceWeights map[Role]float64

	participants map[string]*Participant // user_id → participant
	conns        map[string]Conn         // connection_id → conn

	timeline *timeline
	drop     dropWindow

	destroyed bool
}

func newRoom(id, hostID, deviceName, roomName string, now time.Time) *Room {
	return &Room{
		ID:         id,
		HostID:     hostID,
		Name:       roomName,
		DeviceName: deviceName,
		CreatedAt:  now,

		bpm:        defaultBPM,
		density:    defaultDensity,
		brightness: defaultBrightness,
		activePrompts: []music.WeightedPrompt{
			{Text: seedPromptText, Weight: 1.0},
		},

		currentInputs:    make(map[Role]InputPayload),
		inputTimes:       make(map[Role]time.Time),
		influenceWeights: make(map[Role]float64),
		participants:     make(map[string]*Participant),
		conns:            make(map[string]Conn),
		timeline:         newTimeline(),
	}
}

// assignRole picks the first unoccupied primary role, falling back to energy.
// Caller holds the room lock.
func (r *Room) assignRole() Role {
	taken := make(map[Role]bool, len(r.participants))
	for _, p := range r.participants {
		taken[p.Role] = true
	}
	for _, role := range roleQueue {
		if !taken[role] {
			return role
		}
	}
	return RoleEnergy
}

// setBPM writes bpm with the [60, 200] clamp applied.
// Caller holds the room lock.
func (r *Room) setBPM(bpm int) {
	r.bpm = ClampBPM(bpm)
}

// setLevels writes density and brightness with the [0, 1] clamp applied.
// Caller holds the room lock.
func (r *Room) setLevels(density, brightness float64) {
	r.density = ClampUnit(density)
	r.brightness = ClampUnit(brightness)
}

// setPrompts assigns the active prompt set with weights renormalised to 1.0.
// Caller holds the room lock.
func (r *Room) setPrompts(prompts []music.WeightedPrompt) {
	r.activePrompts = NormalizePrompts(prompts)
}

// participantInfos builds the broadcast view of the participant list, host
// first, then by join time. Caller holds the room lock.
func (r *Room) participantInfos() []ParticipantInfo {
	members := make([]*Participant, 0, len(r.participants))
	for _, p := range r.participants {
		members = append(members, p)
	}
	sort.Slice(members, func(i, j int) bool {
		if (members[i].UserID == r.HostID) != (members[j].UserID == r.HostID) {
			return members[i].UserID == r.HostID
		}
		return members[i].JoinedAt.Before(members[j].JoinedAt)
	})

	infos := make([]ParticipantInfo, len(members))
	for i, p := range members {
		infos[i] = ParticipantInfo{
			UserID:      p.UserID,
			Role:        p.Role,
			DisplayName: p.DisplayName,
			IsHost:      p.UserID == r.HostID,
		}
	}
	return infos
}

// ClampBPM clamps bpm to the valid [60, 200] range.
func ClampBPM(bpm int) int {
	if bpm < 60 {
		return 60
	}
	if bpm > 200 {
		return 200
	}
	return bpm
}

// ClampUnit clamps v to [0.0, 1.0].
func ClampUnit(v float64) float64 {
	return math.Max(0.0, math.Min(1.0, v))
}

// NormalizePrompts returns a copy of prompts with weights scaled to sum to
// 1.0, rounded to three decimals. Non-positive totals yield equal weights.
func NormalizePrompts(prompts []music.WeightedPrompt) []music.WeightedPrompt {
	if len(prompts) == 0 {
		return nil
	}
	out := make([]music.WeightedPrompt, len(prompts))
	copy(out, prompts)

	total := 0.0
	for _, p := range out {
		if p.Weight > 0 {
			total += p.Weight
		}
	}
	if total <= 0 {
		equal := round3(1.0 / float64(len(out)))
		for i := range out {
			out[i].Weight = equal
		}
		return out
	}
	for i := range out {
		w := out[i].Weight
		if w < 0 {
			w = 0
		}
		out[i].Weight = round3(w / total)
	}
	return out
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
