package room

import (
	"log/slog"
	"math"
	"time"
)

// DropWindow is how long a drop vote window stays open before the scheduled
// expiry closes it.
const DropWindow = 10 * time.Second

// dropStaleAfter is the vote-time safety net: a vote arriving this long after
// the window opened discards the stale window and starts a fresh one, even if
// the scheduled expiry never fired.
const dropStaleAfter = 5500 * time.Millisecond

// DropOutcome is the result of recording one drop vote.
type DropOutcome string

const (
	// DropRegistered means the vote was counted but quorum is not yet met.
	DropRegistered DropOutcome = "registered"

	// DropAlreadyVoted means this connection already voted in the open window.
	DropAlreadyVoted DropOutcome = "already_voted"

	// DropTriggered means this vote completed the quorum.
	DropTriggered DropOutcome = "triggered"
)

// DropStatus describes the vote window after one RecordDrop call.
type DropStatus struct {
	Outcome DropOutcome

	// Count is the number of distinct votes in the open window.
	Count int

	// Needed is the quorum for the room's current participant count.
	Needed int

	// WindowStarted is true when this vote opened a fresh window.
	WindowStarted bool
}

// dropWindow tracks the open vote window for one room. Votes are keyed by
// server-minted connection id, not user id — user ids are client-supplied and
// may be shared across tabs. Zero value is a closed window. Guarded by the
// room lock.
type dropWindow struct {
	openedAt time.Time
	votes    map[string]time.Time // connection_id → vote time
}

func (w *dropWindow) open() bool { return w.votes != nil }

func (w *dropWindow) reset() {
	w.openedAt = time.Time{}
	w.votes = nil
}

// dropQuorum is the number of distinct votes needed to trigger a drop:
// a majority of current participants, never less than one.
func dropQuorum(participants int) int {
	if participants <= 1 {
		return 1
	}
	return int(math.Ceil(float64(participants) / 2))
}

// RecordDrop registers a drop vote from the given connection. The first vote
// opens a window; a repeat vote from the same connection inside the window is
// rejected; the vote that completes the quorum reports DropTriggered and
// closes the window. A vote landing on a window older than the stale cutoff
// discards it and opens a fresh one.
func (s *Store) RecordDrop(roomID, connID string) (DropStatus, error) {
	r, ok := s.get(roomID)
	if !ok {
		return DropStatus{}, ErrRoomNotFound
	}
	now := s.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	needed := dropQuorum(len(r.participants))

	if r.drop.open() && now.Sub(r.drop.openedAt) > dropStaleAfter {
		r.drop.reset()
	}

	started := false
	if !r.drop.open() {
		r.drop.openedAt = now
		r.drop.votes = make(map[string]time.Time)
		started = true
	}

	if _, voted := r.drop.votes[connID]; voted {
		return DropStatus{
			Outcome: DropAlreadyVoted,
			Count:   len(r.drop.votes),
			Needed:  needed,
		}, nil
	}

	r.drop.votes[connID] = now
	count := len(r.drop.votes)

	if count >= needed {
		r.drop.reset()
		r.timeline.append(now, "system", "Drop triggered!")
		slog.Info("drop triggered", "room_id", roomID, "votes", count, "needed", needed)
		return DropStatus{
			Outcome:       DropTriggered,
			Count:         count,
			Needed:        needed,
			WindowStarted: started,
		}, nil
	}

	return DropStatus{
		Outcome:       DropRegistered,
		Count:         count,
		Needed:        needed,
		WindowStarted: started,
	}, nil
}

// DropQuorum reports the current quorum threshold for the room.
func (s *Store) DropQuorum(roomID string) int {
	r, ok := s.get(roomID)
	if !ok {
		return 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return dropQuorum(len(r.participants))
}

// ExpireDropWindow closes the vote window if it has been open at least
// DropWindow without reaching quorum. Returns true when a window was closed,
// so the caller can announce the reset.
func (s *Store) ExpireDropWindow(roomID string) bool {
	r, ok := s.get(roomID)
	if !ok {
		return false
	}
	now := s.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.drop.open() || now.Sub(r.drop.openedAt) < DropWindow {
		return false
	}
	r.drop.reset()
	return true
}
