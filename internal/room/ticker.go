package room

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// TickInterval is the arbitration cadence for every room.
const TickInterval = 4 * time.Second

// tickErrorThreshold is how many consecutive tick failures are tolerated
// before listeners are told the stream is degraded.
const tickErrorThreshold = 3

// TickFunc runs one arbitration round for a room. It receives a snapshot of
// the room's pending inputs and current parameters, and is responsible for
// applying its result back through the Store and broadcasting state.
type TickFunc func(ctx context.Context, roomID string, snap TickSnapshot) error

// DegradedFunc is invoked once when a room crosses the consecutive-failure
// threshold, so the gateway can notify listeners.
type DegradedFunc func(roomID string, err error)

type tickLoop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// StartTickLoop begins the 4-second arbitration loop for a room. Ticks are
// skipped while the room is not playing. Starting a loop that is already
// running is a no-op.
func (s *Store) StartTickLoop(roomID string, tick TickFunc, degraded DegradedFunc) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	if _, running := s.ticks[roomID]; running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	loop := &tickLoop{cancel: cancel, done: make(chan struct{})}
	s.ticks[roomID] = loop

	go s.runTickLoop(ctx, loop, roomID, tick, degraded)
	slog.Info("tick loop started", "room_id", roomID)
}

// StopTickLoop halts a room's tick loop and waits for the current iteration
// to return. A missing loop is a no-op.
func (s *Store) StopTickLoop(roomID string) {
	s.tickMu.Lock()
	loop, running := s.ticks[roomID]
	delete(s.ticks, roomID)
	s.tickMu.Unlock()

	if !running {
		return
	}
	loop.cancel()
	<-loop.done
	slog.Info("tick loop stopped", "room_id", roomID)
}

// StopAllTickLoops halts every running tick loop. Used during shutdown.
func (s *Store) StopAllTickLoops() {
	s.tickMu.Lock()
	loops := make(map[string]*tickLoop, len(s.ticks))
	for id, loop := range s.ticks {
		loops[id] = loop
	}
	s.ticks = make(map[string]*tickLoop)
	s.tickMu.Unlock()

	for id, loop := range loops {
		loop.cancel()
		<-loop.done
		slog.Info("tick loop stopped", "room_id", id)
	}
}

func (s *Store) runTickLoop(ctx context.Context, loop *tickLoop, roomID string, tick TickFunc, degraded DegradedFunc) {
	defer close(loop.done)

	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		snap, err := s.Snapshot(roomID)
		if errors.Is(err, ErrRoomNotFound) {
			return
		}
		if !snap.IsPlaying {
			continue
		}

		if err := tick(ctx, roomID, snap); err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			slog.Warn("tick failed", "room_id", roomID, "consecutive", failures, "error", err)
			if failures >= tickErrorThreshold {
				if degraded != nil {
					degraded(roomID, err)
				}
				failures = 0
			}
			continue
		}
		failures = 0

		// Consumed inputs must not re-trigger arbitration next tick.
		s.ClearInputs(roomID)
	}
}
