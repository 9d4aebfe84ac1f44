package gateway

import (
	"context"
	"time"

	"github.com/crowdsynth/crowdsynth/internal/room"
)

// runTick is the per-room arbitration callback invoked every tick while the
// room plays: arbitrate the pending inputs, push the result upstream, apply
// it to the room, and broadcast the new state.
//
// An arbitration failure returns the error without touching the room or the
// session — the inputs stay queued and the next tick retries; the tick loop
// counts consecutive failures.
func (g *Gateway) runTick(ctx context.Context, roomID string, snap room.TickSnapshot) error {
	start := time.Now()

	res, err := g.arb.Arbitrate(ctx, roomID, snap)
	if g.metrics != nil {
		g.metrics.ArbitrationDuration.Record(ctx, time.Since(start).Seconds())
		status := "ok"
		if err != nil {
			status = "error"
			g.metrics.RecordProviderError(ctx, "llm", "arbitrate")
		}
		g.metrics.RecordProviderRequest(ctx, "llm", "arbitrate", status)
	}
	if err != nil {
		return err
	}

	pushStart := time.Now()
	g.audio.UpdatePrompts(ctx, roomID, res.Prompts, res.BPM, res.Density, res.Brightness)
	if g.metrics != nil {
		g.metrics.PromptUpdateDuration.Record(ctx, time.Since(pushStart).Seconds())
	}

	if err := g.store.UpdateAfterArbitration(roomID, res.Prompts, res.BPM, res.Density, res.Brightness); err != nil {
		// Room destroyed mid-tick; discard the result.
		return nil
	}

	g.broadcastState(ctx, roomID, res.Reasoning)

	if g.metrics != nil {
		g.metrics.TickDuration.Record(ctx, time.Since(start).Seconds())
	}
	return nil
}

// streamError tells the room its music pipeline is degraded. Invoked by the
// tick loop after three consecutive failures.
func (g *Gateway) streamError(roomID string, err error) {
	g.store.BroadcastJSON(context.Background(), roomID, streamErrorMsg{
		Type:    "stream_error",
		Message: "Music generation is having trouble, retrying...",
	})
}
