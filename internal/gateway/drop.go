package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/crowdsynth/crowdsynth/internal/room"
	"github.com/crowdsynth/crowdsynth/pkg/provider/music"
)

// The drop override pushed upstream when a vote triggers.
var dropPrompts = []music.WeightedPrompt{
	{
		Text:   "massive bass drop with thundering sub-bass, distorted 808 kick, building tension release, crowd energy explosion",
		Weight: 0.7,
	},
	{
		Text:   "intense electronic drop with rapid-fire hi-hats, aggressive synth stabs, maximum energy peak moment",
		Weight: 0.3,
	},
}

const (
	dropBPMBoost = 20
	dropBPMCap   = 160
)

func (g *Gateway) handleDrop(ctx context.Context, sess *session) {
	if sess.roomID == "" {
		return
	}
	roomID := sess.roomID

	st, err := g.store.RecordDrop(roomID, sess.conn.id)
	if err != nil {
		return
	}
	if g.metrics != nil {
		g.metrics.RecordDropVote(ctx, string(st.Outcome))
	}

	switch st.Outcome {
	case room.DropTriggered:
		g.store.BroadcastJSON(ctx, roomID, dropIncomingMsg{
			Type:      "drop_incoming",
			InSeconds: int(g.dropDelay / time.Second),
			Count:     st.Count,
			Needed:    st.Needed,
		})
		time.AfterFunc(g.dropDelay, func() { g.fireDrop(roomID) })

	case room.DropRegistered:
		g.store.BroadcastJSON(ctx, roomID, dropProgressMsg{
			Type:   "drop_progress",
			Count:  st.Count,
			Needed: st.Needed,
		})
		if st.WindowStarted {
			time.AfterFunc(room.DropWindow, func() { g.expireDrop(roomID) })
		}

	case room.DropAlreadyVoted:
		g.sendPrivate(ctx, sess, dropProgressMsg{
			Type:   "drop_already_voted",
			Count:  st.Count,
			Needed: st.Needed,
		})
	}
}

// fireDrop pushes the drop override upstream and announces it. The two steps
// are independent: a failed upstream push must not suppress the broadcast.
func (g *Gateway) fireDrop(roomID string) {
	ctx := context.Background()

	info, err := g.store.Info(roomID)
	if err != nil {
		// Room destroyed during the countdown.
		return
	}

	bpm := info.BPM + dropBPMBoost
	if bpm > dropBPMCap {
		bpm = dropBPMCap
	}
	g.audio.UpdatePrompts(ctx, roomID, dropPrompts, bpm, 1.0, 0.3)

	g.store.AppendTimeline(roomID, "system", "The crowd dropped it!")
	g.store.BroadcastJSON(ctx, roomID, dropTriggeredMsg{
		Type:    "drop_triggered",
		Message: "🔥 DROP!",
	})
	slog.Info("drop fired", "room_id", roomID, "bpm", bpm)
}

// expireDrop closes a vote window that never reached quorum and tells the
// room the pressure is off.
func (g *Gateway) expireDrop(roomID string) {
	if !g.store.ExpireDropWindow(roomID) {
		return
	}
	g.store.BroadcastJSON(context.Background(), roomID, dropResetMsg{
		Type:    "drop_reset",
		Needed:  g.store.DropQuorum(roomID),
		Message: "Drop vote expired",
	})
}
