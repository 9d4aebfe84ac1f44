package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/crowdsynth/crowdsynth/internal/room"
)

func (g *Gateway) handleCreateRoom(ctx context.Context, sess *session, msg inbound) {
	if sess.userID == "" {
		g.sendPrivate(ctx, sess, errMessage("user_id required"))
		return
	}

	deviceName := msg.DeviceName
	if deviceName == "" {
		deviceName = "Unknown"
	}

	info, err := g.store.CreateRoom(sess.userID, deviceName, msg.RoomName)
	if err != nil {
		g.sendPrivate(ctx, sess, errMessage("Failed to create room"))
		return
	}
	if g.metrics != nil {
		g.metrics.ActiveRooms.Add(ctx, 1)
	}

	role, err := g.store.JoinRoom(info.ID, sess.userID, msg.DisplayName, sess.conn)
	if err != nil {
		// Joining a room just created by this handler cannot fail in practice.
		g.sendPrivate(ctx, sess, errMessage("Failed to join room"))
		return
	}
	sess.roomID = info.ID

	g.sendPrivate(ctx, sess, roomCreatedMsg{
		Type:     "room_created",
		RoomID:   info.ID,
		RoomName: info.Name,
		JoinURL:  "?room_id=" + info.ID,
		Role:     role,
	})
	g.broadcastState(ctx, info.ID, "")
}

func (g *Gateway) handleJoinRoom(ctx context.Context, sess *session, msg inbound) {
	roomID := strings.ToUpper(msg.RoomID)
	if sess.userID == "" {
		g.sendPrivate(ctx, sess, errMessage("user_id required"))
		return
	}

	role, err := g.store.JoinRoom(roomID, sess.userID, msg.DisplayName, sess.conn)
	switch {
	case errors.Is(err, room.ErrRoomNotFound):
		g.sendPrivate(ctx, sess, errMessage(fmt.Sprintf("Room %s not found", roomID)))
		return
	case errors.Is(err, room.ErrRoomFull):
		g.sendPrivate(ctx, sess, errMessage("Room is full (max 10 players)"))
		return
	case err != nil:
		g.sendPrivate(ctx, sess, errMessage("Failed to join room"))
		return
	}
	sess.roomID = roomID

	g.sendPrivate(ctx, sess, joinedMsg{
		Type:   "joined",
		RoomID: roomID,
		Role:   role,
		UserID: sess.userID,
	})
	g.broadcastState(ctx, roomID, "")
}

func (g *Gateway) handleStartMusic(ctx context.Context, sess *session) {
	if sess.roomID == "" {
		g.sendPrivate(ctx, sess, errMessage("Not in a room"))
		return
	}
	info, err := g.store.Info(sess.roomID)
	if err != nil {
		g.sendPrivate(ctx, sess, errMessage("Room not found"))
		return
	}
	if info.HostID != sess.userID {
		g.sendPrivate(ctx, sess, errMessage("Only host can start music"))
		return
	}

	if err := g.store.SetPlaying(sess.roomID, true); err != nil {
		g.sendPrivate(ctx, sess, errMessage("Room not found"))
		return
	}
	if err := g.audio.StartSession(ctx, sess.roomID, info.BPM); err != nil {
		g.store.SetPlaying(sess.roomID, false)
		slog.Error("start music failed", "room_id", sess.roomID, "error", err)
		g.sendPrivate(ctx, sess, errMessage("Failed to start music: "+err.Error()))
		return
	}
	if g.metrics != nil {
		g.metrics.ActiveSessions.Add(ctx, 1)
	}

	g.store.StartTickLoop(sess.roomID, g.runTick, g.streamError)
	g.store.AppendTimeline(sess.roomID, "system", "Music started")
	g.store.BroadcastJSON(ctx, sess.roomID, typeOnlyMsg{Type: "music_started"})
}

func (g *Gateway) handleStopMusic(ctx context.Context, sess *session) {
	if sess.roomID == "" {
		return
	}
	info, err := g.store.Info(sess.roomID)
	if err != nil {
		return
	}
	if info.HostID != sess.userID {
		g.sendPrivate(ctx, sess, errMessage("Only host can stop music"))
		return
	}
	if !info.IsPlaying {
		// Already stopped; a repeat must not re-broadcast or skew the
		// session gauge.
		return
	}

	g.store.SetPlaying(sess.roomID, false)
	g.store.StopTickLoop(sess.roomID)
	g.audio.StopSession(ctx, sess.roomID)
	if g.metrics != nil {
		g.metrics.ActiveSessions.Add(ctx, -1)
	}
	g.store.AppendTimeline(sess.roomID, "system", "Music stopped")
	g.store.BroadcastJSON(ctx, sess.roomID, typeOnlyMsg{Type: "music_stopped"})
}

// handleCloseRoom tears a room down on explicit host request. closeType is
// "room_closed" or "room_ended" depending on the inbound message.
func (g *Gateway) handleCloseRoom(ctx context.Context, sess *session, closeType string) {
	if sess.roomID == "" {
		return
	}
	info, err := g.store.Info(sess.roomID)
	if err != nil {
		return
	}
	if info.HostID != sess.userID {
		g.sendPrivate(ctx, sess, errMessage("Only host can close the room"))
		return
	}

	roomID := sess.roomID
	if info.IsPlaying {
		g.store.StopTickLoop(roomID)
		g.audio.StopSession(ctx, roomID)
		if g.metrics != nil {
			g.metrics.ActiveSessions.Add(ctx, -1)
		}
	}

	// Announce before destroying: DestroyRoom empties the connection set.
	if closeType == "room_closed" {
		g.store.BroadcastJSON(ctx, roomID, roomClosedMsg{Type: closeType, Message: "Room closed by host"})
	} else {
		g.store.BroadcastJSON(ctx, roomID, typeOnlyMsg{Type: closeType})
	}

	g.store.DestroyRoom(roomID)
	g.arb.Forget(roomID)
	if g.metrics != nil {
		g.metrics.ActiveRooms.Add(ctx, -1)
	}
	sess.roomID = ""
}

func (g *Gateway) handleLeaveRoom(ctx context.Context, sess *session) {
	if sess.roomID == "" || sess.userID == "" {
		return
	}
	roomID := sess.roomID
	if err := g.store.LeaveRoom(roomID, sess.userID, sess.conn.id); err != nil {
		return
	}
	sess.roomID = ""
	g.broadcastState(ctx, roomID, "")
}

func (g *Gateway) handleInputUpdate(ctx context.Context, sess *session, msg inbound) {
	if sess.roomID == "" || msg.Payload == nil {
		return
	}
	role := room.Role(msg.Role)
	if !role.IsValid() {
		return
	}
	if err := g.store.UpdateInput(sess.roomID, role, *msg.Payload); err != nil {
		return
	}
	slog.Debug("input stored", "room_id", sess.roomID, "role", role)
}
