package gateway

import "github.com/crowdsynth/crowdsynth/internal/room"

// inbound is the envelope for every client message. Fields beyond type and
// user_id are populated per message type; unknown keys are ignored.
type inbound struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
	RoomID string `json:"room_id"`

	// create_room / join_room
	DeviceName  string `json:"device_name"`
	RoomName    string `json:"room_name"`
	DisplayName string `json:"display_name"`

	// input_update
	Role    string             `json:"role"`
	Payload *room.InputPayload `json:"payload"`

	// applause_update
	Volume   float64 `json:"volume"`
	ClapRate float64 `json:"clap_rate"`
}

type errorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func errMessage(text string) errorMsg {
	return errorMsg{Type: "error", Message: text}
}

type roomCreatedMsg struct {
	Type     string    `json:"type"`
	RoomID   string    `json:"room_id"`
	RoomName string    `json:"room_name"`
	JoinURL  string    `json:"join_url"`
	Role     room.Role `json:"role"`
}

type joinedMsg struct {
	Type   string    `json:"type"`
	RoomID string    `json:"room_id"`
	Role   room.Role `json:"role"`
	UserID string    `json:"user_id"`
}

type typeOnlyMsg struct {
	Type string `json:"type"`
}

type roomClosedMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type applauseLevelMsg struct {
	Type      string  `json:"type"`
	Volume    float64 `json:"volume"`
	ClapRate  float64 `json:"clap_rate"`
	Intensity float64 `json:"intensity"`
	Density   float64 `json:"density"`
	Zone      string  `json:"zone"`
	Loud      bool    `json:"loud"`
}

type dropProgressMsg struct {
	Type   string `json:"type"`
	Count  int    `json:"count"`
	Needed int    `json:"needed"`
}

type dropIncomingMsg struct {
	Type      string `json:"type"`
	InSeconds int    `json:"in_seconds"`
	Count     int    `json:"count"`
	Needed    int    `json:"needed"`
}

type dropTriggeredMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type dropResetMsg struct {
	Type    string `json:"type"`
	Needed  int    `json:"needed"`
	Message string `json:"message"`
}

type streamErrorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
