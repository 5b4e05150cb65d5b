package domain

type PresenceType string

const (
	PresenceJoin  PresenceType = "join"
	PresenceLeave PresenceType = "leave"
	PresenceInit  PresenceType = "init"
)

type PresenceEvent struct {
	Type        PresenceType `json:"type"`
	UserName    string       `json:"userName,omitempty"`
	ActiveUsers []string     `json:"activeUsers"`
}

type TypingEvent struct {
	RoomID   string `json:"roomId"`
	UserName string `json:"userName"`
	IsTyping bool   `json:"isTyping"`
}

// Channel names scope bus delivery to one room and one event kind.
func MessageChannel(roomID string) string  { return "message:" + roomID }
func TypingChannel(roomID string) string   { return "typing:" + roomID }
func PresenceChannel(roomID string) string { return "presence:" + roomID }

func RoomChannels(roomID string) []string {
	return []string{MessageChannel(roomID), TypingChannel(roomID), PresenceChannel(roomID)}
}
