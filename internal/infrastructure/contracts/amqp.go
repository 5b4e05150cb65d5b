package contracts

// AmqpMessage is the envelope for every audit event on the exchange.
type AmqpMessage struct {
	RoomID string `json:"roomId"`
	Data   []byte `json:"data"`
}

// Routing keys
const (
	EventRoomCreated  = "room.created"
	EventRoomDeleted  = "room.deleted"
	EventRoomExpired  = "room.expired"
	EventMemberJoined = "member.joined"
)

var RoomEvents = []string{
	EventRoomCreated,
	EventRoomDeleted,
	EventRoomExpired,
	EventMemberJoined,
}
