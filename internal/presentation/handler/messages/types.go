package messages

type createMessageRequest struct {
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName"`
	Content    string `json:"content"`
	// base64 in JSON
	Attachment []byte `json:"attachment,omitempty"`
}

type typingRequest struct {
	UserName string `json:"userName"`
	IsTyping bool   `json:"isTyping"`
}
