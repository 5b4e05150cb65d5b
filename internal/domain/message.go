package domain

import "strings"

type Message struct {
	ID         string `json:"id"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName"`
	Content    string `json:"content"`
	Attachment []byte `json:"attachment,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

// MessageDraft is a message before the repository assigns its id and timestamp.
type MessageDraft struct {
	SenderID   string
	SenderName string
	Content    string
	Attachment []byte
}

func (d MessageDraft) Validate() error {
	if strings.TrimSpace(d.SenderID) == "" || strings.TrimSpace(d.SenderName) == "" {
		return ErrInvalidInput
	}
	if d.Content == "" && len(d.Attachment) == 0 {
		return ErrInvalidMessage
	}
	return nil
}
